// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package cmdq

import (
	"code.hybscloud.com/atomix"
	"code.hybscloud.com/spin"
)

// freeList is a bounded MPMC ring of slot indices.
//
// Uses per-slot sequence numbers: a slot is writable when seq == tail and
// readable when seq == head+1. Push and pop are lock-free and linearizable
// with respect to each other, so obtain and release on a shared pool need
// no external lock.
//
// Slots are packed: a pool holds tens of signals and obtain or release
// happens at most a few times per submission, so only the two cursors get
// lines of their own.
type freeList struct {
	_        pad
	tail     atomix.Uint64 // Release side
	_        pad
	head     atomix.Uint64 // Obtain side
	_        pad
	buffer   []freeListSlot
	mask     uint64
	capacity uint64
}

type freeListSlot struct {
	seq atomix.Uint64
	idx uint32
}

// newFreeList creates a free list able to hold n indices.
// Ring capacity rounds up to the next power of 2.
func newFreeList(n int) *freeList {
	c := uint64(roundToPow2(n))
	l := &freeList{
		buffer:   make([]freeListSlot, c),
		mask:     c - 1,
		capacity: c,
	}
	for i := uint64(0); i < c; i++ {
		l.buffer[i].seq.StoreRelaxed(i)
	}
	return l
}

// push returns idx to the list.
// Returns ErrWouldBlock if the ring is full.
func (l *freeList) push(idx uint32) error {
	sw := spin.Wait{}
	for {
		tail := l.tail.LoadAcquire()
		slot := &l.buffer[tail&l.mask]
		seq := slot.seq.LoadAcquire()
		diff := int64(seq) - int64(tail)

		if diff == 0 {
			if l.tail.CompareAndSwapAcqRel(tail, tail+1) {
				slot.idx = idx
				slot.seq.StoreRelease(tail + 1)
				return nil
			}
		} else if diff < 0 {
			return ErrWouldBlock
		}
		sw.Once()
	}
}

// pop takes an index from the list.
// Returns (0, ErrWouldBlock) if the list is empty.
func (l *freeList) pop() (uint32, error) {
	sw := spin.Wait{}
	for {
		head := l.head.LoadAcquire()
		slot := &l.buffer[head&l.mask]
		seq := slot.seq.LoadAcquire()
		diff := int64(seq) - int64(head+1)

		if diff == 0 {
			if l.head.CompareAndSwapAcqRel(head, head+1) {
				idx := slot.idx
				slot.seq.StoreRelease(head + l.capacity)
				return idx, nil
			}
		} else if diff < 0 {
			return 0, ErrWouldBlock
		}
		sw.Once()
	}
}

// roundToPow2 rounds n up to the next power of 2.
func roundToPow2(n int) int {
	if n < 2 {
		return 2
	}
	n--
	n |= n >> 1
	n |= n >> 2
	n |= n >> 4
	n |= n >> 8
	n |= n >> 16
	n |= n >> 32
	return n + 1
}

// pad is cache line padding to prevent false sharing.
type pad [64]byte
