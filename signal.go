// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package cmdq

import (
	"fmt"
	"unsafe"

	"code.hybscloud.com/atomix"
)

// Signal is a device-visible semaphore record.
//
// The layout is fixed by hardware: a 64-bit payload followed by a 64-bit
// timestamp. Signals live in device memory and are only handed out by a
// [SignalPool]; never copy one.
type Signal struct {
	value     atomix.Uint64
	timeStamp atomix.Uint64
}

// SignalSize is the size of a Signal record in device memory.
const SignalSize = 16

// Value returns the current payload as last written by the device.
func (s *Signal) Value() uint64 {
	return s.value.LoadAcquire()
}

// TimeStamp returns the timestamp of the last release with timestamps
// enabled.
func (s *Signal) TimeStamp() uint64 {
	return s.timeStamp.LoadAcquire()
}

// Set stores v as the payload from the host side.
// Only valid while the device holds no reference to s.
func (s *Signal) Set(v uint64) {
	s.value.StoreRelease(v)
}

// SignalAt returns the Signal record at the start of b.
// b must be 8-byte aligned and at least SignalSize bytes.
func SignalAt(b []byte) *Signal {
	_ = b[SignalSize-1]
	return (*Signal)(unsafe.Pointer(unsafe.SliceData(b)))
}

// SignalPool is a fixed array of Signals in device memory plus a free list
// of slot indices.
//
// Obtain and Release are safe for concurrent use.
type SignalPool struct {
	mem   Memory
	base  uintptr
	slots []atomix.Uint64 // 1 while handed out
	free  *freeList
}

// NewSignalPool lays out capacity signals over mem and marks all free.
// Returns ErrInvalidArgument if mem is too small or capacity < 1.
func NewSignalPool(mem Memory, capacity int) (*SignalPool, error) {
	if capacity < 1 || len(mem.Bytes) < capacity*SignalSize {
		return nil, fmt.Errorf("%w: signal pool of %d needs %d bytes, have %d",
			ErrInvalidArgument, capacity, capacity*SignalSize, len(mem.Bytes))
	}
	p := &SignalPool{
		mem:   mem,
		base:  uintptr(unsafe.Pointer(unsafe.SliceData(mem.Bytes))),
		slots: make([]atomix.Uint64, capacity),
		free:  newFreeList(capacity),
	}
	for i := range capacity {
		p.signal(i).Set(0)
		if err := p.free.push(uint32(i)); err != nil {
			return nil, err
		}
	}
	return p, nil
}

// Cap returns the number of signals in the pool.
func (p *SignalPool) Cap() int {
	return len(p.slots)
}

// Obtain takes a free signal and resets its payload to 0.
// Returns ErrPoolExhausted if every signal is handed out.
func (p *SignalPool) Obtain() (*Signal, error) {
	idx, err := p.free.pop()
	if err != nil {
		return nil, ErrPoolExhausted
	}
	p.slots[idx].StoreRelease(1)
	s := p.signal(int(idx))
	s.Set(0)
	return s, nil
}

// Release returns s to the pool.
//
// The caller must guarantee that no submitted wait or notify still
// references s. Returns ErrInvalidArgument if s does not belong to the pool
// or is not handed out.
func (p *SignalPool) Release(s *Signal) error {
	idx, ok := p.index(s)
	if !ok {
		return fmt.Errorf("%w: signal %p not in pool", ErrInvalidArgument, s)
	}
	if !p.slots[idx].CompareAndSwapAcqRel(1, 0) {
		return fmt.Errorf("%w: signal slot %d released twice", ErrInvalidArgument, idx)
	}
	return p.free.push(uint32(idx))
}

// GPUAddr returns the device address of s.
func (p *SignalPool) GPUAddr(s *Signal) (uint64, error) {
	idx, ok := p.index(s)
	if !ok {
		return 0, fmt.Errorf("%w: signal %p not in pool", ErrInvalidArgument, s)
	}
	return p.mem.GPUAddr + uint64(idx*SignalSize), nil
}

// Memory returns the device memory backing the pool.
func (p *SignalPool) Memory() Memory {
	return p.mem
}

func (p *SignalPool) signal(i int) *Signal {
	return SignalAt(p.mem.Bytes[i*SignalSize:])
}

func (p *SignalPool) index(s *Signal) (int, bool) {
	if s == nil {
		return 0, false
	}
	off := uintptr(unsafe.Pointer(s)) - p.base
	if uintptr(unsafe.Pointer(s)) < p.base || off%SignalSize != 0 || off/SignalSize >= uintptr(len(p.slots)) {
		return 0, false
	}
	return int(off / SignalSize), true
}
