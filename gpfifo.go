// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package cmdq

import (
	"fmt"
	"unsafe"

	"code.hybscloud.com/atomix"
)

// GPFIFO entry fields.
const (
	gpEntryAddrMask   = 0x000000fffffffffc // bits [39:2]
	gpEntrySubroutine = 1 << 41
	gpEntryLenShift   = 42
	gpEntryLenMask    = 0x1fffff
)

// Limits of a pushbuffer segment addressed by one GPFIFO entry.
const (
	GPFifoAddrLimit = 1 << 40        // Exclusive bound of segment addresses
	GPFifoMaxWords  = gpEntryLenMask // Longest segment in words
)

// USERD control block offsets.
const (
	USERDGPGetOffset = 0x88
	USERDGPPutOffset = 0x8c
	USERDSize        = 0x200
)

// EncodeGPFifoEntry packs a pushbuffer segment of words 32-bit words at
// addr into a GPFIFO entry. addr must be 4-byte aligned and below
// GPFifoAddrLimit, and words at most GPFifoMaxWords; bits outside the
// fields are dropped.
func EncodeGPFifoEntry(addr uint64, words int) uint64 {
	return addr&gpEntryAddrMask | (uint64(words)&gpEntryLenMask)<<gpEntryLenShift | gpEntrySubroutine
}

// DecodeGPFifoEntry unpacks a GPFIFO entry.
func DecodeGPFifoEntry(e uint64) (addr uint64, words int) {
	return e & gpEntryAddrMask, int(e>>gpEntryLenShift) & gpEntryLenMask
}

// userd is the channel control block as laid out by hardware.
type userd struct {
	_     [USERDGPGetOffset]byte
	gpGet atomix.Uint32 // Device advances after fetching an entry
	gpPut atomix.Uint32 // Host advances after writing an entry
}

// GPFifo is the host view of a channel's GPFIFO ring.
//
// The host is the single producer: it writes entries and publishes GPPut.
// The device is the single consumer: it fetches entries and publishes GPGet.
// The producer caches the device's GPGet, and rereads it only when the ring
// looks full, reducing reads of device-written memory.
//
// One slot is always left empty so that GPGet == GPPut means idle.
type GPFifo struct {
	ring      Memory
	controls  *userd
	entries   uint32
	token     uint32
	put       uint32 // Producer's view of GPPut
	cachedGet uint32 // Producer's cached view of GPGet
}

// NewGPFifo wraps a ring of entries 64-bit slots and a USERD control
// block. token identifies the channel for [Device.Doorbell].
func NewGPFifo(ring, controls Memory, entries, token uint32) (*GPFifo, error) {
	if entries < 2 || len(ring.Bytes) < int(entries)*8 {
		return nil, fmt.Errorf("%w: gpfifo ring of %d entries needs %d bytes, have %d",
			ErrInvalidArgument, entries, int(entries)*8, len(ring.Bytes))
	}
	if len(controls.Bytes) < int(unsafe.Sizeof(userd{})) {
		return nil, fmt.Errorf("%w: userd needs %d bytes, have %d",
			ErrInvalidArgument, unsafe.Sizeof(userd{}), len(controls.Bytes))
	}
	f := &GPFifo{
		ring:     ring,
		controls: (*userd)(unsafe.Pointer(unsafe.SliceData(controls.Bytes))),
		entries:  entries,
		token:    token,
	}
	f.put = f.controls.gpPut.LoadAcquire() % entries
	f.cachedGet = f.controls.gpGet.LoadAcquire() % entries
	return f, nil
}

// Push writes an entry for words words at addr and publishes GPPut.
// Returns ErrInvalidArgument if the segment cannot be encoded and
// ErrQueuePageFull if the ring has no free slot.
//
// Producer only.
func (f *GPFifo) Push(addr uint64, words int) error {
	if addr&3 != 0 || addr >= GPFifoAddrLimit || words < 0 || words > GPFifoMaxWords {
		return fmt.Errorf("%w: gpfifo segment of %d words at %#x", ErrInvalidArgument, words, addr)
	}
	next := (f.put + 1) % f.entries
	if next == f.cachedGet {
		f.cachedGet = f.controls.gpGet.LoadAcquire()
		if next == f.cachedGet {
			return ErrQueuePageFull
		}
	}
	f.slot(f.put).StoreRelaxed(EncodeGPFifoEntry(addr, words))
	f.put = next
	f.controls.gpPut.StoreRelease(next)
	return nil
}

// Token returns the doorbell token of the channel.
func (f *GPFifo) Token() uint32 {
	return f.token
}

// Entries returns the ring size.
func (f *GPFifo) Entries() uint32 {
	return f.entries
}

// GPGet returns the device's fetch position.
func (f *GPFifo) GPGet() uint32 {
	return f.controls.gpGet.LoadAcquire()
}

// GPPut returns the host's publish position.
func (f *GPFifo) GPPut() uint32 {
	return f.controls.gpPut.LoadAcquire()
}

// Idle reports whether the device has fetched every published entry.
func (f *GPFifo) Idle() bool {
	return f.GPGet() == f.GPPut()
}

// Entry returns the raw entry at ring index i.
//
// Consumer only.
func (f *GPFifo) Entry(i uint32) uint64 {
	return f.slot(i % f.entries).LoadRelaxed()
}

// SetGPGet publishes the device's fetch position.
//
// Consumer only.
func (f *GPFifo) SetGPGet(v uint32) {
	f.controls.gpGet.StoreRelease(v % f.entries)
}

func (f *GPFifo) slot(i uint32) *atomix.Uint64 {
	return (*atomix.Uint64)(unsafe.Pointer(&f.ring.Bytes[i*8]))
}
