// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package cmdq

// QueueType selects the hardware submission stream.
type QueueType uint8

const (
	QueueCompute QueueType = iota
	QueueDMA
)

// String returns the queue class name.
func (t QueueType) String() string {
	switch t {
	case QueueCompute:
		return "compute"
	case QueueDMA:
		return "dma"
	}
	return "unknown"
}

func (t QueueType) valid() bool {
	return t == QueueCompute || t == QueueDMA
}

// Memory is host memory mapped into the device address space.
//
// Bytes is the CPU view. GPUAddr is the device virtual address of Bytes[0].
type Memory struct {
	Bytes   []byte
	GPUAddr uint64
}

// Device supplies the memory and channel services a command queue needs.
//
// The queue never asks the device to interpret commands; it only maps
// memory, looks up the GPFIFO of a channel and rings doorbells.
type Device interface {
	// Alloc returns size bytes of zeroed, CPU-mapped, device-visible memory.
	// Queue pages must be mapped below GPFifoAddrLimit.
	// The CPU view must be at least 8-byte aligned.
	Alloc(size int) (Memory, error)

	// Free releases memory returned by Alloc.
	Free(m Memory) error

	// Channel returns the GPFIFO of the channel serving queue class t.
	Channel(t QueueType) (*GPFifo, error)

	// Doorbell tells the device that new GPFIFO entries are available on
	// the channel identified by token.
	Doorbell(token uint32) error
}

// InterruptSource is implemented by devices that deliver non-stall
// interrupts. A receive on the channel means some semaphore may have been
// released; it carries no payload.
type InterruptSource interface {
	Interrupts() <-chan struct{}
}
