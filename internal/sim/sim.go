// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

//go:build unix

// Package sim is a software GPU command processor.
//
// A Device owns one compute and one copy channel. Each channel runs a
// goroutine that fetches GPFIFO entries, decodes the pushbuffer methods and
// executes the subset a command queue emits: host semaphores, non-stall
// interrupts, copy engine semaphores and linear copies. Device memory is
// host memory from [hostmem] placed at synthetic device addresses below
// [cmdq.GPFifoAddrLimit], so that segments fit a GPFIFO entry.
package sim

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"code.hybscloud.com/atomix"
	"code.hybscloud.com/cmdq"
	"code.hybscloud.com/cmdq/internal/hostmem"
)

// Errors reported by the simulator.
var (
	ErrAllocFailed = errors.New("sim: allocation failed")
	ErrUnmapped    = errors.New("sim: address not mapped")
	ErrClosed      = errors.New("sim: device closed")
)

// DefaultEntries is the GPFIFO ring size of each channel.
const DefaultEntries = 64

// Device address space handed out by Alloc.
const (
	vaBase  = 0x1_0000_0000
	vaGuard = 64 << 10 // Unmapped gap after every allocation
)

// Device implements [cmdq.Device] and [cmdq.InterruptSource].
type Device struct {
	mu        sync.Mutex
	mappings  []mapping // sorted by addr
	nextVA    uint64
	failAfter int // successful Allocs left before failing; <0 disables
	closed    bool

	channels [2]*channel
	irq      chan struct{}
	done     chan struct{}
	wg       sync.WaitGroup

	stalled atomix.Bool
	fault   error
}

// mapping places host memory b at device address addr.
type mapping struct {
	addr uint64
	b    []byte
}

// New creates a device with channels of entries GPFIFO slots and starts its
// command processors. entries <= 0 selects DefaultEntries.
func New(entries int) (*Device, error) {
	if entries <= 0 {
		entries = DefaultEntries
	}
	d := &Device{
		nextVA:    vaBase,
		failAfter: -1,
		irq:       make(chan struct{}, 1),
		done:      make(chan struct{}),
	}
	for _, t := range []cmdq.QueueType{cmdq.QueueCompute, cmdq.QueueDMA} {
		ch, err := newChannel(d, t, uint32(entries))
		if err != nil {
			d.release()
			return nil, err
		}
		d.channels[t] = ch
	}
	for _, ch := range d.channels {
		d.wg.Add(1)
		go ch.run()
	}
	return d, nil
}

// Alloc implements cmdq.Device. Device addresses increase with every call
// and are never reused.
func (d *Device) Alloc(size int) (cmdq.Memory, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return cmdq.Memory{}, ErrClosed
	}
	if d.failAfter == 0 {
		return cmdq.Memory{}, fmt.Errorf("%w: %d bytes", ErrAllocFailed, size)
	}
	b, err := hostmem.Map(size)
	if err != nil {
		return cmdq.Memory{}, fmt.Errorf("%w: %w", ErrAllocFailed, err)
	}
	end := d.nextVA + uint64(cap(b))
	if end > cmdq.GPFifoAddrLimit {
		_ = hostmem.Unmap(b)
		return cmdq.Memory{}, fmt.Errorf("%w: device address space exhausted", ErrAllocFailed)
	}
	if d.failAfter > 0 {
		d.failAfter--
	}
	m := mapping{addr: d.nextVA, b: b}
	d.nextVA = end + vaGuard
	d.mappings = append(d.mappings, m)
	return cmdq.Memory{Bytes: b, GPUAddr: m.addr}, nil
}

// Free implements cmdq.Device.
func (d *Device) Free(m cmdq.Memory) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	for i, mp := range d.mappings {
		if mp.addr == m.GPUAddr {
			d.mappings = append(d.mappings[:i], d.mappings[i+1:]...)
			return hostmem.Unmap(mp.b)
		}
	}
	return fmt.Errorf("%w: free %#x", ErrUnmapped, m.GPUAddr)
}

// Channel implements cmdq.Device.
func (d *Device) Channel(t cmdq.QueueType) (*cmdq.GPFifo, error) {
	if int(t) >= len(d.channels) {
		return nil, fmt.Errorf("sim: no channel for %s", t)
	}
	return d.channels[t].fifo, nil
}

// Doorbell implements cmdq.Device.
func (d *Device) Doorbell(token uint32) error {
	for _, ch := range d.channels {
		if ch.token == token {
			select {
			case ch.bell <- struct{}{}:
			default:
			}
			return nil
		}
	}
	return fmt.Errorf("sim: unknown doorbell token %d", token)
}

// Interrupts implements cmdq.InterruptSource.
func (d *Device) Interrupts() <-chan struct{} {
	return d.irq
}

// FailAllocAfter makes every Alloc after the next n successful ones fail.
// n < 0 disables failure injection.
func (d *Device) FailAllocAfter(n int) {
	d.mu.Lock()
	d.failAfter = n
	d.mu.Unlock()
}

// Stall stops or resumes command processing. A stalled device keeps
// accepting doorbells but executes nothing.
func (d *Device) Stall(stalled bool) {
	d.stalled.StoreRelease(stalled)
	if !stalled {
		for _, ch := range d.channels {
			select {
			case ch.bell <- struct{}{}:
			default:
			}
		}
	}
}

// Class returns the engine class bound on subchannel subc of the channel
// serving t, or 0 if none.
func (d *Device) Class(t cmdq.QueueType, subc int) uint32 {
	if int(t) >= len(d.channels) || subc < 0 || subc >= 8 {
		return 0
	}
	return d.channels[t].classes[subc].LoadAcquire()
}

// Mappings returns the number of live Alloc mappings.
func (d *Device) Mappings() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.mappings)
}

// Err returns the first fault raised by a command processor.
func (d *Device) Err() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.fault
}

// Close stops the command processors and unmaps all device memory.
func (d *Device) Close() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return ErrClosed
	}
	d.closed = true
	d.mu.Unlock()
	close(d.done)
	d.wg.Wait()
	return d.release()
}

func (d *Device) release() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	var errs []error
	for _, m := range d.mappings {
		errs = append(errs, hostmem.Unmap(m.b))
	}
	d.mappings = nil
	for _, ch := range d.channels {
		if ch != nil {
			errs = append(errs, ch.release())
		}
	}
	return errors.Join(errs...)
}

// resolve returns the n bytes of device memory at addr.
func (d *Device) resolve(addr uint64, n int) ([]byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	i := sort.Search(len(d.mappings), func(i int) bool { return d.mappings[i].addr > addr }) - 1
	if i >= 0 {
		m := d.mappings[i]
		off := addr - m.addr
		if off+uint64(n) <= uint64(len(m.b)) {
			return m.b[off : off+uint64(n)], nil
		}
	}
	return nil, fmt.Errorf("%w: %#x+%d", ErrUnmapped, addr, n)
}

func (d *Device) raise(err error) {
	d.mu.Lock()
	if d.fault == nil {
		d.fault = err
	}
	d.mu.Unlock()
}

func (d *Device) interrupt() {
	select {
	case d.irq <- struct{}{}:
	default:
	}
}
