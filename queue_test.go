// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package cmdq_test

import (
	"context"
	"encoding/binary"
	"errors"
	"slices"
	"testing"
	"time"
	"unsafe"

	"code.hybscloud.com/cmdq"
)

// =============================================================================
// Test Device
// =============================================================================

var errInjected = errors.New("injected failure")

// deviceMemory returns 8-byte aligned Go memory posing as device memory at
// addr.
func deviceMemory(size int, addr uint64) cmdq.Memory {
	words := make([]uint64, (size+7)/8)
	b := unsafe.Slice((*byte)(unsafe.Pointer(unsafe.SliceData(words))), size)
	return cmdq.Memory{Bytes: b, GPUAddr: addr}
}

// fakeDevice hands out Go memory and GPFIFO rings but never executes
// anything. Tests play the device by retiring the timeline and consuming
// ring entries by hand.
type fakeDevice struct {
	next    uint64
	allocs  []cmdq.Memory
	live    map[uint64]bool
	fifos   [2]*cmdq.GPFifo
	bells   int
	allocOK int // Allocs that succeed before failing; <0 never fails

	failChannel  bool
	failDoorbell bool
	onDoorbell   func() // Runs on every doorbell, before failDoorbell applies
}

func newFakeDevice(entries uint32) *fakeDevice {
	d := &fakeDevice{next: 0x1_0000_0000, live: make(map[uint64]bool), allocOK: -1}
	for t := range d.fifos {
		fifo, err := cmdq.NewGPFifo(deviceMemory(int(entries)*8, 0), deviceMemory(cmdq.USERDSize, 0), entries, uint32(t)+1)
		if err != nil {
			panic(err)
		}
		d.fifos[t] = fifo
	}
	return d
}

func (d *fakeDevice) Alloc(size int) (cmdq.Memory, error) {
	if d.allocOK == 0 {
		return cmdq.Memory{}, errInjected
	}
	if d.allocOK > 0 {
		d.allocOK--
	}
	m := deviceMemory(size, d.next)
	d.next += 1 << 20
	d.allocs = append(d.allocs, m)
	d.live[m.GPUAddr] = true
	return m, nil
}

func (d *fakeDevice) Free(m cmdq.Memory) error {
	if !d.live[m.GPUAddr] {
		return errInjected
	}
	delete(d.live, m.GPUAddr)
	return nil
}

func (d *fakeDevice) Channel(t cmdq.QueueType) (*cmdq.GPFifo, error) {
	if d.failChannel {
		return nil, errInjected
	}
	return d.fifos[t], nil
}

func (d *fakeDevice) Doorbell(uint32) error {
	if d.onDoorbell != nil {
		d.onDoorbell()
	}
	if d.failDoorbell {
		return errInjected
	}
	d.bells++
	return nil
}

// page returns the queue page of class t. Init allocates the compute page,
// then the copy page, then the signal pool.
func (d *fakeDevice) page(t cmdq.QueueType) cmdq.Memory {
	return d.allocs[t]
}

// timeline returns the queue's timeline signal, the first slot of the pool.
func (d *fakeDevice) timeline() (*cmdq.Signal, uint64) {
	pool := d.allocs[2]
	return cmdq.SignalAt(pool.Bytes), pool.GPUAddr
}

// retire completes submissions up to timeline value v.
func (d *fakeDevice) retire(v uint64) {
	s, _ := d.timeline()
	s.Set(v)
}

// consume marks every published GPFIFO entry as fetched.
func (d *fakeDevice) consume() {
	for _, f := range d.fifos {
		f.SetGPGet(f.GPPut())
	}
}

// segment returns the words of GPFIFO entry i of class t.
func (d *fakeDevice) segment(t cmdq.QueueType, i uint32) []uint32 {
	addr, words := cmdq.DecodeGPFifoEntry(d.fifos[t].Entry(i))
	page := d.page(t)
	off := int(addr - page.GPUAddr)
	out := make([]uint32, words)
	for k := range out {
		out[k] = binary.LittleEndian.Uint32(page.Bytes[off+4*k:])
	}
	return out
}

func newQueue(t *testing.T, dev cmdq.Device, configure func(*cmdq.Builder)) *cmdq.CommandQueue {
	t.Helper()
	b := cmdq.New(dev)
	if configure != nil {
		configure(b)
	}
	q := b.Build()
	if err := q.Init(); err != nil {
		t.Fatalf("Init: %v", err)
	}
	return q
}

// =============================================================================
// Lifecycle
// =============================================================================

// TestQueueNotInitialized tests that every operation on a fresh queue fails
// without touching the device.
func TestQueueNotInitialized(t *testing.T) {
	dev := newFakeDevice(8)
	q := cmdq.New(dev).Build()
	ctx := context.Background()
	m := cmdq.MakeMethod(cmdq.SubchannelCopy, cmdq.CopyLaunchDMA, 1)

	checks := map[string]error{
		"Enqueue":        q.Enqueue(m, 0),
		"StartExecution": q.StartExecution(cmdq.QueueCompute),
		"AwaitExecution": q.AwaitExecution(ctx),
		"SignalWait":     q.SignalWait(nil, 1),
		"SignalNotify":   q.SignalNotify(nil, 1, cmdq.QueueDMA),
		"ReleaseSignal":  q.ReleaseSignal(nil),
		"WriteValue":     q.WriteValue(0x1000, 1),
		"Copy":           q.Copy(0x1000, 0x2000, 4),
		"Close":          q.Close(),
	}
	_, checks["ObtainSignal"] = q.ObtainSignal()
	for name, err := range checks {
		if !errors.Is(err, cmdq.ErrNotInitialized) {
			t.Fatalf("%s: got %v, want ErrNotInitialized", name, err)
		}
	}
	if len(q.Staged()) != 0 || len(dev.allocs) != 0 || dev.bells != 0 {
		t.Fatalf("state changed: staged=%d allocs=%d bells=%d", len(q.Staged()), len(dev.allocs), dev.bells)
	}
	if q.TimelineValue() != 0 || q.TimelineTarget() != 0 {
		t.Fatal("timeline should be 0")
	}
}

// TestQueueInit tests the resources and class bindings set up by Init.
func TestQueueInit(t *testing.T) {
	dev := newFakeDevice(8)
	q := newQueue(t, dev, func(b *cmdq.Builder) { b.SignalPoolSize(4).PageSize(4096) })

	if len(dev.live) != 3 {
		t.Fatalf("live allocations: got %d, want 3", len(dev.live))
	}
	if len(dev.page(cmdq.QueueCompute).Bytes) != 4096 || len(dev.allocs[2].Bytes) != 4*cmdq.SignalSize {
		t.Fatal("allocation sizes do not follow options")
	}
	if dev.bells != 2 {
		t.Fatalf("doorbells: got %d, want 2", dev.bells)
	}

	// Each binding is fenced by its own timeline release; the copy binding
	// also waits for the compute one.
	_, tlAddr := dev.timeline()
	semHdr := cmdq.MakeMethod(cmdq.SubchannelHost, cmdq.HostSemAddrLo, 5).Word()
	bindings := map[cmdq.QueueType][]uint32{
		cmdq.QueueCompute: {
			cmdq.MakeMethod(cmdq.SubchannelCompute, cmdq.SetObject, 1).Word(), cmdq.DefaultComputeClass,
			semHdr, uint32(tlAddr), uint32(tlAddr >> 32), 1, 0,
			cmdq.SemOpRelease | cmdq.SemReleaseWFI | cmdq.SemPayloadSize64Bit | cmdq.SemReleaseTimestamp,
			cmdq.MakeMethod(cmdq.SubchannelHost, cmdq.HostNonStallInterrupt, 1).Word(), 0,
		},
		cmdq.QueueDMA: {
			cmdq.MakeMethod(cmdq.SubchannelCopy, cmdq.SetObject, 1).Word(), cmdq.DefaultCopyClass,
			semHdr, uint32(tlAddr), uint32(tlAddr >> 32), 1, 0,
			cmdq.SemOpAcqCircGEQ | cmdq.SemAcquireSwitchTSG | cmdq.SemPayloadSize64Bit,
			cmdq.MakeMethod(cmdq.SubchannelCopy, cmdq.CopySetSemaphoreA, 4).Word(),
			uint32(tlAddr >> 32), uint32(tlAddr), 2, 0,
			cmdq.MakeMethod(cmdq.SubchannelCopy, cmdq.CopyLaunchDMA, 1).Word(),
			cmdq.DMAFlushEnable | cmdq.DMASemaphoreFourWord,
		},
	}
	for qt, want := range bindings {
		if got := dev.segment(qt, 0); !slices.Equal(got, want) {
			t.Fatalf("%s binding: got %#x, want %#x", qt, got, want)
		}
		if dev.fifos[qt].GPPut() != 1 {
			t.Fatalf("%s GPPut: got %d, want 1", qt, dev.fifos[qt].GPPut())
		}
	}

	if err := q.Init(); !errors.Is(err, cmdq.ErrInvalidArgument) {
		t.Fatalf("second Init: got %v, want ErrInvalidArgument", err)
	}
	if len(dev.live) != 3 {
		t.Fatalf("second Init changed allocations: %d", len(dev.live))
	}
	if q.TimelineTarget() != 2 || q.TimelineValue() != 0 {
		t.Fatalf("timeline: got target %d value %d, want target 2 value 0", q.TimelineTarget(), q.TimelineValue())
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := q.AwaitExecution(ctx); !errors.Is(err, cmdq.ErrTimeout) {
		t.Fatalf("AwaitExecution on pending bindings: got %v, want ErrTimeout", err)
	}
	dev.retire(2)
	if err := q.AwaitExecution(context.Background()); err != nil {
		t.Fatalf("AwaitExecution after bindings retired: %v", err)
	}
}

// TestQueueInitUnwind tests that a failing Init releases everything it
// allocated.
func TestQueueInitUnwind(t *testing.T) {
	for _, ok := range []int{0, 1, 2} {
		dev := newFakeDevice(8)
		dev.allocOK = ok
		q := cmdq.New(dev).Build()
		err := q.Init()
		if !errors.Is(err, cmdq.ErrOutOfMemory) {
			t.Fatalf("alloc fails after %d: got %v, want ErrOutOfMemory", ok, err)
		}
		if len(dev.live) != 0 {
			t.Fatalf("alloc fails after %d: %d allocations leaked", ok, len(dev.live))
		}
		if err := q.Enqueue(cmdq.MakeMethod(cmdq.SubchannelHost, cmdq.HostNonStallInterrupt, 1), 0); !errors.Is(err, cmdq.ErrNotInitialized) {
			t.Fatalf("Enqueue after failed Init: got %v", err)
		}

		dev.allocOK = -1
		if err := q.Init(); err != nil {
			t.Fatalf("Init retry: %v", err)
		}
	}

	dev := newFakeDevice(8)
	dev.failChannel = true
	if err := cmdq.New(dev).Build().Init(); !errors.Is(err, cmdq.ErrSubmissionFailed) {
		t.Fatalf("channel failure: got %v, want ErrSubmissionFailed", err)
	}
}

// TestQueueInitUnwindPublished tests a failing Init after a class binding
// was published: memory is freed only once the device has retired it.
func TestQueueInitUnwindPublished(t *testing.T) {
	dev := newFakeDevice(8)
	dev.failDoorbell = true
	q := cmdq.New(dev).AwaitTimeout(5 * time.Millisecond).Build()
	if err := q.Init(); !errors.Is(err, cmdq.ErrSubmissionFailed) || !errors.Is(err, errInjected) {
		t.Fatalf("doorbell failure: got %v, want ErrSubmissionFailed", err)
	}
	if len(dev.live) != 3 {
		t.Fatalf("unretired binding: got %d live allocations, want 3", len(dev.live))
	}
	if dev.fifos[cmdq.QueueCompute].GPPut() != 1 {
		t.Fatalf("compute GPPut: got %d, want 1", dev.fifos[cmdq.QueueCompute].GPPut())
	}

	dev = newFakeDevice(8)
	dev.failDoorbell = true
	dev.onDoorbell = func() { dev.retire(1) }
	q = cmdq.New(dev).AwaitTimeout(5 * time.Millisecond).Build()
	if err := q.Init(); !errors.Is(err, cmdq.ErrSubmissionFailed) {
		t.Fatalf("doorbell failure: got %v, want ErrSubmissionFailed", err)
	}
	if len(dev.live) != 0 {
		t.Fatalf("retired binding: %d allocations leaked", len(dev.live))
	}
	if q.TimelineTarget() != 0 {
		t.Fatalf("TimelineTarget after failed Init: got %d, want 0", q.TimelineTarget())
	}
}

// TestQueueInitAddressLimit tests that queue pages outside the range a
// GPFIFO entry can address are refused rather than submitted truncated.
func TestQueueInitAddressLimit(t *testing.T) {
	dev := newFakeDevice(8)
	dev.next = cmdq.GPFifoAddrLimit
	err := cmdq.New(dev).Build().Init()
	if !errors.Is(err, cmdq.ErrInvalidArgument) {
		t.Fatalf("Init: got %v, want ErrInvalidArgument", err)
	}
	if len(dev.live) != 0 || dev.bells != 0 {
		t.Fatalf("refused binding: live=%d bells=%d", len(dev.live), dev.bells)
	}
	for _, f := range dev.fifos {
		if f.GPPut() != 0 {
			t.Fatalf("refused binding published GPPut %d", f.GPPut())
		}
	}
}

// TestQueueClose tests that Close frees the queue's memory and allows a new
// Init.
func TestQueueClose(t *testing.T) {
	dev := newFakeDevice(8)
	q := newQueue(t, dev, nil)
	if err := q.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if len(dev.live) != 0 {
		t.Fatalf("live allocations after Close: %d", len(dev.live))
	}
	if err := q.StartExecution(cmdq.QueueCompute); !errors.Is(err, cmdq.ErrNotInitialized) {
		t.Fatalf("StartExecution after Close: got %v", err)
	}
	if err := q.Close(); !errors.Is(err, cmdq.ErrNotInitialized) {
		t.Fatalf("second Close: got %v", err)
	}
	if err := q.Init(); err != nil {
		t.Fatalf("Init after Close: %v", err)
	}
}

// =============================================================================
// Submission
// =============================================================================

// TestQueueStartExecutionLayout tests the bytes written to the queue page for
// a compute submission.
func TestQueueStartExecutionLayout(t *testing.T) {
	dev := newFakeDevice(8)
	q := newQueue(t, dev, nil)
	_, tlAddr := dev.timeline()

	m := cmdq.MakeMethod(cmdq.SubchannelCompute, 0x0200, 2)
	if err := q.Enqueue(m, 0xaa, 0xbb); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if err := q.StartExecution(cmdq.QueueCompute); err != nil {
		t.Fatalf("StartExecution: %v", err)
	}

	// The compute binding occupies [0, 40). The copy binding was the last
	// submission, so the flush first waits for its timeline value.
	addr, _ := cmdq.DecodeGPFifoEntry(dev.fifos[cmdq.QueueCompute].Entry(1))
	if want := dev.page(cmdq.QueueCompute).GPUAddr + 40; addr != want {
		t.Fatalf("segment address: got %#x, want %#x", addr, want)
	}
	want := []uint32{
		m.Word(), 0xaa, 0xbb,
		cmdq.MakeMethod(cmdq.SubchannelHost, cmdq.HostSemAddrLo, 5).Word(),
		uint32(tlAddr), uint32(tlAddr >> 32), 2, 0,
		cmdq.SemOpAcqCircGEQ | cmdq.SemAcquireSwitchTSG | cmdq.SemPayloadSize64Bit,
		cmdq.MakeMethod(cmdq.SubchannelHost, cmdq.HostSemAddrLo, 5).Word(),
		uint32(tlAddr), uint32(tlAddr >> 32), 3, 0,
		cmdq.SemOpRelease | cmdq.SemReleaseWFI | cmdq.SemPayloadSize64Bit | cmdq.SemReleaseTimestamp,
		cmdq.MakeMethod(cmdq.SubchannelHost, cmdq.HostNonStallInterrupt, 1).Word(), 0,
	}
	if got := dev.segment(cmdq.QueueCompute, 1); !slices.Equal(got, want) {
		t.Fatalf("segment: got %#x, want %#x", got, want)
	}
	if len(q.Staged()) != 0 {
		t.Fatalf("Staged after submit: %d words", len(q.Staged()))
	}
	if q.TimelineTarget() != 3 {
		t.Fatalf("TimelineTarget: got %d, want 3", q.TimelineTarget())
	}
	if dev.bells != 3 {
		t.Fatalf("doorbells: got %d, want 3", dev.bells)
	}
}

// TestQueueCrossClassOrdering tests that switching classes waits for the
// previous timeline value before releasing the next one.
func TestQueueCrossClassOrdering(t *testing.T) {
	dev := newFakeDevice(8)
	q := newQueue(t, dev, nil)
	_, tlAddr := dev.timeline()

	if err := q.StartExecution(cmdq.QueueCompute); err != nil {
		t.Fatalf("StartExecution(compute): %v", err)
	}
	if err := q.StartExecution(cmdq.QueueDMA); err != nil {
		t.Fatalf("StartExecution(dma): %v", err)
	}

	want := []uint32{
		cmdq.MakeMethod(cmdq.SubchannelHost, cmdq.HostSemAddrLo, 5).Word(),
		uint32(tlAddr), uint32(tlAddr >> 32), 3, 0,
		cmdq.SemOpAcqCircGEQ | cmdq.SemAcquireSwitchTSG | cmdq.SemPayloadSize64Bit,
		cmdq.MakeMethod(cmdq.SubchannelCopy, cmdq.CopySetSemaphoreA, 4).Word(),
		uint32(tlAddr >> 32), uint32(tlAddr), 4, 0,
		cmdq.MakeMethod(cmdq.SubchannelCopy, cmdq.CopyLaunchDMA, 1).Word(),
		cmdq.DMAFlushEnable | cmdq.DMASemaphoreFourWord,
	}
	if got := dev.segment(cmdq.QueueDMA, 1); !slices.Equal(got, want) {
		t.Fatalf("dma segment: got %#x, want %#x", got, want)
	}

	// Same class again: no wait.
	if err := q.StartExecution(cmdq.QueueDMA); err != nil {
		t.Fatalf("StartExecution(dma): %v", err)
	}
	if got := dev.segment(cmdq.QueueDMA, 2); len(got) != 7 {
		t.Fatalf("same-class segment: got %d words, want 7", len(got))
	}
	if q.TimelineTarget() != 5 {
		t.Fatalf("TimelineTarget: got %d, want 5", q.TimelineTarget())
	}
}

// TestQueuePageFull tests rotation of the queue page and the would-block
// result while earlier work is in flight.
func TestQueuePageFull(t *testing.T) {
	dev := newFakeDevice(8)
	q := newQueue(t, dev, func(b *cmdq.Builder) { b.PageSize(64) })

	binding := dev.segment(cmdq.QueueCompute, 0)

	// The compute binding occupies [0, 40). The first compute flush waits
	// for the copy binding before its release, 56 bytes in all, so it fits
	// only after rotation, and rotation needs the binding retired.
	for range 2 {
		err := q.StartExecution(cmdq.QueueCompute)
		if !errors.Is(err, cmdq.ErrQueuePageFull) || !cmdq.IsWouldBlock(err) {
			t.Fatalf("StartExecution over pending binding: got %v, want ErrQueuePageFull", err)
		}
		if cmdq.StatusOf(err) != cmdq.StatusSubmissionFailed {
			t.Fatalf("StatusOf: got %v", cmdq.StatusOf(err))
		}
	}
	if got := dev.segment(cmdq.QueueCompute, 0); !slices.Equal(got, binding) {
		t.Fatalf("pending binding overwritten: got %#x, want %#x", got, binding)
	}
	if len(q.Staged()) != 0 || q.TimelineTarget() != 2 || dev.fifos[cmdq.QueueCompute].GPPut() != 1 {
		t.Fatal("refused submission changed queue state")
	}

	dev.retire(1)
	if err := q.StartExecution(cmdq.QueueCompute); err != nil {
		t.Fatalf("StartExecution after binding retired: %v", err)
	}
	addr, words := cmdq.DecodeGPFifoEntry(dev.fifos[cmdq.QueueCompute].Entry(1))
	if addr != dev.page(cmdq.QueueCompute).GPUAddr || words != 14 {
		t.Fatalf("rotated segment: got (%#x, %d), want (page start, 14)", addr, words)
	}

	// An empty same-class flush is 32 bytes and does not fit behind it.
	for range 2 {
		if err := q.StartExecution(cmdq.QueueCompute); !errors.Is(err, cmdq.ErrQueuePageFull) {
			t.Fatalf("StartExecution on busy page: got %v, want ErrQueuePageFull", err)
		}
	}
	if q.TimelineTarget() != 3 || dev.fifos[cmdq.QueueCompute].GPPut() != 2 {
		t.Fatal("refused submission changed queue state")
	}

	dev.retire(3)
	if err := q.StartExecution(cmdq.QueueCompute); err != nil {
		t.Fatalf("StartExecution after retire: %v", err)
	}
	addr, words = cmdq.DecodeGPFifoEntry(dev.fifos[cmdq.QueueCompute].Entry(2))
	if addr != dev.page(cmdq.QueueCompute).GPUAddr || words != 8 {
		t.Fatalf("rotated segment: got (%#x, %d), want (page start, 8)", addr, words)
	}

	// A flush larger than the page can never fit.
	args := make([]uint32, 14)
	if err := q.Enqueue(cmdq.MakeMethod(cmdq.SubchannelCompute, 0x0200, len(args)), args...); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	err := q.StartExecution(cmdq.QueueCompute)
	if !errors.Is(err, cmdq.ErrSubmissionFailed) || cmdq.IsWouldBlock(err) {
		t.Fatalf("oversized flush: got %v, want non-retryable ErrSubmissionFailed", err)
	}
	if len(q.Staged()) != 15 {
		t.Fatalf("Staged after oversized flush: got %d words, want 15", len(q.Staged()))
	}
}

// TestQueueFifoFull tests the would-block result when the GPFIFO ring has no
// free slot.
func TestQueueFifoFull(t *testing.T) {
	dev := newFakeDevice(4)
	q := newQueue(t, dev, nil)

	for i := range 2 {
		if err := q.StartExecution(cmdq.QueueCompute); err != nil {
			t.Fatalf("StartExecution %d: %v", i, err)
		}
	}
	if err := q.StartExecution(cmdq.QueueCompute); !errors.Is(err, cmdq.ErrQueuePageFull) {
		t.Fatalf("StartExecution on full ring: got %v, want ErrQueuePageFull", err)
	}
	if q.TimelineTarget() != 4 {
		t.Fatalf("TimelineTarget: got %d, want 4", q.TimelineTarget())
	}
	dev.consume()
	if err := q.StartExecution(cmdq.QueueCompute); err != nil {
		t.Fatalf("StartExecution after consume: %v", err)
	}
}

// TestQueueDoorbellFailure tests that a published submission counts even if
// the doorbell fails.
func TestQueueDoorbellFailure(t *testing.T) {
	dev := newFakeDevice(8)
	q := newQueue(t, dev, nil)
	dev.failDoorbell = true

	err := q.StartExecution(cmdq.QueueDMA)
	if !errors.Is(err, cmdq.ErrSubmissionFailed) || !errors.Is(err, errInjected) {
		t.Fatalf("StartExecution: got %v, want ErrSubmissionFailed", err)
	}
	if q.TimelineTarget() != 3 || len(q.Staged()) != 0 {
		t.Fatalf("published submission not recorded: target=%d staged=%d", q.TimelineTarget(), len(q.Staged()))
	}
}

// TestQueueInvalidArguments tests argument validation on the queue surface.
func TestQueueInvalidArguments(t *testing.T) {
	dev := newFakeDevice(8)
	q := newQueue(t, dev, nil)
	foreign := cmdq.SignalAt(deviceMemory(cmdq.SignalSize, 0).Bytes)

	checks := map[string]error{
		"Enqueue":              q.Enqueue(cmdq.MakeMethod(cmdq.SubchannelCopy, cmdq.CopyLaunchDMA, 2), 1),
		"StartExecution":       q.StartExecution(cmdq.QueueType(9)),
		"SignalNotify foreign": q.SignalNotify(foreign, 1, cmdq.QueueDMA),
		"SignalWait foreign":   q.SignalWait(foreign, 1),
		"ReleaseSignal":        q.ReleaseSignal(foreign),
		"WriteValue":           q.WriteValue(0x1002, 1),
	}
	s, err := q.ObtainSignal()
	if err != nil {
		t.Fatalf("ObtainSignal: %v", err)
	}
	checks["SignalNotify type"] = q.SignalNotify(s, 1, cmdq.QueueType(9))
	tl, _ := dev.timeline()
	checks["ReleaseSignal timeline"] = q.ReleaseSignal(tl)

	for name, err := range checks {
		if !errors.Is(err, cmdq.ErrInvalidArgument) {
			t.Fatalf("%s: got %v, want ErrInvalidArgument", name, err)
		}
	}
	if len(q.Staged()) != 0 {
		t.Fatalf("rejected calls staged %d words", len(q.Staged()))
	}
}

// TestQueueBufferLimit tests that the terminating notify respects the buffer
// limit.
func TestQueueBufferLimit(t *testing.T) {
	dev := newFakeDevice(8)
	q := newQueue(t, dev, func(b *cmdq.Builder) { b.BufferLimit(15) })

	args := make([]uint32, 7)
	if err := q.Enqueue(cmdq.MakeMethod(cmdq.SubchannelCompute, 0x0200, len(args)), args...); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if err := q.StartExecution(cmdq.QueueCompute); !errors.Is(err, cmdq.ErrOutOfMemory) {
		t.Fatalf("StartExecution: got %v, want ErrOutOfMemory", err)
	}
	if len(q.Staged()) != 8 || q.TimelineTarget() != 2 {
		t.Fatalf("state changed: staged=%d target=%d", len(q.Staged()), q.TimelineTarget())
	}
}

// =============================================================================
// Signals and Await
// =============================================================================

// TestQueueSignalPool tests obtain and release through the queue.
func TestQueueSignalPool(t *testing.T) {
	dev := newFakeDevice(8)
	q := newQueue(t, dev, func(b *cmdq.Builder) { b.SignalPoolSize(4) })

	var held []*cmdq.Signal
	for range 3 {
		s, err := q.ObtainSignal()
		if err != nil {
			t.Fatalf("ObtainSignal: %v", err)
		}
		held = append(held, s)
	}
	if _, err := q.ObtainSignal(); !errors.Is(err, cmdq.ErrPoolExhausted) || !cmdq.IsWouldBlock(err) {
		t.Fatalf("ObtainSignal on empty pool: got %v, want ErrPoolExhausted", err)
	}

	held[1].Set(99)
	if err := q.ReleaseSignal(held[1]); err != nil {
		t.Fatalf("ReleaseSignal: %v", err)
	}
	if err := q.ReleaseSignal(held[1]); !errors.Is(err, cmdq.ErrInvalidArgument) {
		t.Fatalf("double ReleaseSignal: got %v, want ErrInvalidArgument", err)
	}
	s, err := q.ObtainSignal()
	if err != nil {
		t.Fatalf("ObtainSignal after release: %v", err)
	}
	if s != held[1] || s.Value() != 0 {
		t.Fatalf("recycled signal: got %p value %d, want %p value 0", s, s.Value(), held[1])
	}
}

// TestQueueSignalWait tests the acquire staged by SignalWait.
func TestQueueSignalWait(t *testing.T) {
	dev := newFakeDevice(8)
	q := newQueue(t, dev, nil)
	s, err := q.ObtainSignal()
	if err != nil {
		t.Fatalf("ObtainSignal: %v", err)
	}
	if err := q.SignalWait(s, 0x1_0000_0002); err != nil {
		t.Fatalf("SignalWait: %v", err)
	}
	got := q.Staged()
	if len(got) != 6 || got[0] != cmdq.MakeMethod(cmdq.SubchannelHost, cmdq.HostSemAddrLo, 5).Word() {
		t.Fatalf("Staged: got %#x", got)
	}
	if got[3] != 2 || got[4] != 1 {
		t.Fatalf("payload: got (%#x, %#x), want (0x2, 0x1)", got[3], got[4])
	}
	if got[5]&cmdq.SemOpMask != cmdq.SemOpAcqCircGEQ {
		t.Fatalf("operation: got %#x", got[5]&cmdq.SemOpMask)
	}
}

// TestQueueAwaitExecution tests await completion, timeout and cancellation
// without a device that executes.
func TestQueueAwaitExecution(t *testing.T) {
	dev := newFakeDevice(8)
	q := newQueue(t, dev, func(b *cmdq.Builder) { b.AwaitTimeout(5 * time.Millisecond) })

	if err := q.StartExecution(cmdq.QueueCompute); err != nil {
		t.Fatalf("StartExecution: %v", err)
	}
	err := q.AwaitExecution(context.Background())
	if !errors.Is(err, cmdq.ErrTimeout) || !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("AwaitExecution: got %v, want ErrTimeout", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err = q.AwaitExecution(ctx)
	if !errors.Is(err, cmdq.ErrTimeout) || !errors.Is(err, context.Canceled) {
		t.Fatalf("AwaitExecution canceled: got %v, want ErrTimeout", err)
	}

	dev.retire(3)
	if err := q.AwaitExecution(context.Background()); err != nil {
		t.Fatalf("AwaitExecution after retire: %v", err)
	}
	if q.TimelineValue() != 3 {
		t.Fatalf("TimelineValue: got %d, want 3", q.TimelineValue())
	}
}
