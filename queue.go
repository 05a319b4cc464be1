// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package cmdq

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// CommandQueue stages pushbuffer commands and submits them to the compute
// and copy channels of a device.
//
// Lifecycle: Build → Init → (Enqueue... → StartExecution → AwaitExecution)*
// → Close. Every operation before Init succeeds, or after Close, returns
// ErrNotInitialized and leaves the queue untouched.
//
// The timeline signal is released with an increasing target at the end of
// every submission, including the class bindings made by Init.
// AwaitExecution waits for the newest target, which implies that all
// earlier submissions on both classes have completed. A queue page region is
// reused only after the target of the submission occupying it has retired.
//
// Staging and submission are serialized by an internal mutex, so a queue may
// be shared between goroutines. Close must not race with AwaitExecution.
type CommandQueue struct {
	mu   sync.Mutex
	dev  Device
	opts Options

	initialized bool
	buf         *CommandBuffer
	pages       [2]queuePage
	fifos       [2]*GPFifo
	pool        *SignalPool
	timeline    *Signal
	timelineCtr uint64
	lastClass   QueueType
	submitted   bool
}

// Init maps the compute and copy queue pages, the signal pool and the
// timeline signal, and binds the engine classes on their subchannels. Each
// binding is submitted like a StartExecution, so the timeline reads 2 once
// the device has executed both.
//
// On failure every partial allocation is released and the queue stays
// unusable. If a binding was already published, the release first waits up
// to the await timeout for the device to retire it; when that wait fails
// the memory is left mapped and a warning is logged. Calling Init on an
// initialized queue returns ErrInvalidArgument.
func (q *CommandQueue) Init() (err error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.initialized {
		return fmt.Errorf("%w: queue already initialized", ErrInvalidArgument)
	}

	var allocs []Memory
	q.timelineCtr, q.submitted = 0, false
	defer func() {
		if err == nil {
			return
		}
		if q.timelineCtr > 0 {
			// The device may still fetch published bindings from the pages.
			timeout := q.opts.awaitTimeout
			if timeout <= 0 {
				timeout = DefaultAwaitTimeout
			}
			if werr := awaitSignal(context.Background(), q.dev, q.timeline, q.timelineCtr, timeout); werr != nil {
				Logger().Warn("cmdq: init unwind leaves device memory mapped", "target", q.timelineCtr, "err", werr)
				allocs = nil
			}
		}
		for _, m := range allocs {
			if ferr := q.dev.Free(m); ferr != nil {
				Logger().Warn("cmdq: free during init unwind", "addr", m.GPUAddr, "err", ferr)
			}
		}
		q.pages = [2]queuePage{}
		q.fifos = [2]*GPFifo{}
		q.pool, q.timeline = nil, nil
		q.timelineCtr, q.submitted = 0, false
		q.buf.Reset()
	}()

	for _, t := range []QueueType{QueueCompute, QueueDMA} {
		fifo, err := q.dev.Channel(t)
		if err != nil {
			return fmt.Errorf("%w: %s channel: %w", ErrSubmissionFailed, t, err)
		}
		mem, err := q.dev.Alloc(q.opts.pageSize)
		if err != nil {
			return fmt.Errorf("%w: %s queue page: %w", ErrOutOfMemory, t, err)
		}
		allocs = append(allocs, mem)
		q.fifos[t] = fifo
		q.pages[t] = queuePage{mem: mem}
	}

	mem, err := q.dev.Alloc(q.opts.signalPoolSize * SignalSize)
	if err != nil {
		return fmt.Errorf("%w: signal pool: %w", ErrOutOfMemory, err)
	}
	allocs = append(allocs, mem)
	if q.pool, err = NewSignalPool(mem, q.opts.signalPoolSize); err != nil {
		return err
	}
	if q.timeline, err = q.pool.Obtain(); err != nil {
		return err
	}

	bind := []struct {
		t     QueueType
		subc  int
		class uint32
	}{
		{QueueCompute, SubchannelCompute, q.opts.computeClass},
		{QueueDMA, SubchannelCopy, q.opts.copyClass},
	}
	for _, b := range bind {
		if err := q.buf.Enqueue(MakeMethod(b.subc, SetObject, 1), b.class); err != nil {
			return err
		}
		if err := q.flush(b.t); err != nil {
			return err
		}
	}

	q.initialized = true
	Logger().Info("cmdq: queue initialized",
		"signals", q.opts.signalPoolSize, "page_size", q.opts.pageSize,
		"compute_class", q.opts.computeClass, "copy_class", q.opts.copyClass)
	return nil
}

// Close releases the queue pages and the signal pool. Work still running on
// the device must have been awaited. The queue returns to the unusable
// state; Init may be called again.
func (q *CommandQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.initialized {
		return ErrNotInitialized
	}
	var errs []error
	for _, m := range []Memory{q.pages[QueueCompute].mem, q.pages[QueueDMA].mem, q.pool.Memory()} {
		if err := q.dev.Free(m); err != nil {
			errs = append(errs, err)
		}
	}
	q.initialized = false
	q.pages = [2]queuePage{}
	q.fifos = [2]*GPFifo{}
	q.pool, q.timeline = nil, nil
	q.buf.Reset()
	Logger().Info("cmdq: queue closed", "timeline", q.timelineCtr)
	return errors.Join(errs...)
}

// Enqueue stages m followed by args.
// Returns ErrInvalidArgument if len(args) differs from m.Size() and
// ErrOutOfMemory if the buffer limit is reached.
func (q *CommandQueue) Enqueue(m Method, args ...uint32) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.initialized {
		return ErrNotInitialized
	}
	return q.buf.Enqueue(m, args...)
}

// ObtainSignal takes a signal from the pool with its payload reset to 0.
// Returns ErrPoolExhausted when none is free.
func (q *CommandQueue) ObtainSignal() (*Signal, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.initialized {
		return nil, ErrNotInitialized
	}
	return q.pool.Obtain()
}

// ReleaseSignal returns s to the pool. Every submitted command that
// references s must have retired.
func (q *CommandQueue) ReleaseSignal(s *Signal) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.initialized {
		return ErrNotInitialized
	}
	if s == q.timeline {
		return fmt.Errorf("%w: timeline signal is owned by the queue", ErrInvalidArgument)
	}
	return q.pool.Release(s)
}

// SignalNotify stages a release of s to target on the stream of class t.
// The device performs it once all earlier commands of that stream are done.
func (q *CommandQueue) SignalNotify(s *Signal, target uint64, t QueueType) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.initialized {
		return ErrNotInitialized
	}
	return q.signalNotify(s, target, t)
}

// SignalWait stages an acquire that stalls the stream until the payload of
// s is at least target.
func (q *CommandQueue) SignalWait(s *Signal, target uint64) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.initialized {
		return ErrNotInitialized
	}
	return q.signalWait(s, target)
}

// Copy stages a linear copy of n bytes from src to dst on the copy engine.
// Submit with StartExecution(QueueDMA).
func (q *CommandQueue) Copy(dst, src uint64, n uint32) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.initialized {
		return ErrNotInitialized
	}
	mark := q.buf.Len()
	err := q.buf.Enqueue(MakeMethod(SubchannelCopy, CopyOffsetInUpper, 4), hi32(src), lo32(src), hi32(dst), lo32(dst))
	if err == nil {
		err = q.buf.Enqueue(MakeMethod(SubchannelCopy, CopyLineLengthIn, 1), n)
	}
	if err == nil {
		err = q.buf.Enqueue(MakeMethod(SubchannelCopy, CopyLaunchDMA, 1), dmaCopyLaunch)
	}
	if err != nil {
		q.buf.truncate(mark)
	}
	return err
}

// WriteValue stages a 32-bit write of v to addr on the copy engine.
// Submit with StartExecution(QueueDMA).
func (q *CommandQueue) WriteValue(addr uint64, v uint32) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.initialized {
		return ErrNotInitialized
	}
	if addr&3 != 0 {
		return fmt.Errorf("%w: unaligned address %#x", ErrInvalidArgument, addr)
	}
	mark := q.buf.Len()
	err := q.buf.Enqueue(MakeMethod(SubchannelCopy, CopySetSemaphoreA, 3), hi32(addr), lo32(addr), v)
	if err == nil {
		err = q.buf.Enqueue(MakeMethod(SubchannelCopy, CopyLaunchDMA, 1), dmaWriteLaunch)
	}
	if err != nil {
		q.buf.truncate(mark)
	}
	return err
}

// StartExecution flushes the staged commands to the channel of class t,
// terminated by a release of the timeline signal to the next target.
//
// Returns ErrQueuePageFull when the page or the GPFIFO ring is still busy
// with earlier work; the staged commands are kept and the call may be
// retried after AwaitExecution.
func (q *CommandQueue) StartExecution(t QueueType) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.initialized {
		return ErrNotInitialized
	}
	if !t.valid() {
		return fmt.Errorf("%w: queue type %d", ErrInvalidArgument, t)
	}
	return q.flush(t)
}

// AwaitExecution blocks until the device has completed the most recent
// StartExecution.
//
// The wait ends with ErrTimeout after the configured await timeout or when
// ctx is done. Before any StartExecution it waits for the class bindings
// submitted by Init.
func (q *CommandQueue) AwaitExecution(ctx context.Context) error {
	q.mu.Lock()
	if !q.initialized {
		q.mu.Unlock()
		return ErrNotInitialized
	}
	sig, target := q.timeline, q.timelineCtr
	q.mu.Unlock()

	return awaitSignal(ctx, q.dev, sig, target, q.opts.awaitTimeout)
}

// TimelineTarget returns the timeline value of the most recent submission.
func (q *CommandQueue) TimelineTarget() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.timelineCtr
}

// TimelineValue returns the device-visible timeline value, or 0 if the
// queue is not initialized.
func (q *CommandQueue) TimelineValue() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.initialized {
		return 0
	}
	return q.timeline.Value()
}

// Staged returns a copy of the staged command words.
func (q *CommandQueue) Staged() []uint32 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]uint32(nil), q.buf.Words()...)
}

// flush terminates the staged commands with a release of the timeline to
// the next target and submits them to class t. Work on the other class is
// awaited first so that the timeline stays monotonic. If the submission is
// refused, the staged commands are left as they were.
// Caller holds q.mu.
func (q *CommandQueue) flush(t QueueType) error {
	mark := q.buf.Len()
	target := q.timelineCtr + 1
	var err error
	if q.submitted && q.lastClass != t {
		err = q.signalWait(q.timeline, q.timelineCtr)
	}
	if err == nil {
		err = q.signalNotify(q.timeline, target, t)
	}
	if err != nil {
		q.buf.truncate(mark)
		return err
	}

	published, err := q.submitToFifo(t, target)
	if !published {
		q.buf.truncate(mark)
		return err
	}
	q.timelineCtr = target
	q.lastClass = t
	q.submitted = true
	q.buf.Reset()
	return err
}

// submitToFifo copies the staged words into the page of class t, pushes a
// GPFIFO entry and rings the doorbell. The page region stays reserved until
// the timeline reaches target. published reports whether the entry became
// visible to the device; a doorbell failure after publishing still returns
// an error.
func (q *CommandQueue) submitToFifo(t QueueType, target uint64) (published bool, err error) {
	page, fifo := &q.pages[t], q.fifos[t]
	n := q.buf.Size()
	retired := q.timeline.Value()
	rotateFrom := page.writeOff
	off, err := page.place(n, retired)
	if err != nil {
		return false, err
	}
	if off == 0 && rotateFrom != 0 {
		Logger().Debug("cmdq: queue page rotated", "queue", t, "from", rotateFrom)
	}
	q.buf.CopyTo(page.mem.Bytes[off:])
	if err := fifo.Push(page.gpuAddr(off), q.buf.Len()); err != nil {
		return false, err
	}
	page.commit(off, n, target)
	Logger().Debug("cmdq: submitted", "queue", t, "words", q.buf.Len(), "offset", off, "target", target)
	if err := q.dev.Doorbell(fifo.Token()); err != nil {
		return true, fmt.Errorf("%w: doorbell %d: %w", ErrSubmissionFailed, fifo.Token(), err)
	}
	return true, nil
}
