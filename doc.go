// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package cmdq builds GPU pushbuffer command streams and submits them to
// the compute and copy channels of a device.
//
// A [CommandQueue] stages method headers and arguments in a
// [CommandBuffer], copies them into a device-visible queue page on
// [CommandQueue.StartExecution], publishes a GPFIFO entry and rings the
// channel doorbell. Completion is tracked with a timeline: every submission
// ends with a release of the queue's timeline [Signal] to the next counter
// value, and [CommandQueue.AwaitExecution] waits for that value.
//
// # Quick Start
//
//	q := cmdq.New(dev).Build()
//	if err := q.Init(); err != nil {
//	    return err
//	}
//	defer q.Close()
//
//	q.WriteValue(addr, 42)
//	if err := q.StartExecution(cmdq.QueueDMA); err != nil {
//	    return err
//	}
//	if err := q.AwaitExecution(ctx); err != nil {
//	    return err
//	}
//
// # Method Encoding
//
// A method header packs the subchannel, method address, argument count and
// type into one word:
//
//	m := cmdq.MakeMethod(cmdq.SubchannelCopy, cmdq.CopyLaunchDMA, 1) // 0x200180c0
//	q.Enqueue(m, launchFlags)
//
// The argument count in the header must match the arguments that follow.
// [CommandQueue.Enqueue] rejects a mismatch with [ErrInvalidArgument].
//
// # Synchronization
//
// Signals are 16-byte device records taken from a fixed [SignalPool].
// [CommandQueue.SignalNotify] stages a release on one stream and
// [CommandQueue.SignalWait] stages an acquire; a notify on the copy stream
// paired with a wait on the compute stream orders work across the two:
//
//	s, _ := q.ObtainSignal()
//	q.Copy(dst, src, n)
//	q.SignalNotify(s, 1, cmdq.QueueDMA)
//	q.StartExecution(cmdq.QueueDMA)
//
//	q.SignalWait(s, 1)
//	q.StartExecution(cmdq.QueueCompute)
//	q.AwaitExecution(ctx)
//	q.ReleaseSignal(s)
//
// A signal must not be released while a submitted command still refers to
// it.
//
// # Error Handling
//
// Every operation returns an error carrying one [Status] of a closed set.
// Match with [errors.Is] against the sentinels or recover the status with
// [StatusOf]. Resource exhaustion is a control flow signal sourced from
// [code.hybscloud.com/iox]:
//
//	for {
//	    err := q.StartExecution(cmdq.QueueCompute)
//	    if !cmdq.IsWouldBlock(err) {
//	        return err
//	    }
//	    if err := q.AwaitExecution(ctx); err != nil {
//	        return err
//	    }
//	}
//
// [ErrPoolExhausted] and [ErrQueuePageFull] are would-block errors.
//
// # Queue Pages
//
// Each queue class owns one page. Flushes are appended at a cursor; when
// the tail cannot hold a flush the cursor rotates to the start of the page
// once everything previously written into the page has retired. Until then
// StartExecution returns [ErrQueuePageFull] and keeps the staged commands.
// The engine class bindings written by Init are fenced by the timeline like
// any other flush.
//
// Pushbuffer segments must lie below [GPFifoAddrLimit], the reach of a
// GPFIFO entry.
//
// # Thread Safety
//
// A CommandQueue serializes staging and submission with a mutex. The signal
// pool's free list is lock-free. AwaitExecution does not hold the mutex
// while waiting, but must not race with Close.
//
// # Dependencies
//
// This package uses [code.hybscloud.com/iox] for semantic errors and
// backoff, [code.hybscloud.com/atomix] for ordered access to device-visible
// words, [code.hybscloud.com/spin] for CAS retry pauses, and
// gvisor.dev/gvisor/pkg/abi/nvgpu for engine class numbers.
package cmdq
