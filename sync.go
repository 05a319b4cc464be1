// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package cmdq

import (
	"context"
	"fmt"
	"time"

	"code.hybscloud.com/iox"
)

// interruptPoll bounds the sleep between polls of the timeline. With an
// interrupt source it covers interrupts consumed by another waiter.
const interruptPoll = time.Millisecond

// signalNotify stages a release of s to target on the stream of class t.
// Caller holds q.mu.
func (q *CommandQueue) signalNotify(s *Signal, target uint64, t QueueType) error {
	addr, err := q.pool.GPUAddr(s)
	if err != nil {
		return err
	}
	mark := q.buf.Len()
	switch t {
	case QueueCompute:
		err = q.buf.Enqueue(MakeMethod(SubchannelHost, HostSemAddrLo, 5),
			lo32(addr), hi32(addr), lo32(target), hi32(target), semNotifyExecute)
		if err == nil {
			err = q.buf.Enqueue(MakeMethod(SubchannelHost, HostNonStallInterrupt, 1), 0)
		}
	case QueueDMA:
		err = q.buf.Enqueue(MakeMethod(SubchannelCopy, CopySetSemaphoreA, 4),
			hi32(addr), lo32(addr), lo32(target), hi32(target))
		if err == nil {
			err = q.buf.Enqueue(MakeMethod(SubchannelCopy, CopyLaunchDMA, 1), dmaNotifyLaunch)
		}
	default:
		return fmt.Errorf("%w: queue type %d", ErrInvalidArgument, t)
	}
	if err != nil {
		q.buf.truncate(mark)
	}
	return err
}

// signalWait stages an acquire of s at target or later.
// Caller holds q.mu.
func (q *CommandQueue) signalWait(s *Signal, target uint64) error {
	addr, err := q.pool.GPUAddr(s)
	if err != nil {
		return err
	}
	return q.buf.Enqueue(MakeMethod(SubchannelHost, HostSemAddrLo, 5),
		lo32(addr), hi32(addr), lo32(target), hi32(target), semWaitExecute)
}

// awaitSignal blocks until s reaches target.
//
// Polls with [iox.Backoff]. When dev implements [InterruptSource], sleeps
// on its interrupt channel between polls instead. The wait is bounded by
// timeout (if > 0) and ctx; either ending yields ErrTimeout wrapping the
// context error.
func awaitSignal(ctx context.Context, dev Device, s *Signal, target uint64, timeout time.Duration) error {
	if s.Value() >= target {
		return nil
	}
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	var irq <-chan struct{}
	if src, ok := dev.(InterruptSource); ok {
		irq = src.Interrupts()
	}
	var timer *time.Timer
	if irq != nil {
		timer = time.NewTimer(interruptPoll)
		defer timer.Stop()
	}

	backoff := iox.Backoff{}
	backoff.SetMax(interruptPoll)
	for {
		if s.Value() >= target {
			return nil
		}
		if err := ctx.Err(); err != nil {
			Logger().Warn("cmdq: await timed out", "target", target, "value", s.Value())
			return fmt.Errorf("%w: timeline %d of %d: %w", ErrTimeout, s.Value(), target, err)
		}
		if irq == nil {
			backoff.Wait()
			continue
		}
		select {
		case <-irq:
		case <-ctx.Done():
		case <-timer.C:
		}
		timer.Reset(interruptPoll)
	}
}
