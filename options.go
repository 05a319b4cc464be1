// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package cmdq

import "time"

// Default queue configuration.
const (
	DefaultSignalPoolSize = 64
	DefaultPageSize       = 64 << 10
	DefaultBufferLimit    = 1 << 20 // words
	DefaultAwaitTimeout   = 10 * time.Second
)

// Options configures a command queue.
type Options struct {
	// Resources
	signalPoolSize int
	pageSize       int
	bufferLimit    int

	// Synchronization
	awaitTimeout time.Duration

	// Engine classes bound with SET_OBJECT at Init
	computeClass uint32
	copyClass    uint32
}

// Builder creates command queues with fluent configuration.
//
// Example:
//
//	q := cmdq.New(dev).SignalPoolSize(128).PageSize(1 << 20).Build()
//	if err := q.Init(); err != nil {
//	    return err
//	}
//	defer q.Close()
type Builder struct {
	dev  Device
	opts Options
}

// New creates a queue builder bound to dev with default options.
//
// Panics if dev is nil.
func New(dev Device) *Builder {
	if dev == nil {
		panic("cmdq: nil device")
	}
	return &Builder{dev: dev, opts: Options{
		signalPoolSize: DefaultSignalPoolSize,
		pageSize:       DefaultPageSize,
		bufferLimit:    DefaultBufferLimit,
		awaitTimeout:   DefaultAwaitTimeout,
		computeClass:   DefaultComputeClass,
		copyClass:      DefaultCopyClass,
	}}
}

// SignalPoolSize sets the number of signals in the pool.
// One signal is reserved for the timeline. Panics if n < 2.
func (b *Builder) SignalPoolSize(n int) *Builder {
	if n < 2 {
		panic("cmdq: signal pool size must be >= 2")
	}
	b.opts.signalPoolSize = n
	return b
}

// PageSize sets the byte capacity of each queue page.
// Rounds up to a multiple of 4. Panics if n < 64.
func (b *Builder) PageSize(n int) *Builder {
	if n < 64 {
		panic("cmdq: page size must be >= 64")
	}
	b.opts.pageSize = (n + 3) &^ 3
	return b
}

// BufferLimit caps the staged command buffer at n words.
// Enqueue past the cap returns ErrOutOfMemory. n <= 0 removes the cap.
func (b *Builder) BufferLimit(n int) *Builder {
	b.opts.bufferLimit = n
	return b
}

// AwaitTimeout bounds AwaitExecution. d <= 0 waits until the context ends.
func (b *Builder) AwaitTimeout(d time.Duration) *Builder {
	b.opts.awaitTimeout = d
	return b
}

// Classes sets the compute and copy engine classes bound at Init.
func (b *Builder) Classes(compute, dma uint32) *Builder {
	b.opts.computeClass = compute
	b.opts.copyClass = dma
	return b
}

// Build creates the command queue. The queue is unusable until Init
// succeeds.
func (b *Builder) Build() *CommandQueue {
	return &CommandQueue{
		dev:  b.dev,
		opts: b.opts,
		buf:  NewCommandBuffer(b.opts.bufferLimit),
	}
}
