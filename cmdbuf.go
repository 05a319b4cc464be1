// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package cmdq

import (
	"encoding/binary"
	"fmt"
)

// CommandBuffer accumulates method headers and their arguments in
// execution order.
//
// Format:
//
//	header (Method.Word) | arg0 | arg1 | ... | argN-1 | header | ...
//
// CommandBuffer is not safe for concurrent use.
type CommandBuffer struct {
	words []uint32
	limit int
}

// NewCommandBuffer creates a command buffer holding at most limit words.
// A limit <= 0 means unbounded.
func NewCommandBuffer(limit int) *CommandBuffer {
	return &CommandBuffer{limit: limit}
}

// Enqueue appends m followed by args.
//
// Returns ErrInvalidArgument if len(args) differs from m.Size(), and
// ErrOutOfMemory if the words would exceed the buffer limit. The buffer is
// unchanged on error.
func (b *CommandBuffer) Enqueue(m Method, args ...uint32) error {
	if m.Size() != len(args) {
		return fmt.Errorf("%w: method %#x expects %d arguments, got %d", ErrInvalidArgument, m.Address(), m.Size(), len(args))
	}
	n := len(b.words) + 1 + len(args)
	if b.limit > 0 && n > b.limit {
		return fmt.Errorf("%w: command buffer limit %d words", ErrOutOfMemory, b.limit)
	}
	b.words = append(b.words, m.Word())
	b.words = append(b.words, args...)
	return nil
}

// Words returns the staged words. The slice aliases the buffer until the
// next Enqueue or Reset.
func (b *CommandBuffer) Words() []uint32 {
	return b.words
}

// Len returns the number of staged words.
func (b *CommandBuffer) Len() int {
	return len(b.words)
}

// Size returns the number of staged bytes.
func (b *CommandBuffer) Size() int {
	return len(b.words) * 4
}

// CopyTo writes the staged words to dst in little-endian order and returns
// the number of bytes written. dst must hold at least Size bytes.
func (b *CommandBuffer) CopyTo(dst []byte) int {
	_ = dst[:b.Size()]
	for i, w := range b.words {
		binary.LittleEndian.PutUint32(dst[i*4:], w)
	}
	return b.Size()
}

// Reset discards the staged words and keeps the allocation.
func (b *CommandBuffer) Reset() {
	b.words = b.words[:0]
}

// truncate drops words staged after mark.
func (b *CommandBuffer) truncate(mark int) {
	b.words = b.words[:mark]
}
