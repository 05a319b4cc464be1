// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package cmdq

// Method is a packed pushbuffer method header.
//
// Bit layout (low 32 bits, upper bits zero):
//
//	[31:28] type        hardware SEC_OP shifted left by one
//	[27:16] size        number of argument words that follow
//	[15:13] subchannel  engine bound with SET_OBJECT
//	[12:0]  address     method byte offset >> 2
//
// The size field must equal the number of argument words appended after
// the header. The device parser has no way to detect a mismatch.
type Method uint64

// Method types.
const (
	MethodTypeIncreasing    = 2  // address advances by 4 for every argument
	MethodTypeNonIncreasing = 6  // every argument targets the same address
	MethodTypeIncreaseOnce  = 10 // first argument at address, the rest at address+4
)

// MakeMethod encodes an incrementing method header.
func MakeMethod(subc, method, size int) Method {
	return MakeMethodType(subc, method, size, MethodTypeIncreasing)
}

// MakeMethodType encodes a method header with an explicit type.
// Ranges are not checked: subc < 8, method < 0x8000 and 4-aligned,
// size < 0x1000, typ < 16.
func MakeMethodType(subc, method, size, typ int) Method {
	return Method(uint64(typ)<<28 | uint64(size)<<16 | uint64(subc)<<13 | uint64(method)>>2)
}

// Subchannel returns the subchannel field.
func (m Method) Subchannel() int {
	return int(m>>13) & 0x7
}

// Address returns the method byte offset within the subchannel's class.
func (m Method) Address() int {
	return int(m&0x1fff) << 2
}

// Size returns the argument count.
func (m Method) Size() int {
	return int(m>>16) & 0xfff
}

// Type returns the method type.
func (m Method) Type() int {
	return int(m>>28) & 0xf
}

// Word returns the header as it appears in the pushbuffer.
func (m Method) Word() uint32 {
	return uint32(m)
}
