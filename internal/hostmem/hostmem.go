// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

//go:build unix

// Package hostmem maps anonymous shared memory for device-visible buffers.
//
// Mappings are page aligned, zero filled and never moved by the Go runtime,
// so their addresses can be handed to a device.
package hostmem

import (
	"unsafe"

	"golang.org/x/sys/unix"
)

// Map returns size bytes of zeroed, page-aligned shared memory.
func Map(size int) ([]byte, error) {
	if size <= 0 {
		return nil, unix.EINVAL
	}
	page := unix.Getpagesize()
	n := (size + page - 1) &^ (page - 1)
	b, err := unix.Mmap(-1, 0, n, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_SHARED)
	if err != nil {
		return nil, err
	}
	return b[:size], nil
}

// Unmap releases a mapping returned by Map.
func Unmap(b []byte) error {
	return unix.Munmap(b[:cap(b)])
}

// Addr returns the address of the first byte of b.
func Addr(b []byte) uint64 {
	return uint64(uintptr(unsafe.Pointer(unsafe.SliceData(b))))
}
