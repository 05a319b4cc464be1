// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package cmdq

import "fmt"

// queuePage is a device-visible pushbuffer page with an append cursor.
//
// Flushed command buffers are copied in at the cursor. When the tail is too
// short for a flush the cursor rotates back to 0, but only after every
// submission written into the page has retired; until then the flush is
// refused with ErrQueuePageFull.
type queuePage struct {
	mem        Memory
	writeOff   int
	lastTarget uint64 // Timeline target of the newest submission in the page
}

// place reserves n bytes and returns their offset.
// retired is the device-visible timeline value.
func (p *queuePage) place(n int, retired uint64) (int, error) {
	size := len(p.mem.Bytes)
	if n > size {
		return 0, fmt.Errorf("%w: flush of %d bytes exceeds queue page of %d", ErrSubmissionFailed, n, size)
	}
	if p.writeOff+n <= size {
		return p.writeOff, nil
	}
	if retired < p.lastTarget {
		return 0, ErrQueuePageFull
	}
	p.writeOff = 0
	return 0, nil
}

// commit advances the cursor past n bytes written at off.
func (p *queuePage) commit(off, n int, target uint64) {
	p.writeOff = off + n
	p.lastTarget = target
}

func (p *queuePage) gpuAddr(off int) uint64 {
	return p.mem.GPUAddr + uint64(off)
}
