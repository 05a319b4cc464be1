// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

//go:build unix

package sim

import (
	"errors"
	"fmt"
	"time"
	"unsafe"

	"code.hybscloud.com/atomix"
	"code.hybscloud.com/cmdq"
	"code.hybscloud.com/cmdq/internal/hostmem"
	"code.hybscloud.com/iox"
)

// methodWords is the number of method registers of a subchannel.
const methodWords = 0x8000 / 4

// acquirePoll bounds the sleep between semaphore reads of a stalled channel.
const acquirePoll = 100 * time.Microsecond

// channel is one GPFIFO channel and its command processor.
type channel struct {
	dev   *Device
	typ   cmdq.QueueType
	token uint32
	ring  []byte
	userd []byte
	fifo  *cmdq.GPFifo
	bell  chan struct{}

	// Method registers per subchannel, indexed by address/4.
	regs    [8][]uint32
	classes [8]atomix.Uint32
}

func newChannel(d *Device, t cmdq.QueueType, entries uint32) (*channel, error) {
	ring, err := hostmem.Map(int(entries) * 8)
	if err != nil {
		return nil, err
	}
	userd, err := hostmem.Map(cmdq.USERDSize)
	if err != nil {
		_ = hostmem.Unmap(ring)
		return nil, err
	}
	ch := &channel{
		dev:   d,
		typ:   t,
		token: uint32(t) + 1,
		ring:  ring,
		userd: userd,
		bell:  make(chan struct{}, 1),
	}
	ch.fifo, err = cmdq.NewGPFifo(
		cmdq.Memory{Bytes: ring, GPUAddr: hostmem.Addr(ring)},
		cmdq.Memory{Bytes: userd, GPUAddr: hostmem.Addr(userd)},
		entries, ch.token)
	if err != nil {
		ch.release()
		return nil, err
	}
	for i := range ch.regs {
		ch.regs[i] = make([]uint32, methodWords)
	}
	ch.classes[cmdq.SubchannelHost].StoreRelaxed(cmdq.DefaultChannelClass)
	return ch, nil
}

func (ch *channel) release() error {
	return errors.Join(hostmem.Unmap(ch.ring), hostmem.Unmap(ch.userd))
}

// run fetches and executes entries until the device closes.
func (ch *channel) run() {
	defer ch.dev.wg.Done()
	for {
		select {
		case <-ch.dev.done:
			return
		case <-ch.bell:
		}
		if err := ch.drain(); err != nil {
			if !errors.Is(err, ErrClosed) {
				ch.dev.raise(fmt.Errorf("sim: %s channel: %w", ch.typ, err))
			}
			return
		}
	}
}

// drain executes entries from GPGet up to GPPut.
func (ch *channel) drain() error {
	for {
		if ch.dev.stalled.LoadAcquire() {
			return nil
		}
		get, put := ch.fifo.GPGet(), ch.fifo.GPPut()
		if get == put {
			return nil
		}
		addr, words := cmdq.DecodeGPFifoEntry(ch.fifo.Entry(get))
		ch.fifo.SetGPGet(get + 1)
		seg, err := ch.dev.resolve(addr, words*4)
		if err != nil {
			return err
		}
		if err := ch.exec(seg); err != nil {
			return err
		}
	}
}

// exec runs a pushbuffer segment.
func (ch *channel) exec(seg []byte) error {
	n := len(seg) / 4
	word := func(i int) uint32 {
		return *(*uint32)(unsafe.Pointer(&seg[i*4]))
	}
	for i := 0; i < n; {
		m := cmdq.Method(word(i))
		i++
		if i+m.Size() > n {
			return fmt.Errorf("method %#x overruns segment", m.Address())
		}
		for k := range m.Size() {
			addr := m.Address()
			switch m.Type() {
			case cmdq.MethodTypeIncreasing:
				addr += 4 * k
			case cmdq.MethodTypeIncreaseOnce:
				addr += 4 * min(k, 1)
			}
			if addr >= methodWords*4 {
				return fmt.Errorf("method %#x past the end of subchannel %d", addr, m.Subchannel())
			}
			ch.regs[m.Subchannel()][addr/4] = word(i + k)
			if err := ch.trigger(m.Subchannel(), addr); err != nil {
				return err
			}
		}
		i += m.Size()
	}
	return nil
}

func (ch *channel) reg(subc, addr int) uint32 {
	return ch.regs[subc][addr/4]
}

func (ch *channel) reg64(subc, hiAddr, loAddr int) uint64 {
	return uint64(ch.reg(subc, hiAddr))<<32 | uint64(ch.reg(subc, loAddr))
}

// trigger performs the side effect of writing method addr on subc.
func (ch *channel) trigger(subc, addr int) error {
	switch {
	case addr == cmdq.SetObject:
		ch.classes[subc].StoreRelease(ch.reg(subc, addr))
	case subc == cmdq.SubchannelHost && addr == cmdq.HostNonStallInterrupt:
		ch.dev.interrupt()
	case subc == cmdq.SubchannelHost && addr == cmdq.HostSemExecute:
		return ch.hostSemaphore()
	case subc == cmdq.SubchannelCopy && addr == cmdq.CopyLaunchDMA:
		if ch.classes[subc].LoadRelaxed() == 0 {
			return fmt.Errorf("launch on unbound subchannel %d", subc)
		}
		return ch.launchDMA()
	}
	return nil
}

func (ch *channel) hostSemaphore() error {
	const h = cmdq.SubchannelHost
	exec := ch.reg(h, cmdq.HostSemExecute)
	addr := ch.reg64(h, cmdq.HostSemAddrHi, cmdq.HostSemAddrLo)
	payload := uint64(ch.reg(h, cmdq.HostSemPayloadLo))
	wide := exec&cmdq.SemPayloadSize64Bit != 0
	if wide {
		payload |= uint64(ch.reg(h, cmdq.HostSemPayloadHi)) << 32
	}
	size := 4
	if wide || exec&cmdq.SemReleaseTimestamp != 0 {
		size = cmdq.SignalSize
	}
	mem, err := ch.dev.resolve(addr, size)
	if err != nil {
		return err
	}

	switch exec & cmdq.SemOpMask {
	case cmdq.SemOpRelease:
		if wide {
			word64(mem).StoreRelease(payload)
		} else {
			word32(mem).StoreRelease(uint32(payload))
		}
		if exec&cmdq.SemReleaseTimestamp != 0 {
			word64(mem[8:]).StoreRelease(uint64(time.Now().UnixNano()))
		}
		return nil
	case cmdq.SemOpAcquire:
		return ch.acquire(mem, wide, func(v uint64) bool { return v == payload })
	case cmdq.SemOpAcqStrictGEQ, cmdq.SemOpAcqCircGEQ:
		return ch.acquire(mem, wide, func(v uint64) bool { return v >= payload })
	}
	return fmt.Errorf("unsupported semaphore operation %#x", exec&cmdq.SemOpMask)
}

// acquire stalls the channel until ok accepts the semaphore value.
func (ch *channel) acquire(mem []byte, wide bool, ok func(uint64) bool) error {
	load := func() uint64 {
		if wide {
			return word64(mem).LoadAcquire()
		}
		return uint64(word32(mem).LoadAcquire())
	}
	backoff := iox.Backoff{}
	backoff.SetMax(acquirePoll)
	for !ok(load()) {
		select {
		case <-ch.dev.done:
			return ErrClosed
		default:
		}
		backoff.Wait()
	}
	return nil
}

func (ch *channel) launchDMA() error {
	const c = cmdq.SubchannelCopy
	launch := ch.reg(c, cmdq.CopyLaunchDMA)

	if launch&cmdq.DMATransferMask != cmdq.DMATransferNone {
		src := ch.reg64(c, cmdq.CopyOffsetInUpper, cmdq.CopyOffsetInLower)
		dst := ch.reg64(c, cmdq.CopyOffsetOutUpper, cmdq.CopyOffsetOutLower)
		n := int(ch.reg(c, cmdq.CopyLineLengthIn))
		from, err := ch.dev.resolve(src, n)
		if err != nil {
			return err
		}
		to, err := ch.dev.resolve(dst, n)
		if err != nil {
			return err
		}
		copy(to, from)
	}

	addr := ch.reg64(c, cmdq.CopySetSemaphoreA, cmdq.CopySetSemaphoreB)
	payload := uint64(ch.reg(c, cmdq.CopySetSemaphorePayload))
	switch launch & cmdq.DMASemaphoreMask {
	case cmdq.DMASemaphoreOneWord:
		mem, err := ch.dev.resolve(addr, 4)
		if err != nil {
			return err
		}
		word32(mem).StoreRelease(uint32(payload))
	case cmdq.DMASemaphoreFourWord:
		mem, err := ch.dev.resolve(addr, cmdq.SignalSize)
		if err != nil {
			return err
		}
		payload |= uint64(ch.reg(c, cmdq.CopySetSemaphoreUpper)) << 32
		word64(mem[8:]).StoreRelease(uint64(time.Now().UnixNano()))
		word64(mem).StoreRelease(payload)
	}
	return nil
}

func word32(b []byte) *atomix.Uint32 {
	return (*atomix.Uint32)(unsafe.Pointer(&b[0]))
}

func word64(b []byte) *atomix.Uint64 {
	return (*atomix.Uint64)(unsafe.Pointer(&b[0]))
}
