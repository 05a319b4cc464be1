// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package cmdq

import "gvisor.dev/gvisor/pkg/abi/nvgpu"

// Default engine classes bound at queue initialization.
const (
	DefaultComputeClass = nvgpu.AMPERE_COMPUTE_B
	DefaultCopyClass    = nvgpu.AMPERE_DMA_COPY_B
	DefaultChannelClass = nvgpu.AMPERE_CHANNEL_GPFIFO_A
)

// Subchannel assignments.
const (
	SubchannelHost    = 0
	SubchannelCompute = 1
	SubchannelCopy    = 4
)

// Methods common to every class.
const (
	SetObject = 0x0000
)

// Host (channel GPFIFO) methods, from clc56f.h.
const (
	HostNonStallInterrupt = 0x0020
	HostSemAddrLo         = 0x005c
	HostSemAddrHi         = 0x0060
	HostSemPayloadLo      = 0x0064
	HostSemPayloadHi      = 0x0068
	HostSemExecute        = 0x006c
)

// HostSemExecute fields.
const (
	SemOpAcquire        = 0
	SemOpRelease        = 1
	SemOpAcqStrictGEQ   = 2
	SemOpAcqCircGEQ     = 3
	SemOpMask           = 0x7
	SemAcquireSwitchTSG = 1 << 12
	SemReleaseWFI       = 1 << 20
	SemPayloadSize64Bit = 1 << 24
	SemReleaseTimestamp = 1 << 25
	semNotifyExecute    = SemOpRelease | SemReleaseWFI | SemPayloadSize64Bit | SemReleaseTimestamp
	semWaitExecute      = SemOpAcqCircGEQ | SemAcquireSwitchTSG | SemPayloadSize64Bit
)

// Copy engine methods, from clc6b5.h.
const (
	CopySetSemaphoreA       = 0x0240
	CopySetSemaphoreB       = 0x0244
	CopySetSemaphorePayload = 0x0248
	CopySetSemaphoreUpper   = 0x024c
	CopyLaunchDMA           = 0x0300
	CopyOffsetInUpper       = 0x0400
	CopyOffsetInLower       = 0x0404
	CopyOffsetOutUpper      = 0x0408
	CopyOffsetOutLower      = 0x040c
	CopyLineLengthIn        = 0x0418
)

// CopyLaunchDMA fields.
const (
	DMATransferNone         = 0
	DMATransferPipelined    = 1
	DMATransferNonPipelined = 2
	DMATransferMask         = 0x3
	DMAFlushEnable          = 1 << 2
	DMASemaphoreOneWord     = 1 << 3
	DMASemaphoreFourWord    = 2 << 3
	DMASemaphoreMask        = 3 << 3
	DMASrcLayoutPitch       = 1 << 7
	DMADstLayoutPitch       = 1 << 8

	dmaNotifyLaunch = DMATransferNone | DMAFlushEnable | DMASemaphoreFourWord
	dmaWriteLaunch  = DMATransferNone | DMAFlushEnable | DMASemaphoreOneWord
	dmaCopyLaunch   = DMATransferNonPipelined | DMASrcLayoutPitch | DMADstLayoutPitch
)

func lo32(v uint64) uint32 { return uint32(v) }
func hi32(v uint64) uint32 { return uint32(v >> 32) }
