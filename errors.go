// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package cmdq

import (
	"errors"
	"fmt"

	"code.hybscloud.com/iox"
)

// Status is the closed set of outcomes reported by queue operations.
//
// Status implements error so that every non-success value can be returned
// and matched with [errors.Is]. Wrapped errors carry the status of the
// failing layer; use [StatusOf] to recover it.
type Status uint8

const (
	StatusSuccess Status = iota
	StatusNotInitialized
	StatusOutOfMemory
	StatusPoolExhausted
	StatusSubmissionFailed
	StatusTimeout
	StatusInvalidArgument
)

var statusNames = [...]string{
	StatusSuccess:          "success",
	StatusNotInitialized:   "queue not initialized",
	StatusOutOfMemory:      "out of memory",
	StatusPoolExhausted:    "signal pool exhausted",
	StatusSubmissionFailed: "submission failed",
	StatusTimeout:          "timeout",
	StatusInvalidArgument:  "invalid argument",
}

// String returns the status name.
func (s Status) String() string {
	if int(s) < len(statusNames) {
		return statusNames[s]
	}
	return fmt.Sprintf("status(%d)", uint8(s))
}

// Error implements error.
func (s Status) Error() string {
	return "cmdq: " + s.String()
}

// Is reports whether s matches target.
// An exhausted signal pool is a control flow signal and also matches
// [iox.ErrWouldBlock].
func (s Status) Is(target error) bool {
	return s == StatusPoolExhausted && target == iox.ErrWouldBlock
}

// Sentinel errors, one per non-success status.
var (
	ErrNotInitialized   error = StatusNotInitialized
	ErrOutOfMemory      error = StatusOutOfMemory
	ErrPoolExhausted    error = StatusPoolExhausted
	ErrSubmissionFailed error = StatusSubmissionFailed
	ErrTimeout          error = StatusTimeout
	ErrInvalidArgument  error = StatusInvalidArgument
)

// ErrQueuePageFull indicates that a flush does not fit in the queue page or
// the hardware FIFO ring until earlier submissions retire.
//
// It matches both [ErrSubmissionFailed] and [iox.ErrWouldBlock]: the caller
// should await outstanding work and retry.
var ErrQueuePageFull = fmt.Errorf("%w: queue page full: %w", ErrSubmissionFailed, iox.ErrWouldBlock)

// ErrWouldBlock is an alias for [iox.ErrWouldBlock] for ecosystem consistency.
var ErrWouldBlock = iox.ErrWouldBlock

// StatusOf returns the status carried by err.
// Returns StatusSuccess for nil and StatusSubmissionFailed for errors that
// carry no status.
func StatusOf(err error) Status {
	if err == nil {
		return StatusSuccess
	}
	var s Status
	if errors.As(err, &s) {
		return s
	}
	return StatusSubmissionFailed
}

// IsWouldBlock reports whether err indicates the operation would block.
// Delegates to [iox.IsWouldBlock] for wrapped error support.
func IsWouldBlock(err error) bool {
	return iox.IsWouldBlock(err)
}

// IsSemantic reports whether err is a control flow signal (not a failure).
// Delegates to [iox.IsSemantic].
func IsSemantic(err error) bool {
	return iox.IsSemantic(err)
}

// IsNonFailure reports whether err represents a non-failure condition.
// Delegates to [iox.IsNonFailure].
func IsNonFailure(err error) bool {
	return iox.IsNonFailure(err)
}
