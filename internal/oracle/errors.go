package oracle

import (
	"errors"
	"fmt"
)

// ErrorCode is a stable numeric identifier for an oracle abort.
// Codes are part of the public contract and must never be renumbered.
type ErrorCode uint16

const (
	CodeZeroInitPrice       ErrorCode = 1
	CodeZeroMaxStep         ErrorCode = 2
	CodeStartDelayTooLong   ErrorCode = 3
	CodeTimestampRegression ErrorCode = 10
	CodeZeroPrice           ErrorCode = 11
	CodeStaleRead           ErrorCode = 20
	CodeNoObservations      ErrorCode = 21
	CodeBeforeMarketStart   ErrorCode = 22
	CodeTWAPNotReady        ErrorCode = 23
	CodeZeroPeriod          ErrorCode = 24
	CodeAccumulatorOverflow ErrorCode = 30
	CodeCorruptState        ErrorCode = 31
)

func (c ErrorCode) String() string {
	switch c {
	case CodeZeroInitPrice:
		return "zero_init_price"
	case CodeZeroMaxStep:
		return "zero_max_step"
	case CodeStartDelayTooLong:
		return "start_delay_too_long"
	case CodeTimestampRegression:
		return "timestamp_regression"
	case CodeZeroPrice:
		return "zero_price"
	case CodeStaleRead:
		return "stale_read"
	case CodeNoObservations:
		return "no_observations"
	case CodeBeforeMarketStart:
		return "before_market_start"
	case CodeTWAPNotReady:
		return "twap_not_ready"
	case CodeZeroPeriod:
		return "zero_period"
	case CodeAccumulatorOverflow:
		return "accumulator_overflow"
	case CodeCorruptState:
		return "corrupt_state"
	default:
		return fmt.Sprintf("code_%d", uint16(c))
	}
}

// Error is the only error type returned by this package.
// Two errors match under errors.Is when their codes are equal.
type Error struct {
	Code   ErrorCode
	Op     string
	Detail string
}

func (e *Error) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("oracle %s: %s (code %d)", e.Op, e.Code, uint16(e.Code))
	}
	return fmt.Sprintf("oracle %s: %s (code %d): %s", e.Op, e.Code, uint16(e.Code), e.Detail)
}

func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Code == e.Code
}

func newError(code ErrorCode, op string, format string, args ...interface{}) *Error {
	return &Error{Code: code, Op: op, Detail: fmt.Sprintf(format, args...)}
}

// Sentinels for errors.Is.
var (
	ErrZeroInitPrice       = &Error{Code: CodeZeroInitPrice}
	ErrZeroMaxStep         = &Error{Code: CodeZeroMaxStep}
	ErrStartDelayTooLong   = &Error{Code: CodeStartDelayTooLong}
	ErrTimestampRegression = &Error{Code: CodeTimestampRegression}
	ErrZeroPrice           = &Error{Code: CodeZeroPrice}
	ErrStaleRead           = &Error{Code: CodeStaleRead}
	ErrNoObservations      = &Error{Code: CodeNoObservations}
	ErrBeforeMarketStart   = &Error{Code: CodeBeforeMarketStart}
	ErrTWAPNotReady        = &Error{Code: CodeTWAPNotReady}
	ErrZeroPeriod          = &Error{Code: CodeZeroPeriod}
	ErrAccumulatorOverflow = &Error{Code: CodeAccumulatorOverflow}
	ErrCorruptState        = &Error{Code: CodeCorruptState}
)

// CodeOf extracts the oracle error code from err, or 0 if err is not an oracle error.
func CodeOf(err error) ErrorCode {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return 0
}
