package vcdb

import (
	"errors"
	"fmt"
)

// Status is the stable integer taxonomy returned by every operation.
// A Status is an error; success is reported as a nil error.
type Status uint32

const (
	StatusSuccess Status = 0x0000

	ErrInvalidParameter      Status = 0x4001
	ErrMissingDatabaseEngine Status = 0x4002
	ErrBadMemoryAllocation   Status = 0x4003
	ErrWouldTruncate         Status = 0x4004
	ErrBadTransaction        Status = 0x4005
	ErrValueNotFound         Status = 0x4006
	ErrDatabaseEngineError   Status = 0x4106

	// ErrBufferTooSmall is what value writers return when the output buffer
	// cannot hold the serialized value. It shares the truncation code.
	ErrBufferTooSmall = ErrWouldTruncate
)

func (s Status) Error() string {
	switch s {
	case StatusSuccess:
		return "vcdb: success"
	case ErrInvalidParameter:
		return "vcdb: invalid parameter"
	case ErrMissingDatabaseEngine:
		return "vcdb: missing database engine"
	case ErrBadMemoryAllocation:
		return "vcdb: bad memory allocation"
	case ErrWouldTruncate:
		return "vcdb: would truncate"
	case ErrBadTransaction:
		return "vcdb: bad transaction"
	case ErrValueNotFound:
		return "vcdb: value not found"
	case ErrDatabaseEngineError:
		return "vcdb: database engine error"
	default:
		return fmt.Sprintf("vcdb: backend status 0x%04x", uint32(s))
	}
}

// StatusOf maps err onto the status taxonomy. Errors that carry no Status
// are reported as ErrDatabaseEngineError.
func StatusOf(err error) Status {
	if err == nil {
		return StatusSuccess
	}
	var s Status
	if errors.As(err, &s) {
		return s
	}
	return ErrDatabaseEngineError
}
