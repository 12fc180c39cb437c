// Package exitcode maps the vmerr taxonomy to process exit codes for
// cmd/vmsh rather than returning 1 for everything: 77 and 78 are the
// sysexits.h EX_NOPERM and EX_CONFIG codes, 124 is the code timeout(1)
// uses, and 130 is the shell's code for a SIGINT exit.
package exitcode

import (
	"errors"

	"github.com/Mic92/vmsh/internal/vmerr"
)

const (
	OK                 = 0
	GenericFailure     = 1
	PermissionDenied   = 77
	TargetIncompatible = 78
	Timeout            = 124
	Canceled           = 130
)

// FromError maps err through the vmerr sentinels to a process exit code.
// Unrecognized errors fall back to GenericFailure.
func FromError(err error) int {
	if err == nil {
		return OK
	}

	switch {
	case errors.Is(err, vmerr.ErrPermissionDenied):
		return PermissionDenied
	case errors.Is(err, vmerr.ErrTargetIncompatible):
		return TargetIncompatible
	case errors.Is(err, vmerr.ErrTimeout):
		return Timeout
	case errors.Is(err, vmerr.ErrCanceled):
		return Canceled
	default:
		return GenericFailure
	}
}
