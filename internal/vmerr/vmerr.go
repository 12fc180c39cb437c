// Package vmerr defines the sentinel error taxonomy shared by every vmsh
// component. Callers use errors.Is/errors.As instead of string matching,
// the same way gokvm exposes kvm.ErrUnexpectedExitReason and kvm.ErrDebug.
package vmerr

import (
	"errors"
	"fmt"
)

var (
	// ErrPermissionDenied means the operating user lacks the rights
	// (ptrace scope, /dev/kvm access, CAP_SYS_PTRACE) to attach.
	ErrPermissionDenied = errors.New("permission denied")

	// ErrTargetIncompatible means the target process is not a
	// compatible KVM hypervisor we know how to attach to.
	ErrTargetIncompatible = errors.New("target incompatible")

	// ErrInvariantViolated means an internal assumption about the
	// target's state was found to be false at runtime.
	ErrInvariantViolated = errors.New("invariant violated")

	// ErrBackendIo covers I/O failures talking to /dev/kvm, the target's
	// /proc files, or the mmio trap backend's control channel.
	ErrBackendIo = errors.New("backend io error")

	// ErrRemoteSyscallFailed wraps a syscall.Errno returned by a
	// syscall injected into the target via RemoteSyscall.
	ErrRemoteSyscallFailed = errors.New("remote syscall failed")

	// ErrGuestFault means the guest kernel did something the injected
	// stage1/stage2 code did not expect (an unexpected fault, the stage1
	// driver reporting an error, or stage2 failing to set up its
	// namespace, mount the block device or open the console).
	ErrGuestFault = errors.New("guest fault")

	// ErrTimeout means an operation did not complete within its deadline.
	ErrTimeout = errors.New("timed out")

	// ErrCanceled means the caller's context was canceled.
	ErrCanceled = errors.New("canceled")

	// ErrFatal marks conditions from which a session cannot recover and
	// must detach immediately, leaving the target as untouched as
	// possible.
	ErrFatal = errors.New("fatal")
)

// RemoteSyscallError decorates ErrRemoteSyscallFailed with the syscall
// number and the errno the target returned.
type RemoteSyscallError struct {
	Nr    uintptr
	Errno error
}

func (e *RemoteSyscallError) Error() string {
	return fmt.Sprintf("remote syscall %d: %v", e.Nr, e.Errno)
}

func (e *RemoteSyscallError) Unwrap() error {
	return ErrRemoteSyscallFailed
}

// Residue describes state vmsh may have left behind on a Fatal exit, so
// the operator knows what to clean up by hand (an injfd still mapped,
// an irqfd still registered).
type Residue struct {
	Description string
	Cleanup     string
}

// FatalError wraps ErrFatal with the residue left in the target.
type FatalError struct {
	Cause   error
	Residue []Residue
}

func (e *FatalError) Error() string {
	return fmt.Sprintf("fatal: %v", e.Cause)
}

func (e *FatalError) Unwrap() error {
	return ErrFatal
}
