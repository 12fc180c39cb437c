package stage2

import (
	"errors"
	"os/exec"
	"testing"
)

func TestExitCodeOfNilIsZero(t *testing.T) {
	t.Parallel()

	if got := exitCodeOf(nil); got != 0 {
		t.Fatalf("exitCodeOf(nil) = %d, want 0", got)
	}
}

func TestExitCodeOfNonExitErrorIs255(t *testing.T) {
	t.Parallel()

	if got := exitCodeOf(errors.New("boom")); got != 255 {
		t.Fatalf("exitCodeOf(generic error) = %d, want 255", got)
	}
}

func TestExitCodeOfExitErrorReflectsCommandStatus(t *testing.T) {
	t.Parallel()

	cmd := exec.Command("sh", "-c", "exit 7")
	err := cmd.Run()

	exitErr, ok := err.(*exec.ExitError)
	if !ok {
		t.Skipf("sh unavailable or did not produce an ExitError: %v", err)
	}

	if got := exitCodeOf(exitErr); got != 7 {
		t.Fatalf("exitCodeOf = %d, want 7", got)
	}
}
