package backup

import (
	"errors"
	"fmt"
	"testing"
)

func TestErrorMatchesKind(t *testing.T) {
	err := errorf(KindRestoreFailed, "restore", "bad bytes")
	wrapped := fmt.Errorf("outer: %w", err)

	if !errors.Is(wrapped, ErrRestoreFailed) {
		t.Fatal("expected kind match through wrapping")
	}
	if errors.Is(wrapped, ErrTimeoutExceeded) {
		t.Fatal("expected no match on other kinds")
	}
	if KindOf(wrapped) != KindRestoreFailed {
		t.Fatalf("unexpected kind %q", KindOf(wrapped))
	}
	if KindOf(errors.New("plain")) != "" {
		t.Fatal("plain errors have no kind")
	}
	if got := err.Error(); got != "restore: restore_failed: bad bytes" {
		t.Fatalf("unexpected message %q", got)
	}
}

func TestErrorUnwrapsCause(t *testing.T) {
	err := newError(KindCaptureFailed, "create backup", errInjected)
	if !errors.Is(err, errInjected) {
		t.Fatal("expected cause to be reachable")
	}
}
