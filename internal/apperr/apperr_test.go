package apperr

import (
	"context"
	"errors"
	"fmt"
	"testing"
)

func TestErrorsIsMatchesKind(t *testing.T) {
	err := New("launch", KindExecutableMissing, "/games/a.exe", nil)
	wrapped := fmt.Errorf("outer: %w", err)
	if !errors.Is(wrapped, ErrExecutableMissing) {
		t.Fatalf("expected wrapped error to match ErrExecutableMissing")
	}
	if errors.Is(wrapped, ErrRunnerMissing) {
		t.Fatalf("kind mismatch should not match")
	}
	if KindOf(wrapped) != KindExecutableMissing {
		t.Fatalf("KindOf = %v", KindOf(wrapped))
	}
}

func TestErrorMessage(t *testing.T) {
	err := New("restore", KindInsufficientSpace, "/tmp/x.tar.zst", errors.New("need 20GB"))
	want := "restore: InsufficientSpace: /tmp/x.tar.zst: need 20GB"
	if err.Error() != want {
		t.Fatalf("got %q want %q", err.Error(), want)
	}
}

func TestCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	if FromContext(ctx, "op") != nil {
		t.Fatalf("live context should not be cancelled")
	}
	cancel()
	err := FromContext(ctx, "backup")
	if !IsCancelled(err) || !errors.Is(err, ErrCancelled) {
		t.Fatalf("expected cancelled error, got %v", err)
	}
	if !IsCancelled(context.Canceled) {
		t.Fatalf("context.Canceled should count as cancelled")
	}
}
