//go:build unix

package flock

import (
	"path/filepath"
	"sync"
	"testing"
)

func TestWithSerializesWriters(t *testing.T) {
	l := New(filepath.Join(t.TempDir(), "locks", "corpus.lock"))
	var (
		wg      sync.WaitGroup
		inside  int
		maxSeen int
		mu      sync.Mutex
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := l.With(func() error {
				mu.Lock()
				inside++
				if inside > maxSeen {
					maxSeen = inside
				}
				mu.Unlock()
				mu.Lock()
				inside--
				mu.Unlock()
				return nil
			})
			if err != nil {
				t.Errorf("With: %v", err)
			}
		}()
	}
	wg.Wait()
	if maxSeen != 1 {
		t.Fatalf("expected exclusive sections, saw %d concurrent", maxSeen)
	}
}

func TestUnlockWithoutLockIsNoop(t *testing.T) {
	l := New(filepath.Join(t.TempDir(), "x.lock"))
	if err := l.Unlock(); err != nil {
		t.Fatalf("Unlock: %v", err)
	}
}
