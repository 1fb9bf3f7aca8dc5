package task

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/winecharm/internal/apperr"
)

func TestSubmitRunsAndReportsProgress(t *testing.T) {
	p := NewPool(2, nil)
	defer func() { _ = p.Shutdown(context.Background()) }()
	events, unsub := p.Subscribe(16)
	defer unsub()

	h := p.Submit("template", func(ctx context.Context, progress Progress) error {
		progress.Step(1, 2, "wineboot")
		progress.Step(2, 2, "winetricks")
		return nil
	})
	require.NoError(t, h.Wait(context.Background()))

	var got []Event
	timeout := time.After(2 * time.Second)
	for len(got) < 3 {
		select {
		case e := <-events:
			got = append(got, e)
		case <-timeout:
			t.Fatalf("timed out, got %d events", len(got))
		}
	}
	assert.Equal(t, "template", got[0].Task)
	assert.Equal(t, "wineboot", got[0].Step)
	assert.Equal(t, 2, got[1].Index)
	assert.True(t, got[2].Done)
	assert.NoError(t, got[2].Err)
}

func TestCancelIsReportedAsCancelled(t *testing.T) {
	p := NewPool(1, nil)
	defer func() { _ = p.Shutdown(context.Background()) }()
	started := make(chan struct{})
	h := p.Submit("backup", func(ctx context.Context, _ Progress) error {
		close(started)
		<-ctx.Done()
		return ctx.Err()
	})
	<-started
	h.Cancel()
	err := h.Wait(context.Background())
	require.Error(t, err)
	assert.True(t, apperr.IsCancelled(err))
	assert.ErrorIs(t, err, apperr.ErrCancelled)
}

func TestPoolBoundsConcurrency(t *testing.T) {
	p := NewPool(2, nil)
	defer func() { _ = p.Shutdown(context.Background()) }()
	var cur, peak atomic.Int32
	var hs []*Handle
	for i := 0; i < 6; i++ {
		hs = append(hs, p.Submit("scan", func(ctx context.Context, _ Progress) error {
			n := cur.Add(1)
			for {
				old := peak.Load()
				if n <= old || peak.CompareAndSwap(old, n) {
					break
				}
			}
			time.Sleep(30 * time.Millisecond)
			cur.Add(-1)
			return nil
		}))
	}
	for _, h := range hs {
		require.NoError(t, h.Wait(context.Background()))
	}
	assert.LessOrEqual(t, peak.Load(), int32(2))
}

func TestFailurePropagatesAndShutdownRejectsNewWork(t *testing.T) {
	p := NewPool(1, nil)
	boom := errors.New("boom")
	h := p.Submit("fail", func(context.Context, Progress) error { return boom })
	assert.ErrorIs(t, h.Wait(context.Background()), boom)

	require.NoError(t, p.Shutdown(context.Background()))
	late := p.Submit("late", func(context.Context, Progress) error { return nil })
	<-late.Done()
	assert.ErrorIs(t, late.Err(), ErrPoolClosed)
}

func TestNilProgressIsSafe(t *testing.T) {
	var p Progress
	p.Step(1, 1, "x")
	p.Emit(Event{Message: "ignored"})
}
