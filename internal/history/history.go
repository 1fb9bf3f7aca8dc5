package history

import (
	"context"
	"errors"
	"time"
)

// EventType defines the kind of launch lifecycle event.
type EventType string

const (
	EventLaunched   EventType = "launched"
	EventDiscovered EventType = "discovered"
	EventStopped    EventType = "stopped"
	EventEnded      EventType = "ended"
	EventFailed     EventType = "failed"
)

// Record is the persisted view of a running process record.
type Record struct {
	Key           string     `json:"descriptor_key"`
	Progname      string     `json:"progname"`
	Prefix        string     `json:"wineprefix"`
	Runner        string     `json:"runner"`
	ExeName       string     `json:"exe_name"`
	CorrelationID string     `json:"correlation_id,omitempty"`
	PIDs          []int      `json:"pids"`
	LaunchedAt    time.Time  `json:"launched_at"`
	EndedAt       *time.Time `json:"ended_at,omitempty"`
	ExitCode      int        `json:"exit_code"`
	LogPath       string     `json:"log_path,omitempty"`
	External      bool       `json:"external"`
	Manual        bool       `json:"manually_stopped"`
}

// Event represents a lifecycle event to be stored in the launch history.
type Event struct {
	Type       EventType `json:"type"`
	OccurredAt time.Time `json:"occurred_at"`
	Record     Record    `json:"record"`
}

// Sink is a destination for history events.
// Implementations must be safe for concurrent use.
type Sink interface {
	Send(ctx context.Context, e Event) error
}

// Multi fans an event out to every sink.
type Multi []Sink

func (m Multi) Send(ctx context.Context, e Event) error {
	var errs []error
	for _, s := range m {
		if s == nil {
			continue
		}
		if err := s.Send(ctx, e); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Nop discards events.
type Nop struct{}

func (Nop) Send(context.Context, Event) error { return nil }
