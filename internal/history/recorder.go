package history

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/loqalabs/loqa-sign/internal/protocol"
)

const recordTimeout = 5 * time.Second

// Recorder is a session sink that writes finalized words and the closing
// transcript to a Store from its own goroutine, so emitters never wait on disk.
type Recorder struct {
	store *Store
	log   *slog.Logger
	queue chan protocol.Event

	mu     sync.RWMutex
	closed bool
	done   chan struct{}
}

func NewRecorder(store *Store, buffer int, log *slog.Logger) *Recorder {
	if buffer <= 0 {
		buffer = 256
	}
	r := &Recorder{
		store: store,
		log:   log.With(slog.String("component", "history-recorder")),
		queue: make(chan protocol.Event, buffer),
		done:  make(chan struct{}),
	}
	go r.run()
	return r
}

// Emit queues evt. Events are dropped with a warning when the queue is full
// or the recorder is closed.
func (r *Recorder) Emit(evt protocol.Event) {
	switch evt.Type {
	case protocol.EventSessionStarted, protocol.EventWordFinalized, protocol.EventSessionEnded:
	default:
		return
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		return
	}
	select {
	case r.queue <- evt:
	default:
		r.log.Warn("history queue full, dropping event",
			slog.String("type", evt.Type),
			slog.String("session_id", evt.SessionID))
	}
}

// Close stops accepting events and waits for queued ones to be written.
func (r *Recorder) Close() error {
	r.mu.Lock()
	if !r.closed {
		r.closed = true
		close(r.queue)
	}
	r.mu.Unlock()
	<-r.done
	return nil
}

func (r *Recorder) run() {
	defer close(r.done)
	for evt := range r.queue {
		ctx, cancel := context.WithTimeout(context.Background(), recordTimeout)
		if err := r.record(ctx, evt); err != nil {
			r.log.Error("failed to record history",
				slog.String("type", evt.Type),
				slog.String("session_id", evt.SessionID),
				slog.String("error", err.Error()))
		}
		cancel()
	}
}

func (r *Recorder) record(ctx context.Context, evt protocol.Event) error {
	switch evt.Type {
	case protocol.EventSessionStarted:
		return r.store.BeginSession(ctx, evt.SessionID, evt.UserID, evt.SourceLanguage, evt.TargetLanguage)
	case protocol.EventWordFinalized:
		if evt.Word == "" {
			return nil
		}
		return r.store.Append(ctx, r.entry(evt, KindWord, evt.Word))
	case protocol.EventSessionEnded:
		if text := strings.Join(evt.Transcript, " "); text != "" {
			if err := r.store.Append(ctx, r.entry(evt, KindTranscript, text)); err != nil {
				return err
			}
		}
		return r.store.EndSession(ctx, evt.SessionID)
	}
	return nil
}

func (r *Recorder) entry(evt protocol.Event, kind, original string) Entry {
	return Entry{
		SessionID:    evt.SessionID,
		UserID:       evt.UserID,
		Kind:         kind,
		Original:     original,
		FromLanguage: evt.SourceLanguage,
		ToLanguage:   evt.TargetLanguage,
		CreatedAt:    evt.Timestamp,
	}
}
