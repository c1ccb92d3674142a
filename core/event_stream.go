package core

import (
	"context"
	"strconv"
	"strings"
	"sync"

	"loanledger/core/events"
	"loanledger/core/types"
)

const eventHistoryLimit = 2048

// StreamedEvent is a ledger event tagged with its position in the stream.
type StreamedEvent struct {
	Sequence uint64
	Cursor   string
	Height   uint64
	Event    *types.Event
}

func cloneStreamedEvent(evt StreamedEvent) StreamedEvent {
	cloned := evt
	cloned.Event = evt.Event.Clone()
	return cloned
}

// EventStream keeps a bounded history of emitted events and fans new events
// out to subscribers. Slow subscribers miss events rather than block the
// executor; they can resume from their last cursor.
type EventStream struct {
	mu      sync.Mutex
	seq     uint64
	nextID  uint64
	height  uint64
	history []StreamedEvent
	subs    map[uint64]chan StreamedEvent
}

// NewEventStream returns an empty stream.
func NewEventStream() *EventStream {
	return &EventStream{subs: make(map[uint64]chan StreamedEvent)}
}

// SetHeight tags subsequently emitted events with height.
func (s *EventStream) SetHeight(height uint64) {
	s.mu.Lock()
	s.height = height
	s.mu.Unlock()
}

// Emit implements events.Emitter.
func (s *EventStream) Emit(evt events.Event) {
	if s == nil || evt == nil || evt.Event() == nil {
		return
	}
	s.mu.Lock()
	s.seq++
	entry := StreamedEvent{
		Sequence: s.seq,
		Cursor:   strconv.FormatUint(s.seq, 10),
		Height:   s.height,
		Event:    evt.Event().Clone(),
	}
	s.history = append(s.history, entry)
	if len(s.history) > eventHistoryLimit {
		excess := len(s.history) - eventHistoryLimit
		trimmed := make([]StreamedEvent, eventHistoryLimit)
		copy(trimmed, s.history[excess:])
		s.history = trimmed
	}
	// Sends stay under the lock so cancel cannot close a channel mid-send.
	for _, ch := range s.subs {
		select {
		case ch <- cloneStreamedEvent(entry):
		default:
		}
	}
	s.mu.Unlock()
}

// Subscribe registers a subscriber for events after cursor. It returns the live
// channel, a cancel function and the retained backlog newer than cursor. The
// subscription ends when ctx is done or cancel is called.
func (s *EventStream) Subscribe(ctx context.Context, cursor string) (<-chan StreamedEvent, func(), []StreamedEvent) {
	updates := make(chan StreamedEvent, 32)

	var since uint64
	if trimmed := strings.TrimSpace(cursor); trimmed != "" {
		if parsed, err := strconv.ParseUint(trimmed, 10, 64); err == nil {
			since = parsed
		}
	}

	s.mu.Lock()
	id := s.nextID
	s.nextID++
	s.subs[id] = updates
	backlog := make([]StreamedEvent, 0, len(s.history))
	for _, entry := range s.history {
		if entry.Sequence > since {
			backlog = append(backlog, cloneStreamedEvent(entry))
		}
	}
	s.mu.Unlock()

	done := make(chan struct{})
	var once sync.Once
	cancel := func() {
		once.Do(func() {
			close(done)
			s.mu.Lock()
			if sub, ok := s.subs[id]; ok {
				delete(s.subs, id)
				close(sub)
			}
			s.mu.Unlock()
		})
	}

	if ctx != nil && ctx.Done() != nil {
		go func() {
			select {
			case <-ctx.Done():
				cancel()
			case <-done:
			}
		}()
	}

	return updates, cancel, backlog
}
