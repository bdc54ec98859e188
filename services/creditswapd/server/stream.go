package server

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"nhooyr.io/websocket"

	"creditswap/native/creditswap"
)

const (
	eventHistoryLimit = 1024
	wsWriteTimeout    = 10 * time.Second
)

// StreamedEvent is a committed engine event tagged with its feed sequence.
type StreamedEvent struct {
	Sequence uint64
	Event    creditswap.Event
}

// EventHub fans committed engine events out to live subscribers and keeps a
// bounded history for cursor resumption. It implements creditswap.EventSink.
type EventHub struct {
	mu      sync.Mutex
	seq     uint64
	nextID  uint64
	subs    map[uint64]chan StreamedEvent
	history []StreamedEvent
}

var _ creditswap.EventSink = (*EventHub)(nil)

// NewEventHub constructs an empty hub.
func NewEventHub() *EventHub {
	return &EventHub{subs: make(map[uint64]chan StreamedEvent)}
}

// Emit publishes the event. Slow subscribers miss events rather than
// blocking the engine.
func (h *EventHub) Emit(_ context.Context, event creditswap.Event) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.seq++
	entry := StreamedEvent{Sequence: h.seq, Event: event}
	h.history = append(h.history, entry)
	if len(h.history) > eventHistoryLimit {
		trimmed := make([]StreamedEvent, eventHistoryLimit)
		copy(trimmed, h.history[len(h.history)-eventHistoryLimit:])
		h.history = trimmed
	}
	for _, ch := range h.subs {
		select {
		case ch <- entry:
		default:
		}
	}
	return nil
}

// Subscribe registers a subscriber and returns the backlog after cursor.
// The subscription ends when ctx is done or cancel is called.
func (h *EventHub) Subscribe(ctx context.Context, cursor uint64) (<-chan StreamedEvent, func(), []StreamedEvent) {
	updates := make(chan StreamedEvent, 32)
	h.mu.Lock()
	id := h.nextID
	h.nextID++
	h.subs[id] = updates
	backlog := make([]StreamedEvent, 0, len(h.history))
	for _, entry := range h.history {
		if entry.Sequence > cursor {
			backlog = append(backlog, entry)
		}
	}
	h.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			h.mu.Lock()
			if sub, ok := h.subs[id]; ok {
				delete(h.subs, id)
				close(sub)
			}
			h.mu.Unlock()
		})
	}
	go func() {
		<-ctx.Done()
		cancel()
	}()
	return updates, cancel, backlog
}

func (s *Server) handleEventStream(w http.ResponseWriter, r *http.Request) {
	if s.hub == nil {
		writeError(w, http.StatusNotImplemented, "event stream not configured")
		return
	}
	var cursor uint64
	if raw := strings.TrimSpace(r.URL.Query().Get("cursor")); raw != "" {
		parsed, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, "cursor must be an unsigned integer")
			return
		}
		cursor = parsed
	}
	kind := strings.TrimSpace(r.URL.Query().Get("kind"))
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: []string{"*"}})
	if err != nil {
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "stream closed")
	ctx := conn.CloseRead(r.Context())
	if err := s.streamEvents(ctx, conn, cursor, kind); err != nil {
		if status := websocket.CloseStatus(err); status == -1 && ctx.Err() == nil {
			s.logger.Warn("creditswapd event stream failed", "error", err)
			_ = conn.Close(websocket.StatusInternalError, "stream error")
		}
	}
}

func (s *Server) streamEvents(ctx context.Context, conn *websocket.Conn, cursor uint64, kind string) error {
	updates, cancel, backlog := s.hub.Subscribe(ctx, cursor)
	defer cancel()
	for _, entry := range backlog {
		if err := writeStreamedEvent(ctx, conn, entry, kind); err != nil {
			return err
		}
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case entry, ok := <-updates:
			if !ok {
				return nil
			}
			if err := writeStreamedEvent(ctx, conn, entry, kind); err != nil {
				return err
			}
		}
	}
}

func writeStreamedEvent(ctx context.Context, conn *websocket.Conn, entry StreamedEvent, kind string) error {
	if kind != "" && entry.Event.Kind != kind {
		return nil
	}
	view := eventView(entry.Event)
	view["cursor"] = strconv.FormatUint(entry.Sequence, 10)
	data, err := json.Marshal(view)
	if err != nil {
		return err
	}
	writeCtx, cancel := context.WithTimeout(ctx, wsWriteTimeout)
	defer cancel()
	return conn.Write(writeCtx, websocket.MessageText, data)
}
