// Package sse streams session activity to browsers as Server-Sent Events.
package sse

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/zotero/zotero-word-js-integration/internal/alert"
	"github.com/zotero/zotero-word-js-integration/internal/session"
)

// Event types.
const (
	TypeTransactionCompleted = "transaction.completed"
	TypeAlertOpened          = "alert.opened"
	TypeFieldsInvalidated    = "fields.invalidated"
)

// Event represents an SSE event to broadcast.
type Event struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

// TransactionEvent is the data of a transaction.completed event.
type TransactionEvent struct {
	ID          string `json:"id"`
	Command     string `json:"command"`
	Kind        string `json:"kind,omitempty"`
	FieldCount  int    `json:"fieldCount"`
	Rounds      int    `json:"rounds"`
	Invalidated bool   `json:"invalidated"`
	DurationMS  int64  `json:"durationMs"`
}

// Broker manages SSE client connections and broadcasts events.
//
// Concurrency model: a single internal event loop (goroutine) owns mutable state
// (clients + the per-document invalidation throttle). Public methods communicate with this loop
// through channels, so no mutexes are required.
type Broker struct {
	invalidateMin time.Duration

	subscribeCh   chan chan []byte
	unsubscribeCh chan chan []byte
	publishCh     chan Event
	invalidateCh  chan string
	countReqCh    chan chan int

	stopCh  chan struct{}
	stopped chan struct{}
	closed  atomic.Bool
}

// NewBroker creates a new SSE broker. At most one fields.invalidated event per
// document is sent within each throttle interval.
func NewBroker(throttle time.Duration) *Broker {
	if throttle <= 0 {
		throttle = 2 * time.Second
	}

	b := &Broker{
		invalidateMin: throttle,
		subscribeCh:   make(chan chan []byte),
		unsubscribeCh: make(chan chan []byte),
		publishCh:     make(chan Event, 256),
		invalidateCh:  make(chan string, 256),
		countReqCh:    make(chan chan int),
		stopCh:        make(chan struct{}),
		stopped:       make(chan struct{}),
	}

	go b.run()
	return b
}

func (b *Broker) run() {
	defer close(b.stopped)

	clients := make(map[chan []byte]struct{})
	lastInvalidated := make(map[string]time.Time)

	broadcast := func(event Event) {
		payload, err := json.Marshal(event.Data)
		if err != nil {
			return
		}
		msg := fmt.Sprintf("event: %s\ndata: %s\n\n", event.Type, payload)
		raw := []byte(msg)

		for ch := range clients {
			select {
			case ch <- raw:
			default:
				// Client buffer full; skip to avoid blocking broker loop.
			}
		}
	}

	for {
		select {
		case <-b.stopCh:
			for ch := range clients {
				close(ch)
			}
			return

		case ch := <-b.subscribeCh:
			clients[ch] = struct{}{}

		case ch := <-b.unsubscribeCh:
			if _, ok := clients[ch]; ok {
				delete(clients, ch)
				close(ch)
			}

		case event := <-b.publishCh:
			broadcast(event)

		case docID := <-b.invalidateCh:
			now := time.Now()
			if now.Sub(lastInvalidated[docID]) >= b.invalidateMin {
				lastInvalidated[docID] = now
				broadcast(Event{Type: TypeFieldsInvalidated, Data: map[string]string{"documentID": docID}})
			}

		case resp := <-b.countReqCh:
			resp <- len(clients)
		}
	}
}

// Close gracefully stops broker loop and closes all client channels.
func (b *Broker) Close() {
	if b.closed.CompareAndSwap(false, true) {
		close(b.stopCh)
	}
	<-b.stopped
}

// Subscribe adds a new client and returns its channel.
func (b *Broker) Subscribe() chan []byte {
	ch := make(chan []byte, 64)
	if b.closed.Load() {
		close(ch)
		return ch
	}

	select {
	case b.subscribeCh <- ch:
	case <-b.stopped:
		close(ch)
	}

	return ch
}

// Unsubscribe removes a client and closes its channel.
func (b *Broker) Unsubscribe(ch chan []byte) {
	if b.closed.Load() {
		return
	}
	select {
	case b.unsubscribeCh <- ch:
	case <-b.stopped:
	}
}

// ClientCount returns the number of connected clients.
func (b *Broker) ClientCount() int {
	if b.closed.Load() {
		return 0
	}

	resp := make(chan int, 1)
	select {
	case b.countReqCh <- resp:
	case <-b.stopped:
		return 0
	}

	select {
	case n := <-resp:
		return n
	case <-b.stopped:
		return 0
	}
}

// Publish sends an event to all connected clients.
func (b *Broker) Publish(event Event) {
	if b.closed.Load() {
		return
	}
	select {
	case b.publishCh <- event:
	case <-b.stopped:
	}
}

// PublishFieldsInvalidated publishes a throttled fields.invalidated event for
// the document.
func (b *Broker) PublishFieldsInvalidated(docID string) {
	if b.closed.Load() {
		return
	}
	select {
	case b.invalidateCh <- docID:
	case <-b.stopped:
	}
}

// TransactionCompleted implements session.Observer.
func (b *Broker) TransactionCompleted(_ context.Context, tx session.Transaction) {
	b.Publish(Event{Type: TypeTransactionCompleted, Data: TransactionEvent{
		ID:          tx.ID,
		Command:     tx.Command,
		Kind:        string(tx.Kind),
		FieldCount:  tx.FieldCount,
		Rounds:      tx.Rounds,
		Invalidated: tx.Invalidated,
		DurationMS:  tx.Duration.Milliseconds(),
	}})
}

// AlertOpened implements alert.Notifier.
func (b *Broker) AlertOpened(a alert.Alert) {
	b.Publish(Event{Type: TypeAlertOpened, Data: a})
}

var (
	_ session.Observer = (*Broker)(nil)
	_ alert.Notifier   = (*Broker)(nil)
)

// ServeHTTP is the SSE endpoint handler (GET /api/events).
func (b *Broker) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ch := b.Subscribe()
	defer b.Unsubscribe(ch)

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			_, _ = w.Write(msg)
			flusher.Flush()
		}
	}
}
