// Package alert holds modal alerts until somebody answers them over HTTP or
// they time out.
package alert

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/zotero/zotero-word-js-integration/internal/apperr"
)

// Dismissed is the answer of an alert nobody pressed a button on.
const Dismissed = -1

// Alert is one open alert.
type Alert struct {
	ID       string    `json:"id"`
	Text     string    `json:"text"`
	Icon     int       `json:"icon"`
	Buttons  int       `json:"buttons"`
	OpenedAt time.Time `json:"openedAt"`
}

// Notifier is told about every alert that opens.
type Notifier interface {
	AlertOpened(a Alert)
}

type pending struct {
	alert  Alert
	answer chan int
}

// Hub implements session.Alerter.
type Hub struct {
	timeout time.Duration
	notify  Notifier
	newID   func() string

	mu   sync.Mutex
	open map[string]*pending
}

// NewHub returns a hub whose alerts are dismissed after timeout. A zero
// timeout waits until the caller's context ends.
func NewHub(timeout time.Duration, notify Notifier, newID func() string) *Hub {
	return &Hub{
		timeout: timeout,
		notify:  notify,
		newID:   newID,
		open:    make(map[string]*pending),
	}
}

// Display opens an alert and blocks until it is answered, it times out, or
// ctx ends. Timeouts and cancellations answer Dismissed.
func (h *Hub) Display(ctx context.Context, text string, icon, buttons int) (int, error) {
	p := &pending{
		alert:  Alert{ID: h.newID(), Text: text, Icon: icon, Buttons: buttons, OpenedAt: time.Now()},
		answer: make(chan int, 1),
	}
	h.mu.Lock()
	h.open[p.alert.ID] = p
	h.mu.Unlock()
	defer func() {
		h.mu.Lock()
		delete(h.open, p.alert.ID)
		h.mu.Unlock()
	}()

	if h.notify != nil {
		h.notify.AlertOpened(p.alert)
	}

	var timeout <-chan time.Time
	if h.timeout > 0 {
		t := time.NewTimer(h.timeout)
		defer t.Stop()
		timeout = t.C
	}
	select {
	case b := <-p.answer:
		return b, nil
	case <-timeout:
		return Dismissed, nil
	case <-ctx.Done():
		return Dismissed, nil
	}
}

// Answer presses button on the alert with the given id.
func (h *Hub) Answer(id string, button int) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	p, ok := h.open[id]
	if !ok {
		return apperr.Wrap(apperr.KindNotFound, apperr.ErrNotFound, "alert %s", id)
	}
	if button < Dismissed {
		return apperr.New(apperr.KindInvalidArgs, "button %d", button)
	}
	select {
	case p.answer <- button:
	default:
		return fmt.Errorf("alert %s: %w", id, apperr.ErrConflict)
	}
	return nil
}

// Open lists the alerts waiting for an answer, oldest first.
func (h *Hub) Open() []Alert {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]Alert, 0, len(h.open))
	for _, p := range h.open {
		out = append(out, p.alert)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].OpenedAt.Before(out[j].OpenedAt) })
	return out
}
