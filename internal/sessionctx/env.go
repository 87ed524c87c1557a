// Package sessionctx carries the per-session settings and helpers that every
// engine component receives explicitly at construction.
package sessionctx

import (
	"crypto/rand"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

// Env is passed to the tracker, field model and session. Nothing in the
// engine reads package-level state.
type Env struct {
	Logger *slog.Logger

	// FieldPrefix marks the fields owned by this system. Codes are matched
	// after trimming whitespace.
	FieldPrefix string
	// NoteTypes lists the note containers scanned for fields, in merge order.
	NoteTypes []string

	NewID   func() string
	NewTxID func() string
	Now     func() time.Time
}

// DefaultFieldPrefix is the marker written in front of every field code.
const DefaultFieldPrefix = "ADDIN ZOTERO_"

// New returns an Env with production helpers filled in.
func New(logger *slog.Logger, prefix string, noteTypes []string) *Env {
	if logger == nil {
		logger = slog.Default()
	}
	if prefix == "" {
		prefix = DefaultFieldPrefix
	}
	var mu sync.Mutex
	entropy := ulid.Monotonic(rand.Reader, 0)
	return &Env{
		Logger:      logger,
		FieldPrefix: prefix,
		NoteTypes:   noteTypes,
		NewID:       func() string { return uuid.NewString() },
		NewTxID: func() string {
			mu.Lock()
			defer mu.Unlock()
			return ulid.MustNew(ulid.Timestamp(time.Now()), entropy).String()
		},
		Now: time.Now,
	}
}
