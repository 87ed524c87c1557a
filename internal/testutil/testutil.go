// Package testutil provides shared test helpers for setting up documents and
// journals.
package testutil

import (
	"io"
	"log/slog"
	"os"
	"testing"

	"github.com/zotero/zotero-word-js-integration/internal/gateway/memdoc"
	"github.com/zotero/zotero-word-js-integration/internal/journal"
)

// Logger returns a logger that discards everything.
func Logger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// TestJournal creates a temporary SQLite journal that is automatically cleaned up.
func TestJournal(t *testing.T) *journal.DB {
	t.Helper()
	dbFile, err := os.CreateTemp("", "journal-test-*.db")
	if err != nil {
		t.Fatal(err)
	}
	dbFile.Close()
	t.Cleanup(func() { os.Remove(dbFile.Name()) })

	db, err := journal.Open(dbFile.Name(), Logger())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

// TestDocument creates an in-memory document loaded with f.
func TestDocument(t *testing.T, f memdoc.Fixture) *memdoc.Document {
	t.Helper()
	id := f.ID
	if id == "" {
		id = "doc-test"
	}
	doc := memdoc.New(id)
	if err := doc.Load(f); err != nil {
		t.Fatalf("Load: %v", err)
	}
	return doc
}
