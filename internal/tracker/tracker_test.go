package tracker

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/zotero/zotero-word-js-integration/internal/gateway"
	"github.com/zotero/zotero-word-js-integration/internal/gateway/memdoc"
)

const code = "ADDIN ZOTERO_ITEM CSL_CITATION {}"

func discard() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func testDoc(t *testing.T) *memdoc.Document {
	t.Helper()
	d := memdoc.New("doc")
	if err := d.Load(memdoc.Fixture{Body: []memdoc.FixtureItem{
		memdoc.FieldItem(code, "one"),
		memdoc.TextItem(" "),
		memdoc.FieldItem(code, "two"),
	}}); err != nil {
		t.Fatal(err)
	}
	return d
}

func bodyFields(t *testing.T, tr *Tracker) []gateway.Item {
	t.Helper()
	c := tr.Conn()
	res := c.QueueRead(c.CreateProxy(gateway.Selector{Kind: gateway.SelectBodyFields}), gateway.PropText)
	if err := c.Flush(context.Background()); err != nil {
		t.Fatal(err)
	}
	snap, err := res.Get()
	if err != nil {
		t.Fatal(err)
	}
	return snap.Items
}

func TestTrackIsIdempotent(t *testing.T) {
	ctx := context.Background()
	d := testDoc(t)
	tr, err := Begin(ctx, d, nil, discard())
	if err != nil {
		t.Fatal(err)
	}
	items := bodyFields(t, tr)
	tr.Track(items[0].Proxy)
	tr.Track(items[0].Proxy)
	if tr.Len() != 1 {
		t.Errorf("Len = %d, want 1", tr.Len())
	}
	if tr.Conn().Queued() != 1 {
		t.Errorf("queued = %d, want 1 track op", tr.Conn().Queued())
	}
	if _, err := tr.End(ctx); err != nil {
		t.Fatal(err)
	}
	if d.Corrupted() != nil {
		t.Errorf("corrupted: %v", d.Corrupted())
	}
}

func TestReleaseOnce(t *testing.T) {
	ctx := context.Background()
	tr, err := Begin(ctx, testDoc(t), nil, discard())
	if err != nil {
		t.Fatal(err)
	}
	items := bodyFields(t, tr)
	for _, it := range items {
		tr.Track(it.Proxy)
	}
	rel, err := tr.Release(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(rel) != 2 {
		t.Errorf("released %d, want 2", len(rel))
	}
	if _, err := tr.Release(ctx); !errors.Is(err, ErrReleased) {
		t.Errorf("second release = %v, want ErrReleased", err)
	}
	tr.Track(gateway.Proxy{ID: "late"})
	if tr.Len() != 0 {
		t.Error("track after release should be ignored")
	}
}

func TestCarriedProxiesAreRetracked(t *testing.T) {
	ctx := context.Background()
	d := testDoc(t)

	var kept gateway.Proxy
	carry, err := With(ctx, d, nil, discard(), func(tr *Tracker) error {
		items := bodyFields(t, tr)
		kept = tr.Track(items[1].Proxy).Proxy
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(carry) != 1 || carry[0] != kept {
		t.Fatalf("carry = %v", carry)
	}

	_, err = With(ctx, d, carry, discard(), func(tr *Tracker) error {
		if !tr.IsTracked(kept) {
			t.Error("carried proxy not tracked")
		}
		// Two flushes: the carried proxy must outlive the batch grace.
		for i := 0; i < 2; i++ {
			res := tr.Conn().QueueRead(kept, gateway.PropText)
			if err := tr.Conn().Flush(ctx); err != nil {
				return err
			}
			if snap, _ := res.Get(); snap.Get(gateway.PropText) != "two" {
				t.Errorf("text = %q", snap.Get(gateway.PropText))
			}
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if d.Corrupted() != nil {
		t.Errorf("corrupted: %v", d.Corrupted())
	}
}

func TestWithReleasesOnError(t *testing.T) {
	ctx := context.Background()
	d := testDoc(t)
	boom := errors.New("boom")
	carry, err := With(ctx, d, nil, discard(), func(tr *Tracker) error {
		for _, it := range bodyFields(t, tr) {
			tr.Track(it.Proxy)
		}
		if err := tr.Conn().Flush(ctx); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("err = %v, want boom", err)
	}
	if len(carry) != 2 {
		t.Errorf("carry = %d, want 2", len(carry))
	}
	if d.Corrupted() != nil {
		t.Errorf("failed transaction leaked tracking: %v", d.Corrupted())
	}
	if d.OpenChannels() != 0 {
		t.Errorf("open channels = %d", d.OpenChannels())
	}
}
