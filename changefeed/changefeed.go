// Package changefeed pages through the legacy registry's ordered change feed
// by cursor position.
package changefeed

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Record is one observed upstream change, strictly ordered by ChangeID.
type Record struct {
	ChangeID  uint64
	PartyUUID uuid.UUID
	ChangedAt time.Time
}

// Page is one fetched slice of the feed. LastKnownChangeID reports how far the
// upstream feed currently extends, even on the terminal empty page.
type Page struct {
	Items             []Record
	LastKnownChangeID uint64
}

// Source performs exactly one upstream fetch per call, returning changes with
// ChangeID > fromExclusive. An empty Items slice is the caught-up signal, so
// a Source must never filter a fetched page down to zero items; one that
// drops records has to keep fetching until it has at least one item or the
// upstream is genuinely exhausted.
type Source interface {
	FetchChanges(ctx context.Context, fromExclusive uint64) (Page, error)
}

// ErrNonMonotonicFeed signals the upstream returned a page that does not move
// the cursor strictly forward, or a LastKnownChangeID behind its own items.
var ErrNonMonotonicFeed = errors.New("changefeed: non-monotonic page")

// Pages lazily walks the feed. Each Next call performs one fetch; the walk
// ends without error at the first page with zero items (caught up).
type Pages struct {
	source Source
	cursor uint64
	done   bool
}

// Changes starts a walk at the exclusive cursor position.
func Changes(source Source, fromExclusive uint64) *Pages {
	return &Pages{source: source, cursor: fromExclusive}
}

// Cursor reports the highest change id consumed so far.
func (p *Pages) Cursor() uint64 { return p.cursor }

// Next fetches the following page. ok is false once the feed is exhausted;
// the terminal (empty) page is still returned so callers can observe its
// LastKnownChangeID.
func (p *Pages) Next(ctx context.Context) (page Page, ok bool, err error) {
	if p.done {
		return Page{}, false, nil
	}

	page, err = p.source.FetchChanges(ctx, p.cursor)
	if err != nil {
		return Page{}, false, fmt.Errorf("changefeed: fetch after %d: %w", p.cursor, err)
	}

	if len(page.Items) == 0 {
		p.done = true
		return page, false, nil
	}

	last := page.Items[len(page.Items)-1].ChangeID
	if last <= p.cursor {
		return Page{}, false, fmt.Errorf("%w: page ends at %d, cursor already %d", ErrNonMonotonicFeed, last, p.cursor)
	}
	if page.LastKnownChangeID < last {
		return Page{}, false, fmt.Errorf("%w: last known %d behind page end %d", ErrNonMonotonicFeed, page.LastKnownChangeID, last)
	}

	p.cursor = last
	return page, true, nil
}
