package changefeed

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
)

type fakeSource struct {
	pages   []Page
	fetches []uint64
}

func (f *fakeSource) FetchChanges(ctx context.Context, fromExclusive uint64) (Page, error) {
	f.fetches = append(f.fetches, fromExclusive)
	if len(f.pages) == 0 {
		return Page{}, nil
	}
	page := f.pages[0]
	f.pages = f.pages[1:]
	return page, nil
}

func record(id uint64) Record {
	return Record{ChangeID: id, PartyUUID: uuid.New(), ChangedAt: time.Now()}
}

func TestPages_WalksUntilEmptyPage(t *testing.T) {
	source := &fakeSource{pages: []Page{
		{Items: []Record{record(11), record(15)}, LastKnownChangeID: 40},
		{Items: []Record{record(22), record(40)}, LastKnownChangeID: 40},
		{Items: nil, LastKnownChangeID: 40},
	}}

	pages := Changes(source, 10)
	ctx := context.Background()

	page, ok, err := pages.Next(ctx)
	if err != nil || !ok {
		t.Fatalf("first page: ok=%v err=%v", ok, err)
	}
	if got := page.Items[len(page.Items)-1].ChangeID; got != 15 {
		t.Fatalf("first page ends at %d, want 15", got)
	}
	if pages.Cursor() != 15 {
		t.Fatalf("cursor %d after first page, want 15", pages.Cursor())
	}

	if _, ok, err = pages.Next(ctx); err != nil || !ok {
		t.Fatalf("second page: ok=%v err=%v", ok, err)
	}
	if pages.Cursor() != 40 {
		t.Fatalf("cursor %d after second page, want 40", pages.Cursor())
	}

	page, ok, err = pages.Next(ctx)
	if err != nil {
		t.Fatalf("terminal page: %v", err)
	}
	if ok {
		t.Fatal("terminal page reported ok")
	}
	if page.LastKnownChangeID != 40 {
		t.Fatalf("terminal page last known %d, want 40", page.LastKnownChangeID)
	}

	// Exhausted walks stay exhausted without refetching.
	if _, ok, _ := pages.Next(ctx); ok {
		t.Fatal("exhausted walk returned another page")
	}
	if len(source.fetches) != 3 {
		t.Fatalf("expected 3 fetches, got %d (%v)", len(source.fetches), source.fetches)
	}

	// Every fetch must resume from the previous page's last change id.
	want := []uint64{10, 15, 40}
	for i, from := range source.fetches {
		if from != want[i] {
			t.Fatalf("fetch %d from %d, want %d", i, from, want[i])
		}
	}
}

func TestPages_RejectsStalledPage(t *testing.T) {
	source := &fakeSource{pages: []Page{
		{Items: []Record{record(10)}, LastKnownChangeID: 10},
	}}

	_, _, err := Changes(source, 10).Next(context.Background())
	if !errors.Is(err, ErrNonMonotonicFeed) {
		t.Fatalf("expected ErrNonMonotonicFeed, got %v", err)
	}
}

func TestPages_RejectsLaggingLastKnown(t *testing.T) {
	source := &fakeSource{pages: []Page{
		{Items: []Record{record(20), record(30)}, LastKnownChangeID: 25},
	}}

	_, _, err := Changes(source, 10).Next(context.Background())
	if !errors.Is(err, ErrNonMonotonicFeed) {
		t.Fatalf("expected ErrNonMonotonicFeed, got %v", err)
	}
}

type failingSource struct{ err error }

func (f failingSource) FetchChanges(ctx context.Context, fromExclusive uint64) (Page, error) {
	return Page{}, f.err
}

func TestPages_PropagatesFetchError(t *testing.T) {
	boom := errors.New("upstream down")
	pages := Changes(failingSource{err: boom}, 0)

	_, _, err := pages.Next(context.Background())
	if !errors.Is(err, boom) {
		t.Fatalf("expected wrapped fetch error, got %v", err)
	}
}
