package monitor

import (
	"context"
	"sync"
	"testing"
	"time"
)

type fakeStore struct {
	mu        sync.Mutex
	ids       []string
	restore   bool
	saveCalls int
}

func (f *fakeStore) Ready(ctx context.Context) error { return nil }

func (f *fakeStore) DismissedIDs(ctx context.Context) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.ids))
	copy(out, f.ids)
	return out, nil
}

func (f *fakeStore) SaveDismissedIDs(ctx context.Context, ids []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ids = make([]string, len(ids))
	copy(f.ids, ids)
	f.saveCalls++
	return nil
}

func (f *fakeStore) RestoreOnNewApplication(ctx context.Context) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.restore, nil
}

func (f *fakeStore) saved() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.ids))
	copy(out, f.ids)
	return out
}

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func newTestLedger(t *testing.T, store *fakeStore) (*Ledger, *fakeClock) {
	t.Helper()
	clk := &fakeClock{t: time.Unix(1700000000, 0).UTC()}
	l, err := NewLedger(LedgerConfig{Store: store, Clock: clk.Now})
	if err != nil {
		t.Fatal(err)
	}
	if err := l.Hydrate(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := l.SetApplicationID(context.Background(), "A1"); err != nil {
		t.Fatal(err)
	}
	return l, clk
}

const (
	rawErrorA = "Πρέπει να συμπληρώσετε το πεδίο Χ. (101)"
	rawWarnB  = "Ελέγξτε την έκταση του αγροτεμαχίου. (12)"
	rawInfoC  = "Ενημερωτικό μήνυμα: η αίτηση αποθηκεύτηκε."
)

func TestIngestFirstBatch(t *testing.T) {
	l, _ := newTestLedger(t, &fakeStore{})
	if err := l.Ingest(context.Background(), []string{rawErrorA}, ""); err != nil {
		t.Fatal(err)
	}
	snap := l.Snapshot()
	if len(snap.Messages) != 1 {
		t.Fatalf("expected 1 message, got %d", len(snap.Messages))
	}
	m := snap.Messages[0]
	if m.Severity != SeverityError {
		t.Fatalf("expected error severity, got %q", m.Severity)
	}
	if m.CleanedText != "Πρέπει να συμπληρώσετε το πεδίο Χ." {
		t.Fatalf("unexpected cleaned text %q", m.CleanedText)
	}
	if m.RawText != rawErrorA {
		t.Fatalf("raw text not retained: %q", m.RawText)
	}
	if snap.ChangeCounters != (ChangeCounters{New: 1, Removed: 0}) {
		t.Fatalf("unexpected counters %+v", snap.ChangeCounters)
	}
}

func TestReingestIdenticalBatchKeepsCounters(t *testing.T) {
	l, _ := newTestLedger(t, &fakeStore{})
	batch := []string{rawErrorA, rawWarnB}
	ctx := context.Background()
	if err := l.Ingest(ctx, batch, ""); err != nil {
		t.Fatal(err)
	}
	first := l.Counters()
	if first.New != 2 {
		t.Fatalf("expected 2 new, got %+v", first)
	}
	// Same batch with shuffled order and different reference suffixes.
	again := []string{"Ελέγξτε την έκταση του αγροτεμαχίου. (99)", "Πρέπει να συμπληρώσετε το πεδίο Χ. (202)"}
	if err := l.Ingest(ctx, again, ""); err != nil {
		t.Fatal(err)
	}
	if l.Counters() != first {
		t.Fatalf("no-change ingest must not overwrite counters: %+v", l.Counters())
	}
	if len(l.Snapshot().Messages) != 2 {
		t.Fatalf("expected 2 messages")
	}
}

func TestDisappearanceDelta(t *testing.T) {
	l, _ := newTestLedger(t, &fakeStore{})
	ctx := context.Background()
	if err := l.Ingest(ctx, []string{rawErrorA, rawWarnB}, ""); err != nil {
		t.Fatal(err)
	}
	if err := l.Ingest(ctx, []string{rawErrorA}, ""); err != nil {
		t.Fatal(err)
	}
	if got := l.Counters(); got != (ChangeCounters{New: 0, Removed: 1}) {
		t.Fatalf("unexpected counters %+v", got)
	}
	snap := l.Snapshot()
	if len(snap.Messages) != 1 || snap.Messages[0].ID != MessageID(CleanMessageText(rawErrorA)) {
		t.Fatalf("disappeared message not dropped: %+v", snap.Messages)
	}
}

func TestReappearanceClearsSessionDismissal(t *testing.T) {
	l, _ := newTestLedger(t, &fakeStore{})
	ctx := context.Background()
	if err := l.Ingest(ctx, []string{rawErrorA}, ""); err != nil {
		t.Fatal(err)
	}
	id := l.Snapshot().Messages[0].ID
	l.DismissOnce(id)
	if len(l.Visible()) != 0 {
		t.Fatalf("dismissed message still visible")
	}
	if err := l.Ingest(ctx, []string{"Πρέπει να συμπληρώσετε το πεδίο Χ. (7)"}, ""); err != nil {
		t.Fatal(err)
	}
	vis := l.Visible()
	if len(vis) != 1 || vis[0].DismissedOnce {
		t.Fatalf("reappearance must clear session dismissal: %+v", vis)
	}
}

func TestDismissOnceUnknownIDIsNoop(t *testing.T) {
	l, _ := newTestLedger(t, &fakeStore{})
	l.DismissOnce("deadbeefdeadbeef")
}

func TestPermanentDismissalSurvivesPollChurn(t *testing.T) {
	store := &fakeStore{}
	l, _ := newTestLedger(t, store)
	ctx := context.Background()
	if err := l.Ingest(ctx, []string{rawErrorA, rawWarnB}, ""); err != nil {
		t.Fatal(err)
	}
	id := MessageID(CleanMessageText(rawErrorA))
	if err := l.DismissPermanently(ctx, id); err != nil {
		t.Fatal(err)
	}
	if got := store.saved(); len(got) != 1 || got[0] != id {
		t.Fatalf("dismissal not persisted: %v", got)
	}

	// Several cycles including and excluding the dismissed id.
	batches := [][]string{
		{rawErrorA, rawWarnB},
		{rawWarnB},
		{rawErrorA, rawWarnB, rawInfoC},
	}
	for _, batch := range batches {
		if err := l.Ingest(ctx, batch, ""); err != nil {
			t.Fatal(err)
		}
		for _, m := range l.Visible() {
			if m.ID == id {
				t.Fatalf("permanently dismissed id visible after ingest of %v", batch)
			}
		}
	}
	dismissed := l.PermanentlyDismissed()
	if len(dismissed) != 1 || dismissed[0].ID != id {
		t.Fatalf("dismissed message should remain listable: %+v", dismissed)
	}

	if err := l.Restore(ctx, id); err != nil {
		t.Fatal(err)
	}
	if got := store.saved(); len(got) != 0 {
		t.Fatalf("restore not persisted: %v", got)
	}
	found := false
	for _, m := range l.Visible() {
		if m.ID == id {
			found = true
		}
	}
	if !found {
		t.Fatalf("restored message should be visible again")
	}
}

func TestApplicationSwitchResetsLedger(t *testing.T) {
	l, _ := newTestLedger(t, &fakeStore{})
	ctx := context.Background()
	if err := l.Ingest(ctx, []string{rawErrorA, rawWarnB}, ""); err != nil {
		t.Fatal(err)
	}
	if err := l.SetApplicationID(ctx, "A2"); err != nil {
		t.Fatal(err)
	}
	snap := l.Snapshot()
	if len(snap.Messages) != 0 {
		t.Fatalf("messages not cleared on application switch")
	}
	if snap.ChangeCounters != (ChangeCounters{}) {
		t.Fatalf("counters not reset: %+v", snap.ChangeCounters)
	}
	if snap.ApplicationID != "A2" {
		t.Fatalf("unexpected application id %q", snap.ApplicationID)
	}
}

func TestApplicationSwitchSameIDIsNoop(t *testing.T) {
	l, _ := newTestLedger(t, &fakeStore{})
	ctx := context.Background()
	if err := l.Ingest(ctx, []string{rawErrorA}, ""); err != nil {
		t.Fatal(err)
	}
	gen := l.Generation()
	if err := l.SetApplicationID(ctx, "A1"); err != nil {
		t.Fatal(err)
	}
	if l.Generation() != gen {
		t.Fatalf("same-id switch must not bump generation")
	}
	if len(l.Snapshot().Messages) != 1 {
		t.Fatalf("same-id switch must not clear messages")
	}
}

func TestApplicationSwitchRestorePolicy(t *testing.T) {
	store := &fakeStore{restore: true}
	l, _ := newTestLedger(t, store)
	ctx := context.Background()
	if err := l.Ingest(ctx, []string{rawErrorA}, ""); err != nil {
		t.Fatal(err)
	}
	id := MessageID(CleanMessageText(rawErrorA))
	if err := l.DismissPermanently(ctx, id); err != nil {
		t.Fatal(err)
	}
	if err := l.SetApplicationID(ctx, "A2"); err != nil {
		t.Fatal(err)
	}
	if got := store.saved(); len(got) != 0 {
		t.Fatalf("policy should clear dismissed set, got %v", got)
	}
}

func TestIngestSelfCorrectsScope(t *testing.T) {
	l, _ := newTestLedger(t, &fakeStore{})
	ctx := context.Background()
	if err := l.Ingest(ctx, []string{rawErrorA}, ""); err != nil {
		t.Fatal(err)
	}
	// A poll response carrying a fresher application id resets scope first.
	if err := l.Ingest(ctx, []string{rawWarnB}, "A2"); err != nil {
		t.Fatal(err)
	}
	snap := l.Snapshot()
	if snap.ApplicationID != "A2" {
		t.Fatalf("scope not corrected: %q", snap.ApplicationID)
	}
	if len(snap.Messages) != 1 || snap.Messages[0].ID != MessageID(CleanMessageText(rawWarnB)) {
		t.Fatalf("unexpected messages after scope correction: %+v", snap.Messages)
	}
	if snap.ChangeCounters != (ChangeCounters{New: 1, Removed: 0}) {
		t.Fatalf("counters should reflect the fresh scope only: %+v", snap.ChangeCounters)
	}
}

func TestIdleEmptyBatch(t *testing.T) {
	store := &fakeStore{}
	clk := &fakeClock{t: time.Unix(1700000000, 0).UTC()}
	l, err := NewLedger(LedgerConfig{Store: store, Clock: clk.Now})
	if err != nil {
		t.Fatal(err)
	}
	if !l.Idle() {
		t.Fatalf("ledger should start idle")
	}
	if err := l.Ingest(context.Background(), nil, ""); err != nil {
		t.Fatal(err)
	}
	snap := l.Snapshot()
	if len(snap.Messages) != 0 || snap.ChangeCounters != (ChangeCounters{}) {
		t.Fatalf("idle empty ingest must be a steady-state no-op: %+v", snap)
	}
}

func TestSnapshotSortedNewestFirst(t *testing.T) {
	l, clk := newTestLedger(t, &fakeStore{})
	ctx := context.Background()
	if err := l.Ingest(ctx, []string{rawErrorA, rawWarnB}, ""); err != nil {
		t.Fatal(err)
	}
	clk.Advance(time.Minute)
	if err := l.Ingest(ctx, []string{rawErrorA, rawWarnB, rawInfoC}, ""); err != nil {
		t.Fatal(err)
	}
	snap := l.Snapshot()
	if len(snap.Messages) != 3 {
		t.Fatalf("expected 3 messages")
	}
	if snap.Messages[0].ID != MessageID(CleanMessageText(rawInfoC)) {
		t.Fatalf("newest message must sort first: %+v", snap.Messages[0])
	}
	// Equal FirstSeen falls back to original batch order.
	if snap.Messages[1].OriginalIndex > snap.Messages[2].OriginalIndex {
		t.Fatalf("tie-break by original index violated")
	}
}

func TestBySeverity(t *testing.T) {
	l, _ := newTestLedger(t, &fakeStore{})
	if err := l.Ingest(context.Background(), []string{rawErrorA, rawWarnB, rawInfoC}, ""); err != nil {
		t.Fatal(err)
	}
	if got := l.BySeverity(SeverityError); len(got) != 1 || got[0].Severity != SeverityError {
		t.Fatalf("unexpected error slice: %+v", got)
	}
	if got := l.BySeverity(SeverityInfo); len(got) != 1 {
		t.Fatalf("unexpected info slice: %+v", got)
	}
	if got := l.BySeverity(SeverityWarning); len(got) != 1 {
		t.Fatalf("unexpected warning slice: %+v", got)
	}
}

func TestDuplicateTextsInOneBatchCollapse(t *testing.T) {
	l, _ := newTestLedger(t, &fakeStore{})
	if err := l.Ingest(context.Background(), []string{rawErrorA, "Πρέπει να συμπληρώσετε το πεδίο Χ. (999)"}, ""); err != nil {
		t.Fatal(err)
	}
	snap := l.Snapshot()
	if len(snap.Messages) != 1 {
		t.Fatalf("same cleaned text must collapse to one entry, got %d", len(snap.Messages))
	}
	if snap.ChangeCounters.New != 1 {
		t.Fatalf("collapsed batch counts once: %+v", snap.ChangeCounters)
	}
}

func TestSubscriberNotified(t *testing.T) {
	l, _ := newTestLedger(t, &fakeStore{})
	var mu sync.Mutex
	var got []Snapshot
	unsubscribe := l.Subscribe(func(s Snapshot) {
		mu.Lock()
		got = append(got, s)
		mu.Unlock()
	})
	if err := l.Ingest(context.Background(), []string{rawErrorA}, ""); err != nil {
		t.Fatal(err)
	}
	mu.Lock()
	n := len(got)
	mu.Unlock()
	if n == 0 {
		t.Fatalf("subscriber not notified")
	}
	mu.Lock()
	last := got[n-1]
	mu.Unlock()
	if len(last.Messages) != 1 {
		t.Fatalf("subscriber got stale snapshot: %+v", last)
	}
	unsubscribe()
	l.ClearChangeCounters()
	mu.Lock()
	after := len(got)
	mu.Unlock()
	if after != n {
		t.Fatalf("unsubscribed callback still invoked")
	}
}

func TestSetLastError(t *testing.T) {
	l, _ := newTestLedger(t, &fakeStore{})
	if err := l.Ingest(context.Background(), []string{rawErrorA}, ""); err != nil {
		t.Fatal(err)
	}
	l.SetLastError(context.DeadlineExceeded)
	snap := l.Snapshot()
	if snap.LastError == "" {
		t.Fatalf("last error not recorded")
	}
	if len(snap.Messages) != 1 {
		t.Fatalf("transport error must not touch messages")
	}
	l.SetLastError(nil)
	if l.Snapshot().LastError != "" {
		t.Fatalf("last error not cleared")
	}
}
