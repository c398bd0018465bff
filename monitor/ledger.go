package monitor

import (
	"context"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"
)

// SuppressionStore is the durable backing for the permanently-dismissed-id
// set and the new-application policy flag. Implementations must block reads
// and writes until their initial load has completed.
type SuppressionStore interface {
	Ready(ctx context.Context) error
	DismissedIDs(ctx context.Context) ([]string, error)
	SaveDismissedIDs(ctx context.Context, ids []string) error
	RestoreOnNewApplication(ctx context.Context) (bool, error)
}

type ChangeCounters struct {
	New     int `json:"new"`
	Removed int `json:"removed"`
}

// Snapshot is the read-only state pushed to UI clients. Plain data only; it
// crosses the websocket boundary as JSON.
type Snapshot struct {
	ApplicationID  string           `json:"applicationId"`
	Messages       []TrackedMessage `json:"messages"`
	IsLoading      bool             `json:"isLoading"`
	LastError      string           `json:"lastError,omitempty"`
	ChangeCounters ChangeCounters   `json:"changeCounters"`
}

type LedgerConfig struct {
	Store SuppressionStore
	// Clock defaults to time.Now. Injected so tests can control timestamps.
	Clock func() time.Time
	Debug bool
}

// Ledger tracks validation messages for one application scope at a time:
// it reconciles each poll's raw batch against the previous state, keeps
// appeared/disappeared counters, and layers session and permanent
// suppression on top to produce the visible set.
type Ledger struct {
	cfg LedgerConfig

	mu            sync.Mutex
	applicationID string
	idle          bool
	messages      map[string]*TrackedMessage
	counters      ChangeCounters
	dismissed     map[string]struct{}
	isLoading     bool
	lastError     string
	generation    uint64
	subs          map[int]func(Snapshot)
	nextSub       int
}

func NewLedger(cfg LedgerConfig) (*Ledger, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("Store is required")
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	return &Ledger{
		cfg:       cfg,
		idle:      true,
		messages:  make(map[string]*TrackedMessage),
		dismissed: make(map[string]struct{}),
		subs:      make(map[int]func(Snapshot)),
	}, nil
}

func (l *Ledger) debugf(format string, args ...any) {
	if l == nil || !l.cfg.Debug {
		return
	}
	log.Printf(format, args...)
}

// Hydrate loads the persisted dismissed-id set into the in-memory mirror.
// Call once at startup, after the store is constructed.
func (l *Ledger) Hydrate(ctx context.Context) error {
	ids, err := l.cfg.Store.DismissedIDs(ctx)
	if err != nil {
		return fmt.Errorf("load dismissed ids: %w", err)
	}
	l.mu.Lock()
	l.dismissed = make(map[string]struct{}, len(ids))
	for _, id := range ids {
		l.dismissed[id] = struct{}{}
	}
	l.mu.Unlock()
	l.debugf("hydrated %d permanently dismissed ids", len(ids))
	return nil
}

// Subscribe registers a callback invoked with a fresh snapshot after every
// state change. The returned function unregisters it. Callbacks run outside
// the ledger lock.
func (l *Ledger) Subscribe(fn func(Snapshot)) func() {
	l.mu.Lock()
	id := l.nextSub
	l.nextSub++
	l.subs[id] = fn
	l.mu.Unlock()
	return func() {
		l.mu.Lock()
		delete(l.subs, id)
		l.mu.Unlock()
	}
}

// SetApplicationID switches the active application scope. A genuine change
// clears all tracked messages and counters; switching to the same id is a
// no-op. When the restore-on-new-application policy is enabled, a change to
// a non-empty id also clears the permanent-dismissal set.
func (l *Ledger) SetApplicationID(ctx context.Context, newID string) error {
	l.mu.Lock()
	if newID == l.applicationID {
		l.mu.Unlock()
		return nil
	}
	l.debugf("application scope %q -> %q", l.applicationID, newID)
	l.resetScopeLocked(newID)
	snap, subs := l.snapshotLocked(), l.subscribersLocked()
	l.mu.Unlock()
	l.publish(snap, subs)

	if newID == "" {
		return nil
	}
	restore, err := l.cfg.Store.RestoreOnNewApplication(ctx)
	if err != nil {
		return fmt.Errorf("read restore policy: %w", err)
	}
	if !restore {
		return nil
	}
	return l.clearDismissed(ctx)
}

func (l *Ledger) resetScopeLocked(newID string) {
	l.applicationID = newID
	l.idle = newID == ""
	l.messages = make(map[string]*TrackedMessage)
	l.counters = ChangeCounters{}
	l.generation++
}

// Ingest reconciles one poll's raw message batch against the tracked state.
// Safe to call repeatedly with identical data: a batch that reproduces the
// same id set changes nothing and leaves prior counters untouched.
func (l *Ledger) Ingest(ctx context.Context, rawMessages []string, pollApplicationID string) error {
	if pollApplicationID != "" {
		if err := l.SetApplicationID(ctx, pollApplicationID); err != nil {
			return err
		}
	}

	l.mu.Lock()
	if l.applicationID == "" && len(rawMessages) == 0 {
		// Idle steady-state: nothing to track, no delta churn.
		l.messages = make(map[string]*TrackedMessage)
		l.mu.Unlock()
		return nil
	}

	now := l.cfg.Clock()
	incoming := make(map[string]struct{}, len(rawMessages))
	next := make(map[string]*TrackedMessage, len(rawMessages))
	for i, raw := range rawMessages {
		cleaned := CleanMessageText(raw)
		id := MessageID(cleaned)
		incoming[id] = struct{}{}
		if _, dup := next[id]; dup {
			continue
		}
		if m, ok := l.messages[id]; ok {
			m.RawText = raw
			m.CleanedText = cleaned
			m.Severity = Categorize(raw)
			m.OriginalIndex = i
			m.LastSeen = now
			// Reappearance always clears session dismissal.
			m.DismissedOnce = false
			next[id] = m
			continue
		}
		next[id] = &TrackedMessage{
			ID:            id,
			RawText:       raw,
			CleanedText:   cleaned,
			Severity:      Categorize(raw),
			OriginalIndex: i,
			FirstSeen:     now,
			LastSeen:      now,
		}
	}

	// Delta from set membership, independent of iteration order.
	newCount := 0
	for id := range incoming {
		if _, ok := l.messages[id]; !ok {
			newCount++
		}
	}
	removedCount := 0
	for id := range l.messages {
		if _, ok := incoming[id]; !ok {
			removedCount++
		}
	}
	if newCount > 0 || removedCount > 0 {
		l.counters = ChangeCounters{New: newCount, Removed: removedCount}
	}
	l.messages = next
	l.debugf("ingest app=%q messages=%d new=%d removed=%d", l.applicationID, len(next), newCount, removedCount)
	snap, subs := l.snapshotLocked(), l.subscribersLocked()
	l.mu.Unlock()
	l.publish(snap, subs)
	return nil
}

// DismissOnce suppresses a message until its id next reappears in a poll.
// Unknown ids are ignored.
func (l *Ledger) DismissOnce(id string) {
	l.mu.Lock()
	m, ok := l.messages[id]
	if ok {
		m.DismissedOnce = true
	}
	snap, subs := l.snapshotLocked(), l.subscribersLocked()
	l.mu.Unlock()
	if ok {
		l.publish(snap, subs)
	}
}

// DismissPermanently adds the id to the persisted suppression set. The
// message stays in the ledger so its text can still be listed under
// "permanently dismissed".
func (l *Ledger) DismissPermanently(ctx context.Context, id string) error {
	l.mu.Lock()
	if _, ok := l.dismissed[id]; ok {
		l.mu.Unlock()
		return nil
	}
	l.dismissed[id] = struct{}{}
	ids := l.dismissedIDsLocked()
	snap, subs := l.snapshotLocked(), l.subscribersLocked()
	l.mu.Unlock()
	l.publish(snap, subs)
	return l.cfg.Store.SaveDismissedIDs(ctx, ids)
}

// Restore removes the id from the persisted suppression set.
func (l *Ledger) Restore(ctx context.Context, id string) error {
	l.mu.Lock()
	if _, ok := l.dismissed[id]; !ok {
		l.mu.Unlock()
		return nil
	}
	delete(l.dismissed, id)
	ids := l.dismissedIDsLocked()
	snap, subs := l.snapshotLocked(), l.subscribersLocked()
	l.mu.Unlock()
	l.publish(snap, subs)
	return l.cfg.Store.SaveDismissedIDs(ctx, ids)
}

func (l *Ledger) clearDismissed(ctx context.Context) error {
	l.mu.Lock()
	l.dismissed = make(map[string]struct{})
	snap, subs := l.snapshotLocked(), l.subscribersLocked()
	l.mu.Unlock()
	l.publish(snap, subs)
	return l.cfg.Store.SaveDismissedIDs(ctx, nil)
}

// ClearChangeCounters resets the new/removed counters, typically when the
// user opens the message panel and has seen the badge.
func (l *Ledger) ClearChangeCounters() {
	l.mu.Lock()
	l.counters = ChangeCounters{}
	snap, subs := l.snapshotLocked(), l.subscribersLocked()
	l.mu.Unlock()
	l.publish(snap, subs)
}

// SetLoading marks a poll in flight on the exported snapshot.
func (l *Ledger) SetLoading(loading bool) {
	l.mu.Lock()
	l.isLoading = loading
	snap, subs := l.snapshotLocked(), l.subscribersLocked()
	l.mu.Unlock()
	l.publish(snap, subs)
}

// SetLastError records a transport failure on the snapshot without touching
// the tracked messages. A nil error clears it.
func (l *Ledger) SetLastError(err error) {
	l.mu.Lock()
	if err != nil {
		l.lastError = err.Error()
	} else {
		l.lastError = ""
	}
	snap, subs := l.snapshotLocked(), l.subscribersLocked()
	l.mu.Unlock()
	l.publish(snap, subs)
}

func (l *Ledger) ApplicationID() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.applicationID
}

func (l *Ledger) Idle() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.idle
}

// Generation increments on every scope switch. The poller captures it
// before a fetch and discards responses whose generation is stale.
func (l *Ledger) Generation() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.generation
}

func (l *Ledger) Counters() ChangeCounters {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.counters
}

func (l *Ledger) Snapshot() Snapshot {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.snapshotLocked()
}

// Visible returns tracked messages that are neither session-dismissed nor
// permanently dismissed, newest-first.
func (l *Ledger) Visible() []TrackedMessage {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]TrackedMessage, 0, len(l.messages))
	for _, m := range l.messages {
		if m.DismissedOnce {
			continue
		}
		if _, ok := l.dismissed[m.ID]; ok {
			continue
		}
		out = append(out, *m)
	}
	sortNewestFirst(out)
	return out
}

// PermanentlyDismissed returns tracked messages whose id is in the
// persisted suppression set, newest-first.
func (l *Ledger) PermanentlyDismissed() []TrackedMessage {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]TrackedMessage, 0, len(l.dismissed))
	for _, m := range l.messages {
		if _, ok := l.dismissed[m.ID]; ok {
			out = append(out, *m)
		}
	}
	sortNewestFirst(out)
	return out
}

// BySeverity filters the visible set by severity.
func (l *Ledger) BySeverity(level Severity) []TrackedMessage {
	visible := l.Visible()
	out := make([]TrackedMessage, 0, len(visible))
	for _, m := range visible {
		if m.Severity == level {
			out = append(out, m)
		}
	}
	return out
}

func (l *Ledger) snapshotLocked() Snapshot {
	msgs := make([]TrackedMessage, 0, len(l.messages))
	for _, m := range l.messages {
		msgs = append(msgs, *m)
	}
	sortNewestFirst(msgs)
	return Snapshot{
		ApplicationID:  l.applicationID,
		Messages:       msgs,
		IsLoading:      l.isLoading,
		LastError:      l.lastError,
		ChangeCounters: l.counters,
	}
}

func (l *Ledger) dismissedIDsLocked() []string {
	ids := make([]string, 0, len(l.dismissed))
	for id := range l.dismissed {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (l *Ledger) subscribersLocked() []func(Snapshot) {
	out := make([]func(Snapshot), 0, len(l.subs))
	for _, fn := range l.subs {
		out = append(out, fn)
	}
	return out
}

func (l *Ledger) publish(snap Snapshot, subs []func(Snapshot)) {
	for _, fn := range subs {
		fn(snap)
	}
}

func sortNewestFirst(msgs []TrackedMessage) {
	sort.SliceStable(msgs, func(i, j int) bool {
		if !msgs[i].FirstSeen.Equal(msgs[j].FirstSeen) {
			return msgs[i].FirstSeen.After(msgs[j].FirstSeen)
		}
		return msgs[i].OriginalIndex < msgs[j].OriginalIndex
	})
}
