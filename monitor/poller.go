package monitor

import (
	"context"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"
)

// PollAuditor archives completed poll outcomes. Optional.
type PollAuditor interface {
	RecordPoll(ctx context.Context, rec PollRecord) error
}

type PollerConfig struct {
	Ledger   *Ledger
	Source   MessageSource
	Audit    PollAuditor
	Year     int
	Interval time.Duration
	Debug    bool
}

// Poller drives the ledger: one fetch-and-ingest cycle per tick against the
// ledger's active application. Polls never overlap; a tick that fires while
// the previous poll is still in flight is skipped.
type Poller struct {
	cfg PollerConfig

	inFlight atomic.Bool

	mu     sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewPoller(cfg PollerConfig) (*Poller, error) {
	if cfg.Ledger == nil {
		return nil, fmt.Errorf("Ledger is required")
	}
	if cfg.Source == nil {
		return nil, fmt.Errorf("Source is required")
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 30 * time.Second
	}
	return &Poller{cfg: cfg}, nil
}

func (p *Poller) debugf(format string, args ...any) {
	if p == nil || !p.cfg.Debug {
		return
	}
	log.Printf(format, args...)
}

// Start launches the poll loop. Calling Start on a running poller is a
// no-op; Stop before restarting with new settings.
func (p *Poller) Start(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.wg.Add(1)
	go p.loop(ctx)
}

func (p *Poller) Stop() {
	p.mu.Lock()
	cancel := p.cancel
	p.cancel = nil
	p.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	p.wg.Wait()
}

func (p *Poller) loop(ctx context.Context) {
	defer p.wg.Done()
	ticker := time.NewTicker(p.cfg.Interval)
	defer ticker.Stop()
	if err := p.PollNow(ctx); err != nil {
		log.Printf("poll: %v", err)
	}
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := p.PollNow(ctx); err != nil {
				log.Printf("poll: %v", err)
			}
		}
	}
}

// PollNow runs one poll cycle for the ledger's active application. A
// transport failure sets the snapshot's last error and leaves the tracked
// messages untouched; the next tick retries naturally. A response that
// arrives after the application scope changed is discarded.
func (p *Poller) PollNow(ctx context.Context) error {
	if !p.inFlight.CompareAndSwap(false, true) {
		p.debugf("poll skipped: previous poll still in flight")
		return nil
	}
	defer p.inFlight.Store(false)

	appID := p.cfg.Ledger.ApplicationID()
	if appID == "" {
		p.debugf("poll skipped: no active application")
		return nil
	}
	gen := p.cfg.Ledger.Generation()
	start := time.Now()
	p.cfg.Ledger.SetLoading(true)
	raw, err := p.cfg.Source.FetchMessages(ctx, p.cfg.Year, appID)
	p.cfg.Ledger.SetLoading(false)

	rec := PollRecord{
		PolledAt:      start.UTC(),
		ApplicationID: appID,
		DurationMS:    time.Since(start).Milliseconds(),
	}
	if err != nil {
		p.cfg.Ledger.SetLastError(err)
		rec.LastError = err.Error()
		p.audit(ctx, rec)
		return err
	}
	if p.cfg.Ledger.Generation() != gen {
		p.debugf("poll discarded: application scope changed mid-flight (app=%q)", appID)
		return nil
	}

	prev := messageIDSet(p.cfg.Ledger.Snapshot().Messages)
	p.cfg.Ledger.SetLastError(nil)
	if err := p.cfg.Ledger.Ingest(ctx, raw, appID); err != nil {
		rec.LastError = err.Error()
		p.audit(ctx, rec)
		return err
	}
	cur := messageIDSet(p.cfg.Ledger.Snapshot().Messages)
	rec.MessageCount = len(cur)
	for id := range cur {
		if _, ok := prev[id]; !ok {
			rec.NewCount++
		}
	}
	for id := range prev {
		if _, ok := cur[id]; !ok {
			rec.RemovedCount++
		}
	}
	p.audit(ctx, rec)
	return nil
}

func (p *Poller) audit(ctx context.Context, rec PollRecord) {
	if p.cfg.Audit == nil {
		return
	}
	if err := p.cfg.Audit.RecordPoll(ctx, rec); err != nil {
		log.Printf("record poll: %v", err)
	}
}

func messageIDSet(msgs []TrackedMessage) map[string]struct{} {
	out := make(map[string]struct{}, len(msgs))
	for _, m := range msgs {
		out[m.ID] = struct{}{}
	}
	return out
}
