package monitor

import (
	"context"
	"fmt"
	"log"
	"net/http"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

// Bridge forwards ledger snapshots to websocket UI clients and dispatches
// their action frames back into the ledger. The ledger itself knows nothing
// about the transport; the bridge is just one subscriber.
type Bridge struct {
	ledger *Ledger
	debug  bool
}

func NewBridge(ledger *Ledger, debug bool) *Bridge {
	return &Bridge{ledger: ledger, debug: debug}
}

func (b *Bridge) debugf(format string, args ...any) {
	if b == nil || !b.debug {
		return
	}
	log.Printf(format, args...)
}

type bridgeFrame struct {
	Type     string    `json:"type"` // snapshot or error
	Snapshot *Snapshot `json:"snapshot,omitempty"`
	Error    string    `json:"error,omitempty"`
}

type actionFrame struct {
	Action        string `json:"action"`
	ID            string `json:"id,omitempty"`
	ApplicationID string `json:"applicationId,omitempty"`
}

func (b *Bridge) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		// The bridge binds to loopback; extension pages carry a
		// chrome-extension:// origin that would fail the default check.
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		b.debugf("websocket accept: %v", err)
		return
	}
	defer conn.Close(websocket.StatusInternalError, "bridge closed")
	b.debugf("bridge client connected from %s", r.RemoteAddr)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	out := make(chan bridgeFrame, 16)
	unsubscribe := b.ledger.Subscribe(func(s Snapshot) {
		frame := bridgeFrame{Type: "snapshot", Snapshot: &s}
		select {
		case out <- frame:
		default:
			// Slow client; it catches up on the next change.
		}
	})
	defer unsubscribe()

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case frame := <-out:
				if err := wsjson.Write(ctx, conn, frame); err != nil {
					cancel()
					return
				}
			}
		}
	}()

	snap := b.ledger.Snapshot()
	out <- bridgeFrame{Type: "snapshot", Snapshot: &snap}

	for {
		var act actionFrame
		if err := wsjson.Read(ctx, conn, &act); err != nil {
			b.debugf("bridge client gone: %v", err)
			return
		}
		if err := b.dispatch(ctx, act); err != nil {
			b.debugf("bridge action %q failed: %v", act.Action, err)
			select {
			case out <- bridgeFrame{Type: "error", Error: err.Error()}:
			default:
			}
		}
	}
}

func (b *Bridge) dispatch(ctx context.Context, act actionFrame) error {
	switch act.Action {
	case "dismissOnce":
		b.ledger.DismissOnce(act.ID)
		return nil
	case "dismissPermanently":
		return b.ledger.DismissPermanently(ctx, act.ID)
	case "restore":
		return b.ledger.Restore(ctx, act.ID)
	case "clearChangeCounters":
		b.ledger.ClearChangeCounters()
		return nil
	case "setApplication":
		return b.ledger.SetApplicationID(ctx, act.ApplicationID)
	default:
		return fmt.Errorf("unknown action %q", act.Action)
	}
}
