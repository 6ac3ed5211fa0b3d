package acceptor

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/duskrelay/multisigd/internal/transport"
)

const (
	notifyRetryInterval = 5 * time.Second
	notifyMaxAttempts   = 3600
)

// Notifier propagates a POST /api/multisig/new proposal to a fixed set of
// target onions, retrying each independently until it succeeds or the
// attempt budget is exhausted. It is a standalone long-lived object with
// its own per-target retry ledger, so it can run either unattached (a
// sender that never becomes a participant) or alongside a session the
// caller also spawned locally.
type Notifier struct {
	client *transport.Client
	ref    string
	req    transport.NewMultisigRequest
}

// NewNotifier builds a notifier for one proposal, to be delivered to every
// onion in targets.
func NewNotifier(client *transport.Client, ref string, req transport.NewMultisigRequest) *Notifier {
	return &Notifier{client: client, ref: ref, req: req}
}

// Deliver spawns one retry loop per target and returns once every target
// has either succeeded or exhausted its attempt budget. Callers that want
// fire-and-forget delivery should launch Deliver on its own goroutine.
func (n *Notifier) Deliver(ctx context.Context, targets []string) {
	var wg sync.WaitGroup
	for _, target := range targets {
		wg.Add(1)
		go func(target string) {
			defer wg.Done()
			n.deliverTo(ctx, target)
		}(target)
	}
	wg.Wait()
}

func (n *Notifier) deliverTo(ctx context.Context, target string) {
	ticker := time.NewTicker(notifyRetryInterval)
	defer ticker.Stop()
	for attempt := 1; attempt <= notifyMaxAttempts; attempt++ {
		var resp transport.OkResponse
		err := n.client.Post(ctx, target, "/api/multisig/new", n.ref, n.req, &resp)
		if err == nil && resp.Ok {
			log.Printf("[notifier] %s delivered to %s (attempt %d)", n.ref, target, attempt)
			return
		}
		select {
		case <-ctx.Done():
			log.Printf("[notifier] %s delivery to %s cancelled after %d attempts", n.ref, target, attempt)
			return
		case <-ticker.C:
		}
	}
	log.Printf("[notifier] %s delivery to %s exhausted %d attempts", n.ref, target, notifyMaxAttempts)
}
