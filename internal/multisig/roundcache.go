package multisig

import (
	"sync"

	"github.com/duskrelay/multisigd/internal/cryptoutil"
)

// roundKey identifies one (op, round) pair in the once-per-round cache.
type roundKey struct {
	op    string
	round int
}

// roundCache enforces that each (op, round) executes at most once and at
// most once concurrently. Repeated calls with the same infos are silently
// no-ops; repeated calls with different infos are observable (returned to
// the caller) but still not re-executed.
type roundCache struct {
	mu      sync.Mutex
	hashes  map[roundKey]string
	inFlight map[roundKey]bool
}

func newRoundCache() *roundCache {
	return &roundCache{
		hashes:   make(map[roundKey]string),
		inFlight: make(map[roundKey]bool),
	}
}

// infosHash computes sha256(join(infos, "\n")).
func infosHash(infos []string) string {
	joined := ""
	for i, s := range infos {
		if i > 0 {
			joined += "\n"
		}
		joined += s
	}
	return cryptoutil.Sha256Hex([]byte(joined))
}

// begin returns (shouldRun, alreadyDone, differsFromRecorded). If the op is
// currently in flight, shouldRun is false regardless of hash.
func (c *roundCache) begin(op string, round int, infos []string) (shouldRun, alreadyDone, differs bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	key := roundKey{op, round}
	h := infosHash(infos)

	if c.inFlight[key] {
		return false, false, false
	}
	if prev, ok := c.hashes[key]; ok {
		return false, true, prev != h
	}
	c.inFlight[key] = true
	c.hashes[key] = h
	return true, false, false
}

func (c *roundCache) end(op string, round int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.inFlight, roundKey{op, round})
}
