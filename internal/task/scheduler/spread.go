package scheduler

import (
	"hash/fnv"
	"math/rand"
	"sync/atomic"
	"time"
)

const maxStartupSpread = 5 * time.Second

var spreadSeq uint64

// startupSpread returns the delay before a loop's first tick: a random jitter below
// min(tick, maxStartupSpread), so the loops started together do not hit the store at
// the same instant.
func startupSpread(tick time.Duration, tag string) time.Duration {
	spreadMax := min(tick, maxStartupSpread)
	if spreadMax <= 0 {
		return 0
	}
	seed := time.Now().UnixNano() ^ int64(atomic.AddUint64(&spreadSeq, 1)) ^ int64(fnv64a(tag))
	rng := rand.New(rand.NewSource(seed))
	return time.Duration(rng.Int63n(int64(spreadMax)))
}

func fnv64a(s string) uint64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(s))
	return h.Sum64()
}
