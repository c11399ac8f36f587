// Package choke implements the periodic choking algorithm: ranking
// connected peers by observed transfer rate, choosing an unchoke set capped
// at a configurable number of upload slots, and rotating an "optimistic"
// unchoke slot independent of rank to give new peers a chance to prove
// their throughput (spec.md section 4.6). Runs on a 10-second tick with
// optimistic rotation every third tick (~30s).
//
// There is no direct teacher analog for choke ranking (uber-kraken has no
// choking algorithm — every peer it dispatches to is unchoked). The
// bookkeeping style (mutex-guarded per-peer struct, clock-driven ticks,
// zap/tally observability) is grounded on the dispatcher/peer pattern in
// lib/torrent/scheduler/dispatcher.go.
package choke

import (
	"math/rand"
	"sync"
	"time"

	"github.com/andres-erbsen/clock"
	"github.com/uber-go/tally"
	"go.uber.org/zap"

	"github.com/btpd/btpd-sub000/core"
)

// historyLen is the number of samples the smoothed rate estimate
// effectively averages over (spec.md section 4.6).
const historyLen = 20

// RateTracker maintains a smoothed per-peer transfer rate estimate using
// spec.md's compressed-sum formula: rate += sample - compressed(rate),
// where compressed(r) = r/history_len if r > 256*history_len else min(256, r).
type RateTracker struct {
	mu   sync.Mutex
	rate float64
}

// Sample folds one tick's observed byte count into the smoothed rate.
func (t *RateTracker) Sample(n int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.rate += float64(n) - compressed(t.rate)
}

// Rate returns the current smoothed rate estimate.
func (t *RateTracker) Rate() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.rate
}

func compressed(r float64) float64 {
	if r > 256*historyLen {
		return r / historyLen
	}
	if r > 256 {
		return 256
	}
	return r
}

// PeerInfo is the subset of a peer's state the choke algorithm needs at
// each tick, supplied fresh by the caller (the torrent's dispatch layer).
type PeerInfo struct {
	PeerID     core.PeerID
	Interested bool // peer is interested (would request blocks if unchoked)
	Full       bool // peer has nothing left we can usefully serve
	Choked     bool // we are currently choking this peer
	Rate       float64
}

// Decision is the choke algorithm's verdict for one peer.
type Decision struct {
	PeerID      core.PeerID
	Unchoke     bool
	Optimistic  bool
}

// Config bundles the choke scheduler's tunables.
type Config struct {
	MaxUploads int           // upload slot cap, spec.md section 4.6 ("max_uploads")
	Seeding    bool          // not read by Scheduler: the caller picks upload or download rate for PeerInfo.Rate
	Interval   time.Duration // tick period, default 10s
}

func (c Config) applyDefaults() Config {
	if c.MaxUploads == 0 {
		c.MaxUploads = 4
	}
	if c.Interval == 0 {
		c.Interval = 10 * time.Second
	}
	return c
}

// Scheduler runs the periodic ranking and optimistic-unchoke rotation.
type Scheduler struct {
	config Config
	clk    clock.Clock
	stats  tally.Scope
	logger *zap.SugaredLogger

	mu         sync.Mutex
	ticks      int
	optimistic core.PeerID
	hasOpt     bool
}

// New constructs a Scheduler.
func New(config Config, clk clock.Clock, stats tally.Scope, logger *zap.SugaredLogger) *Scheduler {
	return &Scheduler{
		config: config.applyDefaults(),
		clk:    clk,
		stats:  stats.Tagged(map[string]string{"module": "choke"}),
		logger: logger,
	}
}

// Interval returns the configured tick period, for the caller's event loop
// timer heap.
func (s *Scheduler) Interval() time.Duration {
	return s.config.Interval
}

// Tick ranks peers and returns the choke/unchoke decision for each,
// rotating the optimistic-unchoke slot every third call.
func (s *Scheduler) Tick(peers []PeerInfo) []Decision {
	s.mu.Lock()
	s.ticks++
	rotate := s.ticks%3 == 0
	s.mu.Unlock()

	eligible := make([]PeerInfo, 0, len(peers))
	for _, p := range peers {
		if p.Interested && !p.Full {
			eligible = append(eligible, p)
		}
	}

	optimisticID, hasOptimistic := s.selectOptimistic(eligible, rotate)

	ranked := rankByRate(eligible, optimisticID, hasOptimistic)

	slots := s.config.MaxUploads
	if hasOptimistic {
		slots--
	}
	if slots < 0 {
		slots = 0
	}

	unchoke := make(map[core.PeerID]bool, slots+1)
	for i, p := range ranked {
		if i >= slots {
			break
		}
		unchoke[p.PeerID] = true
	}
	if hasOptimistic {
		unchoke[optimisticID] = true
	}

	decisions := make([]Decision, 0, len(peers))
	for _, p := range peers {
		decisions = append(decisions, Decision{
			PeerID:     p.PeerID,
			Unchoke:    unchoke[p.PeerID],
			Optimistic: hasOptimistic && p.PeerID == optimisticID,
		})
	}

	s.stats.Gauge("unchoked").Update(float64(len(unchoke)))
	return decisions
}

// selectOptimistic rotates the optimistic slot on rotate ticks, choosing
// uniformly at random among interested, still-choked peers (spec.md's
// redesign flag: the original rotates FIFO through the peer queue as a
// deterministic proxy for randomness; a real random choice is preferable).
// On non-rotate ticks it keeps the previous optimistic peer if still
// eligible.
func (s *Scheduler) selectOptimistic(eligible []PeerInfo, rotate bool) (core.PeerID, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !rotate && s.hasOpt {
		for _, p := range eligible {
			if p.PeerID == s.optimistic {
				return s.optimistic, true
			}
		}
	}

	var candidates []core.PeerID
	for _, p := range eligible {
		if p.Choked {
			candidates = append(candidates, p.PeerID)
		}
	}
	if len(candidates) == 0 {
		s.hasOpt = false
		return core.PeerID{}, false
	}

	chosen := candidates[rand.Intn(len(candidates))]
	s.optimistic = chosen
	s.hasOpt = true
	return chosen, true
}

func rankByRate(eligible []PeerInfo, optimisticID core.PeerID, hasOptimistic bool) []PeerInfo {
	ranked := make([]PeerInfo, 0, len(eligible))
	for _, p := range eligible {
		if hasOptimistic && p.PeerID == optimisticID {
			continue
		}
		ranked = append(ranked, p)
	}
	sortByRateDescending(ranked)
	return ranked
}

// sortByRateDescending is a small insertion sort: peer counts per torrent
// are small (tens, not thousands), so an O(n^2) sort keeps this file
// dependency-free without mattering for wall-clock cost.
func sortByRateDescending(peers []PeerInfo) {
	for i := 1; i < len(peers); i++ {
		for j := i; j > 0 && peers[j].Rate > peers[j-1].Rate; j-- {
			peers[j], peers[j-1] = peers[j-1], peers[j]
		}
	}
}
