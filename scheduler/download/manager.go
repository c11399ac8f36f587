// Package download implements block-level request bookkeeping for a single
// torrent's swarm, generalizing the whole-piece tracking of
// uber-kraken's lib/torrent/scheduler/dispatch/piecerequest.Manager to the
// (piece, block) granularity BEP-3 requires: this module requests 16 KiB
// blocks within a piece, not whole pieces, and verifies a piece only once
// every block inside it has arrived (content.Manager's job).
//
// Piece selection is rarest-first (spec.md section 4.5), grounded on
// piecerequest's rarest_first_policy.go: candidate pieces are pushed onto a
// min-priority queue keyed by how many connected peers have announced each
// piece, and drained in rarity order. Within a chosen piece, blocks are
// requested in ascending ordinal order.
package download

import (
	"fmt"
	"sync"
	"time"

	"github.com/andres-erbsen/clock"
	"github.com/willf/bitset"

	"github.com/btpd/btpd-sub000/core"
	"github.com/btpd/btpd-sub000/utils/heap"
	"github.com/btpd/btpd-sub000/utils/syncutil"
)

// Status enumerates the lifecycle of a single outstanding block request.
type Status int

const (
	// StatusPending is a valid request still in flight.
	StatusPending Status = iota

	// StatusExpired is an in-flight request that has timed out on our end.
	StatusExpired

	// StatusUnsent is a request that was never written to the wire (e.g. the
	// connection closed before it could be sent) and is safe to retry.
	StatusUnsent

	// StatusInvalid is a completed request whose PIECE payload failed
	// verification.
	StatusInvalid
)

// blockKey identifies a block by its piece index and ordinal position within
// that piece (not byte offset — ordinals stay stable regardless of the last
// piece's shorter final block).
type blockKey struct {
	Piece int
	Block int
}

// Request represents one outstanding (piece, block) request to a peer. Begin
// and Length are the wire-level byte range, derived from BlockGeometry at
// reservation time.
type Request struct {
	Piece  int
	Block  int
	Begin  int
	Length int
	PeerID core.PeerID
	Status Status

	sentAt time.Time
}

// PendingBlocks reports which block ordinals of a piece have not yet been
// received.
type PendingBlocks func(piece int) *bitset.BitSet

// BlockGeometry maps a piece's block ordinal back to its (begin, length)
// byte range, since the final block of a piece is usually shorter than
// MaxBlockLength.
type BlockGeometry func(piece, block int) (begin, length int)

// Manager encapsulates thread-safe block request bookkeeping for one
// torrent. It does not itself send or receive wire messages.
type Manager struct {
	mu sync.Mutex

	requests       map[blockKey][]*Request
	requestsByPeer map[core.PeerID]map[blockKey]*Request

	clk     clock.Clock
	timeout time.Duration

	pipelineLimit int
}

// Config bundles Manager's tunables.
type Config struct {
	RequestTimeout time.Duration
	PipelineLimit  int // MAX_PIPED_REQUESTS, spec.md section 4.5 (default 10)
}

func (c Config) applyDefaults() Config {
	if c.RequestTimeout == 0 {
		c.RequestTimeout = 30 * time.Second
	}
	if c.PipelineLimit == 0 {
		c.PipelineLimit = 10
	}
	return c
}

// NewManager constructs a Manager.
func NewManager(clk clock.Clock, config Config) *Manager {
	config = config.applyDefaults()
	return &Manager{
		requests:       make(map[blockKey][]*Request),
		requestsByPeer: make(map[core.PeerID]map[blockKey]*Request),
		clk:            clk,
		timeout:        config.RequestTimeout,
		pipelineLimit:  config.PipelineLimit,
	}
}

// ReserveBlocks selects the next block(s) to request from peerID, up to that
// peer's remaining pipeline quota. Pieces are drained rarest-first from
// pieceCandidates (pieces the peer has and we still need); within a piece,
// blocks are filled in ascending ordinal order via pending/geometry. If
// allowDuplicates is set (endgame mode), blocks already reserved under other
// peers may be re-requested.
func (m *Manager) ReserveBlocks(
	peerID core.PeerID,
	pieceCandidates *bitset.BitSet,
	numPeersByPiece *syncutil.Counters,
	pending PendingBlocks,
	geometry BlockGeometry,
	allowDuplicates bool,
) ([]Request, error) {

	m.mu.Lock()
	defer m.mu.Unlock()

	quota := m.requestQuota(peerID)
	if quota <= 0 {
		return nil, nil
	}

	pieceQueue := heap.NewPriorityQueue()
	for i, ok := pieceCandidates.NextSet(0); ok; i, ok = pieceCandidates.NextSet(i + 1) {
		pieceQueue.Push(&heap.Item{Value: int(i), Priority: numPeersByPiece.Get(int(i))})
	}

	var reserved []Request
	for len(reserved) < quota && pieceQueue.Len() > 0 {
		item, err := pieceQueue.Pop()
		if err != nil {
			return nil, err
		}
		piece, ok := item.Value.(int)
		if !ok {
			return nil, fmt.Errorf("download: expected int piece value, got %T", item.Value)
		}

		blocks := pending(piece)
		if blocks == nil {
			continue
		}
		for b, ok := blocks.NextSet(0); ok && len(reserved) < quota; b, ok = blocks.NextSet(b + 1) {
			block := int(b)
			if !m.validRequest(peerID, piece, block, allowDuplicates) {
				continue
			}
			begin, length := geometry(piece, block)
			r := &Request{
				Piece:  piece,
				Block:  block,
				Begin:  begin,
				Length: length,
				PeerID: peerID,
				Status: StatusPending,
				sentAt: m.clk.Now(),
			}
			key := blockKey{Piece: piece, Block: block}
			m.requests[key] = append(m.requests[key], r)
			if _, ok := m.requestsByPeer[peerID]; !ok {
				m.requestsByPeer[peerID] = make(map[blockKey]*Request)
			}
			m.requestsByPeer[peerID][key] = r
			reserved = append(reserved, *r)
		}
	}

	return reserved, nil
}

// MarkUnsent marks the request for (piece, block) from peerID as unsent.
func (m *Manager) MarkUnsent(peerID core.PeerID, piece, block int) {
	m.markStatus(peerID, piece, block, StatusUnsent)
}

// MarkInvalid marks the request for (piece, block) from peerID as invalid.
func (m *Manager) MarkInvalid(peerID core.PeerID, piece, block int) {
	m.markStatus(peerID, piece, block, StatusInvalid)
}

// CompleteBlock deletes the bookkeeping for a single (piece, block) request
// once its PIECE payload has arrived and been written, so it stops counting
// against the sending peer's pipeline quota.
func (m *Manager) CompleteBlock(peerID core.PeerID, piece, block int) {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := blockKey{Piece: piece, Block: block}
	delete(m.requests, key)
	if pm, ok := m.requestsByPeer[peerID]; ok {
		delete(pm, key)
		if len(pm) == 0 {
			delete(m.requestsByPeer, peerID)
		}
	}
}

// Clear deletes all bookkeeping for every block of piece (called once the
// piece has been verified, successfully or not, and is no longer of
// interest).
func (m *Manager) Clear(piece int) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for key := range m.requests {
		if key.Piece == piece {
			delete(m.requests, key)
		}
	}
	for peerID, pm := range m.requestsByPeer {
		for key := range pm {
			if key.Piece == piece {
				delete(pm, key)
			}
		}
		if len(pm) == 0 {
			delete(m.requestsByPeer, peerID)
		}
	}
}

// ClearPeer deletes all piece/block requests attributed to peerID, e.g. when
// the peer disconnects.
func (m *Manager) ClearPeer(peerID core.PeerID) {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.requestsByPeer, peerID)

	for key, rs := range m.requests {
		for i, r := range rs {
			if r.PeerID == peerID {
				rs[i] = rs[len(rs)-1]
				rs = rs[:len(rs)-1]
				break
			}
		}
		if len(rs) == 0 {
			delete(m.requests, key)
		} else {
			m.requests[key] = rs
		}
	}
}

// PendingRequests returns the (piece, block) pairs currently pending for
// peerID. Intended primarily for tests.
func (m *Manager) PendingRequests(peerID core.PeerID) []Request {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []Request
	for _, r := range m.requestsByPeer[peerID] {
		if r.Status == StatusPending {
			out = append(out, *r)
		}
	}
	return out
}

// BusyPieces reports the number of distinct pieces with at least one
// outstanding, unexpired request, for the caller's endgame-entry check
// (spec.md section 4.5: endgame begins once have_npieces + busy_pieces
// covers every piece, i.e. nothing is left unstarted).
func (m *Manager) BusyPieces() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	busy := make(map[int]struct{})
	for key, rs := range m.requests {
		for _, r := range rs {
			if r.Status == StatusPending && !m.expired(r) {
				busy[key.Piece] = struct{}{}
				break
			}
		}
	}
	return len(busy)
}

// OtherRequesters returns the peers, other than exclude, with an
// outstanding pending request for (piece, block). Used to broadcast a
// CANCEL once one copy of a duplicated endgame request has been delivered
// (spec.md section 4.5 step 4, scenario S2).
func (m *Manager) OtherRequesters(piece, block int, exclude core.PeerID) []core.PeerID {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := blockKey{Piece: piece, Block: block}
	var out []core.PeerID
	for _, r := range m.requests[key] {
		if r.PeerID != exclude && r.Status == StatusPending {
			out = append(out, r.PeerID)
		}
	}
	return out
}

// GetFailedRequests returns a snapshot of every request that is no longer
// pending (expired, unsent, or invalid), for the caller to act on — e.g. by
// re-reserving the block to a different peer.
func (m *Manager) GetFailedRequests() []Request {
	m.mu.Lock()
	defer m.mu.Unlock()

	var failed []Request
	for _, rs := range m.requests {
		for _, r := range rs {
			status := r.Status
			if status == StatusPending && m.expired(r) {
				status = StatusExpired
			}
			if status != StatusPending {
				cp := *r
				cp.Status = status
				failed = append(failed, cp)
			}
		}
	}
	return failed
}

func (m *Manager) validRequest(peerID core.PeerID, piece, block int, allowDuplicates bool) bool {
	key := blockKey{Piece: piece, Block: block}
	for _, r := range m.requests[key] {
		if r.Status == StatusPending && !m.expired(r) {
			if r.PeerID == peerID {
				return false
			}
			if !allowDuplicates {
				return false
			}
		}
	}
	return true
}

func (m *Manager) requestQuota(peerID core.PeerID) int {
	quota := m.pipelineLimit
	pm, ok := m.requestsByPeer[peerID]
	if !ok {
		return quota
	}
	for _, r := range pm {
		if r.Status == StatusPending && !m.expired(r) {
			quota--
			if quota == 0 {
				break
			}
		}
	}
	return quota
}

func (m *Manager) expired(r *Request) bool {
	return m.clk.Now().After(r.sentAt.Add(m.timeout))
}

func (m *Manager) markStatus(peerID core.PeerID, piece, block int, s Status) {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := blockKey{Piece: piece, Block: block}
	for _, r := range m.requests[key] {
		if r.PeerID == peerID {
			r.Status = s
		}
	}
}
