// Package swarm implements the accept loop and file-descriptor accounting
// shared by every torrent in the process (spec.md section 2, "Net /
// bandwidth"; section 5 fd accounting). Grounded on teacher's
// lib/torrent/scheduler.scheduler.listenLoop: accept in a loop, hand the
// raw conn off to a Handshaker in its own goroutine, and post the result
// back rather than blocking the accept loop on a single slow handshake.
package swarm

import (
	"context"
	"fmt"
	"net"
	"sync"

	"github.com/andres-erbsen/clock"
	"github.com/uber-go/tally"
	"go.uber.org/zap"

	"github.com/btpd/btpd-sub000/bandwidth"
	"github.com/btpd/btpd-sub000/core"
	"github.com/btpd/btpd-sub000/peer"
)

// Lookup resolves an info hash to whether a torrent with that hash is
// currently registered, and is consulted before completing an inbound
// handshake.
type Lookup func(core.InfoHash) bool

// Dispatch is notified once a Conn has been fully established, whether
// inbound or outbound.
type Dispatch interface {
	DispatchConn(*peer.Conn)
}

// Config bundles Swarm's tunables. MaxConns caps the connections, inbound
// and outbound together, that may hold a slot at once; it defaults to 200
// and is a fixed number, not derived from the process's file-descriptor
// limit.
type Config struct {
	ListenAddr string
	MaxConns   int
	Conn       peer.Config
	Bandwidth  bandwidth.Config
}

func (c Config) applyDefaults() Config {
	if c.MaxConns == 0 {
		c.MaxConns = 200
	}
	return c
}

// Swarm owns the listening socket and the per-process bandwidth limiter,
// and dispatches every established Conn to its torrent.
type Swarm struct {
	config    Config
	peerID    core.PeerID
	stats     tally.Scope
	clk       clock.Clock
	bandwidth *bandwidth.Limiter
	logger    *zap.SugaredLogger
	lookup    Lookup
	dispatch  Dispatch

	mu        sync.Mutex
	listener  net.Listener
	numConns  int
	wg        sync.WaitGroup
	cancelCtx context.CancelFunc
}

// New constructs a Swarm. Start must be called to begin accepting.
func New(
	config Config,
	peerID core.PeerID,
	stats tally.Scope,
	clk clock.Clock,
	logger *zap.SugaredLogger,
	lookup Lookup,
	dispatch Dispatch,
) *Swarm {
	config = config.applyDefaults()
	return &Swarm{
		config:    config,
		peerID:    peerID,
		stats:     stats.Tagged(map[string]string{"module": "swarm"}),
		clk:       clk,
		bandwidth: bandwidth.New(config.Bandwidth, logger),
		logger:    logger,
		lookup:    lookup,
		dispatch:  dispatch,
	}
}

// Start opens the listening socket and begins the accept loop.
func (s *Swarm) Start() error {
	ln, err := net.Listen("tcp", s.config.ListenAddr)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	s.listener = ln

	ctx, cancel := context.WithCancel(context.Background())
	s.cancelCtx = cancel

	s.wg.Add(1)
	go s.acceptLoop(ctx)
	return nil
}

// Stop closes the listener and waits for the accept loop to exit. Already
// established connections are not closed; callers own their lifecycle via
// Dispatch.
func (s *Swarm) Stop() {
	if s.cancelCtx != nil {
		s.cancelCtx()
	}
	if s.listener != nil {
		s.listener.Close()
	}
	s.wg.Wait()
}

// Addr returns the bound listen address, valid only after Start.
func (s *Swarm) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

func (s *Swarm) acceptLoop(ctx context.Context) {
	defer s.wg.Done()
	s.logger.Infow("accepting connections", "addr", s.listener.Addr())
	for {
		nc, err := s.listener.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return
			default:
			}
			s.logger.Infow("accept failed, exiting accept loop", "error", err)
			return
		}

		if !s.reserveSlot() {
			s.stats.Counter("rejected_fd_budget").Inc(1)
			nc.Close()
			continue
		}

		go s.acceptOne(ctx, nc)
	}
}

// acceptOne completes a handshake on nc. The reserved fd-budget slot is
// released exactly once: by releaseSlot here if the handshake fails, or by
// connClosedAdapter when the resulting Conn eventually closes.
func (s *Swarm) acceptOne(ctx context.Context, nc net.Conn) {
	c, err := peer.Accept(ctx, s.config.Conn, s.stats, s.clk, s.bandwidth, connClosedAdapter{s}, nc,
		s.peerID, s.lookup, s.logger)
	if err != nil {
		s.logger.Infow("rejecting inbound connection", "error", err)
		nc.Close()
		s.releaseSlot()
		return
	}
	s.dispatch.DispatchConn(c)
}

// Dial establishes an outbound connection to addr for infoHash, subject to
// the same fd budget as inbound accepts.
func (s *Swarm) Dial(ctx context.Context, addr string, remotePeerID core.PeerID, infoHash core.InfoHash) (*peer.Conn, error) {
	if !s.reserveSlot() {
		return nil, fmt.Errorf("swarm: fd budget exhausted")
	}

	c, err := peer.Dial(ctx, s.config.Conn, s.stats, s.clk, s.bandwidth, connClosedAdapter{s},
		addr, s.peerID, remotePeerID, infoHash, s.logger)
	if err != nil {
		s.releaseSlot()
		return nil, err
	}
	// The slot is now owned by the Conn's lifecycle and is released by
	// connClosedAdapter when it eventually closes.
	return c, nil
}

func (s *Swarm) reserveSlot() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.numConns >= s.config.MaxConns {
		return false
	}
	s.numConns++
	return true
}

func (s *Swarm) releaseSlot() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.numConns > 0 {
		s.numConns--
	}
}

// NumConns returns the current number of fd-budget slots in use.
func (s *Swarm) NumConns() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.numConns
}

// connClosedAdapter releases a Swarm's fd-budget slot when a Conn's
// shutdown sequence completes.
type connClosedAdapter struct{ s *Swarm }

func (a connClosedAdapter) ConnClosed(c *peer.Conn) {
	a.s.releaseSlot()
}
