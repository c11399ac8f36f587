// Package peer implements the per-connection BEP-3 protocol state machine:
// handshake, framed message I/O, and the goroutine-pair (read loop / write
// loop) connected to the rest of the engine via buffered channels. The
// architecture -- a sender channel feeding a write loop, a receiver channel
// fed by a read loop, shutdown coordinated through a done channel and an
// atomic closed flag -- is grounded on uber-kraken's
// lib/torrent/scheduler/conn.Conn, generalized from kraken's protobuf
// whole-piece messages to raw BEP-3 block-level framing.
package peer

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/andres-erbsen/clock"
	"github.com/uber-go/tally"
	"go.uber.org/atomic"
	"go.uber.org/zap"

	"github.com/btpd/btpd-sub000/core"
	"github.com/btpd/btpd-sub000/netbuf"
)

// Bandwidth reserves capacity before a payload crosses the wire, so a
// single slow peer cannot starve the token bucket shared by every
// connection of a torrent.
type Bandwidth interface {
	ReserveEgress(n int64) error
	ReserveIngress(n int64) error
}

// unlimited is used when no Bandwidth is supplied, e.g. in tests.
type unlimited struct{}

func (unlimited) ReserveEgress(int64) error  { return nil }
func (unlimited) ReserveIngress(int64) error { return nil }

// Config bundles Conn's tunables.
type Config struct {
	SenderBufferSize   int
	ReceiverBufferSize int
	HandshakeTimeout   time.Duration
	MaxPipedRequests   int
}

func (c Config) applyDefaults() Config {
	if c.SenderBufferSize == 0 {
		c.SenderBufferSize = 50
	}
	if c.ReceiverBufferSize == 0 {
		c.ReceiverBufferSize = 50
	}
	if c.HandshakeTimeout == 0 {
		c.HandshakeTimeout = 10 * time.Second
	}
	if c.MaxPipedRequests == 0 {
		c.MaxPipedRequests = 10
	}
	return c
}

// Events notifies the owner when a Conn exits.
type Events interface {
	ConnClosed(*Conn)
}

// ChokeState tracks the four-way choke/interest flags BEP 3 requires of
// every connection: whether the local side is choking/interested-in the
// remote, and whether the remote is choking/interested-in the local side.
type ChokeState struct {
	mu             sync.Mutex
	amChoking      bool
	amInterested   bool
	peerChoking    bool
	peerInterested bool
}

func newChokeState() *ChokeState {
	return &ChokeState{amChoking: true, peerChoking: true}
}

// SetAmChoking updates whether the local side is choking the remote peer.
func (s *ChokeState) SetAmChoking(v bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.amChoking = v
}

// IsAmChoking reports whether the local side is choking the remote peer.
func (s *ChokeState) IsAmChoking() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.amChoking
}

// SetAmInterested updates whether the local side is interested in the
// remote peer.
func (s *ChokeState) SetAmInterested(v bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.amInterested = v
}

// IsAmInterested reports whether the local side is interested in the
// remote peer.
func (s *ChokeState) IsAmInterested() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.amInterested
}

// SetPeerChoking updates whether the remote peer is choking the local side.
func (s *ChokeState) SetPeerChoking(v bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.peerChoking = v
}

// IsPeerChoking reports whether the remote peer is choking the local side.
func (s *ChokeState) IsPeerChoking() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.peerChoking
}

// SetPeerInterested updates whether the remote peer is interested in the
// local side.
func (s *ChokeState) SetPeerInterested(v bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.peerInterested = v
}

// IsPeerInterested reports whether the remote peer is interested in the
// local side.
func (s *ChokeState) IsPeerInterested() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.peerInterested
}

// Conn manages a single peer connection for one torrent: handshake already
// completed, framed messages flow through Send/Receiver.
type Conn struct {
	peerID      core.PeerID
	infoHash    core.InfoHash
	localPeerID core.PeerID
	createdAt   time.Time
	bandwidth   Bandwidth
	events      Events

	openedByRemote bool

	nc     net.Conn
	config Config
	clk    clock.Clock
	stats  tally.Scope
	logger *zap.SugaredLogger

	Choke *ChokeState

	startOnce sync.Once

	sender   chan *netbuf.Buffer
	receiver chan *Message

	closed *atomic.Bool
	done   chan struct{}
	wg     sync.WaitGroup
}

// New wraps an already-handshaken net.Conn into a Conn. Start must be
// called to begin pumping messages.
func New(
	config Config,
	stats tally.Scope,
	clk clock.Clock,
	bandwidth Bandwidth,
	events Events,
	nc net.Conn,
	localPeerID, remotePeerID core.PeerID,
	infoHash core.InfoHash,
	openedByRemote bool,
	logger *zap.SugaredLogger,
) *Conn {
	config = config.applyDefaults()
	if bandwidth == nil {
		bandwidth = unlimited{}
	}
	nc.SetDeadline(time.Time{})
	return &Conn{
		peerID:         remotePeerID,
		infoHash:       infoHash,
		localPeerID:    localPeerID,
		createdAt:      clk.Now(),
		bandwidth:      bandwidth,
		events:         events,
		openedByRemote: openedByRemote,
		nc:             nc,
		config:         config,
		clk:            clk,
		stats:          stats,
		logger:         logger,
		Choke:          newChokeState(),
		sender:         make(chan *netbuf.Buffer, config.SenderBufferSize),
		receiver:       make(chan *Message, config.ReceiverBufferSize),
		closed:         atomic.NewBool(false),
		done:           make(chan struct{}),
	}
}

// Start begins the read and write loops. Calling Start more than once is a
// no-op.
func (c *Conn) Start() {
	c.startOnce.Do(func() {
		c.wg.Add(2)
		go c.readLoop()
		go c.writeLoop()
	})
}

// PeerID returns the remote peer id.
func (c *Conn) PeerID() core.PeerID { return c.peerID }

// InfoHash returns the torrent info hash this Conn serves.
func (c *Conn) InfoHash() core.InfoHash { return c.infoHash }

// CreatedAt returns when the Conn was constructed.
func (c *Conn) CreatedAt() time.Time { return c.createdAt }

func (c *Conn) String() string {
	return fmt.Sprintf("Conn(peer=%s, hash=%s, opened_by_remote=%t)",
		c.peerID, c.infoHash, c.openedByRemote)
}

// Send enqueues buf for transmission, taking a hold on it for the duration
// it sits on the sender channel. Returns an error without blocking if the
// connection is closed or the send buffer is full -- per spec.md's ordering
// guarantee, a full queue never blocks the caller into reordering sends.
func (c *Conn) Send(buf *netbuf.Buffer) error {
	buf.Hold()
	select {
	case <-c.done:
		buf.Drop()
		return errors.New("conn closed")
	case c.sender <- buf:
		return nil
	default:
		buf.Drop()
		c.stats.Counter("dropped_messages").Inc(1)
		return errors.New("send buffer full")
	}
}

// Receiver returns the channel of decoded inbound messages.
func (c *Conn) Receiver() <-chan *Message { return c.receiver }

// Close starts the Conn's shutdown sequence. Safe to call multiple times
// and from multiple goroutines.
func (c *Conn) Close() {
	if !c.closed.CAS(false, true) {
		return
	}
	go func() {
		close(c.done)
		c.nc.Close()
		c.wg.Wait()
		c.events.ConnClosed(c)
	}()
}

// IsClosed reports whether Close has been called.
func (c *Conn) IsClosed() bool { return c.closed.Load() }

func (c *Conn) readLoop() {
	defer func() {
		close(c.receiver)
		c.wg.Done()
		c.Close()
	}()
	for {
		select {
		case <-c.done:
			return
		default:
		}
		msg, err := ReadMessage(c.nc)
		if err != nil {
			c.log().Infow("read loop exiting", "error", err)
			return
		}
		if msg.ID == int(netbuf.MsgPiece) {
			if err := c.bandwidth.ReserveIngress(int64(len(msg.Block))); err != nil {
				c.log().Errorw("ingress bandwidth reservation failed", "error", err)
				return
			}
		}
		select {
		case c.receiver <- msg:
		case <-c.done:
			return
		}
	}
}

func (c *Conn) writeLoop() {
	defer func() {
		c.wg.Done()
		c.Close()
	}()
	for {
		select {
		case <-c.done:
			return
		case buf := <-c.sender:
			err := c.writeBuffer(buf)
			buf.Drop()
			if err != nil {
				c.log().Infow("write loop exiting", "error", err)
				return
			}
		}
	}
}

func (c *Conn) writeBuffer(buf *netbuf.Buffer) error {
	if err := c.bandwidth.ReserveEgress(int64(buf.Len())); err != nil {
		return fmt.Errorf("egress bandwidth: %w", err)
	}
	_, err := c.nc.Write(buf.Bytes())
	return err
}

func (c *Conn) log() *zap.SugaredLogger {
	return c.logger.With("remote_peer", c.peerID, "hash", c.infoHash)
}

// Accept performs the responder side of a BEP-3 handshake: read the
// remote's handshake, reply with our own. Returns the established Conn.
func Accept(
	ctx context.Context,
	config Config,
	stats tally.Scope,
	clk clock.Clock,
	bandwidth Bandwidth,
	events Events,
	nc net.Conn,
	localPeerID core.PeerID,
	lookupInfoHash func(core.InfoHash) bool,
	logger *zap.SugaredLogger,
) (*Conn, error) {
	config = config.applyDefaults()
	remoteHash, remotePeerID, err := ReadHandshake(nc, config.HandshakeTimeout)
	if err != nil {
		return nil, fmt.Errorf("read handshake: %w", err)
	}
	if lookupInfoHash != nil && !lookupInfoHash(remoteHash) {
		return nil, fmt.Errorf("unknown info hash %s", remoteHash)
	}
	if err := WriteHandshake(nc, remoteHash, localPeerID, config.HandshakeTimeout); err != nil {
		return nil, fmt.Errorf("write handshake: %w", err)
	}
	return New(config, stats, clk, bandwidth, events, nc, localPeerID, remotePeerID, remoteHash, true, logger), nil
}

// Dial performs the initiator side of a BEP-3 handshake against addr.
func Dial(
	ctx context.Context,
	config Config,
	stats tally.Scope,
	clk clock.Clock,
	bandwidth Bandwidth,
	events Events,
	addr string,
	localPeerID, remotePeerID core.PeerID,
	infoHash core.InfoHash,
	logger *zap.SugaredLogger,
) (*Conn, error) {
	config = config.applyDefaults()
	d := net.Dialer{}
	nc, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial: %w", err)
	}
	if err := WriteHandshake(nc, infoHash, localPeerID, config.HandshakeTimeout); err != nil {
		nc.Close()
		return nil, fmt.Errorf("write handshake: %w", err)
	}
	gotHash, gotPeerID, err := ReadHandshake(nc, config.HandshakeTimeout)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("read handshake: %w", err)
	}
	if gotHash != infoHash {
		nc.Close()
		return nil, fmt.Errorf("info hash mismatch")
	}
	if remotePeerID != (core.PeerID{}) && gotPeerID != remotePeerID {
		nc.Close()
		return nil, fmt.Errorf("unexpected peer id")
	}
	return New(config, stats, clk, bandwidth, events, nc, localPeerID, gotPeerID, gotHash, false, logger), nil
}
