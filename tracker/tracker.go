// Package tracker implements the HTTP announce client described in
// spec.md section 4.7: periodic GETs against a torrent's announce URL,
// compact and list-form peer parsing, and started/completed/stopped event
// semantics. There is no direct teacher analog — uber-kraken discovers
// peers through an internal origin/tracker service using protobuf, not a
// BEP-3 HTTP tracker — so this package is newly authored in the teacher's
// idiom: a *zap.SugaredLogger field and cenkalti/backoff-driven retry
// rather than a hand-rolled backoff loop.
package tracker

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/jackpal/bencode-go"
	"go.uber.org/zap"

	"github.com/btpd/btpd-sub000/core"
)

// Event is the announce `event` parameter.
type Event string

const (
	EventNone      Event = ""
	EventStarted   Event = "started"
	EventCompleted Event = "completed"
	EventStopped   Event = "stopped"
)

// Peer is one entry from an announce response's peer list.
type Peer struct {
	ID   core.PeerID
	IP   net.IP
	Port uint16
}

func (p Peer) Addr() string {
	return net.JoinHostPort(p.IP.String(), strconv.Itoa(int(p.Port)))
}

// Response is a parsed tracker announce response.
type Response struct {
	Interval      time.Duration
	MinInterval   time.Duration
	FailureReason string
	Peers         []Peer
}

// rawResponse mirrors the bencoded wire schema (spec.md section 6.6).
type rawResponse struct {
	FailureReason string      `bencode:"failure reason"`
	Interval      int64       `bencode:"interval"`
	MinInterval   int64       `bencode:"min interval"`
	Peers         interface{} `bencode:"peers"`
}

// Request bundles the parameters of a single announce.
type Request struct {
	InfoHash   core.InfoHash
	PeerID     core.PeerID
	Port       uint16
	Uploaded   int64
	Downloaded int64
	Left       int64
	Event      Event
	NumWant    int
}

// Config bundles Client's tunables.
type Config struct {
	AnnounceURL string
	Timeout     time.Duration
	MaxRetries  uint64
}

func (c Config) applyDefaults() Config {
	if c.Timeout == 0 {
		c.Timeout = 30 * time.Second
	}
	if c.MaxRetries == 0 {
		c.MaxRetries = 3
	}
	return c
}

// Client issues HTTP announces to a single tracker, retrying transient
// failures with exponential backoff. At most one announce is in flight at
// a time per Client; callers wanting "cancel on torrent stop" should cancel
// the context passed to Announce.
type Client struct {
	config     Config
	httpClient *http.Client
	logger     *zap.SugaredLogger
	mu         sync.Mutex // held for the whole of each Announce
}

// New constructs a Client for a single torrent's announce URL.
func New(config Config, logger *zap.SugaredLogger) *Client {
	config = config.applyDefaults()
	return &Client{
		config:     config,
		httpClient: &http.Client{Timeout: config.Timeout},
		logger:     logger,
	}
}

// Announce performs one HTTP GET announce, retrying a failed attempt
// (network error, non-200 status, or undecodable body) up to MaxRetries
// times with exponential backoff. A non-empty "failure reason"
// in a successfully-parsed response is NOT retried — it is returned to the
// caller via Response.FailureReason, since retrying a rejected announce
// against the same tracker is pointless.
func (c *Client) Announce(ctx context.Context, req Request) (*Response, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	u, err := buildURL(c.config.AnnounceURL, req)
	if err != nil {
		return nil, fmt.Errorf("tracker: build announce url: %w", err)
	}

	var resp *Response
	operation := func() error {
		r, err := c.doGet(ctx, u)
		if err != nil {
			c.logger.Infow("tracker announce attempt failed", "url", u, "error", err)
			return err
		}
		resp = r
		return nil
	}

	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewExponentialBackOff(), c.config.MaxRetries),
		ctx,
	)
	if err := backoff.Retry(operation, policy); err != nil {
		return nil, fmt.Errorf("tracker: announce failed after retries: %w", err)
	}
	return resp, nil
}

func (c *Client) doGet(ctx context.Context, u string) (*Response, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	httpResp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("tracker: unexpected status %d", httpResp.StatusCode)
	}
	return decodeResponse(httpResp.Body)
}

func buildURL(announceURL string, req Request) (string, error) {
	base, err := url.Parse(announceURL)
	if err != nil {
		return "", err
	}
	q := base.Query()
	q.Set("info_hash", string(req.InfoHash.Bytes()))
	q.Set("peer_id", string(req.PeerID.Bytes()))
	q.Set("port", strconv.Itoa(int(req.Port)))
	q.Set("uploaded", strconv.FormatInt(req.Uploaded, 10))
	q.Set("downloaded", strconv.FormatInt(req.Downloaded, 10))
	q.Set("left", strconv.FormatInt(req.Left, 10))
	q.Set("compact", "1")
	if req.Event != EventNone {
		q.Set("event", string(req.Event))
	}
	if req.NumWant > 0 {
		q.Set("numwant", strconv.Itoa(req.NumWant))
	}
	base.RawQuery = q.Encode()
	return base.String(), nil
}

func decodeResponse(r io.Reader) (*Response, error) {
	var raw rawResponse
	if err := bencode.Unmarshal(r, &raw); err != nil {
		return nil, fmt.Errorf("tracker: decode response: %w", err)
	}
	if raw.FailureReason != "" {
		return &Response{FailureReason: raw.FailureReason}, nil
	}

	peers, err := parsePeers(raw.Peers)
	if err != nil {
		return nil, err
	}

	resp := &Response{
		Interval: time.Duration(raw.Interval) * time.Second,
		Peers:    peers,
	}
	if raw.MinInterval > 0 {
		resp.MinInterval = time.Duration(raw.MinInterval) * time.Second
	}
	return resp, nil
}

// parsePeers handles both the compact (string of 6-byte entries) and
// list-of-dicts peer response forms (spec.md section 6.6).
func parsePeers(v interface{}) ([]Peer, error) {
	switch t := v.(type) {
	case string:
		return parseCompactPeers([]byte(t))
	case []interface{}:
		return parseListPeers(t)
	case nil:
		return nil, nil
	default:
		return nil, fmt.Errorf("tracker: unrecognized peers encoding %T", v)
	}
}

func parseCompactPeers(b []byte) ([]Peer, error) {
	const entrySize = 6
	if len(b)%entrySize != 0 {
		return nil, fmt.Errorf("tracker: compact peer list length %d not a multiple of %d", len(b), entrySize)
	}
	peers := make([]Peer, 0, len(b)/entrySize)
	for i := 0; i+entrySize <= len(b); i += entrySize {
		ip := net.IPv4(b[i], b[i+1], b[i+2], b[i+3])
		port := binary.BigEndian.Uint16(b[i+4 : i+6])
		peers = append(peers, Peer{IP: ip, Port: port})
	}
	return peers, nil
}

func parseListPeers(list []interface{}) ([]Peer, error) {
	peers := make([]Peer, 0, len(list))
	for _, e := range list {
		dict, ok := e.(map[string]interface{})
		if !ok {
			return nil, fmt.Errorf("tracker: peer list entry is %T, want dict", e)
		}
		ipStr, _ := dict["ip"].(string)
		ip := net.ParseIP(ipStr)
		if ip == nil {
			return nil, fmt.Errorf("tracker: invalid peer ip %q", ipStr)
		}
		port, _ := dict["port"].(int64)
		p := Peer{IP: ip, Port: uint16(port)}
		if idStr, ok := dict["peer id"].(string); ok && len(idStr) == 20 {
			id, err := core.NewPeerIDFromBytes([]byte(idStr))
			if err == nil {
				p.ID = id
			}
		}
		peers = append(peers, p)
	}
	return peers, nil
}
