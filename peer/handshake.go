package peer

import (
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/btpd/btpd-sub000/core"
	"github.com/btpd/btpd-sub000/netbuf"
)

const pstr = "BitTorrent protocol"

// ErrBadHandshake is returned when a peer's handshake does not conform to
// BEP 3's fixed layout.
var ErrBadHandshake = errors.New("peer: malformed handshake")

// WriteHandshake sends the 68-byte BEP-3 handshake over nc.
func WriteHandshake(nc net.Conn, infoHash core.InfoHash, peerID core.PeerID, timeout time.Duration) error {
	var ih, pid [20]byte
	copy(ih[:], infoHash.Bytes())
	copy(pid[:], peerID.Bytes())
	buf := netbuf.NewHandshake(ih, pid)
	defer buf.Drop()

	if timeout > 0 {
		nc.SetWriteDeadline(time.Now().Add(timeout))
		defer nc.SetWriteDeadline(time.Time{})
	}
	_, err := nc.Write(buf.Bytes())
	return err
}

// ReadHandshake reads and validates the 68-byte handshake from nc.
func ReadHandshake(nc net.Conn, timeout time.Duration) (infoHash core.InfoHash, peerID core.PeerID, err error) {
	if timeout > 0 {
		nc.SetReadDeadline(time.Now().Add(timeout))
		defer nc.SetReadDeadline(time.Time{})
	}

	var buf [68]byte
	if _, err = io.ReadFull(nc, buf[:]); err != nil {
		return infoHash, peerID, fmt.Errorf("read handshake: %w", err)
	}
	if buf[0] != byte(len(pstr)) || string(buf[1:20]) != pstr {
		return infoHash, peerID, ErrBadHandshake
	}
	infoHash, err = core.InfoHashFromRawBytes(buf[28:48])
	if err != nil {
		return infoHash, peerID, fmt.Errorf("handshake info hash: %w", err)
	}
	peerID, err = core.NewPeerIDFromBytes(buf[48:68])
	if err != nil {
		return infoHash, peerID, fmt.Errorf("handshake peer id: %w", err)
	}
	return infoHash, peerID, nil
}
