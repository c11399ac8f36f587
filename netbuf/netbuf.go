// Package netbuf implements reference-counted outbound message buffers
// (spec.md section 4.1, "nb"). A Buffer is immutable once built and is
// shared across every peer it is queued to -- a HAVE or CANCEL broadcast
// to N peers allocates exactly one Buffer, not N copies. The last holder
// to Drop() it returns the backing slice to a pool sized for 16 KiB
// blocks, the dominant allocation in this engine.
package netbuf

import (
	"encoding/binary"
	"sync"

	"go.uber.org/atomic"
)

// Message ids, bit-exact to BEP 3 (spec.md section 6).
const (
	MsgChoke         byte = 0
	MsgUnchoke       byte = 1
	MsgInterested    byte = 2
	MsgNotInterested byte = 3
	MsgHave          byte = 4
	MsgBitfield      byte = 5
	MsgRequest       byte = 6
	MsgPiece         byte = 7
	MsgCancel        byte = 8
)

var blockPool = sync.Pool{
	New: func() interface{} { return make([]byte, 0, 16*1024+13) },
}

// Buffer is a ref-counted, framed wire message: a 4-byte big-endian length
// prefix followed by the message id and payload (or, for a handshake, the
// raw 68-byte handshake itself with no length prefix).
type Buffer struct {
	data   []byte
	count  *atomic.Int32
	pooled bool
}

func newBuffer(data []byte, pooled bool) *Buffer {
	return &Buffer{data: data, count: atomic.NewInt32(1), pooled: pooled}
}

// Bytes returns the full framed wire representation.
func (b *Buffer) Bytes() []byte { return b.data }

// Len returns the number of bytes in the framed representation.
func (b *Buffer) Len() int { return len(b.data) }

// Hold increments the reference count. Call once per queue the buffer is
// placed on beyond the first.
func (b *Buffer) Hold() {
	b.count.Inc()
}

// Drop decrements the reference count, releasing the backing slice to the
// pool when it reaches zero. Safe to call exactly once per Hold (including
// the implicit hold from construction).
func (b *Buffer) Drop() {
	if b.count.Dec() == 0 && b.pooled {
		//nolint:staticcheck // length reset before returning to pool
		blockPool.Put(b.data[:0])
	}
}

func frame(msgID byte, payload []byte) *Buffer {
	buf := blockPool.Get().([]byte)[:0]
	var lenBytes [4]byte
	binary.BigEndian.PutUint32(lenBytes[:], uint32(1+len(payload)))
	buf = append(buf, lenBytes[:]...)
	buf = append(buf, msgID)
	buf = append(buf, payload...)
	return newBuffer(buf, true)
}

// NewKeepAlive returns the zero-length keepalive message.
func NewKeepAlive() *Buffer {
	return newBuffer([]byte{0, 0, 0, 0}, false)
}

// NewChoke returns a CHOKE message.
func NewChoke() *Buffer { return frame(MsgChoke, nil) }

// NewUnchoke returns an UNCHOKE message.
func NewUnchoke() *Buffer { return frame(MsgUnchoke, nil) }

// NewInterested returns an INTERESTED message.
func NewInterested() *Buffer { return frame(MsgInterested, nil) }

// NewNotInterested returns a NOT INTERESTED message.
func NewNotInterested() *Buffer { return frame(MsgNotInterested, nil) }

// NewHave returns a HAVE message announcing piece index i.
func NewHave(i int) *Buffer {
	var p [4]byte
	binary.BigEndian.PutUint32(p[:], uint32(i))
	return frame(MsgHave, p[:])
}

// NewBitfield returns a BITFIELD message wrapping an already-encoded
// payload (see package bitfield for the encoding).
func NewBitfield(payload []byte) *Buffer {
	return frame(MsgBitfield, payload)
}

// NewRequest returns a REQUEST message for (index, begin, length).
func NewRequest(index, begin, length int) *Buffer {
	var p [12]byte
	binary.BigEndian.PutUint32(p[0:4], uint32(index))
	binary.BigEndian.PutUint32(p[4:8], uint32(begin))
	binary.BigEndian.PutUint32(p[8:12], uint32(length))
	return frame(MsgRequest, p[:])
}

// NewCancel returns a CANCEL message for (index, begin, length).
func NewCancel(index, begin, length int) *Buffer {
	var p [12]byte
	binary.BigEndian.PutUint32(p[0:4], uint32(index))
	binary.BigEndian.PutUint32(p[4:8], uint32(begin))
	binary.BigEndian.PutUint32(p[8:12], uint32(length))
	return frame(MsgCancel, p[:])
}

// NewPiece returns a PIECE message for (index, begin) plus the block bytes.
// block is copied into the framed buffer so the caller's slice (e.g. a
// disk-read buffer) may be reused immediately.
func NewPiece(index, begin int, block []byte) *Buffer {
	var p [8]byte
	binary.BigEndian.PutUint32(p[0:4], uint32(index))
	binary.BigEndian.PutUint32(p[4:8], uint32(begin))
	payload := make([]byte, 0, 8+len(block))
	payload = append(payload, p[:]...)
	payload = append(payload, block...)
	return frame(MsgPiece, payload)
}

// NewHandshake returns the 68-byte BEP-3 handshake: pstrlen+pstr, 8 reserved
// zero bytes, the 20-byte info hash, and the 20-byte peer id.
func NewHandshake(infoHash, peerID [20]byte) *Buffer {
	const pstr = "BitTorrent protocol"
	buf := make([]byte, 0, 68)
	buf = append(buf, byte(len(pstr)))
	buf = append(buf, pstr...)
	buf = append(buf, make([]byte, 8)...)
	buf = append(buf, infoHash[:]...)
	buf = append(buf, peerID[:]...)
	return newBuffer(buf, false)
}

// NewRaw wraps already-framed bytes with no further processing. Used by
// tests and by callers that build a frame themselves.
func NewRaw(data []byte) *Buffer {
	return newBuffer(data, false)
}
