package peer

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/btpd/btpd-sub000/netbuf"
)

// MaxMessageSize bounds a single non-PIECE message payload, guarding
// against a malformed or hostile length prefix; PIECE messages are instead
// bounded by MaxBlockLength since their payload is the block itself.
const MaxMessageSize = 1 << 16

// MaxBlockLength is the largest PIECE/REQUEST block length this
// implementation will honor, per spec.md section 6 ("implementations
// accept any <= 16 KiB").
const MaxBlockLength = 16 * 1024

// Message is a decoded inbound wire message. ID is one of the netbuf.Msg*
// constants; a zero-length wire frame (keepalive) decodes to ID -1.
type Message struct {
	ID     int
	Index  int
	Begin  int
	Length int
	Block  []byte
}

// KeepAliveID marks a decoded keepalive (zero-length frame).
const KeepAliveID = -1

// ReadMessage reads and decodes the next framed message from r. PIECE
// payloads are read into Block; other message types carry their fields in
// Index/Begin/Length.
func ReadMessage(r io.Reader) (*Message, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, fmt.Errorf("read length prefix: %w", err)
	}
	length := binary.BigEndian.Uint32(lenBuf[:])
	if length == 0 {
		return &Message{ID: KeepAliveID}, nil
	}
	if length > MaxMessageSize+8+MaxBlockLength {
		return nil, fmt.Errorf("message length %d exceeds maximum", length)
	}

	var idBuf [1]byte
	if _, err := io.ReadFull(r, idBuf[:]); err != nil {
		return nil, fmt.Errorf("read message id: %w", err)
	}
	id := int(idBuf[0])
	payloadLen := int(length) - 1

	switch id {
	case int(netbuf.MsgChoke), int(netbuf.MsgUnchoke), int(netbuf.MsgInterested), int(netbuf.MsgNotInterested):
		if payloadLen != 0 {
			return nil, fmt.Errorf("message id %d: expected empty payload, got %d bytes", id, payloadLen)
		}
		return &Message{ID: id}, nil

	case int(netbuf.MsgHave):
		if payloadLen != 4 {
			return nil, fmt.Errorf("have: expected 4-byte payload, got %d", payloadLen)
		}
		var buf [4]byte
		if _, err := io.ReadFull(r, buf[:]); err != nil {
			return nil, err
		}
		return &Message{ID: id, Index: int(binary.BigEndian.Uint32(buf[:]))}, nil

	case int(netbuf.MsgBitfield):
		buf := make([]byte, payloadLen)
		if _, err := io.ReadFull(r, buf); err != nil {
			return nil, err
		}
		return &Message{ID: id, Block: buf}, nil

	case int(netbuf.MsgRequest), int(netbuf.MsgCancel):
		if payloadLen != 12 {
			return nil, fmt.Errorf("request/cancel: expected 12-byte payload, got %d", payloadLen)
		}
		var buf [12]byte
		if _, err := io.ReadFull(r, buf[:]); err != nil {
			return nil, err
		}
		length := int(binary.BigEndian.Uint32(buf[8:12]))
		if length > MaxBlockLength {
			return nil, fmt.Errorf("request/cancel: block length %d exceeds maximum", length)
		}
		return &Message{
			ID:     id,
			Index:  int(binary.BigEndian.Uint32(buf[0:4])),
			Begin:  int(binary.BigEndian.Uint32(buf[4:8])),
			Length: length,
		}, nil

	case int(netbuf.MsgPiece):
		if payloadLen < 8 {
			return nil, fmt.Errorf("piece: payload too short")
		}
		blockLen := payloadLen - 8
		if blockLen > MaxBlockLength {
			return nil, fmt.Errorf("piece: block length %d exceeds maximum", blockLen)
		}
		var hdr [8]byte
		if _, err := io.ReadFull(r, hdr[:]); err != nil {
			return nil, err
		}
		block := make([]byte, blockLen)
		if _, err := io.ReadFull(r, block); err != nil {
			return nil, err
		}
		return &Message{
			ID:    id,
			Index: int(binary.BigEndian.Uint32(hdr[0:4])),
			Begin: int(binary.BigEndian.Uint32(hdr[4:8])),
			Block: block,
		}, nil

	default:
		return nil, fmt.Errorf("unknown message id %d", id)
	}
}
