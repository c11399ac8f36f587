package netbuf

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNewChokeFraming(t *testing.T) {
	b := NewChoke()
	require.Equal(t, []byte{0, 0, 0, 1, MsgChoke}, b.Bytes())
	b.Drop()
}

func TestNewRequestFraming(t *testing.T) {
	b := NewRequest(1, 16384, 16384)
	defer b.Drop()
	data := b.Bytes()
	require.Equal(t, uint32(13), binary.BigEndian.Uint32(data[0:4]))
	require.Equal(t, MsgRequest, data[4])
	require.Equal(t, uint32(1), binary.BigEndian.Uint32(data[5:9]))
	require.Equal(t, uint32(16384), binary.BigEndian.Uint32(data[9:13]))
	require.Equal(t, uint32(16384), binary.BigEndian.Uint32(data[13:17]))
}

func TestNewPieceCopiesBlock(t *testing.T) {
	block := []byte{1, 2, 3, 4}
	b := NewPiece(0, 0, block)
	defer b.Drop()
	block[0] = 0xFF
	require.Equal(t, byte(1), b.Bytes()[len(b.Bytes())-4])
}

func TestNewHandshakeLength(t *testing.T) {
	var ih, pid [20]byte
	b := NewHandshake(ih, pid)
	defer b.Drop()
	require.Len(t, b.Bytes(), 68)
	require.Equal(t, byte(19), b.Bytes()[0])
	require.Equal(t, "BitTorrent protocol", string(b.Bytes()[1:20]))
}

func TestHoldDropRefcounting(t *testing.T) {
	b := NewHave(5)
	b.Hold()
	b.Hold()
	// three holders total (one implicit at construction); each must Drop.
	b.Drop()
	b.Drop()
	b.Drop()
}

func TestNewKeepAlive(t *testing.T) {
	b := NewKeepAlive()
	defer b.Drop()
	require.Equal(t, []byte{0, 0, 0, 0}, b.Bytes())
}
