// Package content implements the content manager ("cm" in spec.md section
// 4.3): the per-torrent state machine that owns on-disk files, tracks which
// pieces and blocks are present via bitmaps, preallocates disk in large
// windows, verifies completed pieces, and persists/restores that state as a
// resume file. The piece-status bookkeeping (per-piece mutex-guarded state,
// atomic completed counter) follows storage.LocalTorrent; the bitmaps
// themselves are willf/bitset, as used by the bitfield package.
package content

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/willf/bitset"
	"go.uber.org/atomic"
	"go.uber.org/zap"

	"github.com/btpd/btpd-sub000/bitfield"
	"github.com/btpd/btpd-sub000/core"
	"github.com/btpd/btpd-sub000/stream"
	"github.com/btpd/btpd-sub000/threadbridge"
)

// State is the content manager's lifecycle state (spec.md section 4.3).
type State int

const (
	Inactive State = iota
	Starting
	Active
)

func (s State) String() string {
	switch s {
	case Inactive:
		return "INACTIVE"
	case Starting:
		return "STARTING"
	case Active:
		return "ACTIVE"
	default:
		return "UNKNOWN"
	}
}

const resumeVersion = "1"

// VerifyResult is the outcome of hashing one piece against its expected
// sum. Manager.VerifyPiece runs synchronously; callers driving many
// verifications per tick (e.g. threadbridge) should invoke it from a
// worker goroutine and deliver the result back through their own posting
// mechanism, mirroring the "posts back to the main loop" handoff in
// spec.md section 4.3.
type VerifyResult struct {
	Index int
	OK    bool
}

// Callbacks notifies the owning torrent of content events.
type Callbacks interface {
	OnGoodPiece(index int)
	OnBadPiece(index int)
}

// Manager is the content manager for a single torrent.
type Manager struct {
	log  *zap.SugaredLogger
	mi   *core.MetaInfo
	strm *stream.Stream
	cb   Callbacks

	allocSize int64 // cm_alloc_size; 0 disables preallocation windows
	blockSize int64
	open      stream.OpenFunc

	mu          sync.Mutex
	state       State
	pieceField  *bitset.BitSet // piece i verified complete
	blockField  *bitset.BitSet // flattened [piece][block] bit grid
	posField    *bitset.BitSet // piece i's region written: preallocated or >=1 block
	blocksPer   []int          // blocks per piece, cached
	numComplete *atomic.Int32

	resumePath string
	filesPath  []stream.FileSpec

	hashOnWorker bool
	hashBridge   *threadbridge.Bridge
	hashPool     *threadbridge.Pool
}

// Config bundles the fixed parameters needed to open a Manager.
type Config struct {
	MetaInfo   *core.MetaInfo
	Files      []stream.FileSpec
	Open       stream.OpenFunc
	ResumePath string
	AllocSize  int64
	BlockSize  int64
	Callbacks  Callbacks
	Logger     *zap.SugaredLogger

	// HashOnWorker moves piece verification off the goroutine that
	// completed a piece's last block (Put) and onto a dedicated worker
	// goroutine, posting the result back through a threadbridge.Bridge
	// (spec.md section 6.11's escape hatch, allowed by spec.md section 5).
	// Verification is cheap enough to run inline by default; set this on
	// torrents where hashing otherwise competes with time-sensitive wire
	// I/O on the same goroutine.
	HashOnWorker bool
}

// New constructs a Manager in the Inactive state; call Start to run the
// startup sequence described in spec.md section 4.3.
func New(cfg Config) *Manager {
	n := cfg.MetaInfo.NumPieces()
	blocksPer := make([]int, n)
	totalBlocks := 0
	for i := 0; i < n; i++ {
		b := bitfield.BlocksPerPiece(cfg.MetaInfo.PieceLen(i), cfg.BlockSize)
		blocksPer[i] = b
		totalBlocks += b
	}
	m := &Manager{
		log:          cfg.Logger,
		mi:           cfg.MetaInfo,
		strm:         stream.New(cfg.Files, cfg.Open),
		cb:           cfg.Callbacks,
		allocSize:    cfg.AllocSize,
		blockSize:    cfg.BlockSize,
		open:         cfg.Open,
		state:        Inactive,
		pieceField:   bitset.New(uint(n)),
		blockField:   bitset.New(uint(totalBlocks)),
		posField:     bitset.New(uint(n)),
		blocksPer:    blocksPer,
		numComplete:  atomic.NewInt32(0),
		resumePath:   cfg.ResumePath,
		filesPath:    cfg.Files,
		hashOnWorker: cfg.HashOnWorker,
	}
	if m.hashOnWorker {
		m.hashBridge = threadbridge.New()
		m.hashPool = threadbridge.NewPool(m.hashBridge, 4)
	}
	return m
}

func (m *Manager) blockBit(piece, block int) uint {
	off := 0
	for i := 0; i < piece; i++ {
		off += m.blocksPer[i]
	}
	return uint(off + block)
}

// Start runs the startup sequence: stat/create/truncate files (left to the
// caller's OpenFunc), load or discard resume data, derive pos_field from
// block_field, and hash-verify any piece whose pos_field bit is set but
// whose piece_field bit is clear.
func (m *Manager) Start() error {
	m.mu.Lock()
	m.state = Starting
	m.mu.Unlock()

	if m.hashOnWorker {
		go m.hashBridge.Run()
	}

	if err := m.loadResume(); err != nil {
		m.log.Warnw("discarding resume data", "error", err)
		m.resetFields()
	}

	m.mu.Lock()
	n := m.mi.NumPieces()
	for i := 0; i < n; i++ {
		if m.posField.Test(uint(i)) && !m.pieceField.Test(uint(i)) {
			m.mu.Unlock()
			m.verifyAndUpdate(i)
			m.mu.Lock()
		}
	}
	m.state = Active
	m.mu.Unlock()
	return nil
}

func (m *Manager) resetFields() {
	n := m.mi.NumPieces()
	m.pieceField = bitset.New(uint(n))
	m.posField = bitset.New(uint(n))
	m.blockField = bitset.New(m.blockField.Len())
}

// derivePosField sets pos_field[i] iff any block of piece i is marked
// downloaded, per spec.md step 3 of the start sequence.
func (m *Manager) derivePosField() {
	n := m.mi.NumPieces()
	for i := 0; i < n; i++ {
		any := false
		for b := 0; b < m.blocksPer[i]; b++ {
			if m.blockField.Test(m.blockBit(i, b)) {
				any = true
				break
			}
		}
		if any {
			m.posField.Set(uint(i))
		}
	}
}

func (m *Manager) verifyAndUpdate(index int) {
	if m.hashOnWorker {
		m.hashPool.Submit(
			func() (interface{}, error) { return m.VerifyPiece(index), nil },
			func(v interface{}, _ error) { m.applyVerifyResult(v.(VerifyResult)) },
		)
		return
	}
	m.applyVerifyResult(m.VerifyPiece(index))
}

func (m *Manager) applyVerifyResult(res VerifyResult) {
	index := res.Index
	m.mu.Lock()
	if res.OK {
		m.pieceField.Set(uint(index))
		m.numComplete.Inc()
	} else {
		for b := 0; b < m.blocksPer[index]; b++ {
			m.blockField.Clear(m.blockBit(index, b))
		}
	}
	m.mu.Unlock()
	if res.OK {
		m.cb.OnGoodPiece(index)
	} else {
		m.cb.OnBadPiece(index)
	}
}

// VerifyPiece reads piece index with a single stream read of the whole
// piece and compares its SHA-1 with the expected sum. The read is not split
// into smaller chunks; it runs synchronously on the calling goroutine
// (a threadbridge worker when HashOnWorker is set).
func (m *Manager) VerifyPiece(index int) VerifyResult {
	off := int64(index) * m.mi.PieceLength()
	length := m.mi.PieceLen(index)
	data := make([]byte, length)
	if _, err := m.strm.Get(off, data); err != nil {
		m.log.Errorw("verify read failed", "piece", index, "error", err)
		return VerifyResult{Index: index, OK: false}
	}
	return VerifyResult{Index: index, OK: m.mi.VerifyPiece(index, data)}
}

// Put writes a block, handling preallocation windows and marking
// block_field/pos_field. When all of a piece's blocks are present, a
// verify is run and piece_field/callbacks are updated accordingly.
func (m *Manager) Put(index, begin int, data []byte) error {
	m.maybePreallocate(index)

	off := int64(index)*m.mi.PieceLength() + int64(begin)
	if err := m.strm.Put(off, data); err != nil {
		return fmt.Errorf("content: write piece %d begin %d: %w", index, begin, err)
	}

	block := begin / int(blockSizeFor(m, index))
	m.mu.Lock()
	m.blockField.Set(m.blockBit(index, block))
	m.posField.Set(uint(index))
	complete := true
	for b := 0; b < m.blocksPer[index]; b++ {
		if !m.blockField.Test(m.blockBit(index, b)) {
			complete = false
			break
		}
	}
	m.mu.Unlock()

	if complete {
		m.verifyAndUpdate(index)
	}
	return nil
}

func blockSizeFor(m *Manager, index int) int64 {
	return m.blockSize
}

// maybePreallocate zero-fills and flushes every piece in index's aligned
// preallocation window whose pos_field bit is clear, per spec.md section
// 4.3. A window of zero disables preallocation entirely.
func (m *Manager) maybePreallocate(index int) {
	if m.allocSize <= 0 {
		return
	}
	piecesPerWindow := int(m.allocSize / m.mi.PieceLength())
	if piecesPerWindow <= 0 {
		piecesPerWindow = 1
	}
	windowStart := (index / piecesPerWindow) * piecesPerWindow
	windowEnd := windowStart + piecesPerWindow
	if windowEnd > m.mi.NumPieces() {
		windowEnd = m.mi.NumPieces()
	}

	for i := windowStart; i < windowEnd; i++ {
		m.mu.Lock()
		already := m.posField.Test(uint(i))
		m.mu.Unlock()
		if already {
			continue
		}
		zeros := make([]byte, m.mi.PieceLen(i))
		off := int64(i) * m.mi.PieceLength()
		if err := m.strm.Put(off, zeros); err != nil {
			m.log.Errorw("preallocation write failed", "piece", i, "error", err)
			continue
		}
		m.mu.Lock()
		m.posField.Set(uint(i))
		m.mu.Unlock()
	}
}

// Get reads verified content for upload.
func (m *Manager) Get(index, begin, length int) ([]byte, error) {
	m.mu.Lock()
	has := m.pieceField.Test(uint(index))
	m.mu.Unlock()
	if !has {
		return nil, fmt.Errorf("content: piece %d not complete", index)
	}
	off := int64(index)*m.mi.PieceLength() + int64(begin)
	buf := make([]byte, length)
	if _, err := m.strm.Get(off, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

// PendingBlocks returns which block ordinals of piece are not yet present,
// for scheduler/download's rarest-first selection. Returns nil if the piece
// is already verified complete.
func (m *Manager) PendingBlocks(piece int) *bitset.BitSet {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.pieceField.Test(uint(piece)) {
		return nil
	}
	pending := bitset.New(uint(m.blocksPer[piece]))
	for b := 0; b < m.blocksPer[piece]; b++ {
		if !m.blockField.Test(m.blockBit(piece, b)) {
			pending.Set(uint(b))
		}
	}
	return pending
}

// BlockGeometry maps a piece's block ordinal to its (begin, length) wire
// byte range, accounting for the piece's final, possibly-shorter block.
func (m *Manager) BlockGeometry(piece, block int) (begin, length int) {
	size := blockSizeFor(m, piece)
	begin = block * int(size)
	remaining := m.mi.PieceLen(piece) - int64(begin)
	if remaining < size {
		length = int(remaining)
	} else {
		length = int(size)
	}
	return begin, length
}

// PieceField returns a snapshot of the verified-complete bitmap.
func (m *Manager) PieceField() *bitset.BitSet {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pieceField.Clone()
}

// NumComplete returns the number of verified-complete pieces.
func (m *Manager) NumComplete() int {
	return int(m.numComplete.Load())
}

// State returns the manager's current lifecycle state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Close stops the hash-verification worker pool and its bridge, if
// HashOnWorker was set. Safe to call even when HashOnWorker is unset.
func (m *Manager) Close() {
	if !m.hashOnWorker {
		return
	}
	m.hashPool.Stop()
	m.hashBridge.Stop()
}

// SaveResume writes the resume blob: version line, per-file (size, mtime)
// lines, raw piece_field bytes, then raw block_field bytes, per spec.md
// section 6's exact on-disk format.
func (m *Manager) SaveResume() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	f, err := os.Create(m.resumePath)
	if err != nil {
		return fmt.Errorf("create resume file: %w", err)
	}
	defer f.Close()

	w := bufio.NewWriter(f)
	fmt.Fprintf(w, "%s\n", resumeVersion)
	for _, fe := range m.filesPath {
		size, mtime := int64(0), int64(0)
		if st, err := m.statFile(fe.Path); err == nil {
			size = st.Size()
			mtime = st.ModTime().Unix()
		}
		fmt.Fprintf(w, "%d %d\n", size, mtime)
	}
	if _, err := w.Write(bitfield.Encode(m.pieceField, m.mi.NumPieces())); err != nil {
		return fmt.Errorf("write piece_field: %w", err)
	}
	if _, err := w.Write(bitfield.Encode(m.blockField, int(m.blockField.Len()))); err != nil {
		return fmt.Errorf("write block_field: %w", err)
	}
	return w.Flush()
}

// loadResume reads the resume blob back, validating the per-file (size,
// mtime) list against the current on-disk stat before trusting the
// bitmaps, per spec.md's "on mismatch: discard and recompute" rule.
func (m *Manager) loadResume() error {
	f, err := os.Open(m.resumePath)
	if err != nil {
		return err
	}
	defer f.Close()

	r := bufio.NewReader(f)
	version, err := r.ReadString('\n')
	if err != nil {
		return fmt.Errorf("read version: %w", err)
	}
	if trimNewline(version) != resumeVersion {
		return fmt.Errorf("unsupported resume version %q", version)
	}

	for _, fe := range m.filesPath {
		line, err := r.ReadString('\n')
		if err != nil {
			return fmt.Errorf("read file stat line: %w", err)
		}
		var size, mtime int64
		if _, err := fmt.Sscanf(trimNewline(line), "%d %d", &size, &mtime); err != nil {
			return fmt.Errorf("parse file stat line: %w", err)
		}
		st, err := m.statFile(fe.Path)
		if err != nil || st.Size() != size || st.ModTime().Unix() != mtime {
			return fmt.Errorf("stat mismatch for %s", fe.Path)
		}
	}

	n := m.mi.NumPieces()
	pieceBytes := make([]byte, (n+7)/8)
	if _, err := io.ReadFull(r, pieceBytes); err != nil {
		return fmt.Errorf("read piece_field: %w", err)
	}
	blockBytes := make([]byte, (int(m.blockField.Len())+7)/8)
	if _, err := io.ReadFull(r, blockBytes); err != nil {
		return fmt.Errorf("read block_field: %w", err)
	}

	pf, err := bitfield.Decode(pieceBytes, n)
	if err != nil {
		return fmt.Errorf("decode piece_field: %w", err)
	}
	bf, err := bitfield.Decode(blockBytes, int(m.blockField.Len()))
	if err != nil {
		return fmt.Errorf("decode block_field: %w", err)
	}

	m.mu.Lock()
	m.pieceField = pf
	m.blockField = bf
	m.posField = bitset.New(uint(n))
	m.numComplete.Store(int32(pf.Count()))
	m.mu.Unlock()
	m.derivePosField()
	return nil
}

// statFile stats path through the manager's OpenFunc, so a relative file
// path resolves the same way the stream's reads and writes do.
func (m *Manager) statFile(path string) (os.FileInfo, error) {
	f, err := m.open(path, false)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return f.Stat()
}

func trimNewline(s string) string {
	for len(s) > 0 && (s[len(s)-1] == '\n' || s[len(s)-1] == '\r') {
		s = s[:len(s)-1]
	}
	return s
}

