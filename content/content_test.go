package content

import (
	"crypto/sha1"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/btpd/btpd-sub000/core"
	"github.com/btpd/btpd-sub000/stream"
)

func sha1Sum(b []byte) [20]byte { return sha1.Sum(b) }

type recordingCallbacks struct {
	good []int
	bad  []int
}

func (r *recordingCallbacks) OnGoodPiece(i int) { r.good = append(r.good, i) }
func (r *recordingCallbacks) OnBadPiece(i int)  { r.bad = append(r.bad, i) }

func openIn(dir string) stream.OpenFunc {
	return func(path string, writable bool) (*os.File, error) {
		full := filepath.Join(dir, path)
		if writable {
			return os.OpenFile(full, os.O_RDWR|os.O_CREATE, 0644)
		}
		return os.Open(full)
	}
}

func testManager(t *testing.T, dir string, pieceLen int64, pieceCount int) (*Manager, *core.MetaInfo, *recordingCallbacks) {
	t.Helper()
	total := pieceLen * int64(pieceCount)
	f, err := os.Create(filepath.Join(dir, "data"))
	require.NoError(t, err)
	require.NoError(t, f.Truncate(total))
	f.Close()

	pieces := make([][20]byte, pieceCount)
	buf := make([]byte, pieceLen)
	for i := 0; i < pieceCount; i++ {
		h := sha1Sum(buf) // all-zero piece content, since the file was just truncated
		pieces[i] = h
	}
	mi, err := core.NewMetaInfo("data", pieceLen, pieces, []core.FileEntry{{Length: total}})
	require.NoError(t, err)

	cb := &recordingCallbacks{}
	logger := zap.NewNop().Sugar()
	m := New(Config{
		MetaInfo:   mi,
		Files:      []stream.FileSpec{{Path: "data", Length: total}},
		Open:       openIn(dir),
		ResumePath: filepath.Join(dir, "resume"),
		AllocSize:  0,
		BlockSize:  pieceLen,
		Callbacks:  cb,
		Logger:     logger,
	})
	return m, mi, cb
}

func TestStartWithoutResumeBecomesActive(t *testing.T) {
	dir := t.TempDir()
	m, _, _ := testManager(t, dir, 16, 2)
	require.NoError(t, m.Start())
	require.Equal(t, Active, m.State())
}

func TestPutMarksPieceCompleteAndCallsGoodCallback(t *testing.T) {
	dir := t.TempDir()
	pieceLen := int64(8)
	total := pieceLen * 2
	f, err := os.Create(filepath.Join(dir, "data"))
	require.NoError(t, err)
	require.NoError(t, f.Truncate(total))
	f.Close()

	data0 := []byte("ABCDEFGH")
	data1 := []byte("IJKLMNOP")
	pieces := [][20]byte{sha1Sum(data0), sha1Sum(data1)}
	mi, err := core.NewMetaInfo("data", pieceLen, pieces, []core.FileEntry{{Length: total}})
	require.NoError(t, err)

	cb := &recordingCallbacks{}
	m := New(Config{
		MetaInfo:   mi,
		Files:      []stream.FileSpec{{Path: "data", Length: total}},
		Open:       openIn(dir),
		ResumePath: filepath.Join(dir, "resume"),
		BlockSize:  pieceLen,
		Callbacks:  cb,
		Logger:     zap.NewNop().Sugar(),
	})
	require.NoError(t, m.Start())

	require.NoError(t, m.Put(0, 0, data0))
	require.Contains(t, cb.good, 0)
	require.True(t, m.PieceField().Test(0))
	require.Equal(t, 1, m.NumComplete())
}

func TestSaveAndLoadResumeRoundTrip(t *testing.T) {
	dir := t.TempDir()
	pieceLen := int64(8)
	total := pieceLen * 2
	f, err := os.Create(filepath.Join(dir, "data"))
	require.NoError(t, err)
	require.NoError(t, f.Truncate(total))
	f.Close()

	data0 := []byte("ABCDEFGH")
	pieces := [][20]byte{sha1Sum(data0), sha1Sum(make([]byte, pieceLen))}
	mi, err := core.NewMetaInfo("data", pieceLen, pieces, []core.FileEntry{{Length: total}})
	require.NoError(t, err)

	cb := &recordingCallbacks{}
	m := New(Config{
		MetaInfo:   mi,
		Files:      []stream.FileSpec{{Path: "data", Length: total}},
		Open:       openIn(dir),
		ResumePath: filepath.Join(dir, "resume"),
		BlockSize:  pieceLen,
		Callbacks:  cb,
		Logger:     zap.NewNop().Sugar(),
	})
	require.NoError(t, m.Start())
	require.NoError(t, m.Put(0, 0, data0))
	require.NoError(t, m.SaveResume())

	cb2 := &recordingCallbacks{}
	m2 := New(Config{
		MetaInfo:   mi,
		Files:      []stream.FileSpec{{Path: "data", Length: total}},
		Open:       openIn(dir),
		ResumePath: filepath.Join(dir, "resume"),
		BlockSize:  pieceLen,
		Callbacks:  cb2,
		Logger:     zap.NewNop().Sugar(),
	})
	require.NoError(t, m2.Start())
	require.True(t, m2.PieceField().Test(0))
	require.Equal(t, 1, m2.NumComplete())
}

func TestPendingBlocksAndGeometry(t *testing.T) {
	dir := t.TempDir()
	pieceLen := int64(20) // 2 blocks of 8 + a final 4-byte block
	total := pieceLen
	f, err := os.Create(filepath.Join(dir, "data"))
	require.NoError(t, err)
	require.NoError(t, f.Truncate(total))
	f.Close()

	pieces := [][20]byte{sha1Sum(make([]byte, pieceLen))}
	mi, err := core.NewMetaInfo("data", pieceLen, pieces, []core.FileEntry{{Length: total}})
	require.NoError(t, err)

	m := New(Config{
		MetaInfo:   mi,
		Files:      []stream.FileSpec{{Path: "data", Length: total}},
		Open:       openIn(dir),
		ResumePath: filepath.Join(dir, "resume"),
		BlockSize:  8,
		Callbacks:  &recordingCallbacks{},
		Logger:     zap.NewNop().Sugar(),
	})
	require.NoError(t, m.Start())

	pending := m.PendingBlocks(0)
	require.Equal(t, uint(3), pending.Count())

	begin, length := m.BlockGeometry(0, 0)
	require.Equal(t, 0, begin)
	require.Equal(t, 8, length)

	begin, length = m.BlockGeometry(0, 2)
	require.Equal(t, 16, begin)
	require.Equal(t, 4, length)
}

func TestHashOnWorkerVerifiesOffMainGoroutine(t *testing.T) {
	dir := t.TempDir()
	pieceLen := int64(8)
	total := pieceLen * 2
	f, err := os.Create(filepath.Join(dir, "data"))
	require.NoError(t, err)
	require.NoError(t, f.Truncate(total))
	f.Close()

	data0 := []byte("ABCDEFGH")
	pieces := [][20]byte{sha1Sum(data0), sha1Sum(make([]byte, pieceLen))}
	mi, err := core.NewMetaInfo("data", pieceLen, pieces, []core.FileEntry{{Length: total}})
	require.NoError(t, err)

	cb := &recordingCallbacks{}
	m := New(Config{
		MetaInfo:     mi,
		Files:        []stream.FileSpec{{Path: "data", Length: total}},
		Open:         openIn(dir),
		ResumePath:   filepath.Join(dir, "resume"),
		BlockSize:    pieceLen,
		Callbacks:    cb,
		Logger:       zap.NewNop().Sugar(),
		HashOnWorker: true,
	})
	require.NoError(t, m.Start())
	defer m.Close()

	require.NoError(t, m.Put(0, 0, data0))
	require.Eventually(t, func() bool {
		return len(cb.good) == 1
	}, time.Second, time.Millisecond, "expected worker-posted OnGoodPiece callback")
	require.Equal(t, 0, cb.good[0])
}

func TestPreallocationZeroFillsWindow(t *testing.T) {
	dir := t.TempDir()
	pieceLen := int64(8)
	total := pieceLen * 4
	f, err := os.Create(filepath.Join(dir, "data"))
	require.NoError(t, err)
	require.NoError(t, f.Truncate(total))
	f.Close()

	pieces := make([][20]byte, 4)
	for i := range pieces {
		pieces[i] = sha1Sum(make([]byte, pieceLen))
	}
	mi, err := core.NewMetaInfo("data", pieceLen, pieces, []core.FileEntry{{Length: total}})
	require.NoError(t, err)

	m := New(Config{
		MetaInfo:   mi,
		Files:      []stream.FileSpec{{Path: "data", Length: total}},
		Open:       openIn(dir),
		ResumePath: filepath.Join(dir, "resume"),
		AllocSize:  pieceLen * 4,
		BlockSize:  pieceLen,
		Callbacks:  &recordingCallbacks{},
		Logger:     zap.NewNop().Sugar(),
	})
	require.NoError(t, m.Start())

	zero := make([]byte, pieceLen)
	require.NoError(t, m.Put(0, 0, zero))
	m.mu.Lock()
	for i := 0; i < 4; i++ {
		require.True(t, m.posField.Test(uint(i)), "piece %d should be preallocated", i)
	}
	m.mu.Unlock()
}
