package producer

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/job/rtrd/internal/roa"
	"github.com/job/rtrd/internal/store"
)

// fakeDecoder yields one fixed IPv4 ROA for every file.
type fakeDecoder struct{}

func (fakeDecoder) Decode(path string) (*roa.ROA, error) {
	max := uint8(24)
	return &roa.ROA{
		ASN: 65001,
		Families: []roa.Family{{
			AFI:      roa.AFIIPv4,
			Prefixes: []roa.Prefix{{Bits: []byte{192, 0, 2}, Length: 24, MaxLen: &max}},
		}},
	}, nil
}

func newTestProducer(t *testing.T) (*Producer, *store.Store, string) {
	t.Helper()
	dataDir := t.TempDir()
	st := store.New(dataDir)
	kickDir := filepath.Join(dataDir, "sockets")
	p := New(st, fakeDecoder{}, kickDir, 24*time.Hour, zap.NewNop().Sugar())
	return p, st, t.TempDir()
}

func touchROA(t *testing.T, root, name string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(root, name), []byte("der"), 0644))
}

func TestEmptyTreeLeavesCurrentUntouched(t *testing.T) {
	p, st, root := newTestProducer(t)
	require.NoError(t, st.MarkCurrent(77))

	require.Error(t, p.Run(root))

	serial, ok := st.Current()
	require.True(t, ok)
	require.Equal(t, uint32(77), serial)

	snaps, err := st.Snapshots()
	require.NoError(t, err)
	require.Empty(t, snaps)
}

func TestFirstRunPublishesSnapshot(t *testing.T) {
	p, st, root := newTestProducer(t)
	touchROA(t, root, "one.roa")

	require.NoError(t, p.Run(root))

	serial, ok := st.Current()
	require.True(t, ok)

	// The snapshot is exactly one 16-byte prefix record.
	b, err := os.ReadFile(st.SnapshotPath(serial))
	require.NoError(t, err)
	require.Equal(t, []byte{
		0x00, 0x04, 0x00, 0x00, 0x01, 0x18, 0x18, 0x00,
		0xC0, 0x00, 0x02, 0x00, 0x00, 0x00, 0xFD, 0xE9,
	}, b)

	// First run has no prior snapshot, so no deltas.
	deltas, err := st.Deltas()
	require.NoError(t, err)
	require.Empty(t, deltas)
}

func TestSecondRunWritesDeltaAndDropsOldOnes(t *testing.T) {
	p, st, root := newTestProducer(t)
	touchROA(t, root, "one.roa")

	require.NoError(t, p.Run(root))
	first, _ := st.Current()

	// Pre-existing deltas must be gone after the next run.
	stale := filepath.Join(st.Dir(), "9.ix.5")
	require.NoError(t, os.WriteFile(stale, nil, 0644))

	require.NoError(t, p.Run(root))
	second, _ := st.Current()
	require.Greater(t, second, first)

	_, err := os.Stat(st.DeltaPath(second, first))
	require.NoError(t, err)
	_, err = os.Stat(stale)
	require.True(t, os.IsNotExist(err))

	// Same input twice: the delta is empty.
	b, err := os.ReadFile(st.DeltaPath(second, first))
	require.NoError(t, err)
	require.Empty(t, b)
}

func TestSerialsAreMonotone(t *testing.T) {
	p, st, root := newTestProducer(t)
	touchROA(t, root, "one.roa")

	var last uint32
	for i := 0; i < 3; i++ {
		require.NoError(t, p.Run(root))
		serial, ok := st.Current()
		require.True(t, ok)
		require.Greater(t, serial, last)
		last = serial
	}
}

func TestRetentionPrunesOldSnapshots(t *testing.T) {
	p, st, root := newTestProducer(t)
	touchROA(t, root, "one.roa")

	require.NoError(t, p.Run(root))
	first, _ := st.Current()

	old := time.Now().Add(-48 * time.Hour)
	require.NoError(t, os.Chtimes(st.SnapshotPath(first), old, old))

	require.NoError(t, p.Run(root))
	second, _ := st.Current()

	snaps, err := st.Snapshots()
	require.NoError(t, err)
	require.Equal(t, []string{st.SnapshotPath(second)}, snaps)

	// The pruned snapshot gets no delta.
	_, err = os.Stat(st.DeltaPath(second, first))
	require.True(t, os.IsNotExist(err))
}
