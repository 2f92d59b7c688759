package server

import (
	"io"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/job/rtrd/internal/prefixset"
	"github.com/job/rtrd/internal/protocol"
	"github.com/job/rtrd/internal/roa"
	"github.com/job/rtrd/internal/store"
)

// harness wires a session to an in-memory byte stream, the loopback
// binding of the protocol.
type harness struct {
	st   *store.Store
	w    *io.PipeWriter // test -> session
	r    *io.PipeReader // session -> test
	dec  protocol.Decoder
	done chan error
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	st := store.New(t.TempDir())

	sr, cw := io.Pipe()
	cr, sw := io.Pipe()
	sess := NewSession(sr, sw, st, zap.NewNop().Sugar())

	h := &harness{st: st, w: cw, r: cr, done: make(chan error, 1)}
	go func() { h.done <- sess.Run() }()
	t.Cleanup(func() {
		cw.Close()
		cr.Close()
	})
	return h
}

func (h *harness) send(t *testing.T, pdu protocol.PDU) {
	t.Helper()
	require.NoError(t, pdu.Write(h.w))
}

func (h *harness) recv(t *testing.T) protocol.PDU {
	t.Helper()
	buf := make([]byte, 256)
	for {
		pdu, err := h.dec.Next()
		require.NoError(t, err)
		if pdu != nil {
			return pdu
		}
		n, err := h.r.Read(buf)
		require.NoError(t, err)
		h.dec.Feed(buf[:n])
	}
}

func (h *harness) wait(t *testing.T) error {
	t.Helper()
	h.w.Close()
	select {
	case err := <-h.done:
		return err
	case <-time.After(2 * time.Second):
		t.Fatal("session did not terminate")
		return nil
	}
}

func u8(v uint8) *uint8 { return &v }

func publish(t *testing.T, st *store.Store, serial uint32, asns ...uint32) *prefixset.AXFR {
	t.Helper()
	var roas []*roa.ROA
	for _, asn := range asns {
		roas = append(roas, &roa.ROA{
			ASN: asn,
			Families: []roa.Family{{
				AFI:      roa.AFIIPv4,
				Prefixes: []roa.Prefix{{Bits: []byte{192, 0, 2}, Length: 24, MaxLen: u8(24)}},
			}},
		})
	}
	ax, err := prefixset.Build(serial, roas)
	require.NoError(t, err)
	require.NoError(t, st.WriteSnapshot(ax))
	require.NoError(t, st.MarkCurrent(serial))
	return ax
}

func TestResetQueryStreamsSnapshot(t *testing.T) {
	h := newHarness(t)
	ax := publish(t, h.st, 100, 65001, 65002)

	h.send(t, protocol.NewResetQueryPDU())

	require.IsType(t, &protocol.CacheResponsePDU{}, h.recv(t))
	for _, want := range ax.Prefixes {
		got := h.recv(t)
		require.Equal(t, want, got)
	}
	eod := h.recv(t)
	require.Equal(t, &protocol.EndOfDataPDU{Serial: 100}, eod)

	require.NoError(t, h.wait(t))
}

func TestSerialQueryCurrentSendsEmptyTransfer(t *testing.T) {
	h := newHarness(t)
	publish(t, h.st, 100, 65001)

	h.send(t, protocol.NewSerialQueryPDU(100))

	require.IsType(t, &protocol.CacheResponsePDU{}, h.recv(t))
	require.Equal(t, &protocol.EndOfDataPDU{Serial: 100}, h.recv(t))
}

func TestSerialQueryWithoutDeltaSendsCacheReset(t *testing.T) {
	h := newHarness(t)
	publish(t, h.st, 100, 65001)

	h.send(t, protocol.NewSerialQueryPDU(99))
	require.IsType(t, &protocol.CacheResetPDU{}, h.recv(t))
}

func TestSerialQueryStreamsDelta(t *testing.T) {
	h := newHarness(t)
	old := publish(t, h.st, 99, 65001)
	ax := publish(t, h.st, 100, 65001, 65002)
	ix := prefixset.Diff(old, ax)
	require.NoError(t, h.st.WriteDelta(ix))

	h.send(t, protocol.NewSerialQueryPDU(99))

	require.IsType(t, &protocol.CacheResponsePDU{}, h.recv(t))
	for _, want := range ix.Prefixes {
		require.Equal(t, want, h.recv(t))
	}
	require.Equal(t, &protocol.EndOfDataPDU{Serial: 100}, h.recv(t))
}

func TestNoDataKeepsSessionOpen(t *testing.T) {
	h := newHarness(t)

	q := protocol.NewSerialQueryPDU(5)
	h.send(t, q)
	rep, ok := h.recv(t).(*protocol.ErrorReportPDU)
	require.True(t, ok)
	require.Equal(t, protocol.CodeNoDataAvailable, rep.Code)
	require.Equal(t, q.Bytes(), rep.ErrPDU)

	// The session survives and serves once data shows up.
	publish(t, h.st, 100, 65001)
	h.send(t, protocol.NewResetQueryPDU())
	require.IsType(t, &protocol.CacheResponsePDU{}, h.recv(t))
}

func TestKickNotifiesOnNewSerial(t *testing.T) {
	st := store.New(t.TempDir())
	publish(t, st, 100, 65001)

	sr, _ := io.Pipe()
	cr, sw := io.Pipe()
	sess := NewSession(sr, sw, st, zap.NewNop().Sugar())
	go sess.Run()
	defer sr.Close()

	// Same serial: a kick is a no-op. New serial: one notify.
	sess.Kick()
	publish(t, st, 101, 65001)
	sess.Kick()

	var dec protocol.Decoder
	buf := make([]byte, 64)
	n, err := cr.Read(buf)
	require.NoError(t, err)
	dec.Feed(buf[:n])
	pdu, err := dec.Next()
	require.NoError(t, err)
	require.Equal(t, &protocol.SerialNotifyPDU{Serial: 101}, pdu)
}

func TestFramingErrorReportsAndCloses(t *testing.T) {
	h := newHarness(t)
	publish(t, h.st, 100, 65001)

	_, err := h.w.Write([]byte{9, 9, 9, 9})
	require.NoError(t, err)

	rep, ok := h.recv(t).(*protocol.ErrorReportPDU)
	require.True(t, ok)
	require.Equal(t, protocol.CodeInternalError, rep.Code)

	require.ErrorIs(t, h.wait(t), protocol.ErrVersionMismatch)
}

func TestMissingSnapshotIsInternalError(t *testing.T) {
	h := newHarness(t)
	publish(t, h.st, 100, 65001)
	require.NoError(t, os.Remove(h.st.SnapshotPath(100)))

	h.send(t, protocol.NewResetQueryPDU())
	rep, ok := h.recv(t).(*protocol.ErrorReportPDU)
	require.True(t, ok)
	require.Equal(t, protocol.CodeInternalError, rep.Code)
}
