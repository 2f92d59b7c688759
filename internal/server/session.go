package server

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/VictoriaMetrics/metrics"
	"github.com/rs/xid"
	"go.uber.org/zap"

	"github.com/job/rtrd/internal/protocol"
	"github.com/job/rtrd/internal/store"
)

var (
	pdusReceived = metrics.NewCounter("rtrd_server_pdus_received_total")
	pdusSent     = metrics.NewCounter("rtrd_server_pdus_sent_total")
	notifiesSent = metrics.NewCounter("rtrd_server_notifies_sent_total")
)

// sessionState tags where the serving state machine is. The protocol is
// strictly request/response from the router's side, so apart from setup and
// teardown there is only the idle state waiting for the next query or kick.
type sessionState int

const (
	stateIdle sessionState = iota
	stateClosed
)

// inbound carries one decoded PDU, or the decode failure that ended the
// read side, from the reader goroutine to the session loop.
type inbound struct {
	pdu protocol.PDU
	err error
	// raw holds the undecodable bytes when err is a framing error, so the
	// error report can echo them back.
	raw []byte
}

// Session serves one router over an ordered byte stream. The transport
// below the stream (ssh subsystem channel, raw TCP, loopback pipe) is the
// caller's concern.
type Session struct {
	r      io.Reader
	w      io.Writer
	st     *store.Store
	logger *zap.SugaredLogger
	id     string

	kick  chan struct{}
	state sessionState

	// serial last read from the current pointer, used to detect change on
	// kick. hasSerial is false until the pointer has been seen at all.
	serial    uint32
	hasSerial bool
}

// NewSession wraps a byte stream into a serving session.
func NewSession(r io.Reader, w io.Writer, st *store.Store, baseLogger *zap.SugaredLogger) *Session {
	id := xid.New().String()
	return &Session{
		r:      r,
		w:      w,
		st:     st,
		logger: baseLogger.With("session", id),
		id:     id,
		kick:   make(chan struct{}, 1),
	}
}

// ID returns the session identifier used in logs.
func (s *Session) ID() string {
	return s.id
}

// Kick asks the session to re-read the current pointer and notify its peer
// if the serial moved. Safe to call from any goroutine; kicks coalesce.
func (s *Session) Kick() {
	select {
	case s.kick <- struct{}{}:
	default:
	}
}

// Run drives the session until the peer closes the stream or the framing
// breaks. PDUs are handled strictly in arrival order; a kick is handled
// only between responses, never in the middle of one.
func (s *Session) Run() error {
	s.serial, s.hasSerial = s.st.Current()
	s.logger.Info("Session started")

	in := make(chan inbound)
	go s.readLoop(in)

	defer func() { s.state = stateClosed }()
	for {
		select {
		case msg, ok := <-in:
			if !ok {
				s.logger.Info("Peer closed session")
				return nil
			}
			if msg.err != nil {
				// The framing is indeterminate past this point; report and
				// tear the session down.
				s.sendError(protocol.CodeInternalError, msg.raw, msg.err.Error())
				return msg.err
			}
			pdusReceived.Inc()
			if err := s.handle(msg.pdu); err != nil {
				return err
			}
		case <-s.kick:
			s.handleKick()
		}
	}
}

func (s *Session) readLoop(in chan<- inbound) {
	defer close(in)
	var dec protocol.Decoder
	buf := make([]byte, 4096)
	for {
		n, err := s.r.Read(buf)
		if n > 0 {
			dec.Feed(buf[:n])
			for {
				pdu, derr := dec.Next()
				if derr != nil {
					in <- inbound{err: derr, raw: buf[:n]}
					return
				}
				if pdu == nil {
					break
				}
				in <- inbound{pdu: pdu}
			}
		}
		if err != nil {
			if !isDisconnectError(err) {
				s.logger.Warnf("Read error: %v", err)
			}
			return
		}
	}
}

func (s *Session) handle(pdu protocol.PDU) error {
	switch p := pdu.(type) {
	case *protocol.SerialQueryPDU:
		return s.handleSerialQuery(p)
	case *protocol.ResetQueryPDU:
		return s.handleResetQuery(p)
	default:
		s.logger.Warnf("Unexpected %s PDU from peer", pdu.Type())
		s.sendError(protocol.CodeInternalError, pdu.Bytes(), fmt.Sprintf("unexpected %s PDU", pdu.Type()))
		return nil
	}
}

// handleSerialQuery answers with an empty transfer when the peer is already
// current, the stored delta when one exists, and a cache reset when the
// peer's serial is too old to upgrade incrementally.
func (s *Session) handleSerialQuery(q *protocol.SerialQueryPDU) error {
	cur, ok := s.st.Current()
	if !ok {
		s.logger.Info("Serial query but no data available yet")
		return s.sendError(protocol.CodeNoDataAvailable, q.Bytes(), "No Data Available")
	}
	s.serial, s.hasSerial = cur, true

	if q.Serial == cur {
		s.logger.Infof("Peer is already at serial %d, sending empty incremental transfer", cur)
		if err := s.send(protocol.NewCacheResponsePDU()); err != nil {
			return err
		}
		return s.send(protocol.NewEndOfDataPDU(cur))
	}

	path := s.st.DeltaPath(cur, q.Serial)
	if _, err := os.Stat(path); err != nil {
		s.logger.Infof("No delta from serial %d to %d, sending cache reset", q.Serial, cur)
		return s.send(protocol.NewCacheResetPDU())
	}
	s.logger.Infof("Sending delta from serial %d to %d", q.Serial, cur)
	return s.sendFile(path, cur)
}

// handleResetQuery streams the full current snapshot.
func (s *Session) handleResetQuery(q *protocol.ResetQueryPDU) error {
	cur, ok := s.st.Current()
	if !ok {
		s.logger.Info("Reset query but no data available yet")
		return s.sendError(protocol.CodeNoDataAvailable, q.Bytes(), "No Data Available")
	}
	s.serial, s.hasSerial = cur, true

	path := s.st.SnapshotPath(cur)
	s.logger.Infof("Sending full snapshot %d", cur)
	return s.sendFile(path, cur)
}

// handleKick re-reads the current pointer and pushes a serial notify when it
// moved since this session last looked.
func (s *Session) handleKick() {
	cur, ok := s.st.Current()
	if !ok {
		s.logger.Warn("Kicked without a valid current serial")
		return
	}
	if s.hasSerial && cur == s.serial {
		return
	}
	s.serial, s.hasSerial = cur, true
	if err := s.send(protocol.NewSerialNotifyPDU(cur)); err != nil {
		s.logger.Warnf("Failed to send serial notify: %v", err)
		return
	}
	notifiesSent.Inc()
	s.logger.Infof("Notified peer of serial %d", cur)
}

// sendFile streams a snapshot or delta verbatim between a cache response
// and an end of data. The file contents are already a valid PDU sequence.
func (s *Session) sendFile(path string, serial uint32) error {
	f, err := os.Open(path)
	if err != nil {
		s.logger.Errorf("Couldn't open %s: %v", path, err)
		return s.sendError(protocol.CodeInternalError, nil, fmt.Sprintf("Couldn't open %s", path))
	}
	defer f.Close()

	if err := s.send(protocol.NewCacheResponsePDU()); err != nil {
		return err
	}
	if _, err := io.Copy(s.w, f); err != nil {
		return fmt.Errorf("failed to stream %s: %w", path, err)
	}
	return s.send(protocol.NewEndOfDataPDU(serial))
}

func (s *Session) send(pdu protocol.PDU) error {
	if err := pdu.Write(s.w); err != nil {
		return err
	}
	pdusSent.Inc()
	return nil
}

// sendError pushes an error report. A failed push is logged only; the
// caller decides whether the session survives.
func (s *Session) sendError(code uint16, errPDU []byte, text string) error {
	pdu := protocol.NewErrorReportPDU(code, errPDU, text)
	if err := s.send(pdu); err != nil {
		s.logger.Warnf("Failed to send error report: %v", err)
		return err
	}
	return nil
}

// isDisconnectError checks whether an error is due to the peer going away.
func isDisconnectError(err error) bool {
	return errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrClosedPipe) ||
		strings.Contains(err.Error(), "use of closed network connection") ||
		strings.Contains(err.Error(), "connection reset by peer")
}
