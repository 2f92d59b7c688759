// Package client implements the router side of the rpki-router protocol.
// It keeps a local database of authorized prefixes in sync with a cache,
// reacting to serial notifies and falling back to a periodic poll when
// notifies are lost.
package client

import (
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/job/rtrd/internal/protocol"
)

// sessionState tags the client state machine of the protocol exchange.
type sessionState int

const (
	stateStart sessionState = iota
	stateAwaitResponse
	stateIdle
)

// ErrFatalReport is returned when the cache sends an error report that the
// session cannot recover from.
var ErrFatalReport = errors.New("fatal error report from cache")

type inbound struct {
	pdu protocol.PDU
	err error
}

// Session is one client connection to a cache.
type Session struct {
	r      io.Reader
	w      io.Writer
	logger *zap.SugaredLogger

	poll  time.Duration
	state sessionState

	// mu guards the database and serial, which callers may inspect while
	// the session loop is running.
	mu sync.RWMutex

	// db maps the announce-neutral wire image of a prefix record to the
	// record itself, so an announce and its withdraw land on the same key.
	db map[string]*protocol.PrefixPDU

	serial    uint32
	hasSerial bool
}

// NewSession wraps a byte stream to a cache. poll is the fallback query
// interval used when the cache never notifies.
func NewSession(r io.Reader, w io.Writer, poll time.Duration, logger *zap.SugaredLogger) *Session {
	return &Session{
		r:      r,
		w:      w,
		logger: logger,
		poll:   poll,
		db:     make(map[string]*protocol.PrefixPDU),
		state:  stateStart,
	}
}

// Serial returns the serial of the last completed transfer.
func (s *Session) Serial() (uint32, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.serial, s.hasSerial
}

// Prefixes returns the current contents of the local database.
func (s *Session) Prefixes() []*protocol.PrefixPDU {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*protocol.PrefixPDU, 0, len(s.db))
	for _, p := range s.db {
		out = append(out, p)
	}
	return out
}

// Run opens the exchange with a reset query and keeps the database in sync
// until the cache closes the stream or a fatal report arrives. The poll
// timer is reset after every completed response cycle and stops with the
// session.
func (s *Session) Run() error {
	if err := s.push(protocol.NewResetQueryPDU()); err != nil {
		return err
	}
	s.state = stateAwaitResponse

	in := make(chan inbound)
	go s.readLoop(in)

	timer := time.NewTimer(s.poll)
	defer timer.Stop()

	for {
		select {
		case msg, ok := <-in:
			if !ok {
				s.logger.Info("Cache closed session")
				return nil
			}
			if msg.err != nil {
				return msg.err
			}
			done, err := s.handle(msg.pdu)
			if err != nil {
				return err
			}
			if done {
				// A transfer completed; restart the fallback poll clock.
				if !timer.Stop() {
					select {
					case <-timer.C:
					default:
					}
				}
				timer.Reset(s.poll)
			}
		case <-timer.C:
			s.pollNow()
			timer.Reset(s.poll)
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
					in <- inbound{err: derr}
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

// handle applies one PDU to the state machine. It reports whether a
// response cycle just completed.
func (s *Session) handle(pdu protocol.PDU) (bool, error) {
	switch p := pdu.(type) {
	case *protocol.CacheResponsePDU:
		s.logger.Debug("Cache response")
		return false, nil

	case *protocol.PrefixPDU:
		s.apply(p)
		return false, nil

	case *protocol.EndOfDataPDU:
		s.mu.Lock()
		s.serial, s.hasSerial = p.Serial, true
		s.mu.Unlock()
		s.state = stateIdle
		s.logger.Infof("Transfer complete at serial %d, %d prefixes in database", p.Serial, len(s.db))
		return true, nil

	case *protocol.CacheResetPDU:
		// The cache can't upgrade us incrementally; start over.
		s.logger.Info("Cache reset, requesting full snapshot")
		s.mu.Lock()
		s.db = make(map[string]*protocol.PrefixPDU)
		s.hasSerial = false
		s.mu.Unlock()
		s.state = stateAwaitResponse
		return false, s.push(protocol.NewResetQueryPDU())

	case *protocol.SerialNotifyPDU:
		return false, s.handleNotify(p)

	case *protocol.ErrorReportPDU:
		if p.Code == protocol.CodeNoDataAvailable {
			s.logger.Warnf("Cache has no data yet: %s", p.Text)
			s.state = stateIdle
			return true, nil
		}
		s.logger.Errorf("Cache reported error #%d: %s", p.Code, p.Text)
		return false, fmt.Errorf("%w: #%d %s", ErrFatalReport, p.Code, p.Text)

	default:
		s.logger.Warnf("Unexpected %s PDU from cache", pdu.Type())
		return false, nil
	}
}

func (s *Session) handleNotify(p *protocol.SerialNotifyPDU) error {
	if !s.hasSerial {
		s.state = stateAwaitResponse
		return s.push(protocol.NewResetQueryPDU())
	}
	if p.Serial == s.serial {
		s.logger.Debug("Notify did not change serial number, ignoring")
		return nil
	}
	s.state = stateAwaitResponse
	return s.push(protocol.NewSerialQueryPDU(s.serial))
}

// pollNow issues the periodic fallback query.
func (s *Session) pollNow() {
	var pdu protocol.PDU
	if s.hasSerial {
		pdu = protocol.NewSerialQueryPDU(s.serial)
	} else {
		pdu = protocol.NewResetQueryPDU()
	}
	s.state = stateAwaitResponse
	if err := s.push(pdu); err != nil {
		s.logger.Warnf("Failed to send poll query: %v", err)
	}
}

// apply adds or removes one record. The key ignores the announce flag so a
// withdraw finds the record its announce created.
func (s *Session) apply(p *protocol.PrefixPDU) {
	neutral := *p
	neutral.Announce = protocol.Announce
	key := string(neutral.Bytes())
	s.mu.Lock()
	if p.Announce == protocol.Announce {
		s.db[key] = &neutral
	} else {
		delete(s.db, key)
	}
	s.mu.Unlock()
}

func (s *Session) push(pdu protocol.PDU) error {
	s.logger.Debugf("Sending %s", pdu.Type())
	return pdu.Write(s.w)
}

func isDisconnectError(err error) bool {
	return errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrClosedPipe) ||
		strings.Contains(err.Error(), "use of closed network connection") ||
		strings.Contains(err.Error(), "connection reset by peer")
}
