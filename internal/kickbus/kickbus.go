// Package kickbus is the local datagram channel between the producer and
// the running servers. Each server binds one unix datagram socket named
// after its pid; the producer globs the directory and sends one datagram
// per endpoint when a new serial is ready. The datagram payload is
// informational only.
package kickbus

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"

	"go.uber.org/zap"
)

const baseName = "kickme"

// Endpoint is one server's bound kick socket.
type Endpoint struct {
	conn   *net.UnixConn
	path   string
	logger *zap.SugaredLogger
}

// Listen binds the kick endpoint for this process inside dir, creating the
// directory when needed. Stale endpoints left by crashed servers are
// unlinked first.
func Listen(dir string, logger *zap.SugaredLogger) (*Endpoint, error) {
	if err := os.MkdirAll(dir, 0750); err != nil {
		return nil, fmt.Errorf("failed to create kick directory %s: %w", dir, err)
	}
	reapStale(dir, logger)

	path := filepath.Join(dir, fmt.Sprintf("%s.%d", baseName, os.Getpid()))
	// A leftover socket with our own pid means a previous incarnation
	// crashed; reclaim the name.
	os.Remove(path)

	conn, err := net.ListenUnixgram("unixgram", &net.UnixAddr{Name: path, Net: "unixgram"})
	if err != nil {
		return nil, fmt.Errorf("failed to bind kick socket %s: %w", path, err)
	}
	if err := os.Chmod(path, 0660); err != nil {
		logger.Warnf("Couldn't chmod kick socket %s: %v", path, err)
	}
	return &Endpoint{conn: conn, path: path, logger: logger}, nil
}

// Serve reads datagrams until the endpoint is closed, invoking kick once per
// datagram. The payload is logged and otherwise ignored.
func (e *Endpoint) Serve(kick func()) {
	buf := make([]byte, 512)
	for {
		n, _, err := e.conn.ReadFromUnix(buf)
		if err != nil {
			return
		}
		e.logger.Debugf("Kicked: %s", strings.TrimSpace(string(buf[:n])))
		kick()
	}
}

// Close shuts the socket down and unlinks the endpoint.
func (e *Endpoint) Close() {
	e.conn.Close()
	if err := os.Remove(e.path); err != nil && !os.IsNotExist(err) {
		e.logger.Warnf("Couldn't unlink kick socket %s: %v", e.path, err)
	}
}

// Broadcast sends one datagram to every endpoint under dir. A failed send is
// logged and skipped; it never aborts the broadcast. Returns how many
// endpoints were reached.
func Broadcast(dir, msg string, logger *zap.SugaredLogger) int {
	endpoints, err := filepath.Glob(filepath.Join(dir, baseName+".*"))
	if err != nil {
		logger.Warnf("Couldn't enumerate kick endpoints in %s: %v", dir, err)
		return 0
	}
	var kicked int
	for _, name := range endpoints {
		conn, err := net.Dial("unixgram", name)
		if err != nil {
			logger.Warnf("Failed to kick %s: %v", name, err)
			continue
		}
		if _, err := conn.Write([]byte(msg)); err != nil {
			logger.Warnf("Failed to kick %s: %v", name, err)
		} else {
			logger.Debugf("Kicked %s", name)
			kicked++
		}
		conn.Close()
	}
	return kicked
}

// reapStale unlinks endpoints whose owning process no longer exists.
func reapStale(dir string, logger *zap.SugaredLogger) {
	endpoints, _ := filepath.Glob(filepath.Join(dir, baseName+".*"))
	for _, name := range endpoints {
		pidstr := strings.TrimPrefix(filepath.Base(name), baseName+".")
		pid, err := strconv.Atoi(pidstr)
		if err != nil || pid == os.Getpid() {
			continue
		}
		if err := syscall.Kill(pid, 0); err == syscall.ESRCH {
			logger.Infof("Removing stale kick socket %s", name)
			os.Remove(name)
		}
	}
}
