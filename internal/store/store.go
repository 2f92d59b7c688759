// Package store is the filesystem-backed repository of snapshots and deltas
// shared between the producer and the servers. The producer is the only
// writer; servers open files read-only and re-read the current pointer on
// every poll. The atomic rename of the current pointer is the only
// synchronization between the two sides.
package store

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/job/rtrd/internal/prefixset"
)

const currentName = "current"

// Store is a handle on one data directory.
type Store struct {
	dir string
}

func New(dir string) *Store {
	return &Store{dir: dir}
}

func (s *Store) Dir() string {
	return s.dir
}

// SnapshotPath returns the path of the full snapshot for a serial.
func (s *Store) SnapshotPath(serial uint32) string {
	return filepath.Join(s.dir, fmt.Sprintf("%d.ax", serial))
}

// DeltaPath returns the path of the delta that upgrades from one serial to
// another.
func (s *Store) DeltaPath(to, from uint32) string {
	return filepath.Join(s.dir, fmt.Sprintf("%d.ix.%d", to, from))
}

// ParseSnapshotName extracts the serial from a snapshot filename.
func ParseSnapshotName(name string) (uint32, error) {
	base := filepath.Base(name)
	fields := strings.Split(base, ".")
	if len(fields) != 2 || fields[1] != "ax" {
		return 0, fmt.Errorf("not a snapshot filename: %s", base)
	}
	serial, err := strconv.ParseUint(fields[0], 10, 32)
	if err != nil {
		return 0, fmt.Errorf("not a snapshot filename: %s", base)
	}
	return uint32(serial), nil
}

// ParseDeltaName extracts the (to, from) serials from a delta filename.
func ParseDeltaName(name string) (to, from uint32, err error) {
	base := filepath.Base(name)
	fields := strings.Split(base, ".")
	if len(fields) != 3 || fields[1] != "ix" {
		return 0, 0, fmt.Errorf("not a delta filename: %s", base)
	}
	t, err := strconv.ParseUint(fields[0], 10, 32)
	if err != nil {
		return 0, 0, fmt.Errorf("not a delta filename: %s", base)
	}
	f, err := strconv.ParseUint(fields[2], 10, 32)
	if err != nil {
		return 0, 0, fmt.Errorf("not a delta filename: %s", base)
	}
	return uint32(t), uint32(f), nil
}

// WriteSnapshot writes the AXFR under its serial-derived filename.
func (s *Store) WriteSnapshot(ax *prefixset.AXFR) error {
	f, err := os.Create(s.SnapshotPath(ax.Serial))
	if err != nil {
		return fmt.Errorf("failed to create snapshot: %w", err)
	}
	if _, err := ax.WriteTo(f); err != nil {
		f.Close()
		return fmt.Errorf("failed to write snapshot %d: %w", ax.Serial, err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("failed to close snapshot %d: %w", ax.Serial, err)
	}
	return nil
}

// WriteDelta writes the IXFR under its serial-pair filename.
func (s *Store) WriteDelta(ix *prefixset.IXFR) error {
	f, err := os.Create(s.DeltaPath(ix.ToSerial, ix.FromSerial))
	if err != nil {
		return fmt.Errorf("failed to create delta: %w", err)
	}
	if _, err := ix.WriteTo(f); err != nil {
		f.Close()
		return fmt.Errorf("failed to write delta %d.ix.%d: %w", ix.ToSerial, ix.FromSerial, err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("failed to close delta %d.ix.%d: %w", ix.ToSerial, ix.FromSerial, err)
	}
	return nil
}

// LoadSnapshot reads a snapshot file back into an AXFR, taking the serial
// from the filename.
func (s *Store) LoadSnapshot(path string) (*prefixset.AXFR, error) {
	serial, err := ParseSnapshotName(path)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open snapshot: %w", err)
	}
	defer f.Close()
	prefixes, err := prefixset.ReadPrefixes(f)
	if err != nil {
		return nil, fmt.Errorf("failed to load snapshot %s: %w", path, err)
	}
	return &prefixset.AXFR{Serial: serial, Prefixes: prefixes}, nil
}

// Snapshots lists all snapshot files in the store.
func (s *Store) Snapshots() ([]string, error) {
	return filepath.Glob(filepath.Join(s.dir, "*.ax"))
}

// Deltas lists all delta files in the store.
func (s *Store) Deltas() ([]string, error) {
	return filepath.Glob(filepath.Join(s.dir, "*.ix.*"))
}

// Current reads the current serial pointer. A missing or unparseable file
// means no data has been published yet, not a failure.
func (s *Store) Current() (uint32, bool) {
	b, err := os.ReadFile(filepath.Join(s.dir, currentName))
	if err != nil {
		return 0, false
	}
	serial, err := strconv.ParseUint(strings.TrimSpace(string(b)), 10, 32)
	if err != nil {
		return 0, false
	}
	return uint32(serial), true
}

// MarkCurrent publishes a serial as current: write a pid-tagged temporary in
// the same directory and rename it into place so readers only ever see a
// complete pointer.
func (s *Store) MarkCurrent(serial uint32) error {
	tmp := filepath.Join(s.dir, fmt.Sprintf("%s.%d.tmp", currentName, os.Getpid()))
	if err := os.WriteFile(tmp, []byte(fmt.Sprintf("%d\n", serial)), 0644); err != nil {
		return fmt.Errorf("failed to write current pointer: %w", err)
	}
	if err := os.Rename(tmp, filepath.Join(s.dir, currentName)); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to publish current pointer: %w", err)
	}
	return nil
}

// PruneSnapshots deletes snapshots whose mtime is older than the cutoff and
// returns their names.
func (s *Store) PruneSnapshots(cutoff time.Time) ([]string, error) {
	snaps, err := s.Snapshots()
	if err != nil {
		return nil, err
	}
	var pruned []string
	for _, f := range snaps {
		st, err := os.Stat(f)
		if err != nil {
			continue
		}
		if st.ModTime().Before(cutoff) {
			if err := os.Remove(f); err != nil {
				return pruned, fmt.Errorf("failed to delete old snapshot %s: %w", f, err)
			}
			pruned = append(pruned, f)
		}
	}
	return pruned, nil
}
