// Package producer implements the cronjob mode: grovel through the
// validator's output tree, reduce it to the canonical prefix set, persist
// the snapshot and the deltas against every surviving prior snapshot, then
// publish the new serial and kick the running servers.
package producer

import (
	"fmt"
	"os"
	"time"

	"github.com/VictoriaMetrics/metrics"
	"go.uber.org/zap"

	"github.com/job/rtrd/internal/kickbus"
	"github.com/job/rtrd/internal/prefixset"
	"github.com/job/rtrd/internal/roa"
	"github.com/job/rtrd/internal/store"
)

var (
	runsTotal     = metrics.NewCounter("rtrd_producer_runs_total")
	runErrors     = metrics.NewCounter("rtrd_producer_run_errors_total")
	kicksSent     = metrics.NewCounter("rtrd_producer_kicks_sent_total")
	prefixesBuilt = metrics.NewCounter("rtrd_producer_prefixes_built_total")
)

type Producer struct {
	store     *store.Store
	decoder   roa.Decoder
	logger    *zap.SugaredLogger
	kickDir   string
	retention time.Duration
}

func New(st *store.Store, dec roa.Decoder, kickDir string, retention time.Duration, logger *zap.SugaredLogger) *Producer {
	return &Producer{
		store:     st,
		decoder:   dec,
		logger:    logger,
		kickDir:   kickDir,
		retention: retention,
	}
}

// Run performs one producer pass over the validator tree rooted at root.
// The current pointer is rewritten only after the snapshot and every delta
// are safely on disk, so a failed run leaves the previous publication
// intact.
func (p *Producer) Run(root string) error {
	runsTotal.Inc()
	if err := p.run(root); err != nil {
		runErrors.Inc()
		return err
	}
	return nil
}

func (p *Producer) run(root string) error {
	roas, err := roa.LoadTree(root, p.decoder, p.logger)
	if err != nil {
		return fmt.Errorf("producer run aborted: %w", err)
	}
	p.logger.Infof("Loaded %d ROAs from %s", len(roas), root)

	// Deltas that already exist now describe upgrades to a serial that is
	// about to stop being current; remember them for deletion once the new
	// publication is complete.
	oldDeltas, err := p.store.Deltas()
	if err != nil {
		return fmt.Errorf("failed to enumerate deltas: %w", err)
	}

	cutoff := time.Now().Add(-p.retention)
	pruned, err := p.store.PruneSnapshots(cutoff)
	if err != nil {
		return fmt.Errorf("retention pruning failed: %w", err)
	}
	for _, f := range pruned {
		p.logger.Infof("Deleted old snapshot %s", f)
	}

	ax, err := prefixset.Build(p.nextSerial(), roas)
	if err != nil {
		return fmt.Errorf("failed to build prefix set: %w", err)
	}
	prefixesBuilt.Add(len(ax.Prefixes))
	if err := p.store.WriteSnapshot(ax); err != nil {
		return err
	}
	p.logger.Infof("Wrote snapshot %d with %d prefixes", ax.Serial, len(ax.Prefixes))

	snaps, err := p.store.Snapshots()
	if err != nil {
		return fmt.Errorf("failed to enumerate snapshots: %w", err)
	}
	for _, f := range snaps {
		if f == p.store.SnapshotPath(ax.Serial) {
			continue
		}
		old, err := p.store.LoadSnapshot(f)
		if err != nil {
			return fmt.Errorf("failed to load prior snapshot: %w", err)
		}
		ix := prefixset.Diff(old, ax)
		if err := p.store.WriteDelta(ix); err != nil {
			return err
		}
		p.logger.Infof("Wrote delta %d.ix.%d with %d records", ix.ToSerial, ix.FromSerial, len(ix.Prefixes))
	}

	if err := p.store.MarkCurrent(ax.Serial); err != nil {
		return err
	}
	p.logger.Infof("New serial is %d", ax.Serial)

	msg := fmt.Sprintf("Good morning, serial %d is ready", ax.Serial)
	kicked := kickbus.Broadcast(p.kickDir, msg, p.logger)
	kicksSent.Add(kicked)

	for _, f := range oldDeltas {
		if err := os.Remove(f); err != nil && !os.IsNotExist(err) {
			p.logger.Warnf("Couldn't delete old delta %s: %v", f, err)
			continue
		}
		p.logger.Infof("Deleted old delta %s", f)
	}
	return nil
}

// nextSerial derives the serial from the clock, bumped past the published
// one when two runs land within the same second.
func (p *Producer) nextSerial() uint32 {
	serial := uint32(time.Now().Unix())
	if cur, ok := p.store.Current(); ok && serial <= cur {
		serial = cur + 1
	}
	return serial
}
