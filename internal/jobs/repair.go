package jobs

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/stillwater-app/journal-server-go/internal/repository"
	"github.com/stillwater-app/journal-server-go/internal/service"
)

const repairBatchSize = 100

// RepairJob sweeps journal entries stuck in pending admission. An entry
// stays pending only when the process died between the insert and the
// admission outcome, so anything older than maxAge is an orphan and gets
// the compensating delete.
type RepairJob struct {
	journalRepo repository.JournalRepository
	journal     *service.JournalService
	interval    time.Duration
	maxAge      time.Duration
	done        chan struct{}
}

func NewRepairJob(
	journalRepo repository.JournalRepository,
	journal *service.JournalService,
	interval time.Duration,
	maxAge time.Duration,
) *RepairJob {
	return &RepairJob{
		journalRepo: journalRepo,
		journal:     journal,
		interval:    interval,
		maxAge:      maxAge,
		done:        make(chan struct{}),
	}
}

func (j *RepairJob) Start() {
	go j.run()
	log.Info().Dur("interval", j.interval).Msg("repair job started")
}

func (j *RepairJob) Stop() {
	close(j.done)
	log.Info().Msg("repair job stopped")
}

func (j *RepairJob) run() {
	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	j.repair()

	for {
		select {
		case <-j.done:
			return
		case <-ticker.C:
			j.repair()
		}
	}
}

func (j *RepairJob) repair() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	cutoff := time.Now().Add(-j.maxAge)
	entries, err := j.journalRepo.FindStalePendingEntries(ctx, cutoff, repairBatchSize)
	if err != nil {
		log.Error().Err(err).Msg("failed to list stale pending entries")
		return
	}

	deleted := 0
	for _, entry := range entries {
		ok, err := j.journal.CompensatePending(ctx, entry.UID)
		if err != nil {
			log.Error().Err(err).Str("entryUid", entry.UID).Msg("failed to repair pending entry")
			continue
		}
		if ok {
			deleted++
		}
	}

	if deleted > 0 {
		log.Info().Int("count", deleted).Msg("repaired stale pending entries")
	}
}
