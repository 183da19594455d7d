package scheduler

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/quantfold/helmsman/internal/database"
	"github.com/quantfold/helmsman/internal/workflow"
)

// Default schedules for the maintenance jobs; the trading schedule
// comes from configuration.
const (
	TTLSweepSchedule    = "0 0 1 * * *"   // 01:00 daily
	BackupSchedule      = "0 30 2 * * *"  // 02:30 daily
	MaintenanceSchedule = "0 0 3 * * SUN" // 03:00 Sunday
)

// dailyRunTimeout bounds one scheduled trading run end to end
const dailyRunTimeout = 2 * time.Hour

// WorkflowRunner triggers one trading run and waits for its outcome
type WorkflowRunner interface {
	Run(ctx context.Context, asOf time.Time) (*workflow.Outcome, error)
}

// DailyRunJob triggers the trading workflow. The cron schedule keeps it
// to weekday mornings; the execution stage's market-hours gate covers
// holidays.
type DailyRunJob struct {
	runner WorkflowRunner
	log    zerolog.Logger
}

// NewDailyRunJob creates the daily trading job
func NewDailyRunJob(runner WorkflowRunner, log zerolog.Logger) *DailyRunJob {
	return &DailyRunJob{runner: runner, log: log.With().Str("job", "daily_run").Logger()}
}

// Name implements Job
func (j *DailyRunJob) Name() string { return "daily_run" }

// Run implements Job
func (j *DailyRunJob) Run() error {
	ctx, cancel := context.WithTimeout(context.Background(), dailyRunTimeout)
	defer cancel()

	outcome, err := j.runner.Run(ctx, time.Now().UTC())
	if err != nil {
		return err
	}
	j.log.Info().
		Str("run_id", outcome.RunID).
		Str("status", string(outcome.Status)).
		Int("succeeded", outcome.SucceededTrades).
		Int("failed", outcome.FailedTrades).
		Msg("Scheduled run finished")
	return nil
}

// ExpiredRunDeleter is the run-state store's TTL sweep surface
type ExpiredRunDeleter interface {
	DeleteExpired(ctx context.Context, now time.Time) (int64, error)
}

// TTLSweepJob deletes run records past their 30-day retention
type TTLSweepJob struct {
	store ExpiredRunDeleter
	log   zerolog.Logger
}

// NewTTLSweepJob creates the run-record retention job
func NewTTLSweepJob(store ExpiredRunDeleter, log zerolog.Logger) *TTLSweepJob {
	return &TTLSweepJob{store: store, log: log.With().Str("job", "run_ttl_sweep").Logger()}
}

// Name implements Job
func (j *TTLSweepJob) Name() string { return "run_ttl_sweep" }

// Run implements Job
func (j *TTLSweepJob) Run() error {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	deleted, err := j.store.DeleteExpired(ctx, time.Now().UTC())
	if err != nil {
		return err
	}
	if deleted > 0 {
		j.log.Info().Int64("deleted", deleted).Msg("Expired run records removed")
	}
	return nil
}

// MaintenanceJob runs weekly database upkeep: a connectivity check, a
// WAL truncation, a VACUUM, and a size report. The ledger is
// append-only, so it gets the checkpoint but not the vacuum.
type MaintenanceJob struct {
	dbs []*database.DB
	log zerolog.Logger
}

// NewMaintenanceJob creates the database maintenance job
func NewMaintenanceJob(dbs []*database.DB, log zerolog.Logger) *MaintenanceJob {
	return &MaintenanceJob{dbs: dbs, log: log.With().Str("job", "db_maintenance").Logger()}
}

// Name implements Job
func (j *MaintenanceJob) Name() string { return "db_maintenance" }

// Run implements Job
func (j *MaintenanceJob) Run() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
	defer cancel()

	for _, db := range j.dbs {
		if err := db.QuickCheck(ctx); err != nil {
			return err
		}
		if err := db.WALCheckpoint("TRUNCATE"); err != nil {
			return err
		}
		if db.Profile() != database.ProfileLedger {
			if err := db.Vacuum(); err != nil {
				return err
			}
		}
		stats, err := db.GetStats()
		if err != nil {
			return err
		}
		j.log.Info().
			Str("database", db.Name()).
			Int64("size_bytes", stats.SizeBytes).
			Int64("wal_bytes", stats.WALSizeBytes).
			Int64("free_pages", stats.FreelistCount).
			Msg("Database maintenance finished")
	}
	return nil
}

// Archiver uploads a snapshot of the data directory
type Archiver interface {
	Backup(ctx context.Context) error
}

// BackupJob snapshots the databases to durable storage
type BackupJob struct {
	archiver Archiver
	log      zerolog.Logger
}

// NewBackupJob creates the nightly backup job
func NewBackupJob(archiver Archiver, log zerolog.Logger) *BackupJob {
	return &BackupJob{archiver: archiver, log: log.With().Str("job", "backup").Logger()}
}

// Name implements Job
func (j *BackupJob) Name() string { return "backup" }

// Run implements Job
func (j *BackupJob) Run() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
	defer cancel()
	return j.archiver.Backup(ctx)
}
