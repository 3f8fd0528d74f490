package accountsync

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/oauth2"

	"github.com/grana-app/banklink/instrumentation"
)

const (
	// DefaultJobTimeout bounds a detached sync job. The job is invisible to
	// the user by then anyway; a hung provider call must not pin a goroutine
	// forever.
	DefaultJobTimeout = 5 * time.Minute

	// DefaultDrainTimeout is how long Close waits for in-flight jobs.
	DefaultDrainTimeout = 30 * time.Second
)

// Dispatcher runs sync jobs fire-and-forget: the HTTP response that triggered
// a job is returned immediately, the job continues in a detached goroutine
// with its own error boundary, and its failures are logged, never surfaced to
// the user, and never roll back the claim that triggered it.
type Dispatcher struct {
	syncer       Syncer
	logger       *slog.Logger
	metrics      *instrumentation.Metrics
	jobTimeout   time.Duration
	drainTimeout time.Duration

	wg     sync.WaitGroup
	mu     sync.Mutex
	closed bool
	onDone func(jobID string, res *Result, err error) // test hook
}

// NewDispatcher creates a dispatcher around the given syncer. The metrics
// may be nil.
func NewDispatcher(syncer Syncer, logger *slog.Logger, metrics *instrumentation.Metrics) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		syncer:       syncer,
		logger:       logger,
		metrics:      metrics,
		jobTimeout:   DefaultJobTimeout,
		drainTimeout: DefaultDrainTimeout,
	}
}

// Job describes one detached sync run.
type Job struct {
	UserID        string
	Token         *oauth2.Token
	CredentialsID string
}

// Dispatch starts a detached sync job and returns its ID immediately.
// Returns false if the dispatcher is closed.
func (d *Dispatcher) Dispatch(job Job) (string, bool) {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return "", false
	}
	d.wg.Add(1)
	d.mu.Unlock()

	jobID := uuid.NewString()
	if d.metrics != nil {
		d.metrics.RecordSyncJobStarted(context.Background())
	}

	go func() {
		defer d.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				d.logger.Error("sync job panicked",
					"job_id", jobID,
					"user_id", job.UserID,
					"panic", r)
			}
		}()

		ctx, cancel := context.WithTimeout(context.Background(), d.jobTimeout)
		defer cancel()

		start := time.Now()
		res, err := d.syncer.SyncAccountsAndBalances(ctx, job.UserID, job.Token, job.CredentialsID)
		if d.metrics != nil {
			d.metrics.RecordSyncJobCompleted(ctx, err == nil)
		}
		if err != nil {
			d.logger.Error("background account sync failed",
				"job_id", jobID,
				"user_id", job.UserID,
				"duration", time.Since(start),
				"error", err)
		} else {
			d.logger.Info("background account sync completed",
				"job_id", jobID,
				"user_id", job.UserID,
				"duration", time.Since(start),
				"accounts_created", res.AccountsCreated,
				"accounts_updated", res.AccountsUpdated,
				"transactions_synced", res.TransactionsSynced)
		}

		if d.onDone != nil {
			d.onDone(jobID, res, err)
		}
	}()

	return jobID, true
}

// Close stops accepting jobs and waits up to the drain timeout for in-flight
// jobs to finish.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(d.drainTimeout):
		d.logger.Warn("dispatcher drain timed out with sync jobs still running")
	}
}
