// internal/jobs/runner.go
package jobs

import (
	"context"
	"fmt"
	"time"

	"github.com/veridocs/btcpay/internal/db"
	"github.com/veridocs/btcpay/internal/logging"
	"go.uber.org/zap"
)

const (
	TypeAnalyticsRollup   = "analytics_rollup"
	TypePoolReplenishment = "pool_replenishment"
	TypePaymentReminder   = "payment_reminder"
	TypeDataRetention     = "data_retention"
	TypeHealthCheck       = "health_check"
)

const reminderNotificationType = "payment_reminder"

// Store is the slice of the data layer the job runner needs.
type Store interface {
	ActiveJobs(ctx context.Context, name string) ([]db.ScheduledJob, error)
	AppendJobLog(ctx context.Context, entry *db.JobExecutionLog) error
	PendingOrdersExpiringBefore(ctx context.Context, deadline time.Time) ([]db.Order, error)
	HasNotification(ctx context.Context, orderID int64, kind string) (bool, error)
	CreateNotification(ctx context.Context, n *db.Notification) error
	ReleaseExpiredReservations(ctx context.Context, now time.Time) (int64, error)
	PruneJobLogs(ctx context.Context, before time.Time) (int64, error)
	PaidOrderStatsSince(ctx context.Context, since time.Time) (db.OrderStats, error)
	CheckCoreTables(ctx context.Context) error
	Ping(ctx context.Context) error
}

// PoolChecker is the replenishment hook into the address pool.
type PoolChecker interface {
	CheckReplenishment(ctx context.Context) (int64, bool, error)
}

// LedgerPinger reports whether the chain can currently be observed.
type LedgerPinger interface {
	Ping(ctx context.Context) error
}

type Config struct {
	RetentionDays  int
	ReminderWindow time.Duration
}

// Runner dispatches named maintenance routines and persists one execution
// log row per job per run. Jobs are triggered externally (cron hitting the
// jobs endpoint); CronExpr on the job row is scheduling metadata for the
// back office, not parsed here.
type Runner struct {
	store  Store
	pool   PoolChecker
	ledger LedgerPinger
	cfg    Config
}

func NewRunner(store Store, pool PoolChecker, chain LedgerPinger, cfg Config) *Runner {
	if cfg.RetentionDays <= 0 {
		cfg.RetentionDays = 90
	}
	if cfg.ReminderWindow <= 0 {
		cfg.ReminderWindow = 10 * time.Minute
	}
	return &Runner{store: store, pool: pool, ledger: chain, cfg: cfg}
}

type Result struct {
	JobName        string `json:"job_name"`
	Status         string `json:"status"`
	DurationMs     int64  `json:"duration_ms"`
	ItemsProcessed int    `json:"items_processed"`
	Error          string `json:"error,omitempty"`
}

// RunDue executes every active job (filtered by name when given). Each
// dispatch is individually recovered: success or failure both produce
// exactly one JobExecutionLog row, and one job's failure never prevents the
// jobs after it from running.
func (r *Runner) RunDue(ctx context.Context, name string) ([]Result, error) {
	jobs, err := r.store.ActiveJobs(ctx, name)
	if err != nil {
		return nil, err
	}

	results := make([]Result, 0, len(jobs))
	for _, job := range jobs {
		start := time.Now()
		items, runErr := r.runJob(ctx, job)
		duration := time.Since(start).Milliseconds()

		entry := &db.JobExecutionLog{
			JobName:        job.Name,
			Status:         "success",
			DurationMs:     duration,
			ItemsProcessed: items,
			RanAt:          start,
		}
		result := Result{
			JobName:        job.Name,
			Status:         "success",
			DurationMs:     duration,
			ItemsProcessed: items,
		}

		if runErr != nil {
			entry.Status = "failed"
			entry.ErrorMessage = runErr.Error()
			result.Status = "failed"
			result.Error = runErr.Error()
			logging.Error("Scheduled job failed",
				zap.String("job", job.Name),
				zap.Error(runErr))
		} else {
			logging.Info("Scheduled job finished",
				zap.String("job", job.Name),
				zap.Int("items", items),
				zap.Int64("duration_ms", duration))
		}

		if logErr := r.store.AppendJobLog(ctx, entry); logErr != nil {
			logging.Error("Failed to persist job execution log",
				zap.String("job", job.Name),
				zap.Error(logErr))
		}

		results = append(results, result)
	}
	return results, nil
}

func (r *Runner) runJob(ctx context.Context, job db.ScheduledJob) (items int, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("panic: %v", rec)
		}
	}()

	switch job.Type {
	case TypeAnalyticsRollup:
		return r.analyticsRollup(ctx)
	case TypePoolReplenishment:
		count, _, err := r.pool.CheckReplenishment(ctx)
		return int(count), err
	case TypePaymentReminder:
		return r.paymentReminders(ctx)
	case TypeDataRetention:
		return r.dataRetention(ctx)
	case TypeHealthCheck:
		return r.healthCheck(ctx)
	default:
		return 0, fmt.Errorf("unknown job type %q", job.Type)
	}
}

func (r *Runner) analyticsRollup(ctx context.Context) (int, error) {
	stats, err := r.store.PaidOrderStatsSince(ctx, time.Now().Add(-24*time.Hour))
	if err != nil {
		return 0, err
	}

	logging.Info("Analytics rollup",
		zap.Int64("settled_orders", stats.Orders),
		zap.Float64("fiat_volume", stats.FiatVolume),
		zap.Int64("escrows_held", stats.EscrowsHeld))
	return int(stats.Orders), nil
}

// paymentReminders notifies buyers whose reservation is about to expire.
// Idempotent: an order gets at most one reminder regardless of how often
// the cron fires.
func (r *Runner) paymentReminders(ctx context.Context) (int, error) {
	orders, err := r.store.PendingOrdersExpiringBefore(ctx, time.Now().Add(r.cfg.ReminderWindow))
	if err != nil {
		return 0, err
	}

	created := 0
	for _, order := range orders {
		exists, err := r.store.HasNotification(ctx, order.ID, reminderNotificationType)
		if err != nil {
			return created, err
		}
		if exists {
			continue
		}

		notification := &db.Notification{
			OrderID: order.ID,
			Type:    reminderNotificationType,
			Message: fmt.Sprintf("payment window for order %d is about to expire", order.ID),
		}
		if err := r.store.CreateNotification(ctx, notification); err != nil {
			return created, err
		}
		created++
	}
	return created, nil
}

func (r *Runner) dataRetention(ctx context.Context) (int, error) {
	released, err := r.store.ReleaseExpiredReservations(ctx, time.Now())
	if err != nil {
		return 0, err
	}

	cutoff := time.Now().AddDate(0, 0, -r.cfg.RetentionDays)
	pruned, err := r.store.PruneJobLogs(ctx, cutoff)
	if err != nil {
		return int(released), err
	}
	return int(released + pruned), nil
}

func (r *Runner) healthCheck(ctx context.Context) (int, error) {
	if err := r.store.Ping(ctx); err != nil {
		return 0, fmt.Errorf("store unreachable: %w", err)
	}
	if err := r.store.CheckCoreTables(ctx); err != nil {
		return 1, err
	}
	if err := r.ledger.Ping(ctx); err != nil {
		return 2, fmt.Errorf("ledger unreachable: %w", err)
	}
	return 3, nil
}
