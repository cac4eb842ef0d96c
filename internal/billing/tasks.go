package billing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/hibiken/asynq"
	"github.com/rs/zerolog"

	"github.com/noah-isme/backend-payments/internal/lock"
	"github.com/noah-isme/backend-payments/internal/obs"
	"github.com/noah-isme/backend-payments/internal/payment"
)

// TaskReconcile is the asynq task type for one provider transaction.
const TaskReconcile = "payment:reconcile"

const (
	defaultQueue       = "reconcile"
	defaultMaxRetry    = 5
	defaultTaskTimeout = 30 * time.Second
	defaultLockTTL     = 30 * time.Second
)

// ReconcilePayload is the JSON body of a TaskReconcile task.
type ReconcilePayload struct {
	Provider      payment.ProviderName `json:"provider"`
	TransactionID string               `json:"transaction_id"`
}

// NewReconcileTask builds the task for provider/txID.
func NewReconcileTask(provider payment.ProviderName, txID string) (*asynq.Task, error) {
	body, err := json.Marshal(ReconcilePayload{Provider: provider, TransactionID: txID})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskReconcile, body), nil
}

// Enqueuer is satisfied by *asynq.Client.
type Enqueuer interface {
	EnqueueContext(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
}

// AsyncReconciler queues reconciliation instead of running it on the request path.
type AsyncReconciler struct {
	Client   Enqueuer
	Queue    string
	MaxRetry int
}

// ReconcileByProviderTx enqueues a task. While a task for the same transaction
// is still pending the enqueue is a no-op.
func (a *AsyncReconciler) ReconcileByProviderTx(ctx context.Context, provider payment.ProviderName, txID string) error {
	if a == nil || a.Client == nil {
		return errors.New("billing: reconcile queue not configured")
	}
	task, err := NewReconcileTask(provider, txID)
	if err != nil {
		return err
	}
	queue := a.Queue
	if queue == "" {
		queue = defaultQueue
	}
	retry := a.MaxRetry
	if retry <= 0 {
		retry = defaultMaxRetry
	}
	_, err = a.Client.EnqueueContext(ctx, task,
		asynq.Queue(queue),
		asynq.MaxRetry(retry),
		asynq.Timeout(defaultTaskTimeout),
		asynq.TaskID(string(provider)+":"+txID),
	)
	switch {
	case errors.Is(err, asynq.ErrTaskIDConflict):
		obs.CountReconcile(string(provider), "coalesced")
		return nil
	case err != nil:
		obs.CountReconcile(string(provider), "enqueue_failed")
		return fmt.Errorf("enqueue reconcile %s/%s: %w", provider, txID, err)
	}
	obs.CountReconcile(string(provider), "enqueued")
	return nil
}

// ReconcileWorker runs TaskReconcile tasks. Work on one transaction is
// serialised across worker processes by a Redis lease.
type ReconcileWorker struct {
	Ledger  payment.Reconciler
	Locker  lock.Locker
	LockTTL time.Duration
	Logger  zerolog.Logger
}

// ProcessTask implements asynq.Handler.
func (w *ReconcileWorker) ProcessTask(ctx context.Context, t *asynq.Task) error {
	var p ReconcilePayload
	if err := json.Unmarshal(t.Payload(), &p); err != nil {
		obs.CountReconcile("unknown", "bad_payload")
		return fmt.Errorf("decode reconcile payload: %v: %w", err, asynq.SkipRetry)
	}
	provider, err := payment.ParseProviderName(string(p.Provider))
	if err != nil || p.TransactionID == "" {
		obs.CountReconcile("unknown", "bad_payload")
		return fmt.Errorf("invalid reconcile payload %q/%q: %w", p.Provider, p.TransactionID, asynq.SkipRetry)
	}

	logger := w.Logger.With().Str("provider", string(provider)).Str("transaction_id", p.TransactionID).Logger()
	ttl := w.LockTTL
	if ttl <= 0 {
		ttl = defaultLockTTL
	}
	key := "lock:reconcile:" + string(provider) + ":" + p.TransactionID
	err = w.Locker.WithLock(ctx, key, ttl, func(ctx context.Context) error {
		return w.Ledger.ReconcileByProviderTx(ctx, provider, p.TransactionID)
	})
	switch {
	case err == nil:
		obs.CountReconcile(string(provider), "reconciled")
		logger.Info().Msg("transaction reconciled")
		return nil
	case errors.Is(err, ErrNoEntries):
		obs.CountReconcile(string(provider), "no_entries")
		logger.Info().Msg("no ledger entries yet, will retry")
	case errors.Is(err, lock.ErrNotAcquired):
		obs.CountReconcile(string(provider), "busy")
	default:
		obs.CountReconcile(string(provider), "failed")
		logger.Error().Err(err).Msg("reconcile failed")
	}
	return err
}

// Register mounts the worker on an asynq mux.
func (w *ReconcileWorker) Register(mux *asynq.ServeMux) {
	mux.Handle(TaskReconcile, w)
}
