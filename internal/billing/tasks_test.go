package billing_test

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/hibiken/asynq"
	redis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/backend-payments/internal/billing"
	"github.com/noah-isme/backend-payments/internal/lock"
	"github.com/noah-isme/backend-payments/internal/payment"
)

type fakeEnqueuer struct {
	tasks []*asynq.Task
	opts  [][]asynq.Option
	err   error
}

func (f *fakeEnqueuer) EnqueueContext(_ context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error) {
	f.tasks = append(f.tasks, task)
	f.opts = append(f.opts, opts)
	if f.err != nil {
		return nil, f.err
	}
	return &asynq.TaskInfo{ID: "x", Queue: "reconcile"}, nil
}

func optionValue(opts []asynq.Option, typ asynq.OptionType) any {
	for _, o := range opts {
		if o.Type() == typ {
			return o.Value()
		}
	}
	return nil
}

func TestAsyncReconcilerEnqueuesTask(t *testing.T) {
	client := &fakeEnqueuer{}
	r := &billing.AsyncReconciler{Client: client, Queue: "payments", MaxRetry: 3}

	require.NoError(t, r.ReconcileByProviderTx(context.Background(), payment.Easypaisa, "EP-1"))
	require.Len(t, client.tasks, 1)
	require.Equal(t, billing.TaskReconcile, client.tasks[0].Type())

	var p billing.ReconcilePayload
	require.NoError(t, json.Unmarshal(client.tasks[0].Payload(), &p))
	require.Equal(t, billing.ReconcilePayload{Provider: payment.Easypaisa, TransactionID: "EP-1"}, p)

	require.Equal(t, "payments", optionValue(client.opts[0], asynq.QueueOpt))
	require.Equal(t, 3, optionValue(client.opts[0], asynq.MaxRetryOpt))
	require.Equal(t, "easypaisa:EP-1", optionValue(client.opts[0], asynq.TaskIDOpt))
}

func TestAsyncReconcilerCoalescesPendingTasks(t *testing.T) {
	r := &billing.AsyncReconciler{Client: &fakeEnqueuer{err: asynq.ErrTaskIDConflict}}
	require.NoError(t, r.ReconcileByProviderTx(context.Background(), payment.Paddle, "42"))

	down := errors.New("redis down")
	r = &billing.AsyncReconciler{Client: &fakeEnqueuer{err: down}}
	require.ErrorIs(t, r.ReconcileByProviderTx(context.Background(), payment.Paddle, "42"), down)
}

type stubLedger struct {
	err   error
	calls []string
}

func (s *stubLedger) ReconcileByProviderTx(_ context.Context, provider payment.ProviderName, txID string) error {
	s.calls = append(s.calls, string(provider)+":"+txID)
	return s.err
}

func newWorker(t *testing.T, ledger payment.Reconciler) (*billing.ReconcileWorker, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return &billing.ReconcileWorker{
		Ledger:  ledger,
		Locker:  lock.Locker{R: client, RetryBackoff: 5 * time.Millisecond, MaxWait: 30 * time.Millisecond},
		LockTTL: time.Second,
		Logger:  zerolog.Nop(),
	}, mr
}

func TestReconcileWorkerProcessesTask(t *testing.T) {
	ledger := &stubLedger{}
	w, mr := newWorker(t, ledger)

	task, err := billing.NewReconcileTask(payment.JazzCash, "T1")
	require.NoError(t, err)
	require.NoError(t, w.ProcessTask(context.Background(), task))
	require.Equal(t, []string{"jazzcash:T1"}, ledger.calls)
	require.False(t, mr.Exists("lock:reconcile:jazzcash:T1"))
}

func TestReconcileWorkerRetriesMissingEntries(t *testing.T) {
	w, _ := newWorker(t, &stubLedger{err: billing.ErrNoEntries})
	task, err := billing.NewReconcileTask(payment.Paddle, "42")
	require.NoError(t, err)

	err = w.ProcessTask(context.Background(), task)
	require.ErrorIs(t, err, billing.ErrNoEntries)
	require.False(t, errors.Is(err, asynq.SkipRetry))
}

func TestReconcileWorkerRetriesWhenLocked(t *testing.T) {
	ledger := &stubLedger{}
	w, mr := newWorker(t, ledger)
	require.NoError(t, mr.Set("lock:reconcile:paddle:42", "other-worker"))

	task, err := billing.NewReconcileTask(payment.Paddle, "42")
	require.NoError(t, err)
	require.ErrorIs(t, w.ProcessTask(context.Background(), task), lock.ErrNotAcquired)
	require.Empty(t, ledger.calls)
}

func TestReconcileWorkerSkipsBadPayloads(t *testing.T) {
	w, _ := newWorker(t, &stubLedger{})
	for _, payload := range []string{`{`, `{"provider":"stripe","transaction_id":"1"}`, `{"provider":"paddle"}`} {
		err := w.ProcessTask(context.Background(), asynq.NewTask(billing.TaskReconcile, []byte(payload)))
		require.ErrorIs(t, err, asynq.SkipRetry, payload)
	}
}
