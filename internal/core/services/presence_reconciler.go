package services

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"roomcast/internal/core/domain"
	"roomcast/internal/core/ports"
	"roomcast/pkg/tracing"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

const sweepJobName = "presence-sweep"

type ReconcilerConfig struct {
	InitialDelay time.Duration
	Interval     time.Duration
}

func DefaultReconcilerConfig() ReconcilerConfig {
	return ReconcilerConfig{
		InitialDelay: 5 * time.Second,
		Interval:     30 * time.Second,
	}
}

// SweepResult summarizes one pass over the online set.
type SweepResult struct {
	Checked int
	Reaped  int
	Retired int
	Failed  int
	Skipped bool
}

// PresenceReconciler retires connections the transport no longer knows
// about, and principals left with none.
type PresenceReconciler struct {
	registry    ports.ConnectionRegistry
	probe       ports.LivenessProbe
	coordinator ports.StreamCoordinator
	publisher   ports.PresencePublisher
	scheduler   ports.JobScheduler
	lock        ports.SweepLock
	metrics     ports.PresenceMetrics
	config      ReconcilerConfig
	logger      *zap.SugaredLogger
	now         func() time.Time

	running atomic.Bool
}

func NewPresenceReconciler(
	registry ports.ConnectionRegistry,
	probe ports.LivenessProbe,
	coordinator ports.StreamCoordinator,
	publisher ports.PresencePublisher,
	scheduler ports.JobScheduler,
	metrics ports.PresenceMetrics,
	config ReconcilerConfig,
	logger *zap.SugaredLogger,
) *PresenceReconciler {
	if metrics == nil {
		metrics = noopMetrics{}
	}
	return &PresenceReconciler{
		registry:    registry,
		probe:       probe,
		coordinator: coordinator,
		publisher:   publisher,
		scheduler:   scheduler,
		metrics:     metrics,
		config:      config,
		logger:      logger,
		now:         time.Now,
	}
}

// WithLock makes every sweep take lock first; sweeps that can't get it are
// skipped.
func (r *PresenceReconciler) WithLock(lock ports.SweepLock) *PresenceReconciler {
	r.lock = lock
	return r
}

// Start drops any sweep already pending under the job name and schedules
// the first one after the initial delay.
func (r *PresenceReconciler) Start() {
	if r.scheduler.Cancel(sweepJobName) {
		r.logger.Infow("replaced pending presence sweep")
	}
	r.scheduler.Schedule(sweepJobName, r.config.InitialDelay, r.tick)
	r.logger.Infow("presence reconciler started",
		"initial_delay", r.config.InitialDelay,
		"interval", r.config.Interval,
	)
}

func (r *PresenceReconciler) Stop() {
	r.scheduler.Cancel(sweepJobName)
}

// tick reschedules before sweeping so a failed or slow sweep never stops
// the schedule.
func (r *PresenceReconciler) tick(ctx context.Context) {
	r.scheduler.Schedule(sweepJobName, r.config.Interval, r.tick)

	if _, err := r.Sweep(ctx); err != nil {
		r.logger.Errorw("presence sweep failed", "error", err)
	}
}

// Sweep runs one reconciliation pass. Per-principal failures are logged and
// counted; only a failure to list the online set aborts the pass.
func (r *PresenceReconciler) Sweep(ctx context.Context) (SweepResult, error) {
	if !r.running.CompareAndSwap(false, true) {
		r.metrics.SweepSkipped()
		r.logger.Warnw("presence sweep still running, skipping")
		return SweepResult{Skipped: true}, nil
	}
	defer r.running.Store(false)

	if r.lock != nil {
		ok, err := r.lock.TryLock(ctx)
		if err != nil {
			return SweepResult{}, fmt.Errorf("failed to acquire sweep lock: %w", err)
		}
		if !ok {
			r.metrics.SweepSkipped()
			r.logger.Debugw("presence sweep held by another node")
			return SweepResult{Skipped: true}, nil
		}
		defer func() {
			if err := r.lock.Unlock(context.WithoutCancel(ctx)); err != nil {
				r.logger.Warnw("failed to release sweep lock", "error", err)
			}
		}()
	}

	ctx, span := tracing.TraceSweep(ctx)
	defer span.End()
	start := r.now()

	ids, err := r.registry.ListOnlinePrincipals(ctx)
	if err != nil {
		tracing.RecordError(ctx, err)
		return SweepResult{}, fmt.Errorf("failed to list online principals: %w", err)
	}

	var result SweepResult
	for _, id := range ids {
		if ctx.Err() != nil {
			break
		}
		result.Checked++

		reaped, retired, err := r.reconcile(ctx, id)
		result.Reaped += reaped
		if retired {
			result.Retired++
		}
		if err != nil {
			result.Failed++
			r.logger.Warnw("failed to reconcile principal", "principal_id", id, "error", err)
		}
	}

	elapsed := r.now().Sub(start)
	r.metrics.SweepCompleted(elapsed.Seconds(), result.Reaped, result.Retired)
	tracing.AddSpanAttributes(ctx,
		attribute.Int("sweep.checked", result.Checked),
		attribute.Int("sweep.reaped", result.Reaped),
		attribute.Int("sweep.retired", result.Retired),
		attribute.Int("sweep.failed", result.Failed),
	)

	if result.Reaped > 0 || result.Failed > 0 {
		r.logger.Infow("presence sweep completed",
			"checked", result.Checked,
			"reaped", result.Reaped,
			"retired", result.Retired,
			"failed", result.Failed,
			"duration", elapsed,
		)
	}
	return result, nil
}

func (r *PresenceReconciler) reconcile(ctx context.Context, id domain.PrincipalID) (int, bool, error) {
	conns, err := r.registry.ConnectionsOf(ctx, id)
	if err != nil {
		return 0, false, fmt.Errorf("failed to list connections: %w", err)
	}
	// The kind is gone once the last connection is deregistered.
	kind, err := r.registry.KindOf(ctx, id)
	if err != nil {
		return 0, false, fmt.Errorf("failed to read principal kind: %w", err)
	}

	live := map[domain.ConnectionID]bool{}
	if len(conns) > 0 {
		live, err = r.probe.LiveConnections(ctx, conns)
		if err != nil {
			return 0, false, fmt.Errorf("failed to probe connections: %w", err)
		}
	}

	reaped := 0
	remaining := len(conns)
	for _, connID := range conns {
		if live[connID] {
			continue
		}
		remaining, err = r.registry.DeregisterConnection(ctx, id, connID)
		if err != nil {
			return reaped, false, fmt.Errorf("failed to deregister %s: %w", connID, err)
		}
		reaped++
	}
	if remaining > 0 {
		return reaped, false, nil
	}

	if err := r.registry.MarkOffline(ctx, id); err != nil {
		return reaped, false, fmt.Errorf("failed to mark offline: %w", err)
	}
	r.logger.Infow("principal went offline", "principal_id", id, "kind", kind, "reaped", reaped)

	var errs []error
	if err := r.notifyDisconnect(ctx, id, kind); err != nil {
		errs = append(errs, err)
	}
	if r.coordinator != nil {
		if err := r.coordinator.EvictPrincipal(ctx, id); err != nil {
			errs = append(errs, fmt.Errorf("failed to evict from rooms: %w", err))
		}
	}
	return reaped, true, errors.Join(errs...)
}

// notifyDisconnect publishes one notification per kind. A principal
// registered without a kind gets one for each.
func (r *PresenceReconciler) notifyDisconnect(ctx context.Context, id domain.PrincipalID, kind domain.PrincipalKind) error {
	if r.publisher == nil {
		return nil
	}

	kinds := []domain.PrincipalKind{kind}
	if !kind.Valid() {
		kinds = []domain.PrincipalKind{domain.KindUser, domain.KindPerformer}
	}

	now := r.now()
	for _, k := range kinds {
		n := domain.PresenceNotification{PrincipalID: id, Kind: k, At: now}
		if err := r.publisher.PublishDisconnect(ctx, n); err != nil {
			return fmt.Errorf("failed to publish disconnect: %w", err)
		}
	}
	return nil
}
