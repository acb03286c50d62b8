// Package reconciler drives every instance through its lifecycle state
// machine, bridging the desired state held in the store and the observed
// state reported by the backend drivers.
package reconciler

import (
	"context"
	"errors"
	"log/slog"
	"math/rand"
	"reflect"
	"sync"
	"time"

	"github.com/tispace-dev/tispace/internal/driver"
	"github.com/tispace-dev/tispace/internal/ipam"
	"github.com/tispace-dev/tispace/internal/store"
	"github.com/tispace-dev/tispace/internal/telemetry"
)

const (
	initialBackoff = 1 * time.Second
	maxBackoff     = 60 * time.Second
)

// ObservationCache short-circuits a driver.Observe call when a recent
// result is already known, to reduce polling pressure on the backend
// between ticks. It is a cache of the backend's own answer, never a
// source of truth — a miss always falls through to the driver.
type ObservationCache interface {
	Get(ctx context.Context, owner, name string) (driver.Observation, bool)
	Set(ctx context.Context, owner, name string, obs driver.Observation)
}

// EventPublisher is notified of lifecycle transitions worth surfacing to
// an operator (instance went Missing, reached Running for the first time,
// or hit a permanent error). Implementations must not block the
// reconciler — internal/notify's Redis-backed publisher fires and forgets.
type EventPublisher interface {
	Publish(ctx context.Context, event Event)
}

// Event describes one lifecycle transition worth notifying about.
type Event struct {
	Owner, Name string
	From, To    store.Status
	Message     string
}

// Drivers resolves which backend driver owns an instance by runtime.
type Drivers struct {
	Pod driver.Driver
	VM  driver.Driver
}

func (d Drivers) forRuntime(rt store.Runtime) driver.Driver {
	if rt.IsVM() {
		return d.VM
	}
	return d.Pod
}

// Reconciler runs the tick loop described in spec: snapshot, plan, execute
// concurrently with at most one in-flight action per (owner, name), commit
// through the store's critical section.
type Reconciler struct {
	store    *store.Store
	ips      *ipam.Pool
	drivers  Drivers
	interval time.Duration
	timeout  time.Duration
	log      *slog.Logger
	cache    ObservationCache
	events   EventPublisher

	locks sync.Map // store.Key -> *sync.Mutex
}

// Option customizes a Reconciler at construction.
type Option func(*Reconciler)

// WithObservationCache wires an optional cache of driver.Observe results.
func WithObservationCache(c ObservationCache) Option {
	return func(r *Reconciler) { r.cache = c }
}

// WithEventPublisher wires an optional lifecycle-event publisher.
func WithEventPublisher(p EventPublisher) Option {
	return func(r *Reconciler) { r.events = p }
}

// New builds a Reconciler.
func New(st *store.Store, ips *ipam.Pool, drivers Drivers, interval, timeout time.Duration, log *slog.Logger, opts ...Option) *Reconciler {
	r := &Reconciler{store: st, ips: ips, drivers: drivers, interval: interval, timeout: timeout, log: log}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run ticks at the configured interval until ctx is canceled. On shutdown
// it lets the in-flight tick finish and then returns — it never leaves the
// store mid-mutation, since every mutation is rename-based.
func (r *Reconciler) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.tick(ctx)
		}
	}
}

// tick executes one reconciliation pass.
func (r *Reconciler) tick(ctx context.Context) {
	start := time.Now()
	defer func() {
		telemetry.ReconcileTickDuration.Observe(time.Since(start).Seconds())
	}()

	snap := r.store.Snapshot()
	byStatus := map[store.Status]int{}
	for _, inst := range snap {
		byStatus[inst.Status]++
	}
	for status, count := range byStatus {
		telemetry.InstancesByStatus.WithLabelValues(string(status)).Set(float64(count))
	}

	var wg sync.WaitGroup
	for _, inst := range snap {
		key := store.Key{Owner: inst.Owner, Name: inst.Name}
		muIface, _ := r.locks.LoadOrStore(key, &sync.Mutex{})
		mu := muIface.(*sync.Mutex)
		if !mu.TryLock() {
			// Previous tick's action for this instance is still in flight.
			continue
		}

		wg.Add(1)
		go func(inst store.Instance) {
			defer wg.Done()
			defer mu.Unlock()

			opCtx, cancel := context.WithTimeout(ctx, r.timeout)
			defer cancel()
			r.reconcileOne(opCtx, inst)
		}(inst)
	}
	wg.Wait()
}

// reconcileOne computes and executes the next step for a single instance,
// then commits the result through the store's critical section.
func (r *Reconciler) reconcileOne(ctx context.Context, inst store.Instance) {
	if time.Now().Before(inst.BackoffUntil) {
		return
	}

	d := r.drivers.forRuntime(inst.Runtime)
	if d == nil {
		return
	}

	switch inst.Status {
	case store.StatusPending:
		r.stepPending(ctx, d, inst)
	case store.StatusCreating:
		r.stepCreating(ctx, d, inst)
	case store.StatusStarting:
		r.stepStarting(ctx, d, inst)
	case store.StatusRunning:
		r.stepRunning(ctx, d, inst)
	case store.StatusStopping:
		r.stepStopping(ctx, d, inst)
	case store.StatusUpdating:
		r.stepUpdating(ctx, d, inst)
	case store.StatusDeleting:
		r.stepDeleting(ctx, d, inst)
	case store.StatusMissing:
		r.stepMissing(ctx, inst)
	case store.StatusStopped:
		// Terminal until the user issues start, update, or delete.
	}
}

func toSpec(inst store.Instance, ip *ipam.Pool) driver.Spec {
	prefix := 0
	if ip != nil {
		prefix = ip.PrefixLength()
	}
	return driver.Spec{
		Name: inst.Name, Owner: inst.Owner, CPU: inst.CPU, MemoryGiB: inst.MemoryGiB,
		DiskGiB: inst.DiskGiB, Image: inst.Image, Runtime: string(inst.Runtime),
		NodeName: inst.NodeName, StoragePool: inst.StoragePool,
		ExternalIP: inst.ExternalIP, PrefixLen: prefix, Password: inst.Password,
	}
}

// commit applies mutate under the store's critical section, but only if
// the instance hasn't changed since the snapshot this action was planned
// from — an API mutation racing with an in-flight reconciler action wins,
// and the reconciler simply re-plans next tick.
func (r *Reconciler) commit(key store.Key, from store.Instance, mutate func(store.Instance) store.Instance) {
	err := r.store.Mutate(func(txn *store.Txn) error {
		current, ok := txn.Get(key)
		if !ok {
			return nil // deleted concurrently; nothing to apply
		}
		if !reflect.DeepEqual(current, from) {
			return nil // changed since snapshot; discard, replan next tick
		}
		next := mutate(current)
		next.UpdatedAt = time.Now()
		txn.Put(next)
		return nil
	})
	if err != nil && r.log != nil {
		r.log.Error("reconciler commit failed", "owner", key.Owner, "name", key.Name, "error", err)
	}
}

// onTransient records a transient failure: backoff is set, doubled from
// its previous value and capped at 60s, status and stage untouched.
func (r *Reconciler) onTransient(key store.Key, from store.Instance, op string, err error) {
	telemetry.ReconcileActionsTotal.WithLabelValues(op, "transient").Inc()
	r.commit(key, from, func(inst store.Instance) store.Instance {
		backoff := inst.BackoffFor * 2
		if backoff <= 0 {
			backoff = initialBackoff
		}
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
		jitter := time.Duration(rand.Int63n(int64(backoff) / 4 + 1))
		inst.BackoffFor = backoff
		inst.BackoffUntil = time.Now().Add(backoff + jitter)
		inst.LastError = err.Error()
		return inst
	})
}

// onPermanent records a permanent failure: last_error is set, the
// instance holds in its current stage until the user acts.
func (r *Reconciler) onPermanent(key store.Key, from store.Instance, op string, err error) {
	telemetry.ReconcileActionsTotal.WithLabelValues(op, "permanent").Inc()
	r.commit(key, from, func(inst store.Instance) store.Instance {
		inst.LastError = err.Error()
		return inst
	})
	if r.events != nil {
		r.events.Publish(context.Background(), Event{
			Owner: key.Owner, Name: key.Name, From: from.Status, To: from.Status,
			Message: "permanent error: " + err.Error(),
		})
	}
}

func (r *Reconciler) publishTransition(key store.Key, from, to store.Status) {
	telemetry.ReconcileActionsTotal.WithLabelValues(string(to), "ok").Inc()
	if r.events != nil && from != to {
		r.events.Publish(context.Background(), Event{Owner: key.Owner, Name: key.Name, From: from, To: to})
	}
}

// sweepOrphans removes every resource d reports that has no corresponding
// store record. A resource can outlive its record only if a crash landed
// between the backend call succeeding and the store commit that should
// have followed it, so this is best-effort: a List or RemoveOrphan
// failure is logged, never retried or surfaced on an instance.
func (r *Reconciler) sweepOrphans(ctx context.Context, d driver.Driver) {
	if d == nil {
		return
	}
	known := make(map[string]struct{})
	for _, inst := range r.store.Snapshot() {
		known[driver.ResourceID(inst.Owner, inst.Name)] = struct{}{}
	}
	ids, err := d.List(ctx)
	if err != nil {
		if r.log != nil {
			r.log.Warn("orphan sweep: list failed", "error", err)
		}
		return
	}
	for _, id := range ids {
		if _, ok := known[id]; ok {
			continue
		}
		if err := d.RemoveOrphan(ctx, id); err != nil && r.log != nil {
			r.log.Warn("orphan sweep: remove failed", "id", id, "error", err)
		}
	}
}

// SweepOrphans runs the orphan sweep against both backend drivers. Meant
// to be called once as a deferred first-tick action on startup, after the
// store has reloaded and before the regular tick loop begins, to clean up
// anything a prior crash left behind.
func (r *Reconciler) SweepOrphans(ctx context.Context) {
	r.sweepOrphans(ctx, r.drivers.Pod)
	r.sweepOrphans(ctx, r.drivers.VM)
}

// classify reports whether err is a transient or permanent driver error.
// An error of neither kind (a bug, not a backend failure) is treated as
// permanent: it surfaces rather than silently retrying forever.
func classify(err error) (transient bool, permanent bool) {
	var t *driver.TransientError
	if errors.As(err, &t) {
		return true, false
	}
	return false, true
}
