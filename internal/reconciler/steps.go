package reconciler

import (
	"context"
	"reflect"
	"time"

	"github.com/tispace-dev/tispace/internal/driver"
	"github.com/tispace-dev/tispace/internal/store"
)

// stepPending allocates an external IP (for VM-backed instances) and
// issues ensure(), advancing to Creating.
func (r *Reconciler) stepPending(ctx context.Context, d driver.Driver, inst store.Instance) {
	key := store.Key{Owner: inst.Owner, Name: inst.Name}

	ip := inst.ExternalIP
	if inst.Runtime.IsVM() && ip == "" && r.ips != nil {
		allocated, err := r.ips.Allocate()
		if err != nil {
			r.onPermanent(key, inst, "allocate-ip", err)
			return
		}
		ip = allocated

		// Record the allocation on the instance before ever calling the
		// backend, so allocation and the mutation that records it are
		// atomic: if a concurrent API call (e.g. a delete) changed the
		// record since this tick's snapshot, the allocation is discarded
		// here instead of being stranded in pool.inUse with no record ever
		// pointing at it.
		committed := false
		err = r.store.Mutate(func(txn *store.Txn) error {
			current, ok := txn.Get(key)
			if !ok || !reflect.DeepEqual(current, inst) {
				return nil
			}
			current.ExternalIP = ip
			current.UpdatedAt = time.Now()
			txn.Put(current)
			committed = true
			return nil
		})
		if err != nil && r.log != nil {
			r.log.Error("reconciler commit failed", "owner", key.Owner, "name", key.Name, "error", err)
		}
		if !committed {
			r.ips.Release(ip)
			return
		}
		inst.ExternalIP = ip
	}

	spec := toSpec(inst, r.ips)
	spec.ExternalIP = ip
	if err := d.Ensure(ctx, spec); err != nil {
		transient, _ := classify(err)
		if transient {
			r.onTransient(key, inst, "ensure", err)
		} else {
			r.onPermanent(key, inst, "ensure", err)
		}
		return
	}

	r.commit(key, inst, func(i store.Instance) store.Instance {
		i.Status = store.StatusCreating
		i.LastError = ""
		i.BackoffFor = 0
		return i
	})
	r.publishTransition(key, store.StatusPending, store.StatusCreating)
}

// stepCreating waits for the backend to report the resource running (pod)
// or at least past creation (VM, which starts separately), advancing to
// Starting once the backend is no longer "creating".
func (r *Reconciler) stepCreating(ctx context.Context, d driver.Driver, inst store.Instance) {
	key := store.Key{Owner: inst.Owner, Name: inst.Name}
	obs, err := r.observe(ctx, d, inst)
	if err != nil {
		r.handleObserveErr(key, inst, err)
		return
	}

	switch obs.Phase {
	case driver.PhaseAbsent:
		r.onPermanent(key, inst, "create", errBackendNeverAppeared)
	case driver.PhaseCreating:
		// still in progress
	case driver.PhaseRunning, driver.PhaseStopped:
		r.commit(key, inst, func(i store.Instance) store.Instance {
			i.Status = store.StatusStarting
			return i
		})
		r.publishTransition(key, store.StatusCreating, store.StatusStarting)
	case driver.PhaseError:
		r.onPermanent(key, inst, "create", errBackendReportedError(obs.Message))
	}
}

// stepStarting issues start() and advances to Running once observed running.
func (r *Reconciler) stepStarting(ctx context.Context, d driver.Driver, inst store.Instance) {
	key := store.Key{Owner: inst.Owner, Name: inst.Name}
	spec := toSpec(inst, r.ips)

	if err := d.Start(ctx, spec); err != nil {
		transient, _ := classify(err)
		if transient {
			r.onTransient(key, inst, "start", err)
		} else {
			r.onPermanent(key, inst, "start", err)
		}
		return
	}

	obs, err := r.observe(ctx, d, inst)
	if err != nil {
		r.handleObserveErr(key, inst, err)
		return
	}
	if obs.Phase != driver.PhaseRunning {
		return
	}

	r.commit(key, inst, func(i store.Instance) store.Instance {
		i.Status = store.StatusRunning
		i.SSHHost = obs.SSHHost
		i.SSHPort = obs.SSHPort
		i.NodeName = obs.NodeName
		i.LastError = ""
		i.BackoffFor = 0
		return i
	})
	r.publishTransition(key, store.StatusStarting, store.StatusRunning)
}

// stepRunning watches for the backend reporting the resource gone.
func (r *Reconciler) stepRunning(ctx context.Context, d driver.Driver, inst store.Instance) {
	key := store.Key{Owner: inst.Owner, Name: inst.Name}
	obs, err := r.observe(ctx, d, inst)
	if err != nil {
		r.handleObserveErr(key, inst, err)
		return
	}
	if obs.Phase == driver.PhaseAbsent {
		r.commit(key, inst, func(i store.Instance) store.Instance {
			i.Status = store.StatusMissing
			return i
		})
		r.publishTransition(key, store.StatusRunning, store.StatusMissing)
	}
}

// stepStopping issues stop() and advances to Stopped once observed stopped.
func (r *Reconciler) stepStopping(ctx context.Context, d driver.Driver, inst store.Instance) {
	key := store.Key{Owner: inst.Owner, Name: inst.Name}
	spec := toSpec(inst, r.ips)

	if err := d.Stop(ctx, spec); err != nil {
		transient, _ := classify(err)
		if transient {
			r.onTransient(key, inst, "stop", err)
		} else {
			r.onPermanent(key, inst, "stop", err)
		}
		return
	}

	obs, err := r.observe(ctx, d, inst)
	if err != nil {
		r.handleObserveErr(key, inst, err)
		return
	}
	if obs.Phase != driver.PhaseStopped && obs.Phase != driver.PhaseAbsent {
		return
	}

	r.commit(key, inst, func(i store.Instance) store.Instance {
		i.Status = store.StatusStopped
		i.LastError = ""
		i.BackoffFor = 0
		return i
	})
	r.publishTransition(key, store.StatusStopping, store.StatusStopped)
}

// stepUpdating applies the new cpu/memory/runtime and advances to Running.
func (r *Reconciler) stepUpdating(ctx context.Context, d driver.Driver, inst store.Instance) {
	key := store.Key{Owner: inst.Owner, Name: inst.Name}
	spec := toSpec(inst, r.ips)

	if err := d.Update(ctx, spec); err != nil {
		transient, _ := classify(err)
		if transient {
			r.onTransient(key, inst, "update", err)
		} else {
			r.onPermanent(key, inst, "update", err)
		}
		return
	}

	r.commit(key, inst, func(i store.Instance) store.Instance {
		i.Status = store.StatusStarting
		i.LastError = ""
		i.BackoffFor = 0
		return i
	})
	r.publishTransition(key, store.StatusUpdating, store.StatusStarting)
}

// stepDeleting drives stop+remove, then deletes the record and releases
// the IP only after the backend confirms removal — deletion dominates
// every other target, so this runs regardless of what stage the instance
// was in when the delete was requested.
func (r *Reconciler) stepDeleting(ctx context.Context, d driver.Driver, inst store.Instance) {
	key := store.Key{Owner: inst.Owner, Name: inst.Name}
	spec := toSpec(inst, r.ips)

	obs, err := r.observe(ctx, d, inst)
	if err != nil {
		r.handleObserveErr(key, inst, err)
		return
	}

	if obs.Phase == driver.PhaseRunning {
		if err := d.Stop(ctx, spec); err != nil {
			transient, _ := classify(err)
			if transient {
				r.onTransient(key, inst, "delete-stop", err)
			} else {
				r.onPermanent(key, inst, "delete-stop", err)
			}
			return
		}
		return
	}

	if obs.Phase != driver.PhaseAbsent {
		if err := d.Remove(ctx, spec); err != nil {
			transient, _ := classify(err)
			if transient {
				r.onTransient(key, inst, "delete-remove", err)
			} else {
				r.onPermanent(key, inst, "delete-remove", err)
			}
			return
		}
		r.sweepOrphans(ctx, d)
		return
	}

	if inst.ExternalIP != "" && r.ips != nil {
		r.ips.Release(inst.ExternalIP)
	}
	err = r.store.Mutate(func(txn *store.Txn) error {
		current, ok := txn.Get(key)
		if !ok {
			return nil
		}
		if current.Status != store.StatusDeleting {
			return nil
		}
		txn.Delete(key)
		return nil
	})
	if err != nil && r.log != nil {
		r.log.Error("reconciler delete commit failed", "owner", key.Owner, "name", key.Name, "error", err)
	}
	r.publishTransition(key, store.StatusDeleting, "")
}

// stepMissing recreates the backend resource, preserving password and
// external IP, and returns the instance to Pending to re-run creation.
func (r *Reconciler) stepMissing(ctx context.Context, inst store.Instance) {
	key := store.Key{Owner: inst.Owner, Name: inst.Name}
	r.commit(key, inst, func(i store.Instance) store.Instance {
		i.Status = store.StatusPending
		i.Stage = ""
		return i
	})
	r.publishTransition(key, store.StatusMissing, store.StatusPending)
}

// observe checks the observation cache before calling into the driver.
func (r *Reconciler) observe(ctx context.Context, d driver.Driver, inst store.Instance) (driver.Observation, error) {
	if r.cache != nil {
		if obs, ok := r.cache.Get(ctx, inst.Owner, inst.Name); ok {
			return obs, nil
		}
	}
	obs, err := d.Observe(ctx, toSpec(inst, r.ips))
	if err == nil && r.cache != nil {
		r.cache.Set(ctx, inst.Owner, inst.Name, obs)
	}
	return obs, err
}

func (r *Reconciler) handleObserveErr(key store.Key, inst store.Instance, err error) {
	transient, _ := classify(err)
	if transient {
		r.onTransient(key, inst, "observe", err)
	} else {
		r.onPermanent(key, inst, "observe", err)
	}
}
