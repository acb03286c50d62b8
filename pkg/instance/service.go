package instance

import (
	"errors"
	"fmt"

	"github.com/tispace-dev/tispace/internal/store"
)

// Errors returned by Service methods. Handlers map these to HTTP statuses.
var (
	ErrInvalid       = errors.New("invalid request")
	ErrDuplicate     = errors.New("instance already exists")
	ErrQuotaExceeded = errors.New("user quota exceeded")
	ErrNotFound      = errors.New("instance not found")
	ErrNotStopped    = errors.New("instance is not stopped")
	ErrNotRunning    = errors.New("instance is not running")
)

// Quota holds the per-user resource ceilings enforced at admission.
type Quota struct {
	CPU       int
	MemoryGiB int
	DiskGiB   int
}

// Service enforces admission (validation, quota, uniqueness, transition
// legality) over the state store. It never talks to backend drivers —
// the API layer only edits desired state; the reconciler does the rest.
type Service struct {
	store *store.Store
	quota Quota
}

// NewService builds a Service backed by st, enforcing quota per user.
func NewService(st *store.Store, quota Quota) *Service {
	return &Service{store: st, quota: quota}
}

// List returns every instance owned by owner.
func (s *Service) List(owner string) []store.Instance {
	return s.store.SnapshotByOwner(owner)
}

// Get returns a single instance by (owner, name).
func (s *Service) Get(owner, name string) (store.Instance, error) {
	inst, ok := s.store.Get(store.Key{Owner: owner, Name: name})
	if !ok {
		return store.Instance{}, ErrNotFound
	}
	return inst, nil
}

// Create admits a new instance: validates the request, checks uniqueness
// and quota, allocates nothing itself (the reconciler's stepPending does
// IP allocation), and persists it in StatusPending.
func (s *Service) Create(owner string, req CreateRequest) (store.Instance, error) {
	if err := validateCreate(req); err != nil {
		return store.Instance{}, fmt.Errorf("%w: %s", ErrInvalid, err)
	}

	inst := New(owner, req)

	err := s.store.Mutate(func(txn *store.Txn) error {
		key := store.Key{Owner: owner, Name: req.Name}
		if _, ok := txn.Get(key); ok {
			return ErrDuplicate
		}

		totals := ownerTotals(txn, owner)
		if totals.CPU+inst.CPU > s.quota.CPU ||
			totals.MemoryGiB+inst.MemoryGiB > s.quota.MemoryGiB ||
			totals.DiskGiB+inst.DiskGiB > s.quota.DiskGiB {
			return ErrQuotaExceeded
		}

		txn.Put(inst)
		return nil
	})
	if err != nil {
		return store.Instance{}, err
	}
	return inst, nil
}

// Update accepts a cpu/memory/runtime change, only valid when the instance
// is currently Stopped (disk and image are immutable after create). The
// reconciler picks this up via the Updating status and re-applies it to
// the backend.
func (s *Service) Update(owner, name string, req UpdateRequest) (store.Instance, error) {
	if req.CPU < 1 || req.CPU > 16 {
		return store.Instance{}, fmt.Errorf("%w: cpu must be 1..16", ErrInvalid)
	}
	if req.Memory < 1 || req.Memory > 64 {
		return store.Instance{}, fmt.Errorf("%w: memory must be 1..64", ErrInvalid)
	}
	if !ValidRuntime(req.Runtime) {
		return store.Instance{}, fmt.Errorf("%w: unknown runtime %q", ErrInvalid, req.Runtime)
	}

	var updated store.Instance
	key := store.Key{Owner: owner, Name: name}

	err := s.store.Mutate(func(txn *store.Txn) error {
		inst, ok := txn.Get(key)
		if !ok {
			return ErrNotFound
		}
		if inst.Status != store.StatusStopped {
			return ErrNotStopped
		}

		totals := ownerTotals(txn, owner)
		totals.CPU -= inst.CPU
		totals.MemoryGiB -= inst.MemoryGiB
		if totals.CPU+req.CPU > s.quota.CPU || totals.MemoryGiB+req.Memory > s.quota.MemoryGiB {
			return ErrQuotaExceeded
		}

		inst.CPU = req.CPU
		inst.MemoryGiB = req.Memory
		inst.Runtime = req.Runtime
		inst.Status = store.StatusUpdating
		inst.Stage = ""
		updated = inst
		txn.Put(inst)
		return nil
	})
	if err != nil {
		return store.Instance{}, err
	}
	return updated, nil
}

// Start marks a Stopped instance for restart.
func (s *Service) Start(owner, name string) (store.Instance, error) {
	return s.transition(owner, name, store.StatusStopped, store.StatusStarting)
}

// Stop marks a Running instance for shutdown.
func (s *Service) Stop(owner, name string) (store.Instance, error) {
	return s.transition(owner, name, store.StatusRunning, store.StatusStopping)
}

func (s *Service) transition(owner, name string, from, to store.Status) (store.Instance, error) {
	var result store.Instance
	key := store.Key{Owner: owner, Name: name}

	err := s.store.Mutate(func(txn *store.Txn) error {
		inst, ok := txn.Get(key)
		if !ok {
			return ErrNotFound
		}
		if inst.Status != from {
			if from == store.StatusStopped {
				return ErrNotStopped
			}
			return ErrNotRunning
		}
		inst.Status = to
		inst.Stage = ""
		result = inst
		txn.Put(inst)
		return nil
	})
	if err != nil {
		return store.Instance{}, err
	}
	return result, nil
}

// Delete marks an instance for removal. Deletion dominates every other
// target (spec.md §4.3): it is accepted from any status, including
// mid-flight ones, and the reconciler tears down backend resources and
// releases the IP before the record itself is removed.
func (s *Service) Delete(owner, name string) error {
	key := store.Key{Owner: owner, Name: name}

	return s.store.Mutate(func(txn *store.Txn) error {
		inst, ok := txn.Get(key)
		if !ok {
			return ErrNotFound
		}
		if inst.Status == store.StatusDeleting {
			return nil
		}
		inst.Status = store.StatusDeleting
		inst.Stage = ""
		txn.Put(inst)
		return nil
	})
}

func validateCreate(req CreateRequest) error {
	if !ValidName(req.Name) {
		return fmt.Errorf("name %q does not match the required pattern", req.Name)
	}
	if req.CPU < 1 || req.CPU > 16 {
		return fmt.Errorf("cpu must be 1..16")
	}
	if req.Memory < 1 || req.Memory > 64 {
		return fmt.Errorf("memory must be 1..64")
	}
	if req.DiskSize < 10 || req.DiskSize > 500 {
		return fmt.Errorf("disk_size must be 10..500")
	}
	if req.Image != "" && !ValidImage(req.Image) {
		return fmt.Errorf("unknown image %q", req.Image)
	}
	if req.Runtime != "" && !ValidRuntime(req.Runtime) {
		return fmt.Errorf("unknown runtime %q", req.Runtime)
	}
	return nil
}

// ownerTotals sums CPU/memory/disk across owner's instances that are not
// in Deleting, per spec.md §3's quota invariant.
func ownerTotals(txn *store.Txn, owner string) store.ResourceTotals {
	var totals store.ResourceTotals
	for _, inst := range txn.All() {
		if inst.Owner != owner || inst.Status == store.StatusDeleting {
			continue
		}
		totals.Add(inst)
	}
	return totals
}
