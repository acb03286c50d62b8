// Package driver defines the contract shared by the two compute backends
// (pod and VM) and the error kinds the reconciler uses to decide whether
// to retry or to surface a permanent failure on the instance record.
package driver

import (
	"context"
	"fmt"
	"hash/fnv"
)

// Phase is the backend-reported state of a resource, independent of which
// driver produced it.
type Phase string

const (
	PhaseAbsent   Phase = "absent"
	PhaseCreating Phase = "creating"
	PhaseRunning  Phase = "running"
	PhaseStopped  Phase = "stopped"
	PhaseError    Phase = "error"
)

// Observation is what a driver reports back about a single resource.
type Observation struct {
	Phase    Phase
	Message  string
	SSHHost  string
	SSHPort  int
	NodeName string
}

// Spec is everything a driver needs to materialize or reconcile a
// resource. It is intentionally a plain struct rather than the store's
// Instance type, so drivers never depend on internal/store.
type Spec struct {
	Name        string
	Owner       string
	CPU         int
	MemoryGiB   int
	DiskGiB     int
	Image       string
	Runtime     string
	NodeName    string
	StoragePool string
	ExternalIP  string
	PrefixLen   int
	Password    string
}

// OwnerID folds an owner (an email address, not a backend-safe identifier)
// into a short, stable, DNS-label-safe token. Backends key label values
// and resource names off this rather than the raw owner string.
func OwnerID(owner string) string {
	h := fnv.New32a()
	h.Write([]byte(owner))
	return fmt.Sprintf("%08x", h.Sum32())
}

// ResourceID derives the backend resource name for an (owner, name) pair.
// spec.md scopes the uniqueness invariant to the pair, not to name alone,
// so two different owners may legitimately pick the same instance name;
// the owner's folded id keeps the pair's uniqueness intact once it
// reaches a backend namespace that both owners share.
func ResourceID(owner, name string) string {
	return fmt.Sprintf("ti-%s-%s", OwnerID(owner), name)
}

// Driver is implemented by the pod and VM backends. Every method is
// idempotent with respect to backend state: calling ensure twice, or
// remove on an already-absent resource, is not an error.
type Driver interface {
	// Ensure creates the resource if absent, or adopts it if already
	// present under the same name.
	Ensure(ctx context.Context, spec Spec) error
	Start(ctx context.Context, spec Spec) error
	Stop(ctx context.Context, spec Spec) error
	Remove(ctx context.Context, spec Spec) error
	Observe(ctx context.Context, spec Spec) (Observation, error)
	// Update applies a new cpu/memory/runtime to an existing resource. It
	// is only ever called by the reconciler when Observe last reported
	// PhaseStopped.
	Update(ctx context.Context, spec Spec) error
	// List returns the ResourceID of every resource this driver currently
	// manages on the backend, for the orphan sweep: a resource id with no
	// corresponding store record was left behind by a crash between a
	// backend call succeeding and the store commit that should have
	// followed it.
	List(ctx context.Context) ([]string, error)
	// RemoveOrphan deletes a resource by its raw ResourceID, without a
	// Spec — used only by the orphan sweep, which knows a backend id but
	// not the (owner, name) pair that produced it.
	RemoveOrphan(ctx context.Context, id string) error
}

// TransientError wraps a backend failure that is expected to clear on its
// own (network blips, 5xx, timeouts). The reconciler retries these with
// backoff and leaves the instance's status untouched.
type TransientError struct {
	Op  string
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("transient error during %s: %v", e.Op, e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// PermanentError wraps a backend failure that will not clear without user
// action (quota rejected, invalid spec). The reconciler surfaces it on the
// instance's last_error and holds the instance in its current stage.
type PermanentError struct {
	Op  string
	Err error
}

func (e *PermanentError) Error() string {
	return fmt.Sprintf("permanent error during %s: %v", e.Op, e.Err)
}

func (e *PermanentError) Unwrap() error { return e.Err }
