package store

import "time"

// Status is the lifecycle status of an instance, per the state machine in
// the reconciler design.
type Status string

const (
	StatusPending  Status = "Pending"
	StatusCreating Status = "Creating"
	StatusStarting Status = "Starting"
	StatusRunning  Status = "Running"
	StatusStopping Status = "Stopping"
	StatusStopped  Status = "Stopped"
	StatusUpdating Status = "Updating"
	StatusDeleting Status = "Deleting"
	StatusMissing  Status = "Missing"
)

// Stage is the reconciler's internal sub-state within a Status, used to
// resume a multi-step action across ticks (e.g. "backend-create-issued").
type Stage string

// Runtime selects which backend driver owns an instance.
type Runtime string

const (
	RuntimeRunc Runtime = "runc"
	RuntimeKata Runtime = "kata"
	RuntimeLXC  Runtime = "lxc"
	RuntimeKVM  Runtime = "kvm"
)

// IsVM reports whether the runtime is backed by the VM (LXD) driver, as
// opposed to the pod driver.
func (r Runtime) IsVM() bool {
	return r == RuntimeLXC || r == RuntimeKVM
}

// Instance is the only first-class entity in the control plane.
type Instance struct {
	Name        string  `json:"name"`
	Owner       string  `json:"owner"`
	CPU         int     `json:"cpu"`
	MemoryGiB   int     `json:"memory_gib"`
	DiskGiB     int     `json:"disk_gib"`
	Image       string  `json:"image"`
	Runtime     Runtime `json:"runtime"`
	NodeName    string  `json:"node_name,omitempty"`
	StoragePool string  `json:"storage_pool,omitempty"`

	Hostname string `json:"hostname"`
	Password string `json:"password"`

	SSHHost string `json:"ssh_host,omitempty"`
	SSHPort int    `json:"ssh_port,omitempty"`

	ExternalIP string `json:"external_ip,omitempty"`

	Status Status `json:"status"`
	Stage  Stage  `json:"stage,omitempty"`

	LastError string `json:"last_error,omitempty"`

	// BackoffUntil is the earliest time the reconciler should retry a
	// backend-transient failure for this instance. Persisted so that a
	// restart does not cause a thundering-herd retry of every
	// currently-backing-off instance in the same tick.
	BackoffUntil time.Time `json:"backoff_until,omitempty"`
	// BackoffFor is the current backoff duration, doubled on each
	// consecutive transient failure and capped at 60s per §4.3.
	BackoffFor time.Duration `json:"backoff_for,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Key identifies an instance by its globally-unique (owner, name) pair.
type Key struct {
	Owner string
	Name  string
}

// Clone returns a deep copy of the instance, safe to mutate independently of
// the original (snapshots must never alias store-owned memory).
func (i Instance) Clone() Instance {
	return i
}

// ResourceTotals sums CPU/memory/disk across a set of instances.
type ResourceTotals struct {
	CPU       int
	MemoryGiB int
	DiskGiB   int
}

// Add accumulates an instance's resources into the totals.
func (t *ResourceTotals) Add(i Instance) {
	t.CPU += i.CPU
	t.MemoryGiB += i.MemoryGiB
	t.DiskGiB += i.DiskGiB
}
