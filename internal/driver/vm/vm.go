// Package vm implements the VM backend driver on top of LXD, materializing
// each instance as an LXD container or virtual machine depending on
// runtime.
package vm

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	lxd "github.com/canonical/lxd/client"
	"github.com/canonical/lxd/shared/api"

	"github.com/tispace-dev/tispace/internal/driver"
)

// instanceServer is the narrow slice of lxd.InstanceServer this driver
// actually needs, so tests can supply a fake without modeling the full
// client surface.
type instanceServer interface {
	GetInstanceState(name string) (*api.InstanceState, string, error)
	UpdateInstanceState(name string, state api.InstanceStatePut, ETag string) (lxd.Operation, error)
	GetInstance(name string) (*api.Instance, string, error)
	CreateInstance(args api.InstancesPost) (lxd.Operation, error)
	UpdateInstance(name string, args api.InstancePut, ETag string) (lxd.Operation, error)
	DeleteInstance(name string) (lxd.Operation, error)
	ExecInstance(name string, exec api.InstanceExecPost, args *lxd.InstanceExecArgs) (lxd.Operation, error)
	GetInstances(instanceType api.InstanceType) ([]api.Instance, error)
}

// HostPool resolves an LXD connection for a given host name, and picks a
// placement host/storage pool when the instance spec leaves them empty.
type HostPool interface {
	// Connect returns the instanceServer for the named host.
	Connect(host string) (instanceServer, error)
	// PlaceHost picks the host with the most remaining capacity after
	// overcommit, used when spec.NodeName is empty.
	PlaceHost(cpu, memoryGiB int) (string, error)
	// StoragePoolFor returns the configured storage pool for a host.
	StoragePoolFor(host string) string
	// Hosts lists every host in the pool, for the orphan sweep to visit.
	Hosts() []string
}

// Driver implements driver.Driver against one or more LXD hosts.
type Driver struct {
	hosts HostPool
	log   *slog.Logger
}

// New builds a VM driver over the given host pool.
func New(hosts HostPool, log *slog.Logger) *Driver {
	return &Driver{hosts: hosts, log: log}
}

func runtimeType(rt string) api.InstanceType {
	if rt == "kvm" {
		return api.InstanceTypeVM
	}
	return api.InstanceTypeContainer
}

func (d *Driver) resolveHost(spec driver.Spec) (string, instanceServer, error) {
	host := spec.NodeName
	if host == "" {
		var err error
		host, err = d.hosts.PlaceHost(spec.CPU, spec.MemoryGiB)
		if err != nil {
			return "", nil, &driver.PermanentError{Op: "place", Err: err}
		}
	}
	c, err := d.hosts.Connect(host)
	if err != nil {
		return host, nil, &driver.TransientError{Op: "connect", Err: err}
	}
	return host, c, nil
}

// Ensure creates the LXD instance if absent. Idempotent: if the instance
// already exists under this name it is left untouched.
func (d *Driver) Ensure(ctx context.Context, spec driver.Spec) error {
	id := driver.ResourceID(spec.Owner, spec.Name)
	host, c, err := d.resolveHost(spec)
	if err != nil {
		return err
	}

	if _, _, err := c.GetInstance(id); err == nil {
		return nil
	}

	pool := spec.StoragePool
	if pool == "" {
		pool = d.hosts.StoragePoolFor(host)
	}

	op, err := c.CreateInstance(api.InstancesPost{
		Name: id,
		Type: runtimeType(spec.Runtime),
		Source: api.InstanceSource{
			Type:  "image",
			Alias: spec.Image,
		},
		InstancePut: api.InstancePut{
			Config: map[string]string{
				"limits.cpu":    fmt.Sprintf("%d", spec.CPU),
				"limits.memory": fmt.Sprintf("%dGiB", spec.MemoryGiB),
			},
			Devices: map[string]map[string]string{
				"root": {
					"type": "disk",
					"pool": pool,
					"path": "/",
					"size": fmt.Sprintf("%dGiB", spec.DiskGiB),
				},
				"eth0": {
					"type":    "nic",
					"network": "tispace",
					"ipv4.address": spec.ExternalIP,
				},
			},
		},
	})
	if err != nil {
		return classifyErr("ensure", err)
	}
	if err := op.Wait(); err != nil {
		return classifyErr("ensure", err)
	}
	return nil
}

// Start issues a backend start, idempotent if already running, then seeds
// the one-time SSH password via an in-guest exec. Reseeding on every start
// is harmless (chpasswd is idempotent) and avoids needing separate
// "first boot" bookkeeping; a seed failure is logged, not surfaced, so a
// guest-side exec hiccup never blocks the instance from reaching Running.
func (d *Driver) Start(ctx context.Context, spec driver.Spec) error {
	if err := d.setState(spec, "start"); err != nil {
		return err
	}
	if spec.Password != "" {
		if err := d.seedPassword(spec); err != nil && d.log != nil {
			d.log.Warn("seeding vm password failed", "owner", spec.Owner, "name", spec.Name, "error", err)
		}
	}
	return nil
}

// Stop issues a backend stop, idempotent if already stopped.
func (d *Driver) Stop(ctx context.Context, spec driver.Spec) error {
	return d.setState(spec, "stop")
}

func (d *Driver) setState(spec driver.Spec, action string) error {
	_, c, err := d.resolveHost(spec)
	if err != nil {
		return err
	}
	op, err := c.UpdateInstanceState(driver.ResourceID(spec.Owner, spec.Name), api.InstanceStatePut{
		Action:  action,
		Timeout: -1,
		Force:   false,
	}, "")
	if err != nil {
		return classifyErr(action, err)
	}
	if err := op.Wait(); err != nil {
		return classifyErr(action, err)
	}
	return nil
}

// Remove deletes the LXD instance. Idempotent: removing an absent
// instance is not an error.
func (d *Driver) Remove(ctx context.Context, spec driver.Spec) error {
	id := driver.ResourceID(spec.Owner, spec.Name)
	_, c, err := d.resolveHost(spec)
	if err != nil {
		return err
	}
	if _, _, err := c.GetInstance(id); err != nil {
		return nil
	}
	op, err := c.DeleteInstance(id)
	if err != nil {
		return classifyErr("remove", err)
	}
	if err := op.Wait(); err != nil {
		return classifyErr("remove", err)
	}
	return nil
}

// Observe maps LXD instance state to the common Observation shape.
func (d *Driver) Observe(ctx context.Context, spec driver.Spec) (driver.Observation, error) {
	id := driver.ResourceID(spec.Owner, spec.Name)
	host, c, err := d.resolveHost(spec)
	if err != nil {
		return driver.Observation{}, err
	}

	if _, _, err := c.GetInstance(id); err != nil {
		return driver.Observation{Phase: driver.PhaseAbsent}, nil
	}

	state, _, err := c.GetInstanceState(id)
	if err != nil {
		return driver.Observation{}, classifyErr("observe", err)
	}

	obs := driver.Observation{
		NodeName: host,
		SSHHost:  spec.ExternalIP,
		SSHPort:  22,
	}
	switch strings.ToLower(state.Status) {
	case "running":
		obs.Phase = driver.PhaseRunning
	case "stopped":
		obs.Phase = driver.PhaseStopped
	case "starting", "freezing", "frozen":
		obs.Phase = driver.PhaseCreating
	default:
		obs.Phase = driver.PhaseError
		obs.Message = state.Status
	}
	return obs, nil
}

// Update applies new cpu/memory/runtime limits. Only ever called when
// Observe last reported PhaseStopped.
func (d *Driver) Update(ctx context.Context, spec driver.Spec) error {
	_, c, err := d.resolveHost(spec)
	if err != nil {
		return err
	}

	id := driver.ResourceID(spec.Owner, spec.Name)
	inst, etag, err := c.GetInstance(id)
	if err != nil {
		return classifyErr("update", err)
	}
	put := inst.Writable()
	put.Config["limits.cpu"] = fmt.Sprintf("%d", spec.CPU)
	put.Config["limits.memory"] = fmt.Sprintf("%dGiB", spec.MemoryGiB)

	op, err := c.UpdateInstance(id, put, etag)
	if err != nil {
		return classifyErr("update", err)
	}
	if err := op.Wait(); err != nil {
		return classifyErr("update", err)
	}
	return nil
}

// seedPassword seeds the one-time SSH password into the guest's shadow
// file during first boot, via an in-guest exec.
func (d *Driver) seedPassword(spec driver.Spec) error {
	_, c, err := d.resolveHost(spec)
	if err != nil {
		return err
	}
	script := fmt.Sprintf("echo root:%s | chpasswd", spec.Password)
	op, err := c.ExecInstance(driver.ResourceID(spec.Owner, spec.Name), api.InstanceExecPost{
		Command: []string{"sh", "-c", script},
	}, &lxd.InstanceExecArgs{})
	if err != nil {
		return classifyErr("seed-password", err)
	}
	return op.Wait()
}

// List returns the ResourceID of every instance across every host in the
// pool, for the orphan sweep. Containers and VMs are both listed since
// either runtime may be in use across the fleet.
func (d *Driver) List(ctx context.Context) ([]string, error) {
	var ids []string
	for _, host := range d.hosts.Hosts() {
		c, err := d.hosts.Connect(host)
		if err != nil {
			return nil, &driver.TransientError{Op: "list", Err: err}
		}
		for _, t := range []api.InstanceType{api.InstanceTypeContainer, api.InstanceTypeVM} {
			insts, err := c.GetInstances(t)
			if err != nil {
				return nil, classifyErr("list", err)
			}
			for _, inst := range insts {
				ids = append(ids, inst.Name)
			}
		}
	}
	return ids, nil
}

// RemoveOrphan deletes an instance by raw id from whichever host it lives
// on. Used only by the orphan sweep, which knows a backend id but not the
// (owner, name, host) that produced it.
func (d *Driver) RemoveOrphan(ctx context.Context, id string) error {
	for _, host := range d.hosts.Hosts() {
		c, err := d.hosts.Connect(host)
		if err != nil {
			continue
		}
		if _, _, err := c.GetInstance(id); err != nil {
			continue
		}
		op, err := c.DeleteInstance(id)
		if err != nil {
			return classifyErr("remove-orphan", err)
		}
		return op.Wait()
	}
	return nil
}

// classifyErr maps a raw LXD client error to a transient or permanent
// driver error. Network-shaped failures (connection refused, timeout,
// EOF) are transient; everything else — most commonly a quota or
// validation rejection from the LXD API itself — is permanent.
func classifyErr(op string, err error) error {
	msg := strings.ToLower(err.Error())
	for _, marker := range []string{"timeout", "connection refused", "eof", "no such host", "i/o timeout", "temporarily unavailable"} {
		if strings.Contains(msg, marker) {
			return &driver.TransientError{Op: op, Err: err}
		}
	}
	return &driver.PermanentError{Op: op, Err: err}
}
