// Package store implements the control plane's durable state store: the
// single JSON file that is the only artifact of record for desired
// instance state and external IP allocation. Everything else — backend
// observations, reconciler stage, caches — is rebuilt or discarded on
// restart.
package store

import (
	"log/slog"
	"reflect"
	"sort"
	"sync"
)

// Store holds the in-memory, authoritative copy of all instance state and
// serializes every mutation through a single critical section so that the
// file on disk and the in-memory map never diverge.
type Store struct {
	mu   sync.Mutex
	path string
	log  *slog.Logger

	instances map[Key]Instance
	// ips is the set of external IPs currently assigned to an instance,
	// rebuilt from instances on every load/reload — never itself a source
	// of truth.
	ips map[string]struct{}
}

// Open loads the state file at path, creating an empty store if the file
// does not exist. A missing file is logged at warn level and treated as a
// fresh, empty control plane rather than an error.
func Open(path string, log *slog.Logger) (*Store, error) {
	s := &Store{path: path, log: log}
	if err := s.reload(); err != nil {
		return nil, err
	}
	return s, nil
}

// reload re-reads the state file from disk and rebuilds all in-memory
// derived state. Callers must hold mu, except during Open.
func (s *Store) reload() error {
	ff, existed, err := loadFile(s.path)
	if err != nil {
		return err
	}
	if !existed && s.log != nil {
		s.log.Warn("state file not found, starting with empty state", "path", s.path)
	}

	instances := make(map[Key]Instance)
	for _, u := range ff.Users {
		for _, inst := range u.Instances {
			instances[Key{Owner: u.Name, Name: inst.Name}] = inst
		}
	}

	ips := make(map[string]struct{}, len(ff.IPs))
	for _, ip := range ff.IPs {
		ips[ip] = struct{}{}
	}
	// Drop any IP marker that no running instance actually holds, and add
	// back any instance IP the file's ips list failed to record — the
	// instances themselves are authoritative for "in use", the ips list is
	// only a convenience for allocator warm start.
	actual := make(map[string]struct{})
	for _, inst := range instances {
		if inst.ExternalIP != "" {
			actual[inst.ExternalIP] = struct{}{}
		}
	}
	for ip := range ips {
		if _, ok := actual[ip]; !ok {
			delete(ips, ip)
		}
	}
	for ip := range actual {
		ips[ip] = struct{}{}
	}

	s.instances = instances
	s.ips = ips
	return nil
}

// Reload discards in-memory state and re-reads the file from disk. Used at
// startup after a crash, and exposed for operational recovery.
func (s *Store) Reload() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reload()
}

// Snapshot returns a point-in-time copy of every instance in the store.
// The reconciler plans exclusively from snapshots, never from live store
// internals, so a long-running plan never observes a torn state.
func (s *Store) Snapshot() []Instance {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Instance, 0, len(s.instances))
	for _, inst := range s.instances {
		out = append(out, inst.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Owner != out[j].Owner {
			return out[i].Owner < out[j].Owner
		}
		return out[i].Name < out[j].Name
	})
	return out
}

// SnapshotByOwner returns a point-in-time copy of every instance belonging
// to owner.
func (s *Store) SnapshotByOwner(owner string) []Instance {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []Instance
	for k, inst := range s.instances {
		if k.Owner == owner {
			out = append(out, inst.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Get returns a single instance by key.
func (s *Store) Get(key Key) (Instance, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	inst, ok := s.instances[key]
	return inst.Clone(), ok
}

// AllocatedIPs returns the set of external IPs currently held by an
// instance, for seeding the IP allocator's in-use set at startup.
func (s *Store) AllocatedIPs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.ips))
	for ip := range s.ips {
		out = append(out, ip)
	}
	return out
}

// Txn is the mutable view of the store handed to a Mutate callback. It
// operates on a working copy: nothing is visible to other callers, and
// nothing is persisted, until the callback returns nil.
type Txn struct {
	instances map[Key]Instance
}

// Get returns an instance from the working copy.
func (t *Txn) Get(key Key) (Instance, bool) {
	inst, ok := t.instances[key]
	return inst, ok
}

// All returns every instance in the working copy, unordered.
func (t *Txn) All() []Instance {
	out := make([]Instance, 0, len(t.instances))
	for _, inst := range t.instances {
		out = append(out, inst)
	}
	return out
}

// Put inserts or replaces an instance in the working copy.
func (t *Txn) Put(inst Instance) {
	t.instances[Key{Owner: inst.Owner, Name: inst.Name}] = inst
}

// Delete removes an instance from the working copy.
func (t *Txn) Delete(key Key) {
	delete(t.instances, key)
}

// Mutate runs fn against a working copy of the store under the store's
// single exclusive critical section. If fn returns an error, no change is
// made — the working copy is discarded. If fn returns nil, the resulting
// state is persisted atomically to disk and, only on successful persist,
// becomes the new in-memory state. This ordering means a crash mid-write
// can never leave the in-memory store ahead of what's on disk.
func (s *Store) Mutate(fn func(txn *Txn) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	working := make(map[Key]Instance, len(s.instances))
	for k, v := range s.instances {
		working[k] = v
	}
	txn := &Txn{instances: working}

	if err := fn(txn); err != nil {
		return err
	}

	if reflect.DeepEqual(working, s.instances) {
		return nil
	}

	if err := s.persist(working); err != nil {
		return err
	}

	s.instances = working
	ips := make(map[string]struct{})
	for _, inst := range working {
		if inst.ExternalIP != "" {
			ips[inst.ExternalIP] = struct{}{}
		}
	}
	s.ips = ips
	return nil
}

// persist encodes instances grouped by owner and writes them atomically.
// Callers must hold mu.
func (s *Store) persist(instances map[Key]Instance) error {
	byOwner := make(map[string][]Instance)
	for k, inst := range instances {
		byOwner[k.Owner] = append(byOwner[k.Owner], inst)
	}

	owners := make([]string, 0, len(byOwner))
	for owner := range byOwner {
		owners = append(owners, owner)
	}
	sort.Strings(owners)

	ff := fileFormat{}
	for _, owner := range owners {
		insts := byOwner[owner]
		sort.Slice(insts, func(i, j int) bool { return insts[i].Name < insts[j].Name })
		ff.Users = append(ff.Users, userRecord{Name: owner, Instances: insts})
	}

	ips := make([]string, 0)
	for _, inst := range instances {
		if inst.ExternalIP != "" {
			ips = append(ips, inst.ExternalIP)
		}
	}
	sort.Strings(ips)
	ff.IPs = ips

	data, err := marshalIndent(ff)
	if err != nil {
		return err
	}
	return writeAtomic(s.path, data, statePerm)
}
