package instance

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/tispace-dev/tispace/internal/store"
)

func newTestService(t *testing.T, quota Quota) *Service {
	t.Helper()
	path := filepath.Join(t.TempDir(), "state.json")
	st, err := store.Open(path, nil)
	require.NoError(t, err)
	return NewService(st, quota)
}

func defaultQuota() Quota {
	return Quota{CPU: 32, MemoryGiB: 128, DiskGiB: 1000}
}

func TestServiceCreate(t *testing.T) {
	s := newTestService(t, defaultQuota())

	inst, err := s.Create("alice", CreateRequest{Name: "dev1", CPU: 2, Memory: 4, DiskSize: 20})
	require.NoError(t, err)
	require.Equal(t, store.StatusPending, inst.Status)
	require.Equal(t, "alice", inst.Owner)

	got, err := s.Get("alice", "dev1")
	require.NoError(t, err)
	require.Equal(t, inst.Name, got.Name)
}

func TestServiceCreateRejectsInvalidName(t *testing.T) {
	s := newTestService(t, defaultQuota())

	_, err := s.Create("alice", CreateRequest{Name: "123", CPU: 2, Memory: 4, DiskSize: 20})
	require.ErrorIs(t, err, ErrInvalid)
}

func TestServiceCreateRejectsDuplicate(t *testing.T) {
	s := newTestService(t, defaultQuota())

	_, err := s.Create("alice", CreateRequest{Name: "dev1", CPU: 2, Memory: 4, DiskSize: 20})
	require.NoError(t, err)

	_, err = s.Create("alice", CreateRequest{Name: "dev1", CPU: 2, Memory: 4, DiskSize: 20})
	require.ErrorIs(t, err, ErrDuplicate)
}

func TestServiceCreateRejectsQuotaExceeded(t *testing.T) {
	s := newTestService(t, Quota{CPU: 4, MemoryGiB: 128, DiskGiB: 1000})

	_, err := s.Create("alice", CreateRequest{Name: "dev1", CPU: 3, Memory: 4, DiskSize: 20})
	require.NoError(t, err)

	_, err = s.Create("alice", CreateRequest{Name: "dev2", CPU: 3, Memory: 4, DiskSize: 20})
	require.ErrorIs(t, err, ErrQuotaExceeded)
}

func TestServiceCreateQuotaIsPerOwner(t *testing.T) {
	s := newTestService(t, Quota{CPU: 4, MemoryGiB: 128, DiskGiB: 1000})

	_, err := s.Create("alice", CreateRequest{Name: "dev1", CPU: 3, Memory: 4, DiskSize: 20})
	require.NoError(t, err)

	_, err = s.Create("bob", CreateRequest{Name: "dev1", CPU: 3, Memory: 4, DiskSize: 20})
	require.NoError(t, err)
}

func TestServiceStartRequiresStopped(t *testing.T) {
	s := newTestService(t, defaultQuota())
	_, err := s.Create("alice", CreateRequest{Name: "dev1", CPU: 2, Memory: 4, DiskSize: 20})
	require.NoError(t, err)

	// Freshly created instance is Pending, not Stopped.
	_, err = s.Start("alice", "dev1")
	require.ErrorIs(t, err, ErrNotStopped)
}

func TestServiceStopRequiresRunning(t *testing.T) {
	s := newTestService(t, defaultQuota())
	_, err := s.Create("alice", CreateRequest{Name: "dev1", CPU: 2, Memory: 4, DiskSize: 20})
	require.NoError(t, err)

	_, err = s.Stop("alice", "dev1")
	require.ErrorIs(t, err, ErrNotRunning)
}

func TestServiceUpdateRequiresStopped(t *testing.T) {
	s := newTestService(t, defaultQuota())
	_, err := s.Create("alice", CreateRequest{Name: "dev1", CPU: 2, Memory: 4, DiskSize: 20})
	require.NoError(t, err)

	_, err = s.Update("alice", "dev1", UpdateRequest{CPU: 4, Memory: 8, Runtime: "runc"})
	require.ErrorIs(t, err, ErrNotStopped)
}

func TestServiceUpdateWhenStopped(t *testing.T) {
	s := newTestService(t, defaultQuota())
	_, err := s.Create("alice", CreateRequest{Name: "dev1", CPU: 2, Memory: 4, DiskSize: 20})
	require.NoError(t, err)

	// Force the instance to Stopped to simulate a converged lifecycle.
	err = s.store.Mutate(func(txn *store.Txn) error {
		inst, _ := txn.Get(store.Key{Owner: "alice", Name: "dev1"})
		inst.Status = store.StatusStopped
		txn.Put(inst)
		return nil
	})
	require.NoError(t, err)

	updated, err := s.Update("alice", "dev1", UpdateRequest{CPU: 4, Memory: 8, Runtime: "runc"})
	require.NoError(t, err)
	require.Equal(t, 4, updated.CPU)
	require.Equal(t, 8, updated.MemoryGiB)
	require.Equal(t, store.StatusUpdating, updated.Status)
}

func TestServiceDeleteIsIdempotent(t *testing.T) {
	s := newTestService(t, defaultQuota())
	_, err := s.Create("alice", CreateRequest{Name: "dev1", CPU: 2, Memory: 4, DiskSize: 20})
	require.NoError(t, err)

	require.NoError(t, s.Delete("alice", "dev1"))
	require.NoError(t, s.Delete("alice", "dev1"))

	got, err := s.Get("alice", "dev1")
	require.NoError(t, err)
	require.Equal(t, store.StatusDeleting, got.Status)
}

func TestServiceDeleteNotFound(t *testing.T) {
	s := newTestService(t, defaultQuota())
	err := s.Delete("alice", "ghost")
	require.ErrorIs(t, err, ErrNotFound)
}
