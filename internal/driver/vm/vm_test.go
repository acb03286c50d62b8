package vm

import (
	"context"
	"errors"
	"testing"

	lxd "github.com/canonical/lxd/client"
	"github.com/canonical/lxd/shared/api"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/tispace-dev/tispace/internal/driver"
)

type fakeOp struct{ err error }

func (o fakeOp) AddHandler(func(api.Operation)) (*lxd.EventTarget, error) { return nil, nil }
func (o fakeOp) Cancel() error                                           { return nil }
func (o fakeOp) Get() api.Operation                                      { return api.Operation{} }
func (o fakeOp) GetWebsocket(string) (*websocket.Conn, error)            { return nil, nil }
func (o fakeOp) RemoveHandler(*lxd.EventTarget) error                    { return nil }
func (o fakeOp) Refresh() error                                          { return nil }
func (o fakeOp) Wait() error                                             { return o.err }
func (o fakeOp) WaitContext(context.Context) error                       { return o.err }

type fakeServer struct {
	instances map[string]*api.Instance
	states    map[string]*api.InstanceState
	createErr error
}

func newFakeServer() *fakeServer {
	return &fakeServer{instances: map[string]*api.Instance{}, states: map[string]*api.InstanceState{}}
}

func (f *fakeServer) GetInstanceState(name string) (*api.InstanceState, string, error) {
	s, ok := f.states[name]
	if !ok {
		return nil, "", errors.New("not found")
	}
	return s, "", nil
}

func (f *fakeServer) UpdateInstanceState(name string, state api.InstanceStatePut, ETag string) (lxd.Operation, error) {
	s := f.states[name]
	if s == nil {
		s = &api.InstanceState{}
		f.states[name] = s
	}
	switch state.Action {
	case "start":
		s.Status = "Running"
	case "stop":
		s.Status = "Stopped"
	}
	return fakeOp{}, nil
}

func (f *fakeServer) GetInstance(name string) (*api.Instance, string, error) {
	inst, ok := f.instances[name]
	if !ok {
		return nil, "", errors.New("not found")
	}
	return inst, "etag", nil
}

func (f *fakeServer) CreateInstance(args api.InstancesPost) (lxd.Operation, error) {
	if f.createErr != nil {
		return nil, f.createErr
	}
	f.instances[args.Name] = &api.Instance{
		Name:        args.Name,
		InstancePut: args.InstancePut,
	}
	f.states[args.Name] = &api.InstanceState{Status: "Stopped"}
	return fakeOp{}, nil
}

func (f *fakeServer) UpdateInstance(name string, args api.InstancePut, ETag string) (lxd.Operation, error) {
	inst, ok := f.instances[name]
	if !ok {
		return nil, errors.New("not found")
	}
	inst.InstancePut = args
	return fakeOp{}, nil
}

func (f *fakeServer) DeleteInstance(name string) (lxd.Operation, error) {
	delete(f.instances, name)
	delete(f.states, name)
	return fakeOp{}, nil
}

func (f *fakeServer) ExecInstance(name string, exec api.InstanceExecPost, args *lxd.InstanceExecArgs) (lxd.Operation, error) {
	return fakeOp{}, nil
}

func (f *fakeServer) GetInstances(instanceType api.InstanceType) ([]api.Instance, error) {
	insts := make([]api.Instance, 0, len(f.instances))
	for _, inst := range f.instances {
		insts = append(insts, *inst)
	}
	return insts, nil
}

type fakeHostPool struct {
	server *fakeServer
}

func (p *fakeHostPool) Connect(host string) (instanceServer, error) { return p.server, nil }
func (p *fakeHostPool) PlaceHost(cpu, memoryGiB int) (string, error) { return "host-a", nil }
func (p *fakeHostPool) StoragePoolFor(host string) string             { return "default" }
func (p *fakeHostPool) Hosts() []string                               { return []string{"host-a"} }

func TestEnsureCreatesThenIsIdempotent(t *testing.T) {
	srv := newFakeServer()
	d := New(&fakeHostPool{server: srv}, nil)

	spec := driver.Spec{Name: "box1", Owner: "alice", CPU: 2, MemoryGiB: 4, DiskGiB: 20, Image: "ubuntu:22.04", Runtime: "kvm", ExternalIP: "10.0.0.1"}
	require.NoError(t, d.Ensure(context.Background(), spec))
	require.Len(t, srv.instances, 1)
	require.Contains(t, srv.instances, driver.ResourceID(spec.Owner, spec.Name))

	require.NoError(t, d.Ensure(context.Background(), spec))
	require.Len(t, srv.instances, 1)
}

func TestObserveAbsentThenRunning(t *testing.T) {
	srv := newFakeServer()
	d := New(&fakeHostPool{server: srv}, nil)
	spec := driver.Spec{Name: "box1", Runtime: "lxc", Image: "ubuntu:22.04"}

	obs, err := d.Observe(context.Background(), spec)
	require.NoError(t, err)
	require.Equal(t, driver.PhaseAbsent, obs.Phase)

	require.NoError(t, d.Ensure(context.Background(), spec))
	require.NoError(t, d.Start(context.Background(), spec))

	obs, err = d.Observe(context.Background(), spec)
	require.NoError(t, err)
	require.Equal(t, driver.PhaseRunning, obs.Phase)
}

func TestCreateErrorClassifiedTransientOnTimeout(t *testing.T) {
	srv := newFakeServer()
	srv.createErr = errors.New("dial tcp: i/o timeout")
	d := New(&fakeHostPool{server: srv}, nil)

	err := d.Ensure(context.Background(), driver.Spec{Name: "box1", Runtime: "kvm", Image: "ubuntu:22.04"})
	var transient *driver.TransientError
	require.ErrorAs(t, err, &transient)
}

func TestCreateErrorClassifiedPermanentOtherwise(t *testing.T) {
	srv := newFakeServer()
	srv.createErr = errors.New("quota exceeded")
	d := New(&fakeHostPool{server: srv}, nil)

	err := d.Ensure(context.Background(), driver.Spec{Name: "box1", Runtime: "kvm", Image: "ubuntu:22.04"})
	var permanent *driver.PermanentError
	require.ErrorAs(t, err, &permanent)
}
