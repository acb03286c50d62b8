package pod

import (
	"context"
	"testing"

	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes/fake"

	"github.com/stretchr/testify/require"

	"github.com/tispace-dev/tispace/internal/driver"
)

func testSpec() driver.Spec {
	return driver.Spec{
		Name: "box1", Owner: "alice", CPU: 2, MemoryGiB: 4, DiskGiB: 20,
		Image: "ubuntu:22.04", Runtime: "runc",
	}
}

func TestEnsureCreatesPVCPodAndService(t *testing.T) {
	client := fake.NewSimpleClientset()
	d := New(client, "tispace", 2, 2, nil)
	spec := testSpec()
	id := driver.ResourceID(spec.Owner, spec.Name)

	require.NoError(t, d.Ensure(context.Background(), spec))

	_, err := client.CoreV1().PersistentVolumeClaims("tispace").Get(context.Background(), id, metav1.GetOptions{})
	require.NoError(t, err)
	_, err = client.CoreV1().Pods("tispace").Get(context.Background(), id, metav1.GetOptions{})
	require.NoError(t, err)
	_, err = client.CoreV1().Services("tispace").Get(context.Background(), id, metav1.GetOptions{})
	require.NoError(t, err)
}

func TestEnsureIsIdempotent(t *testing.T) {
	client := fake.NewSimpleClientset()
	d := New(client, "tispace", 2, 2, nil)

	require.NoError(t, d.Ensure(context.Background(), testSpec()))
	require.NoError(t, d.Ensure(context.Background(), testSpec()))

	pods, err := client.CoreV1().Pods("tispace").List(context.Background(), metav1.ListOptions{})
	require.NoError(t, err)
	require.Len(t, pods.Items, 1)
}

func TestObserveAbsent(t *testing.T) {
	client := fake.NewSimpleClientset()
	d := New(client, "tispace", 1, 1, nil)

	obs, err := d.Observe(context.Background(), testSpec())
	require.NoError(t, err)
	require.Equal(t, driver.PhaseAbsent, obs.Phase)
}

func TestObserveRunningAfterPodRunning(t *testing.T) {
	client := fake.NewSimpleClientset()
	d := New(client, "tispace", 1, 1, nil)
	spec := testSpec()
	require.NoError(t, d.Ensure(context.Background(), spec))

	p, err := client.CoreV1().Pods("tispace").Get(context.Background(), driver.ResourceID(spec.Owner, spec.Name), metav1.GetOptions{})
	require.NoError(t, err)
	p.Status.Phase = corev1.PodRunning
	p.Status.InitContainerStatuses = []corev1.ContainerStatus{
		{Name: "rootfs-bootstrap", State: corev1.ContainerState{Terminated: &corev1.ContainerStateTerminated{}}},
	}
	_, err = client.CoreV1().Pods("tispace").UpdateStatus(context.Background(), p, metav1.UpdateOptions{})
	require.NoError(t, err)

	obs, err := d.Observe(context.Background(), spec)
	require.NoError(t, err)
	require.Equal(t, driver.PhaseRunning, obs.Phase)
}

func TestObserveCreatingWhileInitIncomplete(t *testing.T) {
	client := fake.NewSimpleClientset()
	d := New(client, "tispace", 1, 1, nil)
	spec := testSpec()
	require.NoError(t, d.Ensure(context.Background(), spec))

	p, err := client.CoreV1().Pods("tispace").Get(context.Background(), driver.ResourceID(spec.Owner, spec.Name), metav1.GetOptions{})
	require.NoError(t, err)
	p.Status.Phase = corev1.PodRunning
	p.Status.InitContainerStatuses = []corev1.ContainerStatus{
		{Name: "rootfs-bootstrap", State: corev1.ContainerState{Running: &corev1.ContainerStateRunning{}}},
	}
	_, err = client.CoreV1().Pods("tispace").UpdateStatus(context.Background(), p, metav1.UpdateOptions{})
	require.NoError(t, err)

	obs, err := d.Observe(context.Background(), spec)
	require.NoError(t, err)
	require.Equal(t, driver.PhaseCreating, obs.Phase)
}

func TestRemoveIsIdempotent(t *testing.T) {
	client := fake.NewSimpleClientset()
	d := New(client, "tispace", 1, 1, nil)
	spec := testSpec()
	require.NoError(t, d.Ensure(context.Background(), spec))
	require.NoError(t, d.Remove(context.Background(), spec))
	require.NoError(t, d.Remove(context.Background(), spec))

	obs, err := d.Observe(context.Background(), spec)
	require.NoError(t, err)
	require.Equal(t, driver.PhaseAbsent, obs.Phase)
}
