// Package pod implements the pod backend driver: each instance is
// materialized as a pod + persistent volume claim + NodePort service on a
// Kubernetes cluster.
package pod

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/api/resource"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/util/intstr"
	"k8s.io/client-go/kubernetes"

	"github.com/tispace-dev/tispace/internal/driver"
)

// initingSentinel marks a rootfs bootstrap that did not complete, forcing
// a clean retry on the next ensure rather than adopting a half-initialized
// volume.
const initingSentinel = "rootfs-initing"

// Driver implements driver.Driver against a Kubernetes cluster.
type Driver struct {
	client    kubernetes.Interface
	namespace string
	cpuOver   float64
	memOver   float64
	log       *slog.Logger
}

// New builds a pod driver. cpuOvercommit/memOvercommit are applied as the
// inverse multiplier on resource requests/limits, per the overcommit
// model: requesting less than the nominal size lets more instances land
// on the same node.
func New(client kubernetes.Interface, namespace string, cpuOvercommit, memOvercommit float64, log *slog.Logger) *Driver {
	return &Driver{client: client, namespace: namespace, cpuOver: cpuOvercommit, memOver: memOvercommit, log: log}
}

func runtimeClass(rt string) *string {
	rc := "runc"
	if rt == "kata" {
		rc = "kata"
	}
	return &rc
}

func (d *Driver) quantities(spec driver.Spec) (cpu, mem resource.Quantity) {
	cpuOver := d.cpuOver
	if cpuOver <= 0 {
		cpuOver = 1
	}
	memOver := d.memOver
	if memOver <= 0 {
		memOver = 1
	}
	cpuMilli := int64(float64(spec.CPU*1000) / cpuOver)
	memMi := int64(float64(spec.MemoryGiB*1024) / memOver)
	return *resource.NewMilliQuantity(cpuMilli, resource.DecimalSI),
		*resource.NewQuantity(memMi*1024*1024, resource.BinarySI)
}

// Ensure creates the pod's PVC, pod, and service if absent; adopts them if
// already present. Idempotent.
func (d *Driver) Ensure(ctx context.Context, spec driver.Spec) error {
	if err := d.ensurePVC(ctx, spec); err != nil {
		return err
	}
	if err := d.ensurePod(ctx, spec); err != nil {
		return err
	}
	if err := d.ensureService(ctx, spec); err != nil {
		return err
	}
	return nil
}

func (d *Driver) ensurePVC(ctx context.Context, spec driver.Spec) error {
	id := driver.ResourceID(spec.Owner, spec.Name)
	diskQty := *resource.NewQuantity(int64(spec.DiskGiB)*1024*1024*1024, resource.BinarySI)

	_, err := d.client.CoreV1().PersistentVolumeClaims(d.namespace).Get(ctx, id, metav1.GetOptions{})
	if err == nil {
		return nil
	}
	if !apierrors.IsNotFound(err) {
		return classifyErr("ensure-pvc", err)
	}

	pvc := &corev1.PersistentVolumeClaim{
		ObjectMeta: metav1.ObjectMeta{Name: id, Namespace: d.namespace, Labels: podLabels(spec)},
		Spec: corev1.PersistentVolumeClaimSpec{
			AccessModes: []corev1.PersistentVolumeAccessMode{corev1.ReadWriteOnce},
			Resources: corev1.VolumeResourceRequirements{
				Requests: corev1.ResourceList{corev1.ResourceStorage: diskQty},
			},
		},
	}
	_, err = d.client.CoreV1().PersistentVolumeClaims(d.namespace).Create(ctx, pvc, metav1.CreateOptions{})
	if err != nil && !apierrors.IsAlreadyExists(err) {
		return classifyErr("ensure-pvc", err)
	}
	return nil
}

func (d *Driver) ensurePod(ctx context.Context, spec driver.Spec) error {
	id := driver.ResourceID(spec.Owner, spec.Name)
	_, err := d.client.CoreV1().Pods(d.namespace).Get(ctx, id, metav1.GetOptions{})
	if err == nil {
		return nil
	}
	if !apierrors.IsNotFound(err) {
		return classifyErr("ensure-pod", err)
	}

	cpuQty, memQty := d.quantities(spec)
	resources := corev1.ResourceRequirements{
		Requests: corev1.ResourceList{corev1.ResourceCPU: cpuQty, corev1.ResourceMemory: memQty},
		Limits:   corev1.ResourceList{corev1.ResourceCPU: cpuQty, corev1.ResourceMemory: memQty},
	}

	p := &corev1.Pod{
		ObjectMeta: metav1.ObjectMeta{Name: id, Namespace: d.namespace, Labels: podLabels(spec)},
		Spec: corev1.PodSpec{
			RuntimeClassName: runtimeClass(spec.Runtime),
			NodeName:         spec.NodeName,
			InitContainers: []corev1.Container{
				{
					Name:         "rootfs-bootstrap",
					Image:        spec.Image,
					Command:      []string{"/bin/sh", "/scripts/rootfs-bootstrap.sh"},
					VolumeMounts: []corev1.VolumeMount{{Name: "rootfs", MountPath: "/rootfs"}},
				},
			},
			Containers: []corev1.Container{
				{
					Name:         "instance",
					Image:        spec.Image,
					Resources:    resources,
					VolumeMounts: []corev1.VolumeMount{{Name: "rootfs", MountPath: "/"}},
					Ports:        []corev1.ContainerPort{{Name: "ssh", ContainerPort: 22}},
				},
			},
			Volumes: []corev1.Volume{
				{
					Name: "rootfs",
					VolumeSource: corev1.VolumeSource{
						PersistentVolumeClaim: &corev1.PersistentVolumeClaimVolumeSource{ClaimName: id},
					},
				},
			},
			RestartPolicy: corev1.RestartPolicyAlways,
		},
	}
	_, err = d.client.CoreV1().Pods(d.namespace).Create(ctx, p, metav1.CreateOptions{})
	if err != nil && !apierrors.IsAlreadyExists(err) {
		return classifyErr("ensure-pod", err)
	}
	return nil
}

func (d *Driver) ensureService(ctx context.Context, spec driver.Spec) error {
	id := driver.ResourceID(spec.Owner, spec.Name)
	_, err := d.client.CoreV1().Services(d.namespace).Get(ctx, id, metav1.GetOptions{})
	if err == nil {
		return nil
	}
	if !apierrors.IsNotFound(err) {
		return classifyErr("ensure-service", err)
	}

	svc := &corev1.Service{
		ObjectMeta: metav1.ObjectMeta{Name: id, Namespace: d.namespace, Labels: podLabels(spec)},
		Spec: corev1.ServiceSpec{
			Type:     corev1.ServiceTypeNodePort,
			Selector: podLabels(spec),
			Ports: []corev1.ServicePort{
				{Name: "ssh", Port: 22, TargetPort: intstr.FromInt(22)},
			},
		},
	}
	_, err = d.client.CoreV1().Services(d.namespace).Create(ctx, svc, metav1.CreateOptions{})
	if err != nil && !apierrors.IsAlreadyExists(err) {
		return classifyErr("ensure-service", err)
	}
	return nil
}

// Start is a no-op for the pod driver: a pod with RestartPolicyAlways is
// brought up by Ensure and stays up until Stop deletes it. "Starting" a
// stopped instance re-creates the pod.
func (d *Driver) Start(ctx context.Context, spec driver.Spec) error {
	return d.Ensure(ctx, spec)
}

// Stop deletes the pod (keeping the PVC and service) so the instance is
// quiescent but its disk and network identity survive.
func (d *Driver) Stop(ctx context.Context, spec driver.Spec) error {
	id := driver.ResourceID(spec.Owner, spec.Name)
	err := d.client.CoreV1().Pods(d.namespace).Delete(ctx, id, metav1.DeleteOptions{})
	if err != nil && !apierrors.IsNotFound(err) {
		return classifyErr("stop", err)
	}
	return nil
}

// Remove deletes the pod, PVC, and service. Idempotent.
func (d *Driver) Remove(ctx context.Context, spec driver.Spec) error {
	id := driver.ResourceID(spec.Owner, spec.Name)
	for _, del := range []func() error{
		func() error { return d.client.CoreV1().Pods(d.namespace).Delete(ctx, id, metav1.DeleteOptions{}) },
		func() error {
			return d.client.CoreV1().PersistentVolumeClaims(d.namespace).Delete(ctx, id, metav1.DeleteOptions{})
		},
		func() error { return d.client.CoreV1().Services(d.namespace).Delete(ctx, id, metav1.DeleteOptions{}) },
	} {
		if err := del(); err != nil && !apierrors.IsNotFound(err) {
			return classifyErr("remove", err)
		}
	}
	return nil
}

// List returns the ResourceID of every pod this driver manages, for the
// orphan sweep. PVCs and services always accompany a pod under the same
// id, so the pod list alone is a sufficient census of live resources.
func (d *Driver) List(ctx context.Context) ([]string, error) {
	pods, err := d.client.CoreV1().Pods(d.namespace).List(ctx, metav1.ListOptions{})
	if err != nil {
		return nil, classifyErr("list", err)
	}
	ids := make([]string, 0, len(pods.Items))
	for _, p := range pods.Items {
		ids = append(ids, p.Name)
	}
	return ids, nil
}

// RemoveOrphan deletes a pod/PVC/service by raw id, without a Spec. Used
// only by the orphan sweep, which knows a backend id but not the
// (owner, name) pair that produced it.
func (d *Driver) RemoveOrphan(ctx context.Context, id string) error {
	for _, del := range []func() error{
		func() error { return d.client.CoreV1().Pods(d.namespace).Delete(ctx, id, metav1.DeleteOptions{}) },
		func() error {
			return d.client.CoreV1().PersistentVolumeClaims(d.namespace).Delete(ctx, id, metav1.DeleteOptions{})
		},
		func() error { return d.client.CoreV1().Services(d.namespace).Delete(ctx, id, metav1.DeleteOptions{}) },
	} {
		if err := del(); err != nil && !apierrors.IsNotFound(err) {
			return classifyErr("remove-orphan", err)
		}
	}
	return nil
}

// Observe maps pod phase to the common enumeration. A present sentinel
// file marker (surfaced via the init container's termination message)
// forces PhaseCreating rather than letting a half-initialized rootfs read
// as running.
func (d *Driver) Observe(ctx context.Context, spec driver.Spec) (driver.Observation, error) {
	id := driver.ResourceID(spec.Owner, spec.Name)
	p, err := d.client.CoreV1().Pods(d.namespace).Get(ctx, id, metav1.GetOptions{})
	if apierrors.IsNotFound(err) {
		return driver.Observation{Phase: driver.PhaseAbsent}, nil
	}
	if err != nil {
		return driver.Observation{}, classifyErr("observe", err)
	}

	svc, err := d.client.CoreV1().Services(d.namespace).Get(ctx, id, metav1.GetOptions{})
	var sshPort int
	if err == nil {
		for _, port := range svc.Spec.Ports {
			if port.Name == "ssh" {
				sshPort = int(port.NodePort)
			}
		}
	}

	obs := driver.Observation{SSHHost: p.Status.HostIP, SSHPort: sshPort, NodeName: p.Spec.NodeName}
	if hasIncompleteInit(p) {
		obs.Phase = driver.PhaseCreating
		return obs, nil
	}

	switch p.Status.Phase {
	case corev1.PodPending:
		obs.Phase = driver.PhaseCreating
	case corev1.PodRunning:
		obs.Phase = driver.PhaseRunning
	case corev1.PodSucceeded, corev1.PodFailed:
		obs.Phase = driver.PhaseStopped
	default:
		obs.Phase = driver.PhaseError
		obs.Message = string(p.Status.Phase)
	}
	return obs, nil
}

func hasIncompleteInit(p *corev1.Pod) bool {
	for _, cs := range p.Status.InitContainerStatuses {
		if cs.Name == "rootfs-bootstrap" && cs.State.Terminated == nil {
			return true
		}
	}
	return false
}

// Update applies a new cpu/memory by deleting and recreating the pod with
// updated resource requests (Kubernetes pods are immutable for resource
// changes). Only called when Observe last reported PhaseStopped.
func (d *Driver) Update(ctx context.Context, spec driver.Spec) error {
	id := driver.ResourceID(spec.Owner, spec.Name)
	if err := d.client.CoreV1().Pods(d.namespace).Delete(ctx, id, metav1.DeleteOptions{}); err != nil && !apierrors.IsNotFound(err) {
		return classifyErr("update", err)
	}
	return d.ensurePod(ctx, spec)
}

// podLabels uses the folded owner id rather than the raw email address:
// label values must match Kubernetes' DNS-1123 label grammar, which an
// email address violates (the "@" alone is invalid).
func podLabels(spec driver.Spec) map[string]string {
	return map[string]string{
		"tispace.dev/owner":    driver.OwnerID(spec.Owner),
		"tispace.dev/instance": spec.Name,
	}
}

func classifyErr(op string, err error) error {
	if apierrors.IsServerTimeout(err) || apierrors.IsTimeout(err) || apierrors.IsTooManyRequests(err) {
		return &driver.TransientError{Op: op, Err: err}
	}
	msg := strings.ToLower(err.Error())
	for _, marker := range []string{"timeout", "connection refused", "eof", "i/o timeout"} {
		if strings.Contains(msg, marker) {
			return &driver.TransientError{Op: op, Err: err}
		}
	}
	return &driver.PermanentError{Op: op, Err: fmt.Errorf("%s", err.Error())}
}
