package k8s

import (
	"context"
	"sync"

	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime/schema"
)

/**
in-memory stand-in for the pod API, shared by every namespace
*/
type PodInterfaceMock struct {
	mtx          sync.Mutex
	KnownPods    map[string]*corev1.Pod
	CreateError  error
	GetError     error
	DeleteError  error
	CreatedNames []string
	DeletedNames []string
}

func NewPodInterfaceMock() *PodInterfaceMock {
	return &PodInterfaceMock{KnownPods: make(map[string]*corev1.Pod)}
}

func (m *PodInterfaceMock) Factory() PodInterfaceFactory {
	return func(namespace string) PodInterface {
		return m
	}
}

var podsResource = schema.GroupResource{Resource: "pods"}

func (m *PodInterfaceMock) Create(ctx context.Context, pod *corev1.Pod, opts metav1.CreateOptions) (*corev1.Pod, error) {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	if m.CreateError != nil {
		return nil, m.CreateError
	}
	if _, exists := m.KnownPods[pod.Name]; exists {
		return nil, apierrors.NewAlreadyExists(podsResource, pod.Name)
	}
	stored := pod.DeepCopy()
	m.KnownPods[pod.Name] = stored
	m.CreatedNames = append(m.CreatedNames, pod.Name)
	return stored.DeepCopy(), nil
}

func (m *PodInterfaceMock) Get(ctx context.Context, name string, opts metav1.GetOptions) (*corev1.Pod, error) {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	if m.GetError != nil {
		return nil, m.GetError
	}
	pod, exists := m.KnownPods[name]
	if !exists {
		return nil, apierrors.NewNotFound(podsResource, name)
	}
	return pod.DeepCopy(), nil
}

func (m *PodInterfaceMock) Delete(ctx context.Context, name string, opts metav1.DeleteOptions) error {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	if m.DeleteError != nil {
		return m.DeleteError
	}
	if _, exists := m.KnownPods[name]; !exists {
		return apierrors.NewNotFound(podsResource, name)
	}
	delete(m.KnownPods, name)
	m.DeletedNames = append(m.DeletedNames, name)
	return nil
}

/**
test helper to move a pod into the given container state
*/
func (m *PodInterfaceMock) SetContainerState(name string, podIP string, ready bool, state corev1.ContainerState) {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	pod, exists := m.KnownPods[name]
	if !exists {
		return
	}
	pod.Status.PodIP = podIP
	pod.Status.ContainerStatuses = []corev1.ContainerStatus{{
		Name:  EXECUTOR_CONTAINER_NAME,
		Ready: ready,
		State: state,
	}}
}
