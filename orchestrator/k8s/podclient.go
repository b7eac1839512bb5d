package k8s

import (
	"context"
	"fmt"
	"strconv"

	"github.com/guardian/taskrunner/common/models"
	log "github.com/sirupsen/logrus"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/api/resource"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
)

const (
	EXECUTOR_CONTAINER_NAME = "executor"
	LABEL_REGION            = "taskrunner.region"
	LABEL_GROUP             = "taskrunner.group"
	LABEL_MANAGED           = "taskrunner.managed"
	ANNOTATION_SERVICE_PORT = "taskrunner.servicePort"
)

/**
the subset of the client-go pod API the job client needs
*/
type PodInterface interface {
	Create(ctx context.Context, pod *corev1.Pod, opts metav1.CreateOptions) (*corev1.Pod, error)
	Get(ctx context.Context, name string, opts metav1.GetOptions) (*corev1.Pod, error)
	Delete(ctx context.Context, name string, opts metav1.DeleteOptions) error
}

type PodInterfaceFactory func(namespace string) PodInterface

func PodsFromClientset(clientset kubernetes.Interface) PodInterfaceFactory {
	return func(namespace string) PodInterface {
		return clientset.CoreV1().Pods(namespace)
	}
}

/**
PodJobClient creates, observes and deletes executor pods
*/
type PodJobClient struct {
	pods     PodInterfaceFactory
	template *corev1.Pod
}

/**
`template` may be nil, in which case pods are built from the ResourceContext alone
*/
func NewPodJobClient(pods PodInterfaceFactory, template *corev1.Pod) *PodJobClient {
	return &PodJobClient{pods: pods, template: template}
}

/**
maps a pod's executor container onto the ContainerStatus tuple.
A pod with no container statuses yet has not been scheduled, which counts as pending.
A running container that has not passed its readiness check is still creating.
*/
func ContainerStatusOf(pod *corev1.Pod) models.ContainerStatus {
	if pod.Status.Phase == corev1.PodFailed || pod.Status.Phase == corev1.PodSucceeded {
		return models.ContainerStatus{Terminated: true}
	}

	statuses := pod.Status.ContainerStatuses
	if len(statuses) == 0 {
		return models.POD_STATUS_PENDING
	}

	status := statuses[0]
	for _, s := range statuses {
		if s.Name == EXECUTOR_CONTAINER_NAME {
			status = s
			break
		}
	}

	switch {
	case status.State.Running != nil && status.Ready:
		return models.POD_STATUS_RUNNING
	case status.State.Running != nil:
		return models.POD_STATUS_CREATING
	case status.State.Waiting != nil:
		return models.ContainerStatus{Waiting: true, WaitingReason: status.State.Waiting.Reason}
	case status.State.Terminated != nil:
		return models.ContainerStatus{Terminated: true}
	default:
		return models.POD_STATUS_PENDING
	}
}

func podResourceFrom(pod *corev1.Pod) *models.PodResource {
	servicePort, _ := strconv.Atoi(pod.Annotations[ANNOTATION_SERVICE_PORT])
	return &models.PodResource{
		Region:      pod.Labels[LABEL_REGION],
		Group:       pod.Labels[LABEL_GROUP],
		Namespace:   pod.Namespace,
		Name:        pod.Name,
		Status:      ContainerStatusOf(pod),
		PodIP:       pod.Status.PodIP,
		ServicePort: servicePort,
		CreateTime:  pod.CreationTimestamp.Time,
	}
}

/**
builds the pod object for the given context, starting from the template if there is one
*/
func (c *PodJobClient) BuildPod(rc *models.ResourceContext) (*corev1.Pod, error) {
	var pod *corev1.Pod
	if c.template != nil {
		pod = c.template.DeepCopy()
	} else {
		pod = &corev1.Pod{
			Spec: corev1.PodSpec{
				RestartPolicy: corev1.RestartPolicyNever,
				Containers:    []corev1.Container{{Name: EXECUTOR_CONTAINER_NAME}},
			},
		}
	}
	if len(pod.Spec.Containers) == 0 {
		return nil, fmt.Errorf("pod template for %s has no containers", rc.Name)
	}

	pod.ObjectMeta.Name = rc.Name
	pod.ObjectMeta.GenerateName = ""
	pod.ObjectMeta.Namespace = rc.Namespace

	labels := pod.GetLabels()
	if labels == nil {
		labels = make(map[string]string)
	}
	for k, v := range rc.PodConfig.Labels {
		labels[k] = v
	}
	labels[LABEL_REGION] = rc.Region
	labels[LABEL_GROUP] = rc.Group
	labels[LABEL_MANAGED] = "true"
	pod.SetLabels(labels)

	annotations := pod.GetAnnotations()
	if annotations == nil {
		annotations = make(map[string]string)
	}
	annotations[ANNOTATION_SERVICE_PORT] = strconv.Itoa(rc.PodConfig.ServicePort)
	pod.SetAnnotations(annotations)

	container := &pod.Spec.Containers[0]
	if rc.PodConfig.Image != "" {
		container.Image = rc.PodConfig.Image
	}
	if rc.PodConfig.ImagePullPolicy != "" {
		container.ImagePullPolicy = corev1.PullPolicy(rc.PodConfig.ImagePullPolicy)
	}
	if len(rc.PodConfig.Command) > 0 {
		container.Command = rc.PodConfig.Command
	}

	vars := make([]corev1.EnvVar, 0, len(rc.PodConfig.Environments)+len(container.Env))
	for k, v := range rc.PodConfig.Environments {
		vars = append(vars, corev1.EnvVar{Name: k, Value: v})
	}
	for _, v := range container.Env {
		if _, haveOverwrite := rc.PodConfig.Environments[v.Name]; !haveOverwrite {
			vars = append(vars, v)
		}
	}
	container.Env = vars

	if rc.PodConfig.ServicePort > 0 {
		container.Ports = []corev1.ContainerPort{{
			Name:          "supervisor",
			ContainerPort: int32(rc.PodConfig.ServicePort),
			Protocol:      corev1.ProtocolTCP,
		}}
	}

	requests := corev1.ResourceList{}
	if rc.PodConfig.CpuRequest != "" {
		quantity, parseErr := resource.ParseQuantity(rc.PodConfig.CpuRequest)
		if parseErr != nil {
			return nil, fmt.Errorf("invalid cpu request %q: %w", rc.PodConfig.CpuRequest, parseErr)
		}
		requests[corev1.ResourceCPU] = quantity
	}
	if rc.PodConfig.MemoryRequest != "" {
		quantity, parseErr := resource.ParseQuantity(rc.PodConfig.MemoryRequest)
		if parseErr != nil {
			return nil, fmt.Errorf("invalid memory request %q: %w", rc.PodConfig.MemoryRequest, parseErr)
		}
		requests[corev1.ResourceMemory] = quantity
	}
	if len(requests) > 0 {
		container.Resources.Requests = requests
	}
	return pod, nil
}

/**
creates the executor pod. A pod that already exists under the same name is returned as-is,
any other failure is a ProvisioningError.
*/
func (c *PodJobClient) Create(ctx context.Context, rc *models.ResourceContext) (*models.PodResource, error) {
	target := fmt.Sprintf("pod %s/%s", rc.Namespace, rc.Name)
	pod, buildErr := c.BuildPod(rc)
	if buildErr != nil {
		return nil, &models.ProvisioningError{Resource: target, Cause: buildErr}
	}

	created, createErr := c.pods(rc.Namespace).Create(ctx, pod, metav1.CreateOptions{})
	if createErr != nil {
		if apierrors.IsAlreadyExists(createErr) {
			log.Infof("%s already exists, re-using it", target)
			existing, getErr := c.pods(rc.Namespace).Get(ctx, rc.Name, metav1.GetOptions{})
			if getErr != nil {
				return nil, &models.ProvisioningError{Resource: target, Cause: getErr}
			}
			return podResourceFrom(existing), nil
		}
		log.Errorf("could not create %s: %s", target, createErr)
		return nil, &models.ProvisioningError{Resource: target, Cause: createErr}
	}
	return podResourceFrom(created), nil
}

/**
returns the observed pod, or nil with no error if it does not exist
*/
func (c *PodJobClient) Get(ctx context.Context, namespace string, name string) (*models.PodResource, error) {
	pod, err := c.pods(namespace).Get(ctx, name, metav1.GetOptions{})
	if err != nil {
		if apierrors.IsNotFound(err) {
			return nil, nil
		}
		return nil, &models.TransportError{Target: fmt.Sprintf("pod %s/%s", namespace, name), Cause: err}
	}
	return podResourceFrom(pod), nil
}

/**
deletes the pod and returns its name. A pod that is already gone counts as deleted.
*/
func (c *PodJobClient) Delete(ctx context.Context, namespace string, name string) (string, error) {
	policy := metav1.DeletePropagationBackground
	err := c.pods(namespace).Delete(ctx, name, metav1.DeleteOptions{PropagationPolicy: &policy})
	if err != nil {
		if apierrors.IsNotFound(err) {
			log.Debugf("pod %s/%s was already gone", namespace, name)
			return name, nil
		}
		return "", &models.TransportError{Target: fmt.Sprintf("pod %s/%s", namespace, name), Cause: err}
	}
	return name, nil
}
