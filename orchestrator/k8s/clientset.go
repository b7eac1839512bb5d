package k8s

// see https://github.com/kubernetes/client-go/blob/master/examples/in-cluster-client-configuration/main.go

import (
	"errors"
	"io/ioutil"
	"os"
	"reflect"
	"strings"

	log "github.com/sirupsen/logrus"
	corev1 "k8s.io/api/core/v1"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/kubernetes/scheme"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"
)

const serviceAccountNamespaceFile = "/var/run/secrets/kubernetes.io/serviceaccount/namespace"

/**
initialise connection to Kubernetes from a pod within the cluster
*/
func InClusterClient() (*kubernetes.Clientset, error) {
	config, err := rest.InClusterConfig()
	if err != nil {
		log.Print("Could not establish cluster connection: ", err)
		return nil, err
	}

	clientset, err := kubernetes.NewForConfig(config)
	if err != nil {
		log.Print("Could not establish cluster connection: ", err)
		return nil, err
	}

	return clientset, nil
}

/**
initialise a connection to Kubernetes from outside the cluster. This requires a kubeconfig file (e.g. for kubectl)
to describe how to connect and authorise to the cluster
*/
func OutOfClusterClient(kubeConfigPath string) (*kubernetes.Clientset, error) {
	config, err := clientcmd.BuildConfigFromFlags("", kubeConfigPath)
	if err != nil {
		log.Print("Could not build out-of-cluster config: ", err)
		return nil, err
	}

	clientset, err := kubernetes.NewForConfig(config)
	if err != nil {
		log.Print("Could not establish cluster connection: ", err)
		return nil, err
	}

	return clientset, nil
}

/**
in-cluster when no kubeconfig path is given, out-of-cluster otherwise
*/
func GetK8Client(kubeConfigPath string) (*kubernetes.Clientset, error) {
	var k8Client *kubernetes.Clientset
	var cliErr error

	if kubeConfigPath == "" {
		k8Client, cliErr = InClusterClient()
	} else {
		k8Client, cliErr = OutOfClusterClient(kubeConfigPath)
	}

	if cliErr != nil {
		log.Printf("ERROR: Can't establish communication with Kubernetes. Container mode won't work.")
		return nil, cliErr
	}
	log.Print("Got k8client.")
	return k8Client, nil
}

/**
determine the namespace that we are running in, falling back to `configured` when outside a cluster
*/
func GetMyNamespace(configured string) (string, error) {
	content, readErr := ioutil.ReadFile(serviceAccountNamespaceFile)
	if readErr != nil {
		if os.IsNotExist(readErr) && configured != "" {
			return configured, nil
		}
		log.Print("ERROR asserting kubernetes namespace: ", readErr)
		return "", readErr
	}
	return strings.TrimSpace(string(content)), nil
}

/**
Loads up the executor pod template from a manifest file
*/
func LoadPodTemplate(fileName string) (*corev1.Pod, error) {
	bytes, readErr := ioutil.ReadFile(fileName)
	if readErr != nil {
		return nil, readErr
	}
	return DecodePodTemplate(bytes, fileName)
}

func DecodePodTemplate(content []byte, sourceName string) (*corev1.Pod, error) {
	//THIS is the right way to read k8s manifests.... https://github.com/kubernetes/client-go/issues/193
	decode := scheme.Codecs.UniversalDeserializer()

	obj, _, err := decode.Decode(content, nil, nil)
	if err != nil {
		return nil, err
	}

	switch pod := obj.(type) {
	case *corev1.Pod:
		return pod, nil
	default:
		log.Printf("Expected to get a pod from template %s but got %s instead", sourceName, reflect.TypeOf(obj).String())
		return nil, errors.New("Wrong manifest type")
	}
}
