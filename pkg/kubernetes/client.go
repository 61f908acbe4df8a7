// Package kubernetes runs driver test scenarios against a replica set hosted
// in a Kubernetes cluster instead of Atlas. Pod disruption stands in for the
// cloud maintenance operations; the workload supervision and result
// reconciliation are shared with the Atlas path.
package kubernetes

import (
	"github.com/pkg/errors"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"
)

// GenerateClientSet builds a Kubernetes clientset from the given kubeconfig
// path, falling back to the in-cluster config when the path is empty
func GenerateClientSet(kubeconfig string) (*kubernetes.Clientset, error) {
	config, err := getKubeConfig(kubeconfig)
	if err != nil {
		return nil, errors.Wrapf(err, "unable to load kubernetes configuration")
	}
	clientSet, err := kubernetes.NewForConfig(config)
	if err != nil {
		return nil, errors.Wrapf(err, "unable to generate kubernetes clientSet")
	}
	return clientSet, nil
}

func getKubeConfig(kubeconfig string) (*rest.Config, error) {
	if kubeconfig == "" {
		return rest.InClusterConfig()
	}
	return clientcmd.BuildConfigFromFlags("", kubeconfig)
}
