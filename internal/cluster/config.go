package cluster

import (
	"fmt"
	"os"
	"path/filepath"

	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"
)

// RESTConfig returns in-cluster config when neither kubeconfig nor context is
// given and the process runs in a pod; otherwise it loads the kubeconfig
// ($KUBECONFIG, then ~/.kube/config) with an optional context override.
func RESTConfig(kubeconfig, kubeContext string) (*rest.Config, error) {
	if kubeconfig == "" && kubeContext == "" {
		if config, err := rest.InClusterConfig(); err == nil {
			return config, nil
		}
	}

	if kubeconfig == "" {
		kubeconfig = os.Getenv("KUBECONFIG")
	}
	if kubeconfig == "" {
		home, _ := os.UserHomeDir()
		kubeconfig = filepath.Join(home, ".kube", "config")
	}

	rules := &clientcmd.ClientConfigLoadingRules{ExplicitPath: kubeconfig}
	overrides := &clientcmd.ConfigOverrides{CurrentContext: kubeContext}
	return clientcmd.NewNonInteractiveDeferredLoadingClientConfig(rules, overrides).ClientConfig()
}

// NewClientset builds a clientset from RESTConfig.
func NewClientset(kubeconfig, kubeContext string) (kubernetes.Interface, error) {
	config, err := RESTConfig(kubeconfig, kubeContext)
	if err != nil {
		return nil, fmt.Errorf("k8s config: %w", err)
	}
	clientset, err := kubernetes.NewForConfig(config)
	if err != nil {
		return nil, fmt.Errorf("k8s clientset: %w", err)
	}
	return clientset, nil
}
