// Package k8s implements the Gateway over Kubernetes Jobs.
package k8s

import (
	"fmt"
	"os"
	"path/filepath"

	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"
)

// Config holds K8s gateway configuration.
type Config struct {
	// InCluster indicates whether to use in-cluster config
	InCluster bool

	// Kubeconfig path (used when not in-cluster)
	Kubeconfig string

	// Namespace that jobs are created in
	Namespace string

	// DefaultImage runs tasks that do not name a container image
	DefaultImage string

	// PartitionLabel is the node label treated as the partition name
	PartitionLabel string

	// GPUResource is the extended resource name counted as GPUs
	GPUResource string

	// ServiceAccountName for job pods
	ServiceAccountName string

	// ImagePullSecrets for private registries
	ImagePullSecrets []string

	// TTLSecondsAfterFinished for cleanup. Finished jobs must outlive the
	// poll interval or their final state is lost.
	TTLSecondsAfterFinished *int32
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	kubeconfig := os.Getenv("KUBECONFIG")
	if kubeconfig == "" {
		home, _ := os.UserHomeDir()
		if home != "" {
			kubeconfig = filepath.Join(home, ".kube", "config")
		}
	}
	ttl := int32(86400)

	return &Config{
		Kubeconfig:              kubeconfig,
		Namespace:               "clusterflow",
		DefaultImage:            "ubuntu:22.04",
		PartitionLabel:          "clusterflow.io/partition",
		GPUResource:             "nvidia.com/gpu",
		ServiceAccountName:      "default",
		TTLSecondsAfterFinished: &ttl,
	}
}

// NewClientset builds a clientset from in-cluster config or a kubeconfig.
func NewClientset(cfg *Config) (kubernetes.Interface, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}

	var restConfig *rest.Config
	var err error

	if cfg.InCluster {
		restConfig, err = rest.InClusterConfig()
		if err != nil {
			return nil, fmt.Errorf("in-cluster config: %w", err)
		}
	} else {
		restConfig, err = clientcmd.BuildConfigFromFlags("", cfg.Kubeconfig)
		if err != nil {
			return nil, fmt.Errorf("kubeconfig: %w", err)
		}
	}

	clientset, err := kubernetes.NewForConfig(restConfig)
	if err != nil {
		return nil, fmt.Errorf("create clientset: %w", err)
	}
	return clientset, nil
}
