// Package cluster provides read-only access to the state of the production
// cluster: workload status, pod events and container logs.
package cluster

import (
	"context"
	"strings"
	"time"

	corev1 "k8s.io/api/core/v1"

	"github.com/tinkerbelle-io/tb-remediate/internal/domain"
)

// Accessor reads resource state from a cluster. Errors wrap
// domain.ErrResourceNotFound or domain.ErrClusterUnreachable.
type Accessor interface {
	GetResourceState(ctx context.Context, ref domain.ResourceRef) (*ResourceSnapshot, error)
	GetEvents(ctx context.Context, ref domain.ResourceRef) ([]Event, error)
	GetLogs(ctx context.Context, ref domain.ResourceRef, container string) (string, error)
}

// ResourceSnapshot is a point-in-time view of one workload.
type ResourceSnapshot struct {
	Ref           domain.ResourceRef      `json:"ref"`
	Labels        map[string]string       `json:"labels,omitempty"`
	Selector      map[string]string       `json:"selector,omitempty"`
	Template      *corev1.PodTemplateSpec `json:"-"`
	Replicas      int32                   `json:"replicas"`
	ReadyReplicas int32                   `json:"ready_replicas"`
	Pods          []PodState              `json:"pods,omitempty"`
	Events        []Event                 `json:"events,omitempty"`
	Logs          map[string]string       `json:"logs,omitempty"`
	ConfigSources []ConfigSource          `json:"config_sources,omitempty"`
	CollectedAt   time.Time               `json:"collected_at"`
}

type PodState struct {
	Name       string           `json:"name"`
	Phase      string           `json:"phase"`
	Containers []ContainerState `json:"containers"`
}

type ContainerState struct {
	Name           string `json:"name"`
	Image          string `json:"image"`
	Ready          bool   `json:"ready"`
	RestartCount   int32  `json:"restart_count"`
	Waiting        string `json:"waiting,omitempty"`
	WaitingMessage string `json:"waiting_message,omitempty"`
	Terminated     string `json:"terminated,omitempty"`
	ExitCode       int32  `json:"exit_code,omitempty"`
}

// Event is a cluster event concerning the resource or one of its pods.
type Event struct {
	Type     string    `json:"type"`
	Reason   string    `json:"reason"`
	Message  string    `json:"message"`
	Object   string    `json:"object"`
	Count    int32     `json:"count"`
	LastSeen time.Time `json:"last_seen"`
}

// ConfigSource lists the keys held by a ConfigMap or Secret in the
// resource's namespace. Values are never copied into a snapshot.
type ConfigSource struct {
	Kind string   `json:"kind"`
	Name string   `json:"name"`
	Keys []string `json:"keys"`
}

// HasKey reports whether the source holds key.
func (c ConfigSource) HasKey(key string) bool {
	for _, k := range c.Keys {
		if k == key {
			return true
		}
	}
	return false
}

// Crashlooping reports whether any container is in CrashLoopBackOff.
func (s *ResourceSnapshot) Crashlooping() bool {
	return s.hasWaiting("CrashLoopBackOff")
}

// ImagePullFailing reports whether any container cannot pull its image.
func (s *ResourceSnapshot) ImagePullFailing() bool {
	return s.hasWaiting("ImagePullBackOff") || s.hasWaiting("ErrImagePull")
}

// OOMKilled reports whether any container last terminated out of memory.
func (s *ResourceSnapshot) OOMKilled() bool {
	for _, p := range s.Pods {
		for _, c := range p.Containers {
			if c.Terminated == "OOMKilled" {
				return true
			}
		}
	}
	return false
}

func (s *ResourceSnapshot) hasWaiting(reason string) bool {
	for _, p := range s.Pods {
		for _, c := range p.Containers {
			if c.Waiting == reason {
				return true
			}
		}
	}
	return false
}

// Container returns the named container of the pod template, or the first
// one when name is empty.
func (s *ResourceSnapshot) Container(name string) *corev1.Container {
	if s.Template == nil || len(s.Template.Spec.Containers) == 0 {
		return nil
	}
	if name == "" {
		return &s.Template.Spec.Containers[0]
	}
	for i := range s.Template.Spec.Containers {
		if s.Template.Spec.Containers[i].Name == name {
			return &s.Template.Spec.Containers[i]
		}
	}
	return nil
}

// EventsWithReason returns events whose reason matches, case-insensitively.
func (s *ResourceSnapshot) EventsWithReason(reason string) []Event {
	var out []Event
	for _, e := range s.Events {
		if strings.EqualFold(e.Reason, reason) {
			out = append(out, e)
		}
	}
	return out
}
