package detect

import (
	"context"

	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"

	"github.com/tinkerbelle-io/tb-remediate/internal/domain"
)

// Analyzer detects problems in one namespace.
type Analyzer interface {
	Name() string
	Analyze(ctx context.Context, clientset kubernetes.Interface, namespace string) ([]Signal, error)
}

// DefaultAnalyzers returns the analyzers whose findings open incidents.
func DefaultAnalyzers() []Analyzer {
	return []Analyzer{
		NewCrashloopingAnalyzer(),
		NewImagePullAnalyzer(),
		NewOOMKilledAnalyzer(),
		NewUnreadyWorkloadsAnalyzer(),
	}
}

// ownerOf resolves the workload owning pod, following ReplicaSets up to
// their Deployment. Unowned pods resolve to themselves.
func ownerOf(ctx context.Context, clientset kubernetes.Interface, pod *corev1.Pod) domain.ResourceRef {
	ref := domain.ResourceRef{Kind: "Pod", Namespace: pod.Namespace, Name: pod.Name}
	for _, owner := range pod.OwnerReferences {
		switch owner.Kind {
		case "ReplicaSet":
			rs, err := clientset.AppsV1().ReplicaSets(pod.Namespace).Get(ctx, owner.Name, metav1.GetOptions{})
			if err != nil {
				continue
			}
			for _, rsOwner := range rs.OwnerReferences {
				if rsOwner.Kind == "Deployment" {
					ref.Kind, ref.Name = "Deployment", rsOwner.Name
				}
			}
		case "StatefulSet", "DaemonSet":
			ref.Kind, ref.Name = owner.Kind, owner.Name
		}
	}
	return ref
}

// template is a pod template together with the workload that owns it.
type template struct {
	ref  domain.ResourceRef
	spec *corev1.PodSpec
}

func listTemplates(ctx context.Context, clientset kubernetes.Interface, namespace string) ([]template, error) {
	var out []template
	deploys, err := clientset.AppsV1().Deployments(namespace).List(ctx, metav1.ListOptions{})
	if err != nil {
		return nil, err
	}
	for i := range deploys.Items {
		d := &deploys.Items[i]
		out = append(out, template{
			ref:  domain.ResourceRef{Kind: "Deployment", Namespace: namespace, Name: d.Name},
			spec: &d.Spec.Template.Spec,
		})
	}
	stss, err := clientset.AppsV1().StatefulSets(namespace).List(ctx, metav1.ListOptions{})
	if err != nil {
		return nil, err
	}
	for i := range stss.Items {
		s := &stss.Items[i]
		out = append(out, template{
			ref:  domain.ResourceRef{Kind: "StatefulSet", Namespace: namespace, Name: s.Name},
			spec: &s.Spec.Template.Spec,
		})
	}
	dss, err := clientset.AppsV1().DaemonSets(namespace).List(ctx, metav1.ListOptions{})
	if err != nil {
		return nil, err
	}
	for i := range dss.Items {
		d := &dss.Items[i]
		out = append(out, template{
			ref:  domain.ResourceRef{Kind: "DaemonSet", Namespace: namespace, Name: d.Name},
			spec: &d.Spec.Template.Spec,
		})
	}
	return out, nil
}
