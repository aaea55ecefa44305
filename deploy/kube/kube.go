// Package kube publishes artifacts to a Kubernetes Deployment. Each artifact
// is stored in an immutable ConfigMap mounted by the responder pods; a
// publish swaps the mounted ConfigMap with one patch, and the rolling update
// replaces pods without downtime.
package kube

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/semihalev/dohsink/deploy"
	"github.com/semihalev/zlog/v2"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/types"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/tools/clientcmd"
)

const (
	// PackageKey is the ConfigMap key holding the package.
	PackageKey = "package.zip"
	// VolumeName is the pod volume the ConfigMap is mounted as.
	VolumeName = "denylist"

	IdentityAnnotation  = "dohsink.io/artifact-identity"
	ConfigMapAnnotation = "dohsink.io/configmap"
	DeploymentLabel     = "dohsink.io/deployment"

	managedByLabel = "app.kubernetes.io/managed-by"
)

// Target is a Deployment in a namespace.
type Target struct {
	client     kubernetes.Interface
	namespace  string
	deployment string
}

// New returns a target for namespace/deployment.
func New(client kubernetes.Interface, namespace, deployment string) *Target {
	return &Target{client: client, namespace: namespace, deployment: deployment}
}

// NewFromConfig connects with the kubeconfig, or $KUBECONFIG and
// ~/.kube/config when it is empty, falling back to in-cluster credentials.
// An empty namespace takes the one of the current context.
func NewFromConfig(kubeconfig, namespace, deployment string) (*Target, error) {
	clientConfig := loadClientConfig(kubeconfig)

	cfg, err := clientConfig.ClientConfig()
	if err != nil {
		return nil, fmt.Errorf("kubernetes client config: %w", err)
	}

	if namespace == "" {
		if namespace, _, err = clientConfig.Namespace(); err != nil {
			return nil, fmt.Errorf("kubernetes namespace: %w", err)
		}
	}

	client, err := kubernetes.NewForConfig(cfg)
	if err != nil {
		return nil, err
	}

	return New(client, namespace, deployment), nil
}

func loadClientConfig(kubeconfig string) clientcmd.ClientConfig {
	rules := clientcmd.NewDefaultClientConfigLoadingRules()
	rules.ExplicitPath = kubeconfig

	return clientcmd.NewNonInteractiveDeferredLoadingClientConfig(rules, &clientcmd.ConfigOverrides{})
}

func (t *Target) String() string {
	return "kubernetes:" + t.namespace + "/" + t.deployment
}

// ConfigMapName returns the ConfigMap an artifact is stored in.
func (t *Target) ConfigMapName(identity string) string {
	sum, err := base64.StdEncoding.DecodeString(identity)
	if err != nil || len(sum) < 10 {
		h := sha256.Sum256([]byte(identity))
		sum = h[:]
	}
	return fmt.Sprintf("%s-denylist-%s", t.deployment, hex.EncodeToString(sum[:10]))
}

// Current reads the identity annotation of the pod template and the package
// of the mounted ConfigMap. The ConfigMap name is the revision.
func (t *Target) Current(ctx context.Context) (*deploy.Deployment, error) {
	dep, err := t.client.AppsV1().Deployments(t.namespace).Get(ctx, t.deployment, metav1.GetOptions{})
	if err != nil {
		return nil, fmt.Errorf("get deployment %s: %w", t, err)
	}

	annotations := dep.Spec.Template.Annotations
	identity, name := annotations[IdentityAnnotation], annotations[ConfigMapAnnotation]
	if identity == "" || name == "" {
		return &deploy.Deployment{}, nil
	}

	cm, err := t.client.CoreV1().ConfigMaps(t.namespace).Get(ctx, name, metav1.GetOptions{})
	if apierrors.IsNotFound(err) {
		zlog.Warn("Mounted deny-list configmap is missing", "target", t.String(), "configmap", name)
		return &deploy.Deployment{Identity: identity, Revision: name}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get configmap %s: %w", name, err)
	}

	return &deploy.Deployment{Identity: identity, Package: cm.BinaryData[PackageKey], Revision: name}, nil
}

// Publish stores the artifact off to the side, then patches the pod
// template once. Until the patch lands the responder keeps its old
// ConfigMap.
func (t *Target) Publish(ctx context.Context, a *deploy.Artifact) error {
	deployments := t.client.AppsV1().Deployments(t.namespace)

	dep, err := deployments.Get(ctx, t.deployment, metav1.GetOptions{})
	if err != nil {
		return fmt.Errorf("get deployment %s: %w", t, err)
	}
	previous := dep.Spec.Template.Annotations[ConfigMapAnnotation]
	if a.Base != "" && a.Base != previous {
		return fmt.Errorf("%w: %s mounts %s, artifact built on %s", deploy.ErrConflict, t, previous, a.Base)
	}

	name := t.ConfigMapName(a.Identity)
	if err := t.store(ctx, name, a); err != nil {
		return err
	}

	patch, err := templatePatch(a.Identity, name)
	if err != nil {
		return err
	}

	if _, err := deployments.Patch(ctx, t.deployment, types.StrategicMergePatchType, patch, metav1.PatchOptions{FieldManager: "dohsink"}); err != nil {
		return fmt.Errorf("patch deployment %s: %w", t, err)
	}

	zlog.Info("Deployment patched", "target", t.String(), "configmap", name, "previous", previous)

	t.collect(ctx, name, previous)

	return nil
}

func (t *Target) store(ctx context.Context, name string, a *deploy.Artifact) error {
	immutable := true

	cm := &corev1.ConfigMap{
		ObjectMeta: metav1.ObjectMeta{
			Name:      name,
			Namespace: t.namespace,
			Labels: map[string]string{
				DeploymentLabel: t.deployment,
				managedByLabel:  "dohsink",
			},
			Annotations: map[string]string{IdentityAnnotation: a.Identity},
		},
		BinaryData: map[string][]byte{PackageKey: a.Package},
		Immutable:  &immutable,
	}

	_, err := t.client.CoreV1().ConfigMaps(t.namespace).Create(ctx, cm, metav1.CreateOptions{FieldManager: "dohsink"})
	if apierrors.IsAlreadyExists(err) {
		// same identity, same content
		return nil
	}
	if err != nil {
		return fmt.Errorf("create configmap %s: %w", name, err)
	}

	return nil
}

// collect deletes managed ConfigMaps other than the current and the
// previous one. Failures are logged only.
func (t *Target) collect(ctx context.Context, current, previous string) {
	configmaps := t.client.CoreV1().ConfigMaps(t.namespace)

	list, err := configmaps.List(ctx, metav1.ListOptions{LabelSelector: DeploymentLabel + "=" + t.deployment})
	if err != nil {
		zlog.Warn("List deny-list configmaps failed", "target", t.String(), "error", err.Error())
		return
	}

	var stale []string
	for _, cm := range list.Items {
		if cm.Name != current && cm.Name != previous {
			stale = append(stale, cm.Name)
		}
	}
	sort.Strings(stale)

	for _, name := range stale {
		if err := configmaps.Delete(ctx, name, metav1.DeleteOptions{}); err != nil && !apierrors.IsNotFound(err) {
			zlog.Warn("Delete stale configmap failed", "configmap", name, "error", err.Error())
			continue
		}
		zlog.Debug("Stale configmap deleted", "configmap", name)
	}
}

func templatePatch(identity, configmap string) ([]byte, error) {
	patch := map[string]any{
		"spec": map[string]any{
			"template": map[string]any{
				"metadata": map[string]any{
					"annotations": map[string]string{
						IdentityAnnotation:  identity,
						ConfigMapAnnotation: configmap,
					},
				},
				"spec": map[string]any{
					"volumes": []map[string]any{{
						"name":      VolumeName,
						"configMap": map[string]any{"name": configmap},
					}},
				},
			},
		},
	}

	return json.Marshal(patch)
}
