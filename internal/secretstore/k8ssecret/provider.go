// Package k8ssecret is the Kubernetes-native secret provider: each
// secretstore path maps to one Secret object, labelled so the set can
// be listed back out.
package k8ssecret

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"

	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"

	"github.com/l8e-harbor/harbor-gateway/internal/secretstore"
)

const (
	secretPrefix  = "l8e-harbor-"
	labelApp      = "app"
	labelAppValue = "l8e-harbor"
	labelComp     = "component"
	labelCompVal  = "secret"
	dataKey       = "data"
)

// Provider stores secrets as Kubernetes Secret objects in a single
// namespace, each labelled app=l8e-harbor,component=secret.
type Provider struct {
	client    kubernetes.Interface
	namespace string
}

// New builds a Provider, preferring in-cluster config and falling back
// to kubeconfigPath (used from outside a cluster, e.g. local testing).
func New(kubeconfigPath, namespace string) (*Provider, error) {
	cfg, err := rest.InClusterConfig()
	if err != nil {
		cfg, err = clientcmd.BuildConfigFromFlags("", kubeconfigPath)
		if err != nil {
			return nil, fmt.Errorf("build kubernetes config: %w", err)
		}
	}

	client, err := kubernetes.NewForConfig(cfg)
	if err != nil {
		return nil, fmt.Errorf("build kubernetes client: %w", err)
	}

	if namespace == "" {
		namespace = currentNamespace()
	}

	return &Provider{client: client, namespace: namespace}, nil
}

func currentNamespace() string {
	const nsFile = "/var/run/secrets/kubernetes.io/serviceaccount/namespace"
	if b, err := os.ReadFile(nsFile); err == nil {
		if ns := strings.TrimSpace(string(b)); ns != "" {
			return ns
		}
	}
	return "default"
}

func secretName(path string) string {
	name := strings.ToLower(path)
	name = strings.ReplaceAll(name, "_", "-")
	name = strings.ReplaceAll(name, "/", "-")
	return secretPrefix + name
}

func (p *Provider) Get(ctx context.Context, path string) (map[string]any, error) {
	sec, err := p.client.CoreV1().Secrets(p.namespace).Get(ctx, secretName(path), metav1.GetOptions{})
	if err != nil {
		if apierrors.IsNotFound(err) {
			return nil, secretstore.ErrNotFound
		}
		return nil, fmt.Errorf("get secret %s: %w", path, err)
	}

	if raw, ok := sec.Data[dataKey]; ok && len(sec.Data) == 1 {
		var out map[string]any
		if err := json.Unmarshal(raw, &out); err != nil {
			return nil, fmt.Errorf("decode secret %s: %w", path, err)
		}
		return out, nil
	}

	out := make(map[string]any, len(sec.Data))
	for k, v := range sec.Data {
		out[k] = string(v)
	}
	return out, nil
}

func (p *Provider) Put(ctx context.Context, path string, payload map[string]any) error {
	name := secretName(path)
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode secret %s: %w", path, err)
	}

	body := &corev1.Secret{
		ObjectMeta: metav1.ObjectMeta{
			Name:   name,
			Labels: map[string]string{labelApp: labelAppValue, labelComp: labelCompVal},
		},
		Data: map[string][]byte{dataKey: raw},
	}

	_, err = p.client.CoreV1().Secrets(p.namespace).Update(ctx, body, metav1.UpdateOptions{})
	if err == nil {
		return nil
	}
	if !apierrors.IsNotFound(err) {
		return fmt.Errorf("update secret %s: %w", path, err)
	}
	if _, err := p.client.CoreV1().Secrets(p.namespace).Create(ctx, body, metav1.CreateOptions{}); err != nil {
		return fmt.Errorf("create secret %s: %w", path, err)
	}
	return nil
}

func (p *Provider) Delete(ctx context.Context, path string) (bool, error) {
	err := p.client.CoreV1().Secrets(p.namespace).Delete(ctx, secretName(path), metav1.DeleteOptions{})
	if err != nil {
		if apierrors.IsNotFound(err) {
			return false, nil
		}
		return false, fmt.Errorf("delete secret %s: %w", path, err)
	}
	return true, nil
}

func (p *Provider) List(ctx context.Context, prefix string) ([]string, error) {
	list, err := p.client.CoreV1().Secrets(p.namespace).List(ctx, metav1.ListOptions{
		LabelSelector: fmt.Sprintf("%s=%s,%s=%s", labelApp, labelAppValue, labelComp, labelCompVal),
	})
	if err != nil {
		return nil, fmt.Errorf("list secrets: %w", err)
	}

	var out []string
	for _, sec := range list.Items {
		if !strings.HasPrefix(sec.Name, secretPrefix) {
			continue
		}
		path := strings.ReplaceAll(sec.Name[len(secretPrefix):], "-", "_")
		if strings.HasPrefix(path, prefix) {
			out = append(out, path)
		}
	}
	sort.Strings(out)
	return out, nil
}
