// Package localfs is the local-filesystem secret provider: one JSON
// file per secret path under a root directory, 0600-permissioned.
package localfs

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/l8e-harbor/harbor-gateway/internal/secretstore"
)

// Provider stores secrets as "<root>/<path>.json" files.
type Provider struct {
	root string
}

// New creates the root directory (0700) if absent and returns a Provider
// rooted there.
func New(root string) (*Provider, error) {
	if err := os.MkdirAll(root, 0o700); err != nil {
		return nil, fmt.Errorf("create secret root %s: %w", root, err)
	}
	return &Provider{root: root}, nil
}

func (p *Provider) file(path string) string {
	return filepath.Join(p.root, path+".json")
}

func (p *Provider) Get(_ context.Context, path string) (map[string]any, error) {
	b, err := os.ReadFile(p.file(path))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, secretstore.ErrNotFound
		}
		return nil, fmt.Errorf("read secret %s: %w", path, err)
	}
	var out map[string]any
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, fmt.Errorf("decode secret %s: %w", path, err)
	}
	return out, nil
}

func (p *Provider) Put(_ context.Context, path string, payload map[string]any) error {
	b, err := json.MarshalIndent(payload, "", "  ")
	if err != nil {
		return fmt.Errorf("encode secret %s: %w", path, err)
	}
	f := p.file(path)
	if err := os.MkdirAll(filepath.Dir(f), 0o700); err != nil {
		return fmt.Errorf("create secret dir for %s: %w", path, err)
	}
	if err := os.WriteFile(f, b, 0o600); err != nil {
		return fmt.Errorf("write secret %s: %w", path, err)
	}
	return nil
}

func (p *Provider) Delete(_ context.Context, path string) (bool, error) {
	err := os.Remove(p.file(path))
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("delete secret %s: %w", path, err)
	}
	return true, nil
}

func (p *Provider) List(_ context.Context, prefix string) ([]string, error) {
	entries, err := os.ReadDir(p.root)
	if err != nil {
		return nil, fmt.Errorf("list secrets: %w", err)
	}
	var out []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := strings.TrimSuffix(e.Name(), ".json")
		if name == e.Name() {
			continue // not a .json secret file
		}
		if strings.HasPrefix(name, prefix) {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out, nil
}
