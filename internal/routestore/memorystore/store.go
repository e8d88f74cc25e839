// Package memorystore is the in-memory route store with JSON snapshot
// persistence.
package memorystore

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/l8e-harbor/harbor-gateway/internal/model"
	"github.com/l8e-harbor/harbor-gateway/internal/routestore"
)

const watchBuffer = 32

type snapshotDoc struct {
	Timestamp string        `json:"timestamp"`
	Routes    []model.Route `json:"routes"`
}

// Store is a map-backed routestore.Store that persists a full snapshot to
// snapshotPath after every mutation.
type Store struct {
	log          *slog.Logger
	snapshotPath string

	mu     sync.RWMutex
	routes map[string]model.Route

	subMu       sync.Mutex
	subscribers map[chan routestore.ChangeEvent]struct{}
}

// New constructs a Store, loading snapshotPath if it exists. A malformed
// snapshot is logged and treated as empty — never fatal.
func New(log *slog.Logger, snapshotPath string) *Store {
	if log == nil {
		log = slog.Default()
	}
	s := &Store{
		log:          log,
		snapshotPath: snapshotPath,
		routes:       make(map[string]model.Route),
		subscribers:  make(map[chan routestore.ChangeEvent]struct{}),
	}
	s.load()
	return s
}

func (s *Store) load() {
	if s.snapshotPath == "" {
		return
	}
	b, err := os.ReadFile(s.snapshotPath)
	if err != nil {
		if !os.IsNotExist(err) {
			s.log.Warn("failed to read route snapshot", slog.String("error", err.Error()))
		}
		return
	}
	var doc snapshotDoc
	if err := json.Unmarshal(b, &doc); err != nil {
		s.log.Warn("malformed route snapshot, starting empty", slog.String("error", err.Error()))
		return
	}
	for _, r := range doc.Routes {
		s.routes[r.ID] = r
	}
}

// save writes the snapshot via write-tempfile-then-rename so readers never
// observe a partial file. Failures are logged, not surfaced: the in-memory
// state stays authoritative until the next successful write.
func (s *Store) save() {
	if s.snapshotPath == "" {
		return
	}
	s.mu.RLock()
	doc := snapshotDoc{
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Routes:    make([]model.Route, 0, len(s.routes)),
	}
	for _, r := range s.routes {
		doc.Routes = append(doc.Routes, r)
	}
	s.mu.RUnlock()

	b, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		s.log.Warn("failed to marshal route snapshot", slog.String("error", err.Error()))
		return
	}

	dir := filepath.Dir(s.snapshotPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		s.log.Warn("failed to create snapshot dir", slog.String("error", err.Error()))
		return
	}
	tmp, err := os.CreateTemp(dir, ".routes-snapshot-*.tmp")
	if err != nil {
		s.log.Warn("failed to create snapshot tempfile", slog.String("error", err.Error()))
		return
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(b); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		s.log.Warn("failed to write route snapshot", slog.String("error", err.Error()))
		return
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		s.log.Warn("failed to close route snapshot", slog.String("error", err.Error()))
		return
	}
	if err := os.Rename(tmpName, s.snapshotPath); err != nil {
		os.Remove(tmpName)
		s.log.Warn("failed to rename route snapshot into place", slog.String("error", err.Error()))
	}
}

func (s *Store) List(_ context.Context) ([]model.Route, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]model.Route, 0, len(s.routes))
	for _, r := range s.routes {
		out = append(out, r)
	}
	return out, nil
}

func (s *Store) Get(_ context.Context, id string) (model.Route, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.routes[id]
	return r, ok, nil
}

func (s *Store) Put(_ context.Context, route model.Route) error {
	now := time.Now().UTC()

	s.mu.Lock()
	existing, isUpdate := s.routes[route.ID]
	if isUpdate {
		route.CreatedAt = existing.CreatedAt
	} else {
		route.CreatedAt = now
	}
	route.UpdatedAt = now
	s.routes[route.ID] = route
	s.mu.Unlock()

	s.save()

	kind := routestore.Created
	if isUpdate {
		kind = routestore.Updated
	}
	s.publish(routestore.ChangeEvent{Kind: kind, ID: route.ID, Route: route})
	return nil
}

func (s *Store) Delete(_ context.Context, id string) (bool, error) {
	s.mu.Lock()
	route, ok := s.routes[id]
	if ok {
		delete(s.routes, id)
	}
	s.mu.Unlock()

	if !ok {
		return false, nil
	}
	s.save()
	s.publish(routestore.ChangeEvent{Kind: routestore.Deleted, ID: id, Route: route})
	return true, nil
}

func (s *Store) Watch(ctx context.Context) <-chan routestore.ChangeEvent {
	ch := make(chan routestore.ChangeEvent, watchBuffer)
	s.subMu.Lock()
	s.subscribers[ch] = struct{}{}
	s.subMu.Unlock()

	go func() {
		<-ctx.Done()
		s.subMu.Lock()
		delete(s.subscribers, ch)
		s.subMu.Unlock()
		close(ch)
	}()
	return ch
}

func (s *Store) publish(ev routestore.ChangeEvent) {
	s.subMu.Lock()
	subs := make([]chan routestore.ChangeEvent, 0, len(s.subscribers))
	for ch := range s.subscribers {
		subs = append(subs, ch)
	}
	s.subMu.Unlock()

	for _, ch := range subs {
		select {
		case ch <- ev:
		default:
			// Subscriber fell behind; drop it rather than block the writer.
			s.subMu.Lock()
			delete(s.subscribers, ch)
			s.subMu.Unlock()
		}
	}
}
