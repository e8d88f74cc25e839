// Package sqlitestore is the embedded-relational route store: a single
// routes table in a SQLite file behind database/sql.
package sqlitestore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/l8e-harbor/harbor-gateway/internal/model"
	"github.com/l8e-harbor/harbor-gateway/internal/routestore"
)

const watchBuffer = 32

const schema = `
CREATE TABLE IF NOT EXISTS routes (
	id TEXT PRIMARY KEY,
	spec TEXT NOT NULL,
	created_at TIMESTAMP NOT NULL,
	updated_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_routes_priority ON routes(json_extract(spec, '$.priority'));
`

// Store is a database/sql-backed routestore.Store. Put runs in one
// transaction; a put that inserts and a put that updates are
// distinguished by a pre-read inside that transaction. Delete is not
// wrapped in a transaction: it reads the route, then runs a separate
// DELETE statement.
type Store struct {
	log *slog.Logger
	db  *sql.DB

	subMu       sync.Mutex
	subscribers map[chan routestore.ChangeEvent]struct{}
}

// Open opens (creating if absent) the SQLite file at path and ensures the
// schema exists. Initialisation is idempotent.
func Open(ctx context.Context, log *slog.Logger, path string) (*Store, error) {
	if log == nil {
		log = slog.Default()
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite route store: %w", err)
	}
	db.SetMaxOpenConns(1) // SQLite: serialize all access through one connection.

	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("init route store schema: %w", err)
	}

	return &Store{
		log:         log,
		db:          db,
		subscribers: make(map[chan routestore.ChangeEvent]struct{}),
	}, nil
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) List(ctx context.Context) ([]model.Route, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT spec FROM routes ORDER BY id")
	if err != nil {
		return nil, fmt.Errorf("list routes: %w", err)
	}
	defer rows.Close()

	var out []model.Route
	for rows.Next() {
		var spec string
		if err := rows.Scan(&spec); err != nil {
			return nil, fmt.Errorf("scan route row: %w", err)
		}
		var r model.Route
		if err := json.Unmarshal([]byte(spec), &r); err != nil {
			return nil, fmt.Errorf("decode route %s: %w", spec, err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *Store) Get(ctx context.Context, id string) (model.Route, bool, error) {
	var spec string
	err := s.db.QueryRowContext(ctx, "SELECT spec FROM routes WHERE id = ?", id).Scan(&spec)
	if err == sql.ErrNoRows {
		return model.Route{}, false, nil
	}
	if err != nil {
		return model.Route{}, false, fmt.Errorf("get route %s: %w", id, err)
	}
	var r model.Route
	if err := json.Unmarshal([]byte(spec), &r); err != nil {
		return model.Route{}, false, fmt.Errorf("decode route %s: %w", id, err)
	}
	return r, true, nil
}

func (s *Store) Put(ctx context.Context, route model.Route) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin put tx: %w", err)
	}
	defer tx.Rollback()

	var existingCreatedAt time.Time
	err = tx.QueryRowContext(ctx, "SELECT created_at FROM routes WHERE id = ?", route.ID).Scan(&existingCreatedAt)
	isUpdate := err == nil
	if err != nil && err != sql.ErrNoRows {
		return fmt.Errorf("pre-read route %s: %w", route.ID, err)
	}

	now := time.Now().UTC()
	if isUpdate {
		route.CreatedAt = existingCreatedAt
	} else {
		route.CreatedAt = now
	}
	route.UpdatedAt = now

	spec, err := json.Marshal(route)
	if err != nil {
		return fmt.Errorf("encode route %s: %w", route.ID, err)
	}

	if isUpdate {
		_, err = tx.ExecContext(ctx, "UPDATE routes SET spec = ?, updated_at = ? WHERE id = ?", spec, route.UpdatedAt, route.ID)
	} else {
		_, err = tx.ExecContext(ctx, "INSERT INTO routes (id, spec, created_at, updated_at) VALUES (?, ?, ?, ?)",
			route.ID, spec, route.CreatedAt, route.UpdatedAt)
	}
	if err != nil {
		return fmt.Errorf("put route %s: %w", route.ID, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit put route %s: %w", route.ID, err)
	}

	kind := routestore.Created
	if isUpdate {
		kind = routestore.Updated
	}
	s.publish(routestore.ChangeEvent{Kind: kind, ID: route.ID, Route: route})
	return nil
}

func (s *Store) Delete(ctx context.Context, id string) (bool, error) {
	route, ok, err := s.Get(ctx, id)
	if err != nil {
		return false, err
	}
	if !ok {
		return false, nil
	}

	res, err := s.db.ExecContext(ctx, "DELETE FROM routes WHERE id = ?", id)
	if err != nil {
		return false, fmt.Errorf("delete route %s: %w", id, err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return false, nil
	}

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
			s.subMu.Lock()
			delete(s.subscribers, ch)
			s.subMu.Unlock()
		}
	}
}
