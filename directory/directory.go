// Package directory stores the storefront list in SQL and serves active
// stores through a short-lived in-memory cache.
package directory

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"

	"github.com/aluiziolira/go-price-scout/config"
	"github.com/aluiziolira/go-price-scout/models"
	"github.com/aluiziolira/go-price-scout/stores"
)

var (
	ErrStoreNotFound  = errors.New("directory: store not found")
	ErrUnknownAdapter = errors.New("directory: unknown adapter kind")
	ErrInvalidStore   = errors.New("directory: invalid store")
)

const activeKey = "active"

const schema = `
CREATE TABLE IF NOT EXISTS stores (
	id           TEXT PRIMARY KEY,
	display_name TEXT NOT NULL,
	adapter      TEXT NOT NULL,
	base_url     TEXT NOT NULL,
	active       BOOLEAN NOT NULL DEFAULT TRUE,
	updated_at   BIGINT NOT NULL
)`

// Repository is the SQL-backed store directory. Drivers "sqlite" and "pgx"
// are supported.
type Repository struct {
	db       *sql.DB
	postgres bool
	cache    *expirable.LRU[string, []models.Store]
	now      func() time.Time
}

// Open connects to the database and creates the schema.
func Open(ctx context.Context, driver, dsn string, ttl time.Duration) (*Repository, error) {
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", driver, err)
	}
	if driver == "sqlite" {
		// one connection keeps :memory: databases shared and serialises writers
		db.SetMaxOpenConns(1)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping %s: %w", driver, err)
	}
	repo, err := New(ctx, db, driver, ttl)
	if err != nil {
		db.Close()
		return nil, err
	}
	return repo, nil
}

// New wraps an open database and applies the schema.
func New(ctx context.Context, db *sql.DB, driver string, ttl time.Duration) (*Repository, error) {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	r := &Repository{
		db:       db,
		postgres: driver == "pgx" || driver == "postgres",
		cache:    expirable.NewLRU[string, []models.Store](1, nil, ttl),
		now:      time.Now,
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return r, nil
}

// Close closes the database.
func (r *Repository) Close() error {
	return r.db.Close()
}

// Ping checks the database connection.
func (r *Repository) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

// ActiveStores returns active stores ordered by id, cached for the TTL.
func (r *Repository) ActiveStores(ctx context.Context) ([]models.Store, error) {
	if cached, ok := r.cache.Get(activeKey); ok {
		return cached, nil
	}
	out, err := r.query(ctx, "SELECT id, display_name, adapter, base_url, active FROM stores WHERE active = ? ORDER BY id", true)
	if err != nil {
		return nil, err
	}
	r.cache.Add(activeKey, out)
	return out, nil
}

// List returns every store, active or not.
func (r *Repository) List(ctx context.Context) ([]models.Store, error) {
	return r.query(ctx, "SELECT id, display_name, adapter, base_url, active FROM stores ORDER BY id")
}

// Get returns one store by id.
func (r *Repository) Get(ctx context.Context, id string) (*models.Store, error) {
	out, err := r.query(ctx, "SELECT id, display_name, adapter, base_url, active FROM stores WHERE id = ?", id)
	if err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrStoreNotFound, id)
	}
	return &out[0], nil
}

// Upsert inserts or replaces a store.
func (r *Repository) Upsert(ctx context.Context, store models.Store) error {
	store, err := normalize(store)
	if err != nil {
		return err
	}
	_, err = r.db.ExecContext(ctx, r.rebind(`
INSERT INTO stores (id, display_name, adapter, base_url, active, updated_at)
VALUES (?, ?, ?, ?, ?, ?)
ON CONFLICT (id) DO UPDATE SET
	display_name = excluded.display_name,
	adapter = excluded.adapter,
	base_url = excluded.base_url,
	active = excluded.active,
	updated_at = excluded.updated_at`),
		store.ID, store.DisplayName, store.Adapter, store.BaseURL, store.Active, r.now().UnixMilli())
	if err != nil {
		return fmt.Errorf("upsert store %s: %w", store.ID, err)
	}
	r.cache.Purge()
	return nil
}

// SetActive toggles whether a store is scraped.
func (r *Repository) SetActive(ctx context.Context, id string, active bool) error {
	res, err := r.db.ExecContext(ctx, r.rebind("UPDATE stores SET active = ?, updated_at = ? WHERE id = ?"), active, r.now().UnixMilli(), id)
	if err != nil {
		return fmt.Errorf("update store %s: %w", id, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("%w: %s", ErrStoreNotFound, id)
	}
	r.cache.Purge()
	return nil
}

// Seed inserts configured stores that are not in the directory yet; existing
// rows are left as they are. It returns how many rows were added.
func (r *Repository) Seed(ctx context.Context, seeds []config.StoreConfig) (int, error) {
	added := 0
	for _, seed := range seeds {
		store, err := normalize(models.Store{
			ID:          seed.ID,
			DisplayName: seed.DisplayName,
			Adapter:     seed.Adapter,
			BaseURL:     seed.BaseURL,
			Active:      true,
		})
		if err != nil {
			return added, err
		}
		res, err := r.db.ExecContext(ctx, r.rebind(`
INSERT INTO stores (id, display_name, adapter, base_url, active, updated_at)
VALUES (?, ?, ?, ?, ?, ?)
ON CONFLICT (id) DO NOTHING`),
			store.ID, store.DisplayName, store.Adapter, store.BaseURL, store.Active, r.now().UnixMilli())
		if err != nil {
			return added, fmt.Errorf("seed store %s: %w", store.ID, err)
		}
		if n, err := res.RowsAffected(); err == nil && n > 0 {
			added++
		}
	}
	if added > 0 {
		slog.Info("seeded store directory", slog.Int("added", added))
		r.cache.Purge()
	}
	return added, nil
}

func (r *Repository) query(ctx context.Context, q string, args ...any) ([]models.Store, error) {
	rows, err := r.db.QueryContext(ctx, r.rebind(q), args...)
	if err != nil {
		return nil, fmt.Errorf("query stores: %w", err)
	}
	defer rows.Close()

	var out []models.Store
	for rows.Next() {
		var s models.Store
		if err := rows.Scan(&s.ID, &s.DisplayName, &s.Adapter, &s.BaseURL, &s.Active); err != nil {
			return nil, fmt.Errorf("scan store: %w", err)
		}
		out = append(out, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("read stores: %w", err)
	}
	return out, nil
}

// rebind turns ? placeholders into $n for postgres.
func (r *Repository) rebind(q string) string {
	if !r.postgres {
		return q
	}
	var b strings.Builder
	n := 0
	for _, c := range q {
		if c == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(c)
	}
	return b.String()
}

func normalize(s models.Store) (models.Store, error) {
	s.ID = strings.ToLower(strings.TrimSpace(s.ID))
	s.Adapter = strings.ToLower(strings.TrimSpace(s.Adapter))
	s.BaseURL = strings.TrimRight(strings.TrimSpace(s.BaseURL), "/")
	s.DisplayName = strings.TrimSpace(s.DisplayName)

	if s.ID == "" || strings.ContainsAny(s.ID, ":*?[] ") {
		return s, fmt.Errorf("%w: id %q", ErrInvalidStore, s.ID)
	}
	if s.BaseURL == "" {
		return s, fmt.Errorf("%w: %s has no base url", ErrInvalidStore, s.ID)
	}
	if !stores.SupportsKind(s.Adapter) {
		return s, fmt.Errorf("%w: %q", ErrUnknownAdapter, s.Adapter)
	}
	if s.DisplayName == "" {
		s.DisplayName = s.ID
	}
	return s, nil
}
