// Package tenant routes work to the database of the company being served.
// A tenant is selected once per request or job and carried in the context.
package tenant

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"

	"github.com/diewo77/go-settle/httpx"
	"golang.org/x/sync/singleflight"
	"gorm.io/gorm"
)

// Header carries the tenant key on API requests.
const Header = "X-Tenant"

var (
	ErrNotSelected   = errors.New("tenant_not_selected")
	ErrUnknownTenant = errors.New("unknown_tenant")
)

// Opener opens the database of one tenant.
type Opener func(key string) (*gorm.DB, error)

// Selector binds a tenant's database to a context. Background jobs use it to
// re-enter the tenant an event came from.
type Selector interface {
	Select(ctx context.Context, key string) (context.Context, error)
}

type ctxKey struct{}

type selection struct {
	key string
	db  *gorm.DB
}

// Manager caches one connection pool per tenant. Pools are opened lazily and
// concurrent first requests for the same tenant share a single open.
type Manager struct {
	open       Opener
	known      map[string]bool
	defaultKey string
	log        *slog.Logger

	mu    sync.RWMutex
	conns map[string]*gorm.DB
	group singleflight.Group
}

// NewManager creates a manager for the given tenant keys. An empty keys list
// accepts any key the opener can serve.
func NewManager(open Opener, defaultKey string, keys []string, log *slog.Logger) *Manager {
	known := make(map[string]bool, len(keys))
	for _, k := range keys {
		known[k] = true
	}
	return &Manager{
		open:       open,
		known:      known,
		defaultKey: defaultKey,
		log:        log,
		conns:      make(map[string]*gorm.DB),
	}
}

// Register installs an already opened connection for key.
func (m *Manager) Register(key string, db *gorm.DB) {
	m.mu.Lock()
	m.conns[key] = db
	m.known[key] = true
	m.mu.Unlock()
}

// Keys returns the configured tenant keys.
func (m *Manager) Keys() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	keys := make([]string, 0, len(m.known))
	for k := range m.known {
		keys = append(keys, k)
	}
	return keys
}

// Connection returns the pool for key, opening it on first use.
func (m *Manager) Connection(key string) (*gorm.DB, error) {
	if key == "" {
		key = m.defaultKey
	}
	m.mu.RLock()
	db, ok := m.conns[key]
	allowed := len(m.known) == 0 || m.known[key]
	m.mu.RUnlock()
	if ok {
		return db, nil
	}
	if !allowed {
		return nil, fmt.Errorf("%w: %q", ErrUnknownTenant, key)
	}

	v, err, _ := m.group.Do(key, func() (any, error) {
		m.mu.RLock()
		db, ok := m.conns[key]
		m.mu.RUnlock()
		if ok {
			return db, nil
		}
		db, err := m.open(key)
		if err != nil {
			return nil, err
		}
		m.mu.Lock()
		m.conns[key] = db
		m.mu.Unlock()
		m.log.Info("tenant connection opened", "tenant", key)
		return db, nil
	})
	if err != nil {
		return nil, fmt.Errorf("open tenant %q: %w", key, err)
	}
	return v.(*gorm.DB), nil
}

// Select resolves key and returns a context carrying the tenant's connection.
func (m *Manager) Select(ctx context.Context, key string) (context.Context, error) {
	if key == "" {
		key = m.defaultKey
	}
	db, err := m.Connection(key)
	if err != nil {
		return ctx, err
	}
	return WithDB(ctx, key, db), nil
}

// Close closes every open pool.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	var errs []error
	for key, db := range m.conns {
		sqlDB, err := db.DB()
		if err == nil {
			err = sqlDB.Close()
		}
		if err != nil {
			errs = append(errs, fmt.Errorf("close tenant %q: %w", key, err))
		}
		delete(m.conns, key)
	}
	return errors.Join(errs...)
}

// Middleware selects the tenant named by the X-Tenant header, falling back to
// the default tenant.
func (m *Manager) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := strings.TrimSpace(r.Header.Get(Header))
		ctx, err := m.Select(r.Context(), key)
		if err != nil {
			if errors.Is(err, ErrUnknownTenant) {
				httpx.JSONError(w, http.StatusNotFound, ErrUnknownTenant.Error(), nil)
				return
			}
			m.log.Error("tenant selection failed", "tenant", key, "err", err)
			httpx.JSONError(w, http.StatusServiceUnavailable, "tenant_unavailable", nil)
			return
		}
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// WithDB returns a context carrying db as the selected tenant connection.
func WithDB(ctx context.Context, key string, db *gorm.DB) context.Context {
	return context.WithValue(ctx, ctxKey{}, selection{key: key, db: db})
}

// DB returns the selected tenant connection bound to ctx.
func DB(ctx context.Context) (*gorm.DB, error) {
	s, ok := ctx.Value(ctxKey{}).(selection)
	if !ok || s.db == nil {
		return nil, ErrNotSelected
	}
	return s.db.WithContext(ctx), nil
}

// Key returns the selected tenant key, or "".
func Key(ctx context.Context) string {
	s, _ := ctx.Value(ctxKey{}).(selection)
	return s.key
}
