// Package store is the core's read-only view of the admin-managed entity
// graph (spec.md §3) plus its one write path, the RequestLog table.
//
// The admin CRUD surface that creates and mutates users, projects,
// deployments, connections, edges, virtual keys, and limits is an external
// collaborator; this package only ever SELECTs that graph and INSERTs
// request logs, against Postgres via database/sql + lib/pq.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	_ "github.com/lib/pq"

	"github.com/nulpointcorp/llm-gateway/internal/domain"
)

// graphTTL bounds how long a resolved routing graph is served from the
// in-process cache before the next request re-reads Postgres.
const graphTTL = 30 * time.Second

// VirtualKeyGraph is everything the Dispatcher needs once a virtual key's
// hash has matched: its owning project, the deployments it may target, and
// the limit triples attached at every scope along the way.
type VirtualKeyGraph struct {
	VirtualKey  domain.VirtualKey
	Project     domain.Project
	Deployments map[string]DeploymentGraph // keyed by deployment name
}

// DeploymentGraph is one deployment plus its candidate connections.
type DeploymentGraph struct {
	Deployment  domain.Deployment
	Connections []domain.DeploymentConnection
}

// graphEntry is one cached VirtualKeyGraph with its expiry.
type graphEntry struct {
	graph     VirtualKeyGraph
	expiresAt time.Time
}

// Store is the core's Postgres-backed repository. It is safe for concurrent
// use.
type Store struct {
	db *sql.DB

	mu    sync.RWMutex
	cache map[string]graphEntry // keyed by key hash (hex)

	writer *LogWriter
}

// Config names the Postgres connection parameters (mirrors
// config.DatabaseConfig so callers can pass it through directly).
type Config struct {
	Host           string
	Port           int
	Database       string
	Username       string
	Password       string
	MinConnections int
	MaxConnections int
}

// Open connects to Postgres and starts the async RequestLog writer. The
// writer is owned by the returned Store; call Close to drain and stop it.
func Open(ctx context.Context, cfg Config, log RequestLogSink) (*Store, error) {
	dsn := fmt.Sprintf("host=%s port=%d dbname=%s user=%s password=%s sslmode=disable",
		cfg.Host, cfg.Port, cfg.Database, cfg.Username, cfg.Password)

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("store: open: %w", err)
	}
	db.SetMaxOpenConns(cfg.MaxConnections)
	db.SetMaxIdleConns(cfg.MinConnections)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: ping: %w", err)
	}

	s := &Store{
		db:    db,
		cache: make(map[string]graphEntry),
	}
	s.writer = newLogWriter(ctx, db, log)
	return s, nil
}

// Ping reports whether the Postgres connection is currently healthy, for
// use by the readiness probe.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close drains the async log writer and closes the Postgres pool.
func (s *Store) Close() error {
	s.writer.Close()
	return s.db.Close()
}

// ResolveVirtualKey loads the routing graph for the virtual key whose
// credential hashes to keyHashHex, serving from the short TTL cache when
// possible (§4.G). A cache miss or expiry re-reads Postgres.
func (s *Store) ResolveVirtualKey(ctx context.Context, keyHashHex string) (VirtualKeyGraph, error) {
	if g, ok := s.cacheGet(keyHashHex); ok {
		return g, nil
	}

	g, err := s.loadVirtualKeyGraph(ctx, keyHashHex)
	if err != nil {
		return VirtualKeyGraph{}, err
	}

	s.cacheSet(keyHashHex, g)
	return g, nil
}

// InvalidateVirtualKey evicts a cached graph, e.g. after the admin surface
// blocks or rotates a key out of band.
func (s *Store) InvalidateVirtualKey(keyHashHex string) {
	s.mu.Lock()
	delete(s.cache, keyHashHex)
	s.mu.Unlock()
}

func (s *Store) cacheGet(key string) (VirtualKeyGraph, bool) {
	s.mu.RLock()
	e, ok := s.cache[key]
	s.mu.RUnlock()
	if !ok || time.Now().After(e.expiresAt) {
		return VirtualKeyGraph{}, false
	}
	return e.graph, true
}

func (s *Store) cacheSet(key string, g VirtualKeyGraph) {
	s.mu.Lock()
	s.cache[key] = graphEntry{graph: g, expiresAt: time.Now().Add(graphTTL)}
	s.mu.Unlock()
}

// LogRequest enqueues one RequestLog row for the async writer. Never blocks
// the caller; see LogWriter.
func (s *Store) LogRequest(entry domain.RequestLog) {
	s.writer.Log(entry)
}

// DroppedLogs reports how many RequestLog rows were discarded because the
// writer's channel was full.
func (s *Store) DroppedLogs() int64 {
	return s.writer.Dropped()
}
