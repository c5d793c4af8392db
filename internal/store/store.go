package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	_ "github.com/mattn/go-sqlite3"
)

// Store persists the graph in SQLite and serves immutable in-memory
// snapshots of it. Writes are serialized; reads never take a lock.
type Store struct {
	db        *sql.DB
	logger    *slog.Logger
	now       func() time.Time
	cacheSize int

	commitMu sync.Mutex
	head     atomic.Pointer[Snapshot]
	proposal atomic.Pointer[proposal]
	floor    atomic.Int64 // oldest generation SnapshotAt can rebuild
	snaps    *lru.Cache[int64, *Snapshot]
}

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the logger for commit and GC outcomes.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) { s.logger = l }
}

// WithSnapshotCache sets how many historical snapshots are kept in memory.
func WithSnapshotCache(n int) Option {
	return func(s *Store) {
		if n > 0 {
			s.cacheSize = n
		}
	}
}

// WithClock overrides the commit timestamp source.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// NewStore opens a SQLite database at dbPath with WAL mode enabled. Call
// Migrate before use.
func NewStore(dbPath string, opts ...Option) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_foreign_keys=ON&_busy_timeout=30000")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	s := &Store{
		db:        db,
		logger:    slog.New(slog.DiscardHandler),
		now:       time.Now,
		cacheSize: 16,
	}
	for _, o := range opts {
		o(s)
	}
	cache, err := lru.New[int64, *Snapshot](s.cacheSize)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("snapshot cache: %w", err)
	}
	s.snaps = cache
	s.head.Store(emptySnapshot())
	return s, nil
}

// Open is NewStore followed by Migrate.
func Open(ctx context.Context, dbPath string, opts ...Option) (*Store, error) {
	s, err := NewStore(dbPath, opts...)
	if err != nil {
		return nil, err
	}
	if err := s.Migrate(ctx); err != nil {
		s.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Migrate creates the schema if needed and loads the head snapshot and any
// open proposal. Idempotent.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schemaDDL); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	if err := s.load(ctx); err != nil {
		return fmt.Errorf("migrate: load: %w", err)
	}
	return nil
}

// Snapshot returns the head of the current branch.
func (s *Store) Snapshot() *Snapshot {
	return s.head.Load()
}

// Head returns the current generation number.
func (s *Store) Head() int64 {
	return s.head.Load().generation
}

const schemaDDL = `
CREATE TABLE IF NOT EXISTS files (
  path            TEXT PRIMARY KEY,
  language        TEXT NOT NULL,
  hash            TEXT,
  status          TEXT NOT NULL DEFAULT 'clean',
  error           TEXT,
  generation      INTEGER NOT NULL DEFAULT 0,
  indexed_at      TIMESTAMP
);

CREATE TABLE IF NOT EXISTS nodes (
  key             TEXT PRIMARY KEY,
  kind            TEXT NOT NULL,
  name            TEXT NOT NULL,
  qualified_name  TEXT NOT NULL,
  file            TEXT NOT NULL DEFAULT '',
  language        TEXT,
  start_line      INTEGER,
  end_line        INTEGER,
  visibility      TEXT,
  signature       TEXT,
  digest          INTEGER,
  flags           INTEGER,
  doc_first_line  TEXT,
  doc_hash        INTEGER,
  module_path     TEXT,
  generics        TEXT,
  where_bounds    TEXT,
  derives         TEXT,
  state           TEXT NOT NULL DEFAULT 'Current',
  created_gen     INTEGER NOT NULL,
  updated_gen     INTEGER NOT NULL,
  tombstoned_gen  INTEGER
);

CREATE TABLE IF NOT EXISTS edges (
  src             TEXT NOT NULL,
  dst             TEXT NOT NULL,
  kind            TEXT NOT NULL,
  id              TEXT NOT NULL UNIQUE,
  attrs           INTEGER NOT NULL DEFAULT 0,
  ref             TEXT,
  generation      INTEGER NOT NULL,
  PRIMARY KEY (src, dst, kind)
);

CREATE TABLE IF NOT EXISTS generations (
  id              INTEGER PRIMARY KEY AUTOINCREMENT,
  branch          TEXT NOT NULL,
  parent          INTEGER NOT NULL,
  committed_at    TIMESTAMP NOT NULL,
  delta_size      INTEGER NOT NULL,
  delta           TEXT NOT NULL,
  status          TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS checkpoints (
  generation      INTEGER PRIMARY KEY,
  snapshot        TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS quarantine (
  id              INTEGER PRIMARY KEY,
  edge_id         TEXT,
  src             TEXT NOT NULL,
  dst             TEXT NOT NULL,
  kind            TEXT NOT NULL,
  ref             TEXT,
  reason          TEXT NOT NULL,
  recorded_at     TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS metadata (
  key             TEXT PRIMARY KEY,
  value           TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_nodes_file ON nodes(file);
CREATE INDEX IF NOT EXISTS idx_nodes_name ON nodes(name);
CREATE INDEX IF NOT EXISTS idx_nodes_state ON nodes(state);
CREATE INDEX IF NOT EXISTS idx_edges_dst ON edges(dst);
CREATE INDEX IF NOT EXISTS idx_generations_branch ON generations(branch, status);
`

const nodeColumns = `key, kind, name, qualified_name, file, language, start_line, end_line,
  visibility, signature, digest, flags, doc_first_line, doc_hash, module_path,
  generics, where_bounds, derives, state`

// load rebuilds the head snapshot from the nodes and edges tables.
func (s *Store) load(ctx context.Context) error {
	floor, err := s.metaInt(ctx, "gc_floor")
	if err != nil {
		return err
	}
	s.floor.Store(floor)

	var head int64
	if err := s.db.QueryRowContext(ctx,
		"SELECT COALESCE(MAX(id), 0) FROM generations WHERE branch = ?", BranchCurrent,
	).Scan(&head); err != nil {
		return fmt.Errorf("head generation: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, "SELECT "+nodeColumns+" FROM nodes WHERE state != ?", StateTombstoned)
	if err != nil {
		return fmt.Errorf("query nodes: %w", err)
	}
	var nodes []Node
	for rows.Next() {
		n, err := scanNode(rows)
		if err != nil {
			rows.Close()
			return err
		}
		nodes = append(nodes, n)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return fmt.Errorf("query nodes: %w", err)
	}

	rows, err = s.db.QueryContext(ctx, "SELECT id, src, dst, kind, attrs, ref FROM edges")
	if err != nil {
		return fmt.Errorf("query edges: %w", err)
	}
	var edges []Edge
	for rows.Next() {
		var e Edge
		var ref sql.NullString
		if err := rows.Scan(&e.ID, &e.Src, &e.Dst, &e.Kind, &e.Attrs, &ref); err != nil {
			rows.Close()
			return fmt.Errorf("scan edge: %w", err)
		}
		e.Ref = ref.String
		edges = append(edges, e)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return fmt.Errorf("query edges: %w", err)
	}

	snap := NewSnapshot(head, nodes, edges)
	s.head.Store(snap)
	s.snaps.Purge()
	s.snaps.Add(head, snap)

	p, err := s.loadProposal(ctx)
	if err != nil {
		return err
	}
	s.proposal.Store(p)
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanNode(r rowScanner) (Node, error) {
	var n Node
	var (
		language, visibility, signature, docFirst, modulePath sql.NullString
		generics, whereBounds, derives                         sql.NullString
		startLine, endLine, digest, flags, docHash             sql.NullInt64
	)
	if err := r.Scan(&n.Key, &n.Kind, &n.Name, &n.QualifiedName, &n.File, &language,
		&startLine, &endLine, &visibility, &signature, &digest, &flags, &docFirst, &docHash,
		&modulePath, &generics, &whereBounds, &derives, &n.State); err != nil {
		return Node{}, fmt.Errorf("scan node: %w", err)
	}
	n.Language = language.String
	n.StartLine = int(startLine.Int64)
	n.EndLine = int(endLine.Int64)
	n.Visibility = Visibility(visibility.String)
	n.Signature = signature.String
	n.Digest = uint64(digest.Int64)
	n.Flags = Flags(flags.Int64)
	n.DocFirstLine = docFirst.String
	n.DocHash = uint64(docHash.Int64)
	n.ModulePath = modulePath.String
	n.Generics = unmarshalStrings(generics.String)
	n.WhereBounds = unmarshalStrings(whereBounds.String)
	n.Derives = unmarshalStrings(derives.String)
	n.Action = ActionNone
	return n, nil
}

// --- metadata ---

func (s *Store) metaInt(ctx context.Context, key string) (int64, error) {
	var v string
	err := s.db.QueryRowContext(ctx, "SELECT value FROM metadata WHERE key = ?", key).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("metadata %s: %w", key, err)
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("metadata %s: %w", key, err)
	}
	return n, nil
}

func setMetaTx(ctx context.Context, tx *sql.Tx, key string, v int64) error {
	_, err := tx.ExecContext(ctx,
		"INSERT INTO metadata (key, value) VALUES (?, ?) ON CONFLICT(key) DO UPDATE SET value = excluded.value",
		key, strconv.FormatInt(v, 10))
	if err != nil {
		return fmt.Errorf("set metadata %s: %w", key, err)
	}
	return nil
}
