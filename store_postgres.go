package hmd

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	pgvector "github.com/pgvector/pgvector-go"
	pgxvec "github.com/pgvector/pgvector-go/pgx"
)

// PostgresStore is the production PersistencePort backend: pgx/v5 over a
// PostgreSQL database with the pgvector extension for per-sector ANN search.
type PostgresStore struct {
	pool *pgxpool.Pool
	dims map[Sector]int
}

var _ PersistencePort = (*PostgresStore)(nil)

// NewPostgresStore opens a connection pool, registers pgvector types on every
// connection, and runs the migration. dims gives the embedding dimension per
// sector; a sector with no entry falls back to defaultDim.
func NewPostgresStore(ctx context.Context, dsn string, dims map[Sector]int, defaultDim int) (*PostgresStore, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("hmd: parse dsn: %w", err)
	}
	cfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		return pgxvec.RegisterTypes(ctx, conn)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("hmd: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("hmd: ping: %w", err)
	}

	resolved := make(map[Sector]int)
	for _, sec := range AllSectors() {
		if d, ok := dims[sec]; ok {
			resolved[sec] = d
		} else {
			resolved[sec] = defaultDim
		}
	}

	s := &PostgresStore{pool: pool, dims: resolved}
	if err := s.migrate(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("hmd: migrate: %w", err)
	}
	return s, nil
}

func (s *PostgresStore) migrate(ctx context.Context) error {
	stmts := []string{
		`CREATE EXTENSION IF NOT EXISTS vector`,
		`CREATE TABLE IF NOT EXISTS memories (
			id               TEXT        PRIMARY KEY,
			tenant_id        TEXT        NOT NULL,
			user_id          TEXT        NOT NULL DEFAULT '',
			content          TEXT        NOT NULL,
			primary_sector   TEXT        NOT NULL DEFAULT 'semantic',
			base_strength    DOUBLE PRECISION NOT NULL DEFAULT 0.5,
			importance       DOUBLE PRECISION NOT NULL DEFAULT 0.5,
			last_accessed_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			access_count     INTEGER     NOT NULL DEFAULT 0,
			created_at       TIMESTAMPTZ NOT NULL DEFAULT now(),
			metadata_json    JSONB       NOT NULL DEFAULT '{}'
		)`,
		`CREATE INDEX IF NOT EXISTS idx_memories_tenant ON memories (tenant_id)`,
		`CREATE INDEX IF NOT EXISTS idx_memories_sector ON memories (tenant_id, primary_sector)`,
		`CREATE TABLE IF NOT EXISTS waypoint_edges (
			tenant_id  TEXT NOT NULL,
			from_id    TEXT NOT NULL,
			to_id      TEXT NOT NULL,
			weight     DOUBLE PRECISION NOT NULL DEFAULT 0.5,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			PRIMARY KEY (tenant_id, from_id, to_id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_edges_from ON waypoint_edges (tenant_id, from_id)`,
		`CREATE TABLE IF NOT EXISTS reinforcement_events (
			memory_id       TEXT NOT NULL,
			ts              TIMESTAMPTZ NOT NULL,
			kind            TEXT NOT NULL,
			boost           DOUBLE PRECISION NOT NULL,
			strength_before DOUBLE PRECISION NOT NULL,
			strength_after  DOUBLE PRECISION NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS pruning_records (
			memory_id         TEXT NOT NULL,
			ts                TIMESTAMPTZ NOT NULL,
			reason            TEXT NOT NULL,
			strength_at_prune DOUBLE PRECISION NOT NULL
		)`,
	}
	for _, sec := range AllSectors() {
		stmts = append(stmts, fmt.Sprintf(
			`CREATE TABLE IF NOT EXISTS sector_vectors_%s (
				memory_id TEXT PRIMARY KEY REFERENCES memories(id) ON DELETE CASCADE,
				embedding vector(%d)
			)`, sec, s.dims[sec]))
		stmts = append(stmts, fmt.Sprintf(
			`CREATE INDEX IF NOT EXISTS idx_vec_%s ON sector_vectors_%s USING hnsw (embedding vector_cosine_ops)`, sec, sec))
	}

	for _, stmt := range stmts {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("exec %q: %w", stmt, err)
		}
	}
	return nil
}

func vecTable(sector Sector) string { return "sector_vectors_" + string(sector) }

func (s *PostgresStore) InsertMemory(ctx context.Context, m Memory, vectors map[Sector][]float32) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx, `
		INSERT INTO memories (id, tenant_id, user_id, content, primary_sector, base_strength,
			importance, last_accessed_at, access_count, created_at, metadata_json)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)`,
		m.ID, m.TenantID, m.UserID, m.Content, string(m.PrimarySector), m.BaseStrength,
		m.Importance, m.LastAccessedAt, m.AccessCount, m.CreatedAt, encodeMetadata(m.Metadata),
	)
	if err != nil {
		return fmt.Errorf("hmd: insert memory: %w", err)
	}

	for sector, vec := range vectors {
		q := fmt.Sprintf(`INSERT INTO %s (memory_id, embedding) VALUES ($1,$2)`, vecTable(sector))
		if _, err := tx.Exec(ctx, q, m.ID, pgvector.NewVector(vec)); err != nil {
			return fmt.Errorf("hmd: insert vector %s: %w", sector, err)
		}
	}

	return tx.Commit(ctx)
}

func (s *PostgresStore) GetMemory(ctx context.Context, tenantID, id string) (*Memory, map[Sector][]float32, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, tenant_id, user_id, content, primary_sector, base_strength, importance,
		       last_accessed_at, access_count, created_at, metadata_json
		FROM memories WHERE tenant_id = $1 AND id = $2`, tenantID, id)

	var m Memory
	var metaJSON string
	if err := row.Scan(&m.ID, &m.TenantID, &m.UserID, &m.Content, &m.PrimarySector, &m.BaseStrength,
		&m.Importance, &m.LastAccessedAt, &m.AccessCount, &m.CreatedAt, &metaJSON); err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil, nil
		}
		return nil, nil, err
	}
	m.Metadata = decodeMetadata(metaJSON)

	vectors := make(map[Sector][]float32)
	for _, sec := range AllSectors() {
		var vec pgvector.Vector
		q := fmt.Sprintf(`SELECT embedding FROM %s WHERE memory_id = $1`, vecTable(sec))
		err := s.pool.QueryRow(ctx, q, id).Scan(&vec)
		if err == nil {
			vectors[sec] = vec.Slice()
		} else if err != pgx.ErrNoRows {
			return nil, nil, err
		}
	}
	return &m, vectors, nil
}

func (s *PostgresStore) UpdateStrengthAndAccess(ctx context.Context, tenantID, id string, newStrength float64, accessedAt time.Time) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE memories SET base_strength = $1, last_accessed_at = $2, access_count = access_count + 1
		WHERE tenant_id = $3 AND id = $4`, newStrength, accessedAt, tenantID, id)
	return err
}

func (s *PostgresStore) UpdateSector(ctx context.Context, tenantID, id string, sector Sector) error {
	_, err := s.pool.Exec(ctx, `UPDATE memories SET primary_sector = $1 WHERE tenant_id = $2 AND id = $3`,
		string(sector), tenantID, id)
	return err
}

func (s *PostgresStore) UpdateContent(ctx context.Context, tenantID, id, content string, vectors map[Sector][]float32) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, `UPDATE memories SET content = $1 WHERE tenant_id = $2 AND id = $3`, content, tenantID, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return newErr(KindMemoryNotFound, "memory not found")
	}

	for sector, vec := range vectors {
		q := fmt.Sprintf(`
			INSERT INTO %s (memory_id, embedding) VALUES ($1,$2)
			ON CONFLICT (memory_id) DO UPDATE SET embedding = EXCLUDED.embedding`, vecTable(sector))
		if _, err := tx.Exec(ctx, q, id, pgvector.NewVector(vec)); err != nil {
			return err
		}
	}
	return tx.Commit(ctx)
}

func (s *PostgresStore) DeleteMemory(ctx context.Context, tenantID, id string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM memories WHERE tenant_id = $1 AND id = $2`, tenantID, id)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, `DELETE FROM waypoint_edges WHERE tenant_id = $1 AND (from_id = $2 OR to_id = $2)`, tenantID, id)
	return err
}

func (s *PostgresStore) AnnSearch(ctx context.Context, sector Sector, queryVec []float32, k int, filter Filter) ([]AnnHit, error) {
	args := []any{pgvector.NewVector(queryVec), filter.TenantID}
	q := fmt.Sprintf(`
		SELECT v.memory_id, 1 - (v.embedding <=> $1) AS similarity
		FROM %s v
		JOIN memories m ON m.id = v.memory_id
		WHERE m.tenant_id = $2`, vecTable(sector))

	if filter.After != nil {
		args = append(args, *filter.After)
		q += fmt.Sprintf(" AND m.created_at >= $%d", len(args))
	}
	if filter.Before != nil {
		args = append(args, *filter.Before)
		q += fmt.Sprintf(" AND m.created_at <= $%d", len(args))
	}
	args = append(args, k)
	q += fmt.Sprintf(" ORDER BY v.embedding <=> $1 LIMIT $%d", len(args))

	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	hits, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (AnnHit, error) {
		var h AnnHit
		err := row.Scan(&h.MemoryID, &h.Similarity)
		return h, err
	})
	return hits, err
}

func (s *PostgresStore) ScanWeak(ctx context.Context, tenantID string, threshold float64, batchSize int, cursor string) ([]WeakMemory, string, error) {
	afterCreated, afterID := "", ""
	if cursor != "" {
		parts := strings.SplitN(cursor, "|", 2)
		if len(parts) == 2 {
			afterCreated, afterID = parts[0], parts[1]
		}
	}

	q := `SELECT id, tenant_id, user_id, content, primary_sector, base_strength, importance,
		last_accessed_at, access_count, created_at, metadata_json
		FROM memories WHERE tenant_id = $1`
	args := []any{tenantID}
	if afterCreated != "" {
		t, _ := time.Parse(time.RFC3339Nano, afterCreated)
		args = append(args, t, afterID)
		q += fmt.Sprintf(" AND (created_at > $%d OR (created_at = $%d AND id > $%d))", len(args)-1, len(args)-1, len(args))
	}
	args = append(args, batchSize)
	q += fmt.Sprintf(" ORDER BY created_at ASC, id ASC LIMIT $%d", len(args))

	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, "", err
	}
	defer rows.Close()

	var batch []WeakMemory
	for rows.Next() {
		var m Memory
		var metaJSON string
		if err := rows.Scan(&m.ID, &m.TenantID, &m.UserID, &m.Content, &m.PrimarySector, &m.BaseStrength,
			&m.Importance, &m.LastAccessedAt, &m.AccessCount, &m.CreatedAt, &metaJSON); err != nil {
			return nil, "", err
		}
		m.Metadata = decodeMetadata(metaJSON)
		batch = append(batch, WeakMemory{Memory: m})
	}
	if err := rows.Err(); err != nil {
		return nil, "", err
	}

	next := ""
	if len(batch) == batchSize {
		last := batch[len(batch)-1].Memory
		next = last.CreatedAt.Format(time.RFC3339Nano) + "|" + last.ID
	}

	for i := range batch {
		vectors := make(map[Sector][]float32)
		for _, sec := range AllSectors() {
			var vec pgvector.Vector
			q := fmt.Sprintf(`SELECT embedding FROM %s WHERE memory_id = $1`, vecTable(sec))
			if err := s.pool.QueryRow(ctx, q, batch[i].Memory.ID).Scan(&vec); err == nil {
				vectors[sec] = vec.Slice()
			}
		}
		batch[i].Vector = vectors
	}

	return batch, next, nil
}

func (s *PostgresStore) UpsertEdge(ctx context.Context, tenantID, fromID, toID string, weight float64) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO waypoint_edges (tenant_id, from_id, to_id, weight) VALUES ($1,$2,$3,$4)
		ON CONFLICT (tenant_id, from_id, to_id) DO UPDATE SET weight = EXCLUDED.weight`,
		tenantID, fromID, toID, weight)
	return err
}

func (s *PostgresStore) DeleteEdge(ctx context.Context, tenantID, fromID, toID string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM waypoint_edges WHERE tenant_id = $1 AND from_id = $2 AND to_id = $3`, tenantID, fromID, toID)
	return err
}

func (s *PostgresStore) Neighbors(ctx context.Context, tenantID, id string) ([]WaypointEdge, error) {
	rows, err := s.pool.Query(ctx, `SELECT from_id, to_id, weight, created_at FROM waypoint_edges WHERE tenant_id = $1 AND from_id = $2`, tenantID, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (WaypointEdge, error) {
		var e WaypointEdge
		err := row.Scan(&e.FromID, &e.ToID, &e.Weight, &e.CreatedAt)
		return e, err
	})
}

func (s *PostgresStore) NodesWithDegreeBelow(ctx context.Context, tenantID string, min int) ([]string, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT m.id FROM memories m
		LEFT JOIN waypoint_edges e ON e.tenant_id = m.tenant_id AND e.from_id = m.id
		WHERE m.tenant_id = $1
		GROUP BY m.id
		HAVING COUNT(e.to_id) < $2`, tenantID, min)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (string, error) {
		var id string
		err := row.Scan(&id)
		return id, err
	})
}

func (s *PostgresStore) NodesWithStaleEdges(ctx context.Context, tenantID string, floor float64) ([]string, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT DISTINCT from_id FROM waypoint_edges
		WHERE tenant_id = $1 AND weight < $2`, tenantID, floor)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (string, error) {
		var id string
		err := row.Scan(&id)
		return id, err
	})
}

func (s *PostgresStore) AppendReinforcement(ctx context.Context, e ReinforcementEvent) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO reinforcement_events (memory_id, ts, kind, boost, strength_before, strength_after)
		VALUES ($1,$2,$3,$4,$5,$6)`, e.MemoryID, e.Timestamp, string(e.Kind), e.Boost, e.StrengthBefore, e.StrengthAfter)
	return err
}

func (s *PostgresStore) AppendPruning(ctx context.Context, p PruningRecord) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO pruning_records (memory_id, ts, reason, strength_at_prune)
		VALUES ($1,$2,$3,$4)`, p.MemoryID, p.Timestamp, string(p.Reason), p.StrengthAtPrune)
	return err
}

func (s *PostgresStore) SearchMetadata(ctx context.Context, tenantID string, tags []string, after, before *time.Time, limit int) ([]Memory, error) {
	q := `SELECT id, tenant_id, user_id, content, primary_sector, base_strength, importance,
		last_accessed_at, access_count, created_at, metadata_json
		FROM memories WHERE tenant_id = $1`
	args := []any{tenantID}
	if after != nil {
		args = append(args, *after)
		q += fmt.Sprintf(" AND created_at >= $%d", len(args))
	}
	if before != nil {
		args = append(args, *before)
		q += fmt.Sprintf(" AND created_at <= $%d", len(args))
	}
	args = append(args, limit)
	q += fmt.Sprintf(" ORDER BY created_at DESC LIMIT $%d", len(args))

	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Memory
	for rows.Next() {
		var m Memory
		var metaJSON string
		if err := rows.Scan(&m.ID, &m.TenantID, &m.UserID, &m.Content, &m.PrimarySector, &m.BaseStrength,
			&m.Importance, &m.LastAccessedAt, &m.AccessCount, &m.CreatedAt, &metaJSON); err != nil {
			return nil, err
		}
		m.Metadata = decodeMetadata(metaJSON)
		if len(tags) > 0 && !hasAnyTag(m.Metadata, tags) {
			continue
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// ListTenants returns the distinct tenant ids with at least one memory row.
func (s *PostgresStore) ListTenants(ctx context.Context) ([]string, error) {
	rows, err := s.pool.Query(ctx, `SELECT DISTINCT tenant_id FROM memories`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tenants []string
	for rows.Next() {
		var t string
		if err := rows.Scan(&t); err != nil {
			return nil, err
		}
		tenants = append(tenants, t)
	}
	return tenants, rows.Err()
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}
