package hmd

import (
	"context"
	"database/sql"
	"encoding/binary"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore is the sqlite-backed PersistencePort implementation: the
// development and single-tenant default.
type SQLiteStore struct {
	db *sql.DB
}

var _ PersistencePort = (*SQLiteStore)(nil)

// NewSQLiteStore opens (or creates) the SQLite database and runs migrations.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("hmd: mkdir %s: %w", filepath.Dir(path), err)
	}

	db, err := sql.Open("sqlite", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("hmd: open db: %w", err)
	}

	// Single connection avoids write contention at our scale.
	db.SetMaxOpenConns(1)

	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("hmd: migrate: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_version (version INTEGER NOT NULL)`)

	var version int
	s.db.QueryRow(`SELECT COALESCE(MAX(version), 0) FROM schema_version`).Scan(&version)

	if version < 1 {
		if _, err := s.db.Exec(`
			CREATE TABLE IF NOT EXISTS memories (
				id               TEXT    PRIMARY KEY,
				tenant_id        TEXT    NOT NULL,
				user_id          TEXT    NOT NULL DEFAULT '',
				content          TEXT    NOT NULL,
				primary_sector   TEXT    NOT NULL DEFAULT 'semantic',
				base_strength    REAL    NOT NULL DEFAULT 0.5,
				importance       REAL    NOT NULL DEFAULT 0.5,
				last_accessed_at TEXT    NOT NULL DEFAULT (datetime('now')),
				access_count     INTEGER NOT NULL DEFAULT 0,
				created_at       TEXT    NOT NULL DEFAULT (datetime('now')),
				metadata_json    TEXT    NOT NULL DEFAULT '{}'
			);
			CREATE INDEX IF NOT EXISTS idx_memories_tenant ON memories(tenant_id);
			CREATE INDEX IF NOT EXISTS idx_memories_sector ON memories(tenant_id, primary_sector);
			CREATE INDEX IF NOT EXISTS idx_memories_access  ON memories(tenant_id, last_accessed_at);

			CREATE TABLE IF NOT EXISTS sector_vectors (
				memory_id       TEXT NOT NULL REFERENCES memories(id) ON DELETE CASCADE,
				sector          TEXT NOT NULL,
				vector          BLOB NOT NULL,
				embedding_model TEXT NOT NULL DEFAULT '',
				PRIMARY KEY (memory_id, sector)
			);

			CREATE TABLE IF NOT EXISTS waypoint_edges (
				tenant_id  TEXT NOT NULL,
				from_id    TEXT NOT NULL,
				to_id      TEXT NOT NULL,
				weight     REAL NOT NULL DEFAULT 0.5,
				created_at TEXT NOT NULL DEFAULT (datetime('now')),
				PRIMARY KEY (tenant_id, from_id, to_id)
			);
			CREATE INDEX IF NOT EXISTS idx_edges_from ON waypoint_edges(tenant_id, from_id);

			CREATE TABLE IF NOT EXISTS reinforcement_events (
				memory_id       TEXT NOT NULL,
				ts              TEXT NOT NULL,
				kind            TEXT NOT NULL,
				boost           REAL NOT NULL,
				strength_before REAL NOT NULL,
				strength_after  REAL NOT NULL
			);
			CREATE INDEX IF NOT EXISTS idx_reinforce_memory ON reinforcement_events(memory_id);

			CREATE TABLE IF NOT EXISTS pruning_records (
				memory_id         TEXT NOT NULL,
				ts                TEXT NOT NULL,
				reason            TEXT NOT NULL,
				strength_at_prune REAL NOT NULL
			);
		`); err != nil {
			return err
		}
		s.db.Exec(`INSERT INTO schema_version (version) VALUES (1)`)
	}

	return nil
}

// --- Vector encoding ---

// EncodeVector converts a float32 slice to a little-endian byte blob.
func EncodeVector(v []float32) []byte {
	buf := make([]byte, len(v)*4)
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf
}

// DecodeVector converts a little-endian byte blob back to a float32 slice.
func DecodeVector(b []byte) []float32 {
	v := make([]float32, len(b)/4)
	for i := range v {
		v[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return v
}

func timeFmt(t time.Time) string { return t.UTC().Format("2006-01-02 15:04:05.999999") }

func timeParse(s string) time.Time {
	for _, layout := range []string{"2006-01-02 15:04:05.999999", "2006-01-02 15:04:05"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC()
		}
	}
	return time.Time{}
}

// --- Memory CRUD ---

const memorySelectCols = `id, tenant_id, user_id, content, primary_sector, base_strength,
	importance, last_accessed_at, access_count, created_at, metadata_json`

func scanMemoryRow(row interface{ Scan(...any) error }) (Memory, error) {
	var m Memory
	var lastAccessed, created, metaJSON string
	if err := row.Scan(
		&m.ID, &m.TenantID, &m.UserID, &m.Content, &m.PrimarySector, &m.BaseStrength,
		&m.Importance, &lastAccessed, &m.AccessCount, &created, &metaJSON,
	); err != nil {
		return m, err
	}
	m.LastAccessedAt = timeParse(lastAccessed)
	m.CreatedAt = timeParse(created)
	m.Metadata = decodeMetadata(metaJSON)
	return m, nil
}

// InsertMemory stores a new memory row and its per-sector vectors atomically.
func (s *SQLiteStore) InsertMemory(ctx context.Context, m Memory, vectors map[Sector][]float32) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO memories (id, tenant_id, user_id, content, primary_sector, base_strength,
			importance, last_accessed_at, access_count, created_at, metadata_json)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.ID, m.TenantID, m.UserID, m.Content, string(m.PrimarySector), m.BaseStrength,
		m.Importance, timeFmt(m.LastAccessedAt), m.AccessCount, timeFmt(m.CreatedAt), encodeMetadata(m.Metadata),
	)
	if err != nil {
		return fmt.Errorf("hmd: insert memory: %w", err)
	}

	for sector, vec := range vectors {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO sector_vectors (memory_id, sector, vector) VALUES (?, ?, ?)`,
			m.ID, string(sector), EncodeVector(vec),
		); err != nil {
			return fmt.Errorf("hmd: insert vector %s: %w", sector, err)
		}
	}

	return tx.Commit()
}

// GetMemory loads one memory and all its stored sector vectors.
func (s *SQLiteStore) GetMemory(ctx context.Context, tenantID, id string) (*Memory, map[Sector][]float32, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+memorySelectCols+` FROM memories WHERE tenant_id = ? AND id = ?`, tenantID, id)
	m, err := scanMemoryRow(row)
	if err == sql.ErrNoRows {
		return nil, nil, nil
	}
	if err != nil {
		return nil, nil, err
	}

	rows, err := s.db.QueryContext(ctx, `SELECT sector, vector FROM sector_vectors WHERE memory_id = ?`, id)
	if err != nil {
		return nil, nil, err
	}
	defer rows.Close()

	vectors := make(map[Sector][]float32)
	for rows.Next() {
		var sector string
		var blob []byte
		if err := rows.Scan(&sector, &blob); err != nil {
			return nil, nil, err
		}
		vectors[Sector(sector)] = DecodeVector(blob)
	}
	return &m, vectors, rows.Err()
}

// UpdateStrengthAndAccess writes a reinforced base_strength and bumps access bookkeeping.
func (s *SQLiteStore) UpdateStrengthAndAccess(ctx context.Context, tenantID, id string, newStrength float64, accessedAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE memories
		SET base_strength = ?, last_accessed_at = ?, access_count = access_count + 1
		WHERE tenant_id = ? AND id = ?`,
		newStrength, timeFmt(accessedAt), tenantID, id,
	)
	return err
}

// UpdateSector reclassifies a memory's primary sector in place.
func (s *SQLiteStore) UpdateSector(ctx context.Context, tenantID, id string, sector Sector) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE memories SET primary_sector = ? WHERE tenant_id = ? AND id = ?`,
		string(sector), tenantID, id,
	)
	return err
}

// UpdateContent replaces a memory's text and its sector vectors in place.
func (s *SQLiteStore) UpdateContent(ctx context.Context, tenantID, id, content string, vectors map[Sector][]float32) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `UPDATE memories SET content = ? WHERE tenant_id = ? AND id = ?`, content, tenantID, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return newErr(KindMemoryNotFound, "memory not found")
	}

	for sector, vec := range vectors {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO sector_vectors (memory_id, sector, vector) VALUES (?, ?, ?)
			ON CONFLICT(memory_id, sector) DO UPDATE SET vector = excluded.vector`,
			id, string(sector), EncodeVector(vec),
		); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// DeleteMemory removes a memory row, cascading to its vectors and edges.
func (s *SQLiteStore) DeleteMemory(ctx context.Context, tenantID, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM memories WHERE tenant_id = ? AND id = ?`, tenantID, id); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM sector_vectors WHERE memory_id = ?`, id); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM waypoint_edges WHERE tenant_id = ? AND (from_id = ? OR to_id = ?)`, tenantID, id, id); err != nil {
		return err
	}
	return tx.Commit()
}

// AnnSearch does an exact, in-process cosine scan over one sector's vectors.
// Sqlite carries no ANN index; this is the dev-scale stand-in the Retrieval
// Engine's port contract allows — the postgres backend uses pgvector instead.
func (s *SQLiteStore) AnnSearch(ctx context.Context, sector Sector, queryVec []float32, k int, filter Filter) ([]AnnHit, error) {
	query := `
		SELECT sv.memory_id, sv.vector FROM sector_vectors sv
		JOIN memories m ON m.id = sv.memory_id
		WHERE sv.sector = ? AND m.tenant_id = ?`
	args := []any{string(sector), filter.TenantID}

	if filter.After != nil {
		query += ` AND m.created_at >= ?`
		args = append(args, timeFmt(*filter.After))
	}
	if filter.Before != nil {
		query += ` AND m.created_at <= ?`
		args = append(args, timeFmt(*filter.Before))
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	candidates := make(map[string][]float32)
	for rows.Next() {
		var id string
		var blob []byte
		if err := rows.Scan(&id, &blob); err != nil {
			return nil, err
		}
		candidates[id] = DecodeVector(blob)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	top := TopKCosine(queryVec, candidates, k)
	hits := make([]AnnHit, len(top))
	for i, c := range top {
		hits[i] = AnnHit{MemoryID: c.ID, Similarity: c.Similarity}
	}
	return hits, nil
}

// ScanWeak iterates memories by ascending (created_at, id) cursor and returns
// every row of the page; threshold is not applied here, since strength
// depends on elapsed time and is not a stored column.
func (s *SQLiteStore) ScanWeak(ctx context.Context, tenantID string, threshold float64, batchSize int, cursor string) ([]WeakMemory, string, error) {
	afterCreated, afterID := "", ""
	if cursor != "" {
		parts := strings.SplitN(cursor, "|", 2)
		if len(parts) == 2 {
			afterCreated, afterID = parts[0], parts[1]
		}
	}

	query := `SELECT ` + memorySelectCols + ` FROM memories WHERE tenant_id = ?`
	args := []any{tenantID}
	if afterCreated != "" {
		query += ` AND (created_at > ? OR (created_at = ? AND id > ?))`
		args = append(args, afterCreated, afterCreated, afterID)
	}
	query += ` ORDER BY created_at ASC, id ASC LIMIT ?`
	args = append(args, batchSize)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, "", err
	}
	defer rows.Close()

	var batch []WeakMemory
	var lastCreated, lastID string
	for rows.Next() {
		m, err := scanMemoryRow(rows)
		if err != nil {
			return nil, "", err
		}
		lastCreated, lastID = timeFmt(m.CreatedAt), m.ID
		batch = append(batch, WeakMemory{Memory: m})
	}
	if err := rows.Err(); err != nil {
		return nil, "", err
	}

	next := ""
	if len(batch) == batchSize {
		next = lastCreated + "|" + lastID
	}

	// Hydrate vectors for the batch in one query.
	if len(batch) > 0 {
		ids := make([]string, len(batch))
		idx := make(map[string]int, len(batch))
		for i, wm := range batch {
			ids[i] = wm.Memory.ID
			idx[wm.Memory.ID] = i
		}
		placeholders := strings.TrimRight(strings.Repeat("?,", len(ids)), ",")
		vrows, err := s.db.QueryContext(ctx, `SELECT memory_id, sector, vector FROM sector_vectors WHERE memory_id IN (`+placeholders+`)`, toAnySlice(ids)...)
		if err != nil {
			return nil, "", err
		}
		defer vrows.Close()
		for vrows.Next() {
			var mid, sector string
			var blob []byte
			if err := vrows.Scan(&mid, &sector, &blob); err != nil {
				return nil, "", err
			}
			i := idx[mid]
			if batch[i].Vector == nil {
				batch[i].Vector = make(map[Sector][]float32)
			}
			batch[i].Vector[Sector(sector)] = DecodeVector(blob)
		}
		if err := vrows.Err(); err != nil {
			return nil, "", err
		}
	}

	return batch, next, nil
}

func toAnySlice(ss []string) []any {
	out := make([]any, len(ss))
	for i, s := range ss {
		out[i] = s
	}
	return out
}

// --- Waypoint edges ---

// UpsertEdge writes (or reweights) a directed edge between two memories.
func (s *SQLiteStore) UpsertEdge(ctx context.Context, tenantID, fromID, toID string, weight float64) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO waypoint_edges (tenant_id, from_id, to_id, weight) VALUES (?, ?, ?, ?)
		ON CONFLICT(tenant_id, from_id, to_id) DO UPDATE SET weight = excluded.weight`,
		tenantID, fromID, toID, weight,
	)
	return err
}

// DeleteEdge removes one directed edge.
func (s *SQLiteStore) DeleteEdge(ctx context.Context, tenantID, fromID, toID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM waypoint_edges WHERE tenant_id = ? AND from_id = ? AND to_id = ?`, tenantID, fromID, toID)
	return err
}

// Neighbors returns all outgoing edges from a memory.
func (s *SQLiteStore) Neighbors(ctx context.Context, tenantID, id string) ([]WaypointEdge, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT from_id, to_id, weight, created_at FROM waypoint_edges WHERE tenant_id = ? AND from_id = ?`, tenantID, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var edges []WaypointEdge
	for rows.Next() {
		var e WaypointEdge
		var created string
		if err := rows.Scan(&e.FromID, &e.ToID, &e.Weight, &created); err != nil {
			return nil, err
		}
		e.CreatedAt = timeParse(created)
		edges = append(edges, e)
	}
	return edges, rows.Err()
}

// NodesWithDegreeBelow finds memories whose outgoing-edge count is under min,
// feeding the Waypoint Graph Builder's background repair pass.
func (s *SQLiteStore) NodesWithDegreeBelow(ctx context.Context, tenantID string, min int) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT m.id FROM memories m
		LEFT JOIN waypoint_edges e ON e.tenant_id = m.tenant_id AND e.from_id = m.id
		WHERE m.tenant_id = ?
		GROUP BY m.id
		HAVING COUNT(e.to_id) < ?`,
		tenantID, min,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// NodesWithStaleEdges finds memories with at least one outgoing edge whose
// weight has fallen below floor, regardless of overall degree, feeding the
// other half of the Waypoint Graph Builder's repair trigger.
func (s *SQLiteStore) NodesWithStaleEdges(ctx context.Context, tenantID string, floor float64) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT DISTINCT from_id FROM waypoint_edges
		WHERE tenant_id = ? AND weight < ?`,
		tenantID, floor,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// --- Append-only logs ---

// AppendReinforcement records a reinforcement event.
func (s *SQLiteStore) AppendReinforcement(ctx context.Context, e ReinforcementEvent) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO reinforcement_events (memory_id, ts, kind, boost, strength_before, strength_after)
		VALUES (?, ?, ?, ?, ?, ?)`,
		e.MemoryID, timeFmt(e.Timestamp), string(e.Kind), e.Boost, e.StrengthBefore, e.StrengthAfter,
	)
	return err
}

// AppendPruning records a pruning event.
func (s *SQLiteStore) AppendPruning(ctx context.Context, p PruningRecord) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO pruning_records (memory_id, ts, reason, strength_at_prune)
		VALUES (?, ?, ?, ?)`,
		p.MemoryID, timeFmt(p.Timestamp), string(p.Reason), p.StrengthAtPrune,
	)
	return err
}

// SearchMetadata lists memories by tag/time filters without a similarity
// query, backing the orchestrator's plain metadata-scoped listing path.
func (s *SQLiteStore) SearchMetadata(ctx context.Context, tenantID string, tags []string, after, before *time.Time, limit int) ([]Memory, error) {
	query := `SELECT ` + memorySelectCols + ` FROM memories WHERE tenant_id = ?`
	args := []any{tenantID}
	if after != nil {
		query += ` AND created_at >= ?`
		args = append(args, timeFmt(*after))
	}
	if before != nil {
		query += ` AND created_at <= ?`
		args = append(args, timeFmt(*before))
	}
	query += ` ORDER BY created_at DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []Memory
	for rows.Next() {
		m, err := scanMemoryRow(rows)
		if err != nil {
			return nil, err
		}
		if len(tags) > 0 && !hasAnyTag(m.Metadata, tags) {
			continue
		}
		results = append(results, m)
	}
	return results, rows.Err()
}

func hasAnyTag(meta map[string]string, tags []string) bool {
	tagStr, ok := meta["tags"]
	if !ok {
		return false
	}
	for _, t := range tags {
		if strings.Contains(tagStr, t) {
			return true
		}
	}
	return false
}

// ListTenants returns the distinct tenant ids with at least one memory row.
func (s *SQLiteStore) ListTenants(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT DISTINCT tenant_id FROM memories`)
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

// Close shuts down the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
