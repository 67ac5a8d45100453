// Package storage provides SQLite-backed persistence for access grants and
// attestation records.
package storage

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	logging "github.com/ipfs/go-log/v2"
	_ "github.com/mattn/go-sqlite3" // SQLite driver

	"github.com/podmesh/podmesh-server/internal/attest"
	"github.com/podmesh/podmesh-server/internal/payment"
)

var log = logging.Logger("pm-storage")

// RecordStore persists access grants keyed by access token and attestation
// records keyed by idempotency key. All writes are upserts, so engine
// retries are safe to replay.
type RecordStore struct {
	db     *sql.DB
	dbPath string
	mu     sync.RWMutex
}

// NewRecordStore opens (or creates) the database under basePath.
func NewRecordStore(basePath string) (*RecordStore, error) {
	if err := os.MkdirAll(basePath, 0755); err != nil {
		return nil, fmt.Errorf("failed to create storage directory: %w", err)
	}

	dbPath := filepath.Join(basePath, "podmesh.db")

	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	store := &RecordStore{db: db, dbPath: dbPath}
	if err := store.initTables(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize tables: %w", err)
	}
	return store, nil
}

func (s *RecordStore) initTables() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS access_grants (
			access_token   TEXT PRIMARY KEY,
			resource_id    TEXT NOT NULL,
			access_type    TEXT NOT NULL,
			transaction_id TEXT,
			status         TEXT NOT NULL,
			issued_at      INTEGER NOT NULL,
			expires_at     INTEGER,
			consumed       INTEGER NOT NULL DEFAULT 0
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to create grants table: %w", err)
	}

	if _, err := s.db.Exec(`
		CREATE INDEX IF NOT EXISTS idx_access_grants_resource
		ON access_grants (resource_id, status)
	`); err != nil {
		return fmt.Errorf("failed to create grants index: %w", err)
	}

	_, err = s.db.Exec(`
		CREATE TABLE IF NOT EXISTS attestations (
			idempotency_key TEXT PRIMARY KEY,
			resource_id     TEXT NOT NULL,
			resource_type   TEXT NOT NULL,
			content_hash    TEXT NOT NULL,
			transaction_id  TEXT NOT NULL,
			overlay_topic   TEXT,
			status          TEXT NOT NULL,
			created_at      INTEGER NOT NULL
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to create attestations table: %w", err)
	}

	if _, err := s.db.Exec(`
		CREATE INDEX IF NOT EXISTS idx_attestations_resource
		ON attestations (resource_id, created_at DESC)
	`); err != nil {
		return fmt.Errorf("failed to create attestations index: %w", err)
	}
	return nil
}

// UpsertGrant stores or replaces a grant by access token.
func (s *RecordStore) UpsertGrant(ctx context.Context, g *payment.AccessGrant) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var expires sql.NullInt64
	if g.ExpiresAt != nil {
		expires = sql.NullInt64{Int64: g.ExpiresAt.UnixMilli(), Valid: true}
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO access_grants
		(access_token, resource_id, access_type, transaction_id, status, issued_at, expires_at, consumed)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, g.AccessToken, g.ResourceID, string(g.AccessType), g.TransactionID,
		string(g.Status), g.IssuedAt.UnixMilli(), expires, g.Consumed)
	if err != nil {
		return fmt.Errorf("failed to upsert grant: %w", err)
	}
	return nil
}

// GetGrant loads a grant by access token. A missing token returns
// (nil, nil).
func (s *RecordStore) GetGrant(ctx context.Context, token string) (*payment.AccessGrant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRowContext(ctx, `
		SELECT access_token, resource_id, access_type, transaction_id, status, issued_at, expires_at, consumed
		FROM access_grants WHERE access_token = ?
	`, token)
	return scanGrant(row)
}

// GrantsForResource loads every grant issued against a resource, newest
// first.
func (s *RecordStore) GrantsForResource(ctx context.Context, resourceID string) ([]*payment.AccessGrant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT access_token, resource_id, access_type, transaction_id, status, issued_at, expires_at, consumed
		FROM access_grants WHERE resource_id = ? ORDER BY issued_at DESC
	`, resourceID)
	if err != nil {
		return nil, fmt.Errorf("failed to query grants: %w", err)
	}
	defer rows.Close()

	var grants []*payment.AccessGrant
	for rows.Next() {
		g, err := scanGrant(rows)
		if err != nil {
			return nil, err
		}
		grants = append(grants, g)
	}
	return grants, rows.Err()
}

// PruneExpiredGrants deletes time-based grants whose expiry has passed and
// returns how many were removed.
func (s *RecordStore) PruneExpiredGrants(ctx context.Context, now time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, `
		DELETE FROM access_grants WHERE expires_at IS NOT NULL AND expires_at < ?
	`, now.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("failed to prune grants: %w", err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		log.Debugf("pruned %d expired grants", n)
	}
	return n, nil
}

// UpsertAttestation stores or replaces a record by idempotency key.
func (s *RecordStore) UpsertAttestation(ctx context.Context, r *attest.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO attestations
		(idempotency_key, resource_id, resource_type, content_hash, transaction_id, overlay_topic, status, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, r.Key(), r.ResourceID, r.ResourceType, r.ContentHash, r.TransactionID,
		r.OverlayTopic, string(r.Status), r.CreatedAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("failed to upsert attestation: %w", err)
	}
	return nil
}

// GetAttestation loads a record by resource id and content hash. A missing
// record returns (nil, nil).
func (s *RecordStore) GetAttestation(ctx context.Context, resourceID, contentHash string) (*attest.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRowContext(ctx, `
		SELECT resource_id, resource_type, content_hash, transaction_id, overlay_topic, status, created_at
		FROM attestations WHERE idempotency_key = ?
	`, attest.IdempotencyKey(resourceID, contentHash))
	return scanAttestation(row)
}

// AttestationsForResource loads every attestation of a resource, newest
// first. Superseded content hashes stay in the history.
func (s *RecordStore) AttestationsForResource(ctx context.Context, resourceID string) ([]*attest.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT resource_id, resource_type, content_hash, transaction_id, overlay_topic, status, created_at
		FROM attestations WHERE resource_id = ? ORDER BY created_at DESC
	`, resourceID)
	if err != nil {
		return nil, fmt.Errorf("failed to query attestations: %w", err)
	}
	defer rows.Close()

	var records []*attest.Record
	for rows.Next() {
		r, err := scanAttestation(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, r)
	}
	return records, rows.Err()
}

// Stats returns row counts per table.
func (s *RecordStore) Stats(ctx context.Context) (map[string]int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := make(map[string]int64)
	for _, table := range []string{"access_grants", "attestations"} {
		var count int64
		if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+table).Scan(&count); err != nil {
			return nil, fmt.Errorf("failed to count %s: %w", table, err)
		}
		stats[table] = count
	}
	return stats, nil
}

// Close closes the database.
func (s *RecordStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.Close()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanGrant(row rowScanner) (*payment.AccessGrant, error) {
	var (
		g         payment.AccessGrant
		at        string
		status    string
		issuedAt  int64
		expiresAt sql.NullInt64
	)
	err := row.Scan(&g.AccessToken, &g.ResourceID, &at, &g.TransactionID,
		&status, &issuedAt, &expiresAt, &g.Consumed)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan grant: %w", err)
	}
	g.AccessType = payment.AccessType(at)
	g.Status = payment.GrantStatus(status)
	g.IssuedAt = time.UnixMilli(issuedAt).UTC()
	if expiresAt.Valid {
		expires := time.UnixMilli(expiresAt.Int64).UTC()
		g.ExpiresAt = &expires
	}
	return &g, nil
}

func scanAttestation(row rowScanner) (*attest.Record, error) {
	var (
		r         attest.Record
		status    string
		createdAt int64
	)
	err := row.Scan(&r.ResourceID, &r.ResourceType, &r.ContentHash,
		&r.TransactionID, &r.OverlayTopic, &status, &createdAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan attestation: %w", err)
	}
	r.Status = attest.DeliveryStatus(status)
	r.CreatedAt = time.UnixMilli(createdAt).UTC()
	return &r, nil
}
