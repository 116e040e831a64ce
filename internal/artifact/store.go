package artifact

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"

	"github.com/roastwatch/roastwatch/internal/model"
)

const schema = `
CREATE TABLE IF NOT EXISTS raw_artifacts (
	artifact_id       TEXT PRIMARY KEY,
	roaster_id        INTEGER NOT NULL,
	run_id            TEXT NOT NULL,
	source            TEXT NOT NULL,
	scraped_at        TIMESTAMP NOT NULL,
	payload_hash      TEXT NOT NULL,
	http_status       INTEGER NOT NULL,
	download_ms       INTEGER NOT NULL,
	size_bytes        INTEGER NOT NULL,
	validation_status TEXT NOT NULL,
	validation_errors TEXT NOT NULL DEFAULT '[]',
	needs_review      INTEGER NOT NULL DEFAULT 0,
	created_at        TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_raw_artifacts_hash ON raw_artifacts(payload_hash);
CREATE INDEX IF NOT EXISTS idx_raw_artifacts_roaster ON raw_artifacts(roaster_id, scraped_at);
`

// Store persists raw artifacts: payload blobs on disk, content-addressed
// by SHA-256, with a sqlite metadata index. Append-only; artifacts are
// never updated except for their validation verdict.
type Store struct {
	db      *sqlx.DB
	blobDir string
}

// Open creates or opens the artifact store at dir. The index lives in
// dir/index.db, blobs under dir/blobs/.
func Open(dir string) (*Store, error) {
	blobDir := filepath.Join(dir, "blobs")
	if err := os.MkdirAll(blobDir, 0o755); err != nil {
		return nil, fmt.Errorf("create blob dir: %w", err)
	}

	db, err := sqlx.Open("sqlite", filepath.Join(dir, "index.db"))
	if err != nil {
		return nil, fmt.Errorf("open artifact index: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate artifact index: %w", err)
	}
	return &Store{db: db, blobDir: blobDir}, nil
}

// Close releases the index handle.
func (s *Store) Close() error { return s.db.Close() }

// HashPayload returns the hex SHA-256 of a payload.
func HashPayload(payload []byte) string {
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:])
}

func (s *Store) blobPath(hash string) string {
	return filepath.Join(s.blobDir, hash[:2], hash)
}

// PersistRaw writes the artifact's payload and metadata, returning the
// artifact ID. Byte-equal payloads share one blob; the metadata row is
// always appended so every fetch remains replayable. This must complete
// before normalization starts.
func (s *Store) PersistRaw(ctx context.Context, a *model.RawArtifact) (string, error) {
	if a.PayloadHash == "" {
		a.PayloadHash = HashPayload(a.Payload)
	}
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	if a.ScrapedAt.IsZero() {
		a.ScrapedAt = time.Now().UTC()
	}
	if a.ValidationStatus == "" {
		a.ValidationStatus = model.ValidationValid
	}

	path := s.blobPath(a.PayloadHash)
	if _, err := os.Stat(path); os.IsNotExist(err) {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return "", fmt.Errorf("create blob shard: %w", err)
		}
		tmp := path + ".tmp." + a.ID
		if err := os.WriteFile(tmp, a.Payload, 0o644); err != nil {
			return "", fmt.Errorf("write blob: %w", err)
		}
		if err := os.Rename(tmp, path); err != nil {
			os.Remove(tmp)
			return "", fmt.Errorf("commit blob: %w", err)
		}
	}

	verrs, err := json.Marshal(a.ValidationErrors)
	if err != nil {
		return "", err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO raw_artifacts
			(artifact_id, roaster_id, run_id, source, scraped_at, payload_hash,
			 http_status, download_ms, size_bytes, validation_status, validation_errors, needs_review)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.RoasterID, a.RunID, a.Source, a.ScrapedAt, a.PayloadHash,
		a.HTTPStatus, a.DownloadMs, a.SizeBytes, a.ValidationStatus, string(verrs), a.NeedsReview)
	if err != nil {
		return "", fmt.Errorf("index artifact: %w", err)
	}

	log.Debug().Str("artifact", a.ID).Str("hash", a.PayloadHash[:12]).
		Int64("bytes", a.SizeBytes).Msg("raw artifact persisted")
	return a.ID, nil
}

// MarkValidation records the validation verdict for an artifact.
func (s *Store) MarkValidation(ctx context.Context, artifactID string, status model.ValidationStatus, verrs []string) error {
	encoded, err := json.Marshal(verrs)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`UPDATE raw_artifacts SET validation_status = ?, validation_errors = ? WHERE artifact_id = ?`,
		status, string(encoded), artifactID)
	return err
}

// Payload loads the raw bytes for an artifact, for replay.
func (s *Store) Payload(ctx context.Context, artifactID string) ([]byte, error) {
	var hash string
	if err := s.db.GetContext(ctx, &hash,
		`SELECT payload_hash FROM raw_artifacts WHERE artifact_id = ?`, artifactID); err != nil {
		return nil, fmt.Errorf("artifact %s: %w", artifactID, err)
	}
	return os.ReadFile(s.blobPath(hash))
}

// Get loads artifact metadata.
func (s *Store) Get(ctx context.Context, artifactID string) (*model.RawArtifact, error) {
	row := struct {
		model.RawArtifact
		ValidationErrorsJSON string `db:"validation_errors"`
	}{}
	err := s.db.GetContext(ctx, &row, `
		SELECT artifact_id, roaster_id, run_id, source, scraped_at, payload_hash,
		       http_status, download_ms, size_bytes, validation_status,
		       validation_errors, needs_review
		FROM raw_artifacts WHERE artifact_id = ?`, artifactID)
	if err != nil {
		return nil, err
	}
	a := row.RawArtifact
	_ = json.Unmarshal([]byte(row.ValidationErrorsJSON), &a.ValidationErrors)
	return &a, nil
}

// SeenHash reports whether a byte-equal payload was already persisted
// for the roaster.
func (s *Store) SeenHash(ctx context.Context, roasterID int64, hash string) (bool, error) {
	var n int
	err := s.db.GetContext(ctx, &n,
		`SELECT COUNT(1) FROM raw_artifacts WHERE roaster_id = ? AND payload_hash = ?`, roasterID, hash)
	return n > 0, err
}

// PruneBefore deletes index rows older than cutoff and any blobs no row
// references anymore. Retention is bounded (90 days by default upstream).
func (s *Store) PruneBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	var hashes []string
	if err := s.db.SelectContext(ctx, &hashes, `
		SELECT DISTINCT payload_hash FROM raw_artifacts a
		WHERE scraped_at < ?
		  AND NOT EXISTS (
			SELECT 1 FROM raw_artifacts b
			WHERE b.payload_hash = a.payload_hash AND b.scraped_at >= ?
		  )`, cutoff, cutoff); err != nil {
		return 0, err
	}

	res, err := s.db.ExecContext(ctx, `DELETE FROM raw_artifacts WHERE scraped_at < ?`, cutoff)
	if err != nil {
		return 0, err
	}
	for _, h := range hashes {
		if err := os.Remove(s.blobPath(h)); err != nil && !os.IsNotExist(err) {
			log.Warn().Str("hash", h).Err(err).Msg("prune: blob removal failed")
		}
	}
	n, _ := res.RowsAffected()
	return n, nil
}
