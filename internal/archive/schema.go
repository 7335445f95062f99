// Package archive stores detection events in PostgreSQL with their feature
// vectors in a pgvector column, so past detections can be listed and
// searched by acoustic similarity.
//
// The pgvector extension must be available in the target database; [Migrate]
// installs it via CREATE EXTENSION IF NOT EXISTS.
//
// Usage:
//
//	store, err := archive.NewStore(ctx, dsn, extractor.Len())
//	if err != nil { … }
//	defer store.Close()
//
//	_ = store.Publish(ctx, ev)
//	matches, _ := store.Similar(ctx, ev.Features, 5)
package archive

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// ddlDetections returns the DDL with the feature dimension substituted.
// The dimension is baked into the column type at schema creation time.
func ddlDetections(dim int) string {
	return fmt.Sprintf(`
CREATE EXTENSION IF NOT EXISTS vector;

CREATE TABLE IF NOT EXISTS detections (
    id          TEXT         PRIMARY KEY,
    timestamp   TIMESTAMPTZ  NOT NULL,
    confidence  DOUBLE PRECISION NOT NULL,
    source      TEXT         NOT NULL DEFAULT '',
    provenance  TEXT         NOT NULL DEFAULT '',
    audio_file  TEXT         NOT NULL DEFAULT '',
    features    vector(%d)
);

CREATE INDEX IF NOT EXISTS idx_detections_timestamp
    ON detections (timestamp);

CREATE INDEX IF NOT EXISTS idx_detections_features
    ON detections USING hnsw (features vector_cosine_ops);
`, dim)
}

// Migrate creates the detections table and its indexes. It is idempotent and
// safe to call on every start.
//
// dim must match the feature extractor's vector length. Changing feature mode
// or MFCC count after the first migration requires dropping the table.
func Migrate(ctx context.Context, pool *pgxpool.Pool, dim int) error {
	if dim <= 0 {
		return fmt.Errorf("archive migrate: dimension must be positive, got %d", dim)
	}
	if _, err := pool.Exec(ctx, ddlDetections(dim)); err != nil {
		return fmt.Errorf("archive migrate: %w", err)
	}
	return nil
}
