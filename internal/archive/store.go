package archive

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	pgvector "github.com/pgvector/pgvector-go"
	pgxvec "github.com/pgvector/pgvector-go/pgx"

	"github.com/MrWong99/cradlewatch/internal/dispatch"
	"github.com/MrWong99/cradlewatch/pkg/classifier"
)

var _ dispatch.Sink = (*Store)(nil)

// ErrDimension is returned when a feature vector does not match the archive's
// column dimension.
var ErrDimension = errors.New("archive: feature dimension mismatch")

// Record is one archived detection.
type Record struct {
	ID        string    `json:"id"`
	Timestamp time.Time `json:"timestamp"`

	// Confidence in [0, 1].
	Confidence float64               `json:"confidence"`
	Source     string                `json:"source"`
	Provenance classifier.Provenance `json:"provenance"`
	AudioFile  string                `json:"audio_file,omitempty"`
	Features   []float64             `json:"audio_features,omitempty"`
}

// Match is a [Record] with its cosine distance to a query vector.
type Match struct {
	Record
	Distance float64 `json:"distance"`
}

// Store is the PostgreSQL-backed detection archive. It is safe for
// concurrent use.
type Store struct {
	pool *pgxpool.Pool
	dim  int
}

// NewStore opens a pool to dsn, registers pgvector types on every connection
// and runs [Migrate].
func NewStore(ctx context.Context, dsn string, dim int) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("archive: parse dsn: %w", err)
	}
	cfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		return pgxvec.RegisterTypes(ctx, conn)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("archive: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("archive: ping: %w", err)
	}
	if err := Migrate(ctx, pool, dim); err != nil {
		pool.Close()
		return nil, fmt.Errorf("archive: %w", err)
	}
	return &Store{pool: pool, dim: dim}, nil
}

// Name implements [dispatch.Sink].
func (s *Store) Name() string { return "archive" }

// Dim returns the feature vector dimension of the archive.
func (s *Store) Dim() int { return s.dim }

// Publish implements [dispatch.Sink]. Events without features (manual
// pushes) are stored with a NULL vector.
func (s *Store) Publish(ctx context.Context, ev dispatch.Event) error {
	const q = `
		INSERT INTO detections
		    (id, timestamp, confidence, source, provenance, audio_file, features)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO NOTHING`

	var vec *pgvector.Vector
	if len(ev.Features) > 0 {
		v, err := Vector(ev.Features, s.dim)
		if err != nil {
			return err
		}
		vec = &v
	}
	_, err := s.pool.Exec(ctx, q,
		ev.ID,
		ev.Timestamp,
		ev.Fraction(),
		ev.Source,
		string(ev.Provenance),
		ev.AudioFilePath,
		vec,
	)
	if err != nil {
		return fmt.Errorf("archive: insert %s: %w", ev.ID, err)
	}
	return nil
}

// Similar returns up to k archived detections closest to features by cosine
// distance, most similar first. Detections without features are skipped.
func (s *Store) Similar(ctx context.Context, features []float64, k int) ([]Match, error) {
	if k <= 0 {
		return []Match{}, nil
	}
	query, err := Vector(features, s.dim)
	if err != nil {
		return nil, err
	}

	const q = `
		SELECT id, timestamp, confidence, source, provenance, audio_file, features,
		       features <=> $1 AS distance
		FROM   detections
		WHERE  features IS NOT NULL
		ORDER  BY distance
		LIMIT  $2`

	rows, err := s.pool.Query(ctx, q, query, k)
	if err != nil {
		return nil, fmt.Errorf("archive: similar: %w", err)
	}
	matches, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (Match, error) {
		var m Match
		if err := scanRecord(row, &m.Record, &m.Distance); err != nil {
			return Match{}, err
		}
		return m, nil
	})
	if err != nil {
		return nil, fmt.Errorf("archive: scan rows: %w", err)
	}
	if matches == nil {
		matches = []Match{}
	}
	return matches, nil
}

// Get returns the record with the given event ID.
func (s *Store) Get(ctx context.Context, id string) (Record, error) {
	const q = `
		SELECT id, timestamp, confidence, source, provenance, audio_file, features
		FROM   detections
		WHERE  id = $1`

	var r Record
	if err := scanRecord(s.pool.QueryRow(ctx, q, id), &r); err != nil {
		return Record{}, fmt.Errorf("archive: get %s: %w", id, err)
	}
	return r, nil
}

// Ping verifies the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close releases all pooled connections.
func (s *Store) Close() {
	s.pool.Close()
}

// scanRecord scans the common detection columns followed by extra.
// A NULL features column leaves r.Features nil.
func scanRecord(row pgx.Row, r *Record, extra ...any) error {
	var (
		prov string
		vec  *pgvector.Vector
	)
	dest := append([]any{&r.ID, &r.Timestamp, &r.Confidence, &r.Source, &prov, &r.AudioFile, &vec}, extra...)
	if err := row.Scan(dest...); err != nil {
		return err
	}
	r.Provenance = classifier.Provenance(prov)
	if vec != nil {
		r.Features = Float64s(vec.Slice())
	}
	return nil
}

// Vector converts features to a pgvector value, checking its length.
func Vector(features []float64, dim int) (pgvector.Vector, error) {
	if len(features) != dim {
		return pgvector.Vector{}, fmt.Errorf("%w: got %d, want %d", ErrDimension, len(features), dim)
	}
	f := make([]float32, len(features))
	for i, v := range features {
		f[i] = float32(v)
	}
	return pgvector.NewVector(f), nil
}

// Float64s widens a stored vector back to the feature representation.
func Float64s(v []float32) []float64 {
	out := make([]float64, len(v))
	for i, x := range v {
		out[i] = float64(x)
	}
	return out
}
