package query

import (
	"context"
	"database/sql"
	"fmt"
	"path/filepath"
	"sync/atomic"

	_ "github.com/marcboeker/go-duckdb"
	"github.com/xtxerr/coreset/internal/storage/config"
	"github.com/xtxerr/coreset/internal/validation"
)

// Service runs analytic queries over Parquet archives with DuckDB.
type Service struct {
	config config.QueryConfig
	dir    string
	db     *sql.DB

	queries atomic.Int64
	rows    atomic.Int64
	errors  atomic.Int64
}

// BucketSummary aggregates the points of one archived bucket.
type BucketSummary struct {
	Storage     string
	Revision    int64
	Bucket      int32
	Epoch       int64
	Compressed  bool
	Points      int64
	TotalWeight float64
	MinWeight   float64
	MaxWeight   float64
}

// Filter selects archived rows. An empty Storage matches every storage;
// Prefix further restricts to storages whose name starts with it.
// Latest restricts each storage to its newest exported revision.
type Filter struct {
	Storage string
	Prefix  string
	Latest  bool
}

// New creates a query service over the archives in dir.
func New(dir string, cfg config.QueryConfig) (*Service, error) {
	db, err := sql.Open("duckdb", "")
	if err != nil {
		return nil, fmt.Errorf("open duckdb: %w", err)
	}

	if cfg.MemoryLimit != "" {
		if err := validation.ValidateMemoryLimit(cfg.MemoryLimit); err != nil {
			db.Close()
			return nil, err
		}
		_, err = db.Exec(fmt.Sprintf("SET memory_limit='%s'", cfg.MemoryLimit))
		if err != nil {
			db.Close()
			return nil, fmt.Errorf("set memory limit: %w", err)
		}
	}

	return &Service{
		config: cfg,
		dir:    dir,
		db:     db,
	}, nil
}

// Close closes the query service.
func (s *Service) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

func (s *Service) pattern() string {
	return filepath.Join(s.dir, "*.parquet")
}

// hasArchives reports whether any file matches the archive pattern.
// read_parquet fails on an empty glob.
func (s *Service) hasArchives() bool {
	matches, err := filepath.Glob(s.pattern())
	return err == nil && len(matches) > 0
}

// args binds $1 to the archive glob, $2 to the storage name and $3 to the
// escaped storage prefix.
func (s *Service) args(f Filter) []any {
	prefix := ""
	if f.Prefix != "" {
		prefix = validation.SafeLikePrefix(f.Prefix)
	}
	return []any{s.pattern(), f.Storage, prefix}
}

func (s *Service) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.config.Timeout > 0 {
		return context.WithTimeout(ctx, s.config.Timeout)
	}
	return context.WithCancel(ctx)
}

// source returns a FROM clause restricted by f. Its parameters are bound by
// args.
func source(f Filter) string {
	from := "read_parquet($1)"
	where := `($2 = '' OR storage = $2) AND ($3 = '' OR storage LIKE $3 ESCAPE '\')`
	if f.Latest {
		where += ` AND (storage, revision) IN (
			SELECT storage, max(revision) FROM read_parquet($1) GROUP BY storage)`
	}
	return from + " WHERE " + where
}

// BucketSummaries returns one summary per archived bucket, ordered by
// storage, revision and bucket position.
func (s *Service) BucketSummaries(ctx context.Context, f Filter) ([]BucketSummary, error) {
	if !s.hasArchives() {
		return nil, nil
	}

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	query := `
		SELECT
			storage, revision, bucket, epoch, compressed,
			count(*), sum(weight), min(weight), max(weight)
		FROM ` + source(f) + `
		GROUP BY storage, revision, bucket, epoch, compressed
		ORDER BY storage, revision, bucket
	`

	rows, err := s.db.QueryContext(ctx, query, s.args(f)...)
	if err != nil {
		s.errors.Add(1)
		return nil, fmt.Errorf("query buckets: %w", err)
	}
	defer rows.Close()

	var results []BucketSummary
	for rows.Next() {
		var b BucketSummary
		err := rows.Scan(
			&b.Storage, &b.Revision, &b.Bucket, &b.Epoch, &b.Compressed,
			&b.Points, &b.TotalWeight, &b.MinWeight, &b.MaxWeight,
		)
		if err != nil {
			s.errors.Add(1)
			return nil, fmt.Errorf("scan row: %w", err)
		}
		results = append(results, b)
	}
	if err := rows.Err(); err != nil {
		s.errors.Add(1)
		return nil, err
	}

	s.queries.Add(1)
	s.rows.Add(int64(len(results)))
	return results, nil
}

// TotalWeight returns the summed point weight of the matching rows.
func (s *Service) TotalWeight(ctx context.Context, f Filter) (float64, error) {
	if !s.hasArchives() {
		return 0, nil
	}

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	var total float64
	query := "SELECT coalesce(sum(weight), 0)::DOUBLE FROM " + source(f)
	if err := s.db.QueryRowContext(ctx, query, s.args(f)...).Scan(&total); err != nil {
		s.errors.Add(1)
		return 0, fmt.Errorf("query total weight: %w", err)
	}

	s.queries.Add(1)
	s.rows.Add(1)
	return total, nil
}

// Centroid returns the weighted mean of the matching points, one value per
// dimension. It returns nil when no rows match.
func (s *Service) Centroid(ctx context.Context, f Filter) ([]float64, error) {
	if !s.hasArchives() {
		return nil, nil
	}

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	query := `
		SELECT i, sum(weight * x) / sum(weight)
		FROM (
			SELECT weight, unnest(data) AS x, generate_subscripts(data, 1) AS i
			FROM ` + source(f) + `
		)
		GROUP BY i
		ORDER BY i
	`

	rows, err := s.db.QueryContext(ctx, query, s.args(f)...)
	if err != nil {
		s.errors.Add(1)
		return nil, fmt.Errorf("query centroid: %w", err)
	}
	defer rows.Close()

	var centroid []float64
	for rows.Next() {
		var i int64
		var v float64
		if err := rows.Scan(&i, &v); err != nil {
			s.errors.Add(1)
			return nil, fmt.Errorf("scan row: %w", err)
		}
		centroid = append(centroid, v)
	}
	if err := rows.Err(); err != nil {
		s.errors.Add(1)
		return nil, err
	}

	s.queries.Add(1)
	s.rows.Add(int64(len(centroid)))
	return centroid, nil
}

// Stats holds query statistics.
type Stats struct {
	QueriesExecuted int64
	RowsReturned    int64
	Errors          int64
}

// Stats returns query statistics.
func (s *Service) Stats() Stats {
	return Stats{
		QueriesExecuted: s.queries.Load(),
		RowsReturned:    s.rows.Load(),
		Errors:          s.errors.Load(),
	}
}

// ArchivePattern returns the glob of archive files, for use in ExecuteSQL
// queries through read_parquet.
func (s *Service) ArchivePattern() string {
	return s.pattern()
}

// ExecuteSQL executes a raw SQL query using DuckDB.
// This is useful for ad-hoc queries and debugging.
func (s *Service) ExecuteSQL(ctx context.Context, query string) ([]map[string]interface{}, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		s.errors.Add(1)
		return nil, err
	}
	defer rows.Close()

	columns, err := rows.Columns()
	if err != nil {
		return nil, err
	}

	var results []map[string]interface{}

	for rows.Next() {
		values := make([]interface{}, len(columns))
		valuePtrs := make([]interface{}, len(columns))
		for i := range values {
			valuePtrs[i] = &values[i]
		}

		if err := rows.Scan(valuePtrs...); err != nil {
			return nil, err
		}

		row := make(map[string]interface{})
		for i, col := range columns {
			row[col] = values[i]
		}
		results = append(results, row)
	}

	s.queries.Add(1)
	s.rows.Add(int64(len(results)))

	return results, rows.Err()
}
