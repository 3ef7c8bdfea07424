// internal/store/postgres.go
// PostgreSQL implementation of the Store interface. This implementation is
// intended for production use with persistent data storage.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/heliocloud/registration-go/internal/model"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

type postgres struct {
	db *pgxpool.Pool // Connection pool to PostgreSQL database
}

// NewPostgres creates a new PostgreSQL record store. It establishes a
// connection pool and initializes the schema.
func NewPostgres(dsn string) (Store, error) {
	config, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("invalid database DSN: %w", err)
	}

	// Connection pool settings
	config.MaxConns = 20
	config.MinConns = 5
	config.MaxConnLifetime = time.Hour
	config.MaxConnIdleTime = time.Minute * 30
	config.HealthCheckPeriod = time.Minute

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if err := initSchema(ctx, pool); err != nil {
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return &postgres{db: pool}, nil
}

// initSchema creates the registry tables and indexes if they don't already
// exist. Called automatically when creating a new PostgreSQL store.
func initSchema(ctx context.Context, db *pgxpool.Pool) error {
	schema := `
		-- File records: one row per registered file
		CREATE TABLE IF NOT EXISTS file_records (
		    s3_filekey TEXT PRIMARY KEY,             -- Object-store key
		    dataset TEXT NOT NULL,                   -- Owning dataset id
		    mission TEXT NOT NULL,                   -- Mission the dataset belongs to
		    start_date TIMESTAMP WITH TIME ZONE NOT NULL,  -- First sample time
		    end_date TIMESTAMP WITH TIME ZONE,       -- Last sample time (optional)
		    file_size BIGINT NOT NULL CHECK (file_size >= 0),
		    checksum TEXT,
		    checksum_algorithm TEXT,
		    source_update TIMESTAMP WITH TIME ZONE NOT NULL,  -- Upstream last-modified
		    source_type TEXT NOT NULL
		);

		-- The dataset_datesort secondary index for summary recomputes
		CREATE INDEX IF NOT EXISTS idx_dataset_datesort ON file_records(dataset, start_date);

		-- Dataset summaries: derived aggregates, composite key (mission, dataset)
		CREATE TABLE IF NOT EXISTS dataset_summaries (
		    mission TEXT NOT NULL,
		    dataset TEXT NOT NULL,
		    dataset_start TIMESTAMP WITH TIME ZONE NOT NULL,
		    dataset_end TIMESTAMP WITH TIME ZONE NOT NULL,
		    file_count BIGINT NOT NULL,
		    PRIMARY KEY (mission, dataset)
		);

		-- Failure journal (append-only)
		CREATE TABLE IF NOT EXISTS failure_journal (
		    s3_filekey TEXT NOT NULL,
		    upload_date TIMESTAMP WITH TIME ZONE NOT NULL,
		    mission TEXT, spacecraft TEXT, dataset TEXT,
		    instr TEXT, instr_mode TEXT, level_proc TEXT, source TEXT,
		    download_url TEXT, s3_filename TEXT, s3_bucket TEXT,
		    source_update TIMESTAMP WITH TIME ZONE,
		    fail_type TEXT NOT NULL,
		    fail_cause TEXT NOT NULL,
		    PRIMARY KEY (s3_filekey, upload_date)
		);
	`

	_, err := db.Exec(ctx, schema)
	return err
}

// Close closes the database connection pool
func (p *postgres) Close() {
	p.db.Close()
}

// GetFileRecord retrieves a file record by its object key
func (p *postgres) GetFileRecord(ctx context.Context, key string) (*model.RegisteredFile, error) {
	query := `SELECT s3_filekey, dataset, mission, start_date, end_date, file_size,
	                 checksum, checksum_algorithm, source_update, source_type
	          FROM file_records WHERE s3_filekey = $1`

	var rec model.RegisteredFile
	var checksum, algorithm *string
	err := p.db.QueryRow(ctx, query, key).Scan(
		&rec.Key, &rec.Dataset, &rec.Mission, &rec.StartDate, &rec.EndDate,
		&rec.FileSize, &checksum, &algorithm, &rec.SourceUpdate, &rec.SourceType,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get file record: %w", err)
	}
	if checksum != nil {
		rec.Checksum = *checksum
	}
	if algorithm != nil {
		rec.ChecksumAlgorithm = *algorithm
	}
	return &rec, nil
}

// PutFileRecord upserts a file record keyed by the object key
func (p *postgres) PutFileRecord(ctx context.Context, rec model.RegisteredFile) error {
	if err := rec.Validate(); err != nil {
		return fmt.Errorf("invalid file record: %w", err)
	}

	query := `INSERT INTO file_records
	          (s3_filekey, dataset, mission, start_date, end_date, file_size,
	           checksum, checksum_algorithm, source_update, source_type)
	          VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	          ON CONFLICT (s3_filekey) DO UPDATE
	          SET dataset = $2, mission = $3, start_date = $4, end_date = $5,
	              file_size = $6, checksum = $7, checksum_algorithm = $8,
	              source_update = $9, source_type = $10`

	_, err := p.db.Exec(ctx, query,
		rec.Key, rec.Dataset, rec.Mission, rec.StartDate, rec.EndDate,
		rec.FileSize, nullable(rec.Checksum), nullable(rec.ChecksumAlgorithm),
		rec.SourceUpdate, string(rec.SourceType))
	if err != nil {
		return fmt.Errorf("failed to put file record: %w", err)
	}
	return nil
}

// DeleteFileRecord deletes a file record by its object key
func (p *postgres) DeleteFileRecord(ctx context.Context, key string) error {
	result, err := p.db.Exec(ctx, `DELETE FROM file_records WHERE s3_filekey = $1`, key)
	if err != nil {
		return fmt.Errorf("failed to delete file record: %w", err)
	}
	if result.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// ListFilesByDataset lists a dataset's file records via the dataset_datesort
// index, ordered by start_date
func (p *postgres) ListFilesByDataset(ctx context.Context, dataset string) ([]model.RegisteredFile, error) {
	query := `SELECT s3_filekey, dataset, mission, start_date, end_date, file_size,
	                 checksum, checksum_algorithm, source_update, source_type
	          FROM file_records WHERE dataset = $1 ORDER BY start_date ASC`

	rows, err := p.db.Query(ctx, query, dataset)
	if err != nil {
		return nil, fmt.Errorf("failed to list file records: %w", err)
	}
	defer rows.Close()

	var records []model.RegisteredFile
	for rows.Next() {
		var rec model.RegisteredFile
		var checksum, algorithm *string
		err := rows.Scan(
			&rec.Key, &rec.Dataset, &rec.Mission, &rec.StartDate, &rec.EndDate,
			&rec.FileSize, &checksum, &algorithm, &rec.SourceUpdate, &rec.SourceType,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan file record: %w", err)
		}
		if checksum != nil {
			rec.Checksum = *checksum
		}
		if algorithm != nil {
			rec.ChecksumAlgorithm = *algorithm
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating file records: %w", err)
	}
	return records, nil
}

// GetSummary retrieves a dataset summary by its composite key
func (p *postgres) GetSummary(ctx context.Context, mission, dataset string) (*model.DatasetSummary, error) {
	query := `SELECT mission, dataset, dataset_start, dataset_end, file_count
	          FROM dataset_summaries WHERE mission = $1 AND dataset = $2`

	var s model.DatasetSummary
	err := p.db.QueryRow(ctx, query, mission, dataset).Scan(
		&s.Mission, &s.Dataset, &s.DatasetStart, &s.DatasetEnd, &s.FileCount,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get summary: %w", err)
	}
	return &s, nil
}

// InsertSummary creates a summary row, failing with ErrConflict when one
// already exists for the composite key
func (p *postgres) InsertSummary(ctx context.Context, s model.DatasetSummary) error {
	query := `INSERT INTO dataset_summaries (mission, dataset, dataset_start, dataset_end, file_count)
	          VALUES ($1, $2, $3, $4, $5)`

	_, err := p.db.Exec(ctx, query, s.Mission, s.Dataset, s.DatasetStart, s.DatasetEnd, s.FileCount)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return ErrConflict
		}
		return fmt.Errorf("failed to insert summary: %w", err)
	}
	return nil
}

// UpdateSummaryGuarded writes the summary only while the stored file_count
// still equals expectedCount. A zero-row update means a concurrent writer got
// there first (ErrConflict) or the row is gone (ErrNotFound).
func (p *postgres) UpdateSummaryGuarded(ctx context.Context, s model.DatasetSummary, expectedCount int64) error {
	query := `UPDATE dataset_summaries
	          SET dataset_start = $1, dataset_end = $2, file_count = $3
	          WHERE mission = $4 AND dataset = $5 AND file_count = $6`

	result, err := p.db.Exec(ctx, query,
		s.DatasetStart, s.DatasetEnd, s.FileCount, s.Mission, s.Dataset, expectedCount)
	if err != nil {
		return fmt.Errorf("failed to update summary: %w", err)
	}
	if result.RowsAffected() == 0 {
		if _, err := p.GetSummary(ctx, s.Mission, s.Dataset); errors.Is(err, ErrNotFound) {
			return ErrNotFound
		}
		return ErrConflict
	}
	return nil
}

// PutSummary unconditionally upserts the summary row (full recompute path)
func (p *postgres) PutSummary(ctx context.Context, s model.DatasetSummary) error {
	query := `INSERT INTO dataset_summaries (mission, dataset, dataset_start, dataset_end, file_count)
	          VALUES ($1, $2, $3, $4, $5)
	          ON CONFLICT (mission, dataset) DO UPDATE
	          SET dataset_start = $3, dataset_end = $4, file_count = $5`

	_, err := p.db.Exec(ctx, query, s.Mission, s.Dataset, s.DatasetStart, s.DatasetEnd, s.FileCount)
	if err != nil {
		return fmt.Errorf("failed to put summary: %w", err)
	}
	return nil
}

// DeleteSummary removes the summary row for the composite key
func (p *postgres) DeleteSummary(ctx context.Context, mission, dataset string) error {
	_, err := p.db.Exec(ctx,
		`DELETE FROM dataset_summaries WHERE mission = $1 AND dataset = $2`, mission, dataset)
	if err != nil {
		return fmt.Errorf("failed to delete summary: %w", err)
	}
	return nil
}

// AppendFailure appends a failure journal row
func (p *postgres) AppendFailure(ctx context.Context, e model.FailureEntry) error {
	query := `INSERT INTO failure_journal
	          (s3_filekey, upload_date, mission, spacecraft, dataset, instr, instr_mode,
	           level_proc, source, download_url, s3_filename, s3_bucket, source_update,
	           fail_type, fail_cause)
	          VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`

	_, err := p.db.Exec(ctx, query,
		e.Key, e.UploadDate, e.Job.Mission, e.Job.Spacecraft, e.Job.Dataset,
		e.Job.Instr, e.Job.InstrMode, e.Job.LevelProc, e.Job.Source,
		e.Job.DownloadURL, e.Job.S3Filename, e.Job.S3Bucket, e.Job.SourceUpdate,
		e.FailType, e.FailCause)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return ErrConflict
		}
		return fmt.Errorf("failed to append failure: %w", err)
	}
	return nil
}

// ListFailures lists the journal rows for one object key
func (p *postgres) ListFailures(ctx context.Context, key string) ([]model.FailureEntry, error) {
	query := `SELECT s3_filekey, upload_date, mission, spacecraft, dataset, instr, instr_mode,
	                 level_proc, source, download_url, s3_filename, s3_bucket, source_update,
	                 fail_type, fail_cause
	          FROM failure_journal WHERE s3_filekey = $1 ORDER BY upload_date ASC`

	rows, err := p.db.Query(ctx, query, key)
	if err != nil {
		return nil, fmt.Errorf("failed to list failures: %w", err)
	}
	defer rows.Close()

	var entries []model.FailureEntry
	for rows.Next() {
		var e model.FailureEntry
		err := rows.Scan(
			&e.Key, &e.UploadDate, &e.Job.Mission, &e.Job.Spacecraft, &e.Job.Dataset,
			&e.Job.Instr, &e.Job.InstrMode, &e.Job.LevelProc, &e.Job.Source,
			&e.Job.DownloadURL, &e.Job.S3Filename, &e.Job.S3Bucket, &e.Job.SourceUpdate,
			&e.FailType, &e.FailCause,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan failure: %w", err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating failures: %w", err)
	}
	return entries, nil
}

// nullable maps an empty string to NULL for optional text columns
func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
