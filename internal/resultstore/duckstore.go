// Package resultstore keeps per-page OCR results in a temporary DuckDB file
// so page text of large documents can be queried without holding it in RAM.
package resultstore

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/marcboeker/go-duckdb"

	"github.com/rules-engine/ocr-service/internal/models"
)

// Store persists page results for finished jobs and serves paginated reads.
type Store struct {
	db     *sql.DB
	dbPath string
	log    *slog.Logger

	mu   sync.Mutex
	jobs map[string]int // jobID -> page count

	// limits concurrent reads to keep DuckDB memory bounded
	querySem chan struct{}
}

// New creates a DuckDB-backed store in tempDir. The database file is removed
// on Close.
func New(tempDir string, log *slog.Logger) (*Store, error) {
	if log == nil {
		log = slog.Default()
	}
	dbPath := filepath.Join(tempDir, "pages.duckdb")

	connector, err := duckdb.NewConnector(dbPath, func(execer driver.ExecerContext) error {
		pragmas := []string{
			"PRAGMA memory_limit='512MB'",
			"PRAGMA threads=2",
			"PRAGMA enable_progress_bar=false",
		}
		for _, pragma := range pragmas {
			if _, err := execer.ExecContext(context.Background(), pragma, nil); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("creating DuckDB connector: %w", err)
	}

	db := sql.OpenDB(connector)
	_, err = db.Exec(`
		CREATE TABLE IF NOT EXISTS pages (
			job_id     VARCHAR NOT NULL,
			page       INTEGER NOT NULL,
			text       VARCHAR,
			confidence DOUBLE NOT NULL,
			error      VARCHAR
		)
	`)
	if err != nil {
		db.Close()
		os.Remove(dbPath)
		return nil, fmt.Errorf("creating pages table: %w", err)
	}

	log.Info("result store ready", "path", dbPath)
	return &Store{
		db:       db,
		dbPath:   dbPath,
		log:      log,
		jobs:     make(map[string]int),
		querySem: make(chan struct{}, 3),
	}, nil
}

// SavePages writes a job's page results in one appender batch.
func (s *Store) SavePages(jobID string, pages []models.PageResult) error {
	conn, err := s.db.Conn(context.Background())
	if err != nil {
		return fmt.Errorf("getting connection: %w", err)
	}
	defer conn.Close()

	err = conn.Raw(func(driverConn interface{}) error {
		dConn, ok := driverConn.(*duckdb.Conn)
		if !ok {
			return fmt.Errorf("unexpected driver connection type %T", driverConn)
		}
		appender, err := duckdb.NewAppenderFromConn(dConn, "", "pages")
		if err != nil {
			return fmt.Errorf("creating appender: %w", err)
		}
		defer appender.Close()

		for _, p := range pages {
			if err := appender.AppendRow(jobID, int32(p.Page), p.Text, p.Confidence, p.Error); err != nil {
				return fmt.Errorf("appending page %d: %w", p.Page, err)
			}
		}
		return appender.Flush()
	})
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.jobs[jobID] = len(pages)
	s.mu.Unlock()

	s.log.Debug("page results saved", "job", jobID, "pages", len(pages))
	return nil
}

// PageCount returns the stored page count for a job, or false if unknown.
func (s *Store) PageCount(jobID string) (int, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, ok := s.jobs[jobID]
	return n, ok
}

// Pages returns one page of results ordered by page number. page is
// 1-based; total reports the job's full page count.
func (s *Store) Pages(ctx context.Context, jobID string, page, pageSize int) (results []models.PageResult, total int, err error) {
	select {
	case s.querySem <- struct{}{}:
		defer func() { <-s.querySem }()
	case <-ctx.Done():
		return nil, 0, ctx.Err()
	}

	s.mu.Lock()
	total, ok := s.jobs[jobID]
	s.mu.Unlock()
	if !ok {
		return nil, 0, sql.ErrNoRows
	}

	if page < 1 {
		page = 1
	}
	if pageSize < 1 {
		pageSize = 50
	}
	offset := (page - 1) * pageSize

	rows, err := s.db.QueryContext(ctx, `
		SELECT page, text, confidence, error
		FROM pages WHERE job_id = ?
		ORDER BY page LIMIT ? OFFSET ?
	`, jobID, pageSize, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("pages query: %w", err)
	}
	defer rows.Close()

	results = make([]models.PageResult, 0, pageSize)
	for rows.Next() {
		var (
			p      models.PageResult
			text   sql.NullString
			errMsg sql.NullString
		)
		if err := rows.Scan(&p.Page, &text, &p.Confidence, &errMsg); err != nil {
			return nil, 0, err
		}
		p.Text = text.String
		p.Error = errMsg.String
		results = append(results, p)
	}
	return results, total, rows.Err()
}

// DeleteJob drops a job's rows.
func (s *Store) DeleteJob(jobID string) error {
	s.mu.Lock()
	delete(s.jobs, jobID)
	s.mu.Unlock()

	_, err := s.db.Exec("DELETE FROM pages WHERE job_id = ?", jobID)
	if err != nil {
		return fmt.Errorf("deleting pages for job %s: %w", jobID, err)
	}
	return nil
}

// Close shuts the database down and removes its file.
func (s *Store) Close() error {
	if s.db != nil {
		s.db.Close()
	}
	if s.dbPath != "" {
		os.Remove(s.dbPath)
	}
	return nil
}
