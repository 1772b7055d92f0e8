package download

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// PGJobStore persists jobs in the download_jobs table.
type PGJobStore struct {
	DB *sql.DB
}

func (s *PGJobStore) Insert(ctx context.Context, j Job) error {
	_, err := s.DB.ExecContext(ctx, `
		INSERT INTO download_jobs (job_id, source_url, quality, output_path, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		j.ID, j.SourceURL, j.Quality, j.OutputPath, j.Status, j.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert download job: %w", err)
	}
	return nil
}

func (s *PGJobStore) Finish(ctx context.Context, id, status, errMsg string, finishedAt time.Time) error {
	_, err := s.DB.ExecContext(ctx, `
		UPDATE download_jobs SET status = $2, error = $3, finished_at = $4
		WHERE job_id = $1`,
		id, status, errMsg, finishedAt)
	if err != nil {
		return fmt.Errorf("finish download job: %w", err)
	}
	return nil
}

func (s *PGJobStore) Get(ctx context.Context, id string) (Job, error) {
	var (
		j        Job
		errMsg   sql.NullString
		finished sql.NullTime
	)
	err := s.DB.QueryRowContext(ctx, `
		SELECT job_id, source_url, quality, output_path, status, error, created_at, finished_at
		FROM download_jobs WHERE job_id = $1`, id).
		Scan(&j.ID, &j.SourceURL, &j.Quality, &j.OutputPath, &j.Status, &errMsg, &j.CreatedAt, &finished)
	if errors.Is(err, sql.ErrNoRows) {
		return Job{}, ErrJobNotFound
	}
	if err != nil {
		return Job{}, fmt.Errorf("get download job: %w", err)
	}
	if errMsg.Valid {
		j.Error = errMsg.String
	}
	if finished.Valid {
		t := finished.Time
		j.FinishedAt = &t
	}
	return j, nil
}
