package postgres

import (
	"context"
	"fmt"

	"github.com/camsync/camsync-export-service/internal/domain/entity"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
)

type ExportJobRepository struct {
	pool *pgxpool.Pool
}

func NewExportJobRepository(pool *pgxpool.Pool) *ExportJobRepository {
	return &ExportJobRepository{pool: pool}
}

func (r *ExportJobRepository) Create(ctx context.Context, job *entity.ExportJob) error {
	query := `
		INSERT INTO export_jobs (
			id, user_id, kind, source_keys, frame_offsets, status,
			window_start, window_end, frame_count, artifact_keys,
			attempt, max_attempts, error_message,
			created_at, updated_at, completed_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16)`

	_, err := r.pool.Exec(ctx, query,
		job.ID, job.UserID, string(job.Kind), job.SourceKeys, job.FrameOffsets,
		string(job.Status), job.WindowStart, job.WindowEnd, job.FrameCount,
		job.ArtifactKeys, job.Attempt, job.MaxAttempts, job.ErrorMessage,
		job.CreatedAt, job.UpdatedAt, job.CompletedAt,
	)
	if err != nil {
		return fmt.Errorf("insert export job: %w", err)
	}
	return nil
}

func (r *ExportJobRepository) Update(ctx context.Context, job *entity.ExportJob) error {
	query := `
		UPDATE export_jobs SET
			status=$2, window_start=$3, window_end=$4, frame_count=$5,
			artifact_keys=$6, attempt=$7, error_message=$8,
			updated_at=$9, completed_at=$10
		WHERE id=$1`

	_, err := r.pool.Exec(ctx, query,
		job.ID, string(job.Status), job.WindowStart, job.WindowEnd,
		job.FrameCount, job.ArtifactKeys, job.Attempt, job.ErrorMessage,
		job.UpdatedAt, job.CompletedAt,
	)
	if err != nil {
		return fmt.Errorf("update export job: %w", err)
	}
	return nil
}

func (r *ExportJobRepository) FindByID(ctx context.Context, id uuid.UUID) (*entity.ExportJob, error) {
	query := `
		SELECT id, user_id, kind, source_keys, frame_offsets, status,
			window_start, window_end, frame_count, artifact_keys,
			attempt, max_attempts, error_message,
			created_at, updated_at, completed_at
		FROM export_jobs WHERE id=$1`

	job := &entity.ExportJob{}
	var kind, status string
	err := r.pool.QueryRow(ctx, query, id).Scan(
		&job.ID, &job.UserID, &kind, &job.SourceKeys, &job.FrameOffsets, &status,
		&job.WindowStart, &job.WindowEnd, &job.FrameCount, &job.ArtifactKeys,
		&job.Attempt, &job.MaxAttempts, &job.ErrorMessage,
		&job.CreatedAt, &job.UpdatedAt, &job.CompletedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("find export job by id: %w", err)
	}
	job.Kind = entity.ExportKind(kind)
	job.Status = entity.JobStatus(status)
	return job, nil
}
