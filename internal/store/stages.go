package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
)

const mainStageColumns = `id, project_id, stage_key, name, position, starred, completed, completed_at`

const subStageColumns = `id, main_stage_id, project_id, kind, name, position, enabled, starred, content::text, version, updated_at, updated_by`

func scanMainStage(row rowScanner) (MainStage, error) {
	var (
		stage       MainStage
		completedAt sql.NullTime
	)
	err := row.Scan(&stage.ID, &stage.ProjectID, &stage.Key, &stage.Name, &stage.Position,
		&stage.Starred, &stage.Completed, &completedAt)
	stage.CompletedAt = timePtr(completedAt)
	return stage, err
}

func scanSubStage(row rowScanner) (SubStage, error) {
	var (
		sub       SubStage
		content   sql.NullString
		updatedBy sql.NullString
	)
	err := row.Scan(&sub.ID, &sub.MainStageID, &sub.ProjectID, &sub.Kind, &sub.Name, &sub.Position,
		&sub.Enabled, &sub.Starred, &content, &sub.Version, &sub.UpdatedAt, &updatedBy)
	sub.Content = rawJSON(content)
	sub.UpdatedBy = stringPtr(updatedBy)
	return sub, err
}

// ListMainStages returns the project's stages in position order with their
// sub-stages attached, using two queries.
func (s *PostgresStore) ListMainStages(ctx context.Context, projectID string) ([]MainStage, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+mainStageColumns+` FROM main_stages WHERE project_id=$1 ORDER BY position ASC
	`, projectID)
	if err != nil {
		return nil, fmt.Errorf("list main stages: %w", err)
	}
	defer rows.Close()

	stages := make([]MainStage, 0, 5)
	index := map[string]int{}
	for rows.Next() {
		stage, err := scanMainStage(rows)
		if err != nil {
			return nil, fmt.Errorf("scan main stage: %w", err)
		}
		stage.SubStages = make([]SubStage, 0)
		index[stage.ID] = len(stages)
		stages = append(stages, stage)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	subRows, err := s.db.QueryContext(ctx, `
		SELECT `+subStageColumns+` FROM sub_stages WHERE project_id=$1 ORDER BY position ASC, id ASC
	`, projectID)
	if err != nil {
		return nil, fmt.Errorf("list sub stages: %w", err)
	}
	defer subRows.Close()

	for subRows.Next() {
		sub, err := scanSubStage(subRows)
		if err != nil {
			return nil, fmt.Errorf("scan sub stage: %w", err)
		}
		if i, ok := index[sub.MainStageID]; ok {
			stages[i].SubStages = append(stages[i].SubStages, sub)
		}
	}
	return stages, subRows.Err()
}

func (s *PostgresStore) GetMainStage(ctx context.Context, id string) (MainStage, error) {
	return scanMainStage(s.db.QueryRowContext(ctx, `SELECT `+mainStageColumns+` FROM main_stages WHERE id=$1`, id))
}

func (s *PostgresStore) GetSubStage(ctx context.Context, id string) (SubStage, error) {
	return scanSubStage(s.db.QueryRowContext(ctx, `SELECT `+subStageColumns+` FROM sub_stages WHERE id=$1`, id))
}

func (s *PostgresStore) UpdateMainStage(ctx context.Context, id string, patch MainStagePatch) (MainStage, error) {
	return scanMainStage(s.db.QueryRowContext(ctx, `
		UPDATE main_stages
		SET name = COALESCE($2::text, name), starred = COALESCE($3::boolean, starred)
		WHERE id = $1
		RETURNING `+mainStageColumns,
		id, patch.Name, patch.Starred))
}

// SetMainStageCompleted backs the legacy per-stage completion row.
func (s *PostgresStore) SetMainStageCompleted(ctx context.Context, projectID, key string, completed bool) (MainStage, error) {
	return scanMainStage(s.db.QueryRowContext(ctx, `
		UPDATE main_stages
		SET completed = $3,
			completed_at = CASE WHEN $3 THEN COALESCE(completed_at, NOW()) ELSE NULL END
		WHERE project_id = $1 AND stage_key = $2
		RETURNING `+mainStageColumns,
		projectID, key, completed))
}

// UpdateSubStage applies every set field of patch in a single statement and
// bumps the version. With expectedVersion set, a stale version yields
// ErrVersionConflict and leaves the row untouched.
func (s *PostgresStore) UpdateSubStage(ctx context.Context, id string, patch SubStagePatch, expectedVersion *int, updatedBy string) (SubStage, error) {
	sub, err := scanSubStage(s.db.QueryRowContext(ctx, `
		UPDATE sub_stages
		SET name = COALESCE($2::text, name),
			enabled = COALESCE($3::boolean, enabled),
			starred = COALESCE($4::boolean, starred),
			content = CASE WHEN $5::boolean THEN $6::jsonb ELSE content END,
			version = version + 1,
			updated_at = NOW(),
			updated_by = $7
		WHERE id = $1 AND ($8::int IS NULL OR version = $8::int)
		RETURNING `+subStageColumns,
		id, patch.Name, patch.Enabled, patch.Starred, patch.ContentSet, nullableJSON(patch.Content), updatedBy, expectedVersion))
	if errors.Is(err, sql.ErrNoRows) && expectedVersion != nil {
		return SubStage{}, s.conflictOrMissing(ctx, id)
	}
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return SubStage{}, fmt.Errorf("update sub stage: %w", err)
	}
	return sub, err
}

func (s *PostgresStore) conflictOrMissing(ctx context.Context, id string) error {
	var exists bool
	if err := s.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM sub_stages WHERE id=$1)`, id).Scan(&exists); err != nil {
		return fmt.Errorf("check sub stage: %w", err)
	}
	if !exists {
		return sql.ErrNoRows
	}
	return ErrVersionConflict
}

// MutateSubStageContent locks the sub-stage row, hands the current state to
// fn and stores the content fn returns. Errors from fn abort the transaction
// and are returned unchanged.
func (s *PostgresStore) MutateSubStageContent(ctx context.Context, id string, expectedVersion *int, updatedBy string, fn func(SubStage) (json.RawMessage, error)) (SubStage, error) {
	var updated SubStage
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		current, err := scanSubStage(tx.QueryRowContext(ctx, `
			SELECT `+subStageColumns+` FROM sub_stages WHERE id=$1 FOR UPDATE
		`, id))
		if err != nil {
			return err
		}
		if expectedVersion != nil && current.Version != *expectedVersion {
			return ErrVersionConflict
		}

		next, err := fn(current)
		if err != nil {
			return err
		}

		updated, err = scanSubStage(tx.QueryRowContext(ctx, `
			UPDATE sub_stages
			SET content = $2::jsonb, version = version + 1, updated_at = NOW(), updated_by = $3
			WHERE id = $1
			RETURNING `+subStageColumns,
			id, nullableJSON(next), updatedBy))
		if err != nil {
			return fmt.Errorf("write sub stage content: %w", err)
		}
		return nil
	})
	return updated, err
}
