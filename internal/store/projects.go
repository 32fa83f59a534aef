package store

import (
	"context"
	"database/sql"
	"fmt"
)

const projectColumns = `id, team_id, name, description, status, start_date, end_date, created_by, created_at, updated_at`

func scanProject(row rowScanner) (Project, error) {
	var (
		project Project
		start   sql.NullTime
		end     sql.NullTime
	)
	err := row.Scan(&project.ID, &project.TeamID, &project.Name, &project.Description, &project.Status,
		&start, &end, &project.CreatedBy, &project.CreatedAt, &project.UpdatedAt)
	project.StartDate = timePtr(start)
	project.EndDate = timePtr(end)
	return project, err
}

// CreateProject writes the project and its full stage tree in one
// transaction so a failure never leaves a project without stages.
func (s *PostgresStore) CreateProject(ctx context.Context, project Project, stages []MainStage) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO projects (id, team_id, name, description, status, start_date, end_date, created_by)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		`, project.ID, project.TeamID, project.Name, project.Description, project.Status,
			project.StartDate, project.EndDate, project.CreatedBy); err != nil {
			return fmt.Errorf("insert project: %w", err)
		}

		for _, stage := range stages {
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO main_stages (id, project_id, stage_key, name, position)
				VALUES ($1, $2, $3, $4, $5)
			`, stage.ID, project.ID, stage.Key, stage.Name, stage.Position); err != nil {
				return fmt.Errorf("insert main stage %s: %w", stage.Key, err)
			}
			for _, sub := range stage.SubStages {
				if _, err := tx.ExecContext(ctx, `
					INSERT INTO sub_stages (id, main_stage_id, project_id, kind, name, position, enabled, starred, content)
					VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9::jsonb)
				`, sub.ID, stage.ID, project.ID, sub.Kind, sub.Name, sub.Position, sub.Enabled, sub.Starred,
					nullableJSON(sub.Content)); err != nil {
					return fmt.Errorf("insert sub stage %s: %w", sub.Name, err)
				}
			}
		}
		return nil
	})
}

func (s *PostgresStore) GetProject(ctx context.Context, id string) (Project, error) {
	return scanProject(s.db.QueryRowContext(ctx, `SELECT `+projectColumns+` FROM projects WHERE id=$1`, id))
}

func (s *PostgresStore) ListProjects(ctx context.Context, teamID string) ([]Project, error) {
	return s.queryProjects(ctx, `SELECT `+projectColumns+` FROM projects WHERE team_id=$1 ORDER BY updated_at DESC, id ASC`, teamID)
}

// ListAllProjects feeds the search reindex at startup.
func (s *PostgresStore) ListAllProjects(ctx context.Context) ([]Project, error) {
	return s.queryProjects(ctx, `SELECT `+projectColumns+` FROM projects ORDER BY created_at ASC`)
}

func (s *PostgresStore) queryProjects(ctx context.Context, query string, args ...any) ([]Project, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list projects: %w", err)
	}
	defer rows.Close()

	items := make([]Project, 0)
	for rows.Next() {
		item, err := scanProject(rows)
		if err != nil {
			return nil, fmt.Errorf("scan project: %w", err)
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

func (s *PostgresStore) UpdateProject(ctx context.Context, project Project) (Project, error) {
	return scanProject(s.db.QueryRowContext(ctx, `
		UPDATE projects
		SET name=$2, description=$3, status=$4, start_date=$5, end_date=$6, updated_at=NOW()
		WHERE id=$1
		RETURNING `+projectColumns,
		project.ID, project.Name, project.Description, project.Status, project.StartDate, project.EndDate))
}

func (s *PostgresStore) TouchProject(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, `UPDATE projects SET updated_at=NOW() WHERE id=$1`, id); err != nil {
		return fmt.Errorf("touch project: %w", err)
	}
	return nil
}

func (s *PostgresStore) DeleteProject(ctx context.Context, id string) (bool, error) {
	result, err := s.db.ExecContext(ctx, `DELETE FROM projects WHERE id=$1`, id)
	if err != nil {
		return false, fmt.Errorf("delete project: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("delete project rows affected: %w", err)
	}
	return affected > 0, nil
}
