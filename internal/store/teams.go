package store

import (
	"context"
	"database/sql"
	"fmt"
)

const memberColumns = `tm.id, tm.team_id, tm.user_id, tm.role, u.display_name, u.email, tm.created_at`

func scanMember(row rowScanner) (TeamMember, error) {
	var member TeamMember
	err := row.Scan(&member.ID, &member.TeamID, &member.UserID, &member.Role, &member.DisplayName, &member.Email, &member.CreatedAt)
	return member, err
}

// CreateTeam inserts the team and its first admin in one transaction.
func (s *PostgresStore) CreateTeam(ctx context.Context, team Team, owner TeamMember) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO teams (id, name, slug) VALUES ($1, $2, $3)
		`, team.ID, team.Name, team.Slug); err != nil {
			return fmt.Errorf("create team: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO team_members (id, team_id, user_id, role) VALUES ($1, $2, $3, $4)
		`, owner.ID, team.ID, owner.UserID, owner.Role); err != nil {
			return fmt.Errorf("create team owner: %w", err)
		}
		return nil
	})
}

func (s *PostgresStore) GetTeam(ctx context.Context, id string) (Team, error) {
	var team Team
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, slug, created_at FROM teams WHERE id=$1
	`, id).Scan(&team.ID, &team.Name, &team.Slug, &team.CreatedAt)
	return team, err
}

func (s *PostgresStore) TeamSlugExists(ctx context.Context, slug string) (bool, error) {
	var exists bool
	if err := s.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM teams WHERE slug=$1)`, slug).Scan(&exists); err != nil {
		return false, fmt.Errorf("check team slug: %w", err)
	}
	return exists, nil
}

func (s *PostgresStore) ListTeamsForUser(ctx context.Context, userID string) ([]TeamMembership, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT t.id, t.name, t.slug, t.created_at, tm.id, tm.role
		FROM team_members tm
		JOIN teams t ON t.id = tm.team_id
		WHERE tm.user_id = $1
		ORDER BY t.name ASC
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("list teams: %w", err)
	}
	defer rows.Close()

	items := make([]TeamMembership, 0)
	for rows.Next() {
		var item TeamMembership
		if err := rows.Scan(&item.ID, &item.Name, &item.Slug, &item.CreatedAt, &item.MemberID, &item.Role); err != nil {
			return nil, fmt.Errorf("scan team: %w", err)
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

func (s *PostgresStore) GetTeamMember(ctx context.Context, teamID, userID string) (TeamMember, error) {
	return scanMember(s.db.QueryRowContext(ctx, `
		SELECT `+memberColumns+`
		FROM team_members tm
		JOIN users u ON u.id = tm.user_id
		WHERE tm.team_id = $1 AND tm.user_id = $2
	`, teamID, userID))
}

func (s *PostgresStore) GetTeamMemberByID(ctx context.Context, memberID string) (TeamMember, error) {
	return scanMember(s.db.QueryRowContext(ctx, `
		SELECT `+memberColumns+`
		FROM team_members tm
		JOIN users u ON u.id = tm.user_id
		WHERE tm.id = $1
	`, memberID))
}

// GetProjectMember resolves the caller's membership in the team that owns
// projectID. sql.ErrNoRows means "not a member".
func (s *PostgresStore) GetProjectMember(ctx context.Context, projectID, userID string) (TeamMember, error) {
	return scanMember(s.db.QueryRowContext(ctx, `
		SELECT `+memberColumns+`
		FROM projects p
		JOIN team_members tm ON tm.team_id = p.team_id
		JOIN users u ON u.id = tm.user_id
		WHERE p.id = $1 AND tm.user_id = $2
	`, projectID, userID))
}

func (s *PostgresStore) ListTeamMembers(ctx context.Context, teamID string) ([]TeamMember, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+memberColumns+`
		FROM team_members tm
		JOIN users u ON u.id = tm.user_id
		WHERE tm.team_id = $1
		ORDER BY u.display_name ASC, tm.id ASC
	`, teamID)
	if err != nil {
		return nil, fmt.Errorf("list team members: %w", err)
	}
	defer rows.Close()

	items := make([]TeamMember, 0)
	for rows.Next() {
		item, err := scanMember(rows)
		if err != nil {
			return nil, fmt.Errorf("scan team member: %w", err)
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

func (s *PostgresStore) AddTeamMember(ctx context.Context, member TeamMember) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO team_members (id, team_id, user_id, role) VALUES ($1, $2, $3, $4)
	`, member.ID, member.TeamID, member.UserID, member.Role)
	if err != nil {
		return fmt.Errorf("add team member: %w", err)
	}
	return nil
}

func (s *PostgresStore) RemoveTeamMember(ctx context.Context, teamID, memberID string) (bool, error) {
	result, err := s.db.ExecContext(ctx, `DELETE FROM team_members WHERE team_id=$1 AND id=$2`, teamID, memberID)
	if err != nil {
		return false, fmt.Errorf("remove team member: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("remove team member rows affected: %w", err)
	}
	return affected > 0, nil
}

func (s *PostgresStore) CountTeamAdmins(ctx context.Context, teamID string) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM team_members WHERE team_id=$1 AND role='admin'
	`, teamID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count team admins: %w", err)
	}
	return count, nil
}
