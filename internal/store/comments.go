package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

const commentSelect = `
	SELECT c.id, c.project_id, c.main_stage_id, c.sub_stage_id, c.parent_id, c.author_id,
		c.content, c.created_at, c.updated_at, c.deleted_at,
		tm.team_id, tm.user_id, tm.role, u.display_name, u.email, tm.created_at
	FROM %s c
	LEFT JOIN team_members tm ON tm.id = c.author_id
	LEFT JOIN users u ON u.id = tm.user_id`

func scanComment(row rowScanner) (Comment, error) {
	var (
		comment     Comment
		mainStageID sql.NullString
		subStageID  sql.NullString
		parentID    sql.NullString
		authorID    sql.NullString
		deletedAt   sql.NullTime
		teamID      sql.NullString
		userID      sql.NullString
		role        sql.NullString
		name        sql.NullString
		email       sql.NullString
		joinedAt    sql.NullTime
	)
	err := row.Scan(&comment.ID, &comment.ProjectID, &mainStageID, &subStageID, &parentID, &authorID,
		&comment.Content, &comment.CreatedAt, &comment.UpdatedAt, &deletedAt,
		&teamID, &userID, &role, &name, &email, &joinedAt)
	if err != nil {
		return Comment{}, err
	}
	comment.MainStageID = stringPtr(mainStageID)
	comment.SubStageID = stringPtr(subStageID)
	comment.ParentID = stringPtr(parentID)
	comment.AuthorID = stringPtr(authorID)
	comment.DeletedAt = timePtr(deletedAt)
	if authorID.Valid && userID.Valid {
		comment.Author = &TeamMember{
			ID:          authorID.String,
			TeamID:      teamID.String,
			UserID:      userID.String,
			Role:        role.String,
			DisplayName: name.String,
			Email:       email.String,
			CreatedAt:   joinedAt.Time,
		}
	}
	comment.Mentions = make([]Mention, 0)
	return comment, nil
}

// InsertComment writes the comment and its mention rows in one transaction.
func (s *PostgresStore) InsertComment(ctx context.Context, comment Comment, mentionIDs []string) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO comments (id, project_id, main_stage_id, sub_stage_id, parent_id, author_id, content, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $8)
		`, comment.ID, comment.ProjectID, comment.MainStageID, comment.SubStageID, comment.ParentID,
			comment.AuthorID, comment.Content, comment.CreatedAt); err != nil {
			return fmt.Errorf("insert comment: %w", err)
		}
		return insertMentions(ctx, tx, comment.ID, mentionIDs)
	})
}

func insertMentions(ctx context.Context, tx *sql.Tx, commentID string, mentionIDs []string) error {
	for _, memberID := range mentionIDs {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO mentions (comment_id, team_member_id) VALUES ($1, $2)
			ON CONFLICT DO NOTHING
		`, commentID, memberID); err != nil {
			return fmt.Errorf("insert mention: %w", err)
		}
	}
	return nil
}

// GetComment returns the comment, soft-deleted or not, with author and mentions.
func (s *PostgresStore) GetComment(ctx context.Context, id string) (Comment, error) {
	comment, err := scanComment(s.db.QueryRowContext(ctx, fmt.Sprintf(commentSelect, "comments")+` WHERE c.id = $1`, id))
	if err != nil {
		return Comment{}, err
	}
	mentions, err := s.mentionsFor(ctx, []string{id})
	if err != nil {
		return Comment{}, err
	}
	comment.Mentions = append(comment.Mentions, mentions[id]...)
	return comment, nil
}

// ListCommentThread returns the roots selected by scope and every descendant
// at any depth as a flat list, using one recursive query plus one query for
// mentions. Deeper levels are not re-filtered by stage.
func (s *PostgresStore) ListCommentThread(ctx context.Context, scope CommentScope) ([]Comment, error) {
	anchor := []string{"c.project_id = $1"}
	args := []any{scope.ProjectID}
	if scope.ParentID != "" {
		args = append(args, scope.ParentID)
		anchor = append(anchor, fmt.Sprintf("c.parent_id = $%d", len(args)))
	} else {
		anchor = append(anchor, "c.parent_id IS NULL")
		if scope.MainStageID != "" {
			args = append(args, scope.MainStageID)
			anchor = append(anchor, fmt.Sprintf("c.main_stage_id = $%d", len(args)))
		}
		if scope.SubStageID != "" {
			args = append(args, scope.SubStageID)
			anchor = append(anchor, fmt.Sprintf("c.sub_stage_id = $%d", len(args)))
		}
	}

	query := `
		WITH RECURSIVE thread AS (
			SELECT c.* FROM comments c WHERE ` + strings.Join(anchor, " AND ") + `
			UNION ALL
			SELECT c.* FROM comments c JOIN thread t ON c.parent_id = t.id
		)` + fmt.Sprintf(commentSelect, "thread") + `
		ORDER BY c.created_at DESC, c.id DESC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list comment thread: %w", err)
	}
	defer rows.Close()

	items := make([]Comment, 0)
	ids := make([]string, 0)
	for rows.Next() {
		item, err := scanComment(rows)
		if err != nil {
			return nil, fmt.Errorf("scan comment: %w", err)
		}
		items = append(items, item)
		ids = append(ids, item.ID)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return items, nil
	}

	mentions, err := s.mentionsFor(ctx, ids)
	if err != nil {
		return nil, err
	}
	for i := range items {
		items[i].Mentions = append(items[i].Mentions, mentions[items[i].ID]...)
	}
	return items, nil
}

func (s *PostgresStore) mentionsFor(ctx context.Context, commentIDs []string) (map[string][]Mention, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT m.comment_id, m.team_member_id, u.display_name, u.email
		FROM mentions m
		JOIN team_members tm ON tm.id = m.team_member_id
		JOIN users u ON u.id = tm.user_id
		WHERE m.comment_id = ANY($1)
		ORDER BY u.display_name ASC, m.team_member_id ASC
	`, commentIDs)
	if err != nil {
		return nil, fmt.Errorf("list mentions: %w", err)
	}
	defer rows.Close()

	out := map[string][]Mention{}
	for rows.Next() {
		var mention Mention
		if err := rows.Scan(&mention.CommentID, &mention.TeamMemberID, &mention.DisplayName, &mention.Email); err != nil {
			return nil, fmt.Errorf("scan mention: %w", err)
		}
		out[mention.CommentID] = append(out[mention.CommentID], mention)
	}
	return out, rows.Err()
}

// UpdateComment replaces the content and the whole mention set of a live
// comment in one transaction.
func (s *PostgresStore) UpdateComment(ctx context.Context, id, content string, mentionIDs []string) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		result, err := tx.ExecContext(ctx, `
			UPDATE comments SET content=$2, updated_at=NOW() WHERE id=$1 AND deleted_at IS NULL
		`, id, content)
		if err != nil {
			return fmt.Errorf("update comment: %w", err)
		}
		if affected, _ := result.RowsAffected(); affected == 0 {
			return sql.ErrNoRows
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM mentions WHERE comment_id=$1`, id); err != nil {
			return fmt.Errorf("clear mentions: %w", err)
		}
		return insertMentions(ctx, tx, id, mentionIDs)
	})
}

// SoftDeleteComment blanks a live comment and drops its mentions. Replies
// keep pointing at it.
func (s *PostgresStore) SoftDeleteComment(ctx context.Context, id string) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		result, err := tx.ExecContext(ctx, `
			UPDATE comments SET content='', deleted_at=NOW(), updated_at=NOW()
			WHERE id=$1 AND deleted_at IS NULL
		`, id)
		if err != nil {
			return fmt.Errorf("soft delete comment: %w", err)
		}
		if affected, _ := result.RowsAffected(); affected == 0 {
			return sql.ErrNoRows
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM mentions WHERE comment_id=$1`, id); err != nil {
			return fmt.Errorf("clear mentions: %w", err)
		}
		return nil
	})
}

// ListAllComments feeds the search reindex at startup.
func (s *PostgresStore) ListAllComments(ctx context.Context) ([]CommentWithProject, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT c.id, c.project_id, c.main_stage_id, c.sub_stage_id, c.parent_id, c.author_id,
			c.content, c.created_at, c.updated_at, p.team_id, p.name, COALESCE(u.display_name, '')
		FROM comments c
		JOIN projects p ON p.id = c.project_id
		LEFT JOIN team_members tm ON tm.id = c.author_id
		LEFT JOIN users u ON u.id = tm.user_id
		WHERE c.deleted_at IS NULL
		ORDER BY c.created_at ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("list all comments: %w", err)
	}
	defer rows.Close()

	items := make([]CommentWithProject, 0)
	for rows.Next() {
		var (
			item                    CommentWithProject
			mainStageID, subStageID sql.NullString
			parentID, authorID      sql.NullString
			authorName              string
		)
		if err := rows.Scan(&item.ID, &item.ProjectID, &mainStageID, &subStageID, &parentID, &authorID,
			&item.Content, &item.CreatedAt, &item.UpdatedAt, &item.TeamID, &item.ProjectName, &authorName); err != nil {
			return nil, fmt.Errorf("scan comment: %w", err)
		}
		item.MainStageID = stringPtr(mainStageID)
		item.SubStageID = stringPtr(subStageID)
		item.ParentID = stringPtr(parentID)
		item.AuthorID = stringPtr(authorID)
		if authorID.Valid {
			item.Author = &TeamMember{ID: authorID.String, DisplayName: authorName}
		}
		items = append(items, item)
	}
	return items, rows.Err()
}
