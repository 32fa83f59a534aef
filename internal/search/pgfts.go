package search

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

// PgFTS implements Searcher using PostgreSQL full-text search as a fallback.
type PgFTS struct {
	db *sql.DB
}

func NewPgFTS(db *sql.DB) *PgFTS {
	return &PgFTS{db: db}
}

// Healthy always returns true; without Postgres the whole app is down.
func (p *PgFTS) Healthy() bool {
	return true
}

// Search runs a UNION ALL over projects and live comments ranked by ts_rank,
// with ts_headline snippets.
func (p *PgFTS) Search(ctx context.Context, q Query) ([]Result, int, error) {
	if strings.TrimSpace(q.Text) == "" || len(q.TeamIDs) == 0 {
		return nil, 0, nil
	}

	const tsQuery = "plainto_tsquery('english', $1)"
	args := []any{q.Text, q.TeamIDs}

	var subQueries []string
	if q.FilterType == "" || q.FilterType == ResultProject {
		subQueries = append(subQueries, fmt.Sprintf(`
			SELECT 'project'::text AS type, p.id, p.name AS title,
				ts_headline('english', coalesce(p.description, ''), %[1]s, 'MaxFragments=1,MaxWords=30') AS snippet,
				p.id AS project_id, p.team_id,
				ts_rank(p.fts, %[1]s) AS rank
			FROM projects p
			WHERE p.fts @@ %[1]s AND p.team_id = ANY($2)`, tsQuery))
	}
	if q.FilterType == "" || q.FilterType == ResultComment {
		subQueries = append(subQueries, fmt.Sprintf(`
			SELECT 'comment'::text AS type, c.id, p.name AS title,
				ts_headline('english', c.content, %[1]s, 'MaxFragments=1,MaxWords=30') AS snippet,
				c.project_id, p.team_id,
				ts_rank(c.fts, %[1]s) AS rank
			FROM comments c
			JOIN projects p ON p.id = c.project_id
			WHERE c.fts @@ %[1]s AND c.deleted_at IS NULL AND p.team_id = ANY($2)`, tsQuery))
	}
	if len(subQueries) == 0 {
		return nil, 0, nil
	}
	union := strings.Join(subQueries, " UNION ALL ")

	var total int
	if err := p.db.QueryRowContext(ctx, "SELECT count(*) FROM ("+union+") sub", args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("pgfts count: %w", err)
	}

	dataSQL := fmt.Sprintf(`SELECT type, id, title, snippet, project_id, team_id
		FROM (%s) sub
		ORDER BY rank DESC, id DESC
		LIMIT %d OFFSET %d`, union, q.Limit, q.Offset)
	rows, err := p.db.QueryContext(ctx, dataSQL, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("pgfts query: %w", err)
	}
	defer rows.Close()

	var results []Result
	for rows.Next() {
		var (
			r   Result
			typ string
		)
		if err := rows.Scan(&typ, &r.ID, &r.Title, &r.Snippet, &r.ProjectID, &r.TeamID); err != nil {
			return nil, 0, fmt.Errorf("pgfts scan: %w", err)
		}
		r.Type = ResultType(typ)
		results = append(results, r)
	}
	return results, total, rows.Err()
}
