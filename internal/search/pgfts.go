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

// NewPgFTS creates a PostgreSQL FTS searcher.
func NewPgFTS(db *sql.DB) *PgFTS {
	return &PgFTS{db: db}
}

// Healthy always returns true. If Postgres is down, the whole app is down.
func (p *PgFTS) Healthy() bool {
	return true
}

// Search runs plainto_tsquery over live comments with ts_headline snippets.
func (p *PgFTS) Search(q Query) ([]Result, int, error) {
	if strings.TrimSpace(q.Text) == "" {
		return nil, 0, nil
	}

	limit := q.Limit
	if limit <= 0 {
		limit = 20
	}
	offset := q.Offset
	if offset < 0 {
		offset = 0
	}

	where := "c.fts @@ plainto_tsquery('english', $1) AND c.deleted_at IS NULL"
	args := []any{q.Text}
	if q.FilterUserID != "" {
		where += " AND c.user_id = $2"
		args = append(args, q.FilterUserID)
	}

	countSQL := fmt.Sprintf(`SELECT count(*) FROM comments c WHERE %s`, where)

	dataSQL := fmt.Sprintf(`
		SELECT c.id,
			ts_headline('english', c.content, plainto_tsquery('english', $1), 'MaxFragments=1,MaxWords=30') AS snippet,
			c.user_id, u.email, coalesce(c.parent_id, '')
		FROM comments c
		JOIN users u ON u.id = c.user_id
		WHERE %s
		ORDER BY ts_rank(c.fts, plainto_tsquery('english', $1)) DESC
		LIMIT %d OFFSET %d`, where, limit, offset)

	ctx := context.Background()

	var total int
	if err := p.db.QueryRowContext(ctx, countSQL, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("pgfts count: %w", err)
	}

	rows, err := p.db.QueryContext(ctx, dataSQL, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("pgfts query: %w", err)
	}
	defer rows.Close()

	var results []Result
	for rows.Next() {
		var r Result
		if err := rows.Scan(&r.ID, &r.Snippet, &r.UserID, &r.UserEmail, &r.ParentID); err != nil {
			return nil, 0, fmt.Errorf("pgfts scan: %w", err)
		}
		results = append(results, r)
	}

	return results, total, rows.Err()
}

// LoadAllRecords returns every live comment for full reindexing.
func (p *PgFTS) LoadAllRecords(ctx context.Context) ([]CommentRecord, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT c.id, c.content, c.user_id, u.email, coalesce(c.parent_id, ''), c.created_at
		FROM comments c
		JOIN users u ON u.id = c.user_id
		WHERE c.deleted_at IS NULL
	`)
	if err != nil {
		return nil, fmt.Errorf("load comments: %w", err)
	}
	defer rows.Close()

	records := make([]CommentRecord, 0)
	for rows.Next() {
		var rec CommentRecord
		if err := rows.Scan(&rec.ID, &rec.Content, &rec.UserID, &rec.UserEmail, &rec.ParentID, &rec.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan comment: %w", err)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate comments: %w", err)
	}
	return records, nil
}
