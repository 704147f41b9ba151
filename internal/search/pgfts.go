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

// Healthy always returns true. If Postgres is down the whole app is down.
func (p *PgFTS) Healthy() bool {
	return true
}

// Search runs plainto_tsquery over entry bodies with ts_rank ordering and
// ts_headline snippets.
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

	where := "to_tsvector('english', e.body) @@ plainto_tsquery('english', $1)"
	args := []any{q.Text}
	if q.FilterAuthorID != "" {
		where += " AND e.author_id = $2"
		args = append(args, q.FilterAuthorID)
	}

	ctx := context.Background()

	countSQL := "SELECT count(*) FROM entries e WHERE " + where
	var total int
	if err := p.db.QueryRowContext(ctx, countSQL, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("pgfts count: %w", err)
	}

	dataSQL := fmt.Sprintf(`
		SELECT e.id, e.author_id, u.display_name, e.entry_date::text,
			ts_headline('english', e.body, plainto_tsquery('english', $1), 'MaxFragments=1,MaxWords=30') AS snippet
		FROM entries e
		JOIN users u ON u.id = e.author_id
		WHERE %s
		ORDER BY ts_rank(to_tsvector('english', e.body), plainto_tsquery('english', $1)) DESC
		LIMIT %d OFFSET %d`, where, limit, offset)

	rows, err := p.db.QueryContext(ctx, dataSQL, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("pgfts query: %w", err)
	}
	defer rows.Close()

	var results []Result
	for rows.Next() {
		var r Result
		if err := rows.Scan(&r.ID, &r.AuthorID, &r.AuthorName, &r.Date, &r.Snippet); err != nil {
			return nil, 0, fmt.Errorf("pgfts scan: %w", err)
		}
		results = append(results, r)
	}

	return results, total, rows.Err()
}

// LoadAllRecords returns every entry for full reindexing.
func (p *PgFTS) LoadAllRecords(ctx context.Context) ([]EntryRecord, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT e.id, e.author_id, u.display_name, e.entry_date::text, e.body
		FROM entries e
		JOIN users u ON u.id = e.author_id
	`)
	if err != nil {
		return nil, fmt.Errorf("load entries: %w", err)
	}
	defer rows.Close()

	entries := make([]EntryRecord, 0)
	for rows.Next() {
		var e EntryRecord
		if err := rows.Scan(&e.ID, &e.AuthorID, &e.AuthorName, &e.Date, &e.Body); err != nil {
			return nil, fmt.Errorf("scan entry: %w", err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate entries: %w", err)
	}

	return entries, nil
}
