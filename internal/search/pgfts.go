package search

import (
	"database/sql"
	"fmt"
	"strings"
)

// PgFTS implements Searcher using PostgreSQL full-text search as the
// always-available fallback.
type PgFTS struct {
	db *sql.DB
}

func NewPgFTS(db *sql.DB) *PgFTS {
	return &PgFTS{db: db}
}

// Healthy always returns true: if Postgres is down, the whole service is.
func (p *PgFTS) Healthy() bool {
	return true
}

// Search runs a UNION ALL query across plans and plan_versions using
// plainto_tsquery with ts_rank ordering and ts_headline snippets.
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

	tsQuery := "plainto_tsquery('english', $1)"
	args := []any{q.Text}
	argN := 2

	var subQueries []string

	if q.FilterType == "" || q.FilterType == ResultPlan {
		where := "p.fts @@ " + tsQuery
		if q.ClientID != "" {
			where += fmt.Sprintf(" AND p.client_id = $%d", argN)
			args = append(args, q.ClientID)
			argN++
		}
		subQueries = append(subQueries, fmt.Sprintf(`
			SELECT 'plan'::text AS type, p.id, p.title,
				ts_headline('english', coalesce(p.title, ''), %s, 'MaxFragments=1,MaxWords=30') AS snippet,
				p.id AS plan_id, p.client_id, 0 AS version,
				ts_rank(p.fts, %s) AS rank
			FROM plans p
			WHERE %s`, tsQuery, tsQuery, where))
	}

	if q.FilterType == "" || q.FilterType == ResultVersion {
		where := "v.fts @@ " + tsQuery
		if q.ClientID != "" {
			where += fmt.Sprintf(" AND p.client_id = $%d", argN)
			args = append(args, q.ClientID)
			argN++
		}
		subQueries = append(subQueries, fmt.Sprintf(`
			SELECT 'version'::text AS type, v.plan_id || ':' || v.version AS id, p.title,
				ts_headline('english', coalesce(v.change_summary, ''), %s, 'MaxFragments=1,MaxWords=30') AS snippet,
				v.plan_id, p.client_id, v.version,
				ts_rank(v.fts, %s) AS rank
			FROM plan_versions v
			JOIN plans p ON p.id = v.plan_id
			WHERE %s`, tsQuery, tsQuery, where))
	}

	if len(subQueries) == 0 {
		return nil, 0, nil
	}

	combined := strings.Join(subQueries, "\nUNION ALL\n")

	var total int
	countQuery := "SELECT COUNT(*) FROM (" + combined + ") hits"
	if err := p.db.QueryRow(countQuery, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count search hits: %w", err)
	}

	pageQuery := fmt.Sprintf(
		"SELECT type, id, title, snippet, plan_id, client_id, version FROM (%s) hits ORDER BY rank DESC, id LIMIT $%d OFFSET $%d",
		combined, argN, argN+1,
	)
	args = append(args, limit, offset)

	rows, err := p.db.Query(pageQuery, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("search query: %w", err)
	}
	defer rows.Close()

	results := make([]Result, 0, limit)
	for rows.Next() {
		var r Result
		var kind string
		if err := rows.Scan(&kind, &r.ID, &r.Title, &r.Snippet, &r.PlanID, &r.ClientID, &r.Version); err != nil {
			return nil, 0, fmt.Errorf("scan search hit: %w", err)
		}
		r.Type = ResultType(kind)
		results = append(results, r)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterate search hits: %w", err)
	}
	return results, total, nil
}
