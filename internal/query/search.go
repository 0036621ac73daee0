// Package query exposes the read-side views over committed, deduplicated,
// threaded data: ranked full-text search, per-party activity, and case-scoped
// timelines. Everything here is read-only and safe to run against a replica.
package query

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lexfabric/commsledger/internal/record"
)

const (
	defaultSearchLimit = 50

	// snippetLen is the body truncation length for search results.
	snippetLen = 177
)

// SearchRequest defines parameters for full-text message search.
type SearchRequest struct {
	Query  string
	Source record.Source // empty = all sources
	Start  *time.Time    // inclusive
	End    *time.Time    // inclusive
	Limit  int
}

// SearchResult is one ranked search hit.
type SearchResult struct {
	MessageID string    `json:"message_id"`
	Source    string    `json:"source"`
	SentAt    time.Time `json:"sent_at"`
	Subject   string    `json:"subject,omitempty"`
	Snippet   string    `json:"snippet"`
	Rank      float64   `json:"rank"`
}

// SearchMessages runs FTS5 relevance ranking over normalized body text.
// Results are ordered by sent time then message id so pagination is
// deterministic; the bm25 relevance score is carried per row.
func SearchMessages(ctx context.Context, database *sql.DB, req SearchRequest) ([]SearchResult, error) {
	q := strings.TrimSpace(req.Query)
	if q == "" {
		return nil, errors.New("query: search text is required")
	}
	limit := req.Limit
	if limit <= 0 {
		limit = defaultSearchLimit
	}

	safeQuery := escapeFTS5Query(q)
	if safeQuery == "" {
		return nil, nil
	}

	sqlQuery := `
		SELECT m.id, m.source, m.sent_at, m.subject, m.body, bm25(messages_fts) AS score
		FROM messages_fts fts
		JOIN messages m ON m.id = fts.message_id
		WHERE messages_fts MATCH ?`
	args := []any{safeQuery}

	if req.Source != "" {
		sqlQuery += " AND m.source = ?"
		args = append(args, string(req.Source))
	}
	if req.Start != nil {
		sqlQuery += " AND m.sent_at >= ?"
		args = append(args, req.Start.Unix())
	}
	if req.End != nil {
		sqlQuery += " AND m.sent_at <= ?"
		args = append(args, req.End.Unix())
	}
	sqlQuery += " ORDER BY m.sent_at, m.id LIMIT ?"
	args = append(args, limit)

	rows, err := database.QueryContext(ctx, sqlQuery, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to search messages: %w", err)
	}
	defer rows.Close()

	var results []SearchResult
	for rows.Next() {
		var r SearchResult
		var subject sql.NullString
		var body string
		var sentAt int64
		var score float64
		if err := rows.Scan(&r.MessageID, &r.Source, &sentAt, &subject, &body, &score); err != nil {
			return nil, fmt.Errorf("failed to scan search result: %w", err)
		}
		if subject.Valid {
			r.Subject = subject.String
		}
		r.SentAt = time.Unix(sentAt, 0)
		r.Snippet = buildSnippet(body, snippetLen)
		// BM25 returns negative scores, lower is better. Negate for consistency.
		r.Rank = -score
		results = append(results, r)
	}
	return results, rows.Err()
}

// buildSnippet truncates body text with an ellipsis marker when longer.
func buildSnippet(body string, maxLen int) string {
	if len(body) <= maxLen {
		return body
	}
	return body[:maxLen] + "..."
}

// escapeFTS5Query quotes each term so FTS5 operators in user input are
// treated literally, joining terms with OR for broader matching.
func escapeFTS5Query(query string) string {
	parts := strings.FieldsFunc(strings.ToLower(query), func(r rune) bool {
		return r == ' ' || r == '\n' || r == '\t' || r == ',' || r == '.' || r == ':' || r == ';' || r == '/' || r == '\\'
	})
	escaped := make([]string, 0, len(parts))
	for _, term := range parts {
		term = strings.TrimSpace(term)
		if term == "" {
			continue
		}
		escaped = append(escaped, "\""+strings.ReplaceAll(term, "\"", "\"\"")+"\"")
	}
	if len(escaped) == 0 {
		return ""
	}
	return strings.Join(escaped, " OR ")
}
