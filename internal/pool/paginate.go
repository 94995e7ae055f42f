package pool

import (
	"context"
	"strings"
	"time"
)

const (
	minPageSize     = 10
	maxPageSize     = 1000
	defaultPageSize = 100

	// Pages past this depth (or any search) get an estimated total instead
	// of an exact count.
	exactTotalMaxPage = 5
)

// List returns one page of items ordered by id descending, with an optional
// case-insensitive substring filter. It fetches pageSize+1 rows so HasMore
// needs no second query. Totals come from the stats cache on shallow
// unfiltered pages; otherwise the total is a lower-bound estimate and the
// page is marked Estimated.
func (s *Service) List(ctx context.Context, req ListRequest) (Page, error) {
	start := time.Now()

	page := req.Page
	if page < 1 {
		page = 1
	}
	size := req.PageSize
	if size == 0 {
		size = defaultPageSize
	}
	if size < minPageSize {
		size = minPageSize
	}
	if size > maxPageSize {
		size = maxPageSize
	}
	search := strings.TrimSpace(req.Search)
	offset := (page - 1) * size

	query := `
SELECT id, email, is_locked, locked_at, created_at
FROM emails
`
	args := []any{}
	if search != "" {
		query += `WHERE email LIKE ? ESCAPE '\'` + "\n"
		args = append(args, "%"+escapeLike(search)+"%")
	}
	query += `ORDER BY id DESC
LIMIT ? OFFSET ?;`
	args = append(args, size+1, offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return Page{}, err
	}
	defer rows.Close()

	items := make([]Item, 0, size+1)
	for rows.Next() {
		var (
			it       Item
			locked   int
			lockedAt int64
			created  int64
		)
		if err := rows.Scan(&it.ID, &it.Email, &locked, &lockedAt, &created); err != nil {
			return Page{}, err
		}
		it.Leased = locked != 0
		if lockedAt > 0 {
			it.LeasedAt = time.Unix(lockedAt, 0)
		}
		it.CreatedAt = time.Unix(created, 0)
		items = append(items, it)
	}
	if err := rows.Err(); err != nil {
		return Page{}, err
	}

	hasMore := len(items) > size
	if hasMore {
		items = items[:size]
	}

	out := Page{
		Items:    items,
		Page:     page,
		PageSize: size,
		HasMore:  hasMore,
	}

	if search == "" && page <= exactTotalMaxPage {
		st, err := s.Stats(ctx)
		if err != nil {
			return Page{}, err
		}
		out.Total = st.Total
		out.Estimated = st.Approximate
	} else {
		out.Estimated = true
		if hasMore {
			out.Total = int64(page*size) + 1 // at least one more page
		} else {
			out.Total = int64(offset + len(items))
		}
	}

	s.observeLatency("list", start)
	return out, nil
}

// escapeLike protects the LIKE metacharacters in a user search term.
func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}
