package repository

import (
	"context"

	"github.com/go-kivik/kivik/v4"
)

// defaultPageSize is the _find page size for queries that visit every match.
// CouchDB caps a _find without a limit at 25 rows.
const defaultPageSize = 200

// findEach runs a Mango query and calls scan on every row. A query that sets
// its own limit runs once. Otherwise the query is paged with the bookmark from
// each response until a page comes back short; a driver that returns no
// bookmark is paged with skip.
func findEach(ctx context.Context, db *kivik.DB, query map[string]interface{}, pageSize int, scan func(*kivik.ResultSet) error) error {
	if _, limited := query["limit"]; limited {
		_, _, err := findPage(ctx, db, query, scan)
		return err
	}
	if pageSize <= 0 {
		pageSize = defaultPageSize
	}

	paged := make(map[string]interface{}, len(query)+2)
	for k, v := range query {
		paged[k] = v
	}
	paged["limit"] = pageSize

	skip := 0
	for {
		n, bookmark, err := findPage(ctx, db, paged, scan)
		if err != nil {
			return err
		}
		if n < pageSize {
			return nil
		}
		if bookmark != "" {
			paged["bookmark"] = bookmark
			continue
		}
		skip += n
		paged["skip"] = skip
	}
}

func findPage(ctx context.Context, db *kivik.DB, query map[string]interface{}, scan func(*kivik.ResultSet) error) (int, string, error) {
	rows := db.Find(ctx, query)
	if err := rows.Err(); err != nil {
		return 0, "", err
	}
	defer rows.Close()

	n := 0
	for rows.Next() {
		if err := scan(rows); err != nil {
			return n, "", err
		}
		n++
	}
	if err := rows.Err(); err != nil {
		return n, "", err
	}

	var bookmark string
	if meta, err := rows.Metadata(); err == nil && meta != nil {
		bookmark = meta.Bookmark
	}
	return n, bookmark, nil
}
