package store

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/ehr/fhirbundle/internal/platform/db"
	"github.com/ehr/fhirbundle/internal/platform/fhir"
	"github.com/goccy/go-json"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const uniqueViolation = "23505"

// Postgres stores resources in the tenant schema selected by the request
// context: the current version in resources and every version in
// resource_history.
type Postgres struct {
	pool   *pgxpool.Pool
	params SearchParams
	now    func() time.Time
}

// NewPostgres creates a Postgres-backed store.
func NewPostgres(pool *pgxpool.Pool) *Postgres {
	return &Postgres{pool: pool, params: DefaultSearchParams, now: time.Now}
}

// Ping checks the pool can reach the database.
func (p *Postgres) Ping(ctx context.Context) error {
	return p.pool.Ping(ctx)
}

// InTransaction opens a pgx transaction, places it in the context for every
// query fn makes and commits when fn succeeds.
func (p *Postgres) InTransaction(ctx context.Context, fn func(ctx context.Context) error) error {
	if db.TxFromContext(ctx) != nil {
		return fn(ctx)
	}
	txCtx, tx, err := db.WithTx(ctx, p.pool)
	if err != nil {
		return err
	}
	defer func() {
		// Rollback after a successful Commit is a no-op.
		_ = tx.Rollback(context.WithoutCancel(ctx))
	}()

	if err := fn(txCtx); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

const resourceCols = `resource_type, id, version_id, deleted, last_updated, resource`

func scanResource(row pgx.Row) (*fhir.StoredResource, error) {
	var (
		sr  fhir.StoredResource
		raw []byte
	)
	if err := row.Scan(&sr.ResourceType, &sr.ID, &sr.VersionID, &sr.Deleted, &sr.LastUpdated, &raw); err != nil {
		return nil, err
	}
	if sr.Deleted {
		return &sr, nil
	}
	res, err := fhir.DecodeResource(raw)
	if err != nil {
		return nil, err
	}
	sr.Resource = res
	return &sr, nil
}

func (p *Postgres) current(ctx context.Context, resourceType, id string, forUpdate bool) (*fhir.StoredResource, error) {
	sql := `SELECT ` + resourceCols + ` FROM resources WHERE resource_type = $1 AND id = $2`
	if forUpdate {
		sql += ` FOR UPDATE`
	}
	sr, err := scanResource(db.Conn(ctx, p.pool).QueryRow(ctx, sql, resourceType, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fhir.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("read %s/%s: %w", resourceType, id, err)
	}
	return sr, nil
}

// writeVersion records a new version in both tables inside one transaction.
func (p *Postgres) writeVersion(ctx context.Context, resourceType, id string, version int, resource map[string]interface{}, insert bool) (*fhir.StoredResource, error) {
	now := p.now().UTC()
	sr := &fhir.StoredResource{
		ResourceType: resourceType,
		ID:           id,
		VersionID:    version,
		LastUpdated:  now,
		Deleted:      resource == nil,
	}
	action := "update"
	var body []byte
	if resource != nil {
		sr.Resource = stampMeta(resource, resourceKey{resourceType, id}, version, now)
		data, err := json.Marshal(sr.Resource)
		if err != nil {
			return nil, fmt.Errorf("encode %s/%s: %w", resourceType, id, err)
		}
		body = data
		if insert {
			action = "create"
		}
	} else {
		action = "delete"
	}

	err := p.InTransaction(ctx, func(ctx context.Context) error {
		q := db.Conn(ctx, p.pool)
		var err error
		switch {
		case insert:
			_, err = q.Exec(ctx, `
				INSERT INTO resources (`+resourceCols+`)
				VALUES ($1, $2, $3, FALSE, $4, $5)`,
				resourceType, id, version, now, body)
		case resource == nil:
			_, err = q.Exec(ctx, `
				UPDATE resources SET version_id = $3, deleted = TRUE, last_updated = $4
				WHERE resource_type = $1 AND id = $2`,
				resourceType, id, version, now)
		default:
			_, err = q.Exec(ctx, `
				UPDATE resources SET version_id = $3, deleted = FALSE, last_updated = $4, resource = $5
				WHERE resource_type = $1 AND id = $2`,
				resourceType, id, version, now, body)
		}
		if err != nil {
			var pgErr *pgconn.PgError
			if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
				return fhir.ErrAlreadyExists
			}
			return fmt.Errorf("write %s/%s: %w", resourceType, id, err)
		}

		_, err = q.Exec(ctx, `
			INSERT INTO resource_history (resource_type, resource_id, version_id, resource, action, timestamp)
			VALUES ($1, $2, $3, $4, $5, $6)`,
			resourceType, id, version, body, action, now)
		if err != nil {
			return fmt.Errorf("write history %s/%s: %w", resourceType, id, err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return sr, nil
}

// Create inserts version 1 of resource. A unique violation is reported as
// ErrAlreadyExists.
func (p *Postgres) Create(ctx context.Context, resourceType string, resource map[string]interface{}) (*fhir.StoredResource, error) {
	return p.writeVersion(ctx, resourceType, fhir.ResourceIDOf(resource), 1, resource, true)
}

// Read returns the current row; a deleted resource is ErrGone.
func (p *Postgres) Read(ctx context.Context, resourceType, id string) (*fhir.StoredResource, error) {
	sr, err := p.current(ctx, resourceType, id, false)
	if err != nil {
		return nil, err
	}
	if sr.Deleted {
		return nil, fhir.ErrGone
	}
	return sr, nil
}

// VRead returns one row of resource_history.
func (p *Postgres) VRead(ctx context.Context, resourceType, id string, version int) (*fhir.StoredResource, error) {
	sr, err := scanResource(db.Conn(ctx, p.pool).QueryRow(ctx, `
		SELECT `+historyCols+` FROM resource_history
		WHERE resource_type = $1 AND resource_id = $2 AND version_id = $3`,
		resourceType, id, version))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fhir.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("vread %s/%s/_history/%d: %w", resourceType, id, version, err)
	}
	if sr.Deleted {
		return nil, fhir.ErrGone
	}
	return sr, nil
}

// Update locks the current row and writes the next version. A non-zero
// expectedVersion must match or the write fails with ErrVersionConflict.
func (p *Postgres) Update(ctx context.Context, resourceType, id string, resource map[string]interface{}, expectedVersion int) (*fhir.StoredResource, error) {
	var out *fhir.StoredResource
	err := p.InTransaction(ctx, func(ctx context.Context) error {
		cur, err := p.current(ctx, resourceType, id, true)
		if err != nil {
			return err
		}
		if expectedVersion > 0 && cur.VersionID != expectedVersion {
			return fhir.ErrVersionConflict
		}
		out, err = p.writeVersion(ctx, resourceType, id, cur.VersionID+1, resource, false)
		return err
	})
	return out, err
}

// Delete locks the current row and records a tombstone version.
func (p *Postgres) Delete(ctx context.Context, resourceType, id string) (*fhir.StoredResource, error) {
	var out *fhir.StoredResource
	err := p.InTransaction(ctx, func(ctx context.Context) error {
		cur, err := p.current(ctx, resourceType, id, true)
		if err != nil {
			return err
		}
		if cur.Deleted {
			return fhir.ErrGone
		}
		out, err = p.writeVersion(ctx, resourceType, id, cur.VersionID+1, nil, false)
		return err
	})
	return out, err
}

const historyCols = `resource_type, resource_id, version_id, action = 'delete', timestamp, resource`

// History returns up to count versions, newest first, with the total.
func (p *Postgres) History(ctx context.Context, resourceType, id string, count int) ([]*fhir.StoredResource, int, error) {
	q := db.Conn(ctx, p.pool)
	var total int
	if err := q.QueryRow(ctx, `
		SELECT COUNT(*) FROM resource_history WHERE resource_type = $1 AND resource_id = $2`,
		resourceType, id).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count history %s/%s: %w", resourceType, id, err)
	}
	if total == 0 {
		return nil, 0, fhir.ErrNotFound
	}

	sql := `SELECT ` + historyCols + ` FROM resource_history
		WHERE resource_type = $1 AND resource_id = $2 ORDER BY version_id DESC`
	args := []interface{}{resourceType, id}
	if count > 0 {
		sql += ` LIMIT $3`
		args = append(args, count)
	}
	rows, err := q.Query(ctx, sql, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("history %s/%s: %w", resourceType, id, err)
	}
	defer rows.Close()

	var out []*fhir.StoredResource
	for rows.Next() {
		sr, err := scanResource(rows)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, sr)
	}
	return out, total, rows.Err()
}

// sqlFilter accumulates WHERE clauses with positional arguments.
type sqlFilter struct {
	where []string
	args  []interface{}
}

func (f *sqlFilter) add(clause string, args ...interface{}) {
	for _, a := range args {
		clause = strings.Replace(clause, "?", "$"+strconv.Itoa(len(f.args)+1), 1)
		f.args = append(f.args, a)
	}
	f.where = append(f.where, clause)
}

func (f *sqlFilter) sql() string {
	if len(f.where) == 0 {
		return ""
	}
	return " WHERE " + strings.Join(f.where, " AND ")
}

// Search narrows candidates in SQL by type, _id, _lastUpdated and JSONB
// containment for system|code tokens, then applies every criterion with the
// same matcher the in-memory store uses.
func (p *Postgres) Search(ctx context.Context, q fhir.SearchQuery) (*fhir.SearchResult, error) {
	parsed, opErr := p.params.parse(q.ResourceType, q.Params)
	if opErr != nil {
		return nil, opErr
	}

	f := &sqlFilter{}
	f.add("deleted = FALSE")
	if q.ResourceType != "" {
		f.add("resource_type = ?", q.ResourceType)
	}
	if len(parsed.ids) > 0 {
		f.add("id = ANY(?)", parsed.ids)
	}
	for _, dc := range parsed.lastUpdated {
		switch dc.prefix {
		case "gt":
			f.add("last_updated >= ?", dc.end)
		case "ge":
			f.add("last_updated >= ?", dc.start)
		case "lt":
			f.add("last_updated < ?", dc.start)
		case "le":
			f.add("last_updated < ?", dc.end)
		case "ne":
			f.add("(last_updated < ? OR last_updated >= ?)", dc.start, dc.end)
		default:
			f.add("last_updated >= ? AND last_updated < ?", dc.start, dc.end)
		}
	}

	for _, c := range parsed.criteria {
		docs := c.containment()
		if len(docs) == 0 {
			continue
		}
		clauses := make([]string, len(docs))
		args := make([]interface{}, len(docs))
		for i, doc := range docs {
			clauses[i] = "resource @> ?::jsonb"
			args[i] = doc
		}
		f.add("("+strings.Join(clauses, " OR ")+")", args...)
	}

	rows, err := db.Conn(ctx, p.pool).Query(ctx,
		`SELECT `+resourceCols+` FROM resources`+f.sql()+` ORDER BY resource_type, last_updated, id`,
		f.args...)
	if err != nil {
		return nil, fmt.Errorf("search %s: %w", q.ResourceType, err)
	}
	defer rows.Close()

	var matches []*fhir.StoredResource
	for rows.Next() {
		sr, err := scanResource(rows)
		if err != nil {
			return nil, err
		}
		if !parsed.matches(sr) {
			continue
		}
		if q.Compartment != "" && !inCompartment(sr.Resource, q.Compartment) {
			continue
		}
		matches = append(matches, sr)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return &fhir.SearchResult{Matches: page(matches, q.Count, q.Offset), Total: len(matches)}, nil
}
