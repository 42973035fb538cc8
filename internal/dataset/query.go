package dataset

import (
	"bufio"
	"context"
	"database/sql"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"slices"
	"strings"

	"github.com/TimRepke/lithub/bitmask"
	"go.opentelemetry.io/otel/attribute"
)

// Selection narrows a listing or export to some documents. IDs win over Mask;
// with neither, every document is selected.
type Selection struct {
	IDs     []int
	Mask    []byte // packed bitmask, see package bitmask
	OrderBy []string
}

// MaxPageLimit is the largest page a listing serves.
const MaxPageLimit = 1000

// Page addresses a 0-based page of Limit documents.
type Page struct {
	Page  int
	Limit int
}

func (p Page) validate() error {
	if p.Page < 0 || p.Limit <= 0 || p.Limit > MaxPageLimit {
		return fmt.Errorf("%w: invalid page %d/%d", ErrBadQuery, p.Page, p.Limit)
	}
	if p.Page > math.MaxInt/p.Limit {
		return fmt.Errorf("%w: page %d is out of range", ErrBadQuery, p.Page)
	}
	return nil
}

// offset assumes a validated page.
func (p Page) offset() int {
	return p.Page * p.Limit
}

// Document is one row of a listing with its label scores.
type Document struct {
	Idx             int                `json:"idx"`
	Title           *string            `json:"title"`
	Abstract        *string            `json:"abstract"`
	PublicationYear *int64             `json:"publication_year"`
	OpenalexID      *string            `json:"openalex_id"`
	NacsosID        *string            `json:"nacsos_id"`
	DOI             *string            `json:"doi"`
	Authors         *string            `json:"authors"`
	Institutions    *string            `json:"institutions"`
	Labels          map[string]float64 `json:"labels"`
}

// ScoreAtLeast returns the ascending indices of documents whose column is at least minScore.
func (d *Dataset) ScoreAtLeast(ctx context.Context, column string, minScore float64) (ids []int, err error) {
	ctx, span := d.startSpan(ctx, "ScoreAtLeast", attribute.String("column", column))
	defer func() { endSpan(span, err) }()

	col, err := d.column(column)
	if err != nil {
		return nil, err
	}
	rows, err := d.db.QueryContext(ctx, `SELECT idx FROM documents WHERE `+col+` >= ? ORDER BY idx`, minScore)
	if err != nil {
		return nil, fmt.Errorf("select %s >= %v: %w", column, minScore, err)
	}
	return scanIndices(rows)
}

// Search runs a full-text query restricted to fields and returns the ascending matching indices.
func (d *Dataset) Search(ctx context.Context, query string, fields []string) (ids []int, err error) {
	ctx, span := d.startSpan(ctx, "Search", attribute.StringSlice("fields", fields))
	defer func() { endSpan(span, err) }()

	if len(d.searchFields) == 0 {
		return nil, fmt.Errorf("%w: %s has no search index", ErrNotFound, d.Key)
	}
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, fmt.Errorf("%w: empty query", ErrBadQuery)
	}
	if len(fields) == 0 {
		fields = d.searchFields
	}
	for _, f := range fields {
		if !slices.Contains(d.searchFields, f) {
			return nil, fmt.Errorf("%w: %q is not searchable", ErrUnknownColumn, f)
		}
	}
	match := "{" + strings.Join(fields, " ") + "} : (" + query + ")"

	rows, err := d.db.QueryContext(ctx, `SELECT idx FROM search WHERE search MATCH ? ORDER BY idx`, match)
	if err != nil {
		if isQuerySyntaxError(err) {
			return nil, fmt.Errorf("%w: %v", ErrBadQuery, err)
		}
		return nil, fmt.Errorf("search: %w", err)
	}
	ids, err = scanIndices(rows)
	if err != nil && isQuerySyntaxError(err) {
		return nil, fmt.Errorf("%w: %v", ErrBadQuery, err)
	}
	return ids, err
}

func scanIndices(rows *sql.Rows) ([]int, error) {
	defer rows.Close()
	ids := []int{}
	for rows.Next() {
		var idx int
		if err := rows.Scan(&idx); err != nil {
			return nil, fmt.Errorf("scan idx: %w", err)
		}
		ids = append(ids, idx)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}
	return ids, nil
}

// Documents returns one page of the selection and the number of selected documents.
func (d *Dataset) Documents(ctx context.Context, sel Selection, page Page) (docs []Document, matched int, err error) {
	ctx, span := d.startSpan(ctx, "Documents", attribute.Int("page", page.Page), attribute.Int("limit", page.Limit))
	defer func() { endSpan(span, err) }()

	if err := page.validate(); err != nil {
		return nil, 0, err
	}
	order, err := d.orderClause(sel.OrderBy)
	if err != nil {
		return nil, 0, err
	}

	// A mask listed in index order is paged with roaring rank/select instead of
	// handing every selected index to SQLite.
	if len(sel.IDs) == 0 && len(sel.Mask) > 0 && len(sel.OrderBy) == 0 {
		ids, n, err := pageOfMask(sel.Mask, d.total, page)
		if err != nil {
			return nil, 0, err
		}
		docs, err := d.queryDocuments(ctx, `WHERE idx IN (SELECT value FROM json_each(?))`, order, []any{jsonIDs(ids)})
		return docs, n, err
	}

	where, args, matched, err := d.whereClause(sel)
	if err != nil {
		return nil, 0, err
	}
	args = append(args, page.Limit, page.offset())
	docs, err = d.queryDocuments(ctx, where, order+` LIMIT ? OFFSET ?`, args)
	return docs, matched, err
}

func pageOfMask(mask []byte, total int, page Page) ([]int, int, error) {
	rb, err := bitmask.ToRoaring(mask)
	if err != nil {
		return nil, 0, err
	}
	// Bits past total are not documents.
	if end := uint64(len(mask)) * 8; uint64(total) < end {
		rb.RemoveRange(uint64(total), end)
	}
	matched := int(rb.GetCardinality())
	offset := page.offset()
	if offset >= matched {
		return []int{}, matched, nil
	}
	first, err := rb.Select(uint32(offset))
	if err != nil {
		return nil, 0, fmt.Errorf("select rank %d: %w", offset, err)
	}
	it := rb.Iterator()
	it.AdvanceIfNeeded(first)
	ids := make([]int, 0, min(page.Limit, matched-offset))
	for it.HasNext() && len(ids) < page.Limit {
		ids = append(ids, int(it.Next()))
	}
	return ids, matched, nil
}

func jsonIDs(ids []int) string {
	out, _ := json.Marshal(ids)
	return string(out)
}

func (d *Dataset) whereClause(sel Selection) (string, []any, int, error) {
	switch {
	case len(sel.IDs) > 0:
		return `WHERE idx IN (SELECT value FROM json_each(?))`, []any{jsonIDs(sel.IDs)}, len(sel.IDs), nil
	case len(sel.Mask) > 0:
		ids, err := bitmask.DecodeTotal(sel.Mask, d.total)
		if err != nil {
			return "", nil, 0, err
		}
		return `WHERE idx IN (SELECT value FROM json_each(?))`, []any{jsonIDs(ids)}, len(ids), nil
	default:
		return "", nil, d.total, nil
	}
}

func (d *Dataset) orderClause(orderBy []string) (string, error) {
	parts := make([]string, 0, len(orderBy)+1)
	for _, name := range orderBy {
		col, err := d.labelColumn(name)
		if err != nil {
			return "", err
		}
		parts = append(parts, col+" DESC")
	}
	parts = append(parts, "idx")
	return " ORDER BY " + strings.Join(parts, ", "), nil
}

func (d *Dataset) selectColumns() []string {
	columns := []string{"idx"}
	columns = append(columns, d.documentColumns...)
	return append(columns, d.labelColumns...)
}

func quoteAll(columns []string) string {
	quoted := make([]string, len(columns))
	for i, c := range columns {
		quoted[i] = `"` + c + `"`
	}
	return strings.Join(quoted, ", ")
}

func (d *Dataset) queryDocuments(ctx context.Context, where, tail string, args []any) ([]Document, error) {
	columns := d.selectColumns()
	rows, err := d.db.QueryContext(ctx, `SELECT `+quoteAll(columns)+` FROM documents `+where+tail, args...)
	if err != nil {
		return nil, fmt.Errorf("select documents: %w", err)
	}
	defer rows.Close()

	docs := []Document{}
	for rows.Next() {
		doc, err := d.scanDocument(rows, columns)
		if err != nil {
			return nil, err
		}
		docs = append(docs, doc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate documents: %w", err)
	}
	return docs, nil
}

func (d *Dataset) scanDocument(rows *sql.Rows, columns []string) (Document, error) {
	var (
		idx    int64
		texts  = make(map[string]*sql.NullString, len(d.documentColumns))
		year   sql.NullInt64
		scores = make([]sql.NullFloat64, len(d.labelColumns))
	)
	dest := make([]any, 0, len(columns))
	dest = append(dest, &idx)
	for _, c := range d.documentColumns {
		if c == "publication_year" {
			dest = append(dest, &year)
			continue
		}
		texts[c] = &sql.NullString{}
		dest = append(dest, texts[c])
	}
	for i := range scores {
		dest = append(dest, &scores[i])
	}
	if err := rows.Scan(dest...); err != nil {
		return Document{}, fmt.Errorf("scan document: %w", err)
	}

	doc := Document{Idx: int(idx), Labels: make(map[string]float64, len(scores))}
	text := func(c string) *string {
		if v, ok := texts[c]; ok && v.Valid {
			s := v.String
			return &s
		}
		return nil
	}
	doc.Title = text("title")
	doc.Abstract = text("abstract")
	doc.OpenalexID = text("openalex_id")
	doc.NacsosID = text("nacsos_id")
	doc.DOI = text("doi")
	doc.Authors = text("authors")
	doc.Institutions = text("institutions")
	if year.Valid {
		y := year.Int64
		doc.PublicationYear = &y
	}
	for i, c := range d.labelColumns {
		if scores[i].Valid {
			// two decimals are plenty in transit
			doc.Labels[c] = math.Round(scores[i].Float64*100) / 100
		}
	}
	return doc, nil
}

// Export writes the selection as CSV, flushing every bufferSize bytes.
func (d *Dataset) Export(ctx context.Context, sel Selection, w io.Writer, bufferSize int) (err error) {
	ctx, span := d.startSpan(ctx, "Export")
	defer func() { endSpan(span, err) }()

	where, args, _, err := d.whereClause(sel)
	if err != nil {
		return err
	}
	columns := d.selectColumns()
	rows, err := d.db.QueryContext(ctx, `SELECT `+quoteAll(columns)+` FROM documents `+where+` ORDER BY idx`, args...)
	if err != nil {
		return fmt.Errorf("select export: %w", err)
	}
	defer rows.Close()

	if bufferSize <= 0 {
		bufferSize = 4096
	}
	buf := bufio.NewWriterSize(w, bufferSize)
	out := csv.NewWriter(buf)
	if err := out.Write(columns); err != nil {
		return fmt.Errorf("write csv header: %w", err)
	}

	values := make([]sql.NullString, len(columns))
	dest := make([]any, len(columns))
	for i := range values {
		dest[i] = &values[i]
	}
	record := make([]string, len(columns))
	for rows.Next() {
		if err := rows.Scan(dest...); err != nil {
			return fmt.Errorf("scan export row: %w", err)
		}
		for i, v := range values {
			record[i] = v.String
		}
		if err := out.Write(record); err != nil {
			return fmt.Errorf("write csv row: %w", err)
		}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterate export: %w", err)
	}
	out.Flush()
	if err := out.Error(); err != nil {
		return fmt.Errorf("flush csv: %w", err)
	}
	return buf.Flush()
}
