// Package dataset opens the per-dataset SQLite files and answers the queries
// the API turns into bitmasks, listings and exports.
package dataset

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"slices"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	_ "modernc.org/sqlite"
)

var (
	// ErrNotFound is returned for unknown datasets or missing search indexes.
	ErrNotFound = errors.New("dataset not found")
	// ErrUnknownColumn is returned when a requested column does not exist.
	ErrUnknownColumn = errors.New("unknown column")
	// ErrBadQuery is returned for unparsable full-text queries.
	ErrBadQuery = errors.New("bad search query")
)

// documentColumns are the bibliographic columns exposed in listings, in output order.
var documentColumns = []string{
	"title", "abstract", "publication_year", "openalex_id",
	"nacsos_id", "doi", "authors", "institutions",
}

var tracer = otel.Tracer("github.com/TimRepke/lithub/internal/dataset")

// Dataset is one opened dataset folder.
type Dataset struct {
	Key  string
	Info Info
	Dir  string
	// Generation counts registry reloads; it is set on the datasets each reload opens.
	Generation uint64

	db              *sql.DB
	total           int
	columns         []string
	labelColumns    []string
	documentColumns []string
	searchFields    []string
}

// Open opens the dataset database read-only and loads its size and columns.
func Open(ctx context.Context, dir, key string, info Info) (*Dataset, error) {
	path := filepath.Join(dir, info.DBFilename)
	dsn := filepath.Clean(path) + "?_pragma=query_only(1)&_pragma=busy_timeout(5000)"
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	if err := sqlDB.PingContext(ctx); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}

	d := &Dataset{Key: key, Info: info, Dir: dir, db: sqlDB}
	if err := d.load(ctx); err != nil {
		_ = sqlDB.Close()
		return nil, err
	}
	return d, nil
}

func (d *Dataset) load(ctx context.Context) error {
	columns, err := d.tableColumns(ctx, "documents")
	if err != nil {
		return err
	}
	if !slices.Contains(columns, "idx") {
		return fmt.Errorf("table documents has no idx column")
	}
	d.columns = columns

	for _, c := range documentColumns {
		if slices.Contains(columns, c) {
			d.documentColumns = append(d.documentColumns, c)
		}
	}
	for key := range d.Info.Labels {
		if slices.Contains(columns, key) {
			d.labelColumns = append(d.labelColumns, key)
		}
	}
	slices.Sort(d.labelColumns)

	searchColumns, err := d.tableColumns(ctx, "search")
	if err != nil {
		return err
	}
	for _, c := range searchColumns {
		if c != "idx" {
			d.searchFields = append(d.searchFields, c)
		}
	}

	if err := d.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM documents`).Scan(&d.total); err != nil {
		return fmt.Errorf("count documents: %w", err)
	}
	return nil
}

// tableColumns lists the columns of table, or nothing if it does not exist.
func (d *Dataset) tableColumns(ctx context.Context, table string) ([]string, error) {
	rows, err := d.db.QueryContext(ctx, `SELECT name FROM pragma_table_info(?)`, table)
	if err != nil {
		return nil, fmt.Errorf("list columns of %s: %w", table, err)
	}
	defer rows.Close()

	var columns []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("scan column of %s: %w", table, err)
		}
		columns = append(columns, name)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list columns of %s: %w", table, err)
	}
	slices.Sort(columns)
	return columns, nil
}

// Close closes the SQLite handle.
func (d *Dataset) Close() error {
	if d == nil || d.db == nil {
		return nil
	}
	return d.db.Close()
}

// Total returns the number of documents, the universe size of every mask.
func (d *Dataset) Total() int {
	return d.total
}

// LabelColumns returns the score columns named in the labelling scheme.
func (d *Dataset) LabelColumns() []string {
	return slices.Clone(d.labelColumns)
}

// Web returns the API view of the dataset.
func (d *Dataset) Web() WebInfo {
	return WebInfo{
		Info:            d.Info,
		Key:             d.Key,
		Total:           d.total,
		Columns:         slices.Clone(d.columns),
		LabelColumns:    slices.Clone(d.labelColumns),
		DocumentColumns: slices.Clone(d.documentColumns),
	}
}

// column quotes name after checking it is a column of documents.
func (d *Dataset) column(name string) (string, error) {
	if !slices.Contains(d.columns, name) {
		return "", fmt.Errorf("%w: %q", ErrUnknownColumn, name)
	}
	return `"` + name + `"`, nil
}

func (d *Dataset) labelColumn(name string) (string, error) {
	if !slices.Contains(d.labelColumns, name) {
		return "", fmt.Errorf("%w: %q is not a label", ErrUnknownColumn, name)
	}
	return `"` + name + `"`, nil
}

func (d *Dataset) startSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	attrs = append(attrs, attribute.String("dataset", d.Key))
	return tracer.Start(ctx, "dataset."+name, trace.WithAttributes(attrs...))
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

func isQuerySyntaxError(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "fts5") || strings.Contains(msg, "syntax error") ||
		strings.Contains(msg, "no such column")
}
