package dataset

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/csv"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/TimRepke/lithub/bitmask"
	"github.com/stretchr/testify/require"
)

const testInfo = `
name = "Climate literature"
teaser = "A test corpus"
authors = ["Tester"]
created_date = 2024-01-15
db_filename = "dataset.sqlite"
arrow_filename = "layout.arrow"
keywords_filename = "keywords.json"
default_colour = "#ccc"

[labels.rel]
key = "rel"
name = "Relevance"
value = 1
colour = [0.1, 0.2, 0.3]

[labels.adapt]
key = "adapt"
name = "Adaptation"
value = 1
colour = [0.3, 0.2, 0.1]

[groups.main]
name = "Main"
key = "main"
type = "multi"
labels = ["rel", "adapt"]
`

type fixtureDoc struct {
	title, abstract string
	year            int
	rel, adapt      float64
}

var fixtureDocs = []fixtureDoc{
	{"Sea level rise", "Coastal flooding under warming", 2001, 0.91, 0.10},
	{"Crop yields", "Drought and heat impact agriculture", 2005, 0.40, 0.80},
	{"Urban heat", "Cities adapt to heat waves", 2010, 0.75, 0.95},
	{"Glacier melt", "Himalayan glaciers retreat", 2015, 0.20, 0.30},
	{"Carbon pricing", "Policy instruments for mitigation", 2020, 0.55, 0.05},
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// writeFixture creates <base>/<key> with info.toml, the sqlite file and the arrow stub.
func writeFixture(t *testing.T, base, key string) string {
	t.Helper()
	dir := filepath.Join(base, key)
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, infoFilename), []byte(testInfo), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "layout.arrow"), []byte("arrow"), 0o644))

	db, err := sql.Open("sqlite", filepath.Join(dir, "dataset.sqlite"))
	require.NoError(t, err)
	defer db.Close()

	stmts := []string{
		`CREATE TABLE documents (idx INTEGER PRIMARY KEY, title TEXT, abstract TEXT,
			publication_year INTEGER, doi TEXT, rel REAL, adapt REAL)`,
		`CREATE VIRTUAL TABLE search USING fts5(idx UNINDEXED, title, abstract)`,
	}
	for _, stmt := range stmts {
		_, err := db.Exec(stmt)
		require.NoError(t, err)
	}
	for i, doc := range fixtureDocs {
		_, err := db.Exec(`INSERT INTO documents (idx, title, abstract, publication_year, rel, adapt) VALUES (?, ?, ?, ?, ?, ?)`,
			i, doc.title, doc.abstract, doc.year, doc.rel, doc.adapt)
		require.NoError(t, err)
		_, err = db.Exec(`INSERT INTO search (idx, title, abstract) VALUES (?, ?, ?)`, i, doc.title, doc.abstract)
		require.NoError(t, err)
	}
	return dir
}

func openFixture(t *testing.T) *Dataset {
	t.Helper()
	base := t.TempDir()
	writeFixture(t, base, "climate")
	reg := NewRegistry(base, quietLogger())
	require.NoError(t, reg.Reload(context.Background()))
	t.Cleanup(func() { _ = reg.Close() })
	ds, err := reg.Get("climate")
	require.NoError(t, err)
	return ds
}

func TestRegistryReload(t *testing.T) {
	base := t.TempDir()
	writeFixture(t, base, "climate")
	writeFixture(t, base, ".hidden")
	require.NoError(t, os.MkdirAll(filepath.Join(base, "no-info"), 0o755))

	broken := writeFixture(t, base, "broken")
	require.NoError(t, os.Remove(filepath.Join(broken, "layout.arrow")))

	reg := NewRegistry(base, quietLogger())
	require.NoError(t, reg.Reload(context.Background()))
	defer reg.Close()

	list := reg.List()
	require.Len(t, list, 1)
	require.Equal(t, "climate", list[0].Key)

	_, err := reg.Get("broken")
	require.ErrorIs(t, err, ErrNotFound)

	ds := list[0]
	require.Equal(t, len(fixtureDocs), ds.Total())
	require.Equal(t, []string{"adapt", "rel"}, ds.LabelColumns())

	web := ds.Web()
	require.Equal(t, "Climate literature", web.Name)
	require.Equal(t, 1990, web.StartYear)
	require.Equal(t, []string{"title", "abstract", "publication_year", "doi"}, web.DocumentColumns)
	require.Equal(t, "2024-01-15", web.CreatedDate.Format(dateLayout))

	require.NoError(t, reg.Reload(context.Background()))
	reloaded, err := reg.Get("climate")
	require.NoError(t, err)
	require.Greater(t, reloaded.Generation, ds.Generation)
}

func TestRegistryReloadMissingFolder(t *testing.T) {
	reg := NewRegistry(filepath.Join(t.TempDir(), "absent"), quietLogger())
	require.Error(t, reg.Reload(context.Background()))
}

func TestScoreAtLeast(t *testing.T) {
	ds := openFixture(t)
	ctx := context.Background()

	ids, err := ds.ScoreAtLeast(ctx, "rel", 0.5)
	require.NoError(t, err)
	require.Equal(t, []int{0, 2, 4}, ids)

	ids, err = ds.ScoreAtLeast(ctx, "rel", 2)
	require.NoError(t, err)
	require.Empty(t, ids)
	require.NotNil(t, ids)

	_, err = ds.ScoreAtLeast(ctx, `rel" OR 1=1 --`, 0.5)
	require.ErrorIs(t, err, ErrUnknownColumn)
}

func TestSearch(t *testing.T) {
	ds := openFixture(t)
	ctx := context.Background()

	ids, err := ds.Search(ctx, "heat", nil)
	require.NoError(t, err)
	require.Equal(t, []int{1, 2}, ids)

	ids, err = ds.Search(ctx, "heat", []string{"title"})
	require.NoError(t, err)
	require.Equal(t, []int{2}, ids)

	_, err = ds.Search(ctx, "heat", []string{"doi"})
	require.ErrorIs(t, err, ErrUnknownColumn)

	_, err = ds.Search(ctx, "  ", nil)
	require.ErrorIs(t, err, ErrBadQuery)

	_, err = ds.Search(ctx, `"unterminated`, nil)
	require.ErrorIs(t, err, ErrBadQuery)
}

func TestDocuments(t *testing.T) {
	ds := openFixture(t)
	ctx := context.Background()

	t.Run("all documents", func(t *testing.T) {
		docs, total, err := ds.Documents(ctx, Selection{}, Page{Page: 1, Limit: 2})
		require.NoError(t, err)
		require.Equal(t, 5, total)
		require.Len(t, docs, 2)
		require.Equal(t, 2, docs[0].Idx)
		require.Equal(t, "Urban heat", *docs[0].Title)
		require.Equal(t, int64(2010), *docs[0].PublicationYear)
		require.Nil(t, docs[0].DOI)
		require.Equal(t, 0.95, docs[0].Labels["adapt"])
	})

	t.Run("ids ordered by label", func(t *testing.T) {
		docs, total, err := ds.Documents(ctx, Selection{IDs: []int{0, 1, 2}, OrderBy: []string{"adapt"}}, Page{Limit: 10})
		require.NoError(t, err)
		require.Equal(t, 3, total)
		require.Equal(t, []int{2, 1, 0}, idxOf(docs))
	})

	t.Run("mask paged in index order", func(t *testing.T) {
		mask, err := bitmask.Encode([]int{0, 2, 3, 4}, ds.Total())
		require.NoError(t, err)
		docs, total, err := ds.Documents(ctx, Selection{Mask: mask}, Page{Page: 1, Limit: 2})
		require.NoError(t, err)
		require.Equal(t, 4, total)
		require.Equal(t, []int{3, 4}, idxOf(docs))

		docs, _, err = ds.Documents(ctx, Selection{Mask: mask}, Page{Page: 5, Limit: 2})
		require.NoError(t, err)
		require.Empty(t, docs)
	})

	t.Run("mask ordered by label", func(t *testing.T) {
		mask, err := bitmask.Encode([]int{0, 2, 3, 4}, ds.Total())
		require.NoError(t, err)
		docs, total, err := ds.Documents(ctx, Selection{Mask: mask, OrderBy: []string{"rel"}}, Page{Limit: 2})
		require.NoError(t, err)
		require.Equal(t, 4, total)
		require.Equal(t, []int{0, 2}, idxOf(docs))
	})

	t.Run("mask bits past total", func(t *testing.T) {
		mask := []byte{0xff, 0xff, 0xff, 0xff}
		_, plain, err := ds.Documents(ctx, Selection{Mask: mask}, Page{Limit: 10})
		require.NoError(t, err)
		docs, ordered, err := ds.Documents(ctx, Selection{Mask: mask, OrderBy: []string{"rel"}}, Page{Limit: 10})
		require.NoError(t, err)
		require.Equal(t, ds.Total(), plain)
		require.Equal(t, ds.Total(), ordered)
		require.Len(t, docs, ds.Total())

		docs, _, err = ds.Documents(ctx, Selection{Mask: mask}, Page{Page: 2, Limit: 2})
		require.NoError(t, err)
		require.Equal(t, []int{4}, idxOf(docs))
		docs, _, err = ds.Documents(ctx, Selection{Mask: mask}, Page{Page: 3, Limit: 2})
		require.NoError(t, err)
		require.Empty(t, docs)
	})

	t.Run("page bounds", func(t *testing.T) {
		mask, err := bitmask.Encode([]int{0, 2}, ds.Total())
		require.NoError(t, err)
		pages := []Page{
			{Limit: MaxPageLimit + 1},
			{Limit: 1 << 32},
			{Limit: 1 << 62},
			{Page: 1 << 33, Limit: 1 << 31},
			{Page: 1 << 62, Limit: MaxPageLimit},
		}
		for _, page := range pages {
			_, _, err := ds.Documents(ctx, Selection{Mask: mask}, page)
			require.ErrorIs(t, err, ErrBadQuery, "%+v", page)
			_, _, err = ds.Documents(ctx, Selection{}, page)
			require.ErrorIs(t, err, ErrBadQuery, "%+v", page)
		}

		docs, total, err := ds.Documents(ctx, Selection{Mask: mask}, Page{Limit: MaxPageLimit})
		require.NoError(t, err)
		require.Equal(t, 2, total)
		require.Equal(t, []int{0, 2}, idxOf(docs))
	})

	t.Run("invalid input", func(t *testing.T) {
		_, _, err := ds.Documents(ctx, Selection{OrderBy: []string{"title"}}, Page{Limit: 2})
		require.ErrorIs(t, err, ErrUnknownColumn)

		_, _, err = ds.Documents(ctx, Selection{}, Page{Limit: 0})
		require.ErrorIs(t, err, ErrBadQuery)

		_, _, err = ds.Documents(ctx, Selection{Mask: []byte{1, 2, 3}}, Page{Limit: 2})
		var formatErr *bitmask.FormatError
		require.ErrorAs(t, err, &formatErr)
	})
}

func TestExport(t *testing.T) {
	ds := openFixture(t)

	var buf bytes.Buffer
	err := ds.Export(context.Background(), Selection{IDs: []int{4, 1}}, &buf, 16)
	require.NoError(t, err)

	records, err := csv.NewReader(&buf).ReadAll()
	require.NoError(t, err)
	require.Len(t, records, 3)
	require.Equal(t, []string{"idx", "title", "abstract", "publication_year", "doi", "adapt", "rel"}, records[0])
	require.Equal(t, "1", records[1][0])
	require.Equal(t, "Crop yields", records[1][1])
	require.Equal(t, "", records[1][4])
	require.Equal(t, "4", records[2][0])
}

func idxOf(docs []Document) []int {
	out := make([]int, len(docs))
	for i, d := range docs {
		out[i] = d.Idx
	}
	return out
}
