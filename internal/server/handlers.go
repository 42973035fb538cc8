package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/TimRepke/lithub"
	"github.com/TimRepke/lithub/bitmask"
	"github.com/TimRepke/lithub/coder"
	"github.com/TimRepke/lithub/internal/dataset"
)

const (
	defaultMinScore = 0.5
	defaultLimit    = 10
	maxBodyBytes    = 64 << 20
)

func (s *Server) ping(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = io.WriteString(w, "pong")
}

func (s *Server) listDatasets(w http.ResponseWriter, _ *http.Request) error {
	writeJSON(w, s.webInfos())
	return nil
}

func (s *Server) webInfos() []dataset.WebInfo {
	list := s.registry.List()
	infos := make([]dataset.WebInfo, 0, len(list))
	for _, ds := range list {
		infos = append(infos, ds.Web())
	}
	return infos
}

func (s *Server) reloadDatasets(w http.ResponseWriter, r *http.Request) error {
	if err := s.registry.Reload(r.Context()); err != nil {
		return err
	}
	for _, ns := range namespaces {
		n, err := s.memo.Invalidate(ns)
		if err != nil {
			return err
		}
		s.logger.Info("invalidated cache namespace", slog.String("namespace", ns), slog.Int("removed", n))
	}
	writeJSON(w, s.webInfos())
	return nil
}

func (s *Server) getDataset(w http.ResponseWriter, r *http.Request) error {
	ds, err := s.registry.Get(r.PathValue("dataset"))
	if err != nil {
		return err
	}
	writeJSON(w, ds.Web())
	return nil
}

// scoreQuery is the shared input of the bitmask routes.
type scoreQuery struct {
	ds       *dataset.Dataset
	key      string
	minScore float64
}

func (s *Server) parseScoreQuery(r *http.Request) (scoreQuery, error) {
	ds, err := s.registry.Get(r.PathValue("dataset"))
	if err != nil {
		return scoreQuery{}, err
	}
	q := r.URL.Query()
	key := q.Get("key")
	if key == "" {
		return scoreQuery{}, &ParamError{Name: "key"}
	}
	minScore, err := floatParam(q, "min_score", defaultMinScore)
	if err != nil {
		return scoreQuery{}, err
	}
	return scoreQuery{ds: ds, key: key, minScore: minScore}, nil
}

func (s *Server) getBitmask(w http.ResponseWriter, r *http.Request) error {
	sq, err := s.parseScoreQuery(r)
	if err != nil {
		return err
	}
	key := s.memo.Key("basic.get_bitmask", NamespaceBitmask, []any{sq.ds.Key, sq.ds.Generation, sq.key, sq.minScore}, nil)
	payload, status, err := s.memo.Payload(r.Context(), key, 0, coder.Bytes, func(ctx context.Context) (any, error) {
		ids, err := sq.ds.ScoreAtLeast(ctx, sq.key, sq.minScore)
		if err != nil {
			return nil, err
		}
		return bitmask.EncodeBase64(ids, sq.ds.Total())
	})
	if err != nil {
		return err
	}
	writeText(w, status, payload)
	return nil
}

func (s *Server) getIDs(w http.ResponseWriter, r *http.Request) error {
	sq, err := s.parseScoreQuery(r)
	if err != nil {
		return err
	}
	key := s.memo.Key("basic.get_ids", NamespaceIDs, []any{sq.ds.Key, sq.ds.Generation, sq.key, sq.minScore}, nil)
	payload, status, err := s.memo.Payload(r.Context(), key, 0, coder.JSON, func(ctx context.Context) (any, error) {
		return sq.ds.ScoreAtLeast(ctx, sq.key, sq.minScore)
	})
	if err != nil {
		return err
	}
	writeCachedJSON(w, status, payload)
	return nil
}

// searchResult runs (or recalls) a full-text search. Both search routes share
// the cached id list.
func (s *Server) searchResult(r *http.Request) (*dataset.Dataset, []int, lithub.Status, error) {
	ds, err := s.registry.Get(r.PathValue("dataset"))
	if err != nil {
		return nil, nil, "", err
	}
	q := r.URL.Query()
	query := strings.TrimSpace(q.Get("query"))
	if query == "" {
		return nil, nil, "", &ParamError{Name: "query"}
	}
	fields := splitList(q["fields"])

	key := s.memo.Key("basic.search", NamespaceSearch, []any{ds.Key, ds.Generation, query, fields}, nil)
	ids, status, err := lithub.Fetch(r.Context(), s.memo, key, 0, coder.JSON, func(ctx context.Context) ([]int, error) {
		return ds.Search(ctx, query, fields)
	})
	if err != nil {
		return nil, nil, "", err
	}
	return ds, ids, status, nil
}

func (s *Server) searchBitmask(w http.ResponseWriter, r *http.Request) error {
	ds, ids, status, err := s.searchResult(r)
	if err != nil {
		return err
	}
	mask, err := bitmask.EncodeBase64(ids, ds.Total())
	if err != nil {
		return err
	}
	writeText(w, status, []byte(mask))
	return nil
}

func (s *Server) searchIDs(w http.ResponseWriter, r *http.Request) error {
	_, ids, status, err := s.searchResult(r)
	if err != nil {
		return err
	}
	w.Header().Set("X-Cache-Status", string(status))
	writeJSON(w, ids)
	return nil
}

// selectionBody is the request body of the documents and download routes.
type selectionBody struct {
	IDs     []int    `json:"ids"`
	Bitmask string   `json:"bitmask"`
	OrderBy []string `json:"order_by"`
}

func parseSelection(w http.ResponseWriter, r *http.Request) (dataset.Selection, error) {
	var body selectionBody
	if r.Body != nil && r.ContentLength != 0 {
		dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
		if err := dec.Decode(&body); err != nil && !errors.Is(err, io.EOF) {
			return dataset.Selection{}, &ParamError{Name: "body", Err: err}
		}
	}
	sel := dataset.Selection{IDs: body.IDs, OrderBy: body.OrderBy}
	if body.Bitmask != "" {
		mask, err := bitmask.ParseBase64(body.Bitmask)
		if err != nil {
			return dataset.Selection{}, err
		}
		sel.Mask = mask
	}
	return sel, nil
}

func (s *Server) listDocuments(w http.ResponseWriter, r *http.Request) error {
	ds, err := s.registry.Get(r.PathValue("dataset"))
	if err != nil {
		return err
	}
	q := r.URL.Query()
	page, err := intParam(q, "page", 0)
	if err != nil {
		return err
	}
	limit, err := intParam(q, "limit", defaultLimit)
	if err != nil {
		return err
	}
	if page < 0 {
		return &ParamError{Name: "page", Value: q.Get("page"), Err: errors.New("must not be negative")}
	}
	if limit <= 0 || limit > dataset.MaxPageLimit {
		return &ParamError{Name: "limit", Value: q.Get("limit"), Err: fmt.Errorf("must be between 1 and %d", dataset.MaxPageLimit)}
	}
	sel, err := parseSelection(w, r)
	if err != nil {
		return err
	}

	docs, total, err := ds.Documents(r.Context(), sel, dataset.Page{Page: page, Limit: limit})
	if err != nil {
		return err
	}
	w.Header().Set("X-Total-Count", strconv.Itoa(total))
	writeJSON(w, docs)
	return nil
}

func (s *Server) download(w http.ResponseWriter, r *http.Request) error {
	ds, err := s.registry.Get(r.PathValue("dataset"))
	if err != nil {
		return err
	}
	sel, err := parseSelection(w, r)
	if err != nil {
		return err
	}
	w.Header().Set("Content-Type", "text/csv; charset=utf-8")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", ds.Key+".csv"))
	return ds.Export(r.Context(), sel, w, s.opts.DownloadBuffer)
}

func (s *Server) clearCache(w http.ResponseWriter, r *http.Request) error {
	q := r.URL.Query()
	n, err := s.memo.Clear(q.Get("namespace"), q.Get("key"))
	if err != nil {
		return err
	}
	writeJSON(w, map[string]int{"removed": n})
	return nil
}

func writeText(w http.ResponseWriter, status lithub.Status, payload []byte) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Header().Set("X-Cache-Status", string(status))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(payload)
}

func writeCachedJSON(w http.ResponseWriter, status lithub.Status, payload []byte) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("X-Cache-Status", string(status))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(payload)
}

func floatParam(q url.Values, name string, fallback float64) (float64, error) {
	raw := q.Get(name)
	if raw == "" {
		return fallback, nil
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, &ParamError{Name: name, Value: raw, Err: err}
	}
	return v, nil
}

func intParam(q url.Values, name string, fallback int) (int, error) {
	raw := q.Get(name)
	if raw == "" {
		return fallback, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, &ParamError{Name: name, Value: raw, Err: err}
	}
	return v, nil
}

// splitList accepts repeated and comma separated values.
func splitList(values []string) []string {
	var out []string
	for _, v := range values {
		for _, part := range strings.Split(v, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}
