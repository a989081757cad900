package serverapp

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sort"

	sq "github.com/Masterminds/squirrel"

	"tidb-deepload/internal/catalog"
	"tidb-deepload/internal/keys"
	"tidb-deepload/internal/logging"
	"tidb-deepload/internal/pluck"
	"tidb-deepload/internal/sqlutil"
)

// loadRequest is the body accepted by POST /load.
type loadRequest struct {
	Table string                     `json:"table"`
	Where map[string]json.RawMessage `json:"where"`
	Spec  json.RawMessage            `json:"spec"`
	Raw   bool                       `json:"raw"`
}

type loadResponse struct {
	Data []pluck.Row `json:"data"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// LoadHandler serves deep loads over HTTP.
type LoadHandler struct {
	schema   *catalog.Schema
	resolver *keys.Resolver
	engine   pluck.Engine
	opts     []pluck.ExecutorOption
	maxBody  int64
}

// NewLoadHandler creates the /load handler. Requests are planned against
// schema through resolver and executed by engine with opts.
func NewLoadHandler(schema *catalog.Schema, resolver *keys.Resolver, engine pluck.Engine, maxBody int64, opts ...pluck.ExecutorOption) *LoadHandler {
	return &LoadHandler{
		schema:   schema,
		resolver: resolver,
		engine:   engine,
		opts:     opts,
		maxBody:  maxBody,
	}
}

func (h *LoadHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	reqLogger := logging.FromContext(r.Context())

	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		writeJSON(w, http.StatusMethodNotAllowed, errorResponse{Error: "method not allowed"})
		return
	}

	req, err := h.decodeRequest(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	}

	table, ok := h.schema.Table(req.Table)
	if !ok {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: fmt.Sprintf("unknown table %q", req.Table)})
		return
	}

	where, err := buildWhere(*table, req.Where)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	}

	var spec pluck.Spec
	if len(bytes.TrimSpace(req.Spec)) > 0 {
		spec, err = pluck.ParseSpec(req.Spec)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: fmt.Sprintf("invalid spec: %v", err)})
			return
		}
	}

	model := pluck.NewModelWithResolver(h.resolver, table.Name, where...).Add(spec)
	if err := model.Err(); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	}

	var rows []pluck.Row
	if req.Raw {
		rows, err = model.LoadData(r.Context(), h.engine, h.opts...)
	} else {
		rows, err = model.LoadAll(r.Context(), h.engine, h.opts...)
	}
	if err != nil {
		if errors.Is(err, catalog.ErrConfiguration) {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
			return
		}
		reqLogger.Error("load failed",
			slog.String("table", table.Name),
			slog.String("error", err.Error()),
		)
		// Keep driver details out of the response.
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "load failed"})
		return
	}

	if rows == nil {
		rows = []pluck.Row{}
	}
	reqLogger.Debug("load served",
		slog.String("table", table.Name),
		slog.Int("rows", len(rows)),
		slog.Bool("raw", req.Raw),
	)
	writeJSON(w, http.StatusOK, loadResponse{Data: rows})
}

func (h *LoadHandler) decodeRequest(r *http.Request) (loadRequest, error) {
	var req loadRequest
	body := io.Reader(r.Body)
	if h.maxBody > 0 {
		body = io.LimitReader(r.Body, h.maxBody+1)
	}
	data, err := io.ReadAll(body)
	if err != nil {
		return req, fmt.Errorf("failed to read request body: %w", err)
	}
	if h.maxBody > 0 && int64(len(data)) > h.maxBody {
		return req, fmt.Errorf("request body exceeds %d bytes", h.maxBody)
	}

	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		return req, fmt.Errorf("invalid request body: %w", err)
	}
	if req.Table == "" {
		return req, errors.New("table is required")
	}
	return req, nil
}

// buildWhere turns {"column": value | [values] | null} into equality, IN, or
// IS NULL predicates on the root table. Every column must exist.
func buildWhere(table catalog.Table, where map[string]json.RawMessage) ([]sq.Sqlizer, error) {
	if len(where) == 0 {
		return nil, nil
	}

	columns := make([]string, 0, len(where))
	for column := range where {
		columns = append(columns, column)
	}
	sort.Strings(columns)

	eq := sq.Eq{}
	for _, column := range columns {
		if !table.HasColumn(column) {
			return nil, fmt.Errorf("unknown column %q on table %s", column, table.Name)
		}
		value, err := decodeWhereValue(where[column])
		if err != nil {
			return nil, fmt.Errorf("where.%s: %w", column, err)
		}
		eq[sqlutil.QuoteQualified(column, table.Name)] = value
	}
	return []sq.Sqlizer{eq}, nil
}

func decodeWhereValue(raw json.RawMessage) (any, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var value any
	if err := dec.Decode(&value); err != nil {
		return nil, err
	}

	switch v := value.(type) {
	case []any:
		out := make([]any, len(v))
		for i, item := range v {
			scalar, err := whereScalar(item)
			if err != nil {
				return nil, err
			}
			out[i] = scalar
		}
		return out, nil
	default:
		return whereScalar(v)
	}
}

func whereScalar(v any) (any, error) {
	switch val := v.(type) {
	case nil, string, bool:
		return val, nil
	case json.Number:
		if i, err := val.Int64(); err == nil {
			return i, nil
		}
		return val.Float64()
	default:
		return nil, fmt.Errorf("unsupported value of type %T", v)
	}
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
