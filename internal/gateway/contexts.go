package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"github.com/syntrixbase/contextdb/internal/contextdb"
	"github.com/syntrixbase/contextdb/internal/tree"
)

const paramPrefix = "param."

// ContextQuery selects a context from query parameters. Parameter values
// are given as param.<name>=<value>; values that parse as JSON are used
// as such, anything else as a string.
type ContextQuery struct {
	Matchers []string `schema:"matchers" validate:"required,min=1,dive,required"`
	Since    *int64   `schema:"since" validate:"omitempty,gte=0"`
}

// GenerateRequest is the body of POST /v1/contexts.
type GenerateRequest struct {
	Matchers []string               `json:"matchers" validate:"required,min=1,dive,required"`
	Data     map[string]interface{} `json:"data"`
	Since    *int64                 `json:"since,omitempty" validate:"omitempty,gte=0"`
}

// ContextResponse is a one-shot context: its tree and, when asked for,
// the changes since a point in time.
type ContextResponse struct {
	ID      string                 `json:"id"`
	Data    map[string]interface{} `json:"data"`
	Changes []ChangeMessage        `json:"changes,omitempty"`
}

// ChangeMessage is the wire form of a tree change.
type ChangeMessage struct {
	Path    string      `json:"path"`
	Value   interface{} `json:"value,omitempty"`
	Action  string      `json:"action"`
	Matcher string      `json:"matcher,omitempty"`
	Source  string      `json:"source,omitempty"`
	Time    int64       `json:"time"`
}

func toChangeMessage(c tree.Change) ChangeMessage {
	return ChangeMessage{
		Path:    c.Path,
		Value:   c.Value,
		Action:  string(c.Info.Action),
		Matcher: c.Info.Matcher,
		Source:  c.Info.Source,
		Time:    c.Info.Time.UnixMilli(),
	}
}

func paramsFromQuery(values url.Values) map[string]interface{} {
	data := make(map[string]interface{})
	for key, vals := range values {
		name, ok := strings.CutPrefix(key, paramPrefix)
		if !ok || name == "" || len(vals) == 0 {
			continue
		}
		var v interface{}
		if err := json.Unmarshal([]byte(vals[0]), &v); err != nil {
			v = vals[0]
		}
		data[name] = v
	}
	return data
}

func (s *Server) handleQueryContext(w http.ResponseWriter, r *http.Request) {
	var q ContextQuery
	if err := decodeQuery(&q, r); err != nil {
		writeError(w, http.StatusBadRequest, ErrCodeBadRequest, validationMessage(err))
		return
	}
	s.serveSnapshot(r.Context(), w, contextdb.GenerateOptions{
		Data:        paramsFromQuery(r.URL.Query()),
		MatcherRefs: q.Matchers,
	}, q.Since)
}

func (s *Server) handleGenerateContext(w http.ResponseWriter, r *http.Request) {
	var req GenerateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, ErrCodeBadRequest, "Invalid request body")
		return
	}
	if err := validate.Struct(&req); err != nil {
		writeError(w, http.StatusBadRequest, ErrCodeBadRequest, validationMessage(err))
		return
	}
	s.serveSnapshot(r.Context(), w, contextdb.GenerateOptions{
		Data:        req.Data,
		MatcherRefs: req.Matchers,
	}, req.Since)
}

// serveSnapshot generates a context, answers with its tree and destroys it.
func (s *Server) serveSnapshot(ctx context.Context, w http.ResponseWriter, opts contextdb.GenerateOptions, since *int64) {
	c, err := s.db.Generate(ctx, opts)
	if err != nil {
		writeDBError(w, s.logger, err)
		return
	}
	defer c.Destroy()

	resp := ContextResponse{ID: c.ID(), Data: c.Snapshot()}
	if since != nil {
		var (
			mu      sync.Mutex
			changes []ChangeMessage
		)
		cancel := c.OnChange(func(change tree.Change) {
			mu.Lock()
			changes = append(changes, toChangeMessage(change))
			mu.Unlock()
		})
		err := c.EmitChangesSince(ctx, *since)
		cancel()
		if err != nil {
			writeDBError(w, s.logger, err)
			return
		}
		mu.Lock()
		resp.Changes = changes
		mu.Unlock()
	}
	writeJSON(w, http.StatusOK, resp)
}
