package gateway

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"

	"github.com/gorilla/schema"
	"github.com/syntrixbase/contextdb/internal/contextdb"
	"github.com/syntrixbase/contextdb/pkg/model"
)

const defaultSource = "http"

// WriteQuery holds the query parameters of document writes.
type WriteQuery struct {
	Source string `schema:"source" validate:"omitempty,max=128,printascii"`
}

func decodeQuery(dst interface{}, r *http.Request) error {
	decoder := schema.NewDecoder()
	decoder.IgnoreUnknownKeys(true)
	if err := decoder.Decode(dst, r.URL.Query()); err != nil {
		return err
	}
	return validate.Struct(dst)
}

func (s *Server) writeInfo(w http.ResponseWriter, r *http.Request) (contextdb.ChangeInfo, bool) {
	var q WriteQuery
	if err := decodeQuery(&q, r); err != nil {
		writeError(w, http.StatusBadRequest, ErrCodeBadRequest, validationMessage(err))
		return contextdb.ChangeInfo{}, false
	}
	if q.Source == "" {
		q.Source = defaultSource
	}
	return contextdb.ChangeInfo{Source: q.Source}, true
}

// handlePutDocuments writes one document or an array of documents in a
// single batch and answers with the stamped copies.
func (s *Server) handlePutDocuments(w http.ResponseWriter, r *http.Request) {
	info, ok := s.writeInfo(w, r)
	if !ok {
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeDBError(w, s.logger, err)
		return
	}
	body = bytes.TrimSpace(body)

	var docs []model.Document
	single := len(body) > 0 && body[0] == '{'
	if single {
		var doc model.Document
		err = json.Unmarshal(body, &doc)
		docs = []model.Document{doc}
	} else {
		err = json.Unmarshal(body, &docs)
	}
	if err != nil || len(docs) == 0 {
		writeError(w, http.StatusBadRequest, ErrCodeBadRequest, "Body must be a document or a non-empty array of documents")
		return
	}

	out, err := s.db.ApplyChanges(r.Context(), docs, info)
	if err != nil {
		writeDBError(w, s.logger, err)
		return
	}
	if out == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	if single {
		writeJSON(w, http.StatusOK, out[0])
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleGetDocument(w http.ResponseWriter, r *http.Request) {
	doc, err := s.db.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		writeDBError(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, doc)
}

func (s *Server) handleDeleteDocument(w http.ResponseWriter, r *http.Request) {
	info, ok := s.writeInfo(w, r)
	if !ok {
		return
	}
	if err := s.db.Remove(r.Context(), r.PathValue("id"), info); err != nil {
		writeDBError(w, s.logger, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type matcherInfo struct {
	Ref         string                 `json:"ref"`
	Fingerprint string                 `json:"fingerprint"`
	Path        string                 `json:"path"`
	Collection  bool                   `json:"collection"`
	Match       map[string]interface{} `json:"match"`
	Where       string                 `json:"where,omitempty"`
}

func (s *Server) handleListMatchers(w http.ResponseWriter, _ *http.Request) {
	all := s.db.Matchers().All()
	out := make([]matcherInfo, 0, len(all))
	for _, m := range all {
		out = append(out, matcherInfo{
			Ref:         m.Ref,
			Fingerprint: m.Fingerprint,
			Path:        m.TreePath(),
			Collection:  m.Collection,
			Match:       m.Match,
			Where:       m.Where,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

type reindexResponse struct {
	Reindexed  bool  `json:"reindexed"`
	Documents  int64 `json:"documents"`
	DurationMs int64 `json:"duration_ms"`
}

func (s *Server) handleReindex(w http.ResponseWriter, r *http.Request) {
	res, err := s.db.Reindex(r.Context())
	if err != nil {
		writeDBError(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, reindexResponse{
		Reindexed:  res.Reindexed,
		Documents:  res.Documents,
		DurationMs: res.Duration.Milliseconds(),
	})
}
