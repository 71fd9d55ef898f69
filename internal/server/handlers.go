package server

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/sells-group/masterdata-cli/internal/model"
	"github.com/sells-group/masterdata-cli/internal/occ"
	"github.com/sells-group/masterdata-cli/internal/store"
	"github.com/sells-group/masterdata-cli/internal/validity"
)

// entity resolves the {entity} path parameter, answering 404 itself when the
// name is unknown.
func (s *Server) entity(w http.ResponseWriter, r *http.Request) (*model.Descriptor, bool) {
	d, err := model.ByName(chi.URLParam(r, "entity"))
	if err != nil {
		writeJSON(w, http.StatusNotFound, errorBody{Error: err.Error()})
		return nil, false
	}
	return d, true
}

// view renders a record for the API, attaching its concurrency token.
func view(rec model.Record) map[string]any {
	m := make(map[string]any, len(rec)+1)
	for k, v := range rec {
		m[k] = v
	}
	m["token"] = occ.TokenOf(rec)
	return m
}

func views(recs []model.Record) []map[string]any {
	out := make([]map[string]any, len(recs))
	for i, rec := range recs {
		out[i] = view(rec)
	}
	return out
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	d, ok := s.entity(w, r)
	if !ok {
		return
	}

	q := r.URL.Query()
	limit, _ := strconv.Atoi(q.Get("limit"))
	offset, _ := strconv.Atoi(q.Get("offset"))
	params := store.ListParams{
		Limit:          limit,
		Offset:         offset,
		Query:          q.Get("q"),
		IncludeDeleted: q.Get("include_deleted") == "true",
	}

	recs, total, err := s.store.List(r.Context(), d, params)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"items": views(recs),
		"total": total,
	})
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	d, ok := s.entity(w, r)
	if !ok {
		return
	}
	rec, err := s.store.Get(r.Context(), d, chi.URLParam(r, "id"))
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, view(rec))
}

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	d, ok := s.entity(w, r)
	if !ok {
		return
	}

	var body map[string]any
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		s.respondError(w, r, badRequest("invalid JSON body"))
		return
	}
	rec, err := decodeRecord(d, body)
	if err != nil {
		s.respondError(w, r, err)
		return
	}

	editor := principal(r)
	var created model.Record
	if d.Temporal {
		created, err = s.validity.Create(r.Context(), d, rec, editor)
	} else {
		now := time.Now().UTC()
		rec[model.ColCreatedBy] = editor
		rec[model.ColCreatedAt] = now
		rec[model.ColUpdatedBy] = editor
		rec[model.ColUpdatedAt] = now
		if d.SoftDelete {
			rec[model.ColDeletedFlag] = false
		}
		created, err = s.store.Insert(r.Context(), d, rec)
	}
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, view(created))
}

type updateRequest struct {
	Token   int64          `json:"token"`
	Changes map[string]any `json:"changes"`
}

func (s *Server) handleUpdate(w http.ResponseWriter, r *http.Request) {
	d, ok := s.entity(w, r)
	if !ok {
		return
	}
	id := chi.URLParam(r, "id")

	var req updateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, r, badRequest("invalid JSON body"))
		return
	}
	if len(req.Changes) == 0 {
		s.respondError(w, r, badRequest("no changes submitted"))
		return
	}
	changes, err := decodeRecord(d, req.Changes)
	if err != nil {
		s.respondError(w, r, err)
		return
	}

	// Token check and write share one transaction so a commit landing
	// between them still surfaces as a conflict instead of a lost update.
	editor := principal(r)
	var updated model.Record
	err = s.store.WithTx(r.Context(), func(ctx context.Context, tx store.Store) error {
		if _, err := occ.Verify(ctx, tx, d, id, req.Token); err != nil {
			return err
		}
		if d.Temporal {
			rec, err := validity.New(tx).Update(ctx, d, id, changes, editor)
			if err != nil {
				return err
			}
			updated = rec
			return nil
		}
		changes[model.ColUpdatedBy] = editor
		changes[model.ColUpdatedAt] = time.Now().UTC()
		if err := tx.Update(ctx, d, id, changes); err != nil {
			return err
		}
		rec, err := tx.Get(ctx, d, id)
		if err != nil {
			return err
		}
		updated = rec
		return nil
	})
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, view(updated))
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	d, ok := s.entity(w, r)
	if !ok {
		return
	}
	id := chi.URLParam(r, "id")

	token, err := strconv.ParseInt(r.URL.Query().Get("token"), 10, 64)
	if err != nil {
		s.respondError(w, r, badRequest("missing or invalid token parameter"))
		return
	}
	editor := principal(r)
	err = s.store.WithTx(r.Context(), func(ctx context.Context, tx store.Store) error {
		if _, err := occ.Verify(ctx, tx, d, id, token); err != nil {
			return err
		}
		switch {
		case d.Temporal:
			return validity.New(tx).Delete(ctx, d, id, editor)
		case d.SoftDelete:
			return tx.Update(ctx, d, id, map[string]any{
				model.ColDeletedFlag: true,
				model.ColUpdatedBy:   editor,
				model.ColUpdatedAt:   time.Now().UTC(),
			})
		default:
			return tx.Delete(ctx, d, id)
		}
	})
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type copyForwardRequest struct {
	Overrides map[string]any `json:"overrides"`
}

func (s *Server) handleCopyForward(w http.ResponseWriter, r *http.Request) {
	d, ok := s.entity(w, r)
	if !ok {
		return
	}

	var req copyForwardRequest
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			s.respondError(w, r, badRequest("invalid JSON body"))
			return
		}
	}
	overrides, err := decodeRecord(d, req.Overrides)
	if err != nil {
		s.respondError(w, r, err)
		return
	}

	created, err := s.validity.CopyForward(r.Context(), d, chi.URLParam(r, "id"), overrides, principal(r))
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, view(created))
}

func (s *Server) handleAudit(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	if limit <= 0 {
		limit = 50
	}
	entries, err := s.store.ListProcesses(r.Context(), limit)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": entries})
}
