package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/sells-group/masterdata-cli/internal/model"
	"github.com/sells-group/masterdata-cli/internal/occ"
	"github.com/sells-group/masterdata-cli/internal/store"
	"github.com/sells-group/masterdata-cli/internal/validity"
)

// Bulk actions run in two steps: confirm resolves the selection and hands
// out tokens without mutating anything; execute re-verifies every token and
// applies the action all-or-nothing.
const (
	actionDelete      = "delete"
	actionUpdateField = "update_field"
)

type bulkConfirmRequest struct {
	IDs    []string `json:"ids"`
	Action string   `json:"action"`
	Field  string   `json:"field,omitempty"`
	Value  any      `json:"value,omitempty"`
}

type bulkExecuteRequest struct {
	Action string           `json:"action"`
	Tokens map[string]int64 `json:"tokens"`
	Field  string           `json:"field,omitempty"`
	Value  any              `json:"value,omitempty"`
}

// validateAction checks the action name and, for field updates, the target
// column.
func validateAction(d *model.Descriptor, action, field string) error {
	switch action {
	case actionDelete:
		return nil
	case actionUpdateField:
		if _, ok := d.Field(field); !ok {
			return badRequest(fmt.Sprintf("unknown field %q for %s", field, d.Name))
		}
		return nil
	default:
		return badRequest(fmt.Sprintf("unknown bulk action %q", action))
	}
}

func (s *Server) handleBulkConfirm(w http.ResponseWriter, r *http.Request) {
	d, ok := s.entity(w, r)
	if !ok {
		return
	}

	var req bulkConfirmRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, r, badRequest("invalid JSON body"))
		return
	}
	if len(req.IDs) == 0 {
		s.respondError(w, r, badRequest("no records selected"))
		return
	}
	if err := validateAction(d, req.Action, req.Field); err != nil {
		s.respondError(w, r, err)
		return
	}

	res, err := occ.Resolve(r.Context(), s.store, d, req.IDs)
	if err != nil {
		s.respondError(w, r, err)
		return
	}

	warnings := res.Warnings
	if req.Action == actionDelete && d.Temporal {
		today := model.DateOnly(time.Now())
		for _, rec := range res.Records {
			if !rec.ValidFrom().After(today) {
				warnings = append(warnings, fmt.Sprintf(
					"%s %s is already effective and will block the delete", d.Name, rec.ID()))
			}
		}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"items":    views(res.Records),
		"warnings": warnings,
	})
}

func (s *Server) handleBulkExecute(w http.ResponseWriter, r *http.Request) {
	d, ok := s.entity(w, r)
	if !ok {
		return
	}

	var req bulkExecuteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, r, badRequest("invalid JSON body"))
		return
	}
	if len(req.Tokens) == 0 {
		s.respondError(w, r, badRequest("no tokens submitted"))
		return
	}
	if err := validateAction(d, req.Action, req.Field); err != nil {
		s.respondError(w, r, err)
		return
	}

	var value any
	if req.Action == actionUpdateField {
		f, _ := d.Field(req.Field)
		var err error
		value, err = coerceValue(d, req.Field, f.Type, req.Value)
		if err != nil {
			s.respondError(w, r, err)
			return
		}
	}

	editor := principal(r)
	affected := 0
	err := s.store.WithTx(r.Context(), func(ctx context.Context, tx store.Store) error {
		res, err := occ.VerifyAll(ctx, tx, d, req.Tokens)
		if err != nil {
			return err
		}
		for _, rec := range res.Records {
			if err := s.applyBulk(ctx, tx, d, rec, req.Action, req.Field, value, editor); err != nil {
				return err
			}
			affected++
		}
		return nil
	})
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"action":   req.Action,
		"affected": affected,
	})
}

// applyBulk applies one bulk action to one verified record inside the
// shared transaction. Temporal entities go through the validity engine so
// the interval rules hold for bulk mutations too.
func (s *Server) applyBulk(ctx context.Context, tx store.Store, d *model.Descriptor, rec model.Record, action, field string, value any, editor string) error {
	engine := validity.New(tx)
	now := time.Now().UTC()

	switch action {
	case actionDelete:
		switch {
		case d.Temporal:
			return engine.Delete(ctx, d, rec.ID(), editor)
		case d.SoftDelete:
			return tx.Update(ctx, d, rec.ID(), map[string]any{
				model.ColDeletedFlag: true,
				model.ColUpdatedBy:   editor,
				model.ColUpdatedAt:   now,
			})
		default:
			return tx.Delete(ctx, d, rec.ID())
		}
	case actionUpdateField:
		if d.Temporal {
			_, err := engine.Update(ctx, d, rec.ID(), map[string]any{field: value}, editor)
			return err
		}
		return tx.Update(ctx, d, rec.ID(), map[string]any{
			field:              value,
			model.ColUpdatedBy: editor,
			model.ColUpdatedAt: now,
		})
	}
	return badRequest(fmt.Sprintf("unknown bulk action %q", action))
}
