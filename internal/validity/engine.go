// Package validity maintains the non-overlapping [valid_from, valid_to]
// intervals of temporal master entities. Every mutation of a master record
// goes through the Engine, which truncates the chronologically previous
// record, clamps against the next one, and enforces the already-effective
// immutability rules.
package validity

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/masterdata-cli/internal/model"
	"github.com/sells-group/masterdata-cli/internal/store"
)

// Domain errors surfaced to the API/CLI layer.
var (
	// ErrInvalidPeriod rejects records whose valid_to precedes valid_from.
	ErrInvalidPeriod = eris.New("validity: valid_to is before valid_from")

	// ErrPastSibling rejects creates dated today-or-earlier when the
	// identity already has an effective record.
	ErrPastSibling = eris.New("validity: identity is already effective; valid_from must be a future date")

	// ErrAlreadyEffective rejects updates of records whose validity has
	// started. Historical data changes go through copy-forward.
	ErrAlreadyEffective = eris.New("validity: record is already effective and cannot be changed")

	// ErrDeleteEffective rejects deletes of records whose validity has
	// started.
	ErrDeleteEffective = eris.New("validity: record is already effective and cannot be deleted")

	// ErrNotTemporal rejects engine calls for entities without validity
	// periods.
	ErrNotTemporal = eris.New("validity: entity has no validity periods")
)

// Engine applies the interval-adjustment algorithm on top of a Store. The
// truncation of a neighboring record and the save of the record itself run
// in one transaction.
type Engine struct {
	store store.Store
	now   func() time.Time
	log   *zap.Logger
}

// Option configures an Engine.
type Option func(*Engine)

// WithClock overrides the engine's notion of "now", for tests.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// New creates a validity engine over the given store.
func New(st store.Store, opts ...Option) *Engine {
	e := &Engine{
		store: st,
		now:   time.Now,
		log:   zap.L().With(zap.String("component", "validity")),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// today returns the current date at midnight UTC.
func (e *Engine) today() time.Time {
	return model.DateOnly(e.now())
}

// Create inserts a new master record, adjusting neighboring intervals. A
// create dated today-or-earlier is rejected when the identity already has an
// effective record; superseding effective data requires a future date.
func (e *Engine) Create(ctx context.Context, d *model.Descriptor, rec model.Record, editor string) (model.Record, error) {
	if !d.Temporal {
		return nil, ErrNotTemporal
	}
	rec = rec.Clone()
	normalizePeriod(rec)
	if err := validatePeriod(rec); err != nil {
		return nil, err
	}

	today := e.today()
	now := e.now().UTC()
	rec[model.ColCreatedBy] = editor
	rec[model.ColCreatedAt] = now
	rec[model.ColUpdatedBy] = editor
	rec[model.ColUpdatedAt] = now

	var created model.Record
	err := e.store.WithTx(ctx, func(ctx context.Context, tx store.Store) error {
		identity := rec.IdentityValues(d)

		if !rec.ValidFrom().After(today) {
			// A sibling effective today or earlier blocks past-dated creates.
			_, err := tx.Previous(ctx, d, identity, today.AddDate(0, 0, 1), "")
			if err == nil {
				return ErrPastSibling
			}
			if !eris.Is(err, store.ErrNotFound) {
				return err
			}
		}

		if err := e.adjustNeighbors(ctx, tx, d, rec, editor, now); err != nil {
			return err
		}

		var err error
		created, err = tx.Insert(ctx, d, rec)
		return err
	})
	if err != nil {
		return nil, err
	}
	e.log.Info("master record created",
		zap.String("entity", d.Name),
		zap.String("id", created.ID()),
		zap.Time("valid_from", created.ValidFrom()),
		zap.Time("valid_to", created.ValidTo()))
	return created, nil
}

// Update applies changes to a not-yet-effective master record and re-runs
// the interval adjustment against its new period.
func (e *Engine) Update(ctx context.Context, d *model.Descriptor, id string, changes map[string]any, editor string) (model.Record, error) {
	if !d.Temporal {
		return nil, ErrNotTemporal
	}

	var updated model.Record
	now := e.now().UTC()
	err := e.store.WithTx(ctx, func(ctx context.Context, tx store.Store) error {
		current, err := tx.Get(ctx, d, id)
		if err != nil {
			return err
		}
		if !current.ValidFrom().After(e.today()) {
			return ErrAlreadyEffective
		}

		merged := current.Clone()
		for k, v := range changes {
			if k == model.ColID {
				continue
			}
			merged[k] = v
		}
		normalizePeriod(merged)
		if err := validatePeriod(merged); err != nil {
			return err
		}
		merged[model.ColUpdatedBy] = editor
		merged[model.ColUpdatedAt] = now

		if err := e.adjustNeighbors(ctx, tx, d, merged, editor, now); err != nil {
			return err
		}

		cols := make(map[string]any, len(merged))
		for k, v := range merged {
			if k == model.ColID || k == model.ColCreatedBy || k == model.ColCreatedAt {
				continue
			}
			cols[k] = v
		}
		if err := tx.Update(ctx, d, id, cols); err != nil {
			return err
		}
		updated = merged
		updated[model.ColID] = id
		return nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// CopyForward creates the successor of an effective record: same payload,
// validity forced to [tomorrow, forever] regardless of what the caller
// submitted, so a client cannot recreate another immutable historical row.
func (e *Engine) CopyForward(ctx context.Context, d *model.Descriptor, id string, overrides map[string]any, editor string) (model.Record, error) {
	if !d.Temporal {
		return nil, ErrNotTemporal
	}
	source, err := e.store.Get(ctx, d, id)
	if err != nil {
		return nil, err
	}

	rec := make(model.Record, len(source))
	for _, f := range d.Fields {
		rec[f.Name] = source[f.Name]
	}
	for k, v := range overrides {
		if _, ok := d.Field(k); ok {
			rec[k] = v
		}
	}
	rec[model.ColValidFrom] = e.today().AddDate(0, 0, 1)
	rec[model.ColValidTo] = model.Forever

	return e.Create(ctx, d, rec, editor)
}

// Delete removes a future-dated record and extends the previous record's
// valid_to to absorb the freed interval.
func (e *Engine) Delete(ctx context.Context, d *model.Descriptor, id string, editor string) error {
	if !d.Temporal {
		return ErrNotTemporal
	}
	now := e.now().UTC()
	return e.store.WithTx(ctx, func(ctx context.Context, tx store.Store) error {
		current, err := tx.Get(ctx, d, id)
		if err != nil {
			return err
		}
		if !current.ValidFrom().After(e.today()) {
			return ErrDeleteEffective
		}

		prev, err := tx.Previous(ctx, d, current.IdentityValues(d), current.ValidFrom(), id)
		switch {
		case err == nil:
			err = tx.Update(ctx, d, prev.ID(), map[string]any{
				model.ColValidTo:   current.ValidTo(),
				model.ColUpdatedBy: editor,
				model.ColUpdatedAt: now,
			})
			if err != nil {
				return err
			}
		case eris.Is(err, store.ErrNotFound):
			// No previous version; nothing absorbs the interval.
		default:
			return err
		}

		if err := tx.Delete(ctx, d, id); err != nil {
			return err
		}
		e.log.Info("future master record deleted",
			zap.String("entity", d.Name),
			zap.String("id", id))
		return nil
	})
}

// adjustNeighbors truncates the previous record and clamps rec's valid_to
// against the next record, excluding rec itself from both lookups. rec is
// modified in place; the previous record's truncation is written through tx.
func (e *Engine) adjustNeighbors(ctx context.Context, tx store.Store, d *model.Descriptor, rec model.Record, editor string, now time.Time) error {
	identity := rec.IdentityValues(d)
	if len(identity) == 0 {
		return nil
	}

	prev, err := tx.Previous(ctx, d, identity, rec.ValidFrom(), rec.ID())
	switch {
	case err == nil:
		if !prev.ValidTo().Before(rec.ValidFrom()) {
			truncated := model.DateOnly(rec.ValidFrom()).AddDate(0, 0, -1)
			err = tx.Update(ctx, d, prev.ID(), map[string]any{
				model.ColValidTo:   truncated,
				model.ColUpdatedBy: editor,
				model.ColUpdatedAt: now,
			})
			if err != nil {
				return err
			}
			e.log.Debug("previous record truncated",
				zap.String("entity", d.Name),
				zap.String("id", prev.ID()),
				zap.Time("valid_to", truncated))
		}
	case eris.Is(err, store.ErrNotFound):
	default:
		return err
	}

	next, err := tx.Next(ctx, d, identity, rec.ValidFrom(), rec.ID())
	switch {
	case err == nil:
		if !next.ValidFrom().After(rec.ValidTo()) {
			rec[model.ColValidTo] = model.DateOnly(next.ValidFrom()).AddDate(0, 0, -1)
		}
	case eris.Is(err, store.ErrNotFound):
	default:
		return err
	}

	return validatePeriod(rec)
}

// normalizePeriod canonicalizes the period columns to midnight UTC and
// defaults an unset valid_to to the forever sentinel.
func normalizePeriod(rec model.Record) {
	rec[model.ColValidFrom] = model.DateOnly(rec.ValidFrom())
	if rec.ValidTo().IsZero() || rec[model.ColValidTo] == nil {
		rec[model.ColValidTo] = model.Forever
	} else {
		rec[model.ColValidTo] = model.DateOnly(rec.ValidTo())
	}
}

func validatePeriod(rec model.Record) error {
	if rec.ValidTo().Before(rec.ValidFrom()) {
		return ErrInvalidPeriod
	}
	return nil
}
