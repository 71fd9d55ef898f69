// Package occ implements optimistic concurrency control over master-data
// records. A token is the microsecond fingerprint of a record's updated_at;
// a stale token at write time means another editor got there first.
package occ

import (
	"context"
	"fmt"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/masterdata-cli/internal/model"
	"github.com/sells-group/masterdata-cli/internal/store"
)

var (
	// ErrDeleted means the record disappeared between read and write.
	ErrDeleted = eris.New("occ: record was deleted by another user")

	// ErrModified means the record changed between read and write; the
	// caller should reload and retry.
	ErrModified = eris.New("occ: record was modified by another user, please reload")
)

// Token fingerprints a last-modified timestamp at microsecond resolution.
func Token(updatedAt time.Time) int64 {
	return updatedAt.UnixMicro()
}

// TokenOf returns the record's current concurrency token.
func TokenOf(rec model.Record) int64 {
	return Token(rec.UpdatedAt())
}

// Verify re-fetches the record and compares its current token against the
// one the client submitted. It returns the fresh record on success so
// callers mutate exactly what they verified.
func Verify(ctx context.Context, st store.Store, d *model.Descriptor, id string, token int64) (model.Record, error) {
	rec, err := st.Get(ctx, d, id)
	if err != nil {
		if eris.Is(err, store.ErrNotFound) {
			return nil, ErrDeleted
		}
		return nil, err
	}
	if TokenOf(rec) != token {
		return nil, ErrModified
	}
	return rec, nil
}

// BulkResult is the outcome of verifying a bulk selection. Warnings report
// selection staleness (ids that no longer resolve); they do not fail the
// action by themselves.
type BulkResult struct {
	Records  []model.Record
	Warnings []string
}

// VerifyAll checks every submitted token, failing fast on the first
// mismatch. Ids that no longer resolve surface as ErrDeleted, which is
// fatal here because the client explicitly holds a token for them.
func VerifyAll(ctx context.Context, st store.Store, d *model.Descriptor, tokens map[string]int64) (*BulkResult, error) {
	res := &BulkResult{}
	for id, token := range tokens {
		rec, err := Verify(ctx, st, d, id, token)
		if err != nil {
			return nil, eris.Wrapf(err, "occ: verify %s %s", d.Name, id)
		}
		res.Records = append(res.Records, rec)
	}
	return res, nil
}

// Resolve loads the current state of a selection for the confirmation step
// of a bulk action. Missing ids become warnings, not errors: the selection
// is stale, and the user decides whether to proceed with what remains.
func Resolve(ctx context.Context, st store.Store, d *model.Descriptor, ids []string) (*BulkResult, error) {
	res := &BulkResult{}
	for _, id := range ids {
		rec, err := st.Get(ctx, d, id)
		if err != nil {
			if eris.Is(err, store.ErrNotFound) {
				res.Warnings = append(res.Warnings,
					fmt.Sprintf("%s %s no longer exists and was dropped from the selection", d.Name, id))
				continue
			}
			return nil, err
		}
		res.Records = append(res.Records, rec)
	}
	return res, nil
}
