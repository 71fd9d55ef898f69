package upload

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/masterdata-cli/internal/model"
	"github.com/sells-group/masterdata-cli/internal/resilience"
	"github.com/sells-group/masterdata-cli/internal/store"
)

// Hook is an optional entity-specific step run before streaming starts or
// after the final flush, inside its own transaction.
type Hook func(ctx context.Context, st store.Store, d *model.Descriptor) error

// RunMeta identifies one upload invocation for the process log.
type RunMeta struct {
	Principal    string
	ClientIP     string
	FileName     string
	AppName      string
	SkipExisting bool
	ChunkSize    int
}

// Summary is the aggregated outcome of an upload run across all of its
// sources.
type Summary struct {
	ProcessID  string              `json:"process_id"`
	Result     model.ProcessResult `json:"result"`
	TotalLines int64               `json:"total_lines"`
	Inserted   int64               `json:"inserted"`
	Updated    int64               `json:"updated"`
	Skipped    int64               `json:"skipped"`
}

func (s *Summary) comment() string {
	return fmt.Sprintf("inserted=%d updated=%d skipped=%d", s.Inserted, s.Updated, s.Skipped)
}

// Engine drives upload runs: stream rows, classify, flush in chunks, log
// the outcome. One Engine serves many runs; all per-run state lives in the
// Session.
type Engine struct {
	store store.Store
	retry resilience.RetryConfig
	now   func() time.Time
	log   *zap.Logger

	// PreProcess and PostProcess are optional entity hooks.
	PreProcess  Hook
	PostProcess Hook
}

// NewEngine creates an upload engine over the given store.
func NewEngine(st store.Store) *Engine {
	retry := resilience.DefaultRetryConfig()
	retry.OnRetry = resilience.RetryLogger("store", "chunk-flush")
	return &Engine{
		store: st,
		retry: retry,
		now:   time.Now,
		log:   zap.L().With(zap.String("component", "upload")),
	}
}

// Run ingests the sources against the entity. All sources share one dedup
// set and one set of running totals; a ZIP of CSVs aggregates into a single
// summary and a single process log row. A fatal error aborts the remaining
// stream but keeps already-flushed chunks committed, and still writes the
// process log entry.
func (e *Engine) Run(ctx context.Context, d *model.Descriptor, sources []Source, meta RunMeta) (*Summary, error) {
	summary := &Summary{ProcessID: uuid.New().String()}
	log := e.log.With(
		zap.String("entity", d.Name),
		zap.String("process_id", summary.ProcessID),
	)

	entry := model.ProcessEntry{
		ProcessID: summary.ProcessID,
		Kind:      model.ProcessUpload,
		AppName:   meta.AppName,
		Principal: meta.Principal,
		ClientIP:  meta.ClientIP,
		FileName:  meta.FileName,
		StartedAt: e.now().UTC(),
	}
	if err := e.store.StartProcess(ctx, entry); err != nil {
		return nil, err
	}

	sess := NewSession(d, meta.SkipExisting, meta.ChunkSize)
	runErr := e.run(ctx, sess, sources, meta, log)

	summary.TotalLines = sess.TotalLines
	summary.Inserted = sess.Inserted
	summary.Updated = sess.Updated
	summary.Skipped = sess.Skipped

	switch {
	case runErr != nil:
		summary.Result = model.ResultFailure
	case sess.TotalLines == 0:
		summary.Result = model.ResultNoData
	default:
		summary.Result = model.ResultSuccess
	}

	comment := summary.comment()
	if runErr != nil {
		comment = runErr.Error()
	}
	if err := e.store.FinishProcess(ctx, summary.ProcessID, summary.Result, summary.TotalLines, comment); err != nil {
		log.Error("failed to record process outcome", zap.Error(err))
	}

	if runErr != nil {
		log.Error("upload failed",
			zap.Int64("lines", summary.TotalLines),
			zap.Error(runErr))
		return summary, runErr
	}
	log.Info("upload complete",
		zap.Int64("lines", summary.TotalLines),
		zap.Int64("inserted", summary.Inserted),
		zap.Int64("updated", summary.Updated),
		zap.Int64("skipped", summary.Skipped),
		zap.String("result", string(summary.Result)))
	return summary, nil
}

func (e *Engine) run(ctx context.Context, sess *Session, sources []Source, meta RunMeta, log *zap.Logger) error {
	if e.PreProcess != nil {
		err := e.store.WithTx(ctx, func(ctx context.Context, tx store.Store) error {
			return e.PreProcess(ctx, tx, sess.Entity)
		})
		if err != nil {
			return eris.Wrap(err, "upload: pre-process")
		}
	}

	for _, src := range sources {
		if err := e.streamSource(ctx, sess, src, meta, log); err != nil {
			return err
		}
	}

	// Final partial flush.
	if err := e.flush(ctx, sess, log); err != nil {
		return err
	}

	if e.PostProcess != nil {
		err := e.store.WithTx(ctx, func(ctx context.Context, tx store.Store) error {
			return e.PostProcess(ctx, tx, sess.Entity)
		})
		if err != nil {
			return eris.Wrap(err, "upload: post-process")
		}
	}
	return nil
}

func (e *Engine) streamSource(ctx context.Context, sess *Session, src Source, meta RunMeta, log *zap.Logger) error {
	srcLog := log.With(zap.String("source", src.Name()))
	srcLog.Info("streaming source")

	// The stream gets its own cancellable context so an early return below
	// unblocks the reader goroutine instead of leaving it parked on a full
	// row channel.
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	rowCh, errCh := src.Stream(ctx)

	var (
		h     *header
		line  int64
		lines int64
	)
	audit := auditStamp{editor: meta.Principal, now: e.now().UTC()}

	for row := range rowCh {
		line++
		if h == nil {
			parsed, err := parseHeader(sess.Entity, row)
			if err != nil {
				return &RowError{Source: src.Name(), Line: line, Cause: err}
			}
			h = parsed
			continue
		}
		if blankRow(row) {
			continue
		}
		lines++
		sess.TotalLines++

		values, err := convertRow(sess.Entity, h, row)
		if err != nil {
			return &RowError{Source: src.Name(), Line: line, Cause: err}
		}

		outcome, err := classify(ctx, e.store, sess, values, audit)
		if err != nil {
			return &RowError{Source: src.Name(), Line: line, Cause: err}
		}
		// Skips are final here; inserts and updates only count once their
		// chunk commits, so a failed run reports committed rows only.
		if outcome == OutcomeSkip {
			sess.Skipped++
		}

		if sess.Pending() >= sess.ChunkSize {
			if err := e.flush(ctx, sess, log); err != nil {
				return err
			}
		}
	}
	if err := <-errCh; err != nil {
		return err
	}

	srcLog.Info("source complete", zap.Int64("lines", lines))
	return nil
}

// flush commits the pending queues in one transaction. Transient store
// errors retry with backoff; the queues drain only after a successful
// commit so a retried flush reuses the same rows.
func (e *Engine) flush(ctx context.Context, sess *Session, log *zap.Logger) error {
	if sess.Pending() == 0 {
		return nil
	}
	inserts, updates := sess.take()

	err := resilience.Do(ctx, e.retry, func(ctx context.Context) error {
		return e.store.WithTx(ctx, func(ctx context.Context, tx store.Store) error {
			if _, err := tx.BulkInsert(ctx, sess.Entity, inserts); err != nil {
				return err
			}
			_, err := tx.BulkUpdate(ctx, sess.Entity, updates)
			return err
		})
	})
	if err != nil {
		return eris.Wrap(err, "upload: flush chunk")
	}
	sess.Inserted += int64(len(inserts))
	sess.Updated += int64(len(updates))

	log.Debug("chunk flushed",
		zap.Int("inserts", len(inserts)),
		zap.Int("updates", len(updates)))
	return nil
}

// blankRow tolerates empty trailing lines in hand-edited files.
func blankRow(row []string) bool {
	for _, c := range row {
		if c != "" {
			return false
		}
	}
	return true
}
