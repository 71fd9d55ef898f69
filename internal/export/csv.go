// Package export writes entity records out as CSV, with column selection
// and encoding control, logging every run to the process log.
package export

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/masterdata-cli/internal/model"
	"github.com/sells-group/masterdata-cli/internal/store"
	"github.com/sells-group/masterdata-cli/internal/upload"
)

// pageSize bounds memory while paging through large tables.
const pageSize = 1000

// Options controls one export run.
type Options struct {
	// Columns restricts the output to a subset; empty means all entity
	// columns except the surrogate id.
	Columns        []string
	Encoding       upload.Encoding
	Delimiter      rune
	Query          string
	IncludeDeleted bool
}

// Meta identifies the run for the process log.
type Meta struct {
	Principal string
	ClientIP  string
	FileName  string
	AppName   string
}

// Summary is the outcome of one export run.
type Summary struct {
	ProcessID  string              `json:"process_id"`
	Result     model.ProcessResult `json:"result"`
	TotalLines int64               `json:"total_lines"`
}

// Run exports the entity to w and writes a download process log entry on
// every outcome.
func Run(ctx context.Context, st store.Store, d *model.Descriptor, w io.Writer, opts Options, meta Meta) (*Summary, error) {
	summary := &Summary{ProcessID: uuid.New().String()}
	log := zap.L().With(
		zap.String("component", "export"),
		zap.String("entity", d.Name),
		zap.String("process_id", summary.ProcessID),
	)

	err := st.StartProcess(ctx, model.ProcessEntry{
		ProcessID: summary.ProcessID,
		Kind:      model.ProcessDownload,
		AppName:   meta.AppName,
		Principal: meta.Principal,
		ClientIP:  meta.ClientIP,
		FileName:  meta.FileName,
		StartedAt: time.Now().UTC(),
	})
	if err != nil {
		return nil, err
	}

	lines, runErr := write(ctx, st, d, w, opts)
	summary.TotalLines = lines

	switch {
	case runErr != nil:
		summary.Result = model.ResultFailure
	case lines == 0:
		summary.Result = model.ResultNoData
	default:
		summary.Result = model.ResultSuccess
	}

	comment := fmt.Sprintf("exported=%d", lines)
	if runErr != nil {
		comment = runErr.Error()
	}
	if err := st.FinishProcess(ctx, summary.ProcessID, summary.Result, lines, comment); err != nil {
		log.Error("failed to record process outcome", zap.Error(err))
	}

	if runErr != nil {
		log.Error("export failed", zap.Error(runErr))
		return summary, runErr
	}
	log.Info("export complete", zap.Int64("lines", lines))
	return summary, nil
}

func write(ctx context.Context, st store.Store, d *model.Descriptor, w io.Writer, opts Options) (int64, error) {
	cols, err := resolveColumns(d, opts.Columns)
	if err != nil {
		return 0, err
	}

	cw := csv.NewWriter(upload.EncodeWriter(w, opts.Encoding))
	if opts.Delimiter != 0 {
		cw.Comma = opts.Delimiter
	}

	if err := cw.Write(cols); err != nil {
		return 0, eris.Wrap(err, "export: write header")
	}

	var lines int64
	offset := 0
	for {
		recs, _, err := st.List(ctx, d, store.ListParams{
			Limit:          pageSize,
			Offset:         offset,
			Query:          opts.Query,
			IncludeDeleted: opts.IncludeDeleted,
		})
		if err != nil {
			return lines, err
		}
		for _, rec := range recs {
			row := make([]string, len(cols))
			for i, c := range cols {
				t, _ := d.ColumnType(c)
				row[i] = formatValue(t, rec[c])
			}
			if err := cw.Write(row); err != nil {
				return lines, eris.Wrap(err, "export: write row")
			}
			lines++
		}
		if len(recs) < pageSize {
			break
		}
		offset += pageSize
	}

	cw.Flush()
	return lines, eris.Wrap(cw.Error(), "export: flush")
}

// ValidateColumns checks a requested column subset before a run starts, so
// HTTP callers can reject bad requests before committing response headers.
func ValidateColumns(d *model.Descriptor, requested []string) error {
	_, err := resolveColumns(d, requested)
	return err
}

// resolveColumns validates a requested column subset against the entity.
func resolveColumns(d *model.Descriptor, requested []string) ([]string, error) {
	if len(requested) == 0 {
		var cols []string
		for _, c := range d.Columns() {
			if c == model.ColID {
				continue
			}
			cols = append(cols, c)
		}
		return cols, nil
	}
	for _, c := range requested {
		if _, ok := d.ColumnType(c); !ok {
			return nil, eris.Errorf("export: unknown column %q for %s", c, d.Name)
		}
	}
	return requested, nil
}

// formatValue renders a record value as a CSV cell.
func formatValue(t model.FieldType, v any) string {
	if v == nil {
		return ""
	}
	switch t {
	case model.FieldDate:
		if tt, ok := v.(time.Time); ok {
			return tt.Format("2006-01-02")
		}
	case model.FieldDateTime:
		if tt, ok := v.(time.Time); ok {
			return tt.UTC().Format("2006-01-02 15:04:05")
		}
	case model.FieldTime:
		if tt, ok := v.(time.Time); ok {
			return tt.Format("15:04:05")
		}
	case model.FieldDuration:
		if dd, ok := v.(time.Duration); ok {
			return dd.String()
		}
	case model.FieldBool:
		if b, ok := v.(bool); ok {
			return strconv.FormatBool(b)
		}
	}
	return fmt.Sprintf("%v", v)
}
