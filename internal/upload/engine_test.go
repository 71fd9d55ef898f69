package upload

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/masterdata-cli/internal/model"
	"github.com/sells-group/masterdata-cli/internal/store"
)

func newTestStore(t *testing.T) *store.SQLiteStore {
	t.Helper()
	s, err := store.NewSQLite(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	require.NoError(t, s.Migrate(context.Background()))
	return s
}

func postcodeDescriptor(t *testing.T) *model.Descriptor {
	t.Helper()
	d, err := model.ByName("postcode")
	require.NoError(t, err)
	return d
}

func csvSourceOf(name, content string) Source {
	return CSVReader(name, strings.NewReader(content), CSVOptions{})
}

func runUpload(t *testing.T, s store.Store, d *model.Descriptor, src Source, meta RunMeta) (*Summary, error) {
	t.Helper()
	if meta.Principal == "" {
		meta.Principal = "tester"
	}
	if meta.AppName == "" {
		meta.AppName = d.Name
	}
	return NewEngine(s).Run(context.Background(), d, []Source{src}, meta)
}

func TestRun_InsertsNewRows(t *testing.T) {
	s := newTestStore(t)
	d := postcodeDescriptor(t)

	src := csvSourceOf("postcodes.csv",
		"postal_code,municipality_code,town\n"+
			"1000001,13101,Chiyoda\n"+
			"1000002,13101,Marunouchi\n")

	summary, err := runUpload(t, s, d, src, RunMeta{FileName: "postcodes.csv"})
	require.NoError(t, err)
	assert.Equal(t, model.ResultSuccess, summary.Result)
	assert.Equal(t, int64(2), summary.TotalLines)
	assert.Equal(t, int64(2), summary.Inserted)
	assert.Equal(t, int64(0), summary.Updated)

	rec, err := s.FindByKey(context.Background(), d, map[string]any{"postal_code": "1000001"})
	require.NoError(t, err)
	assert.Equal(t, "Chiyoda", rec["town"])
	assert.Equal(t, "tester", rec["created_by"])

	// One process log row with the totals.
	entries, err := s.ListProcesses(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, model.ProcessUpload, entries[0].Kind)
	assert.Equal(t, model.ResultSuccess, entries[0].Result)
	assert.Equal(t, int64(2), entries[0].TotalLines)
	assert.Equal(t, "postcodes.csv", entries[0].FileName)
	assert.Contains(t, entries[0].Comment, "inserted=2")
}

func TestRun_DedupFirstOccurrenceWins(t *testing.T) {
	s := newTestStore(t)
	d := postcodeDescriptor(t)

	src := csvSourceOf("dup.csv",
		"postal_code,town\n"+
			"1000001,First\n"+
			"1000001,Second\n")

	summary, err := runUpload(t, s, d, src, RunMeta{})
	require.NoError(t, err)
	assert.Equal(t, int64(1), summary.Inserted)
	assert.Equal(t, int64(1), summary.Skipped)

	_, total, err := s.List(context.Background(), d, store.ListParams{})
	require.NoError(t, err)
	assert.Equal(t, int64(1), total)

	rec, err := s.FindByKey(context.Background(), d, map[string]any{"postal_code": "1000001"})
	require.NoError(t, err)
	assert.Equal(t, "First", rec["town"])
}

func TestRun_UpdateOnlyChangedFields(t *testing.T) {
	s := newTestStore(t)
	d := postcodeDescriptor(t)
	ctx := context.Background()

	_, err := runUpload(t, s, d, csvSourceOf("a.csv",
		"postal_code,municipality_code,town\n1000001,13101,Chiyoda\n"), RunMeta{})
	require.NoError(t, err)

	// Changed town, unchanged municipality_code.
	summary, err := runUpload(t, s, d, csvSourceOf("b.csv",
		"postal_code,municipality_code,town\n1000001,13101,Kanda\n"), RunMeta{Principal: "second"})
	require.NoError(t, err)
	assert.Equal(t, int64(0), summary.Inserted)
	assert.Equal(t, int64(1), summary.Updated)

	rec, err := s.FindByKey(ctx, d, map[string]any{"postal_code": "1000001"})
	require.NoError(t, err)
	assert.Equal(t, "Kanda", rec["town"])
	assert.Equal(t, "second", rec["updated_by"])
	assert.Equal(t, "tester", rec["created_by"])

	// Re-uploading identical data touches nothing.
	summary, err = runUpload(t, s, d, csvSourceOf("c.csv",
		"postal_code,municipality_code,town\n1000001,13101,Kanda\n"), RunMeta{})
	require.NoError(t, err)
	assert.Equal(t, int64(0), summary.Inserted)
	assert.Equal(t, int64(0), summary.Updated)
	assert.Equal(t, int64(1), summary.Skipped)
	assert.Equal(t, model.ResultSuccess, summary.Result)
}

func TestRun_SkipExisting(t *testing.T) {
	s := newTestStore(t)
	d := postcodeDescriptor(t)

	content := "postal_code,town\n1000001,Chiyoda\n"
	_, err := runUpload(t, s, d, csvSourceOf("a.csv", content), RunMeta{})
	require.NoError(t, err)

	summary, err := runUpload(t, s, d,
		csvSourceOf("a.csv", "postal_code,town\n1000001,Renamed\n"),
		RunMeta{SkipExisting: true})
	require.NoError(t, err)
	assert.Equal(t, int64(0), summary.Inserted)
	assert.Equal(t, int64(0), summary.Updated)
	assert.Equal(t, model.ResultSuccess, summary.Result)

	rec, err := s.FindByKey(context.Background(), d, map[string]any{"postal_code": "1000001"})
	require.NoError(t, err)
	assert.Equal(t, "Chiyoda", rec["town"])
}

func TestRun_EmptyFileIsNoData(t *testing.T) {
	s := newTestStore(t)
	d := postcodeDescriptor(t)

	summary, err := runUpload(t, s, d, csvSourceOf("empty.csv", "postal_code,town\n"), RunMeta{})
	require.NoError(t, err)
	assert.Equal(t, model.ResultNoData, summary.Result)
	assert.Equal(t, int64(0), summary.TotalLines)

	entries, err := s.ListProcesses(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, model.ResultNoData, entries[0].Result)
}

func TestRun_BlankTrailingLinesTolerated(t *testing.T) {
	s := newTestStore(t)
	d := postcodeDescriptor(t)

	src := csvSourceOf("trailing.csv", "postal_code,town\n1000001,Chiyoda\n,\n")
	summary, err := runUpload(t, s, d, src, RunMeta{})
	require.NoError(t, err)
	assert.Equal(t, int64(1), summary.TotalLines)
	assert.Equal(t, int64(1), summary.Inserted)
}

func TestRun_ConversionFailureIsFatal(t *testing.T) {
	s := newTestStore(t)
	d, err := model.ByName("holiday")
	require.NoError(t, err)

	src := csvSourceOf("holidays.csv",
		"holiday_date,name\n"+
			"2026-01-01,New Year's Day\n"+
			"not-a-date,Broken\n"+
			"2026-02-11,Foundation Day\n")

	summary, err := runUpload(t, s, d, src, RunMeta{})
	require.Error(t, err)
	assert.Equal(t, model.ResultFailure, summary.Result)

	var rowErr *RowError
	require.True(t, eris.As(err, &rowErr))
	assert.Equal(t, int64(3), rowErr.Line)
	assert.Contains(t, err.Error(), `cannot parse "not-a-date" as date`)

	// The failure is recorded, with the error as the comment.
	entries, lerr := s.ListProcesses(context.Background(), 10)
	require.NoError(t, lerr)
	require.Len(t, entries, 1)
	assert.Equal(t, model.ResultFailure, entries[0].Result)
	assert.Contains(t, entries[0].Comment, "not-a-date")
}

func TestRun_MissingUniqueFieldIsFatal(t *testing.T) {
	s := newTestStore(t)
	d := postcodeDescriptor(t)

	src := csvSourceOf("broken.csv", "postal_code,town\n,NoCode\n")
	summary, err := runUpload(t, s, d, src, RunMeta{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), `missing required unique field "postal_code"`)
	assert.Equal(t, model.ResultFailure, summary.Result)
}

func TestRun_ChunkBoundary(t *testing.T) {
	s := newTestStore(t)
	d := postcodeDescriptor(t)

	// 2×chunk_size+1 distinct rows: two full flushes plus a final partial.
	const chunk = 4
	var b strings.Builder
	b.WriteString("postal_code,town\n")
	for i := 0; i < 2*chunk+1; i++ {
		fmt.Fprintf(&b, "%07d,Town%d\n", i, i)
	}

	summary, err := runUpload(t, s, d, csvSourceOf("big.csv", b.String()), RunMeta{ChunkSize: chunk})
	require.NoError(t, err)
	assert.Equal(t, int64(2*chunk+1), summary.Inserted)

	_, total, err := s.List(context.Background(), d, store.ListParams{})
	require.NoError(t, err)
	assert.Equal(t, int64(2*chunk+1), total)
}

func TestRun_FlushedChunksSurviveLaterFailure(t *testing.T) {
	s := newTestStore(t)
	d, err := model.ByName("holiday")
	require.NoError(t, err)

	// Chunk size 2: the first two rows flush before the bad row aborts.
	src := csvSourceOf("holidays.csv",
		"holiday_date,name\n"+
			"2026-01-01,New Year's Day\n"+
			"2026-02-11,Foundation Day\n"+
			"2026-04-29,Showa Day\n"+
			"bad,Broken\n")

	summary, err := runUpload(t, s, d, src, RunMeta{ChunkSize: 2})
	require.Error(t, err)

	// The flushed chunk stays committed; the in-flight row is lost.
	_, total, lerr := s.List(context.Background(), d, store.ListParams{})
	require.NoError(t, lerr)
	assert.Equal(t, int64(2), total)

	// The summary reports the committed rows only, not the queued third row
	// that never flushed.
	assert.Equal(t, int64(2), summary.Inserted)
	assert.Equal(t, int64(0), summary.Updated)
}

// notifySource hands out rows one at a time and signals when its stream
// goroutine exits, so tests can observe that an aborted run released it.
type notifySource struct {
	rows [][]string
	done chan struct{}
}

func (s *notifySource) Name() string { return "notify.csv" }

func (s *notifySource) Stream(ctx context.Context) (<-chan []string, <-chan error) {
	rowCh := make(chan []string)
	errCh := make(chan error, 1)
	go func() {
		defer close(s.done)
		defer close(rowCh)
		defer close(errCh)
		for _, row := range s.rows {
			select {
			case rowCh <- row:
			case <-ctx.Done():
				errCh <- ctx.Err()
				return
			}
		}
	}()
	return rowCh, errCh
}

func TestRun_FatalRowReleasesSourceStream(t *testing.T) {
	s := newTestStore(t)
	d, err := model.ByName("holiday")
	require.NoError(t, err)

	// A bad second row aborts the run with many rows still unread, so the
	// stream goroutine would block forever if the run left it behind.
	rows := [][]string{{"holiday_date", "name"}, {"bad", "Broken"}}
	for i := 0; i < 200; i++ {
		rows = append(rows, []string{"2026-01-01", "New Year's Day"})
	}
	src := &notifySource{rows: rows, done: make(chan struct{})}

	_, err = NewEngine(s).Run(context.Background(), d, []Source{src}, RunMeta{
		Principal: "tester", AppName: "holiday",
	})
	require.Error(t, err)

	select {
	case <-src.done:
	case <-time.After(2 * time.Second):
		t.Fatal("source stream still running after the upload aborted")
	}
}

func TestRun_TemporalEntityRows(t *testing.T) {
	s := newTestStore(t)
	d, err := model.ByName("person")
	require.NoError(t, err)

	src := csvSourceOf("persons.csv",
		"person_code,family_name,email,valid_from\n"+
			"P001,Sato,sato@example.com,2026-01-01\n"+
			"P001,Sato,sato@example.com,2027-01-01\n")

	summary, uerr := runUpload(t, s, d, src, RunMeta{})
	require.NoError(t, uerr)
	assert.Equal(t, int64(2), summary.Inserted)

	// Same identity, distinct valid_from: two versions, valid_to defaulted.
	rec, err := s.FindByKey(context.Background(), d, map[string]any{
		"person_code": "P001",
		"valid_from":  mustDate(t, "2026-01-01"),
	})
	require.NoError(t, err)
	assert.Equal(t, model.Forever, rec.ValidTo())
}

func TestRun_MunicipalityCodeNormalized(t *testing.T) {
	s := newTestStore(t)
	d, err := model.ByName("municipality")
	require.NoError(t, err)

	src := csvSourceOf("municipalities.csv",
		"municipality_code,name,valid_from\n"+
			"131,Chiyoda,2026-01-01\n")

	_, err = runUpload(t, s, d, src, RunMeta{})
	require.NoError(t, err)

	// Zero-padded to width 5 during ingestion.
	rec, err := s.FindByKey(context.Background(), d, map[string]any{
		"municipality_code": "00131",
		"valid_from":        mustDate(t, "2026-01-01"),
	})
	require.NoError(t, err)
	assert.Equal(t, "Chiyoda", rec["name"])
}

func TestRun_MultipleSourcesShareDedup(t *testing.T) {
	s := newTestStore(t)
	d := postcodeDescriptor(t)

	a := csvSourceOf("a.csv", "postal_code,town\n1000001,FromA\n")
	b := csvSourceOf("b.csv", "postal_code,town\n1000001,FromB\n1000002,New\n")

	summary, err := NewEngine(s).Run(context.Background(), d, []Source{a, b}, RunMeta{
		Principal: "tester", AppName: "postcode",
	})
	require.NoError(t, err)
	assert.Equal(t, int64(3), summary.TotalLines)
	assert.Equal(t, int64(2), summary.Inserted)
	assert.Equal(t, int64(1), summary.Skipped)

	rec, err := s.FindByKey(context.Background(), d, map[string]any{"postal_code": "1000001"})
	require.NoError(t, err)
	assert.Equal(t, "FromA", rec["town"])
}

func TestRun_PrePostHooks(t *testing.T) {
	s := newTestStore(t)
	d := postcodeDescriptor(t)

	var calls []string
	e := NewEngine(s)
	e.PreProcess = func(ctx context.Context, st store.Store, d *model.Descriptor) error {
		calls = append(calls, "pre")
		return nil
	}
	e.PostProcess = func(ctx context.Context, st store.Store, d *model.Descriptor) error {
		calls = append(calls, "post")
		return nil
	}

	_, err := e.Run(context.Background(), d,
		[]Source{csvSourceOf("a.csv", "postal_code,town\n1000001,X\n")},
		RunMeta{Principal: "tester", AppName: "postcode"})
	require.NoError(t, err)
	assert.Equal(t, []string{"pre", "post"}, calls)
}

func mustDate(t *testing.T, s string) any {
	t.Helper()
	v, err := model.Convert(model.Field{Name: "d", Type: model.FieldDate}, s)
	require.NoError(t, err)
	return v
}
