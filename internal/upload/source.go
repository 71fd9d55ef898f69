// Package upload ingests row-oriented files (CSV, XLSX, ZIP-of-CSVs) and
// reconciles each row against the store: insert, field-diff update, or skip,
// with batch-local dedup and bounded-memory chunked flushes.
package upload

import (
	"context"
	"encoding/csv"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/tealeg/xlsx/v2"
	"golang.org/x/text/encoding/japanese"
	"golang.org/x/text/transform"
)

// Encoding names a supported source character encoding.
type Encoding string

const (
	EncodingUTF8     Encoding = "utf-8"
	EncodingShiftJIS Encoding = "shift-jis"
)

// ParseEncoding resolves a user-supplied encoding name.
func ParseEncoding(name string) (Encoding, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "utf-8", "utf8":
		return EncodingUTF8, nil
	case "shift-jis", "shift_jis", "sjis", "cp932":
		return EncodingShiftJIS, nil
	default:
		return "", eris.Errorf("upload: unsupported encoding %q", name)
	}
}

// DecodeReader wraps r so the engine always consumes UTF-8.
func DecodeReader(r io.Reader, enc Encoding) io.Reader {
	if enc == EncodingShiftJIS {
		return transform.NewReader(r, japanese.ShiftJIS.NewDecoder())
	}
	return r
}

// EncodeWriter wraps w so exported bytes match the requested encoding.
func EncodeWriter(w io.Writer, enc Encoding) io.Writer {
	if enc == EncodingShiftJIS {
		return transform.NewWriter(w, japanese.ShiftJIS.NewEncoder())
	}
	return w
}

// Source is one stream of raw rows. The first row is the header. Both
// channels close when the stream ends; a value on the error channel aborts
// the stream.
type Source interface {
	Name() string
	Stream(ctx context.Context) (<-chan []string, <-chan error)
}

// CSVOptions configures CSV row parsing.
type CSVOptions struct {
	Encoding  Encoding
	Delimiter rune // default ','
}

type csvSource struct {
	name string
	open func() (io.ReadCloser, error)
	opts CSVOptions
}

// CSVFile streams rows from a CSV file on disk.
func CSVFile(path string, opts CSVOptions) Source {
	return &csvSource{
		name: filepath.Base(path),
		open: func() (io.ReadCloser, error) { return os.Open(path) },
		opts: opts,
	}
}

// CSVReader streams rows from an already-open reader, e.g. a multipart
// upload part.
func CSVReader(name string, r io.Reader, opts CSVOptions) Source {
	return &csvSource{
		name: name,
		open: func() (io.ReadCloser, error) { return io.NopCloser(r), nil },
		opts: opts,
	}
}

func (s *csvSource) Name() string { return s.name }

func (s *csvSource) Stream(ctx context.Context) (<-chan []string, <-chan error) {
	rowCh := make(chan []string, 64)
	errCh := make(chan error, 1)

	go func() {
		defer close(rowCh)
		defer close(errCh)

		rc, err := s.open()
		if err != nil {
			errCh <- eris.Wrapf(err, "upload: open %s", s.name)
			return
		}
		defer rc.Close() //nolint:errcheck

		reader := csv.NewReader(DecodeReader(rc, s.opts.Encoding))
		if s.opts.Delimiter != 0 {
			reader.Comma = s.opts.Delimiter
		}
		reader.FieldsPerRecord = -1 // allow variable fields

		for {
			if ctx.Err() != nil {
				errCh <- eris.Wrapf(ctx.Err(), "upload: %s cancelled", s.name)
				return
			}
			record, err := reader.Read()
			if err == io.EOF {
				return
			}
			if err != nil {
				errCh <- eris.Wrapf(err, "upload: read %s", s.name)
				return
			}
			select {
			case rowCh <- record:
			case <-ctx.Done():
				errCh <- eris.Wrapf(ctx.Err(), "upload: %s cancelled", s.name)
				return
			}
		}
	}()

	return rowCh, errCh
}

type xlsxSource struct {
	name  string
	sheet *xlsx.Sheet
}

// XLSXSources opens a workbook and returns one source per sheet; every sheet
// is an independent row stream with its own header.
func XLSXSources(path string) ([]Source, error) {
	f, err := xlsx.OpenFile(path)
	if err != nil {
		return nil, eris.Wrap(err, "upload: open workbook")
	}
	if len(f.Sheets) == 0 {
		return nil, eris.Errorf("upload: workbook %s has no sheets", filepath.Base(path))
	}
	sources := make([]Source, len(f.Sheets))
	for i, sheet := range f.Sheets {
		sources[i] = &xlsxSource{
			name:  filepath.Base(path) + "#" + sheet.Name,
			sheet: sheet,
		}
	}
	return sources, nil
}

func (s *xlsxSource) Name() string { return s.name }

func (s *xlsxSource) Stream(ctx context.Context) (<-chan []string, <-chan error) {
	rowCh := make(chan []string, 64)
	errCh := make(chan error, 1)

	go func() {
		defer close(rowCh)
		defer close(errCh)

		for _, row := range s.sheet.Rows {
			cells := make([]string, len(row.Cells))
			for j, cell := range row.Cells {
				cells[j] = cell.String()
			}
			select {
			case rowCh <- cells:
			case <-ctx.Done():
				errCh <- eris.Wrapf(ctx.Err(), "upload: %s cancelled", s.name)
				return
			}
		}
	}()

	return rowCh, errCh
}

// ZIPSources expands an archive into tempDir and returns one CSV source per
// contained *.csv, recursively. Non-CSV entries are ignored.
func ZIPSources(zipPath, tempDir string, opts CSVOptions) ([]Source, error) {
	dest, err := os.MkdirTemp(tempDir, "upload-zip-")
	if err != nil {
		return nil, eris.Wrap(err, "upload: create extraction dir")
	}
	if _, err := extractArchive(zipPath, dest); err != nil {
		return nil, err
	}

	var sources []Source
	err = filepath.WalkDir(dest, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !strings.EqualFold(filepath.Ext(path), ".csv") {
			return nil
		}
		sources = append(sources, CSVFile(path, opts))
		return nil
	})
	if err != nil {
		return nil, eris.Wrap(err, "upload: scan extracted archive")
	}
	if len(sources) == 0 {
		return nil, eris.Errorf("upload: archive %s contains no CSV files", filepath.Base(zipPath))
	}
	return sources, nil
}

// Open builds the sources for a file path based on its extension.
func Open(path, tempDir string, opts CSVOptions) ([]Source, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".csv":
		return []Source{CSVFile(path, opts)}, nil
	case ".xlsx":
		return XLSXSources(path)
	case ".zip":
		return ZIPSources(path, tempDir, opts)
	default:
		return nil, eris.Errorf("upload: unsupported file type %q", filepath.Ext(path))
	}
}
