package server

import (
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/sells-group/masterdata-cli/internal/export"
	"github.com/sells-group/masterdata-cli/internal/upload"
)

// maxUploadMemory bounds the in-memory part of multipart parsing; larger
// files spill to disk.
const maxUploadMemory = 32 << 20

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	d, ok := s.entity(w, r)
	if !ok {
		return
	}

	if err := r.ParseMultipartForm(maxUploadMemory); err != nil {
		s.respondError(w, r, badRequest("invalid multipart request"))
		return
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		s.respondError(w, r, badRequest(`missing "file" form field`))
		return
	}
	defer file.Close()

	enc, err := upload.ParseEncoding(r.FormValue("encoding"))
	if err != nil {
		s.respondError(w, r, badRequest(err.Error()))
		return
	}
	if r.FormValue("encoding") == "" {
		enc, _ = upload.ParseEncoding(s.upload.Encoding)
	}
	chunkSize, _ := strconv.Atoi(r.FormValue("chunk_size"))
	if chunkSize <= 0 {
		chunkSize = s.upload.ChunkSize
	}

	// Stage the upload on disk so ZIP/XLSX sources can seek it.
	workDir, err := os.MkdirTemp(s.upload.TempDir, "upload-")
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	defer os.RemoveAll(workDir)

	staged := filepath.Join(workDir, filepath.Base(header.Filename))
	out, err := os.Create(staged)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	if _, err := io.Copy(out, file); err != nil {
		out.Close()
		s.respondError(w, r, err)
		return
	}
	if err := out.Close(); err != nil {
		s.respondError(w, r, err)
		return
	}

	sources, err := upload.Open(staged, workDir, upload.CSVOptions{
		Encoding:  enc,
		Delimiter: s.upload.Delim(),
	})
	if err != nil {
		s.respondError(w, r, badRequest(err.Error()))
		return
	}

	summary, err := upload.NewEngine(s.store).Run(r.Context(), d, sources, upload.RunMeta{
		Principal:    principal(r),
		ClientIP:     r.RemoteAddr,
		FileName:     header.Filename,
		AppName:      d.Name,
		SkipExisting: r.FormValue("skip_existing") == "true",
		ChunkSize:    chunkSize,
	})
	if err != nil {
		// The run is already recorded in the process log; report the data
		// problem with the partial summary.
		writeJSON(w, http.StatusUnprocessableEntity, map[string]any{
			"error":   err.Error(),
			"summary": summary,
		})
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request) {
	d, ok := s.entity(w, r)
	if !ok {
		return
	}

	q := r.URL.Query()
	enc, err := upload.ParseEncoding(q.Get("encoding"))
	if err != nil {
		s.respondError(w, r, badRequest(err.Error()))
		return
	}
	var columns []string
	if raw := q.Get("columns"); raw != "" {
		columns = splitColumns(raw)
	}

	fileName := fmt.Sprintf("%s-%s.csv", d.Name, time.Now().Format("20060102"))
	opts := export.Options{
		Columns:        columns,
		Encoding:       enc,
		Query:          q.Get("q"),
		IncludeDeleted: q.Get("include_deleted") == "true",
	}

	// Validate the column subset before committing to a CSV response.
	if err := export.ValidateColumns(d, columns); err != nil {
		s.respondError(w, r, badRequest(err.Error()))
		return
	}

	w.Header().Set("Content-Type", "text/csv")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", fileName))

	if _, err := export.Run(r.Context(), s.store, d, w, opts, export.Meta{
		Principal: principal(r),
		ClientIP:  r.RemoteAddr,
		FileName:  fileName,
		AppName:   d.Name,
	}); err != nil {
		// Headers are already sent; the truncated body plus the process log
		// entry are all we can offer.
		s.log.Error("download aborted mid-stream", zap.Error(err))
	}
}

func splitColumns(raw string) []string {
	var cols []string
	for _, c := range strings.Split(raw, ",") {
		if c = strings.TrimSpace(c); c != "" {
			cols = append(cols, c)
		}
	}
	return cols
}
