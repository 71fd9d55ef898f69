// Package fetcher retrieves source files from the upstream master-data
// publishers, over HTTP with per-host rate limits and a circuit breaker, or
// over plain FTP for the publishers that still serve archives that way.
package fetcher

import (
	"context"
	"io"
)

// Fetcher downloads one published file per call.
type Fetcher interface {
	// Download fetches the URL and returns the body. The caller closes it.
	Download(ctx context.Context, url string) (io.ReadCloser, error)

	// DownloadToFile fetches the URL into path and reports bytes written.
	DownloadToFile(ctx context.Context, url string, path string) (int64, error)

	// HeadETag returns the current ETag of the published file, if the
	// publisher sends one.
	HeadETag(ctx context.Context, url string) (string, error)

	// DownloadIfChanged fetches only when the publisher's ETag differs
	// from etag. Returns (body, newETag, changed, error); an unchanged
	// file yields a nil body.
	DownloadIfChanged(ctx context.Context, url string, etag string) (io.ReadCloser, string, bool, error)
}
