package fetcher

import (
	"context"
	"io"
	"net"
	"net/url"
	"os"
	"time"

	"github.com/jlaffaye/ftp"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
)

// FTPOptions configures the FTP fetcher.
type FTPOptions struct {
	Timeout time.Duration
}

// FTPFetcher retrieves published files from anonymous FTP mirrors. Each
// Download opens its own control connection; the connection lives until the
// returned reader is closed.
type FTPFetcher struct {
	opts FTPOptions
}

// NewFTPFetcher creates an FTPFetcher, defaulting the timeout to 30s.
func NewFTPFetcher(opts FTPOptions) *FTPFetcher {
	if opts.Timeout == 0 {
		opts.Timeout = 30 * time.Second
	}
	return &FTPFetcher{opts: opts}
}

// parseFTPURL splits an ftp:// URL into a dialable host:port and the remote
// path, defaulting the port to 21.
func parseFTPURL(rawURL string) (host string, path string, err error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", "", eris.Wrap(err, "parse ftp url")
	}
	if u.Scheme != "ftp" {
		return "", "", eris.Errorf("expected ftp scheme, got %q", u.Scheme)
	}

	host = u.Host
	if _, _, splitErr := net.SplitHostPort(host); splitErr != nil {
		host = net.JoinHostPort(host, "21")
	}

	path = u.Path
	if path == "" {
		return "", "", eris.New("empty path in ftp url")
	}

	return host, path, nil
}

// ftpReadCloser ties the data stream to its control connection: closing the
// reader closes the transfer and quits the session.
type ftpReadCloser struct {
	resp *ftp.Response
	conn *ftp.ServerConn
}

func (r *ftpReadCloser) Read(p []byte) (int, error) {
	return r.resp.Read(p)
}

func (r *ftpReadCloser) Close() error {
	respErr := r.resp.Close()
	quitErr := r.conn.Quit()
	if respErr != nil {
		return eris.Wrap(respErr, "close ftp transfer")
	}
	if quitErr != nil {
		return eris.Wrap(quitErr, "quit ftp session")
	}
	return nil
}

// Download logs in anonymously, retrieves the file, and hands back a reader
// the caller must close to release the connection.
func (f *FTPFetcher) Download(ctx context.Context, ftpURL string) (io.ReadCloser, error) {
	host, path, err := parseFTPURL(ftpURL)
	if err != nil {
		return nil, err
	}

	zap.L().Debug("ftp: connecting", zap.String("host", host), zap.String("path", path))

	conn, err := ftp.Dial(host, ftp.DialWithTimeout(f.opts.Timeout), ftp.DialWithContext(ctx))
	if err != nil {
		return nil, eris.Wrap(err, "ftp dial")
	}

	if err := conn.Login("anonymous", "anonymous@"); err != nil {
		conn.Quit()
		return nil, eris.Wrap(err, "ftp login")
	}

	resp, err := conn.Retr(path)
	if err != nil {
		conn.Quit()
		return nil, eris.Wrap(err, "ftp retrieve")
	}

	return &ftpReadCloser{resp: resp, conn: conn}, nil
}

// HeadETag reports no ETag: FTP has no change-token equivalent.
func (f *FTPFetcher) HeadETag(ctx context.Context, ftpURL string) (string, error) {
	return "", nil
}

// DownloadIfChanged always fetches; without ETags every download counts as
// changed.
func (f *FTPFetcher) DownloadIfChanged(ctx context.Context, ftpURL string, etag string) (io.ReadCloser, string, bool, error) {
	rc, err := f.Download(ctx, ftpURL)
	if err != nil {
		return nil, "", false, err
	}
	return rc, "", true, nil
}

// DownloadToFile retrieves the FTP URL into path and reports bytes written.
func (f *FTPFetcher) DownloadToFile(ctx context.Context, ftpURL string, path string) (int64, error) {
	rc, err := f.Download(ctx, ftpURL)
	if err != nil {
		return 0, err
	}
	defer rc.Close() //nolint:errcheck

	file, err := os.Create(path)
	if err != nil {
		return 0, eris.Wrap(err, "create file")
	}
	defer file.Close() //nolint:errcheck

	n, err := io.Copy(file, rc)
	if err != nil {
		return n, eris.Wrap(err, "write file")
	}

	return n, nil
}
