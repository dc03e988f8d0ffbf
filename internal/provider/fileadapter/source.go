package fileadapter

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/jlaffaye/ftp"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
)

// source retrieves the provider's drop file. fetch returns the body, a
// version tag, and whether the file changed since prevTag. When the server
// reports the file unchanged, body is nil and changed is false.
type source interface {
	fetch(ctx context.Context, prevTag string) (body io.ReadCloser, tag string, changed bool, err error)
}

func newSource(rawURL string, timeout time.Duration) (source, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, eris.Wrap(err, "fileadapter: parse url")
	}
	switch u.Scheme {
	case "http", "https":
		return &httpSource{url: rawURL, client: &http.Client{Timeout: timeout}}, nil
	case "ftp":
		return &ftpSource{url: rawURL, timeout: timeout}, nil
	default:
		return nil, eris.Errorf("fileadapter: unsupported scheme %q", u.Scheme)
	}
}

// httpSource issues conditional GETs keyed on ETag, falling back to
// Last-Modified when the server sends no ETag.
type httpSource struct {
	url    string
	client *http.Client
}

func (s *httpSource) fetch(ctx context.Context, prevTag string) (io.ReadCloser, string, bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.url, nil)
	if err != nil {
		return nil, "", false, eris.Wrap(err, "fileadapter: new request")
	}
	if prevTag != "" {
		req.Header.Set("If-None-Match", prevTag)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, "", false, err
	}

	switch resp.StatusCode {
	case http.StatusNotModified:
		resp.Body.Close()
		return nil, prevTag, false, nil
	case http.StatusOK:
		tag := resp.Header.Get("ETag")
		if tag == "" {
			tag = resp.Header.Get("Last-Modified")
		}
		return resp.Body, tag, true, nil
	default:
		resp.Body.Close()
		return nil, "", false, &statusError{code: resp.StatusCode}
	}
}

// statusError carries the HTTP status for fault classification.
type statusError struct {
	code int
}

func (e *statusError) Error() string {
	return fmt.Sprintf("fileadapter: unexpected status %d", e.code)
}

// ftpSource downloads over anonymous FTP. The version tag is derived from
// the remote file's size and modification time.
type ftpSource struct {
	url     string
	timeout time.Duration
}

// parseFTPURL extracts host (with port) and path from an FTP URL.
func parseFTPURL(rawURL string) (host string, path string, err error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", "", eris.Wrap(err, "fileadapter: parse ftp url")
	}
	if u.Scheme != "ftp" {
		return "", "", eris.Errorf("fileadapter: expected ftp scheme, got %q", u.Scheme)
	}

	host = u.Host
	if _, _, splitErr := net.SplitHostPort(host); splitErr != nil {
		host = net.JoinHostPort(host, "21")
	}

	path = u.Path
	if path == "" {
		return "", "", eris.New("fileadapter: empty path in ftp url")
	}

	return host, path, nil
}

// ftpConnReader wraps an FTP response and connection so that closing the
// reader also closes the FTP response and disconnects from the server.
type ftpConnReader struct {
	resp *ftp.Response
	conn *ftp.ServerConn
}

func (r *ftpConnReader) Read(p []byte) (int, error) {
	return r.resp.Read(p)
}

func (r *ftpConnReader) Close() error {
	respErr := r.resp.Close()
	quitErr := r.conn.Quit()
	if respErr != nil {
		return eris.Wrap(respErr, "fileadapter: close ftp response")
	}
	if quitErr != nil {
		return eris.Wrap(quitErr, "fileadapter: quit ftp connection")
	}
	return nil
}

func (s *ftpSource) fetch(ctx context.Context, prevTag string) (io.ReadCloser, string, bool, error) {
	host, path, err := parseFTPURL(s.url)
	if err != nil {
		return nil, "", false, err
	}

	zap.L().Debug("fileadapter: ftp connecting", zap.String("host", host), zap.String("path", path))

	conn, err := ftp.Dial(host, ftp.DialWithTimeout(s.timeout), ftp.DialWithContext(ctx))
	if err != nil {
		return nil, "", false, eris.Wrap(err, "fileadapter: ftp dial")
	}

	if err := conn.Login("anonymous", "anonymous@"); err != nil {
		conn.Quit()
		return nil, "", false, eris.Wrap(err, "fileadapter: ftp login")
	}

	tag := s.versionTag(conn, path)
	if tag != "" && tag == prevTag {
		conn.Quit()
		return nil, prevTag, false, nil
	}

	resp, err := conn.Retr(path)
	if err != nil {
		conn.Quit()
		return nil, "", false, eris.Wrap(err, "fileadapter: ftp retrieve")
	}

	return &ftpConnReader{resp: resp, conn: conn}, tag, true, nil
}

// versionTag builds a change marker from SIZE and MDTM. Servers that support
// neither get an empty tag, which forces a download every refresh.
func (s *ftpSource) versionTag(conn *ftp.ServerConn, path string) string {
	size, err := conn.FileSize(path)
	if err != nil {
		return ""
	}
	tag := fmt.Sprintf("%d", size)
	if mtime, err := conn.GetTime(path); err == nil {
		tag = fmt.Sprintf("%d-%d", size, mtime.Unix())
	}
	return tag
}
