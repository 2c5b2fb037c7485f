// Package noaa reads regional AORC archives from the NWS hydrology HTTP server.
package noaa

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/couchcryptid/aorc-composite-service/internal/domain"
)

// hrefRe pulls link targets out of an Apache-style directory index.
var hrefRe = regexp.MustCompile(`(?i)href="([^"?#]+)"`)

// Entry is what a HEAD request reports about one remote file. Size is -1 and
// LastModified is zero when the server omits or garbles the header.
type Entry struct {
	Size         int64
	LastModified time.Time
	ETag         string
}

// Client lists, inspects and streams archives below a base URL.
type Client struct {
	baseURL    string
	timeout    time.Duration
	httpClient *http.Client
	logger     *slog.Logger
}

// errStalled is the cancel cause of a download that went quiet. It wraps
// DeadlineExceeded so it is classified like any other timeout.
var errStalled = fmt.Errorf("no data received within the source timeout: %w", context.DeadlineExceeded)

// NewClient creates a client. timeout bounds listing and HEAD calls, the wait
// for response headers on downloads, and every read of a download body.
func NewClient(baseURL string, timeout time.Duration, logger *slog.Logger) *Client {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.ResponseHeaderTimeout = timeout
	return &Client{
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		timeout:    timeout,
		httpClient: &http.Client{Transport: transport},
		logger:     logger,
	}
}

// URL returns the absolute URL of a path relative to the server root.
func (c *Client) URL(path string) string {
	return c.baseURL + "/" + strings.TrimPrefix(path, "/")
}

// ListDir returns the file names linked from a directory index, in page order.
// Parent links and subdirectories are dropped.
func (c *Client) ListDir(ctx context.Context, dir string) ([]string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	resp, err := c.do(ctx, http.MethodGet, dir, "list")
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &domain.TransientNetworkError{Op: "list " + dir, Err: err}
	}

	var names []string
	seen := make(map[string]bool)
	for _, m := range hrefRe.FindAllStringSubmatch(string(body), -1) {
		name := m[1]
		if strings.HasSuffix(name, "/") || strings.HasPrefix(name, "..") {
			continue
		}
		if i := strings.LastIndex(name, "/"); i >= 0 {
			name = name[i+1:]
		}
		if name == "" || seen[name] {
			continue
		}
		seen[name] = true
		names = append(names, name)
	}
	return names, nil
}

// Stat issues a HEAD request for one file.
func (c *Client) Stat(ctx context.Context, path string) (Entry, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	resp, err := c.do(ctx, http.MethodHead, path, "head")
	if err != nil {
		return Entry{}, err
	}
	resp.Body.Close()

	e := Entry{Size: resp.ContentLength, ETag: resp.Header.Get("ETag")}
	if lm := resp.Header.Get("Last-Modified"); lm != "" {
		if t, err := http.ParseTime(lm); err == nil {
			e.LastModified = t.UTC()
		} else {
			c.logger.Debug("unparseable last-modified", "path", path, "value", lm)
		}
	}
	return e, nil
}

// Open starts a streamed download. The caller closes the body. A read that
// waits longer than the client timeout aborts the request with a transient
// error, so a stalled server cannot hold a worker.
func (c *Client) Open(ctx context.Context, path string) (io.ReadCloser, error) {
	ctx, cancel := context.WithCancelCause(ctx)
	timer := time.AfterFunc(c.timeout, func() { cancel(errStalled) })

	resp, err := c.do(ctx, http.MethodGet, path, "get")
	timer.Stop()
	if err != nil {
		cancel(nil)
		return nil, err
	}
	return &body{
		ReadCloser: resp.Body,
		op:         "get " + path,
		ctx:        ctx,
		cancel:     cancel,
		timer:      timer,
		idle:       c.timeout,
	}, nil
}

func (c *Client) do(ctx context.Context, method, path, op string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.URL(path), nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctxErr := context.Cause(ctx); ctxErr != nil && !errors.Is(ctxErr, context.DeadlineExceeded) {
			return nil, fmt.Errorf("%s %s: %w", op, path, err)
		}
		return nil, &domain.TransientNetworkError{Op: op + " " + path, Err: err}
	}

	switch {
	case resp.StatusCode == http.StatusOK:
		return resp, nil
	case resp.StatusCode == http.StatusNotFound:
		resp.Body.Close()
		return nil, fmt.Errorf("%s %s: %w", op, path, domain.ErrNotFound)
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		resp.Body.Close()
		return nil, &domain.TransientNetworkError{Op: op + " " + path, Err: fmt.Errorf("status %d", resp.StatusCode)}
	default:
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		resp.Body.Close()
		return nil, fmt.Errorf("%s %s: status %d: %s", op, path, resp.StatusCode, msg)
	}
}

// body marks read failures mid-stream as transient. The idle timer only runs
// while a Read is blocked, so a slow consumer is never mistaken for a stall.
type body struct {
	io.ReadCloser
	op     string
	ctx    context.Context
	cancel context.CancelCauseFunc
	timer  *time.Timer
	idle   time.Duration
}

func (b *body) Read(p []byte) (int, error) {
	b.timer.Reset(b.idle)
	n, err := b.ReadCloser.Read(p)
	b.timer.Stop()
	if err == nil || err == io.EOF {
		return n, err
	}
	if errors.Is(context.Cause(b.ctx), errStalled) {
		return n, &domain.TransientNetworkError{Op: b.op, Err: errStalled}
	}
	var ne net.Error
	if errors.As(err, &ne) || errors.Is(err, io.ErrUnexpectedEOF) {
		err = &domain.TransientNetworkError{Op: b.op, Err: err}
	}
	return n, err
}

func (b *body) Close() error {
	b.timer.Stop()
	err := b.ReadCloser.Close()
	b.cancel(nil)
	return err
}
