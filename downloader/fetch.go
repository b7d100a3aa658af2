package downloader

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"time"
)

// partSuffix marks an unfinished download. Every task writes its own part
// file and only a complete one is renamed to the output path.
const partSuffix = ".part"

const maxRedirects = 5

func newHTTPClient(cfg Config) *http.Client {
	dialer := &net.Dialer{
		Timeout:   10 * time.Second,
		KeepAlive: 30 * time.Second,
	}
	transport := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           dialer.DialContext,
		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: cfg.Timeout,
		MaxIdleConns:          cfg.Concurrency * 2,
		MaxIdleConnsPerHost:   cfg.Concurrency,
		IdleConnTimeout:       90 * time.Second,
	}
	if cfg.BlockPrivateNetworks {
		transport.Proxy = nil
		transport.DialContext = guardedDialContext(dialer)
	}

	return &http.Client{
		Transport: transport,
		Timeout:   cfg.Timeout,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if len(via) >= maxRedirects {
				return fmt.Errorf("too many redirects (max %d)", maxRedirects)
			}
			if err := checkURL(req.URL.String(), cfg.BlockPrivateNetworks); err != nil {
				return fmt.Errorf("redirect blocked: %w", err)
			}
			return nil
		},
	}
}

// fetch downloads t.URL into t.OutputPath and returns the number of bytes
// written.
func (d *Downloader) fetch(ctx context.Context, t Task) (int64, error) {
	if err := checkURL(t.URL, d.cfg.BlockPrivateNetworks); err != nil {
		return 0, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, t.URL, nil)
	if err != nil {
		return 0, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("User-Agent", d.cfg.UserAgent)
	req.Header.Set("Accept", "*/*")

	resp, err := d.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("fetch: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("HTTP %d: %s", resp.StatusCode, http.StatusText(resp.StatusCode))
	}
	if d.cfg.MaxContentSize > 0 && resp.ContentLength > d.cfg.MaxContentSize {
		return 0, fmt.Errorf("content too large (%d bytes, max %d)", resp.ContentLength, d.cfg.MaxContentSize)
	}

	if err := os.MkdirAll(filepath.Dir(t.OutputPath), 0o755); err != nil {
		return 0, fmt.Errorf("create output directory: %w", err)
	}

	f, err := os.CreateTemp(filepath.Dir(t.OutputPath), filepath.Base(t.OutputPath)+".*"+partSuffix)
	if err != nil {
		return 0, fmt.Errorf("create file: %w", err)
	}
	part := f.Name()

	var body io.Reader = resp.Body
	if d.cfg.MaxContentSize > 0 {
		body = io.LimitReader(resp.Body, d.cfg.MaxContentSize+1)
	}
	n, err := io.Copy(f, body)
	if closeErr := f.Close(); err == nil {
		err = closeErr
	}
	if err == nil && d.cfg.MaxContentSize > 0 && n > d.cfg.MaxContentSize {
		err = fmt.Errorf("content too large (exceeds %d bytes)", d.cfg.MaxContentSize)
	}
	if err != nil {
		os.Remove(part)
		return 0, fmt.Errorf("write body: %w", err)
	}

	if err := os.Rename(part, t.OutputPath); err != nil {
		os.Remove(part)
		return 0, fmt.Errorf("finalize file: %w", err)
	}
	return n, nil
}
