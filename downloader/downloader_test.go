package downloader

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.Concurrency = 2
	cfg.Timeout = 5 * time.Second
	return cfg
}

// drain polls until no work is pending and returns every event seen.
func drain(t *testing.T, d *Downloader) []Event {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var events []Event
	for d.HasPendingRequests() {
		require.NoError(t, ctx.Err(), "downloads did not finish")
		d.Poll(ctx)
		for d.NextEvent() {
			events = append(events, d.Event())
		}
	}
	return events
}

// partFiles lists unfinished downloads left next to out.
func partFiles(t *testing.T, out string) []string {
	t.Helper()
	matches, err := filepath.Glob(out + ".*" + partSuffix)
	require.NoError(t, err)
	return matches
}

func TestDownloader_DownloadsToOutputPath(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "wpmigrate/1.0", r.Header.Get("User-Agent"))
		w.Write([]byte("image-bytes"))
	}))
	defer srv.Close()

	out := filepath.Join(t.TempDir(), "nested", "h.jpg")
	d := New(testConfig())
	defer d.Close()

	require.True(t, d.EnqueueIfNotExists(srv.URL+"/a.jpg", out))
	id := d.EnqueuedResourceID()
	assert.NotEmpty(t, id)

	events := drain(t, d)
	require.Len(t, events, 1)
	assert.Equal(t, Success, events[0].Type)
	assert.Equal(t, id, events[0].ResourceID)
	assert.Equal(t, int64(len("image-bytes")), events[0].Bytes)

	data, err := os.ReadFile(out)
	require.NoError(t, err)
	assert.Equal(t, "image-bytes", string(data))
	assert.Empty(t, partFiles(t, out))
}

func TestDownloader_SecondEnqueueAfterSuccessIsNoop(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.Write([]byte("x"))
	}))
	defer srv.Close()

	out := filepath.Join(t.TempDir(), "h.jpg")
	d := New(testConfig())
	defer d.Close()

	require.True(t, d.EnqueueIfNotExists(srv.URL+"/a.jpg", out))
	events := drain(t, d)
	require.Len(t, events, 1)
	require.Equal(t, Success, events[0].Type)

	assert.False(t, d.EnqueueIfNotExists(srv.URL+"/a.jpg", out))
	assert.False(t, d.HasPendingRequests())
	assert.False(t, d.Poll(context.Background()))
	assert.False(t, d.NextEvent())
	assert.Equal(t, int32(1), hits.Load())
}

func TestDownloader_DuplicateWhileInFlight(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
		w.Write([]byte("x"))
	}))
	defer srv.Close()

	dir := t.TempDir()
	d := New(testConfig())
	defer d.Close()

	require.True(t, d.EnqueueIfNotExists(srv.URL+"/a.jpg", filepath.Join(dir, "a.jpg")))
	first := d.EnqueuedResourceID()
	assert.False(t, d.EnqueueIfNotExists(srv.URL+"/a.jpg", filepath.Join(dir, "a.jpg")))
	assert.Equal(t, first, d.EnqueuedResourceID())

	// Same URL to a different output is a different task.
	require.True(t, d.EnqueueIfNotExists(srv.URL+"/a.jpg", filepath.Join(dir, "b.jpg")))
	assert.NotEqual(t, first, d.EnqueuedResourceID())

	close(release)
	assert.Len(t, drain(t, d), 2)
}

func TestDownloader_OutputClaimedByRunningTask(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
			return
		}
		body := strings.Repeat(strings.TrimPrefix(r.URL.Path[:2], "/"), 50000)
		w.Write([]byte(body))
	}))
	defer srv.Close()

	out := filepath.Join(t.TempDir(), "h.png")
	d := New(testConfig())
	defer d.Close()

	require.True(t, d.EnqueueIfNotExists(srv.URL+"/a/img.png", out))
	first := d.EnqueuedResourceID()
	assert.False(t, d.EnqueueIfNotExists(srv.URL+"/b/img.png", out))
	assert.Equal(t, first, d.EnqueuedResourceID())

	close(release)
	events := drain(t, d)
	require.Len(t, events, 1)
	assert.Equal(t, Success, events[0].Type)
	assert.Equal(t, first, events[0].ResourceID)

	data, err := os.ReadFile(out)
	require.NoError(t, err)
	assert.Equal(t, strings.Repeat("a", 50000), string(data))
	assert.Empty(t, partFiles(t, out))

	// The claim ends with the task.
	require.NoError(t, os.Remove(out))
	assert.True(t, d.EnqueueIfNotExists(srv.URL+"/b/img.png", out))
	drain(t, d)
}

func TestDownloader_QueueFullAndFIFO(t *testing.T) {
	var order []string
	orderCh := make(chan string, 10)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		orderCh <- r.URL.Path
		w.Write([]byte("x"))
	}))
	defer srv.Close()

	cfg := testConfig()
	cfg.Concurrency = 1
	d := New(cfg)
	defer d.Close()

	dir := t.TempDir()
	assert.False(t, d.QueueFull())
	require.True(t, d.EnqueueIfNotExists(srv.URL+"/1", filepath.Join(dir, "1")))
	assert.True(t, d.QueueFull())
	require.True(t, d.EnqueueIfNotExists(srv.URL+"/2", filepath.Join(dir, "2")))
	require.True(t, d.EnqueueIfNotExists(srv.URL+"/3", filepath.Join(dir, "3")))

	events := drain(t, d)
	require.Len(t, events, 3)
	assert.False(t, d.QueueFull())

	close(orderCh)
	for p := range orderCh {
		order = append(order, p)
	}
	assert.Equal(t, []string{"/1", "/2", "/3"}, order)
}

func TestDownloader_Failures(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/missing":
			http.NotFound(w, r)
		case "/big":
			w.Write([]byte(strings.Repeat("x", 64)))
		}
	}))
	defer srv.Close()

	cfg := testConfig()
	cfg.MaxContentSize = 16
	d := New(cfg)
	defer d.Close()

	dir := t.TempDir()
	require.True(t, d.EnqueueIfNotExists(srv.URL+"/missing", filepath.Join(dir, "missing")))
	require.True(t, d.EnqueueIfNotExists(srv.URL+"/big", filepath.Join(dir, "big")))
	require.True(t, d.EnqueueIfNotExists("ftp://example.com/x", filepath.Join(dir, "ftp")))

	events := drain(t, d)
	require.Len(t, events, 3)
	for _, ev := range events {
		assert.Equal(t, Failure, ev.Type, ev.URL)
		assert.Error(t, ev.Err)
		_, err := os.Stat(ev.OutputPath)
		assert.True(t, os.IsNotExist(err), "no output for failed %s", ev.URL)
		assert.Empty(t, partFiles(t, ev.OutputPath), "no partial file for failed %s", ev.URL)
	}

	// A failed task can be enqueued again.
	assert.True(t, d.EnqueueIfNotExists(srv.URL+"/missing", filepath.Join(dir, "missing")))
}

func TestDownloader_ExistingOutputSkipped(t *testing.T) {
	out := filepath.Join(t.TempDir(), "done.png")
	require.NoError(t, os.WriteFile(out, []byte("x"), 0o644))

	d := New(testConfig())
	defer d.Close()
	assert.False(t, d.EnqueueIfNotExists("http://example.invalid/done.png", out))
	assert.Empty(t, d.EnqueuedResourceID())
	assert.False(t, d.HasPendingRequests())
}

func TestDownloader_BlockPrivateNetworks(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("private address must not be contacted")
	}))
	defer srv.Close()

	cfg := testConfig()
	cfg.BlockPrivateNetworks = true
	d := New(cfg)
	defer d.Close()

	require.True(t, d.EnqueueIfNotExists(srv.URL+"/a.png", filepath.Join(t.TempDir(), "a.png")))
	events := drain(t, d)
	require.Len(t, events, 1)
	assert.Equal(t, Failure, events[0].Type)
	assert.Contains(t, events[0].Err.Error(), "not allowed")
}

func TestDownloader_CloseCancelsRunning(t *testing.T) {
	started := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		close(started)
		<-r.Context().Done()
	}))
	defer srv.Close()

	d := New(testConfig())
	out := filepath.Join(t.TempDir(), "slow")
	require.True(t, d.EnqueueIfNotExists(srv.URL+"/slow", out))
	<-started

	require.NoError(t, d.Close())
	require.True(t, d.NextEvent())
	ev := d.Event()
	assert.Equal(t, Failure, ev.Type)
	assert.ErrorIs(t, ev.Err, ErrClosed)
}

func TestDownloader_Metrics(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("abcd"))
	}))
	defer srv.Close()

	reg := prometheus.NewRegistry()
	d := New(testConfig(), WithRegisterer(reg))
	defer d.Close()

	dir := t.TempDir()
	require.True(t, d.EnqueueIfNotExists(srv.URL+"/a", filepath.Join(dir, "a")))
	require.True(t, d.EnqueueIfNotExists(srv.URL+"/b", filepath.Join(dir, "b")))
	drain(t, d)

	assert.Equal(t, 2.0, testutil.ToFloat64(d.metrics.enqueued))
	assert.Equal(t, 2.0, testutil.ToFloat64(d.metrics.completed.WithLabelValues("success")))
	assert.Equal(t, 8.0, testutil.ToFloat64(d.metrics.bytes))
	assert.Equal(t, 0.0, testutil.ToFloat64(d.metrics.inFlight))

	count, err := testutil.GatherAndCount(reg, "wpmigrate_downloader_enqueued_total")
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}
