package main

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360studio/wpmigrate/config"
	"github.com/c360studio/wpmigrate/entity"
	"github.com/c360studio/wpmigrate/migration"
	"github.com/c360studio/wpmigrate/sink"
)

const exportTemplate = `<?xml version="1.0" encoding="UTF-8" ?>
<rss version="2.0"
	xmlns:content="http://purl.org/rss/1.0/modules/content/"
	xmlns:dc="http://purl.org/dc/elements/1.1/"
	xmlns:wp="http://wordpress.org/export/1.2/">
<channel>
	<title>Example</title>
	<wp:wxr_version>1.2</wp:wxr_version>
	<wp:base_site_url>{{SITE}}</wp:base_site_url>
	<wp:base_blog_url>{{SITE}}</wp:base_blog_url>
	<wp:category>
		<wp:term_id>3</wp:term_id>
		<wp:category_nicename><![CDATA[news]]></wp:category_nicename>
		<wp:category_parent><![CDATA[]]></wp:category_parent>
		<wp:cat_name><![CDATA[News]]></wp:cat_name>
	</wp:category>
	<item>
		<title>Hello</title>
		<content:encoded><![CDATA[<p><a href="{{SITE}}/about/">About</a><img src="{{SITE}}/wp-content/uploads/a.png"></p>]]></content:encoded>
		<wp:post_id>10</wp:post_id>
		<wp:post_name><![CDATA[hello]]></wp:post_name>
		<wp:post_parent>0</wp:post_parent>
		<wp:post_type><![CDATA[post]]></wp:post_type>
	</item>
</channel>
</rss>
`

type fixture struct {
	dir    string
	site   string
	export string
	cfg    *config.Config
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/wp-content/uploads/a.png" {
			http.NotFound(w, r)
			return
		}
		_, _ = w.Write([]byte("\x89PNG fake"))
	}))
	t.Cleanup(srv.Close)

	dir := t.TempDir()
	export := filepath.Join(dir, "export.xml")
	require.NoError(t, os.WriteFile(export, []byte(strings.ReplaceAll(exportTemplate, "{{SITE}}", srv.URL)), 0644))

	cfg := config.DefaultConfig()
	cfg.Site.NewSiteURL = "https://new.example.com"
	cfg.Site.UploadsURL = "https://new.example.com/wp-content/uploads"
	cfg.Site.UploadsPath = filepath.Join(dir, "uploads")
	cfg.Downloader.AllowPrivateNetworks = true
	cfg.Checkpoint.Path = filepath.Join(dir, "state", "checkpoint.json")
	cfg.Sink.Path = filepath.Join(dir, "out", "import.jsonl")

	return &fixture{dir: dir, site: srv.URL, export: export, cfg: cfg}
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestRunMigration_EndToEnd(t *testing.T) {
	f := newFixture(t)
	var out bytes.Buffer

	err := runMigration(context.Background(), &out, f.cfg, discardLogger(), f.export, runLimits{})
	require.NoError(t, err)
	assert.Contains(t, out.String(), "stage: finished")
	assert.Contains(t, out.String(), "source_site_url: "+f.site)

	asset := migration.NewAssetFilename(f.site + "/wp-content/uploads/a.png")
	data, err := os.ReadFile(filepath.Join(f.cfg.Site.UploadsPath, asset))
	require.NoError(t, err)
	assert.Equal(t, "\x89PNG fake", string(data))

	recs, err := sink.ReadRecords(f.cfg.Sink.Path)
	require.NoError(t, err)

	var post *sink.Record
	var attachments []sink.Record
	for i := range recs {
		switch {
		case recs[i].Kind == sink.KindEntity && recs[i].Type == entity.TypePost:
			post = &recs[i]
		case recs[i].Kind == sink.KindAttachment:
			attachments = append(attachments, recs[i])
		}
	}
	require.NotNil(t, post)
	content, _ := post.Data.Get(entity.FieldPostContent)
	assert.Equal(t,
		`<p><a href="https://new.example.com/about/">About</a><img src="https://new.example.com/wp-content/uploads/`+asset+`"></p>`,
		content)
	require.Len(t, attachments, 1)
	assert.Equal(t, post.ID, attachments[0].ParentID)
	assert.Equal(t, filepath.Join(f.cfg.Site.UploadsPath, asset), attachments[0].FilePath)
}

func TestRunMigration_ResumesAfterStepLimit(t *testing.T) {
	f := newFixture(t)
	var out bytes.Buffer

	err := runMigration(context.Background(), &out, f.cfg, discardLogger(), f.export, runLimits{maxSteps: 2})
	require.NoError(t, err)
	assert.Contains(t, out.String(), "stage: frontload_assets")

	out.Reset()
	err = runMigration(context.Background(), &out, f.cfg, discardLogger(), f.export, runLimits{})
	require.NoError(t, err)
	assert.Contains(t, out.String(), "stage: finished")

	// A finished migration does nothing until it is reset.
	out.Reset()
	err = runMigration(context.Background(), &out, f.cfg, discardLogger(), f.export, runLimits{})
	require.NoError(t, err)
	assert.Contains(t, out.String(), "stage: finished")
	recs, err := sink.ReadRecords(f.cfg.Sink.Path)
	require.NoError(t, err)
	entities := 0
	for _, r := range recs {
		if r.Kind == sink.KindEntity {
			entities++
		}
	}
	assert.Equal(t, 4, entities)

	out.Reset()
	err = runMigration(context.Background(), &out, f.cfg, discardLogger(), f.export, runLimits{maxSteps: 1, fresh: true})
	require.NoError(t, err)
	assert.Contains(t, out.String(), "stage: topological_sort")
}

func TestRunMigration_CanceledContextKeepsCheckpoint(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	var out bytes.Buffer
	err := runMigration(ctx, &out, f.cfg, discardLogger(), f.export, runLimits{})
	require.NoError(t, err)
	assert.Contains(t, out.String(), "stage: initial")
}

func TestRunMigration_MissingExport(t *testing.T) {
	f := newFixture(t)
	err := runMigration(context.Background(), io.Discard, f.cfg, discardLogger(), filepath.Join(f.dir, "nope.xml"), runLimits{})
	assert.ErrorContains(t, err, "stat export")
}

func TestApp_FailuresLedger(t *testing.T) {
	f := newFixture(t)
	f.cfg.Sink.FailuresPath = filepath.Join(f.dir, "failures.jsonl")

	app := NewApp(f.cfg, discardLogger())
	require.NoError(t, app.OpenSink(context.Background()))
	require.NoError(t, app.ledger.RecordFailure(context.Background(), migration.DownloadFailure{URL: "https://old.example.com/x.png"}))
	require.NoError(t, app.Shutdown(shutdownTimeout))

	recs, err := sink.ReadRecords(f.cfg.Sink.FailuresPath)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, sink.KindFailure, recs[0].Kind)
}

func TestApp_DownloaderMetricsRegisteredOnce(t *testing.T) {
	f := newFixture(t)
	app := NewApp(f.cfg, discardLogger())

	for i := 0; i < 2; i++ {
		d := app.newDownloader()
		require.NoError(t, d.Close())
	}

	families, err := app.registry.Gather()
	require.NoError(t, err)
	var names []string
	for _, mf := range families {
		names = append(names, mf.GetName())
	}
	assert.Contains(t, names, "wpmigrate_downloader_in_flight")
}

func TestApp_ImporterNeedsBackends(t *testing.T) {
	app := NewApp(config.DefaultConfig(), discardLogger())
	_, err := app.Importer(context.Background(), "export.xml")
	assert.Error(t, err)
}

func TestApp_UnknownBackends(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Checkpoint.Backend = "etcd"
	cfg.Sink.Backend = "sqlite"
	app := NewApp(cfg, discardLogger())
	assert.ErrorContains(t, app.OpenStore(context.Background()), "unknown checkpoint backend")
	assert.ErrorContains(t, app.OpenSink(context.Background()), "unknown sink backend")
}

func TestWrapNATSError(t *testing.T) {
	err := wrapNATSError(assert.AnError, "nats://x:4222")
	assert.ErrorIs(t, err, assert.AnError)
	assert.NotContains(t, err.Error(), "docker compose")

	err = wrapNATSError(connRefused{}, "nats://x:4222")
	assert.Contains(t, err.Error(), "NATS is not running at nats://x:4222")
}

type connRefused struct{}

func (connRefused) Error() string { return "dial tcp: connection refused" }
