package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/labstack/echo/v5"

	"github.com/datallboy/usenetd/internal/api/controllers"
	"github.com/datallboy/usenetd/internal/app"
	"github.com/datallboy/usenetd/internal/control"
	"github.com/datallboy/usenetd/internal/domain"
	"github.com/datallboy/usenetd/internal/infra/config"
	"github.com/datallboy/usenetd/internal/infra/logger"
	"github.com/datallboy/usenetd/internal/nntp"
	"github.com/datallboy/usenetd/internal/nntp/nntptest"
)

const sampleNZB = `<?xml version="1.0" encoding="utf-8"?>
<nzb xmlns="http://www.newzbin.com/DTD/2003/nzb">
 <head><meta type="name">Sample</meta></head>
 <file poster="p" date="1700000000" subject="&quot;sample.bin&quot; yEnc (1/2)">
  <groups><group>alt.binaries.test</group></groups>
  <segments>
   <segment bytes="500" number="1">s1@test</segment>
   <segment bytes="500" number="2">s2@test</segment>
  </segments>
 </file>
</nzb>`

// newServer serves the API over a service whose only news server
// rejects its credentials, so admitted jobs stay queued.
func newServer(t *testing.T, keys ...config.APIKey) *httptest.Server {
	t.Helper()
	news, err := nntptest.New()
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(news.Close)
	news.Username, news.Password = "user", "secret"

	root := t.TempDir()
	cfg := &config.Config{
		DataRoot: root,
		Servers: []config.ServerConfig{{
			ID: "primary", Host: news.Host(), Port: news.Port(),
			Username: "user", Password: "wrong",
			MaxConnection: 1, Timeout: time.Second, IdleTimeout: time.Second,
		}},
		Download: config.DownloadConfig{SnapshotInterval: time.Hour, TierWait: time.Hour},
		History:  config.HistoryConfig{SQLitePath: filepath.Join(root, "history.db")},
		API:      config.APIConfig{Keys: keys},
	}
	a, err := app.NewContext(context.Background(), config.Static(cfg), logger.Nop())
	if err != nil {
		t.Fatal(err)
	}
	if err := a.Service.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		_ = a.Service.Shutdown(control.WithSession(context.Background(), control.Internal), time.Second)
	})

	e := echo.New()
	RegisterRoutes(e, a)
	srv := httptest.NewServer(e)
	t.Cleanup(srv.Close)
	return srv
}

func do(t *testing.T, srv *httptest.Server, method, path, key, body string, out any) int {
	t.Helper()
	req, err := http.NewRequest(method, srv.URL+path, strings.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	if strings.HasPrefix(body, "{") {
		req.Header.Set("Content-Type", "application/json")
	} else if body != "" {
		req.Header.Set("Content-Type", "application/x-nzb")
	}
	if key != "" {
		req.Header.Set(APIKeyHeader, key)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("%s %s: decode: %v", method, path, err)
		}
	}
	return resp.StatusCode
}

func TestJobLifecycle(t *testing.T) {
	srv := newServer(t)

	var created controllers.IDResponse
	if code := do(t, srv, http.MethodPost, "/api/v1/nzb?category=tv&priority=paused", "", sampleNZB, &created); code != http.StatusCreated {
		t.Fatalf("add nzb = %d", code)
	}

	var detail domain.JobDetail
	if code := do(t, srv, http.MethodGet, "/api/v1/jobs/"+itoa(created.ID), "", "", &detail); code != http.StatusOK {
		t.Fatalf("detail = %d", code)
	}
	if detail.Name != "Sample" || detail.Category != "tv" || !detail.Paused || len(detail.Files) != 1 {
		t.Fatalf("detail %+v", detail.JobSummary)
	}

	var errResp controllers.ErrorResponse
	if code := do(t, srv, http.MethodPost, "/api/v1/nzb", "", sampleNZB, &errResp); code != http.StatusConflict || errResp.Code != domain.CodeDuplicate {
		t.Fatalf("duplicate = %d %+v", code, errResp)
	}

	if code := do(t, srv, http.MethodPut, "/api/v1/jobs/"+itoa(created.ID)+"/priority", "", `{"priority":"high"}`, nil); code != http.StatusNoContent {
		t.Fatalf("priority = %d", code)
	}

	var list controllers.JobsResponse
	do(t, srv, http.MethodGet, "/api/v1/jobs?state=queued", "", "", &list)
	if len(list.Jobs) != 1 || list.Jobs[0].Priority != "high" {
		t.Fatalf("list %+v", list.Jobs)
	}

	if code := do(t, srv, http.MethodDelete, "/api/v1/jobs/"+itoa(created.ID)+"?delete_files=true", "", "", nil); code != http.StatusNoContent {
		t.Fatalf("remove = %d", code)
	}
	do(t, srv, http.MethodGet, "/api/v1/jobs?history=true", "", "", &list)
	if len(list.Jobs) != 1 || list.Jobs[0].State != "cancelled" || list.Jobs[0].HistoryID == "" {
		t.Fatalf("history %+v", list.Jobs)
	}
}

func TestAddURL(t *testing.T) {
	indexer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/get/release.nzb" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("X-DNZB-Category", "movies")
		w.Write([]byte(sampleNZB))
	}))
	defer indexer.Close()
	srv := newServer(t)

	var created controllers.IDResponse
	body := `{"url":"` + indexer.URL + `/get/release.nzb","priority":"paused"}`
	if code := do(t, srv, http.MethodPost, "/api/v1/url", "", body, &created); code != http.StatusCreated {
		t.Fatalf("add url = %d", code)
	}
	var detail domain.JobDetail
	do(t, srv, http.MethodGet, "/api/v1/jobs/"+itoa(created.ID), "", "", &detail)
	if detail.Name != "Sample" || detail.Category != "movies" {
		t.Fatalf("detail %+v", detail.JobSummary)
	}

	missing := `{"url":"` + indexer.URL + `/gone.nzb"}`
	if code := do(t, srv, http.MethodPost, "/api/v1/url", "", missing, nil); code != http.StatusBadGateway {
		t.Fatalf("missing nzb = %d", code)
	}
	if code := do(t, srv, http.MethodPost, "/api/v1/url", "", `{"url":"nowhere:1"}`, nil); code != http.StatusNotFound {
		t.Fatalf("unknown indexer = %d", code)
	}
}

func TestBadRequests(t *testing.T) {
	srv := newServer(t)

	cases := []struct {
		method, path, body string
		want               int
	}{
		{http.MethodGet, "/api/v1/jobs/abc", "", http.StatusBadRequest},
		{http.MethodGet, "/api/v1/jobs/42", "", http.StatusNotFound},
		{http.MethodGet, "/api/v1/jobs?state=bogus", "", http.StatusBadRequest},
		{http.MethodPost, "/api/v1/nzb", "<nzb/>", http.StatusBadRequest},
		{http.MethodPost, "/api/v1/nzb?pp=7", sampleNZB, http.StatusBadRequest},
		{http.MethodPost, "/api/v1/jobs", `{"name":"x"}`, http.StatusBadRequest},
		{http.MethodPut, "/api/v1/jobs/1/priority", `{"priority":"urgent"}`, http.StatusBadRequest},
		{http.MethodPost, "/api/v1/shutdown", `{"timeout":"soon"}`, http.StatusBadRequest},
	}
	for _, tc := range cases {
		if got := do(t, srv, tc.method, tc.path, "", tc.body, nil); got != tc.want {
			t.Errorf("%s %s = %d, want %d", tc.method, tc.path, got, tc.want)
		}
	}
}

func TestAPIKeys(t *testing.T) {
	srv := newServer(t,
		config.APIKey{Name: "viewer", Key: "view-key", Capabilities: []string{"read"}},
		config.APIKey{Name: "admin", Key: "admin-key", Capabilities: []string{"admin"}},
	)

	if code := do(t, srv, http.MethodGet, "/api/v1/jobs", "", "", nil); code != http.StatusUnauthorized {
		t.Fatalf("no key = %d", code)
	}
	if code := do(t, srv, http.MethodGet, "/api/v1/jobs", "nope", "", nil); code != http.StatusUnauthorized {
		t.Fatalf("unknown key = %d", code)
	}
	if code := do(t, srv, http.MethodGet, "/api/v1/jobs?apikey=view-key", "", "", nil); code != http.StatusOK {
		t.Fatalf("query key = %d", code)
	}
	if code := do(t, srv, http.MethodPost, "/api/v1/nzb", "view-key", sampleNZB, nil); code != http.StatusForbidden {
		t.Fatalf("read key adding = %d", code)
	}
	if code := do(t, srv, http.MethodPost, "/api/v1/shutdown", "view-key", "", nil); code != http.StatusForbidden {
		t.Fatalf("read key shutdown = %d", code)
	}
	if code := do(t, srv, http.MethodPost, "/api/v1/nzb", "admin-key", sampleNZB, nil); code != http.StatusCreated {
		t.Fatalf("admin key adding = %d", code)
	}
	if code := do(t, srv, http.MethodPost, "/api/v1/queue/pause", "admin-key", "", nil); code != http.StatusOK {
		t.Fatalf("pause all = %d", code)
	}
}

func TestServersAndMetrics(t *testing.T) {
	srv := newServer(t)

	var servers []nntp.Status
	if code := do(t, srv, http.MethodGet, "/api/v1/servers", "", "", &servers); code != http.StatusOK {
		t.Fatalf("servers = %d", code)
	}
	if len(servers) != 1 || servers[0].ID != "primary" || servers[0].Max != 1 {
		t.Fatalf("servers %+v", servers)
	}

	resp, err := http.Get(srv.URL + "/metrics")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("metrics = %d", resp.StatusCode)
	}
}

func TestShutdownEndpoint(t *testing.T) {
	srv := newServer(t)
	if code := do(t, srv, http.MethodPost, "/api/v1/shutdown", "", `{"timeout":"1s"}`, nil); code != http.StatusAccepted {
		t.Fatalf("shutdown = %d", code)
	}
	deadline := time.Now().Add(5 * time.Second)
	for {
		var e controllers.ErrorResponse
		code := do(t, srv, http.MethodPost, "/api/v1/nzb", "", sampleNZB, &e)
		if code == http.StatusServiceUnavailable && e.Code == domain.CodeShuttingDown {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("add after shutdown = %d %+v", code, e)
		}
		time.Sleep(20 * time.Millisecond)
	}
}

func itoa(id uint64) string { return strconv.FormatUint(id, 10) }
