package processor

import (
	"context"
	"encoding/json"
	"errors"
	"io/fs"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/datallboy/usenetd/internal/domain"
	"github.com/datallboy/usenetd/internal/engine"
	"github.com/datallboy/usenetd/internal/infra/config"
	"github.com/datallboy/usenetd/internal/infra/logger"
	"github.com/datallboy/usenetd/internal/platform"
	"github.com/datallboy/usenetd/internal/spool"
)

var rarHeader = []byte{0x52, 0x61, 0x72, 0x21, 0x1A, 0x07, 0x01, 0x00}

// recordingQueue logs every state a job passes through.
type recordingQueue struct {
	*engine.Queue
	mu     sync.Mutex
	states []domain.JobState
}

func (r *recordingQueue) Update(id uint64, fn func(j *domain.Job) error) error {
	return r.Queue.Update(id, func(j *domain.Job) error {
		err := fn(j)
		r.mu.Lock()
		if n := len(r.states); n == 0 || r.states[n-1] != j.State {
			r.states = append(r.states, j.State)
		}
		r.mu.Unlock()
		return err
	})
}

func (r *recordingQueue) seen() []domain.JobState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]domain.JobState(nil), r.states...)
}

type fixture struct {
	t        *testing.T
	cfg      *config.Config
	sp       *spool.Spool
	q        *recordingQueue
	bin      string
	tools    platform.Tools
	finished chan domain.JobState
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("shell tools")
	}
	root := t.TempDir()
	cfg := &config.Config{
		DataRoot: root,
		Categories: []config.CategoryRule{
			{Name: "tv", Dir: "TV"},
		},
		PostProcess: config.PostProcessConfig{
			Workers:             1,
			CleanupExtensions:   []string{"nfo", ".sfv"},
			DeobfuscateMinBytes: 1024,
		},
	}
	sp, err := spool.New(cfg.IncompleteDir(), cfg.CompleteDir(), 0)
	if err != nil {
		t.Fatal(err)
	}
	return &fixture{
		t:        t,
		cfg:      cfg,
		sp:       sp,
		q:        &recordingQueue{Queue: engine.NewQueue()},
		bin:      t.TempDir(),
		finished: make(chan domain.JobState, 4),
	}
}

func (f *fixture) tool(name, body string) string {
	f.t.Helper()
	path := filepath.Join(f.bin, name)
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"+body+"\n"), 0o755); err != nil {
		f.t.Fatal(err)
	}
	return path
}

// par2 fakes a verify exit code; repair always succeeds.
func (f *fixture) par2(verifyExit string) {
	f.tools.Par2 = f.tool("par2", "case \"$1\" in\nv) "+verifyExit+" ;;\nr) exit 0 ;;\nesac\nexit 9")
}

// unrar writes the archive body after its 8-byte header to payload.bin.
func (f *fixture) unrar() {
	f.tools.Unrar = f.tool("unrar", `tail -c +9 "$6" > "${7}payload.bin"`)
}

func (f *fixture) pipeline() *Pipeline {
	p := New(config.Static(f.cfg), f.sp, f.q, f.tools, logger.Nop())
	p.OnFinish(func(id uint64, state domain.JobState) { f.finished <- state })
	return p
}

type file struct {
	name string
	data []byte
}

// job admits a downloaded job whose blobs hold files.
func (f *fixture) job(pp domain.PPLevel, files ...file) *domain.Job {
	f.t.Helper()
	spec := domain.JobSpec{Name: "Show.S01E01", Category: "tv"}
	for i, fl := range files {
		spec.Files = append(spec.Files, domain.FileSpec{Name: fl.name, Segments: []domain.SegmentSpec{
			{Number: 1, Bytes: int64(len(fl.data)), MessageID: fl.name + "." + string(rune('a'+i)) + "@x"},
		}})
	}
	j := spec.Build(f.q.ReserveID(), pp, 100, time.Now())
	if err := f.sp.Allocate(j.ID, j.SizeEstimate); err != nil {
		f.t.Fatal(err)
	}
	for i, fl := range files {
		j.Files[i].ExpectedSize = int64(len(fl.data))
		if err := f.sp.WriteAt(j.ID, i, fl.data, 0); err != nil {
			f.t.Fatal(err)
		}
		j.Files[i].Articles[0].Status = domain.ArticleDecoded
	}
	j.Recount()
	j.State = domain.StateVerifying
	f.q.Add(j)
	return j
}

func (f *fixture) state(id uint64) (domain.JobState, []domain.JobError, string) {
	var (
		st   domain.JobState
		errs []domain.JobError
		dest string
	)
	f.q.View(func(jobs []*domain.Job) {
		for _, j := range jobs {
			if j.ID == id {
				st, errs, dest = j.State, append(errs, j.Errors...), j.Destination
			}
		}
	})
	return st, errs, dest
}

func digest(t *testing.T, root string) map[string]string {
	t.Helper()
	out := map[string]string{}
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		rel, _ := filepath.Rel(root, path)
		sum, err := spool.FileDigest(path)
		out[rel] = sum
		return err
	})
	if err != nil {
		t.Fatal(err)
	}
	return out
}

func sameDigest(a, b map[string]string) bool {
	if len(a) != len(b) {
		return false
	}
	for k, v := range a {
		if b[k] != v {
			return false
		}
	}
	return true
}

func hasCode(errs []domain.JobError, code string) bool {
	for _, e := range errs {
		if e.Code == code {
			return true
		}
	}
	return false
}

func TestDownloadOnlyPromotesFiles(t *testing.T) {
	f := newFixture(t)
	j := f.job(domain.PPDownload, file{"video.mkv", []byte("movie bytes")}, file{"info.nfo", []byte("nfo")})

	if err := f.pipeline().Process(context.Background(), j.ID); err != nil {
		t.Fatal(err)
	}
	st, _, dest := f.state(j.ID)
	if st != domain.StateDone {
		t.Fatalf("state = %s", st)
	}
	want := filepath.Join(f.cfg.CompleteDir(), "TV", "Show.S01E01")
	if dest != want {
		t.Fatalf("destination = %q, want %q", dest, want)
	}
	for name, data := range map[string]string{"video.mkv": "movie bytes", "info.nfo": "nfo"} {
		got, err := os.ReadFile(filepath.Join(dest, name))
		if err != nil || string(got) != data {
			t.Fatalf("%s = %q, %v", name, got, err)
		}
	}
	if got := <-f.finished; got != domain.StateDone {
		t.Fatalf("finish = %s", got)
	}
	if seen := f.q.seen(); seen[0] != domain.StateVerifying || seen[len(seen)-1] != domain.StateDone {
		t.Fatalf("states = %v", seen)
	}
}

func TestRepairExtractAndCleanup(t *testing.T) {
	f := newFixture(t)
	f.par2("exit 1")
	f.unrar()
	j := f.job(domain.PPDelete,
		file{"show.rar", append(append([]byte(nil), rarHeader...), "the payload"...)},
		file{"show.par2", []byte("PAR2 index")},
		file{"show.nfo", []byte("nfo")},
		file{"sample.txt", []byte("keep me")},
	)

	if err := f.pipeline().Process(context.Background(), j.ID); err != nil {
		t.Fatal(err)
	}
	st, errs, dest := f.state(j.ID)
	if st != domain.StateDone {
		t.Fatalf("state = %s, errors %+v", st, errs)
	}
	got := digest(t, dest)
	if len(got) != 2 {
		t.Fatalf("promoted %v", got)
	}
	data, err := os.ReadFile(filepath.Join(dest, "payload.bin"))
	if err != nil || string(data) != "the payload" {
		t.Fatalf("payload = %q, %v", data, err)
	}
	if _, err := os.Stat(filepath.Join(dest, "sample.txt")); err != nil {
		t.Fatal(err)
	}

	want := []domain.JobState{domain.StateVerifying, domain.StateExtracting, domain.StateMoving, domain.StateDone}
	seen := f.q.seen()
	if len(seen) != len(want) {
		t.Fatalf("states = %v, want %v", seen, want)
	}
	for i := range want {
		if seen[i] != want[i] {
			t.Fatalf("states = %v, want %v", seen, want)
		}
	}
}

func TestUnrepairableFailsAndKeepsSpool(t *testing.T) {
	f := newFixture(t)
	f.par2("echo 'Repair is not possible.' >&2; exit 2")
	j := f.job(domain.PPVerify, file{"a.bin", []byte("aaaa")}, file{"a.par2", []byte("par")})

	if err := f.pipeline().Process(context.Background(), j.ID); err == nil {
		t.Fatal("expected failure")
	}
	st, errs, _ := f.state(j.ID)
	if st != domain.StateFailed || !hasCode(errs, domain.CodeVerification) {
		t.Fatalf("state %s errors %+v", st, errs)
	}
	if !strings.Contains(errs[len(errs)-1].Msg, "Repair is not possible") {
		t.Fatalf("stderr not captured: %q", errs[len(errs)-1].Msg)
	}
	if _, err := os.Stat(filepath.Join(f.sp.JobDir(j.ID), "a.bin")); err != nil {
		t.Fatalf("spool not kept: %v", err)
	}
	if _, err := os.Stat(filepath.Join(f.cfg.CompleteDir(), "TV")); !os.IsNotExist(err) {
		t.Fatal("failed job was promoted")
	}
	if got := <-f.finished; got != domain.StateFailed {
		t.Fatalf("finish = %s", got)
	}
}

func TestNoParityIsAWarning(t *testing.T) {
	f := newFixture(t)
	f.par2("exit 0")
	j := f.job(domain.PPVerify, file{"a.bin", []byte("aaaa")})

	if err := f.pipeline().Process(context.Background(), j.ID); err != nil {
		t.Fatal(err)
	}
	st, errs, _ := f.state(j.ID)
	if st != domain.StateDone || !hasCode(errs, domain.CodeNoParity) {
		t.Fatalf("state %s errors %+v", st, errs)
	}
}

func TestMissingExtractorFails(t *testing.T) {
	f := newFixture(t)
	j := f.job(domain.PPExtract, file{"a.rar", append(append([]byte(nil), rarHeader...), 'x')})

	if err := f.pipeline().Process(context.Background(), j.ID); err == nil {
		t.Fatal("expected failure")
	}
	if st, errs, _ := f.state(j.ID); st != domain.StateFailed || !hasCode(errs, domain.CodeExtraction) {
		t.Fatalf("state %s errors %+v", st, errs)
	}
}

func TestStageTimeout(t *testing.T) {
	f := newFixture(t)
	f.par2("exec sleep 30")
	f.cfg.PostProcess.Timeouts.Verify = 200 * time.Millisecond
	j := f.job(domain.PPVerify, file{"a.bin", []byte("aaaa")}, file{"a.par2", []byte("par")})

	start := time.Now()
	if err := f.pipeline().Process(context.Background(), j.ID); err == nil {
		t.Fatal("expected timeout")
	}
	if time.Since(start) > 10*time.Second {
		t.Fatal("timed-out tool was not terminated")
	}
	if st, errs, _ := f.state(j.ID); st != domain.StateFailed || !hasCode(errs, domain.CodeStageTimeout) {
		t.Fatalf("state %s errors %+v", st, errs)
	}
}

func TestRerunIsIdempotent(t *testing.T) {
	f := newFixture(t)
	f.par2("exit 0")
	f.unrar()
	j := f.job(domain.PPDelete,
		file{"show.rar", append(append([]byte(nil), rarHeader...), "inner"...)},
		file{"show.par2", []byte("par")},
	)
	p := f.pipeline()

	rerun := func(dropMarkers bool) {
		t.Helper()
		if dropMarkers {
			for _, name := range []string{"finalize", "verify", "extract", "rename", "move"} {
				os.Remove(filepath.Join(f.sp.StageDir(j.ID), name))
			}
		}
		// A crash after the stages but before the final snapshot.
		_ = f.q.Update(j.ID, func(j *domain.Job) error {
			j.State = domain.StateMoving
			return nil
		})
		if err := p.Process(context.Background(), j.ID); err != nil {
			t.Fatal(err)
		}
	}

	if err := p.Process(context.Background(), j.ID); err != nil {
		t.Fatal(err)
	}
	complete := digest(t, f.cfg.CompleteDir())
	incomplete := digest(t, f.sp.JobDir(j.ID))

	rerun(false)
	if !sameDigest(complete, digest(t, f.cfg.CompleteDir())) {
		t.Fatal("complete/ changed on rerun")
	}
	if !sameDigest(incomplete, digest(t, f.sp.JobDir(j.ID))) {
		t.Fatal("incomplete/ changed on rerun")
	}

	// Without markers every stage runs again and must land the same way.
	rerun(true)
	if !sameDigest(complete, digest(t, f.cfg.CompleteDir())) {
		t.Fatalf("complete/ changed when stages re-ran: %v", digest(t, f.cfg.CompleteDir()))
	}
	again := digest(t, f.sp.JobDir(j.ID))
	rerun(true)
	if !sameDigest(again, digest(t, f.sp.JobDir(j.ID))) {
		t.Fatal("incomplete/ changed on a second full rerun")
	}
}

func TestRemovedJobStopsBetweenStages(t *testing.T) {
	f := newFixture(t)
	j := f.job(domain.PPDownload, file{"a.bin", []byte("aaaa")})
	if _, err := f.q.Remove(j.ID); err != nil {
		t.Fatal(err)
	}
	if err := f.pipeline().Process(context.Background(), j.ID); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(filepath.Join(f.cfg.CompleteDir(), "TV")); !os.IsNotExist(err) {
		t.Fatal("removed job was promoted")
	}
	select {
	case st := <-f.finished:
		t.Fatalf("finish called with %s", st)
	default:
	}
}

func TestLockExcludesSecondRunner(t *testing.T) {
	f := newFixture(t)
	j := f.job(domain.PPDownload, file{"a.bin", []byte("aaaa")})
	if err := os.MkdirAll(f.sp.StageDir(j.ID), 0o755); err != nil {
		t.Fatal(err)
	}
	release, err := tryLock(filepath.Join(f.sp.StageDir(j.ID), lockName))
	if err != nil {
		t.Fatal(err)
	}
	defer release()

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()
	if err := f.pipeline().Process(ctx, j.ID); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v", err)
	}
	if st, _, _ := f.state(j.ID); st != domain.StateVerifying {
		t.Fatalf("state = %s", st)
	}
}

func TestLockedWaitsForRunningStage(t *testing.T) {
	f := newFixture(t)
	j := f.job(domain.PPDownload, file{"a.bin", []byte("aaaa")})
	p := f.pipeline()

	release, err := p.lock(context.Background(), j.ID)
	if err != nil {
		t.Fatal(err)
	}
	ran := make(chan struct{})
	go func() {
		_ = p.Locked(context.Background(), j.ID, func() error {
			close(ran)
			return nil
		})
	}()
	select {
	case <-ran:
		t.Fatal("Locked ran while the job lock was held")
	case <-time.After(100 * time.Millisecond):
	}
	release()
	select {
	case <-ran:
	case <-time.After(2 * time.Second):
		t.Fatal("Locked did not run after release")
	}

	held, err := p.lock(context.Background(), j.ID)
	if err != nil {
		t.Fatal(err)
	}
	defer held()
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if err := p.Locked(ctx, j.ID, func() error { return nil }); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v", err)
	}
}

func TestNotifyScriptAndWebhook(t *testing.T) {
	f := newFixture(t)
	out := filepath.Join(t.TempDir(), "env")
	f.cfg.Notify.Script = f.tool("hook", `echo "$USENETD_JOB_NAME|$USENETD_STATUS|$USENETD_CATEGORY" > "`+out+`"`)

	events := make(chan Event, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var ev Event
		if err := json.NewDecoder(r.Body).Decode(&ev); err != nil {
			t.Error(err)
		}
		events <- ev
	}))
	defer srv.Close()
	f.cfg.Notify.WebhookURL = srv.URL

	j := f.job(domain.PPDownload, file{"a.bin", []byte("aaaa")})
	if err := f.pipeline().Process(context.Background(), j.ID); err != nil {
		t.Fatal(err)
	}

	data, err := os.ReadFile(out)
	if err != nil || strings.TrimSpace(string(data)) != "Show.S01E01|done|tv" {
		t.Fatalf("script env = %q, %v", data, err)
	}
	select {
	case ev := <-events:
		if ev.ID != j.ID || ev.Status != "done" || ev.Destination == "" {
			t.Fatalf("event = %+v", ev)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("webhook not called")
	}
}

func TestFailingHookDoesNotFailJob(t *testing.T) {
	f := newFixture(t)
	f.cfg.Notify.Script = f.tool("hook", "exit 1")
	j := f.job(domain.PPDownload, file{"a.bin", []byte("aaaa")})
	if err := f.pipeline().Process(context.Background(), j.ID); err != nil {
		t.Fatal(err)
	}
	if st, _, _ := f.state(j.ID); st != domain.StateDone {
		t.Fatalf("state = %s", st)
	}
}

func TestRunProcessesSubmittedJobs(t *testing.T) {
	f := newFixture(t)
	p := f.pipeline()
	a := f.job(domain.PPDownload, file{"a.bin", []byte("aaaa")})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()
	defer func() {
		cancel()
		<-done
	}()

	p.Submit(a.ID)
	p.Submit(a.ID)
	select {
	case st := <-f.finished:
		if st != domain.StateDone {
			t.Fatalf("finish = %s", st)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("job never finished")
	}
	select {
	case st := <-f.finished:
		t.Fatalf("duplicate submission processed again: %s", st)
	case <-time.After(100 * time.Millisecond):
	}
}
