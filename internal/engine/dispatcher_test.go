package engine

import (
	"bytes"
	"context"
	"fmt"
	"hash/crc32"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/datallboy/usenetd/internal/decoding"
	"github.com/datallboy/usenetd/internal/decoding/yenctest"
	"github.com/datallboy/usenetd/internal/domain"
	"github.com/datallboy/usenetd/internal/infra/config"
	"github.com/datallboy/usenetd/internal/infra/logger"
	"github.com/datallboy/usenetd/internal/nntp"
	"github.com/datallboy/usenetd/internal/nntp/nntptest"
	"github.com/datallboy/usenetd/internal/spool"
)

// posting is one yEnc-encoded file split into articles.
type posting struct {
	data   []byte
	bodies [][]byte
	file   domain.FileSpec
}

func payload(n int, seed byte) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte(i*7) ^ seed ^ byte(i>>9)
	}
	return b
}

func post(prefix, name string, data []byte, segSize int) posting {
	crc := crc32.ChecksumIEEE(data)
	n := (len(data) + segSize - 1) / segSize
	p := posting{data: data, file: domain.FileSpec{Name: name, Groups: []string{"alt.binaries.test"}}}
	for i := 0; i < n; i++ {
		begin, end := i*segSize, min((i+1)*segSize, len(data))
		p.bodies = append(p.bodies, yenctest.EncodePart(data[begin:end], name, i+1, n, int64(begin), int64(len(data)), crc))
		p.file.Segments = append(p.file.Segments, domain.SegmentSpec{
			Number:    i + 1,
			Bytes:     int64(end - begin),
			MessageID: fmt.Sprintf("%s.%d@test", prefix, i+1),
		})
	}
	return p
}

// serve publishes every article except the given segment numbers.
func (p posting) serve(srv *nntptest.Server, skip ...int) {
	for i, seg := range p.file.Segments {
		if contains(skip, seg.Number) {
			continue
		}
		srv.Add(seg.MessageID, p.bodies[i])
	}
}

func contains(list []int, v int) bool {
	for _, x := range list {
		if x == v {
			return true
		}
	}
	return false
}

func startNNTP(t *testing.T) *nntptest.Server {
	t.Helper()
	srv, err := nntptest.New()
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(srv.Close)
	return srv
}

func serverFor(id string, srv *nntptest.Server, conns, priority int, fill bool) config.ServerConfig {
	return config.ServerConfig{
		ID:            id,
		Host:          srv.Host(),
		Port:          srv.Port(),
		MaxConnection: conns,
		Priority:      priority,
		FillOnly:      fill,
		Timeout:       5 * time.Second,
		IdleTimeout:   time.Second,
	}
}

type handoff struct {
	id    uint64
	state domain.JobState
}

// recorder sits between the pools and the dispatcher and logs every
// assignment in order.
type recorder struct {
	*Dispatcher
	mu    sync.Mutex
	picks []nntp.Work
}

func (r *recorder) Next(server string) (nntp.Work, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	w, ok := r.Dispatcher.Next(server)
	if ok {
		r.picks = append(r.picks, w)
	}
	return w, ok
}

func (r *recorder) Picks() []nntp.Work {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]nntp.Work(nil), r.picks...)
}

type fixture struct {
	t        *testing.T
	q        *Queue
	sp       *spool.Spool
	d        *Dispatcher
	rec      *recorder
	m        *nntp.Manager
	handoffs chan handoff
	done     map[uint64]domain.JobState
}

func newFixture(t *testing.T, opts Options, servers ...config.ServerConfig) *fixture {
	t.Helper()
	f := prepareFixture(t, opts, servers...)
	f.start()
	return f
}

// prepareFixture wires everything without starting workers, so tests can
// seed the queue and spool first.
func prepareFixture(t *testing.T, opts Options, servers ...config.ServerConfig) *fixture {
	t.Helper()
	root := t.TempDir()
	sp, err := spool.New(filepath.Join(root, "incomplete"), filepath.Join(root, "complete"), 0)
	if err != nil {
		t.Fatal(err)
	}
	q := NewQueue()
	d := NewDispatcher(q, sp, opts, logger.Nop())
	rec := &recorder{Dispatcher: d}
	m := nntp.NewManager(servers, rec, logger.Nop())
	d.SetServers(m)

	f := &fixture{t: t, q: q, sp: sp, d: d, rec: rec, m: m, handoffs: make(chan handoff, 16), done: map[uint64]domain.JobState{}}
	d.OnHandoff(func(id uint64, state domain.JobState) { f.handoffs <- handoff{id, state} })
	return f
}

func (f *fixture) start() {
	ctx, cancel := context.WithCancel(context.Background())
	f.d.Start(ctx)
	f.d.Resume()
	f.m.Start(ctx)
	f.t.Cleanup(func() {
		f.m.Close()
		f.d.Close()
		cancel()
		f.sp.Writer.CloseAll()
	})
}

func (f *fixture) add(spec domain.JobSpec) *domain.Job {
	f.t.Helper()
	j := spec.Build(f.q.ReserveID(), domain.PPDownload, 100, time.Now())
	if err := f.sp.Allocate(j.ID, j.SizeEstimate); err != nil {
		f.t.Fatal(err)
	}
	f.q.Add(j)
	return j
}

func (f *fixture) wait(id uint64) domain.JobState {
	f.t.Helper()
	deadline := time.After(30 * time.Second)
	for {
		if st, ok := f.done[id]; ok {
			return st
		}
		select {
		case h := <-f.handoffs:
			f.done[h.id] = h.state
		case <-deadline:
			f.t.Fatalf("job %d never left the download phase", id)
		}
	}
}

// inspect runs fn on job id under the queue lock.
func (f *fixture) inspect(id uint64, fn func(j *domain.Job)) {
	f.q.mu.Lock()
	defer f.q.mu.Unlock()
	j, ok := f.q.byID[id]
	if !ok {
		f.t.Fatalf("job %d not in queue", id)
	}
	fn(j)
}

func (f *fixture) blob(id uint64, index int) []byte {
	f.t.Helper()
	data, err := os.ReadFile(f.sp.BlobPath(id, index))
	if err != nil {
		f.t.Fatal(err)
	}
	return data
}

func TestStrictPriorityAcrossJobs(t *testing.T) {
	segSize := 700 << 10
	if testing.Short() {
		segSize = 7 << 10
	}
	srv := startNNTP(t)
	f := newFixture(t, Options{}, serverFor("primary", srv, 4, 0, false))

	p1 := post("j1", "one.bin", payload(100*segSize, 1), segSize)
	p2 := post("j2", "two.bin", payload(100*segSize, 2), segSize)
	p1.serve(srv)
	p2.serve(srv)

	// Queue the low priority job first so order is decided by priority.
	j2 := f.add(domain.JobSpec{Name: "J2", Priority: domain.PriorityNormal, Files: []domain.FileSpec{p2.file}})
	j1 := f.add(domain.JobSpec{Name: "J1", Priority: domain.PriorityHigh, Files: []domain.FileSpec{p1.file}})

	if st := f.wait(j1.ID); st != domain.StateVerifying {
		t.Fatalf("J1 state = %s", st)
	}
	if st := f.wait(j2.ID); st != domain.StateVerifying {
		t.Fatalf("J2 state = %s", st)
	}

	picks := f.rec.Picks()
	seen := map[string]bool{}
	lastJ1, firstJ2 := -1, len(picks)
	for i, w := range picks {
		key := fmt.Sprintf("%d/%d/%d", w.JobID, w.File, w.Index)
		if seen[key] {
			t.Fatalf("article %s assigned twice", key)
		}
		seen[key] = true
		if w.JobID == j1.ID {
			lastJ1 = i
		} else if i < firstJ2 {
			firstJ2 = i
		}
	}
	if lastJ1 > firstJ2 {
		t.Fatalf("J2 article dispatched at %d before last J1 article at %d", firstJ2, lastJ1)
	}

	f.inspect(j1.ID, func(j *domain.Job) {
		if want := uint64(100 * segSize); j.Counters.BytesOnDisk != want {
			t.Fatalf("bytesOnDisk(J1) = %d, want %d", j.Counters.BytesOnDisk, want)
		}
		file := j.Files[0]
		if !file.Covered() {
			t.Fatalf("J1 ranges %v do not cover %d bytes", file.Ranges(), file.ExpectedSize)
		}
		ranges := file.Ranges()
		for i := 1; i < len(ranges); i++ {
			if ranges[i].Begin < ranges[i-1].End {
				t.Fatalf("ranges overlap: %v %v", ranges[i-1], ranges[i])
			}
		}
	})
	if !bytes.Equal(f.blob(j1.ID, 0), p1.data) {
		t.Fatal("J1 blob differs from the posted file")
	}
}

func TestMissingArticlesPromoteToFillServer(t *testing.T) {
	primary, fill := startNNTP(t), startNNTP(t)
	f := newFixture(t, Options{},
		serverFor("primary", primary, 4, 0, false),
		serverFor("fill", fill, 2, 0, true))

	p := post("s2", "file.bin", payload(10*4096, 3), 4096)
	p.serve(primary, 3, 7)
	p.serve(fill)

	j := f.add(domain.JobSpec{Name: "S2", Files: []domain.FileSpec{p.file}})
	if st := f.wait(j.ID); st != domain.StateVerifying {
		t.Fatalf("state = %s", st)
	}

	f.inspect(j.ID, func(j *domain.Job) {
		for _, seg := range []int{3, 7} {
			a := j.Files[0].Articles[seg-1]
			if a.Status != domain.ArticleDecoded {
				t.Fatalf("article %d status %s", seg, a.Status)
			}
			if len(a.Log) != 2 || a.Log[0].Server != "primary" || a.Log[0].Outcome != domain.OutcomeNotFound ||
				a.Log[1].Server != "fill" || a.Log[1].Outcome != domain.OutcomeOK {
				t.Fatalf("article %d attempt log = %+v", seg, a.Log)
			}
		}
		if j.Counters.ArticlesDecoded != 10 {
			t.Fatalf("decoded = %d", j.Counters.ArticlesDecoded)
		}
	})
	if total := primary.TotalRequests() + fill.TotalRequests(); total != 12 {
		t.Fatalf("requests = %d (primary %d, fill %d), want 12", total, primary.TotalRequests(), fill.TotalRequests())
	}
	if !bytes.Equal(f.blob(j.ID, 0), p.data) {
		t.Fatal("blob differs from the posted file")
	}
}

func TestCRCMismatchRetriesOnNextServer(t *testing.T) {
	a, b := startNNTP(t), startNNTP(t)
	f := newFixture(t, Options{StrictCRC: true},
		serverFor("a", a, 2, 0, false),
		serverFor("b", b, 2, 1, false))

	p := post("s3", "file.bin", payload(8*2048, 4), 2048)
	p.serve(a)
	p.serve(b)

	// Article 5 on server a carries flipped data under the original checksum.
	seg := p.file.Segments[4]
	begin := 4 * 2048
	good := p.data[begin : begin+2048]
	bad := append([]byte(nil), good...)
	bad[100] ^= 0xFF
	body := yenctest.EncodePart(bad, "file.bin", 5, 8, int64(begin), int64(len(p.data)), crc32.ChecksumIEEE(p.data))
	body = bytes.Replace(body,
		[]byte(fmt.Sprintf("pcrc32=%08X", crc32.ChecksumIEEE(bad))),
		[]byte(fmt.Sprintf("pcrc32=%08X", crc32.ChecksumIEEE(good))), 1)
	a.Add(seg.MessageID, body)

	j := f.add(domain.JobSpec{Name: "S3", Files: []domain.FileSpec{p.file}})
	if st := f.wait(j.ID); st != domain.StateVerifying {
		t.Fatalf("state = %s", st)
	}
	f.inspect(j.ID, func(j *domain.Job) {
		art := j.Files[0].Articles[4]
		if art.Status != domain.ArticleDecoded {
			t.Fatalf("article 5 status = %s", art.Status)
		}
		if art.Log[0].Server != "a" || art.Log[0].Outcome != domain.OutcomeCRC {
			t.Fatalf("attempt log = %+v", art.Log)
		}
	})
	if b.Requests(seg.MessageID) != 1 || b.TotalRequests() != 1 {
		t.Fatalf("server b requests = %d", b.TotalRequests())
	}
	if !bytes.Equal(f.blob(j.ID, 0), p.data) {
		t.Fatal("blob corrupted")
	}
}

func TestOverlappingPartRejected(t *testing.T) {
	primary, fill := startNNTP(t), startNNTP(t)
	f := newFixture(t, Options{Decoders: 1},
		serverFor("primary", primary, 1, 0, false),
		serverFor("fill", fill, 1, 0, true))

	p := post("s6", "file.bin", payload(2*1024, 5), 1024)
	// The primary answers article 2 with the body of article 1.
	primary.Add(p.file.Segments[0].MessageID, p.bodies[0])
	primary.Add(p.file.Segments[1].MessageID, p.bodies[0])
	p.serve(fill)

	j := f.add(domain.JobSpec{Name: "S6", Files: []domain.FileSpec{p.file}})
	if st := f.wait(j.ID); st != domain.StateVerifying {
		t.Fatalf("state = %s", st)
	}
	f.inspect(j.ID, func(j *domain.Job) {
		second := j.Files[0].Articles[1]
		if second.Log[0].Outcome != domain.OutcomeBadFrame {
			t.Fatalf("attempt log = %+v", second.Log)
		}
		if second.Status != domain.ArticleDecoded || j.Files[0].Articles[0].Status != domain.ArticleDecoded {
			t.Fatal("articles not decoded")
		}
	})
	if !bytes.Equal(f.blob(j.ID, 0), p.data) {
		t.Fatal("blob corrupted")
	}
}

func TestArticleMissingEverywhereFailsJob(t *testing.T) {
	srv := startNNTP(t)
	f := newFixture(t, Options{}, serverFor("primary", srv, 2, 0, false))

	p := post("gone", "file.bin", payload(4*512, 6), 512)
	p.serve(srv, 2)

	j := f.add(domain.JobSpec{Name: "gone", Files: []domain.FileSpec{p.file}})
	if st := f.wait(j.ID); st != domain.StateFailed {
		t.Fatalf("state = %s", st)
	}
	f.inspect(j.ID, func(j *domain.Job) {
		if j.Files[0].Articles[1].Status != domain.ArticleMissing || j.Counters.ArticlesMissing != 1 {
			t.Fatalf("article 2 = %s, missing = %d", j.Files[0].Articles[1].Status, j.Counters.ArticlesMissing)
		}
		if len(j.Errors) == 0 || j.Errors[0].Kind != domain.KindArticleMissing {
			t.Fatalf("errors = %+v", j.Errors)
		}
	})
}

func TestCompletenessThresholdAllowsGaps(t *testing.T) {
	srv := startNNTP(t)
	f := newFixture(t, Options{}, serverFor("primary", srv, 2, 0, false))

	p := post("gap", "file.bin", payload(4*512, 7), 512)
	p.serve(srv, 4)

	j := f.add(domain.JobSpec{Name: "gap", RequiredCompleteness: 75, Files: []domain.FileSpec{p.file}})
	if st := f.wait(j.ID); st != domain.StateVerifying {
		t.Fatalf("state = %s", st)
	}
}

func TestDownServerSkippedAfterTierWait(t *testing.T) {
	down, fill := startNNTP(t), startNNTP(t)
	cfg := serverFor("primary", down, 2, 0, false)
	down.Close()

	f := newFixture(t, Options{TierWait: 200 * time.Millisecond},
		cfg, serverFor("fill", fill, 2, 0, true))

	p := post("wait", "file.bin", payload(3*512, 8), 512)
	p.serve(fill)

	j := f.add(domain.JobSpec{Name: "wait", Files: []domain.FileSpec{p.file}})
	if st := f.wait(j.ID); st != domain.StateVerifying {
		t.Fatalf("state = %s", st)
	}
	if fill.TotalRequests() != 3 {
		t.Fatalf("fill requests = %d", fill.TotalRequests())
	}
}

func TestUnsupportedEncodingFailsJob(t *testing.T) {
	srv := startNNTP(t)
	f := newFixture(t, Options{}, serverFor("primary", srv, 1, 0, false))

	spec := domain.JobSpec{Name: "uu", Files: []domain.FileSpec{{
		Name:     "file.bin",
		Segments: []domain.SegmentSpec{{Number: 1, Bytes: 10, MessageID: "uu.1@test"}},
	}}}
	srv.Add("uu.1@test", []byte("begin 644 file.bin\r\nM86)C\r\nend\r\n"))

	j := f.add(spec)
	if st := f.wait(j.ID); st != domain.StateFailed {
		t.Fatalf("state = %s", st)
	}
	f.inspect(j.ID, func(j *domain.Job) {
		last := j.Errors[len(j.Errors)-1]
		if last.Code != domain.CodeUnsupported || !j.Files[0].Unsupported {
			t.Fatalf("errors = %+v", j.Errors)
		}
	})
}

func TestPausedJobIsSkipped(t *testing.T) {
	srv := startNNTP(t)
	f := newFixture(t, Options{}, serverFor("primary", srv, 2, 0, false))

	p := post("paused", "file.bin", payload(2*512, 9), 512)
	p.serve(srv)
	j := f.add(domain.JobSpec{Name: "paused", Priority: domain.PriorityPaused, Files: []domain.FileSpec{p.file}})

	time.Sleep(200 * time.Millisecond)
	if srv.TotalRequests() != 0 {
		t.Fatalf("paused job fetched %d articles", srv.TotalRequests())
	}
	if err := f.q.SetPaused(j.ID, false); err != nil {
		t.Fatal(err)
	}
	if st := f.wait(j.ID); st != domain.StateVerifying {
		t.Fatalf("state = %s", st)
	}
}

func TestBuildTiers(t *testing.T) {
	servers := []config.ServerConfig{
		{ID: "a", Priority: 0},
		{ID: "b", Priority: 5},
		{ID: "c", Priority: 0},
		{ID: "f", Priority: 1, FillOnly: true},
	}
	tiers, tierOf := buildTiers(servers, false)
	if len(tiers) != 3 || tierOf["a"] != 0 || tierOf["c"] != 0 || tierOf["b"] != 1 || tierOf["f"] != 2 {
		t.Fatalf("tiers = %v", tiers)
	}
	tiers, tierOf = buildTiers(servers, true)
	if len(tiers) != 3 || tierOf["f"] != 1 || tierOf["b"] != 2 {
		t.Fatalf("interleaved tiers = %v", tiers)
	}
}

func TestThrottleUnlimitedAndLimited(t *testing.T) {
	d := NewDispatcher(NewQueue(), nil, Options{}, logger.Nop())
	if err := d.Throttle(context.Background(), 10<<20); err != nil {
		t.Fatal(err)
	}

	d.SetBandwidth(1 << 20)
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	// The bucket starts full, so one burst passes and the next waits.
	if err := d.Throttle(ctx, 1<<20); err != nil {
		t.Fatalf("first burst: %v", err)
	}
	if err := d.Throttle(ctx, 1<<20); err == nil {
		t.Fatal("second burst passed within 100ms at 1 MiB/s")
	}
}

func TestReportIgnoresCancelledJob(t *testing.T) {
	q := NewQueue()
	d := NewDispatcher(q, nil, Options{}, logger.Nop())
	d.SetServers(staticServers{{ID: "s"}})

	p := post("x", "file.bin", payload(512, 1), 512)
	spec := domain.JobSpec{Name: "x", Files: []domain.FileSpec{p.file}}
	j := spec.Build(q.ReserveID(), domain.PPDownload, 100, time.Now())
	q.Add(j)

	w, ok := d.Next("s")
	if !ok {
		t.Fatal("no work")
	}
	if _, err := q.Remove(j.ID); err != nil {
		t.Fatal(err)
	}
	d.Report(nntp.Result{Work: w, Server: "s", Outcome: domain.OutcomeOK, Body: p.bodies[0]})
	if j.State != domain.StateCancelled || j.Paused {
		t.Fatalf("state = %s paused = %v", j.State, j.Paused)
	}
}

func TestMismatchedReportPausesJob(t *testing.T) {
	q := NewQueue()
	d := NewDispatcher(q, nil, Options{}, logger.Nop())
	d.SetServers(staticServers{{ID: "s"}, {ID: "t"}})

	p := post("y", "file.bin", payload(512, 1), 512)
	spec := domain.JobSpec{Name: "y", Files: []domain.FileSpec{p.file}}
	j := spec.Build(q.ReserveID(), domain.PPDownload, 100, time.Now())
	q.Add(j)

	w, _ := d.Next("s")
	d.Report(nntp.Result{Work: w, Server: "t", Outcome: domain.OutcomeOK})
	if !j.Paused || len(j.Errors) != 1 || j.Errors[0].Kind != domain.KindInternal {
		t.Fatalf("paused = %v errors = %+v", j.Paused, j.Errors)
	}
	if _, again := d.Next("t"); again {
		t.Fatal("paused job still dispatching")
	}
}

func TestTransientRetriesThenGivesUp(t *testing.T) {
	q := NewQueue()
	d := NewDispatcher(q, nil, Options{}, logger.Nop())
	d.SetServers(staticServers{{ID: "s"}})

	p := post("z", "file.bin", payload(512, 1), 512)
	spec := domain.JobSpec{Name: "z", Files: []domain.FileSpec{p.file}}
	j := spec.Build(q.ReserveID(), domain.PPDownload, 100, time.Now())
	q.Add(j)

	for i := 0; i < transientLimit; i++ {
		w, ok := d.Next("s")
		if !ok {
			t.Fatalf("attempt %d: no work", i+1)
		}
		if n := d.Pending("s", 10); n != 0 {
			t.Fatalf("assigned article still pending: %d", n)
		}
		d.Report(nntp.Result{Work: w, Server: "s", Outcome: domain.OutcomeTransient})
	}
	a := j.Files[0].Articles[0]
	if a.Status != domain.ArticleFailed || j.State != domain.StateFailed {
		t.Fatalf("article %s job %s", a.Status, j.State)
	}
	if !strings.Contains(j.Errors[0].Msg, "required") {
		t.Fatalf("errors = %+v", j.Errors)
	}
}

// staticServers reports every server as available.
type staticServers []config.ServerConfig

func (s staticServers) Servers() []config.ServerConfig  { return s }
func (staticServers) Available(string) (bool, time.Time) { return true, time.Time{} }

func TestWholeFileCRCMismatchRecorded(t *testing.T) {
	srv := startNNTP(t)
	f := newFixture(t, Options{}, serverFor("primary", srv, 2, 0, false))

	const segSize = 1024
	p := post("crc", "file.bin", payload(4*segSize, 9), segSize)
	// Every part passes its own crc; the whole-file crc on the last one is wrong.
	last := len(p.bodies) - 1
	begin := int64(last * segSize)
	p.bodies[last] = yenctest.EncodePart(p.data[begin:], "file.bin", last+1, len(p.bodies),
		begin, int64(len(p.data)), crc32.ChecksumIEEE(p.data)^0xFFFFFFFF)
	p.serve(srv)

	j := f.add(domain.JobSpec{Name: "crc", Files: []domain.FileSpec{p.file}})
	if st := f.wait(j.ID); st != domain.StateVerifying {
		t.Fatalf("state = %s", st)
	}
	f.inspect(j.ID, func(j *domain.Job) {
		var n int
		for _, e := range j.Errors {
			if e.Code == domain.CodeCRCMismatch && strings.Contains(e.Msg, "file crc") {
				n++
			}
		}
		if n != 1 {
			t.Fatalf("whole-file crc errors = %d, errors %+v", n, j.Errors)
		}
	})
}

// decodedTasks assigns every article of p to server s, reports it
// fetched and returns the queued decode tasks by message-id.
func decodedTasks(t *testing.T, d *Dispatcher, p posting) map[string]decodeTask {
	t.Helper()
	for range p.bodies {
		w, ok := d.Next("s")
		if !ok {
			t.Fatal("no work")
		}
		for i, seg := range p.file.Segments {
			if seg.MessageID == w.MessageID {
				d.Report(nntp.Result{Work: w, Server: "s", Outcome: domain.OutcomeOK, Body: p.bodies[i]})
			}
		}
	}
	tasks := make(map[string]decodeTask, len(p.bodies))
	for range p.bodies {
		task := <-d.decodeC
		tasks[task.MessageID] = task
	}
	return tasks
}

func TestVerifyWaitsForInFlightWrites(t *testing.T) {
	root := t.TempDir()
	sp, err := spool.New(filepath.Join(root, "incomplete"), filepath.Join(root, "complete"), 0)
	if err != nil {
		t.Fatal(err)
	}
	q := NewQueue()
	d := NewDispatcher(q, sp, Options{Decoders: 1}, logger.Nop())
	d.SetServers(staticServers{{ID: "s"}})
	t.Cleanup(sp.Writer.CloseAll)

	p := post("race", "f.bin", payload(2*512, 4), 512)
	spec := domain.JobSpec{Name: "race", Files: []domain.FileSpec{p.file}}
	j := spec.Build(q.ReserveID(), domain.PPDownload, 100, time.Now())
	if err := sp.Allocate(j.ID, j.SizeEstimate); err != nil {
		t.Fatal(err)
	}
	q.Add(j)
	tasks := decodedTasks(t, d, p)
	first, second := tasks[p.file.Segments[0].MessageID], tasks[p.file.Segments[1].MessageID]

	// Part 1 has claimed its range but its write has not landed yet.
	part, err := decoding.Decoder{StrictCRC: true}.Decode(first.Body)
	if err != nil {
		t.Fatal(err)
	}
	d.lock()
	err = d.placeLocked(j.Files[0], part)
	d.unlock()
	if err != nil {
		t.Fatal(err)
	}

	d.decode(second)
	if len(j.Errors) != 0 {
		t.Fatalf("errors while a write was in flight: %+v", j.Errors)
	}
	if j.State != domain.StateQueued && j.State != domain.StateFetching {
		t.Fatalf("state = %s before every part was written", j.State)
	}

	d.lock()
	j.Files[0].Unclaim(domain.Range{Begin: part.Begin, End: part.End})
	d.unlock()
	d.decode(first)
	if len(j.Errors) != 0 {
		t.Fatalf("errors = %+v", j.Errors)
	}
	if j.State != domain.StateVerifying || !j.Files[0].Written() {
		t.Fatalf("state = %s written = %v", j.State, j.Files[0].Written())
	}
}

func TestFailedWriteReturnsArticle(t *testing.T) {
	root := t.TempDir()
	sp, err := spool.New(filepath.Join(root, "incomplete"), filepath.Join(root, "complete"), 0)
	if err != nil {
		t.Fatal(err)
	}
	q := NewQueue()
	d := NewDispatcher(q, sp, Options{Decoders: 1}, logger.Nop())
	d.SetServers(staticServers{{ID: "s"}})
	t.Cleanup(sp.Writer.CloseAll)

	p := post("w", "file.bin", payload(512, 3), 512)
	spec := domain.JobSpec{Name: "w", Files: []domain.FileSpec{p.file}}
	j := spec.Build(q.ReserveID(), domain.PPDownload, 100, time.Now())
	// No Allocate: the job directory is missing, so the blob cannot open.
	q.Add(j)

	for _, task := range decodedTasks(t, d, p) {
		d.decode(task)
	}
	a := j.Files[0].Articles[0]
	if a.Status != domain.ArticlePending {
		t.Fatalf("article %s", a.Status)
	}
	if c := j.Counters; c.ArticlesFetched != 0 || c.ArticlesDecoded != 0 || c.BytesOnDisk != 0 {
		t.Fatalf("counters = %+v", c)
	}
	if len(j.Files[0].Ranges()) != 0 {
		t.Fatalf("claims left = %v", j.Files[0].Ranges())
	}
	if !j.Paused || len(j.Errors) != 1 || j.Errors[0].Kind != domain.KindInternal {
		t.Fatalf("paused = %v errors = %+v", j.Paused, j.Errors)
	}
}
