package engine

import (
	"context"
	"fmt"
	"hash/crc32"
	"io"
	"runtime"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/datallboy/usenetd/internal/decoding"
	"github.com/datallboy/usenetd/internal/domain"
	"github.com/datallboy/usenetd/internal/infra/config"
	"github.com/datallboy/usenetd/internal/infra/logger"
	"github.com/datallboy/usenetd/internal/metrics"
	"github.com/datallboy/usenetd/internal/nntp"
	"github.com/datallboy/usenetd/internal/spool"
)

// transientLimit is how many transient failures on one server count as
// that server having tried the article.
const transientLimit = 3

// Servers is the dispatcher's view of the server pools.
type Servers interface {
	Servers() []config.ServerConfig
	Available(id string) (ok bool, since time.Time)
}

// Options tune the dispatcher.
type Options struct {
	StrictCRC         bool
	FillInterleave    bool
	TierWait          time.Duration
	Bandwidth         int64
	Decoders          int
	DiskCheckInterval time.Duration
}

// OptionsFrom maps the download section of the config.
func OptionsFrom(c config.DownloadConfig) Options {
	return Options{
		StrictCRC:         c.StrictCRC,
		FillInterleave:    c.FillInterleave,
		TierWait:          c.TierWait,
		Bandwidth:         c.BandwidthBytes,
		Decoders:          c.Decoders,
		DiskCheckInterval: c.DiskCheckInterval,
	}
}

// Handoff is called, outside the queue lock, when a job leaves the
// download phase: state is verifying or failed.
type Handoff func(jobID uint64, state domain.JobState)

type decodeTask struct {
	nntp.Result
}

// Dispatcher picks articles for server workers and reassembles fetched
// bodies into spool blobs. It implements nntp.Source. Every method that
// touches jobs runs under the queue lock.
type Dispatcher struct {
	q     *Queue
	spool *spool.Spool
	log   *logger.Logger

	// Guarded by q.mu.
	opts      Options
	servers   Servers
	tiers     [][]string
	tierOf    map[string]int
	order     []*domain.Job
	cursor    map[uint64]int
	stopped   bool
	deferred  []func()
	diskLow   bool
	diskAt    time.Time
	onHandoff Handoff

	limiter atomic.Pointer[rate.Limiter]
	strict  atomic.Bool
	decodeC chan decodeTask
	decodeG errgroup.Group

	now      func() time.Time
	stopOnce sync.Once
	cancel   context.CancelFunc
	sweepWG  sync.WaitGroup
}

func NewDispatcher(q *Queue, sp *spool.Spool, opts Options, log *logger.Logger) *Dispatcher {
	if opts.Decoders <= 0 {
		opts.Decoders = runtime.NumCPU()
	}
	if opts.TierWait <= 0 {
		opts.TierWait = 5 * time.Minute
	}
	if opts.DiskCheckInterval <= 0 {
		opts.DiskCheckInterval = 5 * time.Second
	}
	d := &Dispatcher{
		q:       q,
		spool:   sp,
		log:     log,
		opts:    opts,
		tierOf:  make(map[string]int),
		cursor:  make(map[uint64]int),
		decodeC: make(chan decodeTask, opts.Decoders*4),
		now:     time.Now,
	}
	d.strict.Store(opts.StrictCRC)
	d.SetBandwidth(opts.Bandwidth)
	return d
}

func (d *Dispatcher) lock() { d.q.mu.Lock() }

// unlock releases the queue lock and runs callbacks queued while it was held.
func (d *Dispatcher) unlock() {
	fns := d.deferred
	d.deferred = nil
	d.q.mu.Unlock()
	for _, fn := range fns {
		fn()
	}
}

func (d *Dispatcher) later(fn func()) { d.deferred = append(d.deferred, fn) }

// OnHandoff registers the post-download callback.
func (d *Dispatcher) OnHandoff(fn Handoff) {
	d.lock()
	d.onHandoff = fn
	d.unlock()
}

// SetServers attaches the pools and computes tiers.
func (d *Dispatcher) SetServers(s Servers) {
	d.lock()
	d.servers = s
	d.unlock()
	d.RefreshTiers()
}

// SetBandwidth sets the global rate in bytes per second; 0 is unlimited.
func (d *Dispatcher) SetBandwidth(bps int64) {
	if bps <= 0 {
		d.limiter.Store(nil)
		return
	}
	d.limiter.Store(rate.NewLimiter(rate.Limit(bps), int(max(bps, 1<<20))))
}

// SetOptions applies reloadable options.
func (d *Dispatcher) SetOptions(opts Options) {
	d.SetBandwidth(opts.Bandwidth)
	d.lock()
	if opts.Decoders <= 0 {
		opts.Decoders = d.opts.Decoders
	}
	if opts.TierWait <= 0 {
		opts.TierWait = d.opts.TierWait
	}
	if opts.DiskCheckInterval <= 0 {
		opts.DiskCheckInterval = d.opts.DiskCheckInterval
	}
	d.opts = opts
	d.strict.Store(opts.StrictCRC)
	d.unlock()
	d.RefreshTiers()
}

// RefreshTiers regroups servers after a config change and re-places
// pending articles on their first open tier.
func (d *Dispatcher) RefreshTiers() {
	d.lock()
	defer d.unlock()
	if d.servers == nil {
		return
	}
	d.tiers, d.tierOf = buildTiers(d.servers.Servers(), d.opts.FillInterleave)
	for _, j := range d.q.jobs {
		if !j.Eligible() {
			continue
		}
		for _, f := range j.Files {
			for _, a := range f.Articles {
				if a.Status == domain.ArticlePending {
					a.Tier = 0
					d.advanceLocked(j, a)
				}
			}
		}
		d.checkDoneLocked(j)
	}
	d.q.touchLocked(false)
}

// buildTiers groups servers by priority, lower first. Fill servers form
// one last tier unless interleave is set.
func buildTiers(servers []config.ServerConfig, interleave bool) ([][]string, map[string]int) {
	var prios []int
	seen := map[int]bool{}
	sawFill := false
	for _, s := range servers {
		if s.FillOnly && !interleave {
			sawFill = true
			continue
		}
		if !seen[s.Priority] {
			seen[s.Priority] = true
			prios = append(prios, s.Priority)
		}
	}
	sort.Ints(prios)
	rank := make(map[int]int, len(prios))
	for i, p := range prios {
		rank[p] = i
	}
	n, fillTier := len(prios), len(prios)
	if sawFill {
		n++
	}

	tiers := make([][]string, n)
	tierOf := make(map[string]int, len(servers))
	for _, s := range servers {
		t := rank[s.Priority]
		if s.FillOnly && !interleave {
			t = fillTier
		}
		tiers[t] = append(tiers[t], s.ID)
		tierOf[s.ID] = t
	}
	return tiers, tierOf
}

// Tiers returns the current server grouping.
func (d *Dispatcher) Tiers() [][]string {
	d.lock()
	defer d.unlock()
	out := make([][]string, len(d.tiers))
	for i, t := range d.tiers {
		out[i] = append([]string(nil), t...)
	}
	return out
}

// Changed implements nntp.Source.
func (d *Dispatcher) Changed() <-chan struct{} { return d.q.Changed() }

// Throttle implements nntp.Source with the global token bucket.
func (d *Dispatcher) Throttle(ctx context.Context, n int64) error {
	lim := d.limiter.Load()
	if lim == nil {
		return ctx.Err()
	}
	for n > 0 {
		step := min(n, int64(lim.Burst()))
		if err := lim.WaitN(ctx, int(step)); err != nil {
			return err
		}
		n -= step
	}
	return nil
}

// diskOKLocked reports whether the spool is above its free-space floor,
// checking the filesystem at most once per DiskCheckInterval.
func (d *Dispatcher) diskOKLocked() bool {
	if d.spool == nil {
		return true
	}
	now := d.now()
	if now.Sub(d.diskAt) >= d.opts.DiskCheckInterval {
		d.diskAt = now
		low, err := d.spool.BelowFloor()
		if err != nil {
			d.log.Warn("Free space check failed: %v", err)
			low = false
		}
		if low && !d.diskLow {
			d.log.Warn("Free space below floor, dispatch paused")
		} else if !low && d.diskLow {
			d.log.Info("Free space recovered, dispatch resumed")
		}
		d.diskLow = low
	}
	return !d.diskLow
}

// eligibleLocked lists pickable jobs by priority, then queue position.
func (d *Dispatcher) eligibleLocked() []*domain.Job {
	out := d.order[:0]
	for _, j := range d.q.jobs {
		if j.Eligible() {
			out = append(out, j)
		}
	}
	sort.SliceStable(out, func(a, b int) bool { return out[a].Priority < out[b].Priority })
	d.order = out
	return out
}

func pickable(a *domain.Article, server string, tier int) bool {
	if a.Status != domain.ArticlePending || a.Tier != tier {
		return false
	}
	_, tried := a.Tried[server]
	return !tried
}

// scan calls fn for each unsettled article of j in file and segment
// order until fn returns false. Settled prefixes are skipped.
func (d *Dispatcher) scanLocked(j *domain.Job, fn func(fi, ai int, a *domain.Article) bool) {
	start := d.cursor[j.ID]
	flat := 0
	moved := true
	for fi, f := range j.Files {
		if flat+len(f.Articles) <= start {
			flat += len(f.Articles)
			continue
		}
		for ai, a := range f.Articles {
			if flat < start {
				flat++
				continue
			}
			if a.Status.Settled() {
				if moved {
					d.cursor[j.ID] = flat + 1
				}
				flat++
				continue
			}
			moved = false
			flat++
			if !fn(fi, ai, a) {
				return
			}
		}
	}
}

// Pending implements nntp.Source.
func (d *Dispatcher) Pending(serverID string, limit int) int {
	d.lock()
	defer d.unlock()
	tier, ok := d.tierOf[serverID]
	if !ok || d.stopped || !d.diskOKLocked() {
		return 0
	}
	n := 0
	for _, j := range d.eligibleLocked() {
		d.scanLocked(j, func(_, _ int, a *domain.Article) bool {
			if pickable(a, serverID, tier) {
				n++
			}
			return n < limit
		})
		if n >= limit {
			break
		}
	}
	return n
}

// Next implements nntp.Source: it assigns the lowest pending article of
// the first eligible job that has one for serverID's tier.
func (d *Dispatcher) Next(serverID string) (nntp.Work, bool) {
	d.lock()
	defer d.unlock()
	tier, ok := d.tierOf[serverID]
	if !ok || d.stopped || !d.diskOKLocked() {
		return nntp.Work{}, false
	}
	for _, j := range d.eligibleLocked() {
		var w nntp.Work
		found := false
		d.scanLocked(j, func(fi, ai int, a *domain.Article) bool {
			if !pickable(a, serverID, tier) {
				return true
			}
			a.Status = domain.ArticleAssigned
			a.AssignedTo = serverID
			a.Attempts++
			w = nntp.Work{
				JobID:     j.ID,
				File:      fi,
				Index:     ai,
				MessageID: a.MessageID,
				Groups:    j.Files[fi].Groups,
				Size:      a.Length,
			}
			found = true
			return false
		})
		if !found {
			continue
		}
		if j.State == domain.StateQueued {
			if err := j.Transition(domain.StateFetching); err == nil {
				d.log.Info("Job %d (%s): downloading", j.ID, j.Name)
			}
		}
		d.q.dirty = true
		return w, true
	}
	return nntp.Work{}, false
}

// lookupLocked resolves a worker result to its live job and article.
func (d *Dispatcher) lookupLocked(w nntp.Work) (*domain.Job, *domain.Article) {
	j, ok := d.q.byID[w.JobID]
	if !ok || j.State.Terminal() {
		return nil, nil
	}
	return j, j.Article(w.File, w.Index)
}

// Report implements nntp.Source.
func (d *Dispatcher) Report(res nntp.Result) {
	d.lock()
	j, a := d.lookupLocked(res.Work)
	if j == nil {
		d.unlock()
		return
	}
	if a == nil || a.Status != domain.ArticleAssigned || a.AssignedTo != res.Server {
		d.internalLocked(j, fmt.Errorf("result for %s from %s does not match assignment (%v to %q)",
			res.MessageID, res.Server, statusOf(a), assignedOf(a)))
		d.unlock()
		return
	}
	a.Log = append(a.Log, domain.Attempt{Server: res.Server, Outcome: res.Outcome, At: d.now()})
	a.AssignedTo = ""

	var queued bool
	switch res.Outcome {
	case domain.OutcomeOK:
		a.Status = domain.ArticleFetched
		j.Counters.ArticlesFetched++
		queued = true
	case domain.OutcomeNotFound:
		d.log.Debug("Job %d: %s not on %s", j.ID, res.MessageID, res.Server)
		a.Status = domain.ArticlePending
		a.MarkTried(res.Server, domain.OutcomeNotFound)
		d.advanceLocked(j, a)
	case domain.OutcomeTransient:
		a.Status = domain.ArticlePending
		if a.Transient == nil {
			a.Transient = make(map[string]int)
		}
		a.Transient[res.Server]++
		if a.Transient[res.Server] >= transientLimit {
			a.MarkTried(res.Server, domain.OutcomeTransient)
			d.advanceLocked(j, a)
		}
	default:
		// auth-fail and aborted leave the article for another worker.
		a.Status = domain.ArticlePending
	}
	d.checkDoneLocked(j)
	d.q.touchLocked(false)
	d.unlock()

	if queued {
		d.enqueue(decodeTask{Result: res})
	}
}

func statusOf(a *domain.Article) any {
	if a == nil {
		return "no such article"
	}
	return a.Status
}

func assignedOf(a *domain.Article) string {
	if a == nil {
		return ""
	}
	return a.AssignedTo
}

// internalLocked records an invariant violation and pauses the job.
func (d *Dispatcher) internalLocked(j *domain.Job, err error) {
	e := domain.Wrap(domain.KindInternal, domain.CodeAssignment, err)
	d.log.Error("Job %d: %v", j.ID, e)
	j.AddError(e)
	j.Paused = true
	d.q.touchLocked(true)
}

// advanceLocked moves a to its first tier with a server still worth
// asking. With none left it settles as missing, or failed when some
// server gave up for another reason.
func (d *Dispatcher) advanceLocked(j *domain.Job, a *domain.Article) {
	if len(d.tiers) == 0 {
		return
	}
	for t := a.Tier; t < len(d.tiers); t++ {
		if d.tierOpenLocked(t, a) {
			a.Tier = t
			return
		}
	}
	a.Tier = len(d.tiers)
	allMissing := len(a.Tried) > 0
	for _, o := range a.Tried {
		if o != domain.OutcomeNotFound {
			allMissing = false
		}
	}
	if allMissing {
		a.Status = domain.ArticleMissing
		j.Counters.ArticlesMissing++
		d.log.Debug("Job %d: %s missing on every server", j.ID, a.MessageID)
	} else {
		a.Status = domain.ArticleFailed
		j.Counters.ArticlesFailed++
		d.log.Debug("Job %d: %s failed on every server", j.ID, a.MessageID)
	}
}

// tierOpenLocked reports whether some server of tier t has not tried a
// and is up, or has been down for less than TierWait.
func (d *Dispatcher) tierOpenLocked(t int, a *domain.Article) bool {
	now := d.now()
	for _, id := range d.tiers[t] {
		if _, tried := a.Tried[id]; tried {
			continue
		}
		ok, since := d.servers.Available(id)
		if ok {
			return true
		}
		if !since.IsZero() && now.Sub(since) < d.opts.TierWait {
			return true
		}
	}
	return false
}

// checkDoneLocked hands a fully settled job over to post-processing, or
// fails it when too few articles decoded.
func (d *Dispatcher) checkDoneLocked(j *domain.Job) {
	if j.State != domain.StateFetching && j.State != domain.StateQueued {
		return
	}
	c := j.Counters
	if c.ArticlesDecoded+c.ArticlesMissing+c.ArticlesFailed < c.ArticlesTotal || !j.Settled() {
		return
	}
	delete(d.cursor, j.ID)

	if got := j.Completeness(); got < float64(j.RequiredCompleteness) {
		j.Fail(domain.Errorf(domain.KindArticleMissing, domain.CodeIncomplete,
			"%.1f%% of articles available, %d%% required (%d missing, %d failed)",
			got, j.RequiredCompleteness, c.ArticlesMissing, c.ArticlesFailed))
		d.log.Warn("Job %d (%s): failed, %.1f%% complete", j.ID, j.Name, got)
	} else {
		if c.ArticlesMissing+c.ArticlesFailed > 0 {
			j.AddError(domain.Errorf(domain.KindArticleMissing, "",
				"%d articles missing, %d failed", c.ArticlesMissing, c.ArticlesFailed))
		}
		if err := j.Transition(domain.StateVerifying); err != nil {
			d.internalLocked(j, err)
			return
		}
		d.log.Info("Job %d (%s): download finished", j.ID, j.Name)
	}
	d.q.touchLocked(true)
	if fn := d.onHandoff; fn != nil {
		id, state := j.ID, j.State
		d.later(func() { fn(id, state) })
	}
}

func (d *Dispatcher) enqueue(t decodeTask) {
	d.decodeC <- t
	metrics.DecodeQueue.Set(float64(len(d.decodeC)))
}

// Start launches the decoder pool and the tier sweep.
func (d *Dispatcher) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	d.cancel = cancel
	d.lock()
	n := d.opts.Decoders
	d.unlock()
	for i := 0; i < n; i++ {
		d.decodeG.Go(func() error {
			for t := range d.decodeC {
				d.decode(t)
				metrics.DecodeQueue.Set(float64(len(d.decodeC)))
			}
			return nil
		})
	}
	d.sweepWG.Add(1)
	go d.sweep(ctx)
}

// Stop refuses new work. Ongoing fetches still report.
func (d *Dispatcher) Stop() {
	d.lock()
	d.stopped = true
	d.q.touchLocked(false)
	d.unlock()
}

// Close waits for queued decodes and demotes whatever is still in
// flight. Call it after every server pool has stopped reporting.
func (d *Dispatcher) Close() {
	d.Stop()
	d.stopOnce.Do(func() {
		close(d.decodeC)
		_ = d.decodeG.Wait()
		if d.cancel != nil {
			d.cancel()
		}
		d.sweepWG.Wait()
	})
	d.DemoteAll()
}

// DemoteAll returns assigned and fetched articles to pending.
func (d *Dispatcher) DemoteAll() int {
	d.lock()
	defer d.unlock()
	n := 0
	for _, j := range d.q.jobs {
		changed := false
		for _, f := range j.Files {
			for _, a := range f.Articles {
				if a.Status == domain.ArticleAssigned || a.Status == domain.ArticleFetched {
					a.Demote()
					n++
					changed = true
				}
			}
		}
		if changed {
			j.Recount()
		}
	}
	if n > 0 {
		d.q.touchLocked(false)
	}
	return n
}

// sweep re-checks tiers so articles waiting on a long-down server move
// on, and refreshes the job gauges.
func (d *Dispatcher) sweep(ctx context.Context) {
	defer d.sweepWG.Done()
	d.lock()
	interval := min(max(d.opts.TierWait/10, 50*time.Millisecond), 10*time.Second)
	d.unlock()
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			d.sweepOnce()
		}
	}
}

func (d *Dispatcher) sweepOnce() {
	d.lock()
	defer d.unlock()
	counts := map[domain.JobState]int{}
	moved := false
	for _, j := range d.q.jobs {
		counts[j.State]++
		if !j.Eligible() || d.servers == nil {
			continue
		}
		d.scanLocked(j, func(_, _ int, a *domain.Article) bool {
			if a.Status != domain.ArticlePending {
				return true
			}
			tier := a.Tier
			d.advanceLocked(j, a)
			if a.Tier != tier || a.Status != domain.ArticlePending {
				moved = true
			}
			return true
		})
		d.checkDoneLocked(j)
	}
	if moved {
		d.q.touchLocked(false)
	}
	for id := range d.cursor {
		if _, ok := d.q.byID[id]; !ok {
			delete(d.cursor, id)
		}
	}
	for s := domain.StateQueued; s <= domain.StateCancelled; s++ {
		metrics.Jobs.WithLabelValues(s.String()).Set(float64(counts[s]))
	}
}

// Resume re-evaluates jobs restored from a snapshot: finished downloads
// are handed off again and tiers are rebuilt.
func (d *Dispatcher) Resume() {
	d.RefreshTiers()
	d.lock()
	defer d.unlock()
	for _, j := range d.q.jobs {
		if j.State.InPostProcessing() && d.onHandoff != nil {
			id, state, fn := j.ID, j.State, d.onHandoff
			d.later(func() { fn(id, state) })
		}
	}
}

// decode runs one fetched body through the yEnc decoder and writes the
// part into its blob.
func (d *Dispatcher) decode(t decodeTask) {
	part, err := decoding.Decoder{StrictCRC: d.strict.Load()}.Decode(t.Body)

	d.lock()
	j, a := d.lookupLocked(t.Work)
	if j == nil || a == nil || a.Status != domain.ArticleFetched {
		d.unlock()
		return
	}
	f := j.Files[t.File]
	if err == nil {
		err = d.placeLocked(f, part)
	}
	if err != nil {
		d.decodeFailedLocked(j, f, a, t.Server, err)
		d.unlock()
		return
	}
	if part.CRCWarning {
		j.AddError(domain.Errorf(domain.KindDecode, domain.CodeCRCMismatch,
			"%s part %d: crc mismatch accepted", f.Name, part.Number))
	}
	r := domain.Range{Begin: part.Begin, End: part.End}
	a.Offset, a.Length = r.Begin, r.Len()
	jobID, fileIdx := j.ID, t.File
	d.unlock()

	werr := d.spool.WriteAt(jobID, fileIdx, part.Data, part.Begin)

	d.lock()
	j, a = d.lookupLocked(t.Work)
	if j == nil {
		d.unlock()
		return
	}
	f = j.Files[fileIdx]
	if werr != nil {
		f.Unclaim(r)
		a.Status = domain.ArticlePending
		j.Counters.ArticlesFetched--
		d.internalLocked(j, fmt.Errorf("write %s: %w", f.Name, werr))
		d.unlock()
		return
	}
	a.Status = domain.ArticleDecoded
	n := uint64(r.Len())
	j.Counters.ArticlesDecoded++
	j.Counters.BytesOnDisk += n
	f.BytesDecoded += r.Len()
	verify := f.Written() && f.CRCKnown
	want, size, name := f.CRC32, f.ExpectedSize, f.Name
	d.q.dirty = true
	if !verify {
		d.checkDoneLocked(j)
	}
	d.unlock()

	if verify {
		d.verifyFile(jobID, fileIdx, name, size, want)
	}
}

// placeLocked validates part against what is known about f and claims
// its byte range.
func (d *Dispatcher) placeLocked(f *domain.File, part *decoding.Part) error {
	if f.ExpectedSize == 0 {
		f.ExpectedSize = part.FileSize
		if part.Name != "" {
			f.Name = part.Name
		}
	} else if part.FileSize != f.ExpectedSize {
		return domain.Errorf(domain.KindDecode, domain.CodeBadFraming,
			"file size %d disagrees with %d", part.FileSize, f.ExpectedSize)
	}
	if part.End > f.ExpectedSize {
		return domain.Errorf(domain.KindDecode, domain.CodeBadFraming,
			"part %d ends at %d past file size %d", part.Number, part.End, f.ExpectedSize)
	}
	if part.HasFileCRC && !f.CRCKnown {
		f.CRC32, f.CRCKnown = part.FileCRC, true
	}
	if !f.Claim(domain.Range{Begin: part.Begin, End: part.End}) {
		return domain.Errorf(domain.KindDecode, domain.CodeBadFraming,
			"part %d range [%d,%d) overlaps decoded data", part.Number, part.Begin, part.End)
	}
	return nil
}

func (d *Dispatcher) decodeFailedLocked(j *domain.Job, f *domain.File, a *domain.Article, server string, err error) {
	code := domain.CodeOf(err)
	metrics.DecodeErrors.WithLabelValues(code).Inc()
	if n := len(a.Log); n > 0 {
		a.Log[n-1].Outcome = domain.Outcome(code)
	}
	j.Counters.ArticlesFetched--

	if code == domain.CodeUnsupported {
		f.Unsupported = true
		a.Status = domain.ArticleFailed
		j.Counters.ArticlesFailed++
		j.Fail(domain.Errorf(domain.KindDecode, domain.CodeUnsupported,
			"%s: article %s is not yEnc encoded", f.Name, a.MessageID))
		d.log.Warn("Job %d (%s): unsupported encoding in %s", j.ID, j.Name, f.Name)
		d.q.touchLocked(true)
		if fn := d.onHandoff; fn != nil {
			id := j.ID
			d.later(func() { fn(id, domain.StateFailed) })
		}
		return
	}

	d.log.Debug("Job %d: %s from %s: %v", j.ID, a.MessageID, server, err)
	a.Status = domain.ArticlePending
	a.MarkTried(server, domain.Outcome(code))
	d.advanceLocked(j, a)
	d.checkDoneLocked(j)
	d.q.touchLocked(false)
}

// verifyFile checks a completed blob against the whole-file CRC.
func (d *Dispatcher) verifyFile(jobID uint64, fileIdx int, name string, size int64, want uint32) {
	path := d.spool.BlobPath(jobID, fileIdx)
	h := crc32.NewIEEE()
	buf := make([]byte, 1<<20)
	var off int64
	var rerr error
	for off < size {
		n, err := d.spool.Writer.ReadAt(path, buf[:min(int64(len(buf)), size-off)], off)
		h.Write(buf[:n])
		off += int64(n)
		if err != nil {
			if err != io.EOF || off < size {
				rerr = err
			}
			break
		}
	}

	d.lock()
	defer d.unlock()
	j, ok := d.q.byID[jobID]
	if !ok {
		return
	}
	switch {
	case rerr != nil:
		d.log.Warn("Job %d: cannot verify %s: %v", jobID, name, rerr)
	case h.Sum32() != want:
		j.AddError(domain.Errorf(domain.KindDecode, domain.CodeCRCMismatch,
			"%s: file crc %08X, expected %08X", name, h.Sum32(), want))
		d.log.Warn("Job %d: %s failed whole-file crc check", jobID, name)
	default:
		d.log.Debug("Job %d: %s crc ok", jobID, name)
	}
	d.checkDoneLocked(j)
}
