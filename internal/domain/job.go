package domain

import (
	"fmt"
	"sort"
	"time"
)

// Priority orders jobs; lower wins.
type Priority int8

const (
	PriorityHigh   Priority = 0
	PriorityNormal Priority = 1
	PriorityLow    Priority = 2
	// PriorityPaused is accepted on admission only and becomes the paused flag.
	PriorityPaused Priority = 3
)

func (p Priority) String() string {
	switch p {
	case PriorityHigh:
		return "high"
	case PriorityNormal:
		return "normal"
	case PriorityLow:
		return "low"
	case PriorityPaused:
		return "paused"
	}
	return fmt.Sprintf("priority(%d)", int8(p))
}

// ParsePriority maps a name or number to a Priority.
func ParsePriority(s string) (Priority, error) {
	switch s {
	case "high", "0":
		return PriorityHigh, nil
	case "normal", "1", "":
		return PriorityNormal, nil
	case "low", "2":
		return PriorityLow, nil
	case "paused", "3":
		return PriorityPaused, nil
	}
	return PriorityNormal, Errorf(KindInvalid, "", "unknown priority %q", s)
}

// PPLevel selects how much post-processing a job receives.
type PPLevel int8

const (
	PPDownload PPLevel = iota
	PPVerify
	PPExtract
	PPDelete
)

func (l PPLevel) Valid() bool { return l >= PPDownload && l <= PPDelete }

// JobState is the non-pause lifecycle of a job.
type JobState uint8

const (
	StateQueued JobState = iota
	StateFetching
	StateVerifying
	StateExtracting
	StateMoving
	StateDone
	StateFailed
	StateCancelled
)

var stateNames = [...]string{"queued", "fetching", "verifying", "extracting", "moving", "done", "failed", "cancelled"}

func (s JobState) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("state(%d)", uint8(s))
}

// ParseJobState is the inverse of String.
func ParseJobState(s string) (JobState, bool) {
	for i, n := range stateNames {
		if n == s {
			return JobState(i), true
		}
	}
	return 0, false
}

// Terminal reports whether no further transitions are allowed.
func (s JobState) Terminal() bool {
	return s == StateDone || s == StateFailed || s == StateCancelled
}

// InPostProcessing reports whether the pipeline owns the job.
func (s JobState) InPostProcessing() bool {
	return s == StateVerifying || s == StateExtracting || s == StateMoving
}

// ArticleStatus tracks a single article through download and decode.
type ArticleStatus uint8

const (
	ArticlePending ArticleStatus = iota
	ArticleAssigned
	ArticleFetched
	ArticleDecoded
	ArticleMissing
	ArticleFailed
)

var articleNames = [...]string{"pending", "assigned", "fetched", "decoded", "missing", "failed"}

func (s ArticleStatus) String() string {
	if int(s) < len(articleNames) {
		return articleNames[s]
	}
	return fmt.Sprintf("article(%d)", uint8(s))
}

// Settled reports whether the article needs no more network work.
func (s ArticleStatus) Settled() bool {
	return s == ArticleDecoded || s == ArticleMissing || s == ArticleFailed
}

// Outcome is what a server worker reports for one fetch, or what the
// decoder reports for the fetched body.
type Outcome string

const (
	OutcomeOK        Outcome = "ok"
	OutcomeNotFound  Outcome = "notFound"
	OutcomeTransient Outcome = "transient"
	OutcomeAuthFail  Outcome = "auth-fail"
	OutcomeAborted   Outcome = "aborted"
	OutcomeBadFrame  Outcome = CodeBadFraming
	OutcomeSize      Outcome = CodeSizeMismatch
	OutcomeCRC       Outcome = CodeCRCMismatch
	OutcomeDecoded   Outcome = "decoded"
)

// Attempt is one entry of an article's attempt log.
type Attempt struct {
	Server  string    `json:"server"`
	Outcome Outcome   `json:"outcome"`
	At      time.Time `json:"at"`
}

// Article is one NNTP message carrying one segment of a file.
type Article struct {
	MessageID string
	Segment   int
	// Offset and Length are estimates until the yEnc part header is decoded.
	Offset int64
	Length int64
	Status ArticleStatus
	// Attempts counts fetches across restarts; Log holds this run's detail.
	Attempts int
	Log      []Attempt

	AssignedTo string
	Tier       int
	// Tried records servers that are done with this article and why.
	Tried     map[string]Outcome
	Transient map[string]int
}

// MarkTried records that server will not be asked for this article again.
func (a *Article) MarkTried(server string, o Outcome) {
	if a.Tried == nil {
		a.Tried = make(map[string]Outcome)
	}
	a.Tried[server] = o
}

// Demote returns an in-flight article to pending.
func (a *Article) Demote() {
	if a.Status == ArticleAssigned || a.Status == ArticleFetched {
		a.Status = ArticlePending
	}
	a.AssignedTo = ""
}

// Range is a half-open byte range [Begin, End).
type Range struct {
	Begin int64
	End   int64
}

func (r Range) Len() int64 { return r.End - r.Begin }

func (r Range) overlaps(o Range) bool { return r.Begin < o.End && o.Begin < r.End }

// File is one target file of a job.
type File struct {
	Name         string
	ExpectedSize int64
	CRC32        uint32
	CRCKnown     bool
	Groups       []string
	Articles     []*Article

	BytesDecoded int64
	Unsupported  bool

	ranges []Range
}

// Claim reserves r for a write. It fails when r overlaps any claimed range.
func (f *File) Claim(r Range) bool {
	if r.Len() <= 0 {
		return false
	}
	i := sort.Search(len(f.ranges), func(i int) bool { return f.ranges[i].End > r.Begin })
	if i < len(f.ranges) && f.ranges[i].overlaps(r) {
		return false
	}
	f.ranges = append(f.ranges, Range{})
	copy(f.ranges[i+1:], f.ranges[i:])
	f.ranges[i] = r
	return true
}

// Unclaim drops a claim made by Claim, used when the write fails.
func (f *File) Unclaim(r Range) {
	for i, c := range f.ranges {
		if c == r {
			f.ranges = append(f.ranges[:i], f.ranges[i+1:]...)
			return
		}
	}
}

// Ranges returns a copy of the claimed ranges, sorted by Begin.
func (f *File) Ranges() []Range {
	out := make([]Range, len(f.ranges))
	copy(out, f.ranges)
	return out
}

// RebuildRanges recomputes claims from decoded articles after a restore.
func (f *File) RebuildRanges() {
	f.ranges = f.ranges[:0]
	f.BytesDecoded = 0
	for _, a := range f.Articles {
		if a.Status != ArticleDecoded {
			continue
		}
		if f.Claim(Range{Begin: a.Offset, End: a.Offset + a.Length}) {
			f.BytesDecoded += a.Length
		}
	}
}

// Covered reports whether the claimed ranges tile [0, ExpectedSize).
func (f *File) Covered() bool {
	if f.ExpectedSize <= 0 {
		return false
	}
	var next int64
	for _, r := range f.ranges {
		if r.Begin != next {
			return false
		}
		next = r.End
	}
	return next == f.ExpectedSize
}

// Written reports whether decoded bytes fill the whole file. Claims
// taken by writes still in progress do not count.
func (f *File) Written() bool {
	return f.ExpectedSize > 0 && f.BytesDecoded == f.ExpectedSize
}

// Counters are the per-job progress counters persisted in snapshots.
type Counters struct {
	ArticlesTotal   uint64 `json:"articles_total"`
	ArticlesFetched uint64 `json:"articles_fetched"`
	ArticlesDecoded uint64 `json:"articles_decoded"`
	ArticlesMissing uint64 `json:"articles_missing"`
	ArticlesFailed  uint64 `json:"articles_failed"`
	BytesOnDisk     uint64 `json:"bytes_on_disk"`
}

// Job is a downloadable unit owned by the queue.
type Job struct {
	ID           uint64
	Name         string
	Category     string
	Priority     Priority
	PP           PPLevel
	Script       string
	Password     string
	CreatedAt    time.Time
	SizeEstimate int64
	State        JobState
	Paused       bool
	Counters     Counters
	Errors       []JobError
	Files        []*File
	// RequiredCompleteness is the percentage of articles that must decode.
	RequiredCompleteness uint8

	Fingerprint string
	Stage       string
	Destination string
	UpdatedAt   time.Time
}

var forward = map[JobState]JobState{
	StateQueued:     StateFetching,
	StateFetching:   StateVerifying,
	StateVerifying:  StateExtracting,
	StateExtracting: StateMoving,
	StateMoving:     StateDone,
}

// CanTransition reports whether from → to is allowed: one step along
// queued → fetching → verifying → extracting → moving → done, skipping
// forward within that chain, or to failed/cancelled from any live state.
func CanTransition(from, to JobState) bool {
	if from.Terminal() {
		return false
	}
	if to == StateFailed || to == StateCancelled {
		return true
	}
	for s, ok := forward[from]; ok; s, ok = forward[s] {
		if s == to {
			return true
		}
	}
	return false
}

// Transition moves the job to state to, rejecting non-monotonic moves.
func (j *Job) Transition(to JobState) error {
	if j.State == to {
		return nil
	}
	if !CanTransition(j.State, to) {
		return &Error{Kind: KindInternal, Code: CodeStateMismatch,
			Msg: fmt.Sprintf("job %d: %s → %s", j.ID, j.State, to)}
	}
	j.State = to
	j.UpdatedAt = time.Now()
	return nil
}

// Fail moves the job to failed and records err.
func (j *Job) Fail(err error) {
	if j.State.Terminal() {
		return
	}
	j.AddError(err)
	j.State = StateFailed
	j.UpdatedAt = time.Now()
}

// AddError appends err to the job's error list.
func (j *Job) AddError(err error) {
	j.Errors = append(j.Errors, AsJobError(err))
}

// Eligible reports whether the dispatcher may pick articles from the job.
func (j *Job) Eligible() bool {
	return !j.Paused && (j.State == StateQueued || j.State == StateFetching)
}

// Settled reports whether every article has left pending/assigned/fetched.
func (j *Job) Settled() bool {
	for _, f := range j.Files {
		for _, a := range f.Articles {
			if !a.Status.Settled() {
				return false
			}
		}
	}
	return true
}

// Completeness is the decoded share of articles as a percentage.
func (j *Job) Completeness() float64 {
	if j.Counters.ArticlesTotal == 0 {
		return 100
	}
	return float64(j.Counters.ArticlesDecoded) * 100 / float64(j.Counters.ArticlesTotal)
}

// Article returns the article at (file, index), or nil.
func (j *Job) Article(file, index int) *Article {
	if file < 0 || file >= len(j.Files) {
		return nil
	}
	f := j.Files[file]
	if index < 0 || index >= len(f.Articles) {
		return nil
	}
	return f.Articles[index]
}

// Recount derives counters from article state, used after a restore.
func (j *Job) Recount() {
	var c Counters
	for _, f := range j.Files {
		f.RebuildRanges()
		for _, a := range f.Articles {
			c.ArticlesTotal++
			switch a.Status {
			case ArticleFetched:
				c.ArticlesFetched++
			case ArticleDecoded:
				c.ArticlesFetched++
				c.ArticlesDecoded++
				c.BytesOnDisk += uint64(a.Length)
			case ArticleMissing:
				c.ArticlesMissing++
			case ArticleFailed:
				c.ArticlesFailed++
			}
		}
	}
	j.Counters = c
}
