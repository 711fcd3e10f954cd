package store

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/ksuid"

	"github.com/datallboy/usenetd/internal/domain"
)

// Record is one archived job.
type Record struct {
	// ID is a KSUID, so ids sort by archive time.
	ID           string
	JobID        uint64
	Name         string
	Category     string
	Priority     string
	PP           domain.PPLevel
	State        domain.JobState
	Fingerprint  string
	Destination  string
	SizeEstimate int64
	Counters     domain.Counters
	Errors       []domain.JobError
	CreatedAt    time.Time
	FinishedAt   time.Time
}

// NewRecord captures j as it leaves the queue. Call with the queue lock
// held or on a job no one else references.
func NewRecord(j *domain.Job, now time.Time) *Record {
	id, err := ksuid.NewRandomWithTime(now)
	if err != nil {
		id = ksuid.New()
	}
	return &Record{
		ID:           id.String(),
		JobID:        j.ID,
		Name:         j.Name,
		Category:     j.Category,
		Priority:     j.Priority.String(),
		PP:           j.PP,
		State:        j.State,
		Fingerprint:  j.Fingerprint,
		Destination:  j.Destination,
		SizeEstimate: j.SizeEstimate,
		Counters:     j.Counters,
		Errors:       append([]domain.JobError(nil), j.Errors...),
		CreatedAt:    j.CreatedAt,
		FinishedAt:   now,
	}
}

// Summary renders r the way listJobs shows queued jobs. Position is -1.
func (r *Record) Summary() domain.JobSummary {
	completeness := 100.0
	if r.Counters.ArticlesTotal > 0 {
		completeness = float64(r.Counters.ArticlesDecoded) * 100 / float64(r.Counters.ArticlesTotal)
	}
	return domain.JobSummary{
		ID:           r.JobID,
		Name:         r.Name,
		Category:     r.Category,
		Priority:     r.Priority,
		PP:           r.PP,
		State:        r.State.String(),
		Position:     -1,
		Completeness: completeness,
		SizeEstimate: r.SizeEstimate,
		Counters:     r.Counters,
		ErrorCount:   len(r.Errors),
		Destination:  r.Destination,
		CreatedAt:    r.CreatedAt,
		HistoryID:    r.ID,
	}
}

func (r *Record) Detail() domain.JobDetail {
	return domain.JobDetail{
		JobSummary: r.Summary(),
		Errors:     append([]domain.JobError{}, r.Errors...),
	}
}

// recordDBO holds the columns both backends scan into.
type recordDBO struct {
	ID           string
	JobID        int64
	Name         string
	Category     string
	Priority     string
	PP           int
	State        string
	Fingerprint  string
	Destination  string
	SizeEstimate int64
	Counters     [6]int64
	Errors       []byte
}

const recordColumns = `id, job_id, name, category, priority, pp, state, fingerprint, destination,
	size_estimate, articles_total, articles_fetched, articles_decoded, articles_missing,
	articles_failed, bytes_on_disk, errors, created_at, finished_at`

// dest lists scan targets in recordColumns order, minus the timestamps.
func (d *recordDBO) dest() []any {
	return []any{
		&d.ID, &d.JobID, &d.Name, &d.Category, &d.Priority, &d.PP, &d.State, &d.Fingerprint,
		&d.Destination, &d.SizeEstimate, &d.Counters[0], &d.Counters[1], &d.Counters[2],
		&d.Counters[3], &d.Counters[4], &d.Counters[5], &d.Errors,
	}
}

// Mapper: DBO to Record
func (d *recordDBO) toRecord(created, finished time.Time) (*Record, error) {
	state, ok := domain.ParseJobState(d.State)
	if !ok {
		return nil, fmt.Errorf("history %s: unknown state %q", d.ID, d.State)
	}
	r := &Record{
		ID:           d.ID,
		JobID:        uint64(d.JobID),
		Name:         d.Name,
		Category:     d.Category,
		Priority:     d.Priority,
		PP:           domain.PPLevel(d.PP),
		State:        state,
		Fingerprint:  d.Fingerprint,
		Destination:  d.Destination,
		SizeEstimate: d.SizeEstimate,
		Counters: domain.Counters{
			ArticlesTotal:   uint64(d.Counters[0]),
			ArticlesFetched: uint64(d.Counters[1]),
			ArticlesDecoded: uint64(d.Counters[2]),
			ArticlesMissing: uint64(d.Counters[3]),
			ArticlesFailed:  uint64(d.Counters[4]),
			BytesOnDisk:     uint64(d.Counters[5]),
		},
		CreatedAt:  created,
		FinishedAt: finished,
	}
	if len(d.Errors) > 0 {
		if err := json.Unmarshal(d.Errors, &r.Errors); err != nil {
			return nil, fmt.Errorf("history %s: errors: %w", d.ID, err)
		}
	}
	return r, nil
}

// args lists r in recordColumns order, minus the timestamps.
func args(r *Record) ([]any, error) {
	errs := r.Errors
	if errs == nil {
		errs = []domain.JobError{}
	}
	encoded, err := json.Marshal(errs)
	if err != nil {
		return nil, err
	}
	c := r.Counters
	return []any{
		r.ID, int64(r.JobID), r.Name, r.Category, r.Priority, int(r.PP), r.State.String(),
		r.Fingerprint, r.Destination, r.SizeEstimate, int64(c.ArticlesTotal),
		int64(c.ArticlesFetched), int64(c.ArticlesDecoded), int64(c.ArticlesMissing),
		int64(c.ArticlesFailed), int64(c.BytesOnDisk), string(encoded),
	}, nil
}

func stateNames(states []domain.JobState) []string {
	out := make([]string, 0, len(states))
	for _, s := range states {
		out = append(out, s.String())
	}
	return out
}
