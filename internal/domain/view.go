package domain

import "time"

// JobSummary is the listJobs row.
type JobSummary struct {
	ID           uint64    `json:"id"`
	Name         string    `json:"name"`
	Category     string    `json:"category"`
	Priority     string    `json:"priority"`
	PP           PPLevel   `json:"pp"`
	State        string    `json:"state"`
	Paused       bool      `json:"paused"`
	Position     int       `json:"position"`
	Completeness float64   `json:"completeness"`
	SizeEstimate int64     `json:"size_estimate"`
	Counters     Counters  `json:"counters"`
	ErrorCount   int       `json:"error_count"`
	Stage        string    `json:"stage,omitempty"`
	Destination  string    `json:"destination,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	// HistoryID is set for jobs served from the history store.
	HistoryID string `json:"history_id,omitempty"`
}

// ArticleDetail is one article of a FileDetail.
type ArticleDetail struct {
	MessageID string    `json:"message_id"`
	Segment   int       `json:"segment"`
	Offset    int64     `json:"offset"`
	Length    int64     `json:"length"`
	Status    string    `json:"status"`
	Attempts  int       `json:"attempts"`
	Log       []Attempt `json:"log,omitempty"`
}

type FileDetail struct {
	Name         string          `json:"name"`
	ExpectedSize int64           `json:"expected_size"`
	BytesDecoded int64           `json:"bytes_decoded"`
	CRC32        uint32          `json:"crc32,omitempty"`
	CRCKnown     bool            `json:"crc_known"`
	Unsupported  bool            `json:"unsupported,omitempty"`
	Articles     []ArticleDetail `json:"articles"`
}

// JobDetail is the jobDetail response.
type JobDetail struct {
	JobSummary
	Script string       `json:"script,omitempty"`
	Errors []JobError   `json:"errors"`
	Files  []FileDetail `json:"files,omitempty"`
}

// ListFilter narrows listJobs. Zero value lists every queued job.
type ListFilter struct {
	States         []JobState
	Category       string
	IncludeHistory bool
	Limit          int
}

// Match reports whether j passes the state and category filters.
func (f ListFilter) Match(state JobState, category string) bool {
	if f.Category != "" && f.Category != category {
		return false
	}
	if len(f.States) == 0 {
		return true
	}
	for _, s := range f.States {
		if s == state {
			return true
		}
	}
	return false
}

// Summary renders j at queue position pos. Call with the queue lock held.
func (j *Job) Summary(pos int) JobSummary {
	return JobSummary{
		ID:           j.ID,
		Name:         j.Name,
		Category:     j.Category,
		Priority:     j.Priority.String(),
		PP:           j.PP,
		State:        j.State.String(),
		Paused:       j.Paused,
		Position:     pos,
		Completeness: j.Completeness(),
		SizeEstimate: j.SizeEstimate,
		Counters:     j.Counters,
		ErrorCount:   len(j.Errors),
		Stage:        j.Stage,
		Destination:  j.Destination,
		CreatedAt:    j.CreatedAt,
	}
}

// Detail renders j with its files and articles. Call with the queue lock held.
func (j *Job) Detail(pos int) JobDetail {
	d := JobDetail{
		JobSummary: j.Summary(pos),
		Script:     j.Script,
		Errors:     append([]JobError(nil), j.Errors...),
	}
	for _, f := range j.Files {
		fd := FileDetail{
			Name:         f.Name,
			ExpectedSize: f.ExpectedSize,
			BytesDecoded: f.BytesDecoded,
			CRC32:        f.CRC32,
			CRCKnown:     f.CRCKnown,
			Unsupported:  f.Unsupported,
		}
		for _, a := range f.Articles {
			fd.Articles = append(fd.Articles, ArticleDetail{
				MessageID: a.MessageID,
				Segment:   a.Segment,
				Offset:    a.Offset,
				Length:    a.Length,
				Status:    a.Status.String(),
				Attempts:  a.Attempts,
				Log:       append([]Attempt(nil), a.Log...),
			})
		}
		d.Files = append(d.Files, fd)
	}
	return d
}
