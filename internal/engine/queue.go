package engine

import (
	"slices"
	"sync"
	"time"

	"github.com/datallboy/usenetd/internal/domain"
)

// Queue owns every live job. All mutation happens under mu; the
// dispatcher picks work under the same lock so admission, removal and
// assignment never race.
type Queue struct {
	mu     sync.Mutex
	jobs   []*domain.Job
	byID   map[uint64]*domain.Job
	nextID uint64
	dirty  bool

	changed chan struct{}
	saveNow chan struct{}
}

func NewQueue() *Queue {
	return &Queue{
		byID:    make(map[uint64]*domain.Job),
		nextID:  1,
		changed: make(chan struct{}),
		saveNow: make(chan struct{}, 1),
	}
}

// Changed returns a channel closed at the next queue change.
func (q *Queue) Changed() <-chan struct{} {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.changed
}

// SaveRequested fires after control-plane mutations.
func (q *Queue) SaveRequested() <-chan struct{} { return q.saveNow }

// touchLocked marks the queue dirty and wakes waiters. persist asks for
// an immediate snapshot.
func (q *Queue) touchLocked(persist bool) {
	q.dirty = true
	close(q.changed)
	q.changed = make(chan struct{})
	if persist {
		select {
		case q.saveNow <- struct{}{}:
		default:
		}
	}
}

// Touch wakes waiters without changing anything, for example after a
// server returns from backoff.
func (q *Queue) Touch() {
	q.mu.Lock()
	q.touchLocked(false)
	q.mu.Unlock()
}

// ReserveID hands out the next job id.
func (q *Queue) ReserveID() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	id := q.nextID
	q.nextID++
	return id
}

// SeedID makes sure ids handed out from now on are above last.
func (q *Queue) SeedID(last uint64) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if last >= q.nextID {
		q.nextID = last + 1
	}
}

// Add appends j at the end of the queue.
func (q *Queue) Add(j *domain.Job) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if j.ID >= q.nextID {
		q.nextID = j.ID + 1
	}
	q.jobs = append(q.jobs, j)
	q.byID[j.ID] = j
	q.touchLocked(true)
}

// Remove drops job id, marking it cancelled unless it already finished.
func (q *Queue) Remove(id uint64) (*domain.Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	j, ok := q.byID[id]
	if !ok {
		return nil, domain.ErrJobNotFound
	}
	if !j.State.Terminal() {
		j.State = domain.StateCancelled
		j.UpdatedAt = time.Now()
	}
	delete(q.byID, id)
	q.jobs = slices.DeleteFunc(q.jobs, func(o *domain.Job) bool { return o.ID == id })
	q.touchLocked(true)
	return j, nil
}

// Update runs fn on job id under the lock. The queue is marked dirty when
// fn returns nil.
func (q *Queue) Update(id uint64, fn func(j *domain.Job) error) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	j, ok := q.byID[id]
	if !ok {
		return domain.ErrJobNotFound
	}
	if err := fn(j); err != nil {
		return err
	}
	q.touchLocked(true)
	return nil
}

// SetPaused toggles the paused flag of one job.
func (q *Queue) SetPaused(id uint64, paused bool) error {
	return q.Update(id, func(j *domain.Job) error {
		j.Paused = paused
		return nil
	})
}

// SetPausedAll toggles every live job.
func (q *Queue) SetPausedAll(paused bool) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := 0
	for _, j := range q.jobs {
		if !j.State.Terminal() && j.Paused != paused {
			j.Paused = paused
			n++
		}
	}
	q.touchLocked(true)
	return n
}

// SetPriority changes the priority; PriorityPaused pauses instead.
func (q *Queue) SetPriority(id uint64, p domain.Priority) error {
	return q.Update(id, func(j *domain.Job) error {
		if p == domain.PriorityPaused {
			j.Paused = true
			return nil
		}
		j.Priority = p
		return nil
	})
}

// Move places job id at position pos (0-based, clamped).
func (q *Queue) Move(id uint64, pos int) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	i := slices.IndexFunc(q.jobs, func(j *domain.Job) bool { return j.ID == id })
	if i < 0 {
		return domain.ErrJobNotFound
	}
	j := q.jobs[i]
	q.jobs = slices.Delete(q.jobs, i, i+1)
	pos = min(max(pos, 0), len(q.jobs))
	q.jobs = slices.Insert(q.jobs, pos, j)
	q.touchLocked(true)
	return nil
}

// View runs fn with the ordered job list under the lock. fn must not
// retain the slice or mutate jobs.
func (q *Queue) View(fn func(jobs []*domain.Job)) {
	q.mu.Lock()
	defer q.mu.Unlock()
	fn(q.jobs)
}

// Len is the number of live jobs.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.jobs)
}

// Contains reports whether id is a live job.
func (q *Queue) Contains(id uint64) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	_, ok := q.byID[id]
	return ok
}

// Summaries lists jobs passing f in queue order.
func (q *Queue) Summaries(f domain.ListFilter) []domain.JobSummary {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]domain.JobSummary, 0, len(q.jobs))
	for i, j := range q.jobs {
		if f.Match(j.State, j.Category) {
			out = append(out, j.Summary(i))
		}
	}
	return out
}

// Detail renders job id.
func (q *Queue) Detail(id uint64) (domain.JobDetail, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i, j := range q.jobs {
		if j.ID == id {
			return j.Detail(i), nil
		}
	}
	return domain.JobDetail{}, domain.ErrJobNotFound
}

// FindFingerprint returns the live job with fingerprint fp.
func (q *Queue) FindFingerprint(fp string) (uint64, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, j := range q.jobs {
		if j.Fingerprint == fp && j.State != domain.StateCancelled && j.State != domain.StateFailed {
			return j.ID, true
		}
	}
	return 0, false
}

// restore replaces the queue contents with a loaded snapshot.
func (q *Queue) restore(jobs []*domain.Job) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.jobs = jobs
	q.byID = make(map[uint64]*domain.Job, len(jobs))
	for _, j := range jobs {
		q.byID[j.ID] = j
		if j.ID >= q.nextID {
			q.nextID = j.ID + 1
		}
	}
	q.touchLocked(false)
	q.dirty = false
}

// takeDirty clears and returns the dirty flag.
func (q *Queue) takeDirtyLocked() bool {
	d := q.dirty
	q.dirty = false
	return d
}
