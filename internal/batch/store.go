package batch

import (
	"context"
	"errors"
	"slices"
	"sync"
	"time"

	"github.com/book-expert/voiceover-service/internal/core"
	"github.com/google/uuid"
)

// Store errors.
var (
	ErrJobNotFound     = errors.New("job not found")
	ErrJobNotRetryable = errors.New("only failed jobs can be retried")
	ErrInvalidStatus   = errors.New("only completed or error jobs can be cleared")
)

type entry struct {
	job      Job
	owner    string
	cancel   context.CancelFunc
	artifact *core.Artifact
}

// release cancels the run driving this entry, if any.
func (e *entry) release() {
	if e.cancel != nil {
		e.cancel()
		e.cancel = nil
	}
}

// Store holds jobs in enqueue order. All mutation goes through the orchestrator; readers
// get copies.
//
// A job being processed carries an ownership token issued when it was claimed. Updates
// must present that token, so a job deleted or reset mid-run silently drops the late
// updates of its former driver. Removing a processing job also cancels the context bound
// to its run.
type Store struct {
	mu    sync.Mutex
	jobs  map[string]*entry
	order []string
	now   func() time.Time
}

// NewStore creates an empty Store. A nil clock selects time.Now.
func NewStore(now func() time.Time) *Store {
	if now == nil {
		now = time.Now
	}

	return &Store{jobs: make(map[string]*entry), now: now}
}

func (s *Store) add(job Job) Job {
	s.mu.Lock()
	defer s.mu.Unlock()

	job.CreatedAt = s.now()
	job.UpdatedAt = job.CreatedAt
	job.Status = StatusQueued

	s.jobs[job.ID] = &entry{job: job}
	s.order = append(s.order, job.ID)

	return job.clone()
}

// claimNext moves the oldest queued job to processing and returns its ownership token.
func (s *Store) claimNext() (Job, string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, id := range s.order {
		current := s.jobs[id]
		if current.job.Status != StatusQueued {
			continue
		}

		current.owner = uuid.NewString()
		current.job.Status = StatusProcessing
		current.job.UpdatedAt = s.now()

		return current.job.clone(), current.owner, true
	}

	return Job{}, "", false
}

// bind attaches the cancel func of the run holding token. It returns false, without
// keeping cancel, when the job was removed before the run started.
func (s *Store) bind(id, token string, cancel context.CancelFunc) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.owned(id, token)
	if !ok {
		return false
	}

	current.cancel = cancel

	return true
}

// holds reports whether token still owns the processing job id.
func (s *Store) holds(id, token string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, ok := s.owned(id, token)

	return ok
}

// update applies mutate to a processing job held by token.
func (s *Store) update(id, token string, mutate func(*Job)) (Job, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.owned(id, token)
	if !ok {
		return Job{}, false
	}

	mutate(&current.job)
	current.job.UpdatedAt = s.now()

	return current.job.clone(), true
}

// finish moves a processing job to a terminal state and releases ownership.
func (s *Store) finish(id, token string, status Status, artifact *core.Artifact, mutate func(*Job)) (Job, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.owned(id, token)
	if !ok {
		return Job{}, false
	}

	mutate(&current.job)
	current.job.Status = status
	current.job.Progress = nil
	current.job.UpdatedAt = s.now()
	current.owner = ""
	current.cancel = nil
	current.artifact = artifact

	return current.job.clone(), true
}

func (s *Store) owned(id, token string) (*entry, bool) {
	current, ok := s.jobs[id]
	if !ok || token == "" || current.owner != token || current.job.Status != StatusProcessing {
		return nil, false
	}

	return current, true
}

func (s *Store) get(id string) (Job, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.jobs[id]
	if !ok {
		return Job{}, false
	}

	return current.job.clone(), true
}

func (s *Store) list() []Job {
	s.mu.Lock()
	defer s.mu.Unlock()

	jobs := make([]Job, 0, len(s.order))
	for _, id := range s.order {
		jobs = append(jobs, s.jobs[id].job.clone())
	}

	return jobs
}

func (s *Store) artifact(id string) (core.Artifact, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.jobs[id]
	if !ok || current.artifact == nil {
		return core.Artifact{}, false
	}

	return *current.artifact, true
}

func (s *Store) countQueued() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	count := 0

	for _, current := range s.jobs {
		if current.job.Status == StatusQueued {
			count++
		}
	}

	return count
}

func (s *Store) remove(id string) (Job, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.removeLocked(id)
}

func (s *Store) removeLocked(id string) (Job, bool) {
	current, ok := s.jobs[id]
	if !ok {
		return Job{}, false
	}

	current.release()
	delete(s.jobs, id)
	s.order = slices.DeleteFunc(s.order, func(candidate string) bool { return candidate == id })

	return current.job.clone(), true
}

// clearFinished removes every job whose status is in statuses, checking each status under
// the same lock as the removal.
func (s *Store) clearFinished(statuses []Status) ([]Job, error) {
	for _, status := range statuses {
		if !status.Terminal() {
			return nil, ErrInvalidStatus
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var removed []Job

	for _, id := range slices.Clone(s.order) {
		if !slices.Contains(statuses, s.jobs[id].job.Status) {
			continue
		}

		job, _ := s.removeLocked(id)
		removed = append(removed, job)
	}

	return removed, nil
}

// replace swaps a failed job for a fresh queued one with the same inputs.
func (s *Store) replace(id, newID string) (Job, Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.jobs[id]
	if !ok {
		return Job{}, Job{}, ErrJobNotFound
	}

	if current.job.Status != StatusError {
		return Job{}, Job{}, ErrJobNotRetryable
	}

	old, _ := s.removeLocked(id)

	fresh := Job{
		ID:                 newID,
		Content:            old.Content,
		SourceName:         old.SourceName,
		DisplayName:        old.DisplayName,
		VoiceID:            old.VoiceID,
		ModelID:            old.ModelID,
		ParagraphsPerChunk: old.ParagraphsPerChunk,
		Settings:           old.Settings,
		Status:             StatusQueued,
		CreatedAt:          s.now(),
	}
	fresh.UpdatedAt = fresh.CreatedAt

	s.jobs[newID] = &entry{job: fresh}
	s.order = append(s.order, newID)

	return old, fresh.clone(), nil
}

func (s *Store) failedIDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	var ids []string

	for _, id := range s.order {
		if s.jobs[id].job.Status == StatusError {
			ids = append(ids, id)
		}
	}

	return ids
}

func (s *Store) reset() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	count := len(s.order)

	for _, current := range s.jobs {
		current.release()
	}

	s.jobs = make(map[string]*entry)
	s.order = nil

	return count
}
