package api

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/turtacn/Vigil/internal/upgrade"
)

const (
	maxJobs     = 64
	maxJobLines = 200
)

// JobState is the lifecycle of an upgrade job.
type JobState string

const (
	JobRunning   JobState = "running"
	JobSucceeded JobState = "succeeded"
	JobFailed    JobState = "failed"
	JobCancelled JobState = "cancelled"
)

// JobFailure names one package that could not be updated.
type JobFailure struct {
	ID    string `json:"id"`
	Error string `json:"error"`
}

// Job is the API view of one upgrade run.
type Job struct {
	ID         string       `json:"id"`
	Profile    string       `json:"profile"`
	State      JobState     `json:"state"`
	Started    time.Time    `json:"started"`
	Finished   *time.Time   `json:"finished,omitempty"`
	Progress   float64      `json:"progress"`
	Lines      []string     `json:"lines"`
	NewVersion bool         `json:"new_version"`
	Version    string       `json:"version,omitempty"`
	Failures   []JobFailure `json:"failures,omitempty"`
	Error      string       `json:"error,omitempty"`
}

type jobStore struct {
	mu    sync.Mutex
	limit int
	jobs  map[string]*Job
	order []string
}

func newJobStore(limit int) *jobStore {
	return &jobStore{limit: limit, jobs: make(map[string]*Job)}
}

// create registers a running job, evicting the oldest finished job once
// the store is full.
func (s *jobStore) create(profile string) *Job {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.order) >= s.limit {
		for i, id := range s.order {
			if s.jobs[id].State != JobRunning {
				delete(s.jobs, id)
				s.order = append(s.order[:i], s.order[i+1:]...)
				break
			}
		}
	}

	j := &Job{ID: uuid.NewString(), Profile: profile, State: JobRunning, Started: time.Now(), Progress: -1}
	s.jobs[j.ID] = j
	s.order = append(s.order, j.ID)
	return j
}

func (s *jobStore) get(id string) (Job, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return Job{}, false
	}
	out := *j
	out.Lines = append([]string(nil), j.Lines...)
	out.Failures = append([]JobFailure(nil), j.Failures...)
	return out, true
}

func (s *jobStore) remove(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.jobs, id)
	for i, o := range s.order {
		if o == id {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
}

// progress returns a ProgressFunc feeding job id. Same-line updates
// overwrite the previous progress line.
func (s *jobStore) progress(id string) upgrade.ProgressFunc {
	lastSameLine := false
	return func(percent float64, text string, sameLine bool) {
		s.mu.Lock()
		defer s.mu.Unlock()
		j, ok := s.jobs[id]
		if !ok {
			return
		}
		if percent >= 0 {
			j.Progress = percent
		}
		if sameLine && lastSameLine && len(j.Lines) > 0 {
			j.Lines[len(j.Lines)-1] = text
		} else {
			j.Lines = append(j.Lines, text)
			if len(j.Lines) > maxJobLines {
				j.Lines = j.Lines[len(j.Lines)-maxJobLines:]
			}
		}
		lastSameLine = sameLine
	}
}

func (s *jobStore) finish(id string, rep upgrade.Report) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return
	}
	now := time.Now()
	j.Finished = &now
	j.NewVersion = rep.NewVersion
	j.Version = rep.Version
	for _, f := range rep.Failures {
		msg := ""
		if f.Err != nil {
			msg = f.Err.Error()
		}
		j.Failures = append(j.Failures, JobFailure{ID: f.ID, Error: msg})
	}
	if rep.Err != nil {
		j.Error = rep.Err.Error()
	}
	switch {
	case rep.Cancelled:
		j.State = JobCancelled
	case rep.Success:
		j.State = JobSucceeded
	default:
		j.State = JobFailed
	}
}

// Personal.AI order the ending
