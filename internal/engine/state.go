package engine

import (
	"fmt"
	"sync"
	"time"

	"github.com/Zeeshankhan077/neuraX/internal/types"
)

// state holds the coordinator-lifetime job and notebook-session tables, each
// behind its own coarse lock. No process-wide singletons: the engine owns one
// state value and passes it nowhere.
type state struct {
	jobsMu sync.Mutex
	jobs   map[string]*Job

	sessionsMu sync.Mutex
	sessions   map[string]*notebookSession
}

// notebookSession tracks one interactive cell-execution session. Cells get
// fresh sandboxes, so the session itself is only an identity plus counters.
type notebookSession struct {
	ID        string
	CreatedAt time.Time
	CellSeq   int
	Restarts  int
}

func newState() *state {
	return &state{
		jobs:     map[string]*Job{},
		sessions: map[string]*notebookSession{},
	}
}

func (s *state) addJob(job *Job) error {
	s.jobsMu.Lock()
	defer s.jobsMu.Unlock()
	if _, exists := s.jobs[job.ID]; exists {
		return fmt.Errorf("%w: job id %s already exists", ErrValidation, job.ID)
	}
	s.jobs[job.ID] = job
	return nil
}

func (s *state) getJob(id string) (*Job, bool) {
	s.jobsMu.Lock()
	defer s.jobsMu.Unlock()
	job, ok := s.jobs[id]
	return job, ok
}

func (s *state) activeJobs() int {
	s.jobsMu.Lock()
	defer s.jobsMu.Unlock()

	n := 0
	for _, job := range s.jobs {
		job.mu.Lock()
		if job.status == types.JobStatusQueued || job.status == types.JobStatusRunning {
			n++
		}
		job.mu.Unlock()
	}
	return n
}

func (s *state) addSession(sess *notebookSession) {
	s.sessionsMu.Lock()
	defer s.sessionsMu.Unlock()
	s.sessions[sess.ID] = sess
}

func (s *state) getSession(id string) (*notebookSession, bool) {
	s.sessionsMu.Lock()
	defer s.sessionsMu.Unlock()
	sess, ok := s.sessions[id]
	return sess, ok
}
