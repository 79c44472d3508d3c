// Custodia - Backup & Disaster Recovery Engine
// Copyright 2026 Custodia contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/custodia-engine/custodia

// Package backup drives capture jobs: full snapshots tier by tier,
// incremental and differential change capture, and the schedule that
// triggers them. Artifacts are protected, compressed, encrypted and
// handed to a storage backend; the inventory records what was produced.
package backup

import (
	"errors"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/custodia-engine/custodia/internal/models"
)

// ErrJobNotFound is returned for unknown job ids.
var ErrJobNotFound = errors.New("backup: job not found")

// Job is one capture job's state. Callers only ever see snapshots.
type Job struct {
	ID         string            `json:"id"`
	Type       models.BackupType `json:"type"`
	Status     models.JobStatus  `json:"status"`
	QueuedAt   time.Time         `json:"queued_at"`
	StartedAt  time.Time         `json:"started_at,omitempty"`
	FinishedAt time.Time         `json:"finished_at,omitempty"`

	// ArtifactID is set on completion when the job produced an artifact.
	ArtifactID string `json:"artifact_id,omitempty"`

	// Error carries the failure reason for failed jobs.
	Error string `json:"error,omitempty"`

	// RetryTables lists tables an incremental job could not capture.
	RetryTables []string `json:"retry_tables,omitempty"`
}

// Registry owns all job state behind a single writer goroutine. Every
// mutation and read runs on that goroutine; callers receive copies, so
// no job state ever escapes under shared mutation.
type Registry struct {
	ops  chan func(map[string]*Job)
	quit chan struct{}
}

// NewRegistry starts the registry's owner goroutine.
func NewRegistry() *Registry {
	r := &Registry{
		ops:  make(chan func(map[string]*Job)),
		quit: make(chan struct{}),
	}
	go r.loop()
	return r
}

func (r *Registry) loop() {
	jobs := make(map[string]*Job)
	for {
		select {
		case op := <-r.ops:
			op(jobs)
		case <-r.quit:
			return
		}
	}
}

// do runs fn on the owner goroutine and waits for it.
func (r *Registry) do(fn func(map[string]*Job)) {
	done := make(chan struct{})
	select {
	case r.ops <- func(jobs map[string]*Job) {
		fn(jobs)
		close(done)
	}:
		<-done
	case <-r.quit:
	}
}

// Close stops the owner goroutine. Pending callers return without
// effect.
func (r *Registry) Close() {
	close(r.quit)
}

// Create queues a new job and returns its snapshot.
func (r *Registry) Create(jobType models.BackupType) Job {
	job := Job{
		ID:       uuid.NewString(),
		Type:     jobType,
		Status:   models.JobQueued,
		QueuedAt: time.Now().UTC(),
	}
	r.do(func(jobs map[string]*Job) {
		stored := job
		jobs[job.ID] = &stored
	})
	return job
}

// Start transitions a job to running.
func (r *Registry) Start(id string) {
	r.do(func(jobs map[string]*Job) {
		if job, ok := jobs[id]; ok && job.Status == models.JobQueued {
			job.Status = models.JobRunning
			job.StartedAt = time.Now().UTC()
		}
	})
}

// Complete transitions a running job to completed.
func (r *Registry) Complete(id, artifactID string, retryTables []string) {
	r.do(func(jobs map[string]*Job) {
		if job, ok := jobs[id]; ok && job.Status == models.JobRunning {
			job.Status = models.JobCompleted
			job.FinishedAt = time.Now().UTC()
			job.ArtifactID = artifactID
			job.RetryTables = retryTables
		}
	})
}

// Fail transitions a running or queued job to failed with a reason.
func (r *Registry) Fail(id string, cause error) {
	r.do(func(jobs map[string]*Job) {
		if job, ok := jobs[id]; ok && job.Status != models.JobCompleted && job.Status != models.JobFailed {
			job.Status = models.JobFailed
			job.FinishedAt = time.Now().UTC()
			if cause != nil {
				job.Error = cause.Error()
			}
		}
	})
}

// Get returns a snapshot of one job.
func (r *Registry) Get(id string) (Job, error) {
	var (
		out Job
		ok  bool
	)
	r.do(func(jobs map[string]*Job) {
		var job *Job
		if job, ok = jobs[id]; ok {
			out = *job
		}
	})
	if !ok {
		return Job{}, ErrJobNotFound
	}
	return out, nil
}

// List returns snapshots of all jobs, oldest queued first.
func (r *Registry) List() []Job {
	var out []Job
	r.do(func(jobs map[string]*Job) {
		out = make([]Job, 0, len(jobs))
		for _, job := range jobs {
			out = append(out, *job)
		}
	})
	sort.Slice(out, func(i, j int) bool { return out[i].QueuedAt.Before(out[j].QueuedAt) })
	return out
}
