// Package jobs keeps a bounded, expiring history of long-running video
// generation jobs.
package jobs

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kalambet/tubescope/internal/cache"
	"github.com/kalambet/tubescope/internal/storage"
)

const (
	Prefix = "veo_job_"

	DefaultTTL      = 7 * 24 * time.Hour
	DefaultMaxItems = 30
)

type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Terminal reports whether no further progress is expected.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Job is the summary stored for one generation job.
type Job struct {
	ID              string `json:"id"`
	Prompt          string `json:"prompt"`
	Status          Status `json:"status"`
	TotalScenes     int    `json:"totalScenes"`
	CompletedScenes int    `json:"completedScenes"`
	Error           string `json:"error,omitempty"`
	VideoURL        string `json:"videoUrl,omitempty"`
	CreatedAt       int64  `json:"createdAt"`
	UpdatedAt       int64  `json:"updatedAt"`
}

// Subscriber delivers storage changes made by other tabs.
type Subscriber interface {
	Subscribe(ctx context.Context, fn func(storage.Event)) error
}

type Options struct {
	TTL      time.Duration
	MaxItems int
	Clock    cache.Clock
	Logger   *slog.Logger
}

// History is the job history cache. Writes go through mu so a status
// change is decided against the record it replaces.
type History struct {
	jobs   *cache.Bounded[Job]
	logger *slog.Logger

	mu sync.Mutex
}

// New creates a job history over area.
func New(area storage.Area, opts Options) (*History, error) {
	if opts.TTL == 0 {
		opts.TTL = DefaultTTL
	}
	if opts.MaxItems == 0 {
		opts.MaxItems = DefaultMaxItems
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	jobs, err := cache.New[Job](area, cache.Options{
		Prefix:   Prefix,
		MaxItems: opts.MaxItems,
		TTL:      opts.TTL,
		Name:     "jobs",
		Clock:    opts.Clock,
		Logger:   opts.Logger,
	})
	if err != nil {
		return nil, fmt.Errorf("creating job history: %w", err)
	}
	return &History{jobs: jobs, logger: opts.Logger}, nil
}

// Start records a new pending job and returns it.
func (h *History) Start(prompt string, scenes int) Job {
	h.mu.Lock()
	defer h.mu.Unlock()

	now := h.jobs.Now()
	job := Job{
		ID:          uuid.NewString(),
		Prompt:      prompt,
		Status:      StatusPending,
		TotalScenes: scenes,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	h.jobs.Set(job.ID, job)
	return job
}

// Save writes job as-is, stamping UpdatedAt. Jobs without an ID are ignored.
func (h *History) Save(job Job) bool {
	if job.ID == "" {
		return false
	}
	h.mu.Lock()
	defer h.mu.Unlock()

	job.UpdatedAt = h.jobs.Now()
	if job.CreatedAt == 0 {
		job.CreatedAt = job.UpdatedAt
	}
	return h.jobs.Set(job.ID, job)
}

func (h *History) Get(id string) (Job, bool) { return h.jobs.Get(id) }

// List returns every live job, most recently written first.
func (h *History) List() []Job {
	items := h.jobs.All()
	out := make([]Job, 0, len(items))
	for _, item := range items {
		out = append(out, item.Data)
	}
	return out
}

// Active returns the jobs that are still pending or running.
func (h *History) Active() []Job {
	var out []Job
	for _, job := range h.List() {
		if !job.Status.Terminal() {
			out = append(out, job)
		}
	}
	return out
}

// Advance records scene progress and moves the job to running. Terminal
// and unknown jobs are left untouched.
func (h *History) Advance(id string, completedScenes int) (Job, bool) {
	return h.update(id, func(job *Job) {
		job.Status = StatusRunning
		job.CompletedScenes = min(completedScenes, job.TotalScenes)
	})
}

// Complete marks the job completed with its output URL.
func (h *History) Complete(id, videoURL string) (Job, bool) {
	return h.update(id, func(job *Job) {
		job.Status = StatusCompleted
		job.CompletedScenes = job.TotalScenes
		job.VideoURL = videoURL
	})
}

// Fail marks the job failed with msg.
func (h *History) Fail(id, msg string) (Job, bool) {
	return h.update(id, func(job *Job) {
		job.Status = StatusFailed
		job.Error = msg
	})
}

func (h *History) update(id string, mutate func(*Job)) (Job, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()

	job, ok := h.jobs.Get(id)
	if !ok {
		return Job{}, false
	}
	if job.Status.Terminal() {
		h.logger.Debug("ignoring update to finished job", "id", id, "status", job.Status)
		return job, false
	}
	mutate(&job)
	job.UpdatedAt = h.jobs.Now()
	if !h.jobs.Set(id, job) {
		return job, false
	}
	return job, true
}

func (h *History) Delete(id string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.jobs.Delete(id)
}

func (h *History) ClearExpired() int { return h.jobs.ClearExpired() }

func (h *History) ClearAll() int { return h.jobs.ClearAll() }

// Watch calls fn whenever another tab changes a job key. Notifications are
// best-effort; callers should still re-read the history when they resume.
func (h *History) Watch(ctx context.Context, sub Subscriber, fn func(jobID string)) error {
	return sub.Subscribe(ctx, func(ev storage.Event) {
		if strings.HasPrefix(ev.Key, Prefix) {
			fn(strings.TrimPrefix(ev.Key, Prefix))
		}
	})
}
