package jobs

import (
	"context"
	"fmt"
	"sync"
	"time"

	"lsifd/internal/config"
	"lsifd/internal/errors"
	"lsifd/internal/logging"
	"lsifd/internal/metrics"
)

// Handler executes one attempt of a job. A nil return completes the job; a
// payload error fails it terminally; any other error schedules a retry.
type Handler func(ctx context.Context, job *Job) error

// jobRetention is how long terminal jobs stay visible for inspection.
const jobRetention = 7 * 24 * time.Hour

// Runner polls the durable queue and executes jobs. Several runners may
// share one store; the claim in Dequeue keeps them from doubling up.
type Runner struct {
	store    *Store
	logger   *logging.Logger
	metrics  *metrics.Metrics
	handlers map[JobType]Handler

	queueCfg      config.QueueConfig
	pollInterval  time.Duration
	headsInterval time.Duration

	done chan struct{}
	mu   sync.RWMutex
	wg   sync.WaitGroup
}

// NewRunner creates a job runner over the given store.
func NewRunner(store *Store, logger *logging.Logger, m *metrics.Metrics, queueCfg config.QueueConfig, headsInterval time.Duration) *Runner {
	if queueCfg.WorkerCount <= 0 {
		queueCfg.WorkerCount = 1
	}
	if queueCfg.StaleDeadline <= 0 {
		queueCfg.StaleDeadline = time.Hour
	}
	if queueCfg.JobTimeout <= 0 {
		queueCfg.JobTimeout = 30 * time.Minute
	}
	if headsInterval <= 0 {
		headsInterval = 30 * time.Second
	}
	return &Runner{
		store:         store,
		logger:        logger,
		metrics:       m,
		handlers:      make(map[JobType]Handler),
		queueCfg:      queueCfg,
		pollInterval:  time.Second,
		headsInterval: headsInterval,
		done:          make(chan struct{}),
	}
}

// RegisterHandler registers a handler for a job type.
func (r *Runner) RegisterHandler(jobType JobType, handler Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[jobType] = handler
	r.logger.Debug("Registered job handler", map[string]interface{}{
		"type": jobType,
	})
}

// Start begins polling for jobs and running periodic maintenance.
func (r *Runner) Start() {
	r.logger.Info("Starting job runner", map[string]interface{}{
		"workers":       r.queueCfg.WorkerCount,
		"maxAttempts":   r.queueCfg.MaxAttempts,
		"headsInterval": r.headsInterval.String(),
	})

	for i := 0; i < r.queueCfg.WorkerCount; i++ {
		r.wg.Add(1)
		go r.worker(i)
	}

	r.wg.Add(1)
	go r.maintenanceLoop()
}

// Stop gracefully shuts down the runner.
func (r *Runner) Stop(timeout time.Duration) error {
	r.logger.Info("Stopping job runner", nil)
	close(r.done)

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		r.logger.Info("Job runner stopped cleanly", nil)
		return nil
	case <-time.After(timeout):
		return fmt.Errorf("job runner shutdown timed out after %v", timeout)
	}
}

// Enqueue persists a job so any runner sharing the store may pick it up.
func (r *Runner) Enqueue(ctx context.Context, job *Job) error {
	return r.store.CreateJob(ctx, job)
}

// worker repeatedly claims and processes jobs until the runner stops.
func (r *Runner) worker(id int) {
	defer r.wg.Done()

	r.logger.Debug("Job worker started", map[string]interface{}{
		"workerId": id,
	})

	ticker := time.NewTicker(r.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.done:
			r.logger.Debug("Job worker stopping", map[string]interface{}{
				"workerId": id,
			})
			return
		case <-ticker.C:
			for {
				job, err := r.store.Dequeue(context.Background())
				if err != nil {
					r.logger.Warn("Failed to dequeue job", map[string]interface{}{
						"error": err.Error(),
					})
					break
				}
				if job == nil {
					break
				}
				r.processJob(job)
			}
		}
	}
}

// maintenanceLoop recovers stale jobs, schedules the periodic update-tips
// job, samples the queue depth, and trims old terminal jobs.
func (r *Runner) maintenanceLoop() {
	defer r.wg.Done()

	staleTicker := time.NewTicker(r.queueCfg.StaleDeadline / 4)
	defer staleTicker.Stop()
	headsTicker := time.NewTicker(r.headsInterval)
	defer headsTicker.Stop()
	cleanupTicker := time.NewTicker(time.Hour)
	defer cleanupTicker.Stop()

	r.scheduleUpdateTips()

	for {
		select {
		case <-r.done:
			return
		case <-staleTicker.C:
			r.recoverStale()
		case <-headsTicker.C:
			r.scheduleUpdateTips()
		case <-cleanupTicker.C:
			if removed, err := r.store.CleanupOldJobs(context.Background(), jobRetention); err != nil {
				r.logger.Warn("Failed to cleanup old jobs", map[string]interface{}{
					"error": err.Error(),
				})
			} else if removed > 0 {
				r.logger.Info("Removed old jobs", map[string]interface{}{
					"removed": removed,
				})
			}
		}
	}
}

func (r *Runner) recoverStale() {
	ctx := context.Background()
	recovered, err := r.store.RecoverStale(ctx, r.queueCfg.StaleDeadline)
	if err != nil {
		r.logger.Warn("Failed to recover stale jobs", map[string]interface{}{
			"error": err.Error(),
		})
		return
	}
	if recovered > 0 {
		r.logger.Info("Recovered stale jobs", map[string]interface{}{
			"recovered": recovered,
		})
	}
	if pending, err := r.store.PendingCount(ctx); err == nil {
		r.metrics.QueueDepth.Set(float64(pending))
	}
}

// scheduleUpdateTips enqueues an update-tips job unless one is already
// queued or running.
func (r *Runner) scheduleUpdateTips() {
	r.mu.RLock()
	_, registered := r.handlers[JobTypeUpdateTips]
	r.mu.RUnlock()
	if !registered {
		return
	}

	enqueued, err := r.store.EnqueueUnlessPending(context.Background(), NewUpdateTipsJob(r.queueCfg.MaxAttempts))
	if err != nil {
		r.logger.Warn("Failed to schedule update-tips job", map[string]interface{}{
			"error": err.Error(),
		})
		return
	}
	if enqueued {
		r.logger.Debug("Scheduled update-tips job", nil)
	}
}

// processJob executes a single claimed job attempt.
func (r *Runner) processJob(job *Job) {
	r.mu.RLock()
	handler, ok := r.handlers[job.Type]
	r.mu.RUnlock()

	if !ok {
		r.logger.Error("No handler for job type", map[string]interface{}{
			"jobId": job.ID,
			"type":  job.Type,
		})
		job.MarkFailed(fmt.Errorf("no handler for job type: %s", job.Type))
		r.saveJob(job)
		return
	}

	r.logger.Info("Processing job", map[string]interface{}{
		"jobId":   job.ID,
		"type":    job.Type,
		"attempt": job.Attempts,
	})
	r.metrics.JobAttemptsTotal.WithLabelValues(string(job.Type)).Inc()

	ctx, cancel := context.WithTimeout(context.Background(), r.queueCfg.JobTimeout)
	defer cancel()

	startTime := time.Now()
	err := handler(ctx, job)
	duration := time.Since(startTime)
	r.metrics.JobDuration.WithLabelValues(string(job.Type)).Observe(duration.Seconds())

	if err == nil {
		job.MarkCompleted()
		r.logger.Info("Job completed", map[string]interface{}{
			"jobId":    job.ID,
			"duration": duration.String(),
		})
		r.saveJob(job)
		return
	}

	r.metrics.JobErrorsTotal.WithLabelValues(string(job.Type)).Inc()

	switch {
	case errors.IsPayloadError(err):
		// Retrying the same input cannot succeed.
		job.MarkFailed(err)
		r.logger.Error("Job failed on its payload", map[string]interface{}{
			"jobId": job.ID,
			"error": err.Error(),
		})
	case job.Attempts >= job.MaxAttempts:
		job.MarkFailed(err)
		r.logger.Error("Job exhausted its attempts", map[string]interface{}{
			"jobId":    job.ID,
			"attempts": job.Attempts,
			"error":    err.Error(),
		})
	default:
		delay := r.backoff(job.Attempts)
		job.MarkRetry(err, delay)
		r.logger.Warn("Job failed, will retry", map[string]interface{}{
			"jobId":   job.ID,
			"attempt": job.Attempts,
			"delay":   delay.String(),
			"error":   err.Error(),
		})
	}
	r.saveJob(job)
}

// backoff returns the delay before the next attempt, doubling per attempt
// up to the configured ceiling.
func (r *Runner) backoff(attempts int) time.Duration {
	delay := r.queueCfg.BackoffBase
	for i := 1; i < attempts && delay < r.queueCfg.BackoffCeiling; i++ {
		delay *= 2
	}
	if delay > r.queueCfg.BackoffCeiling {
		delay = r.queueCfg.BackoffCeiling
	}
	return delay
}

func (r *Runner) saveJob(job *Job) {
	if err := r.store.UpdateJob(context.Background(), job); err != nil {
		r.logger.Error("Failed to save job state", map[string]interface{}{
			"jobId": job.ID,
			"error": err.Error(),
		})
	}
}
