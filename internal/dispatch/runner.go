package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/crawlstack/dispatch/internal/clock"
	"github.com/crawlstack/dispatch/internal/clock/system"
	"github.com/crawlstack/dispatch/internal/monitor"
	"github.com/crawlstack/dispatch/internal/ratelimit"
	"github.com/crawlstack/dispatch/internal/sysmem"
)

// FetchFunc is the externally supplied crawl operation. The dispatcher places
// no constraints on how it acquires resources; a returned error is treated as
// a non-retried failure, distinct from a rate-limited Outcome.
type FetchFunc func(ctx context.Context, task Task) (Outcome, error)

// ResultSink receives each finalized Result. Sinks are best-effort: failures
// are logged and never fail the task. Persistence, publishing, and payload
// archival all hang off this interface.
type ResultSink interface {
	Consume(ctx context.Context, res Result) error
}

// Options wires the runner's collaborators.
type Options struct {
	// Admission is the concurrency policy; required.
	Admission Admission
	// Limiter paces attempts and computes backoff. Nil gets defaults.
	Limiter *ratelimit.Limiter
	// Monitor observes task lifecycles; optional.
	Monitor *monitor.Monitor
	// Sampler provides per-task memory readings. Nil disables sampling.
	Sampler sysmem.Sampler
	// Clock stamps result times. Nil uses the system clock.
	Clock clock.Clock
	// Logger receives dispatch diagnostics. Nil discards them.
	Logger *zap.Logger
	// Sinks receive finalized results.
	Sinks []ResultSink
}

// Runner executes batches of tasks under the configured admission policy.
type Runner struct {
	admission Admission
	limiter   *ratelimit.Limiter
	monitor   *monitor.Monitor
	sampler   sysmem.Sampler
	clock     clock.Clock
	logger    *zap.Logger
	sinks     []ResultSink
}

// NewRunner validates the options and builds a Runner. Misconfiguration is
// reported here, before any task starts.
func NewRunner(opts Options) (*Runner, error) {
	if opts.Admission == nil {
		return nil, errors.New("admission policy is required")
	}
	if opts.Limiter == nil {
		limiter, err := ratelimit.New(ratelimit.Config{})
		if err != nil {
			return nil, err
		}
		opts.Limiter = limiter
	}
	if opts.Sampler == nil {
		opts.Sampler = sysmem.Fixed{}
	}
	if opts.Clock == nil {
		opts.Clock = system.New()
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Runner{
		admission: opts.Admission,
		limiter:   opts.Limiter,
		monitor:   opts.Monitor,
		sampler:   opts.Sampler,
		clock:     opts.Clock,
		logger:    opts.Logger,
		sinks:     append([]ResultSink(nil), opts.Sinks...),
	}, nil
}

// Run executes every task and returns one Result per task once all complete.
// The slice order follows completion, not submission.
func (r *Runner) Run(ctx context.Context, tasks []Task, fetch FetchFunc) ([]Result, error) {
	ch, err := r.Stream(ctx, tasks, fetch)
	if err != nil {
		return nil, err
	}
	results := make([]Result, 0, len(tasks))
	for res := range ch {
		results = append(results, res)
	}
	return results, nil
}

// Stream executes every task and yields results as they complete, in
// completion order. The channel closes after the last result. Canceling the
// context stops admitting new tasks promptly; tasks that never started do not
// emit a result.
func (r *Runner) Stream(ctx context.Context, tasks []Task, fetch FetchFunc) (<-chan Result, error) {
	if len(tasks) == 0 {
		return nil, errors.New("at least one task is required")
	}
	if fetch == nil {
		return nil, errors.New("fetch function is required")
	}

	prepared := make([]Task, len(tasks))
	for i, task := range tasks {
		if task.ID == "" {
			task.ID = uuid.NewString()
		}
		prepared[i] = task
		r.monitor.Register(task.ID, task.URL)
	}

	out := make(chan Result)
	var wg sync.WaitGroup
	for _, task := range prepared {
		wg.Add(1)
		go func(task Task) {
			defer wg.Done()
			res, emit := r.runTask(ctx, task, fetch)
			if !emit {
				return
			}
			r.deliver(ctx, res)
			select {
			case out <- res:
			case <-ctx.Done():
				r.logger.Debug("result dropped, consumer canceled",
					zap.String("task_id", res.TaskID))
			}
		}(task)
	}
	go func() {
		wg.Wait()
		close(out)
	}()
	return out, nil
}

// runTask drives one task through admission, pacing, the fetch, and retries.
// The second return value is false when the batch was canceled before the
// task started, in which case no result is emitted.
func (r *Runner) runTask(ctx context.Context, task Task, fetch FetchFunc) (Result, bool) {
	res := Result{
		TaskID:    task.ID,
		URL:       task.URL,
		StartTime: r.clock.Now(),
	}
	r.sample(&res)

	if err := r.admission.Acquire(ctx, task.ID); err != nil {
		if ctx.Err() != nil {
			// Whole-batch cancellation before the task started.
			return Result{}, false
		}
		res.Error = err.Error()
		r.finish(&res, monitor.StatusFailed)
		return res, true
	}
	defer r.admission.Release()

	r.monitor.UpdateStatus(task.ID, monitor.StatusInProgress, r.sample(&res))

	domain := task.Domain()
	budget := r.limiter.MaxRetries()
	for attempt := 1; ; attempt++ {
		res.Attempts = attempt
		if err := r.limiter.Wait(ctx, domain); err != nil {
			res.Error = err.Error()
			r.finish(&res, monitor.StatusFailed)
			return res, true
		}

		out := r.safeFetch(ctx, fetch, task)
		r.sample(&res)
		res.StatusCode = out.StatusCode

		if r.limiter.IsRateLimited(out.StatusCode) {
			if attempt <= budget {
				delay := r.limiter.BackoffFor(domain)
				r.logger.Debug("rate limited, backing off",
					zap.String("task_id", task.ID),
					zap.String("domain", domain),
					zap.Int("status", out.StatusCode),
					zap.Int("attempt", attempt),
					zap.Duration("delay", delay),
				)
				if err := ratelimit.Sleep(ctx, delay); err != nil {
					res.Error = err.Error()
					r.finish(&res, monitor.StatusFailed)
					return res, true
				}
				continue
			}
			res.Error = fmt.Sprintf("rate limited by %s after %d attempts (status %d)",
				domain, attempt, out.StatusCode)
			r.finish(&res, monitor.StatusFailed)
			return res, true
		}

		// Any non-rate-limited outcome clears the domain's backoff streak.
		r.limiter.Reset(domain)

		if out.Success {
			res.Payload = out.Payload
			r.finish(&res, monitor.StatusSucceeded)
			return res, true
		}
		if out.Error != "" {
			res.Error = out.Error
		} else {
			res.Error = fmt.Sprintf("fetch failed with status %d", out.StatusCode)
		}
		r.finish(&res, monitor.StatusFailed)
		return res, true
	}
}

// safeFetch converts collaborator errors and panics into failed outcomes so
// dispatch control flow never depends on exception handling beyond this one
// boundary.
func (r *Runner) safeFetch(ctx context.Context, fetch FetchFunc, task Task) (out Outcome) {
	defer func() {
		if p := recover(); p != nil {
			r.logger.Warn("fetch panicked",
				zap.String("task_id", task.ID),
				zap.Any("panic", p),
			)
			out = Outcome{Error: fmt.Sprintf("fetch panic: %v", p)}
		}
	}()
	o, err := fetch(ctx, task)
	if err != nil {
		return Outcome{StatusCode: o.StatusCode, Error: err.Error()}
	}
	return o
}

// sample refreshes the result's memory reading and running peak.
func (r *Runner) sample(res *Result) float64 {
	mb := r.sampler.ProcessMB()
	res.MemoryMB = mb
	if mb > res.PeakMemoryMB {
		res.PeakMemoryMB = mb
	}
	return mb
}

// finish stamps the end time and records the terminal state in the monitor.
func (r *Runner) finish(res *Result, status monitor.Status) {
	res.EndTime = r.clock.Now()
	if res.EndTime.Before(res.StartTime) {
		res.EndTime = res.StartTime
	}
	r.monitor.UpdateStatus(res.TaskID, status, res.MemoryMB)
}

// deliver hands the result to every sink, best-effort.
func (r *Runner) deliver(ctx context.Context, res Result) {
	for _, sink := range r.sinks {
		if sink == nil {
			continue
		}
		if err := sink.Consume(ctx, res); err != nil {
			r.logger.Warn("result sink failed",
				zap.String("task_id", res.TaskID),
				zap.Error(err),
			)
		}
	}
}
