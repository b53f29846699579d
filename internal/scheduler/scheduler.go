package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	appLog "calremind/internal/log"
	"calremind/internal/reminder"
)

// Processor runs one reminder processing pass.
type Processor interface {
	ProcessDueReminders(ctx context.Context) (reminder.PassResult, error)
}

// Scheduler triggers a processing pass on a cron schedule. A pass still
// running when the next tick fires makes that tick a no-op.
type Scheduler struct {
	cron      *cron.Cron
	processor Processor
	timeout   time.Duration
	ctx       context.Context
	cancel    context.CancelFunc
}

// cronLogger routes robfig/cron's logging into the application log.
type cronLogger struct{}

func (cronLogger) Info(msg string, kv ...interface{}) {
	appLog.Debug("cron: "+msg, kv...)
}

func (cronLogger) Error(err error, msg string, kv ...interface{}) {
	appLog.Error("cron: "+msg, err, kv...)
}

// New parses spec (standard five-field cron) and prepares the scheduler.
// timeout bounds each pass; zero means no bound.
func New(spec string, processor Processor, timeout time.Duration) (*Scheduler, error) {
	if processor == nil {
		return nil, fmt.Errorf("scheduler: processor required")
	}

	logger := cronLogger{}
	c := cron.New(
		cron.WithLogger(logger),
		cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)),
	)

	ctx, cancel := context.WithCancel(context.Background())
	s := &Scheduler{
		cron:      c,
		processor: processor,
		timeout:   timeout,
		ctx:       ctx,
		cancel:    cancel,
	}
	if _, err := c.AddFunc(spec, s.tick); err != nil {
		cancel()
		return nil, fmt.Errorf("scheduler: invalid schedule %q: %w", spec, err)
	}
	return s, nil
}

// Add registers another job on its own schedule. Each job gets the same
// cancellation and timeout as the processing pass.
func (s *Scheduler) Add(name, spec string, run func(ctx context.Context) error) error {
	if run == nil {
		return fmt.Errorf("scheduler: job %s has no function", name)
	}
	if _, err := s.cron.AddFunc(spec, func() { s.runJob(name, run) }); err != nil {
		return fmt.Errorf("scheduler: invalid schedule %q for %s: %w", spec, name, err)
	}
	return nil
}

// Start runs the scheduler in the background.
func (s *Scheduler) Start() {
	appLog.Info("scheduler started")
	s.cron.Start()
}

// Stop cancels the running pass and waits for it to return.
func (s *Scheduler) Stop() {
	s.cancel()
	<-s.cron.Stop().Done()
	appLog.Info("scheduler stopped")
}

func (s *Scheduler) tick() {
	s.runJob("process", func(ctx context.Context) error {
		_, err := s.processor.ProcessDueReminders(ctx)
		return err
	})
}

func (s *Scheduler) runJob(name string, run func(ctx context.Context) error) {
	ctx := s.ctx
	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}
	if err := run(ctx); err != nil {
		appLog.Error("scheduled job failed", err, "job", name)
	}
}
