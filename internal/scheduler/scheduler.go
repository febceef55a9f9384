// Package scheduler implements the per-queue job loop of spec.md §4.6:
// acquire the queue lock, select the next printable job, run it, map
// its outcome back onto the job ticket, and repeat until the queue is
// empty or stopped. Grounded on internal/daemon/supervisor.go +
// worker.go's ruleWorker ("one goroutine per managed unit, holding its
// own cancellation and wake channels") generalized from "one rclone
// rule" to "one print queue".
package scheduler

import (
	"context"
	"os"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/lprng-go/lpspoold/internal/jobticket"
	"github.com/lprng-go/lpspoold/internal/spool"
)

// Outcome is the closed set a printer-worker's exit maps to, per
// spec.md §4.6 step 7.
type Outcome int

const (
	OutcomeSuccess Outcome = iota
	OutcomeRetry
	OutcomeAbort
	OutcomeRemove
	OutcomeHold
	OutcomeRequeueDifferentClass
)

// Result is what running one job attempt produced.
type Result struct {
	Outcome Outcome
	Class   string // new class, when Outcome == OutcomeRequeueDifferentClass
	Err     error
}

// Printer runs one job attempt to completion, e.g. via
// internal/pipeline.Session.Run wrapped with destination resolution.
// It is supplied by the caller so this package stays free of device/
// transport concerns.
type Printer func(ctx context.Context, tk *jobticket.Ticket) Result

// Config holds one queue's scheduling policy.
type Config struct {
	QueueName      string
	MaxAttempts    int
	Backoff        func(attempt int) time.Duration
	PollInterval   time.Duration // how often to re-scan an otherwise-idle queue
	LockRetryDelay time.Duration
}

func (c Config) withDefaults() Config {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 5
	}
	if c.Backoff == nil {
		c.Backoff = func(attempt int) time.Duration {
			d := time.Duration(1<<uint(attempt)) * time.Second
			if d > 5*time.Minute {
				d = 5 * time.Minute
			}
			return d
		}
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 10 * time.Second
	}
	if c.LockRetryDelay <= 0 {
		c.LockRetryDelay = 2 * time.Second
	}
	return c
}

// Scheduler is one queue's run loop. A Scheduler value is single-use:
// call Run once per acquisition of the queue lock.
type Scheduler struct {
	Cfg     Config
	Dir     *spool.Dir
	Printer Printer
	Log     *zap.Logger

	wakeCh   chan struct{}
	reloadCh chan struct{}
}

// New builds a Scheduler ready to Run.
func New(cfg Config, dir *spool.Dir, printer Printer, log *zap.Logger) *Scheduler {
	if log == nil {
		log = zap.NewNop()
	}
	return &Scheduler{
		Cfg:      cfg.withDefaults(),
		Dir:      dir,
		Printer:  printer,
		Log:      log,
		wakeCh:   make(chan struct{}, 1),
		reloadCh: make(chan struct{}, 1),
	}
}

// Wake requests an immediate scan restart, the SIGUSR2 behavior of
// spec.md §4.6 step 8.
func (s *Scheduler) Wake() {
	select {
	case s.wakeCh <- struct{}{}:
	default:
	}
}

// Reload requests configuration be re-read, the SIGHUP behavior of
// spec.md §4.6 step 8. A pending request ends the current idle wait
// early so the loop rescans; Scheduler itself carries no config
// beyond Cfg.
func (s *Scheduler) Reload() {
	select {
	case s.reloadCh <- struct{}{}:
	default:
	}
}

// Run acquires the queue's advisory lock (spec.md invariant 1) and
// drives the scheduling loop until the queue empties, ctx is canceled
// (the SIGINT/SIGTERM behavior of spec.md §4.6 step 8 — the caller is
// expected to also signal any in-flight printer worker's process group
// and wait for it, which Printer implementations do internally), or
// the lock cannot be acquired (another scheduler already owns this
// queue, satisfying invariant 1 by simply not running).
func (s *Scheduler) Run(ctx context.Context) error {
	lock, ok, err := spool.TryLock(s.Dir.LockPath(), os.Getpid())
	if err != nil {
		return err
	}
	if !ok {
		s.Log.Debug("queue already owned by another scheduler", zap.String("queue", s.Cfg.QueueName))
		return nil
	}
	defer lock.Unlock()

	for {
		ctrl, err := s.Dir.ReadControl()
		if err != nil {
			s.Log.Warn("read control", zap.Error(err))
			ctrl = &spool.Control{}
		}
		if ctrl.PrintingDisabled || ctrl.Aborted {
			if !s.idleWait(ctx) {
				return nil
			}
			continue
		}

		head, rest, err := s.selectNext(ctrl)
		if err != nil {
			s.Log.Warn("scan tickets", zap.Error(err))
			if !s.idleWait(ctx) {
				return nil
			}
			continue
		}
		if head == nil {
			if len(rest) == 0 {
				return nil // queue empty: release lock by returning, per spec.md §4.6 step 4
			}
			if !s.idleWait(ctx) {
				return nil
			}
			continue
		}

		s.runOne(ctx, head)
	}
}

// selectNext scans the spool directory and returns the head of the
// printable (sorted, class/hold/move-filtered) job list, per spec.md
// §4.6 steps 2-3. It returns (nil, nonEmptyButSkippedList) when jobs
// exist but none is currently printable (e.g. all held), so Run knows
// to wait rather than terminate.
func (s *Scheduler) selectNext(ctrl *spool.Control) (head *jobticket.Ticket, rest []*jobticket.Ticket, err error) {
	all, err := s.Dir.ScanTickets()
	if err != nil {
		return nil, nil, err
	}

	classAllowed := func(class string) bool {
		if len(ctrl.Classes) == 0 {
			return true
		}
		for _, c := range ctrl.Classes {
			if c == class {
				return true
			}
		}
		return false
	}

	var printable []*jobticket.Ticket
	for _, tk := range all {
		st := tk.Derive()
		if st == jobticket.StateRemoved || st == jobticket.StateDone || st == jobticket.StateAborted {
			continue
		}
		if st == jobticket.StateHeld {
			continue
		}
		if tk.Move != "" {
			continue
		}
		if !classAllowed(tk.Class) {
			continue
		}
		printable = append(printable, tk)
	}

	sort.SliceStable(printable, func(i, j int) bool {
		a, b := printable[i], printable[j]
		if a.Priority != b.Priority {
			return a.Priority < b.Priority
		}
		if a.Number != b.Number {
			return a.Number < b.Number
		}
		return a.Identifier < b.Identifier
	})

	if len(printable) == 0 {
		return nil, all, nil
	}
	return printable[0], printable, nil
}

// runOne runs the selected job, maps its outcome, and mutates its
// ticket/spool state accordingly, per spec.md §4.6 step 7.
func (s *Scheduler) runOne(ctx context.Context, tk *jobticket.Ticket) {
	res := s.Printer(ctx, tk)
	switch res.Outcome {
	case OutcomeSuccess:
		if err := s.Dir.RemoveJobFiles(tk); err != nil {
			s.Log.Warn("remove job files", zap.String("job", tk.Identifier), zap.Error(err))
		}
	case OutcomeRetry:
		tk.Attempt++
		if tk.Attempt >= s.Cfg.MaxAttempts {
			tk.Error = "max attempts exceeded"
			if res.Err != nil {
				tk.Error = res.Err.Error()
			}
			if err := s.Dir.WriteTicket(tk); err != nil {
				s.Log.Warn("write ticket", zap.Error(err))
			}
			return
		}
		if err := s.Dir.WriteTicket(tk); err != nil {
			s.Log.Warn("write ticket", zap.Error(err))
			return
		}
		wait := s.Cfg.Backoff(tk.Attempt)
		s.sleepOrWake(ctx, wait)
	case OutcomeAbort:
		tk.Error = "aborted"
		if res.Err != nil {
			tk.Error = res.Err.Error()
		}
		if err := s.Dir.WriteTicket(tk); err != nil {
			s.Log.Warn("write ticket", zap.Error(err))
		}
	case OutcomeHold:
		tk.HoldTime = time.Now().Unix()
		if err := s.Dir.WriteTicket(tk); err != nil {
			s.Log.Warn("write ticket", zap.Error(err))
		}
	case OutcomeRemove:
		if err := s.Dir.RemoveJobFiles(tk); err != nil {
			s.Log.Warn("remove job files", zap.Error(err))
		}
	case OutcomeRequeueDifferentClass:
		tk.Class = res.Class
		if err := s.Dir.WriteTicket(tk); err != nil {
			s.Log.Warn("write ticket", zap.Error(err))
		}
	}
}

// idleWait blocks until the poll interval elapses, a wake is
// requested, or ctx is canceled. It returns false when ctx is done
// (the caller should stop the loop).
func (s *Scheduler) idleWait(ctx context.Context) bool {
	t := time.NewTimer(s.Cfg.PollInterval)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-s.wakeCh:
		return true
	case <-s.reloadCh:
		return true
	case <-t.C:
		return true
	}
}

// sleepOrWake waits out a retry backoff, but returns early on wake —
// an operator-triggered rescan should not have to wait for a job's
// backoff to elapse.
func (s *Scheduler) sleepOrWake(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-s.wakeCh:
	case <-t.C:
	}
}
