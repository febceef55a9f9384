package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/lprng-go/lpspoold/internal/jobticket"
	"github.com/lprng-go/lpspoold/internal/spool"
)

func newTestDir(t *testing.T) *spool.Dir {
	t.Helper()
	dir, err := spool.Open(t.TempDir())
	if err != nil {
		t.Fatalf("open spool dir: %v", err)
	}
	return dir
}

func TestRunPrintsAllJobsThenExits(t *testing.T) {
	dir := newTestDir(t)
	for i := 1; i <= 3; i++ {
		tk := &jobticket.Ticket{Identifier: "job", Number: i, Priority: 'A', Hostname: "h1"}
		if err := dir.WriteTicket(tk); err != nil {
			t.Fatalf("write ticket: %v", err)
		}
	}

	var printed []int
	printer := func(ctx context.Context, tk *jobticket.Ticket) Result {
		printed = append(printed, tk.Number)
		return Result{Outcome: OutcomeSuccess}
	}

	s := New(Config{QueueName: "lp0"}, dir, printer, nil)
	done := make(chan error, 1)
	go func() { done <- s.Run(context.Background()) }()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("run: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("scheduler did not terminate")
	}

	if len(printed) != 3 {
		t.Fatalf("printed %v, want 3 jobs", printed)
	}
	want := map[int]bool{1: true, 2: true, 3: true}
	for _, n := range printed {
		delete(want, n)
	}
	if len(want) != 0 {
		t.Fatalf("missing jobs: %v", want)
	}

	remaining, err := dir.ScanTickets()
	if err != nil {
		t.Fatalf("scan after run: %v", err)
	}
	if len(remaining) != 0 {
		t.Fatalf("expected all jobs removed, got %d remaining", len(remaining))
	}
}

func TestPriorityOrderingLowerLetterFirst(t *testing.T) {
	dir := newTestDir(t)
	dir.WriteTicket(&jobticket.Ticket{Identifier: "b", Number: 1, Priority: 'C', Hostname: "h1"})
	dir.WriteTicket(&jobticket.Ticket{Identifier: "a", Number: 2, Priority: 'A', Hostname: "h1"})

	var printed []string
	printer := func(ctx context.Context, tk *jobticket.Ticket) Result {
		printed = append(printed, tk.Identifier)
		return Result{Outcome: OutcomeSuccess}
	}
	s := New(Config{QueueName: "lp0"}, dir, printer, nil)
	if err := s.Run(context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(printed) != 2 || printed[0] != "a" {
		t.Fatalf("printed = %v, want [a b]", printed)
	}
}

func TestHeldJobIsSkippedAndRemains(t *testing.T) {
	dir := newTestDir(t)
	held := &jobticket.Ticket{Identifier: "held", Number: 1, Priority: 'A', Hostname: "h1", HoldTime: time.Now().Unix()}
	dir.WriteTicket(held)

	var calls int32
	printer := func(ctx context.Context, tk *jobticket.Ticket) Result {
		atomic.AddInt32(&calls, 1)
		return Result{Outcome: OutcomeSuccess}
	}
	s := New(Config{QueueName: "lp0", PollInterval: 20 * time.Millisecond}, dir, printer, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	_ = s.Run(ctx)

	if atomic.LoadInt32(&calls) != 0 {
		t.Fatalf("held job should never be printed, got %d calls", calls)
	}
	remaining, err := dir.ScanTickets()
	if err != nil {
		t.Fatalf("scan: %v", err)
	}
	if len(remaining) != 1 {
		t.Fatalf("held job should remain in spool, got %d", len(remaining))
	}
}

func TestRetryIncrementsAttemptAndRequeues(t *testing.T) {
	dir := newTestDir(t)
	dir.WriteTicket(&jobticket.Ticket{Identifier: "j", Number: 1, Priority: 'A', Hostname: "h1"})

	var calls int32
	printer := func(ctx context.Context, tk *jobticket.Ticket) Result {
		n := atomic.AddInt32(&calls, 1)
		if n == 1 {
			return Result{Outcome: OutcomeRetry, Err: errors.New("transient")}
		}
		return Result{Outcome: OutcomeSuccess}
	}
	s := New(Config{QueueName: "lp0", Backoff: func(int) time.Duration { return time.Millisecond }}, dir, printer, nil)
	if err := s.Run(context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}
	if atomic.LoadInt32(&calls) != 2 {
		t.Fatalf("expected 2 attempts, got %d", calls)
	}
	remaining, _ := dir.ScanTickets()
	if len(remaining) != 0 {
		t.Fatalf("expected job removed after eventual success, got %d", len(remaining))
	}
}

func TestAbortMarksErrorAndStopsRetrying(t *testing.T) {
	dir := newTestDir(t)
	dir.WriteTicket(&jobticket.Ticket{Identifier: "j", Number: 1, Priority: 'A', Hostname: "h1"})

	var calls int32
	printer := func(ctx context.Context, tk *jobticket.Ticket) Result {
		atomic.AddInt32(&calls, 1)
		return Result{Outcome: OutcomeAbort, Err: errors.New("fatal")}
	}
	s := New(Config{QueueName: "lp0", PollInterval: 20 * time.Millisecond}, dir, printer, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Millisecond)
	defer cancel()
	_ = s.Run(ctx)

	if atomic.LoadInt32(&calls) != 1 {
		t.Fatalf("aborted job should not be retried, got %d calls", calls)
	}
	remaining, _ := dir.ScanTickets()
	if len(remaining) != 1 || remaining[0].Error != "fatal" {
		t.Fatalf("expected aborted job to remain with error set, got %+v", remaining)
	}
}

func TestRetryConvertsToAbortAtMaxAttempts(t *testing.T) {
	dir := newTestDir(t)
	dir.WriteTicket(&jobticket.Ticket{Identifier: "j", Number: 1, Priority: 'A', Hostname: "h1"})

	var calls int32
	printer := func(ctx context.Context, tk *jobticket.Ticket) Result {
		atomic.AddInt32(&calls, 1)
		return Result{Outcome: OutcomeRetry, Err: errors.New("transient")}
	}
	s := New(Config{
		QueueName:    "lp0",
		MaxAttempts:  2,
		PollInterval: 20 * time.Millisecond,
		Backoff:      func(int) time.Duration { return time.Millisecond },
	}, dir, printer, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	_ = s.Run(ctx)

	if got := atomic.LoadInt32(&calls); got != 2 {
		t.Fatalf("expected exactly 2 attempts before abort, got %d", got)
	}
	remaining, _ := dir.ScanTickets()
	if len(remaining) != 1 || remaining[0].Attempt != 2 {
		t.Fatalf("expected job to remain aborted after 2 attempts, got %+v", remaining)
	}
}

func TestSecondSchedulerFailsToAcquireLock(t *testing.T) {
	dir := newTestDir(t)
	lock, ok, err := spool.TryLock(dir.LockPath(), 1)
	if err != nil || !ok {
		t.Fatalf("pre-lock: %v %v", ok, err)
	}
	defer lock.Unlock()

	s := New(Config{QueueName: "lp0"}, dir, func(context.Context, *jobticket.Ticket) Result {
		return Result{Outcome: OutcomeSuccess}
	}, nil)
	if err := s.Run(context.Background()); err != nil {
		t.Fatalf("run should not error when lock held elsewhere: %v", err)
	}
}
