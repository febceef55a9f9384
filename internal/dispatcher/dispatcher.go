// Package dispatcher implements the single long-lived accept loop of
// spec.md §4.7: bind listening sockets, acquire a global lock file,
// spawn a goroutine per accepted connection, and periodically poll-scan
// queues that need a scheduler. Grounded on cmd/115togd/main.go's
// listen/serve/signal-driven-shutdown shape and
// internal/daemon/limiter.go's channel-based admission-control
// semaphore, generalized from "one HTTP server + one rclone
// supervisor" into the line-printer daemon's accept loop plus
// poll-scan scheduler starter.
package dispatcher

import (
	"context"
	"net"
	"os"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/lprng-go/lpspoold/internal/spool"
)

// ConnHandler processes one accepted connection to completion.
type ConnHandler func(ctx context.Context, conn net.Conn)

// QueueStarter starts (or wakes, if already running) the scheduler for
// a named queue. Called once per poll-scan result and once per `\1`
// (print) opcode.
type QueueStarter func(ctx context.Context, queueName string)

// QueueScanner enumerates queue names currently needing a scheduler
// (spec.md §4.7 step 6 — "a scanner that enumerates printcap entries").
type QueueScanner func(ctx context.Context) ([]string, error)

// Config holds one dispatcher instance's tunables, the Go analogues of
// spec.md's poll_time/poll_start_interval/poll_servers_started/
// max_servers.
type Config struct {
	LockPath           string // global dispatcher lock file, keyed by port per spec.md step 2
	MaxServers         int    // admission-control cap on concurrent connection handlers
	PollTime           time.Duration
	PollStartInterval  time.Duration
	PollServersStarted int
}

func (c Config) withDefaults() Config {
	if c.MaxServers <= 0 {
		c.MaxServers = 256
	}
	if c.PollTime <= 0 {
		c.PollTime = 30 * time.Second
	}
	if c.PollStartInterval <= 0 {
		c.PollStartInterval = time.Second
	}
	if c.PollServersStarted <= 0 {
		c.PollServersStarted = 4
	}
	return c
}

// Dispatcher is the accept loop plus poll-scan scheduler starter.
type Dispatcher struct {
	Cfg          Config
	Listeners    []net.Listener
	Handle       ConnHandler
	Scan         QueueScanner
	StartQueue   QueueStarter
	Log          *zap.Logger

	sem      chan struct{}
	wakeCh   chan struct{}
	lock     *spool.AdvisoryLock
	pending  []string
	pendMu   sync.Mutex
}

// New builds a Dispatcher. Listeners must already be bound (TCP,
// UNIX, or inherited via systemd socket activation — see
// cmd/lpspoold for how those are constructed).
func New(cfg Config, listeners []net.Listener, handle ConnHandler, scan QueueScanner, start QueueStarter, log *zap.Logger) *Dispatcher {
	if log == nil {
		log = zap.NewNop()
	}
	cfg = cfg.withDefaults()
	return &Dispatcher{
		Cfg:        cfg,
		Listeners:  listeners,
		Handle:     handle,
		Scan:       scan,
		StartQueue: start,
		Log:        log,
		sem:        make(chan struct{}, cfg.MaxServers),
		wakeCh:     make(chan struct{}, 1),
	}
}

// TriggerRescan requests an immediate poll-scan, the in-process
// analogue of a worker signaling the dispatcher for a scan (spec.md
// §4.7 step 6 "poll_time interval, or on worker-requested signal").
func (d *Dispatcher) TriggerRescan() {
	select {
	case d.wakeCh <- struct{}{}:
	default:
	}
}

// Run acquires the global dispatcher lock (refusing to start if
// another instance holds it, per spec.md §4.7 step 2), then drives the
// accept loop and poll-scan loop until ctx is canceled.
func (d *Dispatcher) Run(ctx context.Context) error {
	lock, ok, err := spool.TryLock(d.Cfg.LockPath, os.Getpid())
	if err != nil {
		return err
	}
	if !ok {
		return errAlreadyRunning
	}
	d.lock = lock
	defer d.lock.Unlock()

	var wg sync.WaitGroup
	connCh := make(chan net.Conn, 64)

	for _, ln := range d.Listeners {
		wg.Add(1)
		go func(ln net.Listener) {
			defer wg.Done()
			d.acceptLoop(ctx, ln, connCh)
		}(ln)
	}

	pollTicker := time.NewTicker(d.Cfg.PollTime)
	defer pollTicker.Stop()
	startTicker := time.NewTicker(d.Cfg.PollStartInterval)
	defer startTicker.Stop()

	d.doScan(ctx)

	for {
		select {
		case <-ctx.Done():
			for _, ln := range d.Listeners {
				_ = ln.Close()
			}
			wg.Wait()
			return nil
		case conn := <-connCh:
			d.acceptOne(ctx, conn)
		case <-d.wakeCh:
			d.doScan(ctx)
		case <-pollTicker.C:
			d.doScan(ctx)
		case <-startTicker.C:
			d.drainPending(ctx)
		}
	}
}

func (d *Dispatcher) acceptLoop(ctx context.Context, ln net.Listener, connCh chan<- net.Conn) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			d.Log.Warn("accept", zap.Error(err))
			continue
		}
		select {
		case connCh <- conn:
		case <-ctx.Done():
			_ = conn.Close()
			return
		}
	}
}

// acceptOne applies admission control (spec.md §4.7 step 7): when the
// concurrent-handler cap is reached, the connection is held until a
// slot frees rather than dropped, since TCP's own backlog already
// provides the "stop accepting" behavior for new connections.
func (d *Dispatcher) acceptOne(ctx context.Context, conn net.Conn) {
	select {
	case d.sem <- struct{}{}:
	case <-ctx.Done():
		_ = conn.Close()
		return
	}
	go func() {
		defer func() { <-d.sem }()
		defer conn.Close()
		d.Handle(ctx, conn)
	}()
}

// doScan runs the queue scanner and appends any names not already
// pending to the pending list, per spec.md §4.7 step 6.
func (d *Dispatcher) doScan(ctx context.Context) {
	if d.Scan == nil {
		return
	}
	names, err := d.Scan(ctx)
	if err != nil {
		d.Log.Warn("queue scan", zap.Error(err))
		return
	}
	d.pendMu.Lock()
	defer d.pendMu.Unlock()
	seen := map[string]bool{}
	for _, p := range d.pending {
		seen[p] = true
	}
	for _, n := range names {
		if !seen[n] {
			d.pending = append(d.pending, n)
			seen[n] = true
		}
	}
}

// drainPending starts up to PollServersStarted pending queues per
// tick, per spec.md §4.7 step 6.
func (d *Dispatcher) drainPending(ctx context.Context) {
	if d.StartQueue == nil {
		return
	}
	d.pendMu.Lock()
	n := d.Cfg.PollServersStarted
	if n > len(d.pending) {
		n = len(d.pending)
	}
	batch := append([]string(nil), d.pending[:n]...)
	d.pending = d.pending[n:]
	d.pendMu.Unlock()

	for _, name := range batch {
		d.StartQueue(ctx, name)
	}
}

var errAlreadyRunning = &dispatcherError{"dispatcher: another instance holds the global lock"}

type dispatcherError struct{ msg string }

func (e *dispatcherError) Error() string { return e.msg }
