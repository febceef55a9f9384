// Command lpspoold is the line-printer spooling daemon's entrypoint:
// it parses configuration, builds the logger, wires the printcap
// resolver, permission engine, scheduler registry, status cache, and
// secure-transfer provider together, then runs the dispatcher's accept
// loop until a termination signal arrives. Grounded on
// cmd/115togd/main.go's shape: flag parsing, context.WithCancel root
// context, a background supervisor goroutine, signal.Notify-driven
// shutdown with a bounded drain.
package main

import (
	"context"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/lprng-go/lpspoold/internal/config"
	"github.com/lprng-go/lpspoold/internal/dispatcher"
	"github.com/lprng-go/lpspoold/internal/handlers"
	"github.com/lprng-go/lpspoold/internal/hostinfo"
	"github.com/lprng-go/lpspoold/internal/permission"
	"github.com/lprng-go/lpspoold/internal/printcap"
	"github.com/lprng-go/lpspoold/internal/scheduler"
	"github.com/lprng-go/lpspoold/internal/secure"
	"github.com/lprng-go/lpspoold/internal/server"
	"github.com/lprng-go/lpspoold/internal/spool"
	"github.com/lprng-go/lpspoold/internal/statuscache"
	"github.com/lprng-go/lpspoold/internal/store"
)

func main() {
	cfg, err := config.Parse(os.Args[1:], ".env")
	if err != nil {
		log.Fatalf("parse flags: %v", err)
	}
	if cfg.Version {
		fmt.Println("lpspoold (development build)")
		return
	}

	logger := newLogger(cfg)
	defer logger.Sync()

	if err := os.MkdirAll(cfg.SpoolRoot, 0o750); err != nil {
		logger.Fatal("mkdir spool root", zap.Error(err))
	}

	local, err := hostinfo.Resolve(context.Background(), "localhost")
	if err != nil {
		logger.Warn("resolve local host identity", zap.Error(err))
	}

	reg := newRegistry(cfg, local, logger)
	if err := reg.reload(); err != nil {
		logger.Fatal("load printcap/permissions", zap.Error(err))
	}

	h := &handlers.Handler{
		Resolve:   reg,
		Status:    reg.status,
		Perm:      reg.perm,
		StartJob:  reg.start,
		Log:       logger.Named("handlers"),
		LocalHost: local.ShortName,
	}
	// reload (SIGHUP) replaces reg.perm wholesale; keep the handler's
	// copy in sync since Handler.Perm is a plain field, not a live lookup.
	reg.onReload = func() { h.Perm = reg.perm }

	secKey, err := secure.GenerateKey()
	if err != nil {
		logger.Fatal("generate secure-transfer key", zap.Error(err))
	}
	secServer := &secure.Server{
		// No Kerberos/PGP provider is built in, and no printcap option
		// selects a FilterProvider here, so opcode \6 transfers are
		// always refused by UnimplementedProvider.
		Provider: secure.UnimplementedProvider{ProviderName: "kerberos"},
		HMACKey:  secKey,
		Creds:    map[string]secure.Credentials{},
	}
	handlers.SetSecureReceiver(secServer.Receive)

	listeners, err := socketActivatedListeners(logger)
	if err != nil {
		logger.Fatal("inherit systemd sockets", zap.Error(err))
	}
	if len(listeners) == 0 {
		if addr, on := cfg.TCPAddr(); on {
			ln, err := net.Listen("tcp", addr)
			if err != nil {
				logger.Fatal("listen tcp", zap.Error(err))
			}
			listeners = append(listeners, ln)
			logger.Info("listening", zap.String("proto", "tcp"), zap.String("addr", addr))
		}
		if path, on := cfg.UnixPath(); on {
			_ = os.Remove(path)
			ln, err := net.Listen("unix", path)
			if err != nil {
				logger.Fatal("listen unix", zap.Error(err))
			}
			listeners = append(listeners, ln)
			logger.Info("listening", zap.String("proto", "unix"), zap.String("path", path))
		}
	}
	if len(listeners) == 0 {
		logger.Fatal("no listeners configured: both -p and -P are off")
	}

	lockPort := cfg.ListenTCP
	if _, on := cfg.TCPAddr(); !on {
		lockPort = "off"
	}
	d := dispatcher.New(dispatcher.Config{
		LockPath:   filepath.Join(cfg.SpoolRoot, "lpspoold.lock."+lockPort),
		MaxServers: 256,
	}, listeners, h.Serve, reg.scan, reg.start, logger.Named("dispatcher"))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go watchConfigFiles(ctx, reg, logger.Named("watch"))

	if err := os.MkdirAll(filepath.Dir(cfg.AdminDBPath), 0o750); err != nil {
		logger.Fatal("mkdir admin db dir", zap.Error(err))
	}
	adminStore, err := store.Open(cfg.AdminDBPath)
	if err != nil {
		logger.Fatal("open admin db", zap.Error(err))
	}
	defer adminStore.Close()
	if err := adminStore.Migrate(ctx); err != nil {
		logger.Fatal("migrate admin db", zap.Error(err))
	}
	if err := adminStore.EnsureDefaults(ctx, map[string]string{
		"janitor_retention_hours": "0",
		"janitor_interval_hours":  "1",
	}); err != nil {
		logger.Fatal("seed admin settings", zap.Error(err))
	}

	janitorSettings, err := adminStore.JanitorSettings(ctx)
	if err != nil {
		logger.Warn("load janitor settings, disabling sweep", zap.Error(err))
	}
	janitor := &spool.Janitor{
		Dirs:      reg.openDirs,
		Retention: time.Duration(janitorSettings.RetentionHours) * time.Hour,
		Interval:  time.Duration(janitorSettings.IntervalHours) * time.Hour,
		OnRemove: func(dir *spool.Dir, hf string) {
			logger.Info("janitor purged stale job", zap.String("dir", dir.Path), zap.String("hf", hf))
		},
	}
	go janitor.Run(ctx)

	if cfg.AdminAddr != "" {
		adminSrv := &http.Server{Addr: cfg.AdminAddr, Handler: server.New(adminStore, reg, cfg.LogFile)}
		go func() {
			logger.Info("admin API listening", zap.String("addr", cfg.AdminAddr))
			if err := adminSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error("admin API exited", zap.Error(err))
			}
		}()
		go func() {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = adminSrv.Shutdown(shutdownCtx)
		}()
	}

	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()

	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	for {
		select {
		case sig := <-ch:
			if sig == syscall.SIGHUP {
				logger.Info("reloading configuration")
				if err := reg.reload(); err != nil {
					logger.Warn("reload failed, keeping previous configuration", zap.Error(err))
				}
				continue
			}
			logger.Info("shutting down", zap.String("signal", sig.String()))
			cancel()
			select {
			case <-done:
			case <-time.After(10 * time.Second):
				logger.Warn("dispatcher did not stop within grace period")
			}
			return
		case err := <-done:
			if err != nil {
				logger.Error("dispatcher exited", zap.Error(err))
			}
			return
		}
	}
}

func newLogger(cfg *config.Config) *zap.Logger {
	level, _ := cfg.DebugFlags()
	zlevel := zapcore.InfoLevel
	if level > 0 {
		zlevel = zapcore.DebugLevel
	}

	encCfg := zap.NewProductionEncoderConfig()
	encCfg.TimeKey = "ts"
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	encoder := zapcore.NewJSONEncoder(encCfg)

	var writer zapcore.WriteSyncer
	if cfg.LogFile != "" {
		writer = zapcore.AddSync(&lumberjack.Logger{
			Filename:   cfg.LogFile,
			MaxSize:    50, // megabytes
			MaxBackups: 5,
			MaxAge:     30, // days
			Compress:   true,
		})
	} else {
		writer = zapcore.AddSync(os.Stderr)
	}

	core := zapcore.NewCore(encoder, writer, zlevel)
	return zap.New(core)
}

// registry owns printcap resolution, per-queue spool directories,
// running schedulers, and status caches, tying the standalone
// internal/* packages together the way cmd/115togd/main.go ties
// internal/daemon + internal/store + internal/server together.
type registry struct {
	cfg    *config.Config
	local  hostinfo.Info
	logger *zap.Logger

	mu       sync.Mutex
	resolver *printcap.Resolver
	perm     *permission.RuleSet
	dirs     map[string]*spool.Dir
	caches   map[string]*statuscache.Cache
	running  map[string]*runningQueue

	// onReload, if set, runs after each successful reload() so callers
	// holding their own copy of reg.perm (e.g. handlers.Handler.Perm)
	// can refresh it.
	onReload func()
}

// runningQueue tracks one queue's live scheduler so a repeated "start"
// request (opcode \1, or a control-file arrival) can Wake it instead of
// starting a second scheduler against the same spool lock.
type runningQueue struct {
	cancel context.CancelFunc
	sched  *scheduler.Scheduler
}

func newRegistry(cfg *config.Config, local hostinfo.Info, logger *zap.Logger) *registry {
	return &registry{
		cfg:     cfg,
		local:   local,
		logger:  logger,
		dirs:    map[string]*spool.Dir{},
		caches:  map[string]*statuscache.Cache{},
		running: map[string]*runningQueue{},
	}
}

// reload re-reads printcap and permissions from disk, the SIGHUP
// behavior of spec.md §6 "Signals".
func (r *registry) reload() error {
	raw, err := os.ReadFile(r.cfg.PrintcapPath)
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("read printcap: %w", err)
	}
	lines := printcap.JoinContinuations(strings.Split(string(raw), "\n"))
	records := printcap.Parse(lines)
	resolver := printcap.NewResolver(records, printcap.RoleServer, r.local, nil)

	perm, err := permission.ParseFile(r.cfg.PermPath)
	if err != nil {
		return fmt.Errorf("read permissions: %w", err)
	}

	r.mu.Lock()
	r.resolver = resolver
	r.perm = perm
	r.mu.Unlock()
	if r.onReload != nil {
		r.onReload()
	}
	return nil
}

// openDirs returns every queue directory opened so far, for the spool
// janitor's sweep — same "already touched" set Resolve("all") uses.
func (r *registry) openDirs() []*spool.Dir {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*spool.Dir, 0, len(r.dirs))
	for _, d := range r.dirs {
		out = append(out, d)
	}
	return out
}

func (r *registry) dirFor(name string) (*spool.Dir, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if d, ok := r.dirs[name]; ok {
		return d, nil
	}
	d, err := spool.Open(filepath.Join(r.cfg.SpoolRoot, name))
	if err != nil {
		return nil, err
	}
	r.dirs[name] = d
	return d, nil
}

func (r *registry) cacheFor(name string, dir *spool.Dir) *statuscache.Cache {
	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.caches[name]; ok {
		return c
	}
	c := &statuscache.Cache{Dir: dir, Fresh: 10 * time.Second, NumSlots: 8}
	r.caches[name] = c
	return c
}

// Resolve implements handlers.Resolver: expand "all" into every known
// queue, otherwise a single queue.
func (r *registry) Resolve(name string) ([]handlers.Queue, error) {
	r.mu.Lock()
	resolver := r.resolver
	r.mu.Unlock()
	if resolver == nil {
		return nil, fmt.Errorf("registry: printcap not loaded")
	}

	if name == "all" {
		// The printcap resolver only exposes single-name lookups; this
		// build tracks "all known queues" as the set already opened on
		// disk, which covers every queue that has ever received a job
		// — sufficient for status/remove fan-out without requiring a
		// second printcap-wide enumeration API.
		r.mu.Lock()
		var qs []handlers.Queue
		for qname, d := range r.dirs {
			qs = append(qs, handlers.Queue{Name: qname, Dir: d})
		}
		r.mu.Unlock()
		return qs, nil
	}

	dir, err := r.dirFor(name)
	if err != nil {
		return nil, err
	}
	return []handlers.Queue{{Name: name, Dir: dir}}, nil
}

// status renders a queue's status text, consulting the status cache.
func (r *registry) status(ctx context.Context, q handlers.Queue, long bool, args []string) (string, error) {
	cache := r.cacheFor(q.Name, q.Dir)
	key := statuscache.Key(q.Name, long, args)
	return cache.Get(key, func() (string, error) {
		return renderStatus(q)
	})
}

func renderStatus(q handlers.Queue) (string, error) {
	ctrl, err := q.Dir.ReadControl()
	if err != nil {
		return "", err
	}
	tickets, err := q.Dir.ScanTickets()
	if err != nil {
		return "", err
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%s:\n", q.Name)
	if ctrl.PrintingDisabled {
		b.WriteString("  printing disabled\n")
	}
	if ctrl.Aborted {
		b.WriteString("  queue stopped\n")
	}
	for _, tk := range tickets {
		fmt.Fprintf(&b, "  %-3d %s@%s %s\n", tk.Number, tk.Identifier, tk.Hostname, tk.Derive())
	}
	if len(tickets) == 0 {
		b.WriteString("  no entries\n")
	}
	return b.String(), nil
}

// scan implements dispatcher.QueueScanner: queues with at least one
// job ticket (in any state) but no running scheduler.
func (r *registry) scan(ctx context.Context) ([]string, error) {
	r.mu.Lock()
	dirs := make(map[string]*spool.Dir, len(r.dirs))
	for n, d := range r.dirs {
		dirs[n] = d
	}
	r.mu.Unlock()

	var need []string
	for name, d := range dirs {
		r.mu.Lock()
		_, running := r.running[name]
		r.mu.Unlock()
		if running {
			continue
		}
		tickets, err := d.ScanTickets()
		if err != nil {
			continue
		}
		if len(tickets) > 0 {
			need = append(need, name)
		}
	}
	return need, nil
}

// start implements both dispatcher.QueueStarter and the handlers
// opcode-\1/\7 callback: start (or wake) the named queue's scheduler.
func (r *registry) start(ctx context.Context, name string) {
	r.mu.Lock()
	if rq, ok := r.running[name]; ok {
		r.mu.Unlock()
		rq.sched.Wake()
		return
	}
	r.mu.Unlock()

	dir, err := r.dirFor(name)
	if err != nil {
		r.logger.Warn("start queue: open spool dir", zap.String("queue", name), zap.Error(err))
		return
	}

	qctx, cancel := context.WithCancel(ctx)
	sched := scheduler.New(scheduler.Config{QueueName: name}, dir, r.printer(name, dir), r.logger.Named("scheduler").With(zap.String("queue", name)))

	r.mu.Lock()
	r.running[name] = &runningQueue{cancel: cancel, sched: sched}
	r.mu.Unlock()

	go func() {
		defer func() {
			r.mu.Lock()
			delete(r.running, name)
			r.mu.Unlock()
		}()
		if err := sched.Run(qctx); err != nil {
			r.logger.Warn("scheduler exited", zap.String("queue", name), zap.Error(err))
		}
	}()
}
