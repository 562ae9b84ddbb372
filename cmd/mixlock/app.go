package main

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"time"

	"github.com/redis/go-redis/v9"

	"mixlock/internal/agent"
	"mixlock/internal/config"
	"mixlock/internal/conflict"
	"mixlock/internal/lock"
	"mixlock/internal/obs"
	"mixlock/internal/queue"
	"mixlock/internal/resilience"
	"mixlock/internal/storage"
	"mixlock/internal/vcs"
)

// app holds the wired-up dependency graph for one CLI invocation, rooted at
// the current working directory.
type app struct {
	cfg     *config.Config
	workdir string
	logger  *obs.Logger
	metrics *obs.Metrics

	locks    *lock.Manager
	git      *vcs.Git
	detector *conflict.Detector
	retryer  *resilience.Retryer
	prober   *resilience.Prober

	db *storage.DB
	q  *queue.Queue
}

func newApp(ctx context.Context) (*app, error) {
	workdir, err := os.Getwd()
	if err != nil {
		return nil, err
	}
	cfg, err := config.Load(workdir)
	if err != nil {
		return nil, err
	}

	a := &app{
		cfg:     cfg,
		workdir: workdir,
		logger:  obs.NewLoggerTo(os.Stderr),
		metrics: obs.NewMetrics(),
	}

	store, err := newStore(cfg)
	if err != nil {
		return nil, err
	}
	a.locks = lock.NewManager(store, a.logger, a.metrics)
	a.git = vcs.NewGit(workdir)
	a.detector = conflict.NewDetector(a.locks, a.git, cfg.Identity, a.logger)
	a.retryer = resilience.NewRetryer(resilience.Policy{
		MaxRetries:     cfg.Network.MaxRetries,
		InitialBackoff: cfg.Network.InitialBackoff,
		MaxBackoff:     cfg.Network.MaxBackoff,
	}, a.logger, a.metrics)
	a.prober = newProber(cfg, a.metrics)
	return a, nil
}

func newStore(cfg *config.Config) (lock.Store, error) {
	switch cfg.Lock.Backend {
	case config.BackendRemote:
		return lock.NewRemote(cfg.Lock.ServerURL, &http.Client{Timeout: 10 * time.Second}), nil
	case config.BackendFile:
		return lock.NewFile(cfg.Lock.SharedDir)
	case config.BackendRedis:
		return lock.NewRedis(redis.NewClient(&redis.Options{Addr: cfg.Lock.RedisAddr})), nil
	default:
		return nil, fmt.Errorf("unknown lock backend %q", cfg.Lock.Backend)
	}
}

func newProber(cfg *config.Config, metrics *obs.Metrics) *resilience.Prober {
	switch cfg.Lock.Backend {
	case config.BackendRemote:
		if u, err := url.Parse(cfg.Lock.ServerURL); err == nil && u.Host != "" {
			host := u.Host
			if u.Port() == "" {
				if u.Scheme == "https" {
					host += ":443"
				} else {
					host += ":80"
				}
			}
			return resilience.NewProber(host, cfg.Network.ConnectivityCheck, metrics)
		}
	case config.BackendRedis:
		return resilience.NewProber(cfg.Lock.RedisAddr, cfg.Network.ConnectivityCheck, metrics)
	}
	// File backend: the shared directory is either mounted or not; a TCP
	// probe means nothing, so always report online and let operations fail
	// with real errors.
	return resilience.NewProberFunc(func(ctx context.Context) error { return nil },
		cfg.Network.ConnectivityCheck, metrics)
}

// openQueue lazily opens the sqlite-backed queue; only the commands that
// touch it pay the cost.
func (a *app) openQueue(ctx context.Context) error {
	if a.q != nil {
		return nil
	}
	db, err := storage.Open(ctx, storage.Config{
		Path:        a.cfg.Queue.Path,
		BusyTimeout: 5 * time.Second,
	})
	if err != nil {
		return fmt.Errorf("open queue db: %w", err)
	}
	q, err := queue.New(ctx, db, a.logger, a.metrics, a.cfg.Queue.MaxEntries)
	if err != nil {
		db.Close()
		return err
	}
	a.db = db
	a.q = q
	return nil
}

func (a *app) close() {
	if a.db != nil {
		a.db.Close()
	}
}

func (a *app) drainer() *queue.Drainer {
	exec := agent.NewExecutor(a.locks, a.detector, a.git, a.workdir, a.cfg.Identity, a.cfg.MachineID, a.logger)
	return queue.NewDrainer(a.q, exec, a.retryer, a.prober, a.logger, a.metrics)
}

// branchOr returns flag when set, otherwise the checked-out branch.
func (a *app) branchOr(ctx context.Context, flag string) (string, error) {
	if flag != "" {
		return flag, nil
	}
	branch, err := a.git.CurrentBranch(ctx)
	if err != nil {
		return "", fmt.Errorf("detect branch: %w", err)
	}
	return branch, nil
}
