package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/hibiken/asynq"
	logging "github.com/ipfs/go-log/v2"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"github.com/mohans/quorumq/auth"
	"github.com/mohans/quorumq/breaker"
	"github.com/mohans/quorumq/consensus"
	"github.com/mohans/quorumq/cost"
	"github.com/mohans/quorumq/delegate"
	"github.com/mohans/quorumq/internal/config"
	"github.com/mohans/quorumq/internal/sqlstore"
	"github.com/mohans/quorumq/orchestrator"
	"github.com/mohans/quorumq/queue"
)

// app holds the per-invocation wiring. Components are built on first use so
// a command only opens what it needs.
type app struct {
	cfgPath  string
	dbPath   string
	jsonOut  bool
	logLevel string

	out    io.Writer
	errOut io.Writer

	cfg    config.Config
	loaded bool
	db     *sql.DB
	rdb    *redis.Client
}

func newRootCmd(a *app) *cobra.Command {
	root := &cobra.Command{
		Use:           "quorumq",
		Short:         "Consensus task queue with gated human approval",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.loadConfig()
		},
	}
	root.SetFlagErrorFunc(func(_ *cobra.Command, err error) error { return usageError{err: err} })
	pf := root.PersistentFlags()
	pf.StringVar(&a.cfgPath, "config", os.Getenv("QUORUMQ_CONFIG"), "config file (YAML)")
	pf.StringVar(&a.dbPath, "db", "", "database path (overrides config)")
	pf.BoolVar(&a.jsonOut, "json", false, "print JSON")
	pf.StringVar(&a.logLevel, "log-level", "", "log level (overrides config)")

	root.AddGroup(
		&cobra.Group{ID: "tasks", Title: "Tasks:"},
		&cobra.Group{ID: "approval", Title: "Approval:"},
		&cobra.Group{ID: "ops", Title: "Operations:"},
	)
	for _, c := range []*cobra.Command{
		newEnqueueCmd(a), newClaimCmd(a), newRunCmd(a), newQueueCmd(a),
	} {
		c.GroupID = "tasks"
		root.AddCommand(c)
	}
	for _, c := range []*cobra.Command{
		newGateCmd(a), newApproveCmd(a), newRejectCmd(a), newWorkflowCmd(a), newCompleteCmd(a), newAuthCmd(a),
	} {
		c.GroupID = "approval"
		root.AddCommand(c)
	}
	for _, c := range []*cobra.Command{
		newCostCmd(a), newBreakerCmd(a), newWorkerCmd(a), newMaintainCmd(a),
	} {
		c.GroupID = "ops"
		root.AddCommand(c)
	}
	return root
}

func (a *app) loadConfig() error {
	if a.loaded {
		return nil
	}
	cfg, err := config.Load(a.cfgPath)
	if err != nil {
		return usageError{err: err}
	}
	if a.dbPath != "" {
		cfg.DBPath = a.dbPath
	}
	if a.logLevel != "" {
		cfg.LogLevel = a.logLevel
	}
	if err := logging.SetLogLevel("*", cfg.LogLevel); err != nil {
		return usage("log level %q: %v", cfg.LogLevel, err)
	}
	a.cfg = cfg
	a.loaded = true
	return nil
}

func (a *app) close() {
	if a.rdb != nil {
		_ = a.rdb.Close()
	}
	if a.db != nil {
		_ = a.db.Close()
	}
}

func (a *app) openDB(ctx context.Context) (*sql.DB, error) {
	if a.db != nil {
		return a.db, nil
	}
	if dir := filepath.Dir(a.cfg.DBPath); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create db dir: %w", err)
		}
	}
	db, err := sqlstore.Open(ctx, a.cfg.DBPath, sqlstore.Options{})
	if err != nil {
		return nil, err
	}
	a.db = db
	return db, nil
}

func (a *app) store(ctx context.Context) (*queue.SQLStore, error) {
	db, err := a.openDB(ctx)
	if err != nil {
		return nil, err
	}
	return queue.NewSQLStore(db, queue.StoreOptions{
		MaxRetries:   a.cfg.Queue.MaxRetries,
		ClaimRetries: a.cfg.Queue.ClaimRetries,
	}), nil
}

func (a *app) redisOpt() (asynq.RedisClientOpt, bool) {
	if a.cfg.RedisAddr == "" {
		return asynq.RedisClientOpt{}, false
	}
	return asynq.RedisClientOpt{Addr: a.cfg.RedisAddr}, true
}

func (a *app) redis() *redis.Client {
	if a.rdb == nil {
		a.rdb = redis.NewClient(&redis.Options{Addr: a.cfg.RedisAddr})
	}
	return a.rdb
}

func (a *app) breakers(ctx context.Context) (*breaker.Manager, error) {
	db, err := a.openDB(ctx)
	if err != nil {
		return nil, err
	}
	return breaker.NewManager(db, breaker.Config{
		Threshold:    a.cfg.Breaker.Threshold,
		Cooldown:     a.cfg.Breaker.Cooldown.D(),
		TrialTimeout: a.cfg.Breaker.TrialTimeout.D(),
	})
}

func (a *app) dispatcher(ctx context.Context) (*delegate.Dispatcher, error) {
	bm, err := a.breakers(ctx)
	if err != nil {
		return nil, err
	}
	var dels []delegate.Delegate
	for _, dc := range a.cfg.Delegates {
		fields := strings.Fields(dc.Command)
		if len(fields) == 0 {
			return nil, usage("delegate %s has no command", dc.Name)
		}
		dels = append(dels, &delegate.Command{
			Model:   dc.Name,
			Path:    fields[0],
			Args:    append(fields[1:], dc.Args...),
			Format:  dc.Format,
			Timeout: dc.Timeout.D(),
		})
	}
	return delegate.NewDispatcher(bm, a.cfg.DispatchTimeout.D(), dels...)
}

func (a *app) tracker() (*cost.Tracker, error) {
	ledger, err := cost.NewLedger(a.cfg.Cost.Dir)
	if err != nil {
		return nil, err
	}
	rates := cost.RateTable{}
	for name, r := range a.cfg.Cost.Rates {
		rate, err := cost.ParseRate(r.InputPerMillion, r.OutputPerMillion)
		if err != nil {
			return nil, usage("cost rate %s: %v", name, err)
		}
		rates[name] = rate
	}
	budget := decimal.Zero
	if s := strings.TrimSpace(a.cfg.Cost.DailyBudget); s != "" {
		budget, err = decimal.NewFromString(s)
		if err != nil {
			return nil, usage("daily budget %q: %v", s, err)
		}
	}
	return cost.NewTracker(ledger, cost.TrackerConfig{
		Rates:         rates,
		CharsPerToken: a.cfg.Cost.CharsPerToken,
		DailyBudget:   budget,
	})
}

func (a *app) coordinator(ctx context.Context, workerID string, metrics *orchestrator.Metrics) (*orchestrator.Coordinator, error) {
	st, err := a.store(ctx)
	if err != nil {
		return nil, err
	}
	d, err := a.dispatcher(ctx)
	if err != nil {
		return nil, err
	}
	tr, err := a.tracker()
	if err != nil {
		return nil, err
	}
	return orchestrator.NewCoordinator(st, d, consensus.NewEngine(a.cfg.Consensus.Weights), orchestrator.Config{
		WorkerID: workerID,
		Tracker:  tr,
		Metrics:  metrics,
	})
}

func (a *app) tokens(ctx context.Context) (*auth.TokenStore, error) {
	db, err := a.openDB(ctx)
	if err != nil {
		return nil, err
	}
	return auth.NewTokenStore(db, auth.TokenConfig{TTL: a.cfg.Auth.TokenTTL.D()})
}

func (a *app) auditor(ctx context.Context) (*auth.Auditor, error) {
	db, err := a.openDB(ctx)
	if err != nil {
		return nil, err
	}
	return auth.NewAuditor(db, nil)
}

func (a *app) limiter(ctx context.Context) (auth.Limiter, error) {
	lc := auth.LimiterConfig{
		Threshold: a.cfg.Auth.LockoutThreshold,
		Window:    a.cfg.Auth.LockoutWindow.D(),
		Lockout:   a.cfg.Auth.LockoutDuration.D(),
	}
	switch a.cfg.Auth.Limiter {
	case "redis":
		return auth.NewRedisLimiter(a.redis(), lc)
	case "memory":
		// Only useful inside a long-lived process.
		return auth.NewMemoryLimiter(lc)
	default:
		db, err := a.openDB(ctx)
		if err != nil {
			return nil, err
		}
		return auth.NewSQLLimiter(db, lc)
	}
}

func (a *app) gate(ctx context.Context) (*auth.Gate, error) {
	st, err := a.store(ctx)
	if err != nil {
		return nil, err
	}
	tokens, err := a.tokens(ctx)
	if err != nil {
		return nil, err
	}
	audit, err := a.auditor(ctx)
	if err != nil {
		return nil, err
	}
	lim, err := a.limiter(ctx)
	if err != nil {
		return nil, err
	}
	return auth.NewGate(st, tokens, audit, lim)
}

func (a *app) workerID(flag string) string {
	if flag != "" {
		return flag
	}
	if a.cfg.WorkerID != "" {
		return a.cfg.WorkerID
	}
	host, _ := os.Hostname()
	if host == "" {
		host = "worker"
	}
	return fmt.Sprintf("%s-%d", host, os.Getpid())
}

func (a *app) printJSON(v any) error {
	enc := json.NewEncoder(a.out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func (a *app) printf(format string, args ...any) {
	fmt.Fprintf(a.out, format, args...)
}
