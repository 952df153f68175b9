package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/mohans/quorumq/breaker"
	"github.com/mohans/quorumq/cost"
	"github.com/mohans/quorumq/orchestrator"
	"github.com/mohans/quorumq/queue"
)

// dateRange resolves --date or --from/--to, defaulting to today (UTC).
func dateRange(date, from, to string) (time.Time, time.Time, error) {
	parse := func(s string) (time.Time, error) {
		t, err := time.Parse(time.DateOnly, s)
		if err != nil {
			return time.Time{}, usage("date %q must be YYYY-MM-DD", s)
		}
		return t, nil
	}
	today := time.Now().UTC()
	switch {
	case date != "":
		d, err := parse(date)
		return d, d, err
	case from == "" && to == "":
		return today, today, nil
	}
	start, end := today, today
	var err error
	if from != "" {
		if start, err = parse(from); err != nil {
			return start, end, err
		}
	}
	if to != "" {
		if end, err = parse(to); err != nil {
			return start, end, err
		}
	}
	if end.Before(start) {
		return start, end, usage("--to is before --from")
	}
	return start, end, nil
}

func newCostCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cost",
		Short: "Report and export delegate spend",
	}
	var date, from, to string
	addRange := func(c *cobra.Command) {
		c.Flags().StringVar(&date, "date", "", "single UTC day (YYYY-MM-DD)")
		c.Flags().StringVar(&from, "from", "", "first UTC day")
		c.Flags().StringVar(&to, "to", "", "last UTC day")
	}

	report := &cobra.Command{
		Use:   "report",
		Short: "Daily totals per worker",
		Args:  argsN(0),
		RunE: func(cmd *cobra.Command, args []string) error {
			start, end, err := dateRange(date, from, to)
			if err != nil {
				return err
			}
			tr, err := a.tracker()
			if err != nil {
				return err
			}
			entries, err := tr.Ledger().Range(cmd.Context(), start, end)
			if err != nil {
				return err
			}
			days := cost.Rollup(entries)
			if a.jsonOut {
				return a.printJSON(days)
			}
			tw := tabwriter.NewWriter(a.out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "DATE\tWORKER\tCALLS\tIN\tOUT\tCOST (USD)")
			for _, d := range days {
				models := make([]string, 0, len(d.ByModel))
				for m := range d.ByModel {
					models = append(models, m)
				}
				sort.Strings(models)
				for _, m := range models {
					t := d.ByModel[m]
					fmt.Fprintf(tw, "%s\t%s\t%d\t%s\t%s\t%s\n", d.Date, m, t.Calls,
						humanize.Comma(t.InputTokens), humanize.Comma(t.OutputTokens), t.Cost.StringFixed(4))
				}
			}
			total := cost.Summarize(entries)
			fmt.Fprintf(tw, "total\t\t%d\t%s\t%s\t%s\n", total.Calls,
				humanize.Comma(total.InputTokens), humanize.Comma(total.OutputTokens), total.Cost.StringFixed(4))
			if err := tw.Flush(); err != nil {
				return err
			}
			if spent, err := tr.SpentToday(cmd.Context()); err == nil && a.cfg.Cost.DailyBudget != "" {
				a.printf("\ntoday: %s of %s USD\n", spent.StringFixed(4), a.cfg.Cost.DailyBudget)
			}
			return nil
		},
	}
	addRange(report)

	var format, outPath string
	export := &cobra.Command{
		Use:   "export",
		Short: "Export ledger entries as json or prometheus text",
		Args:  argsN(0),
		RunE: func(cmd *cobra.Command, args []string) error {
			start, end, err := dateRange(date, from, to)
			if err != nil {
				return err
			}
			tr, err := a.tracker()
			if err != nil {
				return err
			}
			entries, err := tr.Ledger().Range(cmd.Context(), start, end)
			if err != nil {
				return err
			}
			var w io.Writer = a.out
			if outPath != "" {
				f, err := os.Create(outPath)
				if err != nil {
					return err
				}
				defer f.Close()
				w = f
			}
			switch format {
			case "json":
				return cost.WriteJSON(w, entries)
			case "prometheus", "prom":
				return cost.WritePrometheus(w, entries)
			default:
				return usage("unknown export format %q (json, prometheus)", format)
			}
		},
	}
	addRange(export)
	export.Flags().StringVar(&format, "format", "json", "json or prometheus")
	export.Flags().StringVarP(&outPath, "output", "o", "", "write to a file instead of stdout")

	cmd.AddCommand(report, export)
	return cmd
}

func newBreakerCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "breaker",
		Short: "Inspect and reset worker circuit breakers",
	}
	status := &cobra.Command{
		Use:   "status [worker]",
		Short: "Show breaker state",
		Args:  argsMax(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			bm, err := a.breakers(cmd.Context())
			if err != nil {
				return err
			}
			var recs []breaker.Record
			if w := argAt(args, 0); w != "" {
				r, err := bm.Get(cmd.Context(), w)
				if err != nil {
					return err
				}
				recs = append(recs, r)
			} else if recs, err = bm.List(cmd.Context()); err != nil {
				return err
			}
			if a.jsonOut {
				return a.printJSON(recs)
			}
			now := time.Now()
			cooldown := bm.Config().Cooldown
			tw := tabwriter.NewWriter(a.out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "WORKER\tSTATE\tFAILURES\tOPENS\tCOOLDOWN LEFT\tLAST FAILURE")
			for _, r := range recs {
				last := "-"
				if !r.LastFailure.IsZero() {
					last = humanize.Time(r.LastFailure)
				}
				fmt.Fprintf(tw, "%s\t%s\t%d\t%d\t%s\t%s\n", r.Worker, r.State, r.Failures, r.Opens,
					r.CooldownRemaining(now, cooldown).Round(time.Second), last)
			}
			return tw.Flush()
		},
	}
	reset := &cobra.Command{
		Use:   "reset <worker>",
		Short: "Force a breaker to HALF_OPEN so the next call is a trial",
		Args:  argsN(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			bm, err := a.breakers(cmd.Context())
			if err != nil {
				return err
			}
			r, err := bm.Reset(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			a.printf("%s: %s\n", r.Worker, r.State)
			return nil
		},
	}
	cmd.AddCommand(status, reset)
	return cmd
}

func newWorkerCmd(a *app) *cobra.Command {
	var (
		worker, mode, metricsAddr string
		concurrency, maxTasks     int
		claimsPerSecond           float64
	)
	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Process tasks until interrupted",
		Args:  argsN(0),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			metrics := orchestrator.NewMetrics()
			coord, err := a.coordinator(ctx, a.workerID(worker), metrics)
			if err != nil {
				return err
			}
			if metricsAddr != "" {
				srv := &http.Server{Addr: metricsAddr, Handler: metrics.Handler(), ReadHeaderTimeout: 5 * time.Second}
				go func() {
					if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
						log.Errorw("metrics server stopped", "addr", metricsAddr, "err", err)
					}
				}()
				defer func() {
					sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					_ = srv.Shutdown(sctx)
				}()
			}

			if mode == "" {
				mode = "poll"
				if _, ok := a.redisOpt(); ok {
					mode = "asynq"
				}
			}
			log.Infow("worker starting", "worker_id", coord.WorkerID(), "mode", mode)
			switch mode {
			case "poll":
				return orchestrator.NewWorker(coord, orchestrator.WorkerConfig{
					PollInterval:    a.cfg.Queue.PollInterval.D(),
					ClaimsPerSecond: claimsPerSecond,
					MaxTasks:        maxTasks,
				}).Run(ctx)
			case "asynq":
				opt, ok := a.redisOpt()
				if !ok {
					return usage("asynq mode needs redis_addr")
				}
				st, err := a.store(ctx)
				if err != nil {
					return err
				}
				p := queue.NewProcessor(opt, st, queue.ProcessorConfig{
					WorkerID:    coord.WorkerID(),
					Concurrency: concurrency,
					Queues:      map[string]int{a.cfg.QueueName: 1},
				})
				return p.Start(coord.Handler())
			default:
				return usage("unknown worker mode %q (poll, asynq)", mode)
			}
		},
	}
	f := cmd.Flags()
	f.StringVar(&worker, "worker", "", "worker id")
	f.StringVar(&mode, "mode", "", "poll or asynq (asynq when redis_addr is set)")
	f.StringVar(&metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address")
	f.IntVar(&concurrency, "concurrency", 3, "asynq handler concurrency")
	f.IntVar(&maxTasks, "max-tasks", 0, "stop after this many tasks (poll mode)")
	f.Float64Var(&claimsPerSecond, "claims-per-second", 0, "cap claim attempts (poll mode)")
	return cmd
}

func newMaintainCmd(a *app) *cobra.Command {
	var once bool
	cmd := &cobra.Command{
		Use:   "maintain",
		Short: "Purge old sessions and age-boost waiting tasks",
		Args:  argsN(0),
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := a.store(cmd.Context())
			if err != nil {
				return err
			}
			ts, err := a.tokens(cmd.Context())
			if err != nil {
				return err
			}
			th := map[int]time.Duration{}
			for p, d := range a.cfg.Queue.AgeBoost {
				th[p] = d.D()
			}
			m, err := orchestrator.NewMaintenance(st, ts, orchestrator.MaintenanceConfig{
				Schedule:  a.cfg.Maintenance.Schedule,
				Retention: a.cfg.Auth.Retention.D(),
				AgeBoost:  th,
			})
			if err != nil {
				return err
			}
			if once {
				rep, err := m.RunOnce(cmd.Context())
				if err != nil {
					return err
				}
				a.printf("purged %d session(s), boosted %d task(s)\n", rep.TokensPurged, rep.TasksBoosted)
				return nil
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			if err := m.Start(ctx); err != nil {
				return usageError{err: err}
			}
			<-ctx.Done()
			m.Stop()
			return nil
		},
	}
	cmd.Flags().BoolVar(&once, "once", false, "run a single pass and exit")
	return cmd
}
