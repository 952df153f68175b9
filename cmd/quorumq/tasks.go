package main

import (
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/mohans/quorumq/queue"
)

func newEnqueueCmd(a *app) *cobra.Command {
	var (
		id, taskType, priority string
		payload, payloadFile   string
		traceID                string
		meta                   []string
		maxRetries             int
	)
	cmd := &cobra.Command{
		Use:   "enqueue <name>",
		Short: "Add a task to the queue",
		Args:  argsN(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			p, err := queue.ParsePriority(priority)
			if err != nil {
				return err
			}
			if payloadFile != "" {
				raw, err := os.ReadFile(payloadFile)
				if err != nil {
					return usage("read payload: %v", err)
				}
				payload = string(raw)
			}
			md := map[string]string{}
			for _, kv := range meta {
				k, v, ok := strings.Cut(kv, "=")
				if !ok || strings.TrimSpace(k) == "" {
					return usage("metadata %q must be key=value", kv)
				}
				md[strings.TrimSpace(k)] = v
			}
			nt := queue.NewTask{ID: id, Name: args[0], Type: taskType, Priority: p, TraceID: traceID, Payload: payload, Metadata: md}
			if cmd.Flags().Changed("max-retries") {
				nt.MaxRetries = &maxRetries
			}

			st, err := a.store(ctx)
			if err != nil {
				return err
			}
			client := queue.NewStoreOnlyClient(st)
			if opt, ok := a.redisOpt(); ok {
				client = queue.NewClient(opt, st, queue.ClientOptions{Queue: a.cfg.QueueName})
			}
			defer client.Close()
			task, err := client.Enqueue(ctx, nt)
			if err != nil {
				return err
			}
			if a.jsonOut {
				return a.printJSON(task)
			}
			a.printf("%s\t%s\t%s\n", task.ID, task.TraceID, queue.PriorityLabel(task.Priority))
			return nil
		},
	}
	f := cmd.Flags()
	f.StringVar(&id, "id", "", "task id (generated when empty)")
	f.StringVarP(&taskType, "type", "t", "general", "task type, also the consensus weight category")
	f.StringVarP(&priority, "priority", "p", "P2", "priority: 0-3, P0..P3 or critical/high/medium/low")
	f.StringVar(&payload, "payload", "", "payload sent to delegates")
	f.StringVar(&payloadFile, "payload-file", "", "read the payload from a file")
	f.StringVar(&traceID, "trace", "", "trace id (generated when empty)")
	f.StringArrayVar(&meta, "meta", nil, "metadata key=value; implementer=<worker> excludes that worker from voting")
	f.IntVar(&maxRetries, "max-retries", 0, "retry budget (config default when unset)")
	return cmd
}

func newClaimCmd(a *app) *cobra.Command {
	var worker string
	cmd := &cobra.Command{
		Use:   "claim",
		Short: "Atomically claim the most urgent queued task",
		Args:  argsN(0),
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := a.store(cmd.Context())
			if err != nil {
				return err
			}
			task, err := st.Claim(cmd.Context(), a.workerID(worker))
			if err != nil {
				return err
			}
			if task == nil {
				if a.jsonOut {
					return a.printJSON(nil)
				}
				a.printf("nothing queued\n")
				return nil
			}
			if a.jsonOut {
				return a.printJSON(task)
			}
			a.printf("%s\t%s\t%s\n", task.ID, task.TraceID, *task.WorkerID)
			return nil
		},
	}
	cmd.Flags().StringVar(&worker, "worker", "", "worker id")
	return cmd
}

func newRunCmd(a *app) *cobra.Command {
	var worker string
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Claim one task and run it through dispatch and consensus",
		Args:  argsN(0),
		RunE: func(cmd *cobra.Command, args []string) error {
			coord, err := a.coordinator(cmd.Context(), a.workerID(worker), nil)
			if err != nil {
				return err
			}
			out, err := coord.RunOnce(cmd.Context())
			if out == nil && err == nil {
				a.printf("nothing queued\n")
				return nil
			}
			if out != nil {
				if a.jsonOut {
					if jerr := a.printJSON(out); jerr != nil {
						return jerr
					}
				} else {
					a.printf("%s", out.Result.Markdown(out.Task.ID, out.Task.TraceID))
					a.printf("\nstate: %s (retries %d/%d)\n", out.Task.State, out.Task.RetryCount, out.Task.MaxRetries)
				}
			}
			return err
		},
	}
	cmd.Flags().StringVar(&worker, "worker", "", "worker id")
	return cmd
}

func newQueueCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "queue",
		Short: "Inspect and maintain the task queue",
	}

	var (
		state    string
		priority string
		limit    int
	)
	list := &cobra.Command{
		Use:   "list",
		Short: "List tasks by urgency",
		Args:  argsN(0),
		RunE: func(cmd *cobra.Command, args []string) error {
			f := queue.ListFilter{State: queue.State(strings.ToUpper(state)), Limit: limit}
			if f.State != "" {
				if err := queue.ValidateState(f.State); err != nil {
					return err
				}
			}
			if priority != "" {
				p, err := queue.ParsePriority(priority)
				if err != nil {
					return err
				}
				f.Priority = &p
			}
			st, err := a.store(cmd.Context())
			if err != nil {
				return err
			}
			tasks, err := st.List(cmd.Context(), f)
			if err != nil {
				return err
			}
			if a.jsonOut {
				return a.printJSON(tasks)
			}
			tw := tabwriter.NewWriter(a.out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tNAME\tTYPE\tPRIORITY\tSTATE\tRETRIES\tCREATED")
			for _, t := range tasks {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%d/%d\t%s\n", t.ID, t.Name, t.Type,
					queue.PriorityLabel(t.Priority), t.State, t.RetryCount, t.MaxRetries, humanize.Time(t.CreatedAt))
			}
			return tw.Flush()
		},
	}
	list.Flags().StringVar(&state, "state", "", "only tasks in this state")
	list.Flags().StringVar(&priority, "priority", "", "only tasks at this priority")
	list.Flags().IntVar(&limit, "limit", 50, "maximum rows")

	stats := &cobra.Command{
		Use:   "stats",
		Short: "Counts by state and priority, wait times",
		Args:  argsN(0),
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := a.store(cmd.Context())
			if err != nil {
				return err
			}
			s, err := st.Stats(cmd.Context())
			if err != nil {
				return err
			}
			if a.jsonOut {
				return a.printJSON(s)
			}
			for _, state := range []queue.State{queue.StateQueued, queue.StateRunning, queue.StateReview,
				queue.StateApproved, queue.StateCompleted, queue.StateFailed} {
				a.printf("%-10s %s\n", state, humanize.Comma(int64(s.ByState[state])))
			}
			for p := queue.PriorityCritical; p <= queue.PriorityLow; p++ {
				a.printf("queued %-12s %d\n", queue.PriorityLabel(p), s.QueuedByPriority[p])
			}
			a.printf("boosted    %d\n", s.BoostedCount)
			a.printf("avg wait   %s\n", s.AvgWait.Round(time.Second))
			a.printf("oldest     %s\n", s.OldestQueuedAge.Round(time.Second))
			return nil
		},
	}

	events := &cobra.Command{
		Use:   "events <task>",
		Short: "Print a task's transition log",
		Args:  argsN(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := a.store(cmd.Context())
			if err != nil {
				return err
			}
			if _, err := st.GetByID(cmd.Context(), args[0]); err != nil {
				return err
			}
			evs, err := st.Events(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if a.jsonOut {
				return a.printJSON(evs)
			}
			tw := tabwriter.NewWriter(a.out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "AT\tFROM\tTO\tACTOR\tREASON")
			for _, ev := range evs {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", ev.At.Format(time.RFC3339), ev.From, ev.To, ev.Actor, ev.Reason)
			}
			return tw.Flush()
		},
	}

	boost := &cobra.Command{
		Use:   "boost",
		Short: "Promote queued tasks that waited past their level's threshold",
		Args:  argsN(0),
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := a.store(cmd.Context())
			if err != nil {
				return err
			}
			th := map[int]time.Duration{}
			for p, d := range a.cfg.Queue.AgeBoost {
				th[p] = d.D()
			}
			n, err := st.AgeBoost(cmd.Context(), th)
			if err != nil {
				return err
			}
			a.printf("boosted %d task(s)\n", n)
			return nil
		},
	}

	cmd.AddCommand(list, stats, events, boost)
	return cmd
}
