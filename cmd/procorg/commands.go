package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/matplo/procorg"
	"github.com/matplo/procorg/internal/logger"
	"github.com/matplo/procorg/internal/scheduler"
	"github.com/matplo/procorg/internal/store"
	"github.com/matplo/procorg/pkg/client"
)

func buildRoot() *cobra.Command {
	gf := &GlobalFlags{}
	root := &cobra.Command{
		Use:           "procorg",
		Short:         "procorg registers, runs and schedules script-backed tasks",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&gf.ConfigPath, "config", "", "path to TOML config file")
	root.PersistentFlags().StringVar(&gf.DataDir, "data-dir", "", "override data directory")
	root.PersistentFlags().StringVar(&gf.APIUrl, "api-url", "", "talk to a running procorg server instead of the local store")
	root.PersistentFlags().DurationVar(&gf.APITimeout, "api-timeout", 10*time.Second, "HTTP API request timeout")

	root.AddCommand(
		newRegisterCmd(gf),
		newUnregisterCmd(gf),
		newListCmd(gf),
		newToggleCmd(gf, "enable", true),
		newToggleCmd(gf, "disable", false),
		newRunCmd(gf),
		newStopCmd(gf),
		newStatusCmd(gf),
		newLogsCmd(gf),
		newSchedulerCmd(gf),
		newServeCmd(gf),
	)
	return root
}

// loadConfig resolves the effective configuration for this invocation.
func loadConfig(gf *GlobalFlags) (procorg.Config, error) {
	cfg, err := procorg.LoadConfig(gf.ConfigPath)
	if err != nil {
		return procorg.Config{}, err
	}
	if gf.DataDir != "" {
		cfg.DataDir = gf.DataDir
	}
	return cfg, nil
}

// openEngine sets up logging and the local engine.
func openEngine(gf *GlobalFlags) (*procorg.Engine, procorg.Principal, func(), error) {
	cfg, err := loadConfig(gf)
	if err != nil {
		return nil, procorg.Principal{}, nil, err
	}
	closeLog, err := logger.Setup(cfg.Log)
	if err != nil {
		return nil, procorg.Principal{}, nil, err
	}
	p, err := procorg.CurrentPrincipal()
	if err != nil {
		_ = closeLog()
		return nil, procorg.Principal{}, nil, err
	}
	eng, err := procorg.New(cfg)
	if err != nil {
		_ = closeLog()
		return nil, procorg.Principal{}, nil, err
	}
	cleanup := func() {
		_ = eng.Close()
		_ = closeLog()
	}
	return eng, p, cleanup, nil
}

// apiClient builds the HTTP client for --api-url mode, authenticated as
// the invoking OS user.
func apiClient(gf *GlobalFlags) (*client.Client, error) {
	p, err := procorg.CurrentPrincipal()
	if err != nil {
		return nil, err
	}
	return client.New(client.Config{
		BaseURL:  gf.APIUrl,
		Username: p.Username,
		Timeout:  gf.APITimeout,
	}), nil
}

func newRegisterCmd(gf *GlobalFlags) *cobra.Command {
	rf := &RegisterFlags{}
	cmd := &cobra.Command{
		Use:   "register",
		Short: "Register a named task backed by an executable script",
		RunE: func(cmd *cobra.Command, args []string) error {
			if gf.APIUrl != "" {
				c, err := apiClient(gf)
				if err != nil {
					return err
				}
				def, err := c.Register(cmd.Context(), rf.Name, rf.Command, rf.Cron, rf.Description)
				if err != nil {
					return err
				}
				printDefinition(def)
				return nil
			}
			eng, p, cleanup, err := openEngine(gf)
			if err != nil {
				return err
			}
			defer cleanup()
			def, err := eng.Register(rf.Name, rf.Command, rf.Cron, rf.Description, p)
			if err != nil {
				return err
			}
			printDefinition(def)
			return nil
		},
	}
	cmd.Flags().StringVar(&rf.Name, "name", "", "unique task name")
	cmd.Flags().StringVar(&rf.Command, "command", "", "absolute path to the executable script")
	cmd.Flags().StringVar(&rf.Cron, "cron", "", "optional 5-field cron expression")
	cmd.Flags().StringVar(&rf.Description, "description", "", "optional description")
	_ = cmd.MarkFlagRequired("name")
	_ = cmd.MarkFlagRequired("command")
	return cmd
}

func newUnregisterCmd(gf *GlobalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "unregister NAME",
		Short: "Remove a task definition (fails while executions are running)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if gf.APIUrl != "" {
				c, err := apiClient(gf)
				if err != nil {
					return err
				}
				return c.Unregister(cmd.Context(), args[0])
			}
			eng, p, cleanup, err := openEngine(gf)
			if err != nil {
				return err
			}
			defer cleanup()
			return eng.Unregister(args[0], p)
		},
	}
}

func newListCmd(gf *GlobalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List registered task definitions",
		RunE: func(cmd *cobra.Command, args []string) error {
			var defs []procorg.Definition
			if gf.APIUrl != "" {
				c, err := apiClient(gf)
				if err != nil {
					return err
				}
				if defs, err = c.List(cmd.Context()); err != nil {
					return err
				}
			} else {
				eng, p, cleanup, err := openEngine(gf)
				if err != nil {
					return err
				}
				defer cleanup()
				if defs, err = eng.List(p); err != nil {
					return err
				}
			}
			for _, d := range defs {
				printDefinition(d)
			}
			return nil
		},
	}
}

func newToggleCmd(gf *GlobalFlags, use string, enabled bool) *cobra.Command {
	short := "Enable a task definition"
	if !enabled {
		short = "Disable a task definition (skipped by scheduler, rejects manual runs)"
	}
	return &cobra.Command{
		Use:   use + " NAME",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if gf.APIUrl != "" {
				c, err := apiClient(gf)
				if err != nil {
					return err
				}
				def, err := c.Toggle(cmd.Context(), args[0], enabled)
				if err != nil {
					return err
				}
				printDefinition(def)
				return nil
			}
			eng, p, cleanup, err := openEngine(gf)
			if err != nil {
				return err
			}
			defer cleanup()
			def, err := eng.Toggle(args[0], enabled, p)
			if err != nil {
				return err
			}
			printDefinition(def)
			return nil
		},
	}
}

func newRunCmd(gf *GlobalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "run NAME [ARGS...]",
		Short: "Start one execution of a task",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			name, extra := args[0], args[1:]
			if gf.APIUrl != "" {
				c, err := apiClient(gf)
				if err != nil {
					return err
				}
				e, err := c.Run(cmd.Context(), name, extra)
				if err != nil {
					return err
				}
				printExecution(e)
				return nil
			}
			eng, p, cleanup, err := openEngine(gf)
			if err != nil {
				return err
			}
			defer cleanup()
			e, err := eng.Run(name, extra, p)
			if err != nil {
				return err
			}
			printExecution(e)
			return nil
		},
	}
}

func newStopCmd(gf *GlobalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "stop EXECUTION_ID",
		Short: "Stop a running execution (SIGTERM, then SIGKILL after the grace period)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if gf.APIUrl != "" {
				c, err := apiClient(gf)
				if err != nil {
					return err
				}
				e, err := c.Stop(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				printExecution(e)
				return nil
			}
			eng, p, cleanup, err := openEngine(gf)
			if err != nil {
				return err
			}
			defer cleanup()
			e, err := eng.Stop(args[0], p)
			if err != nil {
				return err
			}
			printExecution(e)
			return nil
		},
	}
}

func newStatusCmd(gf *GlobalFlags) *cobra.Command {
	sf := &StatusFlags{}
	cmd := &cobra.Command{
		Use:   "status [NAME]",
		Short: "Show execution records, newest first",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			name := sf.Name
			if len(args) == 1 {
				name = args[0]
			}
			filter := store.Status(sf.Status)
			if filter != "" && !filter.Valid() {
				return fmt.Errorf("unknown status filter %q", sf.Status)
			}
			var execs []procorg.Execution
			if gf.APIUrl != "" {
				c, err := apiClient(gf)
				if err != nil {
					return err
				}
				if execs, err = c.Executions(cmd.Context(), name, filter); err != nil {
					return err
				}
			} else {
				eng, p, cleanup, err := openEngine(gf)
				if err != nil {
					return err
				}
				defer cleanup()
				if execs, err = eng.Status(name, filter, p); err != nil {
					return err
				}
			}
			for _, e := range execs {
				printExecution(e)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&sf.Status, "status", "", "filter by status (pending, running, succeeded, failed, stopped, unknown)")
	return cmd
}

func newLogsCmd(gf *GlobalFlags) *cobra.Command {
	lf := &LogsFlags{}
	cmd := &cobra.Command{
		Use:   "logs EXECUTION_ID",
		Short: "Print an execution's captured output",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if gf.APIUrl != "" {
				return remoteLogs(cmd.Context(), gf, args[0], lf)
			}
			eng, p, cleanup, err := openEngine(gf)
			if err != nil {
				return err
			}
			defer cleanup()
			if lf.Follow {
				tail, err := eng.Manager().NewTail(args[0], lf.Stream, p)
				if err != nil {
					return err
				}
				ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
				defer cancel()
				err = tail.Follow(ctx, func(line string) error {
					fmt.Println(line)
					return nil
				})
				if errors.Is(err, context.Canceled) {
					return nil
				}
				return err
			}
			lines, _, err := eng.Manager().ReadLog(args[0], lf.Stream, 0, lf.MaxLines, p)
			if err != nil {
				return err
			}
			for _, l := range lines {
				fmt.Println(l)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&lf.Stream, "stream", "stdout", "stream to read (stdout or stderr)")
	cmd.Flags().BoolVarP(&lf.Follow, "follow", "f", false, "keep reading appended lines until the execution ends")
	cmd.Flags().IntVar(&lf.MaxLines, "max", 0, "maximum number of lines (0 = all)")
	return cmd
}

// remoteLogs pages through the server's log endpoint; in follow mode it
// polls until the server reports the execution terminal.
func remoteLogs(ctx context.Context, gf *GlobalFlags, execID string, lf *LogsFlags) error {
	c, err := apiClient(gf)
	if err != nil {
		return err
	}
	if !lf.Follow {
		chunk, err := c.Logs(ctx, execID, lf.Stream, 0, lf.MaxLines)
		if err != nil {
			return err
		}
		for _, l := range chunk.Lines {
			fmt.Println(l)
		}
		return nil
	}
	offset := 0
	for {
		chunk, err := c.Logs(ctx, execID, lf.Stream, offset, 0)
		if err != nil {
			return err
		}
		for _, l := range chunk.Lines {
			fmt.Println(l)
		}
		offset = chunk.NextOffset
		if len(chunk.Lines) > 0 {
			continue
		}
		execs, err := c.Executions(ctx, "", "")
		if err != nil {
			return err
		}
		for _, e := range execs {
			if e.ID == execID && e.Status.Terminal() {
				return nil
			}
		}
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(500 * time.Millisecond):
		}
	}
}

func newSchedulerCmd(gf *GlobalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "scheduler",
		Short: "Run or inspect the cron scheduler",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "start",
			Short: "Run the scheduler loop in the foreground",
			RunE: func(cmd *cobra.Command, args []string) error {
				eng, p, cleanup, err := openEngine(gf)
				if err != nil {
					return err
				}
				defer cleanup()
				sched := eng.NewScheduler(p, 0)
				if err := sched.Start(); err != nil {
					return err
				}
				waitForSignal()
				sched.Stop()
				return nil
			},
		},
		&cobra.Command{
			Use:   "info",
			Short: "Show scheduled definitions, watermarks and next activations",
			RunE: func(cmd *cobra.Command, args []string) error {
				if gf.APIUrl != "" {
					c, err := apiClient(gf)
					if err != nil {
						return err
					}
					info, err := c.SchedulerInfo(cmd.Context())
					if err != nil {
						return err
					}
					printSchedulerInfo(info)
					return nil
				}
				eng, p, cleanup, err := openEngine(gf)
				if err != nil {
					return err
				}
				defer cleanup()
				info, err := eng.NewScheduler(p, 0).Info()
				if err != nil {
					return err
				}
				printSchedulerInfo(info)
				return nil
			},
		},
	)
	return cmd
}

func newServeCmd(gf *GlobalFlags) *cobra.Command {
	sf := &ServeFlags{}
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the HTTP API (optionally with an embedded scheduler)",
		RunE: func(cmd *cobra.Command, args []string) error {
			eng, p, cleanup, err := openEngine(gf)
			if err != nil {
				return err
			}
			defer cleanup()
			// Repair records orphaned by earlier crashes before serving.
			if err := eng.Reconcile(p); err != nil {
				return err
			}
			var sched = eng.NewScheduler(p, 0)
			if sf.WithScheduler {
				if err := sched.Start(); err != nil {
					return err
				}
				defer sched.Stop()
			}
			srv := eng.NewServer(sf.Listen, sched)
			waitForSignal()
			return srv.Close()
		},
	}
	cmd.Flags().StringVar(&sf.Listen, "listen", "", "bind address (default from config)")
	cmd.Flags().BoolVar(&sf.WithScheduler, "with-scheduler", true, "run the cron scheduler in this process")
	return cmd
}

func waitForSignal() {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, os.Interrupt, syscall.SIGTERM)
	<-ch
}

func printDefinition(d procorg.Definition) {
	enabled := "enabled"
	if !d.Enabled {
		enabled = "disabled"
	}
	cron := d.CronExpr
	if cron == "" {
		cron = "manual"
	}
	fmt.Printf("%-24s %-8s owner=%s cron=%q command=%s\n", d.Name, enabled, d.Owner, cron, d.Command)
}

func printExecution(e procorg.Execution) {
	var extra []string
	if e.PID != 0 {
		extra = append(extra, fmt.Sprintf("pid=%d", e.PID))
	}
	if e.ExitCode != nil {
		extra = append(extra, fmt.Sprintf("exit=%d", *e.ExitCode))
	}
	if !e.StartedAt.IsZero() {
		extra = append(extra, "started="+e.StartedAt.Format(time.RFC3339))
	}
	fmt.Printf("%s  %-24s %-10s %s\n", e.ID, e.ProcessName, e.Status, strings.Join(extra, " "))
}

func printSchedulerInfo(info scheduler.Info) {
	state := "stopped"
	if info.Running {
		state = "running"
	}
	fmt.Printf("scheduler %s (tick %.0fs)\n", state, info.TickSec)
	for _, e := range info.Entries {
		last := "never"
		if !e.LastFired.IsZero() {
			last = e.LastFired.Format(time.RFC3339)
		}
		fmt.Printf("  %-24s owner=%-12s cron=%q last=%s next=%s\n",
			e.Name, e.Owner, e.CronExpr, last, e.NextRun.Format(time.RFC3339))
	}
}
