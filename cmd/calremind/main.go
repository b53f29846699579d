package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	_ "time/tzdata"

	"github.com/spf13/cobra"

	"calremind/internal/config"
	appLog "calremind/internal/log"
	"calremind/internal/model"
	"calremind/internal/scheduler"
	"calremind/internal/web"
)

// rootFlags holds the persistent flags that override the config file.
type rootFlags struct {
	configPath string
	listen     string
	logLevel   string
	database   string
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	flags := &rootFlags{}
	root := &cobra.Command{
		Use:           "calremind",
		Short:         "Calendar alarm reminder service",
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	root.PersistentFlags().StringVar(&flags.configPath, "config", "/etc/calremind/config.yaml", "Path to config file")
	root.PersistentFlags().StringVar(&flags.listen, "listen", "", "HTTP listen address (overrides config if set)")
	root.PersistentFlags().StringVar(&flags.logLevel, "log-level", "", "Log level: debug, info, warn, error (overrides config if set)")
	root.PersistentFlags().StringVar(&flags.database, "database", "", "SQLite database path (overrides config if set)")

	root.AddCommand(
		newServeCommand(flags),
		newProcessCommand(flags),
		newMaterializeCommand(flags),
		newDeleteCommand(flags),
		newSyncCommand(flags),
	)
	return root
}

// loadConfig reads the config file and applies flag overrides.
func loadConfig(flags *rootFlags) (*config.Config, error) {
	conf, err := config.Load(flags.configPath)
	if err != nil {
		return nil, fmt.Errorf("load config %s: %w", flags.configPath, err)
	}
	if flags.listen != "" {
		conf.Listen = flags.listen
	}
	if flags.logLevel != "" {
		conf.LogLevel = flags.logLevel
	}
	if flags.database != "" {
		conf.DatabasePath = flags.database
	}
	appLog.SetLevel(appLog.ParseLevel(conf.LogLevel))
	return conf, nil
}

// withApp loads config, wires the components and runs fn with a context
// cancelled on SIGINT/SIGTERM.
func withApp(cmd *cobra.Command, flags *rootFlags, fn func(ctx context.Context, a *app) error) error {
	conf, err := loadConfig(flags)
	if err != nil {
		return err
	}
	defer appLog.Sync()

	a, err := newApp(conf)
	if err != nil {
		return err
	}
	defer a.Close()

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if err := a.seed(ctx); err != nil {
		return fmt.Errorf("seed directory: %w", err)
	}
	return fn(ctx, a)
}

func newServeCommand(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and the periodic reminder pass",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd, flags, func(ctx context.Context, a *app) error {
				appLog.Info("calremind starting",
					"listen", a.cfg.Listen,
					"timezone", a.cfg.Timezone,
					"database", a.cfg.DatabasePath,
					"process_cron", a.cfg.ProcessCron,
					"subscriptions", len(a.cfg.Subscriptions),
				)

				sched, err := scheduler.New(a.cfg.ProcessCron, a.reminders, 0)
				if err != nil {
					return err
				}
				var syncer web.Syncer
				if a.syncer != nil {
					syncer = a.syncer
					if err := sched.Add("sync", a.cfg.SyncCron, func(ctx context.Context) error {
						_, err := a.syncer.SyncAll(ctx)
						return err
					}); err != nil {
						return err
					}
				}
				sched.Start()
				defer sched.Stop()

				err = web.NewServer(a.cfg, a.store, a.reminders, syncer).Run(ctx)
				appLog.Info("calremind exiting")
				return err
			})
		},
	}
}

func newProcessCommand(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "process",
		Short: "Run one due reminder pass and print its result",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd, flags, func(ctx context.Context, a *app) error {
				res, err := a.reminders.ProcessDueReminders(ctx)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), res)
			})
		},
	}
}

func newMaterializeCommand(flags *rootFlags) *cobra.Command {
	var (
		calendarID int64
		objectID   int64
		file       string
		uri        string
	)
	cmd := &cobra.Command{
		Use:   "materialize",
		Short: "Store a calendar object and rebuild its reminders",
		RunE: func(cmd *cobra.Command, _ []string) error {
			data, err := readInput(cmd.InOrStdin(), file)
			if err != nil {
				return err
			}
			return withApp(cmd, flags, func(ctx context.Context, a *app) error {
				if _, err := a.store.GetCalendarByID(ctx, calendarID); err != nil {
					return fmt.Errorf("calendar %d: %w", calendarID, err)
				}
				if uri == "" {
					uri = fmt.Sprintf("%d.ics", objectID)
				}
				obj := model.CalendarObject{ID: objectID, CalendarID: calendarID, URI: uri, Data: string(data)}
				if err := a.store.PutObject(ctx, obj); err != nil {
					return err
				}
				n, err := a.reminders.OnUpdate(ctx, obj)
				if err != nil {
					return err
				}
				rows, err := a.store.ListReminders(ctx, objectID)
				if err != nil {
					return err
				}
				appLog.Info("object materialized", "object_id", objectID, "inserted", n)
				return printJSON(cmd.OutOrStdout(), rows)
			})
		},
	}
	cmd.Flags().Int64Var(&calendarID, "calendar", 0, "Calendar id the object belongs to")
	cmd.Flags().Int64Var(&objectID, "object", 0, "Object id")
	cmd.Flags().StringVar(&file, "file", "-", "iCalendar file to read (- for stdin)")
	cmd.Flags().StringVar(&uri, "uri", "", "Object URI (defaults to <object>.ics)")
	_ = cmd.MarkFlagRequired("calendar")
	_ = cmd.MarkFlagRequired("object")
	return cmd
}

func newDeleteCommand(flags *rootFlags) *cobra.Command {
	var objectID int64
	cmd := &cobra.Command{
		Use:   "delete",
		Short: "Delete a calendar object and its reminders",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd, flags, func(ctx context.Context, a *app) error {
				if err := a.store.DeleteObject(ctx, objectID); err != nil {
					return err
				}
				if err := a.reminders.OnDelete(ctx, objectID); err != nil {
					return err
				}
				appLog.Info("object deleted", "object_id", objectID)
				return nil
			})
		},
	}
	cmd.Flags().Int64Var(&objectID, "object", 0, "Object id")
	_ = cmd.MarkFlagRequired("object")
	return cmd
}

func newSyncCommand(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "sync",
		Short: "Mirror every subscription once and print the results",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd, flags, func(ctx context.Context, a *app) error {
				if a.syncer == nil {
					return errNoSubscriptions
				}
				results, err := a.syncer.SyncAll(ctx)
				if perr := printJSON(cmd.OutOrStdout(), results); perr != nil {
					return perr
				}
				return err
			})
		},
	}
}

func readInput(stdin io.Reader, path string) ([]byte, error) {
	if path == "" || path == "-" {
		return io.ReadAll(stdin)
	}
	return os.ReadFile(path)
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
