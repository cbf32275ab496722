package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/ryanwith/melchi/pkg/config"
	"github.com/ryanwith/melchi/pkg/engine"
	"github.com/ryanwith/melchi/pkg/logger"
	"github.com/ryanwith/melchi/pkg/sqlgen"
)

var version = "0.1.0"

// Exit codes: 0 all tables succeeded, 1 fatal error before any table work,
// 2 invocation completed but one or more tables failed.
const (
	exitOK      = 0
	exitFatal   = 1
	exitPartial = 2
)

// errTablesFailed signals a completed invocation with table failures. It
// propagates through RunE so deferred cleanup in runEngine unwinds before
// main maps it to exitPartial.
var errTablesFailed = errors.New("one or more tables failed")

func main() {
	// Load .env file if it exists
	_ = godotenv.Load()

	var configFile string

	root := &cobra.Command{
		Use:   "melchi",
		Short: "Melchi - CDC sync engine for warehouse replication",
		Long: `Melchi replicates tables from a source data warehouse into a local
analytical store and keeps the copy current via change data capture.

Configure source, target, and the table list in a YAML config file, run
setup once to create target tables and source change tracking objects,
then run sync_data on demand or on a schedule.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&configFile, "config", "c", "config.yaml", "Path to YAML configuration file")

	root.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("Melchi v%s\n", version)
			fmt.Printf("Go version: %s\n", runtime.Version())
			fmt.Printf("OS/Arch: %s/%s\n", runtime.GOOS, runtime.GOARCH)
		},
	})

	root.AddCommand(&cobra.Command{
		Use:   "setup",
		Short: "Create target tables, source change tracking objects, and sync metadata",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runEngine(configFile, func(ctx context.Context, eng *engine.Engine) (*engine.Report, error) {
				return eng.Setup(ctx)
			})
		},
	})

	root.AddCommand(&cobra.Command{
		Use:   "sync_data",
		Short: "Capture and apply pending changes for all configured tables",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runEngine(configFile, func(ctx context.Context, eng *engine.Engine) (*engine.Report, error) {
				return eng.Sync(ctx)
			})
		},
	})

	var outputFile string
	generateCmd := &cobra.Command{
		Use:   "generate_source_sql",
		Short: "Generate the SQL a source admin runs to grant Melchi its permissions",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configFile)
			if err != nil {
				return err
			}
			tables, err := cfg.LoadTables()
			if err != nil {
				return err
			}
			script := sqlgen.GenerateSourceSQL(cfg.Source, tables)
			if outputFile == "" {
				fmt.Println(script)
				return nil
			}
			if err := os.WriteFile(outputFile, []byte(script), 0o644); err != nil {
				return err
			}
			fmt.Printf("wrote %s\n", outputFile)
			return nil
		},
	}
	generateCmd.Flags().StringVarP(&outputFile, "output", "o", "", "Write the script to a file instead of stdout")
	root.AddCommand(generateCmd)

	if err := root.Execute(); err != nil {
		if errors.Is(err, errTablesFailed) {
			// The report already printed; the exit code carries the outcome.
			os.Exit(exitPartial)
		}
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(exitFatal)
	}
}

// runEngine loads configuration, runs one engine invocation, and renders
// the per-table report. A run with table failures returns errTablesFailed
// so deferred cleanup still runs before the process exits.
func runEngine(configFile string, invoke func(context.Context, *engine.Engine) (*engine.Report, error)) error {
	cfg, err := config.Load(configFile)
	if err != nil {
		return err
	}

	if err := logger.Init(logger.Config{
		Level:       cfg.Observability.LogLevel,
		Development: cfg.Observability.Development,
		Encoding:    "console",
	}); err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	eng, err := engine.New(cfg)
	if err != nil {
		return err
	}
	defer eng.Close()

	report, err := invoke(ctx, eng)
	if err != nil {
		return err
	}

	printReport(report)
	return reportOutcome(report)
}

// reportOutcome maps a rendered report to the command's error result.
func reportOutcome(report *engine.Report) error {
	if report.Failed() > 0 {
		return errTablesFailed
	}
	return nil
}

func printReport(report *engine.Report) {
	w := tabwriter.NewWriter(os.Stdout, 2, 4, 2, ' ', 0)
	fmt.Fprintln(w, "TABLE\tSTRATEGY\tOUTCOME\tINSERTED\tUPDATED\tDELETED\tDURATION\tDETAIL")
	for _, res := range report.Results {
		detail := ""
		if res.Err != nil {
			detail = res.Err.Error()
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%d\t%d\t%s\t%s\n",
			res.Table, res.Strategy, res.Outcome,
			res.Inserted, res.Updated, res.Deleted,
			res.Duration.Round(time.Millisecond), detail)
	}
	w.Flush()

	fmt.Printf("\n%d succeeded, %d failed, %d skipped in %s\n",
		report.Succeeded(), report.Failed(), report.Skipped(),
		report.Finished.Sub(report.Started).Round(time.Millisecond))
}
