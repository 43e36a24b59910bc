package cli

import (
	"context"
	"io"
	"os"
	"os/signal"

	"github.com/felixgeelhaar/recall/internal/config"
	"github.com/felixgeelhaar/recall/internal/observe"
	"github.com/spf13/cobra"
)

// app carries the process surface and global flags into the commands.
type app struct {
	stdout io.Writer
	stderr io.Writer
	lookup func(string) (string, bool)

	configPath string
	verbose    bool
	jsonLogs   bool
	retries    uint64

	runner *Runner
}

// NewRootCmd builds the command tree.
func NewRootCmd(stdout, stderr io.Writer, lookup func(string) (string, bool)) *cobra.Command {
	return newRootCmd(&app{stdout: stdout, stderr: stderr, lookup: lookup})
}

func newRootCmd(a *app) *cobra.Command {
	root := &cobra.Command{
		Use:   "recall",
		Short: "Semantic cache and long-term memory for LLM agents",
		Long: `Recall reuses answers to questions that mean the same thing and keeps a
long-term memory of decisions, code notes and errors that agents can
retrieve by meaning instead of replaying whole conversations.

Results are printed as JSON. Exit codes: 0 success, 1 miss or no results,
2 connection error, 3 any other error.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetOut(a.stdout)
	root.SetErr(a.stderr)

	pf := root.PersistentFlags()
	pf.StringVar(&a.configPath, "config", "", "Config file (default ~/.recall/config.yaml)")
	pf.BoolVarP(&a.verbose, "verbose", "v", false, "Enable verbose logging")
	pf.BoolVar(&a.jsonLogs, "json-logs", false, "Write logs as JSON")
	pf.Uint64Var(&a.retries, "retries", 0, "Retry connection errors this many times")

	root.AddCommand(
		newInitCmd(a),
		newCacheCmd(a),
		newMemoryCmd(a),
		newSearchCmd(a),
		newHealthCmd(a),
		newConfigCmd(a),
	)
	return root
}

// Run executes the CLI and returns the exit code.
func Run(ctx context.Context, args []string, stdout, stderr io.Writer, lookup func(string) (string, bool)) int {
	a := &app{stdout: stdout, stderr: stderr, lookup: lookup}
	root := newRootCmd(a)
	root.SetArgs(args)
	err := root.ExecuteContext(ctx)
	if a.runner != nil {
		a.runner.Close()
	}
	return report(stderr, err)
}

// Execute runs the CLI with the process arguments and exits with its code.
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	code := Run(ctx, os.Args[1:], os.Stdout, os.Stderr, os.LookupEnv)
	stop()
	os.Exit(code)
}

func (a *app) path() string {
	if a.configPath != "" {
		return a.configPath
	}
	return config.DefaultPath()
}

// loadConfig reads the config file, overlays the environment and validates.
func (a *app) loadConfig() (config.Config, error) {
	cfg, err := config.Load(a.path())
	if err != nil {
		return cfg, err
	}
	if err := cfg.ApplyEnv(a.lookup); err != nil {
		return cfg, err
	}
	return cfg, cfg.Validate()
}

// setup builds the Runner once per invocation.
func (a *app) setup() (*Runner, error) {
	if a.runner != nil {
		return a.runner, nil
	}
	cfg, err := a.loadConfig()
	if err != nil {
		return nil, err
	}
	obs := observe.New(a.stderr, a.verbose)
	if a.jsonLogs {
		obs = observe.NewJSON(a.stderr, a.verbose)
	}
	a.runner = NewRunner(cfg, obs, a.retries)
	return a.runner, nil
}
