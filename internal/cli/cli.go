// Package cli wires the ensemble command-line application: cobra root
// command plus run/status/version subcommands, grounded on the teacher's
// internal/cli package (the App struct wrapping a rootCmd, SetVersion,
// and persistent --verbose flag).
package cli

import (
	"context"

	"github.com/spf13/cobra"
)

// App represents the CLI application with all wired dependencies.
type App struct {
	rootCmd *cobra.Command

	configPath string
	verbose    bool
	cancel     context.CancelFunc
	shutdown   chan struct{}

	version string
	commit  string
	date    string
}

// New creates a new CLI application.
func New() *App {
	app := &App{
		shutdown: make(chan struct{}),
	}
	app.setupRootCmd()
	return app
}

// Execute runs the CLI application.
func (a *App) Execute() error {
	return a.rootCmd.Execute()
}

// SetVersion sets the version string for the version command.
func (a *App) SetVersion(version, commit, date string) {
	a.version = version
	a.commit = commit
	a.date = date
}

// setupRootCmd configures the root cobra command and its subcommands.
func (a *App) setupRootCmd() {
	a.rootCmd = &cobra.Command{
		Use:   "ensemble",
		Short: "Ensemble-computation coordinator",
		Long: `ensemble drives a manager/worker campaign: a manager loop dispatches
simulation and generator work to a pool of workers, ingests results into a
shared history, and enforces termination criteria.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	a.rootCmd.PersistentFlags().BoolVarP(&a.verbose, "verbose", "v", false, "Verbose output")
	a.rootCmd.PersistentFlags().StringVarP(&a.configPath, "config", "c", ".ensemble.yaml", "Path to campaign config file")

	a.rootCmd.AddCommand(NewRunCmd(a))
	a.rootCmd.AddCommand(NewStatusCmd(a))
	a.rootCmd.AddCommand(NewVersionCmd(a))
}
