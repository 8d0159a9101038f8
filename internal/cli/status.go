package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/hpcflow/ensemble/internal/checkpoint"
	"github.com/hpcflow/ensemble/internal/config"
)

// StatusOptions holds flags for the status command.
type StatusOptions struct {
	ConfigPath string
	JSON       bool
}

// NewStatusCmd creates the status command, grounded on the teacher's
// NewStatusCmd (a tasks-dir-driven progress display), adapted to list
// persisted checkpoint snapshots for a campaign.
func NewStatusCmd(app *App) *cobra.Command {
	opts := StatusOptions{}

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show persisted checkpoint snapshots for a campaign",
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.ConfigPath = app.configPath
			return app.ShowStatus(cmd, opts)
		},
	}

	cmd.Flags().BoolVar(&opts.JSON, "json", false, "Output as JSON instead of formatted text")
	return cmd
}

// ShowStatus opens the campaign's checkpoint store and prints a summary
// of every persisted snapshot.
func (a *App) ShowStatus(cmd *cobra.Command, opts StatusOptions) error {
	cfg, err := config.Load(opts.ConfigPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	if _, err := os.Stat(cfg.Checkpoint.Path); os.IsNotExist(err) {
		fmt.Fprintln(cmd.OutOrStdout(), "no checkpoint store found; no run has saved a snapshot yet")
		return nil
	}

	store, err := checkpoint.Open(cfg.Checkpoint.Path)
	if err != nil {
		return fmt.Errorf("open checkpoint store: %w", err)
	}
	defer store.Close()

	names, err := store.List()
	if err != nil {
		return err
	}

	if opts.JSON {
		return outputSnapshotsJSON(cmd, store, names)
	}

	dcfg := DisplayConfig{Width: 20, UseColor: true}
	fmt.Fprintln(cmd.OutOrStdout(), FormatHeader("Ensemble campaign snapshots", dcfg))
	for _, name := range names {
		snap, err := store.Load(name)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), FormatSnapshotLine(snap.Name, snap.HInd, snap.H0Count, dcfg))
	}
	return nil
}

func outputSnapshotsJSON(cmd *cobra.Command, store *checkpoint.Store, names []string) error {
	fmt.Fprint(cmd.OutOrStdout(), "[")
	for i, name := range names {
		snap, err := store.Load(name)
		if err != nil {
			return err
		}
		if i > 0 {
			fmt.Fprint(cmd.OutOrStdout(), ",")
		}
		fmt.Fprintf(cmd.OutOrStdout(), `{"name":%q,"h_ind":%d,"h0_count":%d}`, snap.Name, snap.HInd, snap.H0Count)
	}
	fmt.Fprintln(cmd.OutOrStdout(), "]")
	return nil
}
