package cli

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/spf13/cobra"

	"github.com/hpcflow/ensemble/internal/alloc"
	"github.com/hpcflow/ensemble/internal/checkpoint"
	"github.com/hpcflow/ensemble/internal/comm"
	"github.com/hpcflow/ensemble/internal/config"
	"github.com/hpcflow/ensemble/internal/examplefuncs"
	"github.com/hpcflow/ensemble/internal/history"
	"github.com/hpcflow/ensemble/internal/manager"
	"github.com/hpcflow/ensemble/internal/registry"
	"github.com/hpcflow/ensemble/internal/workerctx"
	"github.com/hpcflow/ensemble/internal/workerloop"
)

// RunOptions holds flags for the run command.
type RunOptions struct {
	ConfigPath string
	Persistent bool // use the persistent-generator allocator instead of batch
	Seed       int64
}

// Validate checks RunOptions for validity.
func (opts RunOptions) Validate() error {
	if opts.ConfigPath == "" {
		return fmt.Errorf("config path must not be empty")
	}
	return nil
}

// NewRunCmd creates the run command.
func NewRunCmd(app *App) *cobra.Command {
	opts := RunOptions{Seed: 1}

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run a demo ensemble campaign against the reference sim/gen functions",
		Long: `run drives a manager loop and a pool of workers through the reference
sim_f/gen_f pair in internal/examplefuncs, reading campaign configuration
(exit criteria, worker topology, checkpoint cadence) from the config file.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.ConfigPath = app.configPath
			if err := opts.Validate(); err != nil {
				return err
			}
			result, err := runCampaign(cmd.Context(), opts)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "exit_flag=%d rows=%d given=%d returned=%d\n",
				result.ExitFlag, result.History.HInd(), result.History.SumGiven(), result.History.SumReturned())
			return nil
		},
	}

	cmd.Flags().BoolVar(&opts.Persistent, "persistent", false, "use a persistent generator instead of batch sim-then-gen")
	cmd.Flags().Int64Var(&opts.Seed, "seed", 1, "PRNG seed for the reference generator")

	return cmd
}

// runCampaign wires C1-C8 together around the reference sim_f/gen_f pair,
// grounded on the manager package's integration test.
func runCampaign(ctx context.Context, opts RunOptions) (manager.Result, error) {
	cfg, err := config.Load(opts.ConfigPath)
	if err != nil {
		return manager.Result{}, err
	}

	simSpecs, err := cfg.SimSpecs.ToAllocSpecs()
	if err != nil {
		return manager.Result{}, err
	}
	genSpecs, err := cfg.GenSpecs.ToAllocSpecs()
	if err != nil {
		return manager.Result{}, err
	}
	exitCriteria, err := cfg.ExitCriteria.ToExitCriteria()
	if err != nil {
		return manager.Result{}, err
	}

	specs := history.Specs{SimOut: simSpecs.Out, GenOut: genSpecs.Out}
	h, err := history.Initialize(specs, nil, 4096)
	if err != nil {
		return manager.Result{}, err
	}

	ids := make([]registry.WorkerID, cfg.Workers.Count)
	for i := range ids {
		ids[i] = registry.WorkerID(i + 1)
	}
	reg := registry.New(ids)
	transport := comm.NewChannelTransport(ids, 32)

	var cp manager.Checkpointer
	if cfg.Checkpoint.Path != "" {
		store, err := checkpoint.Open(cfg.Checkpoint.Path)
		if err != nil {
			return manager.Result{}, err
		}
		defer store.Close()
		cp = store
	}

	allocFn := alloc.BatchSimThenGen()
	if opts.Persistent {
		allocFn = alloc.PersistentGen()
	}

	mgr := manager.New(manager.Config{
		SimSpecs:     simSpecs,
		GenSpecs:     genSpecs,
		ExitCriteria: exitCriteria,
		Alloc:        allocFn,
		Checkpointer: cp,
	}, h, reg, transport, time.Now())

	rng := rand.New(rand.NewSource(opts.Seed))
	simFunc := examplefuncs.SixHumpCamel
	genFunc := examplefuncs.UniformRandomSample2D(2, 0, 10, rng)
	if opts.Persistent {
		genFunc = examplefuncs.PersistentUniformGenerator(2, 3, 0, 10, rng)
	}

	var wg sync.WaitGroup
	for _, id := range ids {
		loop := &workerloop.Loop{
			ID:        id,
			Transport: transport,
			Ctx:       workerctx.New(id),
			SimFunc:   simFunc,
			GenFunc:   genFunc,
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = loop.Run(ctx)
		}()
	}

	result, err := mgr.Run(ctx)
	wg.Wait()
	return result, err
}
