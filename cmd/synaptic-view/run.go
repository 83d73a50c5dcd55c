package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"

	"github.com/signalsfoundry/synaptic-view/internal/config"
	"github.com/signalsfoundry/synaptic-view/internal/logging"
	"github.com/signalsfoundry/synaptic-view/kb"
)

// cliFlags holds command-line overrides. Only flags the user actually set are
// applied over the loaded configuration.
type cliFlags struct {
	configPath    string
	tickRate      float64
	snapshotEvery int
	refreshEvery  int
	maxTicks      uint64
	accelerated   bool
	behavior      string
	httpAddr      string
	grpcAddr      string
	metricsAddr   string
	render        int
	logLevel      string
	logFormat     string
}

func (f *cliFlags) register(fs *pflag.FlagSet) {
	fs.StringVar(&f.configPath, "config", "", "Path to a YAML configuration file")
	fs.Float64Var(&f.tickRate, "tick-rate", 0, "Target simulation ticks per second")
	fs.IntVar(&f.snapshotEvery, "snapshot-every", 0, "Publish an inspector snapshot every N ticks")
	fs.IntVar(&f.refreshEvery, "refresh-every", 0, "Publish the live identity list every N ticks")
	fs.Uint64Var(&f.maxTicks, "max-ticks", 0, "Stop after N ticks (0 runs until interrupted)")
	fs.BoolVar(&f.accelerated, "accelerated", false, "Run ticks back to back instead of pacing them")
	fs.StringVar(&f.behavior, "behavior", "", "Movement rule: drift, bounce or static")
	fs.StringVar(&f.httpAddr, "http-addr", "", "Inspector HTTP/websocket listen address (empty disables)")
	fs.StringVar(&f.grpcAddr, "grpc-addr", "", "Inspector gRPC listen address (empty disables)")
	fs.StringVar(&f.metricsAddr, "metrics-addr", "", "Prometheus /metrics listen address (empty disables)")
	fs.IntVar(&f.render, "render", 0, "Draw the text grid every N ticks (0 disables)")
	fs.StringVar(&f.logLevel, "log-level", "", "Log level: debug, info, warn or error")
	fs.StringVar(&f.logFormat, "log-format", "", "Log format: text or json")
}

// resolve loads the configuration and applies the flags that were set.
func (f *cliFlags) resolve(fs *pflag.FlagSet) (*config.Config, error) {
	cfg, err := config.Load(f.configPath)
	if err != nil {
		return nil, err
	}

	set := func(name string, apply func()) {
		if fs.Changed(name) {
			apply()
		}
	}
	set("tick-rate", func() { cfg.Simulation.TickRate = f.tickRate })
	set("snapshot-every", func() { cfg.Simulation.SnapshotEvery = f.snapshotEvery })
	set("refresh-every", func() { cfg.Simulation.IdentityRefreshEvery = f.refreshEvery })
	set("max-ticks", func() { cfg.Simulation.MaxTicks = f.maxTicks })
	set("accelerated", func() { cfg.Simulation.Accelerated = f.accelerated })
	set("behavior", func() { cfg.Simulation.Behavior = f.behavior })
	set("http-addr", func() { cfg.Inspector.HTTPAddr = f.httpAddr })
	set("grpc-addr", func() { cfg.Inspector.GRPCAddr = f.grpcAddr })
	set("metrics-addr", func() { cfg.Metrics.Addr = f.metricsAddr })
	set("render", func() { cfg.Inspector.RenderEvery = f.render })
	set("log-level", func() { cfg.Logging.Level = f.logLevel })
	set("log-format", func() { cfg.Logging.Format = f.logFormat })

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func newRunCmd() *cobra.Command {
	var flags cliFlags
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the simulation and serve the inspector",
		Long: `Run the simulation loop and the inspector until interrupted or until
--max-ticks ticks have completed.

Examples:
  synaptic-view run
  synaptic-view run --accelerated --max-ticks 600 --render 60
  synaptic-view run --config synaptic-view.yaml --http-addr :8089`,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := flags.resolve(cmd.Flags())
			if err != nil {
				return err
			}

			log := logging.New(logging.Config{Level: cfg.Logging.Level, Format: cfg.Logging.Format})
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			err = runApp(ctx, cfg, log, cmd.OutOrStdout())
			var inconsistent *kb.StoreInconsistencyError
			if errors.As(err, &inconsistent) {
				fmt.Fprintf(cmd.ErrOrStderr(), "fatal: entity store inconsistent at entity %d: %s\n", inconsistent.ID, inconsistent.Reason)
			}
			return err
		},
	}
	flags.register(cmd.Flags())
	return cmd
}

func newValidateConfigCmd() *cobra.Command {
	var flags cliFlags
	cmd := &cobra.Command{
		Use:   "validate-config",
		Short: "Validate the effective configuration and print it as YAML",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := flags.resolve(cmd.Flags())
			if err != nil {
				return err
			}
			return writeConfig(cmd.OutOrStdout(), cfg)
		},
	}
	flags.register(cmd.Flags())
	return cmd
}

func writeConfig(w io.Writer, cfg *config.Config) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(cfg); err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	return enc.Close()
}
