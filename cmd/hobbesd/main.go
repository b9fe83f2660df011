// Command hobbesd is the per-enclave init task daemon: it opens the
// enclave's Registry, creates its HCQ, and runs the cooperative dispatch
// loop until told to shut down.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/hobbes-project/hobbes/pkg/config"
	"github.com/hobbes-project/hobbes/pkg/hcq"
	"github.com/hobbes-project/hobbes/pkg/hlog"
	"github.com/hobbes-project/hobbes/pkg/inittask"
	"github.com/hobbes-project/hobbes/pkg/lifecycle"
	"github.com/hobbes-project/hobbes/pkg/metrics"
	"github.com/hobbes-project/hobbes/pkg/notifier"
	"github.com/hobbes-project/hobbes/pkg/palacios"
	"github.com/hobbes-project/hobbes/pkg/pisces"
	"github.com/hobbes-project/hobbes/pkg/registry"
	"github.com/hobbes-project/hobbes/pkg/types"
	"github.com/hobbes-project/hobbes/pkg/xemem"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

var cfgPath string

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "hobbesd",
	Short: "hobbesd runs one enclave's init task loop",
	Long: `hobbesd boots the Master enclave's Registry on first run, or
attaches a non-Master enclave's init task to an already-bootstrapped
node configuration, and then dispatches commands from its HCQ until
shut down or killed.`,
	Version: Version,
	RunE:    runDaemon,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"hobbesd version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.PersistentFlags().StringVarP(&cfgPath, "config", "c", "", "path to node configuration YAML (defaults used if omitted)")
	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format")

	cobra.OnInitialize(initLogging)
}

func initLogging() {
	logLevel, _ := rootCmd.PersistentFlags().GetString("log-level")
	logJSON, _ := rootCmd.PersistentFlags().GetBool("log-json")

	hlog.Init(hlog.Config{
		Level:      hlog.Level(logLevel),
		JSONOutput: logJSON,
	})
}

func runDaemon(cmd *cobra.Command, args []string) error {
	var cfg config.NodeConfig
	var err error
	if cfgPath != "" {
		cfg, err = config.Load(cfgPath)
	} else {
		cfg = config.Default()
	}
	if err != nil {
		return err
	}

	reg, err := registry.Open(registry.Config{
		DataDir:   cfg.DataDir,
		NumCPUs:   cfg.NumCPUs,
		NumBlocks: cfg.NumBlocks,
		BlockSize: cfg.BlockSize,
		NumaNodes: cfg.NumaNodes,
	})
	if err != nil {
		return fmt.Errorf("hobbesd: opening registry: %w", err)
	}
	defer reg.Close()

	enclaveID := types.EnclaveID(cfg.EnclaveID)
	if enclaveID == 0 {
		enclaveID = types.MasterID
	}

	broker := notifier.NewBroker()
	broker.Start()
	defer broker.Stop()

	driver, err := lifecycle.NewDriver(reg, broker, &pisces.Sim{}, lifecycle.Config{
		EnclaveBootTimeout: cfg.BootTimeout,
	})
	if err != nil {
		return fmt.Errorf("hobbesd: creating lifecycle driver: %w", err)
	}

	// xemem.NewLocal backs this enclave's queue with a process-local
	// transport: a second hobbesd process started against the same
	// Registry file cannot Get() this Server's segment, since no
	// cross-OS-process xemem.Transport is implemented in this tree (see
	// DESIGN.md). hobbesctl's command-issuing subcommands work around
	// this by standing up their own throwaway Driver/Server pair rather
	// than dialing this one.
	transport := xemem.NewLocal()
	queueName := cfg.QueueName
	if queueName == "" {
		queueName = fmt.Sprintf("enclave-%d.hcq", enclaveID)
	}
	server, err := hcq.NewServer(transport, queueName, cfg.QueueSize)
	if err != nil {
		return fmt.Errorf("hobbesd: creating command queue: %w", err)
	}

	loop := inittask.New(enclaveID, reg, driver, broker, server, &palacios.Sim{})

	go serveMetrics(cfg.MetricsAddr)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	hlog.WithEnclave(uint64(enclaveID)).Info().Str("queue", queueName).Msg("hobbesd starting")

	if err := loop.Run(ctx); err != nil && ctx.Err() == nil {
		return fmt.Errorf("hobbesd: dispatch loop exited: %w", err)
	}
	return nil
}

func serveMetrics(addr string) {
	if addr == "" {
		return
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	if err := http.ListenAndServe(addr, mux); err != nil && err != http.ErrServerClosed {
		hlog.Errorf("metrics server exited", err)
	}
}
