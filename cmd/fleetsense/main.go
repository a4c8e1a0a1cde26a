package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/fleetsense/fleetsense/pkg/agent"
	"github.com/fleetsense/fleetsense/pkg/config"
	"github.com/fleetsense/fleetsense/pkg/log"
	"github.com/fleetsense/fleetsense/pkg/transport"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

// Exit codes: 0 clean shutdown, 1 config error, 2 unrecoverable subsystem
// failure.
const (
	exitConfigError = 1
	exitFatal       = 2
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "fleetsense",
	Short: "FleetSense - on-vehicle fleet telemetry agent",
	Long: `FleetSense is the on-vehicle agent of a fleet telemetry platform.
It ingests signals from the vehicle, evaluates cloud-supplied data
collection campaigns against them in real time, and forwards triggered
snapshots to the cloud.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"FleetSense version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.AddCommand(startCmd)
	rootCmd.AddCommand(simulateCmd)
}

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the agent",
	RunE: func(cmd *cobra.Command, args []string) error {
		configPath, _ := cmd.Flags().GetString("config")

		cfg, err := config.Load(configPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Config error: %v\n", err)
			os.Exit(exitConfigError)
		}

		log.Init(log.Config{Level: log.Level(cfg.LogLevel), JSONOutput: cfg.LogJSON})

		conn, err := connectTransport(cfg)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Fatal: %v\n", err)
			os.Exit(exitFatal)
		}

		a, err := agent.New(cfg, conn, nil)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Fatal: %v\n", err)
			os.Exit(exitFatal)
		}
		if err := a.Start(); err != nil {
			fmt.Fprintf(os.Stderr, "Fatal: %v\n", err)
			os.Exit(exitFatal)
		}

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
		<-sigCh

		fmt.Println("Shutting down...")
		if err := a.Stop(); err != nil {
			return fmt.Errorf("failed to shutdown: %v", err)
		}
		return nil
	},
}

// connectTransport returns the transport connection. It always returns the
// in-memory loopback broker; no networked broker client is built in, so the
// agent runs without cloud connectivity and the configured endpoint is not
// dialed.
func connectTransport(cfg *config.Config) (transport.Connection, error) {
	// TODO: plug in the production broker client once its Go bindings
	// land; tracked alongside the transport package contract.
	return transport.NewInMemoryBroker(), nil
}

func init() {
	startCmd.Flags().String("config", "/etc/fleetsense/config.json", "Path to the JSON configuration file")
}
