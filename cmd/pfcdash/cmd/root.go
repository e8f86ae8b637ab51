package cmd

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/shaunagostinho/powerfc-dash/internal/ecu"
	"github.com/shaunagostinho/powerfc-dash/internal/powerfc"
	"github.com/shaunagostinho/powerfc-dash/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "pfcdash",
	Short: "Power FC datalogger and idle fuel autotune",
	Long: `pfcdash polls an A'PEXi Power FC through a Datalogit interface,
serves live telemetry over HTTP and WebSocket and, when closed loop is
enabled, tunes the fuel map from wideband AFR feedback.`,
	SilenceUsage: true,
}

// Execute runs the root command until it returns or SIGINT/SIGTERM arrives.
func Execute() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	quitChan := make(chan os.Signal, 1)
	signal.Notify(quitChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		s := <-quitChan
		log.Printf("[main] received %v, shutting down", s)
		cancel()
		// Failsafe if shutdown deadlocks
		<-time.After(15 * time.Second)
		log.Fatal("[main] shutdown took too long, exiting")
	}()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

var (
	configPath string
	portPath   string
	demo       bool
	debug      bool
)

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "/etc/pfcdash/config.yaml", "path to config file")
	rootCmd.PersistentFlags().StringVarP(&portPath, "port", "p", "", "override serial port (e.g. /dev/ttyUSB0)")
	rootCmd.PersistentFlags().BoolVar(&demo, "demo", false, "use the simulated Power FC")
	rootCmd.PersistentFlags().BoolVarP(&debug, "debug", "d", false, "hex dump every frame")
}

// loadConfig reads the config file and applies the command line overrides.
func loadConfig() *server.Config {
	cfg := server.LoadConfig(configPath)
	if portPath != "" {
		cfg.ECU.Type = "powerfc"
		cfg.ECU.PortPath = portPath
	}
	if demo {
		cfg.ECU.Type = "demo"
	}
	if debug {
		cfg.Protocol.Debug = true
	}
	return cfg
}

func newTransport(cfg *server.Config) powerfc.Transport {
	if cfg.IsDemo() {
		log.Printf("[main] using simulated Power FC")
		return ecu.NewDemo(cfg.DemoConfig())
	}
	return ecu.NewSerial(cfg.SerialConfig())
}
