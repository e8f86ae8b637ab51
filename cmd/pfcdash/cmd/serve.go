package cmd

import (
	"context"
	"errors"
	"log"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/shaunagostinho/powerfc-dash/internal/powerfc"
	"github.com/shaunagostinho/powerfc-dash/internal/server"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Poll the ECU and serve telemetry",
	Long:  `Run the protocol engine and the HTTP/WebSocket API until interrupted.`,
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := loadConfig()
		if err := cfg.Validate(); err != nil {
			return err
		}
		log.Println("[main] pfcdash starting")

		srv := server.New(cfg)
		engine := powerfc.NewEngine(cfg.EngineConfig(), newTransport(cfg), srv)
		srv.SetController(engine)

		errg, ctx := errgroup.WithContext(cmd.Context())
		errg.Go(func() error { return engine.Run(ctx) })
		errg.Go(func() error { return srv.Run(ctx) })

		if err := errg.Wait(); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		log.Println("[main] stopped")
		return nil
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
}
