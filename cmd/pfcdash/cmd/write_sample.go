package cmd

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/shaunagostinho/powerfc-dash/internal/powerfc"
)

var (
	writeSampleYes     bool
	writeSampleTimeout time.Duration
)

var writeSampleCmd = &cobra.Command{
	Use:   "write-sample",
	Short: "Overwrite the ECU fuel map with the built-in base map",
	Long: `Read the fuel map, then write the conservative sample map to all eight
chunks. The throttle must stay closed while writing.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if !writeSampleYes {
			return errors.New("this replaces the whole fuel map, pass --yes to continue")
		}
		cfg := loadConfig()
		if err := cfg.Validate(); err != nil {
			return err
		}
		ctx, cancel := context.WithTimeout(cmd.Context(), writeSampleTimeout)
		defer cancel()

		return withEngine(ctx, cfg.EngineConfig(), newTransport(cfg), func(ctx context.Context, engine *powerfc.Engine, events <-chan powerfc.Event) error {
			if err := waitLoaded(ctx, events); err != nil {
				return fmt.Errorf("fuel map not read: %w", err)
			}
			if err := engine.QueueSampleWrite(ctx, powerfc.SampleFuelMap()); err != nil {
				return err
			}
			return waitWritten(ctx, events)
		})
	},
}

func waitWritten(ctx context.Context, events <-chan powerfc.Event) error {
	bar := newBar(powerfc.FuelMapChunks, "[cyan][2/2][reset] writing sample map")
	for {
		select {
		case <-ctx.Done():
			return fmt.Errorf("sample map not written: %w", ctx.Err())
		case ev := <-events:
			switch ev.Kind {
			case powerfc.EventWriteAcked:
				bar.Set(ev.Chunk)
			case powerfc.EventWriteCommitted:
				bar.Finish()
				fmt.Println()
				pterm.Success.Printf("sample map written, %d cells changed\n", ev.Committed)
				return nil
			case powerfc.EventTransportFault, powerfc.EventProtocolMismatch:
				log.Printf("[main] %s: %s", ev.Kind, ev.Error)
			}
		}
	}
}

func init() {
	writeSampleCmd.Flags().BoolVarP(&writeSampleYes, "yes", "y", false, "confirm the write")
	writeSampleCmd.Flags().DurationVarP(&writeSampleTimeout, "timeout", "t", time.Minute, "give up after this long")
	rootCmd.AddCommand(writeSampleCmd)
}
