package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/shaunagostinho/powerfc-dash/internal/powerfc"
)

var fuelmapTimeout time.Duration

var fuelmapCmd = &cobra.Command{
	Use:   "fuelmap",
	Short: "Read and print the ECU fuel map",
	Long:  `Connect, read the eight fuel map chunks and print the 20x20 table in ms.`,
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := loadConfig()
		if err := cfg.Validate(); err != nil {
			return err
		}
		ec := cfg.EngineConfig()
		ec.Tune.ClosedLoop = false

		ctx, cancel := context.WithTimeout(cmd.Context(), fuelmapTimeout)
		defer cancel()

		var snap powerfc.MapSnapshot
		err := withEngine(ctx, ec, newTransport(cfg), func(ctx context.Context, engine *powerfc.Engine, events <-chan powerfc.Event) error {
			if err := waitLoaded(ctx, events); err != nil {
				return fmt.Errorf("fuel map not read: %w", err)
			}
			var err error
			snap, err = engine.FuelMapSnapshot(ctx)
			return err
		})
		if err != nil {
			return err
		}

		fmt.Println()
		pterm.DefaultTable.WithHasHeader().WithData(gridTable(snap.Current)).Render()
		pterm.Info.Println("rows: load index, columns: rpm index")
		return nil
	},
}

// gridTable lays out a fuel grid with load rows and rpm columns.
func gridTable(g powerfc.Grid) pterm.TableData {
	header := []string{"load\\rpm"}
	for col := 0; col < powerfc.TableSize; col++ {
		header = append(header, fmt.Sprintf("%d", col))
	}
	data := pterm.TableData{header}
	for row := 0; row < powerfc.TableSize; row++ {
		line := []string{fmt.Sprintf("%d", row)}
		for col := 0; col < powerfc.TableSize; col++ {
			line = append(line, fmt.Sprintf("%.3f", g[row][col]))
		}
		data = append(data, line)
	}
	return data
}

func init() {
	fuelmapCmd.Flags().DurationVarP(&fuelmapTimeout, "timeout", "t", 30*time.Second, "give up after this long")
	rootCmd.AddCommand(fuelmapCmd)
}
