package cmd

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shaunagostinho/powerfc-dash/internal/ecu"
	"github.com/shaunagostinho/powerfc-dash/internal/powerfc"
)

func TestGridTable(t *testing.T) {
	var g powerfc.Grid
	g[2][5] = 1.234
	data := gridTable(g)

	require.Len(t, data, powerfc.TableSize+1)
	assert.Len(t, data[0], powerfc.TableSize+1)
	assert.Equal(t, "load\\rpm", data[0][0])
	assert.Equal(t, "19", data[0][20])
	assert.Equal(t, "2", data[3][0])
	assert.Equal(t, "1.234", data[3][6])
	assert.Equal(t, "0.000", data[1][1])
}

func TestLoadConfig_Flags(t *testing.T) {
	t.Cleanup(func() {
		configPath, portPath, demo, debug = "/etc/pfcdash/config.yaml", "", false, false
	})
	configPath = filepath.Join(t.TempDir(), "config.yaml")

	portPath = "/dev/ttyS9"
	debug = true
	cfg := loadConfig()
	assert.False(t, cfg.IsDemo())
	assert.Equal(t, "/dev/ttyS9", cfg.SerialConfig().PortPath)
	assert.True(t, cfg.EngineConfig().Debug)
	assert.IsType(t, &ecu.Serial{}, newTransport(cfg))

	demo = true
	cfg = loadConfig()
	assert.True(t, cfg.IsDemo())
	assert.IsType(t, &ecu.Demo{}, newTransport(cfg))
}

func TestWithEngine_ReadsDemoFuelMap(t *testing.T) {
	d := ecu.NewDemo(ecu.DemoConfig{Latency: time.Millisecond})
	cfg := powerfc.DefaultConfig()
	cfg.ReconnectDelay = 10 * time.Millisecond

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var snap powerfc.MapSnapshot
	err := withEngine(ctx, cfg, d, func(ctx context.Context, engine *powerfc.Engine, events <-chan powerfc.Event) error {
		if err := waitLoaded(ctx, events); err != nil {
			return err
		}
		var err error
		snap, err = engine.FuelMapSnapshot(ctx)
		return err
	})
	require.NoError(t, err)
	assert.True(t, snap.Loaded)
	assert.Equal(t, d.FuelMap(), snap.Current)
}

func TestWithEngine_WritesSampleMap(t *testing.T) {
	d := ecu.NewDemo(ecu.DemoConfig{Latency: time.Millisecond})
	cfg := powerfc.DefaultConfig()
	cfg.ReconnectDelay = 10 * time.Millisecond

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	err := withEngine(ctx, cfg, d, func(ctx context.Context, engine *powerfc.Engine, events <-chan powerfc.Event) error {
		if err := waitLoaded(ctx, events); err != nil {
			return err
		}
		if err := engine.QueueSampleWrite(ctx, powerfc.SampleFuelMap()); err != nil {
			return err
		}
		return waitWritten(ctx, events)
	})
	require.NoError(t, err)
	assert.GreaterOrEqual(t, d.Writes(), powerfc.FuelMapChunks)

	want := powerfc.SampleFuelMap()
	got := d.FuelMap()
	assert.InDelta(t, want[0][0], got[0][0], 0.004)
	assert.InDelta(t, want[19][19], got[19][19], 0.004)
}

func TestWithEngine_Timeout(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	// a transport that never answers
	d := ecu.NewDemo(ecu.DemoConfig{Latency: time.Hour})
	err := withEngine(ctx, powerfc.DefaultConfig(), d, func(ctx context.Context, _ *powerfc.Engine, events <-chan powerfc.Event) error {
		return waitLoaded(ctx, events)
	})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
