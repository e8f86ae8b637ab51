package cmd

import (
	"context"
	"errors"
	"log"

	"golang.org/x/sync/errgroup"

	"github.com/shaunagostinho/powerfc-dash/internal/powerfc"
)

// withEngine runs an engine for the duration of fn. fn receives every
// event except telemetry; events are dropped when fn falls behind.
func withEngine(ctx context.Context, cfg powerfc.Config, transport powerfc.Transport,
	fn func(ctx context.Context, engine *powerfc.Engine, events <-chan powerfc.Event) error) error {
	events := make(chan powerfc.Event, 64)
	listener := powerfc.ListenerFunc(func(ev powerfc.Event) {
		if ev.Kind == powerfc.EventTelemetry {
			return
		}
		select {
		case events <- ev:
		default:
		}
	})
	engine := powerfc.NewEngine(cfg, transport, listener)

	errg, gctx := errgroup.WithContext(ctx)
	runCtx, stop := context.WithCancel(gctx)
	errg.Go(func() error { return engine.Run(runCtx) })

	err := fn(runCtx, engine, events)
	stop()
	werr := errg.Wait()
	if err != nil {
		return err
	}
	if werr != nil && !errors.Is(werr, context.Canceled) {
		return werr
	}
	return nil
}

// waitLoaded blocks until the engine has read all eight fuel map chunks.
func waitLoaded(ctx context.Context, events <-chan powerfc.Event) error {
	bar := newBar(powerfc.FuelMapChunks, "[cyan][1/2][reset] reading fuel map")
	defer bar.Finish()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev := <-events:
			switch ev.Kind {
			case powerfc.EventFuelMapRead:
				bar.Set(ev.Chunk)
			case powerfc.EventFuelMapLoaded:
				return nil
			case powerfc.EventTransportFault, powerfc.EventProtocolMismatch:
				log.Printf("[main] %s: %s", ev.Kind, ev.Error)
			}
		}
	}
}
