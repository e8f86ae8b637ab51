package powerfc

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/shaunagostinho/powerfc-dash/internal/metrics"
)

// Transport is the byte link to the Datalogit. Read blocks until data is
// available and fails once the transport is closed.
type Transport interface {
	Open() error
	Close() error
	io.ReadWriter
}

// Config holds the engine settings.
type Config struct {
	Tune           TuneConfig
	Aux            []AuxCalibration
	Platforms      ModelLookup
	Timeout        time.Duration // response timeout per exchange
	ReconnectDelay time.Duration // delay of the one-time reconnect
	Debug          bool          // hex dump every frame
}

// DefaultConfig returns the protocol timings of the Power FC and a wideband
// on AN3-4 reading 10-20 AFR over 0-5 V.
func DefaultConfig() Config {
	return Config{
		Tune: DefaultTuneConfig(),
		Aux: []AuxCalibration{
			{Name: "AN1-2", Unit: "V", AtZero: 0, AtMax: 5},
			{Name: "AFR", Unit: "AFR", AtZero: 10, AtMax: 20},
			{Name: "AN5-6", Unit: "V", AtZero: 0, AtMax: 5, Smooth: true},
			{Name: "AN7-8", Unit: "V", AtZero: 0, AtMax: 5},
		},
		Platforms:      DefaultPlatforms(),
		Timeout:        700 * time.Millisecond,
		ReconnectDelay: 2 * time.Second,
	}
}

// ConnState is the link state reported in Status.
type ConnState string

const (
	StateDisconnected ConnState = "disconnected"
	StateConnecting   ConnState = "connecting"
	StateInitializing ConnState = "initializing"
	StateReconnecting ConnState = "reconnecting"
	StatePolling      ConnState = "polling"
	StateFault        ConnState = "fault"
)

// Closed loop states reported in Status.
const (
	ClosedLoopOff     = "off"
	ClosedLoopActive  = "active"
	ClosedLoopWriting = "writing"
)

// Status is a point in time copy of the engine state for HTTP readers.
type Status struct {
	Session    string    `json:"session"`
	State      ConnState `json:"state"`
	Request    string    `json:"request"`
	ClosedLoop string    `json:"closedLoop"`
	Decision   Decision  `json:"decision"`
	Telemetry  Telemetry `json:"telemetry"`
	LastError  string    `json:"lastError,omitempty"`
	Timeouts   int       `json:"timeouts"`
	Mismatches int       `json:"mismatches"`
	Resyncs    int       `json:"resyncs"`
	Writes     int       `json:"writes"`
	Samples    int64     `json:"samples"`
	UpdatedAt  time.Time `json:"updatedAt"`
}

// Request indices with a dedicated decoder.
const (
	platformIdx         = InitRequestIdx
	datalogitVersionIdx = 1
	platformVersionIdx  = 2
	sensorLabelsIdx     = 3
	advancedIdx         = FirstLiveDataIdx
	mapIndicesIdx       = 13
	sensorIdx           = 14
	basicIdx            = 15
)

type rxChunk struct {
	session int
	data    []byte
	err     error
}

type openResult struct {
	session int
	err     error
}

// Engine drives the request/response exchange with the ECU. All protocol
// state is owned by a single goroutine: either Run, or the caller of the
// Handle* methods when the engine is driven manually.
type Engine struct {
	cfg       Config
	transport Transport
	listener  Listener
	now       func() time.Time

	cycle RequestCycle
	fuel  *FuelMap
	tune  *Autotune
	aux   *AuxCalibrator
	tele  Telemetry
	major byte // datalogit major version digit

	buf         []byte
	expected    int
	echo        byte
	inflight    string
	sentAt      time.Time
	awaitingAck bool

	opened           bool
	reconnected      bool
	reconnectPending bool
	timer            *time.Timer
	reconnect        *time.Timer

	session   int
	sessionID string
	stop      chan struct{} // closed when the session's transport closes
	rx        chan rxChunk
	opens     chan openResult // nil when driven manually
	done      <-chan struct{}
	cmds      chan func()

	mu     sync.Mutex
	status Status
}

// NewEngine creates an engine. listener may be nil.
func NewEngine(cfg Config, transport Transport, listener Listener) *Engine {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 700 * time.Millisecond
	}
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = 2 * time.Second
	}
	if cfg.Platforms == nil {
		cfg.Platforms = DefaultPlatforms()
	}
	if listener == nil {
		listener = nopListener{}
	}
	fuel := NewFuelMap(cfg.Tune.WriteChunks)
	e := &Engine{
		cfg:       cfg,
		transport: transport,
		listener:  listener,
		now:       time.Now,
		fuel:      fuel,
		tune:      NewAutotune(cfg.Tune, fuel),
		aux:       NewAuxCalibrator(cfg.Aux),
		timer:     time.NewTimer(time.Hour),
		reconnect: time.NewTimer(time.Hour),
		cmds:      make(chan func()),
	}
	e.timer.Stop()
	e.reconnect.Stop()
	e.status = Status{State: StateDisconnected, ClosedLoop: ClosedLoopOff}
	return e
}

// Start resets the request sequence, opens the transport and sends the
// first request. An open failure is returned but the request timer is still
// armed, so the next timeout retries the open.
func (e *Engine) Start() error {
	e.reconnected = false
	e.reconnectPending = false
	e.reconnect.Stop()
	e.closeTransport()
	e.fuel.ResetLoaded()
	e.fuel.AbortWrite()
	e.cycle.Reset()
	return e.connect()
}

// Run starts the engine and processes transport data, timeouts and
// commands until ctx is cancelled.
func (e *Engine) Run(ctx context.Context) error {
	e.rx = make(chan rxChunk, 16)
	e.opens = make(chan openResult, 1)
	e.done = ctx.Done()
	if err := e.Start(); err != nil {
		log.Printf("[powerfc] start: %v", err)
	}
	defer func() {
		e.timer.Stop()
		e.reconnect.Stop()
		e.closeTransport()
		e.setState(StateDisconnected)
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case c := <-e.rx:
			if c.session != e.session {
				continue
			}
			if c.err != nil {
				e.handleReadError(c.err)
				continue
			}
			e.HandleBytes(c.data)
		case <-e.timer.C:
			e.HandleTimeout()
		case <-e.reconnect.C:
			e.HandleReconnect()
		case r := <-e.opens:
			e.handleOpened(r)
		case fn := <-e.cmds:
			fn()
		}
	}
}

// Do runs fn on the engine loop and waits for it to finish.
func (e *Engine) Do(ctx context.Context, fn func()) error {
	done := make(chan struct{})
	select {
	case e.cmds <- func() { fn(); close(done) }:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// HandleBytes appends received bytes, resynchronizes on the echo byte of
// the last request and, once a complete frame is buffered, decodes it and
// sends the next request.
func (e *Engine) HandleBytes(b []byte) {
	if e.expected == 0 {
		return
	}
	e.buf = append(e.buf, b...)

	if i := bytes.IndexByte(e.buf, e.echo); i != 0 {
		dropped := i
		if i < 0 {
			dropped = len(e.buf)
		}
		e.noteResync(dropped)
		if i < 0 {
			e.buf = e.buf[:0]
			return
		}
		e.buf = append(e.buf[:0], e.buf[i:]...)
	}
	if len(e.buf) > e.expected {
		e.buf = e.buf[:e.expected]
	}
	if len(e.buf) < e.expected {
		return
	}

	e.timer.Stop()
	frame := make([]byte, len(e.buf))
	copy(frame, e.buf)
	e.buf = e.buf[:0]
	e.expected = 0

	if e.cfg.Debug {
		log.Printf("[powerfc] %s", FormatFrame("<", frame))
	}
	metrics.FramesReceived.WithLabelValues(e.inflight).Inc()
	metrics.ExchangeLatency.WithLabelValues(e.inflight).Observe(e.now().Sub(e.sentAt).Seconds())

	if err := e.dispatch(frame); err != nil {
		e.noteMismatch(err)
	}
	e.next()
}

// HandleTimeout handles an exchange that did not complete in time: the
// buffer is cleared, the transport reopened and the sequence restarts at
// the first request.
func (e *Engine) HandleTimeout() {
	metrics.Timeouts.Inc()
	e.mu.Lock()
	e.status.Timeouts++
	e.mu.Unlock()
	e.resetLink(fmt.Errorf("%w: no response to %s within %s", ErrTransportFault, e.inflight, e.cfg.Timeout))
}

// resetLink reports a transport fault and restarts the sequence on a
// reopened transport.
func (e *Engine) resetLink(err error) {
	log.Printf("[powerfc] %v", err)
	e.setFault(err)
	e.emit(Event{Kind: EventTransportFault, Error: err.Error()})

	e.timer.Stop()
	e.buf = e.buf[:0]
	e.expected = 0
	e.awaitingAck = false
	e.fuel.AbortWrite()
	e.cycle.Reset()

	e.closeTransport()
	metrics.Reconnects.Inc()
	if err := e.connect(); err != nil {
		log.Printf("[powerfc] reopen: %v", err)
	}
}

// HandleReconnect finishes the one-time reconnect that follows the first
// platform identification.
func (e *Engine) HandleReconnect() {
	if !e.reconnectPending {
		return
	}
	e.reconnectPending = false
	e.buf = e.buf[:0]
	e.cycle.Reset()
	metrics.Reconnects.Inc()
	if err := e.connect(); err != nil {
		log.Printf("[powerfc] reconnect: %v", err)
	}
}

// handleReadError resets the link the same way a timeout does.
func (e *Engine) handleReadError(err error) {
	e.resetLink(fmt.Errorf("%w: read: %w", ErrTransportFault, err))
}

// dispatch decodes a complete frame according to the request in flight.
func (e *Engine) dispatch(frame []byte) error {
	if e.awaitingAck {
		// Only the presence of the ack is checked.
		e.awaitingAck = false
		e.emit(Event{Kind: EventWriteAcked, Chunk: e.fuel.Cursor()})
		return nil
	}

	idx := e.cycle.Index()
	switch {
	case idx == platformIdx:
		return e.handlePlatform(frame)
	case idx == datalogitVersionIdx:
		major, err := e.tele.DecodeDatalogitVersion(frame)
		if err != nil {
			return err
		}
		e.major = major
		log.Printf("[powerfc] datalogit version %s", e.tele.DatalogitVersion)
		return nil
	case idx == platformVersionIdx:
		return e.tele.DecodePlatformVersion(frame)
	case idx == sensorLabelsIdx:
		return e.tele.DecodeSensorLabels(frame)
	case idx >= FirstFuelMapIdx && idx < FirstLiveDataIdx:
		chunk := idx - FirstFuelMapIdx + 1
		if err := e.fuel.ApplyReadChunk(chunk, frame); err != nil {
			return err
		}
		e.emit(Event{Kind: EventFuelMapRead, Chunk: chunk})
		if chunk == FuelMapChunks && e.fuel.Loaded() {
			log.Printf("[powerfc] fuel map loaded")
			e.emit(Event{Kind: EventFuelMapLoaded})
		}
		return nil
	case idx == advancedIdx:
		if !e.tele.HasAdvancedLayout() {
			// warned once at identification
			return nil
		}
		return e.tele.DecodeAdvanced(frame)
	case idx == mapIndicesIdx:
		return e.tele.DecodeMapIndices(frame)
	case idx == sensorIdx:
		return e.tele.DecodeSensors(frame)
	case idx == basicIdx:
		return e.tele.DecodeBasic(frame)
	case idx == AuxRequestIdx:
		return e.handleAux(frame)
	}
	return nil
}

func (e *Engine) handlePlatform(frame []byte) error {
	platform, err := DecodePlatform(frame)
	if err != nil {
		return err
	}
	e.tele.Platform = strings.TrimSpace(platform)
	family, ok := e.cfg.Platforms.Family(platform)
	if !ok {
		log.Printf("[powerfc] WARNING: unknown platform %q, advanced data will not be decoded", platform)
	}
	e.tele.Family = family
	log.Printf("[powerfc] platform %q (%s)", e.tele.Platform, family)
	e.emit(Event{Kind: EventPlatform, Family: family})

	if !e.reconnected {
		e.reconnected = true
		e.reconnectPending = true
		log.Printf("[powerfc] reconnecting in %s", e.cfg.ReconnectDelay)
		e.closeTransport()
		e.setState(StateReconnecting)
		e.reconnect.Reset(e.cfg.ReconnectDelay)
	}
	return nil
}

func (e *Engine) handleAux(frame []byte) error {
	volts, err := AuxVolts(frame)
	if err != nil {
		return err
	}
	e.tele.Aux = e.aux.Apply(volts)
	if src := e.tune.Config().AFRAuxSource; src >= 0 && src < AuxChannels && e.tele.Aux[src].Valid {
		e.tele.AFR = e.tele.Aux[src].Value
	}
	return nil
}

// next decides the follow-up of a completed exchange: a fuel map write
// chunk when one is due, otherwise the next read request.
func (e *Engine) next() {
	if e.reconnectPending {
		return
	}
	writable := e.cycle.Polling() && e.fuel.Loaded() && e.tune.WriteAllowed(e.tele.ThrottleV)
	if !writable && e.fuel.Writing() {
		chunk := e.fuel.Cursor()
		committed := e.fuel.StopWrite()
		metrics.CellsCommitted.Add(float64(committed))
		log.Printf("[powerfc] fuel map write stopped after chunk %d, %d cells changed", chunk, committed)
		e.emit(Event{Kind: EventWriteCommitted, Writes: e.fuel.Writes(), Committed: committed})
	}
	if writable {
		step, committed := e.fuel.NextWrite(e.tune.ShouldStartWrite)
		switch step {
		case WriteStarted:
			metrics.MapWrites.Inc()
			log.Printf("[powerfc] writing fuel map (%d chunks)", e.fuel.SequenceLimit())
			e.emit(Event{Kind: EventWriteStarted, Writes: e.fuel.Writes()})
			e.sendWrite()
			return
		case WriteContinued:
			e.sendWrite()
			return
		case WriteCommitted:
			metrics.CellsCommitted.Add(float64(committed))
			log.Printf("[powerfc] fuel map written, %d cells changed", committed)
			e.emit(Event{Kind: EventWriteCommitted, Writes: e.fuel.Writes(), Committed: committed})
		}
	}
	if e.cycle.Advance() {
		e.endOfCycle()
	}
	e.sendRequest()
}

// endOfCycle runs once per live data cycle: one autotune pass and a
// telemetry event.
func (e *Engine) endOfCycle() {
	t := e.tele
	st := EngineState{
		CoolantC:  t.WaterTemp,
		RPM:       t.RPM,
		ThrottleV: t.ThrottleV,
		SpeedKph:  t.Speed,
		At:        e.now(),
	}
	d, err := e.tune.Evaluate(t.MapN, t.MapP, t.AFR, st)
	if err != nil {
		log.Printf("[powerfc] autotune: %v", err)
	}
	if d.Folded {
		metrics.SamplesFolded.Inc()
	} else {
		metrics.SamplesRejected.WithLabelValues(d.Gate.String()).Inc()
	}
	metrics.EngineRPM.Set(t.RPM)
	metrics.EngineAFR.Set(t.AFR)

	e.mu.Lock()
	e.status.State = StatePolling
	e.status.Telemetry = t
	e.status.Decision = d
	e.status.ClosedLoop = e.closedLoopState(d)
	e.status.Samples = e.fuel.Samples()
	e.status.Writes = e.fuel.Writes()
	if err != nil {
		e.status.LastError = err.Error()
	}
	e.status.UpdatedAt = st.At
	e.mu.Unlock()

	e.emit(Event{Kind: EventTelemetry, Telemetry: &t, Decision: &d})
}

func (e *Engine) closedLoopState(d Decision) string {
	switch {
	case e.fuel.Writing():
		return ClosedLoopWriting
	case d.Folded:
		return ClosedLoopActive
	}
	return ClosedLoopOff
}

func (e *Engine) sendRequest() {
	d := e.cycle.Descriptor(e.major)
	e.awaitingAck = false
	e.transmit(d.Name, EncodeReadRequest(d), d.ResponseSize, d.Opcode[0])
}

func (e *Engine) sendWrite() {
	frame, err := e.fuel.WriteFrame()
	if err != nil {
		// The cursor is always 1..8 here.
		log.Printf("[powerfc] encode fuel map chunk %d: %v", e.fuel.Cursor(), err)
		return
	}
	e.awaitingAck = true
	e.mu.Lock()
	e.status.ClosedLoop = ClosedLoopWriting
	e.mu.Unlock()
	e.transmit(fmt.Sprintf("fuel map write %d/%d", e.fuel.Cursor(), e.fuel.SequenceLimit()), frame, AckSize, idAck)
}

func (e *Engine) transmit(name string, frame []byte, expected int, echo byte) {
	e.buf = e.buf[:0]
	e.expected = expected
	e.echo = echo
	e.inflight = name
	e.sentAt = e.now()

	e.mu.Lock()
	e.status.Request = name
	e.mu.Unlock()

	if e.cfg.Debug {
		log.Printf("[powerfc] %s", FormatFrame(">", frame))
	}
	metrics.FramesSent.WithLabelValues(name).Inc()
	if _, err := e.transport.Write(frame); err != nil {
		e.setFault(fmt.Errorf("%w: write %s: %w", ErrTransportFault, name, err))
	}
	e.timer.Reset(e.cfg.Timeout)
}

// connect opens the transport and sends the current request. Under Run
// the open happens off the loop and the request follows its result; a
// manually driven engine opens in place.
func (e *Engine) connect() error {
	if e.opens == nil {
		err := e.openTransport()
		e.sendRequest()
		return err
	}
	e.beginOpen()
	return nil
}

func (e *Engine) newSession() {
	e.session++
	e.sessionID = uuid.NewString()
	e.mu.Lock()
	e.status.Session = e.sessionID
	e.mu.Unlock()
}

func (e *Engine) openTransport() error {
	e.newSession()
	return e.finishOpen(e.transport.Open())
}

// beginOpen runs Transport.Open on its own goroutine. No request is in
// flight and no timer is armed until handleOpened.
func (e *Engine) beginOpen() {
	e.newSession()
	e.expected = 0
	e.setState(StateConnecting)

	session, opens, done := e.session, e.opens, e.done
	go func() {
		err := e.transport.Open()
		select {
		case opens <- openResult{session: session, err: err}:
		case <-done:
			if err == nil {
				e.transport.Close()
			}
		}
	}()
}

// handleOpened resumes the sequence once an off-loop open finishes. A
// failed open still sends, so the response timeout retries it.
func (e *Engine) handleOpened(r openResult) {
	if r.session != e.session {
		if r.err == nil {
			e.transport.Close()
		}
		return
	}
	if err := e.finishOpen(r.err); err != nil {
		log.Printf("[powerfc] open: %v", err)
	}
	e.sendRequest()
}

func (e *Engine) finishOpen(err error) error {
	if err != nil {
		err = fmt.Errorf("%w: open: %w", ErrTransportFault, err)
		e.setFault(err)
		return err
	}
	e.opened = true
	e.setState(StateInitializing)
	if e.rx != nil {
		e.stop = make(chan struct{})
		go e.pump(e.session, e.stop, e.rx, e.done)
	}
	return nil
}

func (e *Engine) closeTransport() {
	if !e.opened {
		return
	}
	e.opened = false
	// Chunks still in flight from the old read pump are dropped.
	e.session++
	if e.stop != nil {
		close(e.stop)
		e.stop = nil
	}
	if err := e.transport.Close(); err != nil {
		log.Printf("[powerfc] close: %v", err)
	}
}

// pump forwards transport reads to the loop until the transport fails.
func (e *Engine) pump(session int, stop <-chan struct{}, rx chan<- rxChunk, done <-chan struct{}) {
	buf := make([]byte, 256)
	for {
		select {
		case <-stop:
			return
		default:
		}
		n, err := e.transport.Read(buf)
		if n > 0 {
			data := make([]byte, n)
			copy(data, buf[:n])
			select {
			case rx <- rxChunk{session: session, data: data}:
			case <-done:
				return
			}
		}
		if err != nil {
			select {
			case rx <- rxChunk{session: session, err: err}:
			case <-done:
			}
			return
		}
	}
}

func (e *Engine) noteResync(dropped int) {
	metrics.Resyncs.Inc()
	e.mu.Lock()
	e.status.Resyncs++
	e.mu.Unlock()
	if e.cfg.Debug {
		log.Printf("[powerfc] %v: dropped %d bytes before 0x%02X", ErrFraming, dropped, e.echo)
	}
}

func (e *Engine) noteMismatch(err error) {
	metrics.Mismatches.WithLabelValues(e.inflight).Inc()
	log.Printf("[powerfc] %s: %v", e.inflight, err)
	e.mu.Lock()
	e.status.Mismatches++
	e.status.LastError = err.Error()
	e.mu.Unlock()
	e.emit(Event{Kind: EventProtocolMismatch, Error: err.Error()})
}

func (e *Engine) setState(s ConnState) {
	e.mu.Lock()
	e.status.State = s
	e.mu.Unlock()
}

func (e *Engine) setFault(err error) {
	e.mu.Lock()
	e.status.State = StateFault
	e.status.LastError = err.Error()
	e.mu.Unlock()
}

func (e *Engine) emit(ev Event) {
	ev.Time = e.now()
	ev.Session = e.sessionID
	e.listener.HandleEvent(ev)
}

// Status returns a copy of the last published engine state. Safe for
// concurrent use.
func (e *Engine) Status() Status {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.status
}

// SetClosedLoop toggles autotune on the engine loop.
func (e *Engine) SetClosedLoop(ctx context.Context, on bool) error {
	return e.Do(ctx, func() {
		e.tune.SetClosedLoop(on)
		log.Printf("[powerfc] closed loop %v", on)
	})
}

// SetTuneConfig replaces the autotune thresholds on the engine loop.
func (e *Engine) SetTuneConfig(ctx context.Context, cfg TuneConfig) error {
	return e.Do(ctx, func() { e.tune.SetConfig(cfg) })
}

// SetAuxCalibration replaces the aux channel endpoints on the engine loop.
func (e *Engine) SetAuxCalibration(ctx context.Context, cal []AuxCalibration) error {
	return e.Do(ctx, func() { e.aux.SetCalibration(cal) })
}

// QueueSampleWrite makes the next write sequence send g.
func (e *Engine) QueueSampleWrite(ctx context.Context, g Grid) error {
	return e.Do(ctx, func() { e.fuel.QueueSampleWrite(g) })
}

// FuelMapSnapshot copies the fuel map store on the engine loop.
func (e *Engine) FuelMapSnapshot(ctx context.Context) (MapSnapshot, error) {
	var snap MapSnapshot
	err := e.Do(ctx, func() { snap = e.fuel.Snapshot() })
	return snap, err
}

// FuelMap and Autotune expose the loop owned state; only use them from
// the goroutine driving the engine.
func (e *Engine) FuelMap() *FuelMap   { return e.fuel }
func (e *Engine) Autotune() *Autotune { return e.tune }

// Telemetry returns the telemetry being assembled; same ownership rule as FuelMap.
func (e *Engine) Telemetry() Telemetry { return e.tele }
