package kducer

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// Session defaults. Every one of these is configurable through an Option.
const (
	DefaultPort            = "502"
	DefaultPollInterval    = 100 * time.Millisecond
	defaultConnectTimeout  = 5 * time.Second
	defaultExchangeTimeout = 300 * time.Millisecond

	// The controller needs time to load program data after a selection
	// change, and considerably longer to commit permanent memory.
	selectSettleDelay    = 300 * time.Millisecond
	reprogramSettleDelay = 3 * time.Second
)

type sessionPhase int32

const (
	phaseDisconnected sessionPhase = iota
	phaseConnecting
	phaseActive
	phaseStopped
)

// Kducer is a session with one KDU torque controller. It keeps exactly one
// TCP connection alive, reconnecting forever when the link drops, and runs a
// single background loop that serializes all socket access: each tick the
// loop either executes one queued command or performs one result-poll step.
//
// Foreground methods are safe for concurrent use from any number of
// goroutines. They enqueue a command and block until the loop completes it,
// so their latency is bounded below by the poll interval.
type Kducer struct {
	address         string
	connectTimeout  time.Duration
	exchangeTimeout time.Duration
	pollInterval    time.Duration
	reconnectDelay  time.Duration

	lockUntilFetched  bool
	lockAlways        bool
	highResGraphs     bool
	overrideTimestamp bool

	logger  Logger
	metrics Metrics

	commands commandQueue
	results  resultQueue

	phase     atomic.Int32
	fwVersion atomic.Int32 // 0 until the first successful identity read

	// Loop-owned state. Never touched by foreground goroutines.
	client          *mbClient
	regs            *registerMap
	stopMotorRaised bool
	everConnected   bool

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New opens a session with the controller at address and starts its
// background loop. The address may omit the port, in which case the Modbus
// default 502 is used. New returns immediately; use WaitConnected to block
// until the first connection is up, or just start issuing commands — they
// queue until the link is ready.
func New(address string, opts ...Option) (*Kducer, error) {
	if address == "" {
		return nil, errors.New("kducer: controller address required")
	}
	if _, _, err := net.SplitHostPort(address); err != nil {
		address = net.JoinHostPort(address, DefaultPort)
	}

	k := &Kducer{
		address:         address,
		connectTimeout:  defaultConnectTimeout,
		exchangeTimeout: defaultExchangeTimeout,
		pollInterval:    DefaultPollInterval,
		logger:          DefaultLogger,
		metrics:         DefaultMetrics,
		stopCh:          make(chan struct{}),
	}
	for _, opt := range opts {
		if err := opt(k); err != nil {
			return nil, err
		}
	}
	if k.reconnectDelay <= 0 {
		k.reconnectDelay = k.pollInterval
	}

	k.wg.Add(1)
	go k.loop()
	return k, nil
}

// Close shuts the session down: the loop abandons its current step at the
// next suspension point, closes the socket and exits. Queued commands are
// discarded; their callers observe ErrClosed. Safe to call more than once.
func (k *Kducer) Close() error {
	k.stopOnce.Do(func() { close(k.stopCh) })
	k.wg.Wait()
	return nil
}

// IsConnected reports whether the session currently has a live, identified
// connection to the controller.
func (k *Kducer) IsConnected() bool {
	return sessionPhase(k.phase.Load()) == phaseActive
}

// FirmwareVersion returns the cached numeric firmware version (major*100 +
// minor, e.g. 38 for "v.00.38") and whether it is known yet. The version is
// read once per connection and survives reconnects.
func (k *Kducer) FirmwareVersion() (int, bool) {
	v := int(k.fwVersion.Load())
	return v, v != 0
}

// WaitConnected blocks until the session is connected, ctx is cancelled or
// the session is closed.
func (k *Kducer) WaitConnected(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	for {
		if k.IsConnected() {
			return nil
		}
		if err := k.foregroundSleep(ctx); err != nil {
			return err
		}
	}
}

// SelectProgram makes program nr the active program. The write is skipped if
// nr is already active; otherwise the call includes the controller's program
// load settle time.
func (k *Kducer) SelectProgram(ctx context.Context, nr uint16) error {
	if err := k.validateProgramNr(nr); err != nil {
		return err
	}
	cmd := newCommand(ctx, cmdSelectProgram)
	cmd.number = nr
	return k.submit(cmd)
}

// ActiveProgram returns the program number currently active on the controller.
func (k *Kducer) ActiveProgram(ctx context.Context) (uint16, error) {
	cmd := newCommand(ctx, cmdGetActiveProgram)
	if err := k.submit(cmd); err != nil {
		return 0, err
	}
	return cmd.value, nil
}

// SelectSequence makes sequence nr the active sequence.
func (k *Kducer) SelectSequence(ctx context.Context, nr uint16) error {
	if err := k.validateSequenceNr(nr); err != nil {
		return err
	}
	cmd := newCommand(ctx, cmdSelectSequence)
	cmd.number = nr
	return k.submit(cmd)
}

// ActiveSequence returns the sequence number currently active on the controller.
func (k *Kducer) ActiveSequence(ctx context.Context) (uint16, error) {
	cmd := newCommand(ctx, cmdGetActiveSequence)
	if err := k.submit(cmd); err != nil {
		return 0, err
	}
	return cmd.value, nil
}

// EnableTool allows the screwdriver to run.
func (k *Kducer) EnableTool(ctx context.Context) error {
	return k.submit(newCommand(ctx, cmdEnableTool))
}

// DisableTool prevents the screwdriver from running.
func (k *Kducer) DisableTool(ctx context.Context) error {
	return k.submit(newCommand(ctx, cmdDisableTool))
}

// RunTool presses the remote lever, holds it until the controller reports a
// completed tightening, releases it and returns the result. The result is
// delivered to this caller only, not to the result queue. Cancelling ctx
// releases the lever.
func (k *Kducer) RunTool(ctx context.Context) (ResultEvent, error) {
	cmd := newCommand(ctx, cmdRunTool)
	if err := k.submit(cmd); err != nil {
		return ResultEvent{}, err
	}
	ev := ResultEvent{Raw: cmd.out, Timestamp: time.Now()}
	if k.overrideTimestamp {
		stampResultTime(ev.Raw, ev.Timestamp)
	}
	return ev, nil
}

// FetchResult blocks until a tightening result is available and dequeues it.
// With failFast set, it returns ErrNotConnected instead of waiting while the
// link to the controller is down.
func (k *Kducer) FetchResult(ctx context.Context, failFast bool) (ResultEvent, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	for {
		if ev, ok := k.results.tryPop(); ok {
			return ev, nil
		}
		if failFast && !k.IsConnected() {
			return ResultEvent{}, ErrNotConnected
		}
		if err := k.foregroundSleep(ctx); err != nil {
			return ResultEvent{}, err
		}
	}
}

// HasNewResult reports whether at least one result is queued.
func (k *Kducer) HasNewResult() bool {
	return k.results.len() > 0
}

// ClearResults discards all queued results.
func (k *Kducer) ClearResults() {
	k.results.clear()
}

// SendProgramData writes one program blob to slot nr. With permanent set the
// controller also commits its configuration to permanent memory, which takes
// several seconds.
func (k *Kducer) SendProgramData(ctx context.Context, nr uint16, blob []byte, permanent bool) error {
	if err := k.validateProgramNr(nr); err != nil {
		return err
	}
	cmd := newCommand(ctx, cmdSendProgramData)
	cmd.number = nr
	cmd.payload = blob
	cmd.permanent = permanent
	return k.submit(cmd)
}

// SendProgramsData writes several program blobs keyed by slot number, in
// ascending slot order. A permanent commit, if requested, is performed once
// after the last write since the controller commits all of memory anyway.
func (k *Kducer) SendProgramsData(ctx context.Context, programs map[uint16][]byte, permanent bool) error {
	nrs := make([]uint16, 0, len(programs))
	for nr := range programs {
		nrs = append(nrs, nr)
	}
	sort.Slice(nrs, func(i, j int) bool { return nrs[i] < nrs[j] })
	for i, nr := range nrs {
		last := i == len(nrs)-1
		if err := k.SendProgramData(ctx, nr, programs[nr], permanent && last); err != nil {
			return fmt.Errorf("program %d: %w", nr, err)
		}
	}
	return nil
}

// ProgramData reads the program blob stored in slot nr.
func (k *Kducer) ProgramData(ctx context.Context, nr uint16) ([]byte, error) {
	if err := k.validateProgramNr(nr); err != nil {
		return nil, err
	}
	cmd := newCommand(ctx, cmdGetProgramData)
	cmd.number = nr
	if err := k.submit(cmd); err != nil {
		return nil, err
	}
	return cmd.out, nil
}

// SendSequenceData writes one sequence blob to slot nr.
func (k *Kducer) SendSequenceData(ctx context.Context, nr uint16, blob []byte, permanent bool) error {
	if err := k.validateSequenceNr(nr); err != nil {
		return err
	}
	cmd := newCommand(ctx, cmdSendSequenceData)
	cmd.number = nr
	cmd.payload = blob
	cmd.permanent = permanent
	return k.submit(cmd)
}

// SequenceData reads the sequence blob stored in slot nr.
func (k *Kducer) SequenceData(ctx context.Context, nr uint16) ([]byte, error) {
	if err := k.validateSequenceNr(nr); err != nil {
		return nil, err
	}
	cmd := newCommand(ctx, cmdGetSequenceData)
	cmd.number = nr
	if err := k.submit(cmd); err != nil {
		return nil, err
	}
	return cmd.out, nil
}

// SendSettings writes the controller's general settings blob.
func (k *Kducer) SendSettings(ctx context.Context, blob []byte, permanent bool) error {
	cmd := newCommand(ctx, cmdSendSettingsData)
	cmd.payload = blob
	cmd.permanent = permanent
	return k.submit(cmd)
}

// Settings reads the controller's general settings blob.
func (k *Kducer) Settings(ctx context.Context) ([]byte, error) {
	cmd := newCommand(ctx, cmdGetSettingsData)
	if err := k.submit(cmd); err != nil {
		return nil, err
	}
	return cmd.out, nil
}

// SendBarcode attaches a barcode of up to 16 printable ASCII characters to
// the next tightening results. Commas are replaced with dots.
func (k *Kducer) SendBarcode(ctx context.Context, barcode string) error {
	payload, err := encodeBarcode(barcode)
	if err != nil {
		return err
	}
	cmd := newCommand(ctx, cmdSendBarcode)
	cmd.payload = payload
	return k.submit(cmd)
}

// validateProgramNr rejects obviously out-of-range slot numbers before
// enqueueing. The check is permissive while the firmware version is unknown;
// the loop re-checks against the exact tier limit at execution time.
func (k *Kducer) validateProgramNr(nr uint16) error {
	max := v38Registers.maxProgramNr
	if v, ok := k.FirmwareVersion(); ok {
		max = registersForVersion(v).maxProgramNr
	}
	if nr == 0 || nr > max {
		return fmt.Errorf("%w: program number %d not in 1..%d", ErrOutOfRange, nr, max)
	}
	return nil
}

func (k *Kducer) validateSequenceNr(nr uint16) error {
	max := v38Registers.maxSequenceNr
	if v, ok := k.FirmwareVersion(); ok {
		max = registersForVersion(v).maxSequenceNr
	}
	if nr == 0 || nr > max {
		return fmt.Errorf("%w: sequence number %d not in 1..%d", ErrOutOfRange, nr, max)
	}
	return nil
}

// submit queues a command and blocks the caller until the loop completes it,
// the caller's ctx is cancelled or the session is closed. A command whose
// caller already gave up is still completed by the loop eventually; nobody
// listens, which is fine.
func (k *Kducer) submit(cmd *command) error {
	select {
	case <-k.stopCh:
		return ErrClosed
	default:
	}

	k.commands.push(cmd)

	var cancelled <-chan struct{}
	if cmd.ctx != nil {
		cancelled = cmd.ctx.Done()
	}
	select {
	case <-cmd.done:
		return cmd.err
	case <-cancelled:
		return cmd.ctx.Err()
	case <-k.stopCh:
		return ErrClosed
	}
}

// foregroundSleep pauses a foreground caller for one poll interval.
func (k *Kducer) foregroundSleep(ctx context.Context) error {
	timer := time.NewTimer(k.pollInterval)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-k.stopCh:
		return ErrClosed
	}
}

func (k *Kducer) setPhase(p sessionPhase) {
	k.phase.Store(int32(p))
}

// loop is the session's single background goroutine. It owns the socket, the
// register map and the firmware cache outright.
func (k *Kducer) loop() {
	defer k.wg.Done()
	defer k.teardown()

	for {
		select {
		case <-k.stopCh:
			return
		default:
		}

		if sessionPhase(k.phase.Load()) != phaseActive {
			k.setPhase(phaseConnecting)
			if err := k.connect(); err != nil {
				k.setPhase(phaseDisconnected)
				k.logger.Warn("connection attempt failed", "address", k.address, "error", err)
				if !k.backgroundSleep(k.reconnectDelay) {
					return
				}
				continue
			}
			k.setPhase(phaseActive)
			continue
		}

		deadline := time.Now().Add(k.pollInterval)
		k.tick()
		if !k.backgroundSleep(time.Until(deadline)) {
			return
		}
	}
}

func (k *Kducer) teardown() {
	k.setPhase(phaseStopped)
	if k.client != nil {
		k.client.Close()
		k.client = nil
	}
	k.logger.Info("session stopped", "address", k.address)
}

// backgroundSleep pauses the loop for d; it returns false when the session
// is shutting down.
func (k *Kducer) backgroundSleep(d time.Duration) bool {
	if d <= 0 {
		select {
		case <-k.stopCh:
			return false
		default:
			return true
		}
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-k.stopCh:
		return false
	}
}

// connect dials the controller, reads its identity block to pick the
// register map for its firmware tier and clears any stale result flag.
func (k *Kducer) connect() error {
	k.metrics.ConnectionAttempts()

	transporter, err := dialTransporter(k.address, k.connectTimeout, k.exchangeTimeout, k.logger)
	if err != nil {
		k.metrics.ConnectionFailures()
		return err
	}
	client := newMBClient(transporter, k.logger)

	raw, err := client.ReadInputRegisters(firmwareBlockAddress, firmwareBlockRegs)
	if err != nil {
		client.Close()
		k.metrics.ConnectionFailures()
		return fmt.Errorf("reading controller identity: %w", err)
	}
	ident, version, err := parseFirmwareIdent(raw)
	if err != nil {
		// An unparseable identity string is not worth refusing the
		// connection over; fall back to whatever version we last saw,
		// or the legacy register map if this is the first contact.
		k.logger.Warn("could not parse controller identity", "identity", ident, "error", err)
		version = int(k.fwVersion.Load())
	} else {
		k.fwVersion.Store(int32(version))
	}
	regs := registersForVersion(version)

	// Throwaway read so a result completed while we were away does not
	// surface as new.
	if _, err := client.ReadInputRegisterValue(regs.newResultFlag); err != nil {
		client.Close()
		k.metrics.ConnectionFailures()
		return fmt.Errorf("clearing stale result flag: %w", err)
	}

	k.client = client
	k.regs = regs
	k.stopMotorRaised = false
	k.metrics.ConnectionSuccesses()
	if k.everConnected {
		k.metrics.Reconnections()
		k.logger.Info("reconnected to controller", "address", k.address, "identity", ident)
	} else {
		k.logger.Info("connected to controller", "address", k.address, "identity", ident, "firmware", version)
	}
	k.everConnected = true
	return nil
}

// dropConnection discards the socket after a transport failure and sends the
// loop back to the connect phase. A command in flight stays at the front of
// the queue and re-executes on the fresh connection.
func (k *Kducer) dropConnection(err error) {
	k.logger.Warn("connection lost", "address", k.address, "error", err)
	k.metrics.ErrorOccurred("transport")
	if k.client != nil {
		k.client.Close()
		k.client = nil
	}
	k.setPhase(phaseDisconnected)
}

// tick performs exactly one unit of work: one queued command, or one
// result-poll step when the queue is empty.
func (k *Kducer) tick() {
	cmd := k.commands.peek()
	if cmd == nil {
		k.pollStep()
		return
	}

	if cmd.ctx != nil && cmd.ctx.Err() != nil {
		k.commands.pop()
		cmd.complete(cmd.ctx.Err())
		return
	}

	start := time.Now()
	err := k.execute(cmd)
	if isTransportError(err) {
		k.dropConnection(err)
		return
	}
	k.commands.pop()
	cmd.complete(err)
	k.metrics.CommandCompleted(cmd.kind.String(), time.Since(start), err)
	if err != nil {
		k.metrics.ErrorOccurred(cmd.kind.String())
		k.logger.Warn("command failed", "kind", cmd.kind.String(), "error", err)
	}
}

// pollStep reads the new-result flag and, when set, captures the result. Any
// transport failure here triggers a reconnect like a failed command would.
func (k *Kducer) pollStep() {
	flag, err := k.client.ReadInputRegisterValue(k.regs.newResultFlag)
	if err != nil {
		if isTransportError(err) {
			k.dropConnection(err)
		} else {
			k.metrics.ErrorOccurred("poll")
			k.logger.Warn("result poll failed", "error", err)
		}
		return
	}

	if flag != 0 {
		k.captureResult()
		return
	}

	// Release: the operator fetched everything and no new tightening has
	// completed since.
	if k.lockUntilFetched && k.stopMotorRaised && k.results.len() == 0 {
		if err := k.client.WriteSingleCoil(k.regs.stopMotor, false); err != nil {
			if isTransportError(err) {
				k.dropConnection(err)
			}
			return
		}
		k.stopMotorRaised = false
		k.logger.Debug("stop-motor released")
	}
}

func (k *Kducer) captureResult() {
	raw, err := k.client.ReadInputRegisters(k.regs.resultData, resultRegisterCount)
	if err != nil {
		if isTransportError(err) {
			k.dropConnection(err)
		} else {
			k.metrics.ErrorOccurred("poll")
			k.logger.Warn("result read failed", "error", err)
		}
		return
	}

	ev := ResultEvent{Raw: raw, Timestamp: time.Now()}
	if k.highResGraphs {
		graph, err := k.client.ReadInputRegisters(k.regs.graphData, k.regs.graphRegs)
		if err != nil {
			if isTransportError(err) {
				k.dropConnection(err)
				return
			}
			// The result itself is intact; deliver it without the trace.
			k.metrics.ErrorOccurred("poll")
			k.logger.Warn("graph read failed", "error", err)
		} else {
			ev.Graph = graph
		}
	}
	if k.overrideTimestamp {
		stampResultTime(ev.Raw, ev.Timestamp)
	}

	k.results.push(ev)
	k.metrics.ResultReceived()
	k.logger.Debug("result captured", "queued", k.results.len())

	if k.lockUntilFetched || k.lockAlways {
		if err := k.client.WriteSingleCoil(k.regs.stopMotor, true); err != nil {
			if isTransportError(err) {
				k.dropConnection(err)
			}
			return
		}
		k.stopMotorRaised = true
		k.logger.Debug("stop-motor raised")
	}
}

// execute runs one command against the live connection. A TransportError
// return leaves the command queued for re-execution after reconnecting;
// every other error completes the command.
func (k *Kducer) execute(cmd *command) error {
	switch cmd.kind {
	case cmdSelectProgram:
		if cmd.number > k.regs.maxProgramNr {
			return fmt.Errorf("%w: program number %d not in 1..%d", ErrOutOfRange, cmd.number, k.regs.maxProgramNr)
		}
		current, err := k.client.ReadRegisterValue(k.regs.programNr)
		if err != nil {
			return err
		}
		if current == cmd.number {
			return nil
		}
		if err := k.client.WriteSingleRegister(k.regs.programNr, cmd.number); err != nil {
			return err
		}
		return k.settle(cmd.ctx, selectSettleDelay)

	case cmdGetActiveProgram:
		v, err := k.client.ReadRegisterValue(k.regs.programNr)
		if err != nil {
			return err
		}
		cmd.value = v
		return nil

	case cmdSelectSequence:
		if cmd.number > k.regs.maxSequenceNr {
			return fmt.Errorf("%w: sequence number %d not in 1..%d", ErrOutOfRange, cmd.number, k.regs.maxSequenceNr)
		}
		current, err := k.client.ReadRegisterValue(k.regs.sequenceNr)
		if err != nil {
			return err
		}
		if current == cmd.number {
			return nil
		}
		if err := k.client.WriteSingleRegister(k.regs.sequenceNr, cmd.number); err != nil {
			return err
		}
		return k.settle(cmd.ctx, selectSettleDelay)

	case cmdGetActiveSequence:
		v, err := k.client.ReadRegisterValue(k.regs.sequenceNr)
		if err != nil {
			return err
		}
		cmd.value = v
		return nil

	case cmdEnableTool:
		return k.client.WriteSingleCoil(k.regs.toolEnable, true)

	case cmdDisableTool:
		return k.client.WriteSingleCoil(k.regs.toolEnable, false)

	case cmdRunTool:
		return k.runTool(cmd)

	case cmdSendProgramData:
		if cmd.number > k.regs.maxProgramNr {
			return fmt.Errorf("%w: program number %d not in 1..%d", ErrOutOfRange, cmd.number, k.regs.maxProgramNr)
		}
		if len(cmd.payload) != k.regs.programBytes {
			return fmt.Errorf("%w: program blob is %d bytes, want %d", ErrOutOfRange, len(cmd.payload), k.regs.programBytes)
		}
		if err := k.client.WriteMultipleRegisters(k.regs.programDataAddress(cmd.number), cmd.payload); err != nil {
			return err
		}
		if cmd.permanent {
			return k.commitPermanent(cmd.ctx)
		}
		return nil

	case cmdGetProgramData:
		if cmd.number > k.regs.maxProgramNr {
			return fmt.Errorf("%w: program number %d not in 1..%d", ErrOutOfRange, cmd.number, k.regs.maxProgramNr)
		}
		raw, err := k.client.ReadHoldingRegisters(k.regs.programDataAddress(cmd.number), k.regs.programRegs())
		if err != nil {
			return err
		}
		cmd.out = raw
		return nil

	case cmdSendSequenceData:
		if cmd.number > k.regs.maxSequenceNr {
			return fmt.Errorf("%w: sequence number %d not in 1..%d", ErrOutOfRange, cmd.number, k.regs.maxSequenceNr)
		}
		if len(cmd.payload) != k.regs.sequenceBytes {
			return fmt.Errorf("%w: sequence blob is %d bytes, want %d", ErrOutOfRange, len(cmd.payload), k.regs.sequenceBytes)
		}
		if err := k.client.WriteMultipleRegisters(k.regs.sequenceDataAddress(cmd.number), cmd.payload); err != nil {
			return err
		}
		if cmd.permanent {
			return k.commitPermanent(cmd.ctx)
		}
		return nil

	case cmdGetSequenceData:
		if cmd.number > k.regs.maxSequenceNr {
			return fmt.Errorf("%w: sequence number %d not in 1..%d", ErrOutOfRange, cmd.number, k.regs.maxSequenceNr)
		}
		raw, err := k.client.ReadHoldingRegisters(k.regs.sequenceDataAddress(cmd.number), k.regs.sequenceRegs())
		if err != nil {
			return err
		}
		cmd.out = raw
		return nil

	case cmdSendSettingsData:
		if len(cmd.payload) != k.regs.settingsBytes {
			return fmt.Errorf("%w: settings blob is %d bytes, want %d", ErrOutOfRange, len(cmd.payload), k.regs.settingsBytes)
		}
		if err := k.client.WriteMultipleRegisters(k.regs.settingsData, cmd.payload); err != nil {
			return err
		}
		if cmd.permanent {
			return k.commitPermanent(cmd.ctx)
		}
		return nil

	case cmdGetSettingsData:
		raw, err := k.client.ReadHoldingRegisters(k.regs.settingsData, k.regs.settingsRegs())
		if err != nil {
			return err
		}
		cmd.out = raw
		return nil

	case cmdSendBarcode:
		return k.client.WriteMultipleRegisters(k.regs.barcode, cmd.payload)

	default:
		return protocolErrorf("unknown command kind %d", cmd.kind)
	}
}

// runTool holds the remote lever until the controller reports a completed
// tightening, then reads the result block into the command. The lever is
// released on every exit path, best-effort on failure.
func (k *Kducer) runTool(cmd *command) error {
	// Consume any stale flag so we only see the tightening we trigger.
	if _, err := k.client.ReadInputRegisterValue(k.regs.newResultFlag); err != nil {
		return err
	}

	released := false
	defer func() {
		if !released && k.client != nil {
			k.client.WriteSingleCoil(k.regs.remoteLever, false)
		}
	}()

	if err := k.client.WriteSingleCoil(k.regs.remoteLever, true); err != nil {
		return err
	}
	for {
		if err := k.settle(cmd.ctx, k.pollInterval); err != nil {
			return err
		}
		flag, err := k.client.ReadInputRegisterValue(k.regs.newResultFlag)
		if err != nil {
			return err
		}
		if flag != 0 {
			break
		}
		// The lever write is level-triggered; reassert it so a missed
		// write cannot leave the tool half-pressed.
		if err := k.client.WriteSingleCoil(k.regs.remoteLever, true); err != nil {
			return err
		}
	}
	if err := k.client.WriteSingleCoil(k.regs.remoteLever, false); err != nil {
		return err
	}
	released = true

	raw, err := k.client.ReadInputRegisters(k.regs.resultData, resultRegisterCount)
	if err != nil {
		return err
	}
	cmd.out = raw
	return nil
}

// commitPermanent toggles the reprogram-control register and waits out the
// controller's permanent-memory write.
func (k *Kducer) commitPermanent(ctx context.Context) error {
	if err := k.client.WriteSingleRegister(k.regs.reprogramControl, 1); err != nil {
		return err
	}
	return k.settle(ctx, reprogramSettleDelay)
}

// settle is a cancellable in-command delay. Session shutdown always wins
// over the caller's ctx.
func (k *Kducer) settle(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	var cancelled <-chan struct{}
	if ctx != nil {
		cancelled = ctx.Done()
	}
	select {
	case <-timer.C:
		return nil
	case <-cancelled:
		return ctx.Err()
	case <-k.stopCh:
		return ErrClosed
	}
}
