package bpmlink

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"
)

// Session sequences one Transport through scanning, connecting and writing
// tempo values. All commands are serialized by a single loop goroutine that
// owns the state and the discovery set; command methods block until their
// command has been handled and are safe for concurrent use.
type Session struct {
	cfg       Config
	transport Transport
	log       logrus.FieldLogger

	cmds    chan *command
	results chan connectResult
	quit    chan struct{}
	closed  chan struct{}
	once    sync.Once

	// ctx is handed to long-running transport calls and is cancelled by Close.
	ctx    context.Context
	cancel context.CancelFunc

	// Owned by the loop.
	state      State
	discovered *DiscoverySet
	notice     error
	scanEnd    deadline
	pairingEnd deadline
	attempt    *connectAttempt
	attempts   uint64
	settling   int

	mu   sync.RWMutex
	snap Snapshot
	subs *broadcaster
}

type command struct {
	ctx    context.Context
	name   string
	handle func(*command)
	reply  chan error
}

func (c *command) finish(err error) {
	c.reply <- err
}

// connectAttempt is the Connect call the session is currently waiting on.
type connectAttempt struct {
	id     uint64
	target PeripheralRef
	cmd    *command
}

type connectResult struct {
	id     uint64
	target PeripheralRef
	err    error
}

// New returns a session on the default transport for this platform.
func New(cfg Config) (*Session, error) {
	cfg = cfg.withDefaults()
	t, err := NewDefaultTransport(cfg)
	if err != nil {
		return nil, err
	}
	return NewSession(t, cfg), nil
}

// NewSession returns a session driving t. The session starts Idle.
func NewSession(t Transport, cfg Config) *Session {
	cfg = cfg.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		cfg:        cfg,
		transport:  t,
		log:        componentLogger(cfg, "session"),
		cmds:       make(chan *command),
		results:    make(chan connectResult),
		quit:       make(chan struct{}),
		closed:     make(chan struct{}),
		ctx:        ctx,
		cancel:     cancel,
		discovered: NewDiscoverySet(),
		subs:       newBroadcaster(),
	}
	s.snap = Snapshot{State: s.state, Peripherals: []PeripheralRef{}}
	go s.run()
	return s
}

// StartScan requests radio permission and starts a scan window. It is a no-op
// while already scanning.
func (s *Session) StartScan(ctx context.Context) error {
	return s.do(ctx, "start scan", s.startScan)
}

// RefreshScan restarts the scan window with an empty discovery set.
func (s *Session) RefreshScan(ctx context.Context) error {
	return s.do(ctx, "refresh scan", s.refreshScan)
}

// SelectAndConnect connects to a discovered peripheral and resolves the
// tempo characteristic. It returns once the session is Ready or has failed.
func (s *Session) SelectAndConnect(ctx context.Context, id string) error {
	return s.do(ctx, "select", func(c *command) { s.selectAndConnect(c, id) })
}

// SetTempo sends bpm to the peripheral. Values outside the wire byte range are
// rejected with ErrInvalidValue; others are clamped to [MinTempo, MaxTempo].
// While paused the tempo is only remembered, and sent on Resume.
func (s *Session) SetTempo(ctx context.Context, bpm int) error {
	return s.do(ctx, "set tempo", func(c *command) { s.setTempo(c, bpm) })
}

// Pause stops sending tempo values. The connection stays up.
func (s *Session) Pause(ctx context.Context) error {
	return s.do(ctx, "pause", s.pause)
}

// Resume re-sends the last tempo and leaves the paused state.
func (s *Session) Resume(ctx context.Context) error {
	return s.do(ctx, "resume", s.resume)
}

// Cancel stops scanning or connecting, or disconnects, and returns the
// session to Idle. It is a no-op when already Idle.
func (s *Session) Cancel(ctx context.Context) error {
	return s.do(ctx, "cancel", s.cancelOrDisconnect)
}

// Snapshot returns the current state and discoveries.
func (s *Session) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snap
}

// Subscribe returns a channel that receives the current snapshot and then
// every change. A reader that falls behind only sees the latest snapshot.
// The channel is closed when the returned function is called or the session
// is closed.
func (s *Session) Subscribe() (<-chan Snapshot, func()) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.subs.subscribe(s.snap)
}

// Close tears down any scan or connection and stops the session.
func (s *Session) Close() error {
	s.once.Do(func() { close(s.quit) })
	<-s.closed
	return nil
}

func (s *Session) do(ctx context.Context, name string, handle func(*command)) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c := &command{ctx: ctx, name: name, handle: handle, reply: make(chan error, 1)}
	select {
	case s.cmds <- c:
	case <-ctx.Done():
		return ctx.Err()
	case <-s.closed:
		return ErrClosed
	}
	select {
	case err := <-c.reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-s.closed:
		return ErrClosed
	}
}

func (s *Session) run() {
	defer close(s.closed)
	events := s.transport.Events()
	for {
		select {
		case c := <-s.cmds:
			s.log.WithField("command", c.name).Debug("handling command")
			c.handle(c)
		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			s.handleEvent(ev)
		case res := <-s.results:
			s.connectDone(res)
		case <-s.scanEnd.C():
			s.scanEnd.expire()
			s.scanExpired()
		case <-s.pairingEnd.C():
			s.pairingEnd.expire()
			s.pairingExpired()
		case <-s.quit:
			s.shutdown()
			return
		}
	}
}

// publish stores the loop's view as the current snapshot and sends it to
// subscribers.
func (s *Session) publish() {
	snap := Snapshot{
		State:       s.state,
		Peripherals: s.discovered.List(),
		Notice:      s.notice,
	}
	s.mu.Lock()
	s.snap = snap
	s.mu.Unlock()
	s.subs.publish(snap)
}

func (s *Session) setState(st State) {
	if st.Kind != s.state.Kind {
		s.log.WithFields(logrus.Fields{
			"from": s.state.Kind,
			"to":   st.Kind,
		}).Debug("state change")
	}
	s.state = st
	s.publish()
}

func (s *Session) fail(reason error) {
	s.log.WithError(reason).Info("session failed")
	s.setState(State{Kind: Failed, Err: reason})
}

// reject finishes c with err without changing state and shows err as a notice.
func (s *Session) reject(c *command, err error) {
	s.notice = err
	s.publish()
	c.finish(err)
}

// clearNotice forgets the last transient error once a command succeeds.
func (s *Session) clearNotice() {
	s.notice = nil
}

func (s *Session) startScan(c *command) {
	switch s.state.Kind {
	case Scanning:
		c.finish(nil)
		return
	case Connecting, Ready, Paused:
		s.reject(c, fmt.Errorf("%w: %s", ErrBusy, s.state.Kind))
		return
	}
	s.beginScan(c)
}

func (s *Session) refreshScan(c *command) {
	switch s.state.Kind {
	case Connecting, Ready, Paused:
		s.reject(c, fmt.Errorf("%w: %s", ErrBusy, s.state.Kind))
		return
	case Scanning:
		s.stopScanning()
	}
	s.beginScan(c)
}

func (s *Session) beginScan(c *command) {
	s.clearNotice()
	s.discovered.Clear()
	s.setState(State{Kind: RequestingPermission})

	granted, err := s.transport.RequestPermission(c.ctx)
	switch {
	case err != nil && c.ctx.Err() != nil:
		s.setState(State{Kind: Idle})
		c.finish(err)
		return
	case errors.Is(err, ErrRadioUnavailable):
		s.fail(err)
		c.finish(err)
		return
	case err != nil:
		reason := fmt.Errorf("%w: %v", ErrPermissionDenied, err)
		s.fail(reason)
		c.finish(reason)
		return
	case !granted:
		s.fail(ErrPermissionDenied)
		c.finish(ErrPermissionDenied)
		return
	}

	if err := s.transport.Scan(s.ctx); err != nil {
		s.transport.StopScan()
		reason := err
		if !errors.Is(err, ErrRadioUnavailable) && !errors.Is(err, ErrPermissionDenied) {
			reason = fmt.Errorf("%w: %v", ErrRadioUnavailable, err)
		}
		s.fail(reason)
		c.finish(reason)
		return
	}
	if !userPaced(s.transport) {
		s.scanEnd.arm(s.cfg.ScanWindow)
	}
	s.setState(State{Kind: Scanning})
	c.finish(nil)
}

// stopScanning ends the scan window. Discoveries are kept.
func (s *Session) stopScanning() {
	s.scanEnd.disarm()
	s.transport.StopScan()
}

func userPaced(t Transport) bool {
	up, ok := t.(UserPacedScanner)
	return ok && up.UserPacedScan()
}

func (s *Session) scanExpired() {
	if s.state.Kind != Scanning {
		return
	}
	s.log.WithField("found", s.discovered.Len()).Debug("scan window ended")
	s.transport.StopScan()
	s.setState(State{Kind: Idle})
}

func (s *Session) selectAndConnect(c *command, id string) {
	ref, ok := s.discovered.Get(id)
	if !ok {
		s.reject(c, fmt.Errorf("%w: %q", ErrInvalidSelection, id))
		return
	}
	if s.state.Kind == Connecting {
		s.reject(c, fmt.Errorf("%w: already connecting to %s", ErrBusy, s.state.Target.ID))
		return
	}
	if s.settling > 0 {
		s.reject(c, fmt.Errorf("%w: previous connection attempt has not finished", ErrBusy))
		return
	}

	switch s.state.Kind {
	case Scanning:
		s.stopScanning()
	case Ready, Paused:
		s.transport.Disconnect()
	}

	s.clearNotice()
	s.attempts++
	a := &connectAttempt{id: s.attempts, target: ref, cmd: c}
	s.attempt = a
	s.settling++
	s.pairingEnd.arm(s.cfg.PairingTimeout)
	s.setState(State{Kind: Connecting, Target: ref})

	go func() {
		err := s.transport.Connect(s.ctx, ref, s.cfg.Selector)
		select {
		case s.results <- connectResult{id: a.id, target: ref, err: err}:
		case <-s.closed:
		}
	}()
}

func (s *Session) connectDone(res connectResult) {
	s.settling--
	a := s.attempt
	if a == nil || a.id != res.id {
		// Abandoned by the pairing timeout, a cancel or a radio power loss.
		// No other connection can exist while it was pending, so whatever the
		// backend is left holding belongs to it.
		s.log.WithFields(logrus.Fields{
			"peripheral": res.target.ID,
			"error":      res.err,
		}).Info("abandoned connection attempt finished, disconnecting")
		s.transport.Disconnect()
		return
	}
	s.attempt = nil
	s.pairingEnd.disarm()

	if res.err != nil {
		s.transport.Disconnect()
		reason := connectFailure(res.err)
		s.fail(reason)
		a.cmd.finish(reason)
		return
	}
	s.log.WithField("peripheral", a.target.ID).Info("connected")
	s.setState(State{Kind: Ready, Target: a.target})
	a.cmd.finish(nil)
}

func connectFailure(err error) error {
	switch {
	case errors.Is(err, ErrAttributeNotFound),
		errors.Is(err, ErrConnectionFailed),
		errors.Is(err, ErrRadioUnavailable):
		return err
	default:
		return fmt.Errorf("%w: %v", ErrConnectionFailed, err)
	}
}

func (s *Session) pairingExpired() {
	a := s.attempt
	if a == nil {
		return
	}
	s.attempt = nil
	s.transport.Disconnect()
	reason := fmt.Errorf("%w: no connection to %s after %s", ErrTimeout, a.target.ID, s.cfg.PairingTimeout)
	s.fail(reason)
	a.cmd.finish(reason)
}

// abandonAttempt stops waiting for the current Connect call. The call's
// eventual result is handled by connectDone.
func (s *Session) abandonAttempt(reason error) {
	if a := s.attempt; a != nil {
		s.attempt = nil
		s.pairingEnd.disarm()
		a.cmd.finish(reason)
	}
}

func (s *Session) setTempo(c *command, bpm int) {
	value, err := EncodeTempo(bpm)
	if err != nil {
		s.reject(c, err)
		return
	}
	switch s.state.Kind {
	case Ready:
		if err := s.send(c.ctx, value); err != nil {
			s.reject(c, err)
			return
		}
		s.clearNotice()
		st := s.state
		st.LastBPM = int(value)
		s.setState(st)
		c.finish(nil)
	case Paused:
		s.clearNotice()
		st := s.state
		st.LastBPM = int(value)
		s.setState(st)
		c.finish(nil)
	default:
		s.reject(c, ErrNotConnected)
	}
}

// send writes value and waits for the transport, bounded by WriteTimeout.
func (s *Session) send(ctx context.Context, value byte) error {
	wctx, cancel := context.WithTimeout(ctx, s.cfg.WriteTimeout)
	defer cancel()
	err := s.transport.Write(wctx, int(value))
	if err == nil {
		s.log.WithField("bpm", value).Debug("tempo sent")
		return nil
	}
	if !errors.Is(err, ErrWriteFailed) && !errors.Is(err, ErrInvalidValue) {
		err = fmt.Errorf("%w: %v", ErrWriteFailed, err)
	}
	s.log.WithError(err).Warn("tempo write failed")
	return err
}

func (s *Session) pause(c *command) {
	switch s.state.Kind {
	case Ready:
		s.clearNotice()
		st := s.state
		st.Kind = Paused
		s.setState(st)
		c.finish(nil)
	case Paused:
		c.finish(nil)
	default:
		s.reject(c, ErrNotConnected)
	}
}

func (s *Session) resume(c *command) {
	switch s.state.Kind {
	case Paused:
		if s.state.LastBPM > 0 {
			if err := s.send(c.ctx, byte(s.state.LastBPM)); err != nil {
				s.reject(c, err)
				return
			}
		}
		s.clearNotice()
		st := s.state
		st.Kind = Ready
		s.setState(st)
		c.finish(nil)
	case Ready:
		c.finish(nil)
	default:
		s.reject(c, ErrNotConnected)
	}
}

func (s *Session) cancelOrDisconnect(c *command) {
	s.clearNotice()
	switch s.state.Kind {
	case Idle:
		c.finish(nil)
		return
	case Scanning:
		s.stopScanning()
	case Connecting:
		s.abandonAttempt(context.Canceled)
		s.transport.Disconnect()
	case Ready, Paused:
		s.transport.Disconnect()
	}
	s.discovered.Clear()
	s.setState(State{Kind: Idle})
	c.finish(nil)
}

func (s *Session) handleEvent(ev Event) {
	switch ev.Kind {
	case PeripheralDiscovered:
		if s.state.Kind != Scanning {
			return
		}
		if s.discovered.Add(ev.Peripheral) {
			s.log.WithFields(logrus.Fields{
				"peripheral": ev.Peripheral.ID,
				"name":       ev.Peripheral.Name,
			}).Debug("discovered")
			s.publish()
		}
	case ConnectionLost:
		if !s.state.Connected() || (ev.Peripheral.ID != "" && ev.Peripheral.ID != s.state.Target.ID) {
			return
		}
		s.transport.Disconnect()
		reason := ErrConnectionLost
		if ev.Err != nil {
			reason = fmt.Errorf("%w: %v", ErrConnectionLost, ev.Err)
		}
		s.fail(reason)
	case RadioPoweredOff:
		s.radioLost()
	case ScanFinished:
		if s.state.Kind != Scanning {
			return
		}
		s.log.WithField("found", s.discovered.Len()).Debug("scan finished by transport")
		s.stopScanning()
		s.setState(State{Kind: Idle})
	}
}

func (s *Session) radioLost() {
	switch s.state.Kind {
	case Scanning:
		s.stopScanning()
	case Connecting:
		s.abandonAttempt(ErrRadioUnavailable)
		s.transport.Disconnect()
	case Ready, Paused:
		s.transport.Disconnect()
	default:
		return
	}
	s.fail(fmt.Errorf("%w: powered off", ErrRadioUnavailable))
}

func (s *Session) shutdown() {
	switch s.state.Kind {
	case Scanning:
		s.stopScanning()
	case Connecting:
		s.abandonAttempt(ErrClosed)
		s.transport.Disconnect()
	case Ready, Paused:
		s.transport.Disconnect()
	}
	s.scanEnd.disarm()
	s.pairingEnd.disarm()
	s.cancel()
	s.subs.close()
}
