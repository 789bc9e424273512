package bpmlink

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// PeripheralRef identifies a peripheral found while scanning. ID is the
// stable radio identity (a MAC address on Linux, an identifier UUID on macOS,
// an opaque browser id under Web Bluetooth); Name is the advertised name.
type PeripheralRef struct {
	ID   string
	Name string
}

// Transport is a radio backend. A transport owns at most one connection and
// one resolved characteristic at a time; nothing outside of it ever sees the
// radio-level handles.
//
// A Session is the only caller of a Transport and never calls it from more
// than one command at a time, but StopScan and Disconnect may be called while
// a Scan or Connect started earlier is still running.
type Transport interface {
	// RequestPermission asks for radio access. It returns false with a nil
	// error if access was denied, and false with ErrRadioUnavailable if the
	// radio is off or absent.
	RequestPermission(ctx context.Context) (bool, error)

	// Scan starts an open-ended scan and returns once it is running.
	// Discoveries are delivered as PeripheralDiscovered events, at most once
	// per ID until the next Scan.
	Scan(ctx context.Context) error

	// StopScan stops a running scan. It is a no-op when not scanning.
	StopScan()

	// Connect establishes a link to ref and resolves the characteristic
	// named by sel. Errors wrap ErrConnectionFailed or ErrAttributeNotFound.
	Connect(ctx context.Context, ref PeripheralRef, sel AttributeSelector) error

	// Write sends value as a single byte to the resolved characteristic.
	// Values outside [0,255] fail with ErrInvalidValue before any radio
	// traffic; transport errors wrap ErrWriteFailed.
	Write(ctx context.Context, value int) error

	// Disconnect releases the connection and characteristic, if any. It
	// never fails; errors from the radio stack are logged. A Connect still in
	// progress is aborted: it returns an error and leaves no link behind.
	Disconnect()

	// Events returns the channel on which the transport reports discoveries
	// and unsolicited link changes.
	Events() <-chan Event
}

// UserPacedScanner is implemented by transports whose scan is driven by the
// user, such as the browser's device chooser. A Session does not end such a
// scan on a timer; it lasts until the transport sends ScanFinished.
type UserPacedScanner interface {
	UserPacedScan() bool
}

// EventKind tells what an Event reports.
type EventKind int

const (
	PeripheralDiscovered EventKind = iota
	ConnectionLost
	RadioPoweredOff
	ScanFinished
)

func (k EventKind) String() string {
	switch k {
	case PeripheralDiscovered:
		return "peripheral discovered"
	case ConnectionLost:
		return "connection lost"
	case RadioPoweredOff:
		return "radio powered off"
	case ScanFinished:
		return "scan finished"
	default:
		return "unknown event"
	}
}

// Event is sent by a Transport when something happens on the radio that was
// not the direct result of a call.
type Event struct {
	Kind       EventKind
	Peripheral PeripheralRef
	Err        error
}

const eventBuffer = 64

// controlEventWait is how long emit blocks on a full queue for an event that
// must not be lost.
const controlEventWait = 5 * time.Second

// eventQueue is the sending side of Transport.Events shared by the backends.
// Discoveries never block the radio stack's callback goroutines and are
// dropped when the queue is full; link and radio events wait for room.
type eventQueue struct {
	ch  chan Event
	log logrus.FieldLogger
}

func newEventQueue(log logrus.FieldLogger) *eventQueue {
	return &eventQueue{ch: make(chan Event, eventBuffer), log: log}
}

func (q *eventQueue) emit(ev Event) {
	select {
	case q.ch <- ev:
		return
	default:
	}
	if ev.Kind == PeripheralDiscovered {
		q.log.WithField("event", ev.Kind).Debug("event queue full, dropping discovery")
		return
	}
	timer := time.NewTimer(controlEventWait)
	defer timer.Stop()
	select {
	case q.ch <- ev:
	case <-timer.C:
		q.log.WithField("event", ev.Kind).Error("event queue stalled, dropping event")
	}
}

// errAborted is what a pending Connect step returns once Disconnect gave up
// on it.
var errAborted = errors.New("bpmlink: connection attempt aborted")

// signal delivers err to ch without blocking the radio stack's callbacks.
func signal(ch chan error, err error) {
	if ch == nil {
		return
	}
	select {
	case ch <- err:
	default:
	}
}

// wait waits for one Connect step, bounded by ctx and by limit.
func wait(ctx context.Context, ch chan error, limit time.Duration) error {
	timer := time.NewTimer(limit)
	defer timer.Stop()
	select {
	case err := <-ch:
		return err
	case <-timer.C:
		return ErrTimeout
	case <-ctx.Done():
		return ctx.Err()
	}
}

// scanWindow deduplicates scan results between two calls to reset. The first
// advertisement seen for an ID decides its name.
type scanWindow struct {
	mu          sync.Mutex
	seen        map[string]struct{}
	requireName bool
}

func newScanWindow(requireName bool) *scanWindow {
	return &scanWindow{seen: make(map[string]struct{}), requireName: requireName}
}

func (w *scanWindow) reset() {
	w.mu.Lock()
	w.seen = make(map[string]struct{})
	w.mu.Unlock()
}

// admit reports whether ref is new in this window. Nameless peripherals are
// not admitted while requireName is set, so they can still be admitted later
// once their name shows up.
func (w *scanWindow) admit(ref PeripheralRef) bool {
	if ref.ID == "" || (w.requireName && ref.Name == "") {
		return false
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, ok := w.seen[ref.ID]; ok {
		return false
	}
	w.seen[ref.ID] = struct{}{}
	return true
}
