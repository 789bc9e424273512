//go:build darwin

package bpmlink

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/JuulLabs-OSS/cbgo"
	"github.com/sirupsen/logrus"
)

// cbTransport drives CoreBluetooth. CoreBluetooth reports everything through
// delegate callbacks; the delegates below turn those callbacks into channel
// sends that the blocking transport methods wait on.
type cbTransport struct {
	cfg    Config
	log    logrus.FieldLogger
	events *eventQueue
	window *scanWindow

	mu       sync.Mutex
	cm       cbgo.CentralManager
	enabled  bool
	stateCh  chan cbgo.ManagerState
	scanning bool
	seen     map[string]cbgo.Peripheral

	// The connection and tempo characteristic.
	prph      *cbgo.Peripheral
	prphID    string
	chr       *cbgo.Characteristic
	connectCh chan error
	svcCh     chan error
	chrCh     chan error
	writeCh   chan error

	writeMu sync.Mutex
}

// NewDefaultTransport returns the CoreBluetooth transport.
func NewDefaultTransport(cfg Config) (Transport, error) {
	cfg = cfg.withDefaults()
	log := componentLogger(cfg, "corebluetooth")
	return &cbTransport{
		cfg:     cfg,
		log:     log,
		events:  newEventQueue(log),
		window:  newScanWindow(!cfg.AllowUnnamed),
		stateCh: make(chan cbgo.ManagerState, 1),
		seen:    make(map[string]cbgo.Peripheral),
	}, nil
}

func (t *cbTransport) Events() <-chan Event {
	return t.events.ch
}

// enable creates the central manager. Callers must hold t.mu.
func (t *cbTransport) enable() {
	if t.enabled {
		return
	}
	t.cm = cbgo.NewCentralManager(nil)
	t.cm.SetDelegate(&centralDelegate{t: t})
	t.enabled = true
}

// RequestPermission waits for CoreBluetooth to report its state. The system
// shows the authorization prompt when the manager is first created.
func (t *cbTransport) RequestPermission(ctx context.Context) (bool, error) {
	t.mu.Lock()
	t.enable()
	state := t.cm.State()
	t.mu.Unlock()

	for state == cbgo.ManagerStateUnknown || state == cbgo.ManagerStateResetting {
		select {
		case state = <-t.stateCh:
		case <-ctx.Done():
			return false, ctx.Err()
		}
	}
	switch state {
	case cbgo.ManagerStatePoweredOn:
		return true, nil
	case cbgo.ManagerStateUnauthorized:
		return false, nil
	case cbgo.ManagerStatePoweredOff:
		return false, fmt.Errorf("%w: bluetooth is powered off", ErrRadioUnavailable)
	default:
		return false, fmt.Errorf("%w: bluetooth LE is not supported", ErrRadioUnavailable)
	}
}

func (t *cbTransport) Scan(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.scanning {
		return nil
	}
	t.enable()
	t.window.reset()
	t.seen = make(map[string]cbgo.Peripheral)
	t.scanning = true
	t.cm.Scan(nil, &cbgo.CentralManagerScanOpts{
		AllowDuplicates: false,
	})
	return nil
}

func (t *cbTransport) StopScan() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.scanning {
		return
	}
	t.cm.StopScan()
	t.scanning = false
}

// stepTimeout bounds each discovery step and each acknowledged write.
const stepTimeout = 10 * time.Second

func (t *cbTransport) Connect(ctx context.Context, ref PeripheralRef, sel AttributeSelector) (err error) {
	svcUUID, err := cbgo.ParseUUID(sel.Service.String())
	if err != nil {
		return fmt.Errorf("%w: %v", ErrAttributeNotFound, err)
	}
	chrUUID, err := cbgo.ParseUUID(sel.Characteristic.String())
	if err != nil {
		return fmt.Errorf("%w: %v", ErrAttributeNotFound, err)
	}

	t.mu.Lock()
	prph, ok := t.seen[ref.ID]
	if !ok {
		t.mu.Unlock()
		return fmt.Errorf("%w: %s was not seen by this scan", ErrConnectionFailed, ref.ID)
	}
	connectCh, svcCh, chrCh := make(chan error, 1), make(chan error, 1), make(chan error, 1)
	t.prph, t.prphID, t.chr = &prph, ref.ID, nil
	t.connectCh, t.svcCh, t.chrCh = connectCh, svcCh, chrCh
	prph.SetDelegate(&peripheralDelegate{t: t})
	t.cm.Connect(prph, nil)
	t.mu.Unlock()

	// An attempt Disconnect gave up on cancels whatever it brought up.
	defer func() {
		if err != nil && !t.isCurrent(ref.ID) {
			t.cm.CancelConnect(prph)
		}
	}()

	if err := wait(ctx, connectCh, t.cfg.PairingTimeout); err != nil {
		return fmt.Errorf("%w: %v", ErrConnectionFailed, err)
	}

	prph.DiscoverServices([]cbgo.UUID{svcUUID})
	if err := wait(ctx, svcCh, stepTimeout); err != nil {
		return fmt.Errorf("%w: service discovery: %v", ErrAttributeNotFound, err)
	}
	var svc *cbgo.Service
	for _, s := range prph.Services() {
		if sameUUID(s.UUID(), sel.Service) {
			s := s
			svc = &s
			break
		}
	}
	if svc == nil {
		return fmt.Errorf("%w: no service %s", ErrAttributeNotFound, sel.Service)
	}

	prph.DiscoverCharacteristics([]cbgo.UUID{chrUUID}, *svc)
	if err := wait(ctx, chrCh, stepTimeout); err != nil {
		return fmt.Errorf("%w: characteristic discovery: %v", ErrAttributeNotFound, err)
	}
	for _, c := range svc.Characteristics() {
		if !sameUUID(c.UUID(), sel.Characteristic) {
			continue
		}
		c := c
		t.mu.Lock()
		defer t.mu.Unlock()
		if t.prphID != ref.ID {
			return fmt.Errorf("%w: disconnected while resolving", ErrConnectionFailed)
		}
		t.chr = &c
		return nil
	}
	return fmt.Errorf("%w: no characteristic %s in service %s", ErrAttributeNotFound, sel.Characteristic, sel.Service)
}

func (t *cbTransport) isCurrent(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.prphID == id
}

func sameUUID(cb cbgo.UUID, uuid UUID) bool {
	parsed, err := ParseUUID(strings.ToLower(cb.String()))
	return err == nil && parsed == uuid
}

func (t *cbTransport) Write(ctx context.Context, value int) error {
	if err := checkWireValue(value); err != nil {
		return err
	}
	t.writeMu.Lock()
	defer t.writeMu.Unlock()

	t.mu.Lock()
	if t.prph == nil || t.chr == nil {
		t.mu.Unlock()
		return ErrNotConnected
	}
	prph, chr := *t.prph, *t.chr
	withResponse := !t.cfg.WriteWithoutResponse
	writeCh := make(chan error, 1)
	if withResponse {
		t.writeCh = writeCh
	}
	t.mu.Unlock()

	prph.WriteCharacteristic([]byte{byte(value)}, chr, withResponse)
	if !withResponse {
		return nil
	}
	if err := wait(ctx, writeCh, stepTimeout); err != nil {
		return fmt.Errorf("%w: %v", ErrWriteFailed, err)
	}
	return nil
}

func (t *cbTransport) Disconnect() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.prph == nil {
		return
	}
	t.cm.CancelConnect(*t.prph)
	// Wake a Connect or Write still waiting on CoreBluetooth.
	for _, ch := range []chan error{t.connectCh, t.svcCh, t.chrCh, t.writeCh} {
		signal(ch, errAborted)
	}
	t.prph, t.prphID, t.chr = nil, "", nil
	t.connectCh, t.svcCh, t.chrCh, t.writeCh = nil, nil, nil, nil
}

// centralDelegate handles central manager callbacks.
type centralDelegate struct {
	cbgo.CentralManagerDelegateBase
	t *cbTransport
}

func (d *centralDelegate) CentralManagerDidUpdateState(cmgr cbgo.CentralManager) {
	state := cmgr.State()
	select {
	case d.t.stateCh <- state:
	default:
		// Keep only the latest state.
		select {
		case <-d.t.stateCh:
		default:
		}
		d.t.stateCh <- state
	}
	if state == cbgo.ManagerStatePoweredOff {
		d.t.events.emit(Event{Kind: RadioPoweredOff})
	}
}

func (d *centralDelegate) DidDiscoverPeripheral(cmgr cbgo.CentralManager, prph cbgo.Peripheral,
	advFields cbgo.AdvFields, rssi int) {
	id := prph.Identifier().String()
	name := advFields.LocalName
	if name == "" {
		name = prph.Name()
	}
	d.t.mu.Lock()
	if !d.t.scanning {
		d.t.mu.Unlock()
		return
	}
	d.t.seen[id] = prph
	d.t.mu.Unlock()

	ref := PeripheralRef{ID: id, Name: name}
	if d.t.window.admit(ref) {
		d.t.events.emit(Event{Kind: PeripheralDiscovered, Peripheral: ref})
	}
}

func (d *centralDelegate) DidConnectPeripheral(cmgr cbgo.CentralManager, prph cbgo.Peripheral) {
	d.t.mu.Lock()
	defer d.t.mu.Unlock()
	if d.t.prphID == prph.Identifier().String() {
		signal(d.t.connectCh, nil)
	}
}

func (d *centralDelegate) DidFailToConnectPeripheral(cmgr cbgo.CentralManager, prph cbgo.Peripheral, err error) {
	if err == nil {
		err = errors.New("connection failed")
	}
	d.t.mu.Lock()
	defer d.t.mu.Unlock()
	if d.t.prphID == prph.Identifier().String() {
		signal(d.t.connectCh, err)
	}
}

func (d *centralDelegate) DidDisconnectPeripheral(cmgr cbgo.CentralManager, prph cbgo.Peripheral, err error) {
	id := prph.Identifier().String()
	d.t.mu.Lock()
	current := d.t.prphID == id
	d.t.mu.Unlock()
	// A disconnect we asked for clears prphID first.
	if current {
		d.t.events.emit(Event{Kind: ConnectionLost, Peripheral: PeripheralRef{ID: id}, Err: err})
	}
}

// peripheralDelegate handles callbacks for the peripheral being connected.
type peripheralDelegate struct {
	cbgo.PeripheralDelegateBase
	t *cbTransport
}

func (d *peripheralDelegate) DidDiscoverServices(prph cbgo.Peripheral, err error) {
	d.t.mu.Lock()
	defer d.t.mu.Unlock()
	signal(d.t.svcCh, err)
}

func (d *peripheralDelegate) DidDiscoverCharacteristics(prph cbgo.Peripheral, svc cbgo.Service, err error) {
	d.t.mu.Lock()
	defer d.t.mu.Unlock()
	signal(d.t.chrCh, err)
}

func (d *peripheralDelegate) DidWriteValueForCharacteristic(prph cbgo.Peripheral, chr cbgo.Characteristic, err error) {
	d.t.mu.Lock()
	defer d.t.mu.Unlock()
	signal(d.t.writeCh, err)
	d.t.writeCh = nil
}
