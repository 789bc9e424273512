//go:build js && wasm

package bpmlink

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"syscall/js"

	"github.com/sirupsen/logrus"
)

// webTransport uses the Web Bluetooth API. Browsers do not expose raw
// scanning: requestDevice shows the browser's own chooser, so a scan window
// yields at most the one device the user picked.
type webTransport struct {
	cfg    Config
	log    logrus.FieldLogger
	events *eventQueue
	window *scanWindow

	mu         sync.Mutex
	stopChoose context.CancelFunc
	chosen     map[string]js.Value

	device       js.Value
	deviceID     string
	char         js.Value
	onDisconnect js.Func
	hasListener  bool

	writeMu sync.Mutex
}

// NewDefaultTransport returns the Web Bluetooth transport.
func NewDefaultTransport(cfg Config) (Transport, error) {
	cfg = cfg.withDefaults()
	log := componentLogger(cfg, "webbluetooth")
	return &webTransport{
		cfg:    cfg,
		log:    log,
		events: newEventQueue(log),
		// The chooser only lists devices the browser could name.
		window: newScanWindow(false),
		chosen: make(map[string]js.Value),
	}, nil
}

func (t *webTransport) Events() <-chan Event {
	return t.events.ch
}

func navigatorBluetooth() js.Value {
	nav := js.Global().Get("navigator")
	if nav.IsUndefined() || nav.IsNull() {
		return js.Undefined()
	}
	return nav.Get("bluetooth")
}

func (t *webTransport) RequestPermission(ctx context.Context) (bool, error) {
	bt := navigatorBluetooth()
	if bt.IsUndefined() || bt.IsNull() {
		return false, fmt.Errorf("%w: Web Bluetooth is not available", ErrRadioUnavailable)
	}
	if bt.Get("getAvailability").IsUndefined() {
		return true, nil
	}
	available, err := await(ctx, bt.Call("getAvailability"))
	if err != nil {
		if errors.Is(err, ctx.Err()) {
			return false, err
		}
		return false, nil
	}
	if !available.Truthy() {
		return false, fmt.Errorf("%w: no bluetooth adapter", ErrRadioUnavailable)
	}
	return true, nil
}

// UserPacedScan reports that a scan lasts as long as the browser's chooser is
// open, however long the user takes to pick.
func (t *webTransport) UserPacedScan() bool {
	return true
}

func (t *webTransport) Scan(ctx context.Context) error {
	bt := navigatorBluetooth()
	if bt.IsUndefined() || bt.IsNull() {
		return fmt.Errorf("%w: Web Bluetooth is not available", ErrRadioUnavailable)
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.stopChoose != nil {
		return nil
	}
	t.window.reset()
	t.chosen = make(map[string]js.Value)
	scanCtx, cancel := context.WithCancel(ctx)
	t.stopChoose = cancel

	services := js.Global().Get("Array").New(t.cfg.Selector.Service.String())
	options := js.Global().Get("Object").New()
	options.Set("acceptAllDevices", true)
	options.Set("optionalServices", services)

	promise := bt.Call("requestDevice", options)
	go t.awaitChoice(scanCtx, cancel, promise)
	return nil
}

// awaitChoice waits for the chooser to settle and reports the pick, if any,
// followed by ScanFinished. Nothing is reported once StopScan was called.
func (t *webTransport) awaitChoice(ctx context.Context, cancel context.CancelFunc, promise js.Value) {
	dev, err := await(ctx, promise)

	t.mu.Lock()
	if ctx.Err() != nil {
		t.mu.Unlock()
		return
	}
	cancel()
	t.stopChoose = nil
	var ref PeripheralRef
	if err == nil {
		ref = PeripheralRef{ID: dev.Get("id").String(), Name: jsString(dev.Get("name"))}
		t.chosen[ref.ID] = dev
	}
	t.mu.Unlock()

	if err != nil {
		t.log.WithError(err).Debug("device chooser closed without a pick")
	} else if t.window.admit(ref) {
		t.events.emit(Event{Kind: PeripheralDiscovered, Peripheral: ref})
	}
	t.events.emit(Event{Kind: ScanFinished})
}

// StopScan stops waiting for the chooser. The browser keeps its chooser open
// until the user closes it; a pick made after this is ignored.
func (t *webTransport) StopScan() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.stopChoose == nil {
		return
	}
	t.stopChoose()
	t.stopChoose = nil
}

func (t *webTransport) Connect(ctx context.Context, ref PeripheralRef, sel AttributeSelector) (err error) {
	ctx, cancel := context.WithTimeout(ctx, t.cfg.PairingTimeout)
	defer cancel()

	t.mu.Lock()
	dev, ok := t.chosen[ref.ID]
	if !ok {
		t.mu.Unlock()
		return fmt.Errorf("%w: %s was not picked in the chooser", ErrConnectionFailed, ref.ID)
	}
	server := dev.Get("gatt")
	if server.IsUndefined() || server.IsNull() {
		t.mu.Unlock()
		return fmt.Errorf("%w: GATT not supported", ErrConnectionFailed)
	}
	t.device, t.deviceID, t.char = dev, ref.ID, js.Undefined()
	t.onDisconnect = js.FuncOf(func(this js.Value, args []js.Value) any {
		t.mu.Lock()
		current := t.deviceID == ref.ID
		t.mu.Unlock()
		if current {
			t.events.emit(Event{Kind: ConnectionLost, Peripheral: ref})
		}
		return nil
	})
	dev.Call("addEventListener", "gattserverdisconnected", t.onDisconnect)
	t.hasListener = true
	t.mu.Unlock()

	// An attempt Disconnect gave up on closes whatever it brought up.
	defer func() {
		if err == nil {
			return
		}
		t.mu.Lock()
		stale := t.deviceID != ref.ID
		t.mu.Unlock()
		if stale {
			server.Call("disconnect")
		}
	}()

	if _, err := await(ctx, server.Call("connect")); err != nil {
		return fmt.Errorf("%w: %v", ErrConnectionFailed, err)
	}
	service, err := await(ctx, server.Call("getPrimaryService", sel.Service.String()))
	if err != nil {
		return fmt.Errorf("%w: service %s: %v", ErrAttributeNotFound, sel.Service, err)
	}
	char, err := await(ctx, service.Call("getCharacteristic", sel.Characteristic.String()))
	if err != nil {
		return fmt.Errorf("%w: characteristic %s: %v", ErrAttributeNotFound, sel.Characteristic, err)
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.deviceID != ref.ID {
		return fmt.Errorf("%w: disconnected while resolving", ErrConnectionFailed)
	}
	t.char = char
	return nil
}

func (t *webTransport) Write(ctx context.Context, value int) error {
	if err := checkWireValue(value); err != nil {
		return err
	}
	t.writeMu.Lock()
	defer t.writeMu.Unlock()

	t.mu.Lock()
	char := t.char
	t.mu.Unlock()
	if char.IsUndefined() || char.IsNull() {
		return ErrNotConnected
	}

	buf := js.Global().Get("Uint8Array").New(1)
	buf.SetIndex(0, value)
	method := "writeValueWithResponse"
	if t.cfg.WriteWithoutResponse {
		method = "writeValueWithoutResponse"
	}
	if char.Get(method).IsUndefined() {
		method = "writeValue"
	}
	if _, err := await(ctx, char.Call(method, buf)); err != nil {
		return fmt.Errorf("%w: %v", ErrWriteFailed, err)
	}
	return nil
}

func (t *webTransport) Disconnect() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.deviceID == "" {
		return
	}
	dev := t.device
	if t.hasListener {
		dev.Call("removeEventListener", "gattserverdisconnected", t.onDisconnect)
		t.onDisconnect.Release()
		t.hasListener = false
	}
	// disconnect also aborts a connect that is still pending.
	if server := dev.Get("gatt"); !server.IsUndefined() && !server.IsNull() {
		server.Call("disconnect")
	}
	delete(t.chosen, t.deviceID)
	t.device, t.deviceID, t.char = js.Undefined(), "", js.Undefined()
}

// await waits for a JavaScript promise to settle.
func await(ctx context.Context, promise js.Value) (js.Value, error) {
	type result struct {
		value js.Value
		err   error
	}
	ch := make(chan result, 1)
	var then, catch js.Func
	then = js.FuncOf(func(this js.Value, args []js.Value) any {
		v := js.Undefined()
		if len(args) > 0 {
			v = args[0]
		}
		ch <- result{value: v}
		return nil
	})
	catch = js.FuncOf(func(this js.Value, args []js.Value) any {
		err := errors.New("promise rejected")
		if len(args) > 0 {
			err = jsError(args[0])
		}
		ch <- result{err: err}
		return nil
	})
	release := func() {
		then.Release()
		catch.Release()
	}
	promise.Call("then", then, catch)

	select {
	case r := <-ch:
		release()
		return r.value, r.err
	case <-ctx.Done():
		// The callbacks must outlive the promise.
		go func() {
			<-ch
			release()
		}()
		return js.Undefined(), ctx.Err()
	}
}

func jsError(v js.Value) error {
	if v.Type() == js.TypeObject {
		if msg := v.Get("message"); msg.Type() == js.TypeString {
			return errors.New(msg.String())
		}
	}
	return errors.New(v.String())
}

func jsString(v js.Value) string {
	if v.Type() != js.TypeString {
		return ""
	}
	return v.String()
}
