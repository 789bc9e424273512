//go:build linux

// Some documentation for the BlueZ D-Bus interface:
// https://git.kernel.org/pub/scm/bluetooth/bluez.git/tree/doc

package bpmlink

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/godbus/dbus/v5"
	"github.com/muka/go-bluetooth/api"
	"github.com/muka/go-bluetooth/bluez"
	"github.com/muka/go-bluetooth/bluez/profile/adapter"
	"github.com/muka/go-bluetooth/bluez/profile/device"
	"github.com/muka/go-bluetooth/bluez/profile/gatt"
	"github.com/sirupsen/logrus"
)

const (
	dbusAccessDenied = "org.freedesktop.DBus.Error.AccessDenied"

	servicesResolvedPoll = 10 * time.Millisecond
)

// bluezTransport talks to BlueZ over the system bus.
type bluezTransport struct {
	cfg    Config
	log    logrus.FieldLogger
	events *eventQueue
	window *scanWindow

	mu          sync.Mutex
	adapter     *adapter.Adapter1
	propchanged chan *bluez.PropertyChanged
	cancelScan  func()
	scanWatches map[*device.Device1]chan *bluez.PropertyChanged

	// The connection and tempo characteristic. device is set as soon as a
	// connection is attempted so Disconnect can abort it.
	device      *device.Device1
	deviceWatch chan *bluez.PropertyChanged
	char        *gatt.GattCharacteristic1

	// writeMu keeps writes in order even when a caller gave up on one.
	writeMu sync.Mutex
}

// NewDefaultTransport returns the BlueZ transport.
func NewDefaultTransport(cfg Config) (Transport, error) {
	cfg = cfg.withDefaults()
	log := componentLogger(cfg, "bluez")
	return &bluezTransport{
		cfg:    cfg,
		log:    log,
		events: newEventQueue(log),
		window: newScanWindow(!cfg.AllowUnnamed),
	}, nil
}

func (t *bluezTransport) Events() <-chan Event {
	return t.events.ch
}

// enable looks up the default adapter on first use and starts watching its
// power state. Callers must hold t.mu.
func (t *bluezTransport) enable() error {
	if t.adapter != nil {
		return nil
	}
	a, err := api.GetDefaultAdapter()
	if err != nil {
		return err
	}
	t.adapter = a
	if err := t.watchForStateChange(); err != nil {
		t.log.WithError(err).Warn("cannot watch adapter power state")
	}
	return nil
}

// watchForStateChange reports the adapter being powered off.
func (t *bluezTransport) watchForStateChange() error {
	var err error
	t.propchanged, err = t.adapter.WatchProperties()
	if err != nil {
		return err
	}
	go func(ch chan *bluez.PropertyChanged) {
		for changed := range ch {
			// A nil value means the watch was removed.
			if changed == nil {
				return
			}
			if changed.Name != "Powered" {
				continue
			}
			if powered, ok := changed.Value.(bool); ok && !powered {
				t.events.emit(Event{Kind: RadioPoweredOff})
			}
		}
	}(t.propchanged)
	return nil
}

// RequestPermission checks that the adapter can be reached and is powered.
// BlueZ has no runtime permission prompt; access is decided by the D-Bus
// policy, so an AccessDenied reply counts as a denial.
func (t *bluezTransport) RequestPermission(ctx context.Context) (bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.enable(); err != nil {
		if isAccessDenied(err) {
			t.log.WithError(err).Info("bluetooth access denied by D-Bus policy")
			return false, nil
		}
		return false, fmt.Errorf("%w: %v", ErrRadioUnavailable, err)
	}
	powered, err := t.adapter.GetPowered()
	if err != nil {
		if isAccessDenied(err) {
			return false, nil
		}
		return false, fmt.Errorf("%w: %v", ErrRadioUnavailable, err)
	}
	if !powered {
		return false, fmt.Errorf("%w: adapter is powered off", ErrRadioUnavailable)
	}
	return true, ctx.Err()
}

func isAccessDenied(err error) bool {
	var v dbus.Error
	if errors.As(err, &v) {
		return v.Name == dbusAccessDenied
	}
	var p *dbus.Error
	if errors.As(err, &p) {
		return p.Name == dbusAccessDenied
	}
	return false
}

// Scan starts LE discovery.
//
// On Linux with BlueZ, incoming packets cannot be observed directly. Newly
// added devices are reported right away; devices BlueZ already had cached are
// only reported once one of their properties changes, which means a fresh
// advertisement was received.
func (t *bluezTransport) Scan(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.cancelScan != nil {
		return nil
	}
	if err := t.enable(); err != nil {
		return fmt.Errorf("%w: %v", ErrRadioUnavailable, err)
	}
	t.window.reset()

	// This appears to be necessary to receive any BLE discovery results at all.
	err := t.adapter.SetDiscoveryFilter(map[string]interface{}{
		"Transport": "le",
	})
	if err != nil {
		return err
	}
	if err := t.adapter.StartDiscovery(); err != nil {
		return err
	}
	discoveryChan, cancel, err := t.adapter.OnDeviceDiscovered()
	if err != nil {
		t.adapter.StopDiscovery()
		return err
	}
	t.cancelScan = cancel
	t.scanWatches = make(map[*device.Device1]chan *bluez.PropertyChanged)

	cached, err := t.adapter.GetDevices()
	if err != nil {
		t.log.WithError(err).Debug("cannot list cached devices")
	}
	for _, dev := range cached {
		t.startWatchingDevice(dev)
	}

	go func() {
		for result := range discoveryChan {
			if ctx.Err() != nil {
				return
			}
			if result.Type != adapter.DeviceAdded {
				continue
			}
			// We only got a DBus object path, so turn that into a Device1 object.
			dev, err := device.NewDevice1(result.Path)
			if err != nil || dev == nil {
				continue
			}
			t.report(dev)

			t.mu.Lock()
			if t.cancelScan != nil {
				t.startWatchingDevice(dev)
			}
			t.mu.Unlock()
		}
	}()
	return nil
}

// startWatchingDevice reports dev whenever its properties change, until the
// scan stops. Callers must hold t.mu.
func (t *bluezTransport) startWatchingDevice(dev *device.Device1) {
	ch, err := dev.WatchProperties()
	if err != nil {
		// Assume the device has disappeared.
		return
	}
	t.scanWatches[dev] = ch
	go func() {
		for change := range ch {
			if change == nil {
				return
			}
			props, _ := dev.Properties.ToMap()
			props[change.Name] = change.Value
			dev.Properties, _ = dev.Properties.FromMap(props)
			t.report(dev)
		}
	}()
}

func (t *bluezTransport) report(dev *device.Device1) {
	name := dev.Properties.Name
	if name == "" {
		name = dev.Properties.Alias
		// BlueZ falls back to the dashed address as alias.
		if strings.EqualFold(strings.ReplaceAll(name, "-", ":"), dev.Properties.Address) {
			name = ""
		}
	}
	ref := PeripheralRef{ID: strings.ToUpper(dev.Properties.Address), Name: name}
	if t.window.admit(ref) {
		t.events.emit(Event{Kind: PeripheralDiscovered, Peripheral: ref})
	}
}

// StopScan stops discovery and all property watches started by Scan.
func (t *bluezTransport) StopScan() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.cancelScan == nil {
		return
	}
	if err := t.adapter.StopDiscovery(); err != nil {
		t.log.WithError(err).Debug("stop discovery")
	}
	if err := t.adapter.SetDiscoveryFilter(nil); err != nil {
		t.log.WithError(err).Debug("reset discovery filter")
	}
	cancel := t.cancelScan
	t.cancelScan = nil
	cancel()
	for dev, ch := range t.scanWatches {
		dev.UnwatchProperties(ch)
	}
	t.scanWatches = nil
}

func (t *bluezTransport) Connect(ctx context.Context, ref PeripheralRef, sel AttributeSelector) (err error) {
	ctx, cancel := context.WithTimeout(ctx, t.cfg.PairingTimeout)
	defer cancel()

	mac, err := ParseMAC(ref.ID)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrConnectionFailed, ref.ID, err)
	}

	t.mu.Lock()
	if err := t.enable(); err != nil {
		t.mu.Unlock()
		return fmt.Errorf("%w: %v", ErrRadioUnavailable, err)
	}
	path := dbus.ObjectPath(string(t.adapter.Path()) + "/" + mac.pathElement())
	dev, err := device.NewDevice1(path)
	if err != nil {
		t.mu.Unlock()
		return fmt.Errorf("%w: %v", ErrConnectionFailed, err)
	}
	t.device = dev
	t.char = nil
	t.mu.Unlock()

	// An attempt Disconnect gave up on tears down whatever it brought up.
	defer func() {
		if err == nil {
			return
		}
		t.mu.Lock()
		stale := t.device != dev
		t.mu.Unlock()
		if stale {
			t.teardown(dev, nil, nil)
		}
	}()

	if err := dev.Connect(); err != nil {
		return fmt.Errorf("%w: %v", ErrConnectionFailed, err)
	}
	if err := t.watchConnection(dev, ref); err != nil {
		t.log.WithError(err).Warn("cannot watch connection state")
	}
	if err := t.waitServicesResolved(ctx, dev); err != nil {
		return fmt.Errorf("%w: %v", ErrConnectionFailed, err)
	}
	char, err := t.resolve(dev, sel)
	if err != nil {
		return err
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.device != dev {
		char.Close()
		return fmt.Errorf("%w: disconnected while resolving", ErrConnectionFailed)
	}
	t.char = char
	return nil
}

// watchConnection reports a drop of the link to dev.
func (t *bluezTransport) watchConnection(dev *device.Device1, ref PeripheralRef) error {
	ch, err := dev.WatchProperties()
	if err != nil {
		return err
	}
	t.mu.Lock()
	if t.device != dev {
		t.mu.Unlock()
		dev.UnwatchProperties(ch)
		return nil
	}
	t.deviceWatch = ch
	t.mu.Unlock()

	go func() {
		for change := range ch {
			if change == nil {
				return
			}
			if change.Name != "Connected" {
				continue
			}
			if connected, ok := change.Value.(bool); ok && !connected {
				t.events.emit(Event{Kind: ConnectionLost, Peripheral: ref})
			}
		}
	}()
	return nil
}

// waitServicesResolved waits for BlueZ to finish GATT discovery. There is no
// signal to block on here, so it polls.
func (t *bluezTransport) waitServicesResolved(ctx context.Context, dev *device.Device1) error {
	ticker := time.NewTicker(servicesResolvedPoll)
	defer ticker.Stop()
	for {
		resolved, err := dev.GetServicesResolved()
		if err != nil {
			return err
		}
		if resolved {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
		t.mu.Lock()
		current := t.device == dev
		t.mu.Unlock()
		if !current {
			return errors.New("disconnected during service discovery")
		}
	}
}

// resolve finds the characteristic named by sel among the objects BlueZ
// exported for dev.
func (t *bluezTransport) resolve(dev *device.Device1, sel AttributeSelector) (*gatt.GattCharacteristic1, error) {
	om, err := bluez.GetObjectManager()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConnectionFailed, err)
	}
	list, err := om.GetManagedObjects()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConnectionFailed, err)
	}
	objects := make([]string, 0, len(list))
	for objectPath := range list {
		objects = append(objects, string(objectPath))
	}
	sort.Strings(objects)

	var service *gatt.GattService1
	for _, p := range childPaths(objects, string(dev.Path())+"/service") {
		s, err := gatt.NewGattService1(dbus.ObjectPath(p))
		if err != nil {
			continue
		}
		if sameBluezUUID(s.Properties.UUID, sel.Service) {
			service = s
			break
		}
		s.Close()
	}
	if service == nil {
		return nil, fmt.Errorf("%w: no service %s", ErrAttributeNotFound, sel.Service)
	}
	defer service.Close()

	for _, p := range childPaths(objects, string(service.Path())+"/char") {
		char, err := gatt.NewGattCharacteristic1(dbus.ObjectPath(p))
		if err != nil {
			continue
		}
		if sameBluezUUID(char.Properties.UUID, sel.Characteristic) {
			return char, nil
		}
		char.Close()
	}
	return nil, fmt.Errorf("%w: no characteristic %s in service %s", ErrAttributeNotFound, sel.Characteristic, sel.Service)
}

// childPaths returns the paths in sorted objects that start with prefix and
// are direct children of its parent.
func childPaths(objects []string, prefix string) []string {
	var paths []string
	for _, p := range objects {
		if !strings.HasPrefix(p, prefix) {
			continue
		}
		if strings.Contains(p[len(prefix):], "/") {
			continue
		}
		paths = append(paths, p)
	}
	return paths
}

func sameBluezUUID(s string, uuid UUID) bool {
	parsed, err := ParseUUID(s)
	return err == nil && parsed == uuid
}

func (t *bluezTransport) Write(ctx context.Context, value int) error {
	if err := checkWireValue(value); err != nil {
		return err
	}
	t.mu.Lock()
	char := t.char
	t.mu.Unlock()
	if char == nil {
		return ErrNotConnected
	}

	options := map[string]interface{}{"type": "request"}
	if t.cfg.WriteWithoutResponse {
		options["type"] = "command"
	}
	errc := make(chan error, 1)
	go func() {
		t.writeMu.Lock()
		defer t.writeMu.Unlock()
		errc <- char.WriteValue([]byte{byte(value)}, options)
	}()
	select {
	case err := <-errc:
		if err != nil {
			return fmt.Errorf("%w: %v", ErrWriteFailed, err)
		}
		return nil
	case <-ctx.Done():
		return fmt.Errorf("%w: %v", ErrWriteFailed, ctx.Err())
	}
}

func (t *bluezTransport) Disconnect() {
	t.mu.Lock()
	dev, watch, char := t.device, t.deviceWatch, t.char
	t.device, t.deviceWatch, t.char = nil, nil, nil
	t.mu.Unlock()
	if dev == nil {
		return
	}
	t.teardown(dev, watch, char)
}

// teardown closes the link to dev. BlueZ also aborts a pending Connect call
// for the device.
func (t *bluezTransport) teardown(dev *device.Device1, watch chan *bluez.PropertyChanged, char *gatt.GattCharacteristic1) {
	if watch != nil {
		dev.UnwatchProperties(watch)
	}
	if char != nil {
		char.Close()
	}
	if err := dev.Disconnect(); err != nil {
		t.log.WithError(err).WithField("peripheral", dev.Properties.Address).Warn("disconnect failed")
	}
	dev.Close()
}
