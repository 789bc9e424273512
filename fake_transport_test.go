package bpmlink

import (
	"context"
	"sync"
)

// fakeTransport records every call the session makes and lets tests decide
// how the radio behaves.
type fakeTransport struct {
	events chan Event

	mu          sync.Mutex
	granted     bool
	permErr     error
	scanErr     error
	connectErr  error
	connectGate chan struct{}
	writeErr    error

	// hangUntilDisconnect makes Connect block until Disconnect is called,
	// like a radio stack that only gives up when told to.
	hangUntilDisconnect bool
	aborted             chan struct{}

	permissions int
	scans       int
	stopScans   int
	connects    []string
	writes      []int
	disconnects int

	// onDisconnect runs inside Disconnect, after it was counted.
	onDisconnect func()
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{events: make(chan Event, eventBuffer), granted: true}
}

func (f *fakeTransport) RequestPermission(ctx context.Context) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.permissions++
	return f.granted, f.permErr
}

func (f *fakeTransport) Scan(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.scans++
	return f.scanErr
}

func (f *fakeTransport) StopScan() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopScans++
}

func (f *fakeTransport) Connect(ctx context.Context, ref PeripheralRef, sel AttributeSelector) error {
	f.mu.Lock()
	f.connects = append(f.connects, ref.ID)
	gate := f.connectGate
	var aborted chan struct{}
	if f.hangUntilDisconnect {
		aborted = make(chan struct{})
		f.aborted = aborted
	}
	f.mu.Unlock()
	if aborted != nil {
		select {
		case <-aborted:
			return errAborted
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connectErr
}

func (f *fakeTransport) Write(ctx context.Context, value int) error {
	if err := checkWireValue(value); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.writeErr != nil {
		return f.writeErr
	}
	f.writes = append(f.writes, value)
	return nil
}

func (f *fakeTransport) Disconnect() {
	f.mu.Lock()
	f.disconnects++
	if f.aborted != nil {
		close(f.aborted)
		f.aborted = nil
	}
	hook := f.onDisconnect
	f.mu.Unlock()
	if hook != nil {
		hook()
	}
}

func (f *fakeTransport) Events() <-chan Event {
	return f.events
}

func (f *fakeTransport) discover(id, name string) {
	f.events <- Event{Kind: PeripheralDiscovered, Peripheral: PeripheralRef{ID: id, Name: name}}
}

func (f *fakeTransport) set(fn func(f *fakeTransport)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	fn(f)
}

type fakeCounts struct {
	permissions int
	scans       int
	stopScans   int
	connects    []string
	writes      []int
	disconnects int
}

func (f *fakeTransport) counts() fakeCounts {
	f.mu.Lock()
	defer f.mu.Unlock()
	return fakeCounts{
		permissions: f.permissions,
		scans:       f.scans,
		stopScans:   f.stopScans,
		connects:    append([]string(nil), f.connects...),
		writes:      append([]int(nil), f.writes...),
		disconnects: f.disconnects,
	}
}

// fakeChooser is a fakeTransport whose scan is paced by the user.
type fakeChooser struct {
	*fakeTransport
}

func (fakeChooser) UserPacedScan() bool { return true }
