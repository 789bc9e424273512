package bpmlink

import (
	orderedmap "github.com/wk8/go-ordered-map/v2"
)

// DiscoverySet holds the peripherals found in one scan window, in the order
// they were found. Each ID is present at most once and keeps the name it was
// first seen with.
type DiscoverySet struct {
	peers *orderedmap.OrderedMap[string, PeripheralRef]
}

// NewDiscoverySet returns an empty set.
func NewDiscoverySet() *DiscoverySet {
	return &DiscoverySet{peers: orderedmap.New[string, PeripheralRef]()}
}

// Add inserts ref unless its ID is already present. It reports whether the
// set changed.
func (d *DiscoverySet) Add(ref PeripheralRef) bool {
	if _, ok := d.peers.Get(ref.ID); ok {
		return false
	}
	d.peers.Set(ref.ID, ref)
	return true
}

// Get returns the peripheral with the given ID.
func (d *DiscoverySet) Get(id string) (PeripheralRef, bool) {
	return d.peers.Get(id)
}

// Contains reports whether id has been discovered.
func (d *DiscoverySet) Contains(id string) bool {
	_, ok := d.peers.Get(id)
	return ok
}

// Len returns the number of peripherals in the set.
func (d *DiscoverySet) Len() int {
	return d.peers.Len()
}

// List returns the peripherals in discovery order.
func (d *DiscoverySet) List() []PeripheralRef {
	refs := make([]PeripheralRef, 0, d.peers.Len())
	for pair := d.peers.Oldest(); pair != nil; pair = pair.Next() {
		refs = append(refs, pair.Value)
	}
	return refs
}

// Clear removes all peripherals.
func (d *DiscoverySet) Clear() {
	d.peers = orderedmap.New[string, PeripheralRef]()
}
