package bpmlink

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDiscoverySetKeepsFirstSighting(t *testing.T) {
	d := NewDiscoverySet()

	assert.True(t, d.Add(PeripheralRef{ID: "B", Name: "beta"}))
	assert.True(t, d.Add(PeripheralRef{ID: "A", Name: "alpha"}))
	assert.False(t, d.Add(PeripheralRef{ID: "B", Name: "beta 2"}))
	assert.True(t, d.Add(PeripheralRef{ID: "C", Name: ""}))

	assert.Equal(t, 3, d.Len())
	assert.Equal(t, []PeripheralRef{
		{ID: "B", Name: "beta"},
		{ID: "A", Name: "alpha"},
		{ID: "C"},
	}, d.List())

	ref, ok := d.Get("B")
	assert.True(t, ok)
	assert.Equal(t, "beta", ref.Name)
	assert.True(t, d.Contains("C"))
	assert.False(t, d.Contains("D"))
}

func TestDiscoverySetClear(t *testing.T) {
	d := NewDiscoverySet()
	d.Add(PeripheralRef{ID: "A"})
	d.Clear()

	assert.Zero(t, d.Len())
	assert.Empty(t, d.List())
	assert.NotNil(t, d.List())
	assert.True(t, d.Add(PeripheralRef{ID: "A", Name: "again"}))
}
