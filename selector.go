package bpmlink

// AttributeSelector names the one writable characteristic that accepts the
// tempo byte: a service UUID and a characteristic UUID inside that service.
// Every transport resolves the same pair.
type AttributeSelector struct {
	Service        UUID
	Characteristic UUID
}

// Default tempo service and characteristic.
var (
	ServiceUUIDTempo        = New16BitUUID(0x1234)
	CharacteristicUUIDTempo = New16BitUUID(0x5678)
)

// DefaultSelector returns the selector for the tempo service and
// characteristic.
func DefaultSelector() AttributeSelector {
	return AttributeSelector{
		Service:        ServiceUUIDTempo,
		Characteristic: CharacteristicUUIDTempo,
	}
}
