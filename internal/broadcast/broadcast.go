// Package broadcast publishes rhythm events to the desktop bus so other
// processes can sync to the beat without holding an IPC connection.
package broadcast

// BeatSignal carries one declared or predicted beat.
type BeatSignal struct {
	BPM      float64
	Phase    float64
	Strength float64
	// Predicted marks beats emitted from the tempo grid rather than a
	// CBSS peak
	Predicted bool
	// TimestampMs is the engine clock at emission
	TimestampMs uint32
}

// Broadcaster is the interface for system-level rhythm event emission
type Broadcaster interface {
	// EmitBeat publishes a beat signal
	EmitBeat(sig BeatSignal) error

	// EmitTempoChanged publishes a new tempo estimate
	EmitTempoChanged(bpm, confidence float64) error

	// Close releases resources
	Close() error
}

// NoOpBroadcaster is a broadcaster that does nothing
// Used when bus integration is not available or disabled
type NoOpBroadcaster struct{}

// NewNoOpBroadcaster creates a new no-op broadcaster
func NewNoOpBroadcaster() *NoOpBroadcaster {
	return &NoOpBroadcaster{}
}

func (b *NoOpBroadcaster) EmitBeat(sig BeatSignal) error {
	return nil
}

func (b *NoOpBroadcaster) EmitTempoChanged(bpm, confidence float64) error {
	return nil
}

func (b *NoOpBroadcaster) Close() error {
	return nil
}
