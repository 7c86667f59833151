package audio

import (
	"bytes"
	"fmt"
	"io"
	"sync"

	"github.com/hajimehoshi/oto/v2"
)

const monitorBitDepth = 2 // 16-bit = 2 bytes

// Monitor plays the analysis input back through the default output so
// an operator can hear what the engine hears. Feeding it is optional;
// an empty buffer plays silence instead of stalling the device.
type Monitor struct {
	context *oto.Context
	player  oto.Player // oto.Player is an interface, not a pointer
	mu      sync.Mutex
	buffer  *bytes.Buffer
	closed  bool
}

// NewMonitor opens a mono output at the given sample rate
func NewMonitor(sampleRate int) (*Monitor, error) {
	ctx, ready, err := oto.NewContext(sampleRate, 1, monitorBitDepth)
	if err != nil {
		return nil, fmt.Errorf("failed to create oto context: %w", err)
	}

	// Wait for context to be ready
	<-ready

	m := &Monitor{
		context: ctx,
		buffer:  &bytes.Buffer{},
	}
	m.player = ctx.NewPlayer(m)
	m.player.Play()

	return m, nil
}

// Read implements io.Reader for the player to read from
func (m *Monitor) Read(p []byte) (n int, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return 0, io.EOF
	}

	// If buffer is empty, return silence to keep the stream alive
	if m.buffer.Len() == 0 {
		for i := range p {
			p[i] = 0
		}
		return len(p), nil
	}

	return m.buffer.Read(p)
}

// Write queues mono samples for playback
func (m *Monitor) Write(samples []int16) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return
	}

	buf := make([]byte, len(samples)*2)
	for i, s := range samples {
		buf[i*2] = byte(s)
		buf[i*2+1] = byte(s >> 8)
	}
	m.buffer.Write(buf)
}

// Close stops playback
func (m *Monitor) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()

	if m.player != nil {
		return m.player.Close()
	}
	return nil
}
