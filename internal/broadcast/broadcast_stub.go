//go:build !linux

package broadcast

import "fmt"

// NewBroadcaster creates a new platform-specific broadcaster
// This is the fallback for platforms without a session bus
func NewBroadcaster() (Broadcaster, error) {
	return nil, fmt.Errorf("bus broadcast not supported on this platform")
}
