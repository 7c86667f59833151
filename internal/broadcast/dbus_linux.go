//go:build linux

package broadcast

import (
	"fmt"

	"github.com/godbus/dbus/v5"
)

const (
	rhythmInterface  = "com.github.jdubz.Rhythmd"
	rhythmBusName    = "com.github.jdubz.Rhythmd"
	rhythmObjectPath = "/com/github/jdubz/Rhythmd"
)

// DBusBroadcaster emits rhythm signals on the session bus
type DBusBroadcaster struct {
	conn *dbus.Conn
}

// NewBroadcaster creates a new session-bus broadcaster
func NewBroadcaster() (Broadcaster, error) {
	conn, err := dbus.SessionBus()
	if err != nil {
		return nil, fmt.Errorf("failed to connect to session bus: %w", err)
	}

	// Request the bus name so clients can match signals by sender
	reply, err := conn.RequestName(rhythmBusName, dbus.NameFlagDoNotQueue)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to request bus name: %w", err)
	}

	if reply != dbus.RequestNameReplyPrimaryOwner {
		conn.Close()
		return nil, fmt.Errorf("bus name already taken")
	}

	return &DBusBroadcaster{conn: conn}, nil
}

// EmitBeat publishes a Beat signal
func (b *DBusBroadcaster) EmitBeat(sig BeatSignal) error {
	return b.conn.Emit(
		dbus.ObjectPath(rhythmObjectPath),
		rhythmInterface+".Beat",
		sig.BPM,
		sig.Phase,
		sig.Strength,
		sig.Predicted,
		sig.TimestampMs,
	)
}

// EmitTempoChanged publishes a TempoChanged signal
func (b *DBusBroadcaster) EmitTempoChanged(bpm, confidence float64) error {
	return b.conn.Emit(
		dbus.ObjectPath(rhythmObjectPath),
		rhythmInterface+".TempoChanged",
		bpm,
		confidence,
	)
}

// Close releases the bus connection
func (b *DBusBroadcaster) Close() error {
	if b.conn == nil {
		return nil
	}
	return b.conn.Close()
}
