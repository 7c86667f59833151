// Package ipc handles inter-process communication between the daemon and clients.
package ipc

import (
	"encoding/json"
	"fmt"
)

// CommandType represents the type of command
type CommandType string

const (
	CmdStatus    CommandType = "status"
	CmdGet       CommandType = "get"
	CmdSet       CommandType = "set"
	CmdParams    CommandType = "params"
	CmdProfile   CommandType = "profile"
	CmdDetectors CommandType = "detectors"
	CmdReset     CommandType = "reset"

	// Beat streaming
	CmdSubscribeBeats   CommandType = "subscribeBeats"
	CmdUnsubscribeBeats CommandType = "unsubscribeBeats"
)

// PushMessage represents a server-initiated message (no request needed)
type PushMessage struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// Request represents a client request
type Request struct {
	Cmd  CommandType     `json:"cmd"`
	Data json.RawMessage `json:"data,omitempty"`
}

// Response represents a server response
type Response struct {
	Success bool            `json:"success"`
	Error   string          `json:"error,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// GetRequest is the data for a get command
type GetRequest struct {
	Name string `json:"name"`
}

// GetResponse is the response to a get command
type GetResponse struct {
	Name  string  `json:"name"`
	Value float64 `json:"value"`
}

// SetRequest is the data for a set command
type SetRequest struct {
	Name  string  `json:"name"`
	Value float64 `json:"value"`
}

// ProfileRequest is the data for a profile command
type ProfileRequest struct {
	Name string `json:"name"`
}

// ParamsResponse is the response to a params command: every tunable and
// its current value
type ParamsResponse struct {
	Params map[string]float64 `json:"params"`
}

// DetectorState describes one onset detector in a detectors response
type DetectorState struct {
	Name      string  `json:"name"`
	Weight    float64 `json:"weight"`
	Threshold float64 `json:"threshold"`
	Enabled   bool    `json:"enabled"`
	// Strength and Detected reflect the detector's vote on the most
	// recent frame
	Strength float64 `json:"strength"`
	Detected bool    `json:"detected"`
}

// DetectorsResponse is the response to a detectors command
type DetectorsResponse struct {
	Detectors []DetectorState `json:"detectors"`
	// Dominant names the detector whose vote won the last fused
	// transient, empty when the frame was quiet
	Dominant string `json:"dominant,omitempty"`
}

// TempoModelStatus exposes the probabilistic tempo model internals for
// tuning UIs.
type TempoModelStatus struct {
	BinBPMs   []float64 `json:"binBpms"`
	Posterior []float64 `json:"posterior"`
	AcfObs    []float64 `json:"acfObs,omitempty"`
	FtObs     []float64 `json:"ftObs,omitempty"`
	CombObs   []float64 `json:"combObs,omitempty"`
	IoiObs    []float64 `json:"ioiObs,omitempty"`
}

// StatusResponse is the response to a status command
type StatusResponse struct {
	BPM                 float64 `json:"bpm"`
	PeriodicityStrength float64 `json:"periodicityStrength"`
	BeatConfidence      float64 `json:"beatConfidence"`
	Stability           float64 `json:"stability"`
	Phase               float64 `json:"phase"`
	BeatCount           int     `json:"beatCount"`
	NextBeatMs          float64 `json:"nextBeatMs"`

	CombPeakBPM        float64 `json:"combPeakBpm"`
	CombPeakConfidence float64 `json:"combPeakConfidence"`

	// Control mirrors the most recent output frame
	Energy         float64 `json:"energy"`
	Pulse          float64 `json:"pulse"`
	RhythmStrength float64 `json:"rhythmStrength"`
	OnsetDensity   float64 `json:"onsetDensity"`
	LoudMode       bool    `json:"loudMode"`

	Profile string `json:"profile,omitempty"`
	UptimeS int64  `json:"uptimeS"`

	Tempo *TempoModelStatus `json:"tempo,omitempty"`
}

// BeatEvent is pushed to beat subscribers whenever a beat is declared
// or the tempo estimate changes.
type BeatEvent struct {
	BPM       float64 `json:"bpm"`
	Phase     float64 `json:"phase"`
	Strength  float64 `json:"strength"`
	Predicted bool    `json:"predicted"`
	// Timestamp is the engine clock in milliseconds
	Timestamp uint32 `json:"timestamp"`
}

// EncodeRequest encodes a request to JSON
func EncodeRequest(req *Request) ([]byte, error) {
	return json.Marshal(req)
}

// DecodeRequest decodes a request from JSON
func DecodeRequest(data []byte) (*Request, error) {
	var req Request
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, fmt.Errorf("failed to decode request: %w", err)
	}
	return &req, nil
}

// EncodeResponse encodes a response to JSON
func EncodeResponse(resp *Response) ([]byte, error) {
	return json.Marshal(resp)
}

// DecodeResponse decodes a response from JSON
func DecodeResponse(data []byte) (*Response, error) {
	var resp Response
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	return &resp, nil
}

// NewSuccessResponse creates a successful response
func NewSuccessResponse(data interface{}) (*Response, error) {
	var rawData json.RawMessage
	if data != nil {
		var err error
		rawData, err = json.Marshal(data)
		if err != nil {
			return nil, err
		}
	}
	return &Response{
		Success: true,
		Data:    rawData,
	}, nil
}

// NewErrorResponse creates an error response
func NewErrorResponse(err string) *Response {
	return &Response{
		Success: false,
		Error:   err,
	}
}

// NewPushMessage creates a push message for streaming data
func NewPushMessage(msgType string, data interface{}) ([]byte, error) {
	var rawData json.RawMessage
	if data != nil {
		var err error
		rawData, err = json.Marshal(data)
		if err != nil {
			return nil, err
		}
	}
	msg := PushMessage{
		Type: msgType,
		Data: rawData,
	}
	return json.Marshal(msg)
}
