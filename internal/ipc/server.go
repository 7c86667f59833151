package ipc

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net"
	"os"
	"sync"
)

// Handler executes commands against the running engine. The daemon owns
// the engine and its lock; the server only parses, dispatches, and
// serializes.
type Handler interface {
	Status() (*StatusResponse, error)
	GetParam(name string) (float64, error)
	SetParam(name string, value float64) error
	Params() (map[string]float64, error)
	ApplyProfile(name string) error
	Detectors() (*DetectorsResponse, error)
	Reset() error
}

// Server handles IPC communication with clients
type Server struct {
	socketPath string
	handler    Handler
	listener   net.Listener
	mu         sync.Mutex
	clients    map[net.Conn]struct{}

	// Beat event streaming (callback-based, no polling)
	beatSubsMu sync.RWMutex
	beatSubs   map[net.Conn]bool
}

// NewServer creates a new IPC server
func NewServer(socketPath string, handler Handler) *Server {
	return &Server{
		socketPath: socketPath,
		handler:    handler,
		clients:    make(map[net.Conn]struct{}),
		beatSubs:   make(map[net.Conn]bool),
	}
}

// Start starts the IPC server
func (s *Server) Start(ctx context.Context) error {
	// Remove existing socket file if it exists
	if err := os.RemoveAll(s.socketPath); err != nil {
		return fmt.Errorf("failed to remove existing socket: %w", err)
	}

	log.Printf("[IPC] Creating socket at %s", s.socketPath)

	// Create Unix socket listener
	listener, err := net.Listen("unix", s.socketPath)
	if err != nil {
		return fmt.Errorf("failed to listen on socket: %w", err)
	}
	s.listener = listener

	// Set socket permissions (user-only)
	if err := os.Chmod(s.socketPath, 0600); err != nil {
		listener.Close()
		return fmt.Errorf("failed to set socket permissions: %w", err)
	}

	log.Printf("[IPC] Server listening, waiting for connections...")

	// Accept connections in background
	go s.acceptLoop(ctx)

	// Wait for context cancellation
	<-ctx.Done()

	log.Printf("[IPC] Shutting down server...")

	// Cleanup
	s.mu.Lock()
	clientCount := len(s.clients)
	for conn := range s.clients {
		conn.Close()
	}
	s.mu.Unlock()

	log.Printf("[IPC] Closed %d client connections", clientCount)

	listener.Close()
	os.RemoveAll(s.socketPath)

	log.Printf("[IPC] Server stopped")

	return nil
}

func (s *Server) acceptLoop(ctx context.Context) {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return
			default:
				log.Printf("[IPC] Accept error: %v", err)
				continue
			}
		}

		s.mu.Lock()
		s.clients[conn] = struct{}{}
		clientCount := len(s.clients)
		s.mu.Unlock()

		log.Printf("[IPC] New client connection, active clients: %d", clientCount)

		go s.handleConnection(ctx, conn)
	}
}

func (s *Server) handleConnection(ctx context.Context, conn net.Conn) {
	defer func() {
		conn.Close()
		s.mu.Lock()
		delete(s.clients, conn)
		clientCount := len(s.clients)
		s.mu.Unlock()
		// Remove from beat subscribers
		s.beatSubsMu.Lock()
		delete(s.beatSubs, conn)
		s.beatSubsMu.Unlock()
		log.Printf("[IPC] Client disconnected, active clients: %d", clientCount)
	}()

	reader := bufio.NewReader(conn)

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		// Read line (newline-delimited JSON)
		line, err := reader.ReadBytes('\n')
		if err != nil {
			if err != io.EOF {
				log.Printf("[IPC] Read error: %v", err)
			}
			return
		}

		// Parse request
		req, err := DecodeRequest(line)
		if err != nil {
			log.Printf("[IPC] Invalid request format: %v", err)
			s.sendError(conn, "invalid request format")
			continue
		}

		// Status is a polling command; logging every one drowns the log
		isPollingCmd := req.Cmd == CmdStatus

		if !isPollingCmd {
			log.Printf("[IPC] Command: %s", req.Cmd)
		}

		resp := s.handleRequest(conn, req)

		if !isPollingCmd {
			if resp.Success {
				log.Printf("[IPC] Response: success")
			} else {
				log.Printf("[IPC] Response: error=%q", resp.Error)
			}
		}

		// Send response
		if err := s.sendResponse(conn, resp); err != nil {
			log.Printf("[IPC] Send error: %v", err)
			return
		}
	}
}

func (s *Server) handleRequest(conn net.Conn, req *Request) *Response {
	switch req.Cmd {
	case CmdStatus:
		return s.handleStatus()
	case CmdGet:
		return s.handleGet(req)
	case CmdSet:
		return s.handleSet(req)
	case CmdParams:
		return s.handleParams()
	case CmdProfile:
		return s.handleProfile(req)
	case CmdDetectors:
		return s.handleDetectors()
	case CmdReset:
		return s.handleReset()
	case CmdSubscribeBeats:
		s.beatSubsMu.Lock()
		s.beatSubs[conn] = true
		s.beatSubsMu.Unlock()
		return mustSuccess(nil)
	case CmdUnsubscribeBeats:
		s.beatSubsMu.Lock()
		delete(s.beatSubs, conn)
		s.beatSubsMu.Unlock()
		return mustSuccess(nil)
	default:
		return NewErrorResponse(fmt.Sprintf("unknown command: %s", req.Cmd))
	}
}

func (s *Server) handleStatus() *Response {
	status, err := s.handler.Status()
	if err != nil {
		return NewErrorResponse(err.Error())
	}
	return mustSuccess(status)
}

func (s *Server) handleGet(req *Request) *Response {
	var data GetRequest
	if err := json.Unmarshal(req.Data, &data); err != nil {
		return NewErrorResponse("invalid get request")
	}
	value, err := s.handler.GetParam(data.Name)
	if err != nil {
		return NewErrorResponse(err.Error())
	}
	return mustSuccess(&GetResponse{Name: data.Name, Value: value})
}

func (s *Server) handleSet(req *Request) *Response {
	var data SetRequest
	if err := json.Unmarshal(req.Data, &data); err != nil {
		return NewErrorResponse("invalid set request")
	}
	if err := s.handler.SetParam(data.Name, data.Value); err != nil {
		return NewErrorResponse(err.Error())
	}
	log.Printf("[IPC] Set %s = %v", data.Name, data.Value)
	return mustSuccess(nil)
}

func (s *Server) handleParams() *Response {
	params, err := s.handler.Params()
	if err != nil {
		return NewErrorResponse(err.Error())
	}
	return mustSuccess(&ParamsResponse{Params: params})
}

func (s *Server) handleProfile(req *Request) *Response {
	var data ProfileRequest
	if err := json.Unmarshal(req.Data, &data); err != nil {
		return NewErrorResponse("invalid profile request")
	}
	if err := s.handler.ApplyProfile(data.Name); err != nil {
		return NewErrorResponse(err.Error())
	}
	log.Printf("[IPC] Applied profile %q", data.Name)
	return mustSuccess(nil)
}

func (s *Server) handleDetectors() *Response {
	detectors, err := s.handler.Detectors()
	if err != nil {
		return NewErrorResponse(err.Error())
	}
	return mustSuccess(detectors)
}

func (s *Server) handleReset() *Response {
	if err := s.handler.Reset(); err != nil {
		return NewErrorResponse(err.Error())
	}
	log.Printf("[IPC] Engine reset")
	return mustSuccess(nil)
}

// PushBeat sends a beat event to every subscribed client. Safe to call
// from the analysis loop; a slow client is dropped rather than allowed
// to stall the frame clock.
func (s *Server) PushBeat(event *BeatEvent) {
	s.beatSubsMu.RLock()
	if len(s.beatSubs) == 0 {
		s.beatSubsMu.RUnlock()
		return
	}
	conns := make([]net.Conn, 0, len(s.beatSubs))
	for conn := range s.beatSubs {
		conns = append(conns, conn)
	}
	s.beatSubsMu.RUnlock()

	msg, err := NewPushMessage("beat", event)
	if err != nil {
		log.Printf("[IPC] Failed to encode beat event: %v", err)
		return
	}
	msg = append(msg, '\n')

	for _, conn := range conns {
		if _, err := conn.Write(msg); err != nil {
			s.beatSubsMu.Lock()
			delete(s.beatSubs, conn)
			s.beatSubsMu.Unlock()
		}
	}
}

func (s *Server) sendResponse(conn net.Conn, resp *Response) error {
	data, err := EncodeResponse(resp)
	if err != nil {
		return err
	}
	data = append(data, '\n')
	_, err = conn.Write(data)
	return err
}

func (s *Server) sendError(conn net.Conn, msg string) {
	if err := s.sendResponse(conn, NewErrorResponse(msg)); err != nil {
		log.Printf("[IPC] Failed to send error response: %v", err)
	}
}

func mustSuccess(data interface{}) *Response {
	resp, err := NewSuccessResponse(data)
	if err != nil {
		return NewErrorResponse(fmt.Sprintf("failed to encode response: %v", err))
	}
	return resp
}
