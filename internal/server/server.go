package server

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"os"

	"github.com/optimark/omr-engine/internal/imaging"
	"github.com/optimark/omr-engine/internal/jobs"
	"github.com/optimark/omr-engine/internal/layout"
	"github.com/optimark/omr-engine/internal/pipeline"
	"github.com/optimark/omr-engine/internal/store"
)

// Name and Version are reported to clients during the handshake.
const (
	Name    = "omr-mcp"
	Version = "0.3.0"
)

// Server handles MCP protocol communication
type Server struct {
	templates *layout.Registry
	jobs      *jobs.Service
	engine    *pipeline.Engine
	source    jobs.Source
	wallet    Wallet
	cache     *imaging.ImageCache
	logger    *log.Logger
}

// Wallet is the token ledger scan jobs are charged against.
type Wallet interface {
	Credit(ctx context.Context, reference string, tokens int64) error
	Balance(ctx context.Context) (int64, error)
	Ledger(ctx context.Context) ([]store.LedgerEntry, error)
}

// Config holds the collaborators a Server exposes as tools.
type Config struct {
	Templates *layout.Registry
	Jobs      *jobs.Service
	Engine    *pipeline.Engine
	// Source resolves job source keys for review crops and overlays.
	Source jobs.Source
	// Wallet is optional; without it omr_wallet fails.
	Wallet Wallet
	Logger *log.Logger
}

// MCPRequest represents an incoming JSON-RPC request
type MCPRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      interface{}     `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// MCPResponse represents an outgoing JSON-RPC response
type MCPResponse struct {
	JSONRPC string      `json:"jsonrpc"`
	ID      interface{} `json:"id"`
	Result  interface{} `json:"result,omitempty"`
	Error   *MCPError   `json:"error,omitempty"`
}

// MCPError represents a JSON-RPC error
type MCPError struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

// New creates a new MCP server instance
func New(cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = log.Default()
	}
	return &Server{
		templates: cfg.Templates,
		jobs:      cfg.Jobs,
		engine:    cfg.Engine,
		source:    cfg.Source,
		wallet:    cfg.Wallet,
		cache:     imaging.NewImageCache(),
		logger:    logger,
	}
}

// Run serves requests from stdin, writing responses to stdout, until stdin
// closes.
func (s *Server) Run(ctx context.Context) error {
	return s.Serve(ctx, os.Stdin, os.Stdout)
}

// Serve reads one JSON-RPC request per line from r and writes responses to w.
func (s *Server) Serve(ctx context.Context, r io.Reader, w io.Writer) error {
	scanner := bufio.NewScanner(r)
	// Exam registrations with 100-question keys for four sets run long.
	buf := make([]byte, 0, 64*1024)
	scanner.Buffer(buf, 4*1024*1024)

	encoder := json.NewEncoder(w)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var req MCPRequest
		if err := json.Unmarshal(line, &req); err != nil {
			s.logger.Printf("failed to parse request: %v", err)
			if err := encoder.Encode(s.errorResponse(nil, -32700, "Parse error", err.Error())); err != nil {
				s.logger.Printf("failed to encode response: %v", err)
			}
			continue
		}

		resp := s.handleRequest(ctx, &req)
		if resp != nil {
			if err := encoder.Encode(resp); err != nil {
				s.logger.Printf("failed to encode response: %v", err)
			}
		}
	}

	if err := scanner.Err(); err != nil {
		return fmt.Errorf("scanner error: %w", err)
	}

	return nil
}

// handleRequest routes requests to appropriate handlers
func (s *Server) handleRequest(ctx context.Context, req *MCPRequest) *MCPResponse {
	switch req.Method {
	case "initialize":
		return s.handleInitialize(req)
	case "notifications/initialized":
		// Client acknowledgment, no response needed
		return nil
	case "tools/list":
		return s.handleToolsList(req)
	case "tools/call":
		return s.handleToolsCall(ctx, req)
	case "ping":
		return &MCPResponse{
			JSONRPC: "2.0",
			ID:      req.ID,
			Result:  map[string]interface{}{},
		}
	default:
		return &MCPResponse{
			JSONRPC: "2.0",
			ID:      req.ID,
			Error: &MCPError{
				Code:    -32601,
				Message: fmt.Sprintf("Method not found: %s", req.Method),
			},
		}
	}
}

// handleInitialize responds to the initialize request
func (s *Server) handleInitialize(req *MCPRequest) *MCPResponse {
	return &MCPResponse{
		JSONRPC: "2.0",
		ID:      req.ID,
		Result: map[string]interface{}{
			"protocolVersion": "2024-11-05",
			"capabilities": map[string]interface{}{
				"tools": map[string]interface{}{},
			},
			"serverInfo": map[string]interface{}{
				"name":    Name,
				"version": Version,
			},
		},
	}
}
