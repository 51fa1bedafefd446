package mcp

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"askhuman/internal/tool"

	"github.com/sourcegraph/conc"
	"github.com/sourcegraph/conc/panics"
)

const maxLineBytes = 4 << 20

// ServerConfig configures the tool server.
type ServerConfig struct {
	Registry *tool.Registry
	Name     string // serverInfo.name, default "askhuman"
	Version  string
	Logger   *slog.Logger
}

// Server answers JSON-RPC requests read one per line. tools/call requests run
// concurrently; every other method is answered in order.
type Server struct {
	registry *tool.Registry
	name     string
	version  string
	logger   *slog.Logger

	writeMu sync.Mutex
	enc     *json.Encoder

	mu       sync.Mutex
	inflight map[string]context.CancelFunc
}

func NewServer(cfg ServerConfig) *Server {
	if cfg.Name == "" {
		cfg.Name = "askhuman"
	}
	if cfg.Version == "" {
		cfg.Version = "dev"
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Server{
		registry: cfg.Registry,
		name:     cfg.Name,
		version:  cfg.Version,
		logger:   cfg.Logger,
		inflight: make(map[string]context.CancelFunc),
	}
}

// Serve reads requests from r and writes responses to w until r is exhausted
// or ctx is done. In-flight calls are waited for before it returns; on ctx
// done they are canceled first.
func (s *Server) Serve(ctx context.Context, r io.Reader, w io.Writer) error {
	s.enc = json.NewEncoder(w)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	lines := make(chan []byte)
	readErr := make(chan error, 1)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(r)
		sc.Buffer(make([]byte, 64*1024), maxLineBytes)
		for sc.Scan() {
			line := append([]byte(nil), sc.Bytes()...)
			select {
			case lines <- line:
			case <-ctx.Done():
				return
			}
		}
		readErr <- sc.Err()
	}()

	var calls conc.WaitGroup
	defer calls.Wait()

	s.logger.Info("tool server started", "tools", s.registry.Names())
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("tool server stopping")
			return nil
		case line, ok := <-lines:
			if !ok {
				var err error
				select {
				case err = <-readErr:
				default:
				}
				if err != nil {
					return fmt.Errorf("read requests: %w", err)
				}
				s.logger.Info("tool server input closed")
				return nil
			}
			if len(line) == 0 {
				continue
			}
			s.handleLine(ctx, line, &calls)
		}
	}
}

func (s *Server) handleLine(ctx context.Context, line []byte, calls *conc.WaitGroup) {
	req, perr := parseRequest(line)
	if perr != nil {
		s.logger.Warn("bad request", "code", perr.Code, "err", perr.Message)
		// A request without a usable id still gets an error with id null,
		// except notifications which get nothing.
		if perr.Code == CodeParseError || req.HasID {
			s.writeError(req.ID, perr)
		}
		return
	}

	switch req.Method {
	case "initialize":
		result, rerr := s.initialize(req.Params)
		s.reply(req, result, rerr)
	case "notifications/initialized":
		s.logger.Debug("client initialized")
	case "notifications/cancelled":
		s.cancelCall(req.Params)
	case "ping":
		s.reply(req, map[string]any{}, nil)
	case "tools/list":
		s.reply(req, map[string]any{"tools": s.registry.Definitions()}, nil)
	case "tools/call":
		if !req.HasID {
			s.logger.Warn("tools/call without id ignored")
			return
		}
		var params callParams
		if rerr := decodeParams(req.Params, &params); rerr != nil {
			s.writeError(req.ID, rerr)
			return
		}
		if params.Name == "" {
			s.writeError(req.ID, newRPCError(CodeInvalidParams, "name is required"))
			return
		}
		key := idKey(req.ID)
		callCtx, cancel := context.WithCancel(ctx)
		s.mu.Lock()
		_, busy := s.inflight[key]
		if !busy {
			s.inflight[key] = cancel
		}
		s.mu.Unlock()
		if busy {
			cancel()
			s.logger.Warn("tools/call id already in flight", "id", key)
			s.writeError(req.ID, newRPCError(CodeInvalidRequest, "request id already in use: "+key))
			return
		}
		calls.Go(func() {
			defer cancel()
			s.call(callCtx, req.ID, key, params)
		})
	default:
		if req.HasID {
			s.writeError(req.ID, newRPCError(CodeMethodNotFound, "method not found: "+req.Method))
		}
	}
}

func (s *Server) initialize(raw json.RawMessage) (any, *rpcError) {
	var params initializeParams
	if rerr := decodeParams(raw, &params); rerr != nil {
		return nil, rerr
	}
	version := params.ProtocolVersion
	if version == "" {
		version = ProtocolVersion
	}
	s.logger.Info("client connected", "protocol", version, "client", params.ClientInfo["name"])
	return map[string]any{
		"protocolVersion": version,
		"capabilities":    map[string]any{"tools": map[string]any{}},
		"serverInfo":      map[string]any{"name": s.name, "version": s.version},
	}, nil
}

func (s *Server) call(ctx context.Context, id any, key string, params callParams) {
	var (
		out string
		err error
	)
	recovered := panics.Try(func() {
		out, err = s.registry.Execute(ctx, params.Name, params.Arguments)
	})

	s.mu.Lock()
	_, live := s.inflight[key]
	delete(s.inflight, key)
	s.mu.Unlock()
	if !live {
		// Canceled by the client; it expects no response.
		s.logger.Info("tool call canceled by client", "tool", params.Name, "id", key)
		return
	}

	switch {
	case recovered != nil:
		s.logger.Error("tool call panicked", "tool", params.Name, "err", recovered.AsError())
		s.writeError(id, newRPCError(CodeInternalError, "internal error"))
	case errors.Is(err, tool.ErrUnknownTool), errors.Is(err, tool.ErrInvalidArgs):
		s.writeError(id, newRPCError(CodeInvalidParams, err.Error()))
	case err != nil:
		s.logger.Warn("tool call failed", "tool", params.Name, "err", err)
		s.writeResult(id, textResult(err.Error(), true))
	default:
		s.writeResult(id, textResult(out, false))
	}
}

func (s *Server) cancelCall(raw json.RawMessage) {
	var params cancelParams
	if rerr := decodeParams(raw, &params); rerr != nil || len(params.RequestID) == 0 {
		return
	}
	id, err := decodeID(params.RequestID)
	if err != nil {
		return
	}
	key := idKey(id)
	s.mu.Lock()
	cancel, ok := s.inflight[key]
	delete(s.inflight, key)
	s.mu.Unlock()
	if ok {
		s.logger.Info("canceling tool call", "id", key, "reason", params.Reason)
		cancel()
	}
}

func (s *Server) reply(req rpcRequest, result any, rerr *rpcError) {
	if !req.HasID {
		return
	}
	if rerr != nil {
		s.writeError(req.ID, rerr)
		return
	}
	s.writeResult(req.ID, result)
}

func (s *Server) writeResult(id any, result any) {
	s.write(rpcResponse{JSONRPC: JSONRPCVersion, ID: id, Result: result})
}

func (s *Server) writeError(id any, rerr *rpcError) {
	s.write(rpcResponse{JSONRPC: JSONRPCVersion, ID: id, Error: rerr})
}

func (s *Server) write(resp rpcResponse) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err := s.enc.Encode(resp); err != nil {
		s.logger.Error("write response failed", "err", err)
	}
}

// idKey distinguishes the string id "1" from the number 1.
func idKey(id any) string {
	if s, ok := id.(string); ok {
		return "s:" + s
	}
	return fmt.Sprintf("n:%v", id)
}
