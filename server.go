package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/jmgilman/go/errors"

	"github.com/richardartoul/openqa-logcache/pkg/logcache"
)

// Cmd represents a serve command type.
type Cmd string

const (
	CmdDetails    = Cmd("details")
	CmdLogList    = Cmd("loglist")
	CmdLogData    = Cmd("logdata")
	CmdInvalidate = Cmd("invalidate")
	CmdStats      = Cmd("stats")
	CmdClose      = Cmd("close")
)

var knownCommands = []Cmd{CmdDetails, CmdLogList, CmdLogData, CmdInvalidate, CmdStats, CmdClose}

// Request is one line read from the client.
type Request struct {
	ID       int64
	Command  Cmd
	JobID    int64  `json:",omitempty"`
	Filename string `json:",omitempty"`
	Pattern  string `json:",omitempty"`
}

// Response is one line written back. Data is base64 encoded by encoding/json.
type Response struct {
	ID            int64               `json:",omitempty"`
	Err           string              `json:",omitempty"`
	ErrCode       errors.ErrorCode    `json:",omitempty"`
	KnownCommands []Cmd               `json:",omitempty"`
	Details       logcache.JobDetails `json:",omitempty"`
	Files         []string            `json:",omitempty"`
	Data          []byte              `json:",omitempty"`
	Removed       int                 `json:",omitempty"`
	Entries       int                 `json:",omitempty"`
	TotalSize     int64               `json:",omitempty"`
}

// Server answers JSON-lines requests with a cache manager, one request per
// line, responses in request order.
type Server struct {
	manager *logcache.Manager
	logger  *slog.Logger
	scanner *bufio.Scanner
	writer  *bufio.Writer
}

// NewServer creates a server reading requests from r and writing responses
// to w.
func NewServer(manager *logcache.Manager, r io.Reader, w io.Writer, logger *slog.Logger) *Server {
	scanner := bufio.NewScanner(r)
	const maxScanTokenSize = 1024 * 1024
	buf := make([]byte, 64*1024)
	scanner.Buffer(buf, maxScanTokenSize)

	return &Server{
		manager: manager,
		logger:  logger,
		scanner: scanner,
		writer:  bufio.NewWriter(w),
	}
}

// SendResponse writes a response line and flushes it.
func (s *Server) SendResponse(resp Response) error {
	data, err := json.Marshal(resp)
	if err != nil {
		return fmt.Errorf("failed to marshal response: %w", err)
	}

	if _, err := s.writer.Write(data); err != nil {
		return fmt.Errorf("failed to write response: %w", err)
	}

	if err := s.writer.WriteByte('\n'); err != nil {
		return fmt.Errorf("failed to write newline: %w", err)
	}

	return s.writer.Flush()
}

// SendInitialResponse announces the supported commands.
func (s *Server) SendInitialResponse() error {
	return s.SendResponse(Response{
		ID:            0,
		KnownCommands: knownCommands,
	})
}

// ReadRequest reads the next non-empty request line.
func (s *Server) ReadRequest() (*Request, error) {
	var line string
	for {
		if !s.scanner.Scan() {
			if err := s.scanner.Err(); err != nil {
				return nil, fmt.Errorf("failed to read request: %w", err)
			}
			return nil, io.EOF
		}

		line = s.scanner.Text()
		if strings.TrimSpace(line) != "" {
			break
		}
	}

	var req Request
	if err := json.Unmarshal([]byte(line), &req); err != nil {
		return nil, fmt.Errorf("failed to unmarshal request: %w (line: %q)", err, line)
	}
	return &req, nil
}

// HandleRequest processes a single request and sends a response.
func (s *Server) HandleRequest(ctx context.Context, req *Request) error {
	var resp Response
	resp.ID = req.ID

	var err error
	switch req.Command {
	case CmdDetails:
		resp.Details, err = s.manager.GetDetails(ctx, req.JobID)

	case CmdLogList:
		resp.Files, err = s.manager.GetLogList(ctx, req.JobID, req.Pattern)

	case CmdLogData:
		resp.Data, err = s.manager.GetLogData(ctx, req.JobID, req.Filename)

	case CmdInvalidate:
		resp.Removed, err = s.manager.Invalidate(ctx, req.JobID)

	case CmdStats:
		stats := s.manager.Stats()
		resp.Entries = stats.Entries
		resp.TotalSize = stats.TotalSize

	case CmdClose:
		// Will exit after sending response

	default:
		err = errors.Newf(errors.CodeInvalidInput, "unknown command: %s", req.Command)
	}

	if err != nil {
		s.logger.Debug("request failed", "id", req.ID, "command", req.Command, "error", err)
		resp = Response{
			ID:      req.ID,
			Err:     err.Error(),
			ErrCode: errors.GetCode(err),
		}
	}

	return s.SendResponse(resp)
}

// Run processes requests until EOF, a close command or ctx is done.
func (s *Server) Run(ctx context.Context) error {
	if err := s.SendInitialResponse(); err != nil {
		return fmt.Errorf("failed to send initial response: %w", err)
	}

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		req, err := s.ReadRequest()
		if err == io.EOF {
			break
		}
		if err != nil {
			return fmt.Errorf("failed to read request: %w", err)
		}

		if err := s.HandleRequest(ctx, req); err != nil {
			return fmt.Errorf("failed to handle request: %w", err)
		}

		// Exit after close command
		if req.Command == CmdClose {
			break
		}
	}

	return nil
}
