// Package mcp serves steward reports and learning controls as MCP tools
// over stdio.
package mcp

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/sirupsen/logrus"

	"github.com/pario-ai/steward/pkg/logging"
	"github.com/pario-ai/steward/pkg/models"
)

// BudgetReporter produces budget reports without coupling to the Guard.
type BudgetReporter interface {
	GenerateReport(ctx context.Context, projectID string) (models.BudgetReport, error)
}

// UsageSummarizer aggregates recorded usage.
type UsageSummarizer interface {
	Summary(ctx context.Context, projectID string) ([]models.UsageSummary, error)
}

// Learning is the subset of the learning controller exposed as tools.
type Learning interface {
	GetConfig(ctx context.Context, projectID string) (models.AutoLearningConfig, error)
	GetState(ctx context.Context, projectID string) (models.AutoLearningState, error)
	ListEvents(ctx context.Context, projectID string, opts models.LearningQueryOpts) ([]models.LearningEvent, error)
	Run(ctx context.Context, projectID string) (models.RunResult, error)
}

// Server is a minimal MCP server that communicates over stdio using JSON-RPC 2.0.
type Server struct {
	budget   BudgetReporter
	usage    UsageSummarizer
	learning Learning
	version  string
	log      *logrus.Entry
}

// New creates a new MCP Server.
func New(b BudgetReporter, u UsageSummarizer, l Learning, version string) *Server {
	return &Server{
		budget:   b,
		usage:    u,
		learning: l,
		version:  version,
		log:      logging.ForComponent("mcp"),
	}
}

// Run reads JSON-RPC requests from r line-by-line and writes responses to w.
// It blocks until r is closed or ctx is cancelled.
func (s *Server) Run(ctx context.Context, r io.Reader, w io.Writer) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 1024*1024), 1024*1024)

	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return err
		}

		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var req Request
		if err := json.Unmarshal(line, &req); err != nil {
			s.writeResponse(w, errorResponse(nil, CodeParseError, "parse error"))
			continue
		}
		if req.JSONRPC != "2.0" {
			s.writeResponse(w, errorResponse(req.ID, CodeInvalidRequest, "jsonrpc must be \"2.0\""))
			continue
		}

		// Notifications get no response.
		if resp := s.dispatch(ctx, &req); resp != nil {
			s.writeResponse(w, resp)
		}
	}
	return scanner.Err()
}

func (s *Server) dispatch(ctx context.Context, req *Request) *Response {
	switch req.Method {
	case "initialize":
		return resultResponse(req.ID, InitializeResult{
			ProtocolVersion: ProtocolVersion,
			ServerInfo:      ServerInfo{Name: "steward", Version: s.version},
			Capabilities:    map[string]any{"tools": map[string]any{}},
		})
	case "notifications/initialized":
		return nil
	case "ping":
		return resultResponse(req.ID, map[string]any{})
	case "tools/list":
		return resultResponse(req.ID, ToolsListResult{Tools: allTools})
	case "tools/call":
		return s.handleToolsCall(ctx, req)
	default:
		return errorResponse(req.ID, CodeMethodNotFound, fmt.Sprintf("unknown method: %s", req.Method))
	}
}

func (s *Server) handleToolsCall(ctx context.Context, req *Request) *Response {
	var params ToolCallParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return errorResponse(req.ID, CodeInvalidParams, "invalid params")
	}

	handler, ok := toolHandlers[params.Name]
	if !ok {
		return resultResponse(req.ID, errorResult(fmt.Sprintf("unknown tool: %s", params.Name)))
	}
	s.log.WithField("tool", params.Name).Debug("tool call")
	return resultResponse(req.ID, handler(ctx, s, params.Arguments))
}

func (s *Server) writeResponse(w io.Writer, resp *Response) {
	data, err := json.Marshal(resp)
	if err != nil {
		s.log.WithError(err).Error("marshal response")
		return
	}
	data = append(data, '\n')
	if _, err := w.Write(data); err != nil {
		s.log.WithError(err).Error("write response")
	}
}
