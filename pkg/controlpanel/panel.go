// Package controlpanel serves the operator HTTP API: start and end calls,
// inspect their script state and type in utterances.
package controlpanel

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/harunnryd/callscript/pkg/callscript"
	"github.com/harunnryd/callscript/pkg/logging"
	"github.com/harunnryd/callscript/pkg/pipeline"
)

// Engine is the part of callscript.Engine the panel drives.
type Engine interface {
	Script() callscript.ScriptInfo
	StartConversation(ctx context.Context, req callscript.StartRequest) (callscript.StartResult, error)
	Conversations() []callscript.CallSnapshot
	Conversation(id string) (callscript.CallSnapshot, error)
	Inject(id, text string) error
	Say(id, text string) error
	EndConversation(ctx context.Context, id string) error
}

type Panel struct {
	engine  Engine
	logger  *slog.Logger
	timeout time.Duration
}

func New(engine Engine, logger *slog.Logger) *Panel {
	if logger == nil {
		logger = slog.Default()
	}
	return &Panel{
		engine:  engine,
		logger:  logging.NewComponentLogger(logger, "controlpanel"),
		timeout: 15 * time.Second,
	}
}

type utteranceRequest struct {
	Text string `json:"text"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func (p *Panel) Register(e *echo.Echo) {
	e.GET("/healthz", func(c echo.Context) error { return c.String(http.StatusOK, "ok") })
	g := e.Group("/api")
	g.GET("/script", p.script)
	g.GET("/conversations", p.list)
	g.POST("/conversations", p.start)
	g.GET("/conversations/:id", p.get)
	g.DELETE("/conversations/:id", p.end)
	g.POST("/conversations/:id/utterances", p.inject)
	g.POST("/conversations/:id/say", p.say)
}

func (p *Panel) script(c echo.Context) error {
	return c.JSON(http.StatusOK, p.engine.Script())
}

func (p *Panel) list(c echo.Context) error {
	return c.JSON(http.StatusOK, p.engine.Conversations())
}

func (p *Panel) start(c echo.Context) error {
	var req callscript.StartRequest
	if c.Request().ContentLength != 0 {
		if err := c.Bind(&req); err != nil {
			return c.JSON(http.StatusBadRequest, errorResponse{Error: "invalid body"})
		}
	}
	ctx, cancel := context.WithTimeout(c.Request().Context(), p.timeout)
	defer cancel()
	res, err := p.engine.StartConversation(ctx, req)
	if err != nil {
		return p.fail(c, "start_conversation", "", err)
	}
	p.logger.Info("conversation_requested", "id", res.ID, "call_sid", res.CallSID, "transport", res.Transport)
	return c.JSON(http.StatusCreated, res)
}

func (p *Panel) get(c echo.Context) error {
	snap, err := p.engine.Conversation(c.Param("id"))
	if err != nil {
		return p.fail(c, "get_conversation", c.Param("id"), err)
	}
	return c.JSON(http.StatusOK, snap)
}

func (p *Panel) end(c echo.Context) error {
	id := c.Param("id")
	ctx, cancel := context.WithTimeout(c.Request().Context(), p.timeout)
	defer cancel()
	if err := p.engine.EndConversation(ctx, id); err != nil {
		return p.fail(c, "end_conversation", id, err)
	}
	return c.NoContent(http.StatusAccepted)
}

func (p *Panel) inject(c echo.Context) error {
	return p.withText(c, "inject_utterance", p.engine.Inject)
}

func (p *Panel) say(c echo.Context) error {
	return p.withText(c, "operator_say", p.engine.Say)
}

func (p *Panel) withText(c echo.Context, op string, fn func(id, text string) error) error {
	id := c.Param("id")
	var req utteranceRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, errorResponse{Error: "invalid body"})
	}
	if strings.TrimSpace(req.Text) == "" {
		return c.JSON(http.StatusBadRequest, errorResponse{Error: "text is required"})
	}
	if err := fn(id, req.Text); err != nil {
		return p.fail(c, op, id, err)
	}
	return c.NoContent(http.StatusAccepted)
}

func (p *Panel) fail(c echo.Context, op, id string, err error) error {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, callscript.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, callscript.ErrInvalid):
		status = http.StatusBadRequest
	case errors.Is(err, callscript.ErrUnsupported):
		status = http.StatusNotImplemented
	case errors.Is(err, pipeline.ErrDraining):
		status = http.StatusServiceUnavailable
	}
	if status == http.StatusInternalServerError {
		p.logger.Error("panel_request_failed", "op", op, "id", id, "error", err)
	}
	return c.JSON(status, errorResponse{Error: err.Error()})
}
