// ABOUTME: echo HTTP surface of the central server: ingestion, dispatch, and query routes
// ABOUTME: Maps fleet error classes to 4xx/5xx JSON bodies and never lets a panic escape

package server

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/Davery92/sara-jarvis/internal/bus"
	"github.com/Davery92/sara-jarvis/internal/events"
	"github.com/Davery92/sara-jarvis/internal/fleet"
)

// maxCommandWait caps the ?wait= parameter on command lookups.
const maxCommandWait = 60 * time.Second

// API serves the fleet HTTP routes.
type API struct {
	service     *fleet.Service
	broadcaster *events.Broadcaster
	upgrader    websocket.Upgrader
	startedAt   time.Time
	logger      *slog.Logger
	echo        *echo.Echo
}

// NewAPI builds the echo instance with every route registered.
func NewAPI(service *fleet.Service, broadcaster *events.Broadcaster, logger *slog.Logger) *API {
	a := &API{
		service:     service,
		broadcaster: broadcaster,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		startedAt: time.Now(),
		logger:    logger.With("component", "api"),
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = a.handleError

	// Routes are registered with a trailing slash; requests without one are
	// rewritten rather than redirected.
	e.Pre(middleware.AddTrailingSlash())
	e.Use(middleware.Recover())
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogMethod:  true,
		LogURI:     true,
		LogStatus:  true,
		LogLatency: true,
		LogError:   true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			a.logger.Debug("http request",
				"method", v.Method,
				"uri", v.URI,
				"status", v.Status,
				"latency", v.Latency,
			)
			return nil
		},
	}))

	a.RegisterRoutes(e)
	a.echo = e
	return a
}

// RegisterRoutes registers routes with the echo server.
func (a *API) RegisterRoutes(e *echo.Echo) {
	// Ingestion (called by the relay)
	e.POST("/agents/heartbeat/", a.Heartbeat)
	e.POST("/update_device_status/", a.UpdateDeviceStatus)
	e.POST("/agents/:agent_id/command/response/", a.CommandResponse)
	e.POST("/agents/:agent_id/presence/", a.Presence)

	// Operator
	e.POST("/agents/:agent_id/command/", a.DispatchCommand)
	e.GET("/agents/", a.ListAgents)
	e.GET("/devices/", a.ListDevices)
	e.GET("/devices/:agent_id/:device_id/history/", a.DeviceHistory)
	e.GET("/commands/:command_id/", a.GetCommand)

	e.GET("/health/", a.Health)
	e.GET("/events/", a.Events)
}

// Handler returns the http.Handler serving every route.
func (a *API) Handler() http.Handler {
	return a.echo
}

func success(c echo.Context, extra map[string]any) error {
	body := map[string]any{"status": "success"}
	for k, v := range extra {
		body[k] = v
	}
	return c.JSON(http.StatusOK, body)
}

func sendJSONError(c echo.Context, status int, message string) error {
	return c.JSON(status, map[string]string{"status": "error", "message": message})
}

// respondError maps a fleet error to its HTTP status.
func (a *API) respondError(c echo.Context, err error) error {
	switch {
	case errors.Is(err, fleet.ErrValidation):
		return sendJSONError(c, http.StatusBadRequest, err.Error())
	case errors.Is(err, fleet.ErrUnknownCommand):
		return sendJSONError(c, http.StatusNotFound, err.Error())
	case errors.Is(err, bus.ErrTransport):
		a.logger.Error("bus unavailable", "path", c.Path(), "error", err)
		return sendJSONError(c, http.StatusServiceUnavailable, err.Error())
	default:
		a.logger.Error("request failed", "path", c.Path(), "error", err)
		return sendJSONError(c, http.StatusInternalServerError, err.Error())
	}
}

// handleError renders errors returned by handlers and middleware as JSON.
func (a *API) handleError(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}

	var he *echo.HTTPError
	if errors.As(err, &he) {
		msg := http.StatusText(he.Code)
		if m, ok := he.Message.(string); ok {
			msg = m
		}
		_ = sendJSONError(c, he.Code, msg)
		return
	}

	a.logger.Error("unhandled error", "path", c.Path(), "error", err)
	_ = sendJSONError(c, http.StatusInternalServerError, "internal server error")
}

func bindJSON(c echo.Context, v any) error {
	if err := c.Bind(v); err != nil {
		return &fleet.ValidationError{Field: "body", Message: "invalid JSON body"}
	}
	return nil
}

// Heartbeat handles POST /agents/heartbeat/.
func (a *API) Heartbeat(c echo.Context) error {
	var hb bus.Heartbeat
	if err := bindJSON(c, &hb); err != nil {
		return a.respondError(c, err)
	}
	if _, err := a.service.IngestHeartbeat(c.Request().Context(), hb); err != nil {
		return a.respondError(c, err)
	}
	return success(c, nil)
}

// UpdateDeviceStatus handles POST /update_device_status/.
func (a *API) UpdateDeviceStatus(c echo.Context) error {
	var ds bus.DeviceStatus
	if err := bindJSON(c, &ds); err != nil {
		return a.respondError(c, err)
	}
	if _, err := a.service.IngestDeviceStatus(c.Request().Context(), ds); err != nil {
		return a.respondError(c, err)
	}
	return success(c, nil)
}

// DispatchCommand handles POST /agents/:agent_id/command/. The body is the
// command object itself: {"action": ..., ...args}.
func (a *API) DispatchCommand(c echo.Context) error {
	var cmd bus.Command
	if err := bindJSON(c, &cmd); err != nil {
		return a.respondError(c, err)
	}
	rec, err := a.service.DispatchCommand(c.Request().Context(), c.Param("agent_id"), cmd)
	if err != nil {
		return a.respondError(c, err)
	}
	return success(c, map[string]any{"command_id": rec.CommandID})
}

// CommandResponse handles POST /agents/:agent_id/command/response/.
func (a *API) CommandResponse(c echo.Context) error {
	var resp bus.Response
	if err := bindJSON(c, &resp); err != nil {
		return a.respondError(c, err)
	}
	rec, err := a.service.HandleCommandResponse(c.Request().Context(), c.Param("agent_id"), resp)
	if err != nil {
		return a.respondError(c, err)
	}
	if rec == nil {
		return success(c, map[string]any{"matched": false})
	}
	return success(c, map[string]any{"matched": true, "command_id": rec.CommandID})
}

// Presence handles POST /agents/:agent_id/presence/.
func (a *API) Presence(c echo.Context) error {
	var p bus.Presence
	if err := bindJSON(c, &p); err != nil {
		return a.respondError(c, err)
	}
	p.AgentID = c.Param("agent_id")
	if err := a.service.HandlePresence(c.Request().Context(), p); err != nil {
		return a.respondError(c, err)
	}
	return success(c, nil)
}

// ListAgents handles GET /agents/.
func (a *API) ListAgents(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]any{"agents": a.service.Agents()})
}

// ListDevices handles GET /devices/.
func (a *API) ListDevices(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]any{"devices": a.service.Devices()})
}

// DeviceHistory handles GET /devices/:agent_id/:device_id/history/?limit=N.
func (a *API) DeviceHistory(c echo.Context) error {
	limit := 0
	if raw := c.QueryParam("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			return sendJSONError(c, http.StatusBadRequest, "limit must be a non-negative integer")
		}
		limit = n
	}

	history, err := a.service.DeviceHistory(c.Request().Context(), c.Param("agent_id"), c.Param("device_id"), limit)
	if err != nil {
		return a.respondError(c, err)
	}
	return c.JSON(http.StatusOK, map[string]any{"history": history})
}

// GetCommand handles GET /commands/:command_id/?wait=10s.
func (a *API) GetCommand(c echo.Context) error {
	var wait time.Duration
	if raw := c.QueryParam("wait"); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil || d < 0 {
			return sendJSONError(c, http.StatusBadRequest, "wait must be a duration like 10s")
		}
		wait = min(d, maxCommandWait)
	}

	rec, err := a.service.Command(c.Request().Context(), c.Param("command_id"), wait)
	if err != nil {
		return a.respondError(c, err)
	}
	return c.JSON(http.StatusOK, rec)
}

// Health handles GET /health/.
func (a *API) Health(c echo.Context) error {
	agents := a.service.Agents()
	online := 0
	for _, ag := range agents {
		if ag.Online {
			online++
		}
	}
	return c.JSON(http.StatusOK, map[string]any{
		"status":        "healthy",
		"agents":        len(agents),
		"agents_online": online,
		"uptime":        time.Since(a.startedAt).Round(time.Second).String(),
	})
}
