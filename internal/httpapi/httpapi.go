// Package httpapi exposes tunnel creation and teardown over HTTP.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/benmeehan/iot-tunnel/internal/models"
	"github.com/benmeehan/iot-tunnel/internal/orchestrator"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
)

// Tunnels creates and removes device tunnels.
type Tunnels interface {
	Create(ctx context.Context, req models.TunnelRequest) (*orchestrator.Tunnel, error)
	Delete(ctx context.Context, deviceID string) error
}

// DeviceStatuses reports the last known state of devices. May be nil.
type DeviceStatuses interface {
	Status(deviceID string) (models.DeviceStatus, bool)
}

// CreateResponse is the body of a successful create.
type CreateResponse struct {
	Message         string             `json:"message"`
	Address         string             `json:"address"`
	BridgeType      models.BackendKind `json:"bridgeType"`
	ServiceProtocol string             `json:"serviceProtocol,omitempty"`
	ServicePort     string             `json:"servicePort,omitempty"`
}

type apiServer struct {
	tunnels Tunnels
	devices DeviceStatuses
}

// New constructs the HTTP API router.
func New(logger zerolog.Logger, tunnels Tunnels, devices DeviceStatuses) http.Handler {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(requestLogger(logger))

	api := &apiServer{tunnels: tunnels, devices: devices}

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	routes := r.Group("/api")
	{
		routes.POST("/connection", api.createConnection)
		routes.DELETE("/connection", api.deleteConnection)
		routes.GET("/devices/:deviceId", api.getDevice)
	}

	return r
}

// requestLogger adapts zerolog to Gin's middleware interface.
func requestLogger(logger zerolog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		var event *zerolog.Event
		if len(c.Errors) > 0 {
			event = logger.Error().Str("error", c.Errors.String())
		} else {
			event = logger.Info()
		}
		event.
			Str("method", c.Request.Method).
			Str("path", c.Request.URL.Path).
			Int("status", c.Writer.Status()).
			Dur("latency", time.Since(start)).
			Str("client_ip", c.ClientIP()).
			Msg("http request")
	}
}

// bindTunnelRequest decodes the request body. An empty body decodes to a zero
// request so the missing device id is reported as such.
func bindTunnelRequest(c *gin.Context) (models.TunnelRequest, bool) {
	var req models.TunnelRequest
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body: " + err.Error()})
		return req, false
	}
	return req, true
}

func (api *apiServer) createConnection(c *gin.Context) {
	req, ok := bindTunnelRequest(c)
	if !ok {
		return
	}

	tunnel, err := api.tunnels.Create(c.Request.Context(), req)
	if err != nil {
		api.writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, CreateResponse{
		Message:         tunnel.Message,
		Address:         tunnel.Address,
		BridgeType:      tunnel.Backend,
		ServiceProtocol: tunnel.ServiceProtocol,
		ServicePort:     tunnel.ServicePort,
	})
}

func (api *apiServer) deleteConnection(c *gin.Context) {
	req, ok := bindTunnelRequest(c)
	if !ok {
		return
	}

	if err := api.tunnels.Delete(c.Request.Context(), req.DeviceID); err != nil {
		api.writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (api *apiServer) getDevice(c *gin.Context) {
	if api.devices == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "device presence is disabled"})
		return
	}
	status, ok := api.devices.Status(c.Param("deviceId"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "device not found"})
		return
	}
	c.JSON(http.StatusOK, status)
}

// writeError translates an orchestrator error. A device rejection is returned
// with the device's own status and payload.
func (api *apiServer) writeError(c *gin.Context, err error) {
	_ = c.Error(err)
	status := orchestrator.HTTPStatus(err)

	var rejection *orchestrator.RemoteRejection
	if errors.As(err, &rejection) && status == rejection.Status {
		if json.Valid(rejection.Payload) {
			c.Data(status, "application/json; charset=utf-8", rejection.Payload)
		} else {
			c.Data(status, "text/plain; charset=utf-8", rejection.Payload)
		}
		return
	}
	c.JSON(status, gin.H{"error": err.Error()})
}
