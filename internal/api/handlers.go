package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/tradeforge/backplane/internal/events"
)

// upgrader upgrades HTTP connections to WebSocket.
var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		// Admin surface; origin enforcement belongs to the fronting proxy.
		return true
	},
}

func (s *Server) handleHealthz(c *gin.Context) {
	dash := s.orch.HealthDashboard()
	code := http.StatusOK
	if dash.Overall == "unhealthy" {
		code = http.StatusServiceUnavailable
	}
	c.JSON(code, gin.H{"status": dash.Overall})
}

func (s *Server) handleDashboard(c *gin.Context) {
	c.JSON(http.StatusOK, s.orch.HealthDashboard())
}

func (s *Server) handleReport(c *gin.Context) {
	window := time.Minute
	if raw := c.Query("window"); raw != "" {
		parsed, err := time.ParseDuration(raw)
		if err != nil || parsed <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid window duration"})
			return
		}
		window = parsed
	}
	c.JSON(http.StatusOK, s.orch.PerformanceReport(window))
}

func (s *Server) handleServices(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"services": s.orch.Services()})
}

func (s *Server) handleAlerts(c *gin.Context) {
	if sev := c.Query("severity"); sev != "" {
		c.JSON(http.StatusOK, gin.H{"alerts": s.alerts.BySeverity(events.Severity(sev))})
		return
	}

	n := 50
	if raw := c.Query("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid limit"})
			return
		}
		n = parsed
	}
	c.JSON(http.StatusOK, gin.H{"alerts": s.alerts.Recent(n)})
}

func (s *Server) handleAckAlert(c *gin.Context) {
	id := c.Param("id")
	if !s.orch.AcknowledgeAlert(id) {
		c.JSON(http.StatusNotFound, gin.H{"error": "alert not found"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"acknowledged": id})
}

// handleEvents streams control-plane events over a WebSocket. Slow
// clients drop events rather than blocking the bus.
func (s *Server) handleEvents(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	stream := make(chan events.Event, 64)
	dispose := s.bus.Subscribe(func(event events.Event) {
		select {
		case stream <- event:
		default:
		}
	})
	defer dispose()

	done := make(chan struct{})
	go func() {
		defer close(done)
		// Drain client frames to notice the close handshake.
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-done:
			return
		case event := <-stream:
			if err := conn.WriteJSON(event); err != nil {
				return
			}
		}
	}
}
