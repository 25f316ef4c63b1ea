// Package web exposes the control-and-status HTTP surface: a small gin
// router serving the Scheduler's current status, accepting priority/exclude
// list updates, and broadcasting status changes to connected UIs over a
// websocket hub. It never drives mining itself; it is a thin read/write
// window onto the Scheduler.
package web

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"twitchdropsfarmer/internal/config"
	"twitchdropsfarmer/internal/scheduler"

	"github.com/gin-contrib/cors"
	"github.com/gin-contrib/static"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

// Server wires the gin router and websocket hub to a Scheduler.
type Server struct {
	scheduler *scheduler.Scheduler
	settings  *config.SettingsStore
	staticDir string

	upgrader websocket.Upgrader

	wsConnections map[*websocket.Conn]bool
	wsBroadcast   chan []byte
	wsRegister    chan *websocket.Conn
	wsUnregister  chan *websocket.Conn

	log *logrus.Entry
}

// NewServer builds a Server and starts its websocket hub goroutine.
func NewServer(sched *scheduler.Scheduler, settings *config.SettingsStore, staticDir string) *Server {
	s := &Server{
		scheduler: sched,
		settings:  settings,
		staticDir: staticDir,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		wsConnections: make(map[*websocket.Conn]bool),
		wsBroadcast:   make(chan []byte),
		wsRegister:    make(chan *websocket.Conn),
		wsUnregister:  make(chan *websocket.Conn),
		log:           logrus.WithField("component", "web"),
	}

	go s.runWebSocketHub()

	return s
}

// Router builds the gin engine. Call once; reuse across the server's life.
func (s *Server) Router() *gin.Engine {
	if gin.Mode() == gin.DebugMode {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(gin.Logger())
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowAllOrigins: true,
		AllowMethods:    []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:    []string{"Content-Type", "Authorization"},
	}))
	router.Use(SecurityMiddleware())

	if s.staticDir != "" {
		router.Use(static.Serve("/", static.LocalFile(s.staticDir, false)))
	}

	router.GET("/status", s.getStatus)
	router.GET("/health", s.getHealth)
	router.POST("/priority", s.postPriority)
	router.POST("/exclude", s.postExclude)
	router.GET("/ws", s.handleWebSocket)

	return router
}

// BroadcastStatus pushes the current Scheduler status to every connected
// websocket client. The caller (the process wiring Scheduler to Server)
// calls this on a ticker; a full channel just drops the update, since the
// next tick will supersede it.
func (s *Server) BroadcastStatus() {
	status := s.scheduler.Status()
	data, err := json.Marshal(map[string]interface{}{
		"type": "status",
		"data": status,
	})
	if err != nil {
		s.log.WithError(err).Error("failed to marshal status")
		return
	}

	select {
	case s.wsBroadcast <- data:
	default:
	}
}

func (s *Server) runWebSocketHub() {
	for {
		select {
		case conn := <-s.wsRegister:
			s.wsConnections[conn] = true
			s.log.Info("websocket client connected")

		case conn := <-s.wsUnregister:
			if _, ok := s.wsConnections[conn]; ok {
				delete(s.wsConnections, conn)
				conn.Close()
				s.log.Info("websocket client disconnected")
			}

		case message := <-s.wsBroadcast:
			for conn := range s.wsConnections {
				select {
				case <-time.After(time.Second):
					delete(s.wsConnections, conn)
					conn.Close()
				default:
					if err := conn.WriteMessage(websocket.TextMessage, message); err != nil {
						delete(s.wsConnections, conn)
						conn.Close()
					}
				}
			}
		}
	}
}

func (s *Server) handleWebSocket(c *gin.Context) {
	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.log.WithError(err).Error("websocket upgrade failed")
		return
	}

	s.wsRegister <- conn

	go func() {
		defer func() { s.wsUnregister <- conn }()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
					s.log.WithError(err).Warn("websocket read error")
				}
				return
			}
		}
	}()

	s.BroadcastStatus()
}

// Shutdown closes every open websocket connection. Call after the HTTP
// server's own graceful shutdown has stopped accepting new ones.
func (s *Server) Shutdown(ctx context.Context) {
	for conn := range s.wsConnections {
		conn.Close()
	}
}
