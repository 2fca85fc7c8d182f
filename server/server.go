// Package server exposes the local status, metrics and room membership API.
package server

import (
	"fmt"

	"github.com/TFMV/hearthcall/call"
	"github.com/TFMV/hearthcall/common"
	"github.com/TFMV/hearthcall/metrics"
	"github.com/TFMV/hearthcall/retry"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

// DefaultPort is used when api.port is not configured
const DefaultPort = 8080

// SessionSource reports the current call session
type SessionSource interface {
	Session() (call.SessionInfo, bool)
}

// RetrySource reports the signaling reconnect state
type RetrySource interface {
	RetryState() retry.State
}

// Server is the fiber app serving /status, /metrics and /api/rooms
type Server struct {
	logger  *zap.Logger
	app     *fiber.App
	rooms   *RoomStore
	session SessionSource
	retry   RetrySource
}

// New builds the API. session and retry may be nil when no call runs in
// this process.
func New(logger *zap.Logger, rooms *RoomStore, session SessionSource, retry RetrySource) *Server {
	metrics.Register()
	if rooms == nil {
		rooms = NewRoomStore()
	}

	s := &Server{
		logger:  logger,
		app:     fiber.New(fiber.Config{DisableStartupMessage: true}),
		rooms:   rooms,
		session: session,
		retry:   retry,
	}

	s.app.Get("/status", s.handleStatus)
	s.app.Get("/metrics", adaptor.HTTPHandler(promhttp.Handler()))

	api := s.app.Group("/api")
	api.Get("/rooms/:id", s.handleGetRoom)
	api.Post("/rooms/:id/participants", s.handleJoin)
	api.Delete("/rooms/:id/participants/:userId", s.handleLeave)
	return s
}

// App returns the underlying fiber app
func (s *Server) App() *fiber.App {
	return s.app
}

// Rooms returns the room store
func (s *Server) Rooms() *RoomStore {
	return s.rooms
}

// Listen serves on port until Shutdown
func (s *Server) Listen(port int) error {
	s.logger.Info("Starting hearthcall API server", zap.Int("port", port))
	return s.app.Listen(fmt.Sprintf(":%d", port))
}

// Shutdown stops the server
func (s *Server) Shutdown() error {
	return s.app.Shutdown()
}

// StartAPIServer serves s on the configured api.port
func StartAPIServer(logger *zap.Logger, s *Server) error {
	port := viper.GetInt("api.port")
	if port == 0 {
		port = DefaultPort
	}

	if err := s.Listen(port); err != nil {
		logger.Error("Failed to start API server", zap.Error(err))
		return err
	}
	return nil
}

func (s *Server) handleStatus(c *fiber.Ctx) error {
	resp := fiber.Map{"status": "running"}
	if s.session != nil {
		if info, ok := s.session.Session(); ok {
			resp["session"] = info
		}
	}
	if s.retry != nil {
		resp["signaling"] = s.retry.RetryState()
	}
	return c.JSON(resp)
}

func (s *Server) handleGetRoom(c *fiber.Ctx) error {
	roomID := common.ID(c.Params("id"))
	resp, ok := s.rooms.Get(roomID)
	if !ok {
		return fiber.NewError(fiber.StatusNotFound, "room not found")
	}
	return c.JSON(resp)
}

func (s *Server) handleJoin(c *fiber.Ctx) error {
	roomID := common.ID(c.Params("id"))

	var p common.Participant
	if err := c.BodyParser(&p); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid participant")
	}
	if p.UserID.IsZero() {
		return fiber.NewError(fiber.StatusBadRequest, "user id required")
	}

	resp := s.rooms.Join(roomID, p)
	s.logger.Info("Participant joined",
		zap.String("roomID", roomID.String()),
		zap.String("userID", p.UserID.String()),
		zap.Int("participants", len(resp.Participants)))
	return c.Status(fiber.StatusCreated).JSON(resp)
}

func (s *Server) handleLeave(c *fiber.Ctx) error {
	roomID := common.ID(c.Params("id"))
	userID := common.ID(c.Params("userId"))
	if !s.rooms.Leave(roomID, userID) {
		return fiber.NewError(fiber.StatusNotFound, "participant not found")
	}
	s.logger.Info("Participant left",
		zap.String("roomID", roomID.String()),
		zap.String("userID", userID.String()))
	return c.SendStatus(fiber.StatusNoContent)
}
