package server

import (
	"context"
	"errors"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/bark-labs/bark-notify-hub/internal/barkclient"
	"github.com/bark-labs/bark-notify-hub/internal/config"
	"github.com/bark-labs/bark-notify-hub/internal/delivery"
	"github.com/bark-labs/bark-notify-hub/internal/engine"
	"github.com/bark-labs/bark-notify-hub/internal/logx"
	"github.com/bark-labs/bark-notify-hub/internal/model"
	"github.com/bark-labs/bark-notify-hub/internal/postpone"
	"github.com/bark-labs/bark-notify-hub/internal/service"
	"github.com/bark-labs/bark-notify-hub/internal/session"
	"github.com/bark-labs/bark-notify-hub/internal/storage"
	"github.com/gofiber/fiber/v2"
)

const (
	localUserID  = "userId"
	localIsAdmin = "admin"
)

// Pinger reports upstream push server health.
type Pinger interface {
	Ping(ctx context.Context) (*barkclient.CommonResponse[map[string]any], error)
}

// Deps are the collaborators the HTTP layer calls into.
type Deps struct {
	Engine    *engine.Engine
	Store     storage.Store
	Devices   *service.DeviceService
	Logs      *service.DeliveryLogService
	Auth      *service.AuthService
	Sessions  *session.Registry
	Bark      Pinger
	Log       logx.Logger
	KeepAlive time.Duration
	// DefaultSnoozeMinutes applies when a snooze-minutes request omits minutes.
	DefaultSnoozeMinutes int
}

// Server wires HTTP handlers.
type Server struct {
	app       *fiber.App
	cfg       *config.Config
	engine    *engine.Engine
	store     storage.Store
	deviceSvc *service.DeviceService
	logSvc    *service.DeliveryLogService
	authSvc   *service.AuthService
	sessions  *session.Registry
	bark      Pinger
	log       logx.Logger
	keepAlive time.Duration
	done      chan struct{}

	defaultSnooze int
}

// New builds a server instance.
func New(cfg *config.Config, deps Deps) *Server {
	app := fiber.New(fiber.Config{
		IdleTimeout:  cfg.HTTP.ReadTimeout,
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
		AppName:      "bark-notify-hub",
		// handler values reach the engine and long-lived event streams
		Immutable: true,
	})
	if deps.KeepAlive <= 0 {
		deps.KeepAlive = 25 * time.Second
	}
	s := &Server{
		app:       app,
		cfg:       cfg,
		engine:    deps.Engine,
		store:     deps.Store,
		deviceSvc: deps.Devices,
		logSvc:    deps.Logs,
		authSvc:   deps.Auth,
		sessions:  deps.Sessions,
		bark:      deps.Bark,
		log:       deps.Log.With(logx.String("component", "http")),
		keepAlive: deps.KeepAlive,
		done:      make(chan struct{}),

		defaultSnooze: deps.DefaultSnoozeMinutes,
	}
	s.registerRoutes()
	return s
}

// App exposes the fiber app, mainly for tests.
func (s *Server) App() *fiber.App { return s.app }

// Start listens and serves HTTP traffic.
func (s *Server) Start() error {
	return s.app.Listen(s.cfg.HTTP.Addr)
}

// Shutdown ends open event streams and gracefully stops the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	select {
	case <-s.done:
	default:
		close(s.done)
	}
	return s.app.ShutdownWithContext(ctx)
}

func (s *Server) registerRoutes() {
	s.app.Get("/healthz", s.handleHealth)

	s.app.Post("/auth/login", s.handleLogin)
	s.app.Get("/auth/profile", s.handleProfile)

	api := s.app.Group("/api", s.requireAuth)
	api.Get("/status", s.handleStatus)
	api.Post("/auth/token", s.requireAdmin, s.handleIssueToken)

	api.Post("/buckets", s.handleCreateBucket)
	api.Post("/buckets/:bucketId/permissions", s.handleGrantPermission)

	api.Post("/messages", s.handleCreateMessage)

	api.Get("/notifications", s.handleListNotifications)
	api.Post("/notifications/delete", s.handleDeleteNotifications)
	api.Get("/notifications/:id", s.handleGetNotification)
	api.Delete("/notifications/:id", s.handleDeleteNotification)
	api.Post("/notifications/:id/received", s.handleAck(model.AckReceived))
	api.Post("/notifications/:id/read", s.handleAck(model.AckRead))
	api.Post("/notifications/:id/postpone", s.handlePostpone)
	api.Get("/notifications/:id/postpones", s.handleListPostpones)
	api.Delete("/postpones/:id", s.handleCancelPostpone)

	snooze := api.Group("/buckets/:bucketId/users/:userId")
	snooze.Post("/subscribe", s.requireSelf, s.handleSubscribe)
	snooze.Get("/snooze", s.requireSelf, s.handleMuteStatus)
	snooze.Post("/snooze", s.requireSelf, s.handleSetSnooze)
	snooze.Post("/snooze-minutes", s.requireSelf, s.handleSetSnoozeMinutes)
	snooze.Get("/snoozes", s.requireSelf, s.handleGetSnoozes)
	snooze.Put("/snoozes", s.requireSelf, s.handleUpdateSnoozes)

	api.Get("/devices", s.handleListDevices)
	api.Post("/devices", s.handleRegisterDevice)
	api.Post("/devices/:id/status", s.handleDeviceStatus)
	api.Delete("/devices/:id", s.handleUnregisterDevice)

	logGroup := api.Group("/delivery/log", s.requireAdmin)
	logGroup.Get("/list", s.handleLogList)
	logGroup.Get("/count/date", s.handleLogCountDate)
	logGroup.Get("/count/status", s.handleLogCountStatus)
	logGroup.Get("/count/bucket", s.handleLogCountBucket)
	logGroup.Get("/count/device", s.handleLogCountDevice)

	api.Get("/events", s.handleEvents)

	s.serveFrontend()
}

func (s *Server) handleHealth(c *fiber.Ctx) error {
	resp := fiber.Map{"status": "ok"}
	if s.bark != nil {
		ctx, cancel := context.WithTimeout(c.UserContext(), 3*time.Second)
		defer cancel()
		if _, err := s.bark.Ping(ctx); err != nil {
			resp["bark"] = fiber.Map{"status": "degraded", "error": err.Error()}
		} else {
			resp["bark"] = fiber.Map{"status": "up"}
		}
	}
	return c.Status(http.StatusOK).JSON(resp)
}

func (s *Server) handleLogin(c *fiber.Ctx) error {
	var req struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := c.BodyParser(&req); err != nil {
		return s.fail(c, http.StatusBadRequest, model.InvalidCode, "malformed request body")
	}
	if s.authSvc == nil || !s.authSvc.Enabled() {
		return c.JSON(model.Success("auth disabled", fiber.Map{
			"token":    "",
			"enabled":  false,
			"username": "guest",
		}))
	}
	token, err := s.authSvc.Authenticate(req.Username, req.Password)
	if err != nil {
		return s.fail(c, http.StatusUnauthorized, model.UnauthorizedCode, err.Error())
	}
	return c.JSON(model.Success("login ok", fiber.Map{
		"token":    token,
		"enabled":  true,
		"username": s.authSvc.Username(),
	}))
}

func (s *Server) handleProfile(c *fiber.Ctx) error {
	if s.authSvc == nil || !s.authSvc.Enabled() {
		return c.JSON(model.Success("ok", fiber.Map{
			"enabled":  false,
			"username": "guest",
		}))
	}
	claims, err := s.claims(c)
	if err != nil {
		return s.fail(c, http.StatusUnauthorized, model.UnauthorizedCode, err.Error())
	}
	return c.JSON(model.Success("ok", fiber.Map{
		"enabled":  true,
		"username": claims.Username,
		"admin":    claims.Admin,
	}))
}

func (s *Server) handleIssueToken(c *fiber.Ctx) error {
	var req struct {
		UserID string `json:"userId"`
	}
	if err := c.BodyParser(&req); err != nil || strings.TrimSpace(req.UserID) == "" {
		return s.fail(c, http.StatusBadRequest, model.InvalidCode, "userId is required")
	}
	token, err := s.authSvc.Issue(strings.TrimSpace(req.UserID), false)
	if err != nil {
		return s.reply(c, err)
	}
	return c.JSON(model.Success("ok", fiber.Map{"token": token, "userId": req.UserID}))
}

func (s *Server) handleStatus(c *fiber.Ctx) error {
	devices, err := s.deviceSvc.List(c.UserContext(), "")
	if err != nil {
		return s.reply(c, err)
	}
	active := 0
	for _, d := range devices {
		if d.Active() {
			active++
		}
	}
	states, pending := s.engine.Stats()
	counts := make(map[string]int, len(states))
	for st, n := range states {
		counts[string(st)] = n
	}
	return c.JSON(model.Success("ok", model.StatusRes{
		Status:          "up",
		ActiveDeviceNum: active,
		AllDeviceNum:    len(devices),
		Notifications:   counts,
		PendingPostpone: pending,
	}))
}

func (s *Server) serveFrontend() {
	dir := strings.TrimSpace(s.cfg.Frontend.Dir)
	if dir == "" {
		return
	}
	info, err := os.Stat(dir)
	if err != nil || !info.IsDir() {
		return
	}
	s.app.Static("/", dir, fiber.Static{
		Index:    "index.html",
		Compress: true,
	})
}

func (s *Server) requireAuth(c *fiber.Ctx) error {
	if s.authSvc == nil || !s.authSvc.Enabled() {
		c.Locals(localUserID, c.Get("X-User-Id", "admin"))
		c.Locals(localIsAdmin, true)
		return c.Next()
	}
	claims, err := s.claims(c)
	if err != nil {
		return s.fail(c, http.StatusUnauthorized, model.UnauthorizedCode, err.Error())
	}
	c.Locals(localUserID, claims.UserID())
	c.Locals(localIsAdmin, claims.Admin)
	return c.Next()
}

func (s *Server) requireAdmin(c *fiber.Ctx) error {
	if !isAdmin(c) {
		return s.fail(c, http.StatusForbidden, model.ForbiddenCode, "admin only")
	}
	return c.Next()
}

// requireSelf guards routes addressing another user by :userId.
func (s *Server) requireSelf(c *fiber.Ctx) error {
	if !isAdmin(c) && c.Params("userId") != callerID(c) {
		return s.fail(c, http.StatusForbidden, model.ForbiddenCode, "cannot act for another user")
	}
	return c.Next()
}

func (s *Server) claims(c *fiber.Ctx) (*service.Claims, error) {
	token := extractBearerToken(c.Get("Authorization"))
	if token == "" {
		// EventSource cannot set headers.
		token = c.Query("token")
	}
	if token == "" {
		return nil, errors.New("not logged in")
	}
	claims, err := s.authSvc.Validate(token)
	if err != nil {
		return nil, errors.New("session expired")
	}
	return claims, nil
}

func callerID(c *fiber.Ctx) string {
	id, _ := c.Locals(localUserID).(string)
	return id
}

func isAdmin(c *fiber.Ctx) bool {
	admin, _ := c.Locals(localIsAdmin).(bool)
	return admin
}

// targetUser is the user a listing acts for; admins may pick any.
func targetUser(c *fiber.Ctx) string {
	if isAdmin(c) {
		return c.Query("userId")
	}
	return callerID(c)
}

func extractBearerToken(header string) string {
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}

func (s *Server) fail(c *fiber.Ctx, status int, code, message string) error {
	return c.Status(status).JSON(model.ErrorWithCode(code, message))
}

// reply maps a domain error onto an HTTP status and envelope code.
func (s *Server) reply(c *fiber.Ctx, err error) error {
	switch {
	case errors.Is(err, storage.ErrNotFound):
		return s.fail(c, http.StatusNotFound, model.NotFoundCode, err.Error())
	case errors.Is(err, engine.ErrInvalidArgument),
		errors.Is(err, postpone.ErrInvalidDelay),
		errors.Is(err, service.ErrInvalidDevice):
		return s.fail(c, http.StatusBadRequest, model.InvalidCode, err.Error())
	case errors.Is(err, engine.ErrForbidden):
		return s.fail(c, http.StatusForbidden, model.ForbiddenCode, err.Error())
	case errors.Is(err, delivery.ErrInvalidTransition):
		return s.fail(c, http.StatusConflict, model.ConflictCode, err.Error())
	}
	s.log.Error("request failed", logx.String("path", c.Path()), logx.Err(err))
	return s.fail(c, http.StatusInternalServerError, model.ErrorCode, err.Error())
}
