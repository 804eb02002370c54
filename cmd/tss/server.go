package main

import (
	"context"
	"crypto/subtle"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	slogecho "github.com/samber/slog-echo"

	"github.com/Stowber/TigrisSecuritySystem/enforcer"
	"github.com/Stowber/TigrisSecuritySystem/enforcer/burststore"
	"github.com/Stowber/TigrisSecuritySystem/models"
)

const cliDefaultSweepInterval = time.Minute

type Server struct {
	engine *enforcer.Engine
	echo   *echo.Echo
	httpd  *http.Server
	logger *slog.Logger
}

type Config struct {
	Bind       string
	AdminToken string
	Logger     *slog.Logger
}

func NewServer(eng *enforcer.Engine, config Config) (*Server, error) {
	logger := config.Logger
	if logger == nil {
		logger = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: slog.LevelInfo,
		}))
	}

	e := echo.New()
	e.HideBanner = true
	e.Use(slogecho.New(logger))
	e.Use(middleware.Recover())
	e.Use(middleware.BodyLimit("1M"))

	srv := &Server{
		engine: eng,
		echo:   e,
		logger: logger,
	}
	srv.httpd = &http.Server{
		Handler:        srv,
		Addr:           config.Bind,
		WriteTimeout:   time.Minute,
		ReadTimeout:    time.Minute,
		MaxHeaderBytes: 1 * (1024 * 1024),
	}

	e.GET("/_health", srv.HandleHealthCheck)

	admin := e.Group("/admin", srv.adminAuth(config.AdminToken))
	admin.GET("/guilds/:guild/audit", srv.HandleListAudit)
	admin.GET("/guilds/:guild/warns/:user", srv.HandleWarnStatus)
	admin.GET("/guilds/:guild/incidents", srv.HandleListIncidents)
	admin.GET("/guilds/:guild/bursts/:actor", srv.HandleBurstCounts)
	admin.GET("/incidents/:id/actions", srv.HandleIncidentActions)
	admin.POST("/incidents/:id/close", srv.HandleCloseIncident)
	admin.POST("/incidents/:id/rollback", srv.HandleRollback)

	return srv, nil
}

func (srv *Server) ServeHTTP(rw http.ResponseWriter, req *http.Request) {
	srv.echo.ServeHTTP(rw, req)
}

// adminAuth gates the privileged routes behind a constant-time bearer token
// check. No token configured means the routes are disabled outright.
func (srv *Server) adminAuth(token string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if token == "" {
				return echo.NewHTTPError(http.StatusForbidden, "admin API disabled")
			}
			auth := c.Request().Header.Get(echo.HeaderAuthorization)
			const prefix = "Bearer "
			if len(auth) <= len(prefix) || auth[:len(prefix)] != prefix {
				return echo.NewHTTPError(http.StatusUnauthorized, "missing bearer token")
			}
			if subtle.ConstantTimeCompare([]byte(auth[len(prefix):]), []byte(token)) != 1 {
				return echo.NewHTTPError(http.StatusUnauthorized, "invalid token")
			}
			return next(c)
		}
	}
}

func (srv *Server) HandleHealthCheck(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

func snowflakeParam(c echo.Context, name string) (models.Snowflake, error) {
	v, err := strconv.ParseUint(c.Param(name), 10, 64)
	if err != nil {
		return 0, echo.NewHTTPError(http.StatusBadRequest, "invalid "+name)
	}
	return models.Snowflake(v), nil
}

func int64Param(c echo.Context, name string) (int64, error) {
	v, err := strconv.ParseInt(c.Param(name), 10, 64)
	if err != nil {
		return 0, echo.NewHTTPError(http.StatusBadRequest, "invalid "+name)
	}
	return v, nil
}

func (srv *Server) HandleListAudit(c echo.Context) error {
	guild, err := snowflakeParam(c, "guild")
	if err != nil {
		return err
	}
	limit, _ := strconv.Atoi(c.QueryParam("limit"))
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	before, _ := strconv.ParseInt(c.QueryParam("before"), 10, 64)
	events, err := srv.engine.ListAudit(c.Request().Context(), guild, limit, before)
	if err != nil {
		return srv.apiError(err)
	}
	return c.JSON(http.StatusOK, events)
}

func (srv *Server) HandleWarnStatus(c echo.Context) error {
	guild, err := snowflakeParam(c, "guild")
	if err != nil {
		return err
	}
	user, err := snowflakeParam(c, "user")
	if err != nil {
		return err
	}
	ctx := c.Request().Context()
	total, err := srv.engine.GetPoints(ctx, guild, user)
	if err != nil {
		return srv.apiError(err)
	}
	cases, err := srv.engine.ListCases(ctx, guild, user, 50, 0)
	if err != nil {
		return srv.apiError(err)
	}
	return c.JSON(http.StatusOK, map[string]any{
		"guild_id": guild.String(),
		"user_id":  user.String(),
		"points":   total,
		"cases":    cases,
	})
}

func (srv *Server) HandleListIncidents(c echo.Context) error {
	guild, err := snowflakeParam(c, "guild")
	if err != nil {
		return err
	}
	incidents, err := srv.engine.ListIncidents(c.Request().Context(), guild, 50)
	if err != nil {
		return srv.apiError(err)
	}
	state, err := srv.engine.State(c.Request().Context(), guild)
	if err != nil {
		return srv.apiError(err)
	}
	return c.JSON(http.StatusOK, map[string]any{
		"state":     state,
		"incidents": incidents,
	})
}

func (srv *Server) HandleBurstCounts(c echo.Context) error {
	guild, err := snowflakeParam(c, "guild")
	if err != nil {
		return err
	}
	actor, err := snowflakeParam(c, "actor")
	if err != nil {
		return err
	}
	kind := c.QueryParam("kind")
	if kind == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "missing kind")
	}
	ctx := c.Request().Context()
	out := map[string]any{
		"guild_id": guild.String(),
		"actor_id": actor.String(),
		"kind":     kind,
	}
	for _, period := range []string{burststore.PeriodMinute, burststore.PeriodHour, burststore.PeriodTotal} {
		count, err := srv.engine.BurstCounts(ctx, guild, actor, kind, period)
		if err != nil {
			return srv.apiError(err)
		}
		out[period] = count
	}
	return c.JSON(http.StatusOK, out)
}

func (srv *Server) HandleIncidentActions(c echo.Context) error {
	id, err := int64Param(c, "id")
	if err != nil {
		return err
	}
	actions, err := srv.engine.IncidentActions(c.Request().Context(), id)
	if err != nil {
		return srv.apiError(err)
	}
	return c.JSON(http.StatusOK, actions)
}

func (srv *Server) HandleCloseIncident(c echo.Context) error {
	id, err := int64Param(c, "id")
	if err != nil {
		return err
	}
	if err := srv.engine.CloseIncident(c.Request().Context(), id, enforcer.System); err != nil {
		return srv.apiError(err)
	}
	adminIncidentCloses.Inc()
	return c.JSON(http.StatusOK, map[string]string{"status": "closed"})
}

func (srv *Server) HandleRollback(c echo.Context) error {
	id, err := int64Param(c, "id")
	if err != nil {
		return err
	}
	directives, err := srv.engine.Rollback(c.Request().Context(), id, enforcer.System)
	if err != nil {
		return srv.apiError(err)
	}
	adminRollbacks.Inc()
	return c.JSON(http.StatusOK, directives)
}

func (srv *Server) apiError(err error) error {
	switch {
	case errors.Is(err, enforcer.ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, "not found")
	case errors.Is(err, enforcer.ErrConflict):
		return echo.NewHTTPError(http.StatusConflict, "conflict")
	default:
		var verr *enforcer.ValidationError
		if errors.As(err, &verr) {
			return echo.NewHTTPError(http.StatusBadRequest, verr.Error())
		}
		srv.logger.Error("admin API internal error", "err", err)
		return echo.NewHTTPError(http.StatusInternalServerError, "internal error")
	}
}

func (srv *Server) RunMetrics(listen string) error {
	http.Handle("/metrics", promhttp.Handler())
	return http.ListenAndServe(listen, nil)
}

func (srv *Server) RunAPI() error {
	srv.logger.Info("starting admin API", "bind", srv.httpd.Addr)
	go func() {
		if err := srv.httpd.ListenAndServe(); err != nil {
			if !errors.Is(err, http.ErrServerClosed) {
				srv.logger.Error("HTTP server shutting down unexpectedly", "err", err)
			}
		}
	}()

	quit := make(chan struct{})
	exitSignals := make(chan os.Signal, 1)
	signal.Notify(exitSignals, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-exitSignals
		srv.logger.Info("received OS exit signal", "signal", sig)
		if err := srv.Shutdown(); err != nil {
			srv.logger.Error("HTTP server shutdown error", "err", err)
		}
		close(quit)
	}()
	<-quit
	return nil
}

func (srv *Server) Shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.httpd.Shutdown(ctx)
}
