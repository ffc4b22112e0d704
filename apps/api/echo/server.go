package echoapi

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	ut "github.com/go-playground/universal-translator"
	"github.com/go-playground/validator/v10"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/labstack/gommon/log"

	"github.com/trezcool/shule/core"
	"github.com/trezcool/shule/core/user"
	storagesvc "github.com/trezcool/shule/services/storage"
)

type (
	ServerDeps struct {
		Conf       *core.Config
		Logger     core.Logger
		UserSvc    user.Service
		Signer     *storagesvc.Signer
		Audit      core.AuditSink
		Validate   *validator.Validate
		Translator ut.Translator

		DisableReqLogs bool
	}

	Server interface {
		http.Handler
		Start()
		Errors() <-chan error
		ShutdownSignal() <-chan os.Signal
		Shutdown(context.Context) error
		Close() error
	}

	server struct {
		deps     ServerDeps
		app      *echo.Echo
		errs     chan error
		shutdown chan os.Signal
	}
)

var _ Server = (*server)(nil)

func NewServer(deps ServerDeps) Server {
	s := &server{
		deps:     deps,
		app:      echo.New(),
		errs:     make(chan error, 1),
		shutdown: make(chan os.Signal, 1),
	}
	signal.Notify(s.shutdown, os.Interrupt, syscall.SIGTERM)
	s.setup()
	return s
}

func (s *server) setup() {
	conf := s.deps.Conf

	s.app.Pre(middleware.RemoveTrailingSlash())
	if !s.deps.DisableReqLogs {
		s.app.Use(middleware.Logger())
	}
	// do not recover in DEV|TEST mode
	if !(conf.Debug || conf.TestMode) {
		s.app.Use(middleware.RecoverWithConfig(middleware.RecoverConfig{LogLevel: log.ERROR}))
	}

	s.app.HTTPErrorHandler = newAppHTTPErrorHandler(s.deps.Logger, s.deps.Translator, s.signalShutdown)
	s.app.Debug = conf.Debug
	s.app.HideBanner = true

	s.app.GET("/", home)

	api := s.app.Group("/api")
	jwt := middleware.JWTWithConfig(newJWTConfig(conf))

	registerAuthAPI(api, authApi{
		svc:      s.deps.UserSvc,
		conf:     conf,
		audit:    s.deps.Audit,
		validate: s.deps.Validate,
	})
	registerUserAPI(api, jwt, userApi{
		svc:      s.deps.UserSvc,
		audit:    s.deps.Audit,
		validate: s.deps.Validate,
	})
	registerUploadAPI(api, jwt, uploadApi{
		signer:   s.deps.Signer,
		audit:    s.deps.Audit,
		validate: s.deps.Validate,
	})
}

func (s *server) Start() {
	s.errs <- s.app.Start(s.deps.Conf.Server.Host)
}

func (s *server) Errors() <-chan error { return s.errs }

func (s *server) ShutdownSignal() <-chan os.Signal { return s.shutdown }

// signalShutdown triggers a graceful shutdown from within a handler.
func (s *server) signalShutdown() {
	s.shutdown <- syscall.SIGTERM
}

func (s *server) Shutdown(ctx context.Context) error {
	return s.app.Shutdown(ctx)
}

func (s *server) Close() error {
	return s.app.Close()
}

func (s *server) ServeHTTP(w http.ResponseWriter, r *http.Request) { // for tests
	s.app.ServeHTTP(w, r)
}

func home(ctx echo.Context) error {
	return ctx.String(http.StatusOK, "Welcome to Shule API!")
}
