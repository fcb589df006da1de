// Package api is the RPC facade of spec §4.8: request validation, dispatch
// to the owning WorkloadDispatcher, and server-streaming of events/console
// bytes. The wire definition of the outward RPC surface is explicitly out
// of scope (spec §1), so this is carried over HTTP/JSON via go-chi rather
// than a generated protobuf service; the error model still speaks in
// google.golang.org/grpc/codes vocabulary (§4.8's translation table) so a
// future gRPC front door could reuse it unchanged.
package api

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/sirupsen/logrus"

	"feos/pkg/dispatcher"
	"feos/pkg/pod"
	"feos/pkg/vmm"
)

const (
	shutdownTimeout   = 10 * time.Second
	readHeaderTimeout = 10 * time.Second
)

// Server wraps the chi router and the backends it forwards requests to.
type Server struct {
	router     *chi.Mux
	dispatcher *dispatcher.Dispatcher
	pods       *pod.Composer
	vmm        *vmm.Service
	logger     logrus.FieldLogger
	addr       string
}

// NewServer constructs a Server bound to the dispatcher, pod composer, and
// the raw Vmm supervisor (needed only for console byte streaming, which
// bypasses the dispatcher's command channel entirely since it is a
// read-only passthrough, not a state transition).
func NewServer(addr string, d *dispatcher.Dispatcher, pods *pod.Composer, vmmSvc *vmm.Service, logger logrus.FieldLogger) *Server {
	s := &Server{
		router:     chi.NewRouter(),
		dispatcher: d,
		pods:       pods,
		vmm:        vmmSvc,
		logger:     logger,
		addr:       addr,
	}

	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.Recoverer)
	s.router.Use(s.loggingMiddleware)
	s.router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-Id"},
		ExposedHeaders:   []string{"X-Request-Id"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	s.routes()

	return s
}

func (s *Server) routes() {
	s.router.Get("/healthz", s.handleHealthz)

	s.router.Route("/v1/vms", func(r chi.Router) {
		r.Post("/", s.handleCreateVm)
		r.Get("/{id}", s.handleGetVm)
		r.Post("/{id}/start", s.handleStartVm)
		r.Post("/{id}/pause", s.handlePauseVm)
		r.Post("/{id}/resume", s.handleResumeVm)
		r.Post("/{id}/shutdown", s.handleShutdownVm)
		r.Delete("/{id}", s.handleDeleteVm)
		r.Get("/{id}/ping", s.handlePingVm)
		r.Post("/{id}/disks", s.handleAttachDisk)
		r.Delete("/{id}/disks/{diskId}", s.handleRemoveDisk)
		r.Get("/{id}/events", s.handleStreamVmEvents)
		r.Get("/{id}/console", s.handleStreamVmConsole)
	})

	s.router.Route("/v1/containers", func(r chi.Router) {
		r.Post("/", s.handleCreateContainer)
		r.Get("/{id}", s.handleGetContainer)
		r.Post("/{id}/start", s.handleStartContainer)
		r.Post("/{id}/kill", s.handleKillContainer)
		r.Delete("/{id}", s.handleDeleteContainer)
		r.Get("/{id}/events", s.handleStreamContainerEvents)
	})

	s.router.Route("/v1/pods", func(r chi.Router) {
		r.Post("/", s.handleCreatePod)
		r.Delete("/{id}", s.handleDeletePod)
		r.Post("/{id}/containers/{cid}/run", s.handleRunPodContainer)
		r.Post("/{id}/containers/{cid}/kill", s.handleKillPodContainer)
		r.Get("/{id}/containers/{cid}/state", s.handleStatePodContainer)
		r.Delete("/{id}/containers/{cid}", s.handleDeletePodContainer)
	})
}

// Router exposes the underlying chi router, mainly for tests.
func (s *Server) Router() *chi.Mux {
	return s.router
}

// Run starts the HTTP server and blocks until ctx is cancelled or a
// SIGINT/SIGTERM is received, then drains outstanding requests.
func (s *Server) Run(ctx context.Context) error {
	httpServer := &http.Server{
		Addr:              s.addr,
		Handler:           s.router,
		ReadHeaderTimeout: readHeaderTimeout,
	}

	errCh := make(chan error, 1)

	go func() {
		s.logger.WithField("addr", s.addr).Info("api server listening")

		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err

			return
		}

		close(errCh)
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		s.logger.WithField("signal", sig.String()).Info("api server shutting down")
	case <-ctx.Done():
		s.logger.Info("api server shutting down")
	case err := <-errCh:
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	return httpServer.Shutdown(shutdownCtx)
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		s.logger.WithFields(logrus.Fields{
			"method":      r.Method,
			"path":        r.URL.Path,
			"status":      ww.Status(),
			"duration_ms": time.Since(start).Milliseconds(),
			"request_id":  middleware.GetReqID(r.Context()),
		}).Info("request")
	})
}
