package health

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

type Server struct {
	monitor *Monitor
	ready   func() bool
	started time.Time
	logger  *zap.Logger
	http    *http.Server
}

// NewServer builds the router; ready reports whether the gateway session is up.
func NewServer(addr string, monitor *Monitor, ready func() bool, logger *zap.Logger) *Server {
	if ready == nil {
		ready = func() bool { return true }
	}
	s := &Server{monitor: monitor, ready: ready, started: time.Now(), logger: logger}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.GET("/health", s.handleHealth)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	s.http = &http.Server{
		Addr:              addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

func (s *Server) Handler() http.Handler {
	return s.http.Handler
}

func (s *Server) handleHealth(c *gin.Context) {
	stats := s.monitor.Snapshot()
	status, code := "ok", http.StatusOK
	if !s.ready() {
		status, code = "starting", http.StatusServiceUnavailable
	}
	c.JSON(code, gin.H{
		"status":        status,
		"uptimeSeconds": int64(time.Since(s.started).Seconds()),
		"heapAllocMB":   stats.HeapAllocBytes / 1024 / 1024,
		"goroutines":    stats.Goroutines,
		"gcRuns":        stats.GCRuns,
	})
}

// ListenAndServe blocks until ctx is cancelled, then shuts the listener down.
func (s *Server) ListenAndServe(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("health server listening", zap.String("addr", s.http.Addr))
		if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err, ok := <-errCh:
		if ok {
			return err
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.http.Shutdown(shutdownCtx)
}
