package metrics

import (
	"context"
	"errors"
	"expvar"
	"net"
	"net/http"
	"net/http/pprof"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/betbot/quantsignal/internal/engine"
)

var serverLog = logrus.WithField("component", "status")

// SnapshotSource 最近一次 tick 的快照
type SnapshotSource interface {
	Last() *engine.Snapshot
}

// Extra 附加状态（例如断路器），出现在 /healthz 中
type Extra func() map[string]any

// NewRouter 状态 API：
// - /healthz
// - /snapshot（最近一次 tick）
// - /debug/vars（expvar）与 /debug/pprof
func NewRouter(src SnapshotSource, extra Extra) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/healthz", func(c *gin.Context) {
		body := gin.H{"status": "ok", "ticks": Ticks.Value(), "tick_errors": TickErrors.Value()}
		if s := src.Last(); s != nil {
			body["last_tick"] = s.At
			body["slug"] = s.Slug
		}
		if extra != nil {
			for k, v := range extra() {
				body[k] = v
			}
		}
		c.JSON(http.StatusOK, body)
	})
	r.GET("/snapshot", func(c *gin.Context) {
		s := src.Last()
		if s == nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "尚无 tick"})
			return
		}
		c.JSON(http.StatusOK, s)
	})

	r.GET("/debug/vars", gin.WrapH(expvar.Handler()))
	debug := r.Group("/debug/pprof")
	debug.GET("/", gin.WrapF(pprof.Index))
	debug.GET("/cmdline", gin.WrapF(pprof.Cmdline))
	debug.GET("/profile", gin.WrapF(pprof.Profile))
	debug.GET("/symbol", gin.WrapF(pprof.Symbol))
	debug.GET("/trace", gin.WrapF(pprof.Trace))
	for _, name := range []string{"allocs", "block", "goroutine", "heap", "mutex", "threadcreate"} {
		debug.GET("/"+name, gin.WrapH(pprof.Handler(name)))
	}
	return r
}

// StartAsync 非阻塞启动状态服务，ctx 结束时优雅关闭
func StartAsync(ctx context.Context, listenAddr string, h http.Handler) (*http.Server, error) {
	ln, err := net.Listen("tcp", listenAddr)
	if err != nil {
		return nil, err
	}
	s := &http.Server{
		Addr:              listenAddr,
		Handler:           h,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := s.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverLog.Errorf("状态服务异常退出: %v", err)
		}
	}()
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = s.Shutdown(shutdownCtx)
	}()

	serverLog.Infof("📡 状态服务已启动: http://%s", ln.Addr())
	return s, nil
}
