package metrics

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// ServiceLister lets the diagnostics endpoint show the running-service table
// without importing the supervisor.
type ServiceLister interface {
	RunningServices() []RunningService
}

// RunningService is one row of the diagnostics listing.
type RunningService struct {
	Name      string    `json:"name"`
	Binary    string    `json:"binary"`
	PID       int       `json:"pid"`
	StartedAt time.Time `json:"started_at"`
}

// NewDiagnosticsServer serves /metrics and /services on addr. It is enabled
// by the RESOURCE_DIAGNOSTICS config key and is strictly read-only. The
// caller runs ListenAndServe and Close.
func NewDiagnosticsServer(addr string, lister ServiceLister) *http.Server {
	MustRegisterDefault()
	gin.SetMode(gin.ReleaseMode)
	g := gin.New()
	g.Use(gin.Recovery())
	g.GET("/metrics", gin.WrapH(promhttp.Handler()))
	g.GET("/services", func(c *gin.Context) {
		c.JSON(http.StatusOK, lister.RunningServices())
	})
	srv := &http.Server{
		Addr:              addr,
		Handler:           g,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	return srv
}
