package httpapi

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/suPer8Hu/pixel-platform/internal/common"
	"github.com/suPer8Hu/pixel-platform/internal/httpapi/handlers"
	"github.com/suPer8Hu/pixel-platform/internal/httpapi/middleware"
)

func NewRouter(h *handlers.Handler, queueSecret string, log zerolog.Logger) *gin.Engine {
	r := gin.New()
	r.HandleMethodNotAllowed = true
	r.Use(middleware.Recovery(log))
	r.Use(middleware.RequestID())
	r.Use(middleware.AccessLog(log))

	r.NoRoute(func(c *gin.Context) {
		common.Fail(c, http.StatusNotFound, common.CodeRouteNotFound, "route not found")
	})
	r.NoMethod(func(c *gin.Context) {
		common.Fail(c, http.StatusMethodNotAllowed, common.CodeMethodNotAllow, "method not allowed")
	})

	r.GET("/ping", h.Ping)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// Task orchestration surface.
	r.POST("/tasks/:kind", h.SubmitTask)
	r.GET("/tasks/status", h.GetTaskStatus)
	r.GET("/tasks", h.ListTasks)

	// Credit ledger surface.
	r.GET("/credits", h.GetCredits)
	r.POST("/credits/grant", h.GrantCredits)

	// Provider-facing push endpoint.
	r.POST("/webhook/:provider", h.ProviderWebhook)

	// Queue-facing scheduled re-check; caller must present a signed token.
	internal := r.Group("/internal")
	internal.Use(middleware.QueueAuth(queueSecret))
	internal.POST("/poll-task", h.InternalPollTask)

	return r
}
