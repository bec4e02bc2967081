// Package handlers carries the base handler shared by the API surface: the
// error envelope, the operational endpoints and access to the engine.
package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/aistudio-proxy/AIStudioProxyAPI/internal/config"
	"github.com/aistudio-proxy/AIStudioProxyAPI/internal/engine"
	"github.com/aistudio-proxy/AIStudioProxyAPI/internal/interfaces"
)

// BaseHandler exposes the engine to route handlers.
type BaseHandler struct {
	Cfg  *config.Config
	Core *engine.Engine
}

// NewBaseHandler builds the shared handler state.
func NewBaseHandler(cfg *config.Config, core *engine.Engine) *BaseHandler {
	return &BaseHandler{Cfg: cfg, Core: core}
}

// Error writes the OpenAI error envelope with the status derived from the
// error kind.
func (h *BaseHandler) Error(c *gin.Context, perr *interfaces.ProxyError) {
	c.JSON(perr.HTTPStatus(), gin.H{
		"error": gin.H{
			"message": perr.Message,
			"type":    perr.Kind.String(),
			"code":    perr.Code,
		},
	})
}

// Health reports the live component states.
func (h *BaseHandler) Health(c *gin.Context) {
	health := h.Core.Health()
	status := http.StatusOK
	if !health.PageReady || !health.WorkerRunning {
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, health)
}

// Info emits the effective non-secret configuration.
func (h *BaseHandler) Info(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"port":                        h.Cfg.Port,
		"stream_port":                 h.Cfg.StreamPort,
		"response_completion_timeout": h.Cfg.ResponseCompletionTimeout,
		"silence_timeout_default":     h.Cfg.SilenceTimeoutDefault,
		"pseudo_stream_delay":         h.Cfg.PseudoStreamDelay,
		"function_calling_mode":       h.Cfg.FunctionCalling.Mode,
		"clear_chat_after_request":    h.Cfg.ClearChatAfterRequest,
		"enable_google_search":        h.Cfg.EnableGoogleSearch,
		"enable_url_context":          h.Cfg.EnableURLContext,
		"auth_enabled":                !h.Core.Keys.Empty(),
		"deployment_mode":             string(h.Core.Pool.Mode()),
	})
}

// QueueState reports the waiting requests.
func (h *BaseHandler) QueueState(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"queue_length": h.Core.Queue.Len(),
		"items":        h.Core.Queue.Snapshot(),
	})
}

// CancelRequest fires the cancellation token of a queued or in-flight
// request.
func (h *BaseHandler) CancelRequest(c *gin.Context) {
	reqID := c.Param("req_id")
	if !h.Core.Queue.Cancel(reqID) {
		h.Error(c, interfaces.NewErrorf(interfaces.KindValidation, "unknown_request",
			"no live request with id %q", reqID))
		return
	}
	c.JSON(http.StatusOK, gin.H{"cancelled": reqID})
}
