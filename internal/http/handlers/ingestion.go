package handlers

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/yungbote/graphingest/internal/http/response"
	"github.com/yungbote/graphingest/internal/platform/dbctx"
	"github.com/yungbote/graphingest/internal/platform/logger"
	"github.com/yungbote/graphingest/internal/realtime"
	"github.com/yungbote/graphingest/internal/services"
)

type IngestionHandler struct {
	log    *logger.Logger
	ingest services.IngestionService
	hub    *realtime.Hub
}

func NewIngestionHandler(log *logger.Logger, ingest services.IngestionService, hub *realtime.Hub) *IngestionHandler {
	if log == nil {
		log = logger.Nop()
	}
	return &IngestionHandler{log: log.With("handler", "IngestionHandler"), ingest: ingest, hub: hub}
}

// POST /api/ingestions
func (h *IngestionHandler) CreateIngestion(c *gin.Context) {
	var body map[string]any
	if err := c.ShouldBindJSON(&body); err != nil {
		response.RespondError(c, http.StatusBadRequest, "invalid_request", err)
		return
	}
	raw, _ := body["schema_id"].(string)
	schemaID, err := uuid.Parse(raw)
	if err != nil {
		response.RespondError(c, http.StatusBadRequest, "invalid_schema_id", errors.New("schema_id must be a uuid"))
		return
	}
	snap, err := h.ingest.Enqueue(dbctx.Context{Ctx: c.Request.Context()}, schemaID, body)
	if err != nil {
		response.RespondAPIError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"job": snap})
}

// GET /api/ingestions?status=&limit=
func (h *IngestionHandler) ListIngestions(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	jobs, err := h.ingest.List(dbctx.Context{Ctx: c.Request.Context()}, c.Query("status"), limit)
	if err != nil {
		response.RespondAPIError(c, err)
		return
	}
	response.RespondOK(c, gin.H{"jobs": jobs})
}

// GET /api/ingestions/:id
func (h *IngestionHandler) GetIngestion(c *gin.Context) {
	id, ok := jobID(c)
	if !ok {
		return
	}
	snap, err := h.ingest.Get(dbctx.Context{Ctx: c.Request.Context()}, id)
	if err != nil {
		response.RespondAPIError(c, err)
		return
	}
	response.RespondOK(c, gin.H{"job": snap})
}

type cancelRequest struct {
	Reason string `json:"reason"`
}

// POST /api/ingestions/:id/cancel
func (h *IngestionHandler) CancelIngestion(c *gin.Context) {
	id, ok := jobID(c)
	if !ok {
		return
	}
	var req cancelRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			response.RespondError(c, http.StatusBadRequest, "invalid_request", err)
			return
		}
	}
	snap, err := h.ingest.Cancel(dbctx.Context{Ctx: c.Request.Context()}, id, req.Reason)
	if err != nil {
		response.RespondAPIError(c, err)
		return
	}
	response.RespondOK(c, gin.H{"job": snap})
}

// GET /api/ingestions/:id/events streams the job's status until it ends.
func (h *IngestionHandler) StreamIngestion(c *gin.Context) {
	id, ok := jobID(c)
	if !ok {
		return
	}
	if h.hub == nil {
		response.RespondError(c, http.StatusServiceUnavailable, "events_unavailable", errors.New("event hub not configured"))
		return
	}
	// Subscribe before reading the job so a finish in between is not lost.
	client := h.hub.NewClient()
	client.StopAfter = func(m realtime.Message) bool { return m.Event.Terminal() }
	h.hub.Subscribe(client, id.String())
	defer h.hub.CloseClient(client)

	snap, err := h.ingest.Get(dbctx.Context{Ctx: c.Request.Context()}, id)
	if err != nil {
		response.RespondAPIError(c, err)
		return
	}
	select {
	case client.Outbound <- realtime.Message{Channel: id.String(), Event: realtime.EventForStatus(snap.Status), Data: snap}:
	default:
	}
	h.log.Debug("Event stream open", "job_id", id, "client_id", client.ID)
	h.hub.ServeHTTP(c.Writer, c.Request, client)
}

func jobID(c *gin.Context) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.RespondError(c, http.StatusBadRequest, "invalid_job_id", err)
		return uuid.Nil, false
	}
	return id, true
}
