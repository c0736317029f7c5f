package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/yungbote/graphingest/internal/http/response"
	"github.com/yungbote/graphingest/internal/platform/dbctx"
	"github.com/yungbote/graphingest/internal/services"
)

type SchemaHandler struct {
	schemas services.SchemaService
}

func NewSchemaHandler(schemas services.SchemaService) *SchemaHandler {
	return &SchemaHandler{schemas: schemas}
}

type createSchemaRequest struct {
	Name     string          `json:"name"`
	Document json.RawMessage `json:"document"`
}

// POST /api/schemas
func (h *SchemaHandler) CreateSchema(c *gin.Context) {
	var req createSchemaRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.RespondError(c, http.StatusBadRequest, "invalid_request", err)
		return
	}
	if len(req.Document) == 0 {
		response.RespondError(c, http.StatusBadRequest, "missing_document", errors.New("document required"))
		return
	}
	doc, warnings, err := h.schemas.Create(dbctx.Context{Ctx: c.Request.Context()}, req.Name, req.Document)
	if err != nil {
		response.RespondAPIError(c, err)
		return
	}
	if warnings == nil {
		warnings = []string{}
	}
	response.RespondCreated(c, gin.H{"schema": doc, "warnings": warnings})
}

// GET /api/schemas/:id
func (h *SchemaHandler) GetSchema(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.RespondError(c, http.StatusBadRequest, "invalid_schema_id", err)
		return
	}
	doc, err := h.schemas.Get(dbctx.Context{Ctx: c.Request.Context()}, id)
	if err != nil {
		response.RespondAPIError(c, err)
		return
	}
	response.RespondOK(c, gin.H{"schema": doc})
}
