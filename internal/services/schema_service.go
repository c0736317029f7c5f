package services

import (
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"gorm.io/datatypes"

	"github.com/yungbote/graphingest/internal/data/repos"
	types "github.com/yungbote/graphingest/internal/domain"
	"github.com/yungbote/graphingest/internal/ingest/ingesterr"
	"github.com/yungbote/graphingest/internal/ingest/schema"
	"github.com/yungbote/graphingest/internal/platform/apierr"
	"github.com/yungbote/graphingest/internal/platform/dbctx"
	"github.com/yungbote/graphingest/internal/platform/logger"
)

type SchemaService interface {
	// Create validates document and stores it. Dangling references do not
	// reject the document; they come back as warnings.
	Create(dbc dbctx.Context, name string, document []byte) (*types.SchemaDocument, []string, error)
	Get(dbc dbctx.Context, id uuid.UUID) (*types.SchemaDocument, error)
}

type schemaService struct {
	log  *logger.Logger
	repo repos.SchemaDocumentRepo
}

func NewSchemaService(baseLog *logger.Logger, repo repos.SchemaDocumentRepo) SchemaService {
	if baseLog == nil {
		baseLog = logger.Nop()
	}
	return &schemaService{
		log:  baseLog.With("service", "SchemaService"),
		repo: repo,
	}
}

func (s *schemaService) Create(dbc dbctx.Context, name string, document []byte) (*types.SchemaDocument, []string, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, nil, apierr.BadRequest("missing_name", errors.New("schema name required"))
	}
	parsed, err := schema.Parse(name, document)
	if err != nil {
		if ingesterr.KindOf(err) == ingesterr.KindSchema {
			return nil, nil, apierr.BadRequest("invalid_schema", err)
		}
		return nil, nil, err
	}
	doc, err := s.repo.Create(dbc, &types.SchemaDocument{
		Name:     name,
		Document: datatypes.JSON(document),
	})
	if err != nil {
		return nil, nil, fmt.Errorf("store schema: %w", err)
	}
	s.log.Info("Schema stored",
		"schema_id", doc.ID,
		"name", name,
		"node_types", len(parsed.Nodes),
		"relationship_types", len(parsed.Relationships),
		"warnings", len(parsed.Warnings),
	)
	return doc, parsed.Warnings, nil
}

func (s *schemaService) Get(dbc dbctx.Context, id uuid.UUID) (*types.SchemaDocument, error) {
	if id == uuid.Nil {
		return nil, apierr.BadRequest("invalid_schema_id", errors.New("missing schema id"))
	}
	doc, err := s.repo.GetByID(dbc, id)
	if err != nil {
		return nil, err
	}
	if doc == nil {
		return nil, apierr.NotFound("schema_not_found", fmt.Errorf("schema %s not found", id))
	}
	return doc, nil
}
