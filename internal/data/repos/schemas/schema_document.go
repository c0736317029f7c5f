package schemas

import (
	"errors"

	"github.com/google/uuid"
	"gorm.io/gorm"

	types "github.com/yungbote/graphingest/internal/domain"
	"github.com/yungbote/graphingest/internal/platform/dbctx"
	"github.com/yungbote/graphingest/internal/platform/logger"
)

type SchemaDocumentRepo interface {
	Create(dbc dbctx.Context, doc *types.SchemaDocument) (*types.SchemaDocument, error)
	GetByID(dbc dbctx.Context, id uuid.UUID) (*types.SchemaDocument, error)
}

type schemaDocumentRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewSchemaDocumentRepo(db *gorm.DB, baseLog *logger.Logger) SchemaDocumentRepo {
	return &schemaDocumentRepo{
		db:  db,
		log: baseLog.With("repo", "SchemaDocumentRepo"),
	}
}

func (r *schemaDocumentRepo) Create(dbc dbctx.Context, doc *types.SchemaDocument) (*types.SchemaDocument, error) {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	if doc == nil {
		return nil, errors.New("nil schema document")
	}
	if err := transaction.WithContext(dbc.Context()).Create(doc).Error; err != nil {
		return nil, err
	}
	return doc, nil
}

func (r *schemaDocumentRepo) GetByID(dbc dbctx.Context, id uuid.UUID) (*types.SchemaDocument, error) {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	if id == uuid.Nil {
		return nil, nil
	}
	var doc types.SchemaDocument
	if err := transaction.WithContext(dbc.Context()).Where("id = ?", id).Limit(1).Find(&doc).Error; err != nil {
		return nil, err
	}
	if doc.ID == uuid.Nil {
		return nil, nil
	}
	return &doc, nil
}
