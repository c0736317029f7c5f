package repos

import (
	"gorm.io/gorm"

	"github.com/yungbote/graphingest/internal/data/repos/jobs"
	"github.com/yungbote/graphingest/internal/data/repos/schemas"
	"github.com/yungbote/graphingest/internal/platform/logger"
)

type IngestionJobRepo = jobs.IngestionJobRepo
type SchemaDocumentRepo = schemas.SchemaDocumentRepo

type Repos struct {
	Jobs    IngestionJobRepo
	Schemas SchemaDocumentRepo
}

func New(db *gorm.DB, log *logger.Logger) Repos {
	return Repos{
		Jobs:    jobs.NewIngestionJobRepo(db, log),
		Schemas: schemas.NewSchemaDocumentRepo(db, log),
	}
}
