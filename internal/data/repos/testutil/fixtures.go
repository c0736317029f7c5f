package testutil

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	types "github.com/yungbote/graphingest/internal/domain"
)

func SeedSchema(tb testing.TB, ctx context.Context, tx *gorm.DB, name, document string) *types.SchemaDocument {
	tb.Helper()
	doc := &types.SchemaDocument{
		ID:       uuid.New(),
		Name:     name,
		Document: datatypes.JSON([]byte(document)),
	}
	if err := tx.WithContext(ctx).Create(doc).Error; err != nil {
		tb.Fatalf("seed schema: %v", err)
	}
	return doc
}

func SeedJob(tb testing.TB, ctx context.Context, tx *gorm.DB, schemaID uuid.UUID, status string, createdAt time.Time) *types.IngestionJob {
	tb.Helper()
	job := &types.IngestionJob{
		ID:        uuid.New(),
		SchemaID:  schemaID,
		JobType:   "graph_ingest",
		Status:    status,
		Payload:   datatypes.JSON([]byte("{}")),
		CreatedAt: createdAt,
		UpdatedAt: createdAt,
	}
	if err := tx.WithContext(ctx).Create(job).Error; err != nil {
		tb.Fatalf("seed job: %v", err)
	}
	return job
}
