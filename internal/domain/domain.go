package domain

import (
	"github.com/yungbote/graphingest/internal/domain/jobs"
	"github.com/yungbote/graphingest/internal/domain/schemas"
)

const (
	JobStatusPending   = jobs.StatusPending
	JobStatusRunning   = jobs.StatusRunning
	JobStatusCompleted = jobs.StatusCompleted
	JobStatusFailed    = jobs.StatusFailed
	JobStatusCancelled = jobs.StatusCancelled
)

type IngestionJob = jobs.IngestionJob
type SchemaDocument = schemas.SchemaDocument

// Models lists every table the service migrates.
func Models() []any {
	return []any{
		&IngestionJob{},
		&SchemaDocument{},
	}
}

func TerminalStatuses() []string { return append([]string(nil), jobs.TerminalStatuses...) }

func IsTerminalStatus(status string) bool { return jobs.IsTerminal(status) }
