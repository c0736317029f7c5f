package bus

import (
	"context"

	"github.com/yungbote/graphingest/internal/realtime"
)

// Bus carries job events between processes: workers publish, API servers
// forward into their local hub.
type Bus interface {
	Publish(ctx context.Context, msg realtime.Message) error
	StartForwarder(ctx context.Context, onMsg func(m realtime.Message)) error
	Close() error
}
