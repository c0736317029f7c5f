package dbctx

import (
	"context"

	"gorm.io/gorm"
)

// Context carries the request context and an optional transaction into repositories.
// A nil Tx means "use the repository's own handle".
type Context struct {
	Ctx context.Context
	Tx  *gorm.DB
}

func Background() Context {
	return Context{Ctx: context.Background()}
}

func (c Context) Context() context.Context {
	if c.Ctx == nil {
		return context.Background()
	}
	return c.Ctx
}
