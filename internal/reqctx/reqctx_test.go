package reqctx_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/tournevent/labelflow/internal/reqctx"
)

func TestScope(t *testing.T) {
	assert.Equal(t, reqctx.Scope{}, reqctx.From(context.Background()))

	ctx := reqctx.With(context.Background(), reqctx.Scope{Interactive: true, Source: "admin"})
	s := reqctx.From(ctx)

	assert.True(t, s.Interactive)
	assert.True(t, reqctx.Interactive(ctx))
	assert.Equal(t, "admin", s.Source)
	assert.NotEmpty(t, s.RequestID)
}
