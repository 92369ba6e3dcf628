package admission

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistry(t *testing.T) {
	t.Parallel()

	_, err := NewRegistry("default", map[string]int{"search": 2})
	require.Error(t, err)

	r, err := NewRegistry("default", map[string]int{"default": 4, "search": 2})
	require.NoError(t, err)

	assert.Equal(t, "search", r.Get("search").Name())
	assert.Equal(t, "default", r.Get("unknown").Name())
	assert.Equal(t, "default", r.Get("").Name())

	require.NoError(t, r.Apply(map[string]int{"search": 5, "archive": 1}))
	sts := r.Statuses()
	require.Len(t, sts, 3)
	assert.Equal(t, "archive", sts[0].Name)
	assert.Equal(t, 4, sts[1].Capacity)
	assert.Equal(t, 5, sts[2].Capacity)

	assert.Error(t, r.Apply(map[string]int{"search": 0}))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, r.Close(ctx))
	_, err = r.Get("search").Submit(ctx, func(context.Context) error { return nil }, Normal)
	assert.ErrorIs(t, err, ErrStopped)
}
