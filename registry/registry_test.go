package registry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func noopHandler(context.Context, any, ExecutionContext) (any, error) {
	return nil, nil
}

func TestRegistryNew(t *testing.T) {
	t.Run("ValidTools", func(t *testing.T) {
		r, err := New(
			Tool{Name: "db_read", Group: "core", Handler: noopHandler},
			Tool{Name: "db_begin", Group: "tx", Handler: noopHandler},
			Tool{Name: "db_write", Group: "core", Handler: noopHandler},
		)
		require.NoError(t, err)
		assert.Equal(t, 3, r.Len())
		assert.Equal(t, []string{"core", "tx"}, r.Groups())

		tool, ok := r.Lookup("db_begin")
		require.True(t, ok)
		assert.Equal(t, "tx", tool.Group)

		_, ok = r.Lookup("missing")
		assert.False(t, ok)
	})

	t.Run("DuplicateName", func(t *testing.T) {
		_, err := New(
			Tool{Name: "db_read", Group: "core", Handler: noopHandler},
			Tool{Name: "db_read", Group: "other", Handler: noopHandler},
		)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "duplicate tool")
	})

	t.Run("MissingFields", func(t *testing.T) {
		_, err := New(Tool{Group: "core", Handler: noopHandler})
		assert.Error(t, err)

		_, err = New(Tool{Name: "x", Handler: noopHandler})
		assert.Error(t, err)

		_, err = New(Tool{Name: "x", Group: "core"})
		assert.Error(t, err)
	})

	t.Run("ToolsReturnsCopy", func(t *testing.T) {
		r, err := New(Tool{Name: "db_read", Group: "core", Handler: noopHandler})
		require.NoError(t, err)

		tools := r.Tools()
		tools[0].Name = "changed"
		assert.Equal(t, "db_read", r.Tools()[0].Name)
	})
}

func TestContextFactoryFunc(t *testing.T) {
	f := ContextFactoryFunc(func(context.Context) (ExecutionContext, error) {
		return StaticContext("exec-1"), nil
	})

	ec, err := f.NewExecutionContext(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "exec-1", ec.ID())
	assert.NoError(t, ec.Close(true))
}
