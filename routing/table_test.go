package routing

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zylinc/messagebus/messages"
)

func TestTable(t *testing.T) {
	t.Run("Resolve returns the mapped address", func(t *testing.T) {
		table, err := NewTable(map[string]string{"UserLoginRequest": "ResponderQueue"})
		require.NoError(t, err)

		address, err := table.Resolve("UserLoginRequest")
		require.NoError(t, err)
		assert.Equal(t, "ResponderQueue", address)
	})

	t.Run("Resolve fails with RoutingError for unmapped types", func(t *testing.T) {
		table, err := NewTable(nil)
		require.NoError(t, err)

		_, err = table.Resolve("UserLoginRequest")
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrUnmappedType)

		var routingErr *RoutingError
		require.True(t, errors.As(err, &routingErr))
		assert.Equal(t, "UserLoginRequest", routingErr.MessageType)
	})

	t.Run("nil table resolves nothing", func(t *testing.T) {
		var table *Table
		_, err := table.Resolve("X")
		assert.ErrorIs(t, err, ErrUnmappedType)
	})

	t.Run("NewTable copies its input", func(t *testing.T) {
		routes := map[string]string{"A": "qa"}
		table, err := NewTable(routes)
		require.NoError(t, err)

		routes["A"] = "changed"
		routes["B"] = "qb"

		address, err := table.Resolve("A")
		require.NoError(t, err)
		assert.Equal(t, "qa", address)
		_, err = table.Resolve("B")
		assert.Error(t, err)
	})

	t.Run("Routes returns a copy", func(t *testing.T) {
		table, err := NewTable(map[string]string{"A": "qa"})
		require.NoError(t, err)

		table.Routes()["A"] = "changed"
		address, _ := table.Resolve("A")
		assert.Equal(t, "qa", address)
	})

	t.Run("rejects empty entries", func(t *testing.T) {
		_, err := NewTable(map[string]string{"": "q"})
		assert.Error(t, err)
		_, err = NewTable(map[string]string{"A": ""})
		assert.Error(t, err)
	})
}

func TestBuilder(t *testing.T) {
	t.Run("maps message values by type name", func(t *testing.T) {
		table, err := NewBuilder().
			Map(&messages.UserLoginRequest{}, "ResponderQueue").
			Map(&messages.ServiceConfigurationRequest{}, "ResponderQueue").
			Build()
		require.NoError(t, err)

		assert.Equal(t, []string{"ServiceConfigurationRequest", "UserLoginRequest"}, table.MessageTypes())

		address, err := table.ResolveMessage(messages.NewUserLoginRequest("", "", "a", "b"))
		require.NoError(t, err)
		assert.Equal(t, "ResponderQueue", address)
	})

	t.Run("conflicting mappings fail the build", func(t *testing.T) {
		_, err := NewBuilder().
			MapType("A", "q1").
			MapType("A", "q2").
			Build()
		assert.Error(t, err)
	})

	t.Run("identical remapping is allowed", func(t *testing.T) {
		_, err := NewBuilder().
			MapType("A", "q1").
			MapType("A", "q1").
			Build()
		assert.NoError(t, err)
	})
}
