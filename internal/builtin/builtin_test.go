package builtin

import (
	"context"
	"testing"

	"github.com/michaelayoade/dotmac-ftth-ops-sub001/pkg/registry"
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuiltinServices(t *testing.T) {
	logger, hook := test.NewNullLogger()
	reg := registry.New()
	require.NoError(t, Register(reg, logger))
	assert.Equal(t, []string{"echo", "log"}, reg.Names())

	t.Run("Echo", func(t *testing.T) {
		svc, ok := reg.GetService(EchoService)
		require.True(t, ok)
		out, err := svc.Call(context.Background(), "echo", map[string]any{"a": 1})
		require.NoError(t, err)
		assert.Equal(t, map[string]any{"a": 1}, out)

		out, err = svc.Call(context.Background(), "echo", nil)
		require.NoError(t, err)
		assert.Equal(t, map[string]any{}, out)
	})

	t.Run("Fail", func(t *testing.T) {
		svc, _ := reg.GetService(EchoService)
		_, err := svc.Call(context.Background(), "fail", map[string]any{"message": "olt unreachable"})
		assert.EqualError(t, err, "olt unreachable")
		_, err = svc.Call(context.Background(), "fail", nil)
		assert.EqualError(t, err, "echo.fail called")
	})

	t.Run("Log", func(t *testing.T) {
		hook.Reset()
		svc, _ := reg.GetService(LogService)
		out, err := svc.Call(context.Background(), "warn", map[string]any{"message": "port flapping", "port": "1/1/3"})
		require.NoError(t, err)
		assert.Equal(t, "port flapping", out)

		entry := hook.LastEntry()
		require.NotNil(t, entry)
		assert.Equal(t, logrus.WarnLevel, entry.Level)
		assert.Equal(t, "port flapping", entry.Message)
		assert.Equal(t, "1/1/3", entry.Data["port"])
	})

	t.Run("UnknownMethod", func(t *testing.T) {
		svc, _ := reg.GetService(LogService)
		_, err := svc.Call(context.Background(), "trace", nil)
		assert.ErrorIs(t, err, registry.ErrUnknownMethod)
	})
}
