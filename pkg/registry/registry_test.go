package registry_test

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/michaelayoade/dotmac-ftth-ops-sub001/pkg/registry"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMapRegistry(t *testing.T) {
	t.Run("RegisterAndCall", func(t *testing.T) {
		reg := registry.New()
		require.NoError(t, reg.Register("billing", registry.Methods{
			"create_invoice": func(ctx context.Context, params map[string]any) (any, error) {
				return map[string]any{"invoice": "INV-" + fmt.Sprint(params["customer"])}, nil
			},
		}))

		svc, ok := reg.GetService("billing")
		require.True(t, ok)
		out, err := svc.Call(context.Background(), "create_invoice", map[string]any{"customer": 7})
		require.NoError(t, err)
		assert.Equal(t, map[string]any{"invoice": "INV-7"}, out)
	})

	t.Run("UnknownMethod", func(t *testing.T) {
		reg := registry.New()
		reg.MustRegister("billing", registry.Methods{})
		svc, _ := reg.GetService("billing")
		_, err := svc.Call(context.Background(), "refund", nil)
		assert.True(t, errors.Is(err, registry.ErrUnknownMethod))
	})

	t.Run("MissingService", func(t *testing.T) {
		_, ok := registry.New().GetService("nope")
		assert.False(t, ok)
	})

	t.Run("InvalidRegistration", func(t *testing.T) {
		reg := registry.New()
		err := reg.Register("", registry.Methods{})
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "empty service name")

		err = reg.Register("billing", nil)
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "is nil")
	})

	t.Run("ConcurrentLookups", func(t *testing.T) {
		reg := registry.New()
		var wg sync.WaitGroup
		for i := 0; i < 20; i++ {
			wg.Add(2)
			name := fmt.Sprintf("svc-%d", i)
			go func() {
				defer wg.Done()
				_ = reg.Register(name, registry.Methods{})
			}()
			go func() {
				defer wg.Done()
				reg.GetService(name)
			}()
		}
		wg.Wait()
		assert.Len(t, reg.Names(), 20)
	})
}
