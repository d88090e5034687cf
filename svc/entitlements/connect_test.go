package entitlements_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/dmitrymomot/entitlements/pkg/config"
	"github.com/dmitrymomot/entitlements/svc/entitlements"
)

func TestConnectValidation(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		env  map[string]string
		err  error
	}{
		{
			name: "unknown durable backend",
			env:  map[string]string{"ENTITLEMENTS_DURABLE_BACKEND": "etcd"},
			err:  entitlements.ErrUnknownBackend,
		},
		{
			name: "unknown billing provider",
			env:  map[string]string{"ENTITLEMENTS_BILLING_PROVIDER": "stripe"},
			err:  entitlements.ErrUnknownBilling,
		},
		{
			name: "missing mongodb url",
			env:  map[string]string{"ENTITLEMENTS_DURABLE_BACKEND": "memory"},
			err:  config.ErrParsingConfig,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, release, err := entitlements.Connect(context.Background(), config.WithEnvironment(tt.env))
			assert.ErrorIs(t, err, tt.err)
			assert.Nil(t, release)
		})
	}
}
