package redisstore

import (
	"testing"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_RequiresAddr(t *testing.T) {
	t.Parallel()
	_, err := New(t.Context(), Config{})
	require.Error(t, err)
}

func TestKeys(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		prefix     string
		wantStores string
		wantStore  string
	}{
		{"default prefix", "", "vigil:cache:stores", "vigil:cache:store:vigil-pwa-v3"},
		{"custom prefix", "site1", "site1:stores", "site1:store:vigil-pwa-v3"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cli := redis.NewClient(&redis.Options{Addr: "127.0.0.1:0"})
			t.Cleanup(func() { _ = cli.Close() })

			s := NewWithClient(cli, tt.prefix)
			assert.Equal(t, tt.wantStores, s.storesKey())
			assert.Equal(t, tt.wantStore, s.storeKey("vigil-pwa-v3"))
		})
	}
}
