package memstore

import (
	"testing"

	"github.com/vigilhome/vigil-agent/internal/cache"
	"github.com/vigilhome/vigil-agent/internal/cache/cachetest"
)

func TestStore(t *testing.T) {
	t.Parallel()
	cachetest.RunStoreSuite(t, func(t *testing.T) cache.Store {
		t.Helper()
		return New()
	})
}
