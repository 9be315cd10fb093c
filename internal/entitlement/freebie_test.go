package entitlement

import (
	"context"
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

func kvBackends(t *testing.T) map[string]KeyValueStore {
	t.Helper()
	sqlite, err := OpenSQLiteKV(filepath.Join(t.TempDir(), "kv", "freebies.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = sqlite.Close() })
	return map[string]KeyValueStore{
		"memory": NewMemoryKV(),
		"sqlite": sqlite,
	}
}

func TestFreebieConsumedAtMostOnce(t *testing.T) {
	for name, kv := range kvBackends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			f := NewFreebies(kv)

			has, err := f.Has(ctx, "dev-1")
			require.NoError(t, err)
			assert.True(t, has)

			used, err := f.Use(ctx, "dev-1")
			require.NoError(t, err)
			assert.True(t, used)

			used, err = f.Use(ctx, "dev-1")
			require.NoError(t, err)
			assert.False(t, used)

			has, err = f.Has(ctx, "dev-1")
			require.NoError(t, err)
			assert.False(t, has)

			has, err = f.Has(ctx, "dev-2")
			require.NoError(t, err)
			assert.True(t, has)

			require.NoError(t, f.Reset(ctx, "dev-1"))
			has, err = f.Has(ctx, "dev-1")
			require.NoError(t, err)
			assert.True(t, has)
		})
	}
}

func TestConcurrentFreebieUseFlipsOnce(t *testing.T) {
	for name, kv := range kvBackends(t) {
		t.Run(name, func(t *testing.T) {
			f := NewFreebies(kv)
			var flipped atomic.Int32
			var g errgroup.Group
			for i := 0; i < 16; i++ {
				g.Go(func() error {
					ok, err := f.Use(context.Background(), "dev-race")
					if ok {
						flipped.Add(1)
					}
					return err
				})
			}
			require.NoError(t, g.Wait())
			assert.Equal(t, int32(1), flipped.Load())
		})
	}
}

func TestFreebieRequiresDevice(t *testing.T) {
	f := NewFreebies(NewMemoryKV())
	_, err := f.Has(context.Background(), "  ")
	assert.ErrorIs(t, err, ErrDeviceRequired)
	_, err = f.Use(context.Background(), "")
	assert.ErrorIs(t, err, ErrDeviceRequired)
	assert.ErrorIs(t, f.Reset(context.Background(), ""), ErrDeviceRequired)
}

func TestParseAdOutcome(t *testing.T) {
	o, err := ParseAdOutcome(" Completed ")
	require.NoError(t, err)
	assert.Equal(t, AdCompleted, o)

	_, err = ParseAdOutcome("skipped")
	assert.Error(t, err)
}
