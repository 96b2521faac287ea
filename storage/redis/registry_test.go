package redis

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/require"

	"github.com/akhenakh/ttnrelay/storage"
)

func newRegistry(t *testing.T) (*Registry, *miniredis.Miniredis) {
	mr := miniredis.RunT(t)
	rdb := NewClient(Options{Addr: mr.Addr(), Timeout: time.Second})
	t.Cleanup(func() { rdb.Close() })
	return NewRegistry(rdb, "test", "cayenne"), mr
}

func TestLookup(t *testing.T) {
	r, mr := newRegistry(t)
	ts := time.Date(2023, 1, 1, 0, 0, 0, 0, time.UTC)
	r.now = func() time.Time { return ts }
	ctx := context.Background()

	dl, existed, err := r.Lookup(ctx, "AABBCC")
	require.NoError(t, err)
	require.False(t, existed)
	require.Equal(t, "AABBCC", dl.DevID)
	require.Equal(t, "cayenne", dl.Decoder)
	require.True(t, ts.Equal(dl.CreatedAt))
	require.True(t, dl.LastSeen.IsZero())
	require.Equal(t, "cayenne", mr.HGet("test:datalogger:AABBCC", "decoder"))

	dl, existed, err = r.Lookup(ctx, "AABBCC")
	require.NoError(t, err)
	require.True(t, existed)
	require.True(t, dl.LastSeen.IsZero())
}

func TestTouchActivity(t *testing.T) {
	r, mr := newRegistry(t)
	ts := time.Date(2023, 1, 1, 0, 0, 0, 0, time.UTC)
	r.now = func() time.Time { return ts }
	ctx := context.Background()

	_, err := r.Get(ctx, "AABBCC")
	require.Equal(t, storage.ErrNotFound, err)

	require.NoError(t, r.TouchActivity(ctx, "AABBCC"))
	dl, err := r.Get(ctx, "AABBCC")
	require.NoError(t, err)
	require.True(t, ts.Equal(dl.LastSeen))
	require.Equal(t, "cayenne", dl.Decoder)

	// an existing decoder is kept
	mr.HSet("test:datalogger:AABBCC", "decoder", "raw")
	r.now = func() time.Time { return ts.Add(time.Minute) }
	require.NoError(t, r.TouchActivity(ctx, "AABBCC"))

	dl, existed, err := r.Lookup(ctx, "AABBCC")
	require.NoError(t, err)
	require.True(t, existed)
	require.Equal(t, "raw", dl.Decoder)
	require.True(t, ts.Equal(dl.CreatedAt))
	require.True(t, ts.Add(time.Minute).Equal(dl.LastSeen))
}

func TestUnavailable(t *testing.T) {
	r, mr := newRegistry(t)
	mr.SetError("ERR server unavailable")

	_, _, err := r.Lookup(context.Background(), "AABBCC")
	require.Error(t, err)
	require.Error(t, r.TouchActivity(context.Background(), "AABBCC"))
}

func TestSetDecoderKeys(t *testing.T) {
	r, mr := newRegistry(t)
	ctx := context.Background()

	require.NoError(t, r.SetDecoder(ctx, "AABBCC", "raw"))
	require.Equal(t, "raw", mr.HGet("test:datalogger:AABBCC", "decoder"))

	dl, existed, err := r.Lookup(ctx, "AABBCC")
	require.NoError(t, err)
	require.True(t, existed)
	require.Equal(t, "raw", dl.Decoder)
	require.False(t, dl.CreatedAt.IsZero())

	_, _, err = r.Lookup(ctx, "DDEEFF")
	require.NoError(t, err)

	keys, err := r.Keys(ctx)
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"AABBCC", "DDEEFF"}, keys)

	var _ storage.Admin = r
}
