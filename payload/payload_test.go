package payload

import (
	"context"
	"encoding/hex"
	"errors"
	"testing"

	"github.com/akhenakh/cayenne"
	"github.com/stretchr/testify/require"
)

func TestDecodeRaw(t *testing.T) {
	d := NewDecoder()
	fields, err := d.Decode(context.Background(), Raw, "48656c6c6f", 1)
	require.NoError(t, err)
	require.Equal(t, "48656c6c6f", fields["payload_hex"])
	require.Equal(t, int64(5), fields["payload_size"])
	require.Equal(t, int64(1), fields["port"])
}

func TestDecodeCayenneGPS(t *testing.T) {
	e := cayenne.NewEncoder()
	e.AddGPS(1, 48.8, 2.2, 0.0)

	d := NewDecoder()
	fields, err := d.Decode(context.Background(), Cayenne, hex.EncodeToString(e.Bytes()), 1)
	require.NoError(t, err)
	require.InDelta(t, 48.8, fields["latitude"], 0.001)
	require.InDelta(t, 2.2, fields["longitude"], 0.001)
}

func TestDecodeErrors(t *testing.T) {
	d := NewDecoder()
	ctx := context.Background()

	var derr *DecodeError
	_, err := d.Decode(ctx, "unknown", "00", 1)
	require.True(t, errors.As(err, &derr))
	require.Equal(t, "unknown", derr.Decoder)

	_, err = d.Decode(ctx, Raw, "zz", 1)
	require.True(t, errors.As(err, &derr))

	_, err = d.Decode(ctx, Cayenne, "", 1)
	require.True(t, errors.As(err, &derr))

	d.Register("failing", func(b []byte, port int) (map[string]interface{}, error) {
		return nil, errors.New("truncated frame")
	})
	_, err = d.Decode(ctx, "failing", "00", 1)
	require.True(t, errors.As(err, &derr))
	require.Equal(t, "malformed payload", derr.Reason)

	cctx, cancel := context.WithCancel(ctx)
	cancel()
	_, err = d.Decode(cctx, Raw, "00", 1)
	require.Equal(t, context.Canceled, err)
}

func TestNames(t *testing.T) {
	require.Equal(t, []string{Cayenne, Raw}, NewDecoder().Names())
}
