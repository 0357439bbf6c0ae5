package telemetry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInitDisabled(t *testing.T) {
	shutdown, err := Init(context.Background(), Settings{ServiceName: "futago"})
	require.NoError(t, err)
	require.NotNil(t, shutdown)
	assert.NoError(t, shutdown(context.Background()))
}

func TestInitWithEndpoint(t *testing.T) {
	// Exporters connect lazily; nothing needs to listen on the endpoint.
	shutdown, err := Init(context.Background(), Settings{
		Endpoint:       "localhost:4318",
		Insecure:       true,
		ServiceName:    "futago-test",
		ServiceVersion: "test",
	})
	require.NoError(t, err)

	_, span := Tracer("futago/test").Start(context.Background(), "op")
	span.End()
	counter, err := Meter("futago/test").Int64Counter("futago.test.count")
	require.NoError(t, err)
	counter.Add(context.Background(), 1)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_ = shutdown(ctx)
}
