package broker

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKindOf_ThroughWrapping(t *testing.T) {
	base := NewError(KindModifyRejected, "oanda", "modify stop", errors.New("STOP_LOSS_ON_FILL_PRICE_PRECISION_EXCEEDED"))
	wrapped := fmt.Errorf("move stop: %w", base)

	assert.Equal(t, KindModifyRejected, KindOf(wrapped))
	assert.True(t, HasKind(wrapped, KindModifyRejected))
	assert.False(t, IsTransient(wrapped))
	assert.Equal(t, KindUnknown, KindOf(errors.New("plain")))
	assert.False(t, HasKind(nil, KindUnknown))
}

func TestKindForStatus(t *testing.T) {
	tests := []struct {
		code int
		want Kind
	}{
		{401, KindAuth},
		{403, KindAuth},
		{404, KindNotFound},
		{429, KindTransient},
		{500, KindTransient},
		{503, KindTransient},
		{400, KindCloseRejected},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, KindForStatus(tt.code, KindCloseRejected), "status %d", tt.code)
	}
}

func TestError_Message(t *testing.T) {
	err := Transport("kraken", "get status", errors.New("connection reset"))
	assert.True(t, IsTransient(err))
	assert.Equal(t, "kraken get status: transient: connection reset", err.Error())
	assert.Equal(t, "price_unavailable", KindPriceUnavailable.String())
}

func TestDirection(t *testing.T) {
	assert.Equal(t, 1.0, Long.Sign())
	assert.Equal(t, -1.0, Short.Sign())
	assert.Equal(t, Short, Long.Opposite())

	d, err := ParseDirection("SHORT")
	require.NoError(t, err)
	assert.Equal(t, Short, d)

	_, err = ParseDirection("sideways")
	assert.Error(t, err)
}

type namedClient struct {
	Client
	name string
}

func (n namedClient) Name() string { return n.name }

func TestRegistry(t *testing.T) {
	r := NewRegistry(namedClient{name: "oanda"}, namedClient{name: "kraken"})

	c, err := r.Get("kraken")
	require.NoError(t, err)
	assert.Equal(t, "kraken", c.Name())

	_, err = r.Get("ib")
	assert.Error(t, err)
	assert.Equal(t, []string{"kraken", "oanda"}, r.Names())
}
