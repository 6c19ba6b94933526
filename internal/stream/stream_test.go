package stream

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/weiawesome/wes-io-relay/internal/domain"
)

func TestNewDisabledIsNop(t *testing.T) {
	p, err := New(Config{Enabled: false, Brokers: "unused:9092"})
	require.NoError(t, err)
	assert.IsType(t, Nop{}, p)

	assert.NoError(t, p.PublishMessage(context.Background(), &domain.Message{Key: "m1"}))
	assert.NoError(t, p.Close())
}
