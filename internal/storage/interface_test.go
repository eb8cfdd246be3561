package storage

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sirosfoundation/go-secgw/internal/config"
)

func TestOpenMemory(t *testing.T) {
	s, err := Open(context.Background(), &config.StorageConfig{Type: config.StorageMemory})
	require.NoError(t, err)
	require.NoError(t, s.Ping(context.Background()))

	last, err := s.LastMessage(context.Background())
	require.NoError(t, err)
	assert.Nil(t, last)
	assert.NoError(t, s.Close(context.Background()))
}

func TestOpenUnknown(t *testing.T) {
	_, err := Open(context.Background(), &config.StorageConfig{Type: "postgres"})
	assert.Error(t, err)
}
