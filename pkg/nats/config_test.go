package nats

import (
	"testing"

	"github.com/smartcontractkit/chainlink-common/pkg/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClientOpts_verifyConfig(t *testing.T) {
	valid := ClientOpts{
		Logger:     logger.Nop(),
		ServerURLs: []string{"nats://127.0.0.1:4222"},
		ClientName: "nav-oracle",
	}

	t.Run("accepts a valid config", func(t *testing.T) {
		o := valid
		require.NoError(t, o.verifyConfig())
	})
	t.Run("requires a logger", func(t *testing.T) {
		o := valid
		o.Logger = nil
		assert.Error(t, o.verifyConfig())
	})
	t.Run("requires server URLs", func(t *testing.T) {
		o := valid
		o.ServerURLs = nil
		assert.Error(t, o.verifyConfig())
	})
	t.Run("requires a client name", func(t *testing.T) {
		o := valid
		o.ClientName = ""
		assert.Error(t, o.verifyConfig())
	})
}

func TestNewClient_DefaultsSubjectPrefix(t *testing.T) {
	c, err := NewClient(ClientOpts{
		Logger:     logger.Nop(),
		ServerURLs: []string{"nats://127.0.0.1:4222"},
		ClientName: "nav-oracle",
	})
	require.NoError(t, err)
	assert.Equal(t, DefaultSubjectPrefix, c.(*client).subjectPrefix)
}
