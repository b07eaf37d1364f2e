package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("ISOTOPE_MAX_THREADS", "3")
	t.Setenv("ISOTOPE_DISTRIBUTED_COPY", "false")
	t.Setenv("EXCHANGE_TRANSPORT", "kafka")
	t.Setenv("KAFKA_BROKERS", "k1:9092,k2:9092")
	t.Setenv("CLUSTER_NODES", "5")
	t.Setenv("SHUTDOWN_TIMEOUT", "5s")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, TransportKafka, cfg.Exchange.Transport)
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.Exchange.KafkaBrokers)
	assert.Equal(t, 5, cfg.Cluster.Nodes)
	assert.Equal(t, 5*time.Second, cfg.Shutdown.Timeout)

	s := cfg.Settings()
	assert.Equal(t, 3, s.MaxThreads)
	assert.False(t, s.EnableDistributedCopy)
	assert.Positive(t, s.Workers)
}

func TestLoadRejectsInvalid(t *testing.T) {
	t.Setenv("EXCHANGE_TRANSPORT", "carrier-pigeon")
	_, err := Load()
	assert.ErrorContains(t, err, "carrier-pigeon")

	assert.Equal(t, Default(), LoadOrDefault())
}

func TestLoadRejectsMalformedValue(t *testing.T) {
	t.Setenv("CLUSTER_NODES", "many")
	_, err := Load()
	assert.ErrorContains(t, err, "failed to load config")
}
