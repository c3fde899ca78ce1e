package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/billm/baaaht/relay/pkg/types"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadFromFile(t *testing.T) {
	path := writeConfig(t, `
app:
  app_id: billing
  app_instance_id: billing-1
  root_instance_id: hub
broker:
  default_timeout: 2s
channel:
  enabled: true
  dir: /tmp/relay-test
serialization:
  format: msgpack
`)

	cfg, err := LoadFromFile(path)
	require.NoError(t, err)

	assert.Equal(t, "billing", cfg.App.AppID)
	assert.False(t, cfg.App.Root)
	assert.Equal(t, "hub", cfg.App.RootInstanceID)
	assert.Equal(t, 2*time.Second, cfg.Broker.DefaultTimeout)
	assert.Equal(t, DefaultReplyQueueSize, cfg.Broker.ReplyQueueSize)
	assert.Equal(t, "/tmp/relay-test", cfg.Channel.Dir)
	assert.Equal(t, "msgpack", cfg.Serialization.Format)
	assert.Equal(t, "info", cfg.Logging.Level)
}

func TestLoadFromFileInterpolation(t *testing.T) {
	t.Setenv("RELAY_TEST_DIR", "/var/run/relay")
	path := writeConfig(t, `
app:
  root: true
  app_instance_id: ${RELAY_TEST_INSTANCE:-hub}
channel:
  enabled: true
  dir: ${RELAY_TEST_DIR}
broker:
  default_timeout: ${RELAY_TEST_TIMEOUT:-750ms}
`)

	cfg, err := LoadFromFile(path)
	require.NoError(t, err)
	assert.Equal(t, "hub", cfg.App.AppInstanceID)
	assert.Equal(t, "/var/run/relay", cfg.Channel.Dir)
	assert.Equal(t, 750*time.Millisecond, cfg.Broker.DefaultTimeout)
}

func TestLoadFromFileErrors(t *testing.T) {
	t.Run("wrong extension", func(t *testing.T) {
		_, err := LoadFromFile("/tmp/config.json")
		assert.True(t, types.IsErrCode(err, types.ErrCodeInvalidArgument))
	})

	t.Run("missing file", func(t *testing.T) {
		_, err := LoadFromFile(filepath.Join(t.TempDir(), "missing.yaml"))
		assert.True(t, types.IsErrCode(err, types.ErrCodeNotFound))
	})

	t.Run("empty file", func(t *testing.T) {
		_, err := LoadFromFile(writeConfig(t, "   \n"))
		assert.True(t, types.IsErrCode(err, types.ErrCodeInvalid))
	})

	t.Run("bad yaml", func(t *testing.T) {
		_, err := LoadFromFile(writeConfig(t, "app: [unclosed"))
		assert.True(t, types.IsErrCode(err, types.ErrCodeInvalid))
	})

	t.Run("type error", func(t *testing.T) {
		_, err := LoadFromFile(writeConfig(t, "broker:\n  reply_queue_size: lots\n"))
		require.Error(t, err)
		assert.Contains(t, err.Error(), "YAML type error")
	})

	t.Run("invalid values", func(t *testing.T) {
		_, err := LoadFromFile(writeConfig(t, "serialization:\n  format: xml\napp:\n  root: true\n"))
		require.Error(t, err)
		assert.Contains(t, err.Error(), "validation failed")
	})
}

func TestLoadPrecedence(t *testing.T) {
	path := writeConfig(t, `
app:
  root: true
  app_instance_id: hub
broker:
  default_timeout: 5s
logging:
  level: warn
`)
	t.Setenv("RELAY_BROKER_DEFAULT_TIMEOUT", "9s")
	t.Setenv("RELAY_LOG_FORMAT", "text")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 9*time.Second, cfg.Broker.DefaultTimeout, "env beats file")
	assert.Equal(t, "warn", cfg.Logging.Level, "file beats defaults")
	assert.Equal(t, "text", cfg.Logging.Format)
	assert.Equal(t, "hub", cfg.App.RootInstanceID)
}

func TestLoadWithoutFile(t *testing.T) {
	SetTestConfigPath(filepath.Join(t.TempDir(), "absent.yaml"))
	defer SetTestConfigPath("")

	t.Setenv("RELAY_APP_ROOT", "false")
	t.Setenv("RELAY_APP_INSTANCE_ID", "worker-7")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.False(t, cfg.App.Root)
	assert.Equal(t, "worker-7", cfg.App.AppInstanceID)
	assert.Equal(t, DefaultRootInstanceID, cfg.App.RootInstanceID)
}

func TestLoadExplicitMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.True(t, types.IsErrCode(err, types.ErrCodeNotFound))
}

func TestLoadInvalidEnv(t *testing.T) {
	SetTestConfigPath(filepath.Join(t.TempDir(), "absent.yaml"))
	defer SetTestConfigPath("")

	t.Setenv("RELAY_BROKER_DEFAULT_TIMEOUT", "soon")
	_, err := Load("")
	assert.True(t, types.IsErrCode(err, types.ErrCodeInvalid))
}
