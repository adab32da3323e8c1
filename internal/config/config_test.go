package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfig(t *testing.T) {
	config, err := LoadConfig("")
	require.NoError(t, err, "无法加载默认配置")
	require.NotNil(t, config, "配置不应为nil")

	assert.Equal(t, "etcd", config.Store.Backend, "默认存储后端应为etcd")
	assert.Equal(t, []string{"localhost:2379"}, config.Store.Etcd.Endpoints)
	assert.Equal(t, time.Second, config.Supervisor.HeartbeatInterval, "心跳间隔默认1秒")
	assert.Equal(t, time.Second, config.Supervisor.PollInterval, "轮询间隔默认1秒")
	assert.Equal(t, 5*time.Second, config.Supervisor.DyingTimeout, "过期时间默认5秒")
	assert.Equal(t, 60*time.Second, config.Supervisor.FailureCooldown, "失败冷却默认60秒")
	assert.Equal(t, 3, config.Supervisor.MaxHeartbeatFailures)
	assert.Equal(t, 8080, config.API.Port, "管理API端口应为8080")
	assert.False(t, config.DNS.Enabled, "DNS默认关闭")
}

func TestLoadConfigFromEnvVars(t *testing.T) {
	t.Setenv("SVCFLEET_API_PORT", "9090")
	t.Setenv("SVCFLEET_STORE_BACKEND", "memory")
	t.Setenv("SVCFLEET_SUPERVISOR_FAILURE_COOLDOWN", "2m")

	config, err := LoadConfig("")
	require.NoError(t, err, "无法加载配置")

	assert.Equal(t, 9090, config.API.Port, "环境变量应正确覆盖管理API端口")
	assert.Equal(t, "memory", config.Store.Backend)
	assert.Equal(t, 2*time.Minute, config.Supervisor.FailureCooldown)
	assert.Equal(t, 5353, config.DNS.Port, "DNS端口不应被环境变量影响")
}

func TestLoadConfigFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "svcfleet.yaml")
	content := []byte(`
store:
  backend: mongo
  mongo:
    url: mongodb://db:27017
supervisor:
  heartbeat_interval: 500ms
  dying_timeout: 3s
host:
  hostname: render-01
`)
	require.NoError(t, os.WriteFile(path, content, 0o644))

	config, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, "mongo", config.Store.Backend)
	assert.Equal(t, "mongodb://db:27017", config.Store.Mongo.URL)
	assert.Equal(t, 500*time.Millisecond, config.Supervisor.HeartbeatInterval)
	assert.Equal(t, 3*time.Second, config.Supervisor.DyingTimeout)

	hostname, err := config.ResolveHostname()
	require.NoError(t, err)
	assert.Equal(t, "render-01", hostname)
}

func TestLoadConfigRejectsShortDyingTimeout(t *testing.T) {
	t.Setenv("SVCFLEET_SUPERVISOR_DYING_TIMEOUT", "1s")

	_, err := LoadConfig("")
	assert.Error(t, err, "过期时间不大于心跳间隔时应报错")
}

func TestLoadConfigWithMissingFile(t *testing.T) {
	config, err := LoadConfig("non_existent_file.yaml")

	assert.Error(t, err, "从不存在的文件加载配置应该失败")
	assert.Nil(t, config, "加载不存在的配置文件应该返回nil配置")
}
