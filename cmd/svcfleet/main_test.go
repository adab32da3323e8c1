package main

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/hewenyu/svcfleet/pkg/model"
	"github.com/hewenyu/svcfleet/pkg/storage"
	"github.com/hewenyu/svcfleet/pkg/storage/memory"
)

const seedYAML = `
- name: indexer
  description: full text index
  implementation_id: Command
  config:
    command: /usr/bin/indexer
    args: ["--path", "/var/index"]
- name: mailer
  implementation_id: Ticker
  active: false
`

func TestParseSeed(t *testing.T) {
	descs, err := parseSeed([]byte(seedYAML))
	require.NoError(t, err)
	require.Len(t, descs, 2)

	assert.Equal(t, "indexer", descs[0].Name)
	assert.True(t, descs[0].Active, "active缺省为true")
	assert.Equal(t, "/usr/bin/indexer", descs[0].Config["command"])
	assert.False(t, descs[1].Active)

	_, err = parseSeed([]byte("- name: indexer\n"))
	assert.Error(t, err, "缺少implementation_id应返回错误")

	_, err = parseSeed([]byte("- {name: a, implementation_id: Ticker}\n- {name: a, implementation_id: Ticker}\n"))
	assert.Error(t, err, "重复的服务应返回错误")
}

func TestSeedServicesSkipsExisting(t *testing.T) {
	s := memory.NewMemoryStore(nil)
	ctx := context.Background()
	require.NoError(t, s.InsertIfAbsent(ctx, storage.CollectionServices, "indexer", model.ServiceDescriptor{
		Name: "indexer", Active: false, ImplementationID: "Command",
	}.ToDocument()))

	descs, err := parseSeed([]byte(seedYAML))
	require.NoError(t, err)

	var out bytes.Buffer
	require.NoError(t, seedServices(ctx, s, descs, &out))
	assert.Contains(t, out.String(), "跳过 indexer")
	assert.Contains(t, out.String(), "已创建 mailer")

	doc, err := s.FindOne(ctx, storage.CollectionServices, "indexer")
	require.NoError(t, err)
	assert.Equal(t, false, doc["active"], "已存在的定义不应被覆盖")
}

func TestListServices(t *testing.T) {
	s := memory.NewMemoryStore(nil)
	ctx := context.Background()

	descs, err := parseSeed([]byte(seedYAML))
	require.NoError(t, err)
	require.NoError(t, seedServices(ctx, s, descs, &bytes.Buffer{}))

	lease := model.ServiceLease{LeaseID: "indexer", ServiceName: "indexer", Status: model.StatusRunning, Hostname: "render-01", PID: 100}
	require.NoError(t, s.InsertIfAbsent(ctx, storage.CollectionServiceLeases, "indexer", lease.ToDocument()))

	var out bytes.Buffer
	require.NoError(t, listServices(ctx, s, &out))

	var entries []serviceListEntry
	require.NoError(t, yaml.Unmarshal(out.Bytes(), &entries))
	require.Len(t, entries, 2)
	assert.Equal(t, "indexer", entries[0].Name)
	assert.Equal(t, "Healthy", entries[0].Health)
	require.Len(t, entries[0].Leases, 1)
	assert.Equal(t, "render-01", entries[0].Leases[0].Host)
	assert.Equal(t, "Not Running", entries[1].Health)
}

func TestSetServiceActive(t *testing.T) {
	s := memory.NewMemoryStore(nil)
	ctx := context.Background()

	assert.Error(t, setServiceActive(ctx, s, "indexer", true), "不存在的服务应返回错误")

	require.NoError(t, s.InsertIfAbsent(ctx, storage.CollectionServices, "indexer", model.ServiceDescriptor{
		Name: "indexer", ImplementationID: "Command",
	}.ToDocument()))
	require.NoError(t, setServiceActive(ctx, s, "indexer", true))

	doc, err := s.FindOne(ctx, storage.CollectionServices, "indexer")
	require.NoError(t, err)
	assert.Equal(t, true, doc["active"])
}

func TestRootCommandTree(t *testing.T) {
	root := newRootCmd()
	for _, path := range [][]string{{"run"}, {"seed"}, {"service", "list"}, {"service", "create"}, {"service", "enable"}, {"service", "disable"}} {
		cmd, _, err := root.Find(path)
		require.NoError(t, err)
		assert.Equal(t, path[len(path)-1], cmd.Name())
	}
}
