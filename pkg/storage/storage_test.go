package storage_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hewenyu/svcfleet/pkg/model"
	"github.com/hewenyu/svcfleet/pkg/storage"
	"github.com/hewenyu/svcfleet/pkg/storage/memory"
)

func TestDescriptorRoundTrip(t *testing.T) {
	s := memory.NewMemoryStore(nil)
	ctx := context.Background()

	want := model.ServiceDescriptor{
		Name:             "indexer",
		Description:      "builds the search index",
		Active:           true,
		ImplementationID: "Command",
		Config: map[string]interface{}{
			"command": "indexer",
			"args":    []interface{}{"--full"},
		},
	}
	require.NoError(t, s.InsertIfAbsent(ctx, storage.CollectionServices, want.Name, want.ToDocument()))

	doc, err := s.FindOne(ctx, storage.CollectionServices, want.Name)
	require.NoError(t, err)

	var got model.ServiceDescriptor
	require.NoError(t, storage.Decode(doc, &got))
	assert.Equal(t, want, got, "写入后读出的服务定义应完全一致")
}

func TestDecodeJSONStyleDocument(t *testing.T) {
	// etcd后端中的文档经过JSON往返，时间是字符串、数值是float64
	doc := storage.Document{
		"lease_id":       "indexer@a",
		"service_name":   "indexer",
		"status":         "Running",
		"heartbeat_time": "2024-05-01T12:00:01.5Z",
		"hostname":       "a",
		"pid":            float64(42),
		"restriction":    "SingleHost",
	}

	var lease model.ServiceLease
	require.NoError(t, storage.Decode(doc, &lease))
	assert.Equal(t, 42, lease.PID)
	assert.Equal(t, model.StatusRunning, lease.Status)
	assert.Equal(t, model.SingleHost, lease.Restriction)
	assert.True(t, lease.HeartbeatTime.Equal(time.Date(2024, 5, 1, 12, 0, 1, 500000000, time.UTC)))
}

func TestErrorHelpers(t *testing.T) {
	assert.True(t, storage.IsNotFound(storage.NewNotFoundError("x")))
	assert.False(t, storage.IsNotFound(storage.NewAlreadyExistsError("x")))
	assert.True(t, storage.IsAlreadyExists(storage.NewAlreadyExistsError("x")))
	assert.False(t, storage.IsAlreadyExists(nil))
	assert.True(t, storage.IsInvalidArgument(storage.NewInvalidArgumentError("x")))
	assert.Error(t, storage.ValidateKey("", "id"))
	assert.Error(t, storage.ValidateKey("c", ""))
	assert.NoError(t, storage.ValidateKey("c", "id"))
}

func TestMatches(t *testing.T) {
	doc := storage.Document{"service_name": "indexer", "pid": float64(7)}

	assert.True(t, storage.Matches(doc, nil))
	assert.True(t, storage.Matches(doc, storage.Filter{"service_name": "indexer"}))
	assert.True(t, storage.Matches(doc, storage.Filter{"pid": 7}), "JSON数值与整数应视为相等")
	assert.False(t, storage.Matches(doc, storage.Filter{"service_name": "mailer"}))
	assert.False(t, storage.Matches(doc, storage.Filter{"hostname": "a"}))
}
