package service

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hewenyu/svcfleet/pkg/model"
)

func noopFactory(map[string]interface{}) (Service, error) {
	return ServiceFunc(func(ctx context.Context) error { return nil }), nil
}

func TestRegistryRegisterAndLookup(t *testing.T) {
	r := NewRegistry()

	require.NoError(t, r.Register(Implementation{ID: "Indexer", Restriction: model.SingleHost, Factory: noopFactory}))
	assert.Error(t, r.Register(Implementation{ID: "Indexer", Factory: noopFactory}), "重复注册应失败")
	assert.Error(t, r.Register(Implementation{ID: "", Factory: noopFactory}))
	assert.Error(t, r.Register(Implementation{ID: "Bad", Restriction: "Everywhere", Factory: noopFactory}))

	require.NoError(t, r.Register(Implementation{ID: "Mailer", Factory: noopFactory}))
	assert.Equal(t, model.SingleHost, r.Restriction("Indexer"))
	assert.Equal(t, DefaultRestriction, r.Restriction("Mailer"), "未声明放置策略时使用默认值")
	assert.Equal(t, DefaultRestriction, r.Restriction("Unknown"))

	impls := r.Implementations()
	require.Len(t, impls, 2)
	assert.Equal(t, "Indexer", impls[0].ID)
}

func TestRegistryBuild(t *testing.T) {
	r := NewRegistry()
	r.MustRegister(Implementation{ID: "Noop", Factory: noopFactory})
	r.MustRegister(Implementation{ID: "Picky", Factory: func(cfg map[string]interface{}) (Service, error) {
		if _, ok := cfg["path"]; !ok {
			return nil, errors.New("path is required")
		}
		return noopFactory(cfg)
	}})
	r.MustRegister(Implementation{ID: "Panicky", Factory: func(map[string]interface{}) (Service, error) {
		panic("bad config")
	}})

	svc, err := r.Build(model.ServiceDescriptor{Name: "a", ImplementationID: "Noop"})
	require.NoError(t, err)
	assert.NotNil(t, svc)

	_, err = r.Build(model.ServiceDescriptor{Name: "b", ImplementationID: "Missing"})
	assert.Error(t, err, "未知实现应返回构造错误")

	_, err = r.Build(model.ServiceDescriptor{Name: "c", ImplementationID: "Picky"})
	assert.ErrorContains(t, err, "path is required")

	_, err = r.Build(model.ServiceDescriptor{Name: "d", ImplementationID: "Panicky"})
	assert.ErrorContains(t, err, "bad config", "工厂函数panic应转换为错误")

	assert.Panics(t, func() { r.MustRegister(Implementation{ID: "Noop", Factory: noopFactory}) })
}
