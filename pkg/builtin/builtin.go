// Package builtin 提供随svcfleet发布的通用服务实现。
package builtin

import (
	"fmt"
	"time"

	"github.com/go-viper/mapstructure/v2"

	"github.com/hewenyu/svcfleet/internal/config"
	"github.com/hewenyu/svcfleet/pkg/model"
	"github.com/hewenyu/svcfleet/pkg/service"
)

// 内置实现ID
const (
	CommandID           = "Command"
	PerHostCommandID    = "PerHostCommand"
	PerProcessCommandID = "PerProcessCommand"
	TickerID            = "Ticker"
)

// Register 把全部内置实现注册到注册表
func Register(reg *service.Registry, logger config.Logger) error {
	if logger == nil {
		logger = config.NewNopLogger()
	}

	commandFactory := func(cfg map[string]interface{}) (service.Service, error) {
		return NewCommand(cfg, logger)
	}
	impls := []service.Implementation{
		{
			ID:          CommandID,
			Description: "运行一个外部命令，整个集群只有一份",
			Restriction: model.SingleHostProcess,
			Factory:     commandFactory,
		},
		{
			ID:          PerHostCommandID,
			Description: "运行一个外部命令，每台主机一份",
			Restriction: model.SingleHost,
			Factory:     commandFactory,
		},
		{
			ID:          PerProcessCommandID,
			Description: "运行一个外部命令，每个svcfleet进程一份",
			Restriction: model.Unrestricted,
			Factory:     commandFactory,
		},
		{
			ID:          TickerID,
			Description: "按固定间隔输出日志，用于验证放置",
			Restriction: model.SingleHostProcess,
			Factory: func(cfg map[string]interface{}) (service.Service, error) {
				return NewTicker(cfg, logger)
			},
		},
	}
	for _, impl := range impls {
		if err := reg.Register(impl); err != nil {
			return err
		}
	}
	return nil
}

// decodeConfig 把服务定义中的config解码为结构体，未知字段视为错误
func decodeConfig(input map[string]interface{}, out interface{}) error {
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		TagName:          "json",
		WeaklyTypedInput: true,
		ErrorUnused:      true,
		Result:           out,
		DecodeHook:       mapstructure.StringToTimeDurationHookFunc(),
	})
	if err != nil {
		return err
	}
	if err := decoder.Decode(input); err != nil {
		return fmt.Errorf("服务配置无效: %w", err)
	}
	return nil
}

func durationOr(d, fallback time.Duration) time.Duration {
	if d > 0 {
		return d
	}
	return fallback
}
