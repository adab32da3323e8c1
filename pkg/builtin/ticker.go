package builtin

import (
	"context"
	"time"

	"github.com/juju/clock"
	"go.uber.org/zap"

	"github.com/hewenyu/svcfleet/internal/config"
)

// TickerConfig 定时日志服务的配置
type TickerConfig struct {
	Interval time.Duration `json:"interval"`
	Message  string        `json:"message"`
}

// Ticker 按固定间隔输出日志，直到被停止
type Ticker struct {
	cfg    TickerConfig
	clock  clock.Clock
	logger config.Logger
}

// NewTicker 根据配置创建定时日志服务
func NewTicker(raw map[string]interface{}, logger config.Logger) (*Ticker, error) {
	var cfg TickerConfig
	if err := decodeConfig(raw, &cfg); err != nil {
		return nil, err
	}
	cfg.Interval = durationOr(cfg.Interval, 10*time.Second)
	if cfg.Message == "" {
		cfg.Message = "tick"
	}
	if logger == nil {
		logger = config.NewNopLogger()
	}
	return &Ticker{cfg: cfg, clock: clock.WallClock, logger: logger}, nil
}

// Run 每个间隔输出一次日志
func (t *Ticker) Run(ctx context.Context) error {
	count := 0
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.clock.After(t.cfg.Interval):
		}
		count++
		t.logger.Info(t.cfg.Message, zap.Int("count", count))
	}
}
