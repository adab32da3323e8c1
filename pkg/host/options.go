// Package host 维护主机和主机进程的心跳记录，并根据心跳判断它们是否存活。
package host

import (
	"time"

	"github.com/juju/clock"

	"github.com/hewenyu/svcfleet/internal/config"
)

const storeTimeout = 5 * time.Second

// Options 心跳与过期参数
type Options struct {
	HeartbeatInterval    time.Duration
	DyingTimeout         time.Duration
	MaxHeartbeatFailures int
	Clock                clock.Clock
	Logger               config.Logger
}

func (o *Options) setDefaults() {
	if o.HeartbeatInterval <= 0 {
		o.HeartbeatInterval = time.Second
	}
	if o.DyingTimeout <= 0 {
		o.DyingTimeout = 5 * time.Second
	}
	if o.MaxHeartbeatFailures <= 0 {
		o.MaxHeartbeatFailures = 3
	}
	if o.Clock == nil {
		o.Clock = clock.WallClock
	}
	if o.Logger == nil {
		o.Logger = config.NewNopLogger()
	}
}
