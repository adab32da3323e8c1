package main

import (
	"context"
	"flag"
	"log"
	"time"

	sdk "github.com/hewenyu/svcfleet/sdk/go"

	"github.com/hewenyu/svcfleet/pkg/manager"
	"github.com/hewenyu/svcfleet/pkg/model"
)

func main() {
	addr := flag.String("addr", "localhost:8080", "svcfleet管理API地址")
	flag.Parse()

	client, err := sdk.NewClient(&sdk.Config{ServerAddr: *addr, Timeout: 5 * time.Second})
	if err != nil {
		log.Fatalf("创建SDK客户端失败: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	err = client.CreateService(ctx, model.ServiceDescriptor{
		Name:             "heartbeat-logger",
		Description:      "每5秒输出一次日志",
		Active:           true,
		ImplementationID: "Ticker",
		Config:           map[string]interface{}{"interval": "5s", "message": "still alive"},
	})
	if err != nil {
		log.Printf("创建服务失败（可能已存在）: %v", err)
	}

	view, err := client.WaitForHealth(ctx, "heartbeat-logger", manager.HealthHealthy, time.Second)
	if err != nil {
		log.Fatalf("服务未能运行: %v", err)
	}
	for _, l := range view.Leases {
		log.Printf("服务运行在 %s (pid %d)，状态 %s", l.Hostname, l.PID, l.Status)
	}

	hosts, err := client.ListHosts(ctx)
	if err != nil {
		log.Fatalf("获取主机列表失败: %v", err)
	}
	for _, h := range hosts {
		log.Printf("主机 %s: %s，实例数 %d", h.Hostname, h.Status, h.Instances)
	}
}
