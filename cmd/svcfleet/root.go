package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/hewenyu/svcfleet/internal/config"
	"github.com/hewenyu/svcfleet/pkg/storage"
	"github.com/hewenyu/svcfleet/pkg/storage/etcd"
	"github.com/hewenyu/svcfleet/pkg/storage/memory"
	"github.com/hewenyu/svcfleet/pkg/storage/mongo"
)

const cliTimeout = 10 * time.Second

type rootOptions struct {
	configFile string
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	cmd := &cobra.Command{
		Use:          "svcfleet",
		Short:        "在一组主机上监管并放置长时间运行的服务",
		SilenceUsage: true,
	}
	cmd.PersistentFlags().StringVar(&opts.configFile, "config", "", "配置文件路径")

	cmd.AddCommand(
		newRunCmd(opts),
		newServiceCmd(opts),
		newSeedCmd(opts),
	)
	return cmd
}

// load 加载配置并创建日志
func (o *rootOptions) load() (*config.Config, config.Logger, error) {
	path := o.configFile
	if path == "" {
		path = config.GetDefaultConfigPath()
	}
	cfg, err := config.LoadConfig(path)
	if err != nil {
		return nil, nil, fmt.Errorf("加载配置失败: %w", err)
	}
	logger, err := config.NewLogger(cfg.Log.Development, cfg.Log.Level)
	if err != nil {
		return nil, nil, fmt.Errorf("初始化日志失败: %w", err)
	}
	return cfg, logger, nil
}

// openStore 按配置创建共享存储
func openStore(cfg *config.Config) (storage.Store, error) {
	switch cfg.Store.Backend {
	case "memory":
		return memory.NewMemoryStore(nil), nil
	case "etcd", "":
		client, err := etcd.NewClient(etcd.ClientConfig{
			Endpoints:   cfg.Store.Etcd.Endpoints,
			Username:    cfg.Store.Etcd.Username,
			Password:    cfg.Store.Etcd.Password,
			DialTimeout: cfg.Store.Etcd.DialTimeout,
			Prefix:      cfg.Store.Etcd.Prefix,
		})
		if err != nil {
			return nil, err
		}
		return etcd.NewEtcdStore(client), nil
	case "mongo":
		store, err := mongo.NewMongoStore(mongo.Config{
			URL:         cfg.Store.Mongo.URL,
			Database:    cfg.Store.Mongo.Database,
			DialTimeout: cfg.Store.Mongo.DialTimeout,
		})
		if err != nil {
			return nil, err
		}
		return store, nil
	}
	return nil, fmt.Errorf("未知的存储后端: %s", cfg.Store.Backend)
}

// withStore 打开存储执行fn后关闭
func (o *rootOptions) withStore(fn func(ctx context.Context, cfg *config.Config, store storage.Store) error) error {
	cfg, logger, err := o.load()
	if err != nil {
		return err
	}
	defer logger.Sync()

	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	ctx, cancel := context.WithTimeout(context.Background(), cliTimeout)
	defer cancel()
	return fn(ctx, cfg, store)
}
