package main

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/hewenyu/svcfleet/internal/config"
	"github.com/hewenyu/svcfleet/pkg/manager"
	"github.com/hewenyu/svcfleet/pkg/model"
	"github.com/hewenyu/svcfleet/pkg/storage"
)

// seedEntry 种子文件中的一个服务定义
type seedEntry struct {
	Name             string                 `yaml:"name"`
	Description      string                 `yaml:"description"`
	Active           *bool                  `yaml:"active"`
	ImplementationID string                 `yaml:"implementation_id"`
	Config           map[string]interface{} `yaml:"config"`
}

func newSeedCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "seed FILE",
		Short: "从YAML文件写入尚不存在的服务定义",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(args[0])
			if err != nil {
				return fmt.Errorf("读取种子文件失败: %w", err)
			}
			descs, err := parseSeed(data)
			if err != nil {
				return err
			}
			return opts.withStore(func(ctx context.Context, _ *config.Config, store storage.Store) error {
				return seedServices(ctx, store, descs, cmd.OutOrStdout())
			})
		},
	}
}

// parseSeed 解析种子文件，active缺省为true
func parseSeed(data []byte) ([]model.ServiceDescriptor, error) {
	var entries []seedEntry
	if err := yaml.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("解析种子文件失败: %w", err)
	}

	descs := make([]model.ServiceDescriptor, 0, len(entries))
	seen := make(map[string]bool, len(entries))
	for i, e := range entries {
		if e.Name == "" || e.ImplementationID == "" {
			return nil, fmt.Errorf("第%d个服务缺少name或implementation_id", i+1)
		}
		if seen[e.Name] {
			return nil, fmt.Errorf("服务 %s 重复定义", e.Name)
		}
		seen[e.Name] = true

		active := true
		if e.Active != nil {
			active = *e.Active
		}
		descs = append(descs, model.ServiceDescriptor{
			Name:             e.Name,
			Description:      e.Description,
			Active:           active,
			ImplementationID: e.ImplementationID,
			Config:           e.Config,
		})
	}
	return descs, nil
}

// seedServices 逐个插入服务定义，已存在的跳过
func seedServices(ctx context.Context, store storage.Store, descs []model.ServiceDescriptor, w io.Writer) error {
	for _, desc := range descs {
		err := manager.CreateService(ctx, store, desc)
		switch {
		case storage.IsAlreadyExists(err):
			fmt.Fprintf(w, "跳过 %s：已存在\n", desc.Name)
		case err != nil:
			return fmt.Errorf("写入服务 %s 失败: %w", desc.Name, err)
		default:
			fmt.Fprintf(w, "已创建 %s\n", desc.Name)
		}
	}
	return nil
}
