package main

import (
	"context"
	"fmt"
	"io"
	"sort"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/hewenyu/svcfleet/internal/config"
	"github.com/hewenyu/svcfleet/pkg/manager"
	"github.com/hewenyu/svcfleet/pkg/model"
	"github.com/hewenyu/svcfleet/pkg/storage"
)

// serviceListEntry service list 的一行输出
type serviceListEntry struct {
	Name           string             `yaml:"name"`
	Implementation string             `yaml:"implementation_id"`
	Active         bool               `yaml:"active"`
	Status         string             `yaml:"status,omitempty"`
	Health         string             `yaml:"health"`
	Leases         []serviceLeaseLine `yaml:"leases,omitempty"`
}

type serviceLeaseLine struct {
	ID     string `yaml:"id"`
	Host   string `yaml:"host"`
	PID    int    `yaml:"pid"`
	Status string `yaml:"status"`
}

func newServiceCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "service",
		Short: "管理服务定义",
	}
	cmd.AddCommand(
		newServiceListCmd(opts),
		newServiceCreateCmd(opts),
		newServiceActiveCmd(opts, "enable", true),
		newServiceActiveCmd(opts, "disable", false),
	)
	return cmd
}

func newServiceListCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "列出服务定义及其租约",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withStore(func(ctx context.Context, _ *config.Config, store storage.Store) error {
				return listServices(ctx, store, cmd.OutOrStdout())
			})
		},
	}
}

func listServices(ctx context.Context, store storage.Store, w io.Writer) error {
	docs, err := store.FindAll(ctx, storage.CollectionServices, nil)
	if err != nil {
		return fmt.Errorf("读取服务定义失败: %w", err)
	}
	leases, err := manager.FetchLeases(ctx, store, nil)
	if err != nil {
		return fmt.Errorf("读取租约失败: %w", err)
	}

	byService := make(map[string][]model.ServiceLease)
	for _, l := range leases {
		byService[l.ServiceName] = append(byService[l.ServiceName], l)
	}

	entries := make([]serviceListEntry, 0, len(docs))
	for id, doc := range docs {
		var desc model.ServiceDescriptor
		if err := storage.Decode(doc, &desc); err != nil {
			return fmt.Errorf("解析服务定义 %s 失败: %w", id, err)
		}
		own := byService[id]
		sort.Slice(own, func(i, j int) bool { return own[i].LeaseID < own[j].LeaseID })

		entry := serviceListEntry{
			Name:           id,
			Implementation: desc.ImplementationID,
			Active:         desc.Active,
			Status:         string(desc.Status),
			Health:         manager.HealthSummary(own),
		}
		for _, l := range own {
			entry.Leases = append(entry.Leases, serviceLeaseLine{
				ID:     l.LeaseID,
				Host:   l.Hostname,
				PID:    l.PID,
				Status: string(l.Status),
			})
		}
		entries = append(entries, entry)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name < entries[j].Name })

	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	defer enc.Close()
	return enc.Encode(entries)
}

func newServiceCreateCmd(opts *rootOptions) *cobra.Command {
	var (
		impl        string
		description string
		inactive    bool
		settings    map[string]string
	)
	cmd := &cobra.Command{
		Use:   "create NAME",
		Short: "创建服务定义，已存在时报错",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			desc := model.ServiceDescriptor{
				Name:             args[0],
				Description:      description,
				Active:           !inactive,
				ImplementationID: impl,
			}
			if len(settings) > 0 {
				desc.Config = make(map[string]interface{}, len(settings))
				for k, v := range settings {
					desc.Config[k] = v
				}
			}
			return opts.withStore(func(ctx context.Context, _ *config.Config, store storage.Store) error {
				if err := manager.CreateService(ctx, store, desc); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "服务 %s 已创建\n", desc.Name)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&impl, "impl", "", "服务实现ID")
	cmd.Flags().StringVar(&description, "description", "", "服务说明")
	cmd.Flags().BoolVar(&inactive, "inactive", false, "创建为停用状态")
	cmd.Flags().StringToStringVar(&settings, "set", nil, "服务配置项，形如 key=value")
	cmd.MarkFlagRequired("impl")
	return cmd
}

func newServiceActiveCmd(opts *rootOptions, verb string, active bool) *cobra.Command {
	return &cobra.Command{
		Use:   verb + " NAME",
		Short: map[bool]string{true: "启用服务", false: "停用服务"}[active],
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withStore(func(ctx context.Context, _ *config.Config, store storage.Store) error {
				if err := setServiceActive(ctx, store, args[0], active); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "服务 %s active=%t\n", args[0], active)
				return nil
			})
		},
	}
}

// setServiceActive 只修改active字段，其余字段由各进程维护
func setServiceActive(ctx context.Context, store storage.Store, name string, active bool) error {
	err := store.UpdateFields(ctx, storage.CollectionServices, name, storage.Document{"active": active})
	if storage.IsNotFound(err) {
		return fmt.Errorf("服务 %s 不存在", name)
	}
	return err
}
