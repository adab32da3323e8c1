package etcd

import (
	"context"
	"fmt"
	"strings"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"
)

// ClientConfig etcd连接配置
type ClientConfig struct {
	Endpoints   []string
	Username    string
	Password    string
	DialTimeout time.Duration
	// Prefix 所有集合的公共键前缀
	Prefix string
}

// Client 封装etcd客户端
type Client struct {
	client *clientv3.Client
	prefix string
}

// NewClient 创建新的etcd客户端并检查连通性
func NewClient(cfg ClientConfig) (*Client, error) {
	if len(cfg.Endpoints) == 0 {
		return nil, fmt.Errorf("etcd地址不能为空")
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 5 * time.Second
	}

	client, err := clientv3.New(clientv3.Config{
		Endpoints:   cfg.Endpoints,
		DialTimeout: cfg.DialTimeout,
		Username:    cfg.Username,
		Password:    cfg.Password,
	})
	if err != nil {
		return nil, fmt.Errorf("连接etcd失败: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.DialTimeout)
	defer cancel()
	if _, err := client.Status(ctx, cfg.Endpoints[0]); err != nil {
		client.Close()
		return nil, fmt.Errorf("etcd连接测试失败: %w", err)
	}

	return newClient(client, cfg.Prefix), nil
}

func newClient(client *clientv3.Client, prefix string) *Client {
	prefix = strings.TrimSuffix(prefix, "/")
	if prefix == "" {
		prefix = "/svcfleet"
	}
	return &Client{client: client, prefix: prefix}
}

// Close 关闭etcd客户端连接
func (c *Client) Close() error {
	return c.client.Close()
}

// GetClient 获取原始etcd客户端
func (c *Client) GetClient() *clientv3.Client {
	return c.client
}

// GetDocumentKey 获取文档的完整存储键
func (c *Client) GetDocumentKey(collection, id string) string {
	return c.GetCollectionPrefix(collection) + id
}

// GetCollectionPrefix 获取集合的键前缀
func (c *Client) GetCollectionPrefix(collection string) string {
	return c.prefix + "/" + collection + "/"
}
