package etcd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"
	"sync"
	"time"

	"go.etcd.io/etcd/api/v3/v3rpc/rpctypes"
	clientv3 "go.etcd.io/etcd/client/v3"

	"github.com/hewenyu/svcfleet/pkg/storage"
)

const (
	etcdTimeout = 5 * time.Second
	// maxCASRetries 乐观并发写入的最大重试次数
	maxCASRetries = 16
)

type ttlRule struct {
	field string
	ttl   int64
}

// EtcdStore 基于etcd实现storage.Store。
// 文档以JSON保存在 prefix/collection/id 下；插入唯一性由CreateRevision事务保证；
// TTL集合的每个文档绑定一个etcd租约，写入心跳字段时续约。
type EtcdStore struct {
	client *Client

	mutex sync.RWMutex
	ttl   map[string]ttlRule
}

// NewEtcdStore 创建etcd文档存储
func NewEtcdStore(client *Client) *EtcdStore {
	return &EtcdStore{
		client: client,
		ttl:    make(map[string]ttlRule),
	}
}

func (s *EtcdStore) ttlFor(collection string) (ttlRule, bool) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	rule, ok := s.ttl[collection]
	return rule, ok
}

// grantFor 为TTL集合中的新文档申请租约，非TTL集合返回0
func (s *EtcdStore) grantFor(ctx context.Context, collection string) (clientv3.LeaseID, error) {
	rule, ok := s.ttlFor(collection)
	if !ok {
		return clientv3.NoLease, nil
	}
	resp, err := s.client.client.Grant(ctx, rule.ttl)
	if err != nil {
		return clientv3.NoLease, storage.NewInternalError(fmt.Sprintf("创建etcd租约失败: %v", err))
	}
	return resp.ID, nil
}

func (s *EtcdStore) revoke(ctx context.Context, id clientv3.LeaseID) {
	if id == clientv3.NoLease {
		return
	}
	// 撤销失败时租约会自然过期
	_, _ = s.client.client.Revoke(ctx, id)
}

// InsertIfAbsent 仅当键不存在时写入
func (s *EtcdStore) InsertIfAbsent(ctx context.Context, collection, id string, doc storage.Document) error {
	if err := storage.ValidateKey(collection, id); err != nil {
		return err
	}
	data, err := json.Marshal(doc)
	if err != nil {
		return storage.NewInvalidArgumentError(fmt.Sprintf("序列化文档失败: %v", err))
	}

	ctx, cancel := context.WithTimeout(ctx, etcdTimeout)
	defer cancel()

	inserted, err := s.create(ctx, collection, s.client.GetDocumentKey(collection, id), string(data))
	if err != nil {
		return err
	}
	if !inserted {
		return storage.NewAlreadyExistsError(fmt.Sprintf("文档已存在: %s/%s", collection, id))
	}
	return nil
}

// create 以CreateRevision==0为条件写入，返回是否写入成功
func (s *EtcdStore) create(ctx context.Context, collection, key, value string) (bool, error) {
	leaseID, err := s.grantFor(ctx, collection)
	if err != nil {
		return false, err
	}

	var opts []clientv3.OpOption
	if leaseID != clientv3.NoLease {
		opts = append(opts, clientv3.WithLease(leaseID))
	}

	resp, err := s.client.client.Txn(ctx).
		If(clientv3.Compare(clientv3.CreateRevision(key), "=", 0)).
		Then(clientv3.OpPut(key, value, opts...)).
		Commit()
	if err != nil {
		s.revoke(ctx, leaseID)
		return false, storage.NewInternalError(fmt.Sprintf("etcd事务失败: %v", err))
	}
	if !resp.Succeeded {
		s.revoke(ctx, leaseID)
		return false, nil
	}
	return true, nil
}

// UpsertFields 合并写入字段，文档不存在时创建
func (s *EtcdStore) UpsertFields(ctx context.Context, collection, id string, fields storage.Document) error {
	return s.update(ctx, collection, id, true, func(doc storage.Document) (storage.Document, error) {
		for k, v := range fields {
			doc[k] = v
		}
		return doc, nil
	}, s.touchesTTL(collection, fields))
}

// UpdateFields 合并写入字段，文档不存在时返回ErrNotFound
func (s *EtcdStore) UpdateFields(ctx context.Context, collection, id string, fields storage.Document) error {
	return s.update(ctx, collection, id, false, func(doc storage.Document) (storage.Document, error) {
		for k, v := range fields {
			doc[k] = v
		}
		return doc, nil
	}, s.touchesTTL(collection, fields))
}

// Replace 整体替换文档
func (s *EtcdStore) Replace(ctx context.Context, collection, id string, doc storage.Document, upsert bool) error {
	return s.update(ctx, collection, id, upsert, func(storage.Document) (storage.Document, error) {
		return doc, nil
	}, s.touchesTTL(collection, doc))
}

// Increment 原子地给数值字段加上delta
func (s *EtcdStore) Increment(ctx context.Context, collection, id, field string, delta int64) (int64, error) {
	var result int64
	err := s.update(ctx, collection, id, true, func(doc storage.Document) (storage.Document, error) {
		current, err := toInt64(doc[field])
		if err != nil {
			return nil, storage.NewInvalidArgumentError(fmt.Sprintf("字段 %s 不是数值: %v", field, err))
		}
		result = current + delta
		doc[field] = result
		return doc, nil
	}, false)
	return result, err
}

func (s *EtcdStore) touchesTTL(collection string, fields storage.Document) bool {
	rule, ok := s.ttlFor(collection)
	if !ok {
		return false
	}
	_, touched := fields[rule.field]
	return touched
}

// update 以ModRevision为条件做读-改-写，冲突时重试
func (s *EtcdStore) update(ctx context.Context, collection, id string, upsert bool, mutate func(storage.Document) (storage.Document, error), refresh bool) error {
	if err := storage.ValidateKey(collection, id); err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, etcdTimeout)
	defer cancel()

	key := s.client.GetDocumentKey(collection, id)
	cli := s.client.client

	for attempt := 0; attempt < maxCASRetries; attempt++ {
		resp, err := cli.Get(ctx, key)
		if err != nil {
			return storage.NewInternalError(fmt.Sprintf("读取etcd键失败: %v", err))
		}

		if len(resp.Kvs) == 0 {
			if !upsert {
				return storage.NewNotFoundError(fmt.Sprintf("文档不存在: %s/%s", collection, id))
			}
			doc, err := mutate(storage.Document{})
			if err != nil {
				return err
			}
			data, err := json.Marshal(doc)
			if err != nil {
				return storage.NewInvalidArgumentError(fmt.Sprintf("序列化文档失败: %v", err))
			}
			inserted, err := s.create(ctx, collection, key, string(data))
			if err != nil {
				return err
			}
			if inserted {
				return nil
			}
			continue
		}

		kv := resp.Kvs[0]
		var current storage.Document
		if err := json.Unmarshal(kv.Value, &current); err != nil {
			return storage.NewInternalError(fmt.Sprintf("解析文档失败: %v", err))
		}
		if current == nil {
			current = storage.Document{}
		}
		doc, err := mutate(current)
		if err != nil {
			return err
		}
		data, err := json.Marshal(doc)
		if err != nil {
			return storage.NewInvalidArgumentError(fmt.Sprintf("序列化文档失败: %v", err))
		}

		txn, err := cli.Txn(ctx).
			If(clientv3.Compare(clientv3.ModRevision(key), "=", kv.ModRevision)).
			Then(clientv3.OpPut(key, string(data), clientv3.WithIgnoreLease())).
			Commit()
		if err != nil {
			return storage.NewInternalError(fmt.Sprintf("etcd事务失败: %v", err))
		}
		if !txn.Succeeded {
			continue
		}

		if refresh && kv.Lease != 0 {
			if _, err := cli.KeepAliveOnce(ctx, clientv3.LeaseID(kv.Lease)); err != nil {
				if errors.Is(err, rpctypes.ErrLeaseNotFound) {
					// 租约已过期，键随之被删除
					return storage.NewNotFoundError(fmt.Sprintf("文档已过期: %s/%s", collection, id))
				}
				return storage.NewInternalError(fmt.Sprintf("续约失败: %v", err))
			}
		}
		return nil
	}

	return storage.NewInternalError(fmt.Sprintf("并发写入冲突次数过多: %s/%s", collection, id))
}

// FindOne 按主键读取文档
func (s *EtcdStore) FindOne(ctx context.Context, collection, id string) (storage.Document, error) {
	if err := storage.ValidateKey(collection, id); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, etcdTimeout)
	defer cancel()

	resp, err := s.client.client.Get(ctx, s.client.GetDocumentKey(collection, id))
	if err != nil {
		return nil, storage.NewInternalError(fmt.Sprintf("读取etcd键失败: %v", err))
	}
	if len(resp.Kvs) == 0 {
		return nil, storage.NewNotFoundError(fmt.Sprintf("文档不存在: %s/%s", collection, id))
	}

	var doc storage.Document
	if err := json.Unmarshal(resp.Kvs[0].Value, &doc); err != nil {
		return nil, storage.NewInternalError(fmt.Sprintf("解析文档失败: %v", err))
	}
	return doc, nil
}

// FindAll 返回匹配过滤条件的全部文档
func (s *EtcdStore) FindAll(ctx context.Context, collection string, filter storage.Filter) (map[string]storage.Document, error) {
	if collection == "" {
		return nil, storage.NewInvalidArgumentError("集合名不能为空")
	}

	ctx, cancel := context.WithTimeout(ctx, etcdTimeout)
	defer cancel()

	prefix := s.client.GetCollectionPrefix(collection)
	resp, err := s.client.client.Get(ctx, prefix, clientv3.WithPrefix())
	if err != nil {
		return nil, storage.NewInternalError(fmt.Sprintf("读取etcd前缀失败: %v", err))
	}

	result := make(map[string]storage.Document, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		var doc storage.Document
		if err := json.Unmarshal(kv.Value, &doc); err != nil {
			// 跳过无法解析的文档
			continue
		}
		if storage.Matches(doc, filter) {
			result[strings.TrimPrefix(string(kv.Key), prefix)] = doc
		}
	}
	return result, nil
}

// Delete 删除文档并撤销其租约
func (s *EtcdStore) Delete(ctx context.Context, collection, id string) error {
	if err := storage.ValidateKey(collection, id); err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, etcdTimeout)
	defer cancel()

	resp, err := s.client.client.Delete(ctx, s.client.GetDocumentKey(collection, id), clientv3.WithPrevKV())
	if err != nil {
		return storage.NewInternalError(fmt.Sprintf("删除etcd键失败: %v", err))
	}
	for _, kv := range resp.PrevKvs {
		s.revoke(ctx, clientv3.LeaseID(kv.Lease))
	}
	return nil
}

// EnsureTTL 记录集合的过期规则，之后新建的文档都会绑定租约
func (s *EtcdStore) EnsureTTL(ctx context.Context, collection, field string, ttl time.Duration) error {
	if collection == "" || field == "" || ttl <= 0 {
		return storage.NewInvalidArgumentError("TTL规则参数无效")
	}

	s.mutex.Lock()
	defer s.mutex.Unlock()

	s.ttl[collection] = ttlRule{field: field, ttl: ttlSeconds(ttl)}
	return nil
}

// Close 关闭etcd客户端
func (s *EtcdStore) Close() error {
	return s.client.Close()
}

// ttlSeconds etcd租约以秒为单位，向上取整且至少为1秒
func ttlSeconds(ttl time.Duration) int64 {
	secs := int64(math.Ceil(ttl.Seconds()))
	if secs < 1 {
		secs = 1
	}
	return secs
}

func toInt64(v interface{}) (int64, error) {
	switch n := v.(type) {
	case nil:
		return 0, nil
	case float64:
		return int64(n), nil
	case int64:
		return n, nil
	case int:
		return int64(n), nil
	default:
		return 0, fmt.Errorf("不支持的类型 %T", v)
	}
}
