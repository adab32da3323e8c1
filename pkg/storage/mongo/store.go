package mongo

import (
	"context"
	"fmt"
	"time"

	"github.com/juju/mgo/v3"
	"github.com/juju/mgo/v3/bson"

	"github.com/hewenyu/svcfleet/pkg/storage"
)

// Config MongoDB连接配置
type Config struct {
	URL         string
	Database    string
	DialTimeout time.Duration
}

// MongoStore 基于MongoDB实现storage.Store。
// 主键保存在_id上，插入唯一性由_id唯一索引保证，TTL使用MongoDB的过期索引。
type MongoStore struct {
	session  *mgo.Session
	database string
}

// NewMongoStore 连接MongoDB并返回文档存储
func NewMongoStore(cfg Config) (*MongoStore, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("MongoDB地址不能为空")
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 10 * time.Second
	}

	session, err := mgo.DialWithTimeout(cfg.URL, cfg.DialTimeout)
	if err != nil {
		return nil, fmt.Errorf("连接MongoDB失败: %w", err)
	}
	session.SetMode(mgo.Strong, true)

	return &MongoStore{session: session, database: cfg.Database}, nil
}

// with 为每次操作复制会话，避免并发请求共享一个socket
func (m *MongoStore) with(collection string, fn func(c *mgo.Collection) error) error {
	session := m.session.Copy()
	defer session.Close()
	return fn(session.DB(m.database).C(collection))
}

// InsertIfAbsent 仅当_id不存在时插入
func (m *MongoStore) InsertIfAbsent(ctx context.Context, collection, id string, doc storage.Document) error {
	if err := storage.ValidateKey(collection, id); err != nil {
		return err
	}

	return m.with(collection, func(c *mgo.Collection) error {
		err := c.Insert(withID(id, doc))
		if mgo.IsDup(err) {
			return storage.NewAlreadyExistsError(fmt.Sprintf("文档已存在: %s/%s", collection, id))
		}
		if err != nil {
			return storage.NewInternalError(fmt.Sprintf("插入文档失败: %v", err))
		}
		return nil
	})
}

// UpsertFields 使用$set合并写入字段
func (m *MongoStore) UpsertFields(ctx context.Context, collection, id string, fields storage.Document) error {
	if err := storage.ValidateKey(collection, id); err != nil {
		return err
	}

	return m.with(collection, func(c *mgo.Collection) error {
		if _, err := c.UpsertId(id, bson.M{"$set": bson.M(fields)}); err != nil {
			return storage.NewInternalError(fmt.Sprintf("写入文档失败: %v", err))
		}
		return nil
	})
}

// UpdateFields 使用$set合并写入字段，文档不存在时返回ErrNotFound
func (m *MongoStore) UpdateFields(ctx context.Context, collection, id string, fields storage.Document) error {
	if err := storage.ValidateKey(collection, id); err != nil {
		return err
	}

	return m.with(collection, func(c *mgo.Collection) error {
		err := c.UpdateId(id, bson.M{"$set": bson.M(fields)})
		if err == mgo.ErrNotFound {
			return storage.NewNotFoundError(fmt.Sprintf("文档不存在: %s/%s", collection, id))
		}
		if err != nil {
			return storage.NewInternalError(fmt.Sprintf("更新文档失败: %v", err))
		}
		return nil
	})
}

// Replace 整体替换文档
func (m *MongoStore) Replace(ctx context.Context, collection, id string, doc storage.Document, upsert bool) error {
	if err := storage.ValidateKey(collection, id); err != nil {
		return err
	}

	return m.with(collection, func(c *mgo.Collection) error {
		var err error
		if upsert {
			_, err = c.UpsertId(id, withID(id, doc))
		} else {
			err = c.UpdateId(id, withID(id, doc))
		}
		if err == mgo.ErrNotFound {
			return storage.NewNotFoundError(fmt.Sprintf("文档不存在: %s/%s", collection, id))
		}
		if err != nil {
			return storage.NewInternalError(fmt.Sprintf("替换文档失败: %v", err))
		}
		return nil
	})
}

// Increment 使用$inc原子自增并返回新值
func (m *MongoStore) Increment(ctx context.Context, collection, id, field string, delta int64) (int64, error) {
	if err := storage.ValidateKey(collection, id); err != nil {
		return 0, err
	}

	var result int64
	err := m.with(collection, func(c *mgo.Collection) error {
		var doc bson.M
		change := mgo.Change{
			Update:    bson.M{"$inc": bson.M{field: delta}},
			Upsert:    true,
			ReturnNew: true,
		}
		if _, err := c.FindId(id).Apply(change, &doc); err != nil {
			return storage.NewInternalError(fmt.Sprintf("自增字段失败: %v", err))
		}
		n, err := toInt64(doc[field])
		if err != nil {
			return storage.NewInvalidArgumentError(fmt.Sprintf("字段 %s 不是数值: %v", field, err))
		}
		result = n
		return nil
	})
	return result, err
}

// FindOne 按_id读取文档
func (m *MongoStore) FindOne(ctx context.Context, collection, id string) (storage.Document, error) {
	if err := storage.ValidateKey(collection, id); err != nil {
		return nil, err
	}

	var doc bson.M
	err := m.with(collection, func(c *mgo.Collection) error {
		err := c.FindId(id).One(&doc)
		if err == mgo.ErrNotFound {
			return storage.NewNotFoundError(fmt.Sprintf("文档不存在: %s/%s", collection, id))
		}
		if err != nil {
			return storage.NewInternalError(fmt.Sprintf("读取文档失败: %v", err))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	_, out := withoutID(doc)
	return out, nil
}

// FindAll 返回匹配过滤条件的全部文档
func (m *MongoStore) FindAll(ctx context.Context, collection string, filter storage.Filter) (map[string]storage.Document, error) {
	if collection == "" {
		return nil, storage.NewInvalidArgumentError("集合名不能为空")
	}

	var docs []bson.M
	err := m.with(collection, func(c *mgo.Collection) error {
		if err := c.Find(bson.M(filter)).All(&docs); err != nil {
			return storage.NewInternalError(fmt.Sprintf("查询文档失败: %v", err))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	result := make(map[string]storage.Document, len(docs))
	for _, doc := range docs {
		id, out := withoutID(doc)
		if id == "" {
			continue
		}
		result[id] = out
	}
	return result, nil
}

// Delete 按_id删除文档
func (m *MongoStore) Delete(ctx context.Context, collection, id string) error {
	if err := storage.ValidateKey(collection, id); err != nil {
		return err
	}

	return m.with(collection, func(c *mgo.Collection) error {
		err := c.RemoveId(id)
		if err != nil && err != mgo.ErrNotFound {
			return storage.NewInternalError(fmt.Sprintf("删除文档失败: %v", err))
		}
		return nil
	})
}

// EnsureTTL 在field上建立过期索引。
// MongoDB的过期清理线程每60秒运行一次，过期精度因此较粗。
func (m *MongoStore) EnsureTTL(ctx context.Context, collection, field string, ttl time.Duration) error {
	if collection == "" || field == "" || ttl < time.Second {
		return storage.NewInvalidArgumentError("TTL规则参数无效，过期时间至少为1秒")
	}

	return m.with(collection, func(c *mgo.Collection) error {
		err := c.EnsureIndex(mgo.Index{
			Key:         []string{field},
			ExpireAfter: ttl,
		})
		if err != nil {
			return storage.NewInternalError(fmt.Sprintf("创建过期索引失败: %v", err))
		}
		return nil
	})
}

// Close 关闭会话
func (m *MongoStore) Close() error {
	m.session.Close()
	return nil
}

func withID(id string, doc storage.Document) bson.M {
	out := make(bson.M, len(doc)+1)
	for k, v := range doc {
		out[k] = v
	}
	out["_id"] = id
	return out
}

func withoutID(doc bson.M) (string, storage.Document) {
	id, _ := doc["_id"].(string)
	out := make(storage.Document, len(doc))
	for k, v := range doc {
		if k == "_id" {
			continue
		}
		out[k] = normalize(v)
	}
	return id, out
}

// normalize 将嵌套的bson.M转换为普通map，便于整文档比较
func normalize(v interface{}) interface{} {
	switch t := v.(type) {
	case bson.M:
		out := make(map[string]interface{}, len(t))
		for k, item := range t {
			out[k] = normalize(item)
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(t))
		for i, item := range t {
			out[i] = normalize(item)
		}
		return out
	default:
		return v
	}
}

func toInt64(v interface{}) (int64, error) {
	switch n := v.(type) {
	case nil:
		return 0, nil
	case int:
		return int64(n), nil
	case int32:
		return int64(n), nil
	case int64:
		return n, nil
	case float64:
		return int64(n), nil
	default:
		return 0, fmt.Errorf("不支持的类型 %T", v)
	}
}
