package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-viper/mapstructure/v2"
)

// 集合名称
const (
	CollectionHosts         = "hosts"
	CollectionHostProcesses = "host_processes"
	CollectionServices      = "services"
	CollectionServiceLeases = "service_leases"
)

// FieldHeartbeatTime 心跳时间字段，用于TTL过期
const FieldHeartbeatTime = "heartbeat_time"

// Document 存储中的一条文档
type Document = map[string]interface{}

// Filter 顶层字段的等值匹配条件
type Filter map[string]interface{}

// Store 共享文档存储接口，是所有进程唯一的协调点
type Store interface {
	// InsertIfAbsent 仅当主键不存在时插入；主键已存在时返回ErrAlreadyExists
	InsertIfAbsent(ctx context.Context, collection, id string, doc Document) error

	// UpsertFields 合并写入字段，文档不存在时创建
	UpsertFields(ctx context.Context, collection, id string, fields Document) error

	// UpdateFields 合并写入字段，文档不存在时返回ErrNotFound
	UpdateFields(ctx context.Context, collection, id string, fields Document) error

	// Replace 整体替换文档；upsert为false且文档不存在时返回ErrNotFound
	Replace(ctx context.Context, collection, id string, doc Document, upsert bool) error

	// Increment 原子地给数值字段加上delta并返回新值，文档不存在时创建
	Increment(ctx context.Context, collection, id, field string, delta int64) (int64, error)

	// FindOne 按主键读取文档，不存在时返回ErrNotFound
	FindOne(ctx context.Context, collection, id string) (Document, error)

	// FindAll 返回匹配过滤条件的全部文档，以主键为键
	FindAll(ctx context.Context, collection string, filter Filter) (map[string]Document, error)

	// Delete 删除文档，文档不存在时不报错
	Delete(ctx context.Context, collection, id string) error

	// EnsureTTL 声明集合中field字段超过ttl未更新的文档自动过期
	EnsureTTL(ctx context.Context, collection, field string, ttl time.Duration) error

	// Close 释放底层连接
	Close() error
}

// StorageError 定义存储操作可能返回的错误类型
type StorageError struct {
	Code    int
	Message string
}

// Error 实现error接口
func (e *StorageError) Error() string {
	return e.Message
}

// 定义错误代码
const (
	// ErrNotFound 资源不存在
	ErrNotFound = iota + 1
	// ErrAlreadyExists 资源已存在
	ErrAlreadyExists
	// ErrInvalidArgument 参数无效
	ErrInvalidArgument
	// ErrInternal 内部错误
	ErrInternal
)

// NewNotFoundError 创建资源不存在错误
func NewNotFoundError(message string) *StorageError {
	return &StorageError{Code: ErrNotFound, Message: message}
}

// NewAlreadyExistsError 创建资源已存在错误
func NewAlreadyExistsError(message string) *StorageError {
	return &StorageError{Code: ErrAlreadyExists, Message: message}
}

// NewInvalidArgumentError 创建参数无效错误
func NewInvalidArgumentError(message string) *StorageError {
	return &StorageError{Code: ErrInvalidArgument, Message: message}
}

// NewInternalError 创建内部错误
func NewInternalError(message string) *StorageError {
	return &StorageError{Code: ErrInternal, Message: message}
}

func hasCode(err error, code int) bool {
	var se *StorageError
	return errors.As(err, &se) && se.Code == code
}

// IsNotFound 判断是否为资源不存在错误
func IsNotFound(err error) bool {
	return hasCode(err, ErrNotFound)
}

// IsAlreadyExists 判断是否为主键冲突错误
func IsAlreadyExists(err error) bool {
	return hasCode(err, ErrAlreadyExists)
}

// IsInvalidArgument 判断是否为参数无效错误
func IsInvalidArgument(err error) bool {
	return hasCode(err, ErrInvalidArgument)
}

// ValidateKey 检查集合名和主键
func ValidateKey(collection, id string) error {
	if collection == "" {
		return NewInvalidArgumentError("集合名不能为空")
	}
	if id == "" {
		return NewInvalidArgumentError(fmt.Sprintf("集合 %s 的主键不能为空", collection))
	}
	return nil
}

// Decode 将文档解码为结构体。
// 时间字段既可能是time.Time（内存、MongoDB）也可能是RFC3339字符串（etcd中的JSON）。
func Decode(doc Document, out interface{}) error {
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		TagName:          "json",
		WeaklyTypedInput: true,
		Result:           out,
		DecodeHook: mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeHookFunc(time.RFC3339Nano),
		),
	})
	if err != nil {
		return fmt.Errorf("创建解码器失败: %w", err)
	}
	if err := decoder.Decode(doc); err != nil {
		return fmt.Errorf("解码文档失败: %w", err)
	}
	return nil
}

// Matches 判断文档是否满足过滤条件
func Matches(doc Document, filter Filter) bool {
	for k, want := range filter {
		got, ok := doc[k]
		if !ok || fmt.Sprint(got) != fmt.Sprint(want) {
			return false
		}
	}
	return true
}

// CopyDocument 深拷贝文档，嵌套的map和切片也会被复制
func CopyDocument(doc Document) Document {
	if doc == nil {
		return nil
	}
	out := make(Document, len(doc))
	for k, v := range doc {
		out[k] = copyValue(v)
	}
	return out
}

func copyValue(v interface{}) interface{} {
	switch t := v.(type) {
	case map[string]interface{}:
		return CopyDocument(t)
	case []interface{}:
		out := make([]interface{}, len(t))
		for i, item := range t {
			out[i] = copyValue(item)
		}
		return out
	case []string:
		return append([]string(nil), t...)
	default:
		return v
	}
}
