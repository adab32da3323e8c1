package monitor

import "context"

// DocumentFetcher 读取单个文档，found为false表示文档不存在
type DocumentFetcher[T any] func(ctx context.Context) (value T, found bool, err error)

// NewDocument 创建只监视一个主键的监视器
func NewDocument[T any](id string, fetch DocumentFetcher[T], opts Options) *Monitor[T] {
	return New(func(ctx context.Context) (map[string]T, error) {
		value, found, err := fetch(ctx)
		if err != nil {
			return nil, err
		}
		if !found {
			return map[string]T{}, nil
		}
		return map[string]T{id: value}, nil
	}, opts)
}
