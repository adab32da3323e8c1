// Package event 提供类型化的本地观察者列表。
package event

import "sync"

// Subscription 订阅句柄，用于取消订阅
type Subscription uint64

type subscriber[T any] struct {
	id   Subscription
	fn   func(T)
	once bool
}

// Event 一组同步回调。Emit在调用方的goroutine中按订阅顺序依次调用回调。
// 零值可直接使用。
type Event[T any] struct {
	mutex sync.Mutex
	next  Subscription
	subs  []subscriber[T]
}

// Subscribe 注册回调
func (e *Event[T]) Subscribe(fn func(T)) Subscription {
	return e.add(fn, false)
}

// SubscribeOnce 注册只触发一次的回调
func (e *Event[T]) SubscribeOnce(fn func(T)) Subscription {
	return e.add(fn, true)
}

func (e *Event[T]) add(fn func(T), once bool) Subscription {
	e.mutex.Lock()
	defer e.mutex.Unlock()

	e.next++
	e.subs = append(e.subs, subscriber[T]{id: e.next, fn: fn, once: once})
	return e.next
}

// Unsubscribe 取消订阅，句柄不存在时无操作
func (e *Event[T]) Unsubscribe(id Subscription) {
	e.mutex.Lock()
	defer e.mutex.Unlock()

	for i, s := range e.subs {
		if s.id == id {
			e.subs = append(e.subs[:i:i], e.subs[i+1:]...)
			return
		}
	}
}

// Emit 通知所有订阅者。回调在锁外执行，因此回调中可以再订阅或取消订阅。
func (e *Event[T]) Emit(value T) {
	e.mutex.Lock()
	subs := make([]subscriber[T], len(e.subs))
	copy(subs, e.subs)
	kept := e.subs[:0:0]
	for _, s := range e.subs {
		if !s.once {
			kept = append(kept, s)
		}
	}
	e.subs = kept
	e.mutex.Unlock()

	for _, s := range subs {
		s.fn(value)
	}
}

// Len 返回当前订阅者数量
func (e *Event[T]) Len() int {
	e.mutex.Lock()
	defer e.mutex.Unlock()
	return len(e.subs)
}
