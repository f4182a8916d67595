// Package pubsub 提供进程内的类型化订阅通道
//
// 每个 Feed 内部保证投递顺序，跨 Feed 不保证任何顺序。
package pubsub

import "sync"

// Unsubscribe 取消订阅句柄
type Unsubscribe func()

// Feed 类型化的观察者列表
//
// Publish 在调用方 goroutine 内同步回调订阅者；订阅者不应阻塞。
type Feed[T any] struct {
	mu     sync.Mutex
	nextID int
	subs   map[int]func(T)
}

// NewFeed 创建订阅通道
func NewFeed[T any]() *Feed[T] {
	return &Feed[T]{
		subs: make(map[int]func(T)),
	}
}

// Subscribe 注册回调，返回取消订阅句柄
func (f *Feed[T]) Subscribe(cb func(T)) Unsubscribe {
	f.mu.Lock()
	defer f.mu.Unlock()

	id := f.nextID
	f.nextID++
	f.subs[id] = cb

	return func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		delete(f.subs, id)
	}
}

// Publish 向所有订阅者投递
func (f *Feed[T]) Publish(v T) {
	f.mu.Lock()
	cbs := make([]func(T), 0, len(f.subs))
	for _, cb := range f.subs {
		cbs = append(cbs, cb)
	}
	f.mu.Unlock()

	// 在锁外回调，允许订阅者在回调中取消订阅
	for _, cb := range cbs {
		cb(v)
	}
}

// Len 当前订阅者数量
func (f *Feed[T]) Len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.subs)
}
