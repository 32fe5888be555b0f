package token

import (
	"errors"
	"sync"
	"time"
)

var (
	// ErrNoRecord 表示该主体没有在存续期内的 renewal 记录（已登出或已过期）。
	ErrNoRecord = errors.New("no renewal record")
	// ErrMismatch 表示提交的 renewal token 与存储值不一致，视为被盗用。
	ErrMismatch = errors.New("renewal token mismatch")
)

// Store 是每主体一条 renewal 凭证记录的键值存储，带 TTL 与原子替换。
// rotate 的 compare-and-overwrite 必须在存储层原子完成。
type Store interface {
	Get(key string) (string, bool)
	Set(key, value string, ttl time.Duration)
	Delete(key string)
	// ReplaceIfMatch 原子地比较并覆盖：记录缺失返回 ErrNoRecord；
	// 值不匹配时删除整条记录并返回 ErrMismatch。
	ReplaceIfMatch(key, expected, next string, ttl time.Duration) error
}

type entry struct {
	value   string
	expires time.Time
}

// MemoryStore 进程内实现，互斥锁保证所有操作原子，后台协程回收过期键。
type MemoryStore struct {
	mu   sync.Mutex
	m    map[string]entry
	stop chan struct{}
}

func NewMemoryStore() *MemoryStore {
	s := &MemoryStore{m: make(map[string]entry), stop: make(chan struct{})}
	go s.gc()
	return s
}

func (s *MemoryStore) gc() {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			now := time.Now()
			s.mu.Lock()
			for k, e := range s.m {
				if now.After(e.expires) {
					delete(s.m, k)
				}
			}
			s.mu.Unlock()
		}
	}
}

// Stop 停止 GC 协程，用于优雅停服。
func (s *MemoryStore) Stop() {
	select {
	case <-s.stop:
	default:
		close(s.stop)
	}
}

func (s *MemoryStore) Get(key string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.m[key]
	if !ok || time.Now().After(e.expires) {
		delete(s.m, key)
		return "", false
	}
	return e.value, true
}

func (s *MemoryStore) Set(key, value string, ttl time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.m[key] = entry{value: value, expires: time.Now().Add(ttl)}
}

func (s *MemoryStore) Delete(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.m, key)
}

func (s *MemoryStore) ReplaceIfMatch(key, expected, next string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.m[key]
	if !ok || time.Now().After(e.expires) {
		delete(s.m, key)
		return ErrNoRecord
	}
	if e.value != expected {
		// 整条记录作废，迫使该主体重新登录。
		delete(s.m, key)
		return ErrMismatch
	}
	s.m[key] = entry{value: next, expires: time.Now().Add(ttl)}
	return nil
}
