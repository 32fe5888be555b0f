package service

import (
	"strconv"
	"sync"
)

// lockTable 按 key 提供互斥锁，带引用计数回收。
// 用于串行化同一房间上的 join/leave/删除与广播排序，
// 以及同一会员的容量检查后插入。
// 取锁次序全局固定：先会员锁后房间锁，多个房间锁按 ID 升序，
// 同一时刻至多持有一把会员锁。
type lockTable struct {
	mu sync.Mutex
	m  map[string]*tableLock
}

type tableLock struct {
	sync.Mutex
	refs int
}

func newLockTable() *lockTable {
	return &lockTable{m: make(map[string]*tableLock)}
}

// lock 锁定 key，返回对应的解锁函数。
func (t *lockTable) lock(key string) func() {
	t.mu.Lock()
	l, ok := t.m[key]
	if !ok {
		l = &tableLock{}
		t.m[key] = l
	}
	l.refs++
	t.mu.Unlock()

	l.Lock()
	return func() {
		l.Unlock()
		t.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(t.m, key)
		}
		t.mu.Unlock()
	}
}

func roomKey(roomID uint) string {
	return "room:" + strconv.FormatUint(uint64(roomID), 10)
}

func memberKey(username string) string {
	return "member:" + username
}
