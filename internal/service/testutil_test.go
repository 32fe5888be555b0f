package service

import (
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/yashin20/pp-backend/internal/db"
	"github.com/yashin20/pp-backend/internal/models"
	"github.com/yashin20/pp-backend/internal/token"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

var dbSeq int64

func openTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:service%d?mode=memory&cache=shared", atomic.AddInt64(&dbSeq, 1))
	gdb, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := db.Migrate(gdb); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return gdb
}

// capturingBroadcaster 记录发布顺序，供断言持久化顺序与广播顺序一致。
type capturingBroadcaster struct {
	mu       sync.Mutex
	payloads map[uint][][]byte
}

func newCapturingBroadcaster() *capturingBroadcaster {
	return &capturingBroadcaster{payloads: make(map[uint][][]byte)}
}

func (b *capturingBroadcaster) Publish(roomID uint, payload []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.payloads[roomID] = append(b.payloads[roomID], payload)
}

func (b *capturingBroadcaster) published(roomID uint) [][]byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([][]byte(nil), b.payloads[roomID]...)
}

type noPresence struct{}

func (noPresence) Online(roomID uint) int { return 0 }
func (noPresence) DropRoom(roomID uint)   {}

// countMessages 直接数表里的消息行，验证级联删除落到了存储层。
func countMessages(t *testing.T, svcs *Services, roomID uint) int64 {
	t.Helper()
	var n int64
	if err := svcs.Rooms.db.Model(&models.Message{}).Where("room_id = ?", roomID).Count(&n).Error; err != nil {
		t.Fatalf("count messages: %v", err)
	}
	return n
}

func newTestServices(t *testing.T) (*Services, *capturingBroadcaster) {
	t.Helper()
	gdb := openTestDB(t)
	store := token.NewMemoryStore()
	t.Cleanup(store.Stop)
	tokens := token.NewService("service-test-secret", 30*time.Minute, 7*24*time.Hour, store)
	bc := newCapturingBroadcaster()
	return NewServices(gdb, tokens, noPresence{}, bc, 50), bc
}

func mustRegister(t *testing.T, svcs *Services, username string) {
	t.Helper()
	if _, err := svcs.Members.Register(username, "pass1234", username+"-nick", username+"@example.com"); err != nil {
		t.Fatalf("register %s: %v", username, err)
	}
}
