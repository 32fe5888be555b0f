package service

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/yashin20/pp-backend/internal/models"
)

func TestRegisterDuplicates(t *testing.T) {
	svcs, _ := newTestServices(t)
	mustRegister(t, svcs, "alice")

	tests := []struct {
		name     string
		username string
		nickname string
		email    string
	}{
		{"duplicate username", "alice", "other-nick", "other@example.com"},
		{"duplicate nickname", "other", "alice-nick", "other@example.com"},
		{"duplicate email", "other", "other-nick", "alice@example.com"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svcs.Members.Register(tt.username, "pass1234", tt.nickname, tt.email)
			if !errors.Is(err, ErrAlreadyExists) {
				t.Fatalf("err = %v, want ErrAlreadyExists", err)
			}
		})
	}
}

func TestGetByUsername(t *testing.T) {
	svcs, _ := newTestServices(t)
	mustRegister(t, svcs, "alice")

	member, err := svcs.Members.GetByUsername("alice")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if member.Username != "alice" || member.Nickname != "alice-nick" {
		t.Fatalf("member = %+v", member)
	}
	if _, err := svcs.Members.GetByUsername("ghost"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestUpdateMember(t *testing.T) {
	svcs, _ := newTestServices(t)
	mustRegister(t, svcs, "alice")
	mustRegister(t, svcs, "bob")

	updated, err := svcs.Members.Update("alice", "fresh-nick", "")
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if updated.Nickname != "fresh-nick" || updated.Email != "alice@example.com" {
		t.Fatalf("updated = %+v", updated)
	}

	if _, err := svcs.Members.Update("alice", "bob-nick", ""); !errors.Is(err, ErrAlreadyExists) {
		t.Fatalf("duplicate nickname err = %v, want ErrAlreadyExists", err)
	}
	if _, err := svcs.Members.Update("alice", "", "bob@example.com"); !errors.Is(err, ErrAlreadyExists) {
		t.Fatalf("duplicate email err = %v, want ErrAlreadyExists", err)
	}
}

func TestUpdatePassword(t *testing.T) {
	svcs, _ := newTestServices(t)
	mustRegister(t, svcs, "alice")

	tests := []struct {
		name    string
		current string
		next    string
		repeat  string
		wantErr error
	}{
		{"wrong current", "nope", "newpass1", "newpass1", ErrUnauthorized},
		{"repeat mismatch", "pass1234", "newpass1", "newpass2", ErrInvalidCredentials},
		{"same as current", "pass1234", "pass1234", "pass1234", ErrInvalidCredentials},
		{"ok", "pass1234", "newpass1", "newpass1", nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := svcs.Members.UpdatePassword("alice", tt.current, tt.next, tt.repeat)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("err = %v, want %v", err, tt.wantErr)
			}
		})
	}

	// 改密后旧密码失效
	if _, _, err := svcs.Auth.Login("alice", "pass1234"); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("old password err = %v, want ErrInvalidCredentials", err)
	}
	if _, _, err := svcs.Auth.Login("alice", "newpass1"); err != nil {
		t.Fatalf("new password login: %v", err)
	}
}

func TestDeleteMemberCascades(t *testing.T) {
	svcs, _ := newTestServices(t)
	mustRegister(t, svcs, "alice")
	mustRegister(t, svcs, "bob")

	solo, err := svcs.Rooms.Create("alice", "solo")
	if err != nil {
		t.Fatalf("create solo: %v", err)
	}
	shared, err := svcs.Rooms.Create("alice", "shared")
	if err != nil {
		t.Fatalf("create shared: %v", err)
	}
	if _, err := svcs.Rooms.Join("bob", shared.ID); err != nil {
		t.Fatalf("join: %v", err)
	}
	if _, err := svcs.Relay.Send("alice", shared.ID, "bye"); err != nil {
		t.Fatalf("send: %v", err)
	}
	if _, err := svcs.Friends.Create("alice", "bob"); err != nil {
		t.Fatalf("friend: %v", err)
	}

	if _, err := svcs.Members.Delete("alice"); err != nil {
		t.Fatalf("delete: %v", err)
	}

	if _, err := svcs.Members.GetByUsername("alice"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("member survived: %v", err)
	}
	// 独居房间随会员删除消失，共享房间存续
	if _, err := svcs.Rooms.Get(solo.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("solo room survived: %v", err)
	}
	if _, err := svcs.Rooms.Get(shared.ID); err != nil {
		t.Fatalf("shared room: %v", err)
	}
	// 本人消息被清除
	if msgs, err := svcs.Relay.ListByRoom(shared.ID); err != nil || len(msgs) != 0 {
		t.Fatalf("messages = %v, err = %v", msgs, err)
	}
	// 好友关系双向清除
	if friends, err := svcs.Friends.ListByOwner("bob"); err != nil || len(friends) != 0 {
		t.Fatalf("friends = %v, err = %v", friends, err)
	}
}

// 会员删除的空房级联必须与房间锁串行：持有房间锁期间删除不得完成，
// 否则并发 join 可能给刚删除的房间插入成员关系。
func TestDeleteMemberWaitsForRoomLock(t *testing.T) {
	svcs, _ := newTestServices(t)
	mustRegister(t, svcs, "alice")
	room, err := svcs.Rooms.Create("alice", "general")
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	unlock := svcs.Rooms.locks.lock(roomKey(room.ID))
	done := make(chan error, 1)
	go func() {
		_, err := svcs.Members.Delete("alice")
		done <- err
	}()

	select {
	case err := <-done:
		t.Fatalf("Delete() finished while room lock was held: %v", err)
	case <-time.After(50 * time.Millisecond):
	}
	unlock()

	if err := <-done; err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := svcs.Rooms.Get(room.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("room after member delete: err = %v, want ErrNotFound", err)
	}
}

func TestDeleteMemberJoinRace(t *testing.T) {
	svcs, _ := newTestServices(t)
	mustRegister(t, svcs, "alice")
	mustRegister(t, svcs, "bob")
	room, err := svcs.Rooms.Create("alice", "general")
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		// 房间可能在删除级联中途消失，业务错误是合法结果。
		_, _ = svcs.Rooms.Join("bob", room.ID)
	}()
	go func() {
		defer wg.Done()
		if _, err := svcs.Members.Delete("alice"); err != nil {
			t.Errorf("delete: %v", err)
		}
	}()
	wg.Wait()

	// 成员关系绝不指向已删除的房间。
	var orphans int64
	err = svcs.Rooms.db.Model(&models.RoomMember{}).
		Joins("LEFT JOIN rooms ON rooms.id = room_members.room_id").
		Where("rooms.id IS NULL").
		Count(&orphans).Error
	if err != nil {
		t.Fatalf("count orphans: %v", err)
	}
	if orphans != 0 {
		t.Fatalf("memberships pointing at deleted rooms = %d, want 0", orphans)
	}
}
