package service

import (
	"github.com/yashin20/pp-backend/internal/token"

	"gorm.io/gorm"
)

// Services 一次装配全部 service，共享同一张锁表，
// 保证房间/会员级别的串行化在各 service 之间一致生效。
type Services struct {
	Auth    *AuthService
	Members *MemberService
	Rooms   *RoomService
	Relay   *MessageService
	Friends *FriendshipService
}

func NewServices(db *gorm.DB, tokens *token.Service, presence Presence, broadcaster Broadcaster, maxRooms int) *Services {
	locks := newLockTable()
	rooms := NewRoomService(db, presence, locks, maxRooms)
	members := NewMemberService(db, locks, presence)
	return &Services{
		Auth:    NewAuthService(db, tokens),
		Members: members,
		Rooms:   rooms,
		Relay:   NewMessageService(db, rooms, broadcaster, locks),
		Friends: NewFriendshipService(db, members),
	}
}
