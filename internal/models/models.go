package models

import "time"

// Audit 是所有实体共用的审计字段，以嵌入值的方式复用而不是继承。
// 创建/更新时间由 gorm 的约定钩子自动填充。
type Audit struct {
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// MemberRole 会员角色，会被写入 access token 的 auth 声明。
type MemberRole string

const (
	RoleUser  MemberRole = "ROLE_USER"
	RoleAdmin MemberRole = "ROLE_ADMIN"
)

// MessageType 消息类型：普通聊天、入场通知、退场通知。
type MessageType string

const (
	MessageChat  MessageType = "CHAT"
	MessageEnter MessageType = "ENTER"
	MessageLeave MessageType = "LEAVE"
)

type Member struct {
	ID           uint       `gorm:"primaryKey"`
	Username     string     `gorm:"uniqueIndex;size:64;not null"`
	PasswordHash string     `gorm:"not null"`
	Nickname     string     `gorm:"uniqueIndex;size:64;not null"`
	Email        string     `gorm:"uniqueIndex;size:128;not null"`
	Role         MemberRole `gorm:"size:32;not null;default:ROLE_USER"`
	Audit        Audit      `gorm:"embedded"`
}

type Room struct {
	ID    uint   `gorm:"primaryKey"`
	Name  string `gorm:"size:128;not null"`
	Audit Audit  `gorm:"embedded"`
}

// RoomMember 房间成员关系，(room_id, member_id) 唯一，不允许重复加入。
type RoomMember struct {
	ID       uint  `gorm:"primaryKey"`
	RoomID   uint  `gorm:"uniqueIndex:idx_room_member;not null"`
	MemberID uint  `gorm:"uniqueIndex:idx_room_member;index;not null"`
	Audit    Audit `gorm:"embedded"`
}

type Message struct {
	ID       uint        `gorm:"primaryKey"`
	Content  string      `gorm:"type:text;not null"`
	Type     MessageType `gorm:"size:16;not null;default:CHAT"`
	MemberID uint        `gorm:"index;not null"`
	RoomID   uint        `gorm:"index:idx_msg_room_id;not null"`
	Audit    Audit       `gorm:"embedded"`
}

// Friendship 好友关系，owner -> friend 单向，(owner_id, friend_id) 唯一。
type Friendship struct {
	ID       uint  `gorm:"primaryKey"`
	OwnerID  uint  `gorm:"uniqueIndex:idx_owner_friend;not null"`
	FriendID uint  `gorm:"uniqueIndex:idx_owner_friend;index;not null"`
	Audit    Audit `gorm:"embedded"`
}
