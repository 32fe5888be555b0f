package service

import (
	"time"

	"github.com/yashin20/pp-backend/internal/models"

	"gorm.io/gorm"
)

// FriendshipService 封装单向好友关系的业务逻辑。
type FriendshipService struct {
	db      *gorm.DB
	members *MemberService
}

func NewFriendshipService(db *gorm.DB, members *MemberService) *FriendshipService {
	return &FriendshipService{db: db, members: members}
}

// FriendshipDTO 是对外输出的好友数据。
type FriendshipDTO struct {
	ID             uint      `json:"id"`
	OwnerUsername  string    `json:"owner_username"`
	FriendUsername string    `json:"friend_username"`
	FriendNickname string    `json:"friend_nickname"`
	CreatedAt      time.Time `json:"created_at"`
}

type friendshipRow struct {
	ID             uint
	OwnerUsername  string
	FriendUsername string
	FriendNickname string
	CreatedAt      time.Time
}

func (s *FriendshipService) baseQuery() *gorm.DB {
	return s.db.Model(&models.Friendship{}).
		Select("friendships.id, owners.username AS owner_username, friends.username AS friend_username, friends.nickname AS friend_nickname, friendships.created_at").
		Joins("JOIN members owners ON owners.id = friendships.owner_id").
		Joins("JOIN members friends ON friends.id = friendships.friend_id")
}

func toFriendshipDTOs(rows []friendshipRow) []FriendshipDTO {
	out := make([]FriendshipDTO, 0, len(rows))
	for _, r := range rows {
		out = append(out, FriendshipDTO{ID: r.ID, OwnerUsername: r.OwnerUsername, FriendUsername: r.FriendUsername, FriendNickname: r.FriendNickname, CreatedAt: r.CreatedAt})
	}
	return out
}

// ListByOwner 列出 owner 的全部好友。
func (s *FriendshipService) ListByOwner(ownerUsername string) ([]FriendshipDTO, error) {
	if _, err := s.members.find(ownerUsername); err != nil {
		return nil, err
	}
	var rows []friendshipRow
	if err := s.baseQuery().Where("owners.username = ?", ownerUsername).Order("friendships.id").Scan(&rows).Error; err != nil {
		return nil, err
	}
	return toFriendshipDTOs(rows), nil
}

// Get 查询单条好友关系。
func (s *FriendshipService) Get(ownerUsername, friendUsername string) (*FriendshipDTO, error) {
	var rows []friendshipRow
	err := s.baseQuery().
		Where("owners.username = ? AND friends.username = ?", ownerUsername, friendUsername).
		Limit(1).Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, ErrNotFound
	}
	dtos := toFriendshipDTOs(rows)
	return &dtos[0], nil
}

// Create 建立 owner -> friend 的好友关系，双方都必须存在，重复拒绝。
func (s *FriendshipService) Create(ownerUsername, friendUsername string) (*FriendshipDTO, error) {
	owner, err := s.members.find(ownerUsername)
	if err != nil {
		return nil, err
	}
	friend, err := s.members.find(friendUsername)
	if err != nil {
		return nil, err
	}
	var count int64
	if err := s.db.Model(&models.Friendship{}).Where("owner_id = ? AND friend_id = ?", owner.ID, friend.ID).Count(&count).Error; err != nil {
		return nil, err
	}
	if count > 0 {
		return nil, ErrAlreadyExists
	}
	fs := models.Friendship{OwnerID: owner.ID, FriendID: friend.ID}
	if err := s.db.Create(&fs).Error; err != nil {
		return nil, err
	}
	return &FriendshipDTO{
		ID:             fs.ID,
		OwnerUsername:  owner.Username,
		FriendUsername: friend.Username,
		FriendNickname: friend.Nickname,
		CreatedAt:      fs.Audit.CreatedAt,
	}, nil
}

// Delete 解除 owner -> friend 的好友关系。
func (s *FriendshipService) Delete(ownerUsername, friendUsername string) error {
	owner, err := s.members.find(ownerUsername)
	if err != nil {
		return err
	}
	friend, err := s.members.find(friendUsername)
	if err != nil {
		return err
	}
	res := s.db.Where("owner_id = ? AND friend_id = ?", owner.ID, friend.ID).Delete(&models.Friendship{})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// Search 按好友昵称关键字检索 owner 的好友。
func (s *FriendshipService) Search(ownerUsername, keyword string) ([]FriendshipDTO, error) {
	if _, err := s.members.find(ownerUsername); err != nil {
		return nil, err
	}
	var rows []friendshipRow
	err := s.baseQuery().
		Where("owners.username = ? AND friends.nickname LIKE ?", ownerUsername, "%"+keyword+"%").
		Order("friendships.id").Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	return toFriendshipDTOs(rows), nil
}
