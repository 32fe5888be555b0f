package service

import (
	"errors"
	"sort"
	"time"

	"github.com/yashin20/pp-backend/internal/auth"
	"github.com/yashin20/pp-backend/internal/models"

	"gorm.io/gorm"
)

// MemberService 封装会员相关的业务逻辑。
type MemberService struct {
	db       *gorm.DB
	locks    *lockTable
	presence Presence
}

func NewMemberService(db *gorm.DB, locks *lockTable, presence Presence) *MemberService {
	if locks == nil {
		locks = newLockTable()
	}
	return &MemberService{db: db, locks: locks, presence: presence}
}

// MemberDTO 是对外输出的会员数据，不含密码散列。
type MemberDTO struct {
	ID        uint              `json:"id"`
	Username  string            `json:"username"`
	Nickname  string            `json:"nickname"`
	Email     string            `json:"email"`
	Role      models.MemberRole `json:"role"`
	CreatedAt time.Time         `json:"created_at"`
}

func memberDTO(m *models.Member) *MemberDTO {
	return &MemberDTO{ID: m.ID, Username: m.Username, Nickname: m.Nickname, Email: m.Email, Role: m.Role, CreatedAt: m.Audit.CreatedAt}
}

// Register 注册新会员。username/nickname/email 任一重复都拒绝。
func (s *MemberService) Register(username, password, nickname, email string) (*MemberDTO, error) {
	for field, value := range map[string]string{"username": username, "nickname": nickname, "email": email} {
		if value == "" {
			continue
		}
		var count int64
		if err := s.db.Model(&models.Member{}).Where(field+" = ?", value).Count(&count).Error; err != nil {
			return nil, err
		}
		if count > 0 {
			return nil, ErrAlreadyExists
		}
	}
	hash, err := auth.HashPassword(password)
	if err != nil {
		return nil, err
	}
	member := models.Member{Username: username, PasswordHash: hash, Nickname: nickname, Email: email, Role: models.RoleUser}
	if err := s.db.Create(&member).Error; err != nil {
		return nil, err
	}
	return memberDTO(&member), nil
}

// GetByID 按 ID 查询会员。
func (s *MemberService) GetByID(id uint) (*MemberDTO, error) {
	var member models.Member
	if err := s.db.First(&member, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return memberDTO(&member), nil
}

// GetByUsername 按 username 查询会员。
func (s *MemberService) GetByUsername(username string) (*MemberDTO, error) {
	member, err := s.find(username)
	if err != nil {
		return nil, err
	}
	return memberDTO(member), nil
}

func (s *MemberService) find(username string) (*models.Member, error) {
	var member models.Member
	if err := s.db.Where("username = ?", username).First(&member).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &member, nil
}

// Update 修改昵称/邮箱，空字段跳过，重复值拒绝。
func (s *MemberService) Update(username, nickname, email string) (*MemberDTO, error) {
	member, err := s.find(username)
	if err != nil {
		return nil, err
	}
	updates := map[string]interface{}{}
	if nickname != "" && nickname != member.Nickname {
		var count int64
		if err := s.db.Model(&models.Member{}).Where("nickname = ?", nickname).Count(&count).Error; err != nil {
			return nil, err
		}
		if count > 0 {
			return nil, ErrAlreadyExists
		}
		updates["nickname"] = nickname
		member.Nickname = nickname
	}
	if email != "" && email != member.Email {
		var count int64
		if err := s.db.Model(&models.Member{}).Where("email = ?", email).Count(&count).Error; err != nil {
			return nil, err
		}
		if count > 0 {
			return nil, ErrAlreadyExists
		}
		updates["email"] = email
		member.Email = email
	}
	if len(updates) > 0 {
		if err := s.db.Model(member).Updates(updates).Error; err != nil {
			return nil, err
		}
	}
	return memberDTO(member), nil
}

// UpdatePassword 修改密码：当前密码必须正确，新密码须与确认一致且不同于当前。
func (s *MemberService) UpdatePassword(username, current, next, repeat string) error {
	member, err := s.find(username)
	if err != nil {
		return err
	}
	if !auth.VerifyPassword(member.PasswordHash, current) {
		return ErrUnauthorized
	}
	if next != repeat {
		return ErrInvalidCredentials
	}
	if next == current {
		return ErrInvalidCredentials
	}
	hash, err := auth.HashPassword(next)
	if err != nil {
		return err
	}
	return s.db.Model(member).Update("password_hash", hash).Error
}

// Delete 删除会员并显式级联：本人撰写的全部消息、成员关系
// （随之清空的房间连同其消息一并删除）、双向好友关系，最后删除会员本体。
func (s *MemberService) Delete(username string) (string, error) {
	defer s.locks.lock(memberKey(username))()

	member, err := s.find(username)
	if err != nil {
		return "", err
	}
	// 先锁定本人的全部房间再开事务：空房检查与删除对并发的 join 原子。
	// 会员锁在手，成员关系只减不增，快照即上界；房间锁按 ID 升序取。
	var held []models.RoomMember
	if err := s.db.Where("member_id = ?", member.ID).Find(&held).Error; err != nil {
		return "", err
	}
	roomIDs := make([]uint, 0, len(held))
	for _, rm := range held {
		roomIDs = append(roomIDs, rm.RoomID)
	}
	sort.Slice(roomIDs, func(i, j int) bool { return roomIDs[i] < roomIDs[j] })
	for _, id := range roomIDs {
		defer s.locks.lock(roomKey(id))()
	}

	var emptied []uint
	err = s.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("member_id = ?", member.ID).Delete(&models.Message{}).Error; err != nil {
			return err
		}
		var memberships []models.RoomMember
		if err := tx.Where("member_id = ?", member.ID).Find(&memberships).Error; err != nil {
			return err
		}
		if err := tx.Where("member_id = ?", member.ID).Delete(&models.RoomMember{}).Error; err != nil {
			return err
		}
		for _, rm := range memberships {
			var remaining int64
			if err := tx.Model(&models.RoomMember{}).Where("room_id = ?", rm.RoomID).Count(&remaining).Error; err != nil {
				return err
			}
			if remaining == 0 {
				if err := tx.Where("room_id = ?", rm.RoomID).Delete(&models.Message{}).Error; err != nil {
					return err
				}
				if err := tx.Delete(&models.Room{}, rm.RoomID).Error; err != nil {
					return err
				}
				emptied = append(emptied, rm.RoomID)
			}
		}
		if err := tx.Where("owner_id = ? OR friend_id = ?", member.ID, member.ID).Delete(&models.Friendship{}).Error; err != nil {
			return err
		}
		return tx.Delete(member).Error
	})
	if err != nil {
		return "", err
	}
	if s.presence != nil {
		for _, id := range emptied {
			s.presence.DropRoom(id)
		}
	}
	return username, nil
}
