package service

import (
	"errors"
	"time"

	"github.com/yashin20/pp-backend/internal/models"

	"github.com/rs/zerolog/log"
	"gorm.io/gorm"
)

// Presence 报告房间当前在线的订阅会话数，并在房间级联删除时
// 回收对应的订阅资源，由 ws.Hub 提供。
type Presence interface {
	Online(roomID uint) int
	DropRoom(roomID uint)
}

// RoomService 封装房间与成员关系的业务逻辑。
// 房间在第一个成员创建时出现，最后一个成员退出时同步消失；
// 成员关系绝不跨越房间的生命周期。
type RoomService struct {
	db       *gorm.DB
	presence Presence
	locks    *lockTable
	maxRooms int
}

func NewRoomService(db *gorm.DB, presence Presence, locks *lockTable, maxRooms int) *RoomService {
	if locks == nil {
		locks = newLockTable()
	}
	return &RoomService{db: db, presence: presence, locks: locks, maxRooms: maxRooms}
}

// RoomDTO 是对外输出的房间数据。
type RoomDTO struct {
	ID        uint      `json:"id"`
	Name      string    `json:"name"`
	Online    int       `json:"online"`
	CreatedAt time.Time `json:"created_at"`
}

// dropRoom 通知在线层房间已删除。必须在删除事务提交后调用。
func (s *RoomService) dropRoom(roomID uint) {
	if s.presence != nil {
		s.presence.DropRoom(roomID)
	}
}

func (s *RoomService) toDTO(room *models.Room) *RoomDTO {
	online := 0
	if s.presence != nil {
		online = s.presence.Online(room.ID)
	}
	return &RoomDTO{ID: room.ID, Name: room.Name, Online: online, CreatedAt: room.Audit.CreatedAt}
}

func (s *RoomService) findMember(tx *gorm.DB, username string) (*models.Member, error) {
	var member models.Member
	if err := tx.Where("username = ?", username).First(&member).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &member, nil
}

func (s *RoomService) findRoom(tx *gorm.DB, roomID uint) (*models.Room, error) {
	var room models.Room
	if err := tx.First(&room, roomID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &room, nil
}

// Create 创建房间并把创建者同步加入，房间绝不会无主出现。
// 容量检查后插入对同一会员原子，防止并发创建突破上限。
func (s *RoomService) Create(username, name string) (*RoomDTO, error) {
	defer s.locks.lock(memberKey(username))()

	member, err := s.findMember(s.db, username)
	if err != nil {
		return nil, err
	}

	var room models.Room
	err = s.db.Transaction(func(tx *gorm.DB) error {
		var count int64
		if err := tx.Model(&models.RoomMember{}).Where("member_id = ?", member.ID).Count(&count).Error; err != nil {
			return err
		}
		if count >= int64(s.maxRooms) {
			return ErrCapacityExceeded
		}
		room = models.Room{Name: name}
		if err := tx.Create(&room).Error; err != nil {
			return err
		}
		return tx.Create(&models.RoomMember{RoomID: room.ID, MemberID: member.ID}).Error
	})
	if err != nil {
		return nil, err
	}
	return s.toDTO(&room), nil
}

// Get 单个房间查询。
func (s *RoomService) Get(roomID uint) (*RoomDTO, error) {
	room, err := s.findRoom(s.db, roomID)
	if err != nil {
		return nil, err
	}
	return s.toDTO(room), nil
}

// ListByMember 返回会员参加中的房间列表。
func (s *RoomService) ListByMember(username string) ([]RoomDTO, error) {
	member, err := s.findMember(s.db, username)
	if err != nil {
		return nil, err
	}
	var rooms []models.Room
	err = s.db.Joins("JOIN room_members ON room_members.room_id = rooms.id").
		Where("room_members.member_id = ?", member.ID).
		Order("rooms.id").
		Find(&rooms).Error
	if err != nil {
		return nil, err
	}
	out := make([]RoomDTO, 0, len(rooms))
	for i := range rooms {
		out = append(out, *s.toDTO(&rooms[i]))
	}
	return out, nil
}

// ListAll 返回全部房间，管理用途。
func (s *RoomService) ListAll() ([]RoomDTO, error) {
	var rooms []models.Room
	if err := s.db.Order("id").Find(&rooms).Error; err != nil {
		return nil, err
	}
	out := make([]RoomDTO, 0, len(rooms))
	for i := range rooms {
		out = append(out, *s.toDTO(&rooms[i]))
	}
	return out, nil
}

// Update 修改房间名，要求请求者是该房间成员。
func (s *RoomService) Update(username string, roomID uint, name string) (*RoomDTO, error) {
	member, err := s.findMember(s.db, username)
	if err != nil {
		return nil, err
	}
	room, err := s.findRoom(s.db, roomID)
	if err != nil {
		return nil, err
	}
	var count int64
	if err := s.db.Model(&models.RoomMember{}).Where("room_id = ? AND member_id = ?", roomID, member.ID).Count(&count).Error; err != nil {
		return nil, err
	}
	if count == 0 {
		return nil, ErrUnauthorized
	}
	if err := s.db.Model(room).Update("name", name).Error; err != nil {
		return nil, err
	}
	room.Name = name
	return s.toDTO(room), nil
}

// Join 加入房间。重复加入是错误而不是静默成功。
// 先取会员锁再取房间锁：容量检查后插入对同一会员原子，
// 并发加入不同房间不会同时越过上限检查。
func (s *RoomService) Join(username string, roomID uint) (*RoomDTO, error) {
	defer s.locks.lock(memberKey(username))()
	defer s.locks.lock(roomKey(roomID))()
	return s.joinLocked(username, roomID)
}

func (s *RoomService) joinLocked(username string, roomID uint) (*RoomDTO, error) {
	room, err := s.findRoom(s.db, roomID)
	if err != nil {
		return nil, err
	}
	member, err := s.findMember(s.db, username)
	if err != nil {
		return nil, err
	}
	var count int64
	if err := s.db.Model(&models.RoomMember{}).Where("room_id = ? AND member_id = ?", roomID, member.ID).Count(&count).Error; err != nil {
		return nil, err
	}
	if count > 0 {
		return nil, ErrAlreadyExists
	}
	var held int64
	if err := s.db.Model(&models.RoomMember{}).Where("member_id = ?", member.ID).Count(&held).Error; err != nil {
		return nil, err
	}
	if held >= int64(s.maxRooms) {
		return nil, ErrCapacityExceeded
	}
	if err := s.db.Create(&models.RoomMember{RoomID: roomID, MemberID: member.ID}).Error; err != nil {
		return nil, err
	}
	return s.toDTO(room), nil
}

// Leave 退出房间。退出后房间成员数为零时，在同一事务内
// 级联删除房间全部消息和房间本身：零成员房间绝不落地存续。
// 对不存在的成员关系退出返回 ErrNotFound，与 Join 的严格语义对称。
func (s *RoomService) Leave(username string, roomID uint) (remaining int64, err error) {
	defer s.locks.lock(roomKey(roomID))()
	return s.leaveLocked(username, roomID)
}

func (s *RoomService) leaveLocked(username string, roomID uint) (int64, error) {
	if _, err := s.findRoom(s.db, roomID); err != nil {
		return 0, err
	}
	member, err := s.findMember(s.db, username)
	if err != nil {
		return 0, err
	}

	var remaining int64
	err = s.db.Transaction(func(tx *gorm.DB) error {
		res := tx.Where("room_id = ? AND member_id = ?", roomID, member.ID).Delete(&models.RoomMember{})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrNotFound
		}
		if err := tx.Model(&models.RoomMember{}).Where("room_id = ?", roomID).Count(&remaining).Error; err != nil {
			return err
		}
		if remaining == 0 {
			// 先删消息再删房间。
			if err := tx.Where("room_id = ?", roomID).Delete(&models.Message{}).Error; err != nil {
				return err
			}
			return tx.Delete(&models.Room{}, roomID).Error
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	if remaining == 0 {
		s.dropRoom(roomID)
	}
	return remaining, nil
}

// Delete 显式删除房间：消息、成员关系、房间，按序在一个事务内完成。
func (s *RoomService) Delete(username string, roomID uint) (uint, error) {
	defer s.locks.lock(roomKey(roomID))()

	if _, err := s.findRoom(s.db, roomID); err != nil {
		return 0, err
	}
	if _, err := s.findMember(s.db, username); err != nil {
		return 0, err
	}
	err := s.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("room_id = ?", roomID).Delete(&models.Message{}).Error; err != nil {
			return err
		}
		if err := tx.Where("room_id = ?", roomID).Delete(&models.RoomMember{}).Error; err != nil {
			return err
		}
		return tx.Delete(&models.Room{}, roomID).Error
	})
	if err != nil {
		return 0, err
	}
	s.dropRoom(roomID)
	return roomID, nil
}

// BatchJoin 批量拉人进房。已是成员的跳过，不存在或已达房间上限的会员跳过并记日志；
// 只有房间不存在让整个调用失败。逐个会员按先会员后房间的次序取锁。
func (s *RoomService) BatchJoin(roomID uint, usernames []string) (*RoomDTO, error) {
	room, err := s.findRoom(s.db, roomID)
	if err != nil {
		return nil, err
	}
	for _, username := range usernames {
		if err := s.batchJoinOne(roomID, username); err != nil {
			return nil, err
		}
	}
	return s.toDTO(room), nil
}

func (s *RoomService) batchJoinOne(roomID uint, username string) error {
	defer s.locks.lock(memberKey(username))()
	defer s.locks.lock(roomKey(roomID))()

	member, err := s.findMember(s.db, username)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			log.Warn().Str("username", username).Uint("room_id", roomID).Msg("batch join: member not found, skipped")
			return nil
		}
		return err
	}
	if _, err := s.findRoom(s.db, roomID); err != nil {
		return err
	}
	var count int64
	if err := s.db.Model(&models.RoomMember{}).Where("room_id = ? AND member_id = ?", roomID, member.ID).Count(&count).Error; err != nil {
		return err
	}
	if count > 0 {
		return nil
	}
	var held int64
	if err := s.db.Model(&models.RoomMember{}).Where("member_id = ?", member.ID).Count(&held).Error; err != nil {
		return err
	}
	if held >= int64(s.maxRooms) {
		log.Warn().Str("username", username).Uint("room_id", roomID).Msg("batch join: room limit reached, skipped")
		return nil
	}
	return s.db.Create(&models.RoomMember{RoomID: roomID, MemberID: member.ID}).Error
}

// MemberCount 返回房间当前成员数。
func (s *RoomService) MemberCount(roomID uint) (int64, error) {
	var count int64
	err := s.db.Model(&models.RoomMember{}).Where("room_id = ?", roomID).Count(&count).Error
	return count, err
}

// IsMember 检查会员是否在房间内。
func (s *RoomService) IsMember(username string, roomID uint) (bool, error) {
	member, err := s.findMember(s.db, username)
	if err != nil {
		return false, err
	}
	var count int64
	err = s.db.Model(&models.RoomMember{}).Where("room_id = ? AND member_id = ?", roomID, member.ID).Count(&count).Error
	return count > 0, err
}
