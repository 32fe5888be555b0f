package service

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/yashin20/pp-backend/internal/models"

	"github.com/rs/zerolog/log"
	"gorm.io/gorm"
)

// Broadcaster 把已持久化的消息发布到房间对应的逻辑频道，由 ws.Hub 提供。
type Broadcaster interface {
	Publish(roomID uint, payload []byte)
}

// MessageService 封装消息的持久化与扇出。
// 持久化同步完成且先于广播；广播失败不回滚已提交的消息，
// 持久化失败则完全不广播。
type MessageService struct {
	db          *gorm.DB
	rooms       *RoomService
	broadcaster Broadcaster
	locks       *lockTable
}

func NewMessageService(db *gorm.DB, rooms *RoomService, broadcaster Broadcaster, locks *lockTable) *MessageService {
	if locks == nil {
		locks = newLockTable()
	}
	return &MessageService{db: db, rooms: rooms, broadcaster: broadcaster, locks: locks}
}

// MessageDTO 是对外输出的消息数据。
type MessageDTO struct {
	ID        uint               `json:"id"`
	Type      models.MessageType `json:"type"`
	RoomID    uint               `json:"room_id"`
	Username  string             `json:"username"`
	Content   string             `json:"content"`
	CreatedAt time.Time          `json:"created_at"`
}

// Create 校验会员与房间存在后持久化一条消息。
func (s *MessageService) Create(username string, roomID uint, content string, mtype models.MessageType) (*MessageDTO, error) {
	return s.create(username, roomID, content, mtype)
}

func (s *MessageService) create(username string, roomID uint, content string, mtype models.MessageType) (*MessageDTO, error) {
	member, err := s.rooms.findMember(s.db, username)
	if err != nil {
		return nil, err
	}
	if _, err := s.rooms.findRoom(s.db, roomID); err != nil {
		return nil, err
	}
	msg := models.Message{Content: content, Type: mtype, MemberID: member.ID, RoomID: roomID}
	if err := s.db.Create(&msg).Error; err != nil {
		return nil, err
	}
	return &MessageDTO{
		ID:        msg.ID,
		Type:      msg.Type,
		RoomID:    msg.RoomID,
		Username:  username,
		Content:   msg.Content,
		CreatedAt: msg.Audit.CreatedAt,
	}, nil
}

// ListByRoom 返回房间全部消息，按创建时间降序（最新在前），
// 进入房间时的历史回放依赖这一顺序。
func (s *MessageService) ListByRoom(roomID uint) ([]MessageDTO, error) {
	if _, err := s.rooms.findRoom(s.db, roomID); err != nil {
		return nil, err
	}
	var msgs []models.Message
	if err := s.db.Where("room_id = ?", roomID).Order("created_at desc, id desc").Find(&msgs).Error; err != nil {
		return nil, err
	}
	usernames, err := s.resolveUsernames(msgs)
	if err != nil {
		return nil, err
	}
	out := make([]MessageDTO, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, MessageDTO{
			ID:        m.ID,
			Type:      m.Type,
			RoomID:    m.RoomID,
			Username:  usernames[m.MemberID],
			Content:   m.Content,
			CreatedAt: m.Audit.CreatedAt,
		})
	}
	return out, nil
}

// resolveUsernames 批量获取消息涉及的用户名。
func (s *MessageService) resolveUsernames(msgs []models.Message) (map[uint]string, error) {
	seen := make(map[uint]struct{}, len(msgs))
	memberIDs := make([]uint, 0, len(msgs))
	for _, m := range msgs {
		if _, ok := seen[m.MemberID]; ok {
			continue
		}
		seen[m.MemberID] = struct{}{}
		memberIDs = append(memberIDs, m.MemberID)
	}

	usernames := make(map[uint]string, len(memberIDs))
	if len(memberIDs) > 0 {
		var members []models.Member
		if err := s.db.Select("id", "username").Where("id IN ?", memberIDs).Find(&members).Error; err != nil {
			return nil, err
		}
		for _, m := range members {
			usernames[m.ID] = m.Username
		}
	}
	return usernames, nil
}

// Delete 删除单条消息，仅限作者本人。
func (s *MessageService) Delete(username string, messageID uint) error {
	var msg models.Message
	if err := s.db.First(&msg, messageID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrNotFound
		}
		return err
	}
	member, err := s.rooms.findMember(s.db, username)
	if err != nil {
		return err
	}
	if msg.MemberID != member.ID {
		return ErrUnauthorized
	}
	return s.db.Delete(&msg).Error
}

// DeleteAllInRoom 删除房间全部消息。
func (s *MessageService) DeleteAllInRoom(roomID uint) error {
	if _, err := s.rooms.findRoom(s.db, roomID); err != nil {
		return err
	}
	return s.db.Where("room_id = ?", roomID).Delete(&models.Message{}).Error
}

// DeleteAllByMember 删除会员撰写的全部消息。
func (s *MessageService) DeleteAllByMember(username string) error {
	member, err := s.rooms.findMember(s.db, username)
	if err != nil {
		return err
	}
	return s.db.Where("member_id = ?", member.ID).Delete(&models.Message{}).Error
}

// Send 聊天消息复合流程：持久化 + 广播，二者在房间锁内完成，
// 同一房间的落库顺序与广播顺序一致。
func (s *MessageService) Send(username string, roomID uint, content string) (*MessageDTO, error) {
	defer s.locks.lock(roomKey(roomID))()

	dto, err := s.create(username, roomID, content, models.MessageChat)
	if err != nil {
		return nil, err
	}
	s.publish(dto)
	return dto, nil
}

// Enter 入场通知：合成 ENTER 系统消息并广播，不改动成员关系。
func (s *MessageService) Enter(username string, roomID uint) (*MessageDTO, error) {
	defer s.locks.lock(roomKey(roomID))()

	dto, err := s.create(username, roomID, username+" joined", models.MessageEnter)
	if err != nil {
		return nil, err
	}
	s.publish(dto)
	return dto, nil
}

// Leave 退场复合流程：先移除成员关系，再持久化并广播 LEAVE 系统消息。
// 房间因此清空时已被级联删除，此时无人可收，跳过通知。
func (s *MessageService) Leave(username string, roomID uint) (*MessageDTO, error) {
	defer s.locks.lock(roomKey(roomID))()

	remaining, err := s.rooms.leaveLocked(username, roomID)
	if err != nil {
		return nil, err
	}
	if remaining == 0 {
		return nil, nil
	}
	dto, err := s.create(username, roomID, username+" left", models.MessageLeave)
	if err != nil {
		return nil, err
	}
	s.publish(dto)
	return dto, nil
}

func (s *MessageService) publish(dto *MessageDTO) {
	if s.broadcaster == nil {
		return
	}
	payload, err := json.Marshal(dto)
	if err != nil {
		log.Error().Err(err).Uint("room_id", dto.RoomID).Msg("marshal broadcast payload")
		return
	}
	s.broadcaster.Publish(dto.RoomID, payload)
}
