package ws

import (
	"sync"
	"sync/atomic"

	"github.com/yashin20/pp-backend/internal/metrics"
)

// Hub 管理房间级别的子 Hub，实现延迟创建与并发安全。
// 同时充当订阅登记处（service.Presence）与广播出口（service.Broadcaster）。
// RoomHub 由首个订阅者创建，由房间删除回收；二者之外不产生新 goroutine。
type Hub struct {
	mu    sync.RWMutex
	rooms map[uint]*RoomHub
}

func NewHub() *Hub { return &Hub{rooms: make(map[uint]*RoomHub)} }

// GetRoom 若房间未初始化则懒加载一个 RoomHub。
func (h *Hub) GetRoom(roomID uint) *RoomHub {
	h.mu.RLock()
	room := h.rooms[roomID]
	h.mu.RUnlock()
	if room != nil {
		return room
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	room = h.rooms[roomID]
	if room != nil {
		return room
	}
	room = NewRoomHub(roomID)
	h.rooms[roomID] = room
	go room.run()
	return room
}

// DropRoom 随房间删除回收对应的 RoomHub：终止其接收循环并清退全部订阅。
// 房间从未有过订阅者或已被回收时是空操作。
func (h *Hub) DropRoom(roomID uint) {
	h.mu.Lock()
	room := h.rooms[roomID]
	delete(h.rooms, roomID)
	h.mu.Unlock()
	if room != nil {
		close(room.done)
	}
}

// Online 返回房间当前订阅的会话数。
func (h *Hub) Online(roomID uint) int {
	h.mu.RLock()
	room := h.rooms[roomID]
	h.mu.RUnlock()
	if room == nil {
		return 0
	}
	return room.Online()
}

// Publish 把已持久化的消息负载投递到房间频道。
// 经由 RoomHub 的单一接收循环扇出，同一房间的投递顺序与入队顺序一致。
// 无人订阅过的房间没有频道，负载直接丢弃。
func (h *Hub) Publish(roomID uint, payload []byte) {
	h.mu.RLock()
	room := h.rooms[roomID]
	h.mu.RUnlock()
	if room == nil {
		return
	}
	select {
	case room.broadcast <- payload:
	case <-room.done:
	}
}

type RoomHub struct {
	roomID     uint
	clients    map[*Client]bool
	register   chan *Client
	unregister chan *Client
	broadcast  chan []byte
	done       chan struct{}
	online     int32
}

func NewRoomHub(roomID uint) *RoomHub {
	return &RoomHub{
		roomID:     roomID,
		clients:    make(map[*Client]bool),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		broadcast:  make(chan []byte, 256),
		done:       make(chan struct{}),
	}
}

func (rh *RoomHub) run() {
	for {
		select {
		case <-rh.done:
			for c := range rh.clients {
				c.evict(rh.roomID)
				metrics.WsSubscriptions.Dec()
			}
			rh.clients = nil
			atomic.StoreInt32(&rh.online, 0)
			return
		case c := <-rh.register:
			rh.clients[c] = true
			atomic.StoreInt32(&rh.online, int32(len(rh.clients)))
			metrics.WsSubscriptions.Inc()
		case c := <-rh.unregister:
			if _, ok := rh.clients[c]; ok {
				delete(rh.clients, c)
				atomic.StoreInt32(&rh.online, int32(len(rh.clients)))
				metrics.WsSubscriptions.Dec()
			}
		case msg := <-rh.broadcast:
			metrics.BroadcastsTotal.WithLabelValues("room").Inc()
			for c := range rh.clients {
				if !c.deliver(rh.roomID, msg) {
					// 慢消费者：丢弃其队列并移除订阅。
					delete(rh.clients, c)
					atomic.StoreInt32(&rh.online, int32(len(rh.clients)))
					metrics.WsSubscriptions.Dec()
					c.dropped()
				}
			}
		}
	}
}

// add 登记订阅。RoomHub 已随房间删除回收时返回 false。
func (rh *RoomHub) add(c *Client) bool {
	select {
	case rh.register <- c:
		return true
	case <-rh.done:
		return false
	}
}

// drop 注销订阅，对已回收的 RoomHub 是空操作。
func (rh *RoomHub) drop(c *Client) {
	select {
	case rh.unregister <- c:
	case <-rh.done:
	}
}

// Online 返回房间订阅数，供 REST 接口复用。
func (rh *RoomHub) Online() int { return int(atomic.LoadInt32(&rh.online)) }
