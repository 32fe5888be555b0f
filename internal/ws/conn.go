package ws

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/yashin20/pp-backend/internal/config"
	"github.com/yashin20/pp-backend/internal/metrics"
	"github.com/yashin20/pp-backend/internal/service"
	"github.com/yashin20/pp-backend/internal/token"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

type subscription struct {
	id string
	rh *RoomHub
}

type Client struct {
	hub   *Hub
	conn  *websocket.Conn
	send  chan []byte
	done  chan struct{}
	sess  *Session
	pipe  *Pipeline
	relay *service.MessageService
	rooms *service.RoomService

	mu      sync.RWMutex
	subs    map[uint]subscription
	dropSeq sync.Once
}

// chatPayload 发布目的地的入站消息正文。
type chatPayload struct {
	RoomID  uint   `json:"room_id"`
	Content string `json:"content"`
}

// Serve 升级 websocket 并执行 CONNECT 握手。
// 握手必须在超时内完成，超时与认证失败同等对待：
// 拒绝连接，不登记任何会话资源，不产生任何凭证状态变更。
func Serve(hub *Hub, relay *service.MessageService, rooms *service.RoomService, tokens *token.Service, cfg config.Config) gin.HandlerFunc {
	handshakeTimeout := time.Duration(cfg.HandshakeTimeoutSeconds) * time.Second
	return func(c *gin.Context) {
		conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			return
		}

		sess := &Session{}
		pipe := defaultPipeline(tokens)

		_ = conn.SetReadDeadline(time.Now().Add(handshakeTimeout))
		_, data, err := conn.ReadMessage()
		if err != nil {
			metrics.HandshakeRejects.Inc()
			_ = conn.Close()
			return
		}
		frame, err := ParseFrame(data)
		if err == nil {
			err = pipe.Run(frame, sess)
		}
		if err != nil {
			metrics.HandshakeRejects.Inc()
			log.Info().Err(err).Str("remote", conn.RemoteAddr().String()).Msg("ws handshake rejected")
			_ = conn.WriteMessage(websocket.TextMessage, errorFrame(err.Error()).Marshal())
			_ = conn.Close()
			return
		}

		connected := NewFrame(CmdConnected)
		connected.Headers[HeaderVersion] = "1.2"
		if err := conn.WriteMessage(websocket.TextMessage, connected.Marshal()); err != nil {
			_ = conn.Close()
			return
		}

		client := &Client{
			hub:   hub,
			conn:  conn,
			send:  make(chan []byte, 256),
			done:  make(chan struct{}),
			sess:  sess,
			pipe:  pipe,
			relay: relay,
			rooms: rooms,
			subs:  make(map[uint]subscription),
		}
		metrics.WsConnections.Inc()

		go client.writePump()
		client.readPump()
	}
}

func (c *Client) readPump() {
	defer func() {
		c.unsubscribeAll()
		c.dropped()
		_ = c.conn.Close()
		metrics.WsConnections.Dec()
	}()
	c.conn.SetReadLimit(1 << 20) // 1MB
	_ = c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	c.conn.SetPongHandler(func(string) error {
		_ = c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		frame, err := ParseFrame(data)
		if err != nil {
			// 协议违例：按帧协议语义发 ERROR 后关闭连接。
			c.sendFrame(errorFrame(err.Error()))
			return
		}
		if err := c.pipe.Run(frame, c.sess); err != nil {
			c.sendFrame(errorFrame(err.Error()))
			return
		}
		if !c.dispatch(frame) {
			return
		}
	}
}

// dispatch 处理一帧，返回 false 表示会话应当结束。
func (c *Client) dispatch(frame *Frame) bool {
	switch frame.Command {
	case CmdConnect:
		// 握手阶段已处理，管线保证不会重复出现。
		return true
	case CmdSubscribe:
		return c.handleSubscribe(frame)
	case CmdUnsubscribe:
		c.handleUnsubscribe(frame)
		return true
	case CmdSend:
		c.handleSend(frame)
		return true
	case CmdDisconnect:
		return false
	default:
		c.sendFrame(errorFrame("unexpected frame " + frame.Command))
		return false
	}
}

func (c *Client) handleSubscribe(frame *Frame) bool {
	roomID, ok := parseSubDestination(frame.Header(HeaderDestination))
	if !ok {
		c.sendFrame(errorFrame("invalid destination " + frame.Header(HeaderDestination)))
		return false
	}
	if _, err := c.rooms.Get(roomID); err != nil {
		c.sendFrame(errorFrame("room not found"))
		return true
	}
	subID := frame.Header(HeaderID)
	if subID == "" {
		subID = uuid.NewString()
	}

	rh := c.hub.GetRoom(roomID)
	c.mu.Lock()
	_, already := c.subs[roomID]
	c.subs[roomID] = subscription{id: subID, rh: rh}
	c.mu.Unlock()
	if !already && !rh.add(c) {
		c.evict(roomID)
		c.sendFrame(errorFrame("room not found"))
		return true
	}
	// 与级联删除竞态时上面的懒加载可能复活已删房间的频道，复查后回收。
	if _, err := c.rooms.Get(roomID); err != nil {
		c.hub.DropRoom(roomID)
		c.sendFrame(errorFrame("room not found"))
	}
	return true
}

func (c *Client) handleUnsubscribe(frame *Frame) {
	subID := frame.Header(HeaderID)
	c.mu.Lock()
	var found *subscription
	var roomID uint
	for id, sub := range c.subs {
		if sub.id == subID {
			s := sub
			found = &s
			roomID = id
			break
		}
	}
	if found != nil {
		delete(c.subs, roomID)
	}
	c.mu.Unlock()
	if found != nil {
		found.rh.drop(c)
	}
}

func (c *Client) handleSend(frame *Frame) {
	var payload chatPayload
	if err := json.Unmarshal(frame.Body, &payload); err != nil || payload.RoomID == 0 {
		c.sendFrame(errorFrame("invalid payload"))
		return
	}
	// require-auth 阶段保证走到这里必有主体。
	username := c.sess.Principal.Username

	var err error
	switch frame.Header(HeaderDestination) {
	case DestSendMessage:
		if payload.Content == "" {
			c.sendFrame(errorFrame("empty content"))
			return
		}
		_, err = c.relay.Send(username, payload.RoomID, payload.Content)
		if err == nil {
			metrics.WsMessagesTotal.Inc()
		}
	case DestEnterRoom:
		_, err = c.relay.Enter(username, payload.RoomID)
	case DestLeaveRoom:
		_, err = c.relay.Leave(username, payload.RoomID)
	default:
		c.sendFrame(errorFrame("unknown destination " + frame.Header(HeaderDestination)))
		return
	}
	if err != nil {
		// 业务失败只拒绝本次操作，不终止会话。
		log.Warn().Err(err).Str("username", username).Uint("room_id", payload.RoomID).Msg("ws send")
		c.sendFrame(errorFrame(err.Error()))
	}
}

// deliver 把房间广播包装为 MESSAGE 帧投入发送队列。
// 返回 false 表示队列已满（慢消费者），由 RoomHub 移除订阅。
func (c *Client) deliver(roomID uint, payload []byte) bool {
	c.mu.RLock()
	sub, ok := c.subs[roomID]
	c.mu.RUnlock()
	if !ok {
		return true
	}
	frame := NewFrame(CmdMessage)
	frame.Headers[HeaderDestination] = subDestination(roomID)
	frame.Headers[HeaderSubscription] = sub.id
	frame.Headers[HeaderMessageID] = uuid.NewString()
	frame.Headers[HeaderContentType] = "application/json"
	frame.Body = payload
	select {
	case <-c.done:
		return false
	case c.send <- frame.Marshal():
		return true
	default:
		return false
	}
}

// dropped 终止会话的发送侧，幂等。发送队列本身不关闭，
// 避免其他房间的并发投递撞上已关闭的 channel。
func (c *Client) dropped() {
	c.dropSeq.Do(func() { close(c.done) })
}

// evict 在房间整体回收时移除本端的订阅记录，由 RoomHub 的接收循环调用。
func (c *Client) evict(roomID uint) {
	c.mu.Lock()
	delete(c.subs, roomID)
	c.mu.Unlock()
}

func (c *Client) unsubscribeAll() {
	c.mu.Lock()
	subs := c.subs
	c.subs = make(map[uint]subscription)
	c.mu.Unlock()
	for _, sub := range subs {
		sub.rh.drop(c)
	}
}

func (c *Client) sendFrame(f *Frame) {
	select {
	case <-c.done:
	case c.send <- f.Marshal():
	default:
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(30 * time.Second)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()
	for {
		select {
		case <-c.done:
			_ = c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
			return
		case message := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
