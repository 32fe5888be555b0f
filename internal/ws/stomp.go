package ws

import (
	"bytes"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// 基于文本的帧式子协议（STOMP 1.2 线格式）：
// 命令行、若干 header 行、空行、正文，NUL 结尾。
// CONNECT 帧携带 Authorization header，是会话唯一的认证点。

const (
	CmdConnect     = "CONNECT"
	CmdConnected   = "CONNECTED"
	CmdSend        = "SEND"
	CmdSubscribe   = "SUBSCRIBE"
	CmdUnsubscribe = "UNSUBSCRIBE"
	CmdMessage     = "MESSAGE"
	CmdError       = "ERROR"
	CmdDisconnect  = "DISCONNECT"
)

// 应用级目的地。
const (
	DestSendMessage = "/pub/chat/message"
	DestEnterRoom   = "/pub/chat/enter"
	DestLeaveRoom   = "/pub/chat/leave"
	subDestPrefix   = "/sub/chat/room/"
)

const (
	HeaderAuthorization = "Authorization"
	HeaderDestination   = "destination"
	HeaderSubscription  = "subscription"
	HeaderID            = "id"
	HeaderMessage       = "message"
	HeaderContentType   = "content-type"
	HeaderMessageID     = "message-id"
	HeaderVersion       = "version"
)

var ErrBadFrame = errors.New("malformed frame")

var knownCommands = map[string]bool{
	CmdConnect:     true,
	CmdConnected:   true,
	CmdSend:        true,
	CmdSubscribe:   true,
	CmdUnsubscribe: true,
	CmdMessage:     true,
	CmdError:       true,
	CmdDisconnect:  true,
}

type Frame struct {
	Command string
	Headers map[string]string
	Body    []byte
}

func NewFrame(command string) *Frame {
	return &Frame{Command: command, Headers: make(map[string]string)}
}

// Header 取指定 header，缺失返回空串。重复 header 以首个为准（解析时丢弃后续）。
func (f *Frame) Header(name string) string {
	return f.Headers[name]
}

// ParseFrame 解析一个完整的文本帧。
func ParseFrame(data []byte) (*Frame, error) {
	// websocket 消息自带边界，NUL 结尾可省略。
	data = bytes.TrimSuffix(data, []byte{0})
	data = bytes.ReplaceAll(data, []byte("\r\n"), []byte("\n"))
	// 容忍帧前的心跳换行。
	data = bytes.TrimLeft(data, "\n")
	if len(data) == 0 {
		return nil, ErrBadFrame
	}

	head, body, found := bytes.Cut(data, []byte("\n\n"))
	if !found {
		return nil, fmt.Errorf("%w: missing header terminator", ErrBadFrame)
	}

	lines := strings.Split(string(head), "\n")
	command := lines[0]
	if !knownCommands[command] {
		return nil, fmt.Errorf("%w: unknown command %q", ErrBadFrame, command)
	}
	f := NewFrame(command)
	for _, line := range lines[1:] {
		if line == "" {
			continue
		}
		key, value, ok := strings.Cut(line, ":")
		if !ok || key == "" {
			return nil, fmt.Errorf("%w: bad header line %q", ErrBadFrame, line)
		}
		if _, dup := f.Headers[key]; dup {
			continue
		}
		f.Headers[key] = value
	}
	f.Body = body
	return f, nil
}

// Marshal 序列化为线格式。header 按名字排序保证输出稳定。
func (f *Frame) Marshal() []byte {
	var b bytes.Buffer
	b.WriteString(f.Command)
	b.WriteByte('\n')
	names := make([]string, 0, len(f.Headers))
	for name := range f.Headers {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		b.WriteString(name)
		b.WriteByte(':')
		b.WriteString(f.Headers[name])
		b.WriteByte('\n')
	}
	b.WriteByte('\n')
	b.Write(f.Body)
	b.WriteByte(0)
	return b.Bytes()
}

// errorFrame 构造携带原因的 ERROR 帧。
func errorFrame(message string) *Frame {
	f := NewFrame(CmdError)
	f.Headers[HeaderMessage] = message
	return f
}

// subDestination 房间广播频道的目的地。
func subDestination(roomID uint) string {
	return subDestPrefix + strconv.FormatUint(uint64(roomID), 10)
}

// parseSubDestination 从订阅目的地解析房间 ID。
func parseSubDestination(dest string) (uint, bool) {
	raw, ok := strings.CutPrefix(dest, subDestPrefix)
	if !ok {
		return 0, false
	}
	id, err := strconv.ParseUint(raw, 10, 64)
	if err != nil || id == 0 {
		return 0, false
	}
	return uint(id), true
}
