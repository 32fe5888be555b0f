package server

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/yashin20/pp-backend/internal/auth"
	"github.com/yashin20/pp-backend/internal/service"
	"github.com/yashin20/pp-backend/internal/token"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
)

// Handler 聚合所有 HTTP handler，依赖注入 service 层。
type Handler struct {
	authSvc   *service.AuthService
	memberSvc *service.MemberService
	roomSvc   *service.RoomService
	msgSvc    *service.MessageService
	friendSvc *service.FriendshipService
}

func NewHandler(authSvc *service.AuthService, memberSvc *service.MemberService, roomSvc *service.RoomService, msgSvc *service.MessageService, friendSvc *service.FriendshipService) *Handler {
	return &Handler{authSvc: authSvc, memberSvc: memberSvc, roomSvc: roomSvc, msgSvc: msgSvc, friendSvc: friendSvc}
}

// writeServiceError 把 service 层错误映射为 HTTP 状态码。
func writeServiceError(c *gin.Context, err error, op string) {
	switch {
	case errors.Is(err, service.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
	case errors.Is(err, service.ErrAlreadyExists):
		c.JSON(http.StatusBadRequest, gin.H{"error": "already exists"})
	case errors.Is(err, service.ErrInvalidCredentials):
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid credentials"})
	case errors.Is(err, service.ErrUnauthorized):
		c.JSON(http.StatusForbidden, gin.H{"error": "forbidden"})
	case errors.Is(err, service.ErrCapacityExceeded):
		c.JSON(http.StatusForbidden, gin.H{"error": "room limit reached"})
	default:
		log.Error().Err(err).Str("op", op).Msg("handler")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}

func principal(c *gin.Context) auth.Principal {
	p, _ := auth.Current(c)
	return p
}

func pathID(c *gin.Context, name string) (uint, bool) {
	v, err := strconv.Atoi(c.Param(name))
	if err != nil || v <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid " + name})
		return 0, false
	}
	return uint(v), true
}

func pairResponse(pair *token.Pair) gin.H {
	return gin.H{
		"grant_type":              pair.GrantType,
		"access_token":            pair.AccessToken,
		"refresh_token":           pair.RefreshToken,
		"access_token_expires_in": pair.AccessExpiresIn,
	}
}

// Register 处理会员注册请求。
func (h *Handler) Register(c *gin.Context) {
	var req struct {
		Username string `json:"username"`
		Password string `json:"password"`
		Nickname string `json:"nickname"`
		Email    string `json:"email"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}
	req.Username = strings.TrimSpace(req.Username)
	req.Nickname = strings.TrimSpace(req.Nickname)
	req.Email = strings.TrimSpace(req.Email)
	if req.Username == "" || req.Password == "" || req.Nickname == "" || req.Email == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}
	if len(req.Username) < 2 || len(req.Username) > 64 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid username"})
		return
	}
	if len(req.Password) < 4 || len(req.Password) > 128 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid password"})
		return
	}
	member, err := h.memberSvc.Register(req.Username, req.Password, req.Nickname, req.Email)
	if err != nil {
		writeServiceError(c, err, "register")
		return
	}
	c.JSON(http.StatusOK, gin.H{"id": member.ID, "username": member.Username})
}

// Login 处理登录请求，返回凭证对。
func (h *Handler) Login(c *gin.Context) {
	var req struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}
	req.Username = strings.TrimSpace(req.Username)
	if req.Username == "" || req.Password == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}
	pair, member, err := h.authSvc.Login(req.Username, req.Password)
	if err != nil {
		writeServiceError(c, err, "login")
		return
	}
	resp := pairResponse(pair)
	resp["member"] = gin.H{"id": member.ID, "username": member.Username, "nickname": member.Nickname}
	c.JSON(http.StatusOK, resp)
}

// Reissue 用旧凭证对换取新凭证对。重放旧 renewal 视为凭证被盗，
// 会话记录已被清除，只能重新登录。
func (h *Handler) Reissue(c *gin.Context) {
	var req struct {
		AccessToken  string `json:"access_token"`
		RefreshToken string `json:"refresh_token"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || req.AccessToken == "" || req.RefreshToken == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}
	pair, err := h.authSvc.Reissue(req.AccessToken, req.RefreshToken)
	if err != nil {
		log.Warn().Err(err).Msg("reissue")
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid refresh token"})
		return
	}
	c.JSON(http.StatusOK, pairResponse(pair))
}

// Logout 吊销当前会员的续签记录。
func (h *Handler) Logout(c *gin.Context) {
	raw := auth.ResolveBearer(c.GetHeader("Authorization"))
	if raw == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing credentials"})
		return
	}
	if err := h.authSvc.Logout(raw); err != nil {
		log.Warn().Err(err).Msg("logout")
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// Me 返回当前会员信息。
func (h *Handler) Me(c *gin.Context) {
	member, err := h.memberSvc.GetByUsername(principal(c).Username)
	if err != nil {
		writeServiceError(c, err, "me")
		return
	}
	c.JSON(http.StatusOK, member)
}

// GetMember 按用户名查询会员。
func (h *Handler) GetMember(c *gin.Context) {
	member, err := h.memberSvc.GetByUsername(c.Param("username"))
	if err != nil {
		writeServiceError(c, err, "get member")
		return
	}
	c.JSON(http.StatusOK, member)
}

// UpdateMe 更新当前会员的昵称/邮箱。
func (h *Handler) UpdateMe(c *gin.Context) {
	var req struct {
		Nickname string `json:"nickname"`
		Email    string `json:"email"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}
	member, err := h.memberSvc.Update(principal(c).Username, strings.TrimSpace(req.Nickname), strings.TrimSpace(req.Email))
	if err != nil {
		writeServiceError(c, err, "update member")
		return
	}
	c.JSON(http.StatusOK, member)
}

// UpdatePassword 修改当前会员密码，需提供旧密码并重复确认新密码。
func (h *Handler) UpdatePassword(c *gin.Context) {
	var req struct {
		CurrentPassword string `json:"current_password"`
		NewPassword     string `json:"new_password"`
		RepeatPassword  string `json:"repeat_password"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || req.CurrentPassword == "" || req.NewPassword == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}
	if len(req.NewPassword) < 4 || len(req.NewPassword) > 128 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid password"})
		return
	}
	if err := h.memberSvc.UpdatePassword(principal(c).Username, req.CurrentPassword, req.NewPassword, req.RepeatPassword); err != nil {
		writeServiceError(c, err, "update password")
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// DeleteMe 注销当前会员并级联清理其消息/房间成员关系/好友关系。
func (h *Handler) DeleteMe(c *gin.Context) {
	username, err := h.memberSvc.Delete(principal(c).Username)
	if err != nil {
		writeServiceError(c, err, "delete member")
		return
	}
	c.JSON(http.StatusOK, gin.H{"username": username})
}

// CreateRoom 创建房间并将创建者加入其中。
func (h *Handler) CreateRoom(c *gin.Context) {
	var req struct {
		Name string `json:"name"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}
	req.Name = strings.TrimSpace(req.Name)
	if req.Name == "" || len(req.Name) > 128 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid room name"})
		return
	}
	room, err := h.roomSvc.Create(principal(c).Username, req.Name)
	if err != nil {
		writeServiceError(c, err, "create room")
		return
	}
	c.JSON(http.StatusOK, room)
}

// ListRooms 返回全部房间。
func (h *Handler) ListRooms(c *gin.Context) {
	rooms, err := h.roomSvc.ListAll()
	if err != nil {
		writeServiceError(c, err, "list rooms")
		return
	}
	c.JSON(http.StatusOK, gin.H{"rooms": rooms})
}

// ListMyRooms 返回当前会员加入的房间。
func (h *Handler) ListMyRooms(c *gin.Context) {
	rooms, err := h.roomSvc.ListByMember(principal(c).Username)
	if err != nil {
		writeServiceError(c, err, "list my rooms")
		return
	}
	c.JSON(http.StatusOK, gin.H{"rooms": rooms})
}

// GetRoom 查询单个房间。
func (h *Handler) GetRoom(c *gin.Context) {
	roomID, ok := pathID(c, "id")
	if !ok {
		return
	}
	room, err := h.roomSvc.Get(roomID)
	if err != nil {
		writeServiceError(c, err, "get room")
		return
	}
	c.JSON(http.StatusOK, room)
}

// UpdateRoom 改名房间，只有房间成员可以操作。
func (h *Handler) UpdateRoom(c *gin.Context) {
	roomID, ok := pathID(c, "id")
	if !ok {
		return
	}
	var req struct {
		Name string `json:"name"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}
	req.Name = strings.TrimSpace(req.Name)
	if req.Name == "" || len(req.Name) > 128 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid room name"})
		return
	}
	room, err := h.roomSvc.Update(principal(c).Username, roomID, req.Name)
	if err != nil {
		writeServiceError(c, err, "update room")
		return
	}
	c.JSON(http.StatusOK, room)
}

// DeleteRoom 删除房间及其全部消息和成员关系。
func (h *Handler) DeleteRoom(c *gin.Context) {
	roomID, ok := pathID(c, "id")
	if !ok {
		return
	}
	deleted, err := h.roomSvc.Delete(principal(c).Username, roomID)
	if err != nil {
		writeServiceError(c, err, "delete room")
		return
	}
	c.JSON(http.StatusOK, gin.H{"id": deleted})
}

// JoinRoom 当前会员加入房间。
func (h *Handler) JoinRoom(c *gin.Context) {
	roomID, ok := pathID(c, "id")
	if !ok {
		return
	}
	room, err := h.roomSvc.Join(principal(c).Username, roomID)
	if err != nil {
		writeServiceError(c, err, "join room")
		return
	}
	c.JSON(http.StatusOK, room)
}

// LeaveRoom 当前会员退出房间，最后一人退出时房间随之删除。
func (h *Handler) LeaveRoom(c *gin.Context) {
	roomID, ok := pathID(c, "id")
	if !ok {
		return
	}
	remaining, err := h.roomSvc.Leave(principal(c).Username, roomID)
	if err != nil {
		writeServiceError(c, err, "leave room")
		return
	}
	c.JSON(http.StatusOK, gin.H{"remaining": remaining})
}

// InviteMembers 批量拉人进房间，不存在的用户名跳过。
func (h *Handler) InviteMembers(c *gin.Context) {
	roomID, ok := pathID(c, "id")
	if !ok {
		return
	}
	var req struct {
		Usernames []string `json:"usernames"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || len(req.Usernames) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}
	room, err := h.roomSvc.BatchJoin(roomID, req.Usernames)
	if err != nil {
		writeServiceError(c, err, "invite members")
		return
	}
	c.JSON(http.StatusOK, room)
}

// ListMessages 返回房间消息，按创建时间倒序。
func (h *Handler) ListMessages(c *gin.Context) {
	roomID, ok := pathID(c, "id")
	if !ok {
		return
	}
	msgs, err := h.msgSvc.ListByRoom(roomID)
	if err != nil {
		writeServiceError(c, err, "list messages")
		return
	}
	c.JSON(http.StatusOK, gin.H{"messages": msgs})
}

// DeleteMessage 删除单条消息，仅作者本人可删。
func (h *Handler) DeleteMessage(c *gin.Context) {
	messageID, ok := pathID(c, "id")
	if !ok {
		return
	}
	if err := h.msgSvc.Delete(principal(c).Username, messageID); err != nil {
		writeServiceError(c, err, "delete message")
		return
	}
	c.JSON(http.StatusOK, gin.H{"id": messageID})
}

// ListFriends 返回当前会员的好友列表。
func (h *Handler) ListFriends(c *gin.Context) {
	friends, err := h.friendSvc.ListByOwner(principal(c).Username)
	if err != nil {
		writeServiceError(c, err, "list friends")
		return
	}
	c.JSON(http.StatusOK, gin.H{"friends": friends})
}

// CreateFriend 添加好友（单向关系）。
func (h *Handler) CreateFriend(c *gin.Context) {
	var req struct {
		Username string `json:"username"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || strings.TrimSpace(req.Username) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}
	friend, err := h.friendSvc.Create(principal(c).Username, strings.TrimSpace(req.Username))
	if err != nil {
		writeServiceError(c, err, "create friend")
		return
	}
	c.JSON(http.StatusOK, friend)
}

// DeleteFriend 删除好友关系。
func (h *Handler) DeleteFriend(c *gin.Context) {
	if err := h.friendSvc.Delete(principal(c).Username, c.Param("username")); err != nil {
		writeServiceError(c, err, "delete friend")
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// SearchFriends 按昵称模糊搜索好友。
func (h *Handler) SearchFriends(c *gin.Context) {
	keyword := strings.TrimSpace(c.Query("nickname"))
	if keyword == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing nickname"})
		return
	}
	friends, err := h.friendSvc.Search(principal(c).Username, keyword)
	if err != nil {
		writeServiceError(c, err, "search friends")
		return
	}
	c.JSON(http.StatusOK, gin.H{"friends": friends})
}
