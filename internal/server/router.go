package server

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"github.com/iamarpitsharma/Cryptalk/internal/auth"
	"github.com/iamarpitsharma/Cryptalk/internal/config"
	"github.com/iamarpitsharma/Cryptalk/internal/crypto"
	"github.com/iamarpitsharma/Cryptalk/internal/metrics"
	"github.com/iamarpitsharma/Cryptalk/internal/models"
	"github.com/iamarpitsharma/Cryptalk/internal/mw"
	"github.com/iamarpitsharma/Cryptalk/internal/store"
	"github.com/iamarpitsharma/Cryptalk/internal/ws"
)

// SetupRouter 统一初始化 Gin 中间件、REST API 以及 WebSocket 端点。
func SetupRouter(cfg config.Config, st *store.Store, hub *ws.Hub) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(metrics.GinMiddleware())
	r.Use(mw.CORS(cfg.Env))
	// 控制单个 IP+路由的速率
	r.Use(mw.RateLimit(rate.Every(time.Second/20), 40))

	r.GET("/healthz", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"status": "ok"}) })
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	api := r.Group("/api/v1")

	api.POST("/auth/register", func(c *gin.Context) {
		var req struct {
			Name     string `json:"name"`
			Email    string `json:"email"`
			Password string `json:"password"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
			return
		}
		req.Name = strings.TrimSpace(req.Name)
		req.Email = strings.ToLower(strings.TrimSpace(req.Email))
		if req.Name == "" || req.Email == "" || req.Password == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
			return
		}
		if len(req.Name) < 2 || len(req.Name) > 64 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid name"})
			return
		}
		if len(req.Password) < 6 || len(req.Password) > 128 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid password"})
			return
		}
		hash, err := auth.HashPassword(req.Password)
		if err != nil {
			log.Error().Err(err).Str("email", req.Email).Msg("register hash password")
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to create user"})
			return
		}
		// 端到端加密用的密钥对在注册时生成
		pub, priv, err := crypto.GenerateKeyPair()
		if err != nil {
			log.Error().Err(err).Str("email", req.Email).Msg("register generate key pair")
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to create user"})
			return
		}
		user := models.User{Name: req.Name, Email: req.Email, PasswordHash: hash, PublicKey: pub, PrivateKey: priv}
		if err := st.CreateUser(c.Request.Context(), &user); err != nil {
			if errors.Is(err, store.ErrDuplicate) {
				c.JSON(http.StatusConflict, gin.H{"error": "email taken"})
				return
			}
			log.Error().Err(err).Str("email", req.Email).Msg("register create user")
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to create user"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"id": user.ID.Hex(), "name": user.Name, "email": user.Email})
	})

	api.POST("/auth/login", func(c *gin.Context) {
		var req struct {
			Email    string `json:"email"`
			Password string `json:"password"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
			return
		}
		req.Email = strings.ToLower(strings.TrimSpace(req.Email))
		if req.Email == "" || req.Password == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
			return
		}
		user, err := st.UserByEmail(c.Request.Context(), req.Email)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid credentials"})
				return
			}
			log.Error().Err(err).Str("email", req.Email).Msg("login query user")
			c.JSON(http.StatusInternalServerError, gin.H{"error": "login failed"})
			return
		}
		if !auth.VerifyPassword(user.PasswordHash, req.Password) {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid credentials"})
			return
		}
		at, err := auth.GenerateAccessToken(user.ID.Hex(), cfg.JWTSecret, cfg.AccessTokenTTLMinutes)
		if err != nil {
			log.Error().Err(err).Str("user_id", user.ID.Hex()).Msg("login generate access token")
			c.JSON(http.StatusInternalServerError, gin.H{"error": "login failed"})
			return
		}
		rt, err := auth.GenerateRefreshToken()
		if err != nil {
			log.Error().Err(err).Str("user_id", user.ID.Hex()).Msg("login generate refresh token")
			c.JSON(http.StatusInternalServerError, gin.H{"error": "login failed"})
			return
		}
		exp := time.Now().Add(time.Duration(cfg.RefreshTokenTTLDays) * 24 * time.Hour)
		if err := st.SaveRefreshToken(c.Request.Context(), user.ID, rt, exp); err != nil {
			log.Error().Err(err).Str("user_id", user.ID.Hex()).Msg("login save refresh token")
			c.JSON(http.StatusInternalServerError, gin.H{"error": "login failed"})
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"access_token":  at,
			"refresh_token": rt,
			"user":          gin.H{"id": user.ID.Hex(), "name": user.Name, "email": user.Email, "public_key": user.PublicKey},
		})
	})

	api.POST("/auth/refresh", func(c *gin.Context) {
		var req struct {
			RefreshToken string `json:"refresh_token"`
		}
		if err := c.ShouldBindJSON(&req); err != nil || req.RefreshToken == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
			return
		}
		// 旧 token 的吊销是单赢家操作，并发刷新只有一个成功
		rec, err := st.RevokeRefreshToken(c.Request.Context(), req.RefreshToken)
		if err != nil {
			log.Warn().Err(err).Msg("refresh token")
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid refresh token"})
			return
		}
		at, err := auth.GenerateAccessToken(rec.UserID.Hex(), cfg.JWTSecret, cfg.AccessTokenTTLMinutes)
		if err != nil {
			log.Error().Err(err).Str("user_id", rec.UserID.Hex()).Msg("refresh generate access token")
			c.JSON(http.StatusInternalServerError, gin.H{"error": "refresh failed"})
			return
		}
		newRT, err := auth.GenerateRefreshToken()
		if err != nil {
			log.Error().Err(err).Str("user_id", rec.UserID.Hex()).Msg("refresh generate refresh token")
			c.JSON(http.StatusInternalServerError, gin.H{"error": "refresh failed"})
			return
		}
		exp := time.Now().Add(time.Duration(cfg.RefreshTokenTTLDays) * 24 * time.Hour)
		if err := st.SaveRefreshToken(c.Request.Context(), rec.UserID, newRT, exp); err != nil {
			log.Error().Err(err).Str("user_id", rec.UserID.Hex()).Msg("refresh save refresh token")
			c.JSON(http.StatusInternalServerError, gin.H{"error": "refresh failed"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"access_token": at, "refresh_token": newRT})
	})

	// 需要 Bearer Token 的业务接口。
	authed := api.Group("")
	authed.Use(auth.AuthMiddleware(cfg, st))

	authed.POST("/rooms", func(c *gin.Context) {
		var req struct {
			Name        string `json:"name"`
			Description string `json:"description"`
			IsPrivate   bool   `json:"is_private"`
			MaxMembers  int    `json:"max_members"`
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
		user := auth.GetUser(c)
		key, err := crypto.GenerateRoomKey()
		if err != nil {
			log.Error().Err(err).Str("name", req.Name).Msg("create room key")
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to create room"})
			return
		}
		room := models.Room{
			Name:          req.Name,
			Description:   req.Description,
			IsPrivate:     req.IsPrivate,
			Creator:       user.ID,
			MaxMembers:    req.MaxMembers,
			EncryptionKey: key,
		}
		if err := st.CreateRoom(c.Request.Context(), &room); err != nil {
			log.Error().Err(err).Str("creator", user.ID.Hex()).Str("name", room.Name).Msg("create room")
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to create room"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"room": room})
	})

	authed.GET("/rooms", func(c *gin.Context) {
		uid := auth.GetUserID(c)
		rooms, err := st.VisibleRooms(c.Request.Context(), uid)
		if err != nil {
			log.Error().Err(err).Str("user_id", uid).Msg("list rooms")
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list rooms"})
			return
		}
		type roomDTO struct {
			ID           string    `json:"id"`
			Name         string    `json:"name"`
			Description  string    `json:"description"`
			IsPrivate    bool      `json:"is_private"`
			IsMember     bool      `json:"is_member"`
			MemberCount  int       `json:"member_count"`
			Online       int       `json:"online"`
			LastActivity time.Time `json:"last_activity"`
		}
		out := make([]roomDTO, 0, len(rooms))
		for _, rm := range rooms {
			out = append(out, roomDTO{
				ID:           rm.ID.Hex(),
				Name:         rm.Name,
				Description:  rm.Description,
				IsPrivate:    rm.IsPrivate,
				IsMember:     rm.IsMember(uid),
				MemberCount:  len(rm.Members),
				Online:       hub.Online(rm.ID.Hex()),
				LastActivity: rm.LastActivity,
			})
		}
		c.JSON(http.StatusOK, gin.H{"rooms": out})
	})

	authed.GET("/rooms/:id", func(c *gin.Context) {
		uid := auth.GetUserID(c)
		room, err := st.GetRoom(c.Request.Context(), c.Param("id"))
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				c.JSON(http.StatusNotFound, gin.H{"error": "room not found"})
				return
			}
			log.Error().Err(err).Str("room_id", c.Param("id")).Msg("get room")
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to get room"})
			return
		}
		if room.IsPrivate && !room.IsMember(uid) && room.Creator.Hex() != uid {
			c.JSON(http.StatusForbidden, gin.H{"error": "access denied"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"room": room, "online": hub.Online(room.ID.Hex())})
	})

	authed.POST("/rooms/:id/leave", func(c *gin.Context) {
		uid := auth.GetUserID(c)
		if err := st.RemoveMember(c.Request.Context(), c.Param("id"), uid); err != nil {
			if errors.Is(err, store.ErrNotFound) {
				c.JSON(http.StatusNotFound, gin.H{"error": "room not found"})
				return
			}
			log.Error().Err(err).Str("room_id", c.Param("id")).Str("user_id", uid).Msg("leave room")
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to leave room"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "left"})
	})

	authed.GET("/rooms/:id/messages", func(c *gin.Context) {
		uid := auth.GetUserID(c)
		room, err := st.GetRoom(c.Request.Context(), c.Param("id"))
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				c.JSON(http.StatusNotFound, gin.H{"error": "room not found"})
				return
			}
			log.Error().Err(err).Str("room_id", c.Param("id")).Msg("get room for messages")
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list messages"})
			return
		}
		if !room.IsMember(uid) && room.Creator.Hex() != uid {
			c.JSON(http.StatusForbidden, gin.H{"error": "access denied"})
			return
		}
		limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
		msgs, err := st.MessagesByRoom(c.Request.Context(), room.ID.Hex(), limit, c.Query("before_id"))
		if err != nil {
			log.Error().Err(err).Str("room_id", room.ID.Hex()).Msg("list messages")
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list messages"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"messages": msgs})
	})

	authed.GET("/users/me", func(c *gin.Context) {
		user := auth.GetUser(c)
		c.JSON(http.StatusOK, gin.H{"user": user})
	})

	r.GET("/ws", ws.Serve(hub, st, cfg))

	return r
}
