package server

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/nodestore/internal/auth"
	"github.com/MarcoPoloResearchLab/nodestore/internal/content"
	"github.com/MarcoPoloResearchLab/nodestore/internal/nodes"
	"github.com/MarcoPoloResearchLab/nodestore/internal/security"
	"github.com/MarcoPoloResearchLab/nodestore/internal/storeerr"
	"github.com/MarcoPoloResearchLab/nodestore/internal/versioning"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
)

const defaultHeartbeatInterval = 25 * time.Second

var (
	errMissingSessionValidator = errors.New("session validator dependency required")
	errMissingUserResolver     = errors.New("user resolver dependency required")
	errMissingContentService   = errors.New("content service dependency required")
)

type SessionValidator interface {
	ValidateRequest(r *http.Request) (auth.SessionClaims, error)
}

type UserResolver interface {
	ResolveCanonicalUserID(ctx context.Context, claims auth.SessionClaims) (int64, error)
}

// ContentService is the node repository surface the HTTP layer drives.
type ContentService interface {
	Load(ctx context.Context, nodeID int64, request versioning.VersionRequest) (*nodes.Node, error)
	LoadByPath(ctx context.Context, path string, request versioning.VersionRequest) (*nodes.Node, error)
	Create(ctx context.Context, request content.CreateRequest) (*nodes.Node, error)
	Update(ctx context.Context, request content.UpdateRequest) (*nodes.Node, error)
	Delete(ctx context.Context, nodeID, expectedTimestamp int64) error
	Move(ctx context.Context, nodeID, targetParentID, expectedTimestamp int64) (*nodes.Node, error)
	ReloadSchema(ctx context.Context) (bool, error)
}

type Dependencies struct {
	SessionValidator  SessionValidator
	Users             UserResolver
	Content           ContentService
	Realtime          *RealtimeDispatcher
	Metrics           http.Handler
	HeartbeatInterval time.Duration
	Logger            *zap.Logger
}

func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.SessionValidator == nil {
		return nil, errMissingSessionValidator
	}
	if deps.Users == nil {
		return nil, errMissingUserResolver
	}
	if deps.Content == nil {
		return nil, errMissingContentService
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	realtime := deps.Realtime
	if realtime == nil {
		realtime = NewRealtimeDispatcher()
	}
	heartbeat := deps.HeartbeatInterval
	if heartbeat <= 0 {
		heartbeat = defaultHeartbeatInterval
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware())

	handler := &httpHandler{
		sessions:          deps.SessionValidator,
		users:             deps.Users,
		content:           deps.Content,
		realtime:          realtime,
		heartbeatInterval: heartbeat,
		logger:            logger,
	}

	if deps.Metrics != nil {
		router.GET("/metrics", gin.WrapH(deps.Metrics))
	}

	protected := router.Group("/")
	protected.Use(handler.authorizeRequest)
	protected.GET("/nodes/:id", handler.handleLoadNode)
	protected.GET("/paths/*path", handler.handleLoadPath)
	protected.POST("/nodes", handler.handleCreateNode)
	protected.PATCH("/nodes/:id", handler.handleUpdateNode)
	protected.DELETE("/nodes/:id", handler.handleDeleteNode)
	protected.POST("/nodes/:id/move", handler.handleMoveNode)
	protected.POST("/admin/schema/reload", handler.handleReloadSchema)
	protected.GET("/events", handler.handleEventStream)

	return router, nil
}

func corsMiddleware() gin.HandlerFunc {
	return cors.New(cors.Config{
		AllowOriginFunc:  func(string) bool { return true },
		AllowMethods:     []string{http.MethodGet, http.MethodPost, http.MethodPatch, http.MethodDelete, http.MethodOptions},
		AllowHeaders:     []string{"Authorization", "Content-Type"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	})
}

type httpHandler struct {
	sessions          SessionValidator
	users             UserResolver
	content           ContentService
	realtime          *RealtimeDispatcher
	heartbeatInterval time.Duration
	logger            *zap.Logger
}

type createNodePayload struct {
	ParentID   int64          `json:"parent_id"`
	Type       string         `json:"type"`
	Name       string         `json:"name"`
	Index      int64          `json:"index"`
	OwnerID    int64          `json:"owner_id"`
	Draft      bool           `json:"draft"`
	Properties map[string]any `json:"properties"`
}

type updateNodePayload struct {
	Version             string         `json:"version"`
	ExpectedTimestamp   int64          `json:"expected_timestamp"`
	Name                *string        `json:"name"`
	Index               *int64         `json:"index"`
	OwnerID             *int64         `json:"owner_id"`
	Properties          map[string]any `json:"properties"`
	Raise               string         `json:"raise"`
	OverwriteVersionID  int64          `json:"overwrite_version_id"`
	DeletableVersionIDs []int64        `json:"deletable_version_ids"`
}

type moveNodePayload struct {
	TargetParentID    int64 `json:"target_parent_id"`
	ExpectedTimestamp int64 `json:"expected_timestamp"`
}

func (h *httpHandler) handleLoadNode(c *gin.Context) {
	nodeID, ok := nodeIDParam(c)
	if !ok {
		return
	}
	request, err := versioning.ParseVersionRequest(c.Query("version"))
	if err != nil {
		h.writeError(c, "load", err)
		return
	}
	node, err := h.content.Load(c.Request.Context(), nodeID, request)
	if err != nil {
		h.writeError(c, "load", err)
		return
	}
	h.writeNode(c, http.StatusOK, node)
}

func (h *httpHandler) handleLoadPath(c *gin.Context) {
	request, err := versioning.ParseVersionRequest(c.Query("version"))
	if err != nil {
		h.writeError(c, "load_path", err)
		return
	}
	node, err := h.content.LoadByPath(c.Request.Context(), c.Param("path"), request)
	if err != nil {
		h.writeError(c, "load_path", err)
		return
	}
	h.writeNode(c, http.StatusOK, node)
}

func (h *httpHandler) handleCreateNode(c *gin.Context) {
	var payload createNodePayload
	if err := c.ShouldBindJSON(&payload); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	node, err := h.content.Create(c.Request.Context(), content.CreateRequest{
		ParentID:   payload.ParentID,
		TypeName:   payload.Type,
		Name:       payload.Name,
		Index:      payload.Index,
		OwnerID:    payload.OwnerID,
		Draft:      payload.Draft,
		Properties: payload.Properties,
	})
	if err != nil {
		h.writeError(c, "create", err)
		return
	}
	h.writeNode(c, http.StatusCreated, node)
}

func (h *httpHandler) handleUpdateNode(c *gin.Context) {
	nodeID, ok := nodeIDParam(c)
	if !ok {
		return
	}
	var payload updateNodePayload
	if err := c.ShouldBindJSON(&payload); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	version, err := versioning.ParseVersionRequest(payload.Version)
	if err != nil {
		h.writeError(c, "update", err)
		return
	}
	raise, err := content.ParseRaise(payload.Raise)
	if err != nil {
		h.writeError(c, "update", err)
		return
	}
	node, err := h.content.Update(c.Request.Context(), content.UpdateRequest{
		NodeID:              nodeID,
		Version:             version,
		ExpectedTimestamp:   payload.ExpectedTimestamp,
		Name:                payload.Name,
		Index:               payload.Index,
		OwnerID:             payload.OwnerID,
		Properties:          payload.Properties,
		Raise:               raise,
		OverwriteVersionID:  payload.OverwriteVersionID,
		DeletableVersionIDs: payload.DeletableVersionIDs,
	})
	if err != nil {
		h.writeError(c, "update", err)
		return
	}
	h.writeNode(c, http.StatusOK, node)
}

func (h *httpHandler) handleDeleteNode(c *gin.Context) {
	nodeID, ok := nodeIDParam(c)
	if !ok {
		return
	}
	var expectedTimestamp int64
	if raw := c.Query("expected_timestamp"); raw != "" {
		parsed, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_expected_timestamp"})
			return
		}
		expectedTimestamp = parsed
	}
	if err := h.content.Delete(c.Request.Context(), nodeID, expectedTimestamp); err != nil {
		h.writeError(c, "delete", err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *httpHandler) handleMoveNode(c *gin.Context) {
	nodeID, ok := nodeIDParam(c)
	if !ok {
		return
	}
	var payload moveNodePayload
	if err := c.ShouldBindJSON(&payload); err != nil || payload.TargetParentID == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	node, err := h.content.Move(c.Request.Context(), nodeID, payload.TargetParentID, payload.ExpectedTimestamp)
	if err != nil {
		h.writeError(c, "move", err)
		return
	}
	h.writeNode(c, http.StatusOK, node)
}

func (h *httpHandler) handleReloadSchema(c *gin.Context) {
	if !security.IsSystemUser(c.Request.Context()) {
		c.JSON(http.StatusForbidden, gin.H{"error": string(storeerr.KindSecurityDenied)})
		return
	}
	reloaded, err := h.content.ReloadSchema(c.Request.Context())
	if err != nil {
		h.writeError(c, "reload_schema", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"reloaded": reloaded})
}

func (h *httpHandler) authorizeRequest(c *gin.Context) {
	claims, err := h.sessions.ValidateRequest(c.Request)
	if err != nil {
		if errors.Is(err, auth.ErrExpiredSessionToken) || errors.Is(err, jwt.ErrTokenExpired) {
			h.logger.Info("token validation failed", zap.Error(err))
		} else {
			h.logger.Warn("token validation failed", zap.Error(err))
		}
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	userID, err := h.users.ResolveCanonicalUserID(c.Request.Context(), claims)
	if err != nil {
		h.logger.Error("failed to resolve user identity", zap.String("subject", claims.Subject), zap.Error(err))
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "user_resolution_failed"})
		return
	}
	c.Request = c.Request.WithContext(security.WithUser(c.Request.Context(), userID))
	c.Next()
}

func (h *httpHandler) writeNode(c *gin.Context, status int, node *nodes.Node) {
	view, err := content.Describe(c.Request.Context(), node)
	if err != nil {
		h.writeError(c, "describe", err)
		return
	}
	c.JSON(status, view)
}

func (h *httpHandler) writeError(c *gin.Context, operation string, err error) {
	status, code := statusForError(err)
	if status >= http.StatusInternalServerError && status != http.StatusServiceUnavailable {
		h.logger.Error("request failed",
			zap.String("operation", operation),
			zap.String("path", c.FullPath()),
			zap.Error(err),
		)
		c.JSON(status, gin.H{"error": code})
		return
	}
	c.JSON(status, gin.H{"error": code, "message": err.Error()})
}

func statusForError(err error) (int, string) {
	kind := storeerr.KindOf(err)
	switch kind {
	case storeerr.KindNotFound:
		return http.StatusNotFound, string(kind)
	case storeerr.KindSecurityDenied:
		return http.StatusForbidden, string(kind)
	case storeerr.KindOutOfDate, storeerr.KindAlreadyExists:
		return http.StatusConflict, string(kind)
	case storeerr.KindTimeout, storeerr.KindCancelled:
		return http.StatusServiceUnavailable, string(kind)
	case storeerr.KindInvalidOperation:
		return http.StatusBadRequest, string(kind)
	case "":
		return http.StatusInternalServerError, string(storeerr.KindInternal)
	default:
		return http.StatusInternalServerError, string(kind)
	}
}

func nodeIDParam(c *gin.Context) (int64, bool) {
	nodeID, err := strconv.ParseInt(strings.TrimSpace(c.Param("id")), 10, 64)
	if err != nil || nodeID <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_node_id"})
		return 0, false
	}
	return nodeID, true
}
