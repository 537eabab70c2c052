package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sudooom.dm/internal/model"
	"sudooom.dm/internal/repository"
	"sudooom.dm/internal/search"
	"sudooom.dm/internal/service"
	apperrors "sudooom.dm/pkg/errors"
	"sudooom.dm/pkg/proto"
	"sudooom.dm/pkg/snowflake"
)

// 空存储：所有查询都落在“不存在”分支，用于验证错误码透传

type emptyMessageStore struct{}

func (emptyMessageStore) Insert(ctx context.Context, msg *model.Message) error { return nil }
func (emptyMessageStore) FindByID(ctx context.Context, id int64) (*model.Message, error) {
	return nil, repository.ErrMessageNotFound
}
func (emptyMessageStore) MarkDelivered(ctx context.Context, id int64, at time.Time) (*model.Message, error) {
	return nil, repository.ErrMessageNotFound
}
func (emptyMessageStore) MarkSeen(ctx context.Context, id int64, at time.Time) (*model.Message, error) {
	return nil, repository.ErrMessageNotFound
}
func (emptyMessageStore) History(ctx context.Context, conversationID int64, limit, offset int) ([]model.Message, error) {
	return nil, nil
}
func (emptyMessageStore) CountByConversation(ctx context.Context, conversationID int64) (int64, error) {
	return 0, nil
}
func (emptyMessageStore) ExistsDuplicate(ctx context.Context, conversationID, sender, receiver int64, content string, createdAt time.Time) (bool, error) {
	return false, nil
}

type emptyConversationStore struct{}

func (emptyConversationStore) FindByPair(ctx context.Context, low, high int64) (*model.Conversation, error) {
	return nil, repository.ErrConversationNotFound
}
func (emptyConversationStore) Insert(ctx context.Context, conv *model.Conversation) (bool, error) {
	return true, nil
}
func (emptyConversationStore) FindByID(ctx context.Context, id int64) (*model.Conversation, error) {
	return nil, repository.ErrConversationNotFound
}
func (emptyConversationStore) ListByUser(ctx context.Context, userID int64) ([]model.Conversation, error) {
	return nil, nil
}

type nopBroadcaster struct{}

func (nopBroadcaster) Broadcast(ctx context.Context, conversationID int64, event *proto.Envelope) error {
	return nil
}
func (nopBroadcaster) BroadcastExcept(ctx context.Context, conversationID, excludeUserID int64, event *proto.Envelope) error {
	return nil
}

func newEmptyMessageRouter(t *testing.T) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)

	sf, err := snowflake.NewNode(1)
	require.NoError(t, err)

	conversations := service.NewConversationService(emptyConversationStore{}, sf)
	messages := service.NewMessageService(emptyMessageStore{}, conversations, nopBroadcaster{}, search.NoopIndexer{}, sf)
	h := NewMessageHandler(messages, conversations, nil)

	r := gin.New()
	r.PATCH("/message/:messageId/delivered", h.MarkDelivered)
	r.PATCH("/message/:messageId/seen", h.MarkSeen)
	r.GET("/message/history/:conversationId", h.History)
	return r
}

func responseCode(t *testing.T, body []byte) int {
	t.Helper()
	var resp struct {
		Code int `json:"code"`
	}
	require.NoError(t, json.Unmarshal(body, &resp))
	return resp.Code
}

func TestMarkDeliveredUnknownMessageCode(t *testing.T) {
	router := newEmptyMessageRouter(t)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPatch, "/message/987654/delivered", nil)
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, apperrors.CodeMessageNotFound, responseCode(t, w.Body.Bytes()))
}

func TestMarkSeenUnknownMessageCode(t *testing.T) {
	router := newEmptyMessageRouter(t)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPatch, "/message/987654/seen", nil)
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, apperrors.CodeMessageNotFound, responseCode(t, w.Body.Bytes()))
}

func TestHistoryUnknownConversationCode(t *testing.T) {
	router := newEmptyMessageRouter(t)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/message/history/555", nil)
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, apperrors.CodeConversationNotFound, responseCode(t, w.Body.Bytes()))
}
