package api

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"pachat/internal/models"
	"pachat/internal/pipeline"
	"pachat/internal/streaming"
)

// Pipeline is the orchestrator surface the transport drives.
type Pipeline interface {
	Start(ctx context.Context, req pipeline.StartRequest) (*pipeline.Outcome, error)
	Resume(ctx context.Context, req pipeline.ResumeRequest) (*pipeline.Outcome, error)
	CreateThread(ctx context.Context) (*models.Thread, error)
	ListThreads(ctx context.Context) ([]models.Thread, error)
	History(ctx context.Context, threadID int64) (*models.Thread, []models.Message, error)
	Rename(ctx context.Context, threadID int64, title string) error
	Delete(ctx context.Context, threadID int64) error
}

// WorkerManager serializes runs per thread.
type WorkerManager interface {
	Do(ctx context.Context, threadID int64, fn func(ctx context.Context) error) error
	Cancel(threadID int64)
}

// EventSource hands out per-thread event subscriptions.
type EventSource interface {
	Subscribe(threadID int64, buffer int) chan streaming.Event
	Unsubscribe(threadID int64, ch chan streaming.Event)
}

// Handler wires HTTP routes to the pipeline and routes runs through the
// worker manager.
type Handler struct {
	pipeline   Pipeline
	workers    WorkerManager
	events     EventSource
	logger     *zap.Logger
	runTimeout time.Duration
}

const defaultRunTimeout = 5 * time.Minute

// NewHandler constructs a Handler instance.
func NewHandler(p Pipeline, workers WorkerManager, events EventSource, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{
		pipeline:   p,
		workers:    workers,
		events:     events,
		logger:     logger,
		runTimeout: defaultRunTimeout,
	}
}

// RegisterRoutes attaches all HTTP routes to the router.
func (h *Handler) RegisterRoutes(router *gin.Engine) {
	router.GET("/healthz", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"status": "ok"}) })
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	router.GET("/ws", h.serveWS)

	api := router.Group("/api")
	api.POST("/chats", h.createChat)
	api.GET("/chats", h.listChats)
	chat := api.Group("/chats/:id")
	chat.Use(h.requireChatID())
	chat.GET("", h.getChat)
	chat.DELETE("", h.deleteChat)
	chat.PUT("/rename", h.renameChat)
	chat.POST("/messages", h.postMessage)
	chat.POST("/approval", h.postApproval)
}

const chatIDKey = "chat_id"

// requireChatID parses the :id path parameter once for the chat routes.
func (h *Handler) requireChatID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, err := strconv.ParseInt(c.Param("id"), 10, 64)
		if err != nil || id <= 0 {
			abortWithError(c, http.StatusBadRequest, pipeline.KindInvalidRequest, "invalid chat id")
			return
		}
		c.Set(chatIDKey, id)
		c.Next()
	}
}

func chatID(c *gin.Context) int64 {
	return c.GetInt64(chatIDKey)
}

type chatView struct {
	ID           int64     `json:"id"`
	Title        string    `json:"title"`
	CreatedAt    time.Time `json:"created_at"`
	LastActivity time.Time `json:"last_activity"`
}

func newChatView(t *models.Thread) chatView {
	return chatView{ID: t.ID, Title: t.DisplayTitle(), CreatedAt: t.CreatedAt, LastActivity: t.LastActivity}
}

func (h *Handler) createChat(c *gin.Context) {
	thread, err := h.pipeline.CreateThread(c.Request.Context())
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"chat": newChatView(thread)})
}

func (h *Handler) listChats(c *gin.Context) {
	threads, err := h.pipeline.ListThreads(c.Request.Context())
	if err != nil {
		h.writeError(c, err)
		return
	}
	chats := make([]chatView, 0, len(threads))
	for i := range threads {
		chats = append(chats, newChatView(&threads[i]))
	}
	c.JSON(http.StatusOK, gin.H{"chats": chats})
}

func (h *Handler) getChat(c *gin.Context) {
	thread, messages, err := h.pipeline.History(c.Request.Context(), chatID(c))
	if err != nil {
		h.writeError(c, err)
		return
	}
	if messages == nil {
		messages = make([]models.Message, 0)
	}
	c.JSON(http.StatusOK, gin.H{"chat": newChatView(thread), "messages": messages})
}

func (h *Handler) deleteChat(c *gin.Context) {
	id := chatID(c)
	h.workers.Cancel(id)
	if err := h.pipeline.Delete(c.Request.Context(), id); err != nil {
		h.writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

type renameRequest struct {
	Title    string `json:"title"`
	NewTitle string `json:"new_title"`
}

func (h *Handler) renameChat(c *gin.Context) {
	var req renameRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abortWithError(c, http.StatusBadRequest, pipeline.KindInvalidRequest, "invalid request body")
		return
	}
	title := req.Title
	if strings.TrimSpace(title) == "" {
		title = req.NewTitle
	}
	if err := h.pipeline.Rename(c.Request.Context(), chatID(c), title); err != nil {
		h.writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

type approvalRequest struct {
	Approved  *bool  `json:"approved"`
	RequestID string `json:"request_id"`
}

func (h *Handler) postApproval(c *gin.Context) {
	var req approvalRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.Approved == nil {
		abortWithError(c, http.StatusBadRequest, pipeline.KindInvalidRequest, "approved is required")
		return
	}
	out, err := h.resume(c.Request.Context(), pipeline.ResumeRequest{
		ThreadID:  chatID(c),
		RequestID: req.RequestID,
		Approved:  *req.Approved,
	})
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, out)
}

// start and resume are the only entry points into a run; both go through
// the worker manager so one thread never runs twice at once.
func (h *Handler) start(ctx context.Context, req pipeline.StartRequest) (*pipeline.Outcome, error) {
	var out *pipeline.Outcome
	err := h.run(ctx, req.ThreadID, func(runCtx context.Context) error {
		var err error
		out, err = h.pipeline.Start(runCtx, req)
		return err
	})
	return out, err
}

func (h *Handler) resume(ctx context.Context, req pipeline.ResumeRequest) (*pipeline.Outcome, error) {
	var out *pipeline.Outcome
	err := h.run(ctx, req.ThreadID, func(runCtx context.Context) error {
		var err error
		out, err = h.pipeline.Resume(runCtx, req)
		return err
	})
	return out, err
}

// run queues fn on the thread's worker. The run outlives the client
// connection that asked for it and is bounded by runTimeout only.
func (h *Handler) run(ctx context.Context, threadID int64, fn func(context.Context) error) error {
	return h.workers.Do(context.WithoutCancel(ctx), threadID, func(jobCtx context.Context) error {
		runCtx, cancel := context.WithTimeout(jobCtx, h.runTimeout)
		defer cancel()
		return fn(runCtx)
	})
}
