package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"pachat/internal/pipeline"
	"pachat/internal/streaming"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true }, // desktop client runs on a local origin
}

const (
	wsFramesPerSecond = 2
	wsFrameBurst      = 5
	wsPingInterval    = 20 * time.Second
	wsReadTimeout     = 60 * time.Second
	wsReadLimit       = 64 << 10
)

// clientFrame is a question, or an approval decision when Type is "approval".
type clientFrame struct {
	Type        string `json:"type"`
	Question    string `json:"question"`
	ChatID      int64  `json:"chat_id"`
	TopK        int    `json:"top_k"`
	AutoApprove bool   `json:"auto_approve"`
	Approved    bool   `json:"approved"`
	RequestID   string `json:"request_id"`
}

// wsConn owns one client connection. All writes go through out.
type wsConn struct {
	h       *Handler
	conn    *websocket.Conn
	out     chan any
	limiter *rate.Limiter
	logger  *zap.Logger

	mu   sync.Mutex
	subs map[int64]chan streaming.Event
}

func (h *Handler) serveWS(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		return
	}
	ws := &wsConn{
		h:       h,
		conn:    conn,
		out:     make(chan any, 64),
		limiter: rate.NewLimiter(rate.Limit(wsFramesPerSecond), wsFrameBurst),
		logger:  h.logger.With(zap.String("remote", c.Request.RemoteAddr)),
		subs:    make(map[int64]chan streaming.Event),
	}
	ctx, cancel := context.WithCancel(c.Request.Context())
	defer cancel()

	go ws.writePump(ctx)
	ws.readPump(ctx)

	// Runs started on this connection outlive it.
	cancel()
	ws.closeSubscriptions()
	conn.Close()
}

func (ws *wsConn) readPump(ctx context.Context) {
	ws.conn.SetReadLimit(wsReadLimit)
	ws.conn.SetReadDeadline(time.Now().Add(wsReadTimeout))
	ws.conn.SetPongHandler(func(string) error {
		ws.conn.SetReadDeadline(time.Now().Add(wsReadTimeout))
		return nil
	})
	for {
		_, data, err := ws.conn.ReadMessage()
		if err != nil {
			return
		}
		ws.conn.SetReadDeadline(time.Now().Add(wsReadTimeout))
		var frame clientFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			ws.sendError(0, pipeline.KindInvalidRequest, "invalid frame")
			continue
		}
		if !ws.limiter.Allow() {
			ws.sendError(frame.ChatID, "rate_limited", "too many messages, slow down")
			continue
		}
		if frame.ChatID <= 0 {
			ws.sendError(0, pipeline.KindInvalidRequest, "chat_id is required")
			continue
		}
		ws.watch(ctx, frame.ChatID)
		go ws.handle(ctx, frame)
	}
}

func (ws *wsConn) handle(ctx context.Context, frame clientFrame) {
	var err error
	if strings.EqualFold(frame.Type, "approval") {
		_, err = ws.h.resume(ctx, pipeline.ResumeRequest{
			ThreadID:  frame.ChatID,
			RequestID: frame.RequestID,
			Approved:  frame.Approved,
		})
	} else {
		if strings.TrimSpace(frame.Question) == "" {
			ws.sendError(frame.ChatID, pipeline.KindInvalidRequest, "question is required")
			return
		}
		_, err = ws.h.start(ctx, pipeline.StartRequest{
			ThreadID:    frame.ChatID,
			Question:    frame.Question,
			TopK:        frame.TopK,
			AutoApprove: frame.AutoApprove,
		})
	}
	// answers and approval requests arrive through the thread subscription
	if err != nil {
		_, body := describeError(err)
		ws.sendError(frame.ChatID, body.Kind, body.Message)
	}
}

// watch subscribes the connection to a thread's events once.
func (ws *wsConn) watch(ctx context.Context, threadID int64) {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	if _, ok := ws.subs[threadID]; ok {
		return
	}
	ch := ws.h.events.Subscribe(threadID, 64)
	ws.subs[threadID] = ch
	go func() {
		for evt := range ch {
			if evt.Type == streaming.EventError {
				continue
			}
			select {
			case ws.out <- evt:
			case <-ctx.Done():
				return
			}
		}
	}()
}

func (ws *wsConn) closeSubscriptions() {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	for threadID, ch := range ws.subs {
		ws.h.events.Unsubscribe(threadID, ch)
		delete(ws.subs, threadID)
	}
}

func (ws *wsConn) sendError(threadID int64, kind, message string) {
	select {
	case ws.out <- streaming.Event{
		Type:      streaming.EventError,
		ThreadID:  threadID,
		Data:      errorBody{Kind: kind, Message: message},
		Timestamp: time.Now().UTC(),
	}:
	default:
		ws.logger.Warn("websocket outbound queue full, dropping error", zap.String("kind", kind))
	}
}

func (ws *wsConn) writePump(ctx context.Context) {
	ticker := time.NewTicker(wsPingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case frame := <-ws.out:
			if err := ws.conn.WriteJSON(frame); err != nil {
				ws.conn.Close()
				return
			}
		case <-ticker.C:
			if err := ws.conn.WriteControl(websocket.PingMessage, []byte("ping"), time.Now().Add(10*time.Second)); err != nil {
				ws.conn.Close()
				return
			}
		}
	}
}
