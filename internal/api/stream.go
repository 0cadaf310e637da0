package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"pachat/internal/pipeline"
	"pachat/internal/streaming"
)

type messageRequest struct {
	Question    string `json:"question"`
	TopK        int    `json:"top_k"`
	AutoApprove bool   `json:"auto_approve"`
}

type runResult struct {
	out *pipeline.Outcome
	err error
}

// postMessage runs a question and streams its progress as server-sent
// events. The stream ends with a done event carrying the outcome, or an
// error event.
func (h *Handler) postMessage(c *gin.Context) {
	var req messageRequest
	if err := c.ShouldBindJSON(&req); err != nil || strings.TrimSpace(req.Question) == "" {
		abortWithError(c, http.StatusBadRequest, pipeline.KindInvalidRequest, "question is required")
		return
	}
	id := chatID(c)
	if _, _, err := h.pipeline.History(c.Request.Context(), id); err != nil {
		h.writeError(c, err)
		return
	}

	// SSE Request construction
	flusher, ok := c.Writer.(http.Flusher)
	if !ok {
		abortWithError(c, http.StatusInternalServerError, pipeline.KindInternal, "streaming not supported")
		return
	}
	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")
	c.Writer.Header().Set("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)

	sendEvent := func(event string, payload interface{}) error {
		var data []byte
		switch v := payload.(type) {
		case string:
			data = []byte(v)
		default:
			var err error
			data, err = json.Marshal(v)
			if err != nil {
				return err
			}
		}
		if event != "" {
			if _, err := fmt.Fprintf(c.Writer, "event: %s\n", event); err != nil {
				return err
			}
		}
		if _, err := fmt.Fprintf(c.Writer, "data: %s\n\n", data); err != nil {
			return err
		}
		flusher.Flush()
		return nil
	}

	// subscribe before the run starts so no step is missed
	events := h.events.Subscribe(id, 64)
	defer h.events.Unsubscribe(id, events)

	if err := sendEvent("ack", gin.H{"chat_id": id, "question": req.Question}); err != nil {
		return
	}

	done := make(chan runResult, 1)
	go func() {
		out, err := h.start(c.Request.Context(), pipeline.StartRequest{
			ThreadID:    id,
			Question:    req.Question,
			TopK:        req.TopK,
			AutoApprove: req.AutoApprove,
		})
		done <- runResult{out: out, err: err}
	}()

	forward := func(evt streaming.Event) error {
		// failures are reported once, from the run's own error
		if evt.Type == streaming.EventError {
			return nil
		}
		return sendEvent(string(evt.Type), evt)
	}

	for {
		select {
		case evt := <-events:
			if err := forward(evt); err != nil {
				return
			}
		case res := <-done:
			// flush what the run published before it returned
			for drained := false; !drained; {
				select {
				case evt := <-events:
					if err := forward(evt); err != nil {
						return
					}
				default:
					drained = true
				}
			}
			if res.err != nil {
				_, body := describeError(res.err)
				_ = sendEvent("error", body)
				return
			}
			_ = sendEvent("done", res.out)
			return
		case <-c.Request.Context().Done():
			return
		}
	}
}
