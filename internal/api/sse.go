package api

import (
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

type sseMessage struct {
	event string
	data  interface{}
}

// StreamJobEvents 建立 SSE 连接，推送任务完成事件。
func (h *HTTPHandler) StreamJobEvents(c *gin.Context) {
	requestUser := CurrentUser(c)
	if requestUser == nil {
		Unauthorized(c, "authentication required")
		return
	}

	clientID := strings.TrimSpace(c.Query("client_id"))
	if clientID == "" {
		MissingField(c, "client_id")
		return
	}

	ctx := c.Request.Context()
	events := make(chan sseMessage, 8)
	h.registerSSEClient(clientID, events)
	defer h.unregisterSSEClient(clientID, events)

	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")
	c.Writer.Header().Set("X-Accel-Buffering", "no")

	if flusher, ok := c.Writer.(http.Flusher); ok {
		flusher.Flush()
	}

	heartbeatTicker := time.NewTicker(10 * time.Second)
	defer heartbeatTicker.Stop()

	logrus.WithFields(logrus.Fields{
		"user_id":   requestUser.ID,
		"client_id": clientID,
	}).Info("job sse connected")

	c.Stream(func(w io.Writer) bool {
		select {
		case <-ctx.Done():
			logrus.WithFields(logrus.Fields{
				"user_id":   requestUser.ID,
				"client_id": clientID,
			}).Info("job sse disconnected")
			return false
		case <-heartbeatTicker.C:
			c.SSEvent("ping", gin.H{"ts": time.Now().UnixMilli()})
			return true
		case msg, ok := <-events:
			if !ok {
				return false
			}
			c.SSEvent(msg.event, msg.data)
			return true
		}
	})
}

func (h *HTTPHandler) registerSSEClient(clientID string, ch chan sseMessage) {
	if h == nil || ch == nil || clientID == "" {
		return
	}
	h.sseMu.Lock()
	defer h.sseMu.Unlock()

	if h.sseClients == nil {
		h.sseClients = make(map[string][]chan sseMessage)
	}
	h.sseClients[clientID] = append(h.sseClients[clientID], ch)
}

func (h *HTTPHandler) unregisterSSEClient(clientID string, target chan sseMessage) {
	if h == nil || target == nil || clientID == "" {
		return
	}
	h.sseMu.Lock()
	defer h.sseMu.Unlock()

	current := h.sseClients[clientID]
	if len(current) == 0 {
		return
	}

	remaining := current[:0]
	for _, ch := range current {
		if ch == target {
			continue
		}
		remaining = append(remaining, ch)
	}

	if len(remaining) == 0 {
		delete(h.sseClients, clientID)
		return
	}

	h.sseClients[clientID] = remaining
}

func (h *HTTPHandler) publishSSEMessage(clientID string, msg sseMessage) {
	if h == nil || clientID == "" {
		return
	}

	h.sseMu.Lock()
	channels := append([]chan sseMessage(nil), h.sseClients[clientID]...)
	h.sseMu.Unlock()

	for _, ch := range channels {
		select {
		case ch <- msg:
		default:
			logrus.WithFields(logrus.Fields{
				"client_id": clientID,
				"event":     msg.event,
			}).Warn("dropping sse message due to slow consumer")
		}
	}
}
