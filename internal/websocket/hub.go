// Package websocket exposes job progress over websocket connections. The
// hub is a thin bridge: each connection gets its own broadcaster
// subscription, so a slow client never stalls the pipeline or its peers.
package websocket

import (
	"context"
	"encoding/json"
	"log"
	"time"

	"github.com/gofiber/contrib/websocket"

	"github.com/voicebridge/api/internal/model"
	"github.com/voicebridge/api/internal/progress"
	"github.com/voicebridge/api/internal/store"
)

const pingInterval = 30 * time.Second

// Hub serves per-job progress streams.
type Hub struct {
	broadcaster *progress.Broadcaster
	store       store.Store
}

// NewHub creates a hub over the given broadcaster.
func NewHub(broadcaster *progress.Broadcaster, st store.Store) *Hub {
	return &Hub{broadcaster: broadcaster, store: st}
}

// HandleConnection streams a job's progress events to one client. A late
// subscriber first receives the latest known event; the stream ends with a
// complete or error message when the job reaches a terminal status.
func (h *Hub) HandleConnection(c *websocket.Conn, jobID string) {
	sub := h.broadcaster.Subscribe(jobID)
	defer sub.Close()

	pongs := make(chan []byte, 8)

	// Writer goroutine: the only goroutine writing to the connection.
	go func() {
		ticker := time.NewTicker(pingInterval)
		defer ticker.Stop()

		for {
			select {
			case event, ok := <-sub.Events():
				if !ok {
					c.WriteMessage(websocket.CloseMessage, []byte{})
					return
				}
				if err := h.writeEvent(c, event); err != nil {
					return
				}
				if event.Terminal() {
					c.WriteMessage(websocket.CloseMessage, []byte{})
					return
				}

			case data := <-pongs:
				if err := c.WriteMessage(websocket.TextMessage, data); err != nil {
					return
				}

			case <-ticker.C:
				if err := c.WriteMessage(websocket.PingMessage, nil); err != nil {
					return
				}
			}
		}
	}()

	// Reader loop: handles client ping messages, detects disconnects.
	for {
		_, message, err := c.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
				log.Printf("websocket error for job %s: %v", jobID, err)
			}
			return
		}

		var msg model.WSMessage
		if err := json.Unmarshal(message, &msg); err != nil {
			continue
		}
		if msg.Type == model.WSMessageTypePing {
			data, _ := json.Marshal(model.WSMessage{Type: model.WSMessageTypePong})
			select {
			case pongs <- data:
			default:
			}
		}
	}
}

// writeEvent sends the progress event, followed by a complete or error
// message when the event is terminal.
func (h *Hub) writeEvent(c *websocket.Conn, event model.ProgressEvent) error {
	data, err := json.Marshal(model.WSProgressMessage{
		Type:  model.WSMessageTypeProgress,
		Event: event,
	})
	if err != nil {
		log.Printf("failed to marshal progress message: %v", err)
		return nil
	}
	if err := c.WriteMessage(websocket.TextMessage, data); err != nil {
		return err
	}

	switch event.Status {
	case model.JobStatusCompleted:
		msg := model.WSCompleteMessage{
			Type:  model.WSMessageTypeComplete,
			JobID: event.JobID,
		}
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		if job, err := h.store.GetJob(ctx, event.JobID); err == nil {
			msg.ArtifactPath = job.ArtifactPath
		}
		cancel()
		data, _ := json.Marshal(msg)
		return c.WriteMessage(websocket.TextMessage, data)

	case model.JobStatusFailed, model.JobStatusCancelled:
		kind := model.ErrKindFatal
		if event.Status == model.JobStatusCancelled {
			kind = model.ErrKindCancelled
		}
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		if job, err := h.store.GetJob(ctx, event.JobID); err == nil && job.Error != nil {
			kind = job.Error.Kind
		}
		cancel()
		data, _ := json.Marshal(model.WSErrorMessage{
			Type:  model.WSMessageTypeError,
			JobID: event.JobID,
			Error: model.WSError{Kind: kind, Message: event.Message},
		})
		return c.WriteMessage(websocket.TextMessage, data)
	}
	return nil
}
