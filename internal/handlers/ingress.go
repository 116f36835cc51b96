package handlers

import (
	"context"
	"log"

	"veilchat/internal/models"
	"veilchat/internal/services"
)

// RegisterWorkerIngress binds the worker event channel to the sync core.
// Stream chunks fan out only to sessions viewing the chat; the finished
// message is appended through the repository and announced to every session.
func RegisterWorkerIngress(queue *services.WorkerQueue, d *Deps) {
	queue.On(services.EventAIStreamChunk, func(ctx context.Context, ev services.WorkerEvent) {
		handleAIStreamChunk(ctx, d, ev)
	})
	queue.On(services.EventAIMessageReady, func(ctx context.Context, ev services.WorkerEvent) {
		handleAIMessageReady(ctx, d, ev)
	})
}

func handleAIStreamChunk(_ context.Context, d *Deps, ev services.WorkerEvent) {
	if ev.UserHash == "" || ev.ChatID == "" {
		return
	}
	sent := d.Conns.DeliverStreamChunk(ev.UserHash, ev.ChatID, models.ServerFrame{
		Type: models.FrameAIMessageUpdate,
		Payload: models.AIStreamChunkPayload{
			ChatID:    ev.ChatID,
			MessageID: ev.MessageID,
			Chunk:     ev.Chunk,
		},
	})
	if d.Metrics != nil && sent > 0 {
		d.Metrics.StreamChunks.Add(float64(sent))
	}
}

func handleAIMessageReady(ctx context.Context, d *Deps, ev services.WorkerEvent) {
	if ev.UserHash == "" || ev.ChatID == "" {
		return
	}

	sender := ev.SenderName
	if sender == "" {
		sender = "assistant"
	}

	msg, chat, err := d.Repo.AppendMessage(ctx, ev.UserHash, ev.ChatID, &models.Message{
		MessageID:        ev.MessageID,
		EncryptedContent: ev.EncryptedContent,
		SenderName:       sender,
		Status:           models.StatusSynced,
	})
	if err != nil {
		// The worker retries delivery; the chat may also have been deleted
		// mid-stream, which is a normal race.
		log.Printf("⚠️ Failed to append assistant message for chat %s: %v", ev.ChatID, err)
		return
	}

	d.Conns.BroadcastToUser(ev.UserHash, models.ServerFrame{
		Type: models.FrameAIMessageReady,
		Payload: models.AIMessageReadyPayload{
			ChatID:    ev.ChatID,
			Message:   msg,
			MessagesV: chat.MessagesV,
		},
	}, "")
}
