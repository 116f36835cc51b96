package handlers

import (
	"context"
	"encoding/json"
	"log"

	"veilchat/internal/models"
	"veilchat/internal/services"
)

// handleDraftUpdate applies a version-checked draft edit. A payload carrying
// a client chat id and no chat id creates the chat (draft-only, cache-only)
// at draft_v=1. Accepted edits are broadcast to every session of the user so
// all devices converge; rejections go only to the sender.
func handleDraftUpdate(ctx context.Context, d *Deps, sess *models.Session, payload json.RawMessage) error {
	var p models.DraftUpdatePayload
	if err := decode(payload, &p); err != nil {
		return err
	}

	if p.ChatID == "" {
		if p.ClientChatID == "" {
			return ErrProtocol
		}
		chat, err := d.Repo.CreateChatWithDraft(ctx, sess.UserHash, p.ClientChatID, p.EncryptedContent)
		if err != nil {
			replyRepoError(sess, "", err)
			return nil
		}
		d.Conns.BroadcastToUser(sess.UserHash, models.ServerFrame{
			Type: models.FrameDraftUpdated,
			Payload: models.ComponentUpdatedPayload{
				ChatID:           chat.ChatID,
				NewVersion:       chat.DraftV,
				EncryptedContent: chat.EncryptedDraft,
			},
		}, "")
		return nil
	}

	out, err := d.Repo.UpdateDraft(ctx, sess.UserHash, p.ChatID, p.BasedOnVersion, p.EncryptedContent)
	if err != nil {
		replyRepoError(sess, p.ChatID, err)
		return nil
	}
	if !out.Accepted {
		d.Metrics.ObserveConflict(models.ComponentDraft)
		sess.TrySend(models.ServerFrame{
			Type: models.FrameDraftConflict,
			Payload: models.ConflictPayload{
				ChatID:         p.ChatID,
				Component:      models.ComponentDraft,
				CurrentVersion: out.CurrentVersion,
			},
		})
		return nil
	}

	d.Conns.BroadcastToUser(sess.UserHash, models.ServerFrame{
		Type: models.FrameDraftUpdated,
		Payload: models.ComponentUpdatedPayload{
			ChatID:           p.ChatID,
			NewVersion:       out.NewVersion,
			EncryptedContent: p.EncryptedContent,
		},
	}, "")
	return nil
}

// handleDeleteDraft clears a draft unconditionally (no version check: the
// user's intent to discard wins). Clearing the draft of a draft-only chat
// removes the chat.
func handleDeleteDraft(ctx context.Context, d *Deps, sess *models.Session, payload json.RawMessage) error {
	var p models.DeleteDraftPayload
	if err := decode(payload, &p); err != nil {
		return err
	}
	if p.ChatID == "" {
		return ErrProtocol
	}

	exists, err := d.Repo.ClearDraft(ctx, sess.UserHash, p.ChatID)
	if err != nil {
		replyRepoError(sess, p.ChatID, err)
		return nil
	}

	if exists {
		d.Conns.BroadcastToUser(sess.UserHash, models.ServerFrame{
			Type:    models.FrameDraftCleared,
			Payload: models.DraftClearedPayload{ChatID: p.ChatID, DraftV: 0},
		}, "")
	} else {
		// Draft-only chat: clearing the draft deleted the whole chat.
		d.Conns.BroadcastToUser(sess.UserHash, models.ServerFrame{
			Type:    models.FrameChatDeleted,
			Payload: models.ChatDeletedPayload{ChatID: p.ChatID},
		}, "")
	}
	return nil
}

// handleTitleUpdate applies a version-checked rename.
func handleTitleUpdate(ctx context.Context, d *Deps, sess *models.Session, payload json.RawMessage) error {
	var p models.TitleUpdatePayload
	if err := decode(payload, &p); err != nil {
		return err
	}
	if p.ChatID == "" {
		return ErrProtocol
	}

	out, err := d.Repo.UpdateTitle(ctx, sess.UserHash, p.ChatID, p.BasedOnVersion, p.EncryptedContent)
	if err != nil {
		replyRepoError(sess, p.ChatID, err)
		return nil
	}
	if !out.Accepted {
		d.Metrics.ObserveConflict(models.ComponentTitle)
		sess.TrySend(models.ServerFrame{
			Type: models.FrameTitleConflict,
			Payload: models.ConflictPayload{
				ChatID:         p.ChatID,
				Component:      models.ComponentTitle,
				CurrentVersion: out.CurrentVersion,
			},
		})
		return nil
	}

	d.Conns.BroadcastToUser(sess.UserHash, models.ServerFrame{
		Type: models.FrameTitleUpdated,
		Payload: models.ComponentUpdatedPayload{
			ChatID:           p.ChatID,
			NewVersion:       out.NewVersion,
			EncryptedContent: p.EncryptedContent,
		},
	}, "")
	return nil
}

// handleMessageReceived appends a finished user message, creating and
// persisting the chat on first contact, then queues the preprocess job for
// the worker fleet.
func handleMessageReceived(ctx context.Context, d *Deps, sess *models.Session, payload json.RawMessage) error {
	var p models.MessageReceivedPayload
	if err := decode(payload, &p); err != nil {
		return err
	}

	chatID := p.ChatID
	if chatID == "" {
		if p.ClientChatID == "" {
			return ErrProtocol
		}
		chatID = services.ChatIDFor(sess.UserHash, p.ClientChatID)
	}

	if _, err := d.Repo.EnsureChat(ctx, sess.UserHash, chatID); err != nil {
		replyRepoError(sess, chatID, err)
		return nil
	}

	msg, chat, err := d.Repo.AppendMessage(ctx, sess.UserHash, chatID, &models.Message{
		MessageID:        p.MessageID,
		EncryptedContent: p.EncryptedContent,
		SenderName:       "user",
		Status:           models.StatusSynced,
	})
	if err != nil {
		replyRepoError(sess, chatID, err)
		return nil
	}

	d.Conns.BroadcastToUser(sess.UserHash, models.ServerFrame{
		Type: models.FrameMessageNew,
		Payload: models.MessageNewPayload{
			ChatID:    chatID,
			Message:   msg,
			MessagesV: chat.MessagesV,
		},
	}, "")

	if d.Queue != nil {
		job := services.PreprocessJob{
			UserHash:  sess.UserHash,
			ChatID:    chatID,
			MessageID: msg.MessageID,
		}
		if err := d.Queue.EnqueuePreprocess(ctx, job); err != nil {
			log.Printf("⚠️ Failed to enqueue preprocess job: %v", err)
			sess.TrySend(models.ErrorFrame(models.CodeUpstreamFailure, "assistant queue unavailable", chatID))
		}
	}
	return nil
}

// handleDeleteChat removes a chat everywhere and tells every device.
func handleDeleteChat(ctx context.Context, d *Deps, sess *models.Session, payload json.RawMessage) error {
	var p models.DeleteChatPayload
	if err := decode(payload, &p); err != nil {
		return err
	}
	if p.ChatID == "" {
		return ErrProtocol
	}

	if err := d.Repo.DeleteChat(ctx, sess.UserHash, p.ChatID); err != nil {
		replyRepoError(sess, p.ChatID, err)
		return nil
	}

	if d.Profile != nil {
		if err := d.Profile.ClearLastOpenedChat(ctx, sess.UserHash, p.ChatID); err != nil {
			log.Printf("⚠️ Failed to clear last-opened record: %v", err)
		}
	}

	for _, other := range d.Conns.SessionsForUser(sess.UserHash) {
		if other.ActiveChat() == p.ChatID {
			other.SetActiveChat("")
		}
	}

	d.Conns.BroadcastToUser(sess.UserHash, models.ServerFrame{
		Type:    models.FrameChatDeleted,
		Payload: models.ChatDeletedPayload{ChatID: p.ChatID},
	}, "")
	return nil
}

// handleSetActiveChat records which chat this device displays. Nothing is
// persisted; this only steers stream-chunk fan-out.
func handleSetActiveChat(ctx context.Context, d *Deps, sess *models.Session, payload json.RawMessage) error {
	var p models.SetActiveChatPayload
	if err := decode(payload, &p); err != nil {
		return err
	}
	sess.SetActiveChat(p.ChatID)
	return nil
}

// handleGetChatMessages replies privately with one chat's full payload. An
// explicit open may also move the user's last-opened anchor.
func handleGetChatMessages(ctx context.Context, d *Deps, sess *models.Session, payload json.RawMessage) error {
	var p models.GetChatMessagesPayload
	if err := decode(payload, &p); err != nil {
		return err
	}
	if p.ChatID == "" {
		return ErrProtocol
	}

	chatPayload, err := d.Repo.GetChatPayload(ctx, sess.UserHash, p.ChatID)
	if err != nil {
		replyRepoError(sess, p.ChatID, err)
		return nil
	}

	sess.TrySend(models.ServerFrame{Type: models.FrameActiveChatLoad, Payload: chatPayload})

	if p.Opened && d.Profile != nil && d.Cfg != nil && d.Cfg.PersistLastOpenedOnOpen {
		if err := d.Profile.SetLastOpenedChat(ctx, sess.UserHash, p.ChatID); err != nil {
			log.Printf("⚠️ Failed to record last-opened chat: %v", err)
		}
	}
	return nil
}

// handleChatContentBatch prefetches up to MaxBatchChats chats in one round
// trip. Chats the user cannot see are silently skipped.
func handleChatContentBatch(ctx context.Context, d *Deps, sess *models.Session, payload json.RawMessage) error {
	var p models.ChatContentBatchPayload
	if err := decode(payload, &p); err != nil {
		return err
	}
	if len(p.ChatIDs) == 0 || len(p.ChatIDs) > models.MaxBatchChats {
		return ErrProtocol
	}

	result := models.ChatContentBatchResult{Chats: make([]*models.ChatPayload, 0, len(p.ChatIDs))}
	for _, chatID := range p.ChatIDs {
		chatPayload, err := d.Repo.GetChatPayload(ctx, sess.UserHash, chatID)
		if err != nil {
			continue
		}
		result.Chats = append(result.Chats, chatPayload)
	}

	sess.TrySend(models.ServerFrame{Type: models.FrameChatContentData, Payload: result})
	return nil
}
