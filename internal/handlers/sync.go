package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"log"

	"veilchat/internal/models"
	"veilchat/internal/services"
)

// handleInitialSync anchors a fresh session: the last explicitly opened
// chat's full payload first (so the UI can render immediately), then the
// minimal delta against the client's known versions.
func handleInitialSync(ctx context.Context, d *Deps, sess *models.Session, payload json.RawMessage) error {
	var p models.InitialSyncPayload
	if err := decode(payload, &p); err != nil {
		return err
	}

	if d.Profile != nil {
		lastOpened, err := d.Profile.LastOpenedChat(ctx, sess.UserHash)
		if err != nil {
			log.Printf("⚠️ Failed to load last-opened chat: %v", err)
		} else if lastOpened != "" {
			chatPayload, err := d.Repo.GetChatPayload(ctx, sess.UserHash, lastOpened)
			if err == nil {
				sess.TrySend(models.ServerFrame{Type: models.FrameActiveChatLoad, Payload: chatPayload})
			} else if !errors.Is(err, services.ErrNotFound) && !errors.Is(err, services.ErrNotPermitted) {
				sess.TrySend(models.ErrorFrame(models.CodeUpstreamFailure, "storage unavailable, try again", lastOpened))
				return nil
			}
		}
	}

	delta, err := d.Repo.FetchDelta(ctx, sess.UserHash, p.LastSyncTS, p.KnownVersions)
	if err != nil {
		sess.TrySend(models.ErrorFrame(models.CodeUpstreamFailure, "sync unavailable, try again", ""))
		return nil
	}

	sess.TrySend(models.ServerFrame{Type: models.FrameDeltaSyncData, Payload: delta})
	return nil
}

// offlineOpKey scopes drop-after-reject tracking to one component of one
// chat: a rejected op poisons only its own (chat, component) successors.
func offlineOpKey(chatID, component string) string {
	return chatID + "/" + component
}

// handleOfflineSync replays mutations queued while the device was offline,
// strictly in client order. The first rejection for a (chat, component)
// drops every later op on that same component; everything is reported back
// in one aggregated result instead of per-op conflict frames.
func handleOfflineSync(ctx context.Context, d *Deps, sess *models.Session, payload json.RawMessage) error {
	var p models.OfflineSyncPayload
	if err := decode(payload, &p); err != nil {
		return err
	}

	result := models.OfflineSyncResultPayload{Rejected: []models.OfflineRejection{}}
	blocked := make(map[string]bool)

	for i, op := range p.Ops {
		chatID, component, err := offlineOpTarget(sess, op)
		if err != nil {
			return err
		}

		// A rejected op poisons its (chat, component) successors before they
		// touch anything.
		key := offlineOpKey(chatID, component)
		if blocked[key] {
			result.Dropped++
			continue
		}

		outcome, err := applyOfflineOp(ctx, d, sess, op)
		if err != nil {
			if errors.Is(err, ErrProtocol) {
				return err
			}
			// Repository failure: report as a rejection so the client keeps
			// the op and can retry after a fresh sync.
			result.Rejected = append(result.Rejected, models.OfflineRejection{
				Index:     i,
				ChatID:    chatID,
				Component: component,
			})
			blocked[key] = true
			continue
		}
		if !outcome.Accepted {
			result.Rejected = append(result.Rejected, models.OfflineRejection{
				Index:          i,
				ChatID:         chatID,
				Component:      component,
				CurrentVersion: outcome.CurrentVersion,
			})
			blocked[key] = true
			continue
		}
		result.Applied++
	}

	sess.TrySend(models.ServerFrame{Type: models.FrameOfflineSyncResult, Payload: result})
	return nil
}

// offlineOpTarget resolves which (chat, component) an op addresses without
// applying it. Malformed payloads and unknown types surface as protocol
// errors here, before the replay loop commits to anything.
func offlineOpTarget(sess *models.Session, op models.OfflineOp) (chatID, component string, err error) {
	switch op.Type {
	case models.FrameDraftUpdate:
		var p models.DraftUpdatePayload
		if err := decode(op.Payload, &p); err != nil {
			return "", "", err
		}
		id := p.ChatID
		if id == "" {
			if p.ClientChatID == "" {
				return "", "", ErrProtocol
			}
			id = services.ChatIDFor(sess.UserHash, p.ClientChatID)
		}
		return id, models.ComponentDraft, nil

	case models.FrameDeleteDraft:
		var p models.DeleteDraftPayload
		if err := decode(op.Payload, &p); err != nil {
			return "", "", err
		}
		return p.ChatID, models.ComponentDraft, nil

	case models.FrameTitleUpdate:
		var p models.TitleUpdatePayload
		if err := decode(op.Payload, &p); err != nil {
			return "", "", err
		}
		return p.ChatID, models.ComponentTitle, nil

	case models.FrameMessageReceived:
		var p models.MessageReceivedPayload
		if err := decode(op.Payload, &p); err != nil {
			return "", "", err
		}
		id := p.ChatID
		if id == "" {
			if p.ClientChatID == "" {
				return "", "", ErrProtocol
			}
			id = services.ChatIDFor(sess.UserHash, p.ClientChatID)
		}
		return id, models.ComponentMessages, nil

	case models.FrameDeleteChat:
		var p models.DeleteChatPayload
		if err := decode(op.Payload, &p); err != nil {
			return "", "", err
		}
		return p.ChatID, "chat", nil
	}

	return "", "", ErrProtocol
}

// applyOfflineOp routes one queued op through the same repository paths the
// live handlers use. Accepted mutations broadcast normally so other devices
// converge during the replay. Payloads were already vetted by
// offlineOpTarget.
func applyOfflineOp(ctx context.Context, d *Deps, sess *models.Session, op models.OfflineOp) (outcome services.VersionOutcome, err error) {
	accepted := services.VersionOutcome{Accepted: true}

	switch op.Type {
	case models.FrameDraftUpdate:
		var p models.DraftUpdatePayload
		if err := decode(op.Payload, &p); err != nil {
			return outcome, err
		}
		if p.ChatID == "" {
			chat, err := d.Repo.CreateChatWithDraft(ctx, sess.UserHash, p.ClientChatID, p.EncryptedContent)
			if err != nil {
				return outcome, err
			}
			d.Conns.BroadcastToUser(sess.UserHash, models.ServerFrame{
				Type: models.FrameDraftUpdated,
				Payload: models.ComponentUpdatedPayload{
					ChatID:           chat.ChatID,
					NewVersion:       chat.DraftV,
					EncryptedContent: chat.EncryptedDraft,
				},
			}, "")
			return accepted, nil
		}
		out, err := d.Repo.UpdateDraft(ctx, sess.UserHash, p.ChatID, p.BasedOnVersion, p.EncryptedContent)
		if err != nil {
			return outcome, err
		}
		if out.Accepted {
			d.Conns.BroadcastToUser(sess.UserHash, models.ServerFrame{
				Type: models.FrameDraftUpdated,
				Payload: models.ComponentUpdatedPayload{
					ChatID:           p.ChatID,
					NewVersion:       out.NewVersion,
					EncryptedContent: p.EncryptedContent,
				},
			}, "")
		} else {
			d.Metrics.ObserveConflict(models.ComponentDraft)
		}
		return out, nil

	case models.FrameDeleteDraft:
		var p models.DeleteDraftPayload
		if err := decode(op.Payload, &p); err != nil {
			return outcome, err
		}
		exists, err := d.Repo.ClearDraft(ctx, sess.UserHash, p.ChatID)
		if err != nil {
			return outcome, err
		}
		frameType, framePayload := models.FrameChatDeleted, interface{}(models.ChatDeletedPayload{ChatID: p.ChatID})
		if exists {
			frameType, framePayload = models.FrameDraftCleared, interface{}(models.DraftClearedPayload{ChatID: p.ChatID, DraftV: 0})
		}
		d.Conns.BroadcastToUser(sess.UserHash, models.ServerFrame{Type: frameType, Payload: framePayload}, "")
		return accepted, nil

	case models.FrameTitleUpdate:
		var p models.TitleUpdatePayload
		if err := decode(op.Payload, &p); err != nil {
			return outcome, err
		}
		out, err := d.Repo.UpdateTitle(ctx, sess.UserHash, p.ChatID, p.BasedOnVersion, p.EncryptedContent)
		if err != nil {
			return outcome, err
		}
		if out.Accepted {
			d.Conns.BroadcastToUser(sess.UserHash, models.ServerFrame{
				Type: models.FrameTitleUpdated,
				Payload: models.ComponentUpdatedPayload{
					ChatID:           p.ChatID,
					NewVersion:       out.NewVersion,
					EncryptedContent: p.EncryptedContent,
				},
			}, "")
		} else {
			d.Metrics.ObserveConflict(models.ComponentTitle)
		}
		return out, nil

	case models.FrameMessageReceived:
		var p models.MessageReceivedPayload
		if err := decode(op.Payload, &p); err != nil {
			return outcome, err
		}
		id := p.ChatID
		if id == "" {
			id = services.ChatIDFor(sess.UserHash, p.ClientChatID)
		}
		if _, err := d.Repo.EnsureChat(ctx, sess.UserHash, id); err != nil {
			return outcome, err
		}
		msg, chat, err := d.Repo.AppendMessage(ctx, sess.UserHash, id, &models.Message{
			MessageID:        p.MessageID,
			EncryptedContent: p.EncryptedContent,
			SenderName:       "user",
			Status:           models.StatusSynced,
		})
		if err != nil {
			return outcome, err
		}
		d.Conns.BroadcastToUser(sess.UserHash, models.ServerFrame{
			Type: models.FrameMessageNew,
			Payload: models.MessageNewPayload{
				ChatID:    id,
				Message:   msg,
				MessagesV: chat.MessagesV,
			},
		}, "")
		if d.Queue != nil {
			if err := d.Queue.EnqueuePreprocess(ctx, services.PreprocessJob{
				UserHash:  sess.UserHash,
				ChatID:    id,
				MessageID: msg.MessageID,
			}); err != nil {
				log.Printf("⚠️ Failed to enqueue preprocess job: %v", err)
			}
		}
		return accepted, nil

	case models.FrameDeleteChat:
		var p models.DeleteChatPayload
		if err := decode(op.Payload, &p); err != nil {
			return outcome, err
		}
		if err := d.Repo.DeleteChat(ctx, sess.UserHash, p.ChatID); err != nil {
			return outcome, err
		}
		d.Conns.BroadcastToUser(sess.UserHash, models.ServerFrame{
			Type:    models.FrameChatDeleted,
			Payload: models.ChatDeletedPayload{ChatID: p.ChatID},
		}, "")
		return accepted, nil
	}

	return outcome, ErrProtocol
}
