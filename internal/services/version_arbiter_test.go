package services

import (
	"testing"

	"veilchat/internal/models"
)

func TestCheckAndBump(t *testing.T) {
	tests := []struct {
		name       string
		current    int64
		basedOn    int64
		wantAccept bool
		wantNew    int64
	}{
		{"fresh component accepts zero", 0, 0, true, 1},
		{"current base accepted", 4, 4, true, 5},
		{"stale base rejected", 4, 3, false, 0},
		{"future base rejected", 4, 5, false, 0},
		{"way behind rejected", 10, 0, false, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var arbiter VersionArbiter
			chat := &models.Chat{TitleV: tt.current}

			out := arbiter.CheckAndBump(chat, models.ComponentTitle, tt.basedOn)
			if out.Accepted != tt.wantAccept {
				t.Fatalf("Accepted = %v, want %v", out.Accepted, tt.wantAccept)
			}
			if out.CurrentVersion != tt.current {
				t.Errorf("CurrentVersion = %d, want %d", out.CurrentVersion, tt.current)
			}
			if tt.wantAccept {
				if out.NewVersion != tt.wantNew {
					t.Errorf("NewVersion = %d, want %d", out.NewVersion, tt.wantNew)
				}
				if chat.TitleV != tt.wantNew {
					t.Errorf("chat version = %d, want %d", chat.TitleV, tt.wantNew)
				}
			} else if chat.TitleV != tt.current {
				t.Errorf("rejected write must not touch the chat, version = %d", chat.TitleV)
			}
		})
	}
}

func TestCheckAndBumpComponentsIndependent(t *testing.T) {
	var arbiter VersionArbiter
	chat := &models.Chat{TitleV: 2, DraftV: 7, MessagesV: 1}

	out := arbiter.CheckAndBump(chat, models.ComponentDraft, 7)
	if !out.Accepted || chat.DraftV != 8 {
		t.Fatalf("draft bump failed: %+v, draftV=%d", out, chat.DraftV)
	}
	if chat.TitleV != 2 || chat.MessagesV != 1 {
		t.Error("bumping one component must leave the others untouched")
	}
}
