package discord

import (
	"testing"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/haasonsaas/conduit/internal/channels"
)

func userMessage(channelID, userID, username, content string) *discordgo.Message {
	return &discordgo.Message{
		ID:        "m1",
		ChannelID: channelID,
		Content:   content,
		Author:    &discordgo.User{ID: userID, Username: username},
		Timestamp: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC),
	}
}

func TestConvertMapsFields(t *testing.T) {
	in, ok := convert(userMessage("C9", "u1", "alice", "hello"), nil)
	if !ok {
		t.Fatal("convert rejected a plain message")
	}
	if in.Channel != "discord" || in.ChatID != "C9" || in.UserID != "u1" {
		t.Fatalf("in = %+v", in)
	}
	if in.UserName != "alice" || in.MessageID != "m1" || in.Text != "hello" {
		t.Fatalf("in = %+v", in)
	}
	if in.ReceivedAt.Year() != 2025 {
		t.Fatalf("ReceivedAt = %v", in.ReceivedAt)
	}
}

func TestConvertDropsBotsAndEmpty(t *testing.T) {
	bot := userMessage("C9", "b1", "bot", "beep")
	bot.Author.Bot = true
	if _, ok := convert(bot, nil); ok {
		t.Error("bot messages must be dropped")
	}
	if _, ok := convert(userMessage("C9", "u1", "alice", ""), nil); ok {
		t.Error("empty messages must be dropped")
	}
	if _, ok := convert(&discordgo.Message{Content: "x"}, nil); ok {
		t.Error("authorless messages must be dropped")
	}
}

func TestConvertAllowlist(t *testing.T) {
	allowed := channels.AllowUsers([]string{"u1", "carol"})
	if _, ok := convert(userMessage("C9", "u1", "alice", "hi"), allowed); !ok {
		t.Error("allowed id rejected")
	}
	if _, ok := convert(userMessage("C9", "u7", "carol", "hi"), allowed); !ok {
		t.Error("allowed username rejected")
	}
	if _, ok := convert(userMessage("C9", "u8", "mallory", "hi"), allowed); ok {
		t.Error("unlisted user admitted")
	}
}

func TestNewRequiresToken(t *testing.T) {
	if _, err := New(Config{}); err == nil {
		t.Fatal("expected config error for missing token")
	}
}
