package telegram

import (
	"testing"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAdapterName(t *testing.T) {
	adapter := NewTelegramAdapter("test")
	assert.Equal(t, "telegram", adapter.Name())
	assert.Equal(t, 4096, adapter.MaxMessageLength())
	assert.True(t, adapter.IsEnabled())
}

func TestConvert(t *testing.T) {
	adapter := NewTelegramAdapter("test")
	adapter.bot = &tgbotapi.BotAPI{Self: tgbotapi.User{ID: 99, UserName: "RelayBot"}}

	msg := adapter.convert(t.Context(), &tgbotapi.Message{
		MessageID: 7,
		Date:      1700000000,
		Chat:      &tgbotapi.Chat{ID: -100, Type: "supergroup"},
		From:      &tgbotapi.User{ID: 5, FirstName: "Ada", LastName: "Lovelace"},
		Text:      "@relaybot what is entropy?",
	})

	assert.Equal(t, "7", msg.ID)
	assert.Equal(t, "-100", msg.ConversationID)
	assert.False(t, msg.DM)
	assert.True(t, msg.Mentioned)
	assert.Equal(t, "what is entropy?", msg.Text)
	assert.Equal(t, "5", msg.Author.ID)
	assert.Equal(t, "Ada Lovelace", msg.Author.Name)
	assert.Empty(t, msg.Files)
}

func TestIsMentioned_ReplyToBot(t *testing.T) {
	m := &tgbotapi.Message{
		Text:           "and then?",
		ReplyToMessage: &tgbotapi.Message{From: &tgbotapi.User{ID: 99}},
	}
	assert.True(t, isMentioned(m, "relaybot", 99))
	assert.False(t, isMentioned(&tgbotapi.Message{Text: "hello"}, "relaybot", 99))
}

func TestPrivateChat(t *testing.T) {
	adapter := NewTelegramAdapter("test")
	adapter.bot = &tgbotapi.BotAPI{Self: tgbotapi.User{ID: 99, UserName: "relaybot"}}

	msg := adapter.convert(t.Context(), &tgbotapi.Message{
		MessageID: 1,
		Chat:      &tgbotapi.Chat{ID: 5, Type: "private"},
		From:      &tgbotapi.User{ID: 5, UserName: "ada"},
		Caption:   "see attached",
	})
	assert.True(t, msg.DM)
	assert.True(t, msg.Addressed())
	assert.Equal(t, "see attached", msg.Text)
	assert.Equal(t, "ada", msg.Author.Name)
}

func TestReceiveAfterStop(t *testing.T) {
	adapter := NewTelegramAdapter("test")
	adapter.bot = &tgbotapi.BotAPI{Self: tgbotapi.User{ID: 99, UserName: "relaybot"}}
	m := &tgbotapi.Message{
		MessageID: 1,
		Chat:      &tgbotapi.Chat{ID: 5, Type: "private"},
		From:      &tgbotapi.User{ID: 5, UserName: "ada"},
		Text:      "hi",
	}

	assert.True(t, adapter.receive(t.Context(), m))
	require.NoError(t, adapter.Stop())
	assert.False(t, adapter.receive(t.Context(), m), "a stopped adapter refuses new messages")

	var ids []string
	for msg := range adapter.Incoming() {
		ids = append(ids, msg.ID)
	}
	assert.Equal(t, []string{"1"}, ids)
}
