package telegram

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/normanking/cortex-relay/internal/channel"
	"github.com/rs/zerolog/log"
)

// MaxMessageLength is Telegram's single message limit.
const MaxMessageLength = 4096

type TelegramAdapter struct {
	bot      *tgbotapi.BotAPI
	token    string
	inbox    *channel.Inbox
	client   *http.Client
}

func NewTelegramAdapter(token string) *TelegramAdapter {
	return &TelegramAdapter{
		token:    token,
		inbox:    channel.NewInbox(100),
		client:   &http.Client{Timeout: 60 * time.Second},
	}
}

func (t *TelegramAdapter) Name() string {
	return "telegram"
}

func (t *TelegramAdapter) MaxMessageLength() int {
	return MaxMessageLength
}

func (t *TelegramAdapter) IsEnabled() bool {
	return t.token != ""
}

func (t *TelegramAdapter) Start(ctx context.Context) error {
	bot, err := tgbotapi.NewBotAPI(t.token)
	if err != nil {
		return err
	}
	t.bot = bot
	log.Info().Str("user", bot.Self.UserName).Msg("telegram bot authorised")

	u := tgbotapi.NewUpdate(0)
	u.Timeout = 60
	updates := t.bot.GetUpdatesChan(u)

	go func() {
		<-ctx.Done()
		t.bot.StopReceivingUpdates()
	}()

	go func() {
		for update := range updates {
			if update.Message == nil || update.Message.From == nil {
				continue
			}
			if !t.receive(ctx, update.Message) {
				return
			}
		}
	}()
	return nil
}

// receive converts and queues one message, holding an inbox slot so Stop
// waits for the download. It reports false once the adapter is stopping.
func (t *TelegramAdapter) receive(ctx context.Context, m *tgbotapi.Message) bool {
	if !t.inbox.Enter() {
		return false
	}
	defer t.inbox.Leave()
	return t.inbox.Deliver(ctx, t.convert(ctx, m))
}

// convert builds a channel message. Documents and the largest photo size
// are downloaded; failures are logged and skipped.
func (t *TelegramAdapter) convert(ctx context.Context, m *tgbotapi.Message) *channel.Message {
	botName := t.bot.Self.UserName

	text := m.Text
	if text == "" {
		text = m.Caption
	}

	msg := &channel.Message{
		ID:             strconv.Itoa(m.MessageID),
		Surface:        "telegram",
		ConversationID: strconv.FormatInt(m.Chat.ID, 10),
		DM:             m.Chat.IsPrivate(),
		Author: channel.Author{
			ID:   strconv.FormatInt(m.From.ID, 10),
			Name: displayName(m.From),
			Bot:  m.From.IsBot,
		},
		Text:      stripMention(text, botName),
		Mentioned: isMentioned(m, botName, t.bot.Self.ID),
		Timestamp: int64(m.Date),
	}

	if m.Document != nil {
		t.attach(ctx, msg, m.Document.FileID, m.Document.FileName, m.Document.MimeType)
	}
	if n := len(m.Photo); n > 0 {
		t.attach(ctx, msg, m.Photo[n-1].FileID, "photo.jpg", "image/jpeg")
	}
	return msg
}

func (t *TelegramAdapter) attach(ctx context.Context, msg *channel.Message, fileID, name, contentType string) {
	url, err := t.bot.GetFileDirectURL(fileID)
	if err != nil {
		log.Warn().Err(err).Str("file", name).Msg("telegram file lookup failed")
		return
	}
	data, err := channel.Download(ctx, t.client, url)
	if err != nil {
		log.Warn().Err(err).Str("file", name).Msg("telegram file download failed")
		return
	}
	msg.Files = append(msg.Files, channel.File{Name: name, ContentType: contentType, Data: data})
}

func (t *TelegramAdapter) Stop() error {
	t.inbox.Close()
	return nil
}

func (t *TelegramAdapter) Send(ctx context.Context, chatID string, out channel.Outbound) (string, error) {
	if t.bot == nil {
		return "", fmt.Errorf("telegram bot not started")
	}
	id, err := strconv.ParseInt(chatID, 10, 64)
	if err != nil {
		return "", fmt.Errorf("invalid chat id %q: %w", chatID, err)
	}
	sent, err := t.bot.Send(tgbotapi.NewMessage(id, out.Text))
	if err != nil {
		return "", err
	}
	return strconv.Itoa(sent.MessageID), nil
}

func (t *TelegramAdapter) Delete(ctx context.Context, chatID, messageID string) error {
	if t.bot == nil {
		return fmt.Errorf("telegram bot not started")
	}
	id, err := strconv.ParseInt(chatID, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid chat id %q: %w", chatID, err)
	}
	mid, err := strconv.Atoi(messageID)
	if err != nil {
		return fmt.Errorf("invalid message id %q: %w", messageID, err)
	}
	_, err = t.bot.Request(tgbotapi.NewDeleteMessage(id, mid))
	return err
}

func (t *TelegramAdapter) Incoming() <-chan *channel.Message {
	return t.inbox.C()
}

func displayName(u *tgbotapi.User) string {
	if u.UserName != "" {
		return u.UserName
	}
	return strings.TrimSpace(u.FirstName + " " + u.LastName)
}

// isMentioned reports an @botname mention or a reply to one of the bot's
// messages.
func isMentioned(m *tgbotapi.Message, botName string, botID int64) bool {
	if botName != "" && strings.Contains(strings.ToLower(m.Text+" "+m.Caption), "@"+strings.ToLower(botName)) {
		return true
	}
	return m.ReplyToMessage != nil && m.ReplyToMessage.From != nil && m.ReplyToMessage.From.ID == botID
}

func stripMention(text, botName string) string {
	if botName == "" {
		return strings.TrimSpace(text)
	}
	tag := "@" + botName
	for {
		i := strings.Index(strings.ToLower(text), strings.ToLower(tag))
		if i < 0 {
			break
		}
		text = text[:i] + text[i+len(tag):]
	}
	return strings.TrimSpace(text)
}
