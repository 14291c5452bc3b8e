package discord

import (
	"context"
	"fmt"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/normanking/cortex-relay/internal/channel"
	"github.com/rs/zerolog/log"
)

const (
	// MaxMessageLength is Discord's single message limit.
	MaxMessageLength = 2000

	// EmbedColor is the accent used for reply embeds.
	EmbedColor = 0xda7756
)

var mentionPattern = regexp.MustCompile(`<@!?(\d+)>`)

type DiscordAdapter struct {
	token    string
	session  *discordgo.Session
	inbox    *channel.Inbox
	client   *http.Client
}

func NewDiscordAdapter(token string) *DiscordAdapter {
	return &DiscordAdapter{
		token:    token,
		inbox:    channel.NewInbox(100),
		client:   &http.Client{Timeout: 60 * time.Second},
	}
}

func (d *DiscordAdapter) Name() string {
	return "discord"
}

func (d *DiscordAdapter) MaxMessageLength() int {
	return MaxMessageLength
}

func (d *DiscordAdapter) IsEnabled() bool {
	return d.token != ""
}

func (d *DiscordAdapter) Start(ctx context.Context) error {
	session, err := discordgo.New("Bot " + d.token)
	if err != nil {
		return err
	}
	session.Identify.Intents = discordgo.IntentsGuildMessages | discordgo.IntentsDirectMessages | discordgo.IntentMessageContent
	d.session = session

	session.AddHandler(func(s *discordgo.Session, r *discordgo.Ready) {
		log.Info().Str("user", r.User.Username).Msg("discord session ready")
	})

	session.AddHandler(func(s *discordgo.Session, m *discordgo.MessageCreate) {
		d.receive(ctx, s.State.User.ID, m.Message)
	})

	if err := session.Open(); err != nil {
		return err
	}

	go func() {
		<-ctx.Done()
		session.Close()
	}()

	return nil
}

// receive converts and queues one message. It holds an inbox slot for the
// whole conversion, so Stop waits for in-flight attachment downloads.
func (d *DiscordAdapter) receive(ctx context.Context, botID string, m *discordgo.Message) {
	if m.Author == nil || m.Author.ID == botID {
		return
	}
	if !d.inbox.Enter() {
		return
	}
	defer d.inbox.Leave()
	d.inbox.Deliver(ctx, d.convert(ctx, botID, m))
}

// convert builds a channel message, downloading attachments. Attachments
// that cannot be fetched are logged and left out.
func (d *DiscordAdapter) convert(ctx context.Context, botID string, m *discordgo.Message) *channel.Message {
	msg := &channel.Message{
		ID:             m.ID,
		Surface:        "discord",
		ConversationID: m.ChannelID,
		DM:             m.GuildID == "",
		Author: channel.Author{
			ID:   m.Author.ID,
			Name: m.Author.Username,
			Bot:  m.Author.Bot,
		},
		Text:      stripMentions(m.Content, botID),
		Mentioned: isMentioned(botID, m.Mentions),
		Timestamp: m.Timestamp.Unix(),
	}

	for _, a := range m.Attachments {
		data, err := channel.Download(ctx, d.client, a.URL)
		if err != nil {
			log.Warn().Err(err).Str("file", a.Filename).Msg("discord attachment download failed")
			continue
		}
		msg.Files = append(msg.Files, channel.File{
			Name:        a.Filename,
			ContentType: a.ContentType,
			Data:        data,
		})
	}
	return msg
}

func (d *DiscordAdapter) Stop() error {
	if d.session != nil {
		d.session.Close()
	}
	d.inbox.Close()
	return nil
}

// Send posts plain text, or an embed for rich messages.
func (d *DiscordAdapter) Send(ctx context.Context, channelID string, out channel.Outbound) (string, error) {
	if d.session == nil {
		return "", fmt.Errorf("discord session not started")
	}

	var (
		sent *discordgo.Message
		err  error
	)
	if out.Rich {
		sent, err = d.session.ChannelMessageSendEmbed(channelID, &discordgo.MessageEmbed{
			Description: out.Text,
			Color:       EmbedColor,
		}, discordgo.WithContext(ctx))
	} else {
		sent, err = d.session.ChannelMessageSend(channelID, out.Text, discordgo.WithContext(ctx))
	}
	if err != nil {
		return "", err
	}
	return sent.ID, nil
}

func (d *DiscordAdapter) Delete(ctx context.Context, channelID, messageID string) error {
	if d.session == nil {
		return fmt.Errorf("discord session not started")
	}
	return d.session.ChannelMessageDelete(channelID, messageID, discordgo.WithContext(ctx))
}

func (d *DiscordAdapter) Incoming() <-chan *channel.Message {
	return d.inbox.C()
}

func isMentioned(botID string, mentions []*discordgo.User) bool {
	for _, mention := range mentions {
		if mention != nil && mention.ID == botID {
			return true
		}
	}
	return false
}

// stripMentions removes the bot's own mention tokens from content.
func stripMentions(content, botID string) string {
	out := mentionPattern.ReplaceAllStringFunc(content, func(tok string) string {
		if mentionPattern.FindStringSubmatch(tok)[1] == botID {
			return ""
		}
		return tok
	})
	return strings.TrimSpace(out)
}
