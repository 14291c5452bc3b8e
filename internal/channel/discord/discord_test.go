package discord

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestName(t *testing.T) {
	adapter := NewDiscordAdapter("token")
	assert.Equal(t, "discord", adapter.Name())
	assert.Equal(t, 2000, adapter.MaxMessageLength())
	assert.True(t, adapter.IsEnabled())
	assert.False(t, NewDiscordAdapter("").IsEnabled())
}

func TestStripMentions(t *testing.T) {
	assert.Equal(t, "hello there", stripMentions("<@42> hello there", "42"))
	assert.Equal(t, "hi", stripMentions("<@!42>   hi", "42"))
	assert.Equal(t, "ask <@7> too", stripMentions("<@42> ask <@7> too", "42"))
}

func TestConvert(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/notes.txt" {
			w.Write([]byte("file body"))
			return
		}
		http.NotFound(w, r)
	}))
	t.Cleanup(server.Close)

	adapter := NewDiscordAdapter("token")
	msg := adapter.convert(t.Context(), "42", &discordgo.Message{
		ID:        "m1",
		ChannelID: "c1",
		GuildID:   "g1",
		Content:   "<@42> summarise this",
		Author:    &discordgo.User{ID: "u1", Username: "ada"},
		Mentions:  []*discordgo.User{{ID: "42"}},
		Timestamp: time.Unix(1700000000, 0),
		Attachments: []*discordgo.MessageAttachment{
			{Filename: "notes.txt", ContentType: "text/plain", URL: server.URL + "/notes.txt"},
			{Filename: "gone.txt", URL: server.URL + "/gone.txt"},
		},
	})

	assert.Equal(t, "discord", msg.Surface)
	assert.Equal(t, "c1", msg.ConversationID)
	assert.False(t, msg.DM)
	assert.True(t, msg.Mentioned)
	assert.True(t, msg.Addressed())
	assert.Equal(t, "summarise this", msg.Text)
	assert.Equal(t, "ada", msg.Author.Name)
	assert.EqualValues(t, 1700000000, msg.Timestamp)

	require.Len(t, msg.Files, 1)
	assert.Equal(t, "notes.txt", msg.Files[0].Name)
	assert.Equal(t, []byte("file body"), msg.Files[0].Data)
}

func TestConvert_DirectMessage(t *testing.T) {
	msg := NewDiscordAdapter("token").convert(t.Context(), "42", &discordgo.Message{
		ID:        "m2",
		ChannelID: "dm1",
		Content:   "hi",
		Author:    &discordgo.User{ID: "u1", Username: "ada"},
	})
	assert.True(t, msg.DM)
	assert.False(t, msg.Mentioned)
	assert.True(t, msg.Addressed())
}

func TestStopWaitsForInflightDownload(t *testing.T) {
	arrived := make(chan struct{})
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		close(arrived)
		<-release
		w.Write([]byte("late body"))
	}))
	t.Cleanup(server.Close)

	adapter := NewDiscordAdapter("token")
	received := make(chan struct{})
	go func() {
		adapter.receive(t.Context(), "42", &discordgo.Message{
			ID:          "m1",
			ChannelID:   "dm1",
			Author:      &discordgo.User{ID: "u1", Username: "ada"},
			Attachments: []*discordgo.MessageAttachment{{Filename: "a.txt", URL: server.URL + "/a.txt"}},
		})
		close(received)
	}()

	// Shut down while the handler is mid-download.
	<-arrived
	stopped := make(chan struct{})
	go func() {
		adapter.Stop()
		close(stopped)
	}()
	select {
	case <-stopped:
		t.Fatal("Stop returned before the in-flight handler finished")
	case <-time.After(20 * time.Millisecond):
	}
	close(release)

	<-received
	<-stopped

	var got []string
	for m := range adapter.Incoming() {
		got = append(got, m.ID)
	}
	assert.Equal(t, []string{"m1"}, got)
}

func TestReceiveIgnoresOwnMessages(t *testing.T) {
	adapter := NewDiscordAdapter("token")
	adapter.receive(t.Context(), "42", &discordgo.Message{ID: "m1", Author: &discordgo.User{ID: "42"}})
	adapter.Stop()

	_, ok := <-adapter.Incoming()
	assert.False(t, ok)
}
