package webchat

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/normanking/cortex-relay/internal/channel"
	"github.com/rs/zerolog/log"
)

// MaxMessageLength bounds a single outbound frame's text.
const MaxMessageLength = 8000

// WebChatAdapter serves a websocket chat at /ws. Each connection is its own
// DM conversation. The author is taken from the user_id and name query
// parameters as given, with no authentication, so any client can speak as
// any user, including running !forget for them. Bind it to loopback (the
// default) or put an authenticating proxy in front of it.
type WebChatAdapter struct {
	addr     string
	inbox    *channel.Inbox
	upgrader websocket.Upgrader
	conns    map[string]*conn
	connMux  sync.RWMutex
	server   *http.Server
}

type conn struct {
	ws *websocket.Conn
	mu sync.Mutex // gorilla allows one concurrent writer
}

func (c *conn) writeJSON(v any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ws.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return c.ws.WriteJSON(v)
}

// WSFile is an attachment carried in a frame; Data is base64 in JSON.
type WSFile struct {
	Name        string `json:"name"`
	ContentType string `json:"content_type,omitempty"`
	Data        []byte `json:"data"`
}

// WSMessage is the frame format in both directions.
type WSMessage struct {
	Type    string   `json:"type"` // "message" or "delete"
	ID      string   `json:"id,omitempty"`
	Content string   `json:"content,omitempty"`
	Rich    bool     `json:"rich,omitempty"`
	Files   []WSFile `json:"files,omitempty"`
}

func NewWebChatAdapter(addr string) *WebChatAdapter {
	return &WebChatAdapter{
		addr:     addr,
		inbox:    channel.NewInbox(100),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		conns: make(map[string]*conn),
	}
}

func (w *WebChatAdapter) Name() string {
	return "webchat"
}

func (w *WebChatAdapter) MaxMessageLength() int {
	return MaxMessageLength
}

func (w *WebChatAdapter) IsEnabled() bool {
	return w.addr != ""
}

// Handler returns the websocket endpoint mux.
func (w *WebChatAdapter) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", w.wsHandler)
	return mux
}

func (w *WebChatAdapter) Start(ctx context.Context) error {
	w.server = &http.Server{
		Addr:              w.addr,
		Handler:           w.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.Info().Str("addr", w.addr).Msg("webchat listening")
		if err := w.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("webchat server error")
		}
	}()

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		w.server.Shutdown(shutdownCtx)
		w.closeAll()
	}()

	return nil
}

func (w *WebChatAdapter) Stop() error {
	w.closeAll()
	w.inbox.Close()
	return nil
}

func (w *WebChatAdapter) closeAll() {
	w.connMux.Lock()
	defer w.connMux.Unlock()
	for id, c := range w.conns {
		c.ws.Close()
		delete(w.conns, id)
	}
}

func (w *WebChatAdapter) Send(ctx context.Context, connID string, out channel.Outbound) (string, error) {
	c := w.lookup(connID)
	if c == nil {
		return "", fmt.Errorf("webchat connection %q not found", connID)
	}
	id := uuid.NewString()
	if err := c.writeJSON(WSMessage{Type: "message", ID: id, Content: out.Text, Rich: out.Rich}); err != nil {
		return "", err
	}
	return id, nil
}

func (w *WebChatAdapter) Delete(ctx context.Context, connID, messageID string) error {
	c := w.lookup(connID)
	if c == nil {
		return fmt.Errorf("webchat connection %q not found", connID)
	}
	return c.writeJSON(WSMessage{Type: "delete", ID: messageID})
}

func (w *WebChatAdapter) Incoming() <-chan *channel.Message {
	return w.inbox.C()
}

func (w *WebChatAdapter) lookup(connID string) *conn {
	w.connMux.RLock()
	defer w.connMux.RUnlock()
	return w.conns[connID]
}

func (w *WebChatAdapter) wsHandler(rw http.ResponseWriter, r *http.Request) {
	ws, err := w.upgrader.Upgrade(rw, r, nil)
	if err != nil {
		log.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}
	ws.SetReadLimit(channel.MaxFileSize * 2)

	userID := r.URL.Query().Get("user_id")
	if userID == "" {
		userID = "anonymous-" + uuid.NewString()
	}
	name := r.URL.Query().Get("name")
	if name == "" {
		name = userID
	}
	connID := userID + "/" + uuid.NewString()[:8]

	w.connMux.Lock()
	w.conns[connID] = &conn{ws: ws}
	w.connMux.Unlock()

	defer func() {
		w.connMux.Lock()
		delete(w.conns, connID)
		w.connMux.Unlock()
		ws.Close()
	}()

	for {
		var frame WSMessage
		if err := ws.ReadJSON(&frame); err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Debug().Err(err).Str("conn", connID).Msg("websocket read ended")
			}
			return
		}
		if frame.Type != "message" {
			continue
		}

		msg := &channel.Message{
			ID:             uuid.NewString(),
			Surface:        "webchat",
			ConversationID: connID,
			DM:             true,
			Author:         channel.Author{ID: userID, Name: name},
			Text:           frame.Content,
			Timestamp:      time.Now().Unix(),
		}
		for _, f := range frame.Files {
			msg.Files = append(msg.Files, channel.File{Name: f.Name, ContentType: f.ContentType, Data: f.Data})
		}

		if !w.inbox.Enter() {
			return
		}
		ok := w.inbox.Deliver(r.Context(), msg)
		w.inbox.Leave()
		if !ok {
			return
		}
	}
}
