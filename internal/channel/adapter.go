// Package channel defines the chat surfaces the relay talks to.
package channel

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"
)

// MaxFileSize bounds a single downloaded attachment (25MB).
const MaxFileSize = 25 * 1024 * 1024

// Author identifies who sent a message.
type Author struct {
	ID   string
	Name string
	Bot  bool
}

// File is an attachment delivered with a message.
type File struct {
	Name        string
	ContentType string
	Data        []byte
}

// Message represents an inbound message from a surface.
type Message struct {
	ID             string
	Surface        string
	ConversationID string // channel or chat the message was posted in
	DM             bool
	Author         Author
	Text           string // mention tokens already removed
	Mentioned      bool
	Files          []File
	Timestamp      int64
}

// Addressed reports whether the relay should answer the message.
func (m *Message) Addressed() bool {
	return m.DM || m.Mentioned
}

// Outbound is a message to post. Rich messages use the surface's richer
// formatting (embeds on Discord) when it has one.
type Outbound struct {
	Text string
	Rich bool
}

// Surface posts to and deletes from one chat service.
type Surface interface {
	// Name returns the surface identifier.
	Name() string

	// MaxMessageLength is the longest text a single message may carry.
	MaxMessageLength() int

	// Send posts a message and returns its ID.
	Send(ctx context.Context, conversationID string, out Outbound) (string, error)

	// Delete removes a previously sent message.
	Delete(ctx context.Context, conversationID, messageID string) error
}

// Adapter is a surface that also receives messages.
type Adapter interface {
	Surface

	// Start connects and begins delivering messages on Incoming.
	Start(ctx context.Context) error

	// Stop disconnects and closes Incoming.
	Stop() error

	// Incoming returns a channel of inbound messages.
	Incoming() <-chan *Message

	// IsEnabled returns whether the adapter is configured.
	IsEnabled() bool
}

// Download fetches an attachment URL with a size bound.
func Download(ctx context.Context, client *http.Client, url string) ([]byte, error) {
	if client == nil {
		client = &http.Client{Timeout: 60 * time.Second}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("create download request: %w", err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("download attachment: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("download attachment: status %d", resp.StatusCode)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, MaxFileSize+1))
	if err != nil {
		return nil, fmt.Errorf("read attachment: %w", err)
	}
	if len(data) > MaxFileSize {
		return nil, fmt.Errorf("attachment larger than %d bytes", MaxFileSize)
	}
	return data, nil
}
