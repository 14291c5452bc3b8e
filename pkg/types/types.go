// Package types defines shared types used across all relay modules.
package types

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// ═══════════════════════════════════════════════════════════════════════════════
// TOKEN ESTIMATION
// ═══════════════════════════════════════════════════════════════════════════════

// CharsPerToken is the heuristic for token estimation (~4 chars per token).
// This is a common approximation for English text with LLM tokenizers.
const CharsPerToken = 4

// EstimateTokens provides a rough token estimate for a given text.
func EstimateTokens(text string) int {
	return len(text) / CharsPerToken
}

// ═══════════════════════════════════════════════════════════════════════════════
// CONVERSATION TYPES
// ═══════════════════════════════════════════════════════════════════════════════

// Role identifies who produced a turn.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Author identifies the human or bot behind a user turn.
type Author struct {
	ID   string `json:"id"`
	Name string `json:"name,omitempty"`
	Bot  bool   `json:"bot,omitempty"`
}

// Turn is one message in a conversation log.
type Turn struct {
	ID      string  `json:"id"`
	Role    Role    `json:"role"`
	Author  *Author `json:"author,omitempty"`
	Blocks  Blocks  `json:"content"`
	ReplyTo string  `json:"reply_to,omitempty"` // assistant turns: the user turn answered

	CreatedAt time.Time `json:"created_at"`
}

// Text concatenates the text blocks of a turn, separated by newlines.
func (t Turn) Text() string {
	var out string
	for _, b := range t.Blocks {
		if b.Type != BlockText {
			continue
		}
		if out != "" {
			out += "\n"
		}
		out += b.Text
	}
	return out
}

// ═══════════════════════════════════════════════════════════════════════════════
// CONTENT BLOCKS
// ═══════════════════════════════════════════════════════════════════════════════

// BlockType tags a content block.
type BlockType string

const (
	BlockText  BlockType = "text"
	BlockImage BlockType = "image"
)

// ImageSource carries an image either inline or as a reference to a stored
// attachment. Exactly one of Data or AttachmentID is set.
type ImageSource struct {
	MediaType    string `json:"media_type"`
	Data         []byte `json:"data,omitempty"`
	AttachmentID string `json:"attachment_id,omitempty"`
}

// IsReference reports whether the image must be resolved before use.
func (s *ImageSource) IsReference() bool {
	return s != nil && s.AttachmentID != "" && len(s.Data) == 0
}

// Block is a single unit of message content.
type Block struct {
	Type  BlockType    `json:"type"`
	Text  string       `json:"text,omitempty"`
	Image *ImageSource `json:"image,omitempty"`
}

// TextBlock builds a text block.
func TextBlock(text string) Block {
	return Block{Type: BlockText, Text: text}
}

// InlineImage builds an image block carrying its bytes.
func InlineImage(mediaType string, data []byte) Block {
	return Block{Type: BlockImage, Image: &ImageSource{MediaType: mediaType, Data: data}}
}

// ImageRef builds an image block pointing at a stored attachment.
func ImageRef(mediaType, attachmentID string) Block {
	return Block{Type: BlockImage, Image: &ImageSource{MediaType: mediaType, AttachmentID: attachmentID}}
}

// Validate checks the block's tag against its payload.
func (b Block) Validate() error {
	switch b.Type {
	case BlockText:
		if b.IsBlank() {
			return fmt.Errorf("text block is empty")
		}
		return nil
	case BlockImage:
		if b.Image == nil {
			return fmt.Errorf("image block without source")
		}
		hasData := len(b.Image.Data) > 0
		hasRef := b.Image.AttachmentID != ""
		if hasData == hasRef {
			return fmt.Errorf("image block must carry exactly one of data or attachment reference")
		}
		return nil
	default:
		return fmt.Errorf("unknown block type %q", b.Type)
	}
}

// IsBlank reports whether b is a text block with nothing but whitespace.
func (b Block) IsBlank() bool {
	return b.Type == BlockText && strings.TrimSpace(b.Text) == ""
}

// Blocks is the persisted content of a turn. It decodes both the block list
// and the legacy plain-string form, so stored logs never need migrating.
type Blocks []Block

// UnmarshalJSON accepts either a JSON array of blocks or a bare string.
func (bs *Blocks) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		*bs = Blocks{TextBlock(s)}
		return nil
	}
	var list []Block
	if err := json.Unmarshal(data, &list); err != nil {
		return fmt.Errorf("decode content blocks: %w", err)
	}
	*bs = list
	return nil
}

// ═══════════════════════════════════════════════════════════════════════════════
// ATTACHMENTS
// ═══════════════════════════════════════════════════════════════════════════════

// Attachment is a stored binary object. It is immutable after creation.
type Attachment struct {
	ID              string    `json:"id"`
	OwnerID         string    `json:"owner_id"`
	ConversationKey string    `json:"conversation_key"`
	Filename        string    `json:"filename"`
	MediaType       string    `json:"media_type"`
	Data            []byte    `json:"-"`
	CreatedAt       time.Time `json:"created_at"`
}

// ═══════════════════════════════════════════════════════════════════════════════
// PREFERENCES
// ═══════════════════════════════════════════════════════════════════════════════

// ReasoningMode selects how a user's requests are answered.
type ReasoningMode string

const (
	ReasoningPlain  ReasoningMode = "plain"
	ReasoningScaled ReasoningMode = "scaled"
)

// DefaultReasoningRounds is used until a user picks a round count.
const DefaultReasoningRounds = 3

// Preference is the per-user routing state.
type Preference struct {
	UserID          string        `json:"user_id"`
	ReasoningMode   ReasoningMode `json:"reasoning_mode"`
	ReasoningRounds int           `json:"reasoning_rounds"`
	RAGEnabled      bool          `json:"rag_enabled"`
	UpdatedAt       time.Time     `json:"updated_at"`
}

// DefaultPreference returns the preference a user starts with.
func DefaultPreference(userID string) Preference {
	return Preference{
		UserID:          userID,
		ReasoningMode:   ReasoningPlain,
		ReasoningRounds: DefaultReasoningRounds,
	}
}

// ═══════════════════════════════════════════════════════════════════════════════
// EVIDENCE MANIFEST
// ═══════════════════════════════════════════════════════════════════════════════

// ManifestEntry records bibliographic metadata for one corpus file.
// FileLocation is relative to the papers directory.
type ManifestEntry struct {
	FileLocation string    `json:"file_location"`
	Title        string    `json:"title"`
	DOI          string    `json:"doi,omitempty"`
	Citation     string    `json:"citation,omitempty"`
	UpdatedAt    time.Time `json:"updated_at"`
}
