package types

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBlocks_DecodesLegacyString(t *testing.T) {
	var turn Turn
	err := json.Unmarshal([]byte(`{"id":"t1","role":"user","content":"hello"}`), &turn)
	require.NoError(t, err)

	require.Len(t, turn.Blocks, 1)
	assert.Equal(t, BlockText, turn.Blocks[0].Type)
	assert.Equal(t, "hello", turn.Blocks[0].Text)
}

func TestBlocks_RoundTripsBlockList(t *testing.T) {
	in := Turn{
		ID:     "t2",
		Role:   RoleUser,
		Blocks: []Block{TextBlock("see image"), ImageRef("image/png", "att-1")},
	}
	data, err := json.Marshal(in)
	require.NoError(t, err)

	var out Turn
	require.NoError(t, json.Unmarshal(data, &out))
	require.Len(t, out.Blocks, 2)
	assert.Equal(t, "see image", out.Blocks[0].Text)
	assert.True(t, out.Blocks[1].Image.IsReference())
	assert.Equal(t, "att-1", out.Blocks[1].Image.AttachmentID)
}

func TestBlock_Validate(t *testing.T) {
	assert.NoError(t, TextBlock("x").Validate())
	assert.NoError(t, InlineImage("image/jpeg", []byte{1}).Validate())
	assert.NoError(t, ImageRef("image/jpeg", "a").Validate())

	both := Block{Type: BlockImage, Image: &ImageSource{MediaType: "image/png", Data: []byte{1}, AttachmentID: "a"}}
	assert.Error(t, both.Validate())
	assert.Error(t, Block{Type: BlockImage}.Validate())
	assert.Error(t, Block{Type: "audio"}.Validate())
	assert.Error(t, TextBlock("").Validate())
	assert.Error(t, TextBlock(" \n\t").Validate())
}

func TestTurn_Text(t *testing.T) {
	turn := Turn{Blocks: []Block{TextBlock("a"), InlineImage("image/png", []byte{1}), TextBlock("b")}}
	assert.Equal(t, "a\nb", turn.Text())
}

func TestErrors_Is(t *testing.T) {
	pe := &ProviderError{Provider: "anthropic", Status: 529, Err: errors.New("overloaded")}
	assert.True(t, errors.Is(pe, ErrProvider))
	assert.Contains(t, pe.Error(), "529")

	var target *ProviderError
	assert.True(t, errors.As(error(pe), &target))

	assert.True(t, errors.Is(&MissingResourceError{Kind: "attachment", ID: "x"}, ErrMissingResource))
	assert.True(t, errors.Is(&ConfigurationError{Field: "rounds", Reason: "too high"}, ErrConfiguration))

	ie := &IngestError{File: "a.pdf", Stage: "title", Err: errors.New("boom")}
	assert.True(t, errors.Is(ie, ErrIngest))
	assert.Equal(t, "ingest a.pdf: title: boom", ie.Error())
}
