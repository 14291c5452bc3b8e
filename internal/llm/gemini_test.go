package llm

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/normanking/cortex-relay/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/genai"
)

func TestToGenAIParts(t *testing.T) {
	parts, err := toGenAIParts([]types.Block{
		types.TextBlock("look"),
		types.TextBlock(" "),
		types.InlineImage("image/jpeg", []byte{1, 2, 3}),
	})
	require.NoError(t, err)
	require.Len(t, parts, 2)
	assert.Equal(t, "look", parts[0].Text)
	require.NotNil(t, parts[1].InlineData)
	assert.Equal(t, "image/jpeg", parts[1].InlineData.MIMEType)

	_, err = toGenAIParts([]types.Block{types.ImageRef("image/png", "x")})
	assert.Error(t, err)
}

func TestToGenAIContents_Roles(t *testing.T) {
	contents, err := toGenAIContents([]Message{
		Text(types.RoleUser, "what is 2+2?"),
		Text(types.RoleAssistant, "4"),
		Text(types.RoleUser, "and 3+3?"),
	})
	require.NoError(t, err)
	require.Len(t, contents, 3)
	assert.Equal(t, string(genai.RoleUser), contents[0].Role)
	assert.Equal(t, string(genai.RoleModel), contents[1].Role)
	assert.Equal(t, string(genai.RoleUser), contents[2].Role)
	assert.Equal(t, "4", contents[1].Parts[0].Text)

	_, err = toGenAIContents([]Message{{Role: types.RoleUser, Blocks: []types.Block{types.ImageRef("image/png", "x")}}})
	assert.ErrorContains(t, err, "message 0")
}

func TestGeminiComplete(t *testing.T) {
	var body map[string]any
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.True(t, strings.HasSuffix(r.URL.Path, "gemini-2.0-flash:generateContent"), r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"candidates": []map[string]any{{
				"content":      map[string]any{"role": "model", "parts": []map[string]string{{"text": "6"}}},
				"finishReason": "STOP",
			}},
			"usageMetadata": map[string]int{"promptTokenCount": 9, "candidatesTokenCount": 1},
		})
	}))
	t.Cleanup(server.Close)

	provider := NewGeminiProvider(&ProviderConfig{Endpoint: server.URL, APIKey: "test-key"})
	assert.Equal(t, "gemini", provider.Name())
	assert.True(t, provider.Available())

	resp, err := provider.Complete(t.Context(), &Request{
		System: "be brief",
		Messages: []Message{
			Text(types.RoleUser, "what is 2+2?"),
			Text(types.RoleAssistant, "4"),
			Text(types.RoleUser, "and 3+3?"),
		},
	})
	require.NoError(t, err)
	assert.Equal(t, "6", resp.Text)
	assert.Equal(t, "STOP", resp.StopReason)
	assert.Equal(t, 9, resp.InputTokens)
	assert.Equal(t, 1, resp.OutputTokens)

	contents, ok := body["contents"].([]any)
	require.True(t, ok)
	require.Len(t, contents, 3)
	assert.Equal(t, "model", contents[1].(map[string]any)["role"])
	assert.Contains(t, body, "systemInstruction")
}

func TestGeminiComplete_MissingKey(t *testing.T) {
	provider := NewGeminiProvider(&ProviderConfig{})
	assert.False(t, provider.Available())

	_, err := provider.Complete(t.Context(), &Request{Messages: []Message{Text(types.RoleUser, "hi")}})
	assert.Error(t, err)
}
