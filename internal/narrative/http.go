/*
 * Copyright (c) 2025 by Alexander Drost, Oldenburg, Germany.
 * This file is licensed to you under the Apache License, Version 2.0 (the "License"); you may not use this file except in compliance with the License.  You may obtain a copy of the License at
 *   http://www.apache.org/licenses/LICENSE-2.0
 * Unless required by applicable law or agreed to in writing, software distributed under the License is distributed on an
 * "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.  See the License for the specific language governing permissions and limitations under the License.
 */

package narrative

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/xeipuuv/gojsonschema"

	"gocomicnarrator/internal/modelapi"
)

// HTTPModel talks to an OpenAI-compatible chat completions endpoint. Panel
// images travel as data URLs; the answer must be a JSON object matching
// resultSchema.
type HTTPModel struct {
	t *modelapi.Transport
}

func NewHTTPModel(t *modelapi.Transport) *HTTPModel {
	return &HTTPModel{t: t}
}

const resultSchema = `{
  "type": "object",
  "required": ["panels"],
  "properties": {
    "panels": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["panelId", "text"],
        "properties": {
          "panelId":   {"type": "string", "minLength": 1},
          "text":      {"type": "object", "additionalProperties": {"type": "string"}},
          "keyAction": {"type": "string"},
          "dialogue":  {"type": "string"},
          "tone":      {"type": "string"}
        }
      }
    }
  }
}`

var schema = mustSchema(resultSchema)

func mustSchema(s string) *gojsonschema.Schema {
	sc, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(s))
	if err != nil {
		panic(fmt.Sprintf("narrative schema: %v", err))
	}
	return sc
}

type chatRequest struct {
	Model          string            `json:"model"`
	Messages       []chatMessage     `json:"messages"`
	Temperature    float64           `json:"temperature"`
	ResponseFormat map[string]string `json:"response_format"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content any    `json:"content"`
}

type contentPart struct {
	Type     string    `json:"type"`
	Text     string    `json:"text,omitempty"`
	ImageURL *imageURL `json:"image_url,omitempty"`
}

type imageURL struct {
	URL string `json:"url"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
			Refusal string `json:"refusal"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error"`
}

func (m *HTTPModel) Generate(ctx context.Context, model string, req Request) ([]Result, error) {
	payload := chatRequest{
		Model: model,
		Messages: []chatMessage{
			{Role: "system", Content: systemPrompt(req)},
			{Role: "user", Content: userParts(req)},
		},
		ResponseFormat: map[string]string{"type": "json_object"},
	}
	var resp chatResponse
	if err := m.t.PostJSON(ctx, "/chat/completions", payload, &resp); err != nil {
		return nil, err
	}
	if resp.Error != nil {
		return nil, fmt.Errorf("api error: %s", strings.TrimSpace(resp.Error.Message))
	}
	if len(resp.Choices) == 0 {
		return nil, errors.New("empty choices")
	}
	c := resp.Choices[0]
	if strings.TrimSpace(c.Message.Content) == "" {
		return nil, fmt.Errorf("empty content (finish_reason=%q, refusal=%q)", c.FinishReason, c.Message.Refusal)
	}
	return DecodeResults(c.Message.Content)
}

// DecodeResults validates model output against the result schema and
// decodes it. Code fences and prose around the JSON object are tolerated.
func DecodeResults(content string) ([]Result, error) {
	raw := sanitizeJSON(content)
	if raw == "" {
		return nil, errors.New("empty payload")
	}
	v, err := schema.Validate(gojsonschema.NewStringLoader(raw))
	if err != nil {
		return nil, fmt.Errorf("parse payload: %w (snippet: %s)", err, modelapi.Snippet(raw))
	}
	if !v.Valid() {
		msgs := make([]string, 0, len(v.Errors()))
		for _, e := range v.Errors() {
			msgs = append(msgs, e.String())
		}
		return nil, fmt.Errorf("payload does not match schema: %s", strings.Join(msgs, "; "))
	}
	var out struct {
		Panels []Result `json:"panels"`
	}
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return nil, fmt.Errorf("decode payload: %w", err)
	}
	return out.Panels, nil
}

func sanitizeJSON(content string) string {
	s := strings.TrimSpace(content)
	if strings.HasPrefix(s, "```") {
		s = strings.TrimLeft(s[3:], " \t\r\n")
		if len(s) >= 4 && strings.EqualFold(s[:4], "json") {
			s = s[4:]
		}
		if i := strings.LastIndex(s, "```"); i >= 0 {
			s = s[:i]
		}
		s = strings.TrimSpace(s)
	}
	if s == "" || s[0] == '{' {
		return s
	}
	if start := strings.Index(s, "{"); start >= 0 {
		if end := strings.LastIndex(s, "}"); end > start {
			return s[start : end+1]
		}
	}
	return s
}

func systemPrompt(req Request) string {
	var b strings.Builder
	b.WriteString("You narrate comic panels for an audio adaptation. ")
	b.WriteString("The panels of one chapter follow in reading order; keep the story continuous across them. ")
	b.WriteString("Answer with a single JSON object {\"panels\": [...]} holding exactly one entry per panel id, ")
	b.WriteString("each with \"panelId\", \"text\" (an object keyed by language code), \"keyAction\", \"dialogue\" and \"tone\". ")
	fmt.Fprintf(&b, "Write \"text\" in every one of these languages: %s.", strings.Join(req.Languages, ", "))
	if notes := strings.TrimSpace(req.CharacterNotes); notes != "" {
		b.WriteString("\n\nCharacter notes:\n")
		b.WriteString(notes)
	}
	return b.String()
}

func userParts(req Request) []contentPart {
	parts := make([]contentPart, 0, 2*len(req.Panels)+1)
	if ctx := strings.TrimSpace(req.TrailingContext); ctx != "" {
		parts = append(parts, contentPart{Type: "text", Text: "The previous chapter ended with: " + ctx})
	}
	ids := make([]string, len(req.Panels))
	for i, p := range req.Panels {
		ids[i] = p.ID
	}
	parts = append(parts, contentPart{Type: "text", Text: "Panel ids in order: " + strings.Join(ids, ", ")})
	for _, p := range req.Panels {
		parts = append(parts,
			contentPart{Type: "text", Text: "Panel " + p.ID + ":"},
			contentPart{Type: "image_url", ImageURL: &imageURL{URL: dataURL(p)}})
	}
	return parts
}

func dataURL(p Panel) string {
	mime := p.MIME
	if mime == "" {
		mime = http.DetectContentType(p.Image)
	}
	return "data:" + mime + ";base64," + base64.StdEncoding.EncodeToString(p.Image)
}
