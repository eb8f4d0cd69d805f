/*
 * Copyright (c) 2025 by Alexander Drost, Oldenburg, Germany.
 * This file is licensed to you under the Apache License, Version 2.0 (the "License"); you may not use this file except in compliance with the License.  You may obtain a copy of the License at
 *   http://www.apache.org/licenses/LICENSE-2.0
 * Unless required by applicable law or agreed to in writing, software distributed under the License is distributed on an
 * "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.  See the License for the specific language governing permissions and limitations under the License.
 */

package speech

import (
	"context"
	"encoding/base64"
	"fmt"
	"mime"
	"net/url"
	"strconv"
	"strings"

	"gocomicnarrator/internal/modelapi"
)

// HTTPModel speaks the generateContent dialect: text parts in, inline
// base64 PCM parts out, each tagged audio/L16;rate=N.
type HTTPModel struct {
	t *modelapi.Transport
}

// NewHTTPModel expects a transport whose AuthHeader is "x-goog-api-key" with
// an empty prefix when talking to the hosted API.
func NewHTTPModel(t *modelapi.Transport) *HTTPModel { return &HTTPModel{t: t} }

type part struct {
	Text       string      `json:"text,omitempty"`
	InlineData *inlineData `json:"inlineData,omitempty"`
}

type inlineData struct {
	MimeType string `json:"mimeType"`
	Data     string `json:"data"`
}

type content struct {
	Role  string `json:"role,omitempty"`
	Parts []part `json:"parts"`
}

type voiceConfig struct {
	PrebuiltVoiceConfig struct {
		VoiceName string `json:"voiceName"`
	} `json:"prebuiltVoiceConfig"`
}

type generateRequest struct {
	Contents         []content `json:"contents"`
	GenerationConfig struct {
		ResponseModalities []string `json:"responseModalities"`
		SpeechConfig       struct {
			VoiceConfig voiceConfig `json:"voiceConfig"`
		} `json:"speechConfig"`
	} `json:"generationConfig"`
	AudioConfig *audioConfig `json:"audioConfig,omitempty"`
}

type audioConfig struct {
	SpeakingRate float64 `json:"speakingRate,omitempty"`
	Pitch        float64 `json:"pitch,omitempty"`
	VolumeGainDB float64 `json:"volumeGainDb,omitempty"`
}

type generateResponse struct {
	Candidates []struct {
		Content      content `json:"content"`
		FinishReason string  `json:"finishReason"`
	} `json:"candidates"`
	PromptFeedback *struct {
		BlockReason string `json:"blockReason"`
	} `json:"promptFeedback"`
}

func (m *HTTPModel) Synthesize(ctx context.Context, model string, req Request) (Response, error) {
	var body generateRequest
	parts := make([]part, 0, 2)
	if prev := strings.TrimSpace(req.PreviousText); prev != "" {
		parts = append(parts, part{Text: prev})
	}
	parts = append(parts, part{Text: strings.TrimSpace(req.Text)})
	body.Contents = []content{{Role: "user", Parts: parts}}
	body.GenerationConfig.ResponseModalities = []string{"AUDIO"}
	body.GenerationConfig.SpeechConfig.VoiceConfig.PrebuiltVoiceConfig.VoiceName = req.Voice
	if req.Rate != 0 || req.Pitch != 0 || req.VolumeGainDB != 0 {
		body.AudioConfig = &audioConfig{SpeakingRate: req.Rate, Pitch: req.Pitch, VolumeGainDB: req.VolumeGainDB}
	}

	var resp generateResponse
	path := "/models/" + url.PathEscape(model) + ":generateContent"
	if err := m.t.PostJSON(ctx, path, body, &resp); err != nil {
		return Response{}, err
	}
	out := Response{}
	if resp.PromptFeedback != nil && resp.PromptFeedback.BlockReason != "" {
		out.FinishReason = resp.PromptFeedback.BlockReason
	}
	if len(resp.Candidates) == 0 {
		return out, nil
	}
	c := resp.Candidates[0]
	out.FinishReason = c.FinishReason
	for _, p := range c.Content.Parts {
		if p.InlineData == nil || !strings.HasPrefix(strings.ToLower(p.InlineData.MimeType), "audio/") {
			continue
		}
		pcm, err := base64.StdEncoding.DecodeString(p.InlineData.Data)
		if err != nil {
			return Response{}, fmt.Errorf("decode audio part: %w", err)
		}
		out.Segments = append(out.Segments, Segment{PCM: pcm, SampleRate: SampleRate(p.InlineData.MimeType)})
	}
	return out, nil
}

// SampleRate reads the rate parameter of an audio MIME type such as
// "audio/L16;codec=pcm;rate=24000". It returns 0 when absent.
func SampleRate(mimeType string) int {
	_, params, err := mime.ParseMediaType(mimeType)
	if err != nil {
		return 0
	}
	n, err := strconv.Atoi(params["rate"])
	if err != nil || n <= 0 {
		return 0
	}
	return n
}
