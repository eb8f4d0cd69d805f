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
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"gocomicnarrator/internal/fallback"
	"gocomicnarrator/internal/modelapi"
)

func batch(ids ...string) Request {
	req := Request{Languages: []string{"en", "de"}}
	for _, id := range ids {
		req.Panels = append(req.Panels, Panel{ID: id, Image: []byte{0x89, 'P', 'N', 'G'}, MIME: "image/png"})
	}
	return req
}

func answer(ids ...string) []Result {
	out := make([]Result, len(ids))
	for i, id := range ids {
		out[i] = Result{PanelID: id, Text: map[string]string{"en": "text " + id, "de": "Text " + id}}
	}
	return out
}

// scripted answers per model and call.
type scripted struct {
	mu    sync.Mutex
	calls []string
	fn    func(model string, n int) ([]Result, error)
}

func (s *scripted) Generate(_ context.Context, model string, _ Request) ([]Result, error) {
	s.mu.Lock()
	s.calls = append(s.calls, model)
	n := len(s.calls)
	s.mu.Unlock()
	return s.fn(model, n)
}

func noSleep(context.Context, time.Duration) error { return nil }

func TestNarrateRejectsIncompleteBatchAndFallsBack(t *testing.T) {
	ids := []string{"p1", "p2", "p3", "p4", "p5"}
	m := &scripted{fn: func(model string, _ int) ([]Result, error) {
		if model == "primary" {
			return answer(ids[:4]...), nil
		}
		return answer(ids...), nil
	}}
	c := NewClient(m, Options{Models: []string{"primary", "backup"}, Backoff: fallback.Backoff{Attempts: 2}, Sleep: noSleep})
	res, err := c.Narrate(context.Background(), batch(ids...))
	if err != nil {
		t.Fatalf("Narrate: %v", err)
	}
	if strings.Join(m.calls, ",") != "primary,primary,backup" {
		t.Fatalf("calls = %v", m.calls)
	}
	if len(res) != 5 || res[4].PanelID != "p5" {
		t.Fatalf("results = %+v", res)
	}
}

func TestNarrateSurfacesMissingIDsWhenExhausted(t *testing.T) {
	m := &scripted{fn: func(string, int) ([]Result, error) { return answer("a", "b"), nil }}
	c := NewClient(m, Options{Models: []string{"m1", "m2"}, Backoff: fallback.Backoff{Attempts: 2}, Sleep: noSleep})
	_, err := c.Narrate(context.Background(), batch("a", "b", "c"))
	var ce *ContractError
	if !errors.As(err, &ce) {
		t.Fatalf("expected ContractError, got %v", err)
	}
	if len(ce.Missing) != 1 || ce.Missing[0] != "c" {
		t.Fatalf("missing = %v", ce.Missing)
	}
	var ex *fallback.ExhaustedError
	if !errors.As(err, &ex) || ex.Attempts != 4 {
		t.Fatalf("expected 4 exhausted attempts, got %v", err)
	}
}

func TestCheckOrdersAndValidates(t *testing.T) {
	req := batch("a", "b")
	res, err := Check(req, []Result{
		{PanelID: " b ", Text: map[string]string{"en": " B ", "de": "B"}},
		{PanelID: "a", Text: map[string]string{"en": "A", "de": "A"}},
	})
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if res[0].PanelID != "a" || res[1].PanelID != "b" || res[1].Text["en"] != "B" {
		t.Fatalf("results = %+v", res)
	}

	cases := map[string][]Result{
		"unknown id":       append(answer("a", "b"), answer("zz")...),
		"duplicate":        append(answer("a", "b"), answer("a")...),
		"missing language": {answer("a")[0], {PanelID: "b", Text: map[string]string{"en": "only en"}}},
	}
	for name, in := range cases {
		_, err := Check(req, in)
		var ce *ContractError
		if !errors.As(err, &ce) || len(ce.Invalid) == 0 {
			t.Errorf("%s: expected invalid ids, got %v", name, err)
		}
	}
}

func TestNarrateValidatesRequest(t *testing.T) {
	c := NewClient(&scripted{}, Options{Models: []string{"m"}})
	if _, err := c.Narrate(context.Background(), Request{Languages: []string{"en"}}); err == nil {
		t.Fatalf("empty batch must fail")
	}
	req := batch("a", "a")
	if _, err := c.Narrate(context.Background(), req); err == nil {
		t.Fatalf("duplicate ids must fail")
	}
}

func TestNarrateUsesHealthyModelsFirst(t *testing.T) {
	now := time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)
	health := fallback.NewPool([]string{"m1", "m2"}, fallback.PoolOptions{FailThreshold: 1, Cooldown: time.Minute, Clock: func() time.Time { return now }})
	health.MarkFailure("m1")
	m := &scripted{fn: func(string, int) ([]Result, error) { return answer("a"), nil }}
	c := NewClient(m, Options{Models: []string{"m1", "m2"}, Health: health, Sleep: noSleep})
	req := batch("a")
	if _, err := c.Narrate(context.Background(), req); err != nil {
		t.Fatalf("Narrate: %v", err)
	}
	if m.calls[0] != "m2" {
		t.Fatalf("cooling model was tried first: %v", m.calls)
	}
}

func chatServer(t *testing.T, handle func(body map[string]any) (int, string)) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/completions" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer k1" {
			t.Errorf("authorization = %q", got)
		}
		data, _ := io.ReadAll(r.Body)
		var body map[string]any
		if err := json.Unmarshal(data, &body); err != nil {
			t.Errorf("request is not json: %v", err)
		}
		status, content := handle(body)
		w.WriteHeader(status)
		if status != http.StatusOK {
			_, _ = io.WriteString(w, content)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"choices": []any{map[string]any{"message": map[string]any{"content": content}}},
		})
	}))
	t.Cleanup(srv.Close)
	return srv
}

func newHTTPModel(url string) *HTTPModel {
	keys := fallback.NewPool([]string{"k1"}, fallback.PoolOptions{})
	return NewHTTPModel(modelapi.New(modelapi.Config{BaseURL: url, Keys: keys}))
}

func TestHTTPModelCarriesTrailingContext(t *testing.T) {
	var payload string
	srv := chatServer(t, func(body map[string]any) (int, string) {
		raw, _ := json.Marshal(body)
		payload = string(raw)
		return http.StatusOK, "```json\n" + `{"panels":[{"panelId":"c2-1","text":{"en":"Next.","de":"Weiter."}}]}` + "\n```"
	})
	req := batch("c2-1")
	req.TrailingContext = "X marks the spot"
	req.CharacterNotes = "Mira wears red."
	res, err := newHTTPModel(srv.URL).Generate(context.Background(), "demo", req)
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if len(res) != 1 || res[0].Text["de"] != "Weiter." {
		t.Fatalf("results = %+v", res)
	}
	for _, want := range []string{"X marks the spot", "Mira wears red.", "data:image/png;base64,", `"model":"demo"`} {
		if !strings.Contains(payload, want) {
			t.Errorf("payload lacks %q", want)
		}
	}
}

func TestHTTPModelRejectsSchemaViolation(t *testing.T) {
	srv := chatServer(t, func(map[string]any) (int, string) {
		return http.StatusOK, `{"panels":[{"text":{"en":"no id"}}]}`
	})
	if _, err := newHTTPModel(srv.URL).Generate(context.Background(), "demo", batch("a")); err == nil {
		t.Fatalf("schema violation must fail")
	}
}

func TestHTTPModelClassifiesStatus(t *testing.T) {
	codes := map[int]bool{ // status -> permanent
		http.StatusBadRequest:          true,
		http.StatusNotFound:            true,
		http.StatusTooManyRequests:     false,
		http.StatusInternalServerError: false,
		http.StatusRequestTimeout:      false,
	}
	for code, permanent := range codes {
		srv := chatServer(t, func(map[string]any) (int, string) { return code, "nope" })
		_, err := newHTTPModel(srv.URL).Generate(context.Background(), "demo", batch("a"))
		var se *modelapi.StatusError
		if !errors.As(err, &se) || se.StatusCode != code {
			t.Fatalf("%d: expected StatusError, got %v", code, err)
		}
		if fallback.IsPermanent(err) != permanent {
			t.Errorf("%d: permanent = %v", code, !permanent)
		}
	}
}

func TestEndToEndFallbackOverHTTP(t *testing.T) {
	srv := chatServer(t, func(body map[string]any) (int, string) {
		if body["model"] == "flaky" {
			return http.StatusServiceUnavailable, "overloaded"
		}
		return http.StatusOK, fmt.Sprintf(`{"panels":[%s]}`, `{"panelId":"a","text":{"en":"A","de":"A"},"tone":"calm"}`)
	})
	c := NewClient(newHTTPModel(srv.URL), Options{Models: []string{"flaky", "steady"}, Backoff: fallback.Backoff{Attempts: 2, Base: time.Second}, Sleep: noSleep})
	res, err := c.Narrate(context.Background(), batch("a"))
	if err != nil {
		t.Fatalf("Narrate: %v", err)
	}
	if res[0].Tone != "calm" {
		t.Fatalf("result = %+v", res[0])
	}
}
