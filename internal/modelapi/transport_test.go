/*
 * Copyright (c) 2025 by Alexander Drost, Oldenburg, Germany.
 * This file is licensed to you under the Apache License, Version 2.0 (the "License"); you may not use this file except in compliance with the License.  You may obtain a copy of the License at
 *   http://www.apache.org/licenses/LICENSE-2.0
 * Unless required by applicable law or agreed to in writing, software distributed under the License is distributed on an
 * "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.  See the License for the specific language governing permissions and limitations under the License.
 */

package modelapi

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"gocomicnarrator/internal/fallback"
)

type recorder struct {
	mu    sync.Mutex
	auths []string
}

func (r *recorder) add(v string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.auths = append(r.auths, v)
}

func (r *recorder) got() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.auths...)
}

func TestPostJSONRotatesKeysAndParksRejectedOnes(t *testing.T) {
	rec := &recorder{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth := r.Header.Get("Authorization")
		rec.add(auth)
		if auth == "Bearer k1" {
			w.Header().Set("Retry-After", "2")
			http.Error(w, "bad key", http.StatusUnauthorized)
			return
		}
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	keys := fallback.NewPool([]string{"k1", "k2"}, fallback.PoolOptions{FailThreshold: 1, Cooldown: time.Hour})
	tr := New(Config{BaseURL: srv.URL + "/", Keys: keys})

	var out struct{ OK bool }
	err := tr.PostJSON(context.Background(), "/v1/x", map[string]string{"a": "b"}, &out)
	var se *StatusError
	if !errors.As(err, &se) || se.StatusCode != http.StatusUnauthorized {
		t.Fatalf("first call err = %v, want 401 StatusError", err)
	}
	if fallback.IsPermanent(err) {
		t.Fatalf("401 must stay retryable so another key can be tried")
	}
	if se.RetryHint() != 2*time.Second {
		t.Fatalf("retry hint = %v", se.RetryHint())
	}
	for i := 0; i < 2; i++ {
		out.OK = false
		if err := tr.PostJSON(context.Background(), "/v1/x", nil, &out); err != nil || !out.OK {
			t.Fatalf("call %d: ok=%v err=%v", i, out.OK, err)
		}
	}
	want := []string{"Bearer k1", "Bearer k2", "Bearer k2"}
	got := rec.got()
	if strings.Join(got, ",") != strings.Join(want, ",") {
		t.Fatalf("auth headers = %v, want %v", got, want)
	}
}

func TestPostJSONClientErrorIsPermanent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "invalid model", http.StatusBadRequest)
	}))
	defer srv.Close()

	tr := New(Config{BaseURL: srv.URL, Keys: fallback.NewPool([]string{"k"}, fallback.PoolOptions{})})
	err := tr.PostJSON(context.Background(), "/", nil, &struct{}{})
	if !fallback.IsPermanent(err) {
		t.Fatalf("400 should be permanent, got %v", err)
	}
	var se *StatusError
	if !errors.As(err, &se) || !strings.Contains(se.Error(), "invalid model") {
		t.Fatalf("err = %v", err)
	}
}

func TestPostJSONCustomAuthHeader(t *testing.T) {
	rec := &recorder{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec.add(r.Header.Get("x-goog-api-key") + "|" + r.Header.Get("Authorization"))
		_, _ = w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	tr := New(Config{
		BaseURL:    srv.URL,
		Keys:       fallback.NewPool([]string{"secret"}, fallback.PoolOptions{}),
		AuthHeader: "x-goog-api-key",
	})
	if err := tr.PostJSON(context.Background(), "/", nil, &struct{}{}); err != nil {
		t.Fatalf("PostJSON: %v", err)
	}
	if got := rec.got(); len(got) != 1 || got[0] != "secret|" {
		t.Fatalf("headers = %q", got)
	}
}

func TestPostJSONWithoutKeys(t *testing.T) {
	tr := New(Config{BaseURL: "http://127.0.0.1:1"})
	err := tr.PostJSON(context.Background(), "/", nil, &struct{}{})
	if !errors.Is(err, ErrNoKey) || !fallback.IsPermanent(err) {
		t.Fatalf("err = %v", err)
	}
}

func TestPostJSONUndecodableBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("<html>gateway</html>"))
	}))
	defer srv.Close()

	tr := New(Config{BaseURL: srv.URL, Keys: fallback.NewPool([]string{"k"}, fallback.PoolOptions{})})
	err := tr.PostJSON(context.Background(), "/", nil, &struct{}{})
	if err == nil || fallback.IsPermanent(err) || !strings.Contains(err.Error(), "gateway") {
		t.Fatalf("err = %v", err)
	}
}

func TestParseRetryAfter(t *testing.T) {
	cases := map[string]time.Duration{
		"":        0,
		"3":       3 * time.Second,
		"-1":      0,
		"garbage": 0,
	}
	for in, want := range cases {
		if got := ParseRetryAfter(in); got != want {
			t.Errorf("ParseRetryAfter(%q) = %v, want %v", in, got, want)
		}
	}
	if got := ParseRetryAfter("Mon, 02 Jan 2006 15:04:05 GMT"); got != 0 {
		t.Errorf("past date = %v", got)
	}
	future := time.Now().Add(time.Hour).UTC().Format(http.TimeFormat)
	if got := ParseRetryAfter(future); got <= 0 || got > time.Hour {
		t.Errorf("future date = %v", got)
	}
}

func TestSnippet(t *testing.T) {
	if Snippet("  \n ") != "<empty>" {
		t.Fatalf("empty snippet")
	}
	if got := Snippet("a\n  b"); got != "a b" {
		t.Fatalf("got %q", got)
	}
	if got := Snippet(strings.Repeat("x", 200)); len(got) != 163 {
		t.Fatalf("len = %d", len(got))
	}
}
