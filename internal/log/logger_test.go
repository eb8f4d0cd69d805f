/*
 * Copyright (c) 2025 by Alexander Drost, Oldenburg, Germany.
 * This file is licensed to you under the Apache License, Version 2.0 (the "License"); you may not use this file except in compliance with the License.  You may obtain a copy of the License at
 *   http://www.apache.org/licenses/LICENSE-2.0
 * Unless required by applicable law or agreed to in writing, software distributed under the License is distributed on an
 * "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.  See the License for the specific language governing permissions and limitations under the License.
 */

package log

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"
)

// TestInitAndStructuredLoggingToFile verifies that the rotated JSON file sink
// receives static, logger and context attributes.
func TestInitAndStructuredLoggingToFile(t *testing.T) {
	fpath := filepath.Join(t.TempDir(), "gcn.log")
	var console bytes.Buffer
	Init(Options{Level: "debug", Format: "console", File: fpath, Console: &console})
	t.Cleanup(func() { Init(Options{Console: &bytes.Buffer{}}) })

	l := WithOperation(WithComponent("testcomp"), "op1")
	ctx := WithPanel(WithChapter(context.Background(), "ch-1"), "pn-7")
	l.InfoContext(ctx, "hello world", slog.String("k", "v"))

	b, err := os.ReadFile(fpath)
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	var last string
	sc := bufio.NewScanner(bytes.NewReader(b))
	for sc.Scan() {
		if s := strings.TrimSpace(sc.Text()); s != "" {
			last = s
		}
	}
	if last == "" {
		t.Fatalf("no log lines found")
	}
	var m map[string]any
	if err := json.Unmarshal([]byte(last), &m); err != nil {
		t.Fatalf("unmarshal json log: %v", err)
	}
	for k, want := range map[string]string{
		"app": "gocomicnarrator", "component": "testcomp", "op": "op1",
		"msg": "hello world", "chapter": "ch-1", "panel": "pn-7", "k": "v",
	} {
		if m[k] != want {
			t.Fatalf("%s = %v, want %q", k, m[k], want)
		}
	}
	if _, ok := m["ver"].(string); !ok {
		t.Fatalf("missing ver attr")
	}
	if !strings.Contains(console.String(), "hello world") || !strings.Contains(console.String(), "panel=pn-7") {
		t.Fatalf("console output missing record: %q", console.String())
	}
}

func TestFromEnv(t *testing.T) {
	t.Setenv("GCN_LOG_LEVEL", "warn")
	t.Setenv("GCN_LOG_FORMAT", "json")
	t.Setenv("GCN_LOG_SOURCE", "true")
	t.Setenv("GCN_LOG_FILE", "")

	opts := FromEnv()
	if opts.Level != "warn" || opts.Format != "json" || !opts.AddSource || opts.File != "" {
		t.Fatalf("FromEnv mismatch: %+v", opts)
	}
	if v := getenv("GCN_SOME_UNSET_VAR", "fallback"); v != "fallback" {
		t.Fatalf("getenv fallback failed: %q", v)
	}
}

func TestConsoleHandlerBehavior(t *testing.T) {
	var buf bytes.Buffer
	var h slog.Handler = &consoleHandler{level: slog.LevelWarn, w: &buf, mu: &sync.Mutex{}}
	ctx := context.Background()

	if h.Enabled(ctx, slog.LevelInfo) {
		t.Fatalf("info should not be enabled at warn level")
	}
	if !h.Enabled(ctx, slog.LevelError) {
		t.Fatalf("error should be enabled at warn level")
	}

	h = h.WithAttrs([]slog.Attr{slog.String("k", "v")}).WithGroup("grp")
	r := slog.NewRecord(time.Now(), slog.LevelError, "boom", 0)
	r.AddAttrs(slog.Int("n", 42), slog.Float64("pi", 3.14), slog.String("s", "two words"))
	if err := h.Handle(ctx, r); err != nil {
		t.Fatalf("handle error: %v", err)
	}

	out := buf.String()
	for _, want := range []string{"ERR", "boom", "k=v", "grp.n=42", "grp.pi=3.14", `grp.s="two words"`} {
		if !strings.Contains(out, want) {
			t.Fatalf("output missing %q: %q", want, out)
		}
	}
}
