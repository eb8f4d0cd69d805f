/*
 * Copyright (c) 2025 by Alexander Drost, Oldenburg, Germany.
 * This file is licensed to you under the Apache License, Version 2.0 (the "License"); you may not use this file except in compliance with the License.  You may obtain a copy of the License at
 *   http://www.apache.org/licenses/LICENSE-2.0
 * Unless required by applicable law or agreed to in writing, software distributed under the License is distributed on an
 * "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.  See the License for the specific language governing permissions and limitations under the License.
 */

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"

	"go.uber.org/multierr"

	"gocomicnarrator/internal/config"
	"gocomicnarrator/internal/crop"
	"gocomicnarrator/internal/detect"
	"gocomicnarrator/internal/domain"
	"gocomicnarrator/internal/fallback"
	applog "gocomicnarrator/internal/log"
	"gocomicnarrator/internal/modelapi"
	"gocomicnarrator/internal/narrative"
	"gocomicnarrator/internal/pipeline"
	"gocomicnarrator/internal/speech"
	"gocomicnarrator/internal/storage"
	"gocomicnarrator/internal/store"
)

// session is an open project: manifest, store, artifact cache and crop
// regeneration. It also serves as the crash source for the live state.
type session struct {
	mu    sync.Mutex
	cfg   config.AppConfig
	ph    *storage.ProjectHandle
	store *store.Store
	cache *storage.Cache
	crops *crop.Regenerator
	pipe  *pipeline.Pipeline
	log   *slog.Logger

	redetect bool
}

// Project returns the live state, or the loaded manifest before the store exists.
func (s *session) Project() domain.Project {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.store != nil {
		return s.store.Project()
	}
	if s.ph != nil {
		return s.ph.Project
	}
	return domain.Project{}
}

// open loads the project at root into s.
func (s *session) open(ctx context.Context, root string) error {
	abs, err := filepath.Abs(root)
	if err != nil {
		return err
	}
	ph, err := storage.Open(abs)
	if err != nil {
		return err
	}
	st, err := store.FromProject(ph.Project, store.Options{MaxDepth: s.cfg.History.MaxDepth})
	if err != nil {
		return fmt.Errorf("load project: %w", err)
	}
	sp := s.cfg.Speech
	st.SetVoice(domain.VoiceParams{Voice: sp.Voice, Rate: sp.Rate, Pitch: sp.Pitch, VolumeGainDB: sp.VolumeGainDB})
	cache, err := storage.OpenCache(abs, s.cfg.Cache.MaxBytes)
	if err != nil {
		return err
	}
	if n, err := cache.LoadAudio(ctx, st); err != nil {
		s.log.Warn("restore audio failed", slog.Any("err", err))
	} else if n > 0 {
		s.log.Debug("audio restored", slog.Int("clips", n))
	}
	crops := crop.NewRegenerator(st, crop.New(), crop.RegeneratorOptions{Cache: cache, Concurrency: s.cfg.Detect.Concurrency})
	crops.Start()

	s.mu.Lock()
	s.ph, s.store, s.cache, s.crops = ph, st, cache, crops
	s.mu.Unlock()
	if ph.Recovered {
		s.log.Warn("project manifest was restored from backup", slog.String("root", abs))
	}
	return nil
}

// pipeline builds the batch runner. Model clients are only wired when
// withModels is set, so offline commands work without API keys.
func (s *session) pipeline(withModels bool) (*pipeline.Pipeline, error) {
	n, sp := s.cfg.Narrative, s.cfg.Speech
	deps := pipeline.Deps{
		Crops: s.crops,
		Detector: detect.New(detect.Options{
			WhiteThreshold:   s.cfg.Detect.WhiteThreshold,
			MinGutterRows:    s.cfg.Detect.MinGutterRows,
			MinPanelFraction: s.cfg.Detect.MinPanelFraction,
			SplitColumns:     s.cfg.Detect.SplitColumns,
		}),
	}
	if withModels {
		keys, err := config.APIKeys()
		if err != nil {
			return nil, fmt.Errorf("read api keys: %w", err)
		}
		if len(keys) == 0 {
			return nil, errors.New("no API key configured: run 'keys set' or export " + config.EnvAPIKey)
		}
		keyPool := fallback.NewPool(keys, poolOptions(n.Retry))

		nt := modelapi.New(transportConfig(n.BaseURL, keyPool, n.Retry), modelapi.WithLogger(applog.WithComponent("narrative-http")))
		deps.Narrator = narrative.NewClient(narrative.NewHTTPModel(nt), narrative.Options{
			Models:  n.Models,
			Backoff: backoff(n.Retry),
			Health:  fallback.NewPool(n.Models, poolOptions(n.Retry)),
		})

		stc := transportConfig(sp.BaseURL, keyPool, sp.Retry)
		stc.AuthHeader, stc.AuthPrefix = "x-goog-api-key", ""
		st := modelapi.New(stc, modelapi.WithLogger(applog.WithComponent("speech-http")))
		deps.Voicer = speech.NewClient(speech.NewHTTPModel(st), speech.Options{
			Models:     sp.Models,
			Backoff:    backoff(sp.Retry),
			Health:     fallback.NewPool(sp.Models, poolOptions(sp.Retry)),
			SampleRate: sp.SampleRate,
		})
	}
	p := pipeline.New(s.store, deps, pipeline.Options{
		Languages:      n.Languages,
		CharacterNotes: n.CharacterNotes,
		Concurrency:    s.cfg.Detect.Concurrency,
		Redetect:       s.redetect,
		Voice:          sp.Voice,
		Rate:           sp.Rate,
		Pitch:          sp.Pitch,
		VolumeGainDB:   sp.VolumeGainDB,
		Progress: func(ids []string, status domain.PanelStatus) {
			s.log.Debug("panel status", slog.String("status", string(status)), slog.Int("panels", len(ids)))
		},
	})
	s.mu.Lock()
	s.pipe = p
	s.mu.Unlock()
	return p, nil
}

// stop forwards an interrupt to the running batch.
func (s *session) stop() bool {
	s.mu.Lock()
	p := s.pipe
	s.mu.Unlock()
	if p == nil {
		return false
	}
	p.Stop()
	return true
}

// save writes the manifest, page files and audio. It is called after every
// batch, including interrupted and failed ones, so finished work is kept.
func (s *session) save(ctx context.Context) error {
	if s.store == nil {
		return nil
	}
	s.ph.Project = s.store.Project()
	err := storage.Save(s.ph)
	if _, aerr := s.cache.SaveAudio(ctx, s.store); aerr != nil {
		err = multierr.Append(err, aerr)
	}
	return err
}

func (s *session) close() error {
	if s.crops != nil {
		s.crops.Close()
	}
	if s.cache != nil {
		return s.cache.Close()
	}
	return nil
}

func transportConfig(baseURL string, keys *fallback.Pool, r config.RetryConfig) modelapi.Config {
	return modelapi.Config{
		BaseURL:           baseURL,
		Keys:              keys,
		Timeout:           r.Timeout(),
		RequestsPerMinute: r.RequestsPerMinute,
	}
}

func backoff(r config.RetryConfig) fallback.Backoff {
	return fallback.Backoff{Attempts: r.Attempts, Base: r.Backoff(), Max: r.MaxBackoff()}
}

func poolOptions(r config.RetryConfig) fallback.PoolOptions {
	return fallback.PoolOptions{FailThreshold: r.FailThreshold, Cooldown: r.Cooldown()}
}
