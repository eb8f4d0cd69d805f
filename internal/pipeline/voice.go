/*
 * Copyright (c) 2025 by Alexander Drost, Oldenburg, Germany.
 * This file is licensed to you under the Apache License, Version 2.0 (the "License"); you may not use this file except in compliance with the License.  You may obtain a copy of the License at
 *   http://www.apache.org/licenses/LICENSE-2.0
 * Unless required by applicable law or agreed to in writing, software distributed under the License is distributed on an
 * "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.  See the License for the specific language governing permissions and limitations under the License.
 */

package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"go.uber.org/multierr"

	"gocomicnarrator/internal/domain"
	applog "gocomicnarrator/internal/log"
	"gocomicnarrator/internal/speech"
	"gocomicnarrator/internal/store"
)

// VoiceAll voices every chapter in order for lang.
func (p *Pipeline) VoiceAll(ctx context.Context, lang string) error {
	p.begin()
	var errs error
	for _, c := range p.store.Snapshot().Chapters() {
		if err := p.halt(ctx); err != nil {
			return multierr.Append(errs, err)
		}
		err := p.VoiceChapter(ctx, c.ID, lang)
		if errors.Is(err, ErrStopped) || ctx.Err() != nil {
			return multierr.Append(errs, err)
		}
		if err != nil {
			errs = multierr.Append(errs, fmt.Errorf("chapter %q: %w", c.Name, err))
		}
	}
	return errs
}

// VoiceChapter renders audio for each panel of the chapter strictly in
// reading order. Each call carries the previous panel's text in global
// reading order as context, so the first panel of a chapter is conditioned
// on the last panel of the one before. Panels without text or with current
// audio are skipped. A failed panel is recorded and does not stop the ones
// after it.
func (p *Pipeline) VoiceChapter(ctx context.Context, chapterID, lang string) error {
	if p.deps.Voicer == nil {
		return errors.New("voice: no voicer configured")
	}
	if lang == "" {
		lang = p.referenceLanguage()
	}
	st := p.store.Snapshot()
	if _, ok := st.Chapter(chapterID); !ok {
		return fmt.Errorf("chapter %s: %w", chapterID, store.ErrNotFound)
	}
	var errs error
	for _, pn := range st.ChapterPanels(chapterID) {
		if err := p.halt(ctx); err != nil {
			return multierr.Append(errs, err)
		}
		if err := p.voicePanel(ctx, pn.ID, lang); err != nil {
			if ctx.Err() != nil {
				return multierr.Append(errs, err)
			}
			errs = multierr.Append(errs, fmt.Errorf("panel %s: %w", pn.ID, err))
		}
	}
	return errs
}

func (p *Pipeline) voicePanel(ctx context.Context, panelID, lang string) error {
	// re-read: earlier panels of this run may have been edited meanwhile
	st := p.store.Snapshot()
	pn, ok := st.Panel(panelID)
	if !ok {
		return nil
	}
	text := pn.TextIn(lang)
	if text == "" {
		return nil
	}
	if a := p.store.Audio(panelID, lang); a.Status == domain.AudioReady {
		return nil
	}
	var prev string
	if id, ok := st.Prev(panelID); ok {
		if pp, ok := st.Panel(id); ok {
			prev = pp.TextIn(lang)
		}
	}
	ctx = applog.WithPanel(ctx, panelID)
	p.store.SetAudio(panelID, lang, domain.Audio{Status: domain.AudioGenerating, Voice: p.opts.Voice})
	audio, err := p.deps.Voicer.Synthesize(ctx, speech.Request{
		Text:         text,
		PreviousText: prev,
		Voice:        p.opts.Voice,
		Rate:         p.opts.Rate,
		Pitch:        p.opts.Pitch,
		VolumeGainDB: p.opts.VolumeGainDB,
	})
	if err != nil {
		failed := domain.Audio{
			Status: domain.AudioFailed,
			Voice:  p.opts.Voice,
			Digest: store.AudioDigest(text, p.voice()),
			Error:  err.Error(),
		}
		var na *speech.NoAudioError
		if errors.As(err, &na) {
			failed.FinishReason = na.FinishReason
		}
		p.store.SetAudio(panelID, lang, failed)
		p.log.Warn("narration audio failed", slog.String("panel", panelID), slog.String("lang", lang), slog.Any("err", err))
		return err
	}
	p.store.SetAudio(panelID, lang, domain.Audio{
		Status:       domain.AudioReady,
		PCM:          audio.PCM,
		SampleRate:   audio.SampleRate,
		Voice:        p.opts.Voice,
		Digest:       store.AudioDigest(text, p.voice()),
		FinishReason: audio.FinishReason,
	})
	return nil
}
