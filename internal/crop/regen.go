/*
 * Copyright (c) 2025 by Alexander Drost, Oldenburg, Germany.
 * This file is licensed to you under the Apache License, Version 2.0 (the "License"); you may not use this file except in compliance with the License.  You may obtain a copy of the License at
 *   http://www.apache.org/licenses/LICENSE-2.0
 * Unless required by applicable law or agreed to in writing, software distributed under the License is distributed on an
 * "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.  See the License for the specific language governing permissions and limitations under the License.
 */

package crop

import (
	"context"
	"fmt"
	"image"
	"log/slog"
	"sync"

	"golang.org/x/sync/semaphore"
	"golang.org/x/sync/singleflight"

	"gocomicnarrator/internal/geometry"
	applog "gocomicnarrator/internal/log"
	"gocomicnarrator/internal/store"
)

// Cache is a persistent second level for rendered crops.
type Cache interface {
	GetCrop(key string) ([]byte, bool, error)
	PutCrop(key string, data []byte) error
}

// CacheKey identifies a crop by page and pixel rectangle, so geometry edits
// that land on the same pixels reuse the cached bytes.
func CacheKey(pageID string, r geometry.Rect, w, h int) string {
	x0, y0, x1, y1 := geometry.ToPixels(r, w, h)
	return fmt.Sprintf("%s/%d,%d,%d,%d", pageID, x0, y0, x1, y1)
}

type RegeneratorOptions struct {
	// Concurrency bounds crops rendering at the same time (0 means 4).
	Concurrency int
	// Rasters is how many decoded pages are kept in memory (0 means 8).
	Rasters int
	Cache   Cache
}

type job struct {
	again bool
}

// Regenerator listens for geometry events and writes fresh crops back to the
// store. Each panel has at most one crop in flight; events arriving while it
// runs fold into a single rerun, and results for a revision that has been
// superseded are dropped by the store.
type Regenerator struct {
	store   *store.Store
	cropper *Cropper
	cache   Cache
	sem     *semaphore.Weighted

	ctx    context.Context
	cancel context.CancelFunc
	unsub  func()

	mu   sync.Mutex
	jobs map[string]*job
	wg   sync.WaitGroup

	decode      singleflight.Group
	rmu         sync.Mutex
	rasters     map[string]image.Image
	rasterOrder []string
	rasterMax   int

	log *slog.Logger
}

func NewRegenerator(s *store.Store, c *Cropper, opts RegeneratorOptions) *Regenerator {
	if c == nil {
		c = New()
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = 4
	}
	if opts.Rasters <= 0 {
		opts.Rasters = 8
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Regenerator{
		store:     s,
		cropper:   c,
		cache:     opts.Cache,
		sem:       semaphore.NewWeighted(int64(opts.Concurrency)),
		ctx:       ctx,
		cancel:    cancel,
		jobs:      map[string]*job{},
		rasters:   map[string]image.Image{},
		rasterMax: opts.Rasters,
		log:       applog.WithComponent("crop"),
	}
}

// Start subscribes to the store.
func (g *Regenerator) Start() {
	g.unsub = g.store.Subscribe(g.handle)
}

// Close unsubscribes, abandons queued work and waits for running crops.
func (g *Regenerator) Close() {
	if g.unsub != nil {
		g.unsub()
	}
	g.cancel()
	g.wg.Wait()
}

func (g *Regenerator) handle(ev store.Event) {
	switch e := ev.(type) {
	case store.PanelGeometryChanged:
		g.Schedule(e.PanelID)
	case store.PanelRemoved:
		g.mu.Lock()
		if j, ok := g.jobs[e.PanelID]; ok {
			j.again = false
		}
		g.mu.Unlock()
	}
}

// Schedule asks for a crop of the panel's current geometry. It never blocks.
func (g *Regenerator) Schedule(panelID string) {
	g.mu.Lock()
	if j, ok := g.jobs[panelID]; ok {
		j.again = true
		g.mu.Unlock()
		return
	}
	g.jobs[panelID] = &job{}
	g.wg.Add(1)
	g.mu.Unlock()
	go g.run(panelID)
}

func (g *Regenerator) run(panelID string) {
	defer g.wg.Done()
	for {
		if err := g.sem.Acquire(g.ctx, 1); err != nil {
			g.finish(panelID)
			return
		}
		g.Regenerate(panelID)
		g.sem.Release(1)

		g.mu.Lock()
		j := g.jobs[panelID]
		if j.again && g.ctx.Err() == nil {
			j.again = false
			g.mu.Unlock()
			continue
		}
		delete(g.jobs, panelID)
		g.mu.Unlock()
		return
	}
}

func (g *Regenerator) finish(panelID string) {
	g.mu.Lock()
	delete(g.jobs, panelID)
	g.mu.Unlock()
}

// Regenerate renders the panel's committed geometry and hands the result to
// the store. It reports whether the store accepted it.
func (g *Regenerator) Regenerate(panelID string) bool {
	t, ok := g.store.CropTarget(panelID)
	if !ok {
		return false
	}
	l := g.log.With(slog.String("panel", panelID), slog.Uint64("rev", t.Rev))

	var key string
	if g.cache != nil && t.Page.Width > 0 && t.Page.Height > 0 {
		key = CacheKey(t.Page.ID, t.Rect, t.Page.Width, t.Page.Height)
		if data, hit, err := g.cache.GetCrop(key); err != nil {
			l.Warn("crop cache read failed", slog.Any("err", err))
		} else if hit {
			return g.store.SetCrop(panelID, t.Rev, data)
		}
	}

	img, err := g.raster(t.Page.ID, t.Page.Source)
	if err != nil {
		l.Warn("page decode failed", slog.Any("err", err))
		return false
	}
	data := g.cropper.Crop(img, t.Rect)
	if data == nil {
		l.Debug("empty crop", slog.Any("rect", t.Rect))
		return false
	}
	if !g.store.SetCrop(panelID, t.Rev, data) {
		l.Debug("crop superseded")
		return false
	}
	if key != "" {
		if err := g.cache.PutCrop(key, data); err != nil {
			l.Warn("crop cache write failed", slog.Any("err", err))
		}
	}
	return true
}

// Sync schedules every panel lacking a current crop and waits until the
// queue drains or ctx ends.
func (g *Regenerator) Sync(ctx context.Context) error {
	for _, id := range g.store.NeedsCrop() {
		g.Schedule(id)
	}
	return g.Wait(ctx)
}

// Wait blocks until no crop is queued or running.
func (g *Regenerator) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		g.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (g *Regenerator) raster(pageID string, src []byte) (image.Image, error) {
	g.rmu.Lock()
	img, ok := g.rasters[pageID]
	g.rmu.Unlock()
	if ok {
		return img, nil
	}
	v, err, _ := g.decode.Do(pageID, func() (any, error) {
		if len(src) == 0 {
			return nil, fmt.Errorf("page %s has no raster", pageID)
		}
		img, err := Decode(src)
		if err != nil {
			return nil, err
		}
		g.rmu.Lock()
		defer g.rmu.Unlock()
		if _, ok := g.rasters[pageID]; !ok {
			g.rasters[pageID] = img
			g.rasterOrder = append(g.rasterOrder, pageID)
			if len(g.rasterOrder) > g.rasterMax {
				delete(g.rasters, g.rasterOrder[0])
				g.rasterOrder = g.rasterOrder[1:]
			}
		}
		return img, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(image.Image), nil
}
