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
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"syscall"

	cli "github.com/urfave/cli/v3"

	"gocomicnarrator/internal/config"
	"gocomicnarrator/internal/crash"
	"gocomicnarrator/internal/export"
	"gocomicnarrator/internal/ingest"
	applog "gocomicnarrator/internal/log"
	"gocomicnarrator/internal/pipeline"
	"gocomicnarrator/internal/storage"
	"gocomicnarrator/internal/version"
)

const appName = "gocomicnarrator"

func main() {
	sess := &session{}
	// Recover needs a handle that exists before any command runs; open fills it.
	ph := &storage.ProjectHandle{}
	defer crash.Recover(ph, sess)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go interrupts(ctx, sess, cancel)

	app := &cli.Command{
		Name:            appName,
		Usage:           "segment comic pages into panels and narrate them",
		Version:         version.String() + " (" + runtime.Version() + ")",
		HideHelpCommand: true,
		Before: func(ctx context.Context, cmd *cli.Command) (context.Context, error) {
			opts := applog.FromEnv()
			cfg, err := config.Load()
			if err != nil {
				applog.Init(opts)
				return ctx, fmt.Errorf("unable to load configuration: %w", err)
			}
			mergeLogging(&opts, cfg.Logging)
			applog.Init(opts)
			sess.cfg, sess.log = cfg, applog.WithComponent("cli")
			sess.log.Debug("start", slog.Any("args", os.Args), slog.String("ver", version.String()))
			return ctx, nil
		},
		Commands: []*cli.Command{
			{
				Name:  "version",
				Usage: "Show version",
				Action: func(_ context.Context, _ *cli.Command) error {
					fmt.Println("Go Comic Narrator")
					fmt.Println(version.String())
					return nil
				},
			},
			{
				Name:      "ingest",
				Usage:     "Create a project from a folder of page images",
				ArgsUsage: "SOURCE PROJECT",
				Flags: []cli.Flag{
					&cli.BoolFlag{Name: "overwrite", Aliases: []string{"ow"}, Usage: "replace an existing project manifest"},
				},
				Action: func(ctx context.Context, cmd *cli.Command) error {
					return runIngest(ctx, cmd, sess, ph)
				},
			},
			{
				Name:      "detect",
				Usage:     "Detect panels on pages that have none",
				ArgsUsage: "PROJECT",
				Flags: []cli.Flag{
					&cli.BoolFlag{Name: "redetect", Usage: "replace existing panels on every page"},
				},
				Action: func(ctx context.Context, cmd *cli.Command) error {
					sess.redetect = cmd.Bool("redetect")
					return withProject(ctx, cmd, sess, ph, false, func(ctx context.Context, p *pipeline.Pipeline) error {
						return p.DetectAll(ctx)
					})
				},
			},
			{
				Name:      "narrate",
				Usage:     "Generate narration text chapter by chapter",
				ArgsUsage: "PROJECT",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "chapter", Usage: "narrate only chapter `ID`"},
				},
				Action: func(ctx context.Context, cmd *cli.Command) error {
					return withProject(ctx, cmd, sess, ph, true, func(ctx context.Context, p *pipeline.Pipeline) error {
						if id := cmd.String("chapter"); id != "" {
							return p.NarrateChapter(ctx, id)
						}
						return p.NarrateAll(ctx)
					})
				},
			},
			{
				Name:      "voice",
				Usage:     "Render narration audio panel by panel",
				ArgsUsage: "PROJECT",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "lang", Usage: "narration `LANGUAGE` (default: first configured language)"},
					&cli.StringFlag{Name: "chapter", Usage: "voice only chapter `ID`"},
				},
				Action: func(ctx context.Context, cmd *cli.Command) error {
					return withProject(ctx, cmd, sess, ph, true, func(ctx context.Context, p *pipeline.Pipeline) error {
						lang := cmd.String("lang")
						if lang == "" && len(sess.cfg.Narrative.Languages) > 0 {
							lang = sess.cfg.Narrative.Languages[0]
						}
						lang, err := config.NormalizeLanguage(lang)
						if err != nil {
							return err
						}
						if id := cmd.String("chapter"); id != "" {
							return p.VoiceChapter(ctx, id, lang)
						}
						return p.VoiceAll(ctx, lang)
					})
				},
			},
			{
				Name:      "export",
				Usage:     "Package chapters as CBZ, PDF narration script or loose PNGs",
				ArgsUsage: "PROJECT",
				Flags: []cli.Flag{
					&cli.StringSliceFlag{Name: "chapter", Usage: "export only chapter `ID` (repeatable)"},
					&cli.StringSliceFlag{Name: "format", Usage: "output `FORMAT`: cbz, pdf, png (repeatable)"},
					&cli.StringFlag{Name: "preset", Value: string(export.PresetReader), Usage: "`PRESET`: reader, script, all"},
					&cli.StringSliceFlag{Name: "lang", Usage: "limit text and audio to `LANGUAGE` (repeatable)"},
					&cli.StringFlag{Name: "out", Usage: "output `DIR` (relative paths live under the project's exports/)"},
					&cli.BoolFlag{Name: "skip-missing", Usage: "leave out panels whose crop cannot be rendered"},
				},
				Action: func(ctx context.Context, cmd *cli.Command) error {
					return runExport(ctx, cmd, sess, ph)
				},
			},
			{
				Name:  "keys",
				Usage: "Store model API keys in the OS keyring",
				Commands: []*cli.Command{
					{
						Name:      "set",
						ArgsUsage: "KEY [KEY...]",
						Action: func(_ context.Context, cmd *cli.Command) error {
							if cmd.NArg() == 0 {
								return errors.New("at least one key is required")
							}
							return config.SaveAPIKeys(cmd.Args().Slice())
						},
					},
					{
						Name: "clear",
						Action: func(_ context.Context, _ *cli.Command) error {
							return config.SaveAPIKeys(nil)
						},
					},
				},
			},
		},
	}

	if err := app.Run(ctx, os.Args); err != nil {
		applog.WithComponent("cli").Error("program ended with error", slog.Any("err", err))
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

// interrupts maps the first SIGINT/SIGTERM to a safe-boundary stop of the
// running batch and the second to cancellation of in-flight calls.
func interrupts(ctx context.Context, sess *session, cancel context.CancelFunc) {
	ch := make(chan os.Signal, 2)
	signal.Notify(ch, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(ch)
	stopped := false
	for {
		select {
		case <-ctx.Done():
			return
		case <-ch:
			if !stopped && sess.stop() {
				stopped = true
				fmt.Fprintln(os.Stderr, "Stopping after the current step; interrupt again to abort.")
				continue
			}
			cancel()
			return
		}
	}
}

// mergeLogging applies the config file's logging section; Load has already
// folded the GCN_LOG_* variables into it.
func mergeLogging(opts *applog.Options, c config.LoggingConfig) {
	if c.Level != "" {
		opts.Level = c.Level
	}
	if c.Format != "" {
		opts.Format = c.Format
	}
	if c.File != "" {
		opts.File = c.File
	}
	opts.AddSource = opts.AddSource || c.Source
}

func runIngest(_ context.Context, cmd *cli.Command, sess *session, ph *storage.ProjectHandle) error {
	if cmd.NArg() < 2 {
		return errors.New("ingest requires SOURCE and PROJECT")
	}
	src, dst := cmd.Args().Get(0), cmd.Args().Get(1)
	dst, err := filepath.Abs(dst)
	if err != nil {
		return err
	}
	if _, err := os.Stat(filepath.Join(dst, storage.ManifestFileName)); err == nil && !cmd.Bool("overwrite") {
		return fmt.Errorf("%s already holds a project (use --overwrite)", dst)
	}
	res, err := ingest.Dir(src)
	if err != nil {
		return err
	}
	for _, s := range res.Skipped {
		sess.log.Warn("file skipped", slog.String("path", s.Path), slog.String("reason", s.Reason))
	}
	res.Project.Metadata.Languages = sess.cfg.Narrative.Languages
	res.Project.Metadata.CharacterNotes = sess.cfg.Narrative.CharacterNotes
	h, err := storage.InitProject(dst, res.Project)
	if err != nil {
		return err
	}
	*ph = *h
	fmt.Printf("Created project %q at %s: %d chapters, %d pages (%d files skipped)\n",
		h.Project.Name, dst, len(h.Project.Chapters), len(h.Project.Pages), len(res.Skipped))
	return nil
}

// withProject opens PROJECT, runs fn and always saves what was produced.
func withProject(ctx context.Context, cmd *cli.Command, sess *session, ph *storage.ProjectHandle, models bool, fn func(context.Context, *pipeline.Pipeline) error) error {
	if cmd.NArg() < 1 {
		return errors.New("PROJECT is required")
	}
	if err := sess.open(ctx, cmd.Args().Get(0)); err != nil {
		return err
	}
	*ph = *sess.ph
	defer func() { _ = sess.close() }()

	p, err := sess.pipeline(models)
	if err != nil {
		return err
	}
	runErr := fn(ctx, p)
	// crops are needed by later stages; let them finish before saving
	if err := sess.crops.Wait(context.WithoutCancel(ctx)); err != nil {
		sess.log.Warn("crop wait interrupted", slog.Any("err", err))
	}
	if err := sess.save(context.WithoutCancel(ctx)); err != nil {
		return errors.Join(runErr, fmt.Errorf("save project: %w", err))
	}
	if errors.Is(runErr, pipeline.ErrStopped) {
		fmt.Fprintln(os.Stderr, "Stopped; finished work was saved.")
		return nil
	}
	return runErr
}

func runExport(ctx context.Context, cmd *cli.Command, sess *session, ph *storage.ProjectHandle) error {
	if cmd.NArg() < 1 {
		return errors.New("PROJECT is required")
	}
	if err := sess.open(ctx, cmd.Args().Get(0)); err != nil {
		return err
	}
	*ph = *sess.ph
	defer func() { _ = sess.close() }()

	if err := sess.crops.Sync(ctx); err != nil {
		return fmt.Errorf("render crops: %w", err)
	}
	written, err := export.BatchExport(sess.store, filepath.Join(sess.ph.Root, storage.ExportsDirName), export.BatchOptions{
		Preset:      export.PresetName(cmd.String("preset")),
		Formats:     cmd.StringSlice("format"),
		Chapters:    cmd.StringSlice("chapter"),
		Languages:   cmd.StringSlice("lang"),
		SkipMissing: cmd.Bool("skip-missing"),
		OutDir:      cmd.String("out"),
	})
	for _, w := range written {
		fmt.Println(w)
	}
	return err
}
