// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/AleutianAI/ModelGallery/cmd/gallery/config"
	"github.com/AleutianAI/ModelGallery/cmd/gallery/internal/catalog"
	"github.com/AleutianAI/ModelGallery/cmd/gallery/internal/download"
	"github.com/AleutianAI/ModelGallery/cmd/gallery/internal/gallery"
	"github.com/AleutianAI/ModelGallery/cmd/gallery/internal/lifecycle"
	"github.com/AleutianAI/ModelGallery/cmd/gallery/internal/server"
)

// rootOptions are the persistent flags shared by every command.
type rootOptions struct {
	configPath string
	logLevel   string
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	rootCmd := &cobra.Command{
		Use:   "gallery",
		Short: "Download, import and run on-device models",
		Long: `gallery manages a local catalog of on-device models: it downloads
allowlisted models (handling gated access and publisher agreements),
imports local model files and initializes models for inference.`,
		SilenceUsage: true,
		Version:      version,
	}
	rootCmd.PersistentFlags().StringVar(&opts.configPath, "config", "",
		"Path to the config file (default ~/.gallery/gallery.yaml)")
	rootCmd.PersistentFlags().StringVar(&opts.logLevel, "log-level", "",
		"Override the configured log level (debug, info, warn, error)")

	rootCmd.AddCommand(
		newServeCmd(opts),
		newModelsCmd(opts),
		newTokenCmd(opts),
	)
	return rootCmd
}

// withApp loads the config, wires the app, optionally builds the catalog,
// runs fn and tears everything down. SIGINT and SIGTERM cancel ctx.
func withApp(cmd *cobra.Command, opts *rootOptions, build bool, fn func(ctx context.Context, a *app) error) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return err
	}
	if opts.logLevel != "" {
		cfg.Logging.Level = opts.logLevel
	}

	a, err := newApp(ctx, cfg, cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		defer cancel()
		a.Close(closeCtx)
	}()

	if build {
		if err := a.svc.Build(ctx); err != nil {
			return fmt.Errorf("build catalog: %w", err)
		}
	}
	return fn(ctx, a)
}

func newServeCmd(opts *rootOptions) *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the gallery HTTP API until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, opts, true, func(ctx context.Context, a *app) error {
				if addr == "" {
					addr = a.cfg.Server.Addr
				}
				srv := server.New(server.Config{
					Service:     a.svc,
					ServiceName: serviceName,
					Logger:      a.logger.Slog(),
				})

				g, ctx := errgroup.WithContext(ctx)
				g.Go(func() error {
					return srv.ListenAndServe(ctx, addr)
				})
				if a.cfg.Allowlist.Watch {
					g.Go(func() error {
						return a.svc.WatchAllowlist(ctx)
					})
				}
				a.logger.Info("Gallery server started", "addr", addr)
				err := g.Wait()
				if errors.Is(err, context.Canceled) {
					return nil
				}
				return err
			})
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "Listen address (default from config)")
	return cmd
}

func newModelsCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "models",
		Short:   "List, download, import and run models",
		Aliases: []string{"m"},
	}
	cmd.AddCommand(
		newModelsListCmd(opts),
		newModelsDownloadCmd(opts),
		newModelsCancelCmd(opts),
		newModelsRetryCmd(opts),
		newModelsDeleteCmd(opts),
		newModelsImportCmd(opts),
		newModelsInitCmd(opts),
	)
	return cmd
}

func newModelsListCmd(opts *rootOptions) *cobra.Command {
	var taskID string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List catalog and imported models with their status",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, opts, true, func(ctx context.Context, a *app) error {
				return printModels(cmd.OutOrStdout(), a.svc, taskID)
			})
		},
	}
	cmd.Flags().StringVar(&taskID, "task", "", "Only list models of this task")
	return cmd
}

func printModels(w io.Writer, svc *gallery.Service, taskID string) error {
	views := svc.Models()
	if taskID != "" {
		if _, ok := svc.Registry().Task(taskID); !ok {
			return fmt.Errorf("%w: %s", catalog.ErrTaskNotFound, taskID)
		}
	}

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "NAME\tTASKS\tSIZE\tDOWNLOAD\tINIT")
	n := 0
	for _, v := range views {
		if taskID != "" && !contains(v.Tasks, taskID) {
			continue
		}
		n++
		name := v.Model.Name
		if v.Model.Imported {
			name += " (imported)"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n",
			name,
			strings.Join(v.Tasks, ","),
			formatBytes(v.Model.SizeInBytes),
			downloadCell(v.Download),
			v.Init.Status,
		)
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	if n == 0 {
		fmt.Fprintln(w, "No models. Check the allowlist or import a model file.")
	}
	return nil
}

func downloadCell(s download.DownloadStatus) string {
	switch s.Status {
	case download.StatusInProgress, download.StatusPartiallyDownloaded:
		return fmt.Sprintf("%s %.0f%%", s.Status, s.Progress()*100)
	default:
		return s.Status.String()
	}
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func newModelsDownloadCmd(opts *rootOptions) *cobra.Command {
	var initAfter bool
	cmd := &cobra.Command{
		Use:   "download <task> <name>",
		Short: "Download a model, requesting access when it is gated",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			taskID, name := args[0], args[1]
			return withApp(cmd, opts, true, func(ctx context.Context, a *app) error {
				out := cmd.OutOrStdout()
				res, err := a.svc.Download(ctx, taskID, name)
				if err != nil {
					return err
				}
				if res.Outcome == gallery.OutcomeNeedsAgreement {
					fmt.Fprintf(out, "%s requires accepting the publisher's terms.\nOpen %s, accept the agreement, then press Enter to continue.\n",
						name, res.AgreementURL)
					if err := waitForEnter(ctx, cmd.InOrStdin()); err != nil {
						return err
					}
					res, err = a.svc.AcknowledgeAgreement(ctx, taskID, name)
					if err != nil {
						return err
					}
				}
				if err := outcomeError(name, res); err != nil {
					return err
				}

				renderer := newProgressRenderer(out, isTerminal(out))
				final, err := waitForDownload(ctx, a.svc, name, renderer)
				if err != nil {
					return err
				}
				if final.Status != download.StatusSucceeded {
					return fmt.Errorf("download of %s ended with %s", name, final.Status)
				}
				if initAfter {
					return initialize(ctx, out, a.svc, name, "")
				}
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&initAfter, "init", false, "Initialize the model after it downloads")
	return cmd
}

// outcomeError maps the outcomes that do not start a transfer to errors.
func outcomeError(name string, res gallery.Result) error {
	switch res.Outcome {
	case gallery.OutcomeStarted, gallery.OutcomeAlreadyActive:
		return nil
	case gallery.OutcomeUserCancelled:
		return fmt.Errorf("authorization for %s was cancelled", name)
	case gallery.OutcomeNeedsAgreement:
		return fmt.Errorf("%s still needs the publisher agreement at %s", name, res.AgreementURL)
	default:
		if res.Reason != "" {
			return fmt.Errorf("download of %s failed (%s): %s", name, res.Outcome, res.Reason)
		}
		return fmt.Errorf("download of %s failed (%s)", name, res.Outcome)
	}
}

func waitForEnter(ctx context.Context, in io.Reader) error {
	done := make(chan error, 1)
	go func() {
		_, err := bufio.NewReader(in).ReadString('\n')
		if errors.Is(err, io.EOF) {
			err = nil
		}
		done <- err
	}()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-done:
		return err
	}
}

func newModelsCancelCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <task> <name>",
		Short: "Cancel a download and remove its partial files",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, opts, true, func(ctx context.Context, a *app) error {
				if err := a.svc.Cancel(ctx, args[0], args[1]); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Cancelled %s\n", args[1])
				return nil
			})
		},
	}
}

func newModelsRetryCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "retry <task> <name>",
		Short: "Retry a failed download",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			taskID, name := args[0], args[1]
			return withApp(cmd, opts, true, func(ctx context.Context, a *app) error {
				started, err := a.svc.Retry(ctx, taskID, name)
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				if !started {
					fmt.Fprintf(out, "%s is not in a retryable state\n", name)
					return nil
				}
				final, err := waitForDownload(ctx, a.svc, name, newProgressRenderer(out, isTerminal(out)))
				if err != nil {
					return err
				}
				if final.Status != download.StatusSucceeded {
					return fmt.Errorf("download of %s ended with %s", name, final.Status)
				}
				return nil
			})
		},
	}
}

func newModelsDeleteCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:     "delete <name>",
		Short:   "Delete a model's files; imported models leave the catalog",
		Aliases: []string{"rm"},
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, opts, true, func(ctx context.Context, a *app) error {
				if err := a.svc.Delete(ctx, args[0]); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Deleted %s\n", args[0])
				return nil
			})
		},
	}
}

func newModelsImportCmd(opts *rootOptions) *cobra.Command {
	var (
		name    string
		taskIDs []string
		image   bool
		audio   bool
	)
	cmd := &cobra.Command{
		Use:   "import <path>",
		Short: "Import a local model file into the LLM tasks",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, opts, true, func(ctx context.Context, a *app) error {
				m, err := a.svc.Import(ctx, gallery.ImportOptions{
					SourcePath:      args[0],
					Name:            name,
					TaskIDs:         taskIDs,
					LLMSupportImage: image,
					LLMSupportAudio: audio,
				})
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Imported %s (%s) into %s\n",
					m.Name, formatBytes(m.SizeInBytes), strings.Join(a.svc.Registry().TasksForModel(m.Name), ", "))
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "Model name (default: file name)")
	cmd.Flags().StringSliceVar(&taskIDs, "task", nil, "Task to add the model to (repeatable; default: every LLM task)")
	cmd.Flags().BoolVar(&image, "image", false, "The model accepts image input")
	cmd.Flags().BoolVar(&audio, "audio", false, "The model accepts audio input")
	return cmd
}

func newModelsInitCmd(opts *rootOptions) *cobra.Command {
	var input string
	cmd := &cobra.Command{
		Use:   "init <name>",
		Short: "Initialize a downloaded model and optionally run one input",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, opts, true, func(ctx context.Context, a *app) error {
				return initialize(ctx, cmd.OutOrStdout(), a.svc, args[0], input)
			})
		},
	}
	cmd.Flags().StringVar(&input, "input", "", "Run this input once the model is initialized")
	return cmd
}

func initialize(ctx context.Context, out io.Writer, svc *gallery.Service, name, input string) error {
	done, err := svc.Initialize(ctx, name, false)
	if err != nil {
		return err
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-done:
	}

	view, ok := svc.Model(name)
	if !ok {
		return fmt.Errorf("%w: %s", catalog.ErrModelNotFound, name)
	}
	if view.Init.Status != lifecycle.StatusInitialized {
		return fmt.Errorf("initialize %s: %s", name, view.Init.Error)
	}
	fmt.Fprintf(out, "Initialized %s\n", name)

	if input == "" {
		return nil
	}
	result, err := svc.Run(ctx, name, input)
	if err != nil {
		return err
	}
	fmt.Fprintln(out, result)
	return nil
}

func newTokenCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Inspect or clear the stored access token",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "status",
			Short: "Show whether an access token is stored and valid",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				return withApp(cmd, opts, false, func(ctx context.Context, a *app) error {
					rec, status := a.svc.Tokens().Load(ctx)
					out := cmd.OutOrStdout()
					if rec == nil {
						fmt.Fprintln(out, status)
						return nil
					}
					fmt.Fprintf(out, "%s (expires %s)\n", status, rec.ExpiresAt().Format(time.RFC3339))
					return nil
				})
			},
		},
		&cobra.Command{
			Use:   "clear",
			Short: "Remove the stored access token",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				return withApp(cmd, opts, false, func(ctx context.Context, a *app) error {
					if err := a.svc.Tokens().Clear(ctx); err != nil {
						return err
					}
					fmt.Fprintln(cmd.OutOrStdout(), "Token cleared")
					return nil
				})
			},
		},
	)
	return cmd
}
