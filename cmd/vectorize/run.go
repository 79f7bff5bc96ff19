package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/robmcdonald5/vec2art-sub009/internal/bootstrap"
	"github.com/robmcdonald5/vec2art-sub009/internal/engine"
	"github.com/robmcdonald5/vec2art-sub009/internal/infra"
	"github.com/robmcdonald5/vec2art-sub009/internal/orchestrator"
	"github.com/robmcdonald5/vec2art-sub009/internal/storage"
	"github.com/robmcdonald5/vec2art-sub009/pkg/zip"
)

type runFlags struct {
	session     sessionFlags
	Priority    int
	Out         string
	Zip         string
	Concurrency int
}

type outcome struct {
	Input  string
	Output string
	Cached bool
	Stats  engine.Stats
	Err    error
}

func newRunCmd() *cobra.Command {
	var f runFlags
	cmd := &cobra.Command{
		Use:   "run <images...>",
		Short: "Vectorize one or more images",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runImages(cmd.Context(), &f, args)
		},
	}
	f.session.register(cmd)
	cmd.Flags().IntVar(&f.Priority, "priority", 0, "queue priority, higher runs first")
	cmd.Flags().StringVarP(&f.Out, "out", "o", ".", "directory for SVG files")
	cmd.Flags().StringVar(&f.Zip, "zip", "", "also bundle every SVG into this zip file")
	cmd.Flags().IntVarP(&f.Concurrency, "concurrency", "c", 0, "images in flight, defaults to the engine pool size")
	return cmd
}

func runImages(parent context.Context, f *runFlags, inputs []string) error {
	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if f.Concurrency <= 0 {
		f.Concurrency = cfg.EnginePoolSize
	}
	if cfg.EngineKind == infra.EngineSynthetic && f.Concurrency > runtime.NumCPU() {
		f.Concurrency = runtime.NumCPU()
	}
	// Up to Concurrency submissions wait in the queue at once.
	if cfg.QueueMaxDepth > 0 && cfg.QueueMaxDepth < f.Concurrency {
		cfg.QueueMaxDepth = f.Concurrency
	}

	stack, err := bootstrap.New(cfg, cliLogger(cfg), nil)
	if err != nil {
		return err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = stack.Close(closeCtx)
	}()

	if err := f.session.apply(stack.Orch); err != nil {
		return err
	}
	if err := stack.Orch.Validate().Err(); err != nil {
		return err
	}

	store, err := storage.NewFileStore(f.Out)
	if err != nil {
		return err
	}

	bar, _ := pterm.DefaultProgressbar.WithTotal(len(inputs)).WithTitle("Vectorizing").Start()
	results := make([]outcome, len(inputs))
	names := svgNames(inputs)
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(f.Concurrency)
	for i, in := range inputs {
		g.Go(func() error {
			res := vectorizeOne(gctx, stack.Orch, store, in, names[i], f.Priority)
			mu.Lock()
			results[i] = res
			if bar != nil {
				bar.UpdateTitle(filepath.Base(in))
				bar.Increment()
			}
			mu.Unlock()
			// one bad image must not stop the batch
			return nil
		})
	}
	_ = g.Wait()
	if bar != nil {
		_, _ = bar.Stop()
	}

	if f.Zip != "" {
		if err := writeZip(ctx, store, f.Zip, results); err != nil {
			return err
		}
		pterm.Success.Printfln("wrote %s", f.Zip)
	}

	printSummary(results, stack.Orch.GetMetrics())
	failed := 0
	for _, r := range results {
		if r.Err != nil {
			failed++
		}
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d images failed", failed, len(results))
	}
	return ctx.Err()
}

func vectorizeOne(ctx context.Context, orch *orchestrator.Orchestrator, store *storage.FileStore, input, name string, priority int) outcome {
	out := outcome{Input: input}
	data, err := os.ReadFile(input)
	if err != nil {
		out.Err = err
		return out
	}
	h, err := orch.SubmitJob(ctx, data, priority)
	if err != nil {
		out.Err = err
		return out
	}
	res, err := h.Result(ctx)
	if err != nil {
		if ctx.Err() != nil {
			_ = h.Cancel()
		}
		out.Err = err
		return out
	}
	out.Cached = h.Cached()
	out.Stats = res.Stats
	out.Output, out.Err = store.Write(ctx, name, []byte(res.SVG))
	return out
}

// svgNames maps each input to an output file name. Inputs sharing a base
// name get -2, -3 and so on instead of overwriting each other.
func svgNames(inputs []string) []string {
	names := make([]string, len(inputs))
	used := make(map[string]bool, len(inputs))
	for i, in := range inputs {
		base := filepath.Base(in)
		stem := strings.TrimSuffix(base, filepath.Ext(base))
		name := stem + ".svg"
		for n := 2; used[name]; n++ {
			name = fmt.Sprintf("%s-%d.svg", stem, n)
		}
		used[name] = true
		names[i] = name
	}
	return names
}

func writeZip(ctx context.Context, store *storage.FileStore, path string, results []outcome) error {
	assets := make([]zip.Asset, 0, len(results))
	for _, r := range results {
		if r.Err != nil {
			continue
		}
		data, err := store.Read(ctx, r.Output)
		if err != nil {
			return err
		}
		assets = append(assets, zip.Asset{Filename: r.Output, MIME: "image/svg+xml", Data: data})
	}
	file, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := zip.WriteAssets(file, assets); err != nil {
		_ = file.Close()
		return err
	}
	return file.Close()
}

func printSummary(results []outcome, m orchestrator.Metrics) {
	rows := [][]string{{"Input", "Output", "Paths", "Time", "Status"}}
	for _, r := range results {
		status := pterm.Green("ok")
		switch {
		case r.Err != nil:
			status = pterm.Red(r.Err.Error())
		case r.Cached:
			status = pterm.Cyan("cached")
		}
		rows = append(rows, []string{
			r.Input,
			r.Output,
			fmt.Sprint(r.Stats.Paths),
			(time.Duration(r.Stats.ProcessingMS) * time.Millisecond).String(),
			status,
		})
	}
	_ = pterm.DefaultTable.WithHasHeader().WithData(rows).Render()
	pterm.Info.Printfln("cache hit ratio %.0f%%, %d completed, %d failed",
		m.CacheHitRatio*100, m.Jobs.Completed, m.Jobs.Failed)
}
