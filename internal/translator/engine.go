package translator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"unicode/utf8"

	"golang.org/x/sync/errgroup"
)

const (
	defaultParallelCalls = 5
	reflectionMinChars   = 50
	fullTextPromptLimit  = 5000
	summaryFallback      = "（无法生成总结，直接翻译）"
)

// Options selects the translation strategy. Zero values disable features, so
// callers normally start from DefaultOptions.
type Options struct {
	SourceLang     string
	TargetLang     string
	UseReflection  bool
	UseContext     bool
	ContextWindow  int
	UseFullContext bool
}

func DefaultOptions() Options {
	return Options{
		SourceLang:     "auto",
		TargetLang:     "zh",
		UseReflection:  true,
		UseContext:     true,
		ContextWindow:  2,
		UseFullContext: true,
	}
}

// Engine drives a Provider through one of three prompt strategies:
// single-shot (optionally with a reflection pass), summary plus sliding
// window, or sliding window alone.
type Engine struct {
	provider Provider
	parallel int
}

// NewEngine wraps a provider. parallel caps concurrent provider calls;
// values below 1 use the default.
func NewEngine(p Provider, parallel int) *Engine {
	if parallel < 1 {
		parallel = defaultParallelCalls
	}
	return &Engine{provider: p, parallel: parallel}
}

// TranslateBatch returns one translation per input, in order. Failed or
// empty segments come back as empty strings; only ErrQuotaExceeded (or
// cancellation) makes the whole call fail.
func (e *Engine) TranslateBatch(ctx context.Context, texts []string, opts Options) ([]string, error) {
	if len(texts) == 0 {
		return []string{}, nil
	}

	if !opts.UseContext || len(texts) == 1 {
		return e.singleShot(ctx, texts, opts)
	}
	if opts.UseFullContext {
		out, err := e.summaryAndWindow(ctx, texts, opts.ContextWindow)
		if err == nil {
			return out, nil
		}
		if errors.Is(err, ErrQuotaExceeded) || ctx.Err() != nil {
			return nil, err
		}
		slog.Warn("summary mode failed, falling back to full-context mode", "error", err)
		return e.fullContext(ctx, texts)
	}
	return e.slidingWindow(ctx, texts, opts.ContextWindow)
}

// singleShot translates segments independently with bounded concurrency.
func (e *Engine) singleShot(ctx context.Context, texts []string, opts Options) ([]string, error) {
	out := make([]string, len(texts))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.parallel)

	for i, text := range texts {
		g.Go(func() error {
			if strings.TrimSpace(text) == "" {
				return nil
			}
			result, err := e.translateOne(gctx, text, opts.UseReflection)
			if err != nil {
				if errors.Is(err, ErrQuotaExceeded) {
					return err
				}
				slog.Warn("segment translation failed", "index", i, "error", err)
				return nil
			}
			out[i] = result
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	e.logAccounting("single-shot", texts, out)
	return out, nil
}

// translateOne runs the two-call reflection protocol for long segments: an
// initial draft, then a revision pass. The revision is kept only when it is
// at least 80% of the draft's length, a cheap proxy for "did not truncate".
func (e *Engine) translateOne(ctx context.Context, text string, useReflection bool) (string, error) {
	initial, err := e.provider.Call(ctx, buildSimplePrompt(text))
	if err != nil {
		return "", err
	}
	if !useReflection || utf8.RuneCountInString(text) < reflectionMinChars {
		return initial, nil
	}

	revised, err := e.provider.Call(ctx, buildReflectionPrompt(text, initial))
	if err != nil {
		if errors.Is(err, ErrQuotaExceeded) {
			return "", err
		}
		slog.Warn("reflection pass failed, keeping initial draft", "error", err)
		return initial, nil
	}
	if len(revised) >= len(initial)*8/10 {
		return revised, nil
	}
	return initial, nil
}

// summaryAndWindow is the preferred mode: one summary call over the joined
// text, then per-segment window prompts carrying that summary.
func (e *Engine) summaryAndWindow(ctx context.Context, texts []string, window int) ([]string, error) {
	fullText := strings.Join(texts, " ")
	slog.Info("translating with summary and sliding window",
		"segments", len(texts), "full_text_chars", utf8.RuneCountInString(fullText))

	summary, err := e.provider.Call(ctx, buildSummaryPrompt(fullText))
	if err != nil {
		if errors.Is(err, ErrQuotaExceeded) || ctx.Err() != nil {
			return nil, err
		}
		slog.Warn("summary generation failed, continuing without background", "error", err)
		summary = summaryFallback
	}

	out := make([]string, len(texts))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.parallel)

	for i, text := range texts {
		g.Go(func() error {
			if strings.TrimSpace(text) == "" {
				return nil
			}
			before, after := contextAround(texts, i, window)
			result, err := e.provider.Call(gctx, buildWindowPrompt(text, summary, before, after))
			if err != nil {
				if errors.Is(err, ErrQuotaExceeded) {
					return err
				}
				slog.Warn("segment translation failed", "index", i, "error", err)
				return nil
			}
			out[i] = result
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	e.logAccounting("summary+window", texts, out)
	return out, nil
}

// fullContext is the legacy mode: every segment prompt carries the whole
// transcript, unless it is long enough to bloat prompts, in which case the
// window silently widens to ±3 and the full text is dropped.
func (e *Engine) fullContext(ctx context.Context, texts []string) ([]string, error) {
	fullText := strings.Join(texts, " ")
	longText := utf8.RuneCountInString(fullText) > fullTextPromptLimit
	if longText {
		slog.Info("full text too long for per-segment prompts, using widened window", "chars", utf8.RuneCountInString(fullText))
	}

	out := make([]string, len(texts))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.parallel)

	for i, text := range texts {
		g.Go(func() error {
			if strings.TrimSpace(text) == "" {
				return nil
			}
			var prompt string
			if longText {
				before, after := contextAround(texts, i, 3)
				prompt = buildContextPrompt(text, before, after)
			} else {
				prompt = buildFullContextPrompt(text, fullText)
			}
			result, err := e.provider.Call(gctx, prompt)
			if err != nil {
				if errors.Is(err, ErrQuotaExceeded) {
					return err
				}
				slog.Warn("segment translation failed", "index", i, "error", err)
				return nil
			}
			out[i] = result
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	e.logAccounting("full-context", texts, out)
	return out, nil
}

// slidingWindow translates with neighbour context only, no summary.
func (e *Engine) slidingWindow(ctx context.Context, texts []string, window int) ([]string, error) {
	out := make([]string, len(texts))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.parallel)

	for i, text := range texts {
		g.Go(func() error {
			if strings.TrimSpace(text) == "" {
				return nil
			}
			before, after := contextAround(texts, i, window)
			result, err := e.provider.Call(gctx, buildContextPrompt(text, before, after))
			if err != nil {
				if errors.Is(err, ErrQuotaExceeded) {
					return err
				}
				slog.Warn("segment translation failed", "index", i, "error", err)
				return nil
			}
			out[i] = result
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	e.logAccounting("sliding-window", texts, out)
	return out, nil
}

// TranslateTitle is a single reflective translation used for episode titles.
func (e *Engine) TranslateTitle(ctx context.Context, title string) (string, error) {
	if strings.TrimSpace(title) == "" {
		return "", nil
	}
	return e.translateOne(ctx, title, true)
}

// contextAround joins up to window segments on each side of index i.
func contextAround(texts []string, i, window int) (before, after string) {
	if window <= 0 {
		return "", ""
	}
	lo := max(0, i-window)
	hi := min(len(texts), i+window+1)
	before = strings.Join(texts[lo:i], " ")
	after = strings.Join(texts[i+1:hi], " ")
	return before, after
}

func (e *Engine) logAccounting(mode string, texts, out []string) {
	success := 0
	var failed []int
	for i, t := range out {
		if t != "" || strings.TrimSpace(texts[i]) == "" {
			success++
		} else if len(failed) < 10 {
			failed = append(failed, i)
		}
	}
	fields := []any{"mode", mode, "success", success, "total", len(texts)}
	if len(failed) > 0 {
		fields = append(fields, "failed_indices", fmt.Sprint(failed))
	}
	slog.Info("translation batch finished", fields...)
}
