package preflight

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/zhisenyang/EverMemOS-sub003/internal/embed"
	"github.com/zhisenyang/EverMemOS-sub003/internal/llm"
	"github.com/zhisenyang/EverMemOS-sub003/pkg/searcher"
)

// probeText is embedded by the online embedder check.
const probeText = "evermem preflight"

// probePrompt is sent by the online LLM check.
const probePrompt = "Reply with the single word OK."

// CheckEmbedder builds the configured embedder and, when online, embeds
// one short text. Failures are warnings: a failed vector pass degrades to
// lexical results.
func (c *Checker) CheckEmbedder(ctx context.Context) CheckResult {
	result := CheckResult{
		Name:     "embedder",
		Required: false,
		Details:  fmt.Sprintf("Provider: %s, model: %s", c.cfg.Embeddings.Provider, c.cfg.Embeddings.Model),
	}

	e := c.embedder
	if e == nil {
		built, err := embed.NewEmbedder(searcher.EmbedderConfig(c.cfg))
		if err != nil {
			result.Status = StatusWarn
			result.Message = err.Error()
			return result
		}
		defer func() { _ = built.Close() }()
		e = built
	}

	if !c.online {
		result.Status = StatusPass
		result.Message = fmt.Sprintf("%s configured (not contacted)", e.ModelName())
		return result
	}

	probeCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	start := time.Now()
	vec, err := e.Embed(probeCtx, probeText)
	if err != nil {
		result.Status = StatusWarn
		result.Message = fmt.Sprintf("%s unreachable: %v", e.ModelName(), err)
		return result
	}
	result.Status = StatusPass
	result.Message = fmt.Sprintf("%s answered in %s (%d dimensions)", e.ModelName(), time.Since(start).Round(time.Millisecond), len(vec))
	return result
}

// CheckLLM builds the judge completer and, when online, sends one prompt.
// It is required only while multi-query retrieval is on.
func (c *Checker) CheckLLM(ctx context.Context) CheckResult {
	result := CheckResult{
		Name:     "llm",
		Required: c.cfg.Agentic.EnableMultiQuery,
		Details:  fmt.Sprintf("Provider: %s, model: %s", c.cfg.LLM.Provider, c.cfg.LLM.Model),
	}
	if !c.cfg.Agentic.EnableMultiQuery {
		result.Status = StatusPass
		result.Message = "not used (multi-query disabled)"
		return result
	}

	cc := c.completer
	if cc == nil {
		built, err := llm.New(searcher.LLMConfig(c.cfg))
		if err != nil {
			result.Status = StatusFail
			result.Message = err.Error()
			return result
		}
		cc = built
	}

	if !c.online {
		result.Status = StatusPass
		result.Message = fmt.Sprintf("%s configured (not contacted)", c.cfg.LLM.Model)
		return result
	}

	probeCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	start := time.Now()
	reply, err := cc.ChatComplete(probeCtx, probePrompt)
	if err != nil {
		result.Status = StatusFail
		result.Message = fmt.Sprintf("%s unreachable: %v", c.cfg.LLM.Model, err)
		return result
	}
	if strings.TrimSpace(reply) == "" {
		result.Status = StatusWarn
		result.Message = fmt.Sprintf("%s returned an empty reply", c.cfg.LLM.Model)
		return result
	}
	result.Status = StatusPass
	result.Message = fmt.Sprintf("%s answered in %s", c.cfg.LLM.Model, time.Since(start).Round(time.Millisecond))
	return result
}
