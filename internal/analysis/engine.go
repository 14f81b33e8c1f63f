package analysis

import (
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/relay/internal/tools"
)

const (
	MaxToolRounds  = 15
	MaxTokens      = 100000
	ResponseTokens = 4096
)

// CompleteEvent summarizes a finished analysis for metrics.
type CompleteEvent struct {
	Kind      Kind
	Status    Status
	Model     string
	Duration  float64
	LLMTime   float64
	ToolTime  float64
	TokensIn  int
	TokensOut int
	ToolCalls int
}

// Hooks are optional callbacks fired by the Engine.
type Hooks struct {
	OnLLMCall  func(inputTokens, outputTokens int, duration float64)
	OnToolCall func(name string, duration float64, inputBytes, outputBytes int, isError bool)
	OnComplete func(e *CompleteEvent)
	OnFailure  func(kind Kind)
}

// Engine runs an LLM tool loop over a task.
type Engine struct {
	provider Provider
	registry *tools.Registry
	L        log.Logger
	hooks    Hooks
}

var _ Analyzer = (*Engine)(nil)

// NewEngine returns an Engine.
func NewEngine(provider Provider, registry *tools.Registry, logger log.Logger, hooks Hooks) *Engine {
	if registry == nil {
		registry = tools.NewRegistry()
	}
	if logger == nil {
		logger = log.Nop()
	}
	return &Engine{provider: provider, registry: registry, L: logger, hooks: hooks}
}

// Analyze converses with the provider until it ends its turn or a budget
// runs out. Provider errors are returned; tool errors are fed back to the
// model as error results.
func (e *Engine) Analyze(ctx context.Context, t Task) (Result, error) {
	start := time.Now()
	L := e.L.With("alert_id", t.AlertID, "kind", string(t.Kind))

	system := systemPrompt(t.Kind)
	messages := []Message{{
		Role:    "user",
		Content: []ContentBlock{{Type: "text", Text: initialPrompt(t)}},
	}}

	var (
		res      = Result{Status: StatusComplete}
		llmTime  time.Duration
		toolTime time.Duration
	)

	for {
		if res.ToolCalls >= MaxToolRounds {
			L.Warn(ctx, "analysis hit tool call limit", "limit", MaxToolRounds)
			res.Status = StatusTruncated
			res.Text = joinText(res.Text, "Analysis terminated: tool call budget exhausted")
			break
		}
		if res.InputTokens+res.OutputTokens >= MaxTokens {
			L.Warn(ctx, "analysis hit token limit", "limit", MaxTokens)
			res.Status = StatusTruncated
			res.Text = joinText(res.Text, "Analysis terminated: token budget exhausted")
			break
		}

		callStart := time.Now()
		resp, err := e.provider.Send(ctx, &Request{
			MaxTokens: ResponseTokens,
			System:    system,
			Messages:  messages,
			Tools:     e.registry.ToToolDefs(),
		})
		callDur := time.Since(callStart)
		llmTime += callDur
		if err != nil {
			if e.hooks.OnFailure != nil {
				e.hooks.OnFailure(t.Kind)
			}
			return res, fmt.Errorf("llm call: %w", err)
		}
		if e.hooks.OnLLMCall != nil {
			e.hooks.OnLLMCall(resp.Usage.InputTokens, resp.Usage.OutputTokens, callDur.Seconds())
		}

		res.InputTokens += resp.Usage.InputTokens
		res.OutputTokens += resp.Usage.OutputTokens
		if resp.Model != "" {
			res.Model = resp.Model
		}
		L.Info(ctx, "llm response",
			"stop_reason", resp.StopReason,
			"input_tokens", resp.Usage.InputTokens,
			"output_tokens", resp.Usage.OutputTokens,
		)

		messages = append(messages, Message{Role: "assistant", Content: resp.Content})

		for _, b := range resp.Content {
			if b.Type == "text" && b.Text != "" {
				res.Text = b.Text
			}
		}

		if resp.StopReason != StopToolUse {
			break
		}

		var results []ContentBlock
		for _, b := range resp.Content {
			if b.Type != "tool_use" {
				continue
			}
			res.ToolCalls++
			if !slices.Contains(res.ToolsUsed, b.Name) {
				res.ToolsUsed = append(res.ToolsUsed, b.Name)
			}

			toolStart := time.Now()
			block := e.runTool(ctx, L, b)
			dur := time.Since(toolStart)
			toolTime += dur
			if e.hooks.OnToolCall != nil {
				e.hooks.OnToolCall(b.Name, dur.Seconds(), len(b.Input), len(block.Content), block.IsError)
			}
			results = append(results, block)
		}
		messages = append(messages, Message{Role: "user", Content: results})
	}

	res.Duration = time.Since(start).Seconds()
	res.LLMTime = llmTime.Seconds()
	res.ToolTime = toolTime.Seconds()
	if e.hooks.OnComplete != nil {
		e.hooks.OnComplete(&CompleteEvent{
			Kind:      t.Kind,
			Status:    res.Status,
			Model:     res.Model,
			Duration:  res.Duration,
			LLMTime:   res.LLMTime,
			ToolTime:  res.ToolTime,
			TokensIn:  res.InputTokens,
			TokensOut: res.OutputTokens,
			ToolCalls: res.ToolCalls,
		})
	}
	L.Info(ctx, "analysis complete",
		"duration", res.Duration,
		"tool_calls", res.ToolCalls,
		"status", string(res.Status),
	)
	return res, nil
}

func (e *Engine) runTool(ctx context.Context, L log.Logger, b ContentBlock) ContentBlock {
	tool, ok := e.registry.Get(b.Name)
	if !ok {
		return ContentBlock{
			Type:      "tool_result",
			ToolUseID: b.ID,
			Content:   "unknown tool: " + b.Name,
			IsError:   true,
		}
	}
	out, err := tool.Execute(ctx, b.Input)
	if err != nil {
		L.Warn(ctx, "tool execution failed", "tool", b.Name, "error", err)
		return ContentBlock{
			Type:      "tool_result",
			ToolUseID: b.ID,
			Content:   fmt.Sprintf("tool error: %v", err),
			IsError:   true,
		}
	}
	return ContentBlock{Type: "tool_result", ToolUseID: b.ID, Content: string(out)}
}

func joinText(text, note string) string {
	if text == "" {
		return note
	}
	return text + "\n\n" + note
}
