package reasoner

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/mongodb-industry-solutions/fsi-aml-fraud-detection-sub003/internal/fault"
)

// reasonerMaxRetries bounds transient-failure retries per HTTP call.
const reasonerMaxRetries = 1

// OpenAIReasoner drives the verdict through the OpenAI chat completions API
// with function calling over the capability table.
type OpenAIReasoner struct {
	apiKey     string
	model      string
	baseURL    string
	httpClient *http.Client
}

// NewOpenAIReasoner creates the reasoner. Model defaults to gpt-4o-mini.
func NewOpenAIReasoner(apiKey, model string) *OpenAIReasoner {
	if model == "" {
		model = "gpt-4o-mini"
	}
	return &OpenAIReasoner{
		apiKey:  apiKey,
		model:   model,
		baseURL: "https://api.openai.com/v1",
		httpClient: &http.Client{
			Timeout: perCallTimeout + 5*time.Second, // HTTP timeout slightly beyond per-call context timeout.
		},
	}
}

func (r *OpenAIReasoner) Name() string { return "openai/" + r.model }

// Healthy reports whether the reasoner is usable. There is no cheap liveness
// endpoint worth probing; a configured API key is the best static signal.
func (r *OpenAIReasoner) Healthy(context.Context) error {
	if r.apiKey == "" {
		return fmt.Errorf("reasoner: openai api key not configured")
	}
	return nil
}

type openAIChatMessage struct {
	Role       string           `json:"role"`
	Content    string           `json:"content,omitempty"`
	ToolCalls  []openAIToolCall `json:"tool_calls,omitempty"`
	ToolCallID string           `json:"tool_call_id,omitempty"`
}

type openAIToolCall struct {
	ID       string `json:"id"`
	Type     string `json:"type"`
	Function struct {
		Name      string `json:"name"`
		Arguments string `json:"arguments"`
	} `json:"function"`
}

type openAIToolDef struct {
	Type     string       `json:"type"`
	Function FunctionSpec `json:"function"`
}

type openAIChatRequest struct {
	Model    string              `json:"model"`
	Messages []openAIChatMessage `json:"messages"`
	Tools    []openAIToolDef     `json:"tools,omitempty"`
}

type openAIChatResponse struct {
	Choices []struct {
		Message      openAIChatMessage `json:"message"`
		FinishReason string            `json:"finish_reason"`
	} `json:"choices"`
}

// Reason runs the tool-call loop until the model produces a final answer or
// the tool budget runs out. Each HTTP call gets its own deadline and one
// bounded retry on transient failure; ctx carries the overall wall clock.
func (r *OpenAIReasoner) Reason(ctx context.Context, input Input) (Verdict, error) {
	messages := []openAIChatMessage{
		{Role: "system", Content: systemPrompt},
		{Role: "user", Content: formatPrompt(input)},
	}

	var tools []openAIToolDef
	if input.Tools != nil {
		specs, err := input.Tools.FunctionSpecs()
		if err != nil {
			return Verdict{}, err
		}
		for _, spec := range specs {
			tools = append(tools, openAIToolDef{Type: "function", Function: spec})
		}
	}

	toolCallsUsed := 0
	// One round beyond the budget so the model can answer after its last
	// tool result.
	for round := 0; round <= input.ToolBudget+1; round++ {
		msg, err := r.complete(ctx, openAIChatRequest{Model: r.model, Messages: messages, Tools: tools})
		if err != nil {
			return Verdict{}, err
		}

		if len(msg.ToolCalls) == 0 {
			verdict, err := ParseVerdictResponse(msg.Content)
			if err != nil {
				return Verdict{}, err
			}
			verdict.ToolCallsUsed = toolCallsUsed
			return verdict, nil
		}

		if input.Tools == nil {
			return Verdict{}, fmt.Errorf("reasoner: model requested tools but none are available")
		}
		messages = append(messages, msg)

		for _, call := range msg.ToolCalls {
			if toolCallsUsed >= input.ToolBudget {
				return Verdict{}, fault.Newf(fault.TimeoutStage2, "reasoner: tool budget of %d exhausted", input.ToolBudget)
			}
			toolCallsUsed++

			result := r.dispatch(ctx, input, call.Function.Name, call.Function.Arguments)
			messages = append(messages, openAIChatMessage{
				Role:       "tool",
				ToolCallID: call.ID,
				Content:    result,
			})
		}
	}

	return Verdict{}, fmt.Errorf("reasoner: no final answer after %d rounds", input.ToolBudget+2)
}

// dispatch runs one tool call and reports it to the observers. Tool failures
// are returned to the model as error payloads rather than aborting the run;
// the model can route around a failed lookup.
func (r *OpenAIReasoner) dispatch(ctx context.Context, input Input, name, rawArgs string) string {
	if input.OnToolStart != nil {
		input.OnToolStart(name, rawArgs)
	}
	start := time.Now()

	var args map[string]any
	var result string
	err := json.Unmarshal([]byte(rawArgs), &args)
	if err != nil {
		err = fmt.Errorf("reasoner: decode tool arguments: %w", err)
	} else {
		result, err = input.Tools.Call(ctx, name, args)
	}
	if err != nil {
		result = fmt.Sprintf(`{"error": %q}`, err.Error())
	}

	if input.OnToolEnd != nil {
		input.OnToolEnd(name, time.Since(start).Milliseconds(), len(result), err)
	}
	return result
}

// complete performs one chat completion call.
func (r *OpenAIReasoner) complete(ctx context.Context, reqBody openAIChatRequest) (openAIChatMessage, error) {
	var msg openAIChatMessage
	err := fault.Retry(ctx, reasonerMaxRetries, 500*time.Millisecond, func() error {
		var callErr error
		msg, callErr = r.completeOnce(ctx, reqBody)
		return callErr
	})
	return msg, err
}

func (r *OpenAIReasoner) completeOnce(ctx context.Context, reqBody openAIChatRequest) (openAIChatMessage, error) {
	callCtx, cancel := context.WithTimeout(ctx, perCallTimeout)
	defer cancel()

	body, err := json.Marshal(reqBody)
	if err != nil {
		return openAIChatMessage{}, fmt.Errorf("openai reasoner: marshal: %w", err)
	}

	req, err := http.NewRequestWithContext(callCtx, http.MethodPost, r.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return openAIChatMessage{}, fmt.Errorf("openai reasoner: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+r.apiKey)

	resp, err := r.httpClient.Do(req)
	if err != nil {
		return openAIChatMessage{}, fault.Wrap(fault.UpstreamTransient, "openai reasoner: send request", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		kind := fault.UpstreamPermanent
		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
			kind = fault.UpstreamTransient
		}
		return openAIChatMessage{}, fault.Newf(kind, "openai reasoner: status %d: %s", resp.StatusCode, string(respBody))
	}

	var result openAIChatResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return openAIChatMessage{}, fmt.Errorf("openai reasoner: decode response: %w", err)
	}
	if len(result.Choices) == 0 {
		return openAIChatMessage{}, fmt.Errorf("openai reasoner: no choices in response")
	}
	return result.Choices[0].Message, nil
}
