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

// OllamaReasoner drives the verdict through a local Ollama chat model with
// tool calling. The recommended deployment for on-premises installations:
// transaction data never leaves the operator's network.
type OllamaReasoner struct {
	baseURL    string
	model      string
	httpClient *http.Client
}

// NewOllamaReasoner creates the reasoner. The model must support tool
// calling (e.g. qwen2.5, llama3.1).
func NewOllamaReasoner(baseURL, model string) *OllamaReasoner {
	if baseURL == "" {
		baseURL = "http://localhost:11434"
	}
	return &OllamaReasoner{
		baseURL: baseURL,
		model:   model,
		httpClient: &http.Client{
			Timeout: perCallTimeout + 5*time.Second,
		},
	}
}

func (r *OllamaReasoner) Name() string { return "ollama/" + r.model }

// Healthy probes the Ollama server's root endpoint.
func (r *OllamaReasoner) Healthy(ctx context.Context) error {
	probeCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(probeCtx, http.MethodGet, r.baseURL+"/", nil)
	if err != nil {
		return fmt.Errorf("ollama reasoner: create probe: %w", err)
	}
	resp, err := r.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("ollama reasoner: unreachable: %w", err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("ollama reasoner: probe status %d", resp.StatusCode)
	}
	return nil
}

type ollamaChatMessage struct {
	Role      string           `json:"role"`
	Content   string           `json:"content"`
	ToolCalls []ollamaToolCall `json:"tool_calls,omitempty"`
}

type ollamaToolCall struct {
	Function struct {
		Name      string         `json:"name"`
		Arguments map[string]any `json:"arguments"`
	} `json:"function"`
}

type ollamaToolDef struct {
	Type     string       `json:"type"`
	Function FunctionSpec `json:"function"`
}

type ollamaChatRequest struct {
	Model    string              `json:"model"`
	Messages []ollamaChatMessage `json:"messages"`
	Tools    []ollamaToolDef     `json:"tools,omitempty"`
	Stream   bool                `json:"stream"`
}

type ollamaChatResponse struct {
	Message ollamaChatMessage `json:"message"`
}

// Reason runs the tool-call loop against Ollama. Same contract as the
// OpenAI implementation; Ollama delivers tool arguments pre-decoded.
func (r *OllamaReasoner) Reason(ctx context.Context, input Input) (Verdict, error) {
	messages := []ollamaChatMessage{
		{Role: "system", Content: systemPrompt},
		{Role: "user", Content: formatPrompt(input)},
	}

	var tools []ollamaToolDef
	if input.Tools != nil {
		specs, err := input.Tools.FunctionSpecs()
		if err != nil {
			return Verdict{}, err
		}
		for _, spec := range specs {
			tools = append(tools, ollamaToolDef{Type: "function", Function: spec})
		}
	}

	toolCallsUsed := 0
	for round := 0; round <= input.ToolBudget+1; round++ {
		msg, err := r.complete(ctx, ollamaChatRequest{Model: r.model, Messages: messages, Tools: tools, Stream: false})
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
			messages = append(messages, ollamaChatMessage{Role: "tool", Content: result})
		}
	}

	return Verdict{}, fmt.Errorf("reasoner: no final answer after %d rounds", input.ToolBudget+2)
}

func (r *OllamaReasoner) dispatch(ctx context.Context, input Input, name string, args map[string]any) string {
	var rawArgs string
	if encoded, err := json.Marshal(args); err == nil {
		rawArgs = string(encoded)
	}
	if input.OnToolStart != nil {
		input.OnToolStart(name, rawArgs)
	}
	start := time.Now()

	result, err := input.Tools.Call(ctx, name, args)
	if err != nil {
		result = fmt.Sprintf(`{"error": %q}`, err.Error())
	}

	if input.OnToolEnd != nil {
		input.OnToolEnd(name, time.Since(start).Milliseconds(), len(result), err)
	}
	return result
}

func (r *OllamaReasoner) complete(ctx context.Context, reqBody ollamaChatRequest) (ollamaChatMessage, error) {
	var msg ollamaChatMessage
	err := fault.Retry(ctx, reasonerMaxRetries, 500*time.Millisecond, func() error {
		var callErr error
		msg, callErr = r.completeOnce(ctx, reqBody)
		return callErr
	})
	return msg, err
}

func (r *OllamaReasoner) completeOnce(ctx context.Context, reqBody ollamaChatRequest) (ollamaChatMessage, error) {
	callCtx, cancel := context.WithTimeout(ctx, perCallTimeout)
	defer cancel()

	body, err := json.Marshal(reqBody)
	if err != nil {
		return ollamaChatMessage{}, fmt.Errorf("ollama reasoner: marshal: %w", err)
	}

	req, err := http.NewRequestWithContext(callCtx, http.MethodPost, r.baseURL+"/api/chat", bytes.NewReader(body))
	if err != nil {
		return ollamaChatMessage{}, fmt.Errorf("ollama reasoner: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.httpClient.Do(req)
	if err != nil {
		return ollamaChatMessage{}, fault.Wrap(fault.UpstreamTransient, "ollama reasoner: send request", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		kind := fault.UpstreamPermanent
		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
			kind = fault.UpstreamTransient
		}
		return ollamaChatMessage{}, fault.Newf(kind, "ollama reasoner: status %d: %s", resp.StatusCode, string(respBody))
	}

	var result ollamaChatResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return ollamaChatMessage{}, fmt.Errorf("ollama reasoner: decode response: %w", err)
	}
	return result.Message, nil
}
