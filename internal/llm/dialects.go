package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/fairyhunter13/modelfleet/internal/domain"
)

// wireResult is the dialect-neutral shape both protocols decode into.
type wireResult struct {
	text             string
	thinking         string
	promptTokens     int
	completionTokens int
}

// nativeStop are the role-delimiter stop sequences for the flat-prompt
// protocol.
var nativeStop = []string{"</s>", "<|im_end|>", "\nUser:"}

// callNative speaks the llama.cpp-style protocol: POST /completion with a
// flat prompt framed by explicit role delimiters.
func (a *Adapter) callNative(ctx context.Context, ep domain.Endpoint, system string, req domain.GenerateRequest) (wireResult, error) {
	prompt := framePrompt(system, req.Prompt)
	body := map[string]any{
		"prompt":      prompt,
		"n_predict":   req.MaxTokens,
		"temperature": req.Temperature,
		"top_p":       0.95,
		"stop":        nativeStop,
	}
	var out struct {
		Content         string `json:"content"`
		TokensPredicted int    `json:"tokens_predicted"`
		TokensEvaluated int    `json:"tokens_evaluated"`
	}
	if err := a.postJSON(ctx, ep.BaseURL+"/completion", body, &out); err != nil {
		return wireResult{}, err
	}
	return wireResult{
		text:             out.Content,
		promptTokens:     out.TokensEvaluated,
		completionTokens: out.TokensPredicted,
	}, nil
}

// callGateway speaks the Ollama-style protocol: POST /api/generate with
// separate system and prompt fields and non-streaming responses.
func (a *Adapter) callGateway(ctx context.Context, ep domain.Endpoint, system string, req domain.GenerateRequest) (wireResult, error) {
	options := map[string]any{
		"num_predict": req.MaxTokens,
		"temperature": req.Temperature,
	}
	if ep.ThinkingEffort != "" {
		options["think"] = ep.ThinkingEffort
	}
	body := map[string]any{
		"model":   ep.ModelID,
		"prompt":  req.Prompt,
		"system":  system,
		"stream":  false,
		"options": options,
	}
	var out struct {
		Response        string `json:"response"`
		Thinking        string `json:"thinking"`
		EvalCount       int    `json:"eval_count"`
		PromptEvalCount int    `json:"prompt_eval_count"`
	}
	if err := a.postJSON(ctx, ep.BaseURL+"/api/generate", body, &out); err != nil {
		return wireResult{}, err
	}
	return wireResult{
		text:             out.Response,
		thinking:         out.Thinking,
		promptTokens:     out.PromptEvalCount,
		completionTokens: out.EvalCount,
	}, nil
}

// framePrompt renders the flat-prompt role framing for the native dialect.
func framePrompt(system, user string) string {
	if system == "" {
		return fmt.Sprintf("User: %s\nAssistant:", user)
	}
	return fmt.Sprintf("System: %s\n\nUser: %s\nAssistant:", system, user)
}

// postJSON issues one request and decodes a 2xx JSON response. Non-2xx
// responses surface a protocol error with a bounded body snippet.
func (a *Adapter) postJSON(ctx context.Context, url string, body any, out any) error {
	b, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}
	r, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(b))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	r.Header.Set("Content-Type", "application/json")
	resp, err := a.hc.Do(r)
	if err != nil {
		return fmt.Errorf("post %s: %w", url, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("%w: %s returned %d: %s", domain.ErrUpstreamStatus, url, resp.StatusCode, string(snippet))
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response from %s: %w", url, err)
	}
	return nil
}
