package engine

import (
	"bufio"
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// mediaMarker is llama-server's placeholder for one multimodal_data entry.
const mediaMarker = "<__media__>"

// ServerOptions configures a backend that talks to a running llama.cpp server.
type ServerOptions struct {
	BaseURL        string
	APIKey         string
	RequestTimeout time.Duration
	ConnectTimeout time.Duration
	Logger         zerolog.Logger
}

// serverBackend implements Backend over a llama-server's HTTP API. Text requests
// use the OpenAI-compatible /v1/completions stream; requests with media use the
// native /completion endpoint.
type serverBackend struct {
	baseURL        string
	apiKey         string
	reqTimeout     time.Duration
	connectTimeout time.Duration
	httpClient     *http.Client
	log            zerolog.Logger
}

// NewServerBackend constructs a server-backed Backend.
func NewServerBackend(opts ServerOptions) Backend {
	return newServerBackend(opts)
}

func newServerBackend(opts ServerOptions) *serverBackend {
	connect := opts.ConnectTimeout
	if connect <= 0 {
		connect = 5 * time.Second
	}
	tr := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   connect,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:          16,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}
	// Timeout=0: every request carries a context deadline instead.
	return &serverBackend{
		baseURL:        strings.TrimRight(opts.BaseURL, "/"),
		apiKey:         opts.APIKey,
		reqTimeout:     opts.RequestTimeout,
		connectTimeout: connect,
		httpClient:     &http.Client{Transport: tr, Timeout: 0},
		log:            opts.Logger,
	}
}

// Load checks that the server answers /v1/models. The model path is sent as the
// OpenAI "model" field; llama-server serves whatever it was started with.
func (a *serverBackend) Load(ctx context.Context, cfg InferenceConfig) (Session, error) {
	if a.baseURL == "" {
		return nil, errors.New("llama server base URL is empty")
	}
	if err := a.ping(ctx); err != nil {
		return nil, fmt.Errorf("llama server %s not reachable: %w", a.baseURL, err)
	}
	return &serverSession{backend: a, modelID: strings.TrimSpace(cfg.ModelPath)}, nil
}

func (a *serverBackend) ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, a.connectTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.baseURL+"/v1/models", nil)
	if err != nil {
		return err
	}
	a.authorize(req)
	resp, err := a.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("health status %d", resp.StatusCode)
	}
	return nil
}

func (a *serverBackend) authorize(req *http.Request) {
	if a.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+a.apiKey)
	}
}

// serverSession holds per-session state for one llama-server.
type serverSession struct {
	backend *serverBackend
	modelID string
	closed  bool
}

// openAICompletionRequest represents the payload for /v1/completions.
type openAICompletionRequest struct {
	Model         string   `json:"model,omitempty"`
	Prompt        string   `json:"prompt"`
	MaxTokens     int      `json:"max_tokens,omitempty"`
	Temperature   float32  `json:"temperature"`
	TopP          float32  `json:"top_p,omitempty"`
	TopK          int      `json:"top_k,omitempty"`
	Stop          []string `json:"stop,omitempty"`
	Seed          *int     `json:"seed,omitempty"`
	Stream        bool     `json:"stream"`
	RepeatPenalty float32  `json:"repeat_penalty,omitempty"`
}

// nativeCompletionRequest represents the payload for llama-server's /completion
// with a multimodal prompt object.
type nativeCompletionRequest struct {
	Prompt        nativePrompt `json:"prompt"`
	NPredict      int          `json:"n_predict"`
	Temperature   float32      `json:"temperature"`
	TopP          float32      `json:"top_p,omitempty"`
	TopK          int          `json:"top_k,omitempty"`
	Stop          []string     `json:"stop,omitempty"`
	Seed          *int         `json:"seed,omitempty"`
	Stream        bool         `json:"stream"`
	RepeatPenalty float32      `json:"repeat_penalty,omitempty"`
}

type nativePrompt struct {
	PromptString   string   `json:"prompt_string"`
	MultimodalData []string `json:"multimodal_data"`
}

type openAIStreamChoice struct {
	Text  string `json:"text"`
	Delta struct {
		Content string `json:"content"`
	} `json:"delta"`
	FinishReason string `json:"finish_reason"`
}

type openAIStreamResponse struct {
	Object  string               `json:"object"`
	Choices []openAIStreamChoice `json:"choices"`
}

type nativeStreamResponse struct {
	Content  string `json:"content"`
	Stop     bool   `json:"stop"`
	StopType string `json:"stop_type"`
}

func seedPtr(seed int) *int {
	if seed < 0 {
		return nil
	}
	return &seed
}

func (s *serverSession) Generate(ctx context.Context, prompt string, params SamplingParams, onToken func(string) error) (FinalResult, error) {
	if s.closed {
		return FinalResult{}, errors.New("llama server session closed")
	}
	payload := openAICompletionRequest{
		Model:         s.modelID,
		Prompt:        prompt,
		MaxTokens:     params.MaxTokens,
		Temperature:   params.Temperature,
		TopP:          params.TopP,
		TopK:          params.TopK,
		Stop:          params.Stop,
		Seed:          seedPtr(params.Seed),
		Stream:        true,
		RepeatPenalty: params.RepeatPenalty,
	}
	if payload.MaxTokens < 0 {
		payload.MaxTokens = 0
	}
	return s.stream(ctx, "/v1/completions", payload, onToken)
}

// GenerateWithMedia sends the prompt with each ImagePlaceholder swapped for the
// server's media marker and the media as base64 multimodal_data.
func (s *serverSession) GenerateWithMedia(ctx context.Context, prompt string, media []Media, params SamplingParams, onToken func(string) error) (FinalResult, error) {
	if s.closed {
		return FinalResult{}, errors.New("llama server session closed")
	}
	data := make([]string, 0, len(media))
	for _, m := range media {
		data = append(data, base64.StdEncoding.EncodeToString(m.Data))
	}
	payload := nativeCompletionRequest{
		Prompt:        nativePrompt{PromptString: spliceMediaMarkers(prompt, len(media)), MultimodalData: data},
		NPredict:      params.MaxTokens,
		Temperature:   params.Temperature,
		TopP:          params.TopP,
		TopK:          params.TopK,
		Stop:          params.Stop,
		Seed:          seedPtr(params.Seed),
		Stream:        true,
		RepeatPenalty: params.RepeatPenalty,
	}
	return s.stream(ctx, "/completion", payload, onToken)
}

// spliceMediaMarkers replaces placeholders with media markers and prepends
// markers for media that have no placeholder, so counts always match.
func spliceMediaMarkers(prompt string, n int) string {
	have := strings.Count(prompt, ImagePlaceholder)
	out := strings.ReplaceAll(prompt, ImagePlaceholder, mediaMarker)
	if have < n {
		out = strings.Repeat(mediaMarker+"\n", n-have) + out
	}
	return out
}

func (s *serverSession) stream(ctx context.Context, path string, payload any, onToken func(string) error) (FinalResult, error) {
	a := s.backend
	if a.reqTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, a.reqTimeout)
		defer cancel()
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return FinalResult{}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return FinalResult{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	a.authorize(req)
	resp, err := a.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return FinalResult{}, ctx.Err()
		}
		return FinalResult{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return FinalResult{}, fmt.Errorf("llama server http error: %s: %s", resp.Status, string(b))
	}

	// Server-Sent Events: lines beginning with "data: ".
	r := bufio.NewReader(resp.Body)
	var final FinalResult
	for {
		line, err := r.ReadString('\n')
		if l := strings.TrimSpace(line); l != "" && strings.HasPrefix(strings.ToLower(l), "data:") {
			data := strings.TrimSpace(l[len("data:"):])
			if data == "[DONE]" {
				break
			}
			frag, finish, done, ok := parseStreamLine(data)
			if !ok {
				a.log.Debug().Str("adapter", "llama_server").Str("event", "unknown_stream_line").Str("line", l).Msg("skipping")
			}
			if frag != "" {
				if cbErr := onToken(frag); cbErr != nil {
					return final, cbErr
				}
			}
			if finish != "" {
				final.FinishReason = finish
			}
			if done {
				break
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			if ctx.Err() != nil {
				return final, ctx.Err()
			}
			return final, err
		}
	}
	return final, nil
}

// parseStreamLine extracts a token fragment from an OpenAI or native stream payload.
func parseStreamLine(data string) (frag, finish string, done, ok bool) {
	var msg openAIStreamResponse
	if err := json.Unmarshal([]byte(data), &msg); err == nil && len(msg.Choices) > 0 {
		c := msg.Choices[0]
		frag = c.Text
		if frag == "" {
			frag = c.Delta.Content
		}
		return frag, c.FinishReason, false, true
	}
	var native nativeStreamResponse
	if err := json.Unmarshal([]byte(data), &native); err == nil {
		if native.Stop {
			finish = finishStop
			if native.StopType == "limit" {
				finish = finishLength
			}
		}
		return native.Content, finish, native.Stop, true
	}
	return "", "", false, false
}

func (s *serverSession) Close() error {
	s.closed = true
	return nil
}
