package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/satriahrh/professor-bot/domain"
	"github.com/satriahrh/professor-bot/utils/log"
	"go.uber.org/zap"
)

const DefaultReplicateURL = "https://api.replicate.com"

// ReplicateClient runs completions as streamed Replicate predictions.
type ReplicateClient struct {
	token   string
	baseURL string
	client  *http.Client
}

type ReplicateOption func(*ReplicateClient)

// WithBaseURL points the client at another API host.
func WithBaseURL(u string) ReplicateOption {
	return func(c *ReplicateClient) {
		if u != "" {
			c.baseURL = strings.TrimRight(u, "/")
		}
	}
}

// WithHTTPClient replaces the HTTP client. Streams can run for minutes, so
// it should not carry a short overall timeout.
func WithHTTPClient(hc *http.Client) ReplicateOption {
	return func(c *ReplicateClient) {
		if hc != nil {
			c.client = hc
		}
	}
}

func NewReplicateClient(token string, opts ...ReplicateOption) *ReplicateClient {
	c := &ReplicateClient{
		token:   token,
		baseURL: DefaultReplicateURL,
		client: &http.Client{
			Transport: &http.Transport{
				Proxy:                 http.ProxyFromEnvironment,
				ResponseHeaderTimeout: 30 * time.Second,
			},
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// NewReplicateFactory returns a domain.LlmFactory for per-session tokens.
func NewReplicateFactory(opts ...ReplicateOption) domain.LlmFactory {
	return func(credential string) (domain.Llm, error) {
		return NewReplicateClient(credential, opts...), nil
	}
}

type predictionInput struct {
	Prompt            string  `json:"prompt"`
	Temperature       float64 `json:"temperature"`
	TopP              float64 `json:"top_p"`
	MaxLength         int     `json:"max_length"`
	RepetitionPenalty float64 `json:"repetition_penalty"`
}

type predictionRequest struct {
	Version string          `json:"version,omitempty"`
	Input   predictionInput `json:"input"`
	Stream  bool            `json:"stream"`
}

type prediction struct {
	ID     string `json:"id"`
	Status string `json:"status"`
	Error  any    `json:"error"`
	URLs   struct {
		Get    string `json:"get"`
		Stream string `json:"stream"`
		Cancel string `json:"cancel"`
	} `json:"urls"`
}

// Stream implements domain.Llm.
func (c *ReplicateClient) Stream(ctx context.Context, req domain.InferenceRequest) (domain.FragmentStream, error) {
	ref, err := domain.ParseModelIdentifier(req.Model)
	if err != nil {
		return nil, err
	}

	endpoint := c.baseURL + "/v1/predictions"
	if ref.Version == "" {
		endpoint = fmt.Sprintf("%s/v1/models/%s/%s/predictions", c.baseURL, ref.Owner, ref.Name)
	}

	body, err := json.Marshal(predictionRequest{
		Version: ref.Version,
		Input: predictionInput{
			Prompt:            req.Prompt,
			Temperature:       req.Config.Temperature,
			TopP:              req.Config.TopP,
			MaxLength:         req.Config.MaxLength,
			RepetitionPenalty: req.Config.RepetitionPenalty,
		},
		Stream: true,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal prediction: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create prediction request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.token)

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("create prediction: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return nil, remoteError(resp)
	}

	var p prediction
	if err := json.NewDecoder(resp.Body).Decode(&p); err != nil {
		return nil, fmt.Errorf("decode prediction: %w", err)
	}
	if p.Error != nil {
		return nil, &domain.RemoteError{Detail: fmt.Sprint(p.Error)}
	}
	if p.URLs.Stream == "" {
		return nil, &domain.RemoteError{Detail: "model does not support streaming"}
	}

	log.WithCtx(ctx).Debug("Prediction created", zap.String("prediction_id", p.ID), zap.String("status", p.Status))
	return c.openStream(ctx, p.URLs.Stream)
}

func (c *ReplicateClient) openStream(ctx context.Context, url string) (domain.FragmentStream, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("create stream request: %w", err)
	}
	httpReq.Header.Set("Accept", "text/event-stream")
	httpReq.Header.Set("Cache-Control", "no-store")
	httpReq.Header.Set("Authorization", "Bearer "+c.token)

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("open stream: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		return nil, remoteError(resp)
	}
	return newSSEStream(resp.Body), nil
}

func remoteError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	detail := strings.TrimSpace(string(body))

	var problem struct {
		Detail string `json:"detail"`
		Title  string `json:"title"`
	}
	if json.Unmarshal(body, &problem) == nil {
		switch {
		case problem.Detail != "":
			detail = problem.Detail
		case problem.Title != "":
			detail = problem.Title
		}
	}
	return &domain.RemoteError{StatusCode: resp.StatusCode, Detail: detail}
}

// sseStream reads Replicate's server-sent events. "output" events are
// fragments, "done" ends the stream and "error" fails it.
type sseStream struct {
	body    io.ReadCloser
	scanner *bufio.Scanner
	done    bool
}

func newSSEStream(body io.ReadCloser) *sseStream {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	return &sseStream{body: body, scanner: scanner}
}

func (s *sseStream) Recv() (string, error) {
	for !s.done {
		event, data, err := s.next()
		if err != nil {
			s.done = true
			return "", err
		}
		switch event {
		case "output", "":
			return data, nil
		case "done":
			s.done = true
			return "", doneReason(data)
		case "error":
			s.done = true
			return "", &domain.RemoteError{Detail: errorDetail(data)}
		}
	}
	return "", io.EOF
}

// next reads one event block. Multi-line data is joined with newlines.
func (s *sseStream) next() (string, string, error) {
	var (
		event   string
		data    []string
		started bool
	)
	for s.scanner.Scan() {
		line := s.scanner.Text()
		if line == "" {
			if started {
				return event, strings.Join(data, "\n"), nil
			}
			continue
		}
		if strings.HasPrefix(line, ":") {
			continue
		}

		field, value, _ := strings.Cut(line, ":")
		value = strings.TrimPrefix(value, " ")
		switch field {
		case "event":
			event = value
			started = true
		case "data":
			data = append(data, value)
			started = true
		}
	}
	if err := s.scanner.Err(); err != nil {
		return "", "", err
	}
	if started {
		return event, strings.Join(data, "\n"), nil
	}
	return "", "", errors.New("stream ended before completion")
}

func (s *sseStream) Close() error {
	s.done = true
	return s.body.Close()
}

// doneReason turns the payload of a "done" event into io.EOF, or an error
// when the prediction was canceled or failed.
func doneReason(data string) error {
	var payload struct {
		Reason string `json:"reason"`
	}
	if json.Unmarshal([]byte(data), &payload) == nil && payload.Reason != "" {
		return &domain.RemoteError{Detail: "prediction " + payload.Reason}
	}
	return io.EOF
}

func errorDetail(data string) string {
	var payload struct {
		Detail string `json:"detail"`
	}
	if json.Unmarshal([]byte(data), &payload) == nil && payload.Detail != "" {
		return payload.Detail
	}
	return data
}
