package llm

import (
	"context"
	"io"
	"sync"

	"github.com/satriahrh/professor-bot/domain"
)

// ScriptedReply is one canned completion.
type ScriptedReply struct {
	Fragments []string
	// Err is returned by Stream instead of a stream.
	Err       error
	// StreamErr ends the stream after Fragments instead of io.EOF.
	StreamErr error
	// Gate, when set, holds back the first fragment until it is closed.
	Gate      <-chan struct{}
}

// ScriptedClient replays canned replies in order and records every request.
// Once the script runs out the last reply repeats.
type ScriptedClient struct {
	mu       sync.Mutex
	replies  []ScriptedReply
	next     int
	requests []domain.InferenceRequest
	open     int
	maxOpen  int
}

func NewScriptedClient(replies ...ScriptedReply) *ScriptedClient {
	return &ScriptedClient{replies: replies}
}

// Factory returns an LlmFactory that hands out c for every credential.
func (c *ScriptedClient) Factory() domain.LlmFactory {
	return func(string) (domain.Llm, error) {
		return c, nil
	}
}

func (c *ScriptedClient) Stream(ctx context.Context, req domain.InferenceRequest) (domain.FragmentStream, error) {
	c.mu.Lock()
	c.requests = append(c.requests, req)
	var reply ScriptedReply
	if len(c.replies) > 0 {
		reply = c.replies[min(c.next, len(c.replies)-1)]
		c.next++
	}
	if reply.Err != nil {
		c.mu.Unlock()
		return nil, reply.Err
	}
	c.open++
	c.maxOpen = max(c.maxOpen, c.open)
	c.mu.Unlock()

	return &scriptedStream{client: c, ctx: ctx, reply: reply}, nil
}

// Open returns how many streams have not been closed yet.
func (c *ScriptedClient) Open() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.open
}

// MaxOpen returns the most streams that were ever open at once.
func (c *ScriptedClient) MaxOpen() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.maxOpen
}

// Requests returns the requests seen so far.
func (c *ScriptedClient) Requests() []domain.InferenceRequest {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]domain.InferenceRequest, len(c.requests))
	copy(out, c.requests)
	return out
}

type scriptedStream struct {
	client *ScriptedClient
	ctx    context.Context
	reply  ScriptedReply
	pos    int
	opened bool
	closed sync.Once
}

func (s *scriptedStream) Recv() (string, error) {
	if !s.opened && s.reply.Gate != nil {
		select {
		case <-s.reply.Gate:
		case <-s.ctx.Done():
			return "", s.ctx.Err()
		}
	}
	s.opened = true

	if s.pos < len(s.reply.Fragments) {
		fragment := s.reply.Fragments[s.pos]
		s.pos++
		return fragment, nil
	}
	if s.reply.StreamErr != nil {
		return "", s.reply.StreamErr
	}
	return "", io.EOF
}

func (s *scriptedStream) Close() error {
	s.closed.Do(func() {
		s.client.mu.Lock()
		s.client.open--
		s.client.mu.Unlock()
	})
	return nil
}
