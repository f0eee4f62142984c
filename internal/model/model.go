// Package model defines the completion client used by the turn executor.
package model

import (
	"context"
	"errors"
	"sync"
	"time"
)

const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type Usage struct {
	PromptTokens     int           `json:"prompt_tokens"`
	CompletionTokens int           `json:"completion_tokens"`
	TotalTokens      int           `json:"total_tokens"`
	Latency          time.Duration `json:"latency"`
	Model            string        `json:"model,omitempty"`
}

type Response struct {
	Content string `json:"content"`
	Usage   Usage  `json:"usage"`
}

// Client completes a conversation. Implementations must honor ctx cancellation.
type Client interface {
	Complete(ctx context.Context, messages []Message) (Response, error)
}

// ErrScriptExhausted is returned by Scripted when no responses remain.
var ErrScriptExhausted = errors.New("scripted model: no responses left")

// Scripted replays canned responses in order and records every request.
type Scripted struct {
	mu        sync.Mutex
	responses []Response
	errs      []error
	requests  [][]Message
	// Delay holds each call until it elapses or ctx ends.
	Delay time.Duration
}

func NewScripted(contents ...string) *Scripted {
	s := &Scripted{}
	for _, c := range contents {
		s.responses = append(s.responses, Response{Content: c, Usage: Usage{TotalTokens: len(c) / 4, Model: "scripted"}})
		s.errs = append(s.errs, nil)
	}
	return s
}

// Fail queues an error as the next scripted outcome.
func (s *Scripted) Fail(err error) *Scripted {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.responses = append(s.responses, Response{})
	s.errs = append(s.errs, err)
	return s
}

func (s *Scripted) Complete(ctx context.Context, messages []Message) (Response, error) {
	s.mu.Lock()
	s.requests = append(s.requests, append([]Message(nil), messages...))
	delay := s.Delay
	s.mu.Unlock()

	if delay > 0 {
		timer := time.NewTimer(delay)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return Response{}, ctx.Err()
		case <-timer.C:
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.responses) == 0 {
		return Response{}, ErrScriptExhausted
	}
	res, err := s.responses[0], s.errs[0]
	s.responses, s.errs = s.responses[1:], s.errs[1:]
	return res, err
}

// Calls returns how many completions were requested.
func (s *Scripted) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.requests)
}

// Request returns the messages of the i-th completion.
func (s *Scripted) Request(i int) []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	if i < 0 || i >= len(s.requests) {
		return nil
	}
	return s.requests[i]
}
