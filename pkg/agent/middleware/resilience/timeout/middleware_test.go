package timeout

import (
	"context"
	"errors"
	"testing"
	"time"

	"conclave/pkg/agent/llm"
)

type slowClient struct{ delay time.Duration }

func (s *slowClient) Complete(ctx context.Context, _ llm.CompletionRequest) (llm.CompletionResponse, error) {
	select {
	case <-ctx.Done():
		return llm.CompletionResponse{}, ctx.Err()
	case <-time.After(s.delay):
		return llm.CompletionResponse{Content: "done"}, nil
	}
}

func (s *slowClient) GetModelName() string { return "slow" }

func TestMiddlewareTimesOut(t *testing.T) {
	client := Middleware(10 * time.Millisecond)(&slowClient{delay: time.Second})
	_, err := client.Complete(context.Background(), llm.CompletionRequest{})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
}

func TestMiddlewareDisabled(t *testing.T) {
	base := &slowClient{delay: time.Millisecond}
	client := Middleware(0)(base)
	if client != llm.LLMClient(base) {
		t.Error("zero duration should return the client unchanged")
	}
	resp, err := client.Complete(context.Background(), llm.CompletionRequest{})
	if err != nil || resp.Content != "done" {
		t.Errorf("unexpected result %q, %v", resp.Content, err)
	}
}
