package script

import (
	"context"
	"strings"
	"testing"

	"github.com/timelinelabs/timeline-anchor/internal/config"
	"github.com/timelinelabs/timeline-anchor/internal/newsstore"
	"github.com/timelinelabs/timeline-anchor/internal/openai"
)

type fakeChat struct {
	reply  string
	err    error
	gotReq openai.ChatRequest
	calls  int
}

func (f *fakeChat) ChatCompletion(_ context.Context, req openai.ChatRequest) (string, error) {
	f.calls++
	f.gotReq = req
	return f.reply, f.err
}

func testChatConfig() config.ChatConfig {
	return config.ChatConfig{Model: "gpt-test", MaxTokens: 2000, Temperature: 0.5}
}

func TestComposeRejectsEmptyArticles(t *testing.T) {
	chat := &fakeChat{}
	c := NewComposer(chat, testChatConfig())
	if _, err := c.Compose(context.Background(), nil); err != ErrNoArticles {
		t.Fatalf("expected ErrNoArticles, got %v", err)
	}
	if chat.calls != 0 {
		t.Fatalf("expected no chat call for empty input, got %d", chat.calls)
	}
}

func TestComposeEmbedsArticlesAndTrims(t *testing.T) {
	chat := &fakeChat{reply: "  Hello. Story one. Goodbye.\n"}
	c := NewComposer(chat, testChatConfig())

	articles := []newsstore.Article{
		{Title: "Rain tomorrow", Summary: "A front moves in overnight."},
		{Title: "Rates hold", Summary: "The bank left rates unchanged."},
	}
	got, err := c.Compose(context.Background(), articles)
	if err != nil {
		t.Fatalf("compose: %v", err)
	}
	if got != "Hello. Story one. Goodbye." {
		t.Fatalf("expected trimmed script, got %q", got)
	}
	if len(chat.gotReq.Messages) != 2 {
		t.Fatalf("expected system and user messages, got %d", len(chat.gotReq.Messages))
	}
	user := chat.gotReq.Messages[1].Content
	if !strings.Contains(user, "Rain tomorrow") || !strings.Contains(user, "left rates unchanged") {
		t.Fatalf("expected articles embedded in prompt, got %q", user)
	}
	if chat.gotReq.MaxTokens != 2000 {
		t.Fatalf("expected token budget forwarded, got %d", chat.gotReq.MaxTokens)
	}
}
