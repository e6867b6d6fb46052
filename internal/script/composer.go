package script

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/timelinelabs/timeline-anchor/internal/config"
	"github.com/timelinelabs/timeline-anchor/internal/newsstore"
	"github.com/timelinelabs/timeline-anchor/internal/openai"
)

// ErrNoArticles indicates the composer was handed an empty article set.
var ErrNoArticles = errors.New("script: no articles provided")

const systemPrompt = "You are ChatGPT, an AI that writes professional news anchor scripts."

const promptTemplate = "You are a professional news anchor. Using the list of news articles provided " +
	"below, craft a concise script that you will read on air. The script should " +
	"be engaging, clear, and flow naturally from one story to the next. " +
	"Aim for a balanced tone—informative yet conversational. " +
	"Do NOT exceed %d tokens.\n\n" +
	"News articles (JSON):\n%s\n\n" +
	"Script:"

// ChatClient is the chat completion surface the composer depends on.
type ChatClient interface {
	ChatCompletion(ctx context.Context, req openai.ChatRequest) (string, error)
}

// Composer turns a set of articles into a narration script.
type Composer struct {
	chat ChatClient
	cfg  config.ChatConfig
}

func NewComposer(chat ChatClient, cfg config.ChatConfig) *Composer {
	return &Composer{chat: chat, cfg: cfg}
}

type promptArticle struct {
	Title   string `json:"title"`
	Summary string `json:"summary"`
}

// Compose renders the instruction template around the articles and returns
// the model's script, trimmed of surrounding whitespace. The script content
// itself is not validated; that is a best-effort contract with the model.
func (c *Composer) Compose(ctx context.Context, articles []newsstore.Article) (string, error) {
	if len(articles) == 0 {
		return "", ErrNoArticles
	}

	prompt := make([]promptArticle, 0, len(articles))
	for _, a := range articles {
		prompt = append(prompt, promptArticle{Title: a.Title, Summary: a.Summary})
	}
	encoded, err := json.MarshalIndent(prompt, "", "  ")
	if err != nil {
		return "", fmt.Errorf("encode articles: %w", err)
	}

	content, err := c.chat.ChatCompletion(ctx, openai.ChatRequest{
		Model: c.cfg.Model,
		Messages: []openai.Message{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Content: fmt.Sprintf(promptTemplate, c.cfg.MaxTokens, encoded)},
		},
		MaxTokens:   c.cfg.MaxTokens,
		Temperature: c.cfg.Temperature,
	})
	if err != nil {
		return "", fmt.Errorf("chat completion: %w", err)
	}
	return strings.TrimSpace(content), nil
}
