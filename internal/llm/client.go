// Package llm talks to the local OpenAI-compatible model server.
package llm

import (
	"context"
	"net"
	"net/http"
	"regexp"
	"strings"
	"time"

	"localchat/internal/config"
	"localchat/internal/models"
	"localchat/internal/redis"

	einoopenai "github.com/cloudwego/eino-ext/components/model/openai"
	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/pkg/errors"
)

var (
	ErrUpstreamTimeout  = errors.New("upstream timeout")
	ErrUpstreamError    = errors.New("upstream error")
	ErrUpstreamProtocol = errors.New("upstream protocol error")
)

// placeholder model name for the eino chat model; every call overrides it.
const defaultModelName = "local-model"

// Message is one prompt entry.
type Message struct {
	Role    models.Role `json:"role"`
	Content string      `json:"content"`
}

type CompletionRequest struct {
	Model       string
	Messages    []Message
	MaxTokens   int
	Temperature float32
}

// Client wraps the model server endpoints used by the app.
type Client struct {
	baseURL         string
	apiKey          string
	completeTimeout time.Duration
	httpClient      *http.Client

	chat   *einoopenai.ChatModel
	models openai.Client

	cache     *redis.Client
	modelsTTL time.Duration
}

// NewClient builds a client from the llm config section. cache may be nil.
func NewClient(ctx context.Context, cfg config.LLMConfig, cache *redis.Client) (*Client, error) {
	base := strings.TrimRight(cfg.BaseURL, "/")
	if base == "" {
		base = config.DefaultBaseURL
	}
	timeout := time.Duration(cfg.CompleteTimeout) * time.Second
	if timeout <= 0 {
		timeout = config.DefaultCompleteTimeout * time.Second
	}

	chat, err := einoopenai.NewChatModel(ctx, &einoopenai.ChatModelConfig{
		BaseURL: base + "/v1",
		APIKey:  cfg.APIKey,
		Model:   defaultModelName,
	})
	if err != nil {
		return nil, errors.Wrap(err, "init chat model")
	}

	opts := []option.RequestOption{
		option.WithBaseURL(base + "/v1/"),
		option.WithMaxRetries(0),
	}
	if cfg.APIKey != "" {
		opts = append(opts, option.WithAPIKey(cfg.APIKey))
	}

	return &Client{
		baseURL:         base,
		apiKey:          cfg.APIKey,
		completeTimeout: timeout,
		httpClient:      &http.Client{},
		chat:            chat,
		models:          openai.NewClient(opts...),
		cache:           cache,
		modelsTTL:       time.Duration(cfg.ModelsCacheTTL) * time.Second,
	}, nil
}

// Complete runs a blocking, non-streaming completion and returns the reply text.
func (c *Client) Complete(ctx context.Context, req CompletionRequest) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.completeTimeout)
	defer cancel()

	opts := []model.Option{model.WithModel(req.Model)}
	if req.Temperature > 0 {
		opts = append(opts, model.WithTemperature(req.Temperature))
	}
	if req.MaxTokens > 0 {
		opts = append(opts, model.WithMaxTokens(req.MaxTokens))
	}

	resp, err := c.chat.Generate(ctx, toSchema(req.Messages), opts...)
	if err != nil {
		return "", classify(ctx, err)
	}
	if resp == nil || resp.Content == "" {
		return "", errors.Wrap(ErrUpstreamProtocol, "empty completion")
	}
	return resp.Content, nil
}

// apiStatusPattern matches the message of the HTTP status errors the chat model
// returns for non-2xx replies.
var apiStatusPattern = regexp.MustCompile(`status code: \d{3}`)

// classify maps a Generate failure to an upstream error kind. Only network and HTTP
// status failures count as upstream errors; a reply that arrived but could not be
// used is a protocol error.
func classify(ctx context.Context, err error) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) || errors.Is(err, context.DeadlineExceeded) {
		return errors.Wrap(ErrUpstreamTimeout, err.Error())
	}
	if errors.Is(err, context.Canceled) {
		return errors.Wrap(ErrUpstreamError, err.Error())
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return errors.Wrap(ErrUpstreamTimeout, err.Error())
		}
		return errors.Wrap(ErrUpstreamError, err.Error())
	}
	if apiStatusPattern.MatchString(err.Error()) {
		return errors.Wrap(ErrUpstreamError, err.Error())
	}
	return errors.Wrap(ErrUpstreamProtocol, err.Error())
}

func toSchema(messages []Message) []*schema.Message {
	out := make([]*schema.Message, 0, len(messages))
	for _, msg := range messages {
		var role schema.RoleType
		switch msg.Role {
		case models.RoleAssistant:
			role = schema.Assistant
		case models.RoleSystem:
			role = schema.System
		default:
			role = schema.User
		}
		out = append(out, &schema.Message{Role: role, Content: msg.Content})
	}
	return out
}
