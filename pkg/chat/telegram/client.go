// Package telegram implements chat.Client on top of the Telegram Bot API.
// History fetching needs a Bot API server with the history extension methods
// (getChatHistory / getThreadHistory), such as a self-hosted tdlight-backed
// server; the endpoint is configurable for that reason.
package telegram

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	jsoniter "github.com/json-iterator/go"
	"golang.org/x/time/rate"

	"telescribe/pkg/chat"
	"telescribe/pkg/pipeline"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Config encapsulates the credentials and endpoint of the Bot API server.
type Config struct {
	Token string `json:"token"` // Secret BOT API string provided by @BotFather
	// APIEndpoint overrides the Bot API server, e.g. a local tdlight
	// instance: "http://127.0.0.1:8081/bot%s/%s". Empty means api.telegram.org.
	APIEndpoint string `json:"api_endpoint,omitempty"`
	// RequestsPerSecond throttles outbound API calls. Zero means 1 rps.
	RequestsPerSecond float64 `json:"requests_per_second,omitempty"`
}

// Client is the production chat.Client for Telegram.
type Client struct {
	bot     *tgbotapi.BotAPI
	limiter *rate.Limiter
}

// NewClient authenticates against the Bot API server and builds a throttled
// history client.
func NewClient(cfg Config, timeoutMs int) (*Client, error) {
	httpClient := &http.Client{
		Timeout: time.Duration(timeoutMs) * time.Millisecond,
		Transport: &http.Transport{
			DialContext: (&net.Dialer{
				Timeout:   30 * time.Second,
				KeepAlive: 30 * time.Second,
			}).DialContext,
			ForceAttemptHTTP2:   true,
			MaxIdleConns:        100,
			IdleConnTimeout:     90 * time.Second,
			TLSHandshakeTimeout: 10 * time.Second,
		},
	}

	endpoint := cfg.APIEndpoint
	if endpoint == "" {
		endpoint = tgbotapi.APIEndpoint
	}

	bot, err := tgbotapi.NewBotAPIWithClient(cfg.Token, endpoint, httpClient)
	if err != nil {
		return nil, fmt.Errorf("failed to create telegram bot: %w", classify(err))
	}

	rps := cfg.RequestsPerSecond
	if rps <= 0 {
		rps = 1
	}

	return &Client{
		bot:     bot,
		limiter: rate.NewLimiter(rate.Limit(rps), 1),
	}, nil
}

// message mirrors the subset of the Bot API message object the pipeline
// snapshots.
type message struct {
	MessageID int64  `json:"message_id"`
	Date      int64  `json:"date"`
	Text      string `json:"text"`
	Caption   string `json:"caption"`
	ThreadID  int64  `json:"message_thread_id"`
	ReplyTo   *struct {
		MessageID int64 `json:"message_id"`
	} `json:"reply_to_message"`
}

func (m *message) text() string {
	if m.Text != "" {
		return m.Text
	}
	return m.Caption
}

// FetchPosts implements chat.Client.
func (c *Client) FetchPosts(ctx context.Context, channelID string, sinceID, untilID int64, limit int) ([]chat.PostObservation, error) {
	raw, err := c.history(ctx, "getChatHistory", tgbotapi.Params{
		"chat_id":         channelID,
		"from_message_id": strconv.FormatInt(sinceID, 10),
		"limit":           strconv.Itoa(limit),
	})
	if err != nil {
		return nil, err
	}

	posts := make([]chat.PostObservation, 0, len(raw))
	for _, r := range raw {
		var m message
		if err := json.Unmarshal(r, &m); err != nil {
			return nil, pipeline.Classify(pipeline.ClassParse, fmt.Errorf("malformed message object: %w", err))
		}
		if m.MessageID <= sinceID {
			continue
		}
		if untilID > 0 && m.MessageID > untilID {
			continue
		}
		posts = append(posts, chat.PostObservation{
			MessageID:  m.MessageID,
			Date:       time.Unix(m.Date, 0).UTC(),
			Text:       m.text(),
			ThreadID:   m.ThreadID,
			RawPayload: string(r),
		})
	}
	return posts, nil
}

// FetchComments implements chat.Client.
func (c *Client) FetchComments(ctx context.Context, channelID string, threadID, sinceID int64, limit int) ([]chat.CommentObservation, error) {
	raw, err := c.history(ctx, "getThreadHistory", tgbotapi.Params{
		"chat_id":           channelID,
		"message_thread_id": strconv.FormatInt(threadID, 10),
		"from_message_id":   strconv.FormatInt(sinceID, 10),
		"limit":             strconv.Itoa(limit),
	})
	if err != nil {
		if isThreadUnavailable(err) {
			return nil, chat.ErrCommentsUnavailable
		}
		return nil, err
	}

	comments := make([]chat.CommentObservation, 0, len(raw))
	for _, r := range raw {
		var m message
		if err := json.Unmarshal(r, &m); err != nil {
			return nil, pipeline.Classify(pipeline.ClassParse, fmt.Errorf("malformed message object: %w", err))
		}
		if m.MessageID <= sinceID {
			continue
		}
		obs := chat.CommentObservation{
			MessageID:  m.MessageID,
			ThreadID:   threadID,
			Date:       time.Unix(m.Date, 0).UTC(),
			Text:       m.text(),
			RawPayload: string(r),
		}
		if m.ReplyTo != nil {
			obs.ParentMessageID = m.ReplyTo.MessageID
		}
		comments = append(comments, obs)
	}
	return comments, nil
}

// history runs one throttled API request and returns the result array.
func (c *Client) history(ctx context.Context, method string, params tgbotapi.Params) ([]jsoniter.RawMessage, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, pipeline.Classify(pipeline.ClassTimeout, err)
	}

	resp, err := c.bot.MakeRequest(method, params)
	if err != nil {
		return nil, classify(err)
	}

	var msgs []jsoniter.RawMessage
	if err := json.Unmarshal(resp.Result, &msgs); err != nil {
		return nil, pipeline.Classify(pipeline.ClassParse, fmt.Errorf("malformed %s result: %w", method, err))
	}
	return msgs, nil
}

// classify maps transport and Bot API failures onto the pipeline taxonomy.
func classify(err error) error {
	if err == nil {
		return nil
	}

	var apiErr *tgbotapi.Error
	if errors.As(err, &apiErr) {
		msg := strings.ToLower(apiErr.Message)
		switch {
		case apiErr.Code == 401:
			return pipeline.Classify(pipeline.ClassAuth, err)
		case apiErr.Code == 403:
			return pipeline.Classify(pipeline.ClassPermission, err)
		case apiErr.Code == 429:
			reset := time.Now().Add(time.Duration(apiErr.RetryAfter) * time.Second)
			return pipeline.RateLimited(err, reset)
		case apiErr.Code >= 500:
			return pipeline.Classify(pipeline.ClassServer, err)
		case strings.Contains(msg, "chat not found"), strings.Contains(msg, "channel not found"):
			return pipeline.Classify(pipeline.ClassUnknownChannel, err)
		default:
			return pipeline.Classify(pipeline.ClassValidate, err)
		}
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return pipeline.Classify(pipeline.ClassTimeout, err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return pipeline.Classify(pipeline.ClassTimeout, err)
	}
	return pipeline.Classify(pipeline.ClassNetwork, err)
}

func isThreadUnavailable(err error) bool {
	var apiErr *tgbotapi.Error
	if errors.As(err, &apiErr) {
		msg := strings.ToLower(apiErr.Message)
		return strings.Contains(msg, "thread not found") ||
			strings.Contains(msg, "message to reply not found") ||
			strings.Contains(msg, "group chat was upgraded")
	}
	return false
}
