// Copyright 2026 The Foyer Authors
// SPDX-License-Identifier: Apache-2.0

// Package telegram implements the Telegram Bot API side of the
// bridge: a getUpdates long-poll loop feeding the router's inbound
// surface, and the outbound surface the router replies through
// (sendMessage, inline department menus).
package telegram

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/foyer-project/foyer/department"
	"github.com/foyer-project/foyer/lib/netutil"
	"github.com/foyer-project/foyer/lib/secret"
	"github.com/foyer-project/foyer/transport"
)

const defaultAPIBase = "https://api.telegram.org"

// callbackPrefix tags department selections in inline keyboard
// callback data.
const callbackPrefix = "dept_"

// pollRetryDelay is how long the update loop backs off after a failed
// getUpdates call.
const pollRetryDelay = 5 * time.Second

// Telegram allows roughly 30 bot messages per second overall; stay
// under it.
const (
	sendRateLimit = 25
	sendRateBurst = 5
)

// Config holds the parameters for creating a Bot.
type Config struct {
	// Token is the bot token from @BotFather. The Bot takes
	// ownership of the buffer.
	Token *secret.Buffer

	// APIBase overrides the Telegram API endpoint. Tests point this
	// at a local fake; empty means the production endpoint.
	APIBase string

	// HTTPClient is used for all API calls. If nil,
	// http.DefaultClient is used.
	HTTPClient *http.Client

	// PollTimeout is the getUpdates long-poll duration. Defaults to
	// 30 seconds.
	PollTimeout time.Duration

	// Logger for structured logging. If nil, slog.Default() is used.
	Logger *slog.Logger
}

// Bot is a Telegram transport. It implements the router's outbound
// surface; Run drives the inbound side. Safe for concurrent use.
type Bot struct {
	token       *secret.Buffer
	apiBase     string
	httpClient  *http.Client
	pollTimeout time.Duration
	logger      *slog.Logger
	limiter     *rate.Limiter
}

// New creates a Bot.
func New(cfg Config) (*Bot, error) {
	if cfg.Token == nil {
		return nil, fmt.Errorf("telegram: Token is required")
	}
	apiBase := cfg.APIBase
	if apiBase == "" {
		apiBase = defaultAPIBase
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	pollTimeout := cfg.PollTimeout
	if pollTimeout <= 0 {
		pollTimeout = 30 * time.Second
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Bot{
		token:       cfg.Token,
		apiBase:     strings.TrimRight(apiBase, "/"),
		httpClient:  httpClient,
		pollTimeout: pollTimeout,
		logger:      logger,
		limiter:     rate.NewLimiter(rate.Limit(sendRateLimit), sendRateBurst),
	}, nil
}

// Close releases the token buffer.
func (b *Bot) Close() error {
	return b.token.Close()
}

// Run long-polls getUpdates until the context is canceled, dispatching
// each update to the handler in arrival order. Poll failures back off
// and retry; only context cancellation ends the loop.
func (b *Bot) Run(ctx context.Context, handler transport.Inbound) error {
	b.logger.Info("telegram update loop started", "poll_timeout", b.pollTimeout)
	offset := 0
	for {
		updates, err := b.getUpdates(ctx, offset)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			b.logger.Warn("getUpdates failed", "error", err)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(pollRetryDelay):
			}
			continue
		}
		for _, update := range updates {
			if update.UpdateID >= offset {
				offset = update.UpdateID + 1
			}
			b.dispatch(ctx, handler, update)
		}
	}
}

func (b *Bot) dispatch(ctx context.Context, handler transport.Inbound, update update) {
	switch {
	case update.CallbackQuery != nil:
		b.handleCallback(ctx, handler, update.CallbackQuery)
	case update.Message != nil && update.Message.From != nil:
		b.handleMessage(ctx, handler, update.Message)
	}
}

func (b *Bot) handleMessage(ctx context.Context, handler transport.Inbound, message *message) {
	user := externalUser(message.From)
	text := strings.TrimSpace(message.Text)

	if departmentID, isStart := parseStartCommand(text); isStart {
		if departmentID != "" {
			// Deep link: /start <department>.
			handler.OnDepartmentChosen(ctx, user, departmentID)
			return
		}
		handler.OnStart(ctx, user)
		return
	}
	if strings.HasPrefix(text, "/") {
		// Unknown command; not a message for staff.
		return
	}
	if text == "" {
		return
	}
	handler.OnText(ctx, user, text)
}

func (b *Bot) handleCallback(ctx context.Context, handler transport.Inbound, callback *callbackQuery) {
	// Acknowledge first so the client stops its spinner even when
	// the data is stale or malformed.
	if err := b.answerCallbackQuery(ctx, callback.ID); err != nil {
		b.logger.Warn("answerCallbackQuery failed", "error", err)
	}
	departmentID, ok := strings.CutPrefix(callback.Data, callbackPrefix)
	if !ok || callback.From == nil {
		return
	}
	handler.OnDepartmentChosen(ctx, externalUser(callback.From), departmentID)
}

// SendText delivers plain text to the user's chat.
func (b *Bot) SendText(ctx context.Context, externalUserID, text string) error {
	chatID, err := strconv.ParseInt(externalUserID, 10, 64)
	if err != nil {
		return fmt.Errorf("telegram: invalid chat ID %q: %w", externalUserID, err)
	}
	return b.sendMessage(ctx, sendMessageRequest{
		ChatID:    chatID,
		Text:      text,
		ParseMode: "Markdown",
	})
}

// SendDepartmentMenu delivers text with one inline keyboard button per
// department, each carrying "dept_<id>" callback data.
func (b *Bot) SendDepartmentMenu(ctx context.Context, externalUserID, text string, departments []department.Department) error {
	chatID, err := strconv.ParseInt(externalUserID, 10, 64)
	if err != nil {
		return fmt.Errorf("telegram: invalid chat ID %q: %w", externalUserID, err)
	}
	rows := make([][]inlineKeyboardButton, 0, len(departments))
	for _, dept := range departments {
		rows = append(rows, []inlineKeyboardButton{{
			Text:         dept.MenuLabel(),
			CallbackData: callbackPrefix + dept.ID,
		}})
	}
	return b.sendMessage(ctx, sendMessageRequest{
		ChatID:    chatID,
		Text:      text,
		ParseMode: "Markdown",
		ReplyMarkup: &inlineKeyboardMarkup{
			InlineKeyboard: rows,
		},
	})
}

func (b *Bot) getUpdates(ctx context.Context, offset int) ([]update, error) {
	query := url.Values{}
	query.Set("timeout", strconv.Itoa(int(b.pollTimeout.Seconds())))
	query.Set("allowed_updates", `["message","callback_query"]`)
	if offset > 0 {
		query.Set("offset", strconv.Itoa(offset))
	}

	request, err := http.NewRequestWithContext(ctx, http.MethodGet,
		b.methodURL("getUpdates")+"?"+query.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("telegram: building getUpdates request: %w", err)
	}

	response, err := b.httpClient.Do(request)
	if err != nil {
		return nil, fmt.Errorf("telegram: getUpdates: %w", err)
	}
	defer response.Body.Close()

	var decoded struct {
		OK          bool     `json:"ok"`
		Description string   `json:"description"`
		Result      []update `json:"result"`
	}
	if err := netutil.DecodeResponse(response.Body, &decoded); err != nil {
		return nil, fmt.Errorf("telegram: decoding getUpdates response: %w", err)
	}
	if !decoded.OK {
		return nil, fmt.Errorf("telegram: getUpdates rejected: %s", decoded.Description)
	}
	return decoded.Result, nil
}

func (b *Bot) sendMessage(ctx context.Context, message sendMessageRequest) error {
	return b.call(ctx, "sendMessage", message)
}

func (b *Bot) answerCallbackQuery(ctx context.Context, callbackID string) error {
	return b.call(ctx, "answerCallbackQuery", map[string]string{
		"callback_query_id": callbackID,
	})
}

// call posts one JSON API request, honoring the outbound rate limit.
func (b *Bot) call(ctx context.Context, method string, payload any) error {
	if err := b.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("telegram: %s: %w", method, err)
	}

	encoded, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("telegram: encoding %s payload: %w", method, err)
	}
	request, err := http.NewRequestWithContext(ctx, http.MethodPost,
		b.methodURL(method), bytes.NewReader(encoded))
	if err != nil {
		return fmt.Errorf("telegram: building %s request: %w", method, err)
	}
	request.Header.Set("Content-Type", "application/json")

	response, err := b.httpClient.Do(request)
	if err != nil {
		return fmt.Errorf("telegram: %s: %w", method, err)
	}
	defer response.Body.Close()

	var decoded struct {
		OK          bool   `json:"ok"`
		Description string `json:"description"`
	}
	if err := netutil.DecodeResponse(response.Body, &decoded); err != nil {
		return fmt.Errorf("telegram: decoding %s response: %w", method, err)
	}
	if !decoded.OK {
		return fmt.Errorf("telegram: %s rejected: %s", method, decoded.Description)
	}
	return nil
}

func (b *Bot) methodURL(method string) string {
	return b.apiBase + "/bot" + b.token.String() + "/" + method
}

// parseStartCommand reports whether text is a /start command and
// returns its optional department argument.
func parseStartCommand(text string) (departmentID string, isStart bool) {
	if text != "/start" && !strings.HasPrefix(text, "/start ") {
		return "", false
	}
	return strings.TrimSpace(strings.TrimPrefix(text, "/start")), true
}

func externalUser(from *telegramUser) transport.User {
	name := strings.TrimSpace(from.FirstName + " " + from.LastName)
	if name == "" {
		name = from.Username
	}
	return transport.User{
		ID:          strconv.FormatInt(from.ID, 10),
		DisplayName: name,
		Handle:      from.Username,
	}
}
