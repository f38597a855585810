package delivery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

// Telegram limits.
const (
	maxUploadBytes   = 50 << 20
	maxCaptionLength = 1024
)

// ErrTokenRequired is returned when no bot token is configured.
var ErrTokenRequired = errors.New("delivery: telegram bot token is required")

var videoExts = map[string]bool{
	".mp4": true, ".mov": true, ".m4v": true, ".webm": true, ".mkv": true,
}

// TelegramSender delivers files through the Telegram Bot API. Video files are
// sent as videos, anything else as documents.
type TelegramSender struct {
	bot    *tgbotapi.BotAPI
	logger *slog.Logger
}

// TelegramOption configures a TelegramSender.
type TelegramOption func(*telegramOptions)

type telegramOptions struct {
	endpoint   string
	httpClient *http.Client
	logger     *slog.Logger
}

// WithAPIEndpoint overrides the Bot API endpoint format string, which must
// contain two %s verbs for the token and method.
func WithAPIEndpoint(endpoint string) TelegramOption {
	return func(o *telegramOptions) {
		o.endpoint = endpoint
	}
}

// WithTelegramHTTPClient sets the HTTP client used for Bot API calls.
func WithTelegramHTTPClient(c *http.Client) TelegramOption {
	return func(o *telegramOptions) {
		o.httpClient = c
	}
}

// WithTelegramLogger sets the logger.
func WithTelegramLogger(l *slog.Logger) TelegramOption {
	return func(o *telegramOptions) {
		o.logger = l
	}
}

// NewTelegramSender authenticates the bot token and returns a sender.
func NewTelegramSender(token string, opts ...TelegramOption) (*TelegramSender, error) {
	if token == "" {
		return nil, ErrTokenRequired
	}

	o := telegramOptions{
		endpoint:   tgbotapi.APIEndpoint,
		httpClient: &http.Client{},
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(&o)
	}

	bot, err := tgbotapi.NewBotAPIWithClient(token, o.endpoint, o.httpClient)
	if err != nil {
		return nil, fmt.Errorf("delivery: connect telegram bot: %w", err)
	}

	o.logger.Info("telegram sender ready", slog.String("bot", bot.Self.UserName))
	return &TelegramSender{bot: bot, logger: o.logger}, nil
}

// SendFile implements Sender.
func (s *TelegramSender) SendFile(ctx context.Context, chatID int64, path, caption string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrPermanent, err)
	}
	if info.Size() > maxUploadBytes {
		return fmt.Errorf("%w: %s is %d bytes, above the %d byte upload limit",
			ErrPermanent, filepath.Base(path), info.Size(), maxUploadBytes)
	}

	caption = Truncate(caption, maxCaptionLength)
	file := tgbotapi.FilePath(path)

	var msg tgbotapi.Chattable
	if videoExts[strings.ToLower(filepath.Ext(path))] {
		v := tgbotapi.NewVideo(chatID, file)
		v.Caption = caption
		v.SupportsStreaming = true
		msg = v
	} else {
		d := tgbotapi.NewDocument(chatID, file)
		d.Caption = caption
		msg = d
	}

	if _, err := s.bot.Send(msg); err != nil {
		var tgErr *tgbotapi.Error
		if errors.As(err, &tgErr) && tgErr.Code >= 400 && tgErr.Code < 500 && tgErr.Code != http.StatusTooManyRequests {
			return fmt.Errorf("%w: telegram: %s", ErrPermanent, tgErr.Message)
		}
		return fmt.Errorf("delivery: telegram send: %w", err)
	}

	s.logger.Info("file delivered",
		slog.Int64("chat_id", chatID),
		slog.String("file", filepath.Base(path)),
		slog.Int64("size", info.Size()),
	)
	return nil
}

// Truncate shortens s to at most n runes, marking the cut with an ellipsis.
func Truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	if n <= 0 {
		return ""
	}
	return string(r[:n-1]) + "…"
}
