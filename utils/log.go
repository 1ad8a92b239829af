package utils

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/Aledallas01/FlexCore-Plugins/model"
	"github.com/sirupsen/logrus"
)

type DiscordEmbedField struct {
	Name   string `json:"name"`
	Value  string `json:"value"`
	Inline bool   `json:"inline,omitempty"`
}

type DiscordEmbed struct {
	Title  string              `json:"title"`
	Color  int                 `json:"color"`
	Fields []DiscordEmbedField `json:"fields"`
}

type DiscordWebhookPayload struct {
	Embeds []DiscordEmbed `json:"embeds"`
}

func getColor(level logrus.Level) int {
	switch level {
	case logrus.InfoLevel:
		return 3066993 // Green
	case logrus.WarnLevel:
		return 15105570 // Orange
	case logrus.ErrorLevel, logrus.FatalLevel, logrus.PanicLevel:
		return 15158332 // Red
	default:
		return 3447003 // Blue
	}
}

func sendLog(client *http.Client, webhookURL string, embed DiscordEmbed) error {
	payload := DiscordWebhookPayload{
		Embeds: []DiscordEmbed{embed},
	}

	jsonPayload, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	req, err := http.NewRequest(http.MethodPost, webhookURL, bytes.NewBuffer(jsonPayload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("failed to send log to discord, status: %s, body: %s", resp.Status, string(body))
	}

	return nil
}

// embedFromEntry renders a log entry the way the webhook channel expects it:
// component, message and the remaining fields.
func embedFromEntry(entry *logrus.Entry) DiscordEmbed {
	component := "bot"
	if c, ok := entry.Data["component"].(string); ok && c != "" {
		component = c
	}

	keys := make([]string, 0, len(entry.Data))
	for k := range entry.Data {
		if k != "component" {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)

	fields := []DiscordEmbedField{
		{Name: "Module", Value: component, Inline: true},
		{Name: "Message", Value: entry.Message},
	}
	for _, k := range keys {
		fields = append(fields, DiscordEmbedField{Name: k, Value: fmt.Sprint(entry.Data[k]), Inline: true})
	}

	return DiscordEmbed{
		Title:  fmt.Sprintf("%s Log", entry.Level.String()),
		Color:  getColor(entry.Level),
		Fields: fields,
	}
}

// WebhookHook forwards warnings and errors to a Discord webhook. Entries are
// queued and delivered by a background goroutine; when the queue is full new
// entries are dropped so logging never blocks moderation.
type WebhookHook struct {
	url    string
	client *http.Client
	queue  chan DiscordEmbed
	wg     sync.WaitGroup
	once   sync.Once
}

func NewWebhookHook(webhookURL string, client *http.Client) *WebhookHook {
	if client == nil {
		client = GlobalHTTPClient
	}
	h := &WebhookHook{
		url:    webhookURL,
		client: client,
		queue:  make(chan DiscordEmbed, 64),
	}
	h.wg.Add(1)
	go h.deliver()
	return h
}

func (h *WebhookHook) Levels() []logrus.Level {
	return []logrus.Level{logrus.PanicLevel, logrus.FatalLevel, logrus.ErrorLevel, logrus.WarnLevel}
}

func (h *WebhookHook) Fire(entry *logrus.Entry) error {
	select {
	case h.queue <- embedFromEntry(entry):
	default:
	}
	return nil
}

func (h *WebhookHook) deliver() {
	defer h.wg.Done()
	for embed := range h.queue {
		if err := sendLog(h.client, h.url, embed); err != nil {
			fmt.Fprintf(os.Stderr, "webhook log delivery failed: %v\n", err)
		}
	}
}

// Close flushes the queued entries and stops the delivery goroutine.
func (h *WebhookHook) Close() error {
	h.once.Do(func() { close(h.queue) })
	h.wg.Wait()
	return nil
}

// NewLogger builds the process logger from the environment settings. The
// returned closer releases the log file and the webhook hook.
func NewLogger(cfg model.Config) (*logrus.Logger, func(), error) {
	logger := logrus.New()
	logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	level := logrus.InfoLevel
	if cfg.LogLevel != "" {
		parsed, err := logrus.ParseLevel(cfg.LogLevel)
		if err != nil {
			return nil, nil, fmt.Errorf("invalid log level %q: %w", cfg.LogLevel, err)
		}
		level = parsed
	}
	logger.SetLevel(level)

	var closers []func()
	if cfg.LogFile != "" {
		if dir := filepath.Dir(cfg.LogFile); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, nil, fmt.Errorf("failed to create log directory: %w", err)
			}
		}
		f, err := os.OpenFile(cfg.LogFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open log file: %w", err)
		}
		logger.SetOutput(io.MultiWriter(os.Stderr, f))
		closers = append(closers, func() { f.Close() })
	}

	if cfg.LogWebhookURL != "" {
		hook := NewWebhookHook(cfg.LogWebhookURL, nil)
		logger.AddHook(hook)
		// flush the hook before closing the file
		closers = append([]func(){func() { hook.Close() }}, closers...)
	}

	return logger, func() {
		for _, c := range closers {
			c()
		}
	}, nil
}
