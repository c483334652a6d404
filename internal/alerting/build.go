package alerting

import (
	"errors"
	"strings"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"stablepay/internal/config"
)

// Build assembles the configured notifiers behind optional deduplication. It returns
// a nil notifier when alerting is disabled or no channel is enabled. The closer
// releases broker and cache connections.
func Build(cfg config.AlertingConfig, userAgent string, logger zerolog.Logger) (Notifier, func() error, error) {
	noop := func() error { return nil }
	if !cfg.Enabled {
		return nil, noop, nil
	}

	var (
		multi   Multi
		closers []func() error
	)
	closeAll := func() error {
		var errs []error
		for _, c := range closers {
			errs = append(errs, c())
		}
		return errors.Join(errs...)
	}

	if cfg.Telegram.Enabled {
		multi = append(multi, NewTelegramNotifier(cfg.Telegram.BotToken, cfg.Telegram.ChatID, cfg.Telegram.APIBase, 0, logger))
	}
	if cfg.Webhook.Enabled {
		multi = append(multi, NewWebhookNotifier(WebhookOptions{
			URL:       cfg.Webhook.URL,
			Secret:    cfg.Webhook.Secret,
			Timeout:   cfg.Webhook.Timeout,
			UserAgent: userAgent,
		}, logger))
	}
	if cfg.NATS.Enabled {
		n, conn, err := DialNATS(cfg.NATS.URL, cfg.NATS.Subject, userAgent, logger)
		if err != nil {
			_ = closeAll()
			return nil, noop, err
		}
		closers = append(closers, conn.Drain)
		multi = append(multi, n)
	}
	if len(multi) == 0 {
		return nil, closeAll, nil
	}

	var notifier Notifier = multi
	if len(multi) == 1 {
		notifier = multi[0]
	}

	switch strings.ToLower(cfg.Dedup.Backend) {
	case "redis":
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Dedup.Redis.Addr,
			Password: cfg.Dedup.Redis.Password,
			DB:       cfg.Dedup.Redis.DB,
		})
		closers = append(closers, client.Close)
		notifier = NewDeduplicating(notifier, NewRedisDeduper(client, "", cfg.Dedup.TTL), logger)
	case "none":
	default:
		notifier = NewDeduplicating(notifier, NewMemoryDeduper(cfg.Dedup.TTL), logger)
	}

	return notifier, closeAll, nil
}
