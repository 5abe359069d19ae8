package cmd

import (
	"net/http"

	"github.com/ole-vi/prompt-sharing-sub002/internal/db"
	"github.com/ole-vi/prompt-sharing-sub002/internal/jules"
	"github.com/ole-vi/prompt-sharing-sub002/internal/queue"
	"github.com/ole-vi/prompt-sharing-sub002/internal/scheduler"
	"github.com/ole-vi/prompt-sharing-sub002/internal/stream"
	"github.com/ole-vi/prompt-sharing-sub002/internal/vault"
	"github.com/ole-vi/prompt-sharing-sub002/internal/webhook"
)

// eventBuffer is how many recent events a new live subscriber is replayed
const eventBuffer = 50

// app is the wired set of components behind every command
type app struct {
	db        *db.DB
	vault     *vault.Vault
	jules     *jules.Client
	events    *stream.Manager
	queue     *queue.Service
	scheduler *scheduler.Scheduler
}

func (c *cli) open() (*app, error) {
	database, err := db.New(c.cfg.DatabasePath())
	if err != nil {
		return nil, err
	}

	a := &app{
		db:     database,
		vault:  vault.New(),
		events: stream.NewManager(eventBuffer),
		jules: jules.NewClient(c.cfg.JulesBaseURL,
			jules.WithHTTPClient(&http.Client{Timeout: c.cfg.ProviderTimeout}),
			jules.WithRateLimit(c.cfg.ProviderRate, c.cfg.ProviderBurst),
		),
	}
	a.queue = queue.NewService(database, queue.Defaults{
		SourceID: c.cfg.DefaultSourceID,
		Branch:   c.cfg.DefaultBranch,
		TimeZone: c.cfg.DefaultTimeZone,
	}, queue.WithLogger(c.log), queue.WithEvents(a.events),
		queue.WithSessions(database, a.vault, a.jules, c.cfg.ProviderTimeout))

	opts := scheduler.Options{
		Schedule:        c.cfg.TickSchedule,
		RetryDelay:      c.cfg.RetryDelay,
		ProviderTimeout: c.cfg.ProviderTimeout,
		Concurrency:     c.cfg.Concurrency,
		StaleAfter:      c.cfg.StaleAfter,
		Logger:          c.log,
		Events:          a.events,
	}
	if n := webhook.NewNotifier(c.cfg.DiscordWebhook, c.cfg.SlackWebhook); n.Enabled() {
		opts.Notifier = n
	}
	a.scheduler, err = scheduler.New(database, a.vault, a.jules, opts)
	if err != nil {
		database.Close()
		return nil, err
	}
	return a, nil
}

func (a *app) Close() error {
	if a.scheduler != nil {
		a.scheduler.Stop()
	}
	return a.db.Close()
}
