package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/dreambigrsa/liveassist/internal/api"
	"github.com/dreambigrsa/liveassist/internal/config"
	"github.com/dreambigrsa/liveassist/internal/db"
	"github.com/dreambigrsa/liveassist/internal/directory"
	"github.com/dreambigrsa/liveassist/internal/dispatch"
	"github.com/dreambigrsa/liveassist/internal/escalation"
	"github.com/dreambigrsa/liveassist/internal/events"
	"github.com/dreambigrsa/liveassist/internal/lifecycle"
	"github.com/dreambigrsa/liveassist/internal/logger"
	"github.com/dreambigrsa/liveassist/internal/match"
	"github.com/dreambigrsa/liveassist/internal/messaging"
	"github.com/dreambigrsa/liveassist/internal/rules"
	"github.com/dreambigrsa/liveassist/internal/supervisor"
	"github.com/dreambigrsa/liveassist/internal/telegraph"
	discordadapter "github.com/dreambigrsa/liveassist/internal/telegraph/discord"
	slackadapter "github.com/dreambigrsa/liveassist/internal/telegraph/slack"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"
)

func newServeCmd() *cobra.Command {
	var (
		configPath string
		port       int
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the dispatcher with its API, chat bridge and supervisor",
		Long: `Runs the assignment core in the foreground: the HTTP API, the chat
bridge (when Slack or Discord is configured), the Redis event forwarder
(when redis.url is set), and the supervisor that recovers open sessions
and reconciles professional load on a schedule.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd, configPath, port)
		},
	}

	addConfigFlag(cmd, &configPath)
	cmd.Flags().IntVarP(&port, "port", "p", 0, "HTTP port (overrides api.port)")
	return cmd
}

// service holds every wired component of a running instance.
type service struct {
	cfg        *config.Config
	db         *gorm.DB
	log        *logger.Logger
	hub        *events.Hub
	bus        *events.RedisBus // nil unless redis.url is set
	adapter    telegraph.Adapter
	dispatcher *dispatch.Dispatcher
	supervisor *supervisor.Supervisor
	daemon     *telegraph.Daemon // nil unless a chat platform is configured
}

// buildService wires the dispatcher and its collaborators from cfg.
func buildService(cfg *config.Config, gormDB *gorm.DB, log *logger.Logger) (*service, error) {
	svc := &service{cfg: cfg, db: gormDB, log: log, hub: events.NewHub(log)}

	// With Redis, events reach the local hub through the forwarder so every
	// instance sees the same stream exactly once.
	var publisher events.Publisher = svc.hub
	if cfg.Redis.URL != "" {
		bus, err := events.NewRedisBus(cfg.Redis.URL, cfg.Redis.Channel, log)
		if err != nil {
			return nil, err
		}
		svc.bus = bus
		publisher = bus
	}

	adapter, err := createAdapter(cfg, log)
	if err != nil {
		return nil, err
	}
	svc.adapter = adapter

	policy := db.RetryPolicyFromConfig(cfg.Dispatch)
	pros := directory.NewStore(gormDB)
	dir := directory.WithRetry(pros, policy)
	ruleStore := rules.WithRetry(rules.NewGormStore(gormDB), policy)

	notifiers := messaging.Fanout{messaging.NewOutbox(gormDB, messaging.NotifyConfigFrom(cfg.Notify), log.With("component", "outbox"))}
	if adapter != nil {
		notifiers = append(notifiers, telegraph.NewNotifier(adapter, pros, log.With("component", "chat")))
	}

	store := lifecycle.NewGormStore(gormDB)
	svc.dispatcher, err = dispatch.New(dispatch.Opts{
		Store:     store,
		Directory: dir,
		Rules:     ruleStore,
		Engine: escalation.New(escalation.Opts{
			Directory:     dir,
			Rules:         ruleStore,
			Matcher:       match.New(match.WeightsFromConfig(cfg.Matcher)),
			RequireOnline: cfg.Dispatch.RequireOnline,
			MaxLoad:       cfg.Dispatch.MaxConcurrentLoad,
			Logger:        log.With("component", "escalation"),
		}),
		Notifier: notifiers,
		Events:   publisher,
		Logger:   log.With("component", "dispatch"),
		Config:   cfg.Dispatch,
	})
	if err != nil {
		return nil, err
	}

	svc.supervisor, err = supervisor.New(supervisor.Opts{
		Dispatcher: svc.dispatcher,
		Directory:  pros,
		Sessions:   store,
		Schedule:   cfg.Supervisor.ReconcileSchedule,
		Logger:     log,
	})
	if err != nil {
		return nil, err
	}

	if adapter != nil {
		commands, err := telegraph.NewCommandHandler(telegraph.CommandHandlerOpts{
			Sessions:      svc.dispatcher,
			Professionals: pros,
			Logger:        log.With("component", "chat"),
		})
		if err != nil {
			return nil, err
		}
		svc.daemon, err = telegraph.NewDaemon(telegraph.DaemonOpts{
			Adapter:  adapter,
			Commands: commands,
			Hub:      svc.hub,
			Logger:   log.With("component", "telegraph"),
		})
		if err != nil {
			return nil, err
		}
	}
	return svc, nil
}

// run starts every component and blocks until ctx is cancelled or one of
// them fails.
func (s *service) run(ctx context.Context) error {
	defer s.dispatcher.Close()
	if s.bus != nil {
		defer s.bus.Close()
	}

	g, gctx := errgroup.WithContext(ctx)
	if s.bus != nil {
		if err := s.bus.StartForwarder(gctx, s.hub.Deliver); err != nil {
			return err
		}
	}
	g.Go(func() error {
		return api.Start(gctx, api.Opts{
			DB:       s.db,
			Sessions: s.dispatcher,
			Hub:      s.hub,
			Logger:   s.log.With("component", "api"),
			Config:   s.cfg.API,
		})
	})
	g.Go(func() error { return s.supervisor.Run(gctx) })
	if s.daemon != nil {
		g.Go(func() error { return s.daemon.Run(gctx) })
	}
	return g.Wait()
}

func runServe(cmd *cobra.Command, configPath string, port int) error {
	cfg, gormDB, err := connectFromConfig(configPath)
	if err != nil {
		return err
	}
	if port > 0 {
		cfg.API.Port = port
	}
	if err := db.AutoMigrate(gormDB); err != nil {
		return err
	}

	log, err := logger.New(cfg.Logging.Mode)
	if err != nil {
		return err
	}
	defer log.Sync()

	svc, err := buildService(cfg, gormDB, log)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	fmt.Fprintf(cmd.OutOrStdout(), "assist serving on :%d (chat: %s)\n", cfg.API.Port, chatPlatform(cfg))
	return svc.run(ctx)
}

// createAdapter builds the chat adapter from config. Slack wins when both
// platforms are configured; nil means no chat bridge.
func createAdapter(cfg *config.Config, log *logger.Logger) (telegraph.Adapter, error) {
	switch chatPlatform(cfg) {
	case "slack":
		return slackadapter.New(slackadapter.AdapterOpts{
			AppToken:  cfg.Notify.Slack.AppToken,
			BotToken:  cfg.Notify.Slack.BotToken,
			ChannelID: cfg.Notify.Slack.ChannelID,
			Logger:    log,
		})
	case "discord":
		return discordadapter.New(discordadapter.AdapterOpts{
			BotToken:  cfg.Notify.Discord.BotToken,
			ChannelID: cfg.Notify.Discord.ChannelID,
			Logger:    log,
		})
	default:
		return nil, nil
	}
}

func chatPlatform(cfg *config.Config) string {
	switch {
	case cfg.Notify.Slack.BotToken != "" || cfg.Notify.Slack.AppToken != "":
		return "slack"
	case cfg.Notify.Discord.BotToken != "":
		return "discord"
	default:
		return "none"
	}
}
