package cmd

import (
	"context"
	"os"
	"os/signal"
	"slices"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"

	"github.com/vigilhome/vigil-agent/internal/agent"
	"github.com/vigilhome/vigil-agent/internal/api"
	"github.com/vigilhome/vigil-agent/internal/cache"
	"github.com/vigilhome/vigil-agent/internal/clients"
	"github.com/vigilhome/vigil-agent/internal/conf"
	"github.com/vigilhome/vigil-agent/internal/logger"
	"github.com/vigilhome/vigil-agent/internal/mqtt"
	"github.com/vigilhome/vigil-agent/internal/notification"
	"github.com/vigilhome/vigil-agent/internal/observability/metrics"
	"github.com/vigilhome/vigil-agent/internal/push"
	"github.com/vigilhome/vigil-agent/internal/router"
	"github.com/vigilhome/vigil-agent/internal/telemetry"
)

const mqttStartTimeout = 30 * time.Second

func serveCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the agent in front of the application",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return a.serve(ctx)
		},
	}
}

func (a *app) serve(ctx context.Context) error {
	s := a.settings
	log := a.log

	reporter, err := telemetry.Init(telemetry.Config{
		DSN:         s.Telemetry.SentryDSN,
		Environment: s.Telemetry.Environment,
		Release:     Version,
	}, log)
	if err != nil {
		return err
	}
	if reporter != nil {
		defer reporter.Close()
	}

	store, err := openStore(ctx, s)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	manager, fetcher, err := newManager(s, store, log)
	if err != nil {
		return err
	}
	origin, upstream, err := origins(s)
	if err != nil {
		return err
	}

	reg := metrics.New()
	rt := router.New(router.Config{Origin: origin, APIPrefix: s.Agent.APIPrefix}, manager, fetcher, log, router.WithRecorder(reg))
	hub := clients.NewHub(log, clients.WithRecorder(reg))

	fwd, err := forwarders(s.Notify.Forward)
	if err != nil {
		return err
	}
	notes := notification.Initialize(&notification.ServiceConfig{
		TTL:         s.Notify.TTL.Std(),
		Broadcaster: hub,
		Forwarders:  fwd,
		Logger:      log,
	})

	pushAgent := push.NewAgent(push.Config{DefaultTitle: s.Push.DefaultTitle, Icon: s.Push.Icon}, notes, hub, log, push.WithRecorder(reg))
	ag := agent.New(agent.Config{
		Generation:   generation(s),
		InstallRetry: s.Agent.InstallRetry.Std(),
		QueueSize:    s.Agent.QueueSize,
	}, manager, rt, pushAgent, hub, log, agent.WithRecorder(reg))

	opts := []api.Option{api.WithHub(hub), api.WithNotifications(notes)}
	if s.Metrics.Enabled {
		opts = append(opts, api.WithMetrics(reg.Handler()))
	}
	srv := api.New(api.Config{
		Upstream:      upstream,
		PushRateLimit: s.Push.RateLimit,
		MetricsPath:   s.Metrics.Path,
	}, ag, manager, log, opts...)

	var ingress *mqtt.Ingress
	if s.MQTT.Enabled {
		ingress, err = mqtt.NewIngress(mqtt.Config{
			Broker:   s.MQTT.Broker,
			Topic:    s.MQTT.Topic,
			ClientID: s.MQTT.ClientID,
			Username: s.MQTT.Username,
			Password: s.MQTT.Password,
		}, ag, log)
		if err != nil {
			return err
		}
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error { return srv.Start(s.Agent.Listen) })

	g.Go(func() error {
		if err := ag.Start(gctx); err != nil && gctx.Err() == nil {
			return err
		}
		return nil
	})

	if ingress != nil {
		g.Go(func() error {
			mctx, cancel := context.WithTimeout(gctx, mqttStartTimeout)
			defer cancel()
			if err := ingress.Start(mctx); err != nil {
				log.Error("mqtt ingress unavailable, webhook pushes only", logger.Error(err))
			}
			return nil
		})
	}

	rl := newReloader(ag, s, log)
	watchConfig(a.viper, rl, log)
	g.Go(func() error { return rl.run(gctx) })

	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutting down")
		if err := srv.Shutdown(context.WithoutCancel(gctx)); err != nil {
			log.Warn("http shutdown", logger.Error(err))
		}
		if ingress != nil {
			ingress.Stop()
		}
		ag.Stop()
		hub.Close()
		notes.Wait()
		return nil
	})

	return g.Wait()
}

// watchConfig feeds validated config changes to rl. Invalid edits are logged
// and ignored.
func watchConfig(v *viper.Viper, rl *reloader, log logger.Logger) {
	if v.ConfigFileUsed() == "" {
		return
	}
	v.OnConfigChange(func(e fsnotify.Event) {
		s, err := conf.Decode(v)
		if err != nil {
			log.Warn("config change rejected",
				logger.String("file", e.Name),
				logger.Error(err))
			return
		}
		conf.SetSettings(s)
		rl.offer(s)
	})
	v.WatchConfig()
}

// upgrader is the part of the agent a reload drives.
type upgrader interface {
	Upgrade(ctx context.Context, gen cache.Generation) error
}

// reloader upgrades to a new generation when the configured generation or
// manifest changes. Only the latest pending change is kept.
type reloader struct {
	agent   upgrader
	log     logger.Logger
	current cache.Generation
	pending chan cache.Generation
}

func newReloader(u upgrader, s *conf.Settings, log logger.Logger) *reloader {
	return &reloader{
		agent:   u,
		log:     log.Module("reload"),
		current: generation(s),
		pending: make(chan cache.Generation, 1),
	}
}

// offer queues s's generation, replacing any change not yet applied.
func (r *reloader) offer(s *conf.Settings) {
	gen := generation(s)
	for {
		select {
		case r.pending <- gen:
			return
		default:
		}
		select {
		case <-r.pending:
		default:
		}
	}
}

// run applies queued generations until ctx ends.
func (r *reloader) run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case gen := <-r.pending:
			r.apply(ctx, gen)
		}
	}
}

func (r *reloader) apply(ctx context.Context, gen cache.Generation) {
	if gen.ID == r.current.ID && slices.Equal(gen.Manifest, r.current.Manifest) {
		return
	}
	r.log.Info("configured generation changed",
		logger.String("from", r.current.ID),
		logger.String("to", gen.ID))
	if err := r.agent.Upgrade(ctx, gen); err != nil {
		r.log.Error("upgrade failed, keeping current generation",
			logger.String("generation", gen.ID),
			logger.Error(err))
		return
	}
	r.current = gen
}
