package controlplane

import (
	"maps"
	"net/http"
	"time"

	"github.com/FairForge/bulwark/internal/breaker"
	"github.com/FairForge/bulwark/internal/config"
	"github.com/FairForge/bulwark/internal/ha"
	"github.com/FairForge/bulwark/internal/notify"
	"github.com/FairForge/bulwark/internal/recovery"
	"go.uber.org/zap"
)

// BuildNotifier routes each configured webhook channel to its endpoint and
// every other channel to nats, or to the log when nats is nil
func BuildNotifier(cfg config.NotifyConfig, nats notify.Notifier, logger *zap.Logger) notify.Notifier {
	var fallback notify.Notifier = notify.NewLog(logger)
	if nats != nil {
		fallback = nats
	}
	if len(cfg.Webhooks) == 0 {
		return fallback
	}

	router := notify.NewRouter(fallback)
	client := &http.Client{Timeout: 10 * time.Second}
	for _, wh := range cfg.Webhooks {
		n := notify.NewWebhook(wh.URL, client)
		n.Headers = maps.Clone(wh.Headers)
		router.Route(wh.Channel, n)
	}
	return router
}

// BuildExecutors binds action kinds to executors:
//
//	open_circuit, close_circuit       breaker manager
//	failover_replica                  HA coordinator
//	restart_service, restart_pool     Docker, when docker is non-nil
//	webhook.actions (or the rest)     automation webhook, when a URL is set
//
// Kinds left unbound fail at execution time and are logged here.
func BuildExecutors(cfg config.ExecutorsConfig, breakers *breaker.Manager, coord *ha.Coordinator,
	docker recovery.ContainerRestarter, logger *zap.Logger) *recovery.Executors {
	execs := recovery.NewExecutors()
	throttle := func(e recovery.Executor) recovery.Executor {
		if cfg.RateLimit <= 0 {
			return e
		}
		burst := cfg.Burst
		if burst <= 0 {
			burst = 1
		}
		return recovery.NewThrottled(e, cfg.RateLimit, burst)
	}

	execs.Register(throttle(recovery.BreakerExecutor{Breakers: breakers}),
		recovery.ActionOpenCircuit, recovery.ActionCloseCircuit)
	execs.Register(throttle(recovery.FailoverExecutor{Coordinator: coord}),
		recovery.ActionFailoverReplica)

	if docker != nil {
		execs.Register(throttle(recovery.NewDockerExecutorWithAPI(docker, logger)),
			recovery.ActionRestartService, recovery.ActionRestartPool)
	}

	if cfg.Webhook.URL != "" {
		wh := recovery.NewWebhookExecutor(cfg.Webhook.URL, &http.Client{Timeout: 30 * time.Second})
		for k, v := range cfg.Webhook.Headers {
			wh.Headers[k] = v
		}
		var kinds []recovery.ActionKind
		if len(cfg.Webhook.Actions) == 0 {
			kinds = execs.Missing()
		} else {
			for _, name := range cfg.Webhook.Actions {
				// validated by config.Validate
				if kind, err := recovery.ParseActionKind(name); err == nil {
					kinds = append(kinds, kind)
				}
			}
		}
		execs.Register(throttle(wh), kinds...)
	}

	if missing := execs.Missing(); len(missing) > 0 {
		names := make([]string, 0, len(missing))
		for _, k := range missing {
			names = append(names, k.String())
		}
		logger.Info("recovery actions without an executor", zap.Strings("actions", names))
	}
	return execs
}
