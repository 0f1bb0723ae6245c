package app

import (
	"context"
	"strings"

	"kidbot/internal/config"
	logx "kidbot/pkg/logx"
)

// reloadLoop applies every committed config until ctx ends. Bursts are coalesced
// to the newest config.
func (a *App) reloadLoop(ctx context.Context) {
	sub := a.cfgm.Subscribe(8)
	defer a.cfgm.Unsubscribe(sub)
	for {
		select {
		case <-ctx.Done():
			return
		case cfg, ok := <-sub:
			if !ok {
				return
			}
		drain:
			for {
				select {
				case newer := <-sub:
					if newer != nil {
						cfg = newer
					}
				default:
					break drain
				}
			}
			a.applyConfig(ctx, cfg)
		}
	}
}

// applyConfig pushes the hot-reloadable sections of cfg into the running components.
// Sections listed in Change.Restart are reported and otherwise ignored.
func (a *App) applyConfig(ctx context.Context, cfg *config.Config) {
	if cfg == nil {
		return
	}
	ch := config.SummarizeConfigChange(a.applied, cfg)
	a.applied = cfg
	if ch.Empty() {
		a.log.Info("config reloaded (no changes)")
		return
	}
	if len(ch.Restart) > 0 {
		a.log.Warn("config sections changed that need a restart", logx.String("sections", strings.Join(ch.Restart, ",")))
	}

	a.setLogChat(cfg)
	a.logs.Apply(mapLoggingConfig(cfg))

	if l, err := mapLimits(cfg); err != nil {
		a.log.Warn("invalid limits; keeping previous", logx.Err(err))
	} else {
		a.limiter.Apply(l)
	}
	if rc, err := mapRetryConfig(cfg); err != nil {
		a.log.Warn("invalid retry config; keeping previous", logx.Err(err))
	} else {
		a.retry.Apply(rc)
	}
	if dc, err := mapDedupConfig(cfg); err != nil {
		a.log.Warn("invalid dedup config; keeping previous", logx.Err(err))
	} else {
		a.guard.Apply(dc)
	}
	if sc, err := mapSchedulerConfig(cfg); err != nil {
		a.log.Warn("invalid scheduler config; keeping previous", logx.Err(err))
	} else {
		a.sched.Apply(sc)
	}
	if a.tgSink != nil {
		if nc, err := mapNotifierConfig(cfg); err != nil {
			a.log.Warn("invalid notifier config; keeping previous", logx.Err(err))
		} else {
			a.tgSink.Apply(nc)
		}
		a.tgSink.SetTargets(mapTargets(cfg))
	}
	if hc, err := mapHTTPConfig(cfg); err != nil {
		a.log.Warn("invalid http config; keeping previous", logx.Err(err))
	} else {
		a.api.Reconfigure(ctx, hc)
	}

	if len(ch.Tenants) > 0 {
		checks, err := mapContentChecks(cfg)
		if err != nil {
			a.log.Warn("invalid content checks; keeping previous", logx.Err(err))
		} else {
			a.provisionContentChecks(ctx, changedChecks(checks, ch.Tenants))
			a.checks = checks
		}
	}

	fields := append([]logx.Field{logx.String("changed", strings.Join(ch.Sections, ","))}, ch.Attrs...)
	a.log.Info("config reloaded", fields...)
}

func changedChecks(checks []contentCheck, tenants []string) []contentCheck {
	changed := make(map[string]bool, len(tenants))
	for _, t := range tenants {
		changed[t] = true
	}
	var out []contentCheck
	for _, c := range checks {
		if changed[c.tenant] {
			out = append(out, c)
		}
	}
	return out
}
