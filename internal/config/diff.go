package config

import (
	"reflect"
	"strings"

	logx "sigcast/pkg/logx"
)

// SummarizeChange lists the sections that differ between two configs plus
// log fields describing the new values. Secrets are never included.
func SummarizeChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	var changed []string
	var attrs []logx.Field

	if !reflect.DeepEqual(oldCfg.Telegram.OwnerUserIDs, newCfg.Telegram.OwnerUserIDs) ||
		oldCfg.Telegram.GroupLog != newCfg.Telegram.GroupLog ||
		oldCfg.Telegram.Token != newCfg.Telegram.Token {
		changed = append(changed, "telegram")
		attrs = append(attrs,
			logx.Int("telegram.owner_count", len(newCfg.Telegram.OwnerUserIDs)),
			logx.Bool("telegram.group_log_set", strings.TrimSpace(newCfg.Telegram.GroupLog) != ""),
		)
	}
	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.file", newCfg.Logging.File.Enabled),
			logx.Bool("logging.telegram", newCfg.Logging.Telegram.Enabled),
		)
	}
	if oldCfg.Backend != newCfg.Backend {
		changed = append(changed, "backend")
		attrs = append(attrs, logx.String("backend.base_url", newCfg.Backend.BaseURL))
	}
	if oldCfg.Generation != newCfg.Generation {
		changed = append(changed, "generation")
		attrs = append(attrs, logx.String("generation.provider", newCfg.Generation.Provider))
	}
	if oldCfg.Delivery != newCfg.Delivery {
		changed = append(changed, "delivery")
		attrs = append(attrs, logx.String("delivery.sink", newCfg.Delivery.Sink), logx.String("delivery.pacing", newCfg.Delivery.Pacing))
	}
	if oldCfg.Pipeline != newCfg.Pipeline {
		changed = append(changed, "pipeline")
		attrs = append(attrs, logx.String("pipeline.mode", newCfg.Pipeline.Mode))
	}
	if !reflect.DeepEqual(oldCfg.Signals, newCfg.Signals) {
		changed = append(changed, "signals")
	}
	if oldCfg.Credentials != newCfg.Credentials {
		changed = append(changed, "credentials")
		attrs = append(attrs,
			logx.Bool("credentials.generation_key_changed", oldCfg.Credentials.GenerationKey != newCfg.Credentials.GenerationKey),
			logx.Bool("credentials.channel_changed", oldCfg.Credentials.BotToken != newCfg.Credentials.BotToken || oldCfg.Credentials.ChannelID != newCfg.Credentials.ChannelID),
		)
	}
	if oldCfg.Schedule != newCfg.Schedule {
		changed = append(changed, "schedule")
		attrs = append(attrs, logx.Bool("autopost.enabled", newCfg.Schedule.Autopost.Enabled), logx.String("autopost.spec", newCfg.Schedule.Autopost.Spec))
	}
	if !reflect.DeepEqual(oldCfg.Storage, newCfg.Storage) {
		changed = append(changed, "storage")
	}
	if oldCfg.Ops != newCfg.Ops {
		changed = append(changed, "ops")
		attrs = append(attrs, logx.Bool("ops.enabled", newCfg.Ops.Enabled), logx.String("ops.addr", newCfg.Ops.Addr))
	}
	return changed, attrs
}

// RestartRequired reports changes that hot reload cannot apply.
func RestartRequired(oldCfg, newCfg *Config) []string {
	if oldCfg == nil || newCfg == nil {
		return nil
	}
	var out []string
	if oldCfg.Telegram.Token != newCfg.Telegram.Token {
		out = append(out, "telegram.token")
	}
	if oldCfg.Generation != newCfg.Generation {
		out = append(out, "generation")
	}
	if oldCfg.Delivery.Sink != newCfg.Delivery.Sink {
		out = append(out, "delivery.sink")
	}
	if oldCfg.Backend != newCfg.Backend {
		out = append(out, "backend")
	}
	if oldCfg.Pipeline != newCfg.Pipeline {
		out = append(out, "pipeline.mode")
	}
	if !reflect.DeepEqual(oldCfg.Signals.Catalog, newCfg.Signals.Catalog) {
		out = append(out, "signals.catalog")
	}
	if !reflect.DeepEqual(oldCfg.Storage, newCfg.Storage) {
		out = append(out, "storage")
	}
	return out
}
