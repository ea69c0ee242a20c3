package config

// RedactedConfig returns a copy of cfg with sensitive fields replaced by the
// redaction placeholder "***". Use this when logging or printing the active
// configuration so secrets are never accidentally exposed.
func RedactedConfig(cfg *Config) Config {
	out := *cfg // shallow copy of the top-level struct

	redact(&out.Postgres.DSN)
	redact(&out.Postgres.Password)
	redact(&out.Redis.Password)
	redact(&out.Ledger.Token)
	redact(&out.Notify.TelegramToken)
	redact(&out.Notify.DiscordWebhookURL)

	if cfg.Auth.Keys != nil {
		out.Auth.Keys = make([]APIKey, len(cfg.Auth.Keys))
		copy(out.Auth.Keys, cfg.Auth.Keys)
		for i := range out.Auth.Keys {
			redact(&out.Auth.Keys[i].Key)
		}
	}

	// Copy slices so callers cannot mutate the original through the redacted
	// copy.
	out.Notify.Events = cloneStrings(cfg.Notify.Events)
	out.Server.CORSOrigins = cloneStrings(cfg.Server.CORSOrigins)
	out.Kafka.Brokers = cloneStrings(cfg.Kafka.Brokers)

	// Copy maps so mutations to the redacted copy do not affect the original.
	if cfg.Ledger.DevBalances != nil {
		out.Ledger.DevBalances = make(map[string]int64, len(cfg.Ledger.DevBalances))
		for k, v := range cfg.Ledger.DevBalances {
			out.Ledger.DevBalances[k] = v
		}
	}
	out.BondPolicy = cfg.BondPolicy.Clone()

	return out
}

const redacted = "***"

// redact replaces a non-empty string with the redacted placeholder.
func redact(s *string) {
	if *s != "" {
		*s = redacted
	}
}

func cloneStrings(in []string) []string {
	if in == nil {
		return nil
	}
	out := make([]string, len(in))
	copy(out, in)
	return out
}
