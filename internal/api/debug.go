package api

import (
	"net/http"
	"time"

	"fleetopt/internal/buildinfo"
	"fleetopt/internal/config"
)

// DebugJSON reports build information and the non-secret configuration.
func (s *Server) DebugJSON(w http.ResponseWriter, r *http.Request) {
	info := map[string]any{
		"build": buildinfo.Info(),
		"time":  time.Now().UTC().Format(time.RFC3339),
		"config": map[string]any{
			"port":            s.Cfg.Server.Port,
			"rateRps":         s.Cfg.Server.RateRPS,
			"rateBurst":       s.Cfg.Server.RateBurst,
			"store":           storeKind(s.Cfg),
			"hasRedis":        s.Cfg.Cache.RedisURL != "",
			"hasWebhook":      s.Cfg.Webhook.URL != "",
			"webhookAttempts": s.Cfg.Webhook.MaxAttempts,
			"tracing":         s.Cfg.Tracing.Enabled,
			"optimizer":       optimizerConfigView(s.Cfg.Optimizer),
		},
		"runs": map[string]any{
			"retained":   len(s.RunMetrics.Runs()),
			"algorithms": s.RunMetrics.Algorithms(),
		},
	}
	writeJSON(w, http.StatusOK, info)
}

func storeKind(cfg config.Config) string {
	switch {
	case cfg.Storage.DatabaseURL != "":
		return "postgres"
	case cfg.Storage.SQLitePath != "":
		return "sqlite"
	}
	return "memory"
}
