// Package config loads secwatch's bootstrap configuration from config.yaml.
//
// Config fields:
//   - HTTPPort         : port for the admin API, /metrics and WebSocket stream (default 8080)
//   - Log.Level        : debug | info | warn | error (default info); hot-reloadable
//   - Auth.Mode        : "apikey" or "none"
//   - Auth.KeyEnv      : environment variable holding the expected API key
//   - Auth.Header      : HTTP header name (default "x-api-key")
//   - Store.Driver     : "sqlite" (default) or "postgres"
//   - Store.DSN/DSNEnv : connection string, literal or from the environment
//   - Monitor.Interval : collection tick (default 1m)
//   - Monitor.Window   : sample retention (default 15m)
//   - Sources          : one entry per metric; defaults to the in-process registry
//   - Notify           : worker count, SMTP relay and webhook timeout
//   - Secrets.KeyEnv   : environment variable holding the config encryption key
//   - Seed             : thresholds and recipients inserted on first start
//
// Load(path) applies defaults before unmarshalling, then validates. Runtime
// tuning (cooldowns, rate limits, retries) lives in the config store, not here.
package config
