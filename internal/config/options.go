package config

import "strings"

// Option describes a single configuration entry: its viper key
// (identical to its environment variable name), the corresponding CLI
// flag name, the compiled default, and a human-readable description
// shown in --help output.
type Option struct {
	Key         string
	Flag        string
	Default     any
	Description string
}

// Options defines every configuration entry tunneld accepts. Each
// entry is registered as a viper default and a CLI flag; environment
// variables take the key verbatim (PORT, not TUNNELD_PORT), with no
// prefix.
var Options = []Option{
	{Key: keyRegistrationAPIKey, Flag: toFlag(keyRegistrationAPIKey), Default: "", Description: "Shared secret workstations present in workstation.register (required, >=32 bytes)"},
	{Key: keyPort, Flag: toFlag(keyPort), Default: 3001, Description: "HTTP listen port"},
	{Key: keyHost, Flag: toFlag(keyHost), Default: "0.0.0.0", Description: "HTTP listen host"},
	{Key: keyLogLevel, Flag: toFlag(keyLogLevel), Default: "info", Description: "Log level: trace, debug, info, warn, error"},
	{Key: keyTrustProxy, Flag: toFlag(keyTrustProxy), Default: false, Description: "Trust X-Forwarded-* headers from a reverse proxy"},
	{Key: keyPublicBaseURL, Flag: toFlag(keyPublicBaseURL), Default: "", Description: "Public base URL advertised to workstations; derived from the request when empty"},
	{Key: keyWSPath, Flag: toFlag(keyWSPath), Default: "/ws", Description: "HTTP path the WebSocket upgrade is mounted on"},
	{Key: keyMetricsEnabled, Flag: toFlag(keyMetricsEnabled), Default: false, Description: "Mount a Prometheus /metrics endpoint"},

	{Key: keyRegistrationTimeoutMS, Flag: toFlag(keyRegistrationTimeoutMS), Default: 10000, Description: "Milliseconds a new connection has to send its first frame"},
	{Key: keyPingIntervalMS, Flag: toFlag(keyPingIntervalMS), Default: 5000, Description: "Idle milliseconds before the liveness supervisor sends a ping"},
	{Key: keyPongTimeoutMS, Flag: toFlag(keyPongTimeoutMS), Default: 10000, Description: "Additional idle milliseconds past a ping before the session is declared stale"},
	{Key: keyClientTimeoutCheckIntervalMS, Flag: toFlag(keyClientTimeoutCheckIntervalMS), Default: 5000, Description: "Liveness supervisor sweep interval in milliseconds"},
	{Key: keyOutboundQueueSize, Flag: toFlag(keyOutboundQueueSize), Default: 256, Description: "Per-session bounded outbound queue capacity"},
	{Key: keyOutboundEnqueueTimeoutMS, Flag: toFlag(keyOutboundEnqueueTimeoutMS), Default: 250, Description: "Milliseconds Enqueue blocks before dropping a frame and marking the session slow"},
	{Key: keyDrainTimeoutMS, Flag: toFlag(keyDrainTimeoutMS), Default: 2000, Description: "Milliseconds a draining session gets to flush its outbound queue"},
	{Key: keyShutdownDrainTimeoutMS, Flag: toFlag(keyShutdownDrainTimeoutMS), Default: 10000, Description: "Milliseconds the server façade waits for sessions to drain on shutdown"},
	{Key: keyMaxFrameBytes, Flag: toFlag(keyMaxFrameBytes), Default: 1048576, Description: "Maximum encoded frame size in bytes"},
}

// toFlag converts a bare env-style key like "CLIENT_TIMEOUT_CHECK_INTERVAL_MS"
// into a CLI flag like "client-timeout-check-interval-ms".
func toFlag(key string) string {
	return strings.ToLower(strings.ReplaceAll(key, "_", "-"))
}
