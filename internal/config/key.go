package config

// Viper keys. Each is also the exact environment variable name
// (AutomaticEnv is configured with no prefix and no replacer, since
// every key here is already a bare upper-case-able identifier with no
// dots) — operators set these directly, unprefixed, with no config
// file layer.
const (
	keyRegistrationAPIKey = "REGISTRATION_API_KEY"
	keyPort               = "PORT"
	keyHost               = "HOST"
	keyLogLevel           = "LOG_LEVEL"
	keyTrustProxy         = "TRUST_PROXY"
	keyPublicBaseURL      = "PUBLIC_BASE_URL"
	keyWSPath             = "WS_PATH"
	keyMetricsEnabled     = "METRICS_ENABLED"

	keyRegistrationTimeoutMS         = "REGISTRATION_TIMEOUT_MS"
	keyPingIntervalMS                = "PING_INTERVAL_MS"
	keyPongTimeoutMS                 = "PONG_TIMEOUT_MS"
	keyClientTimeoutCheckIntervalMS  = "CLIENT_TIMEOUT_CHECK_INTERVAL_MS"
	keyOutboundQueueSize             = "OUTBOUND_QUEUE_SIZE"
	keyOutboundEnqueueTimeoutMS      = "OUTBOUND_ENQUEUE_TIMEOUT_MS"
	keyDrainTimeoutMS                = "DRAIN_TIMEOUT_MS"
	keyShutdownDrainTimeoutMS        = "SHUTDOWN_DRAIN_TIMEOUT_MS"
	keyMaxFrameBytes                 = "MAX_FRAME_BYTES"
)
