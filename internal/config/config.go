// Package config loads tunneld's configuration from CLI flags,
// environment variables, and compiled defaults (CLI flags win, then
// environment, then the default), using spf13/viper and spf13/pflag.
// There is no config file layer: tunneld is configured entirely by
// flag and environment.
package config

import (
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/relaymesh/tunneld/internal/ids"
	"github.com/relaymesh/tunneld/internal/liveness"
	"github.com/relaymesh/tunneld/internal/session"
)

// MinRegistrationAPIKeyLen is the minimum length required for
// REGISTRATION_API_KEY.
const MinRegistrationAPIKeyLen = 32

// Config wraps a viper instance and provides typed accessors for every
// configuration key.
type Config struct {
	v *viper.Viper
}

// New initialises a Config from compiled defaults and environment
// variables. Call BindFlags (and parse the flags) before reading any
// value if the caller wants CLI flags to participate too.
func New() *Config {
	v := viper.New()
	for _, o := range Options {
		v.SetDefault(o.Key, o.Default)
	}
	v.AutomaticEnv()
	return &Config{v: v}
}

// BindFlags registers a CLI flag for every Option and binds it to the
// underlying viper key so flag values take highest priority.
func (c *Config) BindFlags(fs *pflag.FlagSet) error {
	for _, o := range Options {
		switch d := o.Default.(type) {
		case string:
			fs.String(o.Flag, d, o.Description)
		case int:
			fs.Int(o.Flag, d, o.Description)
		case bool:
			fs.Bool(o.Flag, d, o.Description)
		default:
			return fmt.Errorf("config: unsupported flag type for key %s", o.Key)
		}
		if err := c.v.BindPFlag(o.Key, fs.Lookup(o.Flag)); err != nil {
			return fmt.Errorf("config: bind flag %s: %w", o.Flag, err)
		}
	}
	return nil
}

// Validate enforces the constraints compiled defaults and pflag's
// type coercion cannot: a present, sufficiently long registration
// key, and a parseable address.
func (c *Config) Validate() error {
	key := c.RegistrationAPIKey()
	if err := key.Validate(MinRegistrationAPIKeyLen); err != nil {
		return fmt.Errorf("REGISTRATION_API_KEY: %w", err)
	}
	if _, err := net.ResolveTCPAddr("tcp", c.Address()); err != nil {
		return fmt.Errorf("HOST/PORT: %w", err)
	}
	return nil
}

// RegistrationAPIKey returns the shared secret workstations must
// present in workstation.register.
func (c *Config) RegistrationAPIKey() ids.AuthKey {
	return ids.AuthKey(c.v.GetString(keyRegistrationAPIKey))
}

// Port returns the HTTP listen port.
func (c *Config) Port() int { return c.v.GetInt(keyPort) }

// Host returns the HTTP listen host.
func (c *Config) Host() string { return c.v.GetString(keyHost) }

// Address returns the combined host:port listen address.
func (c *Config) Address() string {
	return net.JoinHostPort(c.Host(), strconv.Itoa(c.Port()))
}

// LogLevel returns the configured log level string (trace, debug,
// info, warn, or error).
func (c *Config) LogLevel() string { return c.v.GetString(keyLogLevel) }

// TrustProxy reports whether X-Forwarded-* headers from a reverse
// proxy should be trusted when deriving the public base URL and
// client address for logging.
func (c *Config) TrustProxy() bool { return c.v.GetBool(keyTrustProxy) }

// PublicBaseURL returns the configured public base URL, or "" if it
// should be derived from the incoming request.
func (c *Config) PublicBaseURL() string { return c.v.GetString(keyPublicBaseURL) }

// WSPath returns the HTTP path the WebSocket upgrade is mounted on.
func (c *Config) WSPath() string { return c.v.GetString(keyWSPath) }

// MetricsEnabled reports whether the /metrics endpoint should be
// mounted.
func (c *Config) MetricsEnabled() bool { return c.v.GetBool(keyMetricsEnabled) }

// MaxFrameBytes returns the configured frame-size ceiling.
func (c *Config) MaxFrameBytes() int { return c.v.GetInt(keyMaxFrameBytes) }

// ShutdownDrainTimeout returns how long the server façade waits for
// sessions to drain on shutdown.
func (c *Config) ShutdownDrainTimeout() time.Duration {
	return time.Duration(c.v.GetInt(keyShutdownDrainTimeoutMS)) * time.Millisecond
}

// SessionTiming builds a session.Timing from the configured values.
func (c *Config) SessionTiming() session.Timing {
	return session.Timing{
		RegistrationTimeout:    time.Duration(c.v.GetInt(keyRegistrationTimeoutMS)) * time.Millisecond,
		OutboundQueueSize:      c.v.GetInt(keyOutboundQueueSize),
		OutboundEnqueueTimeout: time.Duration(c.v.GetInt(keyOutboundEnqueueTimeoutMS)) * time.Millisecond,
		DrainTimeout:           time.Duration(c.v.GetInt(keyDrainTimeoutMS)) * time.Millisecond,
		WriteFrameTimeout:      time.Duration(c.v.GetInt(keyDrainTimeoutMS)) * time.Millisecond,
	}
}

// LivenessTiming builds a liveness.Timing from the configured values.
func (c *Config) LivenessTiming() liveness.Timing {
	return liveness.Timing{
		CheckInterval: time.Duration(c.v.GetInt(keyClientTimeoutCheckIntervalMS)) * time.Millisecond,
		PingInterval:  time.Duration(c.v.GetInt(keyPingIntervalMS)) * time.Millisecond,
		PongTimeout:   time.Duration(c.v.GetInt(keyPongTimeoutMS)) * time.Millisecond,
	}
}
