package config

import (
	"strings"
	"testing"

	"github.com/spf13/pflag"
)

func TestConfig_Defaults(t *testing.T) {
	t.Parallel()

	c := New()
	if c.Port() != 3001 {
		t.Fatalf("Port() = %d, want 3001", c.Port())
	}
	if c.Host() != "0.0.0.0" {
		t.Fatalf("Host() = %q, want 0.0.0.0", c.Host())
	}
	if c.WSPath() != "/ws" {
		t.Fatalf("WSPath() = %q, want /ws", c.WSPath())
	}
	if c.MetricsEnabled() {
		t.Fatal("MetricsEnabled() default should be false")
	}
	if got := c.SessionTiming().OutboundQueueSize; got != 256 {
		t.Fatalf("OutboundQueueSize = %d, want 256", got)
	}
}

func TestConfig_ValidateRejectsShortKey(t *testing.T) {
	c := New()
	t.Setenv(keyRegistrationAPIKey, "too-short")
	c = New() // AutomaticEnv reads live, but re-create for a clean viper instance

	if err := c.Validate(); err == nil {
		t.Fatal("expected Validate to reject a short registration key")
	}
}

func TestConfig_ValidateAcceptsLongKey(t *testing.T) {
	t.Setenv(keyRegistrationAPIKey, strings.Repeat("k", 32))
	c := New()

	if err := c.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
}

func TestConfig_FlagOverridesDefault(t *testing.T) {
	t.Parallel()

	c := New()
	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	if err := c.BindFlags(fs); err != nil {
		t.Fatalf("BindFlags: %v", err)
	}
	if err := fs.Parse([]string{"--port", "9999"}); err != nil {
		t.Fatalf("Parse: %v", err)
	}

	if c.Port() != 9999 {
		t.Fatalf("Port() = %d, want 9999", c.Port())
	}
}
