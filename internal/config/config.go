package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const defaultICEServer = "stun:stun.l.google.com:19302"

// Config holds the application configuration.
type Config struct {
	Token     string
	APIURL    string
	SignalURL string

	// UserID and Role override the claims carried by Token.
	UserID string
	Role   string

	ICEServers    []string
	ICEUsername   string
	ICECredential string

	SettleDelay         time.Duration
	GatherTimeout       time.Duration
	AutoRejectTimeout   time.Duration
	CandidateRetryDelay time.Duration
	SendAttempts        int
	SendBackoff         time.Duration

	RecordDir   string
	ControlAddr string
	LogLevel    string
}

// Load reads configuration from a .env file (if present) and environment variables.
// Environment variables take precedence over .env values.
func Load() (*Config, error) {
	// godotenv.Load does not overwrite existing env vars
	_ = godotenv.Load()

	c := &Config{
		Token:     os.Getenv("CALL_TOKEN"),
		APIURL:    strings.TrimRight(os.Getenv("CALL_API_URL"), "/"),
		SignalURL: os.Getenv("CALL_SIGNAL_URL"),

		UserID: strings.TrimSpace(os.Getenv("CALL_USER_ID")),
		Role:   strings.TrimSpace(os.Getenv("CALL_ROLE")),

		ICEUsername:   os.Getenv("CALL_ICE_USERNAME"),
		ICECredential: os.Getenv("CALL_ICE_CREDENTIAL"),

		RecordDir:   os.Getenv("CALL_RECORD_DIR"),
		ControlAddr: envOr("CALL_CONTROL_ADDR", "127.0.0.1:8089"),
		LogLevel:    envOr("CALL_LOG_LEVEL", "info"),
	}

	for _, req := range []struct{ name, val string }{
		{"CALL_TOKEN", c.Token},
		{"CALL_API_URL", c.APIURL},
		{"CALL_SIGNAL_URL", c.SignalURL},
	} {
		if req.val == "" {
			return nil, fmt.Errorf("%s environment variable is required", req.name)
		}
	}

	if c.Role != "" && c.Role != "user" && c.Role != "staff" {
		return nil, fmt.Errorf("CALL_ROLE must be user or staff, got %q", c.Role)
	}

	c.ICEServers = splitList(envOr("CALL_ICE_SERVERS", defaultICEServer))

	var err error
	if c.SettleDelay, err = durationOr("CALL_SETTLE_DELAY", 500*time.Millisecond); err != nil {
		return nil, err
	}
	if c.GatherTimeout, err = durationOr("CALL_GATHER_TIMEOUT", 5*time.Second); err != nil {
		return nil, err
	}
	if c.AutoRejectTimeout, err = durationOr("CALL_AUTO_REJECT_TIMEOUT", 60*time.Second); err != nil {
		return nil, err
	}
	if c.CandidateRetryDelay, err = durationOr("CALL_CANDIDATE_RETRY_DELAY", time.Second); err != nil {
		return nil, err
	}
	if c.SendBackoff, err = durationOr("CALL_SEND_BACKOFF", 500*time.Millisecond); err != nil {
		return nil, err
	}
	if c.SendAttempts, err = intOr("CALL_SEND_ATTEMPTS", 3); err != nil {
		return nil, err
	}
	if c.SendAttempts < 1 {
		return nil, fmt.Errorf("CALL_SEND_ATTEMPTS must be at least 1")
	}

	return c, nil
}

func envOr(name, def string) string {
	if v := strings.TrimSpace(os.Getenv(name)); v != "" {
		return v
	}
	return def
}

func durationOr(name string, def time.Duration) (time.Duration, error) {
	v := strings.TrimSpace(os.Getenv(name))
	if v == "" {
		return def, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", name, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s must not be negative", name)
	}
	return d, nil
}

func intOr(name string, def int) (int, error) {
	v := strings.TrimSpace(os.Getenv(name))
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", name, err)
	}
	return n, nil
}

func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
