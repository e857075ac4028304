// Package config loads the voice-bridge service's configuration from flags
// and environment variables.
package config

import (
	"flag"
	"fmt"
	"log/slog"
	"net"
	"os"
	"strconv"
	"strings"
)

const envPrefix = "HAVB_"

const (
	defaultSIPBindAddr    = "0.0.0.0"
	defaultSIPBindPort    = 5060
	defaultSIPTransport   = "udp"
	defaultRegistrarPort  = 5060
	defaultRTPPortMin     = 10000
	defaultRTPPortMax     = 20000
	defaultAIVoice        = "alloy"
	defaultAdminBindAddr  = "127.0.0.1:8088"
	defaultLogLevel       = "info"
	defaultLogFormat      = "json"
	defaultCallerProfiles = "callers.json"
	defaultToolCatalog    = "tools.json"
)

// Config holds every setting the voice-bridge service needs at startup.
// It is loaded once in main and threaded through every component via
// constructor injection — there is no global config.
type Config struct {
	// SIP user agent (C4).
	SIPBindAddr   string // only logged at startup; the SIP listener binds 0.0.0.0
	SIPBindPort   int    // local UDP port of the SIP listener and the Contact header
	SIPTransport  string // always "udp" — see Non-goals
	RegistrarHost string
	RegistrarPort int
	SIPUsername   string
	SIPAuthUser   string // auth_username, defaults to SIPUsername if empty
	SIPPassword   string
	SIPRealm      string // stored by the registrar; digest auth always uses the challenge's realm

	// RTP (C3).
	RTPPortMin int
	RTPPortMax int

	// AI transport (C5).
	AIBackendURL   string // ws:// or wss:// endpoint
	AIBackendToken string // bearer token
	AIVoice        string

	// Controller / home-automation REST API (C6).
	ControllerBaseURL string
	ControllerToken   string

	// Static catalogs (§3 Data model).
	CallerProfilesPath string
	ToolCatalogPath    string

	// Admin/status surface (§10).
	AdminBindAddr      string
	AdminBootstrapUser string
	AdminBootstrapPass string
	JWTSecret          string // hex-encoded; generated ephemerally if empty

	LogLevel  string
	LogFormat string
}

func defaults() *Config {
	return &Config{
		SIPBindAddr:        defaultSIPBindAddr,
		SIPBindPort:        defaultSIPBindPort,
		SIPTransport:       defaultSIPTransport,
		RegistrarPort:      defaultRegistrarPort,
		RTPPortMin:         defaultRTPPortMin,
		RTPPortMax:         defaultRTPPortMax,
		AIVoice:            defaultAIVoice,
		AdminBindAddr:      defaultAdminBindAddr,
		CallerProfilesPath: defaultCallerProfiles,
		ToolCatalogPath:    defaultToolCatalog,
		LogLevel:           defaultLogLevel,
		LogFormat:          defaultLogFormat,
	}
}

// Load parses CLI flags and overlays environment variables, with precedence
// CLI flags > env vars > defaults. args is typically os.Args[1:].
func Load(args []string) (*Config, error) {
	cfg := defaults()

	fs := flag.NewFlagSet("voicebridge", flag.ContinueOnError)
	fs.StringVar(&cfg.SIPBindAddr, "sip-bind-addr", cfg.SIPBindAddr, "local UDP bind address for the SIP user agent (logged only; the listener binds 0.0.0.0)")
	fs.IntVar(&cfg.SIPBindPort, "sip-bind-port", cfg.SIPBindPort, "local UDP bind port for the SIP user agent")
	fs.StringVar(&cfg.SIPTransport, "sip-transport", cfg.SIPTransport, "SIP transport (udp only)")
	fs.StringVar(&cfg.RegistrarHost, "registrar-host", cfg.RegistrarHost, "SIP registrar host (the residential gateway)")
	fs.IntVar(&cfg.RegistrarPort, "registrar-port", cfg.RegistrarPort, "SIP registrar port")
	fs.StringVar(&cfg.SIPUsername, "sip-username", cfg.SIPUsername, "SIP account username")
	fs.StringVar(&cfg.SIPAuthUser, "sip-auth-username", cfg.SIPAuthUser, "SIP digest auth username, defaults to sip-username")
	fs.StringVar(&cfg.SIPPassword, "sip-password", cfg.SIPPassword, "SIP account password")
	fs.StringVar(&cfg.SIPRealm, "sip-realm", cfg.SIPRealm, "digest realm (not applied: the realm from the server's challenge is used)")
	fs.IntVar(&cfg.RTPPortMin, "rtp-port-min", cfg.RTPPortMin, "lower bound (even) of the RTP port range")
	fs.IntVar(&cfg.RTPPortMax, "rtp-port-max", cfg.RTPPortMax, "upper bound of the RTP port range")
	fs.StringVar(&cfg.AIBackendURL, "ai-backend-url", cfg.AIBackendURL, "WebSocket URL of the streaming-AI backend")
	fs.StringVar(&cfg.AIBackendToken, "ai-backend-token", cfg.AIBackendToken, "bearer token for the AI backend")
	fs.StringVar(&cfg.AIVoice, "ai-voice", cfg.AIVoice, "voice name sent in the session-configuration event")
	fs.StringVar(&cfg.ControllerBaseURL, "controller-base-url", cfg.ControllerBaseURL, "base URL of the home-automation controller REST API")
	fs.StringVar(&cfg.ControllerToken, "controller-token", cfg.ControllerToken, "bearer token for the controller REST API")
	fs.StringVar(&cfg.CallerProfilesPath, "caller-profiles", cfg.CallerProfilesPath, "path to the caller profile catalog (JSON)")
	fs.StringVar(&cfg.ToolCatalogPath, "tool-catalog", cfg.ToolCatalogPath, "path to the tool catalog (JSON)")
	fs.StringVar(&cfg.AdminBindAddr, "admin-bind-addr", cfg.AdminBindAddr, "bind address for the read-only admin/status HTTP API")
	fs.StringVar(&cfg.AdminBootstrapUser, "admin-user", cfg.AdminBootstrapUser, "bootstrap operator username for the admin API")
	fs.StringVar(&cfg.AdminBootstrapPass, "admin-password", cfg.AdminBootstrapPass, "bootstrap operator password for the admin API")
	fs.StringVar(&cfg.JWTSecret, "jwt-secret", cfg.JWTSecret, "hex-encoded HMAC secret for admin session tokens")
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "log level: debug, info, warn, error")
	fs.StringVar(&cfg.LogFormat, "log-format", cfg.LogFormat, "log format: json or text")

	if err := fs.Parse(args); err != nil {
		return nil, fmt.Errorf("parsing flags: %w", err)
	}

	applyEnvOverrides(cfg, fs)

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// applyEnvOverrides sets a field from its HAVB_-prefixed environment
// variable whenever the corresponding flag was not explicitly set on the
// command line. CLI flags therefore always win over the environment.
func applyEnvOverrides(cfg *Config, fs *flag.FlagSet) {
	set := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) { set[f.Name] = true })

	str := func(flagName, envName string, dst *string) {
		if set[flagName] {
			return
		}
		if v, ok := os.LookupEnv(envPrefix + envName); ok {
			*dst = v
		}
	}
	num := func(flagName, envName string, dst *int) {
		if set[flagName] {
			return
		}
		v, ok := os.LookupEnv(envPrefix + envName)
		if !ok {
			return
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			slog.Warn("ignoring malformed integer env var", "var", envPrefix+envName, "value", v)
			return
		}
		*dst = n
	}

	str("sip-bind-addr", "SIP_BIND_ADDR", &cfg.SIPBindAddr)
	num("sip-bind-port", "SIP_BIND_PORT", &cfg.SIPBindPort)
	str("sip-transport", "SIP_TRANSPORT", &cfg.SIPTransport)
	str("registrar-host", "REGISTRAR_HOST", &cfg.RegistrarHost)
	num("registrar-port", "REGISTRAR_PORT", &cfg.RegistrarPort)
	str("sip-username", "SIP_USERNAME", &cfg.SIPUsername)
	str("sip-auth-username", "SIP_AUTH_USERNAME", &cfg.SIPAuthUser)
	str("sip-password", "SIP_PASSWORD", &cfg.SIPPassword)
	str("sip-realm", "SIP_REALM", &cfg.SIPRealm)
	num("rtp-port-min", "RTP_PORT_MIN", &cfg.RTPPortMin)
	num("rtp-port-max", "RTP_PORT_MAX", &cfg.RTPPortMax)
	str("ai-backend-url", "AI_BACKEND_URL", &cfg.AIBackendURL)
	str("ai-backend-token", "AI_BACKEND_TOKEN", &cfg.AIBackendToken)
	str("ai-voice", "AI_VOICE", &cfg.AIVoice)
	str("controller-base-url", "CONTROLLER_BASE_URL", &cfg.ControllerBaseURL)
	str("controller-token", "CONTROLLER_TOKEN", &cfg.ControllerToken)
	str("caller-profiles", "CALLER_PROFILES", &cfg.CallerProfilesPath)
	str("tool-catalog", "TOOL_CATALOG", &cfg.ToolCatalogPath)
	str("admin-bind-addr", "ADMIN_BIND_ADDR", &cfg.AdminBindAddr)
	str("admin-user", "ADMIN_USER", &cfg.AdminBootstrapUser)
	str("admin-password", "ADMIN_PASSWORD", &cfg.AdminBootstrapPass)
	str("jwt-secret", "JWT_SECRET", &cfg.JWTSecret)
	str("log-level", "LOG_LEVEL", &cfg.LogLevel)
	str("log-format", "LOG_FORMAT", &cfg.LogFormat)
}

// validate rejects configurations that cannot possibly run.
func (c *Config) validate() error {
	if c.SIPTransport != "udp" {
		return fmt.Errorf("sip-transport %q unsupported, only udp is implemented", c.SIPTransport)
	}
	if c.SIPBindPort <= 0 || c.SIPBindPort > 65535 {
		return fmt.Errorf("sip-bind-port %d out of range", c.SIPBindPort)
	}
	if strings.TrimSpace(c.RegistrarHost) == "" {
		return fmt.Errorf("registrar-host is required")
	}
	if c.RegistrarPort <= 0 || c.RegistrarPort > 65535 {
		return fmt.Errorf("registrar-port %d out of range", c.RegistrarPort)
	}
	if c.RTPPortMin%2 != 0 {
		return fmt.Errorf("rtp-port-min must be even, got %d", c.RTPPortMin)
	}
	if c.RTPPortMax < c.RTPPortMin+2 {
		return fmt.Errorf("rtp-port-max (%d) must leave room for at least two even ports starting at rtp-port-min (%d)", c.RTPPortMax, c.RTPPortMin)
	}
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log-level %q invalid, must be debug/info/warn/error", c.LogLevel)
	}
	switch c.LogFormat {
	case "json", "text":
	default:
		return fmt.Errorf("log-format %q invalid, must be json or text", c.LogFormat)
	}
	return nil
}

// AuthUsername returns the digest auth username, falling back to the SIP
// account username when no override is configured.
func (c *Config) AuthUsername() string {
	if c.SIPAuthUser != "" {
		return c.SIPAuthUser
	}
	return c.SIPUsername
}

// LocalIP returns the best-guess local IPv4 address used in SDP answers
// and Contact headers: the first non-loopback IPv4 address bound to any
// interface, falling back to 127.0.0.1.
func (c *Config) LocalIP() string {
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return "127.0.0.1"
	}
	for _, addr := range addrs {
		ipNet, ok := addr.(*net.IPNet)
		if !ok || ipNet.IP.IsLoopback() {
			continue
		}
		if v4 := ipNet.IP.To4(); v4 != nil {
			return v4.String()
		}
	}
	return "127.0.0.1"
}

// SlogLevel maps the configured textual log level to a slog.Level.
func (c *Config) SlogLevel() slog.Level {
	switch c.LogLevel {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// SlogHandler builds the process-wide slog.Handler per the configured
// level and format (json or text), writing to stderr.
func (c *Config) SlogHandler() slog.Handler {
	opts := &slog.HandlerOptions{Level: c.SlogLevel()}
	if c.LogFormat == "text" {
		return slog.NewTextHandler(os.Stderr, opts)
	}
	return slog.NewJSONHandler(os.Stderr, opts)
}
