// Package config loads harness and server settings from the environment
// (optionally seeded from a .env file) and command-line flags. Flags win
// over the environment, the environment wins over the built-in defaults.
package config

import (
	"flag"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/pkg/errors"
)

// Defaults of the demo endpoint the harness talks to.
const (
	DefaultEndpoint  = "http://localhost:9000"
	DefaultPath      = "/ws"
	DefaultTransport = "websocket"
	DefaultHTTPPort  = 9000
)

// LoadEnv loads the given .env files into the process environment.
// Missing files are ignored; variables already set are kept.
func LoadEnv(files ...string) error {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, f := range files {
		if err := godotenv.Load(f); err != nil {
			if os.IsNotExist(errors.Cause(err)) {
				continue
			}
			return errors.Wrapf(err, "failed to load %s", f)
		}
	}
	return nil
}

// Client configures the chat harness.
type Client struct {
	Endpoint       string
	Path           string
	Transports     []string
	Username       string
	Phone          string
	Password       string
	LoginURL       string
	Dialer         string
	StrictAck      bool
	ConnectTimeout time.Duration
	LogLevel       string
}

// LoadClient builds the harness configuration from the environment and args.
func LoadClient(args []string) (Client, error) {
	cfg := Client{
		Endpoint:       envString("WS_ENDPOINT", DefaultEndpoint),
		Path:           envString("WS_PATH", DefaultPath),
		Username:       os.Getenv("WS_USERNAME"),
		Phone:          os.Getenv("WS_PHONE"),
		Password:       os.Getenv("WS_PASSWORD"),
		LoginURL:       os.Getenv("LOGIN_URL"),
		Dialer:         envString("WS_DIALER", "gorilla"),
		LogLevel:       envString("LOG_LEVEL", "info"),
		ConnectTimeout: 10 * time.Second,
	}
	transports := envString("WS_TRANSPORTS", DefaultTransport)
	strictAck, err := envBool("STRICT_ACK", false)
	if err != nil {
		return Client{}, err
	}
	cfg.StrictAck = strictAck
	if cfg.ConnectTimeout, err = envDuration("CONNECT_TIMEOUT", cfg.ConnectTimeout); err != nil {
		return Client{}, err
	}

	fs := flag.NewFlagSet("client", flag.ContinueOnError)
	fs.StringVar(&cfg.Endpoint, "server", cfg.Endpoint, "Server endpoint (e.g., http://localhost:9000)")
	fs.StringVar(&cfg.Path, "path", cfg.Path, "Socket path on the server")
	fs.StringVar(&transports, "transports", transports, "Comma separated transport list")
	fs.StringVar(&cfg.Username, "username", cfg.Username, "Username for chat")
	fs.StringVar(&cfg.Phone, "phone", cfg.Phone, "Phone number for chat")
	fs.StringVar(&cfg.Password, "password", cfg.Password, "Password for the HTTP login flow")
	fs.StringVar(&cfg.LoginURL, "login-url", cfg.LoginURL, "HTTP login endpoint; empty skips the login call")
	fs.StringVar(&cfg.Dialer, "dialer", cfg.Dialer, "WebSocket dialer: gorilla or gobwas")
	fs.BoolVar(&cfg.StrictAck, "strict-ack", cfg.StrictAck, "Inspect the status carried by acknowledgements")
	fs.DurationVar(&cfg.ConnectTimeout, "connect-timeout", cfg.ConnectTimeout, "Handshake timeout")
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "Log level")
	if err := fs.Parse(args); err != nil {
		return Client{}, err
	}

	cfg.Transports = splitList(transports)
	if cfg.Username == "" {
		return Client{}, errors.New("username is required. Use -username flag")
	}
	if cfg.LoginURL == "" && cfg.Phone == "" {
		return Client{}, errors.New("phone is required. Use -phone flag")
	}
	return cfg, nil
}

// Account is a login credential accepted by the server's login endpoint.
type Account struct {
	Username string
	Password string
	Phone    string
}

// Redis configures the cross-node broadcast adapter.
type Redis struct {
	Addr     string
	Password string
	Prefix   string
}

// Server configures the chat server.
type Server struct {
	Addr         string
	Path         string
	PingInterval time.Duration
	PingTimeout  time.Duration
	MaxPayload   int
	JWTSecret    string
	TokenTTL     time.Duration
	Accounts     map[string]Account
	Redis        Redis
	LogLevel     string
}

// DefaultServer returns the server settings used when nothing is configured.
func DefaultServer() Server {
	return Server{
		Addr:         ":" + strconv.Itoa(DefaultHTTPPort),
		Path:         DefaultPath,
		PingInterval: 10 * time.Second,
		PingTimeout:  15 * time.Second,
		MaxPayload:   1_000_000,
		TokenTTL:     20 * time.Minute,
		Accounts:     map[string]Account{},
		Redis:        Redis{Prefix: "socket.io"},
		LogLevel:     "info",
	}
}

// LoadServer builds the server configuration from the environment and args.
func LoadServer(args []string) (Server, error) {
	cfg := DefaultServer()
	var err error

	if port := os.Getenv("HTTP_PORT"); port != "" {
		if _, err := strconv.Atoi(port); err != nil {
			return Server{}, errors.Wrapf(err, "invalid HTTP_PORT %q", port)
		}
		cfg.Addr = ":" + port
	}
	cfg.Path = envString("WS_PATH", cfg.Path)
	cfg.JWTSecret = os.Getenv("JWT_SECRET")
	cfg.LogLevel = envString("LOG_LEVEL", cfg.LogLevel)
	if cfg.PingInterval, err = envDuration("PING_INTERVAL", cfg.PingInterval); err != nil {
		return Server{}, err
	}
	if cfg.PingTimeout, err = envDuration("PING_TIMEOUT", cfg.PingTimeout); err != nil {
		return Server{}, err
	}
	if cfg.TokenTTL, err = envDuration("TOKEN_TTL", cfg.TokenTTL); err != nil {
		return Server{}, err
	}
	if host := os.Getenv("REDIS_HOST"); host != "" {
		cfg.Redis.Addr = net.JoinHostPort(host, envString("REDIS_PORT", "6379"))
		cfg.Redis.Password = os.Getenv("REDIS_PASSWD")
	}
	accounts := os.Getenv("ACCOUNTS")

	fs := flag.NewFlagSet("server", flag.ContinueOnError)
	fs.StringVar(&cfg.Addr, "port", cfg.Addr, "Address to listen on (e.g., :9000)")
	fs.StringVar(&cfg.Path, "path", cfg.Path, "Socket path")
	fs.DurationVar(&cfg.PingInterval, "ping-interval", cfg.PingInterval, "Engine ping interval")
	fs.DurationVar(&cfg.PingTimeout, "ping-timeout", cfg.PingTimeout, "Engine pong timeout")
	fs.IntVar(&cfg.MaxPayload, "max-payload", cfg.MaxPayload, "Maximum frame size in bytes")
	fs.StringVar(&cfg.JWTSecret, "jwt-secret", cfg.JWTSecret, "HMAC secret; enables token login")
	fs.DurationVar(&cfg.TokenTTL, "token-ttl", cfg.TokenTTL, "Lifetime of issued tokens")
	fs.StringVar(&accounts, "accounts", accounts, "Login accounts as user:password:phone,...")
	fs.StringVar(&cfg.Redis.Addr, "redis", cfg.Redis.Addr, "Redis address for cross-node broadcast")
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "Log level")
	if err := fs.Parse(args); err != nil {
		return Server{}, err
	}

	if cfg.Accounts, err = ParseAccounts(accounts); err != nil {
		return Server{}, err
	}
	if cfg.PingInterval <= 0 || cfg.PingTimeout <= 0 {
		return Server{}, errors.New("ping interval and timeout must be positive")
	}
	return cfg, nil
}

// ParseAccounts parses "user:password:phone" entries separated by commas.
func ParseAccounts(s string) (map[string]Account, error) {
	accounts := make(map[string]Account)
	for _, entry := range splitList(s) {
		parts := strings.Split(entry, ":")
		if len(parts) != 3 || parts[0] == "" || parts[2] == "" {
			return nil, errors.Errorf("invalid account entry %q, want user:password:phone", entry)
		}
		accounts[parts[0]] = Account{Username: parts[0], Password: parts[1], Phone: parts[2]}
	}
	return accounts, nil
}

func splitList(s string) []string {
	var out []string
	for _, v := range strings.Split(s, ",") {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}

func envString(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envBool(key string, def bool) (bool, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, errors.Wrapf(err, "invalid %s", key)
	}
	return b, nil
}

func envDuration(key string, def time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, errors.Wrapf(err, "invalid %s", key)
	}
	return d, nil
}
