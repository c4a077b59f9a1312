// Package config holds the runtime configuration for the call client and the
// relay server. Values come from the environment (optionally seeded from a
// .env file) and may then be overridden by CLI flags.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Client stores every parameter the call client needs.
type Client struct {
	RelayURL    string `env:"P2PCALL_RELAY_URL" envDefault:"ws://127.0.0.1:7800/ws"`
	UserID      string `env:"P2PCALL_USER_ID"`
	DisplayName string `env:"P2PCALL_DISPLAY_NAME"`
	AvatarURL   string `env:"P2PCALL_AVATAR_URL"`

	ICEEndpoint string        `env:"P2PCALL_ICE_ENDPOINT"`
	ICEAPIKey   string        `env:"P2PCALL_ICE_API_KEY"`
	ICETimeout  time.Duration `env:"P2PCALL_ICE_TIMEOUT" envDefault:"3s"`
	ICECacheTTL time.Duration `env:"P2PCALL_ICE_CACHE_TTL" envDefault:"10m"`

	AutoAnswer      bool          `env:"P2PCALL_AUTO_ANSWER"`
	AutoAnswerDelay time.Duration `env:"P2PCALL_AUTO_ANSWER_DELAY" envDefault:"1s"`
	ReplyBusy       bool          `env:"P2PCALL_REPLY_BUSY"`

	VideoFile string `env:"P2PCALL_VIDEO_FILE"` // IVF (VP8) source for the local camera track
	AudioFile string `env:"P2PCALL_AUDIO_FILE"` // Ogg (Opus) source for the local microphone track

	Chats string `env:"P2PCALL_CHATS"` // chat directory, e.g. "c1=alice,bob;c2=alice,carol"

	StatsInterval time.Duration `env:"P2PCALL_STATS_INTERVAL" envDefault:"30s"`
	Debug         bool          `env:"P2PCALL_DEBUG"`
}

// Relay stores the relay server parameters.
type Relay struct {
	Addr           string   `env:"RELAY_ADDR" envDefault:"127.0.0.1:7800"`
	AllowedOrigins []string `env:"RELAY_ALLOWED_ORIGINS" envSeparator:","`

	STUNURLs     []string `env:"RELAY_STUN_URLS" envSeparator:"," envDefault:"stun:stun.l.google.com:19302"`
	TURNURLs     []string `env:"RELAY_TURN_URLS" envSeparator:","`
	TURNUser     string   `env:"RELAY_TURN_USERNAME"`
	TURNPassword string   `env:"RELAY_TURN_CREDENTIAL"`
	Debug        bool     `env:"RELAY_DEBUG"`
}

// LoadClient reads the client configuration. A missing .env file is not an
// error; production deployments use real environment variables.
func LoadClient() (*Client, error) {
	_ = godotenv.Load()

	cfg := &Client{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}
	return cfg, nil
}

// LoadRelay reads the relay server configuration.
func LoadRelay() (*Relay, error) {
	_ = godotenv.Load()

	cfg := &Relay{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}
	return cfg, nil
}

// Validate checks the fields that have no usable default.
func (c *Client) Validate() error {
	var errs []error
	if strings.TrimSpace(c.UserID) == "" {
		errs = append(errs, errors.New("missing user id"))
	}
	if strings.TrimSpace(c.RelayURL) == "" {
		errs = append(errs, errors.New("missing relay url"))
	}
	if c.AutoAnswerDelay < 0 {
		errs = append(errs, fmt.Errorf("invalid auto-answer delay %s", c.AutoAnswerDelay))
	}
	if _, err := ParseChats(c.Chats); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// Name returns the display name, falling back to the user id.
func (c *Client) Name() string {
	if c.DisplayName != "" {
		return c.DisplayName
	}
	return c.UserID
}

// ParseChats parses a chat directory of the form "chat=userA,userB;chat2=...".
func ParseChats(raw string) (map[string][]string, error) {
	chats := make(map[string][]string)
	for _, entry := range strings.Split(raw, ";") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}

		chatID, members, ok := strings.Cut(entry, "=")
		chatID = strings.TrimSpace(chatID)
		if !ok || chatID == "" {
			return nil, fmt.Errorf("invalid chat entry %q", entry)
		}

		for _, m := range strings.Split(members, ",") {
			if m = strings.TrimSpace(m); m != "" {
				chats[chatID] = append(chats[chatID], m)
			}
		}
	}
	return chats, nil
}
