package tagsync

import (
	"errors"
	"time"

	"github.com/horizon-agent/internal/reconnect"
)

var (
	ErrNoTenant    = errors.New("tagsync: tenant name not set")
	ErrFetchFailed = errors.New("tagsync: fetch all tags failed")
)

type Tag struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Color string `json:"color"`
}

type Config struct {
	WSBaseURL        string
	HTTPBaseURL      string
	PingInterval     time.Duration
	MonitorInterval  time.Duration
	FetchTimeout     time.Duration
	HandshakeTimeout time.Duration
	Reconnect        reconnect.Policy
}

func (c Config) withDefaults() Config {
	if c.PingInterval == 0 {
		c.PingInterval = 30 * time.Second
	}
	if c.MonitorInterval == 0 {
		c.MonitorInterval = 10 * time.Second
	}
	if c.FetchTimeout == 0 {
		c.FetchTimeout = 30 * time.Second
	}
	if c.HandshakeTimeout == 0 {
		c.HandshakeTimeout = 10 * time.Second
	}
	if c.Reconnect == (reconnect.Policy{}) {
		c.Reconnect = reconnect.Exponential(time.Second, 30*time.Second, 10)
	}
	return c
}

type Status struct {
	Connected         bool   `json:"connected"`
	Loading           bool   `json:"loading"`
	TenantName        string `json:"tenant_name"`
	TagCount          int    `json:"tag_count"`
	ReconnectAttempts int    `json:"reconnect_attempts"`
	LastError         string `json:"last_error,omitempty"`
}
