package common

import (
	"fmt"
	"net"
	"strings"
	"time"
)

type ErrorMode string

const (
	// ErrorModeRaise returns server error replies as Go errors.
	ErrorModeRaise ErrorMode = "raise"
	// ErrorModeValue returns server error replies as ordinary error-typed replies.
	ErrorModeValue ErrorMode = "value"
)

const (
	DefaultAddr              = "127.0.0.1:6379"
	DefaultReconnectAttempts = 3
	DefaultReconnectDelay    = 100 * time.Millisecond
	DefaultReconnectMaxDelay = 3 * time.Second
	DefaultMaxRedirects      = 10
)

// ConnConfig describes one connection to one server.
type ConnConfig struct {
	Network           string        `help:"Transport network (tcp or unix)" name:"network" default:"tcp" enum:"tcp,unix"`
	Addr              string        `help:"Server address host:port, or a socket path for unix" name:"addr" default:"127.0.0.1:6379"`
	Username          string        `help:"ACL username sent with AUTH" name:"username"`
	Password          string        `help:"Password sent with AUTH after connecting" name:"password" env:"RESPGO_PASSWORD"`
	DB                int           `help:"Database index selected after connecting" name:"db" default:"0"`
	UTF8              bool          `help:"Reject bulk replies that are not valid UTF-8" name:"utf8" default:"false"`
	ClientName        string        `help:"Connection name registered with CLIENT SETNAME" name:"client-name"`
	LazyConnect       bool          `help:"Defer connecting until the first command" name:"lazy" default:"false"`
	Timeout           time.Duration `help:"Send/receive timeout, 0 blocks forever" name:"timeout" default:"0s"`
	ReconnectAttempts int           `help:"Connect attempts before the connect-error hook runs" name:"reconnect-attempts" default:"3"`
	ReconnectDelay    time.Duration `help:"Initial delay between connect attempts" name:"reconnect-delay" default:"100ms"`
	ReconnectMaxDelay time.Duration `help:"Upper bound of the delay between connect attempts" name:"reconnect-max-delay" default:"3s"`
	ErrorMode         ErrorMode     `help:"How server errors are reported (raise or value)" name:"error-mode" default:"raise" enum:"raise,value"`
}

// DefaultConnConfig returns the values kong would fill in.
func DefaultConnConfig(addr string) *ConnConfig {
	if addr == "" {
		addr = DefaultAddr
	}
	return &ConnConfig{
		Network:           "tcp",
		Addr:              addr,
		ReconnectAttempts: DefaultReconnectAttempts,
		ReconnectDelay:    DefaultReconnectDelay,
		ReconnectMaxDelay: DefaultReconnectMaxDelay,
		ErrorMode:         ErrorModeRaise,
	}
}

func (c *ConnConfig) Clone() *ConnConfig {
	cp := *c
	return &cp
}

func (c *ConnConfig) Auth() *AuthInfo {
	return NewAuthInfo(c.Username, c.Password)
}

func (c *ConnConfig) Validate() error {
	network := strings.ToLower(c.Network)
	switch network {
	case "", "tcp":
		if _, _, err := net.SplitHostPort(c.Addr); err != nil {
			return fmt.Errorf("invalid tcp address %q: %w", c.Addr, err)
		}
	case "unix":
		if c.Addr == "" {
			return fmt.Errorf("unix socket path (--addr) is required for network: %s", c.Network)
		}
	default:
		return fmt.Errorf("invalid network: %s (must be 'tcp' or 'unix')", c.Network)
	}
	if c.DB < 0 {
		return fmt.Errorf("invalid database index: %d", c.DB)
	}
	if c.Timeout < 0 {
		return fmt.Errorf("invalid timeout: %s", c.Timeout)
	}
	if c.ReconnectAttempts < 1 {
		return fmt.Errorf("invalid reconnect attempts: %d", c.ReconnectAttempts)
	}
	if c.ReconnectMaxDelay < c.ReconnectDelay {
		return fmt.Errorf("reconnect max delay %s is smaller than reconnect delay %s",
			c.ReconnectMaxDelay, c.ReconnectDelay)
	}
	switch c.ErrorMode {
	case "", ErrorModeRaise, ErrorModeValue:
	default:
		return fmt.Errorf("invalid error mode: %s (must be 'raise' or 'value')", c.ErrorMode)
	}
	return nil
}

// ClusterConfig bootstraps a cluster router from seed nodes.
type ClusterConfig struct {
	Seeds        []string      `help:"Seed node addresses (host:port)" name:"seeds" sep:","`
	Username     string        `help:"ACL username applied to every node" name:"username"`
	Password     string        `help:"Password applied to every node" name:"password" env:"RESPGO_CLUSTER_PASSWORD"`
	MaxRedirects int           `help:"Upper bound of redirect/retry attempts per command" name:"max-redirects" default:"10"`
	Timeout      time.Duration `help:"Per node send/receive timeout" name:"timeout" default:"0s"`
	ErrorMode    ErrorMode     `help:"How server errors are reported (raise or value)" name:"error-mode" default:"raise" enum:"raise,value"`
}

func (c *ClusterConfig) Validate() error {
	if len(c.Seeds) == 0 {
		return fmt.Errorf("at least one seed node (--seeds) is required")
	}
	for _, seed := range c.Seeds {
		if _, _, err := net.SplitHostPort(seed); err != nil {
			return fmt.Errorf("invalid seed address %q: %w", seed, err)
		}
	}
	if c.MaxRedirects < 0 {
		return fmt.Errorf("invalid max redirects: %d", c.MaxRedirects)
	}
	return nil
}

// NodeConfig derives the connection config for one cluster node.
func (c *ClusterConfig) NodeConfig(addr string) *ConnConfig {
	cfg := DefaultConnConfig(addr)
	cfg.Username = c.Username
	cfg.Password = c.Password
	cfg.Timeout = c.Timeout
	// node sessions always raise so redirections can be recognised
	cfg.ErrorMode = ErrorModeRaise
	cfg.LazyConnect = true
	// the router retries failed nodes itself
	cfg.ReconnectAttempts = 1
	return cfg
}

type WebServerConfig struct {
	Listen      string `help:"Listen address of the side web server, empty disables it" name:"listen"`
	EnablePprof bool   `help:"Enable pprof for the web server" name:"pprof" default:"true"`
}

type MetricsConfig struct {
	EnableMetrics   bool   `help:"Enable metrics collection" name:"enable" default:"false"`
	MetricsPath     string `help:"Metrics path" name:"path" default:"/metrics"`
	MetricsSinkType string `help:"Metrics sink type. support prometheus, in-memory and all." name:"sink" default:"in-memory"`
}
