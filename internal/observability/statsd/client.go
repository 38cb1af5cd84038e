// Package statsd emits DogStatsD-style metrics for login, logout, guard
// decisions and the credential reaper.
package statsd

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Sink describes the minimal interface required to emit StatsD-style metrics.
type Sink interface {
	Count(name string, value int64, tags map[string]string)
	Gauge(name string, value float64, tags map[string]string)
	Timing(name string, value time.Duration, tags map[string]string)
}

// Config describes how to connect to a StatsD-compatible sink.
type Config struct {
	Enabled    bool
	Address    string
	Prefix     string
	Logger     *slog.Logger
	GlobalTags map[string]string
}

const dialTimeout = 5 * time.Second

// Client writes one UDP datagram per metric. A disabled client accepts and
// drops every call, so callers never need a nil check. Safe for concurrent use.
type Client struct {
	prefix     string
	globalTags map[string]string
	logger     *slog.Logger

	mu   sync.Mutex
	conn net.Conn
}

var _ Sink = (*Client)(nil)

// NewClient dials the configured endpoint. When metrics are disabled or no
// address is set it returns a disabled client and no error.
func NewClient(cfg Config) (*Client, error) {
	c := NewDisabled(cfg.Logger)
	c.prefix = strings.Trim(strings.TrimSpace(cfg.Prefix), ".")
	c.globalTags = cleanTags(cfg.GlobalTags)

	address := strings.TrimSpace(cfg.Address)
	if !cfg.Enabled || address == "" {
		return c, nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), dialTimeout)
	defer cancel()
	conn, err := (&net.Dialer{}).DialContext(ctx, "udp", address)
	if err != nil {
		return nil, fmt.Errorf("statsd dial %s: %w", address, err)
	}
	c.conn = conn
	return c, nil
}

// NewDisabled returns a client that drops every metric.
func NewDisabled(logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{logger: logger}
}

// Enabled reports whether metrics leave the process.
func (c *Client) Enabled() bool {
	if c == nil {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil
}

// Count increments a counter metric.
func (c *Client) Count(name string, value int64, tags map[string]string) {
	c.send(name, strconv.FormatInt(value, 10), "c", tags)
}

// Gauge records the current value for a gauge metric.
func (c *Client) Gauge(name string, value float64, tags map[string]string) {
	c.send(name, formatFloat(value), "g", tags)
}

// Timing records a duration in milliseconds.
func (c *Client) Timing(name string, value time.Duration, tags map[string]string) {
	c.send(name, formatFloat(float64(value)/float64(time.Millisecond)), "ms", tags)
}

// Close releases the UDP socket. The client is disabled afterwards and
// Close may be called again.
func (c *Client) Close() error {
	if c == nil {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	c.conn = nil
	return err
}

func (c *Client) send(name, value, kind string, tags map[string]string) {
	if c == nil {
		return
	}
	line := c.Line(name, value, kind, tags)
	if line == "" {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return
	}
	if _, err := c.conn.Write([]byte(line)); err != nil {
		c.logger.Debug("statsd write failed", "metric", name, "error", err)
	}
}

// Line renders one metric in the DogStatsD line format:
// <prefix>.<name>:<value>|<kind>|#k:v,... It returns "" for an empty name.
func (c *Client) Line(name, value, kind string, tags map[string]string) string {
	metric := MetricName(c.prefix, name)
	if metric == "" {
		return ""
	}
	return metric + ":" + value + "|" + kind + renderTags(c.globalTags, tags)
}

// MetricName joins prefix and name with a dot. Spaces and slashes in name
// become underscores and empty segments are dropped.
func MetricName(prefix, name string) string {
	n := strings.TrimSpace(name)
	if n == "" {
		return ""
	}
	n = strings.NewReplacer(" ", "_", "/", "_").Replace(n)

	segments := strings.Split(prefix+"."+n, ".")
	out := segments[:0]
	for _, s := range segments {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return strings.Join(out, ".")
}

// renderTags merges global and local tags, local winning, sorted by key.
func renderTags(global, local map[string]string) string {
	if len(global)+len(local) == 0 {
		return ""
	}
	merged := cleanTags(global)
	for k, v := range cleanTags(local) {
		merged[k] = v
	}
	if len(merged) == 0 {
		return ""
	}

	keys := make([]string, 0, len(merged))
	for k := range merged {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteString("|#")
	for i, k := range keys {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(k)
		b.WriteByte(':')
		b.WriteString(merged[k])
	}
	return b.String()
}

// cleanTags copies tags with keys and values trimmed and blank keys dropped.
func cleanTags(tags map[string]string) map[string]string {
	out := make(map[string]string, len(tags))
	for k, v := range tags {
		if k = strings.TrimSpace(k); k != "" {
			out[k] = strings.TrimSpace(v)
		}
	}
	return out
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
