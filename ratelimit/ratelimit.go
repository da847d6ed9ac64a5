// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package ratelimit

import (
	"net"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// IPRateLimiter limits connection attempts per source IP.
type IPRateLimiter struct {
	mu       sync.RWMutex
	limiters map[string]*ipEntry
	rate     rate.Limit
	burst    int
	cleanup  time.Duration
	stopCh   chan struct{}
}

type ipEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewIPRateLimiter creates a per-IP limiter. r is connection attempts
// per second, burst the burst allowance.
func NewIPRateLimiter(r float64, burst int, cleanupInterval time.Duration) *IPRateLimiter {
	l := &IPRateLimiter{
		limiters: make(map[string]*ipEntry),
		rate:     rate.Limit(r),
		burst:    burst,
		cleanup:  cleanupInterval,
		stopCh:   make(chan struct{}),
	}
	go l.cleanupLoop()
	return l
}

// Allow reports whether a connection from the given address may proceed.
func (l *IPRateLimiter) Allow(addr net.Addr) bool {
	return l.AllowHostPort(extractIP(addr))
}

// AllowHostPort is Allow for a string address, as seen before a
// WebSocket upgrade where only http.Request.RemoteAddr is available.
func (l *IPRateLimiter) AllowHostPort(addr string) bool {
	ip := stripPort(addr)
	if ip == "" {
		return true // fail open when the source is unknown
	}

	l.mu.Lock()
	entry, exists := l.limiters[ip]
	if !exists {
		entry = &ipEntry{
			limiter:  rate.NewLimiter(l.rate, l.burst),
			lastSeen: time.Now(),
		}
		l.limiters[ip] = entry
	} else {
		entry.lastSeen = time.Now()
	}
	limiter := entry.limiter
	l.mu.Unlock()

	return limiter.Allow()
}

func (l *IPRateLimiter) cleanupLoop() {
	ticker := time.NewTicker(l.cleanup)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			l.removeStale()
		case <-l.stopCh:
			return
		}
	}
}

func (l *IPRateLimiter) removeStale() {
	l.mu.Lock()
	defer l.mu.Unlock()

	threshold := time.Now().Add(-l.cleanup * 2)
	for ip, entry := range l.limiters {
		if entry.lastSeen.Before(threshold) {
			delete(l.limiters, ip)
		}
	}
}

// Stop stops the cleanup goroutine.
func (l *IPRateLimiter) Stop() {
	close(l.stopCh)
}

// ConnRateLimiter limits what one connection may do: message sends and
// channel subscriptions are tracked separately.
type ConnRateLimiter struct {
	mu           sync.RWMutex
	sendLimiters map[string]*rate.Limiter
	subLimiters  map[string]*rate.Limiter
	sendRate     rate.Limit
	sendBurst    int
	subRate      rate.Limit
	subBurst     int
}

// NewConnRateLimiter creates a per-connection limiter.
func NewConnRateLimiter(sendRate float64, sendBurst int, subRate float64, subBurst int) *ConnRateLimiter {
	return &ConnRateLimiter{
		sendLimiters: make(map[string]*rate.Limiter),
		subLimiters:  make(map[string]*rate.Limiter),
		sendRate:     rate.Limit(sendRate),
		sendBurst:    sendBurst,
		subRate:      rate.Limit(subRate),
		subBurst:     subBurst,
	}
}

// AllowSend reports whether the connection may send another message.
func (l *ConnRateLimiter) AllowSend(connID string) bool {
	l.mu.Lock()
	limiter, exists := l.sendLimiters[connID]
	if !exists {
		limiter = rate.NewLimiter(l.sendRate, l.sendBurst)
		l.sendLimiters[connID] = limiter
	}
	l.mu.Unlock()

	return limiter.Allow()
}

// AllowSubscribe reports whether the connection may subscribe to another
// channel.
func (l *ConnRateLimiter) AllowSubscribe(connID string) bool {
	l.mu.Lock()
	limiter, exists := l.subLimiters[connID]
	if !exists {
		limiter = rate.NewLimiter(l.subRate, l.subBurst)
		l.subLimiters[connID] = limiter
	}
	l.mu.Unlock()

	return limiter.Allow()
}

// Remove drops the limiters of a closed connection.
func (l *ConnRateLimiter) Remove(connID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.sendLimiters, connID)
	delete(l.subLimiters, connID)
}

// extractIP extracts the IP address from a net.Addr.
func extractIP(addr net.Addr) string {
	if addr == nil {
		return ""
	}

	switch a := addr.(type) {
	case *net.TCPAddr:
		return a.IP.String()
	case *net.UDPAddr:
		return a.IP.String()
	default:
		return addr.String()
	}
}

// stripPort reduces "host:port" to "host", passing bare hosts through.
func stripPort(addr string) string {
	if addr == "" {
		return ""
	}
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	return host
}

// Config holds rate limiting configuration.
type Config struct {
	Enabled bool `yaml:"enabled"`

	Connection ConnectionConfig `yaml:"connection"`
	Message    MessageConfig    `yaml:"message"`
	Subscribe  SubscribeConfig  `yaml:"subscribe"`
}

// ConnectionConfig holds per-IP connection rate limiting settings.
type ConnectionConfig struct {
	Enabled         bool          `yaml:"enabled"`
	Rate            float64       `yaml:"rate"`             // connections per second per IP
	Burst           int           `yaml:"burst"`            // burst allowance
	CleanupInterval time.Duration `yaml:"cleanup_interval"` // cleanup interval for stale entries
}

// MessageConfig holds per-connection send rate limiting settings.
type MessageConfig struct {
	Enabled bool    `yaml:"enabled"`
	Rate    float64 `yaml:"rate"`  // sends per second per connection
	Burst   int     `yaml:"burst"` // burst allowance
}

// SubscribeConfig holds per-connection subscription rate limiting settings.
type SubscribeConfig struct {
	Enabled bool    `yaml:"enabled"`
	Rate    float64 `yaml:"rate"`  // subscriptions per second per connection
	Burst   int     `yaml:"burst"` // burst allowance
}

// DefaultConfig returns a sensible default configuration.
func DefaultConfig() Config {
	return Config{
		Enabled: false,
		Connection: ConnectionConfig{
			Enabled:         true,
			Rate:            100.0 / 60.0, // 100 connections per minute per IP
			Burst:           20,
			CleanupInterval: 5 * time.Minute,
		},
		Message: MessageConfig{
			Enabled: true,
			Rate:    20, // 20 sends per second per connection
			Burst:   40,
		},
		Subscribe: SubscribeConfig{
			Enabled: true,
			Rate:    10, // 10 subscriptions per second per connection
			Burst:   20,
		},
	}
}

// Manager coordinates all rate limiters.
type Manager struct {
	config   Config
	ip       *IPRateLimiter
	conn     *ConnRateLimiter
	disabled bool
}

// NewManager creates a new rate limit manager.
func NewManager(cfg Config) *Manager {
	if !cfg.Enabled {
		return &Manager{disabled: true, config: cfg}
	}

	var ip *IPRateLimiter
	var conn *ConnRateLimiter

	if cfg.Connection.Enabled {
		ip = NewIPRateLimiter(cfg.Connection.Rate, cfg.Connection.Burst, cfg.Connection.CleanupInterval)
	}

	if cfg.Message.Enabled || cfg.Subscribe.Enabled {
		conn = NewConnRateLimiter(
			cfg.Message.Rate,
			cfg.Message.Burst,
			cfg.Subscribe.Rate,
			cfg.Subscribe.Burst,
		)
	}

	return &Manager{
		config: cfg,
		ip:     ip,
		conn:   conn,
	}
}

// AllowConnection checks if a new connection from the given address is allowed.
func (m *Manager) AllowConnection(addr string) bool {
	if m.disabled || m.ip == nil || !m.config.Connection.Enabled {
		return true
	}
	return m.ip.AllowHostPort(addr)
}

// AllowSend checks if a message send from the given connection is allowed.
func (m *Manager) AllowSend(connID string) bool {
	if m.disabled || m.conn == nil || !m.config.Message.Enabled {
		return true
	}
	return m.conn.AllowSend(connID)
}

// AllowSubscribe checks if a subscription from the given connection is allowed.
func (m *Manager) AllowSubscribe(connID string) bool {
	if m.disabled || m.conn == nil || !m.config.Subscribe.Enabled {
		return true
	}
	return m.conn.AllowSubscribe(connID)
}

// OnDisconnect cleans up limiters for a closed connection.
func (m *Manager) OnDisconnect(connID string) {
	if m.disabled || m.conn == nil {
		return
	}
	m.conn.Remove(connID)
}

// Stop stops the rate limit manager and cleans up resources.
func (m *Manager) Stop() {
	if m.ip != nil {
		m.ip.Stop()
	}
}
