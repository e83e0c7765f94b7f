package model

import (
	"fmt"
	"net/url"
	"slices"
	"strings"
	"time"
)

// EngineSettings is the allow-list of compute-engine endpoints: one server
// address and the ports dispatch may target on it.
type EngineSettings struct {
	ServerIP  string    `json:"server_ip"`
	Ports     []int     `json:"ports"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Allows reports whether the endpoint is on the allow-list.
func (s *EngineSettings) Allows(serverIP string, port int) bool {
	return serverIP == s.ServerIP && slices.Contains(s.Ports, port)
}

// Endpoints returns one endpoint per allowed port.
func (s *EngineSettings) Endpoints() []Endpoint {
	eps := make([]Endpoint, 0, len(s.Ports))
	for _, p := range s.Ports {
		eps = append(eps, NewEndpoint(s.ServerIP, p))
	}
	return eps
}

// NormalizeServerIP reduces a host, host:port, or URL to its bare host name.
func NormalizeServerIP(raw string) (string, error) {
	value := strings.TrimSpace(raw)
	if value == "" {
		return "", fmt.Errorf("server_ip is required")
	}
	if !strings.Contains(value, "://") {
		value = "//" + value
	}
	u, err := url.Parse(value)
	if err != nil {
		return "", fmt.Errorf("server_ip is invalid")
	}
	host := strings.TrimSpace(u.Hostname())
	if host == "" {
		return "", fmt.Errorf("server_ip is invalid")
	}
	return host, nil
}

// NormalizePorts validates, deduplicates, and sorts ports.
func NormalizePorts(raw []int) ([]int, error) {
	ports := make([]int, 0, len(raw))
	for _, p := range raw {
		if p < 1 || p > 65535 {
			return nil, fmt.Errorf("invalid port: %d", p)
		}
		ports = append(ports, p)
	}
	slices.Sort(ports)
	ports = slices.Compact(ports)
	if len(ports) == 0 {
		return nil, fmt.Errorf("at least one port is required")
	}
	return ports, nil
}

// SettingsFromURL derives default settings from an engine base URL. A URL
// without a port uses 8188.
func SettingsFromURL(raw string) (*EngineSettings, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return nil, fmt.Errorf("parse engine url: %w", err)
	}
	host := u.Hostname()
	if host == "" {
		host = "127.0.0.1"
	}
	port := 8188
	if p := u.Port(); p != "" {
		if _, err := fmt.Sscanf(p, "%d", &port); err != nil {
			return nil, fmt.Errorf("parse engine url port: %w", err)
		}
	}
	ports, err := NormalizePorts([]int{port})
	if err != nil {
		return nil, err
	}
	return &EngineSettings{ServerIP: host, Ports: ports}, nil
}
