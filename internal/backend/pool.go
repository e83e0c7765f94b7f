package backend

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/seantiz/flowtask/internal/model"
	"github.com/seantiz/flowtask/internal/store"
)

// Port load levels.
const (
	LevelUnreachable = "unreachable"
	LevelOverloaded  = "overloaded"
	LevelQueued      = "queued"
	LevelRunning     = "running"
	LevelIdle        = "idle"
)

// overloadedPending is the pending count above which a port is overloaded.
const overloadedPending = 5

var (
	// ErrEndpointNotAllowed is returned when an endpoint is not on the allow-list.
	ErrEndpointNotAllowed = errors.New("endpoint not allowed")

	// ErrNoReachableEndpoint is returned when every allowed port failed its health check.
	ErrNoReachableEndpoint = errors.New("no reachable endpoint")
)

// SettingsSource loads the persisted allow-list.
type SettingsSource interface {
	GetEngineSettings(ctx context.Context) (*model.EngineSettings, error)
}

// PortStatus is the health check result for one allowed port.
type PortStatus struct {
	Port         int    `json:"port"`
	BaseURL      string `json:"base_url"`
	Reachable    bool   `json:"reachable"`
	Level        string `json:"level"`
	RunningCount int    `json:"running_count"`
	PendingCount int    `json:"pending_count"`
	Error        string `json:"error,omitempty"`
}

// StatusReport is the health check result for the whole allow-list.
type StatusReport struct {
	ServerIP    string       `json:"server_ip"`
	RefreshedAt time.Time    `json:"refreshed_at"`
	Items       []PortStatus `json:"items"`
}

// Pool resolves endpoints against the engine allow-list and hands out
// backends for them.
type Pool struct {
	settings SettingsSource
	defaults *model.EngineSettings
	connect  Connector
	logger   *slog.Logger
}

// NewPool creates a pool. defaults is used until settings are persisted.
func NewPool(settings SettingsSource, defaults *model.EngineSettings, connect Connector, logger *slog.Logger) *Pool {
	return &Pool{
		settings: settings,
		defaults: defaults,
		connect:  connect,
		logger:   logger,
	}
}

// Settings returns the persisted allow-list, or the defaults when none is stored.
func (p *Pool) Settings(ctx context.Context) (*model.EngineSettings, error) {
	s, err := p.settings.GetEngineSettings(ctx)
	if errors.Is(err, store.ErrNotFound) {
		d := *p.defaults
		d.Ports = slices.Clone(p.defaults.Ports)
		return &d, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load engine settings: %w", err)
	}
	return s, nil
}

// Backend returns the client for ep.
func (p *Pool) Backend(ep model.Endpoint) Backend {
	return p.connect(ep)
}

// Validate normalizes serverIP and checks the endpoint against the allow-list.
func (p *Pool) Validate(ctx context.Context, serverIP string, port int) (model.Endpoint, error) {
	host, err := model.NormalizeServerIP(serverIP)
	if err != nil {
		return model.Endpoint{}, fmt.Errorf("%w: %v", ErrEndpointNotAllowed, err)
	}
	if port < 1 || port > 65535 {
		return model.Endpoint{}, fmt.Errorf("%w: invalid port %d", ErrEndpointNotAllowed, port)
	}
	s, err := p.Settings(ctx)
	if err != nil {
		return model.Endpoint{}, err
	}
	if host != s.ServerIP {
		return model.Endpoint{}, fmt.Errorf("%w: server_ip %s is not allowed by current settings", ErrEndpointNotAllowed, host)
	}
	if !slices.Contains(s.Ports, port) {
		return model.Endpoint{}, fmt.Errorf("%w: port %d is not allowed by current settings", ErrEndpointNotAllowed, port)
	}
	return model.NewEndpoint(host, port), nil
}

// Status checks every allowed port concurrently.
func (p *Pool) Status(ctx context.Context) (*StatusReport, error) {
	s, err := p.Settings(ctx)
	if err != nil {
		return nil, err
	}
	eps := s.Endpoints()
	items := make([]PortStatus, len(eps))

	g, gctx := errgroup.WithContext(ctx)
	for i, ep := range eps {
		g.Go(func() error {
			items[i] = p.check(gctx, ep)
			return nil
		})
	}
	// Checks never fail the group; failures are recorded per port.
	_ = g.Wait()

	return &StatusReport{
		ServerIP:    s.ServerIP,
		RefreshedAt: time.Now().UTC(),
		Items:       items,
	}, nil
}

func (p *Pool) check(ctx context.Context, ep model.Endpoint) PortStatus {
	ps := PortStatus{Port: ep.Port, BaseURL: ep.BaseURL}
	q, err := p.connect(ep).QueryQueue(ctx)
	if err != nil {
		ps.Error = err.Error()
		ps.Level = LevelUnreachable
		p.logger.Debug("port check failed", "endpoint", ep.String(), "error", err)
		return ps
	}
	ps.Reachable = true
	ps.RunningCount = len(q.Running)
	ps.PendingCount = len(q.Pending)
	ps.Level = ClassifyLevel(true, ps.RunningCount, ps.PendingCount)
	return ps
}

// ClassifyLevel maps a health check result to a load level.
func ClassifyLevel(reachable bool, running, pending int) string {
	switch {
	case !reachable:
		return LevelUnreachable
	case pending > overloadedPending:
		return LevelOverloaded
	case pending >= 1:
		return LevelQueued
	case running > 0:
		return LevelRunning
	default:
		return LevelIdle
	}
}

// LeastLoaded returns the reachable endpoint with the least pending work,
// then the least running work, then the lowest port.
func (p *Pool) LeastLoaded(ctx context.Context) (model.Endpoint, error) {
	report, err := p.Status(ctx)
	if err != nil {
		return model.Endpoint{}, err
	}
	reachable := slices.DeleteFunc(slices.Clone(report.Items), func(ps PortStatus) bool {
		return !ps.Reachable
	})
	if len(reachable) == 0 {
		return model.Endpoint{}, ErrNoReachableEndpoint
	}
	slices.SortFunc(reachable, func(a, b PortStatus) int {
		return cmp.Or(
			cmp.Compare(a.PendingCount, b.PendingCount),
			cmp.Compare(a.RunningCount, b.RunningCount),
			cmp.Compare(a.Port, b.Port),
		)
	})
	return model.NewEndpoint(report.ServerIP, reachable[0].Port), nil
}

// Manual validates a configured port against the allow-list on the current
// server.
func (p *Pool) Manual(ctx context.Context, port *int) (model.Endpoint, error) {
	if port == nil {
		return model.Endpoint{}, fmt.Errorf("%w: no port configured", ErrEndpointNotAllowed)
	}
	s, err := p.Settings(ctx)
	if err != nil {
		return model.Endpoint{}, err
	}
	return p.Validate(ctx, s.ServerIP, *port)
}
