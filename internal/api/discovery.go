package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/nerrad567/gray-logic-mihome/internal/bridges/mihome"
)

// Bounds for the optional ?timeout= override of a scan.
const (
	minScanTimeout = time.Second
	maxScanTimeout = 60 * time.Second
)

// handleScanGateways runs a multicast whois scan and returns the gateways
// that answered.
func (s *Server) handleScanGateways(w http.ResponseWriter, r *http.Request) {
	s.runScan(w, r, mihome.DiscoveryKindGateways, func(ctx context.Context) ([]mihome.Candidate, error) {
		return s.bridge.ScanGateways(ctx)
	})
}

// handleScanGatewayDevices runs a device scan on one gateway.
func (s *Server) handleScanGatewayDevices(w http.ResponseWriter, r *http.Request) {
	sid := chi.URLParam(r, "sid")
	s.runScan(w, r, mihome.DiscoveryKindDevices, func(ctx context.Context) ([]mihome.Candidate, error) {
		return s.bridge.ScanDevices(ctx, sid)
	})
}

// handleScanAllDevices runs device scans on every started gateway.
func (s *Server) handleScanAllDevices(w http.ResponseWriter, r *http.Request) {
	s.runScan(w, r, mihome.DiscoveryKindDevices, func(ctx context.Context) ([]mihome.Candidate, error) {
		return s.bridge.ScanDevices(ctx, "")
	})
}

// runScan applies the timeout override, runs scan and writes the candidates.
// The override replaces the scanner's configured duration in both directions.
func (s *Server) runScan(w http.ResponseWriter, r *http.Request, kind string, scan func(context.Context) ([]mihome.Candidate, error)) {
	ctx := r.Context()
	if raw := r.URL.Query().Get("timeout"); raw != "" {
		timeout, err := parseScanTimeout(raw, s.scanTimeoutLimit())
		if err != nil {
			writeBadRequest(w, err.Error())
			return
		}
		ctx = mihome.WithScanTimeout(ctx, timeout)
	}

	start := time.Now()
	found, err := scan(ctx)
	if err != nil {
		s.logger.Warn("scan failed", "kind", kind, "error", err)
		writeBridgeError(w, err)
		return
	}
	if found == nil {
		found = []mihome.Candidate{}
	}

	s.logger.Info("scan completed",
		"kind", kind,
		"candidates", len(found),
		"duration_ms", time.Since(start).Milliseconds(),
	)
	writeJSON(w, http.StatusOK, map[string]any{
		"kind":       kind,
		"candidates": found,
		"count":      len(found),
	})
}

// scanTimeoutLimit is the longest override a request may ask for. A scan
// must finish before the server's write timeout closes the response.
func (s *Server) scanTimeoutLimit() time.Duration {
	limit := maxScanTimeout
	if wt := s.cfg.Timeouts.WriteDuration(); wt > 0 && wt < limit {
		limit = wt
	}
	return limit
}

// parseScanTimeout parses a Go duration and checks it against the scan bounds.
func parseScanTimeout(raw string, limit time.Duration) (time.Duration, error) {
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid timeout %q", raw)
	}
	if d < minScanTimeout || d >= limit {
		return 0, fmt.Errorf("timeout must be at least %s and below %s", minScanTimeout, limit)
	}
	return d, nil
}

// handleDiscoveryResults lists the candidates retained from earlier scans.
func (s *Server) handleDiscoveryResults(w http.ResponseWriter, _ *http.Request) {
	found := s.bridge.DiscoveryResults()
	if found == nil {
		found = []mihome.Candidate{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"candidates": found,
		"count":      len(found),
	})
}
