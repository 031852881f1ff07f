package mihome

import (
	"context"
	"net"
	"sort"
	"strconv"
	"sync"
	"time"
)

// DefaultScanTimeout is how long a scan listens for candidates.
const DefaultScanTimeout = 10 * time.Second

// Candidate is a gateway or device found by a scan.
type Candidate struct {
	ThingType  ThingType         `json:"thing_type"`
	ID         string            `json:"id"`
	Label      string            `json:"label"`
	Address    string            `json:"address,omitempty"`
	Gateway    string            `json:"gateway,omitempty"`
	Properties map[string]string `json:"properties"`
	SeenAt     time.Time         `json:"seen_at"`
}

// CandidateFunc receives each candidate once per scan, as it is found.
type CandidateFunc func(Candidate)

// ScannerOptions configures a scanner.
type ScannerOptions struct {
	// Timeout bounds each scan (default 10s).
	Timeout time.Duration

	// OnCandidate streams candidates while the scan runs. Optional.
	OnCandidate CandidateFunc

	// Clock overrides time.Now. Used by tests.
	Clock func() time.Time

	Logger Logger
}

// scanState holds the bookkeeping shared by both scanner kinds.
//
// results keeps every candidate this scanner has reported, keyed by id,
// until StopScan prunes the ones not seen since the latest scan began.
type scanState struct {
	timeout     time.Duration
	now         func() time.Time
	onCandidate CandidateFunc
	log         logSink

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	started time.Time
	seen    map[string]struct{}
	current []Candidate
	results map[string]Candidate
}

func newScanState(opts ScannerOptions) *scanState {
	s := &scanState{
		timeout:     opts.Timeout,
		now:         opts.Clock,
		onCandidate: opts.OnCandidate,
		results:     make(map[string]Candidate),
	}
	if s.timeout <= 0 {
		s.timeout = DefaultScanTimeout
	}
	if s.now == nil {
		s.now = time.Now
	}
	s.log.set(opts.Logger)
	return s
}

type scanTimeoutKey struct{}

// WithScanTimeout returns a context that sets the duration of scans started
// with it, replacing the scanner's configured timeout. Non-positive values
// are ignored.
func WithScanTimeout(ctx context.Context, d time.Duration) context.Context {
	if d <= 0 {
		return ctx
	}
	return context.WithValue(ctx, scanTimeoutKey{}, d)
}

// ScanTimeoutFrom returns the scan duration set by WithScanTimeout.
func ScanTimeoutFrom(ctx context.Context) (time.Duration, bool) {
	d, ok := ctx.Value(scanTimeoutKey{}).(time.Duration)
	return d, ok
}

func (s *scanState) begin(ctx context.Context) (context.Context, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return nil, ErrScanInProgress
	}
	timeout := s.timeout
	if d, ok := ScanTimeoutFrom(ctx); ok {
		timeout = d
	}
	scanCtx, cancel := context.WithTimeout(ctx, timeout)
	s.running = true
	s.cancel = cancel
	s.started = s.now()
	s.seen = make(map[string]struct{})
	s.current = nil
	return scanCtx, nil
}

func (s *scanState) end() []Candidate {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	s.running = false
	found := s.current
	s.current = nil
	return found
}

// add records a candidate and emits it if it is new to this scan.
func (s *scanState) add(c Candidate) {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.results[c.ID] = c
	if _, dup := s.seen[c.ID]; dup {
		s.mu.Unlock()
		return
	}
	s.seen[c.ID] = struct{}{}
	s.current = append(s.current, c)
	emit := s.onCandidate
	s.mu.Unlock()

	s.log.get().Info("discovery candidate found", "thing_type", string(c.ThingType), "id", c.ID, "label", c.Label)
	if emit != nil {
		emit(c)
	}
}

// StopScan cancels a running scan and discards retained candidates last
// seen before that scan started. Other scanners are unaffected.
func (s *scanState) StopScan() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cancel != nil {
		s.cancel()
	}
	if s.started.IsZero() {
		return
	}
	for id, c := range s.results {
		if c.SeenAt.Before(s.started) {
			delete(s.results, id)
		}
	}
}

// Results returns every retained candidate, sorted by id.
func (s *scanState) Results() []Candidate {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Candidate, 0, len(s.results))
	for _, c := range s.results {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Scanning reports whether a scan is in progress.
func (s *scanState) Scanning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// GatewayScanner finds gateways by multicasting whois and collecting the
// iam replies.
//
// Thread Safety: All methods are safe for concurrent use. One scan runs at a time.
type GatewayScanner struct {
	*scanState
	transport MessageTransport
}

// NewGatewayScanner creates a gateway scanner on a shared transport.
func NewGatewayScanner(transport MessageTransport, opts ScannerOptions) *GatewayScanner {
	return &GatewayScanner{
		scanState: newScanState(opts),
		transport: transport,
	}
}

// StartScan listens for gateways until the timeout elapses, ctx is
// cancelled or StopScan is called.
//
// Returns:
//   - []Candidate: Gateways found during this scan, in arrival order
//   - error: ErrScanInProgress, ErrTransport, ErrSend, or ctx.Err() if the
//     caller's context ended the scan (partial results are still returned)
func (g *GatewayScanner) StartScan(ctx context.Context) ([]Candidate, error) {
	scanCtx, err := g.begin(ctx)
	if err != nil {
		return nil, err
	}

	reg, err := g.transport.Register(scanCtx, ListenerFunc(g.onMessage))
	if err != nil {
		g.end()
		return nil, err
	}

	if err := g.transport.SendMulticast(scanCtx, whoisCommand()); err != nil {
		g.transport.Unregister(reg)
		g.end()
		return nil, err
	}

	<-scanCtx.Done()
	g.transport.Unregister(reg)
	found := g.end()

	g.log.get().Info("gateway scan finished", "found", len(found))
	return found, ctx.Err()
}

func (g *GatewayScanner) onMessage(msg *Message) {
	if msg.Command != CmdIAm || msg.SID == "" {
		return
	}

	ip := msg.IP()
	if ip == "" {
		if ua, ok := msg.Source.(*net.UDPAddr); ok {
			ip = ua.IP.String()
		}
	}
	port := msg.Port()
	if port == 0 {
		port = DefaultPort
	}
	portStr := strconv.Itoa(port)

	g.add(Candidate{
		ThingType: ThingTypeBridge,
		ID:        msg.SID,
		Label:     BridgeLabel,
		Address:   net.JoinHostPort(ip, portStr),
		Properties: map[string]string{
			PropertySerialNumber: msg.SID,
			PropertyIPAddress:    ip,
			PropertyPort:         portStr,
		},
		SeenAt: g.now(),
	})
}

// ItemSource is the part of a Session a DeviceScanner listens on.
type ItemSource interface {
	GatewayID() string
	RegisterItemListener(ctx context.Context, l ItemListener) (*ItemSubscription, error)
	UnregisterItemListener(sub *ItemSubscription)
}

// Compile-time check.
var _ ItemSource = (*Session)(nil)

// DeviceScanner finds devices behind one gateway. It relies on the
// session's directory replay, plus any read_ack or report arriving while
// the scan runs.
//
// Thread Safety: All methods are safe for concurrent use. One scan runs at a time.
type DeviceScanner struct {
	*scanState
	source ItemSource
}

// NewDeviceScanner creates a device scanner for a gateway session.
func NewDeviceScanner(source ItemSource, opts ScannerOptions) *DeviceScanner {
	return &DeviceScanner{
		scanState: newScanState(opts),
		source:    source,
	}
}

// StartScan listens for devices until the timeout elapses, ctx is
// cancelled or StopScan is called.
//
// Returns:
//   - []Candidate: Devices found during this scan
//   - error: ErrScanInProgress, or ctx.Err() if the caller's context ended the scan
func (d *DeviceScanner) StartScan(ctx context.Context) ([]Candidate, error) {
	scanCtx, err := d.begin(ctx)
	if err != nil {
		return nil, err
	}

	sub, err := d.source.RegisterItemListener(scanCtx, ItemListenerFunc(d.onItem))
	if err != nil {
		d.end()
		return nil, err
	}

	<-scanCtx.Done()
	d.source.UnregisterItemListener(sub)
	found := d.end()

	d.log.get().Info("device scan finished", "gateway", d.source.GatewayID(), "found", len(found))
	return found, ctx.Err()
}

func (d *DeviceScanner) onItem(sid, command string, msg *Message) {
	if command != CmdReadAck && command != CmdReport {
		return
	}
	if sid == "" {
		return
	}

	thingType, err := ResolveModel(msg.Model)
	if err != nil {
		d.log.get().Warn("skipping device with unsupported model", "sid", sid, "error", err)
		return
	}

	d.add(Candidate{
		ThingType: thingType,
		ID:        sid,
		Label:     ModelLabel(msg.Model),
		Gateway:   d.source.GatewayID(),
		Properties: map[string]string{
			PropertyItemID: sid,
			PropertyModel:  msg.Model,
		},
		SeenAt: d.now(),
	})
}
