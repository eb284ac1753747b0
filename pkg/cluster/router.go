package cluster

import (
	"errors"
	"fmt"
	"net"
	"slices"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/puzpuzpuz/xsync/v3"
	"github.com/pzhenzhou/respgo/pkg/common"
	"github.com/pzhenzhou/respgo/pkg/metrics"
	"github.com/pzhenzhou/respgo/pkg/respio"
	"github.com/pzhenzhou/respgo/pkg/session"
	"github.com/samber/lo"
)

var (
	logger = common.InitLogger().WithName("cluster")

	// ErrTooManyRedirects ends a command that kept being redirected or kept
	// failing. It is a disconnection-class error.
	ErrTooManyRedirects = fmt.Errorf("too many cluster redirections: %w", session.ErrDisconnected)
	ErrNoNodes          = errors.New("no reachable cluster node")
)

const (
	retrySleepMaxMs = 100
	retrySleepMinMs = 25
)

type RouterOption func(*Router)

// WithSessionOptions applies opts to every node session the router opens.
func WithSessionOptions(opts ...session.Option) RouterOption {
	return func(r *Router) {
		r.sessionOpts = append(r.sessionOpts, opts...)
	}
}

func WithMetrics(collector metrics.ClientMetricsCollector) RouterOption {
	return func(r *Router) {
		r.tracker = metrics.NewCommandTracker(collector)
		r.sessionOpts = append(r.sessionOpts, session.WithMetrics(collector))
	}
}

// Router sends each keyed command to the node owning the key's slot and
// follows MOVED and ASK redirections. Like a Session it expects a single
// caller at a time.
type Router struct {
	cfg   *common.ClusterConfig
	slots [SlotCount]string

	nodes    *xsync.MapOf[string, *ClusterNode]
	sessions *xsync.MapOf[string, *session.Session]
	fallback *fallbackRing

	// stale is set by MOVED (or RequestRefresh) and cleared by the next
	// Refresh, which runs at the start of the following Execute.
	stale      atomic.Bool
	snapshot   atomic.Pointer[Topology]
	lastFailed string
	closed     bool

	sessionOpts []session.Option
	tracker     *metrics.CommandTracker
}

// NewRouter loads the slot table from the first seed that answers.
func NewRouter(cfg *common.ClusterConfig, opts ...RouterOption) (*Router, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	r := &Router{
		cfg:      cfg,
		nodes:    xsync.NewMapOf[string, *ClusterNode](),
		sessions: xsync.NewMapOf[string, *session.Session](),
		fallback: newFallbackRing(cfg.Seeds),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.tracker == nil {
		r.tracker = metrics.NewCommandTracker(nil)
	}
	if err := r.Refresh(); err != nil {
		r.Close()
		return nil, err
	}
	return r, nil
}

func (r *Router) maxRedirects() int {
	if r.cfg.MaxRedirects > 0 {
		return r.cfg.MaxRedirects
	}
	return common.DefaultMaxRedirects
}

// Execute runs a keyed command on the node serving its key.
func (r *Router) Execute(cmd string, args ...[]byte) (*respio.RespPacket, error) {
	if r.closed {
		return nil, session.ErrSessionClosed
	}
	key, err := routingKey(cmd, args)
	if err != nil {
		return nil, err
	}
	slot := KeySlot(key)
	if r.stale.Load() {
		if err := r.Refresh(); err != nil {
			logger.Error(err, "Slot table refresh failed, routing with the patched table")
		}
	}

	addr := r.addrForSlot(slot)
	asking := false
	var lastErr error
	for attempt := 0; attempt < r.maxRedirects(); attempt++ {
		if addr == "" {
			return nil, ErrNoNodes
		}
		reply, err := r.executeOn(addr, asking, cmd, args)
		asking = false
		if err == nil {
			r.lastFailed = ""
			return reply, nil
		}
		lastErr = err

		if remote, ok := session.AsRemoteError(err); ok {
			switch remote.Prefix() {
			case "MOVED":
				movedSlot, target, perr := parseRedirect(remote.Message, addr)
				if perr != nil {
					return nil, perr
				}
				logger.V(1).Info("Slot moved", "slot", movedSlot, "from", addr, "to", target)
				r.slots[movedSlot] = target
				r.stale.Store(true)
				r.publish()
				r.tracker.TrackEvent(metrics.CounterMoved)
				addr = target
				continue
			case "ASK":
				_, target, perr := parseRedirect(remote.Message, addr)
				if perr != nil {
					return nil, perr
				}
				logger.V(1).Info("Slot migrating, asking", "slot", slot, "from", addr, "to", target)
				r.tracker.TrackEvent(metrics.CounterAsk)
				addr = target
				asking = true
				continue
			case "TRYAGAIN", "CLUSTERDOWN":
				common.SleepRandom(retrySleepMaxMs, retrySleepMinMs)
				continue
			}
			if r.cfg.ErrorMode == common.ErrorModeValue {
				return respio.NewError(remote.Message), nil
			}
			return nil, err
		}

		if errors.Is(err, session.ErrTimeout) {
			// the command may still run; the late reply would be matched to
			// the next command on this session
			logger.Info("Cluster node timed out", "addr", addr, "error", err)
			r.evict(addr)
			return nil, err
		}
		if !isConnFailure(err) {
			return nil, err
		}
		logger.Info("Cluster node failed", "addr", addr, "attempt", attempt, "error", err)
		r.evict(addr)
		if r.lastFailed == addr {
			r.lastFailed = ""
			if rerr := r.Refresh(); rerr != nil {
				logger.Error(rerr, "Slot table refresh after repeated node failure failed")
			}
			addr = r.addrForSlot(slot)
		} else {
			r.lastFailed = addr
		}
		common.SleepRandom(retrySleepMaxMs, retrySleepMinMs)
	}
	return nil, fmt.Errorf("%w: %s after %d attempts: %w", ErrTooManyRedirects, strings.ToUpper(cmd), r.maxRedirects(), lastErr)
}

// Do is Execute with arguments converted by respio.ToArgs.
func (r *Router) Do(cmd string, args ...any) (*respio.RespPacket, error) {
	bargs, err := respio.ToArgs(args...)
	if err != nil {
		return nil, err
	}
	return r.Execute(cmd, bargs...)
}

func (r *Router) executeOn(addr string, asking bool, cmd string, args [][]byte) (*respio.RespPacket, error) {
	s, err := r.sessionFor(addr)
	if err != nil {
		return nil, err
	}
	if asking {
		// pipelined ahead of the command, its reply does not matter
		if err := s.Send(string(respio.AskingCmd), nil, func(*session.Session, *respio.RespPacket, error) {}); err != nil {
			return nil, err
		}
	}
	return s.Execute(cmd, args...)
}

func (r *Router) sessionFor(addr string) (*session.Session, error) {
	if s, ok := r.sessions.Load(addr); ok {
		return s, nil
	}
	s, err := session.New(r.cfg.NodeConfig(addr), r.sessionOpts...)
	if err != nil {
		return nil, err
	}
	r.sessions.Store(addr, s)
	return s, nil
}

func (r *Router) evict(addr string) {
	if s, ok := r.sessions.LoadAndDelete(addr); ok {
		_ = s.Close()
		r.tracker.TrackEvent(metrics.CounterEvicted)
	}
}

func (r *Router) addrForSlot(slot int) string {
	if addr := r.slots[slot]; addr != "" {
		return addr
	}
	return r.fallback.locate(slot)
}

// Refresh rebuilds the slot table and node set from the first node that
// answers, known nodes first, then seeds. Sessions to nodes that left the
// cluster are closed.
func (r *Router) Refresh() error {
	var known []string
	r.nodes.Range(func(addr string, _ *ClusterNode) bool {
		known = append(known, addr)
		return true
	})
	slices.Sort(known)
	candidates := lo.Uniq(append(known, r.cfg.Seeds...))

	var lastErr error
	for _, addr := range candidates {
		ranges, nodes, err := r.queryTopology(addr)
		if err != nil {
			logger.Info("Cluster topology query failed", "addr", addr, "error", err)
			if isConnFailure(err) {
				r.evict(addr)
			}
			lastErr = err
			continue
		}
		r.apply(ranges, nodes)
		logger.V(1).Info("Slot table refreshed", "from", addr, "ranges", len(ranges), "nodes", len(nodes))
		return nil
	}
	if lastErr == nil {
		return ErrNoNodes
	}
	return fmt.Errorf("%w: %w", ErrNoNodes, lastErr)
}

func (r *Router) queryTopology(addr string) ([]SlotRange, []*ClusterNode, error) {
	s, err := r.sessionFor(addr)
	if err != nil {
		return nil, nil, err
	}
	host, _, _ := net.SplitHostPort(addr)
	reply, err := s.Execute(string(respio.ClusterCmd), []byte("SLOTS"))
	if err != nil {
		return nil, nil, err
	}
	ranges, err := parseClusterSlots(reply, host)
	if err != nil {
		return nil, nil, err
	}
	var nodes []*ClusterNode
	if nodesReply, err := s.Execute(string(respio.ClusterCmd), []byte("NODES")); err == nil {
		if nodes, err = parseClusterNodes(nodesReply.Text(), host); err != nil {
			logger.Info("Ignoring unreadable CLUSTER NODES reply", "addr", addr, "error", err)
			nodes = nil
		}
	} else if isConnFailure(err) {
		return nil, nil, err
	}
	if len(nodes) == 0 {
		nodes = nodesFromSlots(ranges)
	}
	return ranges, nodes, nil
}

func (r *Router) apply(ranges []SlotRange, nodes []*ClusterNode) {
	var table [SlotCount]string
	for _, sr := range ranges {
		for slot := sr.Start; slot <= sr.End; slot++ {
			table[slot] = sr.Master
		}
	}
	r.slots = table

	r.nodes.Clear()
	for _, n := range nodes {
		r.nodes.Store(n.Addr(), n)
	}

	masters := lo.Uniq(lo.FilterMap(ranges, func(sr SlotRange, _ int) (string, bool) {
		return sr.Master, sr.Master != ""
	}))
	slices.Sort(masters)
	if len(masters) == 0 {
		masters = r.cfg.Seeds
	}
	r.fallback = newFallbackRing(masters)

	keep := lo.SliceToMap(append(lo.Map(nodes, func(n *ClusterNode, _ int) string { return n.Addr() }), r.cfg.Seeds...),
		func(addr string) (string, struct{}) { return addr, struct{}{} })
	var gone []string
	r.sessions.Range(func(addr string, _ *session.Session) bool {
		if _, ok := keep[addr]; !ok {
			gone = append(gone, addr)
		}
		return true
	})
	for _, addr := range gone {
		logger.Info("Closing session to node that left the cluster", "addr", addr)
		r.evict(addr)
	}
	r.stale.Store(false)
	r.publish()
	r.tracker.TrackEvent(metrics.CounterRefresh)
}

// Topology is a point-in-time copy of the routing state.
type Topology struct {
	Slots       []SlotRange    `json:"slots"`
	Nodes       []*ClusterNode `json:"nodes"`
	Stale       bool           `json:"stale"`
	PublishedAt time.Time      `json:"published_at"`
}

func (r *Router) publish() {
	r.snapshot.Store(&Topology{
		Slots:       r.Slots(),
		Nodes:       r.Nodes(),
		Stale:       r.stale.Load(),
		PublishedAt: time.Now(),
	})
}

// Topology returns the latest published routing state. Unlike the other
// methods it may be called from any goroutine.
func (r *Router) Topology() *Topology {
	if t := r.snapshot.Load(); t != nil {
		return t
	}
	return &Topology{}
}

// RequestRefresh makes the next Execute reload the slot table. It may be
// called from any goroutine.
func (r *Router) RequestRefresh() {
	r.stale.Store(true)
}

// NodeForSlot returns the table entry for slot, empty when unmapped.
func (r *Router) NodeForSlot(slot int) string {
	if slot < 0 || slot >= SlotCount {
		return ""
	}
	return r.slots[slot]
}

// Slots returns the table as contiguous ranges.
func (r *Router) Slots() []SlotRange {
	var out []SlotRange
	for i := 0; i < SlotCount; {
		addr := r.slots[i]
		j := i
		for j+1 < SlotCount && r.slots[j+1] == addr {
			j++
		}
		if addr != "" {
			out = append(out, SlotRange{Start: i, End: j, Master: addr})
		}
		i = j + 1
	}
	return out
}

// Nodes returns the known nodes sorted by address.
func (r *Router) Nodes() []*ClusterNode {
	nodes := make([]*ClusterNode, 0, r.nodes.Size())
	r.nodes.Range(func(_ string, n *ClusterNode) bool {
		nodes = append(nodes, n)
		return true
	})
	slices.SortFunc(nodes, func(a, b *ClusterNode) int {
		return strings.Compare(a.Addr(), b.Addr())
	})
	return nodes
}

// Stale reports whether a redirection patched the table since the last refresh.
func (r *Router) Stale() bool {
	return r.stale.Load()
}

func (r *Router) Close() {
	r.sessions.Range(func(addr string, s *session.Session) bool {
		_ = s.Close()
		r.sessions.Delete(addr)
		return true
	})
	r.closed = true
}

// parseRedirect reads "MOVED <slot> <addr>" or "ASK <slot> <addr>". An
// address without a host refers to the host of current.
func parseRedirect(msg, current string) (int, string, error) {
	fields := strings.Fields(msg)
	if len(fields) < 3 {
		return 0, "", fmt.Errorf("malformed redirection: %q", msg)
	}
	slot, err := strconv.Atoi(fields[1])
	if err != nil || slot < 0 || slot >= SlotCount {
		return 0, "", fmt.Errorf("malformed redirection slot: %q", msg)
	}
	host, port, err := net.SplitHostPort(fields[2])
	if err != nil {
		return 0, "", fmt.Errorf("malformed redirection address: %q: %w", msg, err)
	}
	if host == "" {
		host, _, _ = net.SplitHostPort(current)
	}
	return slot, net.JoinHostPort(host, port), nil
}

func isConnFailure(err error) bool {
	return errors.Is(err, session.ErrDisconnected) ||
		errors.Is(err, session.ErrConnectionClosed) ||
		errors.Is(err, session.ErrConnectGaveUp) ||
		common.IsConnUnavailable(err)
}
