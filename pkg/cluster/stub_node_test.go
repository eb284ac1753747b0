package cluster

import (
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/pzhenzhou/respgo/pkg/common"
	"github.com/pzhenzhou/respgo/pkg/respio"
	"github.com/stretchr/testify/require"
)

// connState is per client connection, like the server's ASKING flag.
type connState struct {
	asking bool
}

type keyHandler func(node *stubNode, cs *connState, cmd []string) *respio.RespPacket

// stubCluster fakes a set of nodes sharing one topology.
type stubCluster struct {
	mu     sync.Mutex
	nodes  []*stubNode
	owner  func(slot int) *stubNode
	onKey  keyHandler
	killed map[*stubNode]bool
}

type stubNode struct {
	cluster *stubCluster
	id      string
	ln      net.Listener
	mu      sync.Mutex
	conns   []net.Conn
	log     []string
	wg      sync.WaitGroup
}

func newStubCluster(t *testing.T, n int) *stubCluster {
	t.Helper()
	c := &stubCluster{killed: make(map[*stubNode]bool)}
	for i := 0; i < n; i++ {
		ln, err := net.Listen("tcp", "127.0.0.1:0")
		require.NoError(t, err)
		node := &stubNode{cluster: c, id: fmt.Sprintf("node%d", i), ln: ln}
		c.nodes = append(c.nodes, node)
		go node.serve()
		t.Cleanup(node.kill)
	}
	// default: split the slots evenly in order
	c.owner = func(slot int) *stubNode {
		return c.nodes[slot*len(c.nodes)/SlotCount]
	}
	c.onKey = func(node *stubNode, _ *connState, cmd []string) *respio.RespPacket {
		return respio.NewBulkString(node.id + ":" + cmd[1])
	}
	return c
}

func (c *stubCluster) setOwner(owner func(slot int) *stubNode) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.owner = owner
}

func (c *stubCluster) setKeyHandler(h keyHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onKey = h
}

func (c *stubCluster) config(seeds ...*stubNode) *common.ClusterConfig {
	cfg := &common.ClusterConfig{MaxRedirects: common.DefaultMaxRedirects, ErrorMode: common.ErrorModeRaise}
	for _, s := range seeds {
		cfg.Seeds = append(cfg.Seeds, s.addr())
	}
	return cfg
}

func (c *stubCluster) slotsReply() *respio.RespPacket {
	c.mu.Lock()
	defer c.mu.Unlock()
	var entries []*respio.RespPacket
	for i := 0; i < SlotCount; {
		owner := c.owner(i)
		j := i
		for j+1 < SlotCount && c.owner(j+1) == owner {
			j++
		}
		if owner != nil {
			entries = append(entries, respio.NewArray(
				respio.NewInt(int64(i)),
				respio.NewInt(int64(j)),
				respio.NewArray(respio.NewBulkString("127.0.0.1"), respio.NewInt(int64(owner.port())), respio.NewBulkString(owner.id)),
			))
		}
		i = j + 1
	}
	return respio.NewArray(entries...)
}

func (c *stubCluster) nodesReply() *respio.RespPacket {
	c.mu.Lock()
	defer c.mu.Unlock()
	var sb strings.Builder
	for _, n := range c.nodes {
		if c.killed[n] {
			continue
		}
		fmt.Fprintf(&sb, "%s %s@1%d master - 0 0 1 connected\n", n.id, n.addr(), n.port())
	}
	return respio.NewBulkString(sb.String())
}

func (n *stubNode) addr() string {
	return n.ln.Addr().String()
}

func (n *stubNode) port() int {
	_, p, _ := net.SplitHostPort(n.addr())
	port, _ := strconv.Atoi(p)
	return port
}

func (n *stubNode) commands() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]string(nil), n.log...)
}

func (n *stubNode) count(cmd string) int {
	total := 0
	for _, c := range n.commands() {
		if c == cmd {
			total++
		}
	}
	return total
}

func (n *stubNode) kill() {
	n.cluster.mu.Lock()
	n.cluster.killed[n] = true
	n.cluster.mu.Unlock()
	_ = n.ln.Close()
	n.mu.Lock()
	for _, c := range n.conns {
		_ = c.Close()
	}
	n.mu.Unlock()
	n.wg.Wait()
}

func (n *stubNode) serve() {
	for {
		conn, err := n.ln.Accept()
		if err != nil {
			return
		}
		n.mu.Lock()
		n.conns = append(n.conns, conn)
		n.mu.Unlock()
		n.wg.Add(1)
		go func() {
			defer n.wg.Done()
			defer conn.Close()
			n.handle(conn)
		}()
	}
}

func (n *stubNode) handle(conn net.Conn) {
	dec := respio.NewDecoder()
	w := respio.NewRespWriter(conn)
	buf := make([]byte, 4096)
	cs := &connState{}
	for {
		pkt, ok, err := dec.Next()
		if err != nil {
			return
		}
		if !ok {
			_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
			m, err := conn.Read(buf)
			if m > 0 {
				dec.Write(buf[:m])
				continue
			}
			if err != nil {
				return
			}
			continue
		}
		cmd, _ := pkt.Strings()
		if len(cmd) == 0 {
			return
		}
		name := strings.ToUpper(cmd[0])
		n.mu.Lock()
		n.log = append(n.log, name)
		n.mu.Unlock()

		var reply *respio.RespPacket
		switch {
		case name == "CLUSTER" && len(cmd) > 1 && strings.EqualFold(cmd[1], "SLOTS"):
			reply = n.cluster.slotsReply()
		case name == "CLUSTER" && len(cmd) > 1 && strings.EqualFold(cmd[1], "NODES"):
			reply = n.cluster.nodesReply()
		case name == "ASKING":
			cs.asking = true
			reply = respio.NewStatus("OK")
		case name == "PING":
			reply = respio.NewStatus("PONG")
		default:
			n.cluster.mu.Lock()
			h := n.cluster.onKey
			n.cluster.mu.Unlock()
			reply = h(n, cs, cmd)
			cs.asking = false
		}
		if reply == nil {
			return
		}
		_ = w.Write(reply)
		_ = w.Flush()
	}
}

// keyInRange finds a key whose slot lies in [lo, hi].
func keyInRange(t *testing.T, lo, hi int) (string, int) {
	t.Helper()
	for i := 0; i < 100000; i++ {
		key := "key:" + strconv.Itoa(i)
		if slot := KeySlot([]byte(key)); slot >= lo && slot <= hi {
			return key, slot
		}
	}
	t.Fatalf("no key found for slots %d-%d", lo, hi)
	return "", 0
}
