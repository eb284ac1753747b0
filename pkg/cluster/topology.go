package cluster

import (
	"fmt"
	"net"
	"strconv"
	"strings"

	"github.com/pzhenzhou/respgo/pkg/respio"
)

// SlotRange is an inclusive run of slots served by one master.
type SlotRange struct {
	Start    int      `json:"start"`
	End      int      `json:"end"`
	Master   string   `json:"master"`
	Replicas []string `json:"replicas,omitempty"`
}

type ClusterNode struct {
	ID    string   `json:"id"`
	Host  string   `json:"host"`
	Port  int      `json:"port"`
	Role  string   `json:"role"`
	Flags []string `json:"flags"`
	Slots [][2]int `json:"slots,omitempty"`
}

func (n *ClusterNode) Addr() string {
	return net.JoinHostPort(n.Host, strconv.Itoa(n.Port))
}

func (n *ClusterNode) IsMaster() bool {
	return n.Role == "master"
}

func (n *ClusterNode) HasFlag(flag string) bool {
	for _, f := range n.Flags {
		if f == flag {
			return true
		}
	}
	return false
}

// parseClusterSlots reads a CLUSTER SLOTS reply. An empty host means the
// node that answered, whose host is queriedHost.
func parseClusterSlots(reply *respio.RespPacket, queriedHost string) ([]SlotRange, error) {
	if reply == nil || reply.Type != respio.RespArray || reply.IsNull() {
		return nil, fmt.Errorf("malformed CLUSTER SLOTS reply: %s", reply)
	}
	ranges := make([]SlotRange, 0, len(reply.Array))
	for _, entry := range reply.Array {
		if entry.Type != respio.RespArray || len(entry.Array) < 3 {
			return nil, fmt.Errorf("malformed CLUSTER SLOTS entry: %s", entry)
		}
		start, err := entry.Array[0].Integer()
		if err != nil {
			return nil, fmt.Errorf("malformed slot start: %w", err)
		}
		end, err := entry.Array[1].Integer()
		if err != nil {
			return nil, fmt.Errorf("malformed slot end: %w", err)
		}
		if start < 0 || end >= SlotCount || start > end {
			return nil, fmt.Errorf("slot range %d-%d out of bounds", start, end)
		}
		sr := SlotRange{Start: int(start), End: int(end)}
		for i, nodeInfo := range entry.Array[2:] {
			addr, err := slotNodeAddr(nodeInfo, queriedHost)
			if err != nil {
				return nil, err
			}
			if i == 0 {
				sr.Master = addr
			} else {
				sr.Replicas = append(sr.Replicas, addr)
			}
		}
		ranges = append(ranges, sr)
	}
	return ranges, nil
}

func slotNodeAddr(info *respio.RespPacket, queriedHost string) (string, error) {
	if info.Type != respio.RespArray || len(info.Array) < 2 {
		return "", fmt.Errorf("malformed CLUSTER SLOTS node: %s", info)
	}
	host := info.Array[0].Text()
	if host == "" || host == "?" {
		host = queriedHost
	}
	port, err := info.Array[1].Integer()
	if err != nil {
		return "", fmt.Errorf("malformed node port: %w", err)
	}
	return net.JoinHostPort(host, strconv.FormatInt(port, 10)), nil
}

// parseClusterNodes reads the text of a CLUSTER NODES reply. Nodes without
// an address yet are skipped; migrating and importing slot markers are
// ignored.
func parseClusterNodes(text string, queriedHost string) ([]*ClusterNode, error) {
	var nodes []*ClusterNode
	for _, line := range strings.Split(strings.TrimSpace(text), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 8 {
			return nil, fmt.Errorf("malformed CLUSTER NODES line: %q", line)
		}
		// ip:port@cport[,hostname]
		addr := fields[1]
		if i := strings.IndexByte(addr, ','); i >= 0 {
			addr = addr[:i]
		}
		if i := strings.IndexByte(addr, '@'); i >= 0 {
			addr = addr[:i]
		}
		host, portStr, err := net.SplitHostPort(addr)
		if err != nil {
			return nil, fmt.Errorf("malformed node address %q: %w", fields[1], err)
		}
		port, err := strconv.Atoi(portStr)
		if err != nil || port == 0 {
			continue
		}
		if host == "" {
			host = queriedHost
		}
		flags := strings.Split(fields[2], ",")
		node := &ClusterNode{ID: fields[0], Host: host, Port: port, Flags: flags, Role: "master"}
		if node.HasFlag("noaddr") || node.HasFlag("handshake") {
			continue
		}
		if node.HasFlag("slave") || node.HasFlag("replica") {
			node.Role = "replica"
		}
		for _, token := range fields[8:] {
			if strings.HasPrefix(token, "[") {
				continue
			}
			first, last, ok := strings.Cut(token, "-")
			start, err := strconv.Atoi(first)
			if err != nil {
				return nil, fmt.Errorf("malformed slot %q: %w", token, err)
			}
			end := start
			if ok {
				if end, err = strconv.Atoi(last); err != nil {
					return nil, fmt.Errorf("malformed slot %q: %w", token, err)
				}
			}
			node.Slots = append(node.Slots, [2]int{start, end})
		}
		nodes = append(nodes, node)
	}
	return nodes, nil
}

// nodesFromSlots builds a node set when CLUSTER NODES is unavailable.
func nodesFromSlots(ranges []SlotRange) []*ClusterNode {
	byAddr := make(map[string]*ClusterNode)
	add := func(addr, role string) *ClusterNode {
		if n, ok := byAddr[addr]; ok {
			return n
		}
		host, portStr, _ := net.SplitHostPort(addr)
		port, _ := strconv.Atoi(portStr)
		n := &ClusterNode{Host: host, Port: port, Role: role, Flags: []string{role}}
		byAddr[addr] = n
		return n
	}
	var out []*ClusterNode
	for _, sr := range ranges {
		m := add(sr.Master, "master")
		m.Slots = append(m.Slots, [2]int{sr.Start, sr.End})
		for _, r := range sr.Replicas {
			add(r, "replica")
		}
	}
	for _, n := range byAddr {
		out = append(out, n)
	}
	return out
}
