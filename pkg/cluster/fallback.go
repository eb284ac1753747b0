package cluster

import (
	"strconv"

	"github.com/buraksezer/consistent"
	"github.com/cespare/xxhash/v2"
)

type member string

func (m member) String() string {
	return string(m)
}

type memberHash struct{}

func (h memberHash) Sum64(key []byte) uint64 {
	return xxhash.Sum64(key)
}

var consistentCfg = consistent.Config{
	PartitionCount:    271,
	ReplicationFactor: 20,
	Load:              1.25,
	Hasher:            memberHash{},
}

// fallbackRing picks a node for slots the table does not map yet. The same
// slot keeps landing on the same node while the node set is unchanged.
type fallbackRing struct {
	ring  *consistent.Consistent
	addrs []string
}

func newFallbackRing(addrs []string) *fallbackRing {
	// consistent divides by the member count when given a non-nil slice
	var members []consistent.Member
	for _, addr := range addrs {
		members = append(members, member(addr))
	}
	return &fallbackRing{
		ring:  consistent.New(members, consistentCfg),
		addrs: addrs,
	}
}

func (f *fallbackRing) locate(slot int) string {
	if len(f.addrs) == 0 {
		return ""
	}
	if m := f.ring.LocateKey([]byte(strconv.Itoa(slot))); m != nil {
		return m.String()
	}
	return f.addrs[0]
}
