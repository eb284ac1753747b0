package respio

import "sync"

// respPacketPool is a sync.Pool for RespPacket structs.
var respPacketPool = sync.Pool{
	New: func() interface{} {
		return &RespPacket{}
	},
}

// AcquireRespPacket gets a zeroed RespPacket from the pool.
func AcquireRespPacket() *RespPacket {
	return respPacketPool.Get().(*RespPacket)
}

// ReleaseRespPacket resets a RespPacket and returns it (and its children) to the pool.
// The caller must ensure that neither the packet nor any of its elements is
// still referenced. Replies handed to user code are never released.
func ReleaseRespPacket(p *RespPacket) {
	if p == nil {
		return
	}
	for i, item := range p.Array {
		if item != nil {
			ReleaseRespPacket(item)
			p.Array[i] = nil
		}
	}
	// The decoder allocates a fresh Array and Data per packet, so the
	// backing arrays are not kept around for reuse.
	*p = RespPacket{}
	respPacketPool.Put(p)
}
