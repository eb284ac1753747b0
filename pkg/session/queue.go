package session

import (
	"time"

	"github.com/pzhenzhou/respgo/pkg/respio"
)

// Continuation receives the reply of one command. In raise mode an error
// reply arrives as err (a *RemoteError) with a nil reply.
type Continuation func(s *Session, reply *respio.RespPacket, err error)

// queueEntry is owed exactly one reply. A nil cont means the reply goes to
// the ordered result list read by ReceiveNext.
type queueEntry struct {
	cont    Continuation
	command string
	raise   bool
	sent    time.Time
}

type result struct {
	reply *respio.RespPacket
	err   error
}

// replyQueue is a FIFO of entries awaiting replies. The Nth decoded reply
// always goes to the Nth entry.
type replyQueue struct {
	entries []queueEntry
	head    int
}

func (q *replyQueue) push(e queueEntry) {
	if q.head > 64 && q.head*2 > len(q.entries) {
		n := copy(q.entries, q.entries[q.head:])
		clear(q.entries[n:])
		q.entries = q.entries[:n]
		q.head = 0
	}
	q.entries = append(q.entries, e)
}

func (q *replyQueue) pop() (queueEntry, bool) {
	if q.head >= len(q.entries) {
		return queueEntry{}, false
	}
	e := q.entries[q.head]
	q.entries[q.head] = queueEntry{}
	q.head++
	if q.head == len(q.entries) {
		q.entries = q.entries[:0]
		q.head = 0
	}
	return e, true
}

func (q *replyQueue) len() int {
	return len(q.entries) - q.head
}

// drain removes and returns every outstanding entry in order.
func (q *replyQueue) drain() []queueEntry {
	out := make([]queueEntry, q.len())
	copy(out, q.entries[q.head:])
	clear(q.entries)
	q.entries = q.entries[:0]
	q.head = 0
	return out
}
