package transport

import (
	"sort"
	"sync"

	"github.com/pvlink/pvlink-go/pkg/wire"
)

// MaxSearchBatch is the largest number of names sent in one search message.
const MaxSearchBatch = 64

// Outbox holds requests queued between Flush calls: a FIFO of messages per
// server and one batch of searches for all servers.
type Outbox struct {
	mu       sync.Mutex
	queues   map[string][]*wire.Message
	searches []wire.SearchEntry
}

// NewOutbox returns an empty outbox.
func NewOutbox() *Outbox {
	return &Outbox{queues: make(map[string][]*wire.Message)}
}

// Enqueue appends m to the queue of server.
func (o *Outbox) Enqueue(server string, m *wire.Message) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.queues[server] = append(o.queues[server], m)
}

// AddSearch queues a name for the next search batch.
func (o *Outbox) AddSearch(e wire.SearchEntry) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.searches = append(o.searches, e)
}

// Len returns the number of queued messages and search entries.
func (o *Outbox) Len() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	n := len(o.searches)
	for _, q := range o.queues {
		n += len(q)
	}
	return n
}

// Batch is the content of an outbox taken at one flush.
type Batch struct {
	Servers  []string
	Queues   map[string][]*wire.Message
	Searches []*wire.Message
}

// Drain empties the outbox. Servers are sorted so flushes are deterministic;
// per-server order is the order of Enqueue.
func (o *Outbox) Drain() Batch {
	o.mu.Lock()
	queues, searches := o.queues, o.searches
	o.queues = make(map[string][]*wire.Message)
	o.searches = nil
	o.mu.Unlock()

	b := Batch{Queues: queues}
	for s := range queues {
		b.Servers = append(b.Servers, s)
	}
	sort.Strings(b.Servers)

	for len(searches) > 0 {
		n := min(len(searches), MaxSearchBatch)
		b.Searches = append(b.Searches, wire.NewSearch(searches[:n]...))
		searches = searches[n:]
	}
	return b
}
