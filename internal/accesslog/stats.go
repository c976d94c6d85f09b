package accesslog

import (
	"sort"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
)

const (
	recentCapacity  = 1000
	clientCacheSize = 4096
	uaCacheSize     = 1024
	topListSize     = 10
)

// CountEntry is one row of a top-N list.
type CountEntry struct {
	Key   string `json:"key"`
	Count int64  `json:"count"`
}

// Stats is an aggregated view over everything observed since start.
type Stats struct {
	TotalRequests int64            `json:"totalRequests"`
	TotalBytes    int64            `json:"totalBytes"`
	UniqueClients int              `json:"uniqueClients"`
	StatusCodes   map[string]int64 `json:"statusCodes"`
	TopClients    []CountEntry     `json:"topClients"`
	TopUserAgents []CountEntry     `json:"topUserAgents"`
}

// Aggregator accumulates records. Client and user-agent counts are LRU
// bounded so a scan with random strings cannot grow memory without limit;
// evicted entries simply fall out of the top lists.
type Aggregator struct {
	mu sync.Mutex

	recent []*Record
	next   int
	filled bool

	total       int64
	totalBytes  int64
	statusCodes map[int]int64
	clients     *lru.Cache[string, int64]
	userAgents  *lru.Cache[string, int64]
}

// NewAggregator builds an empty Aggregator.
func NewAggregator() (*Aggregator, error) {
	clients, err := lru.New[string, int64](clientCacheSize)
	if err != nil {
		return nil, err
	}
	userAgents, err := lru.New[string, int64](uaCacheSize)
	if err != nil {
		return nil, err
	}
	return &Aggregator{
		recent:      make([]*Record, recentCapacity),
		statusCodes: make(map[int]int64),
		clients:     clients,
		userAgents:  userAgents,
	}, nil
}

// Add records one entry.
func (a *Aggregator) Add(rec *Record) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.recent[a.next] = rec
	a.next++
	if a.next == len(a.recent) {
		a.next = 0
		a.filled = true
	}

	a.total++
	a.totalBytes += rec.BodyBytes
	a.statusCodes[rec.Status]++

	count, _ := a.clients.Get(rec.RemoteAddr)
	a.clients.Add(rec.RemoteAddr, count+1)

	if rec.UserAgent != "" {
		count, _ := a.userAgents.Get(rec.UserAgent)
		a.userAgents.Add(rec.UserAgent, count+1)
	}
}

// Recent returns up to n most recent records, newest first.
func (a *Aggregator) Recent(n int) []*Record {
	a.mu.Lock()
	defer a.mu.Unlock()

	size := a.next
	if a.filled {
		size = len(a.recent)
	}
	if n <= 0 || n > size {
		n = size
	}

	out := make([]*Record, 0, n)
	for i := 0; i < n; i++ {
		idx := (a.next - 1 - i + len(a.recent)) % len(a.recent)
		out = append(out, a.recent[idx])
	}
	return out
}

// Snapshot computes the aggregated statistics.
func (a *Aggregator) Snapshot() Stats {
	a.mu.Lock()
	defer a.mu.Unlock()

	stats := Stats{
		TotalRequests: a.total,
		TotalBytes:    a.totalBytes,
		UniqueClients: a.clients.Len(),
		StatusCodes:   make(map[string]int64, len(a.statusCodes)),
	}
	for code, count := range a.statusCodes {
		stats.StatusCodes[statusKey(code)] = count
	}
	stats.TopClients = topEntries(a.clients)
	stats.TopUserAgents = topEntries(a.userAgents)
	return stats
}

func statusKey(code int) string {
	return string([]byte{
		byte('0' + code/100%10),
		byte('0' + code/10%10),
		byte('0' + code%10),
	})
}

func topEntries(cache *lru.Cache[string, int64]) []CountEntry {
	entries := make([]CountEntry, 0, cache.Len())
	for _, key := range cache.Keys() {
		if count, ok := cache.Peek(key); ok {
			entries = append(entries, CountEntry{Key: key, Count: count})
		}
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].Count != entries[j].Count {
			return entries[i].Count > entries[j].Count
		}
		return entries[i].Key < entries[j].Key
	})
	if len(entries) > topListSize {
		entries = entries[:topListSize]
	}
	return entries
}
