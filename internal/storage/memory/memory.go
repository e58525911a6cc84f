// Package memory provides an in-memory storage gateway. It backs tests and
// local sandbox runs; production deployments use the mongo or postgres
// gateways. It is always constructed and injected, never shared process-wide.
package memory

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/bankfeed-aggregator/internal/storage"
)

// Gateway is a mutex-guarded map implementation of storage.Gateway
type Gateway struct {
	mu   sync.RWMutex
	docs map[string]map[string][]byte // ownerID -> key -> doc
}

// NewGateway creates an empty in-memory gateway
func NewGateway() *Gateway {
	return &Gateway{docs: make(map[string]map[string][]byte)}
}

// Get retrieves a document, returning storage.ErrNotFound when absent
func (g *Gateway) Get(_ context.Context, ownerID, key string) ([]byte, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	doc, ok := g.docs[ownerID][key]
	if !ok {
		return nil, storage.ErrNotFound{Key: key}
	}
	out := make([]byte, len(doc))
	copy(out, doc)
	return out, nil
}

// Put stores a document, overwriting any existing value
func (g *Gateway) Put(_ context.Context, ownerID, key string, doc []byte) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	owner, ok := g.docs[ownerID]
	if !ok {
		owner = make(map[string][]byte)
		g.docs[ownerID] = owner
	}
	stored := make([]byte, len(doc))
	copy(stored, doc)
	owner[key] = stored
	return nil
}

// Delete removes a document; deleting a missing key is a no-op
func (g *Gateway) Delete(_ context.Context, ownerID, key string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	delete(g.docs[ownerID], key)
	return nil
}

// DeletePrefix removes every document whose key starts with prefix and
// reports how many were removed
func (g *Gateway) DeletePrefix(_ context.Context, ownerID, prefix string) (int, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	removed := 0
	for key := range g.docs[ownerID] {
		if strings.HasPrefix(key, prefix) {
			delete(g.docs[ownerID], key)
			removed++
		}
	}
	return removed, nil
}

// Query returns every document whose key starts with prefix, sorted by key
// for deterministic iteration
func (g *Gateway) Query(_ context.Context, ownerID, prefix string) ([]storage.Record, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	var records []storage.Record
	for key, doc := range g.docs[ownerID] {
		if !strings.HasPrefix(key, prefix) {
			continue
		}
		data := make([]byte, len(doc))
		copy(data, doc)
		records = append(records, storage.Record{Key: key, Data: data})
	}

	sort.Slice(records, func(i, j int) bool { return records[i].Key < records[j].Key })
	return records, nil
}

var _ storage.Gateway = (*Gateway)(nil)
