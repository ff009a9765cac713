// Package model holds the data shared between the Resolver, Generator, and
// proxy components: backend models, resolved endpoints, and the fleet-wide
// state those endpoints are folded into.
package model

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net"
	"sort"
	"sync"
)

// Model is one served model as reported by a backend's GET /v1/models,
// enriched with the load signal scraped from that backend's GET /metrics.
type Model struct {
	ID      string
	Running *uint64
	Pending *uint64

	// Extra preserves arbitrary JSON fields from the backend's /v1/models
	// response verbatim (object, id, and any other top-level keys a given
	// backend chooses to add).
	Extra json.RawMessage
}

// modelWire is the OpenAI-shaped wire representation of a Model.
type modelWire struct {
	Object  string  `json:"object"`
	ID      string  `json:"id"`
	Running *uint64 `json:"running,omitempty"`
	Pending *uint64 `json:"pending,omitempty"`
}

// MarshalJSON emits {"object":"model","id":...,"running":...,"pending":...}
// merged with any extra fields the backend supplied.
func (m Model) MarshalJSON() ([]byte, error) {
	base := map[string]json.RawMessage{}
	if len(m.Extra) > 0 {
		if err := json.Unmarshal(m.Extra, &base); err != nil {
			return nil, fmt.Errorf("unmarshaling extra fields for model %q: %w", m.ID, err)
		}
	}

	wire, err := json.Marshal(modelWire{
		Object:  "model",
		ID:      m.ID,
		Running: m.Running,
		Pending: m.Pending,
	})
	if err != nil {
		return nil, err
	}
	var wireFields map[string]json.RawMessage
	if err := json.Unmarshal(wire, &wireFields); err != nil {
		return nil, err
	}
	for k, v := range wireFields {
		base[k] = v
	}
	return json.Marshal(base)
}

// UnmarshalJSON parses an OpenAI-shaped model object, keeping unrecognized
// fields in Extra.
func (m *Model) UnmarshalJSON(data []byte) error {
	var wire modelWire
	if err := json.Unmarshal(data, &wire); err != nil {
		return err
	}
	m.ID = wire.ID
	m.Running = wire.Running
	m.Pending = wire.Pending
	m.Extra = json.RawMessage(data)
	return nil
}

// ModelList is the OpenAI list envelope: {"object":"list","data":[...]}
type ModelList struct {
	Data []Model `json:"data"`
}

// MarshalJSON pins object to "list".
func (l ModelList) MarshalJSON() ([]byte, error) {
	type wire struct {
		Object string  `json:"object"`
		Data   []Model `json:"data"`
	}
	return json.Marshal(wire{Object: "list", Data: l.Data})
}

// Endpoint is one resolved IP of an Upstream's host at a given poll cycle,
// together with the models it currently reports. Lifetime is one polling
// cycle: a new Endpoint slice fully replaces the previous one, it is never
// merged into it.
type Endpoint struct {
	IP     net.IP
	Models []Model
}

// ClusterName derives the deterministic, stable cluster name for an
// (upstream-index, ip) pair per the naming ABI: cluster_<hex(sha224("i:ip"))>.
// This is NOT a content hash — it is deliberately insensitive to anything
// except upstream position and IP, so reordering upstreams in configuration
// invalidates cluster identity and causes proxy reconfiguration churn. That
// is intentional; do not try to make this config-order independent.
func ClusterName(upstreamIndex int, ip net.IP) string {
	sum := sha256.Sum224([]byte(fmt.Sprintf("%d:%s", upstreamIndex, ip.String())))
	return "cluster_" + hex.EncodeToString(sum[:])
}

// FleetState is the single-writer, multi-reader map from upstream index to
// the endpoints last resolved for that upstream. An entry appears only
// after its Resolver stream has produced at least once; reads are
// consistent snapshots (one write per upstream per generation pass).
type FleetState struct {
	mu        sync.RWMutex
	endpoints map[int][]Endpoint
	version   uint64

	// onChange fires after every mutation, outside the write lock, the same
	// way a registry's change hook must not be invoked while holding the
	// write lock (the callback here triggers Generator+Reporter work that
	// reads FleetState under its own read lock).
	onChange func()
}

// NewFleetState returns an empty FleetState.
func NewFleetState() *FleetState {
	return &FleetState{endpoints: make(map[int][]Endpoint)}
}

// OnChange registers the function called after each Put. Only one callback
// is supported, intentionally: this keeps the coupling to a single
// downstream pipeline (Generator -> Reporter) simple.
func (f *FleetState) OnChange(fn func()) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onChange = fn
}

// Put replaces the endpoint list for one upstream index wholesale (a
// Resolver cycle's output is never merged into the previous cycle's).
func (f *FleetState) Put(upstreamIndex int, endpoints []Endpoint) {
	f.mu.Lock()
	f.endpoints[upstreamIndex] = endpoints
	f.version++
	cb := f.onChange
	f.mu.Unlock()

	if cb != nil {
		cb()
	}
}

// Snapshot returns a copy of the current fleet state and its version. The
// copy is safe for a Generator pass to iterate without holding any lock.
func (f *FleetState) Snapshot() (map[int][]Endpoint, uint64) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	out := make(map[int][]Endpoint, len(f.endpoints))
	for i, endpoints := range f.endpoints {
		cp := make([]Endpoint, len(endpoints))
		copy(cp, endpoints)
		out[i] = cp
	}
	return out, f.version
}

// UpstreamIndices returns the sorted list of upstream indices currently
// present in the snapshot, for deterministic iteration.
func UpstreamIndices(state map[int][]Endpoint) []int {
	out := make([]int, 0, len(state))
	for i := range state {
		out = append(out, i)
	}
	sort.Ints(out)
	return out
}
