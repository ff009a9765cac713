package resolver

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestJitterIsWithinBounds(t *testing.T) {
	interval := 10 * time.Second
	lo := interval * 4 / 5
	hi := interval * 6 / 5

	for i := 0; i < 2000; i++ {
		j := jitter(interval)
		assert.GreaterOrEqual(t, j, lo)
		assert.LessOrEqual(t, j, hi)
	}
}

func TestJitterCoversBothHalvesOfRange(t *testing.T) {
	interval := 10 * time.Second
	mid := interval
	var below, above int
	for i := 0; i < 2000; i++ {
		j := jitter(interval)
		if j < mid {
			below++
		} else if j > mid {
			above++
		}
	}
	// A uniform distribution over [4/5, 6/5] should land on both sides of
	// the midpoint with some regularity; this is a loose sanity check, not
	// a statistical proof.
	assert.Greater(t, below, 100)
	assert.Greater(t, above, 100)
}

type stubDNS struct {
	addrs []net.IPAddr
	err   error
}

func (s stubDNS) LookupIPAddr(ctx context.Context, host string) ([]net.IPAddr, error) {
	return s.addrs, s.err
}

func TestPollOnceEmptyOnDNSFailure(t *testing.T) {
	r := &Resolver{dns: stubDNS{err: assertErr{}}, log: testLogger()}
	endpoints := r.pollOnce(context.Background(), testUpstream(), testLogger())
	assert.Nil(t, endpoints)
}

func TestPollOnceEmptyWhenNoAddrsReturned(t *testing.T) {
	r := &Resolver{dns: stubDNS{addrs: nil}, log: testLogger()}
	endpoints := r.pollOnce(context.Background(), testUpstream(), testLogger())
	assert.Nil(t, endpoints)
}

type assertErr struct{}

func (assertErr) Error() string { return "lookup failed" }
