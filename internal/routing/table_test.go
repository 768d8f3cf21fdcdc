package routing

import (
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dht3k/kaddht/internal/id"
	"github.com/dht3k/kaddht/internal/params"
	"github.com/dht3k/kaddht/internal/peerrecord"
)

func testPeer(t *testing.T, port int) peerrecord.Record {
	t.Helper()
	return peerrecord.New(port, id.MustRandomID(), net.ParseIP("203.0.113.1"), nil, false)
}

func TestNoSelfInsert(t *testing.T) {
	local := id.MustRandomID()
	tbl := New(local, nil, nil)
	self := peerrecord.New(7339, local, net.ParseIP("203.0.113.1"), nil, false)
	tbl.Insert(self, false)
	assert.Equal(t, 0, tbl.Size())
}

func TestBucketPlacementInvariant(t *testing.T) {
	local := id.MustRandomID()
	tbl := New(local, nil, nil)
	for i := 0; i < 50; i++ {
		tbl.Insert(testPeer(t, 7339+i), false)
	}
	for b, bk := range tbl.buckets {
		for _, p := range bk.peers {
			assert.Equal(t, b, id.BucketIndex(local, p.ID))
		}
	}
}

func TestBucketBound(t *testing.T) {
	local := id.MustRandomID()
	tbl := New(local, nil, nil)
	for i := 0; i < 200; i++ {
		tbl.Insert(testPeer(t, 7339+i), false)
	}
	for b := 0; b < params.IDBits; b++ {
		assert.LessOrEqual(t, tbl.BucketLen(b), params.K)
	}
}

func TestEvictionPolicySolicitedInsertsAtQuarter(t *testing.T) {
	local := id.MustRandomID()
	var pinged []peerrecord.Record
	tbl := New(local, func(target peerrecord.Record, rpcID id.ID) {
		pinged = append(pinged, target)
	}, nil)

	// The top bucket (index IDBits-1) holds every peer whose id differs
	// from local in its most significant bit — about half of all random
	// ids — so it is the cheap one to fill by rejection sampling.
	b := params.IDBits - 1
	fill := make([]peerrecord.Record, 0, params.K)
	for len(fill) < params.K {
		p := testPeer(t, 7339+len(fill))
		if id.BucketIndex(local, p.ID) != b {
			continue
		}
		fill = append(fill, p)
		tbl.Insert(p, false)
	}
	require.Equal(t, params.K, tbl.BucketLen(b))

	// Unsolicited overflow: pings the head, appends newcomer at tail.
	var overflow peerrecord.Record
	for {
		p := testPeer(t, 9000)
		if id.BucketIndex(local, p.ID) == b {
			overflow = p
			break
		}
	}
	head := fill[0]
	tbl.Insert(overflow, false)
	require.Len(t, pinged, 1)
	assert.Equal(t, head.ID, pinged[0].ID)
	assert.Equal(t, params.K, tbl.BucketLen(b)) // head popped, newcomer appended

	// Solicited insert of another new peer lands at K/4 from head.
	var solicited peerrecord.Record
	for {
		p := testPeer(t, 9500)
		if id.BucketIndex(local, p.ID) == b {
			solicited = p
			break
		}
	}
	tbl.Insert(solicited, true)
	peers := tbl.buckets[b].snapshot()
	assert.Equal(t, solicited.ID, peers[params.K/4].ID)
}

func TestFirewallPenaltyOrdering(t *testing.T) {
	local := id.MustRandomID()
	tbl := New(local, nil, nil)
	key := id.MustRandomID()

	fw := testPeer(t, 7339)
	wc := testPeer(t, 7340)
	wc.WellConnected = true
	// Ensure fw is strictly closer in raw XOR distance: exact distances
	// can't be forced with random ids, so swap the two peers (and their
	// flags) whenever the random draw made wc the closer one.
	if id.DistanceInt(key, fw.ID).Cmp(id.DistanceInt(key, wc.ID)) >= 0 {
		fw, wc = wc, fw
		fw.WellConnected = false
		wc.WellConnected = true
	}
	tbl.Insert(fw, false)
	tbl.Insert(wc, true)

	nearest := tbl.NearestPeers(key, 1)
	require.Len(t, nearest, 1)
	assert.Equal(t, wc.ID, nearest[0].ID)
}

func TestMergeOnReinsertKeepsOldAddressFamily(t *testing.T) {
	local := id.MustRandomID()
	tbl := New(local, nil, nil)
	nodeID := id.MustRandomID()
	first := peerrecord.New(7339, nodeID, net.ParseIP("203.0.113.1"), net.ParseIP("2001:db8::1"), false)
	tbl.Insert(first, false)

	second := peerrecord.New(7339, nodeID, net.ParseIP("203.0.113.2"), nil, false)
	tbl.Insert(second, false)

	got, ok := tbl.Get(nodeID)
	require.True(t, ok)
	assert.True(t, got.V4.Equal(net.ParseIP("203.0.113.2")))
	assert.True(t, got.V6.Equal(net.ParseIP("2001:db8::1")))
}
