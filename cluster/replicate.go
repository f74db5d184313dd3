package cluster

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/time/rate"

	"github.com/xet7/jmap-server/core"
	"github.com/xet7/jmap-server/docstore"
)

// maxFetchBatch bounds one catch-up fetch.
const maxFetchBatch = 256

// catchupRate bounds catch-up batches per second per node, so a
// resynchronizing peer does not starve foreground commits.
var catchupLimiter = rate.NewLimiter(rate.Limit(50), 10)

// Broadcast pushes a locally committed entry to every live peer. Push is
// best effort; a missed push is repaired by heartbeat anti-entropy.
func (n *Node) Broadcast(entry *docstore.LogEntry) {
	n.mu.Lock()
	ids := make([]string, 0, len(n.members))
	for id, m := range n.members {
		if m.State == StateActive || m.State == StateJoining {
			ids = append(ids, id)
		}
	}
	n.mu.Unlock()

	for _, id := range ids {
		id := id
		n.launch(func() {
			client, err := n.clientFor(id)
			if err != nil {
				return
			}
			if err := client.call("Cluster.Apply", entry, nil); err != nil {
				if !errors.Is(err, docstore.ErrSeqGap) {
					n.logger.Debug("push failed", "peer", id, "seq", entry.Seq, "error", err)
					n.dropConn(id)
				}
				// On a gap the receiver repairs itself via catch-up.
			}
		})
	}
}

// syncFromVV compares a peer's applied vector with ours and starts a
// catch-up for every origin the peer is ahead on.
func (n *Node) syncFromVV(peerID string, peerVV core.VersionVector) {
	local := n.store.VersionVector()
	for origin, seq := range peerVV {
		if origin == n.store.NodeID() {
			continue
		}
		if seq > local.Get(origin) {
			n.startCatchup(origin, peerID)
		}
	}
}

// requestCatchup repairs a detected gap for origin by pulling from any
// peer known to be ahead, preferring the origin itself.
func (n *Node) requestCatchup(origin string) {
	n.mu.Lock()
	source := ""
	if m, ok := n.members[origin]; ok && m.State != StateRemoved {
		source = origin
	} else {
		applied := uint64(n.store.Applied(origin))
		for id, m := range n.members {
			if m.State != StateRemoved && m.Acked.Get(origin) > applied {
				source = id
				break
			}
		}
	}
	n.mu.Unlock()
	if source == "" {
		return
	}
	n.startCatchup(origin, source)
}

// startCatchup launches one catch-up worker per origin; concurrent
// triggers for the same origin coalesce.
func (n *Node) startCatchup(origin, fromPeer string) {
	n.catchupMu.Lock()
	if n.catchup[origin] {
		n.catchupMu.Unlock()
		return
	}
	n.catchup[origin] = true
	n.catchupMu.Unlock()

	launched := n.launch(func() {
		defer func() {
			n.catchupMu.Lock()
			delete(n.catchup, origin)
			n.catchupMu.Unlock()
		}()
		if err := n.catchUp(origin, fromPeer); err != nil {
			n.logger.Warn("catch-up failed", "origin", origin, "from", fromPeer, "error", err)
		}
	})
	if !launched {
		n.catchupMu.Lock()
		delete(n.catchup, origin)
		n.catchupMu.Unlock()
	}
}

// catchUp replays origin's log from fromPeer until this node is caught
// up. Transient fetch failures retry with exponential backoff.
func (n *Node) catchUp(origin, fromPeer string) error {
	bo := backoff.WithContext(backoff.NewExponentialBackOff(
		backoff.WithInitialInterval(100*time.Millisecond),
		backoff.WithMaxInterval(5*time.Second),
		backoff.WithMaxElapsedTime(2*time.Minute),
	), n.ctx)

	fetched := 0
	err := backoff.Retry(func() error {
		for {
			if err := catchupLimiter.Wait(n.ctx); err != nil {
				return backoff.Permanent(err)
			}

			client, err := n.clientFor(fromPeer)
			if err != nil {
				return err
			}
			var resp fetchResponse
			err = client.call("Cluster.Fetch", fetchRequest{
				Origin: origin,
				After:  n.store.Applied(origin),
				Limit:  maxFetchBatch,
			}, &resp)
			if err != nil {
				n.dropConn(fromPeer)
				return err
			}
			if len(resp.Entries) == 0 {
				return nil // caught up
			}
			for _, entry := range resp.Entries {
				if err := n.store.Apply(n.ctx, entry); err != nil {
					// A gap inside a fetched batch means the source
					// pruned past our position; nothing to retry.
					return backoff.Permanent(err)
				}
			}
			fetched += len(resp.Entries)
		}
	}, bo)
	if err != nil {
		return err
	}
	if fetched > 0 {
		n.logger.Info("catch-up complete", "origin", origin, "from", fromPeer, "entries", fetched)
	}
	return nil
}

// AckFloor returns the lowest local sequence number every non-removed
// peer has acknowledged. Log entries and released blobs at or below the
// floor are safe to reclaim; a lone node's floor is its own max.
func (n *Node) AckFloor() core.SeqNum {
	floor := n.store.MaxSeq()
	self := n.store.NodeID()

	n.mu.Lock()
	defer n.mu.Unlock()
	for _, m := range n.members {
		if m.State == StateRemoved {
			continue
		}
		if acked := core.SeqNum(m.Acked.Get(self)); acked < floor {
			floor = acked
		}
	}
	return floor
}

// Compact prunes the local mutation log and sweeps released blobs up to
// the acknowledged floor.
func (n *Node) Compact(ctx context.Context) error {
	floor := n.AckFloor()
	if _, err := n.store.PruneLog(floor); err != nil {
		return err
	}
	_, err := n.store.SweepBlobs(ctx, floor)
	return err
}
