// Package discovery lets a broker find the current controller leader
// without hardwiring its address, using an etcd key both controllers
// race to claim (spec's domain-stack wiring: controller high availability
// itself rides on a lease-backed etcd key, the same primitive the
// consensus layer named in spec §1 is assumed to provide).
package discovery

import (
	"context"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	clientv3 "go.etcd.io/etcd/client/v3"
)

// LeaderKeyPrefix is the etcd key a controller leader holds, with the
// cluster name appended (e.g. "/brokerha/controller-leader/clusterA").
const LeaderKeyPrefix = "/brokerha/controller-leader/"

// LeaderWatcher resolves and tracks the current controller leader's
// address for one cluster.
type LeaderWatcher struct {
	client  *clientv3.Client
	cluster string

	current string
}

// NewLeaderWatcher wraps an already-connected etcd client.
func NewLeaderWatcher(client *clientv3.Client, cluster string) *LeaderWatcher {
	return &LeaderWatcher{client: client, cluster: cluster}
}

func (w *LeaderWatcher) key() string { return LeaderKeyPrefix + w.cluster }

// Current returns the last known leader address, or "" if none has been
// observed yet.
func (w *LeaderWatcher) Current() string { return w.current }

// Resolve performs a one-shot read of the current leader key.
func (w *LeaderWatcher) Resolve(ctx context.Context) (string, error) {
	var resp, err = w.client.Get(ctx, w.key())
	if err != nil {
		return "", errors.Wrap(err, "discovery: reading leader key")
	}
	if len(resp.Kvs) == 0 {
		return "", nil
	}
	w.current = string(resp.Kvs[0].Value)
	return w.current, nil
}

// Watch blocks, updating Current() as the leader key changes, until ctx
// is cancelled. onChange is invoked (best-effort; dropped updates are not
// retried) whenever the observed leader address changes.
func (w *LeaderWatcher) Watch(ctx context.Context, onChange func(leaderAddr string)) error {
	if _, err := w.Resolve(ctx); err != nil {
		return err
	}
	if w.current != "" && onChange != nil {
		onChange(w.current)
	}

	var watchCh = w.client.Watch(ctx, w.key())
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case resp, ok := <-watchCh:
			if !ok {
				return errors.New("discovery: leader watch channel closed")
			}
			if resp.Err() != nil {
				log.WithError(resp.Err()).Warn("discovery: leader watch error, retrying")
				time.Sleep(time.Second)
				watchCh = w.client.Watch(ctx, w.key())
				continue
			}
			for _, ev := range resp.Events {
				var addr string
				if ev.Type == clientv3.EventTypeDelete {
					addr = ""
				} else {
					addr = string(ev.Kv.Value)
				}
				if addr != w.current {
					w.current = addr
					if onChange != nil {
						onChange(addr)
					}
				}
			}
		}
	}
}

// CampaignForLeader attempts to claim the leader key under a lease held
// for ttl, renewing it for as long as ctx is live. It returns a channel
// that closes when leadership is lost (lease expiry, session error, or
// ctx cancellation); the caller should stop acting as leader when it
// closes.
func CampaignForLeader(ctx context.Context, client *clientv3.Client, cluster, selfAddr string, ttl time.Duration) (<-chan struct{}, error) {
	var lease, err = client.Grant(ctx, int64(ttl.Seconds()))
	if err != nil {
		return nil, errors.Wrap(err, "discovery: granting lease")
	}

	var key = LeaderKeyPrefix + cluster
	var txn = client.Txn(ctx).
		If(clientv3.Compare(clientv3.CreateRevision(key), "=", 0)).
		Then(clientv3.OpPut(key, selfAddr, clientv3.WithLease(lease.ID))).
		Else(clientv3.OpGet(key))
	var txnResp, txnErr = txn.Commit()
	if txnErr != nil {
		return nil, errors.Wrap(txnErr, "discovery: campaigning for leadership")
	}
	if !txnResp.Succeeded {
		return nil, errors.New("discovery: another controller already holds leadership")
	}

	var keepAliveCh, kaErr = client.KeepAlive(ctx, lease.ID)
	if kaErr != nil {
		return nil, errors.Wrap(kaErr, "discovery: starting lease keepalive")
	}

	var lost = make(chan struct{})
	go func() {
		defer close(lost)
		for {
			select {
			case <-ctx.Done():
				return
			case _, ok := <-keepAliveCh:
				if !ok {
					log.WithField("cluster", cluster).Warn("discovery: lost controller leadership lease")
					return
				}
			}
		}
	}()
	return lost, nil
}
