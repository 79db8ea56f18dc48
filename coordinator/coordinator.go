package coordinator

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

var log = logrus.WithField("prefix", "coordinator")

// ErrLockKeepAlive is returned when a held lease could not be refreshed in
// time. Per spec.md §4.7, this is fatal to the ingestion loop: no further
// writes may occur once it is returned.
var ErrLockKeepAlive = errors.New("coordinator: lease keep-alive failed")

// Coordinator holds the ingestion leader lease and refreshes it on a
// schedule strictly faster than its TTL, generalizing the lock-at-open
// idiom of beacon-chain/db/kv.go (a single process-lifetime flock) to a
// renewable, revocable lease shared across replicas via CoordKV.
type Coordinator struct {
	kv       CoordKV
	key      string
	holder   string
	ttl      time.Duration
	token    string
	acquired bool
}

// New returns a Coordinator that will contend for the ingestion lease
// identified by key, under the given holder identity and lease TTL.
func New(kv CoordKV, key, holder string, ttl time.Duration) *Coordinator {
	return &Coordinator{kv: kv, key: key, holder: holder, ttl: ttl}
}

// Acquire makes a single attempt to take the ingestion lease, failing
// immediately if another replica currently holds it, per spec.md's "fail if
// held by another replica" (not block-until-free).
func (c *Coordinator) Acquire(ctx context.Context) error {
	token, err := c.kv.AcquireLease(ctx, c.key, c.holder, c.ttl)
	if err != nil {
		return errors.Wrap(err, "coordinator: lease held by another replica")
	}
	c.token = token
	c.acquired = true
	log.WithField("holder", c.holder).Info("acquired ingestion lease")
	return nil
}

// Refresh renews the held lease. It must be called before every tick, at a
// rate strictly faster than the TTL; failure is fatal and the caller must
// stop performing writes.
func (c *Coordinator) Refresh(ctx context.Context) error {
	if !c.acquired {
		return errors.New("coordinator: Refresh called without a held lease")
	}
	if err := c.kv.RenewLease(ctx, c.key, c.token, c.ttl); err != nil {
		c.acquired = false
		return errors.Wrap(ErrLockKeepAlive, err.Error())
	}
	return nil
}

// Release gives up the lease, e.g. on clean shutdown.
func (c *Coordinator) Release(ctx context.Context) error {
	if !c.acquired {
		return nil
	}
	err := c.kv.ReleaseLease(ctx, c.key, c.token)
	c.acquired = false
	if err != nil {
		return errors.Wrap(err, "coordinator: could not release lease")
	}
	return nil
}

// Held reports whether this Coordinator currently believes it holds the
// lease. It does not itself detect external expiry; callers learn of lease
// loss from a failed Refresh.
func (c *Coordinator) Held() bool {
	return c.acquired
}
