// Package redis shares load-balancing and dispatch state between jobhost
// processes through Redis.
package redis

import (
	"context"
	"fmt"
	"jobhost/internal/apperrors"
	"jobhost/internal/balancer"
	"jobhost/internal/jobworker"
	"strconv"
	"time"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"
)

// DefaultPrefix namespaces every key written by this package.
const DefaultPrefix = "jobhost:"

// Connect opens a client with opts and verifies it with PING.
func Connect(ctx context.Context, opts *goredis.Options) (*goredis.Client, error) {
	client := goredis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return client, nil
}

// markAssigned stores ARGV[2] under field ARGV[1] unless a later value is
// already present.
var markAssigned = goredis.NewScript(`
local cur = redis.call('HGET', KEYS[1], ARGV[1])
if cur == false or tonumber(cur) < tonumber(ARGV[2]) then
	redis.call('HSET', KEYS[1], ARGV[1], ARGV[2])
	return 1
end
return 0
`)

// AssignmentTracker keeps last-assignment times in a Redis hash so that
// round-robin selection rotates across all processes.
type AssignmentTracker struct {
	client goredis.UniversalClient
	key    string
}

// NewAssignmentTracker creates a tracker using the hash <prefix>last_assigned.
func NewAssignmentTracker(client goredis.UniversalClient, prefix string) *AssignmentTracker {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return &AssignmentTracker{client: client, key: prefix + "last_assigned"}
}

func (t *AssignmentTracker) LastAssigned(ctx context.Context, hostIDs []string) (map[string]time.Time, error) {
	out := make(map[string]time.Time, len(hostIDs))
	if len(hostIDs) == 0 {
		return out, nil
	}
	values, err := t.client.HMGet(ctx, t.key, hostIDs...).Result()
	if err != nil {
		return nil, apperrors.Internal("redis.lastAssigned", err)
	}
	for i, v := range values {
		at, ok := parseNanos(v)
		if ok {
			out[hostIDs[i]] = at
		}
	}
	return out, nil
}

func (t *AssignmentTracker) MarkAssigned(ctx context.Context, hostID string, at time.Time) error {
	err := markAssigned.Run(ctx, t.client, []string{t.key}, hostID, at.UnixNano()).Err()
	if err != nil {
		return apperrors.Internal("redis.markAssigned", err)
	}
	return nil
}

func parseNanos(v any) (time.Time, bool) {
	s, ok := v.(string)
	if !ok {
		return time.Time{}, false
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return time.Time{}, false
	}
	return time.Unix(0, n), true
}

// releaseClaim deletes KEYS[1] only when it still holds this owner's token.
var releaseClaim = goredis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
	return redis.call('DEL', KEYS[1])
end
return 0
`)

// Claimer grants dispatch claims with SET NX PX. Each Claimer has its own
// owner token, so Release never drops a claim taken by another process.
type Claimer struct {
	client goredis.UniversalClient
	prefix string
	owner  string
	ttl    time.Duration
}

// NewClaimer creates a claimer whose claims expire after ttl.
func NewClaimer(client goredis.UniversalClient, prefix string, ttl time.Duration) *Claimer {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return &Claimer{client: client, prefix: prefix + "claim:", owner: uuid.NewString(), ttl: ttl}
}

// Owner returns the token stored in claims taken by c.
func (c *Claimer) Owner() string {
	return c.owner
}

func (c *Claimer) Claim(ctx context.Context, jobID string) (bool, error) {
	ok, err := c.client.SetNX(ctx, c.prefix+jobID, c.owner, c.ttl).Result()
	if err != nil {
		return false, apperrors.Internal("redis.claim", err)
	}
	return ok, nil
}

func (c *Claimer) Release(ctx context.Context, jobID string) error {
	if err := releaseClaim.Run(ctx, c.client, []string{c.prefix + jobID}, c.owner).Err(); err != nil {
		return apperrors.Internal("redis.release", err)
	}
	return nil
}

var (
	_ balancer.AssignmentTracker = (*AssignmentTracker)(nil)
	_ jobworker.Claimer          = (*Claimer)(nil)
)
