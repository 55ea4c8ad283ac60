package store

import (
	"context"
	"fmt"

	consulapi "github.com/hashicorp/consul/api"

	"github.com/cilium/consul-ipam/internal/ipamerr"
)

// Consul implements Store over a real Consul agent, grounded on the
// hashicorp/consul/api session and KV clients (the same client found
// vendored into moby/libnetwork's consul discovery backend): session
// lifecycle through Client.Session(), key-value operations through
// Client.KV(), and leader health through Client.Status().
type Consul struct {
	client *consulapi.Client
}

// Config carries the subset of Consul client configuration consul-ipam
// exposes to operators.
type Config struct {
	Address string
	Scheme  string
	Token   string
}

// NewConsul builds a Consul-backed Store from cfg.
func NewConsul(cfg Config) (*Consul, error) {
	apiCfg := consulapi.DefaultConfig()
	if cfg.Address != "" {
		apiCfg.Address = cfg.Address
	}
	if cfg.Scheme != "" {
		apiCfg.Scheme = cfg.Scheme
	}
	if cfg.Token != "" {
		apiCfg.Token = cfg.Token
	}

	client, err := consulapi.NewClient(apiCfg)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ipamerr.ErrStoreUnavailable, err)
	}
	return &Consul{client: client}, nil
}

func (c *Consul) Ping(ctx context.Context) error {
	_, err := c.client.Status().Leader()
	if err != nil {
		return fmt.Errorf("%w: %s", ipamerr.ErrStoreUnavailable, err)
	}
	return nil
}

func (c *Consul) SessionCreate(ctx context.Context, name string, ttl int, behavior SessionBehavior) (string, error) {
	entry := &consulapi.SessionEntry{
		Name:     name,
		TTL:      fmt.Sprintf("%ds", ttl),
		Behavior: string(behavior),
	}
	id, _, err := c.client.Session().Create(entry, nil)
	if err != nil {
		return "", fmt.Errorf("%w: creating session %q: %s", ipamerr.ErrStoreUnavailable, name, err)
	}
	return id, nil
}

func (c *Consul) SessionRenew(ctx context.Context, id string) error {
	entry, _, err := c.client.Session().Renew(id, nil)
	if err != nil {
		return fmt.Errorf("%w: %s", ipamerr.ErrStoreUnavailable, err)
	}
	if entry == nil {
		// The store no longer knows about this session: it has expired.
		return ipamerr.ErrSessionLost
	}
	return nil
}

func (c *Consul) SessionDestroy(ctx context.Context, id string) error {
	_, err := c.client.Session().Destroy(id, nil)
	if err != nil {
		return fmt.Errorf("%w: destroying session %q: %s", ipamerr.ErrStoreUnavailable, id, err)
	}
	return nil
}

func (c *Consul) List(ctx context.Context, prefix string) ([]KV, error) {
	pairs, _, err := c.client.KV().List(prefix, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: listing %q: %s", ipamerr.ErrStoreUnavailable, prefix, err)
	}
	out := make([]KV, 0, len(pairs))
	for _, p := range pairs {
		out = append(out, KV{Key: p.Key, Value: string(p.Value)})
	}
	return out, nil
}

func (c *Consul) Get(ctx context.Context, key string) (string, bool, error) {
	pair, _, err := c.client.KV().Get(key, nil)
	if err != nil {
		return "", false, fmt.Errorf("%w: getting %q: %s", ipamerr.ErrStoreUnavailable, key, err)
	}
	if pair == nil {
		return "", false, nil
	}
	return string(pair.Value), true, nil
}

func (c *Consul) Acquire(ctx context.Context, key, value, sessionID string) (bool, error) {
	pair := &consulapi.KVPair{
		Key:     key,
		Value:   []byte(value),
		Session: sessionID,
	}
	ok, _, err := c.client.KV().Acquire(pair, nil)
	if err != nil {
		return false, fmt.Errorf("%w: acquiring %q: %s", ipamerr.ErrStoreUnavailable, key, err)
	}
	return ok, nil
}

func (c *Consul) Release(ctx context.Context, key, sessionID string) error {
	pair := &consulapi.KVPair{
		Key:     key,
		Session: sessionID,
	}
	_, _, err := c.client.KV().Release(pair, nil)
	if err != nil {
		return fmt.Errorf("%w: releasing %q: %s", ipamerr.ErrReleaseFailed, key, err)
	}
	return nil
}

func (c *Consul) Delete(ctx context.Context, key string) error {
	_, err := c.client.KV().Delete(key, nil)
	if err != nil {
		return fmt.Errorf("%w: deleting %q: %s", ipamerr.ErrReleaseFailed, key, err)
	}
	return nil
}
