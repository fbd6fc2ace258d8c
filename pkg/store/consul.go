package store

import (
	"fmt"

	consulapi "github.com/hashicorp/consul/api"
)

// consulKV stores documents in Consul KV. update uses check-and-set so
// concurrent counter bumps against the same key retry instead of clobbering.
type consulKV struct {
	cli *consulapi.Client
}

// NewConsul builds a Consul-backed Store.
func NewConsul(addr string) (Store, error) {
	cfg := consulapi.DefaultConfig()
	if addr != "" {
		cfg.Address = addr
	}
	cli, err := consulapi.NewClient(cfg)
	if err != nil {
		return nil, fmt.Errorf("consul client: %w", err)
	}
	return &docStore{kv: &consulKV{cli: cli}}, nil
}

func (c *consulKV) put(key string, doc []byte) error {
	_, err := c.cli.KV().Put(&consulapi.KVPair{Key: key, Value: doc}, nil)
	return err
}

func (c *consulKV) get(key string) ([]byte, bool, error) {
	pair, _, err := c.cli.KV().Get(key, nil)
	if err != nil {
		return nil, false, err
	}
	if pair == nil {
		return nil, false, nil
	}
	return pair.Value, true, nil
}

func (c *consulKV) list(prefix string) (map[string][]byte, error) {
	pairs, _, err := c.cli.KV().List(prefix, nil)
	if err != nil {
		return nil, err
	}
	out := make(map[string][]byte, len(pairs))
	for _, p := range pairs {
		out[p.Key] = p.Value
	}
	return out, nil
}

func (c *consulKV) del(key string) error {
	_, err := c.cli.KV().Delete(key, nil)
	return err
}

func (c *consulKV) update(key string, fn func([]byte) ([]byte, error)) error {
	const attempts = 10
	for i := 0; i < attempts; i++ {
		pair, _, err := c.cli.KV().Get(key, nil)
		if err != nil {
			return err
		}
		var cur []byte
		var index uint64
		if pair != nil {
			cur = pair.Value
			index = pair.ModifyIndex
		}
		next, err := fn(cur)
		if err != nil {
			return err
		}
		ok, _, err := c.cli.KV().CAS(&consulapi.KVPair{Key: key, Value: next, ModifyIndex: index}, nil)
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
	}
	return fmt.Errorf("consul CAS on %s kept losing after %d attempts", key, attempts)
}
