package docker

import (
	"errors"
	"fmt"
	"sync"

	"github.com/docker/docker/client"
)

// Clients caches one Docker API client per daemon address. The empty
// address is the local daemon configured through the DOCKER_* environment.
type Clients struct {
	mu      sync.Mutex
	clients map[string]*client.Client
	closed  bool
}

// NewClients creates an empty cache.
func NewClients() *Clients {
	return &Clients{clients: make(map[string]*client.Client)}
}

// Get returns the client for address, creating it on first use.
func (c *Clients) Get(address string) (*client.Client, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, errors.New("docker clients are closed")
	}
	if cli, ok := c.clients[address]; ok {
		return cli, nil
	}

	opts := []client.Opt{client.FromEnv, client.WithAPIVersionNegotiation()}
	if address != "" {
		opts = append(opts, client.WithHost(address))
	}
	cli, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("create docker client for %q: %w", address, err)
	}
	c.clients[address] = cli
	return cli, nil
}

// Close closes every cached client.
func (c *Clients) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	var errs []error
	for address, cli := range c.clients {
		if err := cli.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close docker client %q: %w", address, err))
		}
	}
	clear(c.clients)
	return errors.Join(errs...)
}
