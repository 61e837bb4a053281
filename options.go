package meshnet

import "time"

// NodeOption configures a Node at construction time, in the same
// apply-to-struct style the rest of this package's construction code
// uses: each option is a small closure applied in order over the default
// NodeConfig before New returns.
type NodeOption interface {
	apply(*NodeConfig)
}

type nodeOptionFunc func(*NodeConfig)

func (f nodeOptionFunc) apply(c *NodeConfig) { f(c) }

// WithUsername sets the display name advertised in peer announces.
func WithUsername(v string) NodeOption {
	return nodeOptionFunc(func(c *NodeConfig) { c.Username = v })
}

// WithPeerId pins the local peer id instead of generating a random one.
func WithPeerId(v string) NodeOption {
	return nodeOptionFunc(func(c *NodeConfig) { c.PeerId = v })
}

// WithServiceName sets the discovery service name adapters advertise
// under and scan for.
func WithServiceName(v string) NodeOption {
	return nodeOptionFunc(func(c *NodeConfig) { c.ServiceName = v })
}

// WithDefaultTTL sets the hop budget locally originated messages start
// with when the caller doesn't specify one explicitly.
func WithDefaultTTL(v int) NodeOption {
	return nodeOptionFunc(func(c *NodeConfig) { c.DefaultTTL = v })
}

// WithAutoConnect toggles whether newly discovered peers are connected
// to automatically.
func WithAutoConnect(v bool) NodeOption {
	return nodeOptionFunc(func(c *NodeConfig) { c.AutoConnect = v })
}

// WithAutoAdvertise toggles whether the node advertises itself for
// discovery on every adapter.
func WithAutoAdvertise(v bool) NodeOption {
	return nodeOptionFunc(func(c *NodeConfig) { c.AutoAdvertise = v })
}

// WithAnnounceInterval overrides how often the node broadcasts a
// self-announce.
func WithAnnounceInterval(v time.Duration) NodeOption {
	return nodeOptionFunc(func(c *NodeConfig) { c.AnnounceInterval = v })
}
