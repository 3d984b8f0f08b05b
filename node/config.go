package node

import (
	"os"
	"time"

	"golang.org/x/xerrors"
	"gopkg.in/yaml.v3"

	"github.com/privml/trishare/field"
)

// ServerEntry names one server of the cluster.
type ServerEntry struct {
	Name    string `yaml:"name"`
	Address string `yaml:"address"`
}

// ClusterConfig is the YAML cluster description shared by the three servers
// and by clients. The modulus and fixed-point scale are deliberately part of
// the configuration: they must be sized for the model's accumulated dynamic
// range (see field.Field).
type ClusterConfig struct {
	Servers          []ServerEntry `yaml:"servers"`
	Modulus          uint64        `yaml:"modulus"`
	FracBits         uint          `yaml:"fracBits"`
	RoundTimeoutMs   int           `yaml:"roundTimeoutMs"`
	TriplePool       int           `yaml:"triplePool"`
	OnDemandTriples  bool          `yaml:"onDemandTriples"`
	TripleBackend    string        `yaml:"tripleBackend"`
	QueueSize        int           `yaml:"queueSize"`
	RequireSignature bool          `yaml:"requireSignature"`
	AllowedClients   []string      `yaml:"allowedClients"`
}

// LoadClusterConfig reads and validates a cluster file.
func LoadClusterConfig(path string) (*ClusterConfig, error) {
	buf, err := os.ReadFile(path)
	if err != nil {
		return nil, xerrors.Errorf("read cluster config: %w", err)
	}
	var cfg ClusterConfig
	if err := yaml.Unmarshal(buf, &cfg); err != nil {
		return nil, xerrors.Errorf("parse cluster config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks cluster-wide invariants.
func (c *ClusterConfig) Validate() error {
	if len(c.Servers) != NumParties {
		return xerrors.Errorf("cluster needs exactly %d servers, got %d", NumParties, len(c.Servers))
	}
	f := c.FieldConfig()
	if err := f.Validate(); err != nil {
		return err
	}
	return nil
}

// FieldConfig returns the configured field, falling back to defaults. A
// pinned modulus takes fracBits verbatim, so integer-only rings (fracBits 0,
// required by the bfv backend) are expressible.
func (c *ClusterConfig) FieldConfig() field.Field {
	if c.Modulus != 0 {
		return field.Field{Modulus: c.Modulus, FracBits: c.FracBits}
	}
	f := field.Default()
	if c.FracBits != 0 {
		f.FracBits = c.FracBits
	}
	return f
}

// RoundTimeout returns the configured bound on round waits.
func (c *ClusterConfig) RoundTimeout() time.Duration {
	if c.RoundTimeoutMs <= 0 {
		return time.Second * 5
	}
	return time.Duration(c.RoundTimeoutMs) * time.Millisecond
}

// Addresses returns the server addresses in cluster order.
func (c *ClusterConfig) Addresses() []string {
	addrs := make([]string, len(c.Servers))
	for i, s := range c.Servers {
		addrs[i] = s.Address
	}
	return addrs
}

// Configuration builds a node Configuration for the server at index. The
// socket, registry and randomness source are supplied by the caller.
func (c *ClusterConfig) Configuration(index int) (Configuration, error) {
	if index < 0 || index >= len(c.Servers) {
		return Configuration{}, xerrors.Errorf("server index %d out of range", index)
	}

	allowed := map[string]struct{}{}
	for _, a := range c.AllowedClients {
		allowed[a] = struct{}{}
	}

	backend := c.TripleBackend
	if backend == "" {
		backend = "exchange"
	}
	queueSize := c.QueueSize
	if queueSize <= 0 {
		queueSize = 64
	}

	return Configuration{
		Servers:          c.Addresses(),
		Index:            index,
		Field:            c.FieldConfig(),
		Rand:             field.CryptoSource,
		RoundTimeout:     c.RoundTimeout(),
		TriplePool:       c.TriplePool,
		OnDemandTriples:  c.OnDemandTriples,
		TripleBackend:    backend,
		QueueSize:        queueSize,
		RequireSignature: c.RequireSignature,
		AllowedClients:   allowed,
	}, nil
}
