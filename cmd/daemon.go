// Package cmd implements the process entry points: the server daemon, the
// interactive client and the model conversion step.
package cmd

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"
	"golang.org/x/xerrors"

	"github.com/privml/trishare/httpserver"
	"github.com/privml/trishare/node"
	"github.com/privml/trishare/node/impl"
	"github.com/privml/trishare/node/impl/graph"
	"github.com/privml/trishare/registry/standard"
	"github.com/privml/trishare/transport/tcp"
)

// DaemonOptions parametrize one server process.
type DaemonOptions struct {
	ConfigPath string
	Index      int
	BundlePath string

	// ExpectedDigest, when set, pins the bundle content.
	ExpectedDigest string

	// StatusAddr enables the HTTP status endpoint when non-empty.
	StatusAddr string

	// MaxRequests terminates the node after that many served requests.
	// Zero serves until the process is stopped.
	MaxRequests int
}

// StartDaemon runs one server node until SIGTERM or the request limit.
func StartDaemon(opts DaemonOptions) error {
	cfg, err := node.LoadClusterConfig(opts.ConfigPath)
	if err != nil {
		return err
	}
	conf, err := cfg.Configuration(opts.Index)
	if err != nil {
		return err
	}

	socket, err := tcp.NewTCP().CreateSocket(conf.Servers[opts.Index])
	if err != nil {
		return xerrors.Errorf("bind %s: %w", conf.Servers[opts.Index], err)
	}
	conf.Socket = socket
	conf.MessageRegistry = standard.NewRegistry()

	n, err := impl.NewNode(&conf)
	if err != nil {
		return err
	}

	bundle, err := graph.LoadBundle(opts.BundlePath)
	if err != nil {
		return err
	}
	if err := n.SetModel(bundle, opts.ExpectedDigest); err != nil {
		return err
	}

	if err := n.Start(); err != nil {
		return err
	}
	log.Info().Msgf("server %d listening on %s, model %s (digest %s)",
		opts.Index, n.GetAddr(), bundle.Model, bundle.Digest())

	var status *httpserver.Server
	if opts.StatusAddr != "" {
		status = httpserver.New(n, opts.StatusAddr)
		status.Start()
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sig
		log.Info().Msgf("server %d stopping", opts.Index)
		if status != nil {
			_ = status.Stop()
		}
		_ = n.Stop()
	}()

	return n.Run(opts.MaxRequests, nil)
}
