package eventbus

import (
	"fmt"
	"os"
	"time"

	natsserver "github.com/nats-io/nats-server/v2/server"
)

// EmbeddedConfig configures an in-process NATS server.
type EmbeddedConfig struct {
	Host string
	// Port -1 picks a random free port.
	Port int
	// DataDir enables JetStream storage when set.
	DataDir string
}

// Embedded is an in-process NATS server.
type Embedded struct {
	server *natsserver.Server
}

// StartEmbedded starts a server and waits until it accepts connections.
func StartEmbedded(cfg EmbeddedConfig) (*Embedded, error) {
	opts := &natsserver.Options{
		Host:   cfg.Host,
		Port:   cfg.Port,
		NoLog:  true,
		NoSigs: true,
	}
	if cfg.DataDir != "" {
		if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
			return nil, fmt.Errorf("create nats data dir: %w", err)
		}
		opts.JetStream = true
		opts.StoreDir = cfg.DataDir
	}

	ns, err := natsserver.NewServer(opts)
	if err != nil {
		return nil, fmt.Errorf("create nats server: %w", err)
	}
	go ns.Start()

	if !ns.ReadyForConnections(5 * time.Second) {
		ns.Shutdown()
		return nil, fmt.Errorf("nats server not ready")
	}
	return &Embedded{server: ns}, nil
}

// ClientURL returns the URL clients connect to.
func (e *Embedded) ClientURL() string {
	return e.server.ClientURL()
}

// Close shuts the server down.
func (e *Embedded) Close() {
	e.server.Shutdown()
	e.server.WaitForShutdown()
}
