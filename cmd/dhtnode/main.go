// Command dhtnode runs one participant in the overlay described by
// spec.md: it binds the main and firewall-probe listeners, optionally
// bootstraps through a known seed, and then just keeps the routing
// table warm until terminated.
package main

import (
	"encoding/hex"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"

	logging "github.com/ipfs/go-log"
	"github.com/urfave/cli/v2"

	"github.com/dht3k/kaddht/internal/params"
	"github.com/dht3k/kaddht/internal/transport"
	"github.com/dht3k/kaddht/node"
)

var log = logging.Logger("dhtnode")

func main() {
	app := &cli.App{
		Name:  "dhtnode",
		Usage: "run a node in the overlay",
		Flags: []cli.Flag{
			&cli.IntFlag{Name: "port", Value: params.DefaultPort, Usage: "main listener port (the probe listener binds port+1)"},
			&cli.StringFlag{Name: "network-id", Usage: "64 hex-char network id; defaults to the built-in public overlay id"},
			&cli.StringFlag{Name: "bootstrap-host", Usage: "hostname or IP of a seed peer"},
			&cli.IntFlag{Name: "bootstrap-port", Usage: "port of the seed peer"},
			&cli.StringFlag{Name: "bind-v4", Value: "0.0.0.0", Usage: "IPv4 bind address"},
			&cli.StringFlag{Name: "bind-v6", Value: "::", Usage: "IPv6 bind address"},
			&cli.StringFlag{Name: "public-v4", Usage: "explicit public IPv4 address, if known"},
			&cli.StringFlag{Name: "public-v6", Usage: "explicit public IPv6 address, if known"},
			&cli.StringFlag{Name: "cert", Required: true, Usage: "PEM client/server certificate"},
			&cli.StringFlag{Name: "key", Required: true, Usage: "PEM private key matching --cert"},
			&cli.StringFlag{Name: "ca", Required: true, Usage: "PEM CA bundle trusted for peer certificates"},
			&cli.BoolFlag{Name: "upnp", Usage: "attempt a UPnP port mapping for both listeners"},
			&cli.BoolFlag{Name: "allow-private-net", Usage: "disable the bogon/private-range peer filter, for local testing"},
		},
		Action: run,
	}
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "dhtnode:", err)
		os.Exit(1)
	}
}

func run(c *cli.Context) error {
	cfg := params.Default()
	cfg.Port = c.Int("port")
	cfg.TryUPnP = c.Bool("upnp")
	cfg.AllowPrivateNet = c.Bool("allow-private-net")
	if raw := c.String("network-id"); raw != "" {
		b, err := hex.DecodeString(raw)
		if err != nil || len(b) != params.IDBytes {
			return fmt.Errorf("--network-id must be %d hex bytes", params.IDBytes)
		}
		copy(cfg.NetworkID[:], b)
	}

	material, err := loadTLSMaterial(c.String("cert"), c.String("key"), c.String("ca"))
	if err != nil {
		return fmt.Errorf("loading tls material: %w", err)
	}

	var publicV4, publicV6 net.IP
	if s := c.String("public-v4"); s != "" {
		if publicV4 = net.ParseIP(s); publicV4 == nil {
			return fmt.Errorf("--public-v4 %q is not an IP", s)
		}
	}
	if s := c.String("public-v6"); s != "" {
		if publicV6 = net.ParseIP(s); publicV6 == nil {
			return fmt.Errorf("--public-v6 %q is not an IP", s)
		}
	}

	n, err := node.New(cfg, publicV4, publicV6, material)
	if err != nil {
		return fmt.Errorf("constructing node: %w", err)
	}
	if err := n.Start(c.String("bind-v4"), c.String("bind-v6")); err != nil {
		return fmt.Errorf("starting listeners: %w", err)
	}
	defer n.Close()
	log.Infof("node %s listening on port %d (probe %d)", n.ID(), cfg.Port, cfg.Port+1)

	if host := c.String("bootstrap-host"); host != "" {
		if err := n.Bootstrap(host, c.Int("bootstrap-port")); err != nil {
			return fmt.Errorf("bootstrap: %w", err)
		}
		log.Infof("bootstrap complete")
	}
	n.StartMaintenance()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	log.Infof("shutting down")
	return nil
}

func loadTLSMaterial(certPath, keyPath, caPath string) (*transport.TLSMaterial, error) {
	cert, err := os.ReadFile(certPath)
	if err != nil {
		return nil, err
	}
	key, err := os.ReadFile(keyPath)
	if err != nil {
		return nil, err
	}
	ca, err := os.ReadFile(caPath)
	if err != nil {
		return nil, err
	}
	return transport.LoadTLSMaterial(cert, key, ca)
}
