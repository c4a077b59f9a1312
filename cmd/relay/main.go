// Relay is the signaling server the call clients register with. It routes
// call:offer, call:signal and call:end frames between connected users and
// serves the ICE server list on /ice.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/pterm/pterm"

	"github.com/1ureka/p2pcall/internal/config"
	"github.com/1ureka/p2pcall/internal/ice"
	"github.com/1ureka/p2pcall/internal/relay"
	"github.com/1ureka/p2pcall/internal/util"
)

var version = "dev"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.LoadRelay()
	if err != nil {
		util.LogError("%v", err)
		os.Exit(1)
	}

	flag.StringVar(&cfg.Addr, "addr", cfg.Addr, "Listen address")
	flag.BoolVar(&cfg.Debug, "debug", cfg.Debug, "Enable debug logging")
	flag.Parse()

	if cfg.Debug {
		util.EnableDebug()
	}

	pterm.Info.Println(fmt.Sprintf("p2pcall relay v%s", version))
	pterm.Println()

	srv := relay.NewServer(relay.NewHub(), relay.ServerOptions{
		AllowedOrigins: cfg.AllowedOrigins,
		ICEServers:     iceServers(cfg),
	})

	addr, err := srv.Start(cfg.Addr)
	if err != nil {
		util.LogError("failed to start relay: %v", err)
		os.Exit(1)
	}
	util.LogSuccess("relay listening on ws://%s/ws", addr)

	<-ctx.Done()
	util.LogInfo("shutting down")
	if err := srv.Close(); err != nil {
		util.LogWarning("close: %v", err)
	}
}

// iceServers builds the list served on /ice. With nothing configured the
// public STUN defaults are used.
func iceServers(cfg *config.Relay) []ice.Server {
	var servers []ice.Server
	if len(cfg.STUNURLs) > 0 {
		servers = append(servers, ice.Server{URLs: cfg.STUNURLs})
	}
	if len(cfg.TURNURLs) > 0 {
		servers = append(servers, ice.Server{
			URLs:       cfg.TURNURLs,
			Username:   cfg.TURNUser,
			Credential: cfg.TURNPassword,
		})
	}
	if len(servers) == 0 {
		return ice.DefaultServers
	}
	return servers
}
