// P2pcall is the interactive call client.
//
// It registers with a relay server under a user id, then places and answers
// one-to-one audio/video calls from console commands. Media flows directly
// between the peers over WebRTC once the relay has carried the signaling.
//
// Settings come from P2PCALL_* environment variables (or a .env file); the
// flags below override them.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"

	"github.com/pterm/pterm"

	"github.com/1ureka/p2pcall/internal/app"
	"github.com/1ureka/p2pcall/internal/config"
	"github.com/1ureka/p2pcall/internal/util"
)

var version = "dev"

func main() {
	// Root context, cancelled on Ctrl+C.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	cfg, err := config.LoadClient()
	if err != nil {
		util.LogError("%v", err)
		os.Exit(1)
	}

	flag.StringVar(&cfg.RelayURL, "relay", cfg.RelayURL, "Relay WebSocket URL")
	flag.StringVar(&cfg.UserID, "user", cfg.UserID, "Your user id")
	flag.StringVar(&cfg.DisplayName, "name", cfg.DisplayName, "Display name shown to the people you call")
	flag.StringVar(&cfg.Chats, "chats", cfg.Chats, `Chat directory, e.g. "c1=alice,bob;c2=alice,carol"`)
	flag.StringVar(&cfg.VideoFile, "video", cfg.VideoFile, "IVF (VP8) file used as the camera")
	flag.StringVar(&cfg.AudioFile, "audio", cfg.AudioFile, "Ogg (Opus) file used as the microphone")
	flag.StringVar(&cfg.ICEEndpoint, "ice", cfg.ICEEndpoint, "ICE server endpoint (defaults to the relay's /ice)")
	flag.BoolVar(&cfg.AutoAnswer, "autoAnswer", cfg.AutoAnswer, "Accept incoming calls without prompting")
	flag.BoolVar(&cfg.ReplyBusy, "replyBusy", cfg.ReplyBusy, "Tell callers when you are already in a call")
	flag.BoolVar(&cfg.Debug, "debug", cfg.Debug, "Enable debug logging")
	flag.Parse()

	if cfg.Debug {
		util.EnableDebug()
	}

	pterm.Info.Println(fmt.Sprintf("p2pcall v%s", version))
	pterm.Println()

	if cfg.UserID == "" {
		cfg.UserID, _ = pterm.DefaultInteractiveTextInput.
			WithDefaultText("Your user id").
			Show()
		pterm.Println()
	}

	if err := app.Run(ctx, cfg, os.Stdin); err != nil {
		util.LogError("%v", err)
		os.Exit(1)
	}

	util.LogInfo("signed off")
}
