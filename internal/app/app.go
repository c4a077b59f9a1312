// Package app wires the relay client, media capture, ICE resolution and the
// call coordinator into the interactive call client.
package app

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"strings"

	"github.com/1ureka/p2pcall/internal/call"
	"github.com/1ureka/p2pcall/internal/config"
	"github.com/1ureka/p2pcall/internal/ice"
	"github.com/1ureka/p2pcall/internal/media"
	"github.com/1ureka/p2pcall/internal/relay"
	"github.com/1ureka/p2pcall/internal/transport"
	"github.com/1ureka/p2pcall/internal/util"
)

// Run connects to the relay as cfg.UserID and serves console commands read
// from in until ctx is cancelled, the user quits, or the relay goes away.
func Run(ctx context.Context, cfg *config.Client, in io.Reader) error {
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	chats, err := config.ParseChats(cfg.Chats)
	if err != nil {
		return err
	}

	factory, err := transport.NewFactory()
	if err != nil {
		return err
	}

	client, err := relay.Dial(ctx, cfg.RelayURL, cfg.UserID)
	if err != nil {
		return err
	}
	defer client.Close()
	util.LogSuccess("connected to relay %s as %s", cfg.RelayURL, cfg.UserID)

	coord := call.New(call.Deps{
		Relay:     client,
		Media:     &media.FileCapturer{VideoPath: cfg.VideoFile, AudioPath: cfg.AudioFile},
		ICE:       ice.NewFetcher(iceEndpoint(cfg), cfg.ICEAPIKey, cfg.ICETimeout, cfg.ICECacheTTL),
		Directory: call.NewStaticDirectory(chats),
		Connector: connector(factory),
	}, call.Options{
		SelfUserID:      cfg.UserID,
		DisplayName:     cfg.Name(),
		Avatar:          cfg.AvatarURL,
		AutoAnswer:      cfg.AutoAnswer,
		AutoAnswerDelay: cfg.AutoAnswerDelay,
		ReplyBusy:       cfg.ReplyBusy,
		Constraints:     constraints(cfg),
	})
	defer coord.Close()

	if cfg.AutoAnswer {
		util.LogWarning("auto-answer is on: incoming calls are accepted after %s without a prompt", cfg.AutoAnswerDelay)
	}
	if cfg.StatsInterval > 0 {
		util.StartStatsReporter(ctx, cfg.StatsInterval)
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-client.Done():
			util.LogError("relay connection closed")
			cancel()
		case <-runCtx.Done():
		}
	}()
	go watch(runCtx, coord.Notifications())

	return newConsole(coord).run(runCtx, in)
}

func connector(f *transport.Factory) call.Connector {
	return call.ConnectorFunc(func(ctx context.Context, opts transport.Options, events transport.Events) (call.Connection, error) {
		conn, err := f.NewConnection(ctx, opts, events)
		if err != nil {
			return nil, err
		}
		return conn, nil
	})
}

// constraints asks for the kinds that have a configured source. With no
// source at all both are requested so that capture reports why it cannot run.
func constraints(cfg *config.Client) media.Constraints {
	c := media.Constraints{Audio: cfg.AudioFile != "", Video: cfg.VideoFile != ""}
	if !c.Audio && !c.Video {
		c.Audio, c.Video = true, true
	}
	return c
}

// iceEndpoint defaults to the relay's own /ice endpoint.
func iceEndpoint(cfg *config.Client) string {
	if cfg.ICEEndpoint != "" {
		return cfg.ICEEndpoint
	}
	u, err := url.Parse(cfg.RelayURL)
	if err != nil || u.Host == "" {
		return ""
	}
	scheme := "http"
	if strings.EqualFold(u.Scheme, "wss") {
		scheme = "https"
	}
	return (&url.URL{Scheme: scheme, Host: u.Host, Path: "/ice"}).String()
}
