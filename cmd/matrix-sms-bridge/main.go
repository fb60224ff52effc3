// Copyright 2024-2026 Aiku AI

// Command matrix-sms-bridge is a Matrix application service that bridges
// chat rooms and SMS. Room messages are forwarded to the phone numbers
// represented in the room, inbound SMS are correlated back to the right room
// through per-user mapping tokens, and an in-room command can open new
// conversations with arbitrary numbers.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	flag "maunium.net/go/mauflag"

	"github.com/aiku/matrix-sms-bridge/pkg/bridge"
	"github.com/aiku/matrix-sms-bridge/pkg/smsgateway"
)

// These are filled at build time with -ldflags.
var (
	Tag       = "unknown"
	Commit    = "unknown"
	BuildTime = "unknown"
)

var (
	configPath  = flag.MakeFull("c", "config", "Path to the config file", "config.yaml").String()
	generateCfg = flag.MakeFull("e", "generate-example-config", "Write the example config to the config path and exit", "false").Bool()
	version     = flag.MakeFull("v", "version", "Print the version and exit", "false").Bool()
	wantHelp, _ = flag.MakeHelpFlag()
)

func main() {
	flag.SetHelpTitles(
		"matrix-sms-bridge - A Matrix-SMS bridge",
		"matrix-sms-bridge [-c <path>] [-e] [-v]")
	if err := flag.Parse(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		flag.PrintHelp()
		os.Exit(1)
	} else if *wantHelp {
		flag.PrintHelp()
		return
	} else if *version {
		fmt.Printf("matrix-sms-bridge %s (%s, built %s)\n", Tag, Commit, BuildTime)
		return
	}

	if *generateCfg {
		if err := os.WriteFile(*configPath, []byte(bridge.ExampleConfig), 0o600); err != nil {
			fmt.Fprintln(os.Stderr, "Failed to write example config:", err)
			os.Exit(1)
		}
		fmt.Println("Wrote example config to", *configPath)
		return
	}

	cfg, err := bridge.LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "Failed to load config:", err)
		os.Exit(2)
	}
	log, err := cfg.Logging.Compile()
	if err != nil {
		fmt.Fprintln(os.Stderr, "Failed to configure logging:", err)
		os.Exit(2)
	}

	transport := smsgateway.NewClient(cfg.Gateway.Endpoint, cfg.Gateway.Token, *log)
	br, err := bridge.New(cfg, transport, *log)
	if err != nil {
		fmt.Fprintln(os.Stderr, "Failed to initialize bridge:", err)
		os.Exit(3)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err = br.Start(ctx); err != nil {
		br.Log.Fatal().Err(err).Msg("Failed to start bridge")
	}

	<-ctx.Done()
	br.Stop()
}
