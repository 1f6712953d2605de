// Command phoenix is an operator CLI for the relay core.
//
// Usage:
//
//	phoenix devices <jid>...           Resolve the device list of accounts
//	phoenix media-conn                 Fetch the media upload descriptor
//	phoenix read <chat> <id>...        Send read receipts
//	phoenix newsletter <jid> <text>    Post a text message to a newsletter
//	phoenix privacy-tokens <jid>...    Issue trusted-contact tokens
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"

	flags "github.com/jessevdk/go-flags"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	phoenix "github.com/Exiqonbotz/phoenix-baileys"
	"github.com/Exiqonbotz/phoenix-baileys/internal/config"
)

type globalOpts struct {
	Config      string `short:"c" long:"config" description:"Comma-separated YAML config files"`
	EnvFile     string `long:"env-file" default:".env" description:"Optional .env file with PHOENIX_* variables"`
	Verbose     bool   `short:"v" long:"verbose" description:"Enable debug logging"`
	MetricsAddr string `long:"metrics-addr" description:"Serve Prometheus metrics on this address while the command runs"`

	Devices       devicesCommand       `command:"devices" description:"Resolve the device list of accounts"`
	MediaConn     mediaConnCommand     `command:"media-conn" description:"Fetch the media upload descriptor"`
	Read          readCommand          `command:"read" description:"Send read receipts for messages in a chat"`
	Newsletter    newsletterCommand    `command:"newsletter" description:"Post a text message to a newsletter"`
	PrivacyTokens privacyTokensCommand `command:"privacy-tokens" description:"Issue trusted-contact privacy tokens"`
}

var opts globalOpts

func main() {
	parser := flags.NewParser(&opts, flags.Default)
	parser.SubcommandsOptional = false

	_, err := parser.Parse()
	if err != nil {
		if flagsErr, ok := err.(*flags.Error); ok && flagsErr.Type == flags.ErrHelp {
			os.Exit(0)
		}
		os.Exit(1)
	}
}

// loadClient builds a client from the config files and environment. No
// signal repository is attached, so only unencrypted operations work.
func loadClient(ctx context.Context) *phoenix.Client {
	cfg, err := config.Load(opts.Config, opts.EnvFile)
	if err != nil {
		fatal(err)
	}
	if opts.Verbose {
		cfg.Log.Level = "debug"
		cfg.Log.Pretty = true
	}
	addr := opts.MetricsAddr
	if addr == "" {
		addr = cfg.Metrics.Addr
	}

	var copts []phoenix.Option
	if addr != "" {
		reg := prometheus.NewRegistry()
		copts = append(copts, phoenix.WithMetrics(reg))
		serveMetrics(addr, reg)
	}

	c, err := phoenix.Open(ctx, cfg, nil, copts...)
	if err != nil {
		fatal(err)
	}
	return c
}

func serveMetrics(addr string, reg *prometheus.Registry) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	go func() {
		if err := http.ListenAndServe(addr, mux); err != nil && !errors.Is(err, http.ErrServerClosed) {
			fmt.Fprintf(os.Stderr, "metrics server: %v\n", err)
		}
	}()
}

func fatal(err error) {
	fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	os.Exit(1)
}
