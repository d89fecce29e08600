// MIT License
//
// Copyright (c) 2023 TTBT Enterprises LLC
// Copyright (c) 2023 Robin Thellend <rthellend@rthellend.com>
//
// Permission is hereby granted, free of charge, to any person obtaining a copy
// of this software and associated documentation files (the "Software"), to deal
// in the Software without restriction, including without limitation the rights
// to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
// copies of the Software, and to permit persons to whom the Software is
// furnished to do so, subject to the following conditions:
//
// The above copyright notice and this permission notice shall be included in all
// copies or substantial portions of the Software.
//
// THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
// IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
// FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
// AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
// LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
// OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN THE
// SOFTWARE.

// hostedauth is a hosted authentication server. Calling applications send
// their users to it, and get them back with an authorization code that can
// be redeemed for tokens. Users sign in with an OAuth provider, a passkey,
// or a password.
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/caarlos0/env/v11"

	"github.com/c2FmZQ/hostedauth/server"
)

// Version is set with -ldflags="-X main.Version=${VERSION}"
var Version = "dev"

// environment holds the defaults of the command line flags.
type environment struct {
	Config        string        `env:"HOSTEDAUTH_CONFIG"`
	Passphrase    string        `env:"HOSTEDAUTH_PASSPHRASE"`
	ShutdownGrace time.Duration `env:"HOSTEDAUTH_SHUTDOWN_GRACE_PERIOD" envDefault:"1m"`
	ReloadPeriod  time.Duration `env:"HOSTEDAUTH_CONFIG_RELOAD_PERIOD" envDefault:"30s"`
}

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var envCfg environment
	if err := env.Parse(&envCfg); err != nil {
		log.Fatalf("ERR environment: %v", err)
	}

	configFile := flag.String("config", envCfg.Config, "The config file name.")
	versionFlag := flag.Bool("v", false, "Show the version.")
	passphraseFlag := flag.String("passphrase", envCfg.Passphrase, "The passphrase that protects the master key on disk.")
	shutdownGraceFlag := flag.Duration("shutdown-grace-period", envCfg.ShutdownGrace, "The shutdown grace period.")
	reloadFlag := flag.Duration("config-reload-period", envCfg.ReloadPeriod, "How often the config file is reloaded.")
	stdoutFlag := flag.Bool("stdout", false, "Log to STDOUT.")
	flag.Parse()

	if *versionFlag {
		os.Stdout.WriteString(Version + " " + runtime.Version() + " " + runtime.GOOS + "/" + runtime.GOARCH + "\n")
		return
	}
	if *stdoutFlag {
		log.SetOutput(os.Stdout)
	}
	if *configFile == "" {
		log.Fatal("--config or $HOSTEDAUTH_CONFIG must be set")
	}
	if *passphraseFlag == "" {
		log.Fatal("--passphrase or $HOSTEDAUTH_PASSPHRASE must be set")
	}
	log.Printf("INF hostedauth %s %s %s/%s", Version, runtime.Version(), runtime.GOOS, runtime.GOARCH)
	cfg, err := server.ReadConfig(*configFile)
	if err != nil {
		log.Fatalf("ERR %v", err)
	}
	s, err := server.New(cfg, []byte(*passphraseFlag))
	if err != nil {
		log.Fatalf("FATAL %v", err)
	}
	if err := s.Start(ctx); err != nil {
		log.Fatal(err)
	}
	go configLoop(ctx, s, *configFile, *reloadFlag)

	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGINT)
	signal.Notify(ch, syscall.SIGTERM)
	sig := <-ch
	log.Printf("INF Received signal %d (%s)", sig, sig)

	ctx, canc := context.WithTimeout(ctx, *shutdownGraceFlag)
	defer canc()
	s.Shutdown(ctx)
}

func configLoop(ctx context.Context, s *server.Server, file string, period time.Duration) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-time.After(period):
		}
		cfg, err := server.ReadConfig(file)
		if err != nil {
			log.Printf("ERR %v", err)
			continue
		}
		if err := s.Reconfigure(cfg); err != nil {
			log.Printf("ERR %v", err)
		}
	}
}
