package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"syscall"

	log "github.com/sirupsen/logrus"

	"github.com/netpulse-monitoring/netpulse"
)

var (
	// set on build:
	// go build -o netpulse -ldflags="-X main.version=$(git describe --always --long --dirty --tag)" github.com/netpulse-monitoring/netpulse/cmd/netpulse
	version string
)

func main() {
	cfgPathPtr := flag.String("c", netpulse.DefaultCfgPath, "config file path")
	logLevelPtr := flag.String("v", "", "log level – overrides the level in config file (values \"error\",\"info\",\"debug\")")
	oneRunOnlyModePtr := flag.Bool("r", false, "one run only – perform probes once, upload and exit")
	printConfigPtr := flag.Bool("p", false, "print the active config")
	versionPtr := flag.Bool("version", false, "show the netpulse version")

	flag.Parse()

	if *versionPtr {
		fmt.Printf("netpulse v%s\n", version)
		return
	}

	tfmt := log.TextFormatter{FullTimestamp: true}
	if runtime.GOOS == "windows" {
		tfmt.DisableColors = true
	}
	log.SetFormatter(&tfmt)

	cfg, err := netpulse.HandleAllConfigSetup(*cfgPathPtr)
	if err != nil {
		log.Fatalf("Config load error: %s", err.Error())
	}

	cfg.SetLogLevel(cfg.LogLevel)
	if *logLevelPtr != "" {
		lvl := netpulse.LogLevel(*logLevelPtr)
		if lvl.IsValid() {
			cfg.SetLogLevel(lvl)
		} else {
			log.Warnf("Invalid log level: \"%s\". Set to default: \"%s\"", lvl, cfg.LogLevel)
		}
	}

	if *printConfigPtr {
		fmt.Println(cfg.DumpToml())
		return
	}

	if cfg.HubURL == "" {
		log.Fatal("hub_url is not set in the config and NETPULSE_HUB_URL is empty")
	}
	if len(cfg.Targets) == 0 {
		log.Fatal("no [[target]] entries in the config – nothing to probe")
	}

	np := netpulse.New(version, cfg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc, syscall.SIGHUP, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigc
		log.Infof("Got %s signal, shutting down", sig.String())
		cancel()
	}()

	if *oneRunOnlyModePtr {
		if err := np.RunOnce(ctx); err != nil {
			log.Fatal(err)
		}
		np.Shutdown()
		return
	}

	if err := np.Run(ctx); err != nil {
		log.Fatal(err)
	}
}
