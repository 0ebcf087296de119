// Command pftablesd runs the rule-broker daemon for one address
// family: ipv4 (iptables) or ipv6 (ip6tables). It runs in the
// foreground; daemonization is left to the process supervisor that
// starts it (systemd, runit, ...), not hand-rolled here.
package main

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"grimm.is/pftablesd/internal/config"
	"grimm.is/pftablesd/internal/daemon"
	"grimm.is/pftablesd/internal/logging"
	"grimm.is/pftablesd/internal/ruletables"
	"grimm.is/pftablesd/internal/worker"
)

func main() {
	family := flag.String("family", "ipv4", `address family to serve ("ipv4" or "ipv6")`)
	configPath := flag.String("config", config.DefaultPath, "path to the daemon's INI configuration file")
	flag.Parse()

	if err := run(*family, *configPath); err != nil {
		fmt.Fprintln(os.Stderr, "pftablesd:", err)
		os.Exit(1)
	}
}

func run(familyName, configPath string) error {
	cfg := config.Load(configPath, familyName)

	level := logging.LevelInfo
	if cfg.Debug {
		level = logging.LevelDebug
	}
	log := logging.New(logging.Config{Level: level, JSON: false})
	logging.SetDefault(log)

	family := ruletables.AddressFamily(familyName)
	spec, ok := worker.DefaultSpecs()[familyName]
	if !ok {
		return fmt.Errorf("unknown address family %q", familyName)
	}

	w := worker.New(familyName, spec, nil, log)
	cache := ruletables.NewCache()
	srv := daemon.New(family, cache, w, log)

	if err := srv.Listen(); err != nil {
		var already *daemon.AlreadyRunning
		if errors.As(err, &already) {
			log.Info("already running, not starting", "family", familyName)
			return nil
		}
		return err
	}

	serveErr := make(chan error, 1)
	go func() { serveErr <- srv.Serve() }()

	log.Info("pftablesd started", "family", familyName, "socket", daemon.SocketName(family))

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	select {
	case <-stop:
		log.Info("shutting down", "family", familyName)
		if err := srv.Shutdown(); err != nil {
			return err
		}
		return <-serveErr
	case err := <-serveErr:
		return err
	}
}
