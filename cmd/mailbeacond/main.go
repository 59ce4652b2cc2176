package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/mailbeacon/mailbeacon/internal/compose"
	"github.com/mailbeacon/mailbeacon/internal/conf"
	"github.com/mailbeacon/mailbeacon/internal/ctlapi"
	"github.com/mailbeacon/mailbeacon/internal/hostdoc"
	"github.com/mailbeacon/mailbeacon/internal/inbox"
	"github.com/mailbeacon/mailbeacon/internal/relay"
)

func main() {
	configPath := flag.String("config", strings.TrimSpace(os.Getenv("MAILBEACON_CONFIG")), "config file path")
	spoolAttempts := flag.Int("spool-attempts", 5, "max delivery attempts per spooled registration")
	flag.Parse()

	var (
		cfg *conf.Config
		err error
	)
	if *configPath != "" {
		cfg, err = conf.LoadFile(*configPath)
	} else {
		cfg, err = conf.Load()
	}
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	backend, err := relay.BuildStateBackendFromDSN(cfg.StateDSN)
	if err != nil {
		log.Fatalf("failed to build state backend from %q: %v", cfg.StateDSN, err)
	}
	store, err := relay.NewCorrelationStore(backend, log.Default())
	if err != nil {
		log.Fatalf("failed to open correlation store: %v", err)
	}
	defer store.Close()
	if cfg.ServerURL != "" {
		if err := store.SetServerURL(cfg.ServerURL); err != nil {
			log.Fatalf("failed to set server url: %v", err)
		}
	}

	spool, err := relay.NewSpool(cfg.SpoolPath, cfg.SpoolCapacity)
	if err != nil {
		log.Fatalf("failed to open spool at %s: %v", cfg.SpoolPath, err)
	}

	rly, err := relay.New(relay.Options{
		Store:  store,
		Spool:  spool,
		Logger: log.Default(),
	})
	if err != nil {
		log.Fatalf("failed to initialize relay: %v", err)
	}

	doc, err := hostdoc.NewMaildirDocument(cfg.MaildirRoot, log.Default())
	if err != nil {
		log.Fatalf("failed to watch maildir %s: %v", cfg.MaildirRoot, err)
	}
	defer doc.Close()

	hub := ctlapi.NewFeedHub()
	api, err := ctlapi.NewServer(rly, hub)
	if err != nil {
		log.Fatalf("failed to initialize control api: %v", err)
	}

	observer, err := compose.NewObserver(compose.Options{
		Document: doc,
		Relay:    rly,
		Logger:   log.Default(),
	})
	if err != nil {
		log.Fatalf("failed to initialize compose observer: %v", err)
	}
	correlator, err := inbox.NewCorrelator(inbox.Options{
		Document: doc,
		Relay:    rly,
		Sink:     hub,
		Logger:   log.Default(),
		WarmUp:   time.Duration(cfg.WarmUpDelay),
		Interval: time.Duration(cfg.PollInterval),
	})
	if err != nil {
		log.Fatalf("failed to initialize inbox correlator: %v", err)
	}

	rootCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go rly.RunSpoolWorker(rootCtx, *spoolAttempts)
	go correlator.Run(rootCtx)
	go func() {
		for {
			select {
			case <-rootCtx.Done():
				return
			case ev, ok := <-doc.Events():
				if !ok {
					return
				}
				observer.Handle(rootCtx, ev)
				if ev.Kind == hostdoc.Navigated {
					correlator.Poke()
				}
			}
		}
	}()

	httpServer := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           api,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		<-rootCtx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = httpServer.Shutdown(shutdownCtx)
	}()

	log.Printf("mailbeacond listening on %s (maildir %s, tracker %s)", cfg.ListenAddr, cfg.MaildirRoot, rly.GetServerURL())
	if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatalf("control api server failed: %v", err)
	}
	log.Printf("mailbeacond stopped")
}
