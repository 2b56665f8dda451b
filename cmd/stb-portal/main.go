// Command stb-portal: talk to a MAG/Stalker-style IPTV portal as a set-top box would.
//
//	probe        Discover which dialect the portal speaks for the configured device
//	fetch        Load the channel catalog (persistent cache first; -refresh forces the portal)
//	resolve      Resolve one channel to a playable URL with the headers a player needs
//	serve        Serve the catalog and a /play redirector over HTTP
//	clear-cache  Delete the persisted catalog for the configured portal
//	check        Portal reachability (and, with -server, a running control surface)
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/snapetech/stbportal/internal/cache"
	"github.com/snapetech/stbportal/internal/catalog"
	"github.com/snapetech/stbportal/internal/config"
	"github.com/snapetech/stbportal/internal/core"
	"github.com/snapetech/stbportal/internal/health"
	"github.com/snapetech/stbportal/internal/httpclient"
	"github.com/snapetech/stbportal/internal/metrics"
	"github.com/snapetech/stbportal/internal/portal"
	"github.com/snapetech/stbportal/internal/retry"
	"github.com/snapetech/stbportal/internal/server"
)

// app is the wiring shared by every subcommand.
type app struct {
	cfg    *config.Config
	logger *log.Logger
	client *portal.Client
	orch   *retry.Orchestrator
	table  []portal.Template
}

func newApp(cfg *config.Config, logger *log.Logger) (*app, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	policy, _ := cfg.Policy()
	orch, err := retry.New(policy)
	if err != nil {
		return nil, err
	}
	orch.OnTransition = func(tr retry.Transition) {
		metrics.ObserveTransition(tr)
		if cfg.Debug && tr.Err != nil {
			logger.Printf("%s attempt %d: %s -> %s: %v", tr.Op, tr.N+1, tr.From, tr.To, tr.Err)
		}
	}
	table, _ := cfg.Table()
	client := &portal.Client{
		Fetcher: &httpclient.Fetcher{
			Limiters: httpclient.NewLimiters(cfg.RPS, 2),
			HostSem:  httpclient.NewHostSemaphore(cfg.HostConcurrency),
		},
		UserAgent: cfg.UserAgent,
		Timezone:  cfg.Timezone,
		Logger:    logger,
		Debug:     cfg.Debug,
	}
	return &app{cfg: cfg, logger: logger, client: client, orch: orch, table: table}, nil
}

func (a *app) openCache() (*cache.Manager, error) {
	return cache.Open(a.cfg.CacheDir, a.cfg.CacheBackend, a.logger)
}

func (a *app) newCore(cm *cache.Manager) (*core.Core, error) {
	return core.New(core.Options{
		Client:       a.client,
		Orchestrator: a.orch,
		Table:        a.table,
		Cache:        cm,
		TokenTTL:     a.cfg.TokenTTL,
		UserAgent:    a.cfg.UserAgent,
		Workers:      a.cfg.Workers,
		Logger:       a.logger,
	})
}

// awaitCatalog runs one fetch job and prints its progress until the result arrives.
func awaitCatalog(ctx context.Context, c *core.Core, id portal.Identity, refresh bool, logger *log.Logger) (*catalog.Catalog, error) {
	start := c.BeginFetch
	if refresh {
		start = c.Refresh
	}
	job, err := start(id)
	if err != nil {
		return nil, err
	}
	for {
		select {
		case <-ctx.Done():
			c.CancelFetch()
			return nil, ctx.Err()
		case ev := <-c.Events():
			if ev.JobID != job {
				continue
			}
			switch ev.Kind {
			case core.EventProgress:
				logger.Printf("... %s", ev.Message)
			case core.EventCatalogReady:
				return ev.Catalog, nil
			case core.EventError:
				return nil, ev.Err
			}
		}
	}
}

// pickChannel selects by index when index >= 0, otherwise by case-insensitive name match
// (exact first, then substring).
func pickChannel(cat *catalog.Catalog, index int, name string) (catalog.ChannelRecord, error) {
	if index >= 0 {
		ch, ok := cat.Channel(index)
		if !ok {
			return catalog.ChannelRecord{}, fmt.Errorf("channel index %d out of range (catalog has %d)", index, cat.Len())
		}
		return ch, nil
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return catalog.ChannelRecord{}, errors.New("need -index or -name")
	}
	for _, ch := range cat.Channels {
		if strings.EqualFold(ch.DisplayName, name) {
			return ch, nil
		}
	}
	lower := strings.ToLower(name)
	for _, ch := range cat.Channels {
		if strings.Contains(strings.ToLower(ch.DisplayName), lower) {
			return ch, nil
		}
	}
	return catalog.ChannelRecord{}, fmt.Errorf("no channel named %q", name)
}

func main() {
	_ = config.LoadEnvFile(".env")
	logger := log.New(os.Stderr, "[stb-portal] ", log.LstdFlags)

	probeCmd := flag.NewFlagSet("probe", flag.ExitOnError)
	probeSkipHealth := probeCmd.Bool("skip-health", false, "Skip the portal reachability check")

	fetchCmd := flag.NewFlagSet("fetch", flag.ExitOnError)
	fetchRefresh := fetchCmd.Bool("refresh", false, "Ignore the persisted catalog and fetch from the portal")
	fetchList := fetchCmd.Bool("list", false, "Print every channel")
	fetchJSON := fetchCmd.Bool("json", false, "Print the catalog as JSON on stdout")
	fetchTimeout := fetchCmd.Duration("timeout", 5*time.Minute, "Give up after this long")

	resolveCmd := flag.NewFlagSet("resolve", flag.ExitOnError)
	resolveIndex := resolveCmd.Int("index", -1, "Channel index in the catalog")
	resolveName := resolveCmd.String("name", "", "Channel name (exact, then substring, case-insensitive)")
	resolveFallback := resolveCmd.Bool("fallback", false, "Use the catalog URL (degraded) if resolution fails")
	resolveTimeout := resolveCmd.Duration("timeout", 2*time.Minute, "Give up after this long")

	serveCmd := flag.NewFlagSet("serve", flag.ExitOnError)
	serveAddr := serveCmd.String("addr", "", "Listen address (default: STB_PORTAL_LISTEN)")
	serveBaseURL := serveCmd.String("base-url", "", "Base URL advertised in /live.m3u (default: STB_PORTAL_BASE_URL)")

	clearCmd := flag.NewFlagSet("clear-cache", flag.ExitOnError)

	checkCmd := flag.NewFlagSet("check", flag.ExitOnError)
	checkServer := checkCmd.String("server", "", "Also check a running control surface at this base URL")

	if len(os.Args) < 2 {
		fmt.Fprintf(os.Stderr, "Usage: %s <probe|fetch|resolve|serve|clear-cache|check> [flags]\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "  probe        Discover the portal dialect for the configured device\n")
		fmt.Fprintf(os.Stderr, "  fetch        Load the channel catalog (-refresh to bypass the cache)\n")
		fmt.Fprintf(os.Stderr, "  resolve      Resolve a channel (-index N or -name X) to a playable URL\n")
		fmt.Fprintf(os.Stderr, "  serve        Serve /channels, /live.m3u and /play over HTTP\n")
		fmt.Fprintf(os.Stderr, "  clear-cache  Delete the persisted catalog\n")
		fmt.Fprintf(os.Stderr, "  check        Portal reachability (-server URL to check a running serve)\n")
		os.Exit(1)
	}

	cfg := config.Load()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	switch os.Args[1] {
	case "probe":
		_ = probeCmd.Parse(os.Args[2:])
		a := mustApp(cfg, logger)
		id := cfg.Identity()
		if !*probeSkipHealth {
			if err := health.CheckPortal(ctx, id); err != nil {
				logger.Printf("Portal health check failed: %v", err)
				os.Exit(1)
			}
		}
		prober := &portal.Prober{Client: a.client, Orchestrator: a.orch, Table: a.table, Logger: logger}
		tpl, s, err := prober.Discover(ctx, id, nil)
		if err != nil {
			logger.Printf("Probe failed: %v", err)
			os.Exit(1)
		}
		fmt.Printf("portal:   %s\n", id)
		fmt.Printf("dialect:  %s (%s)\n", tpl.Name, tpl.Dialect)
		fmt.Printf("tier:     %s\n", s.Tier)
		fmt.Printf("token:    %t\n", s.Token != "")
		fmt.Printf("links:    %t\n", tpl.HasLink())

	case "fetch":
		_ = fetchCmd.Parse(os.Args[2:])
		a := mustApp(cfg, logger)
		cm, c := mustCore(a)
		defer cm.Close()
		defer c.Close()
		fctx, cancel := context.WithTimeout(ctx, *fetchTimeout)
		defer cancel()
		cat, err := awaitCatalog(fctx, c, cfg.Identity(), *fetchRefresh, logger)
		if err != nil {
			logger.Printf("Fetch failed: %v", err)
			os.Exit(1)
		}
		switch {
		case *fetchJSON:
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			if err := enc.Encode(cat); err != nil {
				logger.Printf("encode: %v", err)
				os.Exit(1)
			}
		case *fetchList:
			for i, ch := range cat.Channels {
				fmt.Printf("%4d  %s\t%s\n", i, ch.DisplayName, ch.AbsoluteStreamURL)
			}
		}
		logger.Printf("Catalog: %d channels (built %s, cache %s)", cat.Len(), cat.CreatedAt.Format(time.RFC3339), cm.Backend())

	case "resolve":
		_ = resolveCmd.Parse(os.Args[2:])
		a := mustApp(cfg, logger)
		cm, c := mustCore(a)
		defer cm.Close()
		defer c.Close()
		rctx, cancel := context.WithTimeout(ctx, *resolveTimeout)
		defer cancel()
		id := cfg.Identity()
		cat, err := awaitCatalog(rctx, c, id, false, logger)
		if err != nil {
			logger.Printf("Fetch failed: %v", err)
			os.Exit(1)
		}
		ch, err := pickChannel(cat, *resolveIndex, *resolveName)
		if err != nil {
			logger.Print(err)
			os.Exit(1)
		}
		h, err := c.ResolveAndGetURL(rctx, id, ch, core.ResolveOptions{AllowFallback: *resolveFallback})
		if err != nil {
			logger.Printf("Resolve %q failed: %v", ch.DisplayName, err)
			os.Exit(1)
		}
		if h.Degraded {
			logger.Printf("Resolution failed; using the catalog URL for %q (may not play)", ch.DisplayName)
		}
		fmt.Println(h.URL)
		for _, k := range []string{"User-Agent", "Referer"} {
			fmt.Fprintf(os.Stderr, "%s: %s\n", k, h.Headers.Get(k))
		}

	case "serve":
		_ = serveCmd.Parse(os.Args[2:])
		a := mustApp(cfg, logger)
		cm, c := mustCore(a)
		defer cm.Close()
		defer c.Close()
		addr := cfg.Listen
		if *serveAddr != "" {
			addr = *serveAddr
		}
		baseURL := cfg.BaseURL
		if *serveBaseURL != "" {
			baseURL = *serveBaseURL
		}
		logger.Printf("Serving %s (cache %s, workers %d)", cfg.Identity(), cm.Backend(), cfg.Workers)
		srv := &server.Server{Addr: addr, BaseURL: baseURL, Core: c, Identity: cfg.Identity(), Logger: logger}
		if err := srv.Run(ctx); err != nil {
			logger.Printf("serve: %v", err)
			os.Exit(1)
		}

	case "clear-cache":
		_ = clearCmd.Parse(os.Args[2:])
		a := mustApp(cfg, logger)
		cm, err := a.openCache()
		if err != nil {
			logger.Printf("Open cache: %v", err)
			os.Exit(1)
		}
		defer cm.Close()
		if err := cm.Clear(cfg.Identity()); err != nil {
			logger.Printf("Clear cache: %v", err)
			os.Exit(1)
		}
		logger.Printf("Cleared cached catalog for %s (%s)", cfg.Identity(), cm.Backend())

	case "check":
		_ = checkCmd.Parse(os.Args[2:])
		cctx, cancel := context.WithTimeout(ctx, 30*time.Second)
		defer cancel()
		if err := health.CheckPortal(cctx, cfg.Identity()); err != nil {
			logger.Printf("Portal: %v", err)
			os.Exit(1)
		}
		logger.Printf("Portal %s reachable", cfg.Identity())
		if *checkServer != "" {
			if err := health.CheckEndpoints(cctx, *checkServer); err != nil {
				logger.Printf("Control surface: %v", err)
				os.Exit(1)
			}
			logger.Printf("Control surface %s OK", *checkServer)
		}

	default:
		fmt.Fprintf(os.Stderr, "Unknown command %q\n", os.Args[1])
		os.Exit(1)
	}
}

func mustApp(cfg *config.Config, logger *log.Logger) *app {
	a, err := newApp(cfg, logger)
	if err != nil {
		logger.Printf("Config: %v", err)
		os.Exit(1)
	}
	return a
}

func mustCore(a *app) (*cache.Manager, *core.Core) {
	cm, err := a.openCache()
	if err != nil {
		a.logger.Printf("Open cache: %v", err)
		os.Exit(1)
	}
	c, err := a.newCore(cm)
	if err != nil {
		cm.Close()
		a.logger.Printf("Core: %v", err)
		os.Exit(1)
	}
	return cm, c
}
