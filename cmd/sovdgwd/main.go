// Command sovdgwd is the gateway daemon: it loads a TOML configuration
// file, wires one transport adapter and backend per configured entity,
// optionally starts the websocket sample sink, and runs until signalled.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"sovdgw/backend"
	"sovdgw/sovdconfig"
	"sovdgw/sovdlog"
	"sovdgw/stream"
	"sovdgw/transport"
)

func main() {
	configPath := flag.String("config", "sovdgw.toml", "path to gateway configuration file")
	flag.Parse()

	cfg, err := sovdconfig.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "sovdgwd: %v\n", err)
		os.Exit(1)
	}

	if err := sovdlog.Init(sovdlog.Config{
		Path:       cfg.Logging.Path,
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		MaxSizeMB:  cfg.Logging.MaxSizeMB,
		MaxBackups: cfg.Logging.MaxBackups,
		MaxAgeDays: cfg.Logging.MaxAgeDays,
		Compress:   cfg.Logging.Compress,
	}); err != nil {
		fmt.Fprintf(os.Stderr, "sovdgwd: %v\n", err)
		os.Exit(1)
	}
	log := sovdlog.Get().WithComponent("sovdgwd")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	signalChan := make(chan os.Signal, 1)
	signal.Notify(signalChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-signalChan
		log.Info("shutdown signal received")
		cancel()
	}()

	var closers []func()
	defer func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}()

	ecuBackends := make(map[string]*backend.ECUBackend, len(cfg.ECUs))
	for _, ecfg := range cfg.ECUs {
		adapter, closeFn, err := dialTransport(ctx, ecfg.Transport, log)
		if err != nil {
			log.Fatal("dial transport", err, "ecu_id", ecfg.ID)
		}
		closers = append(closers, closeFn)

		eb := backend.NewECUBackend(adapter, ecfg)
		closers = append(closers, eb.Close)
		ecuBackends[ecfg.ID] = eb
		log.Info("ecu backend online", "ecu_id", ecfg.ID, "transport", ecfg.Transport.Kind)
	}

	proxyBackends := make(map[string]*backend.ProxyBackend, len(cfg.Proxies))
	for _, pcfg := range cfg.Proxies {
		pb := backend.NewProxyBackend(pcfg)
		proxyBackends[pcfg.ID] = pb
		log.Info("proxy backend online", "proxy_id", pcfg.ID, "base_url", pcfg.BaseURL)
	}

	managedBackends := make(map[string]*backend.ManagedECUBackend, len(cfg.ManagedECUs))
	for _, mcfg := range cfg.ManagedECUs {
		parent, ok := proxyBackends[mcfg.ParentID]
		if !ok && mcfg.ParentID != "" {
			log.Fatal("managed ECU references unknown parent proxy", nil, "managed_ecu_id", mcfg.ID, "parent_id", mcfg.ParentID)
		}
		mb, err := backend.NewManagedECUBackend(mcfg, parent)
		if err != nil {
			log.Fatal("construct managed ECU backend", err, "managed_ecu_id", mcfg.ID)
		}
		managedBackends[mcfg.ID] = mb
		log.Info("managed ECU backend online", "managed_ecu_id", mcfg.ID, "upstream", mcfg.UpstreamURL)
	}

	managedParent := make(map[string]string, len(cfg.ManagedECUs))
	for _, mcfg := range cfg.ManagedECUs {
		managedParent[mcfg.ID] = mcfg.ParentID
	}

	gatewayBackends := make(map[string]*backend.GatewayBackend, len(cfg.Gateways))
	for _, gcfg := range cfg.Gateways {
		gb := backend.NewGatewayBackend(gcfg)
		for _, eb := range ecuBackends {
			gb.RegisterBackend(eb)
		}
		for _, pb := range proxyBackends {
			gb.RegisterBackend(pb)
		}
		for id, mb := range managedBackends {
			if managedParent[id] == gcfg.ID {
				gb.RegisterBackend(mb)
			}
		}
		gatewayBackends[gcfg.ID] = gb
		log.Info("gateway backend online", "gateway_id", gcfg.ID)
	}

	// The SOVD HTTP surface itself (routing a subscribe request to the
	// right backend's SubscribeData, then handing the returned channel
	// to a stream.Sink) is an external front door's job, not this
	// daemon's; newSampleSinkServer below is the piece of glue such a
	// front door would use, kept here so it's exercised by something.
	var sinkServer *http.Server
	if cfg.Stream.ListenAddr != "" {
		sinkServer = newSampleSinkServer(cfg.Stream, ecuBackends, log)
		go func() {
			if err := sinkServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Error("stream sink server exited", err)
			}
		}()
		closers = append(closers, func() {
			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer shutdownCancel()
			_ = sinkServer.Shutdown(shutdownCtx)
		})
		log.Info("stream sink listening", "addr", cfg.Stream.ListenAddr)
	}

	log.Info("sovdgwd ready",
		"ecus", len(ecuBackends), "proxies", len(proxyBackends),
		"managed_ecus", len(managedBackends), "gateways", len(gatewayBackends))

	<-ctx.Done()
	log.Info("sovdgwd shutting down")
}

// newSampleSinkServer builds the minimal HTTP front door a richer SOVD
// router would replace: GET /stream/<ecu_id>?did=<id>&rate=<hz> resolves
// the backend, opens a subscription, and upgrades the connection to
// deliver samples until the client disconnects.
func newSampleSinkServer(cfg sovdconfig.StreamConfig, ecus map[string]*backend.ECUBackend, log *sovdlog.Logger) *http.Server {
	sink := stream.NewSink(time.Duration(cfg.WriteTimeout) * time.Millisecond)
	mux := http.NewServeMux()
	mux.HandleFunc("/stream/", func(w http.ResponseWriter, r *http.Request) {
		id := strings.TrimPrefix(r.URL.Path, "/stream/")
		eb, ok := ecus[id]
		if !ok {
			http.Error(w, "unknown ecu id", http.StatusNotFound)
			return
		}

		dids := r.URL.Query()["did"]
		if len(dids) == 0 {
			http.Error(w, "at least one did query parameter is required", http.StatusBadRequest)
			return
		}
		rateHz := uint64(1)
		if raw := r.URL.Query().Get("rate"); raw != "" {
			parsed, err := strconv.ParseUint(raw, 10, 32)
			if err != nil {
				http.Error(w, "invalid rate", http.StatusBadRequest)
				return
			}
			rateHz = parsed
		}

		subID, ch, err := eb.SubscribeData(r.Context(), dids, uint32(rateHz))
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		defer func() {
			_ = eb.UnsubscribeData(context.Background(), subID)
		}()

		if err := sink.Serve(w, r, ch); err != nil {
			log.Warn("sample sink connection ended", "ecu_id", id, "sub_id", subID, "err", err.Error())
		}
	})
	return &http.Server{Addr: cfg.ListenAddr, Handler: mux}
}

// dialTransport opens the transport adapter a single ECU's configuration
// asks for, returning a cleanup function in place of relying on the
// adapter's own Close to be idempotent across repeated calls.
func dialTransport(ctx context.Context, tcfg sovdconfig.TransportConfig, log *sovdlog.Logger) (transport.Adapter, func(), error) {
	switch tcfg.Kind {
	case "serial":
		adapter, err := transport.OpenSerialISOTP(transport.SerialISOTPConfig{
			BaudRate:   tcfg.BaudRate,
			ECUAddress: tcfg.ECUAddress,
			OnLag: func() {
				log.Warn("serial transport lagged, frames dropped")
			},
		})
		if err != nil {
			return nil, func() {}, err
		}
		return adapter, func() { _ = adapter.Close() }, nil
	case "doip":
		adapter, err := transport.DialDoIP(ctx, transport.DoIPConfig{
			Host:            tcfg.Host,
			SourceAddress:   tcfg.SourceAddress,
			TargetAddress:   tcfg.TargetAddress,
			AliveCheckEvery: time.Duration(tcfg.AliveCheckEvery) * time.Millisecond,
		})
		if err != nil {
			return nil, func() {}, err
		}
		return adapter, func() { _ = adapter.Close() }, nil
	default:
		return nil, func() {}, fmt.Errorf("sovdgwd: unknown transport kind %q", tcfg.Kind)
	}
}
