/*
Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Command controller is the composition root: it wires the state store,
// connection manager, scheduler, bundle resolver, signaling router and
// reconciler together, serves the node/pod message channel over a
// WebSocket upgrade endpoint, and exposes /healthz and /metrics.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/podforge/podforge/pkg/apis/v1alpha1"
	"github.com/podforge/podforge/pkg/bundle"
	"github.com/podforge/podforge/pkg/config"
	"github.com/podforge/podforge/pkg/connection"
	"github.com/podforge/podforge/pkg/logging"
	"github.com/podforge/podforge/pkg/metrics"
	"github.com/podforge/podforge/pkg/reconciler"
	"github.com/podforge/podforge/pkg/scheduler"
	"github.com/podforge/podforge/pkg/signaling"
	"github.com/podforge/podforge/pkg/state"
)

func main() {
	var (
		addr        = flag.String("addr", ":8080", "address the message channel and admin endpoints listen on")
		configFile  = flag.String("config", "", "optional TOML settings file")
		seedFile    = flag.String("seed", "", "optional YAML manifest bootstrapping namespaces, priority classes, packs and services")
		logLevel    = flag.String("log-level", "info", "debug, info, warn or error")
		development = flag.Bool("development", false, "use the development zap encoder")
		devToken    = flag.String("dev-token", "", "if set, registered with the static authenticator so a demo client (cmd/seed) can connect; authentication token issuance is out of scope (spec §1) beyond this fixed-token fallback")
	)
	flag.Parse()

	logger := logging.NewOrDie("podforge-controller", *logLevel, *development)
	ctx := logging.WithLogger(context.Background(), logger)
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	settings := config.Default()
	if *configFile != "" {
		if err := settings.LoadFile(*configFile); err != nil {
			logger.Error(err, "failed to load config file")
			os.Exit(1)
		}
	}
	settings.LoadEnv()

	registry := prometheus.NewRegistry()
	metrics.MustRegisterAll(registry)

	store := state.New(logger, settings)

	seed, err := config.LoadSeedFile(*seedFile)
	if err != nil {
		logger.Error(err, "failed to load seed manifest")
		os.Exit(1)
	}
	if err := applySeed(store, seed); err != nil {
		logger.Error(err, "failed to apply seed manifest")
		os.Exit(1)
	}

	auth := connection.NewStaticAuthenticator()
	if *devToken != "" {
		auth.Issue(*devToken, connection.Identity{Subject: "dev", Kind: connection.KindNode})
	}
	manager := connection.New(store, auth, settings, logger)

	sched := scheduler.New(store, manager, settings, scheduler.PolicySpread, logger)

	origin := &httpOrigin{client: &http.Client{Timeout: 30 * time.Second}}
	resolver, err := bundle.New(origin, settings.BundleCacheSizeBytes, 0)
	if err != nil {
		logger.Error(err, "failed to construct bundle resolver")
		os.Exit(1)
	}

	router := signaling.New(store, manager, logger)
	manager.SetSignalHandler(router)

	rec := reconciler.New(store, sched, manager, resolver, settings, logger)

	go manager.RunLivenessMonitor(ctx)
	go rec.Run(ctx)

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = io.WriteString(w, "ok")
	})
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	mux.HandleFunc("/v1/connect/node", channelHandler(manager, connection.KindNode))
	mux.HandleFunc("/v1/connect/pod", channelHandler(manager, connection.KindPod))

	srv := &http.Server{Addr: *addr, Handler: mux}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	logger.Info("listening", "addr", *addr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Error(err, "server exited")
		os.Exit(1)
	}
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// channelHandler upgrades an inbound HTTP request to the persistent
// bidirectional message channel a node or pod keeps open for the
// lifetime of its session (spec §4.2).
func channelHandler(manager *connection.Manager, kind connection.Kind) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		transport := connection.NewWebsocketTransport(conn)
		manager.Accept(r.Context(), transport, kind)
	}
}

// httpOrigin fetches bundle bytes from a pack's bundleLocator over plain
// HTTP, the injected transport the bundle resolver treats as an external
// collaborator (spec §4.6).
type httpOrigin struct {
	client *http.Client
}

func (o *httpOrigin) Fetch(ctx context.Context, locator string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, locator, nil)
	if err != nil {
		return nil, err
	}
	resp, err := o.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetching %s: unexpected status %s", locator, resp.Status)
	}
	return io.ReadAll(resp.Body)
}

// applySeed bootstraps namespaces, priority classes, packs and services
// from the startup manifest, in dependency order: namespaces and priority
// classes before the packs and services that reference them.
func applySeed(store *state.Store, seed config.Seed) error {
	for _, ns := range seed.Namespaces {
		if _, err := store.CreateNamespace(ns.Name, ns.Quota, ns.Limits); err != nil {
			return err
		}
	}
	for _, pc := range seed.PriorityClasses {
		if err := store.RegisterPriorityClass(pc); err != nil {
			return err
		}
	}
	for _, p := range seed.Packs {
		if _, err := store.RegisterPack(state.PackSpec{
			Name:          p.Name,
			Version:       p.Version,
			RuntimeTag:    p.RuntimeTag,
			BundleLocator: p.BundleLocator,
			Metadata:      p.Metadata,
		}); err != nil {
			return err
		}
	}
	for _, svc := range seed.Services {
		if _, err := store.CreateService(state.ServiceSpec{
			Name:        svc.Name,
			Namespace:   svc.Namespace,
			PackName:    svc.PackName,
			PackVersion: svc.PackVersion,
			Replicas:    svc.Replicas,
			Template:    svc.Template,
			Visibility:  v1alpha1.VisibilityPublic,
		}); err != nil {
			return err
		}
	}
	return nil
}
