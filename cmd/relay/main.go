package main

import (
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/vx-labs/site-relay/crdt"
	"github.com/vx-labs/site-relay/internal/address"
	"github.com/vx-labs/site-relay/relay"
	"github.com/vx-labs/site-relay/relayer"
)

const (
	flagSite                = "site"
	flagConfig              = "config"
	flagMaxSiteMasters      = "max-site-masters"
	flagSiteMastersRatio    = "site-masters-ratio"
	flagCanBecomeSiteMaster = "can-become-site-master"
	flagAddressTagging      = "enable-address-tagging"
	flagAsyncRelayCreation  = "async-relay-creation"
	flagTopoWaitTime        = "topo-wait-time"
	flagSuppressWindow      = "suppress-time-no-route-errors"
	flagManagementAddr      = "management-addr"
	flagBindAddr            = "bridge-bind-addr"
	flagBindPort            = "bridge-bind-port"
	flagJoin                = "join"

	flagEnableBundling     = "enable-bundling"
	flagBundlingMaxSize    = "bundling-max-size"
	flagBundlingCapacity   = "bundling-capacity"
	flagBundlingLoopbacks  = "bundling-process-loopbacks"

	// Accepted and ignored, per spec.md §9 Open Questions.
	flagRelayMulticasts       = "relay-multicasts"
	flagCanForwardLocalCluster = "can-forward-local-cluster"
)

func newLogger() *zap.Logger {
	opts := []zap.Option{zap.Fields(zap.String("component", "site-relay"))}
	var logger *zap.Logger
	var err error
	if os.Getenv("ENABLE_PRETTY_LOG") == "true" {
		logger, err = zap.NewDevelopment(opts...)
	} else {
		logger, err = zap.NewProduction(opts...)
	}
	if err != nil {
		panic(err)
	}
	return logger
}

func main() {
	root := &cobra.Command{
		Use:   "site-relay",
		Short: "runs a cross-site message relay node",
		Run:   run,
	}

	flags := root.Flags()
	flags.String(flagSite, "", "local site name (required)")
	flags.StringToString(flagConfig, nil, "site_name=seed_host,seed_host2 pairs describing each remote site's bridge")
	flags.Int(flagMaxSiteMasters, 1, "upper bound on the number of site masters")
	flags.Float64(flagSiteMastersRatio, 0, "floor on site-master count scaled to view size (0 disables)")
	flags.Bool(flagCanBecomeSiteMaster, true, "whether this node may be elected site master (read by election only with --enable-address-tagging)")
	flags.Bool(flagAddressTagging, false, "tag this node's address with its can-become-site-master flag")
	flags.Bool(flagAsyncRelayCreation, true, "start the relayer off the view-delivery goroutine")
	flags.Duration(flagTopoWaitTime, 2*time.Second, "accepted for config compatibility; unused, see relay.Config.TopoWaitTime")
	flags.Duration(flagSuppressWindow, 60*time.Second, "dedup window for repeated no-route-to-site errors (0 disables)")
	flags.String(flagManagementAddr, ":9090", "address the /metrics and /debug endpoints listen on")
	flags.String(flagBindAddr, "0.0.0.0", "bind address for bridge (memberlist) listeners")
	flags.Int(flagBindPort, 0, "bind port for bridge listeners (0 picks any free port)")
	flags.StringArrayP(flagJoin, "j", nil, "local cluster peer; accepted but not used, the node runs with a single-member local view")
	flags.Bool(flagRelayMulticasts, true, "deprecated, accepted and ignored")
	flags.Bool(flagCanForwardLocalCluster, true, "deprecated, accepted and ignored")
	flags.Bool(flagEnableBundling, false, "batch outbound bridge traffic per destination instead of sending one message at a time")
	flags.Int(flagBundlingMaxSize, 64000, "accumulated byte budget before a bundle is flushed")
	flags.Int(flagBundlingCapacity, 16384, "element capacity recorded on each bundler; flushing is triggered by byte size only")
	flags.Bool(flagBundlingLoopbacks, true, "also redeliver self-addressed bundled messages locally after sending them over the bridge")

	for _, name := range []string{
		flagSite, flagConfig, flagMaxSiteMasters, flagSiteMastersRatio, flagCanBecomeSiteMaster,
		flagAddressTagging, flagAsyncRelayCreation, flagTopoWaitTime, flagSuppressWindow,
		flagManagementAddr, flagBindAddr, flagBindPort, flagJoin, flagRelayMulticasts,
		flagCanForwardLocalCluster, flagEnableBundling, flagBundlingMaxSize, flagBundlingCapacity,
		flagBundlingLoopbacks,
	} {
		viper.BindPFlag(name, flags.Lookup(name))
	}

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, _ []string) {
	site := viper.GetString(flagSite)
	if site == "" {
		fmt.Fprintln(os.Stderr, "--site is required")
		os.Exit(1)
	}

	logger := newLogger()
	defer logger.Sync()

	bridgeSeeds := viper.GetStringMapString(flagConfig)
	sites := make([]relayer.SiteConfig, 0, len(bridgeSeeds))
	for name, seedCSV := range bridgeSeeds {
		sites = append(sites, relayer.SiteConfig{Name: name, Seeds: splitSeeds(seedCSV)})
	}

	local := address.NewLocal()
	listener := &statusListener{logger: logger}

	opts := []relay.Option{
		relay.WithSite(site),
		relay.WithLogger(logger),
		relay.WithMaxSiteMasters(viper.GetInt(flagMaxSiteMasters)),
		relay.WithSiteMastersRatio(viper.GetFloat64(flagSiteMastersRatio)),
		relay.WithCanBecomeSiteMaster(viper.GetBool(flagCanBecomeSiteMaster)),
		relay.WithEnableAddressTagging(viper.GetBool(flagAddressTagging)),
		relay.WithAsyncRelayCreation(viper.GetBool(flagAsyncRelayCreation)),
		relay.WithTopoWaitTime(viper.GetDuration(flagTopoWaitTime)),
		relay.WithSuppressTimeNoRouteErrors(viper.GetDuration(flagSuppressWindow)),
		relay.WithRouteStatusListener(listener),
		relay.WithBridgeConfig(relayer.Config{Sites: sites}),
		relay.WithBridgeFactory(relayer.NewMemberlistBridgeFactory(logger, viper.GetString(flagBindAddr), viper.GetInt(flagBindPort))),
		relay.WithRelayMulticasts(viper.GetBool(flagRelayMulticasts)),
		relay.WithCanForwardLocalCluster(viper.GetBool(flagCanForwardLocalCluster)),
	}
	if viper.GetBool(flagEnableBundling) {
		opts = append(opts, relay.WithBundling(
			viper.GetInt(flagBundlingMaxSize),
			viper.GetInt(flagBundlingCapacity),
			viper.GetBool(flagBundlingLoopbacks),
		))
	}

	core := relay.New(local, &loopbackDelivery{logger: logger}, opts...)

	self := address.Extended{Local: local}
	if viper.GetBool(flagCanBecomeSiteMaster) {
		self = self.WithFlag(address.FlagCanBecomeSiteMaster)
	}
	core.HandleView(relay.View{Members: []address.Extended{self}})
	logger.Info("site relay node started", zap.String("site", site), zap.String("local_id", local.String()))

	go serveManagement(logger, core, viper.GetString(flagManagementAddr))
	go runTopologyGC(core)

	quit := make(chan struct{})
	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)
	go func() {
		defer close(quit)
		<-sigc
		logger.Info("received termination signal, stopping")
	}()
	<-quit
}

func splitSeeds(csv string) []string {
	var out []string
	start := 0
	for i := 0; i <= len(csv); i++ {
		if i == len(csv) || csv[i] == ',' {
			if i > start {
				out = append(out, csv[start:i])
			}
			start = i + 1
		}
	}
	return out
}

// loopbackDelivery is the minimal DeliveryContract wiring for a
// standalone relay node: there is no separate "application layer" above
// it in this binary, so up-delivered and forwarded messages are just
// logged. A real deployment embeds relay.Relay in its own messaging
// stack and supplies its own DeliveryContract.
type loopbackDelivery struct {
	logger *zap.Logger
}

func (d *loopbackDelivery) DeliverUp(dest, sender address.Site, payload []byte) {
	d.logger.Debug("delivered message up-stack", zap.Int("bytes", len(payload)))
}

func (d *loopbackDelivery) ForwardLocal(local address.Local, dest, sender address.Site, payload []byte) error {
	d.logger.Debug("forwarded message to local member", zap.String("local", local.String()), zap.Int("bytes", len(payload)))
	return nil
}

func (d *loopbackDelivery) SendDown(payload []byte) error {
	d.logger.Debug("sent control frame down the local cluster", zap.Int("bytes", len(payload)))
	return nil
}

type statusListener struct {
	logger *zap.Logger
}

func (l *statusListener) SitesUp(sites []string) {
	l.logger.Info("sites up", zap.Strings("sites", sites))
}
func (l *statusListener) SitesDown(sites []string) {
	l.logger.Info("sites down", zap.Strings("sites", sites))
}
func (l *statusListener) SitesUnreachable(site string) {
	l.logger.Warn("site unreachable", zap.String("site", site))
}

// runTopologyGC hourly sweeps tombstoned topology entries deleted before
// crdt.ExpireAfter8Hours(), i.e. before the start of the current 8-hour
// period of the clock.
func runTopologyGC(core *relay.Relay) {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()
	for range ticker.C {
		core.GCTopology(crdt.ExpireAfter8Hours())
	}
}

func serveManagement(logger *zap.Logger, core *relay.Relay, addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/debug/routes", func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprintln(w, core.PrintRoutes())
	})
	mux.HandleFunc("/debug/topology", func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprintln(w, core.PrintTopology())
	})
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	if err := http.ListenAndServe(addr, mux); err != nil {
		logger.Error("management endpoint stopped", zap.Error(err))
	}
}
