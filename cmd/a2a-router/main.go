package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/libp2p/go-libp2p/core/host"
	"github.com/sirupsen/logrus"
	"github.com/spf13/pflag"
	"google.golang.org/grpc"

	"github.com/praxis/a2a-router/internal/a2a"
	"github.com/praxis/a2a-router/internal/api"
	"github.com/praxis/a2a-router/internal/bus"
	"github.com/praxis/a2a-router/internal/config"
	"github.com/praxis/a2a-router/internal/did"
	"github.com/praxis/a2a-router/internal/did/web"
	"github.com/praxis/a2a-router/internal/discovery"
	"github.com/praxis/a2a-router/internal/logger"
	"github.com/praxis/a2a-router/internal/metrics"
	"github.com/praxis/a2a-router/internal/router"
	"github.com/praxis/a2a-router/internal/security"
	"github.com/praxis/a2a-router/internal/transport"
	"github.com/praxis/a2a-router/internal/validator"
	"github.com/praxis/a2a-router/pkg/utils"
)

var version = "dev"

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var configPath, logLevel string
	var httpPort int

	flagSet := pflag.NewFlagSet("a2a-router", pflag.ContinueOnError)
	flagSet.StringVarP(&configPath, "config", "c", "config/router.yaml", "path to configuration file")
	flagSet.StringVar(&logLevel, "log-level", "", "log level (debug, info, warn, error)")
	flagSet.IntVar(&httpPort, "http-port", 0, "override http.port from the configuration")
	showVersion := flagSet.Bool("version", false, "print version and exit")

	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}
	if *showVersion {
		fmt.Println("a2a-router", version)
		return nil
	}

	log, _ := utils.ConfigureLogger(utils.DefaultLogConfig())
	cfg, err := config.LoadConfig(configPath, log)
	if err != nil {
		return err
	}
	if logLevel != "" {
		cfg.Logging.Level = logLevel
	}
	if httpPort > 0 {
		cfg.HTTP.Port = httpPort
	}
	if log, err = utils.ConfigureLogger(cfg.Logging); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	log.Infof("Starting A2A router %s (%s)", cfg.RouterID, version)
	node, err := build(ctx, cfg, log)
	if err != nil {
		return err
	}

	log.Info("Router running. Press Ctrl+C to stop.")
	<-ctx.Done()

	log.Info("Shutting down...")
	node.shutdown()
	log.Info("Router stopped")
	return nil
}

// node holds every running component so shutdown can stop them in reverse
// order of construction.
type node struct {
	log        *logrus.Logger
	eventBus   *bus.EventBus
	replay     interface{ Close() error }
	discovery  *discovery.Service
	transports *transport.Registry
	p2pHost    host.Host
	router     *router.Router
	grpcServer *grpc.Server
	api        *api.APIServer
}

func build(ctx context.Context, cfg *config.AppConfig, log *logrus.Logger) (*node, error) {
	n := &node{log: log}

	n.eventBus = bus.NewEventBus(log)
	log.AddHook(logger.NewEventBusHook(n.eventBus, cfg.RouterID, logrus.WarnLevel))

	sec, err := buildSecurity(cfg.Security, log, n)
	if err != nil {
		n.shutdown()
		return nil, err
	}

	var discOpts []discovery.Option
	if cfg.Discovery.Store == "postgres" {
		store, err := discovery.NewPostgresStore(ctx, cfg.Discovery.PostgresURL)
		if err != nil {
			n.shutdown()
			return nil, fmt.Errorf("connect registry store: %w", err)
		}
		discOpts = append(discOpts, discovery.WithStore(store))
	}
	n.discovery = discovery.New(discovery.Config{
		CacheTTL:          cfg.Discovery.CacheTTL,
		CacheMaxSize:      cfg.Discovery.CacheMaxSize,
		RefreshInterval:   cfg.Discovery.RefreshInterval,
		ExternalEndpoints: cfg.Discovery.ExternalEndpoints,
		HTTPTimeout:       cfg.Discovery.HTTPTimeout,
	}, log, n.eventBus, discOpts...)

	didResolver := did.NewMultiResolver(
		did.WithMethod("web", &web.Resolver{Client: &http.Client{Timeout: cfg.Discovery.HTTPTimeout}}),
		did.WithCacheTTL(cfg.Security.DIDCacheTTL),
	)
	sec.SetKeyResolver(security.ChainKeyResolver{
		security.ProfileKeyResolver{Profiles: n.discovery},
		security.DIDKeyResolver{Resolver: didResolver},
	})
	sec.WatchAgents(n.eventBus)

	if err := n.buildTransports(cfg.Transports); err != nil {
		n.shutdown()
		return nil, err
	}

	n.router, err = router.New(cfg.Router, router.Deps{
		Validator:  validator.New(),
		Security:   sec,
		Discovery:  n.discovery,
		Transports: n.transports,
		EventBus:   n.eventBus,
		Logger:     log,
	})
	if err != nil {
		n.shutdown()
		return nil, err
	}
	n.transports.Register(transport.NewLocalTransport(n.router))
	n.discovery.SetPerformanceSource(n.router)

	if err := configureRules(n.router, cfg.Rules); err != nil {
		n.shutdown()
		return nil, err
	}
	if err := registerLocalAgents(n.router, cfg.Security.LocalKeys, log); err != nil {
		n.shutdown()
		return nil, err
	}
	if err := n.startInbound(cfg.Transports); err != nil {
		n.shutdown()
		return nil, err
	}

	collector := metrics.NewMetricsCollector(log, cfg.RouterID, version, n.router)
	collector.Attach(n.eventBus)

	if err := n.discovery.Start(ctx); err != nil {
		n.shutdown()
		return nil, err
	}
	n.router.Start(ctx)

	n.api = api.NewAPIServer(cfg.HTTP, api.Deps{
		RouterID:   cfg.RouterID,
		Router:     n.router,
		Discovery:  n.discovery,
		EventBus:   n.eventBus,
		Metrics:    collector.Handler(),
		Transports: n.transports.Kinds(),
	}, log)
	if err := n.api.Start(); err != nil {
		n.shutdown()
		return nil, err
	}
	return n, nil
}

func buildSecurity(cfg config.SecurityConfig, log *logrus.Logger, n *node) (*security.Service, error) {
	var opts []security.Option
	if cfg.ReplayStore == "redis" {
		store, err := security.NewRedisReplayStoreFromURL(cfg.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("connect replay store: %w", err)
		}
		n.replay = store
		opts = append(opts, security.WithReplayStore(store))
		log.Info("Using redis replay store")
	}
	return security.New(security.Config{
		MaxClockSkew:   cfg.MaxClockSkew,
		KeyCacheSize:   cfg.KeyCacheSize,
		KeyCacheTTL:    cfg.DIDCacheTTL,
		ReplayWindow:   cfg.ReplayWindow,
		ReplayCapacity: cfg.ReplayCapacity,
	}, log, opts...)
}

func (n *node) buildTransports(cfg config.TransportsConfig) error {
	n.transports = transport.NewRegistry()

	httpTransport := transport.NewHTTPTransport(&http.Client{Timeout: cfg.HTTPTimeout}, n.log)
	n.transports.Register(httpTransport)
	n.transports.RegisterAs(a2a.TransportHTTPS, httpTransport)

	if cfg.WebSocket.Enabled {
		n.transports.Register(transport.NewWebSocketTransport(nil, n.log))
	}
	if cfg.GRPC.Enabled {
		n.transports.Register(transport.NewGRPCTransport(n.log))
	}
	if cfg.MQTT.Enabled {
		n.transports.Register(transport.NewMQTTTransport(transport.MQTTConfig{
			ClientIDPrefix: cfg.MQTT.ClientIDPrefix,
			QoS:            cfg.MQTT.QoS,
			Username:       cfg.MQTT.Username,
			Password:       cfg.MQTT.Password,
			Timeout:        cfg.MQTT.Timeout,
		}, n.log))
	}
	if cfg.P2P.Enabled {
		h, err := transport.NewP2PHost(cfg.P2P.ListenAddrs...)
		if err != nil {
			return fmt.Errorf("start libp2p host: %w", err)
		}
		n.p2pHost = h
		n.transports.Register(transport.NewP2PTransport(h, n.log))
	}

	n.log.Infof("Transports registered: %v", n.transports.Kinds())
	return nil
}

// startInbound attaches the router to the inbound side of the streaming
// transports. HTTP and websocket ingress are served by the API.
func (n *node) startInbound(cfg config.TransportsConfig) error {
	if cfg.GRPC.Enabled && cfg.GRPC.Listen != "" {
		lis, err := net.Listen("tcp", cfg.GRPC.Listen)
		if err != nil {
			return fmt.Errorf("grpc listen %s: %w", cfg.GRPC.Listen, err)
		}
		n.grpcServer = transport.NewGRPCServer()
		transport.RegisterGRPCReceiver(n.grpcServer, n.router)
		go func() {
			if err := n.grpcServer.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
				n.log.Errorf("gRPC server error: %v", err)
			}
		}()
		n.log.Infof("gRPC ingress listening on %s", lis.Addr())
	}

	if t, ok := n.transports.Get(a2a.TransportMQTT); ok {
		mqttTransport := t.(*transport.MQTTTransport)
		for _, sub := range cfg.MQTT.Subscriptions {
			broker, topic := sub.Broker, sub.Topic
			if sub.URL != "" {
				var err error
				if broker, topic, err = transport.ParseMQTTEndpoint(sub.URL); err != nil {
					return fmt.Errorf("mqtt subscription %s: %w", sub.URL, err)
				}
			}
			if err := mqttTransport.Listen(broker, topic, n.router); err != nil {
				return err
			}
		}
	}

	if t, ok := n.transports.Get(a2a.TransportP2P); ok {
		p2pTransport := t.(*transport.P2PTransport)
		p2pTransport.Serve(n.router)
		n.log.Infof("libp2p ingress on %v", p2pTransport.Addrs())
	}
	return nil
}

func configureRules(r *router.Router, cfg config.RulesConfig) error {
	if !cfg.IncludeDefaults {
		r.RemoveRule(router.RuleErrorLogging)
		r.RemoveRule(router.RuleCriticalForward)
	}
	for _, rule := range cfg.Custom {
		if err := r.AddRule(rule); err != nil {
			return fmt.Errorf("rule %s: %w", rule.ID, err)
		}
	}
	return nil
}

// registerLocalAgents serves agents whose keys this router holds. Their
// messages are decrypted and written to the log.
func registerLocalAgents(r *router.Router, keys []config.LocalKeyConfig, log *logrus.Logger) error {
	for _, k := range keys {
		k := k
		priv, err := security.LoadPrivateKeyFile(k.PrivateKeyPath)
		if err != nil {
			return fmt.Errorf("load key for %s: %w", k.AgentID, err)
		}
		agentLog := logger.NewContextualLogger(log)
		handler := func(_ context.Context, msg *a2a.Message) error {
			agentLog.WithMessage(msg.ID).WithCorrelation(msg.CorrelationID).
				Infof("Inbox %s: %s from %s: %s", k.AgentID, msg.Type, msg.From, string(msg.Body))
			return nil
		}
		if err := r.RegisterAgent(k.AgentID, handler, router.WithPrivateKey(priv)); err != nil {
			return err
		}
	}
	return nil
}

func (n *node) shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if n.api != nil {
		if err := n.api.Shutdown(ctx); err != nil {
			n.log.Errorf("API shutdown error: %v", err)
		}
	}
	if n.grpcServer != nil {
		n.grpcServer.GracefulStop()
	}
	if n.router != nil {
		n.router.Stop()
	}
	if n.discovery != nil {
		n.discovery.Stop()
	}
	if n.transports != nil {
		if err := n.transports.Close(); err != nil {
			n.log.Warnf("Transport shutdown: %v", err)
		}
	}
	if n.p2pHost != nil {
		_ = n.p2pHost.Close()
	}
	if n.replay != nil {
		_ = n.replay.Close()
	}
	if n.eventBus != nil {
		n.eventBus.Stop()
	}
}
