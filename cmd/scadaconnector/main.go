// Command scadaconnector connects to a signal service, subscribes to the
// configured signals and logs every value and status change until stopped.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/cyberinferno/scada-connector/config"
	"github.com/cyberinferno/scada-connector/connector"
	"github.com/cyberinferno/scada-connector/gateway"
	"github.com/cyberinferno/scada-connector/logger"
	"github.com/cyberinferno/scada-connector/sessionstore"
	"github.com/cyberinferno/scada-connector/status"
)

const serviceName = "scadaconnector"

func main() {
	configPath := flag.String("config", "scadaconnector.yaml", "path to the configuration file")
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s [-config FILE] [run | read NAME... | write NAME=VALUE...]\n", os.Args[0])
		flag.PrintDefaults()
	}
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, *configPath, flag.Args()); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, configPath string, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	log, err := logger.New(logger.Config{
		ServiceName: serviceName,
		Level:       cfg.Logging.Level,
		Dir:         cfg.Logging.Dir,
	})
	if err != nil {
		return fmt.Errorf("creating logger: %w", err)
	}
	defer log.Close()

	store, closeStore, err := newStore(cfg.Store)
	if err != nil {
		return err
	}
	defer closeStore()

	c, err := connector.New(connector.Options{
		Gateway:          gateway.NewHTTPGateway(&http.Client{Timeout: 30 * time.Second}, log),
		Store:            store,
		Logger:           log,
		Debounce:         cfg.Timing.Debounce,
		Cooldown:         cfg.Timing.Cooldown,
		Backoff:          cfg.Timing.Backoff,
		FailureThreshold: cfg.Timing.FailureThreshold,
	})
	if err != nil {
		return fmt.Errorf("creating connector: %w", err)
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := c.Close(closeCtx); err != nil {
			log.Warn("close failed", logger.Err(err))
		}
	}()

	c.SetStatusCallback(func(ns status.NodeStatus) {
		log.Info("status", logger.Field{Key: "text", Value: ns.Text}, logger.Field{Key: "fill", Value: ns.Fill})
	})

	params := connector.ConnectParams{
		URL:          cfg.Server.URL,
		PollInterval: cfg.Server.PollInterval,
		UserName:     cfg.Server.UserName,
		Password:     cfg.Server.Password,
		MaxRetries:   cfg.Server.MaxRetries,
		WindowsUser:  cfg.Server.WindowsUser,
	}

	cmd := "run"
	if len(args) > 0 {
		cmd, args = args[0], args[1:]
	}

	switch cmd {
	case "run":
		return runWatch(ctx, c, cfg, params, log)
	case "read":
		return runRead(ctx, c, params, args)
	case "write":
		return runWrite(ctx, c, params, args)
	default:
		return fmt.Errorf("unknown command %q", cmd)
	}
}

func newStore(cfg config.StoreConfig) (sessionstore.Store, func(), error) {
	if cfg.Backend != config.StoreRedis {
		return sessionstore.NewMemoryStore(), func() {}, nil
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	return sessionstore.NewRedisStore(client, cfg.Redis.Prefix), func() { _ = client.Close() }, nil
}

func runWatch(ctx context.Context, c *connector.Connector, cfg *config.Config, params connector.ConnectParams, log logger.Logger) error {
	handler := func(name string, value any) {
		log.Info("signal value", logger.Field{Key: "signal", Value: name}, logger.Field{Key: "value", Value: value})
	}

	for _, name := range cfg.Signals.Names {
		if _, err := c.Subscribe(name, handler); err != nil {
			return fmt.Errorf("subscribing %s: %w", name, err)
		}
	}

	if err := c.Connect(ctx, params); err != nil {
		return fmt.Errorf("connecting: %w", err)
	}

	if cfg.Signals.Count > 0 {
		n, err := c.SubscribeDefinitions(ctx, nil, cfg.Signals.Count, handler)
		if err != nil {
			return fmt.Errorf("subscribing definitions: %w", err)
		}
		log.Info("subscribed signal definitions", logger.Field{Key: "count", Value: n})
	}

	<-ctx.Done()
	log.Info("shutting down")
	return nil
}

func runRead(ctx context.Context, c *connector.Connector, params connector.ConnectParams, names []string) error {
	if len(names) == 0 {
		return fmt.Errorf("read needs at least one signal name")
	}
	if err := c.Connect(ctx, params); err != nil {
		return fmt.Errorf("connecting: %w", err)
	}

	values, err := c.ReadSignals(ctx, names)
	if err != nil {
		return fmt.Errorf("reading signals: %w", err)
	}
	for i, v := range values {
		if i >= len(names) {
			break
		}
		fmt.Printf("%s\t%v\t(%d)\n", names[i], v.Value, v.Result)
	}
	return nil
}

func runWrite(ctx context.Context, c *connector.Connector, params connector.ConnectParams, pairs []string) error {
	values := make([]gateway.KeyValue, 0, len(pairs))
	for _, p := range pairs {
		key, value, ok := strings.Cut(p, "=")
		if !ok || key == "" {
			return fmt.Errorf("invalid assignment %q, expected NAME=VALUE", p)
		}
		values = append(values, gateway.KeyValue{Key: key, Value: value})
	}
	if len(values) == 0 {
		return fmt.Errorf("write needs at least one NAME=VALUE")
	}

	if err := c.Connect(ctx, params); err != nil {
		return fmt.Errorf("connecting: %w", err)
	}

	res := c.WriteSignals(ctx, values)
	if res.Err != nil {
		return fmt.Errorf("writing signals: %w", res.Err)
	}
	if !res.Successful {
		return fmt.Errorf("writing signals: %s", res.ErrorMessage)
	}
	fmt.Println("ok")
	return nil
}
