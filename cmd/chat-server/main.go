// Chat demo server.
//
// Configuration comes from flags, optionally overlaid on a YAML file:
//
//	chat-server -port 8080 -data ./data
//	chat-server -config server.yaml
package main

import (
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"

	"msgnet/internal/chat"
	"msgnet/server"
)

type config struct {
	Port        uint16 `yaml:"port"`
	MaxClients  int    `yaml:"max_clients"`
	DataDir     string `yaml:"data_dir"`
	LogLevel    string `yaml:"log_level"`
	Pretty      bool   `yaml:"pretty"`
	MetricsAddr string `yaml:"metrics_addr"`
}

func defaults() config {
	return config{
		Port:       8080,
		MaxClients: -1,
		DataDir:    "./data",
		LogLevel:   "info",
		Pretty:     true,
	}
}

func load(path string) (config, error) {
	cfg := defaults()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	err = yaml.Unmarshal(data, &cfg)
	return cfg, err
}

func newLogger(level string, pretty bool) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		lvl = zerolog.InfoLevel
	}
	var out = zerolog.New(os.Stdout)
	if pretty {
		out = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339})
	}
	return out.Level(lvl).With().Timestamp().Str("service", "chat-server").Logger()
}

func main() {
	cfgPath := flag.String("config", "", "optional YAML config file")
	port := flag.Uint("port", 0, "TCP port to listen on")
	dataDir := flag.String("data", "", "directory for persistent chat history")
	maxClients := flag.Int("max-clients", 0, "maximum simultaneous clients (-1 = unbounded)")
	metricsAddr := flag.String("metrics", "", "address for the prometheus /metrics endpoint")
	flag.Parse()

	cfg, err := load(*cfgPath)
	if err != nil {
		logger := zerolog.New(os.Stderr)
		logger.Fatal().Err(err).Msg("read config")
	}

	// Explicit flags win over the file.
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "port":
			cfg.Port = uint16(*port)
		case "data":
			cfg.DataDir = *dataDir
		case "max-clients":
			cfg.MaxClients = *maxClients
		case "metrics":
			cfg.MetricsAddr = *metricsAddr
		}
	})

	log := newLogger(cfg.LogLevel, cfg.Pretty)

	store, err := chat.NewStore(cfg.DataDir)
	if err != nil {
		log.Fatal().Err(err).Msg("open store")
	}

	registry := prometheus.NewRegistry()
	core := server.New(server.Config{
		MaxClients: cfg.MaxClients,
		Logger:     log,
		Registerer: registry,
	})
	chatSrv := chat.NewServer(core, store, log)

	if cfg.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
		go func() {
			if err := http.ListenAndServe(cfg.MetricsAddr, mux); err != nil {
				log.Error().Err(err).Msg("metrics endpoint stopped")
			}
		}()
		log.Info().Str("addr", cfg.MetricsAddr).Msg("serving /metrics")
	}

	if err := core.Start(cfg.Port); err != nil {
		log.Fatal().Err(err).Msg("start server")
	}

	// Graceful shutdown on SIGINT / SIGTERM.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info().Msg("shutting down")
	chatSrv.Shutdown(true)
}
