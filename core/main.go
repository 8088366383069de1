package main

import (
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"lp-gateway-go/pkg/logger"
	"lp-gateway-go/source/protocol"
	"lp-gateway-go/source/server"
)

const VERSION = "1.0.0"

type Flags struct {
	Host        string
	Port        int
	MetricsAddr string
	LogLevel    string
	JSONLogs    bool

	TimestampToleranceSecs int
	SessionTTLMins         int
	MaxConcurrentForwards  int
}

func parseFlags() Flags {
	f := Flags{}
	flag.StringVar(&f.Host, "host", "0.0.0.0", "listen host")
	flag.IntVar(&f.Port, "port", 41264, "listen port")
	flag.StringVar(&f.MetricsAddr, "metrics-addr", "127.0.0.1:9100", "prometheus metrics address (empty to disable)")
	flag.StringVar(&f.LogLevel, "log-level", "info", "log level (debug, info, warn, error)")
	flag.BoolVar(&f.JSONLogs, "log-json", false, "emit JSON logs")
	flag.IntVar(&f.TimestampToleranceSecs, "timestamp-tolerance", 30, "client hello timestamp tolerance in seconds")
	flag.IntVar(&f.SessionTTLMins, "session-ttl", 30, "idle session TTL in minutes")
	flag.IntVar(&f.MaxConcurrentForwards, "max-forwards", 128, "maximum concurrent forward-channel opens")
	flag.Parse()
	return f
}

func main() {
	flags := parseFlags()

	logger.SetLevel(flags.LogLevel)
	if flags.JSONLogs {
		logger.UseJSON()
	}
	log := logger.L()

	localStatic, err := protocol.GenerateStaticKeypair()
	if err != nil {
		log.WithError(err).Fatal("generating static keypair")
	}

	cfg := server.Config{
		Host:                  flags.Host,
		Port:                  flags.Port,
		TimestampTolerance:    time.Duration(flags.TimestampToleranceSecs) * time.Second,
		SessionTTL:            time.Duration(flags.SessionTTLMins) * time.Minute,
		MaxConcurrentForwards: flags.MaxConcurrentForwards,
	}

	srv := server.NewServer(cfg, localStatic)

	log.WithField("version", VERSION).Info("lp gateway starting")

	if flags.MetricsAddr != "" {
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.Handler())
			if err := http.ListenAndServe(flags.MetricsAddr, mux); err != nil {
				log.WithError(err).Error("metrics endpoint failed")
			}
		}()
		log.WithField("addr", flags.MetricsAddr).Info("metrics endpoint enabled")
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM, syscall.SIGINT)

	errChan := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil {
			errChan <- err
		}
	}()

	select {
	case err := <-errChan:
		log.WithError(err).Fatal("server error")
	case sig := <-sigChan:
		log.WithField("signal", sig.String()).Info("shutting down")
		srv.Stop()
	}
}
