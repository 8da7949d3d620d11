package main

import (
	"flag"
	"net"
	"net/http"
	"os"
	"strings"

	"github.com/go-kit/kit/log"
	"github.com/go-kit/kit/log/level"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"kestrel/internal/accounts"
	"kestrel/internal/backend"
	"kestrel/internal/blobstorage"
	"kestrel/internal/conf"
	"kestrel/internal/db"
	"kestrel/internal/server"
	"kestrel/internal/store"
)

func initLogger(loglevel string) log.Logger {
	logger := log.NewJSONLogger(log.NewSyncWriter(os.Stdout))
	logger = log.With(logger,
		"ts", log.DefaultTimestampUTC,
		"caller", log.DefaultCaller,
	)
	switch strings.ToLower(loglevel) {
	case "debug":
		logger = level.NewFilter(logger, level.AllowDebug())
	case "warn":
		logger = level.NewFilter(logger, level.AllowWarn())
	case "error":
		logger = level.NewFilter(logger, level.AllowError())
	default:
		logger = level.NewFilter(logger, level.AllowInfo())
	}
	return logger
}

func main() {
	configPath := flag.String("config", "", "Path to configuration file")
	dbPath := flag.String("db", "", "Path to database directory (overrides config)")
	flag.Parse()

	cfg, err := conf.Load(*configPath)
	if err != nil {
		os.Stderr.WriteString("failed to load configuration: " + err.Error() + "\n")
		os.Exit(1)
	}
	if *dbPath != "" {
		cfg.Database.Path = *dbPath
	}
	logger := initLogger(cfg.LogLevel)

	manager, err := db.NewManager(cfg.Database.Path)
	if err != nil {
		level.Error(logger).Log("msg", "failed to initialize databases", "err", err.Error())
		os.Exit(1)
	}
	defer func() {
		if err := manager.Close(); err != nil {
			level.Warn(logger).Log("msg", "error closing databases", "err", err.Error())
		}
	}()
	level.Info(logger).Log("msg", "databases initialized", "path", cfg.Database.Path)

	var blobs *blobstorage.S3BlobStorage
	if cfg.BlobStorage.Enabled {
		blobs, err = blobstorage.NewS3BlobStorage(cfg.BlobStorage)
		if err != nil {
			level.Warn(logger).Log("msg", "S3 blob storage unavailable, falling back to SQLite", "err", err.Error())
			blobs = nil
		} else {
			level.Info(logger).Log("msg", "S3 blob storage initialized", "bucket", cfg.BlobStorage.Bucket)
		}
	}

	var upgrader backend.TLSUpgrader
	if cfg.TLS.Cert != "" {
		upgrader, err = server.NewTLSUpgrader(cfg.TLS.Cert, cfg.TLS.Key)
		if err != nil {
			level.Warn(logger).Log("msg", "TLS disabled", "err", err.Error())
			upgrader = nil
		}
	}

	accountStore := accounts.NewStore(manager.SharedDB(), cfg.Auth.JWTSecret)
	stores := store.NewStores(manager, blobs)
	srv := server.New(cfg, accountStore, stores, upgrader, logger)

	var g errgroup.Group

	g.Go(func() error {
		ln, err := net.Listen("tcp", cfg.Listen) // #nosec G102 -- IMAP listens on all interfaces
		if err != nil {
			return err
		}
		level.Info(logger).Log("msg", "IMAP listener started", "addr", cfg.Listen)
		return srv.Serve(ln)
	})

	if upgrader != nil {
		g.Go(func() error {
			ln, err := net.Listen("tcp", cfg.ListenTLS) // #nosec G102 -- IMAPS listens on all interfaces
			if err != nil {
				return err
			}
			level.Info(logger).Log("msg", "IMAPS listener started", "addr", cfg.ListenTLS)
			for {
				conn, err := ln.Accept()
				if err != nil {
					return err
				}
				go func() {
					tlsConn, err := upgrader.Upgrade(conn)
					if err != nil {
						level.Debug(logger).Log("msg", "IMAPS handshake failed", "err", err.Error())
						_ = conn.Close()
						return
					}
					srv.HandleConnection(tlsConn)
				}()
			}
		})
	}

	if cfg.Metrics.Addr != "" {
		g.Go(func() error {
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.Handler())
			level.Info(logger).Log("msg", "metrics endpoint started", "addr", cfg.Metrics.Addr)
			return http.ListenAndServe(cfg.Metrics.Addr, mux)
		})
	}

	if err := g.Wait(); err != nil {
		level.Error(logger).Log("msg", "server terminated", "err", err.Error())
		os.Exit(1)
	}
}
