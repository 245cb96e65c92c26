package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/OmarB97/trynano-server/internal/config"
	"github.com/OmarB97/trynano-server/internal/factory"
	"github.com/OmarB97/trynano-server/internal/handler"
	"github.com/OmarB97/trynano-server/internal/util"
)

func main() {
	envFile := flag.String("env", ".env", "path to an optional .env file")
	flag.Parse()

	cfg, err := config.Load(*envFile)
	if err != nil {
		util.Fatal("Failed to load configuration", util.ErrorField(err))
	}
	util.Init(cfg.Environment, cfg.Logging.Level, cfg.Logging.Format)
	defer util.Sync()

	// In development a misconfigured server still starts and answers every
	// request with the configuration error.
	cfgErr := cfg.Validate()
	if cfgErr != nil {
		if cfg.IsProduction() {
			util.Fatal("Invalid configuration", util.ErrorField(cfgErr))
		}
		util.Warn("Invalid configuration - all requests will fail", util.ErrorField(cfgErr))
	}

	f, err := factory.NewFactory(cfg)
	if err != nil {
		util.Fatal("Failed to initialize factory", util.ErrorField(err))
	}

	router := setupRouter(f, cfgErr)

	server := &http.Server{
		Addr:         cfg.GetServerAddress(),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)
	defer stop()

	if cfgErr == nil && cfg.Sweep.Interval > 0 {
		sweeper := f.ServiceFactory().SweepService()
		go sweeper.RunEvery(ctx, cfg.Sweep.Interval, cfg.Sweep.Timeout)
	}

	var servers []*http.Server
	if cfg.Server.EnableTLS {
		tlsManager := f.TLSManager()
		server.TLSConfig = tlsManager.TLSConfig()

		// ACME http-01 challenges and redirects are answered on :80.
		if acm := tlsManager.AutocertManager(); acm != nil {
			challenge := &http.Server{
				Addr:              ":80",
				Handler:           acm.HTTPHandler(nil),
				ReadHeaderTimeout: 10 * time.Second,
			}
			go serve(challenge, false)
			servers = append(servers, challenge)
		}
		util.Info("Starting HTTPS server",
			util.String("environment", cfg.Environment),
			util.String("address", server.Addr),
			util.Bool("auto_cert", cfg.Server.AutoCert),
		)
	} else {
		util.Warn("Starting HTTP server - TLS is disabled",
			util.String("environment", cfg.Environment),
			util.String("address", server.Addr),
		)
	}
	go serve(server, cfg.Server.EnableTLS)
	servers = append(servers, server)

	<-ctx.Done()
	util.Info("Received shutdown signal")
	shutdown(f, servers...)
}

func setupRouter(f *factory.Factory, cfgErr error) http.Handler {
	cfg := f.Config()
	// An invalid list is reported by Validate; trust no proxy in that case.
	proxies, err := cfg.Server.TrustedProxyPrefixes()
	if err != nil {
		proxies = nil
	}
	faucetHandler := handler.NewFaucetHandler(f.ServiceFactory().FaucetService(), util.Named("http"))
	return handler.NewRouter(faucetHandler, handler.RouterOptions{
		AllowedOrigins: cfg.Server.AllowedOrigins,
		RequestTimeout: cfg.Server.RequestTimeout,
		ConfigErr:      cfgErr,
		Captcha:        f.CaptchaClient(),
		Health:         f,
		TrustedProxies: proxies,
	}, util.Named("http"))
}

func serve(server *http.Server, withTLS bool) {
	var err error
	if withTLS {
		// Certificates come from TLSConfig.GetCertificate.
		err = server.ListenAndServeTLS("", "")
	} else {
		err = server.ListenAndServe()
	}
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		util.Fatal("Server failed", util.String("address", server.Addr), util.ErrorField(err))
	}
}

func shutdown(f *factory.Factory, servers ...*http.Server) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	for _, srv := range servers {
		if err := srv.Shutdown(ctx); err != nil {
			util.Error("Failed to shutdown server gracefully", util.ErrorField(err))
		} else {
			util.Info("Server shutdown completed", util.String("address", srv.Addr))
		}
	}
	f.Close()
}
