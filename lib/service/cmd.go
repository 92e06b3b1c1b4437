// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package service provides cmd.Handlers that load the site config
// and then run a long-lived HTTP service or a one-shot job.
package service

import (
	"context"
	"flag"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"git.arvados.org/dna.git/lib/cmd"
	"git.arvados.org/dna.git/lib/config"
	"git.arvados.org/dna.git/sdk/go/ctxlog"
	"git.arvados.org/dna.git/sdk/go/dna"
	"git.arvados.org/dna.git/sdk/go/health"
	"git.arvados.org/dna.git/sdk/go/httpserver"
	"github.com/coreos/go-systemd/daemon"
	"github.com/julienschmidt/httprouter"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
)

type Handler interface {
	http.Handler
	CheckHealth() error
	// Done returns a channel that closes when the handler shuts
	// itself down, or nil if this never happens.
	Done() <-chan struct{}
}

type NewHandlerFunc func(_ context.Context, _ *dna.Config, registry *prometheus.Registry) Handler

type command struct {
	newHandler NewHandlerFunc
	svcName    string
	ctx        context.Context // enables tests to shutdown service; no public API yet
}

// Command returns a cmd.Handler that loads the site config, calls
// newHandler, and serves the returned handler on the service's
// Listen address until the process is signaled or the handler's
// Done channel closes.
//
// The handler is wrapped with middleware that adds X-Request-Id
// headers, logs requests, records request metrics, and serves
// /_health/ping and /metrics.
func Command(svcName string, newHandler NewHandlerFunc) cmd.Handler {
	return &command{
		newHandler: newHandler,
		svcName:    svcName,
		ctx:        context.Background(),
	}
}

func (c *command) RunCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	log := ctxlog.New(stderr, "json", "info")

	var err error
	defer func() {
		if err != nil {
			log.WithError(err).Error("exiting")
		}
	}()

	flags := flag.NewFlagSet(prog, flag.ContinueOnError)
	flags.SetOutput(stderr)
	loader := config.NewLoader(stdin, log)
	loader.SetupFlags(flags)
	versionFlag := flags.Bool("version", false, "Write version information to stdout and exit 0")
	if ok, code := cmd.ParseFlags(flags, prog, args, stderr); !ok {
		return code
	} else if *versionFlag {
		return cmd.Version.RunCommand(prog, args, stdin, stdout, stderr)
	}

	cfg, err := loader.Load()
	if err != nil {
		return 1
	}
	listen, err := listenAddr(cfg, c.svcName)
	if err != nil {
		return 1
	}

	// Now that we've read the config, replace the bootstrap
	// logger with a new one according to the logging config.
	log = ctxlog.New(stderr, cfg.SystemLogs.Format, cfg.SystemLogs.LogLevel)
	logger := log.WithFields(logrus.Fields{
		"PID":     os.Getpid(),
		"Project": cfg.ProjectID,
	})
	ctx, cancel := signal.NotifyContext(c.ctx, syscall.SIGTERM, syscall.SIGINT)
	defer cancel()
	ctx = ctxlog.Context(ctx, logger)

	reg := newRegistry()
	handler := c.newHandler(ctx, cfg, reg)
	if err = handler.CheckHealth(); err != nil {
		return 1
	}

	srv := &httpserver.Server{
		Server: http.Server{
			Handler: httpserver.Instrument(reg,
				httpserver.AddRequestIDs(
					httpserver.LogRequests(logger,
						interceptMgmtReqs(cfg.ManagementToken, reg, handler, logger)))),
			BaseContext: func(net.Listener) context.Context { return ctx },
		},
		Addr: listen,
	}
	err = srv.Start()
	if err != nil {
		return 1
	}
	logger.WithFields(logrus.Fields{
		"Listen":  srv.Addr,
		"Service": c.svcName,
		"Version": cmd.Version.String(),
	}).Info("listening")
	if _, err := daemon.SdNotify(false, "READY=1"); err != nil {
		logger.WithError(err).Errorf("error notifying init daemon")
	}
	go func() {
		select {
		case <-ctx.Done():
		case <-handler.Done():
		}
		srv.Close()
	}()
	err = srv.Wait()
	if err != nil {
		return 1
	}
	return 0
}

// newRegistry returns a registry with the
// dna_version_running{version="..."} gauge.
func newRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	mVersion := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "dna",
		Name:      "version_running",
		Help:      "Indicated version is running.",
	}, []string{"version"})
	mVersion.WithLabelValues(cmd.Version.String()).Set(1)
	reg.MustRegister(mVersion)
	return reg
}

// interceptMgmtReqs serves GET /_health/ping and GET /metrics, and
// passes everything else to next.
func interceptMgmtReqs(mgmtToken string, reg *prometheus.Registry, next Handler, logger logrus.FieldLogger) http.Handler {
	mux := httprouter.New()
	mux.Handler("GET", "/_health/:check", &health.Handler{
		Token:  mgmtToken,
		Prefix: "/_health/",
		Routes: health.Routes{"ping": next.CheckHealth},
	})
	mux.Handler("GET", "/metrics", httpserver.MetricsHandler(reg, mgmtToken, logger))
	mux.NotFound = next
	mux.MethodNotAllowed = next
	mux.RedirectTrailingSlash = false
	mux.RedirectFixedPath = false
	return mux
}

func listenAddr(cfg *dna.Config, svcName string) (string, error) {
	if want := os.Getenv("DNA_SERVICE_LISTEN"); want != "" {
		return want, nil
	}
	switch svcName {
	case "controller":
		return cfg.Services.Controller.Listen, nil
	}
	return "", fmt.Errorf("unknown service name %q", svcName)
}
