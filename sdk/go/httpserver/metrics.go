// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package httpserver

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

// Instrument records request counts and durations in reg, labeled
// by response code and method.
func Instrument(reg *prometheus.Registry, next http.Handler) http.Handler {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	reqDuration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "dna",
		Subsystem: "http",
		Name:      "request_duration_seconds",
		Help:      "Time to handle HTTP requests.",
		Buckets:   []float64{.005, .05, .5, 5, 60, 600},
	}, []string{"code", "method"})
	reqCount := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "dna",
		Subsystem: "http",
		Name:      "requests_total",
		Help:      "Number of HTTP requests handled.",
	}, []string{"code", "method"})
	reg.MustRegister(reqDuration, reqCount)
	return promhttp.InstrumentHandlerDuration(reqDuration,
		promhttp.InstrumentHandlerCounter(reqCount, next))
}

// MetricsHandler serves the metrics in reg in the Prometheus text
// format. Requests must carry the given token, unless it is empty.
func MetricsHandler(reg *prometheus.Registry, token string, logger logrus.FieldLogger) http.Handler {
	return RequireToken(token, promhttp.HandlerFor(reg, promhttp.HandlerOpts{
		ErrorLog: errorLogger{logger},
	}))
}

type errorLogger struct {
	logrus.FieldLogger
}

func (el errorLogger) Println(v ...interface{}) {
	el.FieldLogger.Error(v...)
}
