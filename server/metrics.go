// Copyright 2024 The Openlot Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package server

import (
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/uber-go/tally/v4"
	"github.com/uber-go/tally/v4/prometheus"
	"go.uber.org/zap"
)

// Metrics exposes the runtime counters on a dedicated Prometheus
// scrape endpoint.
type Metrics struct {
	logger *zap.Logger

	scope                tally.Scope
	scopeCloser          io.Closer
	prometheusHTTPServer *http.Server

	liveAuctions   tally.Gauge
	bidsAccepted   tally.Counter
	bidsRejected   tally.Counter
	itemsSold      tally.Counter
	itemsUnsold    tally.Counter
	auctionsEnded  tally.Counter
}

func NewMetrics(logger, startupLogger *zap.Logger, config Config) *Metrics {
	m := &Metrics{
		logger: logger,
	}

	reporter := prometheus.NewReporter(prometheus.Options{
		OnRegisterError: func(err error) {
			logger.Error("Error registering Prometheus metric", zap.Error(err))
		},
	})
	m.scope, m.scopeCloser = tally.NewRootScope(tally.ScopeOptions{
		Prefix:          "openlot",
		Tags:            map[string]string{"node": config.GetName()},
		CachedReporter:  reporter,
		Separator:       prometheus.DefaultSeparator,
		SanitizeOptions: &prometheus.DefaultSanitizerOpts,
	}, time.Duration(config.GetMetrics().ReportingFreqSec)*time.Second)

	m.liveAuctions = m.scope.Gauge("live_auctions")
	m.bidsAccepted = m.scope.Counter("bids_accepted")
	m.bidsRejected = m.scope.Counter("bids_rejected")
	m.itemsSold = m.scope.Counter("items_sold")
	m.itemsUnsold = m.scope.Counter("items_unsold")
	m.auctionsEnded = m.scope.Counter("auctions_ended")

	port := config.GetMetrics().Port
	if port > 0 {
		mux := http.NewServeMux()
		mux.Handle("/metrics", reporter.HTTPHandler())
		m.prometheusHTTPServer = &http.Server{
			Addr:         fmt.Sprintf(":%d", port),
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 10 * time.Second,
			Handler:      mux,
		}
		startupLogger.Info("Starting Prometheus server for metrics requests", zap.Int("port", port))
		go func() {
			if err := m.prometheusHTTPServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				startupLogger.Fatal("Prometheus listener failed", zap.Error(err))
			}
		}()
	}

	return m
}

// NewTestMetrics returns a metrics sink that records into a no-op scope.
func NewTestMetrics() *Metrics {
	scope := tally.NoopScope
	return &Metrics{
		logger: zap.NewNop(),
		scope:  scope,

		liveAuctions:  scope.Gauge("live_auctions"),
		bidsAccepted:  scope.Counter("bids_accepted"),
		bidsRejected:  scope.Counter("bids_rejected"),
		itemsSold:     scope.Counter("items_sold"),
		itemsUnsold:   scope.Counter("items_unsold"),
		auctionsEnded: scope.Counter("auctions_ended"),
	}
}

func (m *Metrics) GaugeLiveAuctions(value float64) {
	m.liveAuctions.Update(value)
}

func (m *Metrics) CountBidAccepted() {
	m.bidsAccepted.Inc(1)
}

func (m *Metrics) CountBidRejected() {
	m.bidsRejected.Inc(1)
}

func (m *Metrics) CountItemSold() {
	m.itemsSold.Inc(1)
}

func (m *Metrics) CountItemUnsold() {
	m.itemsUnsold.Inc(1)
}

func (m *Metrics) CountAuctionEnded() {
	m.auctionsEnded.Inc(1)
}

func (m *Metrics) Stop() {
	if m.prometheusHTTPServer != nil {
		if err := m.prometheusHTTPServer.Close(); err != nil {
			m.logger.Error("Error closing Prometheus listener", zap.Error(err))
		}
	}
	if m.scopeCloser != nil {
		if err := m.scopeCloser.Close(); err != nil {
			m.logger.Error("Error closing metrics scope", zap.Error(err))
		}
	}
}
