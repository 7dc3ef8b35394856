package ledger

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type metrics struct {
	listings *prometheus.GaugeVec
	brands   prometheus.Gauge
	clients  prometheus.Gauge
	treasury prometheus.Gauge
}

func newMetrics(reg prometheus.Registerer) *metrics {
	if reg == nil {
		return nil
	}
	factory := promauto.With(reg)
	return &metrics{
		listings: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "maison_marketplace_listings",
			Help: "Listings held by the marketplace, by store",
		}, []string{"store"}),
		brands: factory.NewGauge(prometheus.GaugeOpts{
			Name: "maison_marketplace_brands",
			Help: "Registered brands",
		}),
		clients: factory.NewGauge(prometheus.GaugeOpts{
			Name: "maison_marketplace_clients",
			Help: "Registered clients",
		}),
		treasury: factory.NewGauge(prometheus.GaugeOpts{
			Name: "maison_marketplace_treasury_wei",
			Help: "Marketplace treasury balance in wei",
		}),
	}
}

func (m *Marketplace) observe() {
	if m.metrics == nil {
		return
	}
	m.host.View(func() {
		m.metrics.listings.WithLabelValues("active").Set(float64(countListings(m.active)))
		m.metrics.listings.WithLabelValues("sold").Set(float64(countListings(m.sold)))
		m.metrics.brands.Set(float64(len(m.brands)))
		m.metrics.clients.Set(float64(len(m.clients)))
		if bal, err := m.treasury.Balance(m.cfg.Admin); err == nil {
			m.metrics.treasury.Set(bal.Float64())
		}
	})
}
