// Package metrics holds the Prometheus instruments of the relay, grouped per
// area and registered on an explicit registry.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "lifeos_realtime"

// NewRegistry creates a registry with Go runtime and process collectors and a
// constant build_info gauge identifying this instance.
func NewRegistry(instanceID, version string) *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	buildInfo := prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace:   namespace,
		Name:        "build_info",
		Help:        "Always 1; labels identify the running relay instance.",
		ConstLabels: prometheus.Labels{"instance_id": instanceID, "version": version},
	})
	buildInfo.Set(1)
	reg.MustRegister(buildInfo)
	return reg
}

// Handler serves the registry in the Prometheus exposition format.
func Handler(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg})
}
