package runtime

import (
	"net/http"
	"strings"

	"github.com/drblury/ipcproxy/internal/runtime/descriptor"
	"github.com/drblury/ipcproxy/internal/runtime/jsoncodec"
	loggingpkg "github.com/drblury/ipcproxy/internal/runtime/logging"
)

// ServiceInfo describes one registered service for introspection.
type ServiceInfo struct {
	Channel       string                             `json:"channel"`
	Properties    map[string]descriptor.PropertyKind `json:"properties"`
	ActiveStreams int                                `json:"activeStreams"`
}

// Services returns the registered services sorted by channel.
func (d *Dispatcher) Services() []ServiceInfo {
	d.mu.Lock()
	services := make([]*service, 0, len(d.services))
	for _, ch := range d.channelsLocked() {
		services = append(services, d.services[ch])
	}
	d.mu.Unlock()

	infos := make([]ServiceInfo, 0, len(services))
	for _, svc := range services {
		svc.mu.Lock()
		active := len(svc.streams)
		svc.mu.Unlock()
		infos = append(infos, ServiceInfo{
			Channel:       svc.desc.Channel,
			Properties:    svc.desc.Clone().Properties,
			ActiveStreams: active,
		})
	}
	return infos
}

// ServicesHandler serves Services as JSON. Browsers from allowedOrigins may
// read it cross-origin; "*" allows any origin.
func (d *Dispatcher) ServicesHandler(allowedOrigins ...string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")

		if origin := allowedOrigin(allowedOrigins, r.Header.Get("Origin")); origin != "" {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		}

		switch r.Method {
		case http.MethodOptions:
			w.WriteHeader(http.StatusNoContent)
			return
		case http.MethodGet, http.MethodHead:
		default:
			http.Error(w, "Method Not Allowed", http.StatusMethodNotAllowed)
			return
		}

		if err := jsoncodec.Encode(w, d.Services()); err != nil {
			d.Logger.Error("Failed to encode services", err, loggingpkg.LogFields{"path": r.URL.Path})
			http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		}
	})
}

func allowedOrigin(allowed []string, requestOrigin string) string {
	for _, a := range allowed {
		if a == "*" {
			return "*"
		}
		if strings.EqualFold(a, requestOrigin) {
			return requestOrigin
		}
	}
	return ""
}
