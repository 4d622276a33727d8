package app

import (
	"net/http"
	"sort"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	jsoniter "github.com/json-iterator/go"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/dshills/modshell/internal/bridge"
	"github.com/dshills/modshell/internal/core"
	"github.com/dshills/modshell/internal/plugin"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// pluginStatus is one row of GET /api/plugins.
type pluginStatus struct {
	Name    string `json:"name"`
	Kind    string `json:"kind"`
	Version string `json:"version"`
	Loaded  bool   `json:"loaded"`
	Icon    string `json:"icon,omitempty"`
}

// newRouter serves:
//
//	GET /healthz
//	GET /metrics              Prometheus exposition
//	GET /bridge/{module}      websocket bridge to a loaded module
//	GET /api/modules          module records
//	GET /api/plugins          UI plugins
//	GET /api/stats            last module usage sample
func newRouter(app *Application) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})

	if app.cfg.Server.Metrics {
		r.Handle("/metrics", promhttp.HandlerFor(app.registry, promhttp.HandlerOpts{}))
	}
	if app.cfg.Server.RemoteBridge {
		r.Mount("/bridge", bridge.NewServer(app.transport, app.logger.Named("ws")).Routes())
	}

	r.Route("/api", func(r chi.Router) {
		r.Get("/modules", func(w http.ResponseWriter, _ *http.Request) {
			infos := make([]core.ModuleInfo, 0)
			for _, name := range app.runtime.GetKnownPlugins() {
				info, ok := app.runtime.Info(name)
				if !ok {
					info = core.ModuleInfo{Name: name, Status: plugin.StateUnknown.String()}
					if m, found := app.modules.Get(name); found {
						info.Version = m.Version
					}
				}
				infos = append(infos, info)
			}
			app.writeJSON(w, infos)
		})

		r.Get("/plugins", func(w http.ResponseWriter, _ *http.Request) {
			out := make([]pluginStatus, 0)
			for _, m := range app.shell.Available() {
				_, loaded := app.shell.Get(m.Name)
				icon, _ := app.shell.Icon(m.Name)
				out = append(out, pluginStatus{
					Name:    m.Name,
					Kind:    m.Kind().String(),
					Version: m.Version,
					Loaded:  loaded,
					Icon:    icon,
				})
			}
			app.writeJSON(w, out)
		})

		r.Get("/stats", func(w http.ResponseWriter, _ *http.Request) {
			snap := app.poller.Snapshot()
			stats := make([]core.ModuleStats, 0, len(snap))
			for _, s := range snap {
				stats = append(stats, s)
			}
			sort.Slice(stats, func(i, j int) bool { return stats[i].Name < stats[j].Name })
			app.writeJSON(w, stats)
		})
	})

	return r
}

func (app *Application) writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		app.logger.Warn("response encoding failed", zap.Error(err))
	}
}
