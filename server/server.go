// Package server is the presentation layer: a thin HTTP surface over the
// registry view and the scan/connect action dispatcher, plus a WebSocket
// stream of device updates. It owns no BLE state of its own.
package server

import (
  "context"
  "encoding/json"
  "net/http"
  "time"

  "github.com/gorilla/mux"
  "github.com/prometheus/client_golang/prometheus"
  "github.com/prometheus/client_golang/prometheus/promhttp"
  "github.com/robertof/go-ble-timepush/registry"
  "github.com/robertof/go-ble-timepush/utils"
  "github.com/rs/zerolog/log"
)

// View is the read-only slice of the registry exposed to the UI.
type View interface {
  Visible() []registry.Record
}

// Dispatcher carries user actions into the scan and session layers.
type Dispatcher interface {
  StartScan() bool
  Toggle(addr string)
}

type Server struct {
  view View
  dispatcher Dispatcher
  hub *Hub
  router *mux.Router
}

func New(view View, dispatcher Dispatcher, promReg *prometheus.Registry) *Server {
  s := &Server{
    view: view,
    dispatcher: dispatcher,
    hub: NewHub(),
    router: mux.NewRouter(),
  }

  s.router.HandleFunc("/devices", s.handleDevices).Methods(http.MethodGet)
  s.router.HandleFunc("/scan", s.handleScan).Methods(http.MethodPost)
  s.router.HandleFunc("/devices/{addr}/toggle", s.handleToggle).Methods(http.MethodPost)
  s.router.HandleFunc("/ws", s.handleWebSocket)
  s.router.Handle("/metrics", promhttp.HandlerFor(promReg, promhttp.HandlerOpts{}))

  return s
}

// DeviceUpdated pushes a record change to every connected UI.
func (s *Server) DeviceUpdated(rec registry.Record) {
  s.hub.Broadcast(Event{
    Type: EventDeviceUpdated,
    Payload: rec,
  })
}

// ScanStateChanged announces scan start/stop to every connected UI.
func (s *Server) ScanStateChanged(active bool) {
  s.hub.Broadcast(Event{
    Type: EventScanState,
    Payload: active,
  })
}

func (s *Server) handleDevices(w http.ResponseWriter, r *http.Request) {
  devices := s.view.Visible()

  log.Trace().
    Array("Devices", utils.ToZeroLogArray(devices)).
    Msg("server: serving device list")

  w.Header().Set("Content-Type", "application/json")

  if err := json.NewEncoder(w).Encode(devices); err != nil {
    log.Warn().Err(err).Msg("server: failed to encode device list")
  }
}

func (s *Server) handleScan(w http.ResponseWriter, r *http.Request) {
  started := s.dispatcher.StartScan()

  w.Header().Set("Content-Type", "application/json")
  w.WriteHeader(http.StatusAccepted)

  json.NewEncoder(w).Encode(map[string]bool{"started": started})
}

func (s *Server) handleToggle(w http.ResponseWriter, r *http.Request) {
  addr := mux.Vars(r)["addr"]

  // connect/disconnect outcomes are never surfaced as user-visible errors;
  // the UI just observes the resulting state over the event stream.
  s.dispatcher.Toggle(addr)

  w.WriteHeader(http.StatusAccepted)
}

// Run serves until ctx is canceled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context, bindAddress string) error {
  srv := &http.Server{
    Addr: bindAddress,
    Handler: s.router,
  }

  go func() {
    <-ctx.Done()

    shutdownCtx, cancel := context.WithTimeout(context.Background(), 5 * time.Second)
    defer cancel()

    if err := srv.Shutdown(shutdownCtx); err != nil {
      log.Warn().Err(err).Msg("server: graceful shutdown failed")
    }
  }()

  log.Info().Str("BindAddr", bindAddress).Msg("server: listening")

  err := srv.ListenAndServe()

  if err == http.ErrServerClosed {
    return nil
  }

  return err
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler {
  return s.router
}
