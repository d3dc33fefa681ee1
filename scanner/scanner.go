// Package scanner runs time-bounded discovery sweeps and feeds every
// advertisement into the peripheral registry.
package scanner

import (
  "context"
  "strings"
  "sync"
  "time"

  "github.com/prometheus/client_golang/prometheus"
  "github.com/robertof/go-ble-timepush/ble"
  "github.com/robertof/go-ble-timepush/registry"
  "github.com/robertof/go-ble-timepush/utils"
  "github.com/rs/zerolog/log"
)

const DefaultScanDuration = 10 * time.Second

var (
  scansStartedCounter = prometheus.NewCounter(prometheus.CounterOpts{
    Name: "timepush_scans_started_total",
  })
  advertisementsCounter = prometheus.NewCounter(prometheus.CounterOpts{
    Name: "timepush_scan_advertisements_total",
  })
)

func RegisterMetrics(reg prometheus.Registerer) {
  reg.MustRegister(scansStartedCounter, advertisementsCounter)
}

// Radio is the slice of the BLE handle the controller needs.
type Radio interface {
  Scan(ctx context.Context, allowDuplicates bool, onAdvertisement func(ble.Advertisement)) error
}

type Controller struct {
  // How long each discovery sweep runs before stopping on its own.
  Duration time.Duration

  ctx context.Context
  radio Radio
  reg *registry.Registry

  mu sync.Mutex
  active bool

  onState func(active bool)
}

// ctx bounds the lifetime of every sweep; canceling it stops an in-flight scan.
func New(ctx context.Context, radio Radio, reg *registry.Registry) *Controller {
  return &Controller{
    Duration: DefaultScanDuration,
    ctx: ctx,
    radio: radio,
    reg: reg,
  }
}

// Register a listener invoked when scanning flips on or off. Must be called
// before the controller is shared across goroutines.
func (c *Controller) SetStateListener(f func(active bool)) {
  c.onState = f
}

func (c *Controller) Active() bool {
  c.mu.Lock()
  defer c.mu.Unlock()

  return c.active
}

// Begin a discovery sweep. Returns false without touching the registry when a
// sweep is already running. The sweep self-terminates after c.Duration; any
// failure path resets the scanning flag before it is reported.
func (c *Controller) Start() bool {
  c.mu.Lock()

  if c.active {
    c.mu.Unlock()
    log.Debug().Msg("scanner: scan already in progress, ignoring request")
    return false
  }

  c.active = true
  c.mu.Unlock()

  c.reg.Clear()
  scansStartedCounter.Inc()

  log.Info().Dur("Duration", c.Duration).Msg("scanner: starting discovery sweep")

  if c.onState != nil {
    c.onState(true)
  }

  go c.run()

  return true
}

func (c *Controller) run() {
  ctx, cancel := context.WithTimeout(c.ctx, c.Duration)
  defer cancel()

  err := c.radio.Scan(ctx, true, c.onAdvertisement)

  c.mu.Lock()
  c.active = false
  c.mu.Unlock()

  if err != nil && !utils.ErrorIsAnyOf(err, context.DeadlineExceeded, context.Canceled) {
    log.Error().Err(err).Msg("scanner: discovery sweep failed")
  } else {
    log.Info().Msg("scanner: discovery sweep finished")
  }

  if c.onState != nil {
    c.onState(false)
  }
}

func (c *Controller) onAdvertisement(a ble.Advertisement) {
  advertisementsCounter.Inc()

  services := make([]string, 0, len(a.Services()))

  for _, uuid := range a.Services() {
    services = append(services, uuid.String())
  }

  rec := registry.Record{
    Addr: strings.ToLower(a.Addr().String()),
    Name: a.LocalName(),
    RSSI: a.RSSI(),
    ManufacturerData: a.ManufacturerData(),
    Services: services,
  }

  log.Trace().
    Stringer("Device", rec).
    Hex("ManufacturerData", a.ManufacturerData()).
    Msg("scanner: received advertisement")

  c.reg.Upsert(rec)
}
