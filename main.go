package main

import (
  "context"
  "os"
  "os/signal"
  "syscall"
  "time"

  "github.com/prometheus/client_golang/prometheus"
  "github.com/robertof/go-ble-timepush/ble"
  "github.com/robertof/go-ble-timepush/bootstrap"
  "github.com/robertof/go-ble-timepush/metrics"
  "github.com/robertof/go-ble-timepush/registry"
  "github.com/robertof/go-ble-timepush/scanner"
  "github.com/robertof/go-ble-timepush/server"
  "github.com/robertof/go-ble-timepush/session"
  "github.com/rs/zerolog"
  "github.com/rs/zerolog/log"
  "golang.org/x/sync/errgroup"
)

// dispatcher routes user actions from the presentation layer into the scan
// controller and the session manager.
type dispatcher struct {
  scans *scanner.Controller
  sessions *session.Manager
}

func (d dispatcher) StartScan() bool {
  return d.scans.Start()
}

func (d dispatcher) Toggle(addr string) {
  d.sessions.Toggle(addr)
}

func main() {
  zerolog.DurationFieldUnit = time.Second
  zerolog.TimeFieldFormat = time.RFC3339Nano

  log.Logger = log.Output(zerolog.ConsoleWriter{
    Out: os.Stderr,
    TimeFormat: "15:04:05.000",
  })

  cfg := ParseArgs()

  if cfg.Trace || os.Getenv("TRACE") != "" {
      zerolog.SetGlobalLevel(zerolog.TraceLevel)
  } else if cfg.Debug || os.Getenv("DEBUG") != "" {
      zerolog.SetGlobalLevel(zerolog.DebugLevel)
  } else {
      zerolog.SetGlobalLevel(zerolog.InfoLevel)
  }

  log.Info().
    Str("BindAddr", cfg.BindAddress).
    Int("BluetoothDeviceID", cfg.BluetoothDeviceId).
    Dur("ScanDurationSec", cfg.ScanDuration).
    Dur("WriteIntervalSec", cfg.WriteInterval).
    Msg("Starting with the specified configuration")

  if !cfg.SkipBootstrap {
    // advisory only: scanning is attempted even when the check fails,
    // leaving enforcement to the BLE stack.
    if err := bootstrap.CheckAdapter(cfg.BluetoothDeviceId); err != nil {
      log.Warn().Err(err).Msg("Bluetooth adapter readiness check failed, continuing anyway")
    }
  }

  bleHandle := initBle(cfg)
  defer bleHandle.Stop()

  ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
  defer stop()

  reg := registry.New()

  scans := scanner.New(ctx, bleHandle, reg)
  scans.Duration = cfg.ScanDuration

  sessions := session.New(ctx, bleHandle, reg)
  sessions.WriteInterval = cfg.WriteInterval
  sessions.SettleDelay = cfg.SettleDelay
  sessions.ConnectTimeout = cfg.ConnectTimeout

  promReg := prometheus.NewRegistry()
  ble.RegisterMetrics(promReg)
  scanner.RegisterMetrics(promReg)
  session.RegisterMetrics(promReg)
  metrics.RegisterCollector(reg.Snapshot, promReg)

  srv := server.New(reg, dispatcher{scans: scans, sessions: sessions}, promReg)

  reg.SetListener(srv.DeviceUpdated)
  scans.SetStateListener(srv.ScanStateChanged)

  g, ctx := errgroup.WithContext(ctx)

  g.Go(func() error {
    return srv.Run(ctx, cfg.BindAddress)
  })

  if err := g.Wait(); err != nil {
    log.Error().Err(err).Msg("Server terminated with an error")
  }

  sessions.Shutdown()

  log.Info().Msg("Shut down cleanly")
}

func initBle(cfg config) *ble.Handle {
  var bleFlags ble.Flags

  if cfg.ActiveScan {
    bleFlags |= ble.FlagScanTypeActive
  }

  bleHandle, err := ble.InitWithParams(
    cfg.BluetoothDeviceId,
    cfg.BluetoothScanParams,
    cfg.BluetoothConnParams,
    bleFlags,
  )

  if err != nil {
    log.Fatal().Err(err).Msg("Failed to initialize Bluetooth device")
  }

  return bleHandle
}
