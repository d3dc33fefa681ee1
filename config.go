package main

import (
  "flag"
  "time"

  "github.com/robertof/go-ble-timepush/ble"
  "github.com/robertof/go-ble-timepush/scanner"
  "github.com/robertof/go-ble-timepush/session"
)

type config struct {
  Debug, Trace bool
  BindAddress string
  BluetoothDeviceId int
  BluetoothScanParams ble.ScanParams
  BluetoothConnParams ble.ConnParams
  ActiveScan bool
  SkipBootstrap bool
  ScanDuration time.Duration
  WriteInterval time.Duration
  SettleDelay time.Duration
  ConnectTimeout time.Duration
}

func ParseArgs() config {
  var cfg config

  cfg.BluetoothScanParams = ble.ScanParamsDefault
  cfg.BluetoothConnParams = ble.ConnParamsDefault

  flag.StringVar(&cfg.BindAddress, "bind", "localhost:9103", "Where the panel server will bind to")
  flag.IntVar(&cfg.BluetoothDeviceId, "bluetooth-device", 0, "Bluetooth (HCI) device ID")
  flag.Var(&cfg.BluetoothScanParams, "bluetooth-scan-params",
    "Bluetooth scan parameters (one of 'default' or 'low-power')")
  flag.Var(&cfg.BluetoothConnParams, "bluetooth-connection-params",
    "Bluetooth connection parameters (one of 'default' or 'power-saving')")
  flag.BoolVar(&cfg.ActiveScan, "active-scan", true,
    "Run active scans so peripherals report their local name")
  flag.BoolVar(&cfg.SkipBootstrap, "skip-bootstrap", false,
    "Skip the BlueZ adapter readiness check on startup")
  flag.DurationVar(&cfg.ScanDuration, "scan-duration", scanner.DefaultScanDuration,
    "How long each discovery sweep runs before stopping on its own")
  flag.DurationVar(&cfg.WriteInterval, "write-interval", session.DefaultWriteInterval,
    "How frequently the timestamp is pushed to connected devices")
  flag.DurationVar(&cfg.SettleDelay, "settle-delay", session.DefaultSettleDelay,
    "Wait after connecting before the device's service table is queried")
  flag.DurationVar(&cfg.ConnectTimeout, "connect-timeout", 0,
    "Cap on a single connect attempt. 0 waits indefinitely")
  flag.BoolVar(&cfg.Debug, "debug", false, "Enable debug logs")
  flag.BoolVar(&cfg.Trace, "trace", false, "Enable trace logs")

  flag.Parse()

  return cfg
}
