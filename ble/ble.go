package ble

import (
  "fmt"

  "github.com/go-ble/ble"
  "github.com/go-ble/ble/linux"
  "github.com/prometheus/client_golang/prometheus"
  "github.com/rs/zerolog/log"
)

type Advertisement = ble.Advertisement
type Characteristic = ble.Characteristic
type Service = ble.Service
type Profile = ble.Profile
type UUID = ble.UUID

// Handle owns the HCI device and is the single entry point for scanning and
// dialing peripherals.
type Handle struct {
  dev *linux.Device
}

func MustParseUUID(s string) UUID {
  return ble.MustParse(s)
}

func RegisterMetrics(reg prometheus.Registerer) {
  reg.MustRegister(
    successfulConnectionsCounter,
    failedConnectionsCounter,
    disconnectsCounter,
  )
}

func Init(deviceId int, flags Flags) (*Handle, error) {
  return InitWithParams(deviceId, ScanParamsDefault, ConnParamsDefault, flags)
}

func InitWithParams(
  deviceId int,
  scanParams ScanParams,
  connParams ConnParams,
  flags Flags,
) (*Handle, error) {
  var scanType scanType = scanTypePassive

  if flags & FlagScanTypeActive == FlagScanTypeActive {
    scanType = scanTypeActive
  }

  log.Debug().
    Stringer("ScanType", scanType).
    Stringer("ScanParams", &scanParams).
    Stringer("ConnParams", &connParams).
    Stringer("Flags", flags).
    Int("DeviceID", deviceId).
    Msg("Initializing Bluetooth device")

  dev, err := linux.NewDevice(
    ble.OptDeviceID(deviceId),
    ble.OptScanParams(scanParams.AdapterOptions(scanType)),
    ble.OptConnParams(connParams.AdapterOptions()),
  )

  if err != nil {
    return nil, fmt.Errorf("failed to init bluetooth device: %w", err)
  }

  ble.SetDefaultDevice(dev)

  return &Handle{
    dev: dev,
  }, nil
}

func (h *Handle) Stop() {
  h.dev.Stop()
}
