// Package bootstrap verifies at startup that the host Bluetooth stack is
// actually usable: BlueZ is on the system bus and the adapter is powered.
// Nothing blocks on the outcome; a failed check is logged and scanning is
// attempted anyway, leaving enforcement to the BLE stack itself.
package bootstrap

import (
  "fmt"

  "github.com/godbus/dbus/v5"
  "github.com/pkg/errors"
  "github.com/rs/zerolog/log"
)

const (
  busName = "org.bluez"
  adapterIface = "org.bluez.Adapter1"
  propsIface = "org.freedesktop.DBus.Properties"
)

func adapterPath(deviceId int) dbus.ObjectPath {
  return dbus.ObjectPath(fmt.Sprintf("/org/bluez/hci%d", deviceId))
}

type bluez struct {
  conn *dbus.Conn
}

func connect() (*bluez, error) {
  conn, err := dbus.SystemBus()

  if err != nil {
    return nil, errors.Wrap(err, "failed to connect to system bus")
  }

  var names []string

  if err := conn.BusObject().Call("org.freedesktop.DBus.ListNames", 0).Store(&names); err != nil {
    conn.Close()
    return nil, errors.Wrap(err, "failed to list bus names")
  }

  for _, n := range names {
    if n == busName {
      return &bluez{conn: conn}, nil
    }
  }

  conn.Close()

  return nil, errors.New("org.bluez not found on system bus - is bluetooth.service running?")
}

func (b *bluez) close() {
  b.conn.Close()
}

func (b *bluez) powered(path dbus.ObjectPath) (bool, error) {
  obj := b.conn.Object(busName, path)

  var v dbus.Variant

  if err := obj.Call(propsIface+".Get", 0, adapterIface, "Powered").Store(&v); err != nil {
    return false, errors.Wrap(err, "failed to read adapter Powered property")
  }

  val, ok := v.Value().(bool)

  if !ok {
    return false, errors.New("adapter Powered property is not a bool")
  }

  return val, nil
}

func (b *bluez) setPowered(path dbus.ObjectPath, on bool) error {
  obj := b.conn.Object(busName, path)

  return obj.Call(propsIface+".Set", 0, adapterIface, "Powered", dbus.MakeVariant(on)).Err
}

// CheckAdapter logs whether the adapter for the given HCI device is ready,
// powering it on when it is not. The returned error is advisory: callers log
// it and proceed regardless.
func CheckAdapter(deviceId int) error {
  b, err := connect()

  if err != nil {
    return err
  }

  defer b.close()

  path := adapterPath(deviceId)
  powered, err := b.powered(path)

  if err != nil {
    return err
  }

  if powered {
    log.Info().Str("Adapter", string(path)).Msg("bootstrap: Bluetooth adapter is powered")
    return nil
  }

  log.Warn().Str("Adapter", string(path)).Msg("bootstrap: Bluetooth adapter is off, powering on")

  if err := b.setPowered(path, true); err != nil {
    return errors.Wrap(err, "failed to power on adapter")
  }

  log.Info().Str("Adapter", string(path)).Msg("bootstrap: Bluetooth adapter powered on")

  return nil
}
