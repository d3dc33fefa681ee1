package metrics_test

import (
  "testing"

  "github.com/prometheus/client_golang/prometheus"
  "github.com/robertof/go-ble-timepush/metrics"
  "github.com/robertof/go-ble-timepush/registry"
)

func TestCollector_ExposesDeviceGauges(t *testing.T) {
  snapshot := func() []registry.Record {
    return []registry.Record{
      {Addr: "aa:bb", Name: "Sensor1", RSSI: -60, State: registry.StateConnected},
      {Addr: "cc:dd", Name: registry.NameUnknown, RSSI: -80},
    }
  }

  reg := prometheus.NewRegistry()
  metrics.RegisterCollector(snapshot, reg)

  families, err := reg.Gather()

  if err != nil {
    t.Fatalf("Gather(): got error: %v", err)
  }

  got := make(map[string]bool)

  for _, fam := range families {
    got[fam.GetName()] = true
  }

  for _, want := range []string{"timepush_devices", "timepush_device_rssi_dbm"} {
    if !got[want] {
      t.Fatalf("Gather(): missing metric family %q (got %v)", want, got)
    }
  }

  // unnamed devices are counted in the state gauges but never get an RSSI
  // series of their own.
  for _, fam := range families {
    if fam.GetName() != "timepush_device_rssi_dbm" {
      continue
    }

    if len(fam.GetMetric()) != 1 {
      t.Fatalf("RSSI series: got %d, wanted 1", len(fam.GetMetric()))
    }
  }
}
