package metrics

import (
  "github.com/prometheus/client_golang/prometheus"
  "github.com/robertof/go-ble-timepush/registry"
)

var (
  descDevices = prometheus.NewDesc(
    "timepush_devices",
    "Number of tracked peripherals by connection state.",
    []string{"state"},
    nil,
  )

  descRSSI = prometheus.NewDesc(
    "timepush_device_rssi_dbm",
    "Last observed signal strength per named peripheral.",
    []string{"name", "addr"},
    nil,
  )
)

type SnapshotFunc func() []registry.Record

type collector struct {
  SnapshotFunc
}

func (c *collector) Describe(ch chan<- *prometheus.Desc) {
  prometheus.DescribeByCollect(c, ch)
}

func (c *collector) Collect(ch chan<- prometheus.Metric) {
  records := c.SnapshotFunc()

  byState := map[registry.State]int{
    registry.StateDisconnected: 0,
    registry.StateConnecting: 0,
    registry.StateConnected: 0,
  }

  for _, rec := range records {
    byState[rec.State] += 1

    if rec.Name == registry.NameUnknown {
      continue
    }

    ch <- prometheus.MustNewConstMetric(
      descRSSI,
      prometheus.GaugeValue,
      float64(rec.RSSI),
      rec.Name,
      rec.Addr,
    )
  }

  for state, count := range byState {
    ch <- prometheus.MustNewConstMetric(
      descDevices,
      prometheus.GaugeValue,
      float64(count),
      state.String(),
    )
  }
}

func RegisterCollector(f SnapshotFunc, reg prometheus.Registerer) {
  c := &collector{f}

  reg.MustRegister(c)
}
