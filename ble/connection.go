package ble

import (
  "context"
  "fmt"

  "github.com/go-ble/ble"
  "github.com/prometheus/client_golang/prometheus"
  "github.com/rs/zerolog/log"
)

var (
  successfulConnectionsCounter = prometheus.NewCounter(prometheus.CounterOpts{
    Name: "timepush_ble_successful_connections_total",
  })
  failedConnectionsCounter = prometheus.NewCounter(prometheus.CounterOpts{
    Name: "timepush_ble_failed_connections_total",
  })
  disconnectsCounter = prometheus.NewCounter(prometheus.CounterOpts{
    Name: "timepush_ble_disconnections_total",
  })
)

// Conn is an established link to a peripheral. The session layer consumes it
// through this interface so tests can stand in a fake.
type Conn interface {
  Addr() string
  // Discover the peripheral's full service table. Must be called before
  // WriteTo can resolve characteristic handles.
  DiscoverProfile() (*Profile, error)
  // Write data to the characteristic identified by the service/characteristic
  // UUID pair, resolving it against the discovered profile.
  WriteTo(service, characteristic UUID, data []byte) error
  // Closed when the link drops, whether locally or by the peripheral.
  Disconnected() <-chan struct{}
  Close() error
}

type conn struct {
  client ble.Client
  profile *Profile
}

func (h *Handle) Dial(ctx context.Context, addr string) (Conn, error) {
  c, err := ble.Dial(ctx, ble.NewAddr(addr))

  if err != nil {
    failedConnectionsCounter.Inc()
    return nil, err
  }

  successfulConnectionsCounter.Inc()
  log.Debug().Str("Addr", addr).Msg("ble: successfully opened new connection to device")

  // count link drops regardless of who initiated them.
  go func() {
    <-c.Disconnected()
    disconnectsCounter.Inc()
  }()

  return &conn{client: c}, nil
}

func (c *conn) Addr() string {
  return c.client.Addr().String()
}

func (c *conn) DiscoverProfile() (*Profile, error) {
  p, err := c.client.DiscoverProfile(false)

  if err != nil {
    return nil, fmt.Errorf("cannot discover profile for device: %w", err)
  }

  c.profile = p

  return p, nil
}

func (c *conn) WriteTo(service, characteristic UUID, data []byte) error {
  if c.profile == nil {
    return fmt.Errorf("no profile discovered for device %q yet", c.Addr())
  }

  for _, svc := range c.profile.Services {
    if !svc.UUID.Equal(service) {
      continue
    }

    for _, char := range svc.Characteristics {
      if char.UUID.Equal(characteristic) {
        return c.client.WriteCharacteristic(char, data, false)
      }
    }
  }

  return fmt.Errorf("characteristic %v/%v not found on device %q",
    service, characteristic, c.Addr())
}

func (c *conn) Disconnected() <-chan struct{} {
  return c.client.Disconnected()
}

func (c *conn) Close() error {
  return c.client.CancelConnection()
}
