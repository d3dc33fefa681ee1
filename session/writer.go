package session

import (
  "context"
  "strconv"
  "time"

  "github.com/prometheus/client_golang/prometheus"
  "github.com/robertof/go-ble-timepush/ble"
  "github.com/rs/zerolog/log"
)

var (
  writesCounter = prometheus.NewCounter(prometheus.CounterOpts{
    Name: "timepush_timestamp_writes_total",
  })
  writeFailuresCounter = prometheus.NewCounter(prometheus.CounterOpts{
    Name: "timepush_timestamp_write_failures_total",
  })
)

// Target identifies the characteristic receiving the periodic timestamp.
type Target struct {
  Service ble.UUID
  Characteristic ble.UUID
}

// The characteristic the stock ESP32 firmware exposes for clock pushes.
var DefaultTarget = Target{
  Service: ble.MustParseUUID("4fafc201-1fb5-459e-8fcc-c5c9c331914b"),
  Characteristic: ble.MustParseUUID("beb5483e-36e1-4688-b7f5-ea07361b26a8"),
}

// The wire payload is the Unix time in seconds as decimal UTF-8 text, no
// framing, no checksum.
func timestampPayload(t time.Time) []byte {
  return strconv.AppendInt(nil, t.Unix(), 10)
}

// writer pushes the current time to its target at a fixed period until its
// context is canceled. Individual write failures are logged and counted, but
// never stop the loop.
type writer struct {
  conn ble.Conn
  target Target
  interval time.Duration
  now func() time.Time

  done chan struct{}
}

func (w *writer) run(ctx context.Context) {
  defer close(w.done)

  ticker := time.NewTicker(w.interval)
  defer ticker.Stop()

  log.Debug().
    Str("Addr", w.conn.Addr()).
    Dur("Interval", w.interval).
    Msg("session: timestamp writer started")

  for {
    select {
    case <-ctx.Done():
      log.Debug().Str("Addr", w.conn.Addr()).Msg("session: timestamp writer stopped")
      return
    case <-ticker.C:
    }

    payload := timestampPayload(w.now())
    err := w.conn.WriteTo(w.target.Service, w.target.Characteristic, payload)

    if err != nil {
      writeFailuresCounter.Inc()

      log.Warn().
        Err(err).
        Str("Addr", w.conn.Addr()).
        Msg("session: timestamp write failed, continuing")
    } else {
      writesCounter.Inc()

      log.Trace().
        Str("Addr", w.conn.Addr()).
        Bytes("Payload", payload).
        Msg("session: pushed timestamp to device")
    }
  }
}
