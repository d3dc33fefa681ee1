// Package session owns the per-device connection lifecycle: the
// disconnected/connecting/connected state machine, the settle delay and
// service discovery after a connect, and the periodic timestamp writer tied
// to each live connection.
package session

import (
  "context"
  "sync"
  "time"

  "github.com/pkg/errors"
  "github.com/prometheus/client_golang/prometheus"
  "github.com/robertof/go-ble-timepush/ble"
  "github.com/robertof/go-ble-timepush/registry"
  "github.com/rs/zerolog/log"
)

const (
  DefaultSettleDelay = 900 * time.Millisecond
  DefaultWriteInterval = 10 * time.Second
)

func RegisterMetrics(reg prometheus.Registerer) {
  reg.MustRegister(writesCounter, writeFailuresCounter)
}

// Dialer is the slice of the BLE handle the manager needs.
type Dialer interface {
  Dial(ctx context.Context, addr string) (ble.Conn, error)
}

type session struct {
  conn ble.Conn
  cancel context.CancelFunc
  done chan struct{}
}

type Manager struct {
  // How long to wait after a connect before querying the service table.
  // Peripherals tend to need a moment before discovery returns a stable
  // profile; this is a heuristic, not a protocol guarantee.
  SettleDelay time.Duration
  // Period of the timestamp writer.
  WriteInterval time.Duration
  // Cap on how long a single dial may take. Zero means wait indefinitely.
  ConnectTimeout time.Duration
  // Where timestamps get written on every connected device.
  Target Target

  ctx context.Context
  dialer Dialer
  reg *registry.Registry
  now func() time.Time

  mu sync.Mutex
  // one live session (and thus one writer) per device address, so a
  // disconnect always cancels the writer belonging to that device and
  // never another session's.
  sessions map[string]*session
  // addresses with a connect in flight. Reserved under mu before dialing,
  // so concurrent Connect calls for one address collapse into a single dial.
  pending map[string]bool
}

// ctx bounds the lifetime of every session; canceling it stops all writers.
func New(ctx context.Context, dialer Dialer, reg *registry.Registry) *Manager {
  return &Manager{
    SettleDelay: DefaultSettleDelay,
    WriteInterval: DefaultWriteInterval,
    Target: DefaultTarget,
    ctx: ctx,
    dialer: dialer,
    reg: reg,
    now: time.Now,
    sessions: make(map[string]*session),
    pending: make(map[string]bool),
  }
}

// Toggle flips the connection state of a device: live sessions are torn down,
// everything else gets a connect attempt in the background. Failures are
// logged, never surfaced to the user.
func (m *Manager) Toggle(addr string) {
  m.mu.Lock()
  _, live := m.sessions[addr]
  m.mu.Unlock()

  if live {
    if err := m.Disconnect(addr); err != nil {
      log.Error().Err(err).Str("Addr", addr).Msg("session: disconnect failed")
    }

    return
  }

  if rec, ok := m.reg.Get(addr); ok && rec.State == registry.StateConnecting {
    log.Debug().Str("Addr", addr).Msg("session: connect already in progress, ignoring toggle")
    return
  }

  go func() {
    if err := m.Connect(addr); err != nil {
      log.Error().Err(err).Str("Addr", addr).Msg("session: connect failed")
    }
  }()
}

// Connect runs the full connect flow in strict sequence: mark connecting,
// dial, mark connected, settle, discover services, start the timestamp
// writer. A failed dial transitions the record straight back to disconnected.
func (m *Manager) Connect(addr string) error {
  m.mu.Lock()

  if _, live := m.sessions[addr]; live || m.pending[addr] {
    m.mu.Unlock()
    return nil
  }

  m.pending[addr] = true
  m.mu.Unlock()

  // the reservation is released only after the session (if any) is
  // installed, so no concurrent Connect can slip in a second dial.
  defer func() {
    m.mu.Lock()
    delete(m.pending, addr)
    m.mu.Unlock()
  }()

  m.reg.SetState(addr, registry.StateConnecting)

  log.Info().Str("Addr", addr).Msg("session: connecting to device")

  ctx := m.ctx

  if m.ConnectTimeout > 0 {
    var cancel context.CancelFunc
    ctx, cancel = context.WithTimeout(ctx, m.ConnectTimeout)
    defer cancel()
  }

  conn, err := m.dialer.Dial(ctx, addr)

  if err != nil {
    m.reg.SetState(addr, registry.StateDisconnected)
    return errors.Wrapf(err, "failed to connect to device %q", addr)
  }

  m.reg.SetState(addr, registry.StateConnected)

  // give the peripheral's service table a moment to stabilize before
  // querying it.
  select {
  case <-m.ctx.Done():
    conn.Close()
    m.reg.SetState(addr, registry.StateDisconnected)
    return m.ctx.Err()
  case <-time.After(m.SettleDelay):
  }

  profile, err := conn.DiscoverProfile()

  if err != nil {
    // discovery results are informational only; the write loop reports its
    // own failures if the target characteristic is actually missing.
    log.Warn().Err(err).Str("Addr", addr).Msg("session: service discovery failed")
  } else {
    log.Info().
      Str("Addr", addr).
      Int("Services", len(profile.Services)).
      Msg("session: discovered device services")
  }

  sctx, cancel := context.WithCancel(m.ctx)

  s := &session{
    conn: conn,
    cancel: cancel,
    done: make(chan struct{}),
  }

  m.mu.Lock()
  m.sessions[addr] = s
  m.mu.Unlock()

  w := &writer{
    conn: conn,
    target: m.Target,
    interval: m.WriteInterval,
    now: m.now,
    done: s.done,
  }

  go w.run(sctx)
  go m.watch(addr, s)

  return nil
}

// Disconnect tears down the device's session (if any), stops its writer and
// closes the link.
func (m *Manager) Disconnect(addr string) error {
  m.mu.Lock()
  s, ok := m.sessions[addr]
  m.mu.Unlock()

  if !ok {
    return nil
  }

  if !m.teardown(addr, s) {
    return nil
  }

  log.Info().Str("Addr", addr).Msg("session: disconnecting from device")

  return s.conn.Close()
}

// Shutdown closes every live session. Called on process exit.
func (m *Manager) Shutdown() {
  m.mu.Lock()
  addrs := make([]string, 0, len(m.sessions))

  for addr := range m.sessions {
    addrs = append(addrs, addr)
  }

  m.mu.Unlock()

  for _, addr := range addrs {
    if err := m.Disconnect(addr); err != nil {
      log.Warn().Err(err).Str("Addr", addr).Msg("session: error closing session on shutdown")
    }
  }
}

// watch handles link loss reported by the BLE stack: the record goes back to
// disconnected and this device's writer (and only this device's) is canceled.
func (m *Manager) watch(addr string, s *session) {
  <-s.conn.Disconnected()

  if m.teardown(addr, s) {
    log.Info().Str("Addr", addr).Msg("session: device disconnected externally")
  }
}

// teardown removes the session from the map, cancels its writer and flips the
// record to disconnected. Returns false when someone else already tore this
// session down.
func (m *Manager) teardown(addr string, s *session) bool {
  m.mu.Lock()

  cur, ok := m.sessions[addr]

  if !ok || cur != s {
    m.mu.Unlock()
    return false
  }

  delete(m.sessions, addr)
  m.mu.Unlock()

  s.cancel()
  <-s.done

  m.reg.SetState(addr, registry.StateDisconnected)

  return true
}
