package session_test

import (
  "context"
  "errors"
  "strconv"
  "sync"
  "testing"
  "time"

  ble_mod "github.com/go-ble/ble"
  "github.com/robertof/go-ble-timepush/ble"
  "github.com/robertof/go-ble-timepush/registry"
  "github.com/robertof/go-ble-timepush/session"
)

// fakeConn records every write and lets tests simulate link loss by closing
// the disconnect channel.
type fakeConn struct {
  addr string

  mu sync.Mutex
  writes [][]byte
  discoverErr error

  disconnected chan struct{}
  closeOnce sync.Once
}

func newFakeConn(addr string) *fakeConn {
  return &fakeConn{
    addr: addr,
    disconnected: make(chan struct{}),
  }
}

func (c *fakeConn) Addr() string {
  return c.addr
}

func (c *fakeConn) DiscoverProfile() (*ble.Profile, error) {
  if c.discoverErr != nil {
    return nil, c.discoverErr
  }

  return &ble_mod.Profile{}, nil
}

func (c *fakeConn) WriteTo(service, characteristic ble.UUID, data []byte) error {
  c.mu.Lock()
  defer c.mu.Unlock()

  cp := make([]byte, len(data))
  copy(cp, data)
  c.writes = append(c.writes, cp)

  return nil
}

func (c *fakeConn) Disconnected() <-chan struct{} {
  return c.disconnected
}

func (c *fakeConn) Close() error {
  c.closeOnce.Do(func() {
    close(c.disconnected)
  })

  return nil
}

// dropLink simulates the peripheral walking out of range.
func (c *fakeConn) dropLink() {
  c.closeOnce.Do(func() {
    close(c.disconnected)
  })
}

func (c *fakeConn) writeCount() int {
  c.mu.Lock()
  defer c.mu.Unlock()

  return len(c.writes)
}

func (c *fakeConn) lastWrite() []byte {
  c.mu.Lock()
  defer c.mu.Unlock()

  if len(c.writes) == 0 {
    return nil
  }

  return c.writes[len(c.writes)-1]
}

type fakeDialer struct {
  mu sync.Mutex
  conns map[string]*fakeConn
  dials int
  err error
  discoverErr error
}

func newFakeDialer() *fakeDialer {
  return &fakeDialer{
    conns: make(map[string]*fakeConn),
  }
}

func (d *fakeDialer) Dial(ctx context.Context, addr string) (ble.Conn, error) {
  d.mu.Lock()
  defer d.mu.Unlock()

  d.dials += 1

  if d.err != nil {
    return nil, d.err
  }

  conn := newFakeConn(addr)
  conn.discoverErr = d.discoverErr
  d.conns[addr] = conn

  return conn, nil
}

func (d *fakeDialer) dialCount() int {
  d.mu.Lock()
  defer d.mu.Unlock()

  return d.dials
}

func (d *fakeDialer) conn(addr string) *fakeConn {
  d.mu.Lock()
  defer d.mu.Unlock()

  return d.conns[addr]
}

// stateRecorder captures the sequence of state transitions per device.
type stateRecorder struct {
  mu sync.Mutex
  states map[string][]registry.State
}

func recordStates(reg *registry.Registry) *stateRecorder {
  r := &stateRecorder{
    states: make(map[string][]registry.State),
  }

  reg.SetListener(func(rec registry.Record) {
    r.mu.Lock()
    defer r.mu.Unlock()

    r.states[rec.Addr] = append(r.states[rec.Addr], rec.State)
  })

  return r
}

func (r *stateRecorder) of(addr string) []registry.State {
  r.mu.Lock()
  defer r.mu.Unlock()

  out := make([]registry.State, len(r.states[addr]))
  copy(out, r.states[addr])

  return out
}

func newTestManager(dialer session.Dialer, reg *registry.Registry) *session.Manager {
  m := session.New(context.Background(), dialer, reg)
  m.SettleDelay = time.Millisecond
  m.WriteInterval = 5 * time.Millisecond

  return m
}

func waitFor(t *testing.T, what string, cond func() bool) {
  t.Helper()

  deadline := time.Now().Add(2 * time.Second)

  for time.Now().Before(deadline) {
    if cond() {
      return
    }

    time.Sleep(time.Millisecond)
  }

  t.Fatalf("timed out waiting for %s", what)
}

func TestConnect_TransitionsThroughConnectingToConnected(t *testing.T) {
  dialer := newFakeDialer()
  reg := registry.New()
  recorder := recordStates(reg)

  m := newTestManager(dialer, reg)

  if err := m.Connect("aa:bb"); err != nil {
    t.Fatalf("Connect(): got error: %v", err)
  }

  states := recorder.of("aa:bb")

  if len(states) < 2 ||
      states[0] != registry.StateConnecting ||
      states[1] != registry.StateConnected {
    t.Fatalf("state transitions: got %v, wanted [connecting connected ...]", states)
  }

  m.Shutdown()
}

func TestConnect_StartsPeriodicTimestampWrites(t *testing.T) {
  dialer := newFakeDialer()
  reg := registry.New()

  m := newTestManager(dialer, reg)

  if err := m.Connect("aa:bb"); err != nil {
    t.Fatalf("Connect(): got error: %v", err)
  }

  conn := dialer.conn("aa:bb")

  waitFor(t, "at least two timestamp writes", func() bool {
    return conn.writeCount() >= 2
  })

  // the payload is a decimal ASCII timestamp within a couple of seconds of
  // wall clock time.
  payload := conn.lastWrite()
  ts, err := strconv.ParseInt(string(payload), 10, 64)

  if err != nil {
    t.Fatalf("payload %q is not a decimal integer: %v", payload, err)
  }

  if diff := time.Now().Unix() - ts; diff < -2 || diff > 2 {
    t.Fatalf("payload timestamp %d is %ds away from wall clock", ts, diff)
  }

  m.Shutdown()
}

func TestConnect_FailureRollsBackToDisconnected(t *testing.T) {
  dialer := newFakeDialer()
  dialer.err = errors.New("connection refused")

  reg := registry.New()
  recorder := recordStates(reg)

  m := newTestManager(dialer, reg)

  if err := m.Connect("aa:bb"); err == nil {
    t.Fatal("Connect(): got nil error, wanted a failure")
  }

  states := recorder.of("aa:bb")

  want := []registry.State{registry.StateConnecting, registry.StateDisconnected}

  if len(states) != 2 || states[0] != want[0] || states[1] != want[1] {
    t.Fatalf("state transitions: got %v, wanted %v", states, want)
  }
}

func TestDisconnect_StopsWriterAndMarksDisconnected(t *testing.T) {
  dialer := newFakeDialer()
  reg := registry.New()

  m := newTestManager(dialer, reg)

  if err := m.Connect("aa:bb"); err != nil {
    t.Fatalf("Connect(): got error: %v", err)
  }

  conn := dialer.conn("aa:bb")

  waitFor(t, "the first timestamp write", func() bool {
    return conn.writeCount() >= 1
  })

  if err := m.Disconnect("aa:bb"); err != nil {
    t.Fatalf("Disconnect(): got error: %v", err)
  }

  rec, _ := reg.Get("aa:bb")

  if rec.State != registry.StateDisconnected {
    t.Fatalf("state after Disconnect(): got %v, wanted disconnected", rec.State)
  }

  // the writer is gone: no further ticks fire.
  count := conn.writeCount()
  time.Sleep(10 * m.WriteInterval)

  if got := conn.writeCount(); got != count {
    t.Fatalf("writes after Disconnect(): got %d new writes, wanted none", got - count)
  }
}

func TestExternalDisconnect_CancelsThisDevicesWriterOnly(t *testing.T) {
  dialer := newFakeDialer()
  reg := registry.New()

  m := newTestManager(dialer, reg)

  for _, addr := range []string{"aa:bb", "cc:dd"} {
    if err := m.Connect(addr); err != nil {
      t.Fatalf("Connect(%q): got error: %v", addr, err)
    }
  }

  lost, kept := dialer.conn("aa:bb"), dialer.conn("cc:dd")

  lost.dropLink()

  waitFor(t, "lost device to be marked disconnected", func() bool {
    rec, _ := reg.Get("aa:bb")
    return rec.State == registry.StateDisconnected
  })

  count := lost.writeCount()
  time.Sleep(10 * m.WriteInterval)

  if got := lost.writeCount(); got != count {
    t.Fatalf("writes after link loss: got %d new writes, wanted none", got - count)
  }

  // the other session's writer keeps going.
  before := kept.writeCount()

  waitFor(t, "surviving session to keep writing", func() bool {
    return kept.writeCount() > before
  })

  rec, _ := reg.Get("cc:dd")

  if rec.State != registry.StateConnected {
    t.Fatalf("surviving device state: got %v, wanted connected", rec.State)
  }

  m.Shutdown()
}

func TestToggle_DisconnectsLiveSession(t *testing.T) {
  dialer := newFakeDialer()
  reg := registry.New()

  m := newTestManager(dialer, reg)

  if err := m.Connect("aa:bb"); err != nil {
    t.Fatalf("Connect(): got error: %v", err)
  }

  m.Toggle("aa:bb")

  rec, _ := reg.Get("aa:bb")

  if rec.State != registry.StateDisconnected {
    t.Fatalf("state after Toggle(): got %v, wanted disconnected", rec.State)
  }
}

func TestToggle_ConnectsIdleDevice(t *testing.T) {
  dialer := newFakeDialer()
  reg := registry.New()

  m := newTestManager(dialer, reg)

  m.Toggle("aa:bb")

  waitFor(t, "device to connect", func() bool {
    rec, _ := reg.Get("aa:bb")
    return rec.State == registry.StateConnected
  })

  m.Shutdown()
}

func TestConnect_SecondCallIsNoOpWhileLive(t *testing.T) {
  dialer := newFakeDialer()
  reg := registry.New()
  m := newTestManager(dialer, reg)

  if err := m.Connect("aa:bb"); err != nil {
    t.Fatalf("first Connect(): got error: %v", err)
  }

  first := dialer.conn("aa:bb")

  if err := m.Connect("aa:bb"); err != nil {
    t.Fatalf("second Connect(): got error: %v", err)
  }

  if dialer.conn("aa:bb") != first {
    t.Fatal("second Connect() dialed again, wanted a no-op")
  }

  m.Shutdown()
}

func TestConnect_ConcurrentCallsCollapseIntoOneSession(t *testing.T) {
  dialer := newFakeDialer()
  reg := registry.New()

  m := newTestManager(dialer, reg)

  var wg sync.WaitGroup

  for i := 0; i < 16; i++ {
    wg.Add(1)

    go func() {
      defer wg.Done()

      if err := m.Connect("aa:bb"); err != nil {
        t.Errorf("Connect(): got error: %v", err)
      }
    }()
  }

  wg.Wait()

  if got := dialer.dialCount(); got != 1 {
    t.Fatalf("dial count: got %d dials for one device, wanted 1", got)
  }

  conn := dialer.conn("aa:bb")

  waitFor(t, "the first timestamp write", func() bool {
    return conn.writeCount() >= 1
  })

  // the one session owns the one writer: after Disconnect, nothing is left
  // ticking.
  if err := m.Disconnect("aa:bb"); err != nil {
    t.Fatalf("Disconnect(): got error: %v", err)
  }

  count := conn.writeCount()
  time.Sleep(10 * m.WriteInterval)

  if got := conn.writeCount(); got != count {
    t.Fatalf("writes after Disconnect(): got %d new writes, wanted none", got - count)
  }
}

func TestConnect_ServiceDiscoveryFailureIsNotFatal(t *testing.T) {
  dialer := newFakeDialer()
  dialer.discoverErr = errors.New("ATT timeout")

  reg := registry.New()
  m := newTestManager(dialer, reg)

  if err := m.Connect("aa:bb"); err != nil {
    t.Fatalf("Connect(): got error: %v", err)
  }

  rec, _ := reg.Get("aa:bb")

  if rec.State != registry.StateConnected {
    t.Fatalf("state: got %v, wanted connected despite discovery issues", rec.State)
  }

  // the write loop starts regardless and reports its own failures.
  conn := dialer.conn("aa:bb")

  waitFor(t, "writes despite failed discovery", func() bool {
    return conn.writeCount() >= 1
  })

  m.Shutdown()
}
