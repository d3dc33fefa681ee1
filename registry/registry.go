// Package registry tracks the last-known state of every peripheral seen by
// the scanner. Records are keyed by device address and replaced wholesale as
// advertisements arrive; only connection state transitions mutate a record in
// place.
package registry

import (
  "fmt"
  "sort"
  "strconv"
  "sync"

  "golang.org/x/exp/maps"
)

// Peripherals advertising no local name get this sentinel. They stay
// addressable internally but are hidden from the visible device list.
const NameUnknown = "unnamed"

type State uint8

const (
  StateDisconnected State = iota
  StateConnecting
  StateConnected
)

func (s State) String() string {
  switch s {
  case StateDisconnected:
    return "disconnected"
  case StateConnecting:
    return "connecting"
  case StateConnected:
    return "connected"
  default:
    panic("unknown State value: " + strconv.Itoa(int(s)))
  }
}

// encoding.TextMarshaler, so JSON carries the state name rather than a number.
func (s State) MarshalText() ([]byte, error) {
  return []byte(s.String()), nil
}

func (s *State) UnmarshalText(text []byte) error {
  switch string(text) {
  case "disconnected":
    *s = StateDisconnected
  case "connecting":
    *s = StateConnecting
  case "connected":
    *s = StateConnected
  default:
    return fmt.Errorf("unknown state %q", text)
  }

  return nil
}

type Record struct {
  Addr             string   `json:"addr"`
  Name             string   `json:"name"`
  RSSI             int      `json:"rssi"`
  State            State    `json:"state"`
  ManufacturerData []byte   `json:"manufacturerData,omitempty"`
  Services         []string `json:"services,omitempty"`
}

func (r Record) String() string {
  return fmt.Sprintf("device[addr=%v, name=%q, rssi=%d, state=%v]",
    r.Addr, r.Name, r.RSSI, r.State)
}

type Registry struct {
  mu sync.Mutex
  records map[string]Record

  notify func(Record)
}

func New() *Registry {
  return &Registry{
    records: make(map[string]Record),
  }
}

// Register a listener invoked (outside the lock) whenever a record changes.
// Must be called before the registry is shared across goroutines.
func (r *Registry) SetListener(f func(Record)) {
  r.notify = f
}

// Insert or replace the record for rec.Addr, last write wins.
func (r *Registry) Upsert(rec Record) {
  if rec.Name == "" {
    rec.Name = NameUnknown
  }

  r.mu.Lock()
  r.records[rec.Addr] = rec
  r.mu.Unlock()

  if r.notify != nil {
    r.notify(rec)
  }
}

// Mutate only the connection state of the record for addr. A missing record
// gets a minimal sentinel-named one, so state transitions survive a registry
// rebuild mid-session.
func (r *Registry) SetState(addr string, s State) Record {
  r.mu.Lock()

  rec, ok := r.records[addr]

  if !ok {
    rec = Record{
      Addr: addr,
      Name: NameUnknown,
    }
  }

  rec.State = s
  r.records[addr] = rec

  r.mu.Unlock()

  if r.notify != nil {
    r.notify(rec)
  }

  return rec
}

func (r *Registry) Get(addr string) (Record, bool) {
  r.mu.Lock()
  defer r.mu.Unlock()

  rec, ok := r.records[addr]

  return rec, ok
}

// Drop every record. Called at the start of each scan.
func (r *Registry) Clear() {
  r.mu.Lock()
  defer r.mu.Unlock()

  r.records = make(map[string]Record)
}

// All records, sorted by address for stable output.
func (r *Registry) Snapshot() []Record {
  r.mu.Lock()
  out := maps.Values(r.records)
  r.mu.Unlock()

  sort.Slice(out, func(i, j int) bool {
    return out[i].Addr < out[j].Addr
  })

  return out
}

// Like Snapshot, but with sentinel-named records filtered out. This is what
// the presentation layer shows to the user.
func (r *Registry) Visible() []Record {
  all := r.Snapshot()
  out := all[:0]

  for _, rec := range all {
    if rec.Name != NameUnknown {
      out = append(out, rec)
    }
  }

  return out
}
