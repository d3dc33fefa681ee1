package ble

import (
  "context"
  "fmt"

  "github.com/go-ble/ble"
)

func WrapContextWithSigHandler(ctx context.Context, cancel func()) context.Context {
  return ble.WithSigHandler(ctx, cancel)
}

// Perform a scan with no service filter, passing every advertisement to the
// handler. Blocks until ctx expires or is canceled; the scanner layer runs
// this on its own goroutine and treats the return as the scan-stopped event.
func (h *Handle) Scan(
  ctx context.Context,
  allowDuplicates bool,
  onAdvertisement func(Advertisement),
) error {
  err := h.dev.Scan(ctx, allowDuplicates, onAdvertisement)

  if err != nil {
    return fmt.Errorf("failed to initiate scan: %w", err)
  }

  return nil
}
