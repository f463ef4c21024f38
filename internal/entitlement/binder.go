package entitlement

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
)

var ErrCannotUnbindSelf = errors.New("entitlement: cannot unbind the current device")

const DefaultMaxDevices = 2

// Binder enforces the per-subscription device limit: at most maxDevices
// bindings, least-recently-active evicted first.
type Binder struct {
	store      *Store
	maxDevices int
}

func NewBinder(store *Store, maxDevices int) *Binder {
	if maxDevices <= 0 {
		maxDevices = DefaultMaxDevices
	}
	return &Binder{store: store, maxDevices: maxDevices}
}

// BindResult reports the binding set after a Bind call.
type BindResult struct {
	BoundDevices []string
	KickedDevice string
}

// Bind attaches deviceUUID to the subscription. Re-binding refreshes the
// device's activity timestamp; binding a new device past the limit evicts
// the least recently active one and downgrades its user.
func (b *Binder) Bind(ctx context.Context, originalTransactionID, deviceUUID, deviceName string) (*BindResult, error) {
	bindings, err := b.store.Bindings(ctx, originalTransactionID)
	if err != nil {
		return nil, err
	}

	for _, existing := range bindings {
		if existing.DeviceUUID == deviceUUID {
			if err := b.store.TouchBinding(ctx, originalTransactionID, deviceUUID); err != nil {
				return nil, err
			}
			return &BindResult{BoundDevices: deviceUUIDs(bindings)}, nil
		}
	}

	var kicked string
	if len(bindings) >= b.maxDevices {
		// bindings are ordered by last_active_time ascending
		oldest := bindings[0]
		kicked = oldest.DeviceUUID
		if err := b.store.DeleteBinding(ctx, originalTransactionID, kicked); err != nil {
			return nil, err
		}
		if err := b.store.UpdateUserVIP(ctx, kicked, false, nil, nil); err != nil {
			return nil, err
		}
		bindings = bindings[1:]
		slog.Info("kicked least-active device",
			"original_transaction_id", originalTransactionID,
			"kicked_device", kicked, "new_device", deviceUUID)
	}

	if err := b.store.CreateBinding(ctx, originalTransactionID, deviceUUID, deviceName); err != nil {
		return nil, err
	}
	bound := append(deviceUUIDs(bindings), deviceUUID)
	if err := b.store.SetDeviceCount(ctx, originalTransactionID, len(bound)); err != nil {
		return nil, err
	}
	return &BindResult{BoundDevices: bound, KickedDevice: kicked}, nil
}

// Unbind removes another device from the subscription and downgrades its
// user. A device cannot unbind itself.
func (b *Binder) Unbind(ctx context.Context, selfUUID, targetUUID, originalTransactionID string) error {
	if targetUUID == selfUUID {
		return ErrCannotUnbindSelf
	}
	if _, err := b.store.GetBinding(ctx, originalTransactionID, targetUUID); err != nil {
		return err
	}
	if err := b.store.DeleteBinding(ctx, originalTransactionID, targetUUID); err != nil {
		return err
	}

	rec, err := b.store.GetPurchaseRecord(ctx, originalTransactionID)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return err
	}
	if rec != nil {
		if err := b.store.SetDeviceCount(ctx, originalTransactionID, rec.DeviceCount-1); err != nil {
			return err
		}
	}
	if err := b.store.UpdateUserVIP(ctx, targetUUID, false, nil, nil); err != nil {
		return err
	}
	return nil
}

// BoundDevices lists the subscription's devices for display, most recently
// active last.
func (b *Binder) BoundDevices(ctx context.Context, originalTransactionID string) ([]DeviceBinding, error) {
	bindings, err := b.store.Bindings(ctx, originalTransactionID)
	if err != nil {
		return nil, fmt.Errorf("listing bound devices: %w", err)
	}
	return bindings, nil
}

func deviceUUIDs(bindings []DeviceBinding) []string {
	out := make([]string, 0, len(bindings))
	for _, b := range bindings {
		out = append(out, b.DeviceUUID)
	}
	return out
}
