package entitlement

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"lingopod/internal/applejws"
)

var (
	ErrInvalidReceipt      = errors.New("entitlement: invalid receipt")
	ErrAppMismatch         = errors.New("entitlement: notification is for a different app")
	ErrMissingFields       = errors.New("entitlement: required receipt fields missing")
	ErrInvalidNotification = errors.New("entitlement: malformed notification")
)

// Verifier decodes and verifies App Store JWS tokens.
type Verifier interface {
	VerifyAndDecode(token string) (map[string]any, error)
}

// AppConfig is the expected notification origin.
type AppConfig struct {
	BundleID    string
	AppAppleID  int64
	Environment string
}

// Processor applies verified App Store events to the entitlement store.
type Processor struct {
	store    *Store
	binder   *Binder
	verifier Verifier
	app      AppConfig
	now      func() time.Time
}

func NewProcessor(store *Store, binder *Binder, verifier Verifier, app AppConfig) *Processor {
	return &Processor{store: store, binder: binder, verifier: verifier, app: app, now: time.Now}
}

// VerifyRequest is a client-initiated purchase/restore/renew claim.
type VerifyRequest struct {
	JWSToken   string
	DeviceUUID string
	EventType  string // purchase, restore, renew
	DeviceName string
}

// VerifyResult is returned to the purchasing device.
type VerifyResult struct {
	IsVIP        bool
	VIPExpireMs  *int64
	BoundDevices []string
	KickedDevice string
}

// VerifyPurchase validates the signed transaction and grants the device its
// entitlement. The stored expiry never regresses on this path: an incoming
// older receipt keeps the existing expiry.
func (p *Processor) VerifyPurchase(ctx context.Context, req VerifyRequest) (*VerifyResult, error) {
	payload, err := p.verifier.VerifyAndDecode(req.JWSToken)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidReceipt, err)
	}
	tx := applejws.ParseTransaction(payload)
	if tx.OriginalTransactionID == "" || tx.ProductID == "" {
		return nil, ErrMissingFields
	}

	existing, err := p.store.GetPurchaseRecord(ctx, tx.OriginalTransactionID)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	effectiveExpireMs := tx.ExpiresDateMs
	if existing != nil && existing.ExpireDateMs != nil {
		if effectiveExpireMs == nil || *existing.ExpireDateMs > *effectiveExpireMs {
			if effectiveExpireMs != nil {
				slog.Info("incoming receipt older than stored expiry, keeping existing",
					"original_transaction_id", tx.OriginalTransactionID,
					"incoming", *effectiveExpireMs, "existing", *existing.ExpireDateMs)
			}
			effectiveExpireMs = existing.ExpireDateMs
		}
	}

	if existing == nil {
		rec := PurchaseRecord{
			OriginalTransactionID: tx.OriginalTransactionID,
			ProductID:             tx.ProductID,
			PurchaseDateMs:        tx.PurchaseDateMs,
			ExpireDateMs:          tx.ExpiresDateMs,
			Status:                StatusActive,
			Environment:           environmentName(tx.Environment),
		}
		if err := p.store.CreatePurchaseRecord(ctx, rec); err != nil {
			return nil, err
		}
	} else if tx.ExpiresDateMs != nil &&
		(existing.ExpireDateMs == nil || *tx.ExpiresDateMs > *existing.ExpireDateMs) {
		if err := p.store.UpdatePurchaseExpiry(ctx, tx.OriginalTransactionID, tx.ExpiresDateMs); err != nil {
			return nil, err
		}
	}

	bindResult, err := p.binder.Bind(ctx, tx.OriginalTransactionID, req.DeviceUUID, req.DeviceName)
	if err != nil {
		return nil, err
	}

	// no expiry means a non-expiring product: lifetime VIP
	isVIP := effectiveExpireMs == nil || *effectiveExpireMs >= p.now().UnixMilli()
	otid := tx.OriginalTransactionID
	if err := p.store.UpdateUserVIP(ctx, req.DeviceUUID, isVIP, &otid, effectiveExpireMs); err != nil {
		return nil, err
	}

	logTxID := tx.TransactionID
	if logTxID == "" {
		logTxID = tx.OriginalTransactionID
	}
	if err := p.store.LogTransaction(ctx, tx.OriginalTransactionID, logTxID, req.EventType, req.DeviceUUID, req.JWSToken); err != nil {
		return nil, err
	}
	if tx.TransactionID != "" {
		if err := p.store.RecordPurchaseEvent(ctx, tx.TransactionID, tx.OriginalTransactionID, req.EventType, req.DeviceUUID); err != nil {
			return nil, err
		}
	}

	return &VerifyResult{
		IsVIP:        isVIP,
		VIPExpireMs:  effectiveExpireMs,
		BoundDevices: bindResult.BoundDevices,
		KickedDevice: bindResult.KickedDevice,
	}, nil
}

// notification classifications
const (
	classActive  = "active"
	classInRetry = "in_retry"
	classExpired = "expired"
	classRevoked = "revoked"
	classIgnore  = "ignore"
	classOther   = "other"
)

var notificationClasses = map[string]string{
	"SUBSCRIBED":                classActive,
	"DID_RENEW":                 classActive,
	"DID_RECOVER":               classActive,
	"INTERACTIVE_RENEWAL":       classActive,
	"RENEWAL_EXTENSION":         classActive,
	"RENEWAL_EXTENDED":          classActive,
	"REFUND_REVERSED":           classActive,
	"DID_FAIL_TO_RENEW":         classInRetry,
	"EXPIRED":                   classExpired,
	"GRACE_PERIOD_EXPIRED":      classExpired,
	"REFUND":                    classRevoked,
	"REVOKE":                    classRevoked,
	"DID_CHANGE_RENEWAL_STATUS": classIgnore,
	"DID_CHANGE_RENEWAL_PREF":   classIgnore,
	"PRICE_INCREASE":            classIgnore,
	"OFFER_REDEEMED":            classIgnore,
	"CONSUMPTION_REQUEST":       classIgnore,
}

// purchase events worth recording for analytics
var purchaseEventTypes = map[string]bool{
	"SUBSCRIBED":          true,
	"DID_RENEW":           true,
	"DID_RECOVER":         true,
	"INTERACTIVE_RENEWAL": true,
}

// NotifyResult reports what a server notification did.
type NotifyResult struct {
	NotificationType string
	Duplicate        bool
	Stale            bool
	IsVIP            bool
	VIPExpireMs      *int64
}

// HandleNotification applies one App Store server notification. Replays of
// the same notificationUUID are no-ops.
func (p *Processor) HandleNotification(ctx context.Context, signedPayload string) (*NotifyResult, error) {
	envelope, err := p.verifier.VerifyAndDecode(signedPayload)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidReceipt, err)
	}

	notificationType, _ := envelope["notificationType"].(string)
	notificationUUID, _ := envelope["notificationUUID"].(string)
	subtype, _ := envelope["subtype"].(string)
	if notificationType == "" || notificationUUID == "" {
		return nil, fmt.Errorf("%w: missing notificationType or notificationUUID", ErrInvalidNotification)
	}

	seen, err := p.store.NotificationSeen(ctx, notificationUUID)
	if err != nil {
		return nil, err
	}
	if seen {
		slog.Info("duplicate notification ignored", "notification_uuid", notificationUUID, "type", notificationType)
		return &NotifyResult{NotificationType: notificationType, Duplicate: true}, nil
	}

	logRec := NotificationRecord{
		NotificationUUID: notificationUUID,
		NotificationType: notificationType,
		Subtype:          subtype,
		SignedPayload:    signedPayload,
	}

	if notificationType == "TEST" {
		slog.Info("test notification received", "notification_uuid", notificationUUID)
		if err := p.store.LogNotification(ctx, logRec); err != nil {
			return nil, err
		}
		return &NotifyResult{NotificationType: notificationType}, nil
	}

	data, _ := envelope["data"].(map[string]any)
	if data == nil {
		return nil, fmt.Errorf("%w: missing data block", ErrInvalidNotification)
	}
	if err := p.checkAppIdentity(data); err != nil {
		return nil, err
	}
	logRec.Environment, _ = data["environment"].(string)

	var tx applejws.Transaction
	var renewal applejws.Renewal
	if signedTx, _ := data["signedTransactionInfo"].(string); signedTx != "" {
		txPayload, err := p.verifier.VerifyAndDecode(signedTx)
		if err != nil {
			return nil, fmt.Errorf("%w: transaction info: %v", ErrInvalidReceipt, err)
		}
		tx = applejws.ParseTransaction(txPayload)
	}
	if signedRenewal, _ := data["signedRenewalInfo"].(string); signedRenewal != "" {
		renewalPayload, err := p.verifier.VerifyAndDecode(signedRenewal)
		if err != nil {
			return nil, fmt.Errorf("%w: renewal info: %v", ErrInvalidReceipt, err)
		}
		renewal = applejws.ParseRenewal(renewalPayload)
	}

	originalTransactionID := tx.OriginalTransactionID
	if originalTransactionID == "" {
		originalTransactionID = renewal.OriginalTransactionID
	}
	logRec.OriginalTransactionID = originalTransactionID
	logRec.TransactionID = tx.TransactionID

	class, ok := notificationClasses[notificationType]
	if !ok {
		slog.Warn("unknown notification type ignored", "type", notificationType, "notification_uuid", notificationUUID)
		class = classOther
	}

	effectiveExpireMs := maxExpiry(tx.ExpiresDateMs, renewal.GracePeriodExpiresDateMs)

	result := &NotifyResult{NotificationType: notificationType}
	if class != classIgnore && class != classOther && originalTransactionID != "" {
		result.IsVIP, result.VIPExpireMs, result.Stale, err = p.applyTransition(ctx, class, notificationType, originalTransactionID, tx, effectiveExpireMs)
		if err != nil {
			return nil, err
		}
		if purchaseEventTypes[notificationType] && tx.TransactionID != "" {
			if err := p.store.RecordPurchaseEvent(ctx, tx.TransactionID, originalTransactionID, notificationType, ""); err != nil {
				return nil, err
			}
		}
	}

	if err := p.store.LogNotification(ctx, logRec); err != nil {
		return nil, err
	}
	return result, nil
}

// applyTransition mutates the purchase record and linked users for a
// classified notification. Stale expired/in_retry events (older than the
// stored expiry) are logged and skipped.
func (p *Processor) applyTransition(ctx context.Context, class, notificationType, originalTransactionID string, tx applejws.Transaction, effectiveExpireMs *int64) (bool, *int64, bool, error) {
	existing, err := p.store.GetPurchaseRecord(ctx, originalTransactionID)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return false, nil, false, err
	}

	if (class == classExpired || class == classInRetry) && existing != nil &&
		existing.ExpireDateMs != nil && effectiveExpireMs != nil &&
		*effectiveExpireMs < *existing.ExpireDateMs {
		slog.Info("stale notification skipped",
			"type", notificationType, "original_transaction_id", originalTransactionID,
			"event_expiry", *effectiveExpireMs, "stored_expiry", *existing.ExpireDateMs)
		return existing.Status == StatusActive || existing.Status == StatusInRetry, existing.ExpireDateMs, true, nil
	}

	status := map[string]string{
		classActive:  StatusActive,
		classInRetry: StatusInRetry,
		classExpired: StatusExpired,
		classRevoked: StatusRevoked,
	}[class]

	if existing == nil {
		rec := PurchaseRecord{
			OriginalTransactionID: originalTransactionID,
			ProductID:             tx.ProductID,
			PurchaseDateMs:        tx.PurchaseDateMs,
			ExpireDateMs:          effectiveExpireMs,
			Status:                status,
			Environment:           environmentName(tx.Environment),
		}
		if rec.ProductID == "" {
			rec.ProductID = "unknown"
		}
		if err := p.store.CreatePurchaseRecord(ctx, rec); err != nil {
			return false, nil, false, err
		}
	} else {
		if err := p.store.UpdatePurchaseStatus(ctx, originalTransactionID, status, effectiveExpireMs); err != nil {
			return false, nil, false, err
		}
	}

	isVIP := class == classActive || class == classInRetry
	if err := p.store.UpdateUsersVIPByTransaction(ctx, originalTransactionID, isVIP, effectiveExpireMs); err != nil {
		return false, nil, false, err
	}
	return isVIP, effectiveExpireMs, false, nil
}

func (p *Processor) checkAppIdentity(data map[string]any) error {
	if bundleID, _ := data["bundleId"].(string); bundleID != "" && bundleID != p.app.BundleID {
		return fmt.Errorf("%w: bundleId %s", ErrAppMismatch, bundleID)
	}
	if appAppleID, ok := data["appAppleId"].(float64); ok && p.app.AppAppleID != 0 && int64(appAppleID) != p.app.AppAppleID {
		return fmt.Errorf("%w: appAppleId %d", ErrAppMismatch, int64(appAppleID))
	}
	if env, _ := data["environment"].(string); env != "" && p.app.Environment != "" && env != p.app.Environment {
		return fmt.Errorf("%w: environment %s", ErrAppMismatch, env)
	}
	return nil
}

// LoginStatus is the entitlement view returned at register/login.
type LoginStatus struct {
	UserID       int64
	IsVIP        bool
	VIPExpireMs  *int64
	DeviceStatus string // active or kicked
}

// EnsureUser creates the user on first sight and reconciles entitlement on
// every login: a device no longer in its subscription's binding table is
// downgraded and reported as kicked, and a past expiry clears the VIP flag.
func (p *Processor) EnsureUser(ctx context.Context, deviceUUID string) (*LoginStatus, error) {
	user, err := p.store.GetUserByUUID(ctx, deviceUUID)
	if errors.Is(err, ErrNotFound) {
		created, err := p.store.CreateUser(ctx, deviceUUID)
		if err != nil {
			return nil, err
		}
		return &LoginStatus{UserID: created.ID, DeviceStatus: "active"}, nil
	}
	if err != nil {
		return nil, err
	}

	status := &LoginStatus{
		UserID:       user.ID,
		IsVIP:        user.IsVIP,
		VIPExpireMs:  user.VIPExpireMs,
		DeviceStatus: "active",
	}

	if user.OriginalTransactionID != "" {
		if _, err := p.store.GetBinding(ctx, user.OriginalTransactionID, deviceUUID); errors.Is(err, ErrBindingNotFound) {
			if err := p.store.UpdateUserVIP(ctx, deviceUUID, false, nil, nil); err != nil {
				return nil, err
			}
			status.IsVIP = false
			status.DeviceStatus = "kicked"
		} else if err != nil {
			return nil, err
		}
	}

	if status.IsVIP && status.VIPExpireMs != nil && *status.VIPExpireMs < p.now().UnixMilli() {
		otid := user.OriginalTransactionID
		var otidPtr *string
		if otid != "" {
			otidPtr = &otid
		}
		if err := p.store.UpdateUserVIP(ctx, deviceUUID, false, otidPtr, nil); err != nil {
			return nil, err
		}
		status.IsVIP = false
	}
	return status, nil
}

// IsVIPNow reports whether the user currently holds an unexpired
// entitlement. Used by the catalogue gate.
func (p *Processor) IsVIPNow(ctx context.Context, deviceUUID string) (bool, error) {
	user, err := p.store.GetUserByUUID(ctx, deviceUUID)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if !user.IsVIP {
		return false, nil
	}
	if user.VIPExpireMs != nil && *user.VIPExpireMs < p.now().UnixMilli() {
		return false, nil
	}
	return true, nil
}

func maxExpiry(a, b *int64) *int64 {
	if a == nil {
		return b
	}
	if b == nil || *a >= *b {
		return a
	}
	return b
}

func environmentName(env string) string {
	if env == "Sandbox" || env == "sandbox" {
		return "sandbox"
	}
	return "production"
}
