// Package entitlement owns subscription state: users, purchase records,
// device bindings, and the append-only transaction/notification logs.
package entitlement

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

var (
	ErrNotFound        = errors.New("entitlement: not found")
	ErrBindingNotFound = errors.New("entitlement: device binding not found")
)

// PurchaseRecord status values.
const (
	StatusActive  = "active"
	StatusInRetry = "in_retry"
	StatusExpired = "expired"
	StatusRevoked = "revoked"
)

// User is one device-keyed account.
type User struct {
	ID                    int64
	DeviceUUID            string
	OriginalTransactionID string
	IsVIP                 bool
	VIPExpireMs           *int64
}

// PurchaseRecord tracks one Apple subscription by original transaction id.
type PurchaseRecord struct {
	OriginalTransactionID string
	ProductID             string
	PurchaseDateMs        int64
	ExpireDateMs          *int64
	Status                string
	Environment           string
	DeviceCount           int
}

// DeviceBinding ties a device to a subscription.
type DeviceBinding struct {
	OriginalTransactionID string
	DeviceUUID            string
	DeviceName            string
	BindTimeMs            int64
	LastActiveTimeMs      int64
}

// Store wraps the entitlement tables.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

const entitlementSchema = `
CREATE TABLE IF NOT EXISTS users (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	device_uuid TEXT UNIQUE NOT NULL,
	original_transaction_id TEXT,
	is_vip INTEGER DEFAULT 0,
	vip_expire_time INTEGER,
	created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
	updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
);
CREATE TABLE IF NOT EXISTS purchase_records (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	original_transaction_id TEXT UNIQUE NOT NULL,
	product_id TEXT NOT NULL,
	purchase_date INTEGER NOT NULL,
	expire_date INTEGER,
	status TEXT DEFAULT 'active',
	environment TEXT DEFAULT 'production',
	device_count INTEGER DEFAULT 0,
	created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
	updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
);
CREATE TABLE IF NOT EXISTS device_bindings (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	original_transaction_id TEXT NOT NULL,
	device_uuid TEXT NOT NULL,
	device_name TEXT,
	bind_time INTEGER,
	last_active_time INTEGER,
	UNIQUE(original_transaction_id, device_uuid)
);
CREATE TABLE IF NOT EXISTS transaction_logs (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	original_transaction_id TEXT NOT NULL,
	transaction_id TEXT NOT NULL,
	jws_token TEXT,
	event_type TEXT,
	device_uuid TEXT,
	created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
);
CREATE TABLE IF NOT EXISTS notification_logs (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	notification_uuid TEXT UNIQUE NOT NULL,
	notification_type TEXT,
	subtype TEXT,
	original_transaction_id TEXT,
	transaction_id TEXT,
	environment TEXT,
	signed_payload TEXT,
	created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
);
CREATE TABLE IF NOT EXISTS purchase_events (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	transaction_id TEXT UNIQUE NOT NULL,
	original_transaction_id TEXT NOT NULL,
	event_type TEXT,
	device_uuid TEXT,
	created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_users_uuid ON users(device_uuid);
CREATE INDEX IF NOT EXISTS idx_users_trans_id ON users(original_transaction_id);
CREATE INDEX IF NOT EXISTS idx_purchase_trans_id ON purchase_records(original_transaction_id);
CREATE INDEX IF NOT EXISTS idx_device_trans_id ON device_bindings(original_transaction_id);
CREATE INDEX IF NOT EXISTS idx_device_active ON device_bindings(last_active_time);
CREATE INDEX IF NOT EXISTS idx_notification_uuid ON notification_logs(notification_uuid);
CREATE INDEX IF NOT EXISTS idx_notification_trans_id ON notification_logs(original_transaction_id);
`

func NewStore(dsn string) (*Store, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening entitlement db: %w", err)
	}
	if _, err := db.Exec(entitlementSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing entitlement schema: %w", err)
	}
	return &Store{db: db, now: time.Now}, nil
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) nowMs() int64 { return s.now().UnixMilli() }

// --- users ---

func (s *Store) GetUserByUUID(ctx context.Context, deviceUUID string) (*User, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, device_uuid, original_transaction_id, is_vip, vip_expire_time
		FROM users WHERE device_uuid = ?`, deviceUUID)

	var u User
	var otid sql.NullString
	var isVIP int
	var expire sql.NullInt64
	err := row.Scan(&u.ID, &u.DeviceUUID, &otid, &isVIP, &expire)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("loading user %s: %w", deviceUUID, err)
	}
	u.OriginalTransactionID = otid.String
	u.IsVIP = isVIP != 0
	if expire.Valid {
		u.VIPExpireMs = &expire.Int64
	}
	return &u, nil
}

func (s *Store) CreateUser(ctx context.Context, deviceUUID string) (*User, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO users (device_uuid, is_vip) VALUES (?, 0)`, deviceUUID)
	if err != nil {
		return nil, fmt.Errorf("creating user %s: %w", deviceUUID, err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("creating user %s: %w", deviceUUID, err)
	}
	return &User{ID: id, DeviceUUID: deviceUUID}, nil
}

// UpdateUserVIP sets the subscription fields on one user. A nil
// originalTransactionID clears the link to the purchase record.
func (s *Store) UpdateUserVIP(ctx context.Context, deviceUUID string, isVIP bool, originalTransactionID *string, expireMs *int64) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE users
		SET is_vip = ?, original_transaction_id = ?, vip_expire_time = ?, updated_at = CURRENT_TIMESTAMP
		WHERE device_uuid = ?`,
		boolToInt(isVIP), originalTransactionID, expireMs, deviceUUID)
	if err != nil {
		return fmt.Errorf("updating user %s: %w", deviceUUID, err)
	}
	return nil
}

// UpdateUsersVIPByTransaction applies a notification transition to every
// user linked to the original transaction id.
func (s *Store) UpdateUsersVIPByTransaction(ctx context.Context, originalTransactionID string, isVIP bool, expireMs *int64) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE users
		SET is_vip = ?, vip_expire_time = ?, updated_at = CURRENT_TIMESTAMP
		WHERE original_transaction_id = ?`,
		boolToInt(isVIP), expireMs, originalTransactionID)
	if err != nil {
		return fmt.Errorf("updating users for transaction %s: %w", originalTransactionID, err)
	}
	return nil
}

// --- purchase records ---

func (s *Store) GetPurchaseRecord(ctx context.Context, originalTransactionID string) (*PurchaseRecord, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT original_transaction_id, product_id, purchase_date, expire_date, status, environment, device_count
		FROM purchase_records WHERE original_transaction_id = ?`, originalTransactionID)

	var r PurchaseRecord
	var expire sql.NullInt64
	err := row.Scan(&r.OriginalTransactionID, &r.ProductID, &r.PurchaseDateMs, &expire, &r.Status, &r.Environment, &r.DeviceCount)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("loading purchase record %s: %w", originalTransactionID, err)
	}
	if expire.Valid {
		r.ExpireDateMs = &expire.Int64
	}
	return &r, nil
}

func (s *Store) CreatePurchaseRecord(ctx context.Context, r PurchaseRecord) error {
	if r.Status == "" {
		r.Status = StatusActive
	}
	if r.Environment == "" {
		r.Environment = "production"
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO purchase_records
		(original_transaction_id, product_id, purchase_date, expire_date, status, environment, device_count)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		r.OriginalTransactionID, r.ProductID, r.PurchaseDateMs, r.ExpireDateMs, r.Status, r.Environment, r.DeviceCount)
	if err != nil {
		return fmt.Errorf("creating purchase record %s: %w", r.OriginalTransactionID, err)
	}
	return nil
}

// UpdatePurchaseExpiry widens the expiry while the record is non-terminal.
// The store rejects regressions; terminal transitions go through
// UpdatePurchaseStatus.
func (s *Store) UpdatePurchaseExpiry(ctx context.Context, originalTransactionID string, expireMs *int64) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE purchase_records
		SET expire_date = ?, updated_at = CURRENT_TIMESTAMP
		WHERE original_transaction_id = ?
		AND status IN ('active', 'in_retry')
		AND (expire_date IS NULL OR ? IS NULL OR expire_date <= ?)`,
		expireMs, originalTransactionID, expireMs, expireMs)
	if err != nil {
		return fmt.Errorf("updating purchase expiry %s: %w", originalTransactionID, err)
	}
	return nil
}

// UpdatePurchaseStatus sets the status and, when expireMs is non-nil, the
// expiry. Terminal statuses may narrow the expiry.
func (s *Store) UpdatePurchaseStatus(ctx context.Context, originalTransactionID, status string, expireMs *int64) error {
	updates := []string{"status = ?", "updated_at = CURRENT_TIMESTAMP"}
	args := []any{status}
	if expireMs != nil {
		if status == StatusActive || status == StatusInRetry {
			updates = append(updates, "expire_date = MAX(COALESCE(expire_date, 0), ?)")
		} else {
			updates = append(updates, "expire_date = ?")
		}
		args = append(args, *expireMs)
	}
	args = append(args, originalTransactionID)

	_, err := s.db.ExecContext(ctx,
		fmt.Sprintf(`UPDATE purchase_records SET %s WHERE original_transaction_id = ?`, strings.Join(updates, ", ")),
		args...)
	if err != nil {
		return fmt.Errorf("updating purchase status %s: %w", originalTransactionID, err)
	}
	return nil
}

func (s *Store) SetDeviceCount(ctx context.Context, originalTransactionID string, count int) error {
	if count < 0 {
		count = 0
	}
	_, err := s.db.ExecContext(ctx, `
		UPDATE purchase_records SET device_count = ?, updated_at = CURRENT_TIMESTAMP
		WHERE original_transaction_id = ?`, count, originalTransactionID)
	if err != nil {
		return fmt.Errorf("updating device count %s: %w", originalTransactionID, err)
	}
	return nil
}

// --- device bindings ---

// Bindings lists a subscription's devices, least recently active first.
func (s *Store) Bindings(ctx context.Context, originalTransactionID string) ([]DeviceBinding, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT original_transaction_id, device_uuid, device_name, bind_time, last_active_time
		FROM device_bindings
		WHERE original_transaction_id = ?
		ORDER BY last_active_time ASC`, originalTransactionID)
	if err != nil {
		return nil, fmt.Errorf("listing bindings %s: %w", originalTransactionID, err)
	}
	defer rows.Close()

	var bindings []DeviceBinding
	for rows.Next() {
		var b DeviceBinding
		var name sql.NullString
		if err := rows.Scan(&b.OriginalTransactionID, &b.DeviceUUID, &name, &b.BindTimeMs, &b.LastActiveTimeMs); err != nil {
			return nil, fmt.Errorf("scanning binding: %w", err)
		}
		b.DeviceName = name.String
		bindings = append(bindings, b)
	}
	return bindings, rows.Err()
}

func (s *Store) GetBinding(ctx context.Context, originalTransactionID, deviceUUID string) (*DeviceBinding, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT original_transaction_id, device_uuid, device_name, bind_time, last_active_time
		FROM device_bindings
		WHERE original_transaction_id = ? AND device_uuid = ?`, originalTransactionID, deviceUUID)

	var b DeviceBinding
	var name sql.NullString
	err := row.Scan(&b.OriginalTransactionID, &b.DeviceUUID, &name, &b.BindTimeMs, &b.LastActiveTimeMs)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrBindingNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("loading binding (%s, %s): %w", originalTransactionID, deviceUUID, err)
	}
	b.DeviceName = name.String
	return &b, nil
}

func (s *Store) CreateBinding(ctx context.Context, originalTransactionID, deviceUUID, deviceName string) error {
	now := s.nowMs()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO device_bindings (original_transaction_id, device_uuid, device_name, bind_time, last_active_time)
		VALUES (?, ?, ?, ?, ?)`,
		originalTransactionID, deviceUUID, nullIfEmpty(deviceName), now, now)
	if err != nil {
		return fmt.Errorf("creating binding (%s, %s): %w", originalTransactionID, deviceUUID, err)
	}
	return nil
}

func (s *Store) TouchBinding(ctx context.Context, originalTransactionID, deviceUUID string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE device_bindings SET last_active_time = ?
		WHERE original_transaction_id = ? AND device_uuid = ?`,
		s.nowMs(), originalTransactionID, deviceUUID)
	if err != nil {
		return fmt.Errorf("touching binding (%s, %s): %w", originalTransactionID, deviceUUID, err)
	}
	return nil
}

func (s *Store) DeleteBinding(ctx context.Context, originalTransactionID, deviceUUID string) error {
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM device_bindings
		WHERE original_transaction_id = ? AND device_uuid = ?`, originalTransactionID, deviceUUID)
	if err != nil {
		return fmt.Errorf("deleting binding (%s, %s): %w", originalTransactionID, deviceUUID, err)
	}
	return nil
}

// --- logs ---

func (s *Store) LogTransaction(ctx context.Context, originalTransactionID, transactionID, eventType, deviceUUID, jwsToken string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO transaction_logs (original_transaction_id, transaction_id, event_type, device_uuid, jws_token)
		VALUES (?, ?, ?, ?, ?)`,
		originalTransactionID, transactionID, eventType, deviceUUID, jwsToken)
	if err != nil {
		return fmt.Errorf("logging transaction %s: %w", transactionID, err)
	}
	return nil
}

// NotificationSeen reports whether a notification UUID has been processed.
func (s *Store) NotificationSeen(ctx context.Context, notificationUUID string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM notification_logs WHERE notification_uuid = ?`, notificationUUID).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("checking notification %s: %w", notificationUUID, err)
	}
	return n > 0, nil
}

// NotificationRecord is the idempotency log row.
type NotificationRecord struct {
	NotificationUUID      string
	NotificationType      string
	Subtype               string
	OriginalTransactionID string
	TransactionID         string
	Environment           string
	SignedPayload         string
}

func (s *Store) LogNotification(ctx context.Context, rec NotificationRecord) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO notification_logs
		(notification_uuid, notification_type, subtype, original_transaction_id, transaction_id, environment, signed_payload)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		rec.NotificationUUID, rec.NotificationType, nullIfEmpty(rec.Subtype),
		nullIfEmpty(rec.OriginalTransactionID), nullIfEmpty(rec.TransactionID),
		nullIfEmpty(rec.Environment), rec.SignedPayload)
	if err != nil {
		return fmt.Errorf("logging notification %s: %w", rec.NotificationUUID, err)
	}
	return nil
}

// RecordPurchaseEvent stores an analytics row keyed by transaction id;
// duplicates are ignored.
func (s *Store) RecordPurchaseEvent(ctx context.Context, transactionID, originalTransactionID, eventType, deviceUUID string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO purchase_events (transaction_id, original_transaction_id, event_type, device_uuid)
		VALUES (?, ?, ?, ?)`,
		transactionID, originalTransactionID, eventType, nullIfEmpty(deviceUUID))
	if err != nil {
		return fmt.Errorf("recording purchase event %s: %w", transactionID, err)
	}
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}
