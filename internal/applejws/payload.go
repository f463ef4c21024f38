package applejws

// Typed views over the decoded App Store payload claims. Apple sends all
// date fields as millisecond epoch numbers.

// Transaction is the subset of JWSTransactionDecodedPayload the entitlement
// flow needs.
type Transaction struct {
	OriginalTransactionID string
	TransactionID         string
	ProductID             string
	PurchaseDateMs        int64
	ExpiresDateMs         *int64
	Environment           string
}

// Renewal is the subset of JWSRenewalInfoDecodedPayload the notification
// handler needs.
type Renewal struct {
	OriginalTransactionID    string
	AutoRenewStatus          int
	GracePeriodExpiresDateMs *int64
	IsInBillingRetryPeriod   bool
}

func ParseTransaction(payload map[string]any) Transaction {
	return Transaction{
		OriginalTransactionID: str(payload, "originalTransactionId"),
		TransactionID:         str(payload, "transactionId"),
		ProductID:             str(payload, "productId"),
		PurchaseDateMs:        num(payload, "purchaseDate"),
		ExpiresDateMs:         nump(payload, "expiresDate"),
		Environment:           str(payload, "environment"),
	}
}

func ParseRenewal(payload map[string]any) Renewal {
	return Renewal{
		OriginalTransactionID:    str(payload, "originalTransactionId"),
		AutoRenewStatus:          int(num(payload, "autoRenewStatus")),
		GracePeriodExpiresDateMs: nump(payload, "gracePeriodExpiresDate"),
		IsInBillingRetryPeriod:   boolean(payload, "isInBillingRetryPeriod"),
	}
}

func str(m map[string]any, key string) string {
	if v, ok := m[key].(string); ok {
		return v
	}
	return ""
}

func num(m map[string]any, key string) int64 {
	if v, ok := m[key].(float64); ok {
		return int64(v)
	}
	return 0
}

func nump(m map[string]any, key string) *int64 {
	if v, ok := m[key].(float64); ok {
		n := int64(v)
		return &n
	}
	return nil
}

func boolean(m map[string]any, key string) bool {
	if v, ok := m[key].(bool); ok {
		return v
	}
	return false
}
