package models

import "time"

// Purpose is the access category assigned to an API key. It is fixed at
// creation and gates which routes the key may call.
type Purpose string

const (
	PurposeMarketing Purpose = "Marketing"
	PurposeAudit     Purpose = "Audit"
	PurposeSystem    Purpose = "System"
)

// Valid reports whether p is one of the known purposes.
func (p Purpose) Valid() bool {
	switch p {
	case PurposeMarketing, PurposeAudit, PurposeSystem:
		return true
	}
	return false
}

// DataClassification is the sensitivity tag governing which rows a key
// holder may see.
type DataClassification string

const (
	ClassificationPublic       DataClassification = "Public"
	ClassificationInternal     DataClassification = "Internal"
	ClassificationConfidential DataClassification = "Confidential"
	ClassificationRestricted   DataClassification = "Restricted"
)

// Valid reports whether c is one of the known classifications.
func (c DataClassification) Valid() bool {
	switch c {
	case ClassificationPublic, ClassificationInternal, ClassificationConfidential, ClassificationRestricted:
		return true
	}
	return false
}

// APIKey is a scoped credential for the gateway. The token itself is an
// opaque 64-hex-character secret, unique and immutable after creation.
type APIKey struct {
	Key                string               `json:"api_key" bson:"api_key"`
	Description        string               `json:"description" bson:"description"`
	Purpose            Purpose              `json:"purpose" bson:"purpose"`
	DataClassification []DataClassification `json:"data_classification" bson:"data_classification"`
	CreatedBy          string               `json:"created_by" bson:"created_by"`
	CreatedAt          time.Time            `json:"created_at" bson:"created_at"`
	UpdatedAt          time.Time            `json:"updated_at" bson:"updated_at"`
	ExpirationDate     *time.Time           `json:"expiration_date" bson:"expiration_date"`
	LastUsed           *time.Time           `json:"last_used" bson:"last_used"`
	Usages             int64                `json:"usages" bson:"usages"`
	AllowedIPs         []string             `json:"allowed_ips" bson:"allowed_ips"`
	RateLimit          int                  `json:"rate_limit" bson:"rate_limit"`
}

// IsExpired returns true if the key has an expiration date in the past.
// A nil expiration date means the key never expires.
func (k *APIKey) IsExpired(now time.Time) bool {
	return k.ExpirationDate != nil && !k.ExpirationDate.After(now)
}

// AllowsIP reports whether the key may be used from the given client IP.
// An empty allowlist means unrestricted.
func (k *APIKey) AllowsIP(ip string) bool {
	if len(k.AllowedIPs) == 0 {
		return true
	}
	for _, allowed := range k.AllowedIPs {
		if allowed == ip {
			return true
		}
	}
	return false
}

// Classifications returns the key's data classifications as plain strings,
// in the form the report queries bind as array parameters.
func (k *APIKey) Classifications() []string {
	out := make([]string, len(k.DataClassification))
	for i, c := range k.DataClassification {
		out[i] = string(c)
	}
	return out
}
