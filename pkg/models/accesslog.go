package models

import "time"

// AccessLog is one audit record of an authenticated request. Entries are
// immutable once constructed and append-only in storage.
type AccessLog struct {
	Timestamp         time.Time `json:"timestamp" bson:"timestamp"`
	RequestID         string    `json:"request_id" bson:"request_id"`
	APIKey            string    `json:"api_key" bson:"api_key"`
	Endpoint          string    `json:"endpoint" bson:"endpoint"`
	Method            string    `json:"method" bson:"method"`
	StatusCode        int       `json:"status_code" bson:"status_code"`
	QueryTimeMs       int64     `json:"query_time_ms" bson:"query_time_ms"`
	ValidationTimeMs  int64     `json:"validation_time_ms" bson:"validation_time_ms"`
	ElapsedTimeMs     int64     `json:"elapsed_time_ms" bson:"elapsed_time_ms"`
	IPAddress         string    `json:"ip_address" bson:"ip_address"`
	UserAgent         string    `json:"user_agent" bson:"user_agent"`
	AccessedResources []string  `json:"accessed_resources" bson:"accessed_resources"`
}
