package models

import "time"

// Report row types returned by the relational store. Every query is
// parametrized by the caller's data classifications; no row outside those
// classifications is ever returned.

// TopSpender is one row of the top-spending-customers report.
type TopSpender struct {
	CustomerID int64   `json:"customer_id"`
	Name       string  `json:"name"`
	TotalSpent float64 `json:"total_spent"`
}

// ExpensiveTransaction is one row of the most-expensive-transactions report.
type ExpensiveTransaction struct {
	TransactionID   int64     `json:"transaction_id"`
	CustomerID      int64     `json:"customer_id"`
	Name            string    `json:"name"`
	Amount          float64   `json:"amount"`
	Currency        string    `json:"currency"`
	TransactionDate time.Time `json:"transaction_date"`
}

// TimelineBucket is one day of transaction volume.
type TimelineBucket struct {
	Date             time.Time `json:"date"`
	TransactionCount int64     `json:"transaction_count"`
}

// StatusCount is the number of transactions in one status.
type StatusCount struct {
	Status string `json:"status"`
	Count  int64  `json:"count"`
}

// ClassificationCount is the number of transactions per data classification.
type ClassificationCount struct {
	DataClassification string `json:"data_classification"`
	Count              int64  `json:"count"`
}

// Transaction is one row of the recent-transactions report.
type Transaction struct {
	TransactionID      int64     `json:"transaction_id"`
	CustomerID         int64     `json:"customer_id"`
	TransactionDate    time.Time `json:"transaction_date"`
	Amount             float64   `json:"amount"`
	Currency           string    `json:"currency"`
	Status             string    `json:"status"`
	DataClassification string    `json:"data_classification"`
}

// Customer is one row of the customers listing. Fields outside the caller's
// projection are left at their zero values and omitted from the response.
type Customer struct {
	CustomerID       int64      `json:"customer_id"`
	FirstName        string     `json:"first_name"`
	LastName         string     `json:"last_name"`
	Email            string     `json:"email,omitempty"`
	Phone            string     `json:"phone,omitempty"`
	City             string     `json:"city,omitempty"`
	Country          string     `json:"country,omitempty"`
	ConsentMarketing bool       `json:"consent_marketing"`
	ConsentDate      *time.Time `json:"consent_date,omitempty"`
	Classification   string     `json:"data_classification,omitempty"`
	CreatedAt        time.Time  `json:"created_at"`
	UpdatedAt        time.Time  `json:"updated_at"`
}

// Event is one operational event from the key-value store's recent-events
// stream, e.g. an API key issuance.
type Event struct {
	Type      string    `json:"type"`
	Actor     string    `json:"actor"`
	Detail    string    `json:"detail"`
	Timestamp time.Time `json:"timestamp"`
}
