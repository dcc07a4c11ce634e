package storage

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/org/datagate/pkg/models"
)

// PostgresReports implements ReportStore on PostgreSQL. Each query runs on
// a pool connected as the database role provisioned for that report family
// (data steward, auditor, marketing), so row-level grants are enforced by
// the database itself in addition to the gateway's purpose checks.
type PostgresReports struct {
	steward   *pgxpool.Pool
	auditor   *pgxpool.Pool
	marketing *pgxpool.Pool
}

// PostgresURLs holds the per-role connection strings.
type PostgresURLs struct {
	Steward   string
	Auditor   string
	Marketing string
}

// NewPostgresReports opens the three role-scoped pools and pings each.
func NewPostgresReports(ctx context.Context, urls PostgresURLs) (*PostgresReports, error) {
	r := &PostgresReports{}
	for _, p := range []struct {
		name string
		url  string
		dst  **pgxpool.Pool
	}{
		{"steward", urls.Steward, &r.steward},
		{"auditor", urls.Auditor, &r.auditor},
		{"marketing", urls.Marketing, &r.marketing},
	} {
		pool, err := openPool(ctx, p.url)
		if err != nil {
			r.Close()
			return nil, fmt.Errorf("connecting %s pool: %w", p.name, err)
		}
		*p.dst = pool
	}
	return r, nil
}

func openPool(ctx context.Context, connStr string) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(connStr)
	if err != nil {
		return nil, fmt.Errorf("parsing postgres config: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connecting to postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging postgres: %w", err)
	}
	return pool, nil
}

// Close closes all pools. Safe to call on a partially constructed value.
func (r *PostgresReports) Close() {
	for _, pool := range []*pgxpool.Pool{r.steward, r.auditor, r.marketing} {
		if pool != nil {
			pool.Close()
		}
	}
}

// --- Marketing ---

func (r *PostgresReports) TopSpendingCustomers(ctx context.Context, classifications []string) ([]models.TopSpender, error) {
	rows, err := r.marketing.Query(ctx,
		`SELECT t.customer_id, c.first_name || ' ' || c.last_name AS name, SUM(t.amount) AS total_spent
		 FROM transactions t
		 JOIN customers c ON t.customer_id = c.customer_id
		 WHERE c.consent_marketing = TRUE
		   AND t.data_classification = ANY($1)
		   AND c.data_classification = ANY($1)
		 GROUP BY t.customer_id, name
		 ORDER BY total_spent DESC
		 LIMIT 100`,
		classifications,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.TopSpender
	for rows.Next() {
		var s models.TopSpender
		if err := rows.Scan(&s.CustomerID, &s.Name, &s.TotalSpent); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func (r *PostgresReports) MostExpensiveTransactions(ctx context.Context, classifications []string) ([]models.ExpensiveTransaction, error) {
	rows, err := r.marketing.Query(ctx,
		`SELECT t.transaction_id, t.customer_id, c.first_name || ' ' || c.last_name AS name,
		        t.amount, t.currency, t.transaction_date
		 FROM transactions t
		 JOIN customers c ON t.customer_id = c.customer_id
		 WHERE c.consent_marketing = TRUE
		   AND t.data_classification = ANY($1)
		   AND c.data_classification = ANY($1)
		 ORDER BY t.amount DESC
		 LIMIT 100`,
		classifications,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.ExpensiveTransaction
	for rows.Next() {
		var t models.ExpensiveTransaction
		if err := rows.Scan(&t.TransactionID, &t.CustomerID, &t.Name, &t.Amount, &t.Currency, &t.TransactionDate); err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// --- Auditor ---

func (r *PostgresReports) TransactionTimeline(ctx context.Context, classifications []string) ([]models.TimelineBucket, error) {
	rows, err := r.auditor.Query(ctx,
		`SELECT DATE_TRUNC('day', transaction_date) AS date, COUNT(*) AS transaction_count
		 FROM transactions
		 WHERE data_classification = ANY($1)
		 GROUP BY DATE_TRUNC('day', transaction_date)
		 ORDER BY date DESC
		 LIMIT 100`,
		classifications,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.TimelineBucket
	for rows.Next() {
		var b models.TimelineBucket
		if err := rows.Scan(&b.Date, &b.TransactionCount); err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

func (r *PostgresReports) StatusDistribution(ctx context.Context, classifications []string) ([]models.StatusCount, error) {
	rows, err := r.auditor.Query(ctx,
		`SELECT status, COUNT(*) AS count
		 FROM transactions
		 WHERE data_classification = ANY($1)
		 GROUP BY status`,
		classifications,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.StatusCount
	for rows.Next() {
		var s models.StatusCount
		if err := rows.Scan(&s.Status, &s.Count); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// --- Data steward ---

func (r *PostgresReports) ClassificationCounts(ctx context.Context) ([]models.ClassificationCount, error) {
	rows, err := r.steward.Query(ctx,
		`SELECT data_classification, COUNT(*) AS count
		 FROM transactions
		 GROUP BY data_classification
		 ORDER BY count DESC`,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.ClassificationCount
	for rows.Next() {
		var c models.ClassificationCount
		if err := rows.Scan(&c.DataClassification, &c.Count); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (r *PostgresReports) RecentTransactions(ctx context.Context, classifications []string) ([]models.Transaction, error) {
	rows, err := r.steward.Query(ctx,
		`SELECT transaction_id, customer_id, transaction_date, amount, currency, status, data_classification
		 FROM transactions
		 WHERE data_classification = ANY($1)
		 ORDER BY transaction_date DESC
		 LIMIT 100`,
		classifications,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.Transaction
	for rows.Next() {
		var t models.Transaction
		if err := rows.Scan(&t.TransactionID, &t.CustomerID, &t.TransactionDate, &t.Amount, &t.Currency, &t.Status, &t.DataClassification); err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// Customers lists customers with a projection that depends on the caller's
// purpose: System sees the full record, Audit sees non-sensitive columns of
// Public/Internal rows, Marketing sees contact columns of consented rows.
func (r *PostgresReports) Customers(ctx context.Context, purpose models.Purpose) ([]models.Customer, error) {
	switch purpose {
	case models.PurposeSystem:
		return r.scanCustomers(ctx, r.steward,
			`SELECT customer_id, first_name, last_name, email, COALESCE(phone, ''), city, country,
			        data_classification, consent_marketing, consent_date, created_at, updated_at
			 FROM customers
			 ORDER BY customer_id`,
			fullCustomer)
	case models.PurposeAudit:
		return r.scanCustomers(ctx, r.auditor,
			`SELECT customer_id, first_name, last_name, city, country,
			        data_classification, consent_marketing, consent_date, created_at, updated_at
			 FROM customers
			 WHERE data_classification IN ('Public', 'Internal')
			 ORDER BY customer_id`,
			auditCustomer)
	case models.PurposeMarketing:
		return r.scanCustomers(ctx, r.marketing,
			`SELECT customer_id, first_name, last_name, email, country,
			        consent_marketing, consent_date
			 FROM customers
			 WHERE consent_marketing = TRUE
			 ORDER BY customer_id`,
			marketingCustomer)
	default:
		return nil, fmt.Errorf("unsupported purpose %q", purpose)
	}
}

type customerScanner func(rows interface{ Scan(...any) error }) (models.Customer, error)

func fullCustomer(rows interface{ Scan(...any) error }) (models.Customer, error) {
	var c models.Customer
	err := rows.Scan(&c.CustomerID, &c.FirstName, &c.LastName, &c.Email, &c.Phone, &c.City, &c.Country,
		&c.Classification, &c.ConsentMarketing, &c.ConsentDate, &c.CreatedAt, &c.UpdatedAt)
	return c, err
}

func auditCustomer(rows interface{ Scan(...any) error }) (models.Customer, error) {
	var c models.Customer
	err := rows.Scan(&c.CustomerID, &c.FirstName, &c.LastName, &c.City, &c.Country,
		&c.Classification, &c.ConsentMarketing, &c.ConsentDate, &c.CreatedAt, &c.UpdatedAt)
	return c, err
}

func marketingCustomer(rows interface{ Scan(...any) error }) (models.Customer, error) {
	var c models.Customer
	err := rows.Scan(&c.CustomerID, &c.FirstName, &c.LastName, &c.Email, &c.Country,
		&c.ConsentMarketing, &c.ConsentDate)
	return c, err
}

func (r *PostgresReports) scanCustomers(ctx context.Context, pool *pgxpool.Pool, query string, scan customerScanner) ([]models.Customer, error) {
	rows, err := pool.Query(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.Customer
	for rows.Next() {
		c, err := scan(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}
