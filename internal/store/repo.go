package store

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

// Repo owns the database side of the pipeline: bulk reading inserts, ack
// upserts and dead-letter rows, each inside a transaction that carries the
// tenant identity via app.tenant_id.
type Repo struct {
	db          *gorm.DB
	stmtTimeout time.Duration
	postgres    bool
	maxTries    uint
}

func OpenPostgres(user, password, dbName, host, port, sslMode string) (*gorm.DB, error) {
	if sslMode == "" {
		sslMode = "disable"
	}
	dsn := fmt.Sprintf("host=%s user=%s password=%s dbname=%s port=%s sslmode=%s TimeZone=UTC", host, user, password, dbName, port, sslMode)
	gormLogger := logger.New(
		log.New(os.Stdout, "\r\n", log.LstdFlags),
		logger.Config{
			SlowThreshold:             2 * time.Second,
			LogLevel:                  logger.Warn,
			IgnoreRecordNotFoundError: true,
			Colorful:                  false,
		},
	)
	return gorm.Open(postgres.Open(dsn), &gorm.Config{Logger: gormLogger})
}

func New(db *gorm.DB, stmtTimeout time.Duration) (*Repo, error) {
	if err := db.AutoMigrate(&Tenant{}, &Reading{}, &CommandAck{}, &ErrorRow{}); err != nil {
		return nil, err
	}
	return &Repo{
		db:          db,
		stmtTimeout: stmtTimeout,
		postgres:    db.Dialector.Name() == "postgres",
		maxTries:    3,
	}, nil
}

// DB exposes the handle for collaborators that read through the same
// connection (tenant registry).
func (r *Repo) DB() *gorm.DB { return r.db }

func (r *Repo) Healthy(ctx context.Context) error {
	sqlDB, err := r.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// Rejected pairs a row the database refused with the refusal.
type Rejected[T any] struct {
	Row T
	Err error
}

// FlushReadings bulk-inserts one batch. Rows are grouped by tenant, one
// transaction per group. A transient failure retries the transaction; a
// permanent one bisects the group until the offending singletons fall out
// as rejected.
func (r *Repo) FlushReadings(ctx context.Context, rows []Reading) (int, []Rejected[Reading], error) {
	written := 0
	var rejected []Rejected[Reading]
	for tenant, group := range groupByTenant(rows, func(row Reading) uuid.UUID { return row.TenantID }) {
		tenant := tenant
		rej, err := flushGroup(ctx, r, group, func(sub []Reading) func(tx *gorm.DB) error {
			return func(tx *gorm.DB) error {
				if err := r.applyTenant(tx, tenant); err != nil {
					return err
				}
				return tx.CreateInBatches(sub, 200).Error
			}
		})
		if err != nil {
			return written, rejected, err
		}
		written += len(group) - len(rej)
		rejected = append(rejected, rej...)
	}
	return written, rejected, nil
}

// FlushAcks upserts acknowledgements on (tenant_id, device_id, cmd_id).
// Duplicates inside one batch collapse to the last occurrence before the
// statement is issued; Postgres refuses to touch the same row twice in one
// ON CONFLICT insert.
func (r *Repo) FlushAcks(ctx context.Context, acks []CommandAck) (int, []Rejected[CommandAck], error) {
	acks = dedupeAcks(acks)
	written := 0
	var rejected []Rejected[CommandAck]
	upsert := clause.OnConflict{
		Columns:   []clause.Column{{Name: "tenant_id"}, {Name: "device_id"}, {Name: "cmd_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"ok", "ts_exec", "payload", "updated_at"}),
	}
	for tenant, group := range groupByTenant(acks, func(a CommandAck) uuid.UUID { return a.TenantID }) {
		tenant := tenant
		rej, err := flushGroup(ctx, r, group, func(sub []CommandAck) func(tx *gorm.DB) error {
			return func(tx *gorm.DB) error {
				if err := r.applyTenant(tx, tenant); err != nil {
					return err
				}
				return tx.Clauses(upsert).CreateInBatches(sub, 200).Error
			}
		})
		if err != nil {
			return written, rejected, err
		}
		written += len(group) - len(rej)
		rejected = append(rejected, rej...)
	}
	return written, rejected, nil
}

// FlushErrors writes dead-letter rows. Rows without a resolved tenant go in
// with tenant_id null and no session variable; those are the rows the
// errors-table policy exposes to unscoped readers.
func (r *Repo) FlushErrors(ctx context.Context, rows []ErrorRow) error {
	byTenant := map[uuid.UUID][]ErrorRow{}
	var unscoped []ErrorRow
	for _, row := range rows {
		if row.TenantID == nil {
			unscoped = append(unscoped, row)
			continue
		}
		byTenant[*row.TenantID] = append(byTenant[*row.TenantID], row)
	}

	if len(unscoped) > 0 {
		if err := r.retry(ctx, func() error {
			return r.db.WithContext(ctx).CreateInBatches(unscoped, 200).Error
		}); err != nil {
			return err
		}
	}
	for tenant, group := range byTenant {
		group := group
		tenant := tenant
		if err := r.retry(ctx, func() error {
			return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
				if err := r.applyTenant(tx, tenant); err != nil {
					return err
				}
				return tx.CreateInBatches(group, 200).Error
			})
		}); err != nil {
			return err
		}
	}
	return nil
}

// applyTenant makes the row-security policy see the batch's tenant. This is
// load-bearing: without it a policy-enforcing store silently filters the
// writes and returns zero rows to readers.
func (r *Repo) applyTenant(tx *gorm.DB, tenant uuid.UUID) error {
	if !r.postgres {
		return nil
	}
	if r.stmtTimeout > 0 {
		ms := strconv.FormatInt(r.stmtTimeout.Milliseconds(), 10)
		if err := tx.Exec("SELECT set_config('statement_timeout', ?, true)", ms).Error; err != nil {
			return err
		}
	}
	return tx.Exec("SELECT set_config('app.tenant_id', ?, true)", tenant.String()).Error
}

func (r *Repo) retry(ctx context.Context, fn func() error) error {
	op := func() (struct{}, error) {
		err := fn()
		if err == nil {
			return struct{}{}, nil
		}
		if !isTransient(err) {
			return struct{}{}, backoff.Permanent(err)
		}
		return struct{}{}, err
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 100 * time.Millisecond
	b.MaxInterval = 2 * time.Second
	_, err := backoff.Retry(ctx, op, backoff.WithBackOff(b), backoff.WithMaxTries(r.maxTries))
	return err
}

// flushGroup writes a same-tenant group with retry, bisecting on permanent
// failure. Transient errors that survive the retry budget propagate so the
// caller can treat them as systemic.
func flushGroup[T any](ctx context.Context, r *Repo, rows []T, writeSub func([]T) func(tx *gorm.DB) error) ([]Rejected[T], error) {
	err := r.retry(ctx, func() error {
		return r.db.WithContext(ctx).Transaction(writeSub(rows))
	})
	if err == nil {
		return nil, nil
	}
	if isTransient(err) {
		return nil, err
	}
	return bisect(ctx, r, rows, writeSub, err)
}

func bisect[T any](ctx context.Context, r *Repo, rows []T, writeSub func([]T) func(tx *gorm.DB) error, cause error) ([]Rejected[T], error) {
	if len(rows) == 1 {
		return []Rejected[T]{{Row: rows[0], Err: cause}}, nil
	}
	var rejected []Rejected[T]
	mid := len(rows) / 2
	for _, half := range [][]T{rows[:mid], rows[mid:]} {
		half := half
		err := r.retry(ctx, func() error {
			return r.db.WithContext(ctx).Transaction(writeSub(half))
		})
		if err == nil {
			continue
		}
		if isTransient(err) {
			return rejected, err
		}
		rej, berr := bisect(ctx, r, half, writeSub, err)
		rejected = append(rejected, rej...)
		if berr != nil {
			return rejected, berr
		}
	}
	return rejected, nil
}

// isTransient classifies retryable failures: serialization conflicts,
// deadlocks, lost connections, statement timeouts. Anything the server
// identifies as a data or constraint problem is permanent; unidentified
// errors (reset sockets surface as plain io errors) count as transient.
func isTransient(err error) bool {
	if err == nil {
		return false
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "40001", "40P01", "57014":
			return true
		}
		return strings.HasPrefix(pgErr.Code, "08")
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, gorm.ErrInvalidData) || errors.Is(err, gorm.ErrInvalidValue) {
		return false
	}
	// sqlite in tests reports constraint violations as plain strings
	if strings.Contains(err.Error(), "constraint") {
		return false
	}
	return true
}

func groupByTenant[T any](rows []T, key func(T) uuid.UUID) map[uuid.UUID][]T {
	out := make(map[uuid.UUID][]T)
	for _, row := range rows {
		out[key(row)] = append(out[key(row)], row)
	}
	return out
}

func dedupeAcks(acks []CommandAck) []CommandAck {
	if len(acks) < 2 {
		return acks
	}
	type key struct {
		tenant uuid.UUID
		device string
		cmd    string
	}
	last := make(map[key]int, len(acks))
	for i, a := range acks {
		last[key{a.TenantID, a.DeviceID, a.CmdID}] = i
	}
	if len(last) == len(acks) {
		return acks
	}
	out := make([]CommandAck, 0, len(last))
	for i, a := range acks {
		if last[key{a.TenantID, a.DeviceID, a.CmdID}] == i {
			out = append(out, a)
		}
	}
	return out
}
