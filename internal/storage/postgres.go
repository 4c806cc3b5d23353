package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/example/ride-dispatch/internal/models"
)

const uniqueViolation = "23505"

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	// quick ping
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &PostgresStore{db: db}, nil
}

func NewPostgresStoreFromDB(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) DB() *sql.DB { return p.db }

func (p *PostgresStore) Close() error { return p.db.Close() }

const orderColumns = `id, customer_id, driver_id, service_id, status, version,
	pickup_lat, pickup_lng, pickup_address, dropoff_lat, dropoff_lng, dropoff_address,
	estimated_fare, currency, distance_meters, duration_seconds, created_at, updated_at`

const activeFilter = `status NOT IN ('completed', 'cancelled', 'no_drivers_available')`

func (p *PostgresStore) CreateOrder(ctx context.Context, o *models.Order) error {
	return p.inTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `INSERT INTO orders(`+orderColumns+`)
			VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18)`,
			o.ID, o.CustomerID, nullString(o.DriverID), o.ServiceID, o.Status, o.Version,
			o.Pickup.Lat, o.Pickup.Lng, o.Pickup.Address, o.Dropoff.Lat, o.Dropoff.Lng, o.Dropoff.Address,
			o.EstimatedFare, o.Currency, o.DistanceMeters, o.DurationSeconds, o.CreatedAt, o.UpdatedAt)
		if err != nil {
			var pqErr *pq.Error
			if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation && pqErr.Constraint == "orders_one_active_per_customer" {
				return ErrCustomerBusy
			}
			return fmt.Errorf("insert order: %w", err)
		}
		for _, e := range o.StatusHistory {
			if err := insertEntry(ctx, tx, o.ID, e); err != nil {
				return err
			}
		}
		return nil
	})
}

func (p *PostgresStore) GetOrder(ctx context.Context, id string) (*models.Order, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+orderColumns+` FROM orders WHERE id = $1`, id)
	o, err := scanOrder(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get order %s: %w", id, err)
	}
	if o.StatusHistory, err = p.history(ctx, id); err != nil {
		return nil, err
	}
	return o, nil
}

func (p *PostgresStore) ListOffers(ctx context.Context, orderID string) ([]models.RideOffer, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT id, order_id, driver_id, offered_at, expires_at, state, resolved_at
		FROM ride_offers WHERE order_id = $1 ORDER BY offered_at`, orderID)
	if err != nil {
		return nil, fmt.Errorf("list offers %s: %w", orderID, err)
	}
	defer rows.Close()
	var out []models.RideOffer
	for rows.Next() {
		var (
			off      models.RideOffer
			resolved sql.NullTime
		)
		if err := rows.Scan(&off.ID, &off.OrderID, &off.DriverID, &off.OfferedAt, &off.ExpiresAt, &off.State, &resolved); err != nil {
			return nil, fmt.Errorf("scan offer: %w", err)
		}
		if resolved.Valid {
			t := resolved.Time
			off.ResolvedAt = &t
		}
		out = append(out, off)
	}
	return out, rows.Err()
}

func (p *PostgresStore) Commit(ctx context.Context, c Commit) error {
	o := c.Order
	return p.inTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `UPDATE orders SET driver_id=$1, status=$2, version=$3, updated_at=$4
			WHERE id=$5 AND version=$6`,
			nullString(o.DriverID), o.Status, o.Version, o.UpdatedAt, o.ID, c.ExpectedVersion)
		if err != nil {
			return fmt.Errorf("update order: %w", err)
		}
		if n, err := res.RowsAffected(); err != nil {
			return fmt.Errorf("update order: %w", err)
		} else if n == 0 {
			return ErrVersionConflict
		}
		if c.Entry != nil {
			if err := insertEntry(ctx, tx, o.ID, *c.Entry); err != nil {
				return err
			}
		}
		for _, off := range resolvedFirst(c.Offers) {
			_, err := tx.ExecContext(ctx, `INSERT INTO ride_offers(id, order_id, driver_id, offered_at, expires_at, state, resolved_at)
				VALUES($1,$2,$3,$4,$5,$6,$7)
				ON CONFLICT (id) DO UPDATE SET state = EXCLUDED.state, resolved_at = EXCLUDED.resolved_at`,
				off.ID, off.OrderID, off.DriverID, off.OfferedAt, off.ExpiresAt, off.State, nullTime(off.ResolvedAt))
			if err != nil {
				var pqErr *pq.Error
				if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
					return fmt.Errorf("offer %s: %w", off.ID, ErrVersionConflict)
				}
				return fmt.Errorf("upsert offer %s: %w", off.ID, err)
			}
		}
		return nil
	})
}

func (p *PostgresStore) ListActiveOrders(ctx context.Context) ([]*models.Order, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT `+orderColumns+` FROM orders WHERE `+activeFilter+` ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("list active orders: %w", err)
	}
	var out []*models.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan order: %w", err)
		}
		out = append(out, o)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()
	for _, o := range out {
		if o.StatusHistory, err = p.history(ctx, o.ID); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (p *PostgresStore) history(ctx context.Context, orderID string) ([]models.StatusEntry, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT status, actor_type, actor_id, at
		FROM order_status_history WHERE order_id = $1 ORDER BY seq`, orderID)
	if err != nil {
		return nil, fmt.Errorf("status history %s: %w", orderID, err)
	}
	defer rows.Close()
	var out []models.StatusEntry
	for rows.Next() {
		var e models.StatusEntry
		if err := rows.Scan(&e.Status, &e.ActorType, &e.ActorID, &e.At); err != nil {
			return nil, fmt.Errorf("scan status entry: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (p *PostgresStore) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanOrder(s scanner) (*models.Order, error) {
	var (
		o      models.Order
		driver sql.NullString
	)
	err := s.Scan(&o.ID, &o.CustomerID, &driver, &o.ServiceID, &o.Status, &o.Version,
		&o.Pickup.Lat, &o.Pickup.Lng, &o.Pickup.Address, &o.Dropoff.Lat, &o.Dropoff.Lng, &o.Dropoff.Address,
		&o.EstimatedFare, &o.Currency, &o.DistanceMeters, &o.DurationSeconds, &o.CreatedAt, &o.UpdatedAt)
	if err != nil {
		return nil, err
	}
	o.DriverID = driver.String
	return &o, nil
}

func insertEntry(ctx context.Context, tx *sql.Tx, orderID string, e models.StatusEntry) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO order_status_history(order_id, status, actor_type, actor_id, at) VALUES($1,$2,$3,$4,$5)`,
		orderID, e.Status, e.ActorType, e.ActorID, e.At)
	if err != nil {
		return fmt.Errorf("insert status entry: %w", err)
	}
	return nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

// PostgresDirectory reads service eligibility from driver_services.
type PostgresDirectory struct {
	db *sql.DB
}

func NewPostgresDirectory(db *sql.DB) *PostgresDirectory {
	return &PostgresDirectory{db: db}
}

func (d *PostgresDirectory) Eligible(ctx context.Context, driverID, serviceID string) (bool, error) {
	var ok bool
	err := d.db.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM driver_services WHERE driver_id = $1 AND service_id = $2)`,
		driverID, serviceID).Scan(&ok)
	if err != nil {
		return false, fmt.Errorf("driver eligibility %s: %w", driverID, err)
	}
	return ok, nil
}
