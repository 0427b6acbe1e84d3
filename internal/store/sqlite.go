package store

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"strconv"

	"github.com/lox/vineyard/internal/geo"
	"github.com/lox/vineyard/internal/models"
)

type Store struct {
	db *sql.DB
}

func New(db *sql.DB) *Store {
	return &Store{db: db}
}

// Open opens a sqlite database at path with WAL enabled.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.Exec("PRAGMA journal_mode=WAL")
	db.Exec("PRAGMA busy_timeout=5000")
	db.Exec("PRAGMA foreign_keys=ON")
	return New(db), nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// LaborFilter narrows ListLaborLogs. Zero values mean "no restriction".
type LaborFilter struct {
	FieldID string
	From    string // inclusive, YYYY-MM-DD
	To      string // inclusive, YYYY-MM-DD
}

func (s *Store) UpsertBlock(ctx context.Context, b models.Block) error {
	var geometry sql.NullString
	if b.Geometry != nil {
		data, err := b.Geometry.MarshalJSON()
		if err != nil {
			return fmt.Errorf("encode geometry: %w", err)
		}
		geometry = sql.NullString{String: string(data), Valid: true}
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO vineyard_blocks (id, name, variety, acreage, geometry)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			variety = excluded.variety,
			acreage = excluded.acreage,
			geometry = excluded.geometry
	`, b.ID, b.Name, b.Variety, b.Acreage, geometry)
	return err
}

func (s *Store) ListVineyardBlocks(ctx context.Context) ([]models.Block, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, name, COALESCE(variety, ''), acreage, geometry FROM vineyard_blocks ORDER BY name, id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var blocks []models.Block
	for rows.Next() {
		var b models.Block
		var geometry sql.NullString
		if err := rows.Scan(&b.ID, &b.Name, &b.Variety, &b.Acreage, &geometry); err != nil {
			return nil, err
		}
		if geometry.Valid && geometry.String != "" {
			poly, err := geo.ParseGeoJSON([]byte(geometry.String))
			if err != nil {
				log.Printf("store: block %s geometry: %v", b.ID, err)
			} else {
				b.Geometry = poly
			}
		}
		blocks = append(blocks, b)
	}
	return blocks, rows.Err()
}

func (s *Store) InsertLaborLog(ctx context.Context, l models.LaborLog) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO labor_logs (field_id, worker, task, log_date, hours_worked, hourly_rate)
		VALUES (?, ?, ?, ?, ?, ?)
	`, l.FieldID, l.Worker, l.Task, l.LogDate, l.HoursWorked, l.HourlyRate)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func (s *Store) ListLaborLogs(ctx context.Context, f LaborFilter) ([]models.LaborLog, error) {
	query := `SELECT id, field_id, COALESCE(worker, ''), COALESCE(task, ''), COALESCE(log_date, ''), hours_worked, hourly_rate FROM labor_logs WHERE 1=1`
	var args []any
	if f.FieldID != "" {
		query += ` AND field_id = ?`
		args = append(args, f.FieldID)
	}
	if f.From != "" {
		query += ` AND log_date >= ?`
		args = append(args, f.From)
	}
	if f.To != "" {
		query += ` AND substr(log_date, 1, 10) <= ?`
		args = append(args, f.To)
	}
	query += ` ORDER BY log_date ASC, id ASC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var logs []models.LaborLog
	for rows.Next() {
		var l models.LaborLog
		if err := rows.Scan(&l.ID, &l.FieldID, &l.Worker, &l.Task, &l.LogDate, &l.HoursWorked, &l.HourlyRate); err != nil {
			return nil, err
		}
		logs = append(logs, l)
	}
	return logs, rows.Err()
}

func (s *Store) InsertInventoryItem(ctx context.Context, item models.InventoryItem) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO inventory_items (name, category, unit, unit_cost) VALUES (?, ?, ?, ?)
	`, item.Name, item.Category, item.Unit, item.UnitCost)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func (s *Store) InsertInventoryTransaction(ctx context.Context, t models.InventoryTransaction) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO inventory_transactions (item_id, transaction_type, quantity, transaction_date, notes)
		VALUES (?, ?, ?, ?, ?)
	`, t.ItemID, t.TransactionType, t.Quantity, t.TransactionDate, t.Notes)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// ListInventoryTransactions returns transactions joined with their item,
// newest first. A nil itemID lists every item; limit <= 0 means no limit.
func (s *Store) ListInventoryTransactions(ctx context.Context, itemID *int64, limit int) ([]models.InventoryTransaction, error) {
	query := `
		SELECT t.id, t.item_id, t.transaction_type, t.quantity, COALESCE(t.transaction_date, ''), COALESCE(t.notes, ''),
		       i.id, i.name, i.category, i.unit, i.unit_cost
		FROM inventory_transactions t
		LEFT JOIN inventory_items i ON i.id = t.item_id
		WHERE 1=1`
	var args []any
	if itemID != nil {
		query += ` AND t.item_id = ?`
		args = append(args, *itemID)
	}
	query += ` ORDER BY t.transaction_date DESC, t.id DESC`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var txs []models.InventoryTransaction
	for rows.Next() {
		var t models.InventoryTransaction
		var (
			joinedID             sql.NullInt64
			name, category, unit sql.NullString
			unitCost             sql.NullFloat64
		)
		if err := rows.Scan(&t.ID, &t.ItemID, &t.TransactionType, &t.Quantity, &t.TransactionDate, &t.Notes,
			&joinedID, &name, &category, &unit, &unitCost); err != nil {
			return nil, err
		}
		if joinedID.Valid {
			t.Item = &models.InventoryItem{
				ID:       joinedID.Int64,
				Name:     name.String,
				Category: category.String,
				Unit:     unit.String,
				UnitCost: unitCost,
			}
		}
		txs = append(txs, t)
	}
	return txs, rows.Err()
}

func (s *Store) InsertYieldHistory(ctx context.Context, y models.YieldHistoryEntry) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO field_yield_history (field_id, year, harvest_date, tons, price_per_ton, brix, ph, acidity)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, y.FieldID, y.Year, y.HarvestDate, y.Tons, y.PricePerTon, y.Brix, y.PH, y.Acidity)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// ListFieldYieldHistory returns yield rows. An empty fieldID lists every
// field; year 0 lists every year.
func (s *Store) ListFieldYieldHistory(ctx context.Context, fieldID string, year int) ([]models.YieldHistoryEntry, error) {
	query := `SELECT id, field_id, year, COALESCE(harvest_date, ''), tons, price_per_ton, brix, ph, acidity FROM field_yield_history WHERE 1=1`
	var args []any
	if fieldID != "" {
		query += ` AND field_id = ?`
		args = append(args, fieldID)
	}
	if year != 0 {
		query += ` AND year = ?`
		args = append(args, year)
	}
	query += ` ORDER BY year ASC, harvest_date ASC, id ASC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []models.YieldHistoryEntry
	for rows.Next() {
		var y models.YieldHistoryEntry
		if err := rows.Scan(&y.ID, &y.FieldID, &y.Year, &y.HarvestDate, &y.Tons, &y.PricePerTon, &y.Brix, &y.PH, &y.Acidity); err != nil {
			return nil, err
		}
		entries = append(entries, y)
	}
	return entries, rows.Err()
}

func (s *Store) InsertSprayApplication(ctx context.Context, a models.SprayApplication) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO spray_applications (field_id, product, application_date, rate_per_acre, acres_treated)
		VALUES (?, ?, ?, ?, ?)
	`, a.FieldID, a.Product, a.ApplicationDate, a.RatePerAcre, a.AcresTreated)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func (s *Store) ListSprayApplications(ctx context.Context) ([]models.SprayApplication, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, field_id, COALESCE(product, ''), COALESCE(application_date, ''), rate_per_acre, acres_treated
		FROM spray_applications
		ORDER BY application_date ASC, id ASC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var apps []models.SprayApplication
	for rows.Next() {
		var a models.SprayApplication
		if err := rows.Scan(&a.ID, &a.FieldID, &a.Product, &a.ApplicationDate, &a.RatePerAcre, &a.AcresTreated); err != nil {
			return nil, err
		}
		apps = append(apps, a)
	}
	return apps, rows.Err()
}

func (s *Store) InsertIrrigationEvent(ctx context.Context, e models.IrrigationEvent) (int64, error) {
	source := e.Source
	if source == "" {
		source = "manual"
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO irrigation_events (field_id, event_date, duration_hours, total_water_gallons, source)
		VALUES (?, ?, ?, ?, ?)
	`, e.FieldID, e.EventDate, e.DurationHours, e.TotalWaterGallons, source)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func (s *Store) ListIrrigationEvents(ctx context.Context) ([]models.IrrigationEvent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, field_id, COALESCE(event_date, ''), duration_hours, total_water_gallons, source
		FROM irrigation_events
		ORDER BY event_date ASC, id ASC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []models.IrrigationEvent
	for rows.Next() {
		var e models.IrrigationEvent
		if err := rows.Scan(&e.ID, &e.FieldID, &e.EventDate, &e.DurationHours, &e.TotalWaterGallons, &e.Source); err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

func (s *Store) InsertHarvestSample(ctx context.Context, h models.HarvestSample) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO harvest_samples (field_id, sample_date, brix, ph, acidity) VALUES (?, ?, ?, ?, ?)
	`, h.FieldID, h.SampleDate, h.Brix, h.PH, h.Acidity)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// ListHarvestSamples returns samples. An empty fieldID lists every field;
// year 0 lists every year.
func (s *Store) ListHarvestSamples(ctx context.Context, fieldID string, year int) ([]models.HarvestSample, error) {
	query := `SELECT id, field_id, COALESCE(sample_date, ''), brix, ph, acidity FROM harvest_samples WHERE 1=1`
	var args []any
	if fieldID != "" {
		query += ` AND field_id = ?`
		args = append(args, fieldID)
	}
	if year != 0 {
		query += ` AND substr(sample_date, 1, 4) = ?`
		args = append(args, strconv.Itoa(year))
	}
	query += ` ORDER BY sample_date ASC, id ASC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var samples []models.HarvestSample
	for rows.Next() {
		var h models.HarvestSample
		if err := rows.Scan(&h.ID, &h.FieldID, &h.SampleDate, &h.Brix, &h.PH, &h.Acidity); err != nil {
			return nil, err
		}
		samples = append(samples, h)
	}
	return samples, rows.Err()
}
