package evidence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mutecomm/go-sqlcipher/v4"
)

// ErrNotFound is returned by Get for unknown certificate ids.
var ErrNotFound = errors.New("certificate not found")

// Record is one ledger row.
type Record struct {
	ID            string    `json:"id"`
	CreatedAt     time.Time `json:"created_at"`
	WipeType      string    `json:"wipe_type"`
	Status        string    `json:"status"`
	DeviceModel   string    `json:"device_model"`
	DeviceSize    int64     `json:"device_size"`
	DeviceType    string    `json:"device_type"`
	DeviceSerial  string    `json:"device_serial"`
	EraseMethod   string    `json:"erase_method"`
	JSONPath      string    `json:"json_path"`
	RenderingPath string    `json:"rendering_path"`
	Simulated     bool      `json:"simulated"`
	UserID        string    `json:"user_id"`
}

// Ledger indexes issued certificates.
type Ledger interface {
	Insert(ctx context.Context, r Record) error
	Has(ctx context.Context, id string) (bool, error)
	Get(ctx context.Context, id string) (Record, error)
	List(ctx context.Context) ([]Record, error)
	Close() error
}

// SQLiteLedger stores the index in a SQLite database.
type SQLiteLedger struct {
	db   *sql.DB
	path string
}

const ledgerSchema = `
CREATE TABLE IF NOT EXISTS certificates (
    id              TEXT PRIMARY KEY,
    created_at      TEXT NOT NULL,
    wipe_type       TEXT NOT NULL,
    status          TEXT NOT NULL,
    device_model    TEXT,
    device_size     INTEGER DEFAULT 0,
    device_type     TEXT,
    device_serial   TEXT,
    erase_method    TEXT,
    json_path       TEXT NOT NULL,
    rendering_path  TEXT NOT NULL,
    simulated       INTEGER NOT NULL DEFAULT 0 CHECK(simulated = 0),
    user_id         TEXT
);
CREATE INDEX IF NOT EXISTS idx_certificates_created ON certificates(created_at);
CREATE INDEX IF NOT EXISTS idx_certificates_serial ON certificates(device_serial);
`

// OpenLedger opens (and creates if needed) the ledger database.
func OpenLedger(ctx context.Context, path string) (*SQLiteLedger, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("failed to create ledger directory: %w", err)
	}

	dsn := fmt.Sprintf("file:%s?_journal_mode=WAL&_synchronous=FULL&_busy_timeout=5000", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open ledger: %w", err)
	}
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to ledger: %w", err)
	}
	if _, err := db.ExecContext(ctx, ledgerSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialise ledger schema: %w", err)
	}
	return &SQLiteLedger{db: db, path: path}, nil
}

func (l *SQLiteLedger) Insert(ctx context.Context, r Record) error {
	_, err := l.db.ExecContext(ctx, `
INSERT INTO certificates (id, created_at, wipe_type, status, device_model, device_size,
    device_type, device_serial, erase_method, json_path, rendering_path, simulated, user_id)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.CreatedAt.UTC().Format(time.RFC3339), r.WipeType, r.Status, r.DeviceModel, r.DeviceSize,
		r.DeviceType, r.DeviceSerial, r.EraseMethod, r.JSONPath, r.RenderingPath, r.Simulated, r.UserID)
	if err != nil {
		return fmt.Errorf("failed to insert certificate %s: %w", r.ID, err)
	}
	return nil
}

func (l *SQLiteLedger) Has(ctx context.Context, id string) (bool, error) {
	var n int
	err := l.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM certificates WHERE id = ?`, id).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("failed to query certificate %s: %w", id, err)
	}
	return n > 0, nil
}

const selectColumns = `SELECT id, created_at, wipe_type, status, device_model, device_size,
    device_type, device_serial, erase_method, json_path, rendering_path, simulated, user_id
FROM certificates`

func (l *SQLiteLedger) Get(ctx context.Context, id string) (Record, error) {
	row := l.db.QueryRowContext(ctx, selectColumns+` WHERE id = ?`, id)
	r, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return r, err
}

func (l *SQLiteLedger) List(ctx context.Context) ([]Record, error) {
	rows, err := l.db.QueryContext(ctx, selectColumns+` ORDER BY created_at DESC, id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list certificates: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// Path returns the database file location.
func (l *SQLiteLedger) Path() string {
	return l.path
}

func (l *SQLiteLedger) Close() error {
	return l.db.Close()
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanRecord(s scanner) (Record, error) {
	var (
		r       Record
		created string
		size    sql.NullInt64

		devModel, devType, serial, method, user sql.NullString
	)
	err := s.Scan(&r.ID, &created, &r.WipeType, &r.Status, &devModel, &size,
		&devType, &serial, &method, &r.JSONPath, &r.RenderingPath, &r.Simulated, &user)
	if err != nil {
		return Record{}, err
	}
	r.CreatedAt, _ = time.Parse(time.RFC3339, created)
	r.DeviceModel = devModel.String
	r.DeviceSize = size.Int64
	r.DeviceType = devType.String
	r.DeviceSerial = serial.String
	r.EraseMethod = method.String
	r.UserID = user.String
	return r, nil
}

// recordFromDocument строит строку реестра по документу сертификата
func recordFromDocument(doc Certificate, jsonPath, renderingPath string) Record {
	created, err := time.Parse(time.RFC3339, doc.TimestampUTC)
	if err != nil {
		created = time.Now().UTC()
	}
	return Record{
		ID:            doc.CertificateID,
		CreatedAt:     created,
		WipeType:      doc.NISTProfile,
		Status:        doc.PostWipeStatus,
		DeviceModel:   doc.DeviceInfo.Model,
		DeviceSize:    int64(doc.DeviceInfo.CapacityB),
		DeviceType:    doc.DeviceInfo.Type,
		DeviceSerial:  doc.DeviceInfo.SerialNumber,
		EraseMethod:   doc.EraseMethod,
		JSONPath:      jsonPath,
		RenderingPath: renderingPath,
		Simulated:     false,
		UserID:        doc.Operator,
	}
}
