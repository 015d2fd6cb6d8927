// Package archive stores archive records in a weewx compatible SQLite table.
package archive

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/mattn/go-sqlite3"
	"github.com/nergy-se/envoy/pkg/packet"
	"github.com/sirupsen/logrus"
)

const table = "archive"

// schemaVersion is stored in PRAGMA user_version.
const schemaVersion = 1

var ErrDuplicate = errors.New("duplicate archive record")

var gridColumns = []string{"grid_power", "grid_energy_total", "grid_energy"}

// Column is a column of the archive table.
type Column struct {
	Name string
	Type string
}

// Schema returns the archive table columns in order.
func Schema() []Column {
	columns := []Column{
		{Name: "dateTime", Type: "INTEGER NOT NULL UNIQUE PRIMARY KEY"},
		{Name: "usUnits", Type: "INTEGER NOT NULL"},
		{Name: "interval", Type: "INTEGER NOT NULL"},
	}
	for _, f := range packet.Fields() {
		columns = append(columns, Column{Name: f, Type: "REAL"})
	}
	return columns
}

func isGridColumn(name string) bool {
	for _, c := range gridColumns {
		if c == name {
			return true
		}
	}
	return false
}

type Archive struct {
	db *sql.DB
}

func Open(ctx context.Context, path string) (*Archive, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, err
	}
	// sqlite only handles one writer
	db.SetMaxOpenConns(1)

	a := &Archive{db: db}
	err = a.migrate(ctx)
	if err != nil {
		db.Close()
		return nil, err
	}
	return a, nil
}

func (a *Archive) migrate(ctx context.Context) error {
	var defs []string
	for _, c := range Schema() {
		if isGridColumn(c.Name) {
			continue
		}
		defs = append(defs, fmt.Sprintf("`%s` %s", c.Name, c.Type))
	}
	_, err := a.db.ExecContext(ctx, fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (%s)", table, strings.Join(defs, ", ")))
	if err != nil {
		return fmt.Errorf("error creating archive table: %w", err)
	}

	vers := 0
	err = a.db.QueryRowContext(ctx, "PRAGMA user_version;").Scan(&vers)
	if err != nil {
		return fmt.Errorf("error reading schema version: %w", err)
	}

	if vers >= schemaVersion {
		return nil
	}

	logrus.Infof("archive: upgrade database to version %d", schemaVersion)
	tx, err := a.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	existing, err := columns(ctx, tx)
	if err != nil {
		return err
	}
	// weewx archives may already carry grid columns at user_version 0
	for _, c := range gridColumns {
		if existing[c] {
			continue
		}
		_, err = tx.ExecContext(ctx, fmt.Sprintf("ALTER TABLE %s ADD COLUMN `%s` REAL;", table, c))
		if err != nil {
			return fmt.Errorf("error adding column %s: %w", c, err)
		}
	}
	_, err = tx.ExecContext(ctx, fmt.Sprintf("PRAGMA user_version=%d;", schemaVersion))
	if err != nil {
		return err
	}
	return tx.Commit()
}

func columns(ctx context.Context, tx *sql.Tx) (map[string]bool, error) {
	rows, err := tx.QueryContext(ctx, fmt.Sprintf("PRAGMA table_info(%s);", table))
	if err != nil {
		return nil, fmt.Errorf("error reading archive columns: %w", err)
	}
	defer rows.Close()

	names := make(map[string]bool)
	for rows.Next() {
		var cid, notNull, pk int
		var name, typ string
		var dflt sql.NullString
		if err := rows.Scan(&cid, &name, &typ, &notNull, &dflt, &pk); err != nil {
			return nil, err
		}
		names[name] = true
	}
	return names, rows.Err()
}

func (a *Archive) Close() error {
	return a.db.Close()
}

// Add inserts an archive record. A record with an existing dateTime
// returns ErrDuplicate.
func (a *Archive) Add(ctx context.Context, rec *packet.Packet) error {
	if rec.DateTime == 0 || rec.USUnits == 0 || rec.Interval == nil {
		return fmt.Errorf("archive record requires dateTime, usUnits and interval")
	}

	names := []string{"`dateTime`", "`usUnits`", "`interval`"}
	args := []interface{}{rec.DateTime, rec.USUnits, *rec.Interval}
	for _, f := range rec.Observed() {
		v, _ := rec.Get(f)
		names = append(names, "`"+f+"`")
		args = append(args, v)
	}
	query := fmt.Sprintf("INSERT INTO %s (%s) VALUES (?%s)", table, strings.Join(names, ", "), strings.Repeat(", ?", len(names)-1))

	_, err := a.db.ExecContext(ctx, query, args...)
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) && sqliteErr.Code == sqlite3.ErrConstraint {
		return fmt.Errorf("%w: %d", ErrDuplicate, rec.DateTime)
	}
	if err != nil {
		return fmt.Errorf("error inserting archive record %d: %w", rec.DateTime, err)
	}
	logrus.Debugf("archive: added record %d", rec.DateTime)
	return nil
}

// Latest returns the newest record or nil if the archive is empty.
func (a *Archive) Latest(ctx context.Context) (*packet.Packet, error) {
	recs, err := a.query(ctx, fmt.Sprintf("SELECT %s FROM %s ORDER BY dateTime DESC LIMIT 1", selectColumns(), table))
	if err != nil || len(recs) == 0 {
		return nil, err
	}
	return recs[0], nil
}

// Range returns up to limit records with dateTime > since in ascending order.
func (a *Archive) Range(ctx context.Context, since int64, limit int) ([]*packet.Packet, error) {
	return a.query(ctx, fmt.Sprintf("SELECT %s FROM %s WHERE dateTime > ? ORDER BY dateTime ASC LIMIT ?", selectColumns(), table), since, limit)
}

func selectColumns() string {
	var names []string
	for _, c := range Schema() {
		names = append(names, "`"+c.Name+"`")
	}
	return strings.Join(names, ", ")
}

func (a *Archive) query(ctx context.Context, query string, args ...interface{}) ([]*packet.Packet, error) {
	rows, err := a.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("error querying archive: %w", err)
	}
	defer rows.Close()

	fields := packet.Fields()
	var recs []*packet.Packet
	for rows.Next() {
		var dateTime int64
		var usUnits, interval int
		values := make([]sql.NullFloat64, len(fields))
		dest := []interface{}{&dateTime, &usUnits, &interval}
		for i := range values {
			dest = append(dest, &values[i])
		}
		if err := rows.Scan(dest...); err != nil {
			return nil, fmt.Errorf("error scanning archive record: %w", err)
		}

		rec := packet.New(dateTime)
		rec.USUnits = usUnits
		rec.Interval = packet.Pointer(interval)
		for i, v := range values {
			if v.Valid {
				_ = rec.Set(fields[i], v.Float64)
			}
		}
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}
