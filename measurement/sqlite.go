package measurement

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	// Register the sqlite3 driver.
	_ "github.com/mattn/go-sqlite3"

	"github.com/rs/xid"

	"github.com/signalsfoundry/rt-oracle-bridge/model"
)

const createMeasurements = `
CREATE TABLE IF NOT EXISTS measurements (
	id              TEXT PRIMARY KEY,
	recorded_at     TIMESTAMP NOT NULL,
	delay_ns3_ms    REAL,
	sionna_delay_ms REAL,
	tx_id           TEXT NOT NULL,
	rx_id           TEXT NOT NULL,
	pathloss_ns3    REAL,
	pathloss_sionna REAL NOT NULL,
	los             TEXT NOT NULL
)`

const insertMeasurement = `
INSERT INTO measurements (
	id, recorded_at, delay_ns3_ms, sionna_delay_ms, tx_id, rx_id,
	pathloss_ns3, pathloss_sionna, los
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`

// SQLiteSink stores rows in the measurements table of a SQLite database.
type SQLiteSink struct {
	mu   sync.Mutex
	db   *sql.DB
	stmt *sql.Stmt
	now  func() time.Time
}

// OpenSQLite opens (creating if needed) the database at path.
func OpenSQLite(path string) (*SQLiteSink, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}
	if _, err := db.Exec(createMeasurements); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create measurements table: %w", err)
	}
	stmt, err := db.Prepare(insertMeasurement)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("prepare insert: %w", err)
	}
	return &SQLiteSink{db: db, stmt: stmt, now: time.Now}, nil
}

// Append inserts one row.
func (s *SQLiteSink) Append(row Row) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return fmt.Errorf("sqlite sink is closed")
	}
	_, err := s.stmt.Exec(
		xid.New().String(),
		s.now().UTC(),
		nullable(row.HostDelayMS),
		nullable(row.OracleDelayMS),
		row.TxID,
		row.RxID,
		nullable(row.HostPathLoss),
		row.OraclePathLoss,
		string(row.LOS),
	)
	if err != nil {
		return fmt.Errorf("insert measurement: %w", err)
	}
	return nil
}

// Rows returns every stored row in insertion order.
func (s *SQLiteSink) Rows(ctx context.Context) ([]Row, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return nil, fmt.Errorf("sqlite sink is closed")
	}
	rs, err := s.db.QueryContext(ctx, `
SELECT delay_ns3_ms, sionna_delay_ms, tx_id, rx_id, pathloss_ns3, pathloss_sionna, los
FROM measurements ORDER BY rowid`)
	if err != nil {
		return nil, fmt.Errorf("query measurements: %w", err)
	}
	defer rs.Close()

	var out []Row
	for rs.Next() {
		var (
			row                    Row
			hostDelay, oracleDelay sql.NullFloat64
			hostLoss               sql.NullFloat64
			los                    string
		)
		if err := rs.Scan(&hostDelay, &oracleDelay, &row.TxID, &row.RxID, &hostLoss, &row.OraclePathLoss, &los); err != nil {
			return nil, fmt.Errorf("scan measurement: %w", err)
		}
		row.HostDelayMS = fromNullable(hostDelay)
		row.OracleDelayMS = fromNullable(oracleDelay)
		row.HostPathLoss = fromNullable(hostLoss)
		row.LOS = model.LOSStatus(los)
		out = append(out, row)
	}
	return out, rs.Err()
}

// Close releases the statement and the database.
func (s *SQLiteSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return nil
	}
	_ = s.stmt.Close()
	err := s.db.Close()
	s.db = nil
	return err
}

func nullable(v *float64) sql.NullFloat64 {
	if v == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *v, Valid: true}
}

func fromNullable(v sql.NullFloat64) *float64 {
	if !v.Valid {
		return nil
	}
	return Float(v.Float64)
}
