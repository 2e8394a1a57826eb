package train

import (
	"database/sql"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"time"

	_ "modernc.org/sqlite"

	"afrigpt/pkg/config"
)

// Record is one evaluation of the running model.
type Record struct {
	Iter      int
	TrainLoss float64
	ValLoss   float64
	BPC       float64
}

// Sink receives records as they are produced. Write must persist the record
// before returning so an aborted run keeps every finished interval.
type Sink interface {
	Write(Record) error
}

// MemoryLog keeps records in memory.
type MemoryLog struct {
	Records []Record
}

func (l *MemoryLog) Write(r Record) error {
	l.Records = append(l.Records, r)
	return nil
}

// CSVHeader is the first row of every loss log.
var CSVHeader = []string{"iter", "train_loss", "val_loss", "BPC"}

// CSVLog writes records as comma-separated rows, flushing after each one.
type CSVLog struct {
	f *os.File
	w *csv.Writer
}

// CreateCSVLog truncates path and writes the header.
func CreateCSVLog(path string) (*CSVLog, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, err
	}
	l := &CSVLog{f: f, w: csv.NewWriter(f)}
	if err := l.writeRow(CSVHeader); err != nil {
		f.Close()
		return nil, err
	}
	return l, nil
}

func (l *CSVLog) Write(r Record) error {
	return l.writeRow([]string{
		strconv.Itoa(r.Iter),
		formatFloat(r.TrainLoss),
		formatFloat(r.ValLoss),
		formatFloat(r.BPC),
	})
}

func (l *CSVLog) writeRow(row []string) error {
	if err := l.w.Write(row); err != nil {
		return err
	}
	l.w.Flush()
	return l.w.Error()
}

func (l *CSVLog) Close() error {
	l.w.Flush()
	if err := l.w.Error(); err != nil {
		l.f.Close()
		return err
	}
	return l.f.Close()
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'g', -1, 64)
}

// SQLiteLog stores records of one run in a SQLite database. Several runs can
// share a database; each gets a row in the runs table.
type SQLiteLog struct {
	db    *sql.DB
	runID int64
}

// OpenSQLiteLog opens (creating if needed) the database at path and registers
// a new run named name.
func OpenSQLiteLog(path, name string, cfg config.Config) (*SQLiteLog, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS runs(
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			name TEXT NOT NULL,
			started_at TEXT NOT NULL,
			config TEXT NOT NULL
		);
		CREATE TABLE IF NOT EXISTS loss_records(
			run_id INTEGER NOT NULL REFERENCES runs(id),
			iter INTEGER NOT NULL,
			train_loss REAL NOT NULL,
			val_loss REAL NOT NULL,
			bpc REAL NOT NULL,
			PRIMARY KEY(run_id, iter)
		);
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create tables: %w", err)
	}

	raw, err := json.Marshal(cfg)
	if err != nil {
		db.Close()
		return nil, err
	}
	res, err := db.Exec("INSERT INTO runs(name, started_at, config) VALUES(?,?,?)",
		name, time.Now().UTC().Format(time.RFC3339), string(raw))
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("register run: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		db.Close()
		return nil, err
	}
	return &SQLiteLog{db: db, runID: id}, nil
}

// RunID is the id of the run this log writes to.
func (l *SQLiteLog) RunID() int64 { return l.runID }

func (l *SQLiteLog) Write(r Record) error {
	_, err := l.db.Exec("INSERT INTO loss_records(run_id, iter, train_loss, val_loss, bpc) VALUES(?,?,?,?,?)",
		l.runID, r.Iter, r.TrainLoss, r.ValLoss, r.BPC)
	return err
}

// Records reads back every record of the run in iteration order.
func (l *SQLiteLog) Records() ([]Record, error) {
	rows, err := l.db.Query("SELECT iter, train_loss, val_loss, bpc FROM loss_records WHERE run_id = ? ORDER BY iter", l.runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var r Record
		if err := rows.Scan(&r.Iter, &r.TrainLoss, &r.ValLoss, &r.BPC); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (l *SQLiteLog) Close() error {
	return l.db.Close()
}
