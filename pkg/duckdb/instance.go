//go:build duckdb

package duckdb

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"fmt"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"
	goduckdb "github.com/marcboeker/go-duckdb"

	"github.com/sandboxws/isotope/query/pkg/arrow/helpers"
)

// Instance manages an isolated in-memory DuckDB database.
// Each SQL transform chain gets its own Instance.
type Instance struct {
	db          *sql.DB
	conn        *sql.Conn
	alloc       memory.Allocator
	memoryLimit int64
	releaseView func()
}

// NewInstance creates a new in-memory DuckDB instance with the given memory limit.
// Pass 0 for memoryLimit to use the default (256MB).
func NewInstance(ctx context.Context, alloc memory.Allocator, memoryLimit int64) (*Instance, error) {
	if memoryLimit == 0 {
		memoryLimit = 256 * 1024 * 1024
	}

	connector, err := goduckdb.NewConnector("", nil)
	if err != nil {
		return nil, fmt.Errorf("duckdb: create connector: %w", err)
	}
	db := sql.OpenDB(connector)

	conn, err := db.Conn(ctx)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("duckdb: get connection: %w", err)
	}

	limitMB := memoryLimit / (1024 * 1024)
	if limitMB < 1 {
		limitMB = 1
	}
	if _, err := conn.ExecContext(ctx, fmt.Sprintf("SET memory_limit='%dMB'", limitMB)); err != nil {
		conn.Close()
		db.Close()
		return nil, fmt.Errorf("duckdb: set memory_limit: %w", err)
	}

	return &Instance{db: db, conn: conn, alloc: alloc, memoryLimit: memoryLimit}, nil
}

// Close destroys the DuckDB instance and releases all memory.
func (inst *Instance) Close() error {
	if inst.releaseView != nil {
		inst.releaseView()
		inst.releaseView = nil
	}
	if inst.conn != nil {
		inst.conn.Close()
		inst.conn = nil
	}
	if inst.db != nil {
		db := inst.db
		inst.db = nil
		return db.Close()
	}
	return nil
}

// RegisterView exposes records as a view named name. The view replaces the
// one registered by the previous call.
func (inst *Instance) RegisterView(name string, schema *arrow.Schema, records ...arrow.Record) error {
	if inst.releaseView != nil {
		inst.releaseView()
		inst.releaseView = nil
	}

	return inst.conn.Raw(func(driverConn any) error {
		arrowConn, err := goduckdb.NewArrowFromConn(driverConn.(driver.Conn))
		if err != nil {
			return fmt.Errorf("duckdb: arrow from conn: %w", err)
		}
		rdr, err := array.NewRecordReader(schema, records)
		if err != nil {
			return fmt.Errorf("duckdb: create record reader: %w", err)
		}
		release, err := arrowConn.RegisterView(rdr, name)
		if err != nil {
			return fmt.Errorf("duckdb: register view: %w", err)
		}
		inst.releaseView = release
		return nil
	})
}

// Query runs querySQL and returns the result as one record.
func (inst *Instance) Query(ctx context.Context, querySQL string) (arrow.Record, error) {
	var result arrow.Record
	err := inst.conn.Raw(func(driverConn any) error {
		arrowConn, err := goduckdb.NewArrowFromConn(driverConn.(driver.Conn))
		if err != nil {
			return fmt.Errorf("duckdb: arrow from conn: %w", err)
		}
		rdr, err := arrowConn.QueryContext(ctx, querySQL)
		if err != nil {
			return fmt.Errorf("duckdb: query: %w", err)
		}
		defer rdr.Release()

		var records []arrow.Record
		defer func() {
			for _, r := range records {
				r.Release()
			}
		}()
		for rdr.Next() {
			rec := rdr.Record()
			rec.Retain()
			records = append(records, rec)
		}
		if err := rdr.Err(); err != nil {
			return fmt.Errorf("duckdb: read results: %w", err)
		}
		if len(records) == 0 {
			result = array.NewRecord(rdr.Schema(), nil, 0)
			return nil
		}
		result, err = helpers.Concat(inst.alloc, records)
		return err
	})
	return result, err
}
