package postgis

import (
	"github.com/jackc/pgx/v5"

	"github.com/omnisource/tessera/pkg/connector/core"
	"github.com/omnisource/tessera/pkg/errors"
)

// rowStream adapts pgx.Rows to core.RowStream.
type rowStream struct {
	schema  string
	table   string
	rows    pgx.Rows
	columns []string
	current *core.UniformRow
	err     error
}

func newRowStream(schema, table string, rows pgx.Rows) *rowStream {
	fields := rows.FieldDescriptions()
	columns := make([]string, len(fields))
	for i, f := range fields {
		columns[i] = f.Name
	}
	return &rowStream{schema: schema, table: table, rows: rows, columns: columns}
}

func (s *rowStream) Next() bool {
	if s.err != nil {
		return false
	}
	if !s.rows.Next() {
		s.err = s.rows.Err()
		return false
	}

	values, err := s.rows.Values()
	if err != nil {
		s.err = errors.Wrap(err, errors.ErrorTypeQuery, "failed to decode row values")
		return false
	}

	row := &core.UniformRow{
		Schema:  s.schema,
		Table:   s.table,
		Columns: s.columns,
		Values:  make(map[string]interface{}, len(values)),
	}
	for i, col := range s.columns {
		row.Values[col] = values[i]
	}
	s.current = row
	return true
}

func (s *rowStream) Row() *core.UniformRow {
	return s.current
}

func (s *rowStream) Err() error {
	return s.err
}

func (s *rowStream) Close() {
	s.rows.Close()
}
