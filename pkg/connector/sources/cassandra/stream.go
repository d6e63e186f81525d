package cassandra

import (
	"github.com/gocql/gocql"

	"github.com/omnisource/tessera/pkg/connector/core"
	"github.com/omnisource/tessera/pkg/errors"
)

// rowStream adapts gocql.Iter to core.RowStream.
type rowStream struct {
	schema  string
	table   string
	iter    *gocql.Iter
	columns []string
	maxRows int
	read    int
	current *core.UniformRow
	err     error
	closed  bool
}

func newRowStream(schema, table string, iter *gocql.Iter, maxRows int) *rowStream {
	cols := iter.Columns()
	columns := make([]string, len(cols))
	for i, c := range cols {
		columns[i] = c.Name
	}
	return &rowStream{schema: schema, table: table, iter: iter, columns: columns, maxRows: maxRows}
}

func (s *rowStream) Next() bool {
	if s.err != nil || s.closed {
		return false
	}
	if s.maxRows > 0 && s.read >= s.maxRows {
		return false
	}

	values := make(map[string]interface{}, len(s.columns))
	if !s.iter.MapScan(values) {
		if err := s.iter.Close(); err != nil {
			s.err = errors.Wrap(err, errors.ErrorTypeQuery, "cassandra iteration failed")
		}
		s.closed = true
		return false
	}

	s.current = &core.UniformRow{
		Schema:  s.schema,
		Table:   s.table,
		Columns: s.columns,
		Values:  values,
	}
	s.read++
	return true
}

func (s *rowStream) Row() *core.UniformRow {
	return s.current
}

func (s *rowStream) Err() error {
	return s.err
}

func (s *rowStream) Close() {
	if s.closed {
		return
	}
	s.closed = true
	if err := s.iter.Close(); err != nil && s.err == nil {
		s.err = errors.Wrap(err, errors.ErrorTypeQuery, "failed to close cassandra iterator")
	}
}
