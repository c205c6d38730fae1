package store

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/url"
	"path"
	"strconv"
	"strings"

	"github.com/zzenonn/zplace/internal/domain"
)

const rowsDir = "rows"

// cellLayout maps cells onto object names for object stores. Each row has a
// marker object and each (row, column) value is its own object, so upserting
// a subset of columns never rewrites the others:
//
//	<prefix>/t<table>/p<partition>/rows/<row key>
//	<prefix>/t<table>/p<partition>/c<column>/<row key>
type cellLayout struct {
	prefix string
}

func (l cellLayout) partitionPrefix(tableID, partitionID int64) string {
	return path.Join(l.prefix, fmt.Sprintf("t%d", tableID), fmt.Sprintf("p%d", partitionID)) + "/"
}

func (l cellLayout) rowMarker(tableID, partitionID int64, key string) string {
	return l.partitionPrefix(tableID, partitionID) + rowsDir + "/" + url.PathEscape(key)
}

func (l cellLayout) cellKey(tableID, partitionID, columnID int64, key string) string {
	return l.partitionPrefix(tableID, partitionID) + columnName(columnID) + "/" + url.PathEscape(key)
}

// objectRef is a parsed object name below a partition prefix.
type objectRef struct {
	marker   bool
	columnID int64
	rowKey   string
}

func (l cellLayout) parse(tableID, partitionID int64, name string) (objectRef, bool) {
	rest := strings.TrimPrefix(name, l.partitionPrefix(tableID, partitionID))
	if rest == name {
		return objectRef{}, false
	}
	dir, escaped, ok := strings.Cut(rest, "/")
	if !ok {
		return objectRef{}, false
	}
	key, err := url.PathUnescape(escaped)
	if err != nil {
		return objectRef{}, false
	}
	if dir == rowsDir {
		return objectRef{marker: true, rowKey: key}, true
	}
	if !strings.HasPrefix(dir, "c") {
		return objectRef{}, false
	}
	id, err := strconv.ParseInt(dir[1:], 10, 64)
	if err != nil {
		return objectRef{}, false
	}
	return objectRef{columnID: id, rowKey: key}, true
}

func encodeCell(v any) ([]byte, error) {
	return json.Marshal(v)
}

// decodeCell keeps integers as int64; other numbers become float64.
func decodeCell(data []byte) (any, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, err
	}
	if n, ok := v.(json.Number); ok {
		return parseNumber(n.String()), nil
	}
	return v, nil
}

// parseNumber converts the text form of a number into int64 when it is an
// integer and float64 otherwise.
func parseNumber(s string) any {
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		return n
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return f
	}
	return s
}

// rowAssembler collects markers and cells into rows.
type rowAssembler struct {
	rows map[string]domain.Row
}

func newRowAssembler() *rowAssembler {
	return &rowAssembler{rows: make(map[string]domain.Row)}
}

func (a *rowAssembler) touch(key string) domain.Row {
	r, ok := a.rows[key]
	if !ok {
		r = domain.Row{Key: key, Values: make(map[int64]any)}
		a.rows[key] = r
	}
	return r
}

func (a *rowAssembler) set(key string, columnID int64, v any) {
	a.touch(key).Values[columnID] = v
}

func (a *rowAssembler) result() []domain.Row {
	parts := make([]domain.Row, 0, len(a.rows))
	for _, r := range a.rows {
		parts = append(parts, r)
	}
	return domain.JoinRows(parts)
}
