package client

import "context"

// GetRows runs q and returns all rows.
func GetRows(ctx context.Context, db Querier, q Query) ([]Row, error) {
	res, err := db.Query(ctx, q)
	if err != nil {
		return nil, err
	}
	return res.Rows, nil
}

// GetRow runs q and returns its only row. Any other row count is a
// *RowCountError whose kind is KindNotFound or KindTooManyRows.
func GetRow(ctx context.Context, db Querier, q Query) (Row, error) {
	rows, err := GetRows(ctx, db, q)
	if err != nil {
		return Row{}, err
	}
	if len(rows) != 1 {
		return Row{}, &RowCountError{Expected: "exactly one", Actual: len(rows), Query: q.Text, Params: q.Values}
	}
	return rows[0], nil
}

// FindOne runs q and returns its row, if any. More than one row is a
// *RowCountError.
func FindOne(ctx context.Context, db Querier, q Query) (Row, bool, error) {
	rows, err := GetRows(ctx, db, q)
	if err != nil {
		return Row{}, false, err
	}
	switch len(rows) {
	case 0:
		return Row{}, false, nil
	case 1:
		return rows[0], true, nil
	default:
		return Row{}, false, &RowCountError{Expected: "at most one", Actual: len(rows), Query: q.Text, Params: q.Values}
	}
}

// GetOne runs q and returns the first column of its only row.
func GetOne(ctx context.Context, db Querier, q Query) (interface{}, error) {
	row, err := GetRow(ctx, db, q)
	if err != nil {
		return nil, err
	}
	if row.Len() == 0 {
		return nil, &ColumnIndexError{Requested: 0, Available: -1}
	}
	return row.Values()[0], nil
}

// GetColumn runs q and returns the column at index from every row.
func GetColumn(ctx context.Context, db Querier, q Query, index int) ([]interface{}, error) {
	res, err := db.Query(ctx, q)
	if err != nil {
		return nil, err
	}
	if index < 0 || index >= len(res.Columns) {
		return nil, &ColumnIndexError{Requested: index, Available: len(res.Columns) - 1}
	}

	out := make([]interface{}, len(res.Rows))
	for i, row := range res.Rows {
		v, _ := row.Get(res.Columns[index])
		out[i] = v
	}
	return out, nil
}
