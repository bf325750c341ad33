package server

import (
	"sort"
	"strconv"
	"strings"

	"github.com/mrasu/ddblock/server/locks"
	"github.com/pkg/errors"
	"github.com/xwb1989/sqlparser"
)

const idColumn = "id"

// lockRequest is the set of locks one statement needs. The table name is the
// resource type and the rows are addressed by their id column.
type lockRequest struct {
	sql          string
	resourceType string
	mode         locks.LockMode
	ids          []uint64
}

func newLockRequest(sql string, stmt sqlparser.Statement) (*lockRequest, error) {
	req := &lockRequest{sql: sql}

	var err error
	switch t := stmt.(type) {
	case *sqlparser.Select:
		req.mode = locks.Shared
		if t.Lock == sqlparser.ForUpdateStr {
			req.mode = locks.Exclusive
		}
		if req.resourceType, err = tableName(t.From); err != nil {
			return nil, err
		}
		req.ids, err = whereIDs(t.Where)
	case *sqlparser.Update:
		req.mode = locks.Exclusive
		if req.resourceType, err = tableName(t.TableExprs); err != nil {
			return nil, err
		}
		req.ids, err = whereIDs(t.Where)
	case *sqlparser.Delete:
		req.mode = locks.Exclusive
		if req.resourceType, err = tableName(t.TableExprs); err != nil {
			return nil, err
		}
		req.ids, err = whereIDs(t.Where)
	case *sqlparser.Insert:
		req.mode = locks.Exclusive
		req.resourceType = strings.ToUpper(t.Table.Name.String())
		req.ids, err = insertedIDs(t)
	default:
		return nil, errors.Errorf("Not supported query: %s", sqlparser.String(stmt))
	}
	if err != nil {
		return nil, err
	}

	req.ids = uniqueIDs(req.ids)
	return req, nil
}

func tableName(exprs sqlparser.TableExprs) (string, error) {
	// Supporting only 1 table
	if len(exprs) != 1 {
		return "", errors.Errorf("Not supported FROM values: %s", sqlparser.String(exprs))
	}
	tExpr, ok := exprs[0].(*sqlparser.AliasedTableExpr)
	if !ok {
		return "", errors.Errorf("Not supported FROM values: %s", sqlparser.String(exprs[0]))
	}
	table, ok := tExpr.Expr.(sqlparser.TableName)
	if !ok {
		return "", errors.Errorf("Not supported FROM values: %s", sqlparser.String(exprs[0]))
	}
	return strings.ToUpper(table.Name.String()), nil
}

func whereIDs(where *sqlparser.Where) ([]uint64, error) {
	if where == nil {
		return nil, errors.New("statement must restrict the id column")
	}
	ids, err := exprIDs(where.Expr)
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, errors.Errorf("statement must restrict the id column: %s", sqlparser.String(where.Expr))
	}
	return ids, nil
}

// exprIDs collects the ids a condition may touch. Conditions on other
// columns only narrow an AND, so they add nothing; an OR needs ids on both
// sides.
func exprIDs(expr sqlparser.Expr) ([]uint64, error) {
	switch e := expr.(type) {
	case *sqlparser.ComparisonExpr:
		col, ok := e.Left.(*sqlparser.ColName)
		if !ok || !col.Name.EqualString(idColumn) {
			return nil, nil
		}
		switch e.Operator {
		case sqlparser.EqualStr:
			id, err := idValue(e.Right)
			if err != nil {
				return nil, err
			}
			return []uint64{id}, nil
		case sqlparser.InStr:
			tuple, ok := e.Right.(sqlparser.ValTuple)
			if !ok {
				return nil, errors.Errorf("Not supported IN values: %s", sqlparser.String(e.Right))
			}
			var ids []uint64
			for _, v := range tuple {
				id, err := idValue(v)
				if err != nil {
					return nil, err
				}
				ids = append(ids, id)
			}
			return ids, nil
		default:
			return nil, errors.Errorf("not supported operator on id: %s", e.Operator)
		}
	case *sqlparser.AndExpr:
		left, err := exprIDs(e.Left)
		if err != nil {
			return nil, err
		}
		right, err := exprIDs(e.Right)
		if err != nil {
			return nil, err
		}
		return append(left, right...), nil
	case *sqlparser.OrExpr:
		left, err := exprIDs(e.Left)
		if err != nil {
			return nil, err
		}
		right, err := exprIDs(e.Right)
		if err != nil {
			return nil, err
		}
		if len(left) == 0 || len(right) == 0 {
			return nil, errors.Errorf("both sides of OR must restrict the id column: %s", sqlparser.String(e))
		}
		return append(left, right...), nil
	case *sqlparser.ParenExpr:
		return exprIDs(e.Expr)
	default:
		return nil, nil
	}
}

func insertedIDs(q *sqlparser.Insert) ([]uint64, error) {
	idIndex := -1
	for i, c := range q.Columns {
		if c.EqualString(idColumn) {
			idIndex = i
		}
	}
	if idIndex < 0 {
		return nil, errors.New("INSERT must set the id column")
	}

	rows, ok := q.Rows.(sqlparser.Values)
	if !ok {
		return nil, errors.Errorf("Not supported Row types: %s", sqlparser.String(q.Rows))
	}
	var ids []uint64
	for _, row := range rows {
		if idIndex >= len(row) {
			return nil, errors.New("INSERT row is shorter than its column list")
		}
		id, err := idValue(row[idIndex])
		if err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, nil
}

func idValue(expr sqlparser.Expr) (uint64, error) {
	val, ok := expr.(*sqlparser.SQLVal)
	if !ok || val.Type != sqlparser.IntVal {
		return 0, errors.Errorf("id must be an integer literal: %s", sqlparser.String(expr))
	}
	id, err := strconv.ParseUint(string(val.Val), 10, 64)
	if err != nil {
		return 0, errors.Wrapf(err, "invalid id: %s", val.Val)
	}
	return id, nil
}

func uniqueIDs(ids []uint64) []uint64 {
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	unique := ids[:0]
	for _, id := range ids {
		if len(unique) == 0 || id != unique[len(unique)-1] {
			unique = append(unique, id)
		}
	}
	return unique
}
