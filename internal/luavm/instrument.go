package luavm

import (
	"strconv"

	"github.com/yuin/gopher-lua/ast"
)

// instrument rewrites a statement block so that a call to the hook global
// precedes every statement starting a new line, recursing into nested blocks
// and function bodies. Return statements keep their block-final position
// because calls are only inserted in front of statements.
func instrument(stmts []ast.Stmt) []ast.Stmt {
	out := make([]ast.Stmt, 0, 2*len(stmts))
	lastLine := -1
	for _, st := range stmts {
		if line := st.Line(); line > 0 && line != lastLine {
			out = append(out, hookCallStmt(line))
			lastLine = line
		}
		instrumentStmt(st)
		out = append(out, st)
	}
	return out
}

func instrumentStmt(st ast.Stmt) {
	switch st := st.(type) {
	case *ast.AssignStmt:
		instrumentExprs(st.Lhs)
		instrumentExprs(st.Rhs)
	case *ast.LocalAssignStmt:
		instrumentExprs(st.Exprs)
	case *ast.FuncCallStmt:
		instrumentExpr(st.Expr)
	case *ast.DoBlockStmt:
		st.Stmts = instrument(st.Stmts)
	case *ast.WhileStmt:
		instrumentExpr(st.Condition)
		st.Stmts = instrument(st.Stmts)
	case *ast.RepeatStmt:
		instrumentExpr(st.Condition)
		st.Stmts = instrument(st.Stmts)
	case *ast.IfStmt:
		instrumentExpr(st.Condition)
		st.Then = instrument(st.Then)
		st.Else = instrument(st.Else)
	case *ast.NumberForStmt:
		instrumentExpr(st.Init)
		instrumentExpr(st.Limit)
		instrumentExpr(st.Step)
		st.Stmts = instrument(st.Stmts)
	case *ast.GenericForStmt:
		instrumentExprs(st.Exprs)
		st.Stmts = instrument(st.Stmts)
	case *ast.FuncDefStmt:
		instrumentExpr(st.Func)
	case *ast.ReturnStmt:
		instrumentExprs(st.Exprs)
	}
}

func instrumentExprs(exprs []ast.Expr) {
	for _, e := range exprs {
		instrumentExpr(e)
	}
}

func instrumentExpr(e ast.Expr) {
	switch e := e.(type) {
	case *ast.FunctionExpr:
		e.Stmts = instrument(e.Stmts)
	case *ast.FuncCallExpr:
		instrumentExpr(e.Func)
		instrumentExpr(e.Receiver)
		instrumentExprs(e.Args)
	case *ast.AttrGetExpr:
		instrumentExpr(e.Object)
		instrumentExpr(e.Key)
	case *ast.TableExpr:
		for _, field := range e.Fields {
			instrumentExpr(field.Key)
			instrumentExpr(field.Value)
		}
	case *ast.LogicalOpExpr:
		instrumentExpr(e.Lhs)
		instrumentExpr(e.Rhs)
	case *ast.RelationalOpExpr:
		instrumentExpr(e.Lhs)
		instrumentExpr(e.Rhs)
	case *ast.StringConcatOpExpr:
		instrumentExpr(e.Lhs)
		instrumentExpr(e.Rhs)
	case *ast.ArithmeticOpExpr:
		instrumentExpr(e.Lhs)
		instrumentExpr(e.Rhs)
	case *ast.UnaryMinusOpExpr:
		instrumentExpr(e.Expr)
	case *ast.UnaryNotOpExpr:
		instrumentExpr(e.Expr)
	case *ast.UnaryLenOpExpr:
		instrumentExpr(e.Expr)
	}
}

// hookCallStmt builds `__luadap_line(<line>)` positioned at line.
func hookCallStmt(line int) ast.Stmt {
	name := &ast.IdentExpr{Value: hookGlobal}
	name.SetLine(line)
	arg := &ast.NumberExpr{Value: strconv.Itoa(line)}
	arg.SetLine(line)
	call := &ast.FuncCallExpr{Func: name, Args: []ast.Expr{arg}}
	call.SetLine(line)
	st := &ast.FuncCallStmt{Expr: call}
	st.SetLine(line)
	return st
}
