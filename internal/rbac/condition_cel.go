package rbac

import (
	"errors"
	"fmt"
	"strings"

	"github.com/google/cel-go/cel"
	lru "github.com/hashicorp/golang-lru/v2"
)

// DefaultExpressionCacheSize bounds the number of compiled expressions kept in memory.
const DefaultExpressionCacheSize = 256

// expressionCache compiles CEL expressions once and keeps the programs in an LRU.
//
// Expressions see four variables:
//
//	resource  map(string, dyn)  resource attributes
//	requester map(string, dyn)  id, global_role, store_role
//	store_id  int               store in scope, 0 when global
//	now       timestamp         evaluation time
type expressionCache struct {
	env      *cel.Env
	programs *lru.Cache[string, cel.Program]
}

func newExpressionCache(size int) (*expressionCache, error) {
	if size <= 0 {
		size = DefaultExpressionCacheSize
	}
	env, err := cel.NewEnv(
		cel.Variable("resource", cel.MapType(cel.StringType, cel.DynType)),
		cel.Variable("requester", cel.MapType(cel.StringType, cel.DynType)),
		cel.Variable("store_id", cel.IntType),
		cel.Variable("now", cel.TimestampType),
	)
	if err != nil {
		return nil, fmt.Errorf("rbac: create expression env: %w", err)
	}
	programs, err := lru.New[string, cel.Program](size)
	if err != nil {
		return nil, fmt.Errorf("rbac: create expression cache: %w", err)
	}
	return &expressionCache{env: env, programs: programs}, nil
}

func (c *expressionCache) program(expr string) (cel.Program, error) {
	expr = strings.TrimSpace(expr)
	if prg, ok := c.programs.Get(expr); ok {
		return prg, nil
	}
	ast, issues := c.env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("compile: %w", issues.Err())
	}
	if !ast.OutputType().IsAssignableType(cel.BoolType) {
		return nil, errors.New("expression must evaluate to a bool")
	}
	prg, err := c.env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("program: %w", err)
	}
	c.programs.Add(expr, prg)
	return prg, nil
}

func (c *expressionCache) check(expr string) error {
	_, err := c.program(expr)
	return err
}

func (c *expressionCache) eval(expr string, ctx EvalContext) truth {
	prg, err := c.program(expr)
	if err != nil {
		return truthUnknown
	}
	requester := map[string]any{
		"id":          ctx.Requester.UserID,
		"global_role": string(ctx.Requester.GlobalRole),
	}
	var storeID int64
	if ctx.StoreID != nil {
		storeID = *ctx.StoreID
		if role, ok := ctx.Requester.StoreRoleIn(storeID); ok {
			requester["store_role"] = string(role)
		}
	}
	resource := ctx.Resource
	if resource == nil {
		resource = map[string]any{}
	}
	out, _, err := prg.Eval(map[string]any{
		"resource":  resource,
		"requester": requester,
		"store_id":  storeID,
		"now":       ctx.Now,
	})
	if err != nil {
		return truthUnknown
	}
	b, ok := out.Value().(bool)
	if !ok {
		return truthUnknown
	}
	return truthOf(b)
}
