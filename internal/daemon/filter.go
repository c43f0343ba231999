package daemon

import (
	"errors"
	"fmt"
	"sync"

	"github.com/google/cel-go/cel"

	"github.com/quietwire/groupd/pkg/group"
)

var (
	ErrInvalidFilter    = errors.New("invalid filter expression")
	ErrFilterEvalFailed = errors.New("filter evaluation failed")
	errFilterNotBoolean = errors.New("filter must return bool")
)

// evaluator compiles and evaluates CEL filter expressions against group
// snapshots. Compiled programs are cached by expression.
type evaluator struct {
	env   *cel.Env
	cache sync.Map // map[string]cel.Program
}

func newEvaluator() (*evaluator, error) {
	env, err := cel.NewEnv(
		cel.Variable("title", cel.StringType),
		cel.Variable("description", cel.StringType),
		cel.Variable("revision", cel.IntType),
		cel.Variable("member_count", cel.IntType),
		cel.Variable("pending_count", cel.IntType),
		cel.Variable("requesting_count", cel.IntType),
		cel.Variable("timer", cel.IntType),
		cel.Variable("announcement_only", cel.BoolType),
	)
	if err != nil {
		return nil, fmt.Errorf("create CEL env: %w", err)
	}
	return &evaluator{env: env}, nil
}

func (e *evaluator) compile(expression string) (cel.Program, error) {
	if cached, ok := e.cache.Load(expression); ok {
		if prg, ok := cached.(cel.Program); ok {
			return prg, nil
		}
	}

	ast, issues := e.env.Compile(expression)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidFilter, issues.Err())
	}
	prg, err := e.env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidFilter, err)
	}

	e.cache.Store(expression, prg)
	return prg, nil
}

func (e *evaluator) match(prg cel.Program, snap *group.Snapshot) (bool, error) {
	activation := map[string]any{
		"title":             snap.Title,
		"description":       snap.Description,
		"revision":          int64(snap.Revision),
		"member_count":      int64(len(snap.Members)),
		"pending_count":     int64(len(snap.PendingMembers)),
		"requesting_count":  int64(len(snap.RequestingMembers)),
		"timer":             int64(snap.Timer),
		"announcement_only": snap.AnnouncementOnly,
	}

	out, _, err := prg.Eval(activation)
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrFilterEvalFailed, err)
	}
	result, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("%w: got %T", errFilterNotBoolean, out.Value())
	}
	return result, nil
}
