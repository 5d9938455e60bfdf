package cel

import (
	"fmt"
	"reflect"

	"github.com/google/cel-go/cel"

	"github.com/sharedcode/dtx"
)

// Rule is a CEL-expressed custom risk rule for the pre-commit validator. The
// expression is evaluated against the transaction record rendered as a
// "record" map (JSON field names) plus an "operationCount" convenience
// variable, and must yield a bool: true means the rule matched and the
// validator raises a CUSTOM_RULE advisory issue.
type Rule struct {
	Expression string
	name       string
	program    cel.Program
}

// NewRule compiles the expression once; Evaluate only runs the program.
func NewRule(name string, expression string) (*Rule, error) {
	if name == "" {
		return nil, fmt.Errorf("name can't be empty string")
	}
	if expression == "" {
		return nil, fmt.Errorf("expression can't be empty string")
	}

	env, err := cel.NewEnv(
		// Declare variables based on the record context (JSON/map[string]any) to be evaluated against.
		cel.Variable("record", cel.MapType(cel.StringType, cel.AnyType)),
		cel.Variable("operationCount", cel.IntType),
	)
	if err != nil {
		return nil, fmt.Errorf("error creating CEL environment: %v", err)
	}

	ast, issues := env.Compile(expression)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("error compiling CEL expression: %v", issues.Err())
	}
	p, err := env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("error creating Program: %v", err)
	}
	return &Rule{
		Expression: expression,
		name:       name,
		program:    p,
	}, nil
}

func (r *Rule) Name() string {
	return r.name
}

// Evaluate runs the compiled expression against the record. The record is
// round-tripped through the wire marshaler so expressions address the same
// field names an operator sees in the transaction log.
func (r *Rule) Evaluate(record *dtx.TransactionRecord) (bool, error) {
	ba, err := dtx.DefaultMarshaler.Marshal(record)
	if err != nil {
		return false, fmt.Errorf("error rendering record for CEL evaluation: %v", err)
	}
	var m map[string]any
	if err := dtx.DefaultMarshaler.Unmarshal(ba, &m); err != nil {
		return false, fmt.Errorf("error rendering record for CEL evaluation: %v", err)
	}

	out, _, err := r.program.Eval(map[string]any{
		"record":         m,
		"operationCount": len(record.Operations),
	})
	if err != nil {
		return false, fmt.Errorf("error evaluating CEL expression: %v", err)
	}
	nv, err := out.ConvertToNative(reflect.TypeOf(bool(false)))
	if err != nil {
		return false, fmt.Errorf("error ConvertToNative, got err: %v", err)
	}

	if v, ok := nv.(bool); !ok {
		return false, fmt.Errorf("error converting to bool, nv: %v", nv)
	} else {
		return v, nil
	}
}
