package engine

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/robertkrimen/otto"
	"github.com/tidwall/gjson"

	"github.com/loomworks/loom/internal/models"
)

// EvaluateCondition decides whether a conditional connection is satisfied
// given the source node's output. Two predicate forms are supported:
//
//	{"path": "result.score", "op": "gt", "value": 0.5}
//	{"expression": "outputs.result.score > 0.5"}
//
// The path form is a gjson lookup; the expression form runs a JS expression
// with the source output bound as `outputs`. A nil or empty config means
// the edge is unconditional. Evaluation errors fail closed: the edge is
// treated as unsatisfied.
func EvaluateCondition(cfg models.JSONMap, output map[string]interface{}) bool {
	if len(cfg) == 0 {
		return true
	}
	if expr, ok := cfg["expression"].(string); ok && expr != "" {
		return evaluateExpression(expr, output)
	}
	if path, ok := cfg["path"].(string); ok && path != "" {
		return evaluatePath(path, cfg, output)
	}
	// Unrecognized config shape.
	return false
}

func evaluatePath(path string, cfg models.JSONMap, output map[string]interface{}) bool {
	raw, err := json.Marshal(output)
	if err != nil {
		return false
	}
	value := gjson.GetBytes(raw, path)

	op, _ := cfg["op"].(string)
	if op == "" {
		op = "exists"
	}
	expected := cfg["value"]

	switch op {
	case "exists":
		return value.Exists()
	case "eq":
		return compareJSON(value, expected) == 0 && value.Exists()
	case "ne":
		return !value.Exists() || compareJSON(value, expected) != 0
	case "gt":
		return value.Exists() && compareJSON(value, expected) > 0
	case "lt":
		return value.Exists() && compareJSON(value, expected) < 0
	case "contains":
		s, _ := expected.(string)
		return strings.Contains(value.String(), s)
	default:
		return false
	}
}

func compareJSON(actual gjson.Result, expected interface{}) int {
	switch e := expected.(type) {
	case float64:
		a := actual.Float()
		switch {
		case a < e:
			return -1
		case a > e:
			return 1
		default:
			return 0
		}
	case int:
		return compareJSON(actual, float64(e))
	case bool:
		if actual.Bool() == e {
			return 0
		}
		return 1
	case string:
		return strings.Compare(actual.String(), e)
	default:
		return strings.Compare(actual.String(), fmt.Sprintf("%v", expected))
	}
}

func evaluateExpression(expr string, output map[string]interface{}) bool {
	vm := otto.New()
	vm.Interrupt = make(chan func(), 1)
	if err := vm.Set("outputs", output); err != nil {
		return false
	}
	value, err := vm.Run(expr)
	if err != nil {
		return false
	}
	result, err := value.ToBoolean()
	if err != nil {
		return false
	}
	return result
}
