// Package language inspects GraphQL documents with gqlparser. The client
// never validates documents against a schema; it only needs to know which
// operation a document holds.
package language

import (
	"errors"
	"fmt"

	"github.com/vektah/gqlparser/v2/ast"
	"github.com/vektah/gqlparser/v2/parser"

	"github.com/pipe01/villus/internal/operation"
)

var ErrNoOperation = errors.New("language: document has no operation")

func ParseQuery(source string) (*QueryDocument, error) {
	doc, err := parser.ParseQuery(&ast.Source{Input: source})
	if err != nil {
		return nil, err
	}
	return doc, nil
}

// OperationInfo describes the operation selected from a document.
type OperationInfo struct {
	Name string
	Type operation.Type
}

// Inspect parses source and returns the operation named name, or the only
// operation of the document when name is empty.
func Inspect(source, name string) (OperationInfo, error) {
	doc, err := ParseQuery(source)
	if err != nil {
		return OperationInfo{}, err
	}
	var op *OperationDefinition
	switch {
	case name != "":
		op = doc.Operations.ForName(name)
		if op == nil {
			return OperationInfo{}, fmt.Errorf("language: operation %q not found", name)
		}
	case len(doc.Operations) == 1:
		op = doc.Operations[0]
	case len(doc.Operations) == 0:
		return OperationInfo{}, ErrNoOperation
	default:
		return OperationInfo{}, fmt.Errorf("language: document has %d operations, a name is required", len(doc.Operations))
	}
	return OperationInfo{Name: op.Name, Type: typeOf(op.Operation)}, nil
}

// OperationName returns the name of the only operation in source, or "" when
// the document is anonymous, ambiguous or does not parse.
func OperationName(source string) string {
	info, err := Inspect(source, "")
	if err != nil {
		return ""
	}
	return info.Name
}

func typeOf(op Operation) operation.Type {
	switch op {
	case Mutation:
		return operation.Mutation
	case Subscription:
		return operation.Subscription
	default:
		return operation.Query
	}
}
