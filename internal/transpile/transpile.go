// Package transpile defines the interface to the external SQL dialect
// conversion engine. The engine is a stateless, side-effect-free collaborator;
// this package never interprets queries itself.
package transpile

import "context"

// Result is the outcome of converting one query between dialects.
type Result struct {
	ConvertedQuery       string   `json:"converted_query"`
	SupportedFunctions   []string `json:"supported_functions"`
	UnsupportedFunctions []string `json:"unsupported_functions"`
	UDFList              []string `json:"udf_list"`
	TablesList           []string `json:"tables_list"`
	// Executable is false when the converted query still references
	// functionality the target dialect cannot run.
	Executable bool `json:"executable"`
}

// Transpiler converts a single query. Implementations must be safe for
// concurrent use; an error means the query could not be parsed or converted
// and is recorded as a failed result row, never as a task failure.
type Transpiler interface {
	Transpile(ctx context.Context, query, fromDialect, toDialect string) (Result, error)
}
