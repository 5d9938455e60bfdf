package common

import (
	"regexp"
	"strings"
)

// Inverse statements are replayed outside the business transaction with full
// datastore privileges, so they are screened before execution. A statement that
// fails the screen is a structural defect in the capture, not a transient
// condition, and compensation stops fatally.

var schemaKeywordRe = regexp.MustCompile(`(?i)\b(DROP|ALTER|TRUNCATE|CREATE|GRANT|REVOKE|COMMENT|MERGE|EXEC|EXECUTE)\b`)

var procedureNameRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*(\.[A-Za-z_][A-Za-z0-9_]*)?$`)

// screenInverseQuery enforces the inverse-statement allowlist: the statement
// must begin with UPDATE, INSERT, DELETE or CALL, must not contain
// schema-modifying keywords, must be a single statement, and must bind all
// values through parameters rather than inline literals.
func screenInverseQuery(query string) error {
	trimmed := strings.TrimSpace(query)
	if trimmed == "" {
		return fatalf("inverse query is empty")
	}
	upper := strings.ToUpper(trimmed)
	if !strings.HasPrefix(upper, "UPDATE") && !strings.HasPrefix(upper, "INSERT") &&
		!strings.HasPrefix(upper, "DELETE") && !strings.HasPrefix(upper, "CALL") {
		return fatalf("inverse query must start with UPDATE, INSERT, DELETE or CALL")
	}
	if schemaKeywordRe.MatchString(trimmed) {
		return fatalf("inverse query contains a schema-modifying keyword")
	}
	if i := strings.IndexByte(trimmed, ';'); i >= 0 && i != len(trimmed)-1 {
		return fatalf("inverse query must be a single statement")
	}
	if strings.ContainsAny(trimmed, "'\"") {
		return fatalf("inverse query must bind values via parameters, not inline literals")
	}
	if strings.Contains(trimmed, "--") || strings.Contains(trimmed, "/*") {
		return fatalf("inverse query must not contain comments")
	}
	return nil
}

// screenProcedureName accepts plain or single-schema-qualified identifiers only.
func screenProcedureName(name string) error {
	if !procedureNameRe.MatchString(name) {
		return fatalf("inverse procedure name %q is not a valid identifier", name)
	}
	return nil
}
