package config

import (
	"fmt"
	"strings"
)

type (
	// YamlSyntaxError reports a YAML parse failure in a config file.
	YamlSyntaxError struct {
		File string
		Line int
		Col  int
		Err  error
	}

	// Issue is a single schema violation inside a config file.
	Issue struct {
		// Path is the JSON-path-like location of the offending value, for
		// example "agents[1].overrides.max_turns".
		Path string
		Msg  string
	}

	// SchemaValidationError aggregates every schema violation found in one
	// file so operators can fix a file in one pass.
	SchemaValidationError struct {
		File   string
		Issues []Issue
	}

	// FleetCycleError reports a cycle in the sub-fleet reference graph. Chain
	// lists the file paths along the cycle, ending with the repeated entry.
	FleetCycleError struct {
		Chain []string
	}

	// FleetNameCollisionError reports two sibling sub-fleets resolving to the
	// same fleet name.
	FleetNameCollisionError struct {
		Name  string
		Paths []string
	}

	// DuplicateQualifiedAgentError reports two agents resolving to the same
	// qualified name.
	DuplicateQualifiedAgentError struct {
		QualifiedName string
	}

	// UndefinedVariableError reports a ${NAME} interpolation with no value
	// and no default.
	UndefinedVariableError struct {
		Name string
		// Path locates the string leaf that referenced the variable.
		Path string
	}
)

func (e *YamlSyntaxError) Error() string {
	if e.Line > 0 {
		return fmt.Sprintf("%s:%d:%d: yaml syntax: %v", e.File, e.Line, e.Col, e.Err)
	}
	return fmt.Sprintf("%s: yaml syntax: %v", e.File, e.Err)
}

func (e *YamlSyntaxError) Unwrap() error { return e.Err }

func (e *SchemaValidationError) Error() string {
	msgs := make([]string, len(e.Issues))
	for i, is := range e.Issues {
		msgs[i] = is.Path + ": " + is.Msg
	}
	return fmt.Sprintf("%s: invalid config: %s", e.File, strings.Join(msgs, "; "))
}

func (e *FleetCycleError) Error() string {
	return "fleet reference cycle: " + strings.Join(e.Chain, " -> ")
}

func (e *FleetNameCollisionError) Error() string {
	return fmt.Sprintf("fleet name %q resolved by multiple sibling fleets: %s", e.Name, strings.Join(e.Paths, ", "))
}

func (e *DuplicateQualifiedAgentError) Error() string {
	return fmt.Sprintf("duplicate qualified agent name %q", e.QualifiedName)
}

func (e *UndefinedVariableError) Error() string {
	return fmt.Sprintf("undefined variable ${%s} at %s", e.Name, e.Path)
}
