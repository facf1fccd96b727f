package worker

import (
	"errors"
	"fmt"
)

// Kind is the outcome classification of a job run. Only the first failing
// stage determines it.
type Kind int

const (
	Success Kind = iota
	NoRawData
	DoseReductionError
	ParameterAssemblyError
	ReconstructionError
	UnexpectedError
)

var kindNames = map[Kind]string{
	Success:                "Success",
	NoRawData:              "NoRawData",
	DoseReductionError:     "DoseReductionError",
	ParameterAssemblyError: "ParameterAssemblyError",
	ReconstructionError:    "ReconstructionError",
	UnexpectedError:        "UnexpectedError",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// ParseKind maps a ledger status string back to its Kind.
func ParseKind(value string) (Kind, bool) {
	for kind, name := range kindNames {
		if name == value {
			return kind, true
		}
	}
	return UnexpectedError, false
}

// StageError is a stage failure tagged with its outcome kind.
type StageError struct {
	Kind  Kind
	Stage string
	Err   error
}

func (e *StageError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Stage, e.Kind)
	}
	return fmt.Sprintf("%s: %s: %v", e.Stage, e.Kind, e.Err)
}

func (e *StageError) Unwrap() error { return e.Err }

// ErrorKind implements the classifier contract used by callers that only
// need the outcome label.
func (e *StageError) ErrorKind() string { return e.Kind.String() }

// KindOf classifies err: nil is Success, a StageError carries its own kind,
// anything else is UnexpectedError.
func KindOf(err error) Kind {
	if err == nil {
		return Success
	}
	var stageErr *StageError
	if errors.As(err, &stageErr) {
		return stageErr.Kind
	}
	return UnexpectedError
}

func stageFailure(kind Kind, stage string, err error) error {
	return &StageError{Kind: kind, Stage: stage, Err: err}
}
