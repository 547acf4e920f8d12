package runs

import (
	"errors"

	"github.com/tracefirst/attest/pkg/applicability"
	"github.com/tracefirst/attest/pkg/bundles"
	"github.com/tracefirst/attest/pkg/llm"
	"github.com/tracefirst/attest/pkg/objectstore"
	"github.com/tracefirst/attest/pkg/snapshot"
)

// Failure categories recorded on run.execution.failed events. Retryable
// means a later execute with identical inputs could succeed; everything
// else needs an input or configuration change first.
const (
	CategoryProviderTransient      = "provider_transient"
	CategoryProviderRequestInvalid = "provider_request_invalid"
	CategorySchemaParseError       = "schema_parse_error"
	CategorySchemaValidationError  = "schema_validation_error"
	CategoryInvalidBundle          = "invalid_bundle"
	CategoryInvalidExpression      = "invalid_expression"
	CategoryIntegrityError         = "integrity_error"
	CategoryQualityGateFailed      = "quality_gate_failed"
	CategoryInternalError          = "internal_error"
)

// ErrRetryRequired is returned by Enqueue when a run already failed and the
// caller did not set RetryFailed.
var ErrRetryRequired = errors.New("runs: run failed previously, set retry_failed to re-execute")

// Integrity sentinels. These mark runs whose stored inputs contradict each
// other; re-executing without fixing the data cannot succeed.
var (
	ErrCompanyNotFound = errors.New("runs: company row missing for run")
	ErrEmptyPlan       = errors.New("runs: compiled plan selected zero obligations")
	ErrNoChunks        = errors.New("runs: no chunks indexed for company")
)

// Classify maps a pipeline error onto its failure category and whether a
// retry with unchanged inputs can succeed. Only provider transport faults
// are retryable.
func Classify(err error) (category string, retryable bool) {
	switch {
	case errors.Is(err, llm.ErrTransport):
		return CategoryProviderTransient, true
	case errors.Is(err, llm.ErrRejected):
		return CategoryProviderRequestInvalid, false
	case errors.Is(err, llm.ErrParse):
		return CategorySchemaParseError, false
	case errors.Is(err, llm.ErrSchema):
		return CategorySchemaValidationError, false
	case errors.Is(err, bundles.ErrInvalidBundle), errors.Is(err, bundles.ErrBundleNotFound):
		return CategoryInvalidBundle, false
	case errors.Is(err, applicability.ErrUnsupportedExpression), errors.Is(err, applicability.ErrUnknownSymbol):
		return CategoryInvalidExpression, false
	case errors.Is(err, ErrCompanyNotFound), errors.Is(err, ErrEmptyPlan), errors.Is(err, ErrNoChunks),
		errors.Is(err, snapshot.ErrConflict), errors.Is(err, objectstore.ErrIntegrity):
		return CategoryIntegrityError, false
	default:
		return CategoryInternalError, false
	}
}
