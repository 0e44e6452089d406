package draftdesk

import (
	"errors"

	"github.com/supportloop/draftdesk/drafter"
	"github.com/supportloop/draftdesk/escalate"
	"github.com/supportloop/draftdesk/ledger"
	"github.com/supportloop/draftdesk/retrieval"
)

// The failure taxonomy. Subpackage sentinels are re-exported here so callers
// can match every engine failure with errors.Is against one package.
var (
	// ErrRetrievalUnavailable is returned when the knowledge store is empty
	// or unreachable. No case is created.
	ErrRetrievalUnavailable = retrieval.ErrUnavailable

	// ErrDraftGenerationFailed is returned when the model could not produce
	// a usable draft. The query stays pending and can be re-drafted.
	ErrDraftGenerationFailed = drafter.ErrGenerationFailed

	// ErrInvalidTransition is returned when a lifecycle event has no edge
	// from the case's current state.
	ErrInvalidTransition = ledger.ErrInvalidTransition

	// ErrStaleCaseVersion is returned when the caller acted on an outdated
	// case version. Re-read the case and retry.
	ErrStaleCaseVersion = ledger.ErrStaleCaseVersion

	// ErrEscalationFailed is returned when the issue sink rejected the case
	// after all retries. The case stays escalated; filing can be retried.
	ErrEscalationFailed = escalate.ErrEscalationFailed

	// ErrCaseNotFound is returned when a case id does not exist.
	ErrCaseNotFound = ledger.ErrCaseNotFound

	// ErrQueryNotFound is returned when a query id does not exist.
	ErrQueryNotFound = errors.New("draftdesk: query not found")

	// ErrInvalidInput is returned for empty or malformed request fields.
	ErrInvalidInput = errors.New("draftdesk: invalid input")
)
