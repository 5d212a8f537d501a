package batch

import (
	"fmt"

	"github.com/ahrav/go-imgjudge/internal/domain"
)

// Stages at which a batch can fail.
const (
	StageCreateBatch    = "create_batch"
	StageResolvePrompts = "resolve_prompts"
	StagePersistResults = "persist_results"
	StageLoadResults    = "load_results"
)

// FailedError reports a batch aborted by a storage failure. It matches
// domain.ErrBatchFailed with errors.Is and unwraps to the storage error.
type FailedError struct {
	BatchID string
	Stage   string
	Cause   error
}

func (e *FailedError) Error() string {
	if e.BatchID == "" {
		return fmt.Sprintf("batch failed at %s: %v", e.Stage, e.Cause)
	}
	return fmt.Sprintf("batch %s failed at %s: %v", e.BatchID, e.Stage, e.Cause)
}

func (e *FailedError) Unwrap() error { return e.Cause }

// Is reports domain.ErrBatchFailed for every FailedError.
func (e *FailedError) Is(target error) bool { return target == domain.ErrBatchFailed }
