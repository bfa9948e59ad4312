package app

import (
	"context"
	"errors"

	"quiz-session-service/internal/domain"
)

// ResultSinks fans a finished game out to every sink. All sinks are attempted;
// their errors are joined.
type ResultSinks []ResultSink

func (s ResultSinks) RecordResult(ctx context.Context, result domain.GameResult) error {
	var errs []error
	for _, sink := range s {
		if sink == nil {
			continue
		}
		if err := sink.RecordResult(ctx, result); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
