// Package solvebus carries solver-finished events between the process that
// runs a conic solver and the service that extracts certificates.
package solvebus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"polycert/pkg/conic"
)

// SolutionEvent reports that a solver finished on a stored problem.
type SolutionEvent struct {
	ProblemID string         `json:"problem_id"`
	Solver    string         `json:"solver,omitempty"`
	ElapsedMS int64          `json:"elapsed_ms,omitempty"`
	Solution  conic.Solution `json:"solution"`
}

func (e SolutionEvent) validate() error {
	if strings.TrimSpace(e.ProblemID) == "" {
		return fmt.Errorf("solution event without problem_id")
	}
	if e.Solution.Status == "" {
		return fmt.Errorf("solution event %s without status", e.ProblemID)
	}
	return nil
}

// Decode parses and validates one event payload.
func Decode(raw []byte) (SolutionEvent, error) {
	var evt SolutionEvent
	if err := json.Unmarshal(raw, &evt); err != nil {
		return SolutionEvent{}, fmt.Errorf("decode solution event: %w", err)
	}
	if err := evt.validate(); err != nil {
		return SolutionEvent{}, err
	}
	return evt, nil
}

type Message struct {
	Key   []byte
	Value []byte
}

type Consumer interface {
	ReadMessage(ctx context.Context) (Message, error)
	Close() error
}

// Handler processes one decoded event.
type Handler func(ctx context.Context, evt SolutionEvent) error

// Run reads events until ctx is cancelled or the consumer fails. Malformed
// payloads and handler errors are logged and skipped.
func Run(ctx context.Context, c Consumer, handle Handler, log *slog.Logger) error {
	if log == nil {
		log = slog.Default()
	}
	for {
		msg, err := c.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("read solution event: %w", err)
		}
		evt, err := Decode(msg.Value)
		if err != nil {
			log.Warn("skipping solution event", "error", err, "key", string(msg.Key))
			continue
		}
		if err := handle(ctx, evt); err != nil {
			if errors.Is(err, context.Canceled) && ctx.Err() != nil {
				return ctx.Err()
			}
			log.Error("solution event failed", "problem_id", evt.ProblemID, "error", err)
			continue
		}
		log.Debug("solution event handled", "problem_id", evt.ProblemID, "status", evt.Solution.Status)
	}
}
