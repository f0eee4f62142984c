package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"cardline/internal/events"
)

const verifierEvent = "verifier.result"

// RecordVerifierResult stores an external verifier's verdict (tests, CI, a reviewer) on a
// card. The latest verdict feeds the next turn's context.
func (e Engine) RecordVerifierResult(ctx context.Context, cardID, actorID string, passed bool, detail string) error {
	_, err := e.AppendEvent(ctx, cardID, verifierEvent, actorID, events.EventPayload{
		"passed": passed,
		"detail": strings.TrimSpace(detail),
	}, "")
	return err
}

// VerifierPassed reports whether the most recent verifier verdict on the card passed.
// No verdict counts as not passed.
func (e Engine) VerifierPassed(ctx context.Context, cardID string) (bool, error) {
	evts, err := e.Repo.LatestEvents(ctx, 1, "", verifierEvent, "card", cardID)
	if err != nil || len(evts) == 0 {
		return false, err
	}
	var verdict struct {
		Passed bool `json:"passed"`
	}
	if err := json.Unmarshal([]byte(evts[0].Payload), &verdict); err != nil {
		return false, fmt.Errorf("decode verifier result: %w", err)
	}
	return verdict.Passed, nil
}
