package sync

import (
	"errors"
	"fmt"

	"github.com/huntworks/puzzup-sync/internal/discord"
)

// DiscordError is a domain-level failure distinct from a transport error,
// raised when the integration cannot make progress even though the API is
// healthy (e.g. every candidate category is full, meaning the guild has
// hit its channel ceiling).
type DiscordError struct {
	Reason string
}

func (e *DiscordError) Error() string {
	return "discord integration failure: " + e.Reason
}

// outcome classifies an attempted remote mutation so call sites can switch
// on it instead of re-parsing error bodies inline.
type outcome int

const (
	outcomeOK outcome = iota
	// outcomeRetry means the attempt hit an expected recoverable condition
	// (category at capacity) and the caller should try the next option.
	outcomeRetry
	outcomeFatal
)

// moveResult is the classified result of a channel re-parent attempt.
type moveResult struct {
	outcome outcome
	err     error
}

// classifyMove maps a channel parent-update error to a moveResult. A
// per-field CHANNEL_PARENT_MAX_CHANNELS code on parent_id means the target
// category filled up under us; anything else is fatal.
func classifyMove(err error) moveResult {
	if err == nil {
		return moveResult{outcome: outcomeOK}
	}
	var apiErr *discord.APIError
	if errors.As(err, &apiErr) && apiErr.FieldErrorCode("parent_id") == discord.ErrCodeParentMaxChannels {
		return moveResult{outcome: outcomeRetry, err: err}
	}
	return moveResult{outcome: outcomeFatal, err: fmt.Errorf("failed to move channel: %w", err)}
}
