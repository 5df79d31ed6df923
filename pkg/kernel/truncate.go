package kernel

import "github.com/aria-run/aria/pkg/types"

// estimateTokens is a deterministic, provider-agnostic stand-in for a real
// tokenizer: roughly four characters per token, which is close enough for
// budget enforcement and, more importantly, reproducible across runs.
func estimateTokens(text string) int {
	return (len(text) + 3) / 4
}

// truncateHistory drops whole messages from the oldest non-system,
// non-original-task entries until the estimated token count of the
// remainder is at or under ceiling. It never splits a message and never
// drops history[0], which carries the original user task.
func truncateHistory(history []types.Message, ceiling int) []types.Message {
	if ceiling <= 0 || len(history) == 0 {
		return history
	}

	total := 0
	for _, m := range history {
		total += estimateTokens(m.Text)
	}
	if total <= ceiling {
		return history
	}

	kept := make([]types.Message, len(history))
	copy(kept, history)

	// Drop starting just after the original task (index 0), oldest first,
	// skipping system messages, until under ceiling or nothing left to drop.
	for total > ceiling {
		i := 1
		for i < len(kept) && kept[i].Role == types.RoleSystem {
			i++
		}
		if i >= len(kept) {
			break
		}
		total -= estimateTokens(kept[i].Text)
		kept = append(kept[:i], kept[i+1:]...)
	}
	return kept
}
