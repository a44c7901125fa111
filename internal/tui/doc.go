// Package tui provides the terminal prompt used to answer escalations.
//
// The prompt shows one escalation as a card (question, the model's best
// answer and its confidence, reasoning and context) above a single-line
// input. Enter submits the typed answer; on an empty input it accepts the
// model's suggestion. Esc or Ctrl+C cancels without answering.
//
// Usage:
//
//	answer, err := tui.PromptAnswer(esc, os.Stdin, os.Stdout)
//	if errors.Is(err, tui.ErrCancelled) {
//	    return nil
//	}
//	queue.Respond(ctx, esc.ID, answer)
package tui
