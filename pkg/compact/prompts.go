// Package compact — summarisation prompts.
//
// The checkpoint prompt produces a structured Markdown document
// (Goal / Constraints / Progress / Key Decisions / Next Steps / Critical
// Context). Subsequent compactions extend the previous summary
// incrementally, and a narrower prompt handles the prefix of a turn the
// cut happened to split.
package compact

const summarisationSystemPrompt = `You are an expert at summarising technical conversations.
Create concise, structured summaries that allow another AI to continue the work seamlessly.
Focus on facts, decisions, and current state — not the conversational flow.`

const summarisationPrompt = `The messages above are a conversation to summarise. Create a structured context checkpoint that another LLM will use to continue the work.

Use this EXACT format:

## Goal
[What is the user trying to accomplish? Can be multiple items.]

## Constraints & Preferences
- [Any constraints, preferences, or requirements mentioned by the user]
- [Or "(none)" if none were mentioned]

## Progress
### Done
- [x] [Completed tasks/changes]

### In Progress
- [ ] [Current work]

### Blocked
- [Issues preventing progress, or "(none)"]

## Key Decisions
- **[Decision]**: [Brief rationale]

## Next Steps
1. [Ordered list of what should happen next]

## Critical Context
- [Exact file paths, function names, error messages, data needed to continue]
- [Or "(none)" if not applicable]

Keep each section concise. Preserve exact identifiers, file paths, and error messages.`

const updateSummarisationPrompt = `The conversation above begins with an existing summary (in <previous-summary> tags) from an earlier checkpoint, followed by NEW messages to incorporate.

Update the existing structured summary with the new information:
- PRESERVE all existing information unless it is now incorrect
- ADD new progress, decisions, and context from the new messages
- UPDATE Progress: move In Progress items to Done when completed
- UPDATE Next Steps based on what was accomplished

Use the same EXACT format as the previous summary (Goal / Constraints / Progress / Key Decisions / Next Steps / Critical Context).
Keep each section concise. Preserve exact identifiers, file paths, and error messages.`

const turnPrefixPrompt = `The messages above are the beginning of a conversation turn that is still in progress; its most recent messages are being kept verbatim and are NOT shown to you.

Summarise ONLY what is needed to understand the retained remainder of the turn: the user's request that opened the turn, what has been attempted so far within it, and any identifiers (file paths, commands, error messages) the remainder refers to. Do not speculate about the outcome. Keep it short.`

// splitTurnHeading delimits the turn-prefix summary when a split-turn
// compaction concatenates two summaries.
const splitTurnHeading = "\n\n## Current Turn (partial)\n\n"
