// Package status defines the puzzle production pipeline statuses.
//
// Statuses are short opaque codes persisted on puzzles; ordering lives in
// the ranked list below so statuses can be inserted or reordered without a
// data migration.
package status

// Status is a short code identifying a pipeline stage.
type Status string

const (
	InitialIdea                    Status = "II"
	AwaitingApproval               Status = "AE" // authors submitted to EICs
	NeedsDiscussion                Status = "ND" // EICs have seen but not yet decided
	IdeaInDevelopment              Status = "ID"
	AwaitingAnswer                 Status = "AA"
	Writing                        Status = "W"
	AwaitingApprovalForTestsolving Status = "AT"
	NeedsTestsolveFactcheck        Status = "PF"
	TestsolveFactcheckRevision     Status = "FR"
	Testsolving                    Status = "T"
	ActivelyTestsolving            Status = "TT"
	AwaitingTestsolveReview        Status = "TR"
	Revising                       Status = "R"
	AwaitingApprovalPostTestsolve  Status = "AO"
	NeedsHints                     Status = "NH"
	AwaitingHintsApproval          Status = "AH"
	NeedsPostprod                  Status = "NP"
	ActivelyPostprodding           Status = "PP"
	PostprodBlocked                Status = "PB"
	PostprodBlockedOnTech          Status = "BT"
	AwaitingPostprodApproval       Status = "AP"
	NeedsFactcheck                 Status = "NF"
	NeedsFinalRevisions            Status = "NR"
	NeedsCopyEdits                 Status = "NC"
	Done                           Status = "D"
	Deferred                       Status = "DF"
	Dead                           Status = "X"
)

// ranked holds all statuses in pipeline order, used for sorting categories
// and progress comparisons.
var ranked = []Status{
	InitialIdea,
	AwaitingApproval,
	NeedsDiscussion,
	IdeaInDevelopment,
	AwaitingAnswer,
	Writing,
	AwaitingApprovalForTestsolving,
	NeedsTestsolveFactcheck,
	TestsolveFactcheckRevision,
	Testsolving,
	ActivelyTestsolving,
	AwaitingTestsolveReview,
	Revising,
	AwaitingApprovalPostTestsolve,
	NeedsHints,
	AwaitingHintsApproval,
	NeedsPostprod,
	PostprodBlocked,
	ActivelyPostprodding,
	PostprodBlockedOnTech,
	AwaitingPostprodApproval,
	NeedsFactcheck,
	NeedsFinalRevisions,
	NeedsCopyEdits,
	Done,
	Deferred,
	Dead,
}

// Display names are embedded in Discord category names -- do not change
// the strings without a migration plan for existing categories.
var descriptions = map[Status]string{
	InitialIdea:                    "Initial Idea",
	AwaitingApproval:               "Awaiting Approval By EIC",
	NeedsDiscussion:                "EICs are Discussing",
	IdeaInDevelopment:              "Idea in Development",
	AwaitingAnswer:                 "Awaiting Answer",
	Writing:                        "Writing (Answer Assigned)",
	AwaitingApprovalForTestsolving: "Awaiting Approval for Testsolving",
	NeedsTestsolveFactcheck:        "Needs Pre-Testsolve Factcheck",
	TestsolveFactcheckRevision:     "Factcheck Revisions",
	Testsolving:                    "Ready to be Testsolved",
	ActivelyTestsolving:            "Actively Testsolving",
	AwaitingTestsolveReview:        "Awaiting Testsolve Review",
	Revising:                       "Revising (Needs Testsolving)",
	AwaitingApprovalPostTestsolve:  "Awaiting Approval (Done with Testsolving)",
	NeedsHints:                     "Needs Hints",
	AwaitingHintsApproval:          "Awaiting Hints Approval",
	PostprodBlocked:                "Postproduction Blocked",
	PostprodBlockedOnTech:          "Postproduction Blocked On Tech Request",
	NeedsPostprod:                  "Ready for Postprodding",
	ActivelyPostprodding:           "Actively Postprodding",
	AwaitingPostprodApproval:       "Awaiting Approval After Postprod",
	NeedsFactcheck:                 "Needs Postprod Factcheck",
	NeedsCopyEdits:                 "Needs Copy Edits",
	NeedsFinalRevisions:            "Needs Final Revisions",
	Done:                           "Done",
	Deferred:                       "Deferred",
	Dead:                           "Dead",
}

var emojis = map[Status]string{
	InitialIdea:                    "🥚",
	AwaitingApproval:               "⏳🎩",
	NeedsDiscussion:                "🗣",
	IdeaInDevelopment:              "🐣",
	AwaitingAnswer:                 "⏳🤷🏽‍♀️",
	Writing:                        "✏️",
	AwaitingApprovalForTestsolving: "⏳➡️💡",
	NeedsTestsolveFactcheck:        "🔎",
	TestsolveFactcheckRevision:     "✏️🔄",
	Testsolving:                    "💡",
	ActivelyTestsolving:            "🎢",
	AwaitingTestsolveReview:        "⏳💡",
	Revising:                       "✏️🔄",
	AwaitingApprovalPostTestsolve:  "⏳💡➡️",
	NeedsHints:                     "⁉",
	AwaitingHintsApproval:          "⏳⁉✅",
	PostprodBlocked:                "⚠️✏️",
	PostprodBlockedOnTech:          "⚠️💻",
	NeedsPostprod:                  "🪵",
	ActivelyPostprodding:           "🏠",
	AwaitingPostprodApproval:       "⏳🏠✅",
	NeedsFactcheck:                 "📋",
	NeedsFinalRevisions:            "🔬",
	NeedsCopyEdits:                 "📃",
	Done:                           "🏁",
	Deferred:                       "💤",
	Dead:                           "💀",
}

// Rank returns the pipeline position of s, or -1 for unknown statuses.
func Rank(s Status) int {
	for i, st := range ranked {
		if st == s {
			return i
		}
	}
	return -1
}

// Display returns the human-readable name for s. Unknown statuses are
// returned verbatim rather than crashing.
func Display(s Status) string {
	if d, ok := descriptions[s]; ok {
		return d
	}
	return string(s)
}

// Emoji returns the notification emoji for s, or "" if none is defined.
func Emoji(s Status) string {
	return emojis[s]
}

// All returns every known status in pipeline order.
func All() []Status {
	out := make([]Status, len(ranked))
	copy(out, ranked)
	return out
}

// ByDisplay returns the status whose display name is d, or "" if none
// matches. Used to recover a status from a Discord category name.
func ByDisplay(d string) Status {
	for s, desc := range descriptions {
		if desc == d {
			return s
		}
	}
	return ""
}

// IsTerminal reports whether s is a status that should not get a new
// channel created for it.
func IsTerminal(s Status) bool {
	return s == Deferred || s == Dead
}

// PastWriting reports whether s is beyond the writing stage but not
// deferred or dead.
func PastWriting(s Status) bool {
	return Rank(s) > Rank(Writing) && Rank(s) <= Rank(Done)
}

// PastTestsolving reports whether s is beyond testsolve revisions but not
// deferred or dead.
func PastTestsolving(s Status) bool {
	return Rank(s) > Rank(Revising) && Rank(s) <= Rank(Done)
}
