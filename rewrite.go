package greylist

import "strings"

// RewriteAction is the action named by a recipient_rewriting.rewrites entry.
type RewriteAction string

const (
	RewriteAdd     RewriteAction = "Add"
	RewriteReplace RewriteAction = "Replace"
)

// Rewrite maps one envelope recipient to extra or replacement recipients.
type Rewrite struct {
	OldTo  string        `toml:"old_to"`
	Action RewriteAction `toml:"action"`
	NewTo  []string      `toml:"new_to"`
}

// RecipientAction is what the filter tells the MTA to do with one envelope
// recipient at end-of-message.
type RecipientAction int

const (
	KeepRecipient    RecipientAction = iota // deliver as addressed
	AddRecipients                           // deliver as addressed plus Addresses
	ChangeRecipients                        // deliver to Addresses instead
	RemoveRecipient                         // do not deliver at all
)

func (a RecipientAction) String() string {
	switch a {
	case KeepRecipient:
		return "keep"
	case AddRecipients:
		return "add"
	case ChangeRecipients:
		return "change"
	case RemoveRecipient:
		return "remove"
	default:
		return "<unknown>"
	}
}

// RecipientChange is a RecipientAction plus the addresses it applies to.
// Addresses is nil for KeepRecipient and RemoveRecipient.
type RecipientChange struct {
	Action    RecipientAction
	Addresses []string
}

// EvaluateRecipient decides what happens to one envelope recipient. Spam
// recipients are dropped. Otherwise the first rewrite rule whose old_to
// matches wins; rules do not cascade onto their own results. Matching is
// ASCII case-insensitive, no match keeps the recipient unchanged.
func EvaluateRecipient(rewrites []Rewrite, spamRecipients []string, address string) RecipientChange {

	for _, spam := range spamRecipients {
		if strings.EqualFold(spam, address) {
			return RecipientChange{Action: RemoveRecipient}
		}
	}

	for _, rewrite := range rewrites {
		if strings.EqualFold(rewrite.OldTo, address) {
			switch rewrite.Action {
			case RewriteAdd:
				return RecipientChange{Action: AddRecipients, Addresses: rewrite.NewTo}
			case RewriteReplace:
				return RecipientChange{Action: ChangeRecipients, Addresses: rewrite.NewTo}
			}
		}
	}

	return RecipientChange{Action: KeepRecipient}
}
