package greylist

import (
	"errors"
	"time"
)

// ErrDuplicateMail is returned by CommitDecision when another mail row with
// the same message_id already exists. Two first sightings of one message can
// race; the loser treats this like "already greylisted".
var ErrDuplicateMail = errors.New("a mail with this message id already exists")

// ErrMailNotFound is returned by UpdateStatus for an unknown mail id.
var ErrMailNotFound = errors.New("no mail with this id")

// MailRow is one observed message attempt.
type MailRow struct {
	ID              int64
	SenderLocalPart string
	SenderDomain    string
	MessageID       string
	SendingHostName *string
	SendingIP       string
	TimeReceived    time.Time
	TimeAccepted    *time.Time
	Status          Status
}

// RecipientRow is one distinct envelope recipient address, case preserved as
// first supplied by the MTA.
type RecipientRow struct {
	ID        int64
	Recipient string
}

type Database interface {
	Close() error

	// UpsertRecipient inserts the address if it is new and returns the
	// authoritative row either way.
	UpsertRecipient(address string) (*RecipientRow, error)

	// FindMailByMessageID reports an earlier attempt of the same message,
	// nil if there is none.
	FindMailByMessageID(messageID string) (*MailRow, error)

	// FindAcceptedFromIP reports any mail from this IP whose status counts
	// as known-good evidence, nil if there is none.
	FindAcceptedFromIP(ip string) (*MailRow, error)

	// CommitDecision inserts the mail row and one join row per recipient in
	// a single transaction and sets mail.ID. A message_id conflict yields
	// ErrDuplicateMail and no rows.
	CommitDecision(mail *MailRow, recipients []*RecipientRow) error

	// UpdateStatus transitions an existing mail row.
	UpdateStatus(mailID int64, status Status, timeAccepted *time.Time) error

	// RecentMails returns up to limit mail rows, newest first. For the admin
	// interface.
	RecentMails(limit int) ([]*MailRow, error)

	// MailRecipients returns the envelope recipients linked to a mail.
	MailRecipients(mailID int64) ([]string, error)
}
