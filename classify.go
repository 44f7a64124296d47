package greylist

import (
	"errors"
	"log"
	"net"
	"time"

	"github.com/jmhodges/clock"
)

// Classifier decides at end-of-headers what happens to a mail and records
// the decision in the database. One Classifier is shared by all sessions;
// it has no mutable state.
type Classifier struct {
	DB              Database
	Clock           clock.Clock
	AllowedNetworks []*net.IPNet
	GreylistSeconds int64 // 0 disables greylisting
}

// Classify evaluates the decision rules in order, first match wins:
// loopback, authenticated, allow-listed network, known message id, known
// good IP, greylist. For a new message id it fills in mail.Status and
// mail.TimeAccepted and inserts the mail; for a known message id it updates
// or only reads the stored row and leaves mail untouched. Store errors
// surface as VerdictTempfail so the MTA retries.
func (c *Classifier) Classify(mail *MailRow, recipients []*RecipientRow, authenticated bool) Verdict {

	fromIP := net.ParseIP(mail.SendingIP)
	if fromIP == nil {
		log.Printf(WarnFormat, "unable to parse IP address "+mail.SendingIP)
		return VerdictTempfail
	}

	now := c.Clock.Now().UTC()

	// Locally-generated mail
	if fromIP.IsLoopback() {
		return c.accept(mail, recipients, LocallyAccepted, now)
	}

	// Authenticated senders
	if authenticated {
		return c.accept(mail, recipients, AuthenticatedAccepted, now)
	}

	// Allow-listed networks
	for _, network := range c.AllowedNetworks {
		if network.Contains(fromIP) {
			return c.accept(mail, recipients, IpAccepted, now)
		}
	}

	// Does the message already exist in the database?
	existing, err := c.DB.FindMailByMessageID(mail.MessageID)
	if err != nil {
		log.Printf("looking up message id %s: %v", mail.MessageID, err)
		return VerdictTempfail
	}
	if existing != nil {
		switch existing.Status {
		case Greylisted:
			if existing.TimeReceived.Add(time.Duration(c.GreylistSeconds) * time.Second).Before(now) {
				if err := c.DB.UpdateStatus(existing.ID, PassedGreylistAccepted, &now); err != nil {
					log.Printf("updating mail %d: %v", existing.ID, err)
					return VerdictTempfail
				}
				return VerdictContinue
			}
			// there already is a record for this message, reject this attempt
			return VerdictTempfail
		case Denied:
			return VerdictDiscard
		default:
			// accepted before, the MTA may skip further filters
			return VerdictAccept
		}
	}

	// No existing message. What about previous mail from the same server?
	known, err := c.DB.FindAcceptedFromIP(mail.SendingIP)
	if err != nil {
		log.Printf("looking up IP history for %s: %v", mail.SendingIP, err)
		return VerdictTempfail
	}
	if known != nil {
		return c.accept(mail, recipients, KnownGoodAccepted, now)
	}

	// Nope? Then we have to greylist.
	if c.GreylistSeconds > 0 {
		mail.Status = Greylisted
		mail.TimeAccepted = nil
		if err := c.DB.CommitDecision(mail, recipients); err != nil {
			if !errors.Is(err, ErrDuplicateMail) {
				log.Printf("inserting greylisted mail: %v", err)
			}
			// a concurrent first sighting won the unique-key contest,
			// which is the same as being greylisted already
			return VerdictTempfail
		}
		return VerdictTempfail
	}

	// Greylisting is disabled
	return c.accept(mail, recipients, OtherAccepted, now)
}

func (c *Classifier) accept(mail *MailRow, recipients []*RecipientRow, status Status, now time.Time) Verdict {
	mail.Status = status
	mail.TimeAccepted = &now
	if err := c.DB.CommitDecision(mail, recipients); err != nil {
		log.Printf("inserting %s mail: %v", status, err)
		return VerdictTempfail
	}
	return VerdictContinue
}
