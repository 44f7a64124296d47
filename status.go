package greylist

// Status records how a mail was classified. The integer values are part of
// the persisted schema and must not be renumbered.
type Status int16

const (
	LocallyAccepted        Status = 1 // sender is loopback
	IpAccepted             Status = 2 // sender IP in an allow-listed network
	AuthenticatedAccepted  Status = 3 // SMTP AUTH was present
	PassedGreylistAccepted Status = 4 // greylisted earlier, retry waited long enough
	KnownGoodAccepted      Status = 5 // a prior accepted mail came from the same IP
	OtherAccepted          Status = 6 // greylisting disabled, default accept
	Greylisted             Status = 10
	Denied                 Status = 20 // set by an administrator, never by the filter
)

func (s Status) String() string {
	switch s {
	case LocallyAccepted:
		return "locally accepted"
	case IpAccepted:
		return "ip accepted"
	case AuthenticatedAccepted:
		return "authenticated accepted"
	case PassedGreylistAccepted:
		return "passed greylist accepted"
	case KnownGoodAccepted:
		return "known good accepted"
	case OtherAccepted:
		return "other accepted"
	case Greylisted:
		return "greylisted"
	case Denied:
		return "denied"
	default:
		return "<unknown>"
	}
}

// Accepted reports whether a mail with this status has been accepted for
// delivery. A mail row carries time_accepted iff its status is accepted.
func (s Status) Accepted() bool {
	switch s {
	case LocallyAccepted, IpAccepted, AuthenticatedAccepted, PassedGreylistAccepted, KnownGoodAccepted, OtherAccepted:
		return true
	default:
		return false
	}
}

// KnownGoodEvidence reports whether a mail with this status counts as
// evidence that its sending IP delivers legitimate, retrying mail.
// Locally accepted, authenticated and allow-listed mail is excluded so that
// a locally submitted message can never whitelist an outside IP.
func (s Status) KnownGoodEvidence() bool {
	switch s {
	case PassedGreylistAccepted, KnownGoodAccepted, OtherAccepted:
		return true
	default:
		return false
	}
}
