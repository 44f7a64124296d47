package greylist

import (
	"log"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"unicode/utf8"
)

const WarnFormat = "\033[1;31m%s\033[0m"

// Verdict is what an event handler tells the MTA to do next. It is the
// milter-independent vocabulary of the session; the milter adapter maps it
// onto wire responses.
type Verdict int

const (
	VerdictContinue Verdict = iota
	VerdictReject
	VerdictTempfail
	VerdictAccept
	VerdictDiscard
)

func (v Verdict) String() string {
	switch v {
	case VerdictContinue:
		return "continue"
	case VerdictReject:
		return "reject"
	case VerdictTempfail:
		return "tempfail"
	case VerdictAccept:
		return "accept"
	case VerdictDiscard:
		return "discard"
	default:
		return "<unknown>"
	}
}

// MTAActions is the outbound action surface of the MTA, available at
// end-of-message. The milter adapter backs it with the real connection.
type MTAActions interface {
	AddRecipient(address string) error
	DeleteRecipient(address string) error
}

// Filter ties the store, the classifier and the rewrite rules together.
// One Filter serves all milter connections; everything in it is shared and,
// apart from Waiting and the log id counter, immutable after startup.
type Filter struct {
	DB             Database
	Classifier     *Classifier
	Rewrites       []Rewrite
	SpamRecipients []string

	Waiting   sync.WaitGroup // open sessions, for graceful shutdown
	lastLogID uint32
}

// NewSession registers a new MTA connection with the filter.
func (f *Filter) NewSession() *Session {
	f.Waiting.Add(1)
	return &Session{
		filter: f,
		logID:  atomic.AddUint32(&f.lastLogID, 1),
	}
}

type sessionState int

const (
	stateConnected sessionState = iota
	stateMailFromSeen
	stateRcptSeen
	stateDecided
	stateClosed
)

// recipientDecision pairs a stored recipient row with what the MTA should
// do with that recipient at end-of-message.
type recipientDecision struct {
	row    *RecipientRow
	change RecipientChange
}

// Session accumulates the envelope and header facts of one SMTP transaction
// across the MTA's callbacks. The MTA delivers callbacks for one connection
// strictly serially, so Session needs no locking.
type Session struct {
	filter *Filter
	logID  uint32
	state  sessionState

	// set at connect, survive an abort
	sendingIP       string
	sendingHostName *string

	mail         MailRow
	messageIDSet bool
	recipients   []recipientDecision
}

func (s *Session) logf(format string, a ...interface{}) {
	log.Printf("% 7d: "+format, append([]interface{}{s.logID}, a...)...)
}

// Connect records the facts of the new connection. The hostname is the
// MTA-reported reverse DNS name; ip is empty when the client connected over
// a non-IP socket.
func (s *Session) Connect(hostname, ip string) Verdict {

	s.mail = MailRow{TimeReceived: s.filter.Classifier.Clock.Now().UTC()}

	if ip != "" {
		s.logf("connect from %s", ip)
		s.sendingIP = ip
		if hostname != "" {
			if utf8.ValidString(hostname) {
				name := hostname
				s.sendingHostName = &name
			} else {
				s.logf(WarnFormat, "unable to read host name")
			}
		}
	}

	s.mail.SendingIP = s.sendingIP
	s.mail.SendingHostName = s.sendingHostName
	s.state = stateConnected

	return VerdictContinue
}

// Abort resets the transaction but keeps the connection facts, so that the
// next MAIL FROM on the same connection starts clean.
func (s *Session) Abort() {
	received := s.mail.TimeReceived
	s.mail = MailRow{
		SendingIP:       s.sendingIP,
		SendingHostName: s.sendingHostName,
		TimeReceived:    received,
	}
	s.messageIDSet = false
	s.recipients = nil
	if s.state > stateConnected {
		s.state = stateConnected
	}
}

// splitAddress strips the surrounding angle brackets off an envelope
// argument and splits it at the first @. Both halves must be non-empty.
func splitAddress(arg string) (localPart, domain string, ok bool) {
	arg = strings.TrimSuffix(strings.TrimPrefix(arg, "<"), ">")
	localPart, domain, found := strings.Cut(arg, "@")
	if !found || localPart == "" || domain == "" {
		return "", "", false
	}
	return localPart, domain, true
}

// Mail handles MAIL FROM. A malformed sender is rejected; the session
// survives and the MTA may try another transaction.
func (s *Session) Mail(arg string) Verdict {

	s.Abort() // just in case the MTA reuses the connection without an abort

	s.logf("envelope-from: %s", arg)

	if len(arg) <= 2 {
		s.logf(WarnFormat, "sender too short: "+arg)
		return VerdictReject
	}

	if !utf8.ValidString(arg) {
		s.logf(WarnFormat, "unable to read sender")
		return VerdictReject
	}

	localPart, domain, ok := splitAddress(arg)
	if !ok {
		s.logf(WarnFormat, "malformed sender: "+arg)
		return VerdictReject
	}

	s.mail.SenderLocalPart = localPart
	s.mail.SenderDomain = domain
	s.state = stateMailFromSeen

	return VerdictContinue
}

// Rcpt handles one RCPT TO. The recipient row is stored immediately; what
// the MTA should deliver is decided here but enacted at end-of-message.
func (s *Session) Rcpt(arg string) Verdict {

	s.logf("envelope-to: %s", arg)

	if s.state < stateMailFromSeen {
		s.logf(WarnFormat, "RCPT TO before MAIL FROM")
		return VerdictTempfail
	}

	if len(arg) <= 2 {
		s.logf(WarnFormat, "recipient too short: "+arg)
		return VerdictReject
	}

	if !utf8.ValidString(arg) {
		s.logf(WarnFormat, "unable to read recipient")
		return VerdictReject
	}

	localPart, domain, ok := splitAddress(arg)
	if !ok {
		s.logf(WarnFormat, "malformed recipient: "+arg)
		return VerdictReject
	}
	address := localPart + "@" + domain

	row, err := s.filter.DB.UpsertRecipient(address)
	if err != nil {
		s.logf("storing recipient: %v", err)
		return VerdictTempfail
	}

	s.recipients = append(s.recipients, recipientDecision{
		row:    row,
		change: EvaluateRecipient(s.filter.Rewrites, s.filter.SpamRecipients, address),
	})
	s.state = stateRcptSeen

	return VerdictContinue
}

// Header records the first Message-Id header; everything else passes
// through. Header names compare case-insensitively.
func (s *Session) Header(name, value string) Verdict {

	if s.messageIDSet {
		return VerdictContinue
	}

	if strings.EqualFold(name, "message-id") {
		if utf8.ValidString(value) {
			s.mail.MessageID = value
			s.messageIDSet = true
		} else {
			s.logf(WarnFormat, "unable to read Message-Id header")
		}
	}

	return VerdictContinue
}

// EOH runs the classifier once all headers are in. authenticated reports
// whether the MTA saw SMTP AUTH on this connection.
func (s *Session) EOH(authenticated bool) Verdict {

	if s.mail.SendingIP == "" || s.mail.SenderLocalPart == "" || s.mail.SenderDomain == "" ||
		!s.messageIDSet || len(s.recipients) == 0 {
		s.logf(WarnFormat, "end of headers, but the session is incomplete")
		return VerdictTempfail
	}

	rows := make([]*RecipientRow, len(s.recipients))
	for i, r := range s.recipients {
		rows[i] = r.row
	}

	verdict := s.filter.Classifier.Classify(&s.mail, rows, authenticated)
	s.logf("%s (%s)", verdict, s.mail.Status)
	if verdict == VerdictContinue || verdict == VerdictAccept {
		s.state = stateDecided
	}
	return verdict
}

// EOM enacts the recipient changes decided at RCPT time. A failing MTA
// action tempfails the whole transaction; partial enactment is fine because
// the MTA retries everything.
func (s *Session) EOM(mta MTAActions) Verdict {

	if s.state != stateDecided {
		s.logf(WarnFormat, "end of message without a decision")
		return VerdictTempfail
	}

	for _, r := range s.recipients {
		switch r.change.Action {
		case KeepRecipient:
			// deliver as addressed
		case AddRecipients:
			for _, address := range r.change.Addresses {
				if err := mta.AddRecipient(address); err != nil {
					s.logf("unable to add recipient: %v", err)
					return VerdictTempfail
				}
			}
		case ChangeRecipients, RemoveRecipient:
			if err := mta.DeleteRecipient(r.row.Recipient); err != nil {
				s.logf("unable to remove recipient: %v", err)
				return VerdictTempfail
			}
			for _, address := range r.change.Addresses {
				if err := mta.AddRecipient(address); err != nil {
					s.logf("unable to add recipient: %v", err)
					return VerdictTempfail
				}
			}
		}
	}

	return VerdictContinue
}

// Close releases the session when the MTA drops the connection.
func (s *Session) Close() {
	if s.state != stateClosed {
		s.state = stateClosed
		s.filter.Waiting.Done()
	}
}

// sendingAddr extracts the IP literal from a connecting address, empty for
// non-IP sockets.
func sendingAddr(addr string) string {
	if ip := net.ParseIP(addr); ip != nil {
		return ip.String()
	}
	return ""
}
