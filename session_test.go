package greylist

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
)

// recorderMTA records requested recipient actions, like the MTA would see
// them.
type recorderMTA struct {
	added    []string
	deleted  []string
	failNext bool
}

func (r *recorderMTA) AddRecipient(address string) error {
	if r.failNext {
		return errors.New("MTA went away")
	}
	r.added = append(r.added, address)
	return nil
}

func (r *recorderMTA) DeleteRecipient(address string) error {
	if r.failNext {
		return errors.New("MTA went away")
	}
	r.deleted = append(r.deleted, address)
	return nil
}

func newTestSession(t *testing.T) *Session {
	t.Helper()
	f, _ := newTestFilter(t)
	s := f.NewSession()
	t.Cleanup(s.Close)
	if v := s.Connect("mail.test.example", "123.123.123.123"); v != VerdictContinue {
		t.Fatalf("connect: got %v", v)
	}
	return s
}

func TestMailParsing(t *testing.T) {

	tests := []struct {
		arg       string
		verdict   Verdict
		localPart string
		domain    string
	}{
		{"<from@test.example>", VerdictContinue, "from", "test.example"},
		{"from@test.example", VerdictContinue, "from", "test.example"},
		{"<a@b@c>", VerdictContinue, "a", "b@c"}, // split at the first @
		{"", VerdictReject, "", ""},
		{"<>", VerdictReject, "", ""},
		{"<x>", VerdictReject, "", ""},
		{"<@test.example>", VerdictReject, "", ""},
		{"<from@>", VerdictReject, "", ""},
		{"<no-at-sign>", VerdictReject, "", ""},
	}

	for _, test := range tests {
		s := newTestSession(t)
		if v := s.Mail(test.arg); v != test.verdict {
			t.Errorf("Mail(%q): got %v, want %v", test.arg, v, test.verdict)
			continue
		}
		if test.verdict != VerdictContinue {
			continue
		}
		if s.mail.SenderLocalPart != test.localPart || s.mail.SenderDomain != test.domain {
			t.Errorf("Mail(%q): got %q @ %q", test.arg, s.mail.SenderLocalPart, s.mail.SenderDomain)
		}
	}
}

func TestRcptBeforeMail(t *testing.T) {

	s := newTestSession(t)

	if v := s.Rcpt("<to@test.example>"); v != VerdictTempfail {
		t.Fatalf("got %v, want tempfail", v)
	}
}

func TestRcptMalformed(t *testing.T) {

	s := newTestSession(t)
	s.Mail("<from@test.example>")

	for _, arg := range []string{"", "<>", "<to@>", "<no-at-sign>"} {
		if v := s.Rcpt(arg); v != VerdictReject {
			t.Errorf("Rcpt(%q): got %v, want reject", arg, v)
		}
	}

	// a reject leaves the session usable
	if v := s.Rcpt("<to@test.example>"); v != VerdictContinue {
		t.Fatalf("got %v, want continue", v)
	}
}

func TestFirstMessageIDWins(t *testing.T) {

	s := newTestSession(t)
	s.Mail("<from@test.example>")
	s.Rcpt("<to@test.example>")

	s.Header("subject", "hello")
	s.Header("MESSAGE-ID", "<first@x>")
	s.Header("Message-Id", "<second@x>")

	if s.mail.MessageID != "<first@x>" {
		t.Fatalf("got message id %q", s.mail.MessageID)
	}
}

func TestIncompleteSession(t *testing.T) {

	// no recipient
	s := newTestSession(t)
	s.Mail("<from@test.example>")
	s.Header("Message-Id", "<i@x>")
	if v := s.EOH(false); v != VerdictTempfail {
		t.Fatalf("no recipient: got %v, want tempfail", v)
	}

	// no message id
	s = newTestSession(t)
	s.Mail("<from@test.example>")
	s.Rcpt("<to@test.example>")
	if v := s.EOH(false); v != VerdictTempfail {
		t.Fatalf("no message id: got %v, want tempfail", v)
	}

	// no connection IP (e.g. the client reached the MTA over a non-IP socket)
	s = newTestSession(t)
	s.sendingIP = ""
	s.Mail("<from@test.example>")
	s.Rcpt("<to@test.example>")
	s.Header("Message-Id", "<i2@x>")
	if v := s.EOH(false); v != VerdictTempfail {
		t.Fatalf("no IP: got %v, want tempfail", v)
	}
}

func TestAbortResetsTransaction(t *testing.T) {

	s := newTestSession(t)
	s.Mail("<from@test.example>")
	s.Rcpt("<to@test.example>")
	s.Header("Message-Id", "<first@x>")

	s.Abort()

	if len(s.recipients) != 0 || s.messageIDSet || s.mail.SenderLocalPart != "" {
		t.Fatal("transaction state survived the abort")
	}
	if s.mail.SendingIP != "123.123.123.123" {
		t.Fatal("connection state did not survive the abort")
	}

	// the next transaction on the same connection works
	s.Mail("<other@test.example>")
	s.Rcpt("<to@test.example>")
	s.Header("Message-Id", "<second@x>")
	if v := s.EOH(false); v != VerdictTempfail { // greylisted
		t.Fatalf("got %v, want tempfail", v)
	}
	requireMail(t, s.filter.DB, "<second@x>", Greylisted)
}

// eomSession runs a full transaction from an allow-listed IP up to a
// positive end-of-headers decision, ready for enactment.
func eomSession(t *testing.T, rewrites []Rewrite, spam []string, to string) *Session {
	t.Helper()

	f, _ := newTestFilter(t)
	f.Rewrites = rewrites
	f.SpamRecipients = spam

	s := f.NewSession()
	t.Cleanup(s.Close)

	s.Connect("mail.test.example", "10.255.2.123")
	s.Mail("<from@test.example>")
	if v := s.Rcpt(to); v != VerdictContinue {
		t.Fatalf("rcpt: got %v", v)
	}
	s.Header("Message-Id", "<eom@x>")
	if v := s.EOH(false); v != VerdictContinue {
		t.Fatalf("eoh: got %v", v)
	}
	return s
}

func TestEnactKeep(t *testing.T) {

	s := eomSession(t, nil, nil, "<to@test.example>")

	mta := &recorderMTA{}
	if v := s.EOM(mta); v != VerdictContinue {
		t.Fatalf("got %v, want continue", v)
	}
	if len(mta.added) != 0 || len(mta.deleted) != 0 {
		t.Fatalf("got actions %v / %v, want none", mta.added, mta.deleted)
	}
}

func TestEnactAdd(t *testing.T) {

	rewrites := []Rewrite{{OldTo: "to@test.example", Action: RewriteAdd, NewTo: []string{"archive@test.example", "audit@test.example"}}}
	s := eomSession(t, rewrites, nil, "<To@Test.Example>") // matching is case-insensitive

	mta := &recorderMTA{}
	if v := s.EOM(mta); v != VerdictContinue {
		t.Fatalf("got %v, want continue", v)
	}
	if diff := cmp.Diff([]string{"archive@test.example", "audit@test.example"}, mta.added); diff != "" {
		t.Fatalf("added recipients mismatch:\n%s", diff)
	}
	if len(mta.deleted) != 0 {
		t.Fatalf("got deletions %v, want none", mta.deleted)
	}
}

func TestEnactChange(t *testing.T) {

	rewrites := []Rewrite{{OldTo: "old@test.example", Action: RewriteReplace, NewTo: []string{"new@test.example"}}}
	s := eomSession(t, rewrites, nil, "<old@test.example>")

	mta := &recorderMTA{}
	if v := s.EOM(mta); v != VerdictContinue {
		t.Fatalf("got %v, want continue", v)
	}
	if diff := cmp.Diff([]string{"old@test.example"}, mta.deleted); diff != "" {
		t.Fatalf("deleted recipients mismatch:\n%s", diff)
	}
	if diff := cmp.Diff([]string{"new@test.example"}, mta.added); diff != "" {
		t.Fatalf("added recipients mismatch:\n%s", diff)
	}
}

func TestEnactRemove(t *testing.T) {

	s := eomSession(t, nil, []string{"spamtrap@test.example"}, "<spamtrap@test.example>")

	mta := &recorderMTA{}
	if v := s.EOM(mta); v != VerdictContinue {
		t.Fatalf("got %v, want continue", v)
	}
	if diff := cmp.Diff([]string{"spamtrap@test.example"}, mta.deleted); diff != "" {
		t.Fatalf("deleted recipients mismatch:\n%s", diff)
	}
	if len(mta.added) != 0 {
		t.Fatalf("got additions %v, want none", mta.added)
	}

	// the observed recipient is still recorded in the database
	row, err := s.filter.DB.UpsertRecipient("spamtrap@test.example")
	if err != nil {
		t.Fatal(err)
	}
	if row.ID != s.recipients[0].row.ID {
		t.Fatal("spam recipient was not persisted at RCPT time")
	}
}

func TestEnactFailureTempfails(t *testing.T) {

	rewrites := []Rewrite{{OldTo: "to@test.example", Action: RewriteAdd, NewTo: []string{"archive@test.example"}}}
	s := eomSession(t, rewrites, nil, "<to@test.example>")

	mta := &recorderMTA{failNext: true}
	if v := s.EOM(mta); v != VerdictTempfail {
		t.Fatalf("got %v, want tempfail", v)
	}
}
