package greylist

import (
	"github.com/d--j/go-milter"
)

// NewMilterServer builds the milter server the MTA connects to. During
// protocol negotiation it asks for the add/remove recipient actions and for
// the {auth_type} macro at the end-of-headers stage; message bodies are not
// requested because the decision falls at end-of-headers.
func NewMilterServer(f *Filter) *milter.Server {
	return milter.NewServer(
		milter.WithMilter(func() milter.Milter {
			return &milterSession{session: f.NewSession()}
		}),
		milter.WithActions(milter.OptAddRcpt|milter.OptRemoveRcpt),
		milter.WithProtocols(milter.OptNoBody|milter.OptNoUnknown),
		milter.WithMacroRequest(milter.StageEOH, []milter.MacroName{milter.MacroAuthType}),
	)
}

// milterSession translates milter callbacks into session events and session
// verdicts into milter responses.
type milterSession struct {
	milter.NoOpMilter
	session *Session
}

func response(v Verdict) *milter.Response {
	switch v {
	case VerdictReject:
		return milter.RespReject
	case VerdictTempfail:
		return milter.RespTempFail
	case VerdictAccept:
		return milter.RespAccept
	case VerdictDiscard:
		return milter.RespDiscard
	default:
		return milter.RespContinue
	}
}

func (m *milterSession) Connect(host string, family string, port uint16, addr string, _ *milter.Modifier) (*milter.Response, error) {
	return response(m.session.Connect(host, sendingAddr(addr))), nil
}

func (m *milterSession) MailFrom(from string, esmtpArgs string, _ *milter.Modifier) (*milter.Response, error) {
	return response(m.session.Mail(from)), nil
}

func (m *milterSession) RcptTo(rcptTo string, esmtpArgs string, _ *milter.Modifier) (*milter.Response, error) {
	return response(m.session.Rcpt(rcptTo)), nil
}

func (m *milterSession) Header(name string, value string, _ *milter.Modifier) (*milter.Response, error) {
	return response(m.session.Header(name, value)), nil
}

func (m *milterSession) Headers(mod *milter.Modifier) (*milter.Response, error) {
	_, authenticated := mod.Macros.GetEx(milter.MacroAuthType)
	return response(m.session.EOH(authenticated)), nil
}

func (m *milterSession) EndOfMessage(mod *milter.Modifier) (*milter.Response, error) {
	return response(m.session.EOM(modifierActions{mod})), nil
}

func (m *milterSession) Abort(_ *milter.Modifier) error {
	m.session.Abort()
	return nil
}

func (m *milterSession) Cleanup() {
	m.session.Close()
}

// modifierActions backs MTAActions with the live milter connection.
type modifierActions struct {
	mod *milter.Modifier
}

func (a modifierActions) AddRecipient(address string) error {
	return a.mod.AddRecipient(address, "")
}

func (a modifierActions) DeleteRecipient(address string) error {
	return a.mod.DeleteRecipient(address)
}
