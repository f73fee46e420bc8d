// Package transport carries the signaling core's messages over the network.
// The wire grammar is sipgo's; this package only maps between the parsed
// sipgo form and the typed envelope the core consumes, and runs the UDP
// listener that feeds the transaction layer.
package transport

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/emiago/sipgo/sip"

	"github.com/arzzra/soft_switch/pkg/message"
)

// Codec converts between wire bytes and the core's message envelope.
// Contact is the URI advertised in our Contact headers; Via sent-by fields
// left empty by the dialog layer are filled from it as well.
type Codec struct {
	parser  *sip.Parser
	Contact sip.Uri
}

func NewCodec(contact sip.Uri) *Codec {
	return &Codec{parser: sip.NewParser(), Contact: contact}
}

// Decode parses one datagram. The hop records where it came from.
func (c *Codec) Decode(data []byte, hop message.Hop) (*message.Message, error) {
	parsed, err := c.parser.ParseSIP(data)
	if err != nil {
		return nil, fmt.Errorf("transport: parse: %w", err)
	}

	out := &message.Message{Hop: hop}
	switch m := parsed.(type) {
	case *sip.Request:
		out.Method = string(m.Method)
		out.URI = m.Recipient
	case *sip.Response:
		out.IsResponse = true
		out.Status = message.Status{Code: m.StatusCode, Reason: m.Reason}
	default:
		return nil, fmt.Errorf("transport: unexpected message kind %T", parsed)
	}

	if from := parsed.From(); from != nil {
		out.From = toNameAddr(from.DisplayName, from.Address, from.Params)
	}
	if to := parsed.To(); to != nil {
		out.To = toNameAddr(to.DisplayName, to.Address, to.Params)
	}
	if callID := parsed.CallID(); callID != nil {
		out.CallID = callID.Value()
	}
	if cseq := parsed.CSeq(); cseq != nil {
		out.CSeq = message.CSeq{Num: cseq.SeqNo, Method: string(cseq.MethodName)}
		if out.IsResponse {
			out.Method = out.CSeq.Method
		}
	}
	if contact, ok := firstHeader(parsed, "Contact").(*sip.ContactHeader); ok {
		na := toNameAddr(contact.DisplayName, contact.Address, contact.Params)
		out.Contact = &na
	}

	for _, h := range parsed.GetHeaders("Via") {
		via, ok := h.(*sip.ViaHeader)
		if !ok {
			continue
		}
		branch, _ := via.Params.Get("branch")
		out.Via = append(out.Via, message.Via{
			Transport: via.Transport,
			Host:      via.Host,
			Port:      via.Port,
			Branch:    branch,
		})
	}
	for _, h := range parsed.GetHeaders("Record-Route") {
		if rr, ok := h.(*sip.RecordRouteHeader); ok {
			out.RecordRoute = append(out.RecordRoute, rr.Address)
		}
	}
	for _, h := range parsed.GetHeaders("Route") {
		if r, ok := h.(*sip.RouteHeader); ok {
			out.Route = append(out.Route, r.Address)
		}
	}

	out.Supported = toSet(firstHeader(parsed, "Supported"))
	out.Require = toSet(firstHeader(parsed, "Require"))
	if h := firstHeader(parsed, "RSeq"); h != nil {
		if v, err := strconv.ParseUint(strings.TrimSpace(h.Value()), 10, 32); err == nil {
			out.RSeq = uint32(v)
		}
	}
	if h := firstHeader(parsed, "RAck"); h != nil {
		var rseq, num uint32
		var method string
		if _, err := fmt.Sscanf(h.Value(), "%d %d %s", &rseq, &num, &method); err == nil {
			out.RAck = &message.RAck{RSeq: rseq, CSeq: message.CSeq{Num: num, Method: method}}
		}
	}
	if h := firstHeader(parsed, "Authorization"); h != nil {
		out.Authorization = h.Value()
	}
	if h := firstHeader(parsed, "Content-Type"); h != nil {
		out.ContentType = h.Value()
	}
	if body := parsed.Body(); len(body) > 0 {
		out.Body = body
	}
	return out, nil
}

// Encode renders a message. Via sent-by fields the dialog layer left empty
// are filled with the Contact host and port here, at the edge.
func (c *Codec) Encode(msg *message.Message) ([]byte, error) {
	var wire sip.Message
	if msg.IsResponse {
		wire = sip.NewResponse(msg.Status.Code, msg.Status.Reason)
	} else {
		req := sip.NewRequest(sip.RequestMethod(msg.Method), msg.URI)
		wire = req
	}

	for _, v := range msg.Via {
		host, port := v.Host, v.Port
		if host == "" {
			host, port = c.Contact.Host, c.Contact.Port
		}
		transport := v.Transport
		if transport == "" {
			transport = "UDP"
		}
		via := &sip.ViaHeader{
			ProtocolName:    "SIP",
			ProtocolVersion: "2.0",
			Transport:       transport,
			Host:            host,
			Port:            port,
			Params:          sip.NewParams(),
		}
		if v.Branch != "" {
			via.Params = via.Params.Add("branch", v.Branch)
		}
		wire.AppendHeader(via)
	}

	from := &sip.FromHeader{
		DisplayName: msg.From.Display,
		Address:     msg.From.URI,
		Params:      sip.NewParams(),
	}
	if msg.From.Tag != "" {
		from.Params = from.Params.Add("tag", msg.From.Tag)
	}
	wire.AppendHeader(from)

	to := &sip.ToHeader{
		DisplayName: msg.To.Display,
		Address:     msg.To.URI,
		Params:      sip.NewParams(),
	}
	if msg.To.Tag != "" {
		to.Params = to.Params.Add("tag", msg.To.Tag)
	}
	wire.AppendHeader(to)

	callID := sip.CallIDHeader(msg.CallID)
	wire.AppendHeader(&callID)
	wire.AppendHeader(&sip.CSeqHeader{
		SeqNo:      msg.CSeq.Num,
		MethodName: sip.RequestMethod(msg.CSeq.Method),
	})

	if msg.IsRequest() {
		maxFwd := sip.MaxForwardsHeader(70)
		wire.AppendHeader(&maxFwd)
		for _, u := range msg.Route {
			wire.AppendHeader(&sip.RouteHeader{Address: u})
		}
	}
	for _, u := range msg.RecordRoute {
		wire.AppendHeader(&sip.RecordRouteHeader{Address: u})
	}

	// Contact goes on requests that establish or refresh the dialog path
	// and on non-failure responses.
	if needsContact(msg) {
		wire.AppendHeader(&sip.ContactHeader{Address: c.Contact, Params: sip.NewParams()})
	}

	if len(msg.Supported) > 0 {
		wire.AppendHeader(sip.NewHeader("Supported", joinSet(msg.Supported)))
	}
	if len(msg.Require) > 0 {
		wire.AppendHeader(sip.NewHeader("Require", joinSet(msg.Require)))
	}
	if msg.RSeq > 0 {
		wire.AppendHeader(sip.NewHeader("RSeq", strconv.FormatUint(uint64(msg.RSeq), 10)))
	}
	if msg.RAck != nil {
		wire.AppendHeader(sip.NewHeader("RAck", fmt.Sprintf("%d %d %s",
			msg.RAck.RSeq, msg.RAck.CSeq.Num, msg.RAck.CSeq.Method)))
	}
	if msg.Authorization != "" {
		wire.AppendHeader(sip.NewHeader("Authorization", msg.Authorization))
	}

	if len(msg.Body) > 0 {
		if msg.ContentType != "" {
			wire.AppendHeader(sip.NewHeader("Content-Type", msg.ContentType))
		}
		wire.SetBody(msg.Body)
	} else {
		wire.SetBody(nil)
	}

	return []byte(wire.String()), nil
}

// firstHeader returns the first header with the given name, nil when absent.
// The sip.Message interface only offers the list form.
func firstHeader(msg sip.Message, name string) sip.Header {
	hs := msg.GetHeaders(name)
	if len(hs) == 0 {
		return nil
	}
	return hs[0]
}

func toNameAddr(display string, uri sip.Uri, params sip.HeaderParams) message.NameAddr {
	na := message.NameAddr{Display: display, URI: uri}
	if params != nil {
		na.Tag, _ = params.Get("tag")
	}
	return na
}

func toSet(h sip.Header) message.Set {
	if h == nil {
		return nil
	}
	s := message.NewSet()
	for _, tok := range strings.Split(h.Value(), ",") {
		if tok = strings.TrimSpace(tok); tok != "" {
			s.Add(strings.ToLower(tok))
		}
	}
	return s
}

func joinSet(s message.Set) string {
	tokens := make([]string, 0, len(s))
	for tok := range s {
		tokens = append(tokens, tok)
	}
	sort.Strings(tokens)
	return strings.Join(tokens, ", ")
}

func needsContact(msg *message.Message) bool {
	if msg.IsRequest() {
		switch msg.Method {
		case "INVITE", "UPDATE":
			return true
		}
		return false
	}
	return msg.Status.Code > 100 && msg.Status.Code < 300 && msg.CSeq.Method == "INVITE"
}
