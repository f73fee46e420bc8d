package session

import (
	"errors"
	"fmt"
	"net/netip"
	"strconv"
	"strings"
	"time"

	"github.com/pion/sdp/v3"
)

// ErrBadDescription is returned for SDP the codec cannot map to a Session.
var ErrBadDescription = errors.New("session: unusable sdp description")

// Codec converts Session values to and from SDP documents using pion/sdp.
// SessionName and the origin username show up on the wire, so they are
// configurable per switch instance.
type Codec struct {
	SessionName string
	Username    string
}

// NewCodec returns a codec with switch defaults.
func NewCodec() *Codec {
	return &Codec{SessionName: "call", Username: "softswitch"}
}

// Build renders an offer or accept into an SDP document. Queries and
// rejects have no body on the wire.
func (c *Codec) Build(s Session) ([]byte, error) {
	if !s.IsOffer() && !s.IsAccept() {
		return nil, fmt.Errorf("%w: cannot build %s", ErrBadDescription, s.Kind)
	}
	if len(s.Channels) == 0 {
		return nil, fmt.Errorf("%w: no channels", ErrBadDescription)
	}

	host := s.Channels[0].Addr.Addr().String()
	desc := &sdp.SessionDescription{
		Version: 0,
		Origin: sdp.Origin{
			Username:       c.Username,
			SessionID:      uint64(time.Now().Unix()),
			SessionVersion: uint64(time.Now().Unix()),
			NetworkType:    "IN",
			AddressType:    "IP4",
			UnicastAddress: host,
		},
		SessionName: sdp.SessionName(c.SessionName),
		ConnectionInformation: &sdp.ConnectionInformation{
			NetworkType: "IN",
			AddressType: "IP4",
			Address:     &sdp.Address{Address: host},
		},
		TimeDescriptions: []sdp.TimeDescription{{Timing: sdp.Timing{}}},
	}

	for _, ch := range s.Channels {
		md := &sdp.MediaDescription{
			MediaName: sdp.MediaName{
				Media:   ch.Type,
				Port:    sdp.RangedPort{Value: int(ch.Addr.Port())},
				Protos:  []string{"RTP", "AVP"},
				Formats: formatList(ch.Formats),
			},
			ConnectionInformation: &sdp.ConnectionInformation{
				NetworkType: "IN",
				AddressType: "IP4",
				Address:     &sdp.Address{Address: ch.Addr.Addr().String()},
			},
			Attributes: channelAttributes(ch),
		}
		desc.MediaDescriptions = append(desc.MediaDescriptions, md)
	}

	return desc.Marshal()
}

// Parse maps an SDP document to a Session. The same bytes mean an offer or
// an answer depending on the exchange state, so the caller supplies
// isAnswer. An answer whose media ports are all zero is a reject.
func (c *Codec) Parse(body []byte, isAnswer bool) (Session, error) {
	var desc sdp.SessionDescription
	if err := desc.UnmarshalString(string(body)); err != nil {
		return Session{}, fmt.Errorf("%w: %v", ErrBadDescription, err)
	}

	var sessHost string
	if desc.ConnectionInformation != nil && desc.ConnectionInformation.Address != nil {
		sessHost = desc.ConnectionInformation.Address.Address
	}

	var channels []Channel
	for _, md := range desc.MediaDescriptions {
		if md.MediaName.Port.Value == 0 {
			continue
		}
		host := sessHost
		if md.ConnectionInformation != nil && md.ConnectionInformation.Address != nil {
			host = md.ConnectionInformation.Address.Address
		}
		addr, err := parseAddrPort(host, md.MediaName.Port.Value)
		if err != nil {
			return Session{}, err
		}
		ch := Channel{
			Type: md.MediaName.Media,
			Addr: addr,
			Send: true,
			Recv: true,
		}
		for _, f := range md.MediaName.Formats {
			pt, err := strconv.Atoi(f)
			if err != nil || pt < 0 || pt > 127 {
				continue
			}
			ch.Formats = append(ch.Formats, Format{PayloadType: uint8(pt)})
		}
		applyDirection(&ch, md.Attributes)
		applyRtpmap(&ch, md.Attributes)
		channels = append(channels, ch)
	}

	if len(channels) == 0 {
		if isAnswer {
			return Session{Kind: KindReject}, nil
		}
		return Session{Kind: KindQuery}, nil
	}
	if isAnswer {
		return Session{Kind: KindAccept, Channels: channels}, nil
	}
	return Session{Kind: KindOffer, Channels: channels}, nil
}

func parseAddrPort(host string, port int) (netip.AddrPort, error) {
	addr, err := netip.ParseAddr(host)
	if err != nil {
		return netip.AddrPort{}, fmt.Errorf("%w: connection address %q", ErrBadDescription, host)
	}
	return netip.AddrPortFrom(addr, uint16(port)), nil
}

func formatList(formats []Format) []string {
	out := make([]string, len(formats))
	for i, f := range formats {
		out[i] = strconv.Itoa(int(f.PayloadType))
	}
	return out
}

func channelAttributes(ch Channel) []sdp.Attribute {
	var attrs []sdp.Attribute
	for _, f := range ch.Formats {
		if f.Encoding != "" {
			attrs = append(attrs, sdp.NewAttribute("rtpmap",
				fmt.Sprintf("%d %s/%d", f.PayloadType, f.Encoding, f.ClockRate)))
		}
	}
	switch {
	case ch.Send && ch.Recv:
		attrs = append(attrs, sdp.NewPropertyAttribute("sendrecv"))
	case ch.Send:
		attrs = append(attrs, sdp.NewPropertyAttribute("sendonly"))
	case ch.Recv:
		attrs = append(attrs, sdp.NewPropertyAttribute("recvonly"))
	default:
		attrs = append(attrs, sdp.NewPropertyAttribute("inactive"))
	}
	return attrs
}

func applyDirection(ch *Channel, attrs []sdp.Attribute) {
	for _, a := range attrs {
		switch a.Key {
		case "sendonly":
			ch.Send, ch.Recv = false, true // peer sends only: we receive
		case "recvonly":
			ch.Send, ch.Recv = true, false
		case "inactive":
			ch.Send, ch.Recv = false, false
		case "sendrecv":
			ch.Send, ch.Recv = true, true
		}
	}
}

func applyRtpmap(ch *Channel, attrs []sdp.Attribute) {
	for _, a := range attrs {
		if a.Key != "rtpmap" {
			continue
		}
		// "<payload> <encoding>/<rate>[/<params>]"
		ptStr, rest, ok := strings.Cut(a.Value, " ")
		if !ok {
			continue
		}
		pt, err := strconv.Atoi(ptStr)
		if err != nil {
			continue
		}
		enc, rateStr, ok := strings.Cut(rest, "/")
		if !ok {
			continue
		}
		if head, _, more := strings.Cut(rateStr, "/"); more {
			rateStr = head // trailing encoding parameters (channel count)
		}
		rate, err := strconv.Atoi(rateStr)
		if err != nil {
			continue
		}
		for i := range ch.Formats {
			if int(ch.Formats[i].PayloadType) == pt {
				ch.Formats[i].Encoding = enc
				ch.Formats[i].ClockRate = rate
			}
		}
	}
}
