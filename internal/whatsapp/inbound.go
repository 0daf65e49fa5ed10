package whatsapp

import (
	"encoding/json"
	"errors"
	"strings"
)

var (
	ErrInvalidPayload = errors.New("whatsapp: invalid webhook payload")
	// ErrIgnored marks events that carry nothing to answer: status
	// broadcasts, groups, media without a caption.
	ErrIgnored = errors.New("whatsapp: event ignored")
)

// Inbound is one message as the rest of the service sees it.
type Inbound struct {
	MessageID string
	From      string // patient number, digits only
	To        string // practice number or instance name
	Text      string
	FromMe    bool // sent by the practice from its own phone
	PushName  string
}

type flatPayload struct {
	MessageID string `json:"message_id"`
	From      string `json:"from"`
	To        string `json:"to"`
	Text      string `json:"text"`
	FromMe    bool   `json:"from_me"`
	PushName  string `json:"push_name"`
}

type evolutionPayload struct {
	Event    string `json:"event"`
	Instance string `json:"instance"`
	Data     *struct {
		Key struct {
			RemoteJID string `json:"remoteJid"`
			FromMe    bool   `json:"fromMe"`
			ID        string `json:"id"`
		} `json:"key"`
		PushName    string `json:"pushName"`
		MessageType string `json:"messageType"`
		Message     struct {
			Conversation        string `json:"conversation"`
			ExtendedTextMessage *struct {
				Text string `json:"text"`
			} `json:"extendedTextMessage"`
			ImageMessage *struct {
				Caption string `json:"caption"`
			} `json:"imageMessage"`
		} `json:"message"`
	} `json:"data"`
}

// ParseInbound accepts either an Evolution API messages.upsert event or the
// flat {from, to, text, from_me, push_name} shape.
func ParseInbound(body []byte) (Inbound, error) {
	var probe map[string]json.RawMessage
	if err := json.Unmarshal(body, &probe); err != nil {
		return Inbound{}, ErrInvalidPayload
	}
	if _, ok := probe["data"]; ok {
		return parseEvolution(body)
	}

	var p flatPayload
	if err := json.Unmarshal(body, &p); err != nil {
		return Inbound{}, ErrInvalidPayload
	}
	in := Inbound{
		MessageID: p.MessageID,
		From:      NormalizeNumber(p.From),
		To:        NormalizeNumber(p.To),
		Text:      strings.TrimSpace(p.Text),
		FromMe:    p.FromMe,
		PushName:  strings.TrimSpace(p.PushName),
	}
	return in, validate(in)
}

func parseEvolution(body []byte) (Inbound, error) {
	var p evolutionPayload
	if err := json.Unmarshal(body, &p); err != nil || p.Data == nil {
		return Inbound{}, ErrInvalidPayload
	}
	jid := p.Data.Key.RemoteJID
	if jid == "status@broadcast" || strings.HasSuffix(jid, "@g.us") || p.Data.MessageType == "group" {
		return Inbound{}, ErrIgnored
	}

	msg := p.Data.Message
	text := msg.Conversation
	switch {
	case text != "":
	case msg.ExtendedTextMessage != nil:
		text = msg.ExtendedTextMessage.Text
	case msg.ImageMessage != nil:
		text = msg.ImageMessage.Caption
	}

	in := Inbound{
		MessageID: p.Data.Key.ID,
		From:      NormalizeNumber(jid),
		To:        p.Instance,
		Text:      strings.TrimSpace(text),
		FromMe:    p.Data.Key.FromMe,
		PushName:  strings.TrimSpace(p.Data.PushName),
	}
	if in.Text == "" && !in.FromMe {
		return Inbound{}, ErrIgnored
	}
	return in, validate(in)
}

func validate(in Inbound) error {
	if in.From == "" {
		return ErrInvalidPayload
	}
	if in.Text == "" && !in.FromMe {
		return ErrInvalidPayload
	}
	return nil
}
