package transport

import (
	"encoding/xml"
	"sort"
	"strings"
)

const xmlHeader = `<?xml version="1.0" encoding="UTF-8"?>`

func escapeXML(s string) string {
	var b strings.Builder
	_ = xml.EscapeText(&b, []byte(s))
	return b.String()
}

// ConnectStreamTwiML bridges the call audio to a bidirectional media stream
// at streamURL. Params are delivered in the stream's start message.
func ConnectStreamTwiML(streamURL string, params map[string]string) string {
	var b strings.Builder
	b.WriteString(xmlHeader)
	b.WriteString(`<Response><Connect><Stream url="`)
	b.WriteString(escapeXML(streamURL))
	b.WriteString(`">`)

	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		b.WriteString(`<Parameter name="`)
		b.WriteString(escapeXML(k))
		b.WriteString(`" value="`)
		b.WriteString(escapeXML(params[k]))
		b.WriteString(`"/>`)
	}
	b.WriteString(`</Stream></Connect></Response>`)
	return b.String()
}

func SayAndHangupTwiML(text string) string {
	return xmlHeader + `<Response><Say>` + escapeXML(text) + `</Say><Hangup/></Response>`
}

func DialTwiML(number string) string {
	return xmlHeader + `<Response><Dial>` + escapeXML(number) + `</Dial></Response>`
}

func HangupTwiML() string {
	return xmlHeader + `<Response><Hangup/></Response>`
}
