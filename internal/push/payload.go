package push

import (
	"regexp"
	"strings"

	"github.com/antonholmquist/jason"
	"github.com/k3a/html2text"
)

// Payload is the decoded body of a push message. Absent or non-string
// fields are left empty.
type Payload struct {
	Title string
	Body  string
	URL   string
}

// ParsePayload decodes a JSON object payload. Anything that is not a JSON
// object yields an empty payload and an error; callers fall back to
// defaults.
func ParsePayload(data []byte) (Payload, error) {
	var p Payload
	if len(data) == 0 {
		return p, nil
	}
	obj, err := jason.NewObjectFromBytes(data)
	if err != nil {
		return p, err
	}
	p.Title, _ = obj.GetString("title")
	p.Body, _ = obj.GetString("body")
	p.URL, _ = obj.GetString("url")
	return p, nil
}

var openTag = regexp.MustCompile(`<([a-zA-Z][a-zA-Z0-9]*)(?:\s[^<>]*)?>`)

// plainText flattens markup in a notification body. Only bodies holding an
// element with a matching close tag count as markup; anything else, stray
// '<' and '&' included, is returned unchanged.
func plainText(s string) string {
	if !isMarkup(s) {
		return s
	}
	return strings.TrimSpace(html2text.HTML2Text(s))
}

func isMarkup(s string) bool {
	lower := strings.ToLower(s)
	for _, m := range openTag.FindAllStringSubmatch(s, -1) {
		if strings.Contains(lower, "</"+strings.ToLower(m[1])+">") {
			return true
		}
	}
	return false
}
