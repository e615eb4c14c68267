package telegram

import "strings"

var htmlEscaper = strings.NewReplacer("&", "&amp;", "<", "&lt;", ">", "&gt;")

// EscapeHTML escapes s for use in a message sent with parse_mode=HTML.
// Telegram's HTML dialect only requires escaping of &, < and >.
func EscapeHTML(s string) string { return htmlEscaper.Replace(s) }

// FormatValue escapes v for HTML, substituting an em dash for an empty
// value.
func FormatValue(v string) string {
	if v == "" {
		return "—"
	}
	return EscapeHTML(v)
}

// DisplayName renders u as a human-readable, HTML-safe name with an optional
// @username suffix.
func DisplayName(u *User) string {
	if u == nil {
		return "—"
	}
	name := u.FirstName
	if u.LastName != "" {
		if name != "" {
			name += " "
		}
		name += u.LastName
	}
	name = EscapeHTML(name)
	switch {
	case name != "" && u.Username != "":
		return name + " (@" + EscapeHTML(u.Username) + ")"
	case u.Username != "":
		return "@" + EscapeHTML(u.Username)
	case name != "":
		return name
	}
	return "—"
}
