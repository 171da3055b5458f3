// Package input validates and normalizes user replies collected by HEAR
// steps. Each input type accepts a loose human form and produces a
// canonical value stored in the execution variables.
package input

import (
	"fmt"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"
	"unicode"

	"github.com/google/uuid"
)

// Type names an accepted input shape.
type Type string

const (
	Any     Type = "any"
	Email   Type = "email"
	Date    Type = "date"
	Name    Type = "name"
	Integer Type = "integer"
	Float   Type = "float"
	Boolean Type = "boolean"
	Hour    Type = "hour"
	Money   Type = "money"
	Mobile  Type = "mobile"
	URL     Type = "url"
	UUID    Type = "uuid"
	Menu    Type = "menu"
)

var known = map[Type]string{
	Any:     "Please provide a value",
	Email:   "Please enter a valid email address",
	Date:    "Please enter a valid date (e.g. 2025-03-31 or 31/03/2025)",
	Name:    "Please enter a valid name",
	Integer: "Please enter a whole number",
	Float:   "Please enter a number",
	Boolean: "Please answer yes or no",
	Hour:    "Please enter a time (e.g. 14:30 or 2:30 PM)",
	Money:   "Please enter a valid amount",
	Mobile:  "Please enter a valid mobile number",
	URL:     "Please enter a valid URL",
	UUID:    "Please enter a valid identifier",
	Menu:    "Please select one of the options",
}

// ParseType maps a case-insensitive type name to a Type. The empty string
// maps to Any.
func ParseType(s string) (Type, bool) {
	t := Type(strings.ToLower(strings.TrimSpace(s)))
	if t == "" {
		return Any, true
	}
	switch t {
	case "number", "int":
		return Integer, true
	case "bool":
		return Boolean, true
	case "time":
		return Hour, true
	case "phone":
		return Mobile, true
	}
	_, ok := known[t]
	return t, ok
}

// Result is the outcome of validating one reply.
type Result struct {
	Valid   bool
	Value   any
	Message string
}

func valid(v any) Result { return Result{Valid: true, Value: v} }

func invalid(t Type) Result { return Result{Message: known[t]} }

// Validate checks input against t using the current time for relative dates.
func Validate(in string, t Type, options []string) Result {
	return ValidateAt(in, t, options, time.Now())
}

// ValidateAt checks input against t. now anchors relative dates.
func ValidateAt(in string, t Type, options []string, now time.Time) Result {
	s := strings.TrimSpace(in)
	if s == "" {
		return invalid(Any)
	}
	switch t {
	case Email:
		return validateEmail(s)
	case Date:
		return validateDate(s, now)
	case Name:
		return validateName(s)
	case Integer:
		return validateInteger(s)
	case Float:
		return validateFloat(s)
	case Boolean:
		return validateBoolean(s)
	case Hour:
		return validateHour(s)
	case Money:
		return validateMoney(s)
	case Mobile:
		return validateMobile(s)
	case URL:
		return validateURL(s)
	case UUID:
		return validateUUID(s)
	case Menu:
		return validateMenu(s, options)
	default:
		return valid(s)
	}
}

var emailRE = regexp.MustCompile(`^[a-zA-Z0-9.!#$%&'*+/=?^_{|}~-]+@[a-zA-Z0-9](?:[a-zA-Z0-9-]{0,61}[a-zA-Z0-9])?(?:\.[a-zA-Z0-9](?:[a-zA-Z0-9-]{0,61}[a-zA-Z0-9])?)*$`)

func validateEmail(s string) Result {
	if !emailRE.MatchString(s) {
		return invalid(Email)
	}
	return valid(strings.ToLower(s))
}

var dateLayouts = []string{"02/01/2006", "02-01-2006", "2006-01-02", "2006/01/02", "02.01.2006", "01/02/2006", "02 Jan 2006", "02 January 2006"}

func validateDate(s string, now time.Time) Result {
	for _, layout := range dateLayouts {
		if d, err := time.Parse(layout, s); err == nil {
			return valid(d.Format("2006-01-02"))
		}
	}
	switch strings.ToLower(s) {
	case "today":
		return valid(now.Format("2006-01-02"))
	case "tomorrow":
		return valid(now.AddDate(0, 0, 1).Format("2006-01-02"))
	case "yesterday":
		return valid(now.AddDate(0, 0, -1).Format("2006-01-02"))
	}
	return invalid(Date)
}

func validateName(s string) Result {
	if len(s) < 2 || len(s) > 100 {
		return invalid(Name)
	}
	for _, r := range s {
		if !unicode.IsLetter(r) && !unicode.IsSpace(r) && r != '-' && r != '\'' {
			return invalid(Name)
		}
	}
	words := strings.Fields(s)
	for i, w := range words {
		rs := []rune(w)
		rs[0] = unicode.ToUpper(rs[0])
		words[i] = string(rs)
	}
	return valid(strings.Join(words, " "))
}

func validateInteger(s string) Result {
	cleaned := strings.NewReplacer(",", "", ".", "", " ", "").Replace(s)
	n, err := strconv.ParseInt(cleaned, 10, 64)
	if err != nil {
		return invalid(Integer)
	}
	return valid(n)
}

func validateFloat(s string) Result {
	cleaned := strings.ReplaceAll(strings.ReplaceAll(s, " ", ""), ",", ".")
	f, err := strconv.ParseFloat(cleaned, 64)
	if err != nil {
		return invalid(Float)
	}
	return valid(f)
}

var (
	trueWords  = map[string]bool{"yes": true, "y": true, "true": true, "1": true, "sim": true, "s": true, "si": true, "oui": true, "ja": true, "da": true, "ok": true, "yeah": true, "yep": true, "sure": true, "confirm": true, "confirmed": true, "accept": true, "agreed": true, "agree": true}
	falseWords = map[string]bool{"no": true, "n": true, "false": true, "0": true, "não": true, "nao": true, "non": true, "nein": true, "net": true, "nope": true, "cancel": true, "deny": true, "denied": true, "reject": true, "declined": true, "disagree": true}
)

func validateBoolean(s string) Result {
	l := strings.ToLower(s)
	switch {
	case trueWords[l]:
		return valid(true)
	case falseWords[l]:
		return valid(false)
	default:
		return invalid(Boolean)
	}
}

var (
	hour24RE = regexp.MustCompile(`^([01]?\d|2[0-3]):([0-5]\d)$`)
	hour12RE = regexp.MustCompile(`^(1[0-2]|0?[1-9]):([0-5]\d)\s*(?i:(am|pm|a\.m\.|p\.m\.))$`)
)

func validateHour(s string) Result {
	if m := hour24RE.FindStringSubmatch(s); m != nil {
		h, _ := strconv.Atoi(m[1])
		mi, _ := strconv.Atoi(m[2])
		return valid(fmt.Sprintf("%02d:%02d", h, mi))
	}
	if m := hour12RE.FindStringSubmatch(s); m != nil {
		h, _ := strconv.Atoi(m[1])
		mi, _ := strconv.Atoi(m[2])
		period := strings.ToUpper(m[3])
		if strings.HasPrefix(period, "P") && h != 12 {
			h += 12
		} else if strings.HasPrefix(period, "A") && h == 12 {
			h = 0
		}
		return valid(fmt.Sprintf("%02d:%02d", h, mi))
	}
	return invalid(Hour)
}

func validateMoney(s string) Result {
	cleaned := strings.NewReplacer("R$", "", "$", "", "€", "", "£", "", "¥", "", " ", "").Replace(s)
	lastComma, lastDot := strings.LastIndex(cleaned, ","), strings.LastIndex(cleaned, ".")
	switch {
	case lastComma >= 0 && lastDot >= 0 && lastComma > lastDot:
		cleaned = strings.ReplaceAll(strings.ReplaceAll(cleaned, ".", ""), ",", ".")
	case lastComma >= 0 && lastDot >= 0:
		cleaned = strings.ReplaceAll(cleaned, ",", "")
	case lastComma >= 0:
		cleaned = strings.ReplaceAll(cleaned, ",", ".")
	}
	f, err := strconv.ParseFloat(cleaned, 64)
	if err != nil || f < 0 {
		return invalid(Money)
	}
	return valid(f)
}

func validateMobile(s string) Result {
	var digits strings.Builder
	for _, r := range s {
		if r >= '0' && r <= '9' {
			digits.WriteRune(r)
		}
	}
	d := digits.String()
	switch {
	case len(d) < 10 || len(d) > 15:
		return invalid(Mobile)
	case len(d) == 11:
		return valid(fmt.Sprintf("(%s) %s-%s", d[0:2], d[2:7], d[7:11]))
	case len(d) == 10:
		return valid(fmt.Sprintf("(%s) %s-%s", d[0:3], d[3:6], d[6:10]))
	default:
		return valid("+" + d)
	}
}

var hostRE = regexp.MustCompile(`^[a-zA-Z0-9][-a-zA-Z0-9]*(\.[a-zA-Z0-9][-a-zA-Z0-9]*)+$`)

func validateURL(s string) Result {
	if !strings.HasPrefix(s, "http://") && !strings.HasPrefix(s, "https://") {
		s = "https://" + s
	}
	u, err := url.Parse(s)
	if err != nil || !hostRE.MatchString(u.Hostname()) || strings.ContainsAny(s, " \t") {
		return invalid(URL)
	}
	return valid(s)
}

func validateUUID(s string) Result {
	id, err := uuid.Parse(s)
	if err != nil {
		return invalid(UUID)
	}
	return valid(id.String())
}

func validateMenu(s string, options []string) Result {
	l := strings.ToLower(s)
	for _, opt := range options {
		if strings.ToLower(opt) == l {
			return valid(opt)
		}
	}
	if n, err := strconv.Atoi(l); err == nil && n >= 1 && n <= len(options) {
		return valid(options[n-1])
	}
	var match string
	count := 0
	for _, opt := range options {
		if strings.Contains(strings.ToLower(opt), l) {
			match = opt
			count++
		}
	}
	if count == 1 {
		return valid(match)
	}
	return Result{Message: "Please select one of: " + strings.Join(options, ", ")}
}
