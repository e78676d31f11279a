// Package smscodec packs structured request tuples into the five-field
// SMS wire format and decodes gateway replies.
//
// Wire shape: CMD#ID#AMOUNT#USER#AUTH, always five fields, at most 160
// ASCII characters.
package smscodec

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/duracall/duracall/pkg/models"
)

// FieldSeparator joins the five wire fields.
const FieldSeparator = "#"

// Reply markers recognized in gateway responses.
const (
	ReplyOK  = "OK"
	ReplyErr = "ERR"
)

// commandTable maps full command names to their single-letter wire form.
// Unknown commands pass through unchanged in both directions.
var commandTable = map[string]string{
	"TRANSFER":   "T",
	"PAYMENT":    "P",
	"BALANCE":    "B",
	"DEPOSIT":    "D",
	"WITHDRAWAL": "W",
	"VERIFY":     "V",
}

var reverseCommandTable = func() map[string]string {
	m := make(map[string]string, len(commandTable))
	for full, short := range commandTable {
		m[short] = full
	}
	return m
}()

var structuredIDPattern = regexp.MustCompile(`^([A-Z]+)([0-9]+)$`)

// Message is the structured tuple carried over SMS.
type Message struct {
	Command string
	ID      string
	Amount  string
	User    string
	Auth    string
}

// Reply is a decoded gateway response.
type Reply struct {
	ID         string
	StatusCode int
	ErrorCode  string
	Data       map[string]string
	Raw        string
}

// Encode packs the message into the wire format. It fails with
// models.ErrSMSTooLarge when the result would exceed 160 characters.
func Encode(m Message) (string, error) {
	fields := []string{
		CompressCommand(m.Command),
		CompressID(m.ID),
		CompressAmount(m.Amount),
		m.User,
		m.Auth,
	}
	text := strings.Join(fields, FieldSeparator)
	if len(text) > models.MaxSMSLength {
		return "", fmt.Errorf("encoded message is %d characters: %w", len(text), models.ErrSMSTooLarge)
	}
	return text, nil
}

// Decode is the inverse of Encode. It never fails: input that does not
// split into five fields yields a message holding the raw text as its
// command.
func Decode(text string) Message {
	parts := strings.Split(text, FieldSeparator)
	if len(parts) != 5 {
		return Message{Command: text}
	}
	return Message{
		Command: ExpandCommand(parts[0]),
		ID:      parts[1],
		Amount:  ExpandAmount(parts[2]),
		User:    parts[3],
		Auth:    parts[4],
	}
}

// CompressCommand maps a command name to its wire form, case-insensitively.
func CompressCommand(cmd string) string {
	upper := strings.ToUpper(strings.TrimSpace(cmd))
	if short, ok := commandTable[upper]; ok {
		return short
	}
	return cmd
}

// ExpandCommand maps a wire command back to its full name.
func ExpandCommand(cmd string) string {
	if full, ok := reverseCommandTable[cmd]; ok {
		return full
	}
	return cmd
}

// CompressAmount shortens a numeric amount: millions get an M suffix,
// thousands a K suffix, both keeping at most one decimal digit. Values
// under a thousand encode as a plain integer. Non-numeric input passes
// through unchanged.
func CompressAmount(amount string) string {
	amount = strings.TrimSpace(amount)
	if amount == "" {
		return ""
	}
	v, err := strconv.ParseFloat(amount, 64)
	if err != nil {
		return amount
	}
	switch {
	case v >= 1_000_000:
		return formatScaled(v/1_000_000) + "M"
	case v >= 1_000:
		return formatScaled(v/1_000) + "K"
	default:
		return strconv.FormatInt(int64(v), 10)
	}
}

// ExpandAmount is the inverse of CompressAmount, preserving precision to
// the encoded digit.
func ExpandAmount(amount string) string {
	if amount == "" {
		return ""
	}
	multiplier := int64(1)
	switch {
	case strings.HasSuffix(amount, "M"):
		multiplier = 1_000_000
		amount = strings.TrimSuffix(amount, "M")
	case strings.HasSuffix(amount, "K"):
		multiplier = 1_000
		amount = strings.TrimSuffix(amount, "K")
	}
	v, err := strconv.ParseFloat(amount, 64)
	if err != nil {
		return amount
	}
	if multiplier == 1 {
		return amount
	}
	return strconv.FormatInt(int64(v*float64(multiplier)+0.5), 10)
}

// CompressID shortens a request identifier. Structured ids of the form
// LETTERS then DIGITS keep the first letter and the last four digits;
// anything else keeps its last six characters.
func CompressID(id string) string {
	if id == "" {
		return ""
	}
	if m := structuredIDPattern.FindStringSubmatch(id); m != nil {
		digits := m[2]
		if len(digits) > 4 {
			digits = digits[len(digits)-4:]
		}
		return m[1][:1] + digits
	}
	if len(id) > 6 {
		return id[len(id)-6:]
	}
	return id
}

// FromRequestBody extracts the wire tuple from a structured request body.
// Primary keys are command, id, amount, user and auth; the original
// payload aliases type, transaction_id, phone and pin are honored too.
func FromRequestBody(body map[string]any) Message {
	return Message{
		Command: bodyString(body, "command", "type"),
		ID:      bodyString(body, "id", "transaction_id"),
		Amount:  bodyString(body, "amount"),
		User:    bodyString(body, "user", "phone"),
		Auth:    bodyString(body, "auth", "pin"),
	}
}

func bodyString(body map[string]any, keys ...string) string {
	for _, k := range keys {
		v, ok := body[k]
		if !ok {
			continue
		}
		switch val := v.(type) {
		case string:
			return val
		case float64:
			return formatScaled(val)
		case int:
			return strconv.Itoa(val)
		case int64:
			return strconv.FormatInt(val, 10)
		default:
			return fmt.Sprintf("%v", val)
		}
	}
	return ""
}

// ParseReply decodes a gateway reply. OK#id#k:v... is a success, ERR#id#code
// an error; anything else is treated as a raw success body.
func ParseReply(body string) Reply {
	parts := strings.Split(body, FieldSeparator)
	switch {
	case parts[0] == ReplyOK && len(parts) >= 2:
		r := Reply{ID: parts[1], StatusCode: 200, Data: parseKV(parts[2:])}
		return r
	case parts[0] == ReplyErr && len(parts) >= 3:
		r := Reply{ID: parts[1], StatusCode: 400, ErrorCode: parts[2], Data: parseKV(parts[3:])}
		return r
	default:
		return Reply{StatusCode: 200, Raw: body}
	}
}

func parseKV(parts []string) map[string]string {
	if len(parts) == 0 {
		return nil
	}
	data := make(map[string]string, len(parts))
	for _, p := range parts {
		if k, v, ok := strings.Cut(p, ":"); ok {
			data[k] = v
		}
	}
	if len(data) == 0 {
		return nil
	}
	return data
}

// formatScaled renders a scaled amount with at most one decimal digit,
// dropping a trailing .0.
func formatScaled(v float64) string {
	if v == float64(int64(v)) {
		return strconv.FormatInt(int64(v), 10)
	}
	return strconv.FormatFloat(v, 'f', 1, 64)
}
