// Package auth models the session credential sent during the socket handshake.
package auth

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	json "github.com/goccy/go-json"
	"github.com/tidwall/gjson"

	"github.com/coachpo/pocketoption/errs"
)

const framePrefix = `42["auth"`

// Defaults applied when the browser frame omits a field.
const (
	DefaultPlatform    = 2
	DefaultFastHistory = true
)

// Payload is the credential carried by the auth frame.
type Payload struct {
	Session     string
	IsDemo      bool
	UID         int64
	Platform    int
	FastHistory bool
	Optimized   *bool
}

type wirePayload struct {
	Session       string `json:"session"`
	IsDemo        int    `json:"isDemo"`
	UID           int64  `json:"uid"`
	Platform      int    `json:"platform"`
	IsFastHistory bool   `json:"isFastHistory"`
	IsOptimized   *bool  `json:"isOptimized,omitempty"`
}

// Validate reports whether the payload can be sent.
func (p Payload) Validate() error {
	if strings.TrimSpace(p.Session) == "" {
		return errs.New("auth", errs.CodeInvalid, errs.WithMessage("session is required"))
	}
	if p.UID < 0 {
		return errs.New("auth", errs.CodeInvalid, errs.WithMessage("uid must not be negative"))
	}
	return nil
}

// Frame renders the payload as the socket auth frame:
// 42["auth",{"session":...,"isDemo":0|1,"uid":...,"platform":...,"isFastHistory":...}]
func (p Payload) Frame() ([]byte, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	body := wirePayload{
		Session:       p.Session,
		UID:           p.UID,
		Platform:      p.Platform,
		IsFastHistory: p.FastHistory,
		IsOptimized:   p.Optimized,
	}
	if p.IsDemo {
		body.IsDemo = 1
	}
	encoded, err := json.MarshalNoEscape(body)
	if err != nil {
		return nil, fmt.Errorf("encode auth frame: %w", err)
	}
	out := make([]byte, 0, len(framePrefix)+len(encoded)+2)
	out = append(out, framePrefix...)
	out = append(out, ',')
	out = append(out, encoded...)
	return append(out, ']'), nil
}

// WithDemo returns a copy of the payload targeting the given account mode.
func (p Payload) WithDemo(demo bool) Payload {
	p.IsDemo = demo
	return p
}

// ParseFrame reads a credential in its canonical 42["auth",{...}] form.
func ParseFrame(raw string) (Payload, error) {
	trimmed := strings.TrimSpace(raw)
	if !strings.HasPrefix(trimmed, framePrefix) {
		return Payload{}, errs.New("auth", errs.CodeInvalid,
			errs.WithMessage(`credential must use the 42["auth",{...}] form`))
	}
	body := strings.TrimPrefix(trimmed, "42")
	if gjson.Valid(body) {
		parsed := gjson.Parse(body)
		if !parsed.IsArray() || parsed.Get("0").String() != "auth" || !parsed.Get("1").IsObject() {
			return Payload{}, errs.New("auth", errs.CodeInvalid, errs.WithMessage("auth frame has an unexpected shape"))
		}
		return fromObject(parsed.Get("1"))
	}
	return extractManually(trimmed)
}

func fromObject(obj gjson.Result) (Payload, error) {
	p := Payload{
		Session:     obj.Get("session").String(),
		IsDemo:      true,
		UID:         obj.Get("uid").Int(),
		Platform:    DefaultPlatform,
		FastHistory: DefaultFastHistory,
	}
	if v := obj.Get("isDemo"); v.Exists() {
		p.IsDemo = v.Int() == 1
	}
	if v := obj.Get("platform"); v.Exists() {
		p.Platform = int(v.Int())
	}
	if v := obj.Get("isFastHistory"); v.Exists() {
		p.FastHistory = v.Bool()
	}
	if opt := obj.Get("isOptimized"); opt.Exists() {
		v := opt.Bool()
		p.Optimized = &v
	}
	if err := p.Validate(); err != nil {
		return Payload{}, err
	}
	return p, nil
}

var (
	demoField     = regexp.MustCompile(`"isDemo":\s*(\d+)`)
	uidField      = regexp.MustCompile(`"uid":\s*(\d+)`)
	platformField = regexp.MustCompile(`"platform":\s*(\d+)`)
	historyField  = regexp.MustCompile(`"isFastHistory":\s*(true|false)`)
	optimField    = regexp.MustCompile(`"isOptimized":\s*(true|false)`)
)

// extractManually handles real-account sessions whose PHP-serialized value
// contains unescaped quotes and therefore is not valid JSON.
func extractManually(raw string) (Payload, error) {
	const marker = `"session":"`
	start := strings.Index(raw, marker)
	if start < 0 {
		return Payload{}, errs.New("auth", errs.CodeInvalid, errs.WithMessage("session field not found"))
	}
	start += len(marker)
	end := strings.Index(raw[start:], `","isDemo"`)
	if end < 0 {
		end = strings.Index(raw[start:], `", "isDemo"`)
	}
	if end < 0 {
		return Payload{}, errs.New("auth", errs.CodeInvalid, errs.WithMessage("session field is not terminated"))
	}
	p := Payload{
		Session:     raw[start : start+end],
		IsDemo:      true,
		Platform:    DefaultPlatform,
		FastHistory: DefaultFastHistory,
	}
	if m := demoField.FindStringSubmatch(raw); m != nil {
		p.IsDemo = m[1] == "1"
	}
	if m := uidField.FindStringSubmatch(raw); m != nil {
		p.UID, _ = strconv.ParseInt(m[1], 10, 64)
	}
	if m := platformField.FindStringSubmatch(raw); m != nil {
		p.Platform, _ = strconv.Atoi(m[1])
	}
	if m := historyField.FindStringSubmatch(raw); m != nil {
		p.FastHistory = m[1] == "true"
	}
	if m := optimField.FindStringSubmatch(raw); m != nil {
		v := m[1] == "true"
		p.Optimized = &v
	}
	if err := p.Validate(); err != nil {
		return Payload{}, err
	}
	return p, nil
}
