package tasks

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/rockstor/replicad/internal/types"
)

// Meta is the decoded json_meta of a TaskDefinition. The concrete type
// depends on the task type: *ScrubMeta, *SnapshotMeta or *ShutdownMeta.
type Meta interface {
	taskMeta()
}

// ScrubMeta selects the pool to scrub, by id or by name.
type ScrubMeta struct {
	Pool string `validate:"required"`
}

// SnapshotMeta describes a scheduled snapshot of a share.
type SnapshotMeta struct {
	Share    string `validate:"required,number"` // share id
	Prefix   string `validate:"required,max=64,excludesall=/\\ "`
	MaxCount int    `validate:"min=1"`
	Visible  bool
	Writable bool
}

// ShareID returns Share as a number. It is valid after ParseMeta.
func (m *SnapshotMeta) ShareID() uint {
	n, _ := strconv.ParseUint(m.Share, 10, 64)
	return uint(n)
}

// ShutdownMeta configures reboot, shutdown and suspend tasks. With PingScan
// set, the task only proceeds once none of Addresses has answered a ping for
// Iterations rounds spaced Interval seconds apart.
type ShutdownMeta struct {
	PingScan   bool
	Addresses  []string
	Interval   int // seconds
	Iterations int
	Wakeup     bool
	RTCHour    int `validate:"min=0,max=23"`
	RTCMinute  int `validate:"min=0,max=59"`
}

func (*ScrubMeta) taskMeta()    {}
func (*SnapshotMeta) taskMeta() {}
func (*ShutdownMeta) taskMeta() {}

// Ping scan bounds.
const (
	MinPingInterval      = 5
	DefaultPingInterval  = 5
	DefaultPingIteration = 3
)

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterStructValidation(func(sl validator.StructLevel) {
		m := sl.Current().Interface().(ShutdownMeta)
		if !m.PingScan {
			return
		}
		if len(m.Addresses) == 0 {
			sl.ReportError(m.Addresses, "Addresses", "Addresses", "required_with_ping_scan", "")
		}
		if m.Interval < MinPingInterval {
			sl.ReportError(m.Interval, "Interval", "Interval", "min", strconv.Itoa(MinPingInterval))
		}
		if m.Iterations < 1 {
			sl.ReportError(m.Iterations, "Iterations", "Iterations", "min", "1")
		}
	}, ShutdownMeta{})
	return v
}

// ParseMeta decodes and validates raw for taskType. Every failure wraps
// ErrInvalidMeta.
func ParseMeta(taskType types.TaskType, raw string) (Meta, error) {
	fields := map[string]any{}
	if strings.TrimSpace(raw) != "" {
		if err := json.Unmarshal([]byte(raw), &fields); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidMeta, err)
		}
	}

	var (
		m   Meta
		err error
	)
	switch {
	case taskType == types.TaskTypeScrub:
		m, err = scrubMeta(fields)
	case taskType == types.TaskTypeSnapshot:
		m, err = snapshotMeta(fields)
	case taskType.IsPower():
		m, err = shutdownMeta(fields)
	default:
		return nil, fmt.Errorf("%w: no metadata format for task type %q", ErrInvalidMeta, taskType)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidMeta, err)
	}
	if err := validate.Struct(m); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrInvalidMeta, describe(err))
	}
	return m, nil
}

func scrubMeta(f map[string]any) (*ScrubMeta, error) {
	pool, err := stringField(f, "pool")
	if err != nil {
		return nil, err
	}
	if pool == "" {
		// Older definitions carry only the pool name.
		if pool, err = stringField(f, "pool_name"); err != nil {
			return nil, err
		}
	}
	return &ScrubMeta{Pool: pool}, nil
}

func snapshotMeta(f map[string]any) (*SnapshotMeta, error) {
	share, err := stringField(f, "share")
	if err != nil {
		return nil, err
	}
	prefix, err := stringField(f, "prefix")
	if err != nil {
		return nil, err
	}
	if _, ok := f["max_count"]; !ok {
		return nil, errors.New("max_count is required")
	}
	maxCount, err := intField(f, "max_count")
	if err != nil {
		return nil, err
	}
	return &SnapshotMeta{
		Share:    share,
		Prefix:   prefix,
		MaxCount: maxCount,
		Visible:  strictBool(f, "visible"),
		Writable: strictBool(f, "writable"),
	}, nil
}

func shutdownMeta(f map[string]any) (*ShutdownMeta, error) {
	m := &ShutdownMeta{
		PingScan: looseBool(f, "ping_scan"),
		Wakeup:   looseBool(f, "wakeup"),
	}

	var err error
	if m.Addresses, err = addressesField(f, "ping_scan_addresses"); err != nil {
		return nil, err
	}
	if m.Interval, err = intFieldDefault(f, "ping_scan_interval", DefaultPingInterval); err != nil {
		return nil, err
	}
	if m.Iterations, err = intFieldDefault(f, "ping_scan_iterations", DefaultPingIteration); err != nil {
		return nil, err
	}
	if m.RTCHour, err = intFieldDefault(f, "rtc_hour", 0); err != nil {
		return nil, err
	}
	if m.RTCMinute, err = intFieldDefault(f, "rtc_minute", 0); err != nil {
		return nil, err
	}
	return m, nil
}

// ─── field helpers ─────────────────────────────────────────────────────────

func stringField(f map[string]any, key string) (string, error) {
	switch v := f[key].(type) {
	case nil:
		return "", nil
	case string:
		return strings.TrimSpace(v), nil
	case float64:
		if v != math.Trunc(v) {
			return "", fmt.Errorf("%s must be a whole number or string", key)
		}
		return strconv.FormatInt(int64(v), 10), nil
	default:
		return "", fmt.Errorf("%s has unsupported type %T", key, v)
	}
}

// intField accepts a JSON number or a numeric string such as "3" or "3.0"
// and truncates toward zero.
func intField(f map[string]any, key string) (int, error) {
	switch v := f[key].(type) {
	case float64:
		return int(v), nil
	case string:
		n, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		if err != nil {
			return 0, fmt.Errorf("%s must be numeric, got %q", key, v)
		}
		return int(n), nil
	default:
		return 0, fmt.Errorf("%s must be numeric, got %T", key, v)
	}
}

func intFieldDefault(f map[string]any, key string, def int) (int, error) {
	if v, ok := f[key]; !ok || v == nil || v == "" {
		return def, nil
	}
	return intField(f, key)
}

// strictBool is true only for a JSON true; anything else, including the
// string "true", is false.
func strictBool(f map[string]any, key string) bool {
	b, ok := f[key].(bool)
	return ok && b
}

// looseBool also accepts the "true"/"True" strings older clients stored.
func looseBool(f map[string]any, key string) bool {
	switch v := f[key].(type) {
	case bool:
		return v
	case string:
		b, _ := strconv.ParseBool(strings.TrimSpace(v))
		return b
	}
	return false
}

// addressesField accepts a comma or whitespace separated string or a list of
// strings, and sanitizes every entry.
func addressesField(f map[string]any, key string) ([]string, error) {
	var raw []string
	switch v := f[key].(type) {
	case nil:
	case string:
		raw = strings.FieldsFunc(v, func(r rune) bool { return r == ',' || r == ' ' || r == '\t' || r == '\n' })
	case []any:
		for _, e := range v {
			s, ok := e.(string)
			if !ok {
				return nil, fmt.Errorf("%s entries must be strings", key)
			}
			raw = append(raw, s)
		}
	default:
		return nil, fmt.Errorf("%s has unsupported type %T", key, v)
	}

	var out []string
	for _, a := range raw {
		if s := SanitizeAddress(a); s != "" {
			out = append(out, s)
		}
	}
	return out, nil
}

// SanitizeAddress keeps only characters valid in a hostname or an IPv4/IPv6
// address: letters, digits, '.', ':', '_' and '-'.
func SanitizeAddress(a string) string {
	var b strings.Builder
	for _, r := range a {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == '.', r == ':', r == '_', r == '-':
			b.WriteRune(r)
		}
	}
	return b.String()
}

func describe(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err.Error()
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		if fe.Param() != "" {
			msgs = append(msgs, fmt.Sprintf("%s failed %s=%s", fe.Field(), fe.Tag(), fe.Param()))
		} else {
			msgs = append(msgs, fmt.Sprintf("%s failed %s", fe.Field(), fe.Tag()))
		}
	}
	return strings.Join(msgs, "; ")
}
