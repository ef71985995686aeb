package importer

import (
	"encoding/json"
	"errors"
	"math"
	"regexp"
	"strconv"
	"strings"
	"time"
	"unicode"
)

// Fields is the canonical, ordered set of project record fields. The checksum
// walks it in this order; each name is a Row JSON tag and a Row.Value key.
var Fields = []string{
	"stage_application",
	"address",
	"suburb",
	"state",
	"eFscd",
	"build_type",
	"delivery_partner",
	"fod_id",
	"premises_count",
	"residential",
	"commercial",
	"essential",
	"developer_class",
	"latitude",
	"longitude",
	"relationship_manager",
	"deployment_specialist",
	"stage_application_created",
	"developer_design_submitted",
	"developer_design_accepted",
	"issued_to_delivery_partner",
	"practical_completion_notified",
	"practical_completion_certified",
	"delivery_partner_pc_sub",
	"in_service",
}

// Row is one normalized project record. Pointer fields are null when blank.
type Row struct {
	StageApplication             string   `json:"stage_application"`
	Address                      *string  `json:"address"`
	Suburb                       *string  `json:"suburb"`
	State                        *string  `json:"state"`
	EFscd                        string   `json:"eFscd"`
	BuildType                    *string  `json:"build_type"`
	DeliveryPartner              string   `json:"delivery_partner"`
	FodID                        *string  `json:"fod_id"`
	PremisesCount                int64    `json:"premises_count"`
	Residential                  int64    `json:"residential"`
	Commercial                   int64    `json:"commercial"`
	Essential                    int64    `json:"essential"`
	DeveloperClass               string   `json:"developer_class"`
	Latitude                     *float64 `json:"latitude"`
	Longitude                    *float64 `json:"longitude"`
	RelationshipManager          *string  `json:"relationship_manager"`
	DeploymentSpecialist         *string  `json:"deployment_specialist"`
	StageApplicationCreated      string   `json:"stage_application_created"`
	DeveloperDesignSubmitted     string   `json:"developer_design_submitted"`
	DeveloperDesignAccepted      string   `json:"developer_design_accepted"`
	IssuedToDeliveryPartner      string   `json:"issued_to_delivery_partner"`
	PracticalCompletionNotified  *string  `json:"practical_completion_notified"`
	PracticalCompletionCertified string   `json:"practical_completion_certified"`
	DeliveryPartnerPCSub         string   `json:"delivery_partner_pc_sub"`
	InService                    string   `json:"in_service"`
}

// NormalizeRow maps one raw row onto the canonical field set. Unknown keys are
// dropped and missing keys take their type's default. It never fails.
func NormalizeRow(raw map[string]any) Row {
	return Row{
		StageApplication:             trimString(raw["stage_application"]),
		Address:                      nullableTrim(raw["address"]),
		Suburb:                       nullableTrim(raw["suburb"]),
		State:                        nullableTrim(raw["state"]),
		EFscd:                        trimString(raw["eFscd"]),
		BuildType:                    nullableTrim(raw["build_type"]),
		DeliveryPartner:              trimString(raw["delivery_partner"]),
		FodID:                        nullableTrim(raw["fod_id"]),
		PremisesCount:                intOrZero(raw["premises_count"]),
		Residential:                  intOrZero(raw["residential"]),
		Commercial:                   intOrZero(raw["commercial"]),
		Essential:                    intOrZero(raw["essential"]),
		DeveloperClass:               trimString(raw["developer_class"]),
		Latitude:                     floatOrNull(raw["latitude"]),
		Longitude:                    floatOrNull(raw["longitude"]),
		RelationshipManager:          nullableTrim(raw["relationship_manager"]),
		DeploymentSpecialist:         nullableTrim(raw["deployment_specialist"]),
		StageApplicationCreated:      trimString(raw["stage_application_created"]),
		DeveloperDesignSubmitted:     trimString(raw["developer_design_submitted"]),
		DeveloperDesignAccepted:      trimString(raw["developer_design_accepted"]),
		IssuedToDeliveryPartner:      trimString(raw["issued_to_delivery_partner"]),
		PracticalCompletionNotified:  isoDateOrNull(raw["practical_completion_notified"]),
		PracticalCompletionCertified: trimString(raw["practical_completion_certified"]),
		DeliveryPartnerPCSub:         trimString(raw["delivery_partner_pc_sub"]),
		InService:                    trimString(raw["in_service"]),
	}
}

func NormalizeRows(raw []map[string]any) []Row {
	out := make([]Row, 0, len(raw))
	for _, r := range raw {
		out = append(out, NormalizeRow(r))
	}
	return out
}

// Value returns the canonical text of the named field; null renders as "".
func (r *Row) Value(name string) string {
	switch name {
	case "stage_application":
		return r.StageApplication
	case "address":
		return deref(r.Address)
	case "suburb":
		return deref(r.Suburb)
	case "state":
		return deref(r.State)
	case "eFscd":
		return r.EFscd
	case "build_type":
		return deref(r.BuildType)
	case "delivery_partner":
		return r.DeliveryPartner
	case "fod_id":
		return deref(r.FodID)
	case "premises_count":
		return strconv.FormatInt(r.PremisesCount, 10)
	case "residential":
		return strconv.FormatInt(r.Residential, 10)
	case "commercial":
		return strconv.FormatInt(r.Commercial, 10)
	case "essential":
		return strconv.FormatInt(r.Essential, 10)
	case "developer_class":
		return r.DeveloperClass
	case "latitude":
		return formatFloatPtr(r.Latitude)
	case "longitude":
		return formatFloatPtr(r.Longitude)
	case "relationship_manager":
		return deref(r.RelationshipManager)
	case "deployment_specialist":
		return deref(r.DeploymentSpecialist)
	case "stage_application_created":
		return r.StageApplicationCreated
	case "developer_design_submitted":
		return r.DeveloperDesignSubmitted
	case "developer_design_accepted":
		return r.DeveloperDesignAccepted
	case "issued_to_delivery_partner":
		return r.IssuedToDeliveryPartner
	case "practical_completion_notified":
		return deref(r.PracticalCompletionNotified)
	case "practical_completion_certified":
		return r.PracticalCompletionCertified
	case "delivery_partner_pc_sub":
		return r.DeliveryPartnerPCSub
	case "in_service":
		return r.InService
	default:
		return ""
	}
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func formatFloatPtr(f *float64) string {
	if f == nil {
		return ""
	}
	return formatNumber(*f)
}

// formatNumber renders f as the shortest decimal that round-trips, switching to
// exponent form outside [1e-6, 1e21) with an unpadded exponent ("1e-7").
func formatNumber(f float64) string {
	if f == 0 {
		return "0"
	}
	abs := math.Abs(f)
	if abs >= 1e-6 && abs < 1e21 {
		return strconv.FormatFloat(f, 'f', -1, 64)
	}
	s := strconv.FormatFloat(f, 'e', -1, 64)
	mantissa, exp, ok := strings.Cut(s, "e")
	if !ok {
		return s
	}
	sign := exp[:1]
	digits := strings.TrimLeft(exp[1:], "0")
	if digits == "" {
		digits = "0"
	}
	return mantissa + "e" + sign + digits
}

func isTrimSpace(r rune) bool {
	return unicode.IsSpace(r) || r == '\uFEFF'
}

func trimString(v any) string {
	switch typed := v.(type) {
	case nil:
		return ""
	case string:
		return strings.TrimFunc(typed, isTrimSpace)
	case float64:
		return formatNumber(typed)
	case json.Number:
		if f, err := typed.Float64(); err == nil {
			return formatNumber(f)
		}
		return strings.TrimFunc(typed.String(), isTrimSpace)
	case int:
		return strconv.Itoa(typed)
	case int64:
		return strconv.FormatInt(typed, 10)
	case bool:
		return strconv.FormatBool(typed)
	default:
		encoded, err := json.Marshal(typed)
		if err != nil {
			return ""
		}
		return strings.TrimFunc(string(encoded), isTrimSpace)
	}
}

func nullableTrim(v any) *string {
	s := trimString(v)
	if s == "" {
		return nil
	}
	return &s
}

// intOrZero parses the leading decimal integer of v. Blank, unparsable or
// negative input yields 0; values past int64 saturate at math.MaxInt64.
func intOrZero(v any) int64 {
	s := trimString(v)
	if s == "" {
		return 0
	}
	i := 0
	negative := false
	if s[0] == '+' || s[0] == '-' {
		negative = s[0] == '-'
		i = 1
	}
	start := i
	for i < len(s) && s[i] >= '0' && s[i] <= '9' {
		i++
	}
	if i == start || negative {
		return 0
	}
	n, err := strconv.ParseInt(s[start:i], 10, 64)
	if errors.Is(err, strconv.ErrRange) {
		return math.MaxInt64
	}
	if err != nil {
		return 0
	}
	return n
}

// floatOrNull parses the longest leading decimal literal of v. Blank,
// unparsable, or non-finite input yields nil.
func floatOrNull(v any) *float64 {
	s := trimString(v)
	if s == "" {
		return nil
	}
	literal := leadingFloatLiteral(s)
	if literal == "" {
		return nil
	}
	f, err := strconv.ParseFloat(literal, 64)
	if err != nil || math.IsInf(f, 0) || math.IsNaN(f) {
		return nil
	}
	return &f
}

func leadingFloatLiteral(s string) string {
	i := 0
	if i < len(s) && (s[i] == '+' || s[i] == '-') {
		i++
	}
	digits := 0
	for i < len(s) && isDigit(s[i]) {
		i++
		digits++
	}
	if i < len(s) && s[i] == '.' {
		i++
		for i < len(s) && isDigit(s[i]) {
			i++
			digits++
		}
	}
	if digits == 0 {
		return ""
	}
	end := i
	if i < len(s) && (s[i] == 'e' || s[i] == 'E') {
		j := i + 1
		if j < len(s) && (s[j] == '+' || s[j] == '-') {
			j++
		}
		expStart := j
		for j < len(s) && isDigit(s[j]) {
			j++
		}
		if j > expStart {
			end = j
		}
	}
	literal := s[:end]
	if strings.HasSuffix(literal, ".") {
		literal = strings.TrimSuffix(literal, ".")
	}
	return literal
}

func isDigit(b byte) bool {
	return b >= '0' && b <= '9'
}

var leadingDatePattern = regexp.MustCompile(`^(\d{4})[-/.](\d{2})[-/.](\d{2})`)

var fallbackDateLayouts = []string{
	time.RFC3339Nano,
	time.RFC1123Z,
	time.RFC1123,
	time.RFC850,
	time.ANSIC,
	time.UnixDate,
	"Mon Jan 02 2006 15:04:05 GMT-0700",
	"January 2, 2006",
	"Jan 2, 2006",
	"2 January 2006",
	"2 Jan 2006",
	"01/02/2006",
	"1/2/2006",
	"2006-1-2",
	"2006/1/2",
	"2006/1/2 15:04:05",
}

// isoDateOrNull reduces v to YYYY-MM-DD. A leading year-month-day prefix is
// taken verbatim so that offsets never move the calendar day; anything else
// is parsed and truncated in UTC.
func isoDateOrNull(v any) *string {
	s := trimString(v)
	if s == "" {
		return nil
	}
	if m := leadingDatePattern.FindStringSubmatch(s); m != nil {
		out := m[1] + "-" + m[2] + "-" + m[3]
		return &out
	}
	for _, layout := range fallbackDateLayouts {
		t, err := time.Parse(layout, s)
		if err != nil {
			continue
		}
		out := t.UTC().Format("2006-01-02")
		return &out
	}
	return nil
}
