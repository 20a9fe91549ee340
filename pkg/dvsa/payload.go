package dvsa

import (
	"errors"
	"sort"
	"strings"
	"time"

	"github.com/tidwall/gjson"
)

// Defect is a single defect or advisory note attached to an MOT test.
type Defect struct {
	Type      string `json:"type"`
	Text      string `json:"text"`
	Dangerous bool   `json:"dangerous,omitempty"`
}

// MOTTest is one entry of a vehicle's motTests list.
type MOTTest struct {
	TestResult    string
	CompletedDate time.Time
	ExpiryDate    time.Time // zero when the test carries no expiry
	OdometerValue *int64
	OdometerUnit  string
	TestNumber    string
	Defects       []Defect
}

// Passed reports whether the test result is PASSED.
func (t MOTTest) Passed() bool { return strings.EqualFold(t.TestResult, "PASSED") }

// HasExpiry reports whether the test carries an expiry date.
func (t MOTTest) HasExpiry() bool { return !t.ExpiryDate.IsZero() }

// MOTResult is the parsed vehicle payload plus the test selected for
// classification.
type MOTResult struct {
	Registration string
	Make         string
	Model        string
	Tests        []MOTTest

	// Selected is the most recent passed test with an expiry date or, when
	// there is none, the first test in the payload. Nil without tests.
	Selected *MOTTest
	// HasValidPass is true when Selected is a passed test with an expiry.
	HasValidPass bool
}

var errUnexpectedPayload = errors.New("unexpected payload shape")

var (
	dateLayouts = []string{
		"2006-01-02",
		"2006.01.02",
	}
	timestampLayouts = []string{
		time.RFC3339Nano,
		"2006-01-02T15:04:05.000Z",
		"2006-01-02T15:04:05",
		"2006.01.02 15:04:05",
		"2006-01-02 15:04:05",
		"2006-01-02",
		"2006.01.02",
	}
)

// ParseVehicle decodes a 200 response body. The API answers with an array
// holding one vehicle object; a bare object is accepted as well. found is
// false when the array is empty.
func ParseVehicle(body []byte) (res MOTResult, found bool, err error) {
	if !gjson.ValidBytes(body) {
		return MOTResult{}, false, errUnexpectedPayload
	}
	root := gjson.ParseBytes(body)

	var vehicle gjson.Result
	switch {
	case root.IsArray():
		items := root.Array()
		if len(items) == 0 {
			return MOTResult{}, false, nil
		}
		vehicle = items[0]
	case root.IsObject():
		vehicle = root
	default:
		return MOTResult{}, false, errUnexpectedPayload
	}

	res.Registration = vehicle.Get("registration").String()
	res.Make = vehicle.Get("make").String()
	res.Model = vehicle.Get("model").String()

	vehicle.Get("motTests").ForEach(func(_, t gjson.Result) bool {
		res.Tests = append(res.Tests, parseTest(t))
		return true
	})

	if sel, ok := SelectTest(res.Tests); ok {
		res.Selected = &sel
		res.HasValidPass = sel.Passed() && sel.HasExpiry()
	}
	return res, true, nil
}

func parseTest(t gjson.Result) MOTTest {
	test := MOTTest{
		TestResult:    strings.ToUpper(strings.TrimSpace(t.Get("testResult").String())),
		CompletedDate: parseTime(t.Get("completedDate").String(), timestampLayouts),
		ExpiryDate:    parseTime(t.Get("expiryDate").String(), dateLayouts),
		OdometerUnit:  strings.ToUpper(t.Get("odometerUnit").String()),
		TestNumber:    t.Get("motTestNumber").String(),
	}

	if odo := t.Get("odometerValue"); odo.Exists() && odo.String() != "" {
		if odo.Type == gjson.Number || isDigits(odo.String()) {
			v := odo.Int()
			test.OdometerValue = &v
		}
	}

	defects := t.Get("defects")
	if !defects.Exists() {
		// pre-v6 responses
		defects = t.Get("rfrAndComments")
	}
	defects.ForEach(func(_, d gjson.Result) bool {
		test.Defects = append(test.Defects, Defect{
			Type:      strings.ToUpper(d.Get("type").String()),
			Text:      strings.TrimSpace(d.Get("text").String()),
			Dangerous: d.Get("dangerous").Bool(),
		})
		return true
	})
	return test
}

// SelectTest picks the most recent PASSED test that has an expiry date.
// Ties on completedDate go to the later expiry, then to payload order.
// Without any such test it falls back to the first test.
func SelectTest(tests []MOTTest) (MOTTest, bool) {
	if len(tests) == 0 {
		return MOTTest{}, false
	}

	var candidates []int
	for i, t := range tests {
		if t.Passed() && t.HasExpiry() {
			candidates = append(candidates, i)
		}
	}
	if len(candidates) == 0 {
		return tests[0], true
	}

	sort.SliceStable(candidates, func(a, b int) bool {
		ta, tb := tests[candidates[a]], tests[candidates[b]]
		if !ta.CompletedDate.Equal(tb.CompletedDate) {
			return ta.CompletedDate.After(tb.CompletedDate)
		}
		return ta.ExpiryDate.After(tb.ExpiryDate)
	})
	return tests[candidates[0]], true
}

func parseTime(s string, layouts []string) time.Time {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}
	}
	for _, layout := range layouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC()
		}
	}
	return time.Time{}
}

func isDigits(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return s != ""
}
