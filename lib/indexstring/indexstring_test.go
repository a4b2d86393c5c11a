package indexstring

import (
	"errors"
	"math"
	"math/rand"
	"strings"
	"testing"

	"github.com/ValentinKolb/dDoc/lib/schema"
)

func testSchema() *schema.Schema {
	return &schema.Schema{
		PrimaryKey: "id",
		Properties: map[string]schema.Field{
			"id":     {Type: schema.TypeString, MaxLength: 8},
			"age":    {Type: schema.TypeInteger},
			"score":  {Type: schema.TypeNumber},
			"name":   {Type: schema.TypeString, MaxLength: 6},
			"active": {Type: schema.TypeBoolean},
		},
	}
}

func mustEncode(t *testing.T, s *schema.Schema, fields []schema.IndexField, values ...any) string {
	t.Helper()
	out, _, err := Encode(s, fields, values)
	if err != nil {
		t.Fatalf("Encode(%v) error = %v", values, err)
	}
	return out
}

// compare orders two values of the same type the way an index should.
func compare(a, b any) int {
	switch {
	case a == nil && b == nil:
		return 0
	case a == nil:
		return -1
	case b == nil:
		return 1
	}
	switch x := a.(type) {
	case float64:
		y := b.(float64)
		switch {
		case x < y:
			return -1
		case x > y:
			return 1
		}
		return 0
	case string:
		return strings.Compare(x, b.(string))
	case bool:
		y := b.(bool)
		switch {
		case x == y:
			return 0
		case !x:
			return -1
		}
		return 1
	}
	panic("unexpected type")
}

func sign(n int) int {
	switch {
	case n < 0:
		return -1
	case n > 0:
		return 1
	}
	return 0
}

func TestOrderPreservation(t *testing.T) {
	s := testSchema()
	r := rand.New(rand.NewSource(42))

	special := []float64{0, math.Copysign(0, -1), 1, -1, 0.5, -0.5, math.MaxFloat64, -math.MaxFloat64,
		math.SmallestNonzeroFloat64, -math.SmallestNonzeroFloat64, math.Inf(1), math.Inf(-1), 1e-300, 123456789}
	numbers := []any{nil}
	for _, f := range special {
		numbers = append(numbers, f)
	}
	for i := 0; i < 200; i++ {
		numbers = append(numbers, (r.Float64()-0.5)*math.Pow(10, float64(r.Intn(40)-20)))
	}

	strs := []any{nil, "", "a", "aa", "ab", "b", "zzzzzz", "\x01", "\xff\xff"}
	for i := 0; i < 200; i++ {
		b := make([]byte, r.Intn(7))
		for j := range b {
			b[j] = byte(1 + r.Intn(255))
		}
		strs = append(strs, string(b))
	}

	bools := []any{nil, false, true}

	tests := []struct {
		field  string
		values []any
	}{
		{"score", numbers},
		{"name", strs},
		{"active", bools},
	}

	for _, tt := range tests {
		for _, desc := range []bool{false, true} {
			fields := []schema.IndexField{{Path: tt.field, Desc: desc}}
			for i := 0; i < len(tt.values); i++ {
				for j := 0; j < len(tt.values); j++ {
					a, b := tt.values[i], tt.values[j]
					want := compare(a, b)
					if desc {
						want = -want
					}
					got := strings.Compare(mustEncode(t, s, fields, a), mustEncode(t, s, fields, b))
					if sign(got) != want {
						t.Fatalf("%s desc=%v: order(%#v, %#v) = %d, want %d", tt.field, desc, a, b, got, want)
					}
				}
			}
		}
	}
}

func TestCompositeOrder(t *testing.T) {
	s := testSchema()
	fields := []schema.IndexField{{Path: "name"}, {Path: "age", Desc: true}, {Path: "id"}}

	// ascending by name, then descending by age, then by id
	rows := [][]any{
		{nil, 5, "a"},
		{"", 100, "a"},
		{"a", 99, "z"},
		{"a", 10, "a"},
		{"a", 10, "b"},
		{"a", nil, "a"},
		{"ab", 1000, "a"},
		{"b", -1, "a"},
	}
	for i := 1; i < len(rows); i++ {
		prev := mustEncode(t, s, fields, rows[i-1]...)
		cur := mustEncode(t, s, fields, rows[i]...)
		if prev >= cur {
			t.Errorf("row %v should sort before %v", rows[i-1], rows[i])
		}
	}
}

func TestFixedWidth(t *testing.T) {
	s := testSchema()
	fields := []schema.IndexField{{Path: "active"}, {Path: "score"}, {Path: "name"}}
	width, err := Width(s, fields)
	if err != nil {
		t.Fatal(err)
	}
	if width != 2+17+7 {
		t.Errorf("Width() = %d, want %d", width, 2+17+7)
	}
	for _, values := range [][]any{{nil, nil, nil}, {true, 1.5, "abcdef"}, {false, -1e300, ""}} {
		if got := len(mustEncode(t, s, fields, values...)); got != width {
			t.Errorf("len(Encode(%v)) = %d, want %d", values, got, width)
		}
	}
}

func TestEncodeErrors(t *testing.T) {
	s := testSchema()
	tests := []struct {
		name   string
		field  string
		value  any
		lossy  bool
		failed bool
	}{
		{"wrong type for number", "score", "1", false, true},
		{"wrong type for bool", "active", 1, false, true},
		{"NaN", "score", math.NaN(), false, true},
		{"undeclared field", "missing", 1, false, true},
		{"too long string", "name", "abcdefgh", true, false},
		{"string with NUL", "name", "a\x00b", true, false},
		{"exact string", "name", "abcdef", false, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, lossy, err := Encode(s, []schema.IndexField{{Path: tt.field}}, []any{tt.value})
			if (err != nil) != tt.failed {
				t.Fatalf("Encode() error = %v, want failure %v", err, tt.failed)
			}
			if lossy != tt.lossy {
				t.Errorf("lossy = %v, want %v", lossy, tt.lossy)
			}
		})
	}

	doc := schema.Document{"id": "a", "name": "far too long"}
	if _, err := EncodeDocument(s, []schema.IndexField{{Path: "name"}}, doc); err == nil {
		t.Errorf("EncodeDocument() must reject values that need truncation")
	}
}

func TestLossyBoundsStayCorrect(t *testing.T) {
	s := testSchema()
	fields := []schema.IndexField{{Path: "name"}}
	bound := "abcdefXYZ" // truncated to "abcdef"

	lower, lossy, err := StartFromLowerBound(s, fields, []any{bound}, true)
	if err != nil || !lossy {
		t.Fatalf("StartFromLowerBound() = %v, lossy %v", err, lossy)
	}
	upper, _, _ := EndFromUpperBound(s, fields, []any{bound}, true)

	for _, v := range []string{"", "abc", "abcdef", "abcdeg", "b"} {
		enc := mustEncode(t, s, fields, v)
		if v >= bound && enc < lower {
			t.Errorf("%q >= bound but below the lossy lower bound", v)
		}
		if v <= bound && enc > upper {
			t.Errorf("%q <= bound but above the lossy upper bound", v)
		}
	}
}

func TestBoundPadding(t *testing.T) {
	s := testSchema()
	fields := []schema.IndexField{{Path: "age"}, {Path: "id"}}
	entry := mustEncode(t, s, fields, 20, "m")

	tests := []struct {
		name      string
		lower     bool
		inclusive bool
		inRange   bool
	}{
		{"inclusive lower", true, true, true},
		{"exclusive lower", true, false, false},
		{"inclusive upper", false, true, true},
		{"exclusive upper", false, false, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var bound string
			var err error
			if tt.lower {
				bound, _, err = StartFromLowerBound(s, fields, []any{20}, tt.inclusive)
			} else {
				bound, _, err = EndFromUpperBound(s, fields, []any{20}, tt.inclusive)
			}
			if err != nil {
				t.Fatal(err)
			}
			if !tt.inclusive {
				dir := 1
				if !tt.lower {
					dir = -1
				}
				if bound, err = ChangeByOneQuantum(bound, dir); err != nil {
					t.Fatal(err)
				}
			}
			var in bool
			if tt.lower {
				in = entry >= bound
			} else {
				in = entry <= bound
			}
			if in != tt.inRange {
				t.Errorf("entry with age=20 in range = %v, want %v", in, tt.inRange)
			}
		})
	}

	if _, _, err := StartFromLowerBound(s, fields, []any{1, "a", "x"}, true); err == nil {
		t.Errorf("bound longer than the index should fail")
	}
}

func TestNonNullSentinels(t *testing.T) {
	s := testSchema()
	for _, desc := range []bool{false, true} {
		fields := []schema.IndexField{{Path: "score", Desc: desc}}
		lo := mustEncode(t, s, fields, NonNullMin)
		hi := mustEncode(t, s, fields, NonNullMax)
		null := mustEncode(t, s, fields, nil)

		if null >= lo && null <= hi {
			t.Errorf("desc=%v: null must lie outside [NonNullMin, NonNullMax]", desc)
		}
		for _, v := range []float64{math.Inf(-1), -1, 0, 1, math.Inf(1)} {
			enc := mustEncode(t, s, fields, v)
			if enc < lo || enc > hi {
				t.Errorf("desc=%v: %v must lie inside [NonNullMin, NonNullMax]", desc, v)
			}
		}
		if lowest, highest := mustEncode(t, s, fields, IndexMin), mustEncode(t, s, fields, IndexMax); lowest >= null || highest <= null {
			t.Errorf("desc=%v: IndexMin/IndexMax must enclose every segment", desc)
		}
	}
}

func TestChangeByOneQuantum(t *testing.T) {
	r := rand.New(rand.NewSource(7))
	for i := 0; i < 1000; i++ {
		b := make([]byte, 1+r.Intn(6))
		r.Read(b)
		if i%10 == 0 {
			b[len(b)-1] = 0xff // exercise the carry
		}
		if i%10 == 1 {
			b[len(b)-1] = 0x00 // exercise the borrow
		}
		s := string(b)

		up, errUp := ChangeByOneQuantum(s, 1)
		down, errDown := ChangeByOneQuantum(s, -1)
		if errUp == nil {
			if up <= s || len(up) != len(s) {
				t.Fatalf("+1(%q) = %q must be greater and of equal width", s, up)
			}
			if back, _ := ChangeByOneQuantum(up, -1); back != s {
				t.Fatalf("-1(+1(%q)) = %q", s, back)
			}
		}
		if errDown == nil {
			if down >= s {
				t.Fatalf("-1(%q) = %q must be smaller", s, down)
			}
			if back, _ := ChangeByOneQuantum(down, 1); back != s {
				t.Fatalf("+1(-1(%q)) = %q", s, back)
			}
		}
	}

	if got, err := ChangeByOneQuantum("\xff\xff", 1); !errors.Is(err, ErrQuantumOverflow) || got != "\xff\xff" {
		t.Errorf("+1 at the maximum = %q, %v; want saturation and ErrQuantumOverflow", got, err)
	}
	if got, err := ChangeByOneQuantum("\x00\x00", -1); !errors.Is(err, ErrQuantumOverflow) || got != "\x00\x00" {
		t.Errorf("-1 at the minimum = %q, %v; want saturation and ErrQuantumOverflow", got, err)
	}
	if got, _ := ChangeByOneQuantum("a\xff", 1); got != "b\x00" {
		t.Errorf("+1 with carry = %q, want %q", got, "b\x00")
	}
}
