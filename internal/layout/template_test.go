package layout

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerate_AllSupportedCounts(t *testing.T) {
	for _, q := range SupportedQuestionCounts {
		for _, h := range []HeaderStyle{HeaderStandard, HeaderCompact, HeaderNone} {
			for c := 1; c <= MaxColumns; c++ {
				spec := Spec{QuestionCount: q, ColumnCount: c, Header: h}
				t.Run(spec.Version(), func(t *testing.T) {
					tpl, err := Generate(spec)
					if err != nil {
						// Only column counts that cannot fit the questions may fail.
						require.ErrorIs(t, err, ErrInvalidColumnCount)
						return
					}
					require.Len(t, tpl.Questions, q)
					for i, g := range tpl.Questions {
						assert.Equal(t, i+1, g.Index)
						assert.Len(t, g.Bubbles, 4)
					}
					assertNoOverlap(t, tpl)
				})
			}
		}
	}
}

func assertNoOverlap(t *testing.T, tpl *Template) {
	t.Helper()
	var rects []Rect
	for _, m := range tpl.Markers {
		rects = append(rects, m.Box)
	}
	for _, g := range tpl.Groups() {
		for _, b := range g.Bubbles {
			rects = append(rects, b.Rect)
		}
	}
	for i := range rects {
		for j := i + 1; j < len(rects); j++ {
			if rects[i].Overlaps(rects[j]) {
				t.Fatalf("rect %d %+v overlaps rect %d %+v", i, rects[i], j, rects[j])
			}
		}
	}
}

func TestGenerate_DefaultColumns(t *testing.T) {
	tests := []struct {
		questions int
		columns   int
		rows      int
	}{
		{20, 1, 20},
		{30, 2, 15},
		{40, 2, 20},
		{50, 3, 17},
		{60, 3, 20},
		{80, 4, 20},
		{100, 5, 20},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprint(tt.questions), func(t *testing.T) {
			tpl, err := Generate(Spec{QuestionCount: tt.questions})
			require.NoError(t, err)
			assert.Equal(t, tt.columns, tpl.ColumnCount)
			assert.Equal(t, tt.rows, tpl.RowsPerColumn)
			assert.Equal(t, HeaderStandard, tpl.Header)
		})
	}
}

func TestGenerate_RemainderGoesToLastColumn(t *testing.T) {
	// 50 questions over 3 columns: 17, 17, 16.
	tpl, err := Generate(Spec{QuestionCount: 50, ColumnCount: 3, Header: HeaderNone})
	require.NoError(t, err)

	perColumn := map[float64]int{}
	for _, g := range tpl.Questions {
		perColumn[g.Bubbles[0].Rect.X0]++
	}
	require.Len(t, perColumn, 3)

	q1 := tpl.Questions[0].Bubbles[0].Rect.X0
	q18 := tpl.Questions[17].Bubbles[0].Rect.X0
	q35 := tpl.Questions[34].Bubbles[0].Rect.X0
	assert.Equal(t, 17, perColumn[q1])
	assert.Equal(t, 17, perColumn[q18])
	assert.Equal(t, 16, perColumn[q35])

	// Question 18 starts the second column at the top row.
	assert.Equal(t, tpl.Questions[0].Bubbles[0].Rect.Y0, tpl.Questions[17].Bubbles[0].Rect.Y0)
}

func TestGenerate_Deterministic(t *testing.T) {
	spec := Spec{QuestionCount: 80, ColumnCount: 4, Header: HeaderStandard}
	a, err := Generate(spec)
	require.NoError(t, err)
	b, err := Generate(spec)
	require.NoError(t, err)
	assert.Equal(t, Fingerprint(a), Fingerprint(b))
	assert.Equal(t, a, b)
}

func TestGenerate_Errors(t *testing.T) {
	tests := []struct {
		name string
		spec Spec
		want error
	}{
		{"unsupported count", Spec{QuestionCount: 25}, ErrUnsupportedQuestionCount},
		{"zero count", Spec{}, ErrUnsupportedQuestionCount},
		{"too many columns", Spec{QuestionCount: 20, ColumnCount: 6}, ErrInvalidColumnCount},
		{"rows overflow", Spec{QuestionCount: 100, ColumnCount: 3}, ErrInvalidColumnCount},
		{"bad header", Spec{QuestionCount: 20, Header: "fancy"}, ErrUnknownHeaderStyle},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Generate(tt.spec)
			assert.True(t, errors.Is(err, tt.want), "got %v", err)
		})
	}
}

func TestGenerate_HeaderStyles(t *testing.T) {
	std, err := Generate(Spec{QuestionCount: 40, Header: HeaderStandard})
	require.NoError(t, err)
	require.NotNil(t, std.SetCode)
	assert.Len(t, std.Roll, RollDigits)
	assert.Len(t, std.Subject, SubjectDigits)
	assert.NotNil(t, std.RollBox)
	for _, g := range std.Roll {
		assert.Len(t, g.Bubbles, 10)
	}

	compact, err := Generate(Spec{QuestionCount: 40, Header: HeaderCompact})
	require.NoError(t, err)
	assert.NotNil(t, compact.SetCode)
	assert.Empty(t, compact.Roll)

	none, err := Generate(Spec{QuestionCount: 40, Header: HeaderNone})
	require.NoError(t, err)
	assert.Nil(t, none.SetCode)
	assert.Less(t, none.Questions[0].Bubbles[0].Rect.Y0, compact.Questions[0].Bubbles[0].Rect.Y0)
}

func TestTemplate_QuestionRow(t *testing.T) {
	tpl, err := Generate(Spec{QuestionCount: 20})
	require.NoError(t, err)
	row, ok := tpl.QuestionRow(3)
	require.True(t, ok)
	for _, b := range tpl.Questions[2].Bubbles {
		assert.True(t, b.Rect.X0 >= row.X0 && b.Rect.X1 <= row.X1)
	}
	_, ok = tpl.QuestionRow(21)
	assert.False(t, ok)
}

func TestMarkerPatterns(t *testing.T) {
	// Each pattern differs from every other, both upright and turned.
	const n = 20
	raster := func(p *MarkerPattern, rotated bool) [n * n]bool {
		var out [n * n]bool
		for j := 0; j < n; j++ {
			for i := 0; i < n; i++ {
				u := (float64(i) + 0.5) * MarkerSize / n
				v := (float64(j) + 0.5) * MarkerSize / n
				if rotated {
					out[j*n+i] = p.InkAtRotated(u, v)
				} else {
					out[j*n+i] = p.InkAt(u, v)
				}
			}
		}
		return out
	}
	for _, a := range Corners {
		for _, b := range Corners {
			if a == b {
				continue
			}
			assert.NotEqual(t, raster(Pattern(a), false), raster(Pattern(b), false), "%s vs %s", a, b)
		}
	}
	// The top-right artwork turned 180° reads as the bottom-left artwork.
	assert.Equal(t, raster(Pattern(BottomLeft), false), raster(Pattern(TopRight), true))
	assert.NotEqual(t, raster(Pattern(BottomRight), false), raster(Pattern(TopLeft), true))
	assert.Equal(t, BottomRight, TopLeft.Opposite())
	assert.Equal(t, BottomLeft, TopRight.Opposite())
}

func TestMarker_ReferencePoints(t *testing.T) {
	tpl, err := Generate(Spec{QuestionCount: 20})
	require.NoError(t, err)
	assert.Len(t, tpl.Marker(TopLeft).ReferencePoints(), 5)
	assert.Len(t, tpl.Marker(TopRight).ReferencePoints(), 4)
	assert.Len(t, tpl.Marker(BottomLeft).ReferencePoints(), 4)
	assert.Len(t, tpl.Marker(BottomRight).ReferencePoints(), 5)
}
