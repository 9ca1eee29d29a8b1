package query

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSource struct {
	id      string
	idOK    bool
	score   int
	scoreOK bool
}

func (f *fakeSource) LastReachedID() (string, bool) { return f.id, f.idOK }

func (f *fakeSource) LastReachedScore() (int, bool) { return f.score, f.scoreOK }

func TestParseDefaults(t *testing.T) {
	t.Parallel()

	q, err := Parse([]string{"  Blue_Eyes ", "", "rating:safe"}, SortTagDialect{})
	require.NoError(t, err)

	assert.Equal(t, Sort{Field: FieldID, Descending: true}, q.Sort())
	assert.Empty(t, q.Filters())
	_, hasBound := q.Bound()
	assert.False(t, hasBound)
	assert.Equal(t, []string{"blue_eyes", "rating:safe"}, q.Tags())
	assert.Equal(t, "sort%3Aid%3Adesc+blue_eyes+rating%3Asafe", q.Encode())
}

func TestParseOrdersDirectives(t *testing.T) {
	t.Parallel()

	q, err := Parse([]string{"cat", "score:>=10", "sort:score:asc", "id:<500", "score:<50"}, SortTagDialect{})
	require.NoError(t, err)

	assert.Equal(t, Sort{Field: FieldScore, Descending: false}, q.Sort())
	assert.Equal(t, []Filter{
		{Field: "id", Less: true, Value: "500"},
		{Field: "score", Less: true, Value: "50"},
	}, q.Filters())

	bound, ok := q.Bound()
	require.True(t, ok)
	assert.Equal(t, "score:>=10", bound.String())
	assert.Equal(t, []string{"sort:score:asc", "id:<500", "score:<50", "score:>=10", "cat"}, q.Tokens())
}

func TestParseRejectsBadTokens(t *testing.T) {
	t.Parallel()

	cases := map[string]struct {
		tokens []string
		want   error
	}{
		"whitespace":        {tokens: []string{"blue eyes"}, want: ErrWhitespaceTag},
		"two sorts":         {tokens: []string{"sort:id", "sort:score"}, want: ErrDuplicateSort},
		"unknown sort":      {tokens: []string{"sort:date"}, want: ErrUnsupportedSortField},
		"empty sort field":  {tokens: []string{"sort:"}, want: ErrInvalidToken},
		"too many parts":    {tokens: []string{"sort:id:desc:x"}, want: ErrInvalidToken},
		"filter no value":   {tokens: []string{"id:<"}, want: ErrInvalidToken},
		"equals only":       {tokens: []string{"id:=5"}, want: ErrInvalidToken},
		"conflicting bound": {tokens: []string{"id:<10", "id:<=20"}, want: ErrConflictingBound},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			_, err := Parse(tc.tokens, SortTagDialect{})
			require.ErrorIs(t, err, tc.want)
		})
	}
}

func TestOppositeDirectionFilterIsNotABound(t *testing.T) {
	t.Parallel()

	q, err := Parse([]string{"id:>100", "id:<=900"}, SortTagDialect{})
	require.NoError(t, err)

	bound, ok := q.Bound()
	require.True(t, ok)
	assert.Equal(t, "id:<=900", bound.String())
	require.Len(t, q.Filters(), 1)
	assert.Equal(t, "id:>100", q.Filters()[0].String())
}

func TestEncodeRoundTrip(t *testing.T) {
	t.Parallel()

	dialects := map[string]Dialect{"sort": SortTagDialect{}, "order": OrderTagDialect{}}
	inputs := [][]string{
		nil,
		{"touhou", "score:>=5", "width:>1000"},
		{"sort:score:asc", "score:>3", "a+b", "c%d", "ünïcode"},
		{"order:score_asc", "score:>=7", "id:<100", "x"},
		{"order:id", "id:>=42", "solo"},
	}
	for name, d := range dialects {
		for _, tokens := range inputs {
			q, err := Parse(tokens, d)
			if err != nil {
				// sort spellings of the other dialect are plain tags, never errors
				t.Fatalf("%s: Parse(%v) error = %v", name, tokens, err)
			}
			again, err := ParseEncoded(q.Encode(), d)
			require.NoError(t, err)
			assert.Equal(t, q.Sort(), again.Sort(), "%s %v", name, tokens)
			assert.ElementsMatch(t, q.Filters(), again.Filters(), "%s %v", name, tokens)
			assert.ElementsMatch(t, q.Tags(), again.Tags(), "%s %v", name, tokens)
			b1, ok1 := q.Bound()
			b2, ok2 := again.Bound()
			assert.Equal(t, ok1, ok2)
			assert.Equal(t, b1, b2)
			assert.Equal(t, q.Encode(), again.Encode())
		}
	}
}

func TestRewriteBound(t *testing.T) {
	t.Parallel()

	q, err := Parse([]string{"cat", "id:<=999999"}, SortTagDialect{})
	require.NoError(t, err)

	src := &fakeSource{id: "1234", idOK: true}
	require.NoError(t, q.RewriteBound(src))
	bound, ok := q.Bound()
	require.True(t, ok)
	assert.Equal(t, Filter{Field: "id", Less: true, OrEqual: true, Value: "1234"}, bound)
	first := q.Encode()
	assert.Equal(t, "sort%3Aid%3Adesc+id%3A%3C%3D1234+cat", first)

	require.NoError(t, q.RewriteBound(src))
	assert.Equal(t, first, q.Encode(), "rewrite is idempotent for an unchanged source")
}

func TestRewriteBoundAscendingScore(t *testing.T) {
	t.Parallel()

	q, err := Parse([]string{"sort:score:asc"}, SortTagDialect{})
	require.NoError(t, err)

	require.NoError(t, q.RewriteBound(&fakeSource{score: 17, scoreOK: true}))
	bound, ok := q.Bound()
	require.True(t, ok)
	assert.Equal(t, "score:>=17", bound.String())
}

func TestRewriteBoundErrors(t *testing.T) {
	t.Parallel()

	q, err := Parse(nil, SortTagDialect{})
	require.NoError(t, err)
	require.ErrorIs(t, q.RewriteBound(&fakeSource{}), ErrMissingBoundSource)
	_, ok := q.Bound()
	assert.False(t, ok, "failed rewrite leaves the query untouched")

	custom := &SearchQuery{dialect: SortTagDialect{}, sort: Sort{Field: "date", Descending: true}}
	require.ErrorIs(t, custom.RewriteBound(&fakeSource{idOK: true, id: "1"}), ErrUnsupportedSortField)
}

func TestOrderTagDialect(t *testing.T) {
	t.Parallel()

	d := OrderTagDialect{}
	assert.Equal(t, "order:id_desc", d.SortToken("id", true))
	assert.Equal(t, "order:id", d.SortToken("id", false))
	assert.Equal(t, "order:score", d.SortToken("score", true))
	assert.Equal(t, "order:score_asc", d.SortToken("score", false))

	field, desc, ok, err := d.ParseSort("order:id")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "id", field)
	assert.False(t, desc)

	_, _, ok, err = d.ParseSort("sort:id")
	require.NoError(t, err)
	assert.False(t, ok)

	_, _, _, err = d.ParseSort("order:")
	require.ErrorIs(t, err, ErrInvalidToken)
}
