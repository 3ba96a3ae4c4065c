package step

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCatalog_Order(t *testing.T) {
	assert.Equal(t, []Kind{Init, AddBranch, TestBranch, Doc, Tag}, Catalog())
	assert.Equal(t, []string{"init", "add-branch", "test-branch", "doc", "tag"}, Names())
}

func TestCatalog_ReturnsCopy(t *testing.T) {
	c := Catalog()
	c[0] = Tag
	assert.Equal(t, Init, Catalog()[0])
}

func TestKind_PerBranch(t *testing.T) {
	tests := []struct {
		kind Kind
		want bool
	}{
		{Init, false},
		{AddBranch, true},
		{TestBranch, true},
		{Doc, false},
		{Tag, false},
	}

	for _, tt := range tests {
		t.Run(tt.kind.String(), func(t *testing.T) {
			assert.Equal(t, tt.want, tt.kind.PerBranch())
		})
	}
}

func TestParse(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    Kind
		wantErr bool
	}{
		{name: "dash form", input: "add-branch", want: AddBranch},
		{name: "underscore form", input: "test_branch", want: TestBranch},
		{name: "upper case", input: "TAG", want: Tag},
		{name: "surrounding space", input: " doc ", want: Doc},
		{name: "unknown", input: "deploy", wantErr: true},
		{name: "empty", input: "", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Parse(tt.input)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrUnknownStep)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParseList(t *testing.T) {
	tests := []struct {
		name    string
		input   []string
		want    []Kind
		wantErr bool
	}{
		{name: "nothing means all", input: nil, want: nil},
		{name: "all keyword", input: []string{"all"}, want: nil},
		{name: "comma separated sorted by catalog", input: []string{"tag,init"}, want: []Kind{Init, Tag}},
		{name: "repeated values deduplicated", input: []string{"doc", "doc,add-branch"}, want: []Kind{AddBranch, Doc}},
		{name: "unknown name", input: []string{"init,release"}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseList(tt.input...)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrUnknownStep)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestRequires(t *testing.T) {
	assert.Empty(t, Requires(Init))
	assert.Equal(t, []Kind{Init}, Requires(AddBranch))
	assert.Equal(t, []Kind{AddBranch}, Requires(TestBranch))
	assert.Equal(t, []Kind{Doc}, Requires(Tag))
}

func TestKind_TextRoundTrip(t *testing.T) {
	text, err := TestBranch.MarshalText()
	require.NoError(t, err)
	assert.Equal(t, "test-branch", string(text))

	var k Kind
	require.NoError(t, k.UnmarshalText([]byte("test-branch")))
	assert.Equal(t, TestBranch, k)

	_, err = Kind(42).MarshalText()
	assert.ErrorIs(t, err, ErrUnknownStep)
	assert.Equal(t, "step(42)", Kind(42).String())
}
