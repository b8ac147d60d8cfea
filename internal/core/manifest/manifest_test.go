package manifest

import (
	"testing"

	"github.com/opencontainers/go-digest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse_SinglePackage(t *testing.T) {
	m, err := Parse([]byte("uvicorn==0.30.1\n"))
	require.NoError(t, err)

	require.Len(t, m.Requirements, 1)
	req := m.Requirements[0]
	assert.Equal(t, "uvicorn", req.Name)
	assert.Equal(t, "==0.30.1", req.Constraint())
	assert.Equal(t, 1, req.Line)
	assert.True(t, req.Pinned())
	assert.Equal(t, digest.FromString("uvicorn==0.30.1\n"), m.Digest)
}

func TestParse_Empty(t *testing.T) {
	for _, content := range []string{"", "\n\n", "# only comments\n   # indented\n"} {
		m, err := Parse([]byte(content))
		require.NoError(t, err)
		assert.Empty(t, m.Requirements)
		assert.NotEmpty(t, m.Digest)
	}
}

func TestParse_FullSyntax(t *testing.T) {
	content := `# API dependencies
FastAPI>=0.110,<0.112   # web framework
uvicorn[standard]==0.30.1
pydantic ~= 2.7
Jinja2
typing_extensions ; python_version < "3.12"
python-multipart \
    ==0.0.9
`
	m, err := Parse([]byte(content))
	require.NoError(t, err)
	require.Len(t, m.Requirements, 6)

	fastapi := m.Requirements[0]
	assert.Equal(t, "fastapi", fastapi.Name)
	assert.Equal(t, ">=0.110,<0.112", fastapi.Constraint())
	assert.False(t, fastapi.Pinned())
	assert.Equal(t, 2, fastapi.Line)

	uv := m.Requirements[1]
	assert.Equal(t, []string{"standard"}, uv.Extras)
	assert.True(t, uv.Pinned())

	assert.Equal(t, "~=2.7", m.Requirements[2].Constraint())
	assert.Empty(t, m.Requirements[3].Specifiers)
	assert.Equal(t, "jinja2", m.Requirements[3].Name)

	typing := m.Requirements[4]
	assert.Equal(t, "typing-extensions", typing.Name)
	assert.Equal(t, `python_version < "3.12"`, typing.Marker)

	multipart := m.Requirements[5]
	assert.Equal(t, "python-multipart", multipart.Name)
	assert.Equal(t, "==0.0.9", multipart.Constraint())
	assert.Equal(t, 7, multipart.Line)

	assert.Equal(t, []string{"fastapi", "jinja2", "pydantic", "python-multipart", "typing-extensions", "uvicorn"}, m.Names())
	assert.Len(t, m.Unpinned(), 4)
}

func TestParse_Errors(t *testing.T) {
	tests := []struct {
		name    string
		content string
		err     error
		line    int
	}{
		{"include", "-r other.txt", ErrUnsupportedOption, 1},
		{"index url", "fastapi\n--index-url https://example.com/simple", ErrUnsupportedOption, 2},
		{"url", "pkg @ https://example.com/pkg.whl", ErrUnsupportedOption, 1},
		{"bad name", "!!!", ErrMalformedRequirement, 1},
		{"bad constraint", "fastapi >> 1.0", ErrMalformedRequirement, 1},
		{"garbage after name", "fast api", ErrMalformedRequirement, 1},
		{"unterminated extras", "uvicorn[standard", ErrMalformedRequirement, 1},
		{"empty marker", "fastapi ;", ErrMalformedRequirement, 1},
		{"duplicate", "fastapi\nuvicorn\nFastAPI==1.0", ErrDuplicatePackage, 3},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.content))
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.err)

			var pErr *ParseError
			require.ErrorAs(t, err, &pErr)
			assert.Equal(t, tt.line, pErr.Line)
		})
	}
}

func TestNormalizeName(t *testing.T) {
	assert.Equal(t, "foo-bar-baz", NormalizeName("Foo__Bar.baz"))
	assert.Equal(t, "typing-extensions", NormalizeName("typing_extensions"))
	assert.Equal(t, "uvicorn", NormalizeName("UVICORN"))
}

func TestParse_DigestTracksBytes(t *testing.T) {
	a, err := Parse([]byte("fastapi\n"))
	require.NoError(t, err)
	b, err := Parse([]byte("fastapi\n# comment\n"))
	require.NoError(t, err)

	// Same requirements, different bytes: the layer must still be rebuilt.
	assert.Equal(t, a.Names(), b.Names())
	assert.NotEqual(t, a.Digest, b.Digest)
}
