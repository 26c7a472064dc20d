package pathrewrite_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"reverseit/pathrewrite"
)

func TestRewriteEmptyAndRoot(t *testing.T) {
	assert.Equal(t, "/", pathrewrite.Rewrite("", "", "", ""))
	assert.Equal(t, "/", pathrewrite.Rewrite("/", "", "", ""))
}

func TestRewriteStripPrefixNoOpWhenNotMatching(t *testing.T) {
	got := pathrewrite.Rewrite("/other/path", "/api", "", "")
	assert.Equal(t, "/other/path", got)
}

func TestRewriteStripThenPrefix(t *testing.T) {
	got := pathrewrite.Rewrite("/api/users/1", "/api", "/v2", "")
	assert.Equal(t, "/v2/users/1", got)
}

func TestRewriteQueryReattached(t *testing.T) {
	got := pathrewrite.Rewrite("/api/users", "/api", "", "a=1&b=2")
	assert.Equal(t, "/users?a=1&b=2", got)
}

func TestNormalizePrefix(t *testing.T) {
	assert.Equal(t, "/api", pathrewrite.NormalizePrefix("  /api/ "))
	assert.Equal(t, "", pathrewrite.NormalizePrefix("  "))
	assert.Equal(t, "", pathrewrite.NormalizePrefix("/"))
}
