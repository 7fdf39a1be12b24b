package importer

import (
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/text/encoding/traditionalchinese"
	"golang.org/x/text/transform"
)

func big5Bytes(t *testing.T, s string) []byte {
	t.Helper()
	raw, _, err := transform.Bytes(traditionalchinese.Big5.NewEncoder(), []byte(s))
	require.NoError(t, err)
	return raw
}

func TestDecodeBig5RoundTrip(t *testing.T) {
	const name = "台北市信義區"
	assert.Equal(t, name, DecodeBig5(big5Bytes(t, name)))
}

func TestDecodeBig5ReplacesUndecodableBytes(t *testing.T) {
	raw := append(big5Bytes(t, "瓦斯"), 0xFF, 0xFF)
	got := DecodeBig5(raw)
	assert.True(t, utf8.ValidString(got))
	assert.Contains(t, got, "瓦斯")
}

func TestNormalizeText(t *testing.T) {
	assert.Equal(t, "王小明", NormalizeText("  王小明\t"))
	assert.Equal(t, "高雄市", NormalizeText(string(big5Bytes(t, "高雄市"))))
	assert.Equal(t, "", NormalizeText("   "))
}
