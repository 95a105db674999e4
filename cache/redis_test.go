package cache

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRedisTier_KeyMapping(t *testing.T) {
	tier := NewRedisTier(nil, "envdraft")
	assert.Equal(t, "envdraft:2/2.1/fp", tier.redisKey("2/2.1/fp"))
	assert.Equal(t, "2/2.1/fp", tier.cacheKey("envdraft:2/2.1/fp"))

	bare := NewRedisTier(nil, "")
	assert.Equal(t, "2/2.1/fp", bare.redisKey("2/2.1/fp"))
}

func TestEscapeGlob(t *testing.T) {
	assert.Equal(t, `envdraft:2/2.1/`, escapeGlob("envdraft:2/2.1/"))
	assert.Equal(t, `a\*b\?c\[d\]`, escapeGlob("a*b?c[d]"))
}
