package queue

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestEffectiveTimeout(t *testing.T) {
	cats := TimeoutCategories{Default: 10 * time.Minute, Short: 2 * time.Minute, Long: 30 * time.Minute}

	assert.Equal(t, cats.Long, EffectiveTimeout("!analyze -v", cats))
	assert.Equal(t, cats.Long, EffectiveTimeout("g", cats))
	assert.Equal(t, cats.Long, EffectiveTimeout(".reload", cats))
	assert.Equal(t, cats.Long, EffectiveTimeout(".symfix", cats))
	assert.Equal(t, cats.Short, EffectiveTimeout("version", cats))
	assert.Equal(t, cats.Short, EffectiveTimeout("k", cats))
	assert.Equal(t, cats.Default, EffectiveTimeout("", cats))
}

func TestEffectiveTimeout_WholeWordOnly(t *testing.T) {
	cats := TimeoutCategories{Default: time.Minute, Short: time.Second, Long: time.Hour}

	// "print" must not match the long-category "p" prefix.
	assert.Equal(t, cats.Default, EffectiveTimeout("print foo", cats))
}
