package errno

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestWordRoundTrip(t *testing.T) {
	for _, e := range []Errno{EOK, ENOENT, ELIMIT, EHANGUP, EPARTY, EFORWARD} {
		assert.Equal(t, e, FromWord(e.Word()), e.String())
	}
}

func TestErr(t *testing.T) {
	assert.NoError(t, EOK.Err())
	assert.ErrorIs(t, ENOENT.Err(), ENOENT)
}

func TestOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Errno
	}{
		{"nil", nil, EOK},
		{"plain", ELIMIT, ELIMIT},
		{"wrapped", fmt.Errorf("copy failed: %w", EFAULT), EFAULT},
		{"foreign", errors.New("boom"), EINVAL},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Of(tt.err))
		})
	}
}

func TestString(t *testing.T) {
	assert.Equal(t, "EFORWARD", EFORWARD.String())
	assert.Equal(t, "errno(9999)", Errno(9999).String())
	assert.Equal(t, "limit exceeded", ELIMIT.Error())
}
