package errcode

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestOf(t *testing.T) {
	assert.Equal(t, OK, Of(nil))
	assert.Equal(t, Busy, Of(Busy))
	assert.Equal(t, Timeout, Of(fmt.Errorf("connect: %w", context.DeadlineExceeded)))
	assert.Equal(t, Canceled, Of(context.Canceled))
	assert.Equal(t, NotFound, Of(&E{C: NotFound, Op: "open"}))
	assert.Equal(t, Rejected, Of(fmt.Errorf("query: %w", &E{C: Rejected})))
	assert.Equal(t, Error, Of(errors.New("boom")))
}

func TestWrap(t *testing.T) {
	assert.NoError(t, Wrap("battery", nil))

	err := Wrap("battery", context.DeadlineExceeded)
	assert.Equal(t, Timeout, Of(err))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, "battery: timeout: context deadline exceeded", err.Error())
}

func TestStableStrings(t *testing.T) {
	// Codes end up in log files; changing them breaks log consumers.
	cases := map[Code]string{
		OK:       "ok",
		Timeout:  "timeout",
		Canceled: "canceled",
		NotFound: "not_found",
		IO:       "io_error",
		Error:    "error",
	}
	for c, want := range cases {
		assert.Equal(t, want, c.Error())
	}
}
