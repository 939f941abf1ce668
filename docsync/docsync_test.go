package docsync

import (
	"context"
	"errors"
	"flag"
	"testing"

	"github.com/go-playground/assert/v2"
)

func init() {
	initGlog()
}

func initGlog() {
	flag.Set("logtostderr", "true")
	flag.Set("stderrthreshold", "INFO")
	flag.Set("v", "0")
}

func TestIdOrder(t *testing.T) {
	// ulids from the same source are ordered by create time
	a := NewId()
	for range 1024 {
		b := NewId()
		assert.Equal(t, a.LessThan(b), true)
		assert.Equal(t, b.LessThan(a), false)
		a = b
	}
}

func TestIdParse(t *testing.T) {
	a := NewId()
	b, err := ParseId(a.String())
	assert.Equal(t, err, nil)
	assert.Equal(t, a, b)

	c, err := IdFromBytes(a.Bytes())
	assert.Equal(t, err, nil)
	assert.Equal(t, a, c)

	_, err = ParseId("not-an-id")
	assert.NotEqual(t, err, nil)
	_, err = IdFromBytes([]byte{1, 2, 3})
	assert.NotEqual(t, err, nil)
}

func TestHandleError(t *testing.T) {
	var handled error
	HandleError(func() {
		panic("listener failed")
	}, func(err error) {
		handled = err
	})
	assert.NotEqual(t, handled, nil)
	assert.Equal(t, "listener failed", handled.Error())

	handled = nil
	HandleError(func() {
		panic(context.Canceled)
	}, func(err error) {
		handled = err
	})
	assert.Equal(t, true, errors.Is(handled, context.Canceled))

	ran := false
	HandleError(func() {
		ran = true
	}, func(err error) {
		t.Fatal("no panic")
	})
	assert.Equal(t, true, ran)
}

func TestPayloadEncoding(t *testing.T) {
	b := []byte{0, 1, 2, 0xff, 0xfe}
	decoded, err := DecodePayload(EncodePayload(b))
	assert.Equal(t, err, nil)
	assert.Equal(t, b, decoded)

	_, err = DecodePayload("%%%")
	assert.NotEqual(t, err, nil)
}
