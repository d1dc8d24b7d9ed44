package redisx

import (
	"testing"
	"time"

	"github.com/peterldowns/testy/check"
)

func TestNew_AppliesTimeouts(t *testing.T) {
	r := New("localhost:6379")
	defer r.Close()

	opts := r.Options()
	check.Equal(t, "localhost:6379", opts.Addr)
	check.Equal(t, 2*time.Second, opts.DialTimeout)
	check.Equal(t, 2*time.Second, opts.ReadTimeout)
	check.Equal(t, 2*time.Second, opts.WriteTimeout)
}
