package netguard

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIsLocalOrPrivateLiteral(t *testing.T) {
	g := New(nil)

	tests := []struct {
		host string
		want bool
	}{
		{"localhost", true},
		{"LOCALHOST", true},
		{"app.localhost", true},
		{"localhost.", true},
		{"127.0.0.1", true},
		{"127.8.8.8", true},
		{"::1", true},
		{"0.0.0.0", true},
		{"10.0.0.5", true},
		{"172.16.1.1", true},
		{"192.168.1.1", true},
		{"169.254.1.1", true},
		{"fd00::1", true},
		{"fe80::1", true},
		{"::ffff:192.168.1.1", true},
		{"8.8.8.8", false},
		{"1.1.1.1", false},
		{"2606:4700:4700::1111", false},
		{"example.com", false},
		{"notlocalhost", false},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, g.IsLocalOrPrivateLiteral(tt.host), "host %q", tt.host)
	}
}

func TestResolvesLocalOrPrivate_Literals(t *testing.T) {
	g := New(nil)
	ctx := context.Background()

	// Literals are classified without DNS.
	assert.True(t, g.ResolvesLocalOrPrivate(ctx, "127.0.0.1"))
	assert.True(t, g.ResolvesLocalOrPrivate(ctx, "localhost"))
	assert.False(t, g.ResolvesLocalOrPrivate(ctx, "8.8.8.8"))
}

func TestResolvesLocalOrPrivate_LookupFailureIsNotPrivate(t *testing.T) {
	g := New(nil)

	// A name that cannot resolve is treated as not-private; the dial
	// will fail on its own.
	assert.False(t, g.ResolvesLocalOrPrivate(context.Background(), "this-host-does-not-exist.invalid"))
}
