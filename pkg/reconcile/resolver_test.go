package reconcile

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"netlab/pkg/model"
	"netlab/pkg/runtime"
)

func fakeWithNode(t *testing.T) *runtime.Fake {
	t.Helper()
	ctx := context.Background()
	f := runtime.NewFake()
	_, err := f.EnsureNetwork(ctx, "lab1-wan", "10.0.0.0/24", "10.0.0.1")
	require.NoError(t, err)
	_, err = f.EnsureNetwork(ctx, "lab1-lan", "10.1.0.0/24", "10.1.0.1")
	require.NoError(t, err)
	require.NoError(t, f.CreateNode(ctx, runtime.NodeSpec{Name: "lab1-r1", Network: "lab1-wan", IP: "10.0.0.2"}))
	require.NoError(t, f.ConnectNetwork(ctx, "lab1-r1", "lab1-lan", "10.1.0.2"))
	return f
}

func TestResolveByMAC(t *testing.T) {
	f := fakeWithNode(t)
	r := NewResolver(f)

	iface, err := r.Resolve(context.Background(), "lab1-r1", "lab1-lan", "")
	require.NoError(t, err)
	assert.Equal(t, "eth1", iface)
}

func TestResolveByAddress(t *testing.T) {
	f := fakeWithNode(t)
	// runtime lost the MAC; fall through to the address match
	f.Containers["lab1-r1"].Endpoints["lab1-lan"].MAC = ""
	r := NewResolver(f)

	iface, err := r.Resolve(context.Background(), "lab1-r1", "lab1-lan", "")
	require.NoError(t, err)
	assert.Equal(t, "eth1", iface)
}

func TestResolvePositionalFallback(t *testing.T) {
	f := fakeWithNode(t)
	c := f.Containers["lab1-r1"]
	c.Endpoints["lab1-lan"].MAC = ""
	c.Endpoints["lab1-lan"].IP = ""
	// "lab1-lan" sorts before "lab1-wan", so position 0 -> eth0
	r := NewResolver(f)

	iface, err := r.Resolve(context.Background(), "lab1-r1", "lab1-lan", "")
	require.NoError(t, err)
	assert.Equal(t, "eth0", iface)
}

func TestResolveNotFound(t *testing.T) {
	f := fakeWithNode(t)
	r := NewResolver(f)

	_, err := r.Resolve(context.Background(), "lab1-r1", "lab1-absent", "")
	require.Error(t, err)
	assert.True(t, errors.Is(err, model.ErrNotFound))
}
