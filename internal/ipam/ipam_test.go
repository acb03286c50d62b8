package ipam

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestAllocateSkipsNetworkAndBroadcast(t *testing.T) {
	p, err := New([]string{"10.0.0.0/29"}, 29)
	require.NoError(t, err)

	var got []string
	for i := 0; i < 6; i++ {
		ip, err := p.Allocate()
		require.NoError(t, err)
		got = append(got, ip)
	}
	require.Equal(t, []string{
		"10.0.0.1", "10.0.0.2", "10.0.0.3", "10.0.0.4", "10.0.0.5", "10.0.0.6",
	}, got)

	_, err = p.Allocate()
	require.ErrorIs(t, err, ErrOutOfAddresses)
}

func TestReleaseThenReallocate(t *testing.T) {
	p, err := New([]string{"10.0.0.0/30"}, 30)
	require.NoError(t, err)

	first, err := p.Allocate()
	require.NoError(t, err)
	second, err := p.Allocate()
	require.NoError(t, err)
	require.Equal(t, "10.0.0.1", first)
	require.Equal(t, "10.0.0.2", second)

	p.Release(first)
	third, err := p.Allocate()
	require.NoError(t, err)
	require.Equal(t, first, third)
}

func TestSeedMarksInUse(t *testing.T) {
	p, err := New([]string{"10.0.0.0/29"}, 29)
	require.NoError(t, err)
	p.Seed([]string{"10.0.0.1", "10.0.0.2"})

	ip, err := p.Allocate()
	require.NoError(t, err)
	require.Equal(t, "10.0.0.3", ip)
}

func TestMultiplePoolsExhaustInOrder(t *testing.T) {
	p, err := New([]string{"10.0.0.0/30", "10.0.1.0/30"}, 30)
	require.NoError(t, err)

	first, err := p.Allocate()
	require.NoError(t, err)
	second, err := p.Allocate()
	require.NoError(t, err)
	third, err := p.Allocate()
	require.NoError(t, err)

	require.Equal(t, "10.0.0.1", first)
	require.Equal(t, "10.0.0.2", second)
	require.Equal(t, "10.0.1.1", third)
}

func TestAvailableCounts(t *testing.T) {
	p, err := New([]string{"10.0.0.0/29"}, 29)
	require.NoError(t, err)
	require.Equal(t, 6, p.Available())

	_, err = p.Allocate()
	require.NoError(t, err)
	require.Equal(t, 5, p.Available())
}

func TestInvalidCIDRRejected(t *testing.T) {
	_, err := New([]string{"not-a-cidr"}, 24)
	require.Error(t, err)
}
