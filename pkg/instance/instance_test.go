package instance

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestValidName(t *testing.T) {
	tests := []struct {
		name string
		ok   bool
	}{
		{"dev1", true},
		{"my-box", true},
		{"a", true},
		{"123", false},         // all digits
		{"-leading", false},    // leading hyphen
		{"trailing-", false},   // trailing hyphen
		{"Has-Caps", false},    // uppercase
		{"", false},            // empty
		{"under_score", false}, // underscore not allowed
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Equal(t, tt.ok, ValidName(tt.name))
		})
	}
}

func TestValidImage(t *testing.T) {
	require.True(t, ValidImage("ubuntu:22.04"))
	require.False(t, ValidImage("debian:12"))
}

func TestValidRuntime(t *testing.T) {
	require.True(t, ValidRuntime("runc"))
	require.True(t, ValidRuntime("kvm"))
	require.False(t, ValidRuntime("docker"))
}

func TestHostname(t *testing.T) {
	require.Equal(t, "alice-dev1", Hostname("alice", "dev1"))
}

func TestGeneratePassword(t *testing.T) {
	p1 := GeneratePassword()
	p2 := GeneratePassword()

	require.Len(t, p1, passwordLength)
	require.NotEqual(t, p1, p2)
	for _, r := range p1 {
		require.Contains(t, string(passwordAlphabet), string(r))
	}
}

func TestNewDefaultsImageAndRuntime(t *testing.T) {
	inst := New("alice", CreateRequest{Name: "dev1", CPU: 2, Memory: 4, DiskSize: 20})

	require.Equal(t, defaultImage, inst.Image)
	require.Equal(t, "runc", string(inst.Runtime))
	require.Equal(t, "alice-dev1", inst.Hostname)
	require.NotEmpty(t, inst.Password)
}
