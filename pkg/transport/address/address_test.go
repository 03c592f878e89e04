package address

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testHost = "WORKSTATION-01"

func TestParse(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		input    string
		expected Address
		wantErr  bool
	}{
		{
			name:     "unqualified",
			input:    "input",
			expected: Address{QueueName: "input"},
		},
		{
			name:     "dot host",
			input:    "input@.",
			expected: Address{QueueName: "input", Host: "."},
		},
		{
			name:     "hostname",
			input:    "input@anotherMachine",
			expected: Address{QueueName: "input", Host: "anotherMachine"},
		},
		{
			name:     "ip address",
			input:    "input@10.0.1.45",
			expected: Address{QueueName: "input", Host: "10.0.1.45"},
		},
		{
			name:    "two separators",
			input:   "input@a@b",
			wantErr: true,
		},
		{
			name:    "three separators",
			input:   "a@b@c@d",
			wantErr: true,
		},
		{
			name:    "empty queue name",
			input:   "@host",
			wantErr: true,
		},
		{
			name:    "empty host",
			input:   "input@",
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			addr, err := Parse(tt.input)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidAddress)

				return
			}

			require.NoError(t, err)
			assert.Equal(t, tt.expected, addr)
		})
	}
}

func TestPaths(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		input     string
		localPath string
		fullPath  string
		isLocal   bool
	}{
		{
			name:      "unqualified",
			input:     "input",
			localPath: `.\private$\input`,
			fullPath:  `FormatName:DIRECT=OS:workstation-01\private$\input`,
			isLocal:   true,
		},
		{
			name:      "dot",
			input:     "input@.",
			localPath: `.\private$\input`,
			fullPath:  `FormatName:DIRECT=OS:.\private$\input`,
			isLocal:   true,
		},
		{
			name:      "localhost",
			input:     "input@localhost",
			localPath: `localhost\private$\input`,
			fullPath:  `FormatName:DIRECT=OS:localhost\private$\input`,
			isLocal:   false,
		},
		{
			name:      "own machine name in other case",
			input:     "input@workstation-01",
			localPath: `workstation-01\private$\input`,
			fullPath:  `FormatName:DIRECT=OS:workstation-01\private$\input`,
			isLocal:   true,
		},
		{
			name:      "remote hostname",
			input:     "input@AnotherMachine",
			localPath: `AnotherMachine\private$\input`,
			fullPath:  `FormatName:DIRECT=OS:anothermachine\private$\input`,
			isLocal:   false,
		},
		{
			name:      "ipv4",
			input:     "input@10.0.1.45",
			localPath: `10.0.1.45\private$\input`,
			fullPath:  `FormatName:DIRECT=TCP:10.0.1.45\private$\input`,
			isLocal:   false,
		},
		{
			name:      "not quite ipv4",
			input:     "input@10.0.1.256",
			localPath: `10.0.1.256\private$\input`,
			fullPath:  `FormatName:DIRECT=OS:10.0.1.256\private$\input`,
			isLocal:   false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			addr, err := Parse(tt.input)
			require.NoError(t, err)

			assert.Equal(t, tt.localPath, LocalPath(addr))
			assert.Equal(t, tt.fullPath, FullPath(addr, testHost))
			assert.Equal(t, tt.isLocal, IsLocal(addr, testHost))
		})
	}
}

func TestIsIPv4(t *testing.T) {
	t.Parallel()

	assert.True(t, IsIPv4("127.0.0.1"))
	assert.True(t, IsIPv4("255.255.255.255"))
	assert.False(t, IsIPv4("256.0.0.1"))
	assert.False(t, IsIPv4("1.2.3"))
	assert.False(t, IsIPv4("a.b.c.d"))
	assert.False(t, IsIPv4("1.2.3.-4"))
}

func TestGloballyAddressable(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "input@"+testHost, GloballyAddressable("input", testHost))
	assert.Equal(t, "input@other", GloballyAddressable("input@other", testHost))
}

func TestParsePath(t *testing.T) {
	t.Parallel()

	tests := []struct {
		path     string
		expected Address
	}{
		{path: `.\private$\input`, expected: Address{QueueName: "input"}},
		{path: `box\private$\input`, expected: Address{QueueName: "input", Host: "box"}},
		{path: `FormatName:DIRECT=OS:box\private$\input`, expected: Address{QueueName: "input", Host: "box"}},
		{path: `formatname:direct=tcp:10.0.0.1\PRIVATE$\input`, expected: Address{QueueName: "input", Host: "10.0.0.1"}},
	}

	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			t.Parallel()

			addr, err := ParsePath(tt.path)
			require.NoError(t, err)
			assert.Equal(t, tt.expected, addr)
		})
	}

	_, err := ParsePath("input")
	assert.ErrorIs(t, err, ErrInvalidAddress)

	_, err = ParsePath(`.\private$\`)
	assert.ErrorIs(t, err, ErrInvalidAddress)
}

func TestKey(t *testing.T) {
	t.Parallel()

	local := []string{
		`.\private$\Input`,
		`workstation-01\private$\input`,
		`FormatName:DIRECT=OS:workstation-01\private$\input`,
		`FormatName:DIRECT=OS:localhost\private$\input`,
		`FormatName:DIRECT=OS:.\private$\input`,
	}

	for _, path := range local {
		key, err := Key(path, testHost)
		require.NoError(t, err)
		assert.Equal(t, "input@workstation-01", key, path)
	}

	key, err := Key(`FormatName:DIRECT=TCP:10.0.0.1\private$\input`, testHost)
	require.NoError(t, err)
	assert.Equal(t, "input@10.0.0.1", key)
}
