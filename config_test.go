package drtrace

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestConfig_Defaults(t *testing.T) {
	c := NewConfig("myapp")
	require.Equal(t, "myapp", c.appID)
	require.True(t, c.offline)
	require.False(t, c.l0Filter)
	require.Equal(t, 64, c.lineSize)
}

func TestConfig_WithMethodsReturnIndependentClones(t *testing.T) {
	base := NewConfig("app")

	tests := []struct {
		name string
		with func(*Config) *Config
		want func(*Config) bool
	}{
		{
			name: "WithOffline",
			with: func(c *Config) *Config { return c.WithOffline(false) },
			want: func(c *Config) bool { return c.offline == false },
		},
		{
			name: "WithOutDir",
			with: func(c *Config) *Config { return c.WithOutDir("/tmp/out") },
			want: func(c *Config) bool { return c.outDir == "/tmp/out" },
		},
		{
			name: "WithIPCName",
			with: func(c *Config) *Config { return c.WithIPCName("mypipe") },
			want: func(c *Config) bool { return c.ipcName == "mypipe" },
		},
		{
			name: "WithPhysicalAddresses",
			with: func(c *Config) *Config { return c.WithPhysicalAddresses(true) },
			want: func(c *Config) bool { return c.usePhysical },
		},
		{
			name: "WithL0Filter",
			with: func(c *Config) *Config { return c.WithL0Filter(1024, 512, 32) },
			want: func(c *Config) bool {
				return c.l0Filter && c.l0DLines == 1024 && c.l0ILines == 512 && c.lineSize == 32
			},
		},
		{
			name: "WithMaxTraceSize",
			with: func(c *Config) *Config { return c.WithMaxTraceSize(1 << 20) },
			want: func(c *Config) bool { return c.maxTraceSize == 1<<20 },
		},
		{
			name: "WithOnlineInstrTypes",
			with: func(c *Config) *Config { return c.WithOnlineInstrTypes(true) },
			want: func(c *Config) bool { return c.onlineInstrTypes },
		},
		{
			name: "WithVerbose",
			with: func(c *Config) *Config { return c.WithVerbose(3) },
			want: func(c *Config) bool { return c.verbose == 3 },
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := tt.with(base)
			require.NotSame(t, base, got, "With* must clone, not mutate in place")
			require.True(t, tt.want(got))
		})
	}
}
