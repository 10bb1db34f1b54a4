package bgztar

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/flaneur2020/bgz-tar/bgztar/tarwalk"
)

func TestFilterEntries(t *testing.T) {
	idx := &Index{Entries: []tarwalk.Entry{
		{Name: "etc/", Type: tarwalk.TypeDir},
		{Name: "etc/conf", Type: tarwalk.TypeFile},
		{Name: "etc/conf.d/extra", Type: tarwalk.TypeFile},
		{Name: "./usr/bin/tool", Type: tarwalk.TypeFile},
		{Name: "/var/log", Type: tarwalk.TypeDir},
		{Name: "etcetera", Type: tarwalk.TypeFile},
	}}

	names := func(entries []tarwalk.Entry) []string {
		var out []string
		for _, e := range entries {
			out = append(out, e.Name)
		}
		return out
	}

	tests := []struct {
		pattern string
		want    []string
	}{
		{"etc", []string{"etc/", "etc/conf", "etc/conf.d/extra"}},
		{"etc/", []string{"etc/", "etc/conf", "etc/conf.d/extra"}},
		{"etc/conf", []string{"etc/conf"}},
		{"etc/conf.d", []string{"etc/conf.d/extra"}},
		{"usr/bin", []string{"./usr/bin/tool"}},
		{"./usr/bin", []string{"./usr/bin/tool"}},
		{"/var", []string{"/var/log"}},
		{"etcetera", []string{"etcetera"}},
		{"nope", nil},
	}
	for _, tt := range tests {
		got := idx.FilterEntries(tt.pattern)
		require.Equal(t, tt.want, names(got), "pattern %q", tt.pattern)
	}

	// Empty, "." and "/" select everything.
	for _, pattern := range []string{"", ".", "/"} {
		require.Len(t, idx.FilterEntries(pattern), len(idx.Entries), "pattern %q", pattern)
	}
}

func TestFilterEntriesDoesNotMatchNamePrefix(t *testing.T) {
	idx := &Index{Entries: []tarwalk.Entry{
		{Name: "lib", Type: tarwalk.TypeFile},
		{Name: "lib64/ld.so", Type: tarwalk.TypeFile},
	}}

	got := idx.FilterEntries("lib")
	require.Len(t, got, 1)
	require.Equal(t, "lib", got[0].Name)
}

func TestIndexSizes(t *testing.T) {
	empty := &Index{}
	require.Zero(t, empty.CompressedSize())
	require.Zero(t, empty.UncompressedSize())

	idx := syntheticIndex()
	require.EqualValues(t, 298, idx.CompressedSize())
	require.EqualValues(t, 1536, idx.UncompressedSize())
}
