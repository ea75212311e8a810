package monitor

import (
	"bytes"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/require"
)

func TestTruncate(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		in   string
		n    int
		want string
	}{
		{name: "short string untouched", in: "task-1", n: 12, want: "task-1"},
		{name: "exact length untouched", in: "abcdef", n: 6, want: "abcdef"},
		{name: "ascii gets ellipsis", in: "abcdefgh", n: 5, want: "abcd…"},
		{name: "multibyte url", in: "https://例え.テスト/ページ/一覧", n: 12, want: "https://例え.…"},
		{name: "all multibyte", in: "日本語のタイトルです", n: 4, want: "日本語…"},
		{name: "width one", in: "abc", n: 1, want: "…"},
		{name: "width zero", in: "abc", n: 0, want: ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			got := truncate(tc.in, tc.n)
			require.Equal(t, tc.want, got)
			require.True(t, utf8.ValidString(got))
		})
	}
}

// TestTermDisplayRenderMultibyteURL renders a frame whose URL column has to
// be cut inside a run of multibyte runes and checks the output stays valid
// UTF-8 end to end.
func TestTermDisplayRenderMultibyteURL(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	d := NewTermDisplay(&buf)

	start := time.Unix(1000, 0).UTC()
	err := d.Render(View{
		Mode: ModeDetailed,
		At:   start,
		Records: []TaskRecord{
			{
				ID:       "crawl-00000000001",
				URL:      "https://ニュース.example.jp/" + strings.Repeat("記事", 30),
				Status:   StatusInProgress,
				MemoryMB: 42.5,
				Start:    start,
			},
		},
		Stats: Stats{Queued: 1, InProgress: 1},
	})
	require.NoError(t, err)

	out := buf.String()
	require.True(t, utf8.ValidString(out))
	require.NotContains(t, out, string(utf8.RuneError))
	require.Contains(t, out, "crawl-00000…")
}
