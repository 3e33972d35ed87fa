package wire

import "testing"

func TestParseVersionListRoundTrip(t *testing.T) {
	cases := [][]Version{
		{"1@A"},
		{"1@A", "2@B"},
		{},
		{`has "quotes" inside`},
	}
	for _, vs := range cases {
		formatted := FormatVersionList(vs)
		got, err := ParseVersionList(formatted)
		if err != nil {
			t.Fatalf("ParseVersionList(%q) error: %v", formatted, err)
		}
		if len(got) != len(vs) {
			t.Fatalf("round trip length mismatch: got %v want %v", got, vs)
		}
		for i := range vs {
			if got[i] != vs[i] {
				t.Fatalf("round trip mismatch at %d: got %q want %q", i, got[i], vs[i])
			}
		}
	}
}

func TestParseVersionListBracketedAndBareInteger(t *testing.T) {
	got, err := ParseVersionList(`[1, 2, "3@p"]`)
	if err != nil {
		t.Fatal(err)
	}
	want := []Version{"1", "2", "3@p"}
	if len(got) != len(want) {
		t.Fatalf("got %v want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("got %v want %v", got, want)
		}
	}
}

func TestParseVersionListEmpty(t *testing.T) {
	got, err := ParseVersionList("")
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 0 {
		t.Fatalf("expected empty list, got %v", got)
	}
}

func TestParseVersionListRejectsGarbage(t *testing.T) {
	if _, err := ParseVersionList("not-quoted-or-int"); err == nil {
		t.Fatal("expected error for bare non-integer token")
	}
}

func TestParseHeartbeat(t *testing.T) {
	cases := []struct {
		in   string
		want int64
	}{
		{"30s", 30000},
		{"500ms", 500},
		{"5", 5000},
	}
	for _, c := range cases {
		got, err := ParseHeartbeat(c.in)
		if err != nil {
			t.Fatalf("ParseHeartbeat(%q): %v", c.in, err)
		}
		if got != c.want {
			t.Fatalf("ParseHeartbeat(%q) = %d, want %d", c.in, got, c.want)
		}
	}
}

func TestParseSubscribe(t *testing.T) {
	v, err := ParseSubscribe("keep-alive")
	if err != nil || v != SubscribeKeepAlive {
		t.Fatalf("got %v, %v", v, err)
	}
	if _, err := ParseSubscribe("nonsense"); err == nil {
		t.Fatal("expected error")
	}
}
