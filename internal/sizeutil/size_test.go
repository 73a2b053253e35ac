package sizeutil

import "testing"

func TestParse(t *testing.T) {
	cases := []struct {
		in      string
		want    int
		wantOK  bool
	}{
		{"2MB", 2 * 1024 * 1024, true},
		{"512KB", 512 * 1024, true},
		{"1GB", 1024 * 1024 * 1024, true},
		{"128", 128, true},
		{"0B", 0, true},
		{"1TB", 1024 * 1024 * 1024 * 1024, true},
		{"", 0, false},
		{"MB", 0, false},
		{"5XB", 0, false},
		{"-5MB", 0, false},
	}
	for _, c := range cases {
		got, ok := Parse(c.in)
		if ok != c.wantOK {
			t.Errorf("Parse(%q) ok = %v, want %v", c.in, ok, c.wantOK)
			continue
		}
		if ok && got != c.want {
			t.Errorf("Parse(%q) = %d, want %d", c.in, got, c.want)
		}
	}
}
