package permission

import "testing"

func TestAuthorizedFor(t *testing.T) {
	cases := []struct {
		name     string
		level    Level
		required Level
		allow    bool
	}{
		{name: "read requires read", level: Read, required: Read, allow: true},
		{name: "read requires write", level: Read, required: ReadWrite, allow: false},
		{name: "write requires read", level: ReadWrite, required: Read, allow: true},
		{name: "write requires write", level: ReadWrite, required: ReadWrite, allow: true},
		{name: "deleted requires read", level: Deleted, required: Read, allow: false},
		{name: "deleted requires write", level: Deleted, required: ReadWrite, allow: false},
		{name: "deleted requires deleted", level: Deleted, required: Deleted, allow: false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := tc.level.AuthorizedFor(tc.required); got != tc.allow {
				t.Fatalf("%q.AuthorizedFor(%q) = %v, want %v", tc.level, tc.required, got, tc.allow)
			}
		})
	}
}

func TestCapabilities(t *testing.T) {
	cases := []struct {
		level                      Level
		canRead, canWrite, deleted bool
	}{
		{level: Read, canRead: true},
		{level: ReadWrite, canRead: true, canWrite: true},
		{level: Deleted, deleted: true},
	}
	for _, tc := range cases {
		t.Run(string(tc.level), func(t *testing.T) {
			if tc.level.CanRead() != tc.canRead || tc.level.CanWrite() != tc.canWrite || tc.level.IsDeleted() != tc.deleted {
				t.Fatalf("unexpected capabilities for %q", tc.level)
			}
		})
	}
}

func TestNormalize(t *testing.T) {
	if got := Normalize("READ"); got != Read {
		t.Fatalf("Normalize(READ) = %q", got)
	}
	if got := Normalize(""); got != ReadWrite {
		t.Fatalf("Normalize(\"\") = %q, want %q", got, ReadWrite)
	}
	if got := Normalize("admin"); got != ReadWrite {
		t.Fatalf("Normalize(admin) = %q, want %q", got, ReadWrite)
	}
}

func TestForPublic(t *testing.T) {
	cases := []struct {
		isPublic, isReadOnly bool
		want                 Level
	}{
		{false, false, Deleted},
		{false, true, Deleted},
		{true, true, Read},
		{true, false, ReadWrite},
	}
	for _, tc := range cases {
		if got := ForPublic(tc.isPublic, tc.isReadOnly); got != tc.want {
			t.Fatalf("ForPublic(%v, %v) = %q, want %q", tc.isPublic, tc.isReadOnly, got, tc.want)
		}
	}
}
