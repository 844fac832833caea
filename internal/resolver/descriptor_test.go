package resolver

import (
	"errors"
	"testing"
)

func TestParseDescriptor(t *testing.T) {
	t.Parallel()
	tests := []struct {
		raw   string
		kind  Kind
		value string
	}{
		{"@some_channel", KindHandle, "some_channel"},
		{"some_channel", KindHandle, "some_channel"},
		{"t.me/some_channel", KindHandle, "some_channel"},
		{"https://t.me/some_channel", KindHandle, "some_channel"},
		{"https://t.me/joinchat/AbC-123", KindInvite, "AbC-123"},
		{"t.me/+AbC_123", KindInvite, "AbC_123"},
		{"telegram.me/+xyz", KindInvite, "xyz"},
		{"123456", KindNumericID, "123456"},
		{"-1001234567890", KindNumericID, "-1001234567890"},
		{"https://t.me/addlist/slug123", KindFolder, "https://t.me/addlist/slug123"},
		{"t.me/addlist/slug123", KindFolder, "https://t.me/addlist/slug123"},
		{"https://example.com/my-folder", KindFolder, "https://example.com/my-folder"},
	}
	for _, tt := range tests {
		d, err := ParseDescriptor(tt.raw)
		if err != nil {
			t.Errorf("ParseDescriptor(%q): %v", tt.raw, err)
			continue
		}
		if d.Kind != tt.kind || d.Value != tt.value {
			t.Errorf("ParseDescriptor(%q) = {%v %q}, want {%v %q}",
				tt.raw, d.Kind, d.Value, tt.kind, tt.value)
		}
	}
}

func TestParseDescriptorInvalid(t *testing.T) {
	t.Parallel()
	for _, raw := range []string{"", "   ", "??", "a b c", "@ab"} {
		if _, err := ParseDescriptor(raw); !errors.Is(err, ErrInvalidDescriptor) {
			t.Errorf("ParseDescriptor(%q): err = %v, want ErrInvalidDescriptor", raw, err)
		}
	}
}

func TestCanonicalForms(t *testing.T) {
	t.Parallel()
	if d, _ := ParseDescriptor(" @chan_one "); d.Canonical() != "@chan_one" {
		t.Errorf("Canonical = %q", d.Canonical())
	}
	d := Descriptor{Kind: KindInvite, Value: "abc"}
	if d.Canonical() != "https://t.me/+abc" {
		t.Errorf("invite Canonical = %q", d.Canonical())
	}
	d = Descriptor{Kind: KindHandle, Value: "chan"}
	if d.Canonical() != "@chan" {
		t.Errorf("handle Canonical = %q", d.Canonical())
	}
}

func TestExtractFolderLinks(t *testing.T) {
	t.Parallel()
	html := `<html><body>
	<a href="https://t.me/joinchat/hash_one">group one</a>
	<a href="https://t.me/+hash_two">group two</a>
	<a href="https://t.me/+hash_two">duplicate</a>
	<a href="https://t.me/public_channel">channel</a>
	<a href="https://t.me/addlist/nested">nested folder, skipped</a>
	</body></html>`

	invites, handles := extractFolderLinks(html)
	if len(invites) != 2 || invites[0] != "hash_one" || invites[1] != "hash_two" {
		t.Fatalf("invites = %v", invites)
	}
	want := map[string]bool{"public_channel": true}
	for _, h := range handles {
		if !want[h] {
			t.Fatalf("unexpected handle %q in %v", h, handles)
		}
		delete(want, h)
	}
	if len(want) != 0 {
		t.Fatalf("missing handles: %v (got %v)", want, handles)
	}
}
