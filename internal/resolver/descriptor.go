package resolver

import (
	"fmt"
	"regexp"
	"strings"
)

// Kind tags a destination descriptor, detected once at the boundary.
type Kind int

const (
	KindFolder Kind = iota
	KindInvite
	KindHandle
	KindNumericID
)

func (k Kind) String() string {
	switch k {
	case KindFolder:
		return "folder"
	case KindInvite:
		return "invite"
	case KindHandle:
		return "handle"
	case KindNumericID:
		return "id"
	}
	return "unknown"
}

// Descriptor is a classified destination reference. Value holds the invite
// hash, bare handle, numeric id, or folder URL depending on Kind.
type Descriptor struct {
	Kind  Kind
	Value string
	Raw   string
}

var (
	reInvite  = regexp.MustCompile(`(?:https?://)?t(?:elegram)?\.me/(?:joinchat/|\+)([a-zA-Z0-9_-]+)`)
	reAddlist = regexp.MustCompile(`(?:https?://)?t(?:elegram)?\.me/addlist/([a-zA-Z0-9_-]+)`)
	reLinkUsr = regexp.MustCompile(`^(?:https?://)?t(?:elegram)?\.me/([A-Za-z][A-Za-z0-9_]{3,})/?$`)
	reHandle  = regexp.MustCompile(`^@?([A-Za-z][A-Za-z0-9_]{3,})$`)
	reNumeric = regexp.MustCompile(`^-?\d+$`)
	reAnyUser = regexp.MustCompile(`(?:https?://)?t(?:elegram)?\.me/([A-Za-z][A-Za-z0-9_]{3,})`)
)

// ErrInvalidDescriptor marks input that matches no known destination form.
var ErrInvalidDescriptor = fmt.Errorf("invalid destination descriptor")

// ParseDescriptor classifies raw input, in priority order: link-folder URL,
// invite link, handle, numeric id.
func ParseDescriptor(raw string) (Descriptor, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return Descriptor{}, ErrInvalidDescriptor
	}

	if m := reAddlist.FindStringSubmatch(s); m != nil {
		return Descriptor{Kind: KindFolder, Value: ensureURL(s), Raw: raw}, nil
	}
	if m := reInvite.FindStringSubmatch(s); m != nil {
		return Descriptor{Kind: KindInvite, Value: m[1], Raw: raw}, nil
	}
	if m := reLinkUsr.FindStringSubmatch(s); m != nil {
		return Descriptor{Kind: KindHandle, Value: m[1], Raw: raw}, nil
	}
	// Any other full URL is treated as a folder/collection page to scrape.
	if strings.HasPrefix(s, "http://") || strings.HasPrefix(s, "https://") {
		return Descriptor{Kind: KindFolder, Value: s, Raw: raw}, nil
	}
	if m := reHandle.FindStringSubmatch(s); m != nil {
		return Descriptor{Kind: KindHandle, Value: m[1], Raw: raw}, nil
	}
	if reNumeric.MatchString(s) {
		return Descriptor{Kind: KindNumericID, Value: s, Raw: raw}, nil
	}
	return Descriptor{}, fmt.Errorf("%w: %q", ErrInvalidDescriptor, raw)
}

// Canonical is the string form stored in the destination list: the
// original input for direct adds, a normalized link/handle for items
// discovered inside folder pages.
func (d Descriptor) Canonical() string {
	if d.Raw != "" {
		return strings.TrimSpace(d.Raw)
	}
	switch d.Kind {
	case KindInvite:
		return "https://t.me/+" + d.Value
	case KindHandle:
		return "@" + d.Value
	default:
		return d.Value
	}
}

func ensureURL(s string) string {
	if strings.HasPrefix(s, "http://") || strings.HasPrefix(s, "https://") {
		return s
	}
	return "https://" + s
}

// extractFolderLinks scrapes invite hashes and public handles out of a
// folder/collection page.
func extractFolderLinks(html string) (invites, handles []string) {
	seenInv := map[string]struct{}{}
	for _, m := range reInvite.FindAllStringSubmatch(html, -1) {
		if _, ok := seenInv[m[1]]; ok {
			continue
		}
		seenInv[m[1]] = struct{}{}
		invites = append(invites, m[1])
	}

	seenUsr := map[string]struct{}{}
	for _, m := range reAnyUser.FindAllStringSubmatch(html, -1) {
		u := m[1]
		switch strings.ToLower(u) {
		case "joinchat", "addlist", "share", "proxy", "socks", "iv":
			continue
		}
		if _, ok := seenInv[u]; ok {
			continue
		}
		if _, ok := seenUsr[u]; ok {
			continue
		}
		seenUsr[u] = struct{}{}
		handles = append(handles, u)
	}
	return invites, handles
}
