package ledger

import "strings"

// AllStream is the logical category holding every message ever appended, in
// global commit order
const AllStream = "$all"

const (
	streamSep     = "-"
	commandSuffix = ":command"
)

// EventStream names the event stream of an aggregate instance
func EventStream(category, id string) string {
	return category + streamSep + id
}

// CommandStream names the command stream of an aggregate instance. It is a
// sibling of the event stream and belongs to its own category
func CommandStream(category, id string) string {
	return category + commandSuffix + streamSep + id
}

// CategoryOf returns the prefix of a stream name before its first "-". A name
// without a "-" is its own category
func CategoryOf(stream string) string {
	cat, _, _ := strings.Cut(stream, streamSep)
	return cat
}

// IDOf returns the portion of a stream name following its first "-"
func IDOf(stream string) string {
	_, id, _ := strings.Cut(stream, streamSep)
	return id
}

// IsCategory reports whether name addresses a category (or AllStream) rather
// than a single stream
func IsCategory(name string) bool {
	return name == AllStream || !strings.Contains(name, streamSep)
}

// IsCommandStream reports whether the stream holds commands
func IsCommandStream(stream string) bool {
	return strings.HasSuffix(CategoryOf(stream), commandSuffix)
}

func checkStreamName(stream string) error {
	if stream == "" || IsCategory(stream) || IDOf(stream) == "" ||
		strings.HasPrefix(CategoryOf(stream), "$") {
		return &InvalidStreamError{Stream: stream}
	}
	return nil
}

func checkCategoryName(cat string) error {
	switch {
	case cat == "":
		return configErrorf("category must not be empty")
	case strings.Contains(cat, streamSep):
		return configErrorf("category %q must not contain %q", cat, streamSep)
	case strings.HasPrefix(cat, "$"):
		return configErrorf("category %q uses a reserved prefix", cat)
	case strings.HasSuffix(cat, commandSuffix):
		return configErrorf("category %q uses a reserved suffix", cat)
	default:
		return nil
	}
}
