package domain

import (
	"fmt"
	"regexp"
	"strings"
)

// ChannelKind distinguishes chat rooms from live streams.
type ChannelKind string

const (
	KindChat   ChannelKind = "chat"
	KindStream ChannelKind = "stream"
)

// channel ids are URL path segments: slugs or numeric/uuid stream ids
var channelIDPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_.-]{0,127}$`)

// ChannelKey builds "<kind>:<id>".
func ChannelKey(kind ChannelKind, id string) (string, error) {
	if kind != KindChat && kind != KindStream {
		return "", fmt.Errorf("%w: unknown kind %q", ErrInvalidChannel, kind)
	}
	if !channelIDPattern.MatchString(id) {
		return "", fmt.Errorf("%w: bad id %q", ErrInvalidChannel, id)
	}
	return string(kind) + ":" + id, nil
}

// ParseChannelKey splits a key built by ChannelKey.
func ParseChannelKey(key string) (ChannelKind, string, error) {
	kind, id, ok := strings.Cut(key, ":")
	if !ok {
		return "", "", fmt.Errorf("%w: %q", ErrInvalidChannel, key)
	}
	if _, err := ChannelKey(ChannelKind(kind), id); err != nil {
		return "", "", err
	}
	return ChannelKind(kind), id, nil
}
