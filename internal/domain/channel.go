package domain

import (
	"fmt"
	"strings"
	"unicode"
)

const (
	// BroadcastChannel is subscribed for the whole lifetime of a process and
	// reaches every connection.
	BroadcastChannel = "broadcast"

	userChannelPrefix = "user:"
	maxChannelLength  = 128
)

// UserChannel returns the implicit per-user channel name.
func UserChannel(userID string) string {
	return userChannelPrefix + userID
}

// UserFromChannel reports the user id addressed by a per-user channel.
func UserFromChannel(channel string) (string, bool) {
	if !strings.HasPrefix(channel, userChannelPrefix) {
		return "", false
	}
	id := channel[len(userChannelPrefix):]
	return id, id != ""
}

// ValidateChannel checks the syntactic shape of a channel name.
func ValidateChannel(channel string) error {
	if channel == "" {
		return fmt.Errorf("%w: empty name", ErrInvalidChannel)
	}
	if len(channel) > maxChannelLength {
		return fmt.Errorf("%w: %q exceeds %d bytes", ErrInvalidChannel, channel[:16]+"...", maxChannelLength)
	}
	if strings.IndexFunc(channel, func(r rune) bool { return unicode.IsSpace(r) || unicode.IsControl(r) }) >= 0 {
		return fmt.Errorf("%w: %q contains whitespace", ErrInvalidChannel, channel)
	}
	return nil
}

// ValidateSubscription checks whether userID may add channel to its explicit set.
// The own user channel and the broadcast channel are implicit; other users'
// channels are never allowed.
func ValidateSubscription(userID, channel string) error {
	if err := ValidateChannel(channel); err != nil {
		return err
	}
	if channel == BroadcastChannel {
		return fmt.Errorf("%w: %q", ErrImplicitChannel, channel)
	}
	if owner, ok := UserFromChannel(channel); ok || strings.HasPrefix(channel, userChannelPrefix) {
		if owner == userID {
			return fmt.Errorf("%w: %q", ErrImplicitChannel, channel)
		}
		return fmt.Errorf("%w: %q", ErrForbiddenChannel, channel)
	}
	return nil
}
