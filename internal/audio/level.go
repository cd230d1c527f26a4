package audio

// RFC 6464 levels are -dBov, 0 (loudest) to 127 (silence).
const (
	SilentLevel          uint8 = 127
	DefaultSpeakingLevel uint8 = 50
)

// SpeakingLevel reports whether an RFC 6464 level is louder than threshold dBov.
func SpeakingLevel(level, threshold uint8) bool {
	if threshold == 0 {
		threshold = DefaultSpeakingLevel
	}
	return level < threshold
}
