package model

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"
)

// ID prefixes used across baton.
const (
	IDPrefixSession       = "ses"
	IDPrefixClarification = "qst"
)

// GenerateID returns a unique identifier of the form
// prefix_<unix-seconds>_<8 hex chars>. The timestamp keeps ids sortable by
// creation time; the random suffix keeps them unique within a second.
func GenerateID(prefix string) string {
	buf := make([]byte, 4)
	if _, err := rand.Read(buf); err != nil {
		// crypto/rand failing means the platform entropy source is broken;
		// fall back to a nanosecond suffix rather than aborting.
		return fmt.Sprintf("%s_%d_%08x", prefix, time.Now().Unix(), time.Now().UnixNano()&0xffffffff)
	}
	return fmt.Sprintf("%s_%d_%s", prefix, time.Now().Unix(), hex.EncodeToString(buf))
}

// NewSessionID returns an id for a pipeline run session.
func NewSessionID() string {
	return GenerateID(IDPrefixSession)
}

// NewClarificationID returns an id for a clarification request.
func NewClarificationID() string {
	return GenerateID(IDPrefixClarification)
}
